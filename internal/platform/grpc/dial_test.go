package grpc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	gogrpc "google.golang.org/grpc"
	"google.golang.org/grpc/health"
	grpc_health_v1 "google.golang.org/grpc/health/grpc_health_v1"
)

// startHealthServer runs a gRPC server with the standard health service on a
// loopback port and returns its address.
func startHealthServer(t *testing.T, status grpc_health_v1.HealthCheckResponse_ServingStatus) string {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	server := gogrpc.NewServer()
	healthServer := health.NewServer()
	grpc_health_v1.RegisterHealthServer(server, healthServer)
	healthServer.SetServingStatus("", status)
	go server.Serve(listener)
	t.Cleanup(func() {
		server.Stop()
	})
	return listener.Addr().String()
}

func TestDialWithHealth_Serving(t *testing.T) {
	addr := startHealthServer(t, grpc_health_v1.HealthCheckResponse_SERVING)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := DialWithHealth(ctx, nil, addr, 5*time.Second, t.Logf, DefaultClientDialOptions()...)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	conn.Close()
}

func TestDialWithHealth_ConnectFailure(t *testing.T) {
	dialErr := errors.New("refused")
	dialer := DialerFunc(func(ctx context.Context, addr string, opts ...gogrpc.DialOption) (*gogrpc.ClientConn, error) {
		return nil, dialErr
	})

	_, err := DialWithHealth(context.Background(), dialer, "unused:0", time.Second, nil)
	var stageErr *DialError
	if !errors.As(err, &stageErr) {
		t.Fatalf("expected *DialError, got %T: %v", err, err)
	}
	if stageErr.Stage != DialStageConnect {
		t.Fatalf("stage = %s, want %s", stageErr.Stage, DialStageConnect)
	}
	if !errors.Is(err, dialErr) {
		t.Fatal("expected the dial cause to unwrap")
	}
}

func TestDialWithHealth_HealthFailure(t *testing.T) {
	addr := startHealthServer(t, grpc_health_v1.HealthCheckResponse_NOT_SERVING)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := DialWithHealth(ctx, nil, addr, time.Second, nil, DefaultClientDialOptions()...)
	var stageErr *DialError
	if !errors.As(err, &stageErr) {
		t.Fatalf("expected *DialError, got %T: %v", err, err)
	}
	if stageErr.Stage != DialStageHealth {
		t.Fatalf("stage = %s, want %s", stageErr.Stage, DialStageHealth)
	}
}

func TestWaitForHealth_NilConnection(t *testing.T) {
	if err := WaitForHealth(context.Background(), nil, "", nil); err == nil {
		t.Fatal("expected error for nil connection")
	}
}

func TestDialErrorMessage(t *testing.T) {
	err := &DialError{Stage: DialStageConnect, Err: fmt.Errorf("boom")}
	if err.Error() != "gRPC connect error: boom" {
		t.Fatalf("unexpected message %q", err.Error())
	}
	var nilErr *DialError
	if nilErr.Error() == "" {
		t.Fatal("nil receiver must still produce a message")
	}
}
