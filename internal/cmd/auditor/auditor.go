// Package auditor parses auditor command flags and launches the integrity audit runtime.
package auditor

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	auditeng "github.com/provara/anchor/internal/auditor"
	"github.com/provara/anchor/internal/ledger"
	entrypoint "github.com/provara/anchor/internal/platform/cmd"
	"github.com/provara/anchor/internal/platform/timeouts"
	"github.com/provara/anchor/internal/storage/sqlite"
	"github.com/provara/anchor/internal/witness"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	grpc_health_v1 "google.golang.org/grpc/health/grpc_health_v1"
)

const (
	defaultPort   = 8091
	defaultDBPath = "data/anchor.db"
)

// Config holds auditor command configuration.
type Config struct {
	Port          int           `env:"PROVARA_ANCHOR_AUDITOR_PORT" envDefault:"8091"`
	DBPath        string        `env:"PROVARA_ANCHOR_DB_PATH" envDefault:"data/anchor.db"`
	LedgerURL     string        `env:"PROVARA_ANCHOR_LEDGER_URL"`
	WitnessDir    string        `env:"PROVARA_ANCHOR_WITNESS_DIR" envDefault:"data/witness"`
	Interval      time.Duration `env:"PROVARA_ANCHOR_AUDIT_INTERVAL" envDefault:"5m"`
	GracePeriod   time.Duration `env:"PROVARA_ANCHOR_AUDIT_GRACE" envDefault:"2m"`
	DedupWindow   time.Duration `env:"PROVARA_ANCHOR_ALERT_DEDUP_WINDOW" envDefault:"24h"`
	LedgerTimeout time.Duration `env:"PROVARA_ANCHOR_LEDGER_TIMEOUT" envDefault:"10s"`
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}
	fs.IntVar(&cfg.Port, "port", cfg.Port, "The auditor health gRPC server port")
	fs.StringVar(&cfg.DBPath, "db-path", cfg.DBPath, "The anchor SQLite database path")
	fs.StringVar(&cfg.LedgerURL, "ledger-url", cfg.LedgerURL, "The external commitment ledger base URL")
	fs.StringVar(&cfg.WitnessDir, "witness-dir", cfg.WitnessDir, "Directory holding published witness artifacts")
	fs.DurationVar(&cfg.Interval, "interval", cfg.Interval, "Audit pass tick period")
	fs.DurationVar(&cfg.GracePeriod, "grace-period", cfg.GracePeriod, "Skip identities created more recently than this")
	fs.DurationVar(&cfg.DedupWindow, "dedup-window", cfg.DedupWindow, "Suppress repeat alerts for the same finding within this window")
	fs.DurationVar(&cfg.LedgerTimeout, "ledger-timeout", cfg.LedgerTimeout, "Per-request ledger timeout")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run starts the auditor runtime.
func Run(ctx context.Context, cfg Config) error {
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceAuditor, func(context.Context) error {
		return runLoop(ctx, cfg)
	})
}

func runLoop(ctx context.Context, cfg Config) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if strings.TrimSpace(cfg.LedgerURL) == "" {
		return fmt.Errorf("ledger URL is required")
	}
	if cfg.Port <= 0 {
		cfg.Port = defaultPort
	}
	if strings.TrimSpace(cfg.DBPath) == "" {
		cfg.DBPath = defaultDBPath
	}
	if cfg.LedgerTimeout <= 0 {
		cfg.LedgerTimeout = timeouts.LedgerCall
	}

	if dir := filepath.Dir(cfg.DBPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create storage dir: %w", err)
		}
	}

	store, err := sqlite.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open sqlite store: %w", err)
	}
	defer func() {
		if closeErr := store.Close(); closeErr != nil {
			log.Printf("close sqlite store: %v", closeErr)
		}
	}()

	ledgerClient, err := ledger.NewHTTPClient(cfg.LedgerURL, cfg.LedgerTimeout)
	if err != nil {
		return fmt.Errorf("build ledger client: %w", err)
	}

	witnessStore, err := witness.NewFileStore(cfg.WitnessDir)
	if err != nil {
		return fmt.Errorf("open witness store: %w", err)
	}

	engine, err := auditeng.New(store, store, store, store, ledgerClient, witnessStore, auditeng.Config{
		Interval:      cfg.Interval,
		GracePeriod:   cfg.GracePeriod,
		DedupWindow:   cfg.DedupWindow,
		LedgerTimeout: cfg.LedgerTimeout,
	}, auditeng.Hooks{})
	if err != nil {
		return fmt.Errorf("build audit engine: %w", err)
	}

	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Port))
	if err != nil {
		return fmt.Errorf("listen on auditor port %d: %w", cfg.Port, err)
	}
	defer listener.Close()

	grpcServer := grpc.NewServer(grpc.StatsHandler(otelgrpc.NewServerHandler()))
	healthServer := health.NewServer()
	grpc_health_v1.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	healthServer.SetServingStatus("auditor.runtime", grpc_health_v1.HealthCheckResponse_SERVING)

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- grpcServer.Serve(listener)
	}()
	defer func() {
		healthServer.Shutdown()
		grpcServer.GracefulStop()
		<-serveErr
	}()

	log.Printf("auditor listening at %v", listener.Addr())
	return engine.Run(ctx)
}
