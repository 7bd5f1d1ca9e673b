// Package anchorer parses anchorer command flags and launches the anchoring runtime.
package anchorer

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

	anchoreng "github.com/provara/anchor/internal/anchorer"
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
	defaultPort   = 8090
	defaultDBPath = "data/anchor.db"
)

// Config holds anchorer command configuration.
type Config struct {
	Port           int           `env:"PROVARA_ANCHOR_ANCHORER_PORT" envDefault:"8090"`
	DBPath         string        `env:"PROVARA_ANCHOR_DB_PATH" envDefault:"data/anchor.db"`
	LedgerURL      string        `env:"PROVARA_ANCHOR_LEDGER_URL"`
	WitnessDir     string        `env:"PROVARA_ANCHOR_WITNESS_DIR" envDefault:"data/witness"`
	BatchSize      int           `env:"PROVARA_ANCHOR_BATCH_SIZE" envDefault:"256"`
	MinBatch       int           `env:"PROVARA_ANCHOR_MIN_BATCH" envDefault:"8"`
	MaxWait        time.Duration `env:"PROVARA_ANCHOR_MAX_WAIT" envDefault:"5m"`
	Interval       time.Duration `env:"PROVARA_ANCHOR_INTERVAL" envDefault:"30s"`
	LedgerTimeout  time.Duration `env:"PROVARA_ANCHOR_LEDGER_TIMEOUT" envDefault:"10s"`
	WitnessTimeout time.Duration `env:"PROVARA_ANCHOR_WITNESS_TIMEOUT" envDefault:"5s"`
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}
	fs.IntVar(&cfg.Port, "port", cfg.Port, "The anchorer health gRPC server port")
	fs.StringVar(&cfg.DBPath, "db-path", cfg.DBPath, "The anchor SQLite database path")
	fs.StringVar(&cfg.LedgerURL, "ledger-url", cfg.LedgerURL, "The external commitment ledger base URL")
	fs.StringVar(&cfg.WitnessDir, "witness-dir", cfg.WitnessDir, "Directory for published witness artifacts")
	fs.IntVar(&cfg.BatchSize, "batch-size", cfg.BatchSize, "Maximum events per anchoring batch")
	fs.IntVar(&cfg.MinBatch, "min-batch", cfg.MinBatch, "Pending event count that triggers a batch")
	fs.DurationVar(&cfg.MaxWait, "max-wait", cfg.MaxWait, "Oldest pending event age that forces a batch")
	fs.DurationVar(&cfg.Interval, "interval", cfg.Interval, "Anchoring cycle tick period")
	fs.DurationVar(&cfg.LedgerTimeout, "ledger-timeout", cfg.LedgerTimeout, "Per-request ledger timeout")
	fs.DurationVar(&cfg.WitnessTimeout, "witness-timeout", cfg.WitnessTimeout, "Per-artifact witness publish timeout")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run starts the anchorer runtime.
func Run(ctx context.Context, cfg Config) error {
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceAnchorer, func(context.Context) error {
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
	if cfg.WitnessTimeout <= 0 {
		cfg.WitnessTimeout = timeouts.WitnessIO
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

	engine, err := anchoreng.New(store, store, ledgerClient, witnessStore, anchoreng.Config{
		BatchSize:      cfg.BatchSize,
		MinBatch:       cfg.MinBatch,
		MaxWait:        cfg.MaxWait,
		Interval:       cfg.Interval,
		LedgerTimeout:  cfg.LedgerTimeout,
		WitnessTimeout: cfg.WitnessTimeout,
	})
	if err != nil {
		return fmt.Errorf("build anchoring engine: %w", err)
	}

	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Port))
	if err != nil {
		return fmt.Errorf("listen on anchorer port %d: %w", cfg.Port, err)
	}
	defer listener.Close()

	grpcServer := grpc.NewServer(grpc.StatsHandler(otelgrpc.NewServerHandler()))
	healthServer := health.NewServer()
	grpc_health_v1.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	healthServer.SetServingStatus("anchorer.runtime", grpc_health_v1.HealthCheckResponse_SERVING)

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- grpcServer.Serve(listener)
	}()
	defer func() {
		healthServer.Shutdown()
		grpcServer.GracefulStop()
		<-serveErr
	}()

	log.Printf("anchorer listening at %v", listener.Addr())
	return engine.Run(ctx)
}
