package anchorer

import (
	"context"
	"flag"
	"strings"
	"testing"
	"time"
)

func TestParseConfigReadsEnvAndFlags(t *testing.T) {
	t.Setenv("PROVARA_ANCHOR_LEDGER_URL", "http://ledger.env:9400")
	t.Setenv("PROVARA_ANCHOR_MIN_BATCH", "4")

	fs := flag.NewFlagSet("anchorer", flag.ContinueOnError)
	cfg, err := ParseConfig(fs, []string{"-db-path", "/tmp/flag.db", "-interval", "10s"})
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if cfg.LedgerURL != "http://ledger.env:9400" {
		t.Fatalf("ledger url = %q", cfg.LedgerURL)
	}
	if cfg.MinBatch != 4 {
		t.Fatalf("min batch = %d, want env override 4", cfg.MinBatch)
	}
	if cfg.DBPath != "/tmp/flag.db" {
		t.Fatalf("db path = %q, want flag override", cfg.DBPath)
	}
	if cfg.Interval != 10*time.Second {
		t.Fatalf("interval = %s, want flag override 10s", cfg.Interval)
	}
	if cfg.Port != 8090 {
		t.Fatalf("port = %d, want default 8090", cfg.Port)
	}
	if cfg.BatchSize != 256 {
		t.Fatalf("batch size = %d, want default 256", cfg.BatchSize)
	}
	if cfg.WitnessTimeout != 5*time.Second {
		t.Fatalf("witness timeout = %s, want default 5s", cfg.WitnessTimeout)
	}
}

func TestRunLoopRequiresLedgerURL(t *testing.T) {
	err := runLoop(context.Background(), Config{})
	if err == nil {
		t.Fatal("expected error for missing ledger URL")
	}
	if !strings.Contains(err.Error(), "ledger URL") {
		t.Fatalf("unexpected error: %v", err)
	}
}
