// Package anchorctl implements the operator CLI for inspecting anchoring
// state: batches, stored proofs, proof verification against the live
// ledger, and service health.
package anchorctl

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/provara/anchor/internal/domain"
	"github.com/provara/anchor/internal/ledger"
	"github.com/provara/anchor/internal/merkle"
	entrypoint "github.com/provara/anchor/internal/platform/cmd"
	perrors "github.com/provara/anchor/internal/platform/errors"
	platformgrpc "github.com/provara/anchor/internal/platform/grpc"
	"github.com/provara/anchor/internal/platform/timeouts"
	"github.com/provara/anchor/internal/storage/sqlite"
)

// Config holds anchorctl configuration shared by all subcommands.
type Config struct {
	DBPath        string        `env:"PROVARA_ANCHOR_DB_PATH" envDefault:"data/anchor.db"`
	LedgerURL     string        `env:"PROVARA_ANCHOR_LEDGER_URL"`
	LedgerTimeout time.Duration `env:"PROVARA_ANCHOR_LEDGER_TIMEOUT" envDefault:"10s"`
}

// ParseConfig parses environment and global flags into a Config, returning
// the remaining subcommand arguments.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, []string, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, nil, err
	}
	fs.StringVar(&cfg.DBPath, "db-path", cfg.DBPath, "The anchor SQLite database path")
	fs.StringVar(&cfg.LedgerURL, "ledger-url", cfg.LedgerURL, "The external commitment ledger base URL")
	fs.DurationVar(&cfg.LedgerTimeout, "ledger-timeout", cfg.LedgerTimeout, "Per-request ledger timeout")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, nil, err
	}
	return cfg, fs.Args(), nil
}

// Run dispatches one subcommand and writes human-readable output to out.
func Run(ctx context.Context, cfg Config, args []string, out io.Writer) error {
	if out == nil {
		return fmt.Errorf("output is required")
	}
	if len(args) == 0 {
		return fmt.Errorf("usage: anchorctl [flags] <batch|proof|verify|status> ...")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	command, rest := args[0], args[1:]
	switch command {
	case "batch":
		return runBatch(ctx, cfg, rest, out)
	case "proof":
		return runProof(ctx, cfg, rest, out)
	case "verify":
		return runVerify(ctx, cfg, rest, out)
	case "status":
		return runStatus(ctx, rest, out)
	default:
		return fmt.Errorf("unknown command %q", command)
	}
}

func openStore(cfg Config) (*sqlite.Store, error) {
	if strings.TrimSpace(cfg.DBPath) == "" {
		return nil, fmt.Errorf("database path is required")
	}
	return sqlite.Open(cfg.DBPath)
}

func ledgerClient(cfg Config) (*ledger.HTTPClient, error) {
	if strings.TrimSpace(cfg.LedgerURL) == "" {
		return nil, fmt.Errorf("ledger URL is required")
	}
	return ledger.NewHTTPClient(cfg.LedgerURL, cfg.LedgerTimeout)
}

func runBatch(ctx context.Context, cfg Config, args []string, out io.Writer) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: anchorctl batch <batch-id>")
	}
	batchID := strings.TrimSpace(args[0])

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	batch, found, err := store.GetBatch(ctx, batchID)
	if err != nil {
		return fmt.Errorf("get batch: %w", err)
	}
	if !found {
		return perrors.New(perrors.CodeNotFound, fmt.Sprintf("batch %s not found", batchID))
	}
	return printJSON(out, batch)
}

func runProof(ctx context.Context, cfg Config, args []string, out io.Writer) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: anchorctl proof <event-id>")
	}
	eventID := strings.TrimSpace(args[0])

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	proof, found, err := store.GetProof(ctx, eventID)
	if err != nil {
		return fmt.Errorf("get proof: %w", err)
	}
	if !found {
		return perrors.New(perrors.CodeNotFound, fmt.Sprintf("event %s has no anchoring proof", eventID))
	}
	return printJSON(out, proof)
}

// runVerify checks an inclusion proof. With -leaf and -root it verifies
// offline, needing neither database nor ledger; with an event id it folds
// the stored sibling path and checks the result against the root the
// ledger currently serves for the proof's batch.
func runVerify(ctx context.Context, cfg Config, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("verify", flag.ContinueOnError)
	leafHex := fs.String("leaf", "", "Leaf hash to verify offline (hex)")
	rootHex := fs.String("root", "", "Expected Merkle root for offline verification (hex)")
	pathHex := fs.String("path", "", "Comma-separated sibling path, leaf to root (hex)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *leafHex != "" || *rootHex != "" {
		return runVerifyOffline(*leafHex, *rootHex, *pathHex, out)
	}

	rest := fs.Args()
	if len(rest) != 1 {
		return fmt.Errorf("usage: anchorctl verify <event-id> | verify -leaf <hex> -root <hex> [-path <hex,hex,...>]")
	}
	eventID := strings.TrimSpace(rest[0])

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	client, err := ledgerClient(cfg)
	if err != nil {
		return err
	}

	proof, found, err := store.GetProof(ctx, eventID)
	if err != nil {
		return fmt.Errorf("get proof: %w", err)
	}
	if !found {
		return perrors.New(perrors.CodeNotFound, fmt.Sprintf("event %s has no anchoring proof", eventID))
	}

	commitment, found, err := client.GetCommitment(ctx, proof.BatchID)
	if err != nil {
		return perrors.Wrap(perrors.CodeLedgerUnavailable, fmt.Sprintf("fetch commitment for batch %s", proof.BatchID), err)
	}
	if !found {
		return perrors.New(perrors.CodeProofInvalid, fmt.Sprintf("commitment for batch %s vanished on ledger", proof.BatchID))
	}

	ok, err := verifyProof(proof, commitment.RootHash)
	if err != nil {
		return err
	}
	if !ok {
		return perrors.New(perrors.CodeProofInvalid, fmt.Sprintf("ledger root disagrees with proof for batch %s", proof.BatchID))
	}
	fmt.Fprintf(out, "event %s: proof verifies against ledger commitment %s (seq %d)\n", eventID, commitment.Ref, commitment.SequenceNumber)
	return nil
}

// runVerifyOffline folds a supplied sibling path without touching storage
// or the ledger.
func runVerifyOffline(leafHex, rootHex, pathHex string, out io.Writer) error {
	if leafHex == "" || rootHex == "" {
		return fmt.Errorf("offline verification needs both -leaf and -root")
	}
	proof := domain.AnchoringProof{LeafHash: leafHex}
	if trimmed := strings.TrimSpace(pathHex); trimmed != "" {
		for _, sibling := range strings.Split(trimmed, ",") {
			proof.SiblingPath = append(proof.SiblingPath, strings.TrimSpace(sibling))
		}
	}
	ok, err := verifyProof(proof, rootHex)
	if err != nil {
		return err
	}
	if !ok {
		return perrors.New(perrors.CodeProofInvalid, "sibling path does not fold to the given root")
	}
	fmt.Fprintf(out, "leaf %s: path folds to root %s\n", leafHex, rootHex)
	return nil
}

func verifyProof(proof domain.AnchoringProof, rootHash string) (bool, error) {
	root, err := merkle.DecodeHash(rootHash)
	if err != nil {
		return false, perrors.Wrap(perrors.CodeHashMalformed, "ledger root is malformed", err)
	}
	leaf, err := merkle.DecodeHash(proof.LeafHash)
	if err != nil {
		return false, perrors.Wrap(perrors.CodeHashMalformed, "proof leaf hash is malformed", err)
	}
	path := make([][]byte, len(proof.SiblingPath))
	for i, sibling := range proof.SiblingPath {
		if path[i], err = merkle.DecodeHash(sibling); err != nil {
			return false, perrors.Wrap(perrors.CodeHashMalformed, fmt.Sprintf("sibling %d is malformed", i), err)
		}
	}
	return merkle.VerifyInclusion(leaf, path, root), nil
}

// runStatus dials a service's gRPC health endpoint and reports SERVING.
func runStatus(ctx context.Context, args []string, out io.Writer) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: anchorctl status <addr>")
	}
	addr := strings.TrimSpace(args[0])

	conn, err := platformgrpc.DialWithHealth(ctx, nil, addr, timeouts.GRPCDial, nil, platformgrpc.DefaultClientDialOptions()...)
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}
	defer conn.Close()

	fmt.Fprintf(out, "%s: SERVING\n", addr)
	return nil
}

func printJSON(out io.Writer, value any) error {
	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(value)
}
