package anchorctl

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/provara/anchor/internal/domain"
	"github.com/provara/anchor/internal/merkle"
	perrors "github.com/provara/anchor/internal/platform/errors"
	"github.com/provara/anchor/internal/storage/sqlite"
)

// seedDB creates a database holding one committed two-leaf batch and
// returns its path, the batch id, and the root hex.
func seedDB(t *testing.T) (dbPath, batchID, rootHex string) {
	t.Helper()
	ctx := context.Background()
	dbPath = filepath.Join(t.TempDir(), "anchorctl.db")
	store, err := sqlite.Open(dbPath)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()

	if err := store.CreateIdentity(ctx, domain.Identity{ID: "did-1", CreatedAt: time.Now().UTC()}); err != nil {
		t.Fatalf("create identity: %v", err)
	}

	leafA := merkle.LeafHash([]byte("entry a"))
	leafB := merkle.LeafHash([]byte("entry b"))
	root := merkle.BuildRoot([][]byte{leafA, leafB})
	rootHex = merkle.EncodeHash(root)
	batchID = "batch-1"

	for i, leaf := range [][]byte{leafA, leafB} {
		event := domain.Event{
			ID:         fmt.Sprintf("evt-%d", i+1),
			IdentityID: "did-1",
			SequenceNo: int64(i + 1),
			LeafHash:   merkle.EncodeHash(leaf),
			CreatedAt:  time.Now().UTC(),
		}
		if err := store.AppendEvent(ctx, event); err != nil {
			t.Fatalf("append event: %v", err)
		}
	}

	if err := store.UpsertBatch(ctx, domain.Batch{
		BatchID:       batchID,
		MerkleRoot:    rootHex,
		CommitmentRef: "ref-1",
		Status:        domain.BatchCommitted,
		CreatedAt:     time.Now().UTC(),
	}); err != nil {
		t.Fatalf("upsert batch: %v", err)
	}

	path, err := merkle.ProveInclusion([][]byte{leafA, leafB}, 0)
	if err != nil {
		t.Fatalf("prove inclusion: %v", err)
	}
	siblings := make([]string, len(path))
	for i, sibling := range path {
		siblings[i] = merkle.EncodeHash(sibling)
	}
	if err := store.MarkAnchored(ctx, "evt-1", domain.AnchoringProof{
		EventSequenceID: "evt-1",
		BatchID:         batchID,
		MerkleRoot:      rootHex,
		LeafHash:        merkle.EncodeHash(leafA),
		SiblingPath:     siblings,
		LeafIndex:       0,
		CommitmentRef:   "ref-1",
		CommittedAt:     time.Now().UTC(),
	}); err != nil {
		t.Fatalf("mark anchored: %v", err)
	}
	return dbPath, batchID, rootHex
}

// ledgerServer serves one commitment for batchID with the given root.
func ledgerServer(t *testing.T, batchID, rootHex string) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/commitments/"+batchID {
			http.NotFound(w, r)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"batch_id":        batchID,
			"commitment_ref":  "ref-1",
			"root_hash":       rootHex,
			"sequence_number": 0,
			"timestamp":       time.Now().UTC(),
		})
	}))
	t.Cleanup(server.Close)
	return server
}

func TestRunBatchPrintsRow(t *testing.T) {
	dbPath, batchID, rootHex := seedDB(t)

	var out bytes.Buffer
	err := Run(context.Background(), Config{DBPath: dbPath}, []string{"batch", batchID}, &out)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !strings.Contains(out.String(), rootHex) {
		t.Fatalf("output %q must include the root", out.String())
	}
}

func TestRunBatchNotFound(t *testing.T) {
	dbPath, _, _ := seedDB(t)

	var out bytes.Buffer
	err := Run(context.Background(), Config{DBPath: dbPath}, []string{"batch", "no-such-batch"}, &out)
	if perrors.CodeOf(err) != perrors.CodeNotFound {
		t.Fatalf("expected NOT_FOUND, got %v", err)
	}
}

func TestRunProofPrintsStoredProof(t *testing.T) {
	dbPath, batchID, _ := seedDB(t)

	var out bytes.Buffer
	err := Run(context.Background(), Config{DBPath: dbPath}, []string{"proof", "evt-1"}, &out)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !strings.Contains(out.String(), batchID) {
		t.Fatalf("output %q must include the batch id", out.String())
	}
}

func TestRunVerifyAgainstLedger(t *testing.T) {
	dbPath, batchID, rootHex := seedDB(t)
	server := ledgerServer(t, batchID, rootHex)

	var out bytes.Buffer
	cfg := Config{DBPath: dbPath, LedgerURL: server.URL, LedgerTimeout: 2 * time.Second}
	if err := Run(context.Background(), cfg, []string{"verify", "evt-1"}, &out); err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !strings.Contains(out.String(), "proof verifies") {
		t.Fatalf("output %q must confirm verification", out.String())
	}
}

func TestRunVerifyRootDisagreement(t *testing.T) {
	dbPath, batchID, _ := seedDB(t)
	wrongRoot := merkle.EncodeHash(merkle.LeafHash([]byte("different tree")))
	server := ledgerServer(t, batchID, wrongRoot)

	var out bytes.Buffer
	cfg := Config{DBPath: dbPath, LedgerURL: server.URL, LedgerTimeout: 2 * time.Second}
	err := Run(context.Background(), cfg, []string{"verify", "evt-1"}, &out)
	if perrors.CodeOf(err) != perrors.CodeProofInvalid {
		t.Fatalf("expected PROOF_INVALID, got %v", err)
	}
}

func TestRunVerifyVanishedCommitment(t *testing.T) {
	dbPath, _, rootHex := seedDB(t)
	server := ledgerServer(t, "some-other-batch", rootHex)

	var out bytes.Buffer
	cfg := Config{DBPath: dbPath, LedgerURL: server.URL, LedgerTimeout: 2 * time.Second}
	err := Run(context.Background(), cfg, []string{"verify", "evt-1"}, &out)
	if perrors.CodeOf(err) != perrors.CodeProofInvalid {
		t.Fatalf("expected PROOF_INVALID, got %v", err)
	}
	if !strings.Contains(err.Error(), "vanished") {
		t.Fatalf("error %q must report the vanished commitment", err.Error())
	}
}

func TestRunVerifyOffline(t *testing.T) {
	leafA := merkle.LeafHash([]byte("entry a"))
	leafB := merkle.LeafHash([]byte("entry b"))
	root := merkle.BuildRoot([][]byte{leafA, leafB})
	path, err := merkle.ProveInclusion([][]byte{leafA, leafB}, 0)
	if err != nil {
		t.Fatalf("prove inclusion: %v", err)
	}

	var out bytes.Buffer
	args := []string{
		"verify",
		"-leaf", merkle.EncodeHash(leafA),
		"-root", merkle.EncodeHash(root),
		"-path", merkle.EncodeHash(path[0]),
	}
	// No database path and no ledger URL: offline verification needs neither.
	if err := Run(context.Background(), Config{}, args, &out); err != nil {
		t.Fatalf("offline verify: %v", err)
	}
	if !strings.Contains(out.String(), "folds to root") {
		t.Fatalf("output %q must confirm the fold", out.String())
	}
}

func TestRunVerifyOfflineRejectsWrongRoot(t *testing.T) {
	leaf := merkle.LeafHash([]byte("entry a"))
	wrongRoot := merkle.LeafHash([]byte("different tree"))

	var out bytes.Buffer
	args := []string{
		"verify",
		"-leaf", merkle.EncodeHash(leaf),
		"-root", merkle.EncodeHash(wrongRoot),
	}
	err := Run(context.Background(), Config{}, args, &out)
	if perrors.CodeOf(err) != perrors.CodeProofInvalid {
		t.Fatalf("expected PROOF_INVALID, got %v", err)
	}
}

func TestRunVerifyOfflineRequiresLeafAndRoot(t *testing.T) {
	var out bytes.Buffer
	err := Run(context.Background(), Config{}, []string{"verify", "-leaf", "ab"}, &out)
	if err == nil || !strings.Contains(err.Error(), "-root") {
		t.Fatalf("expected missing -root error, got %v", err)
	}
}

func TestRunRejectsUnknownCommand(t *testing.T) {
	var out bytes.Buffer
	err := Run(context.Background(), Config{DBPath: "x.db"}, []string{"frobnicate"}, &out)
	if err == nil || !strings.Contains(err.Error(), "unknown command") {
		t.Fatalf("expected unknown command error, got %v", err)
	}
}

func TestRunRequiresArgs(t *testing.T) {
	var out bytes.Buffer
	if err := Run(context.Background(), Config{}, nil, &out); err == nil {
		t.Fatal("expected usage error")
	}
	if err := Run(context.Background(), Config{}, []string{"batch"}, nil); err == nil {
		t.Fatal("expected output required error")
	}
}

func TestParseConfigSplitsSubcommandArgs(t *testing.T) {
	t.Setenv("PROVARA_ANCHOR_DB_PATH", "/tmp/env.db")

	fs := flag.NewFlagSet("anchorctl", flag.ContinueOnError)
	cfg, args, err := ParseConfig(fs, []string{"-ledger-url", "http://ledger:9400", "proof", "evt-9"})
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if cfg.DBPath != "/tmp/env.db" {
		t.Fatalf("db path = %q, want env value", cfg.DBPath)
	}
	if cfg.LedgerURL != "http://ledger:9400" {
		t.Fatalf("ledger url = %q, want flag value", cfg.LedgerURL)
	}
	if len(args) != 2 || args[0] != "proof" || args[1] != "evt-9" {
		t.Fatalf("args = %v, want subcommand remainder", args)
	}
}

func TestVerifyProofMalformedHashes(t *testing.T) {
	_, err := verifyProof(domain.AnchoringProof{LeafHash: "zz"}, strings.Repeat("00", 32))
	if !errors.Is(err, perrors.New(perrors.CodeHashMalformed, "")) {
		t.Fatalf("expected HASH_MALFORMED, got %v", err)
	}
}
