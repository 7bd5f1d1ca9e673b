package witness

import (
	"context"
	"testing"
	"time"

	"github.com/provara/anchor/internal/domain"
)

func TestFileStore_PublishOverwritesWhole(t *testing.T) {
	ctx := context.Background()
	store, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	first := Artifact{
		IdentityID: "did:prov:abc",
		UpdatedAt:  time.Now().UTC(),
		Proofs: []domain.AnchoringProof{
			{EventSequenceID: "evt-1", BatchID: "batch-0", LeafHash: "aa"},
			{EventSequenceID: "evt-2", BatchID: "batch-0", LeafHash: "bb"},
		},
	}
	if err := store.Publish(ctx, first); err != nil {
		t.Fatalf("publish: %v", err)
	}

	second := first
	second.Proofs = first.Proofs[:1]
	if err := store.Publish(ctx, second); err != nil {
		t.Fatalf("republish: %v", err)
	}

	got, ok, err := store.Fetch(ctx, "did:prov:abc")
	if err != nil || !ok {
		t.Fatalf("fetch: ok=%v err=%v", ok, err)
	}
	if len(got.Proofs) != 1 {
		t.Fatalf("proofs = %d, want 1 (publish must replace, not append)", len(got.Proofs))
	}
	if got.Proofs[0].EventSequenceID != "evt-1" {
		t.Fatalf("kept proof = %q, want evt-1", got.Proofs[0].EventSequenceID)
	}
}

func TestFileStore_FetchMissing(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	_, ok, err := store.Fetch(context.Background(), "did:prov:nobody")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if ok {
		t.Fatal("expected no artifact")
	}
}

func TestFileStore_RequiresIdentity(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	if err := store.Publish(context.Background(), Artifact{}); err == nil {
		t.Fatal("expected error for empty identity id")
	}
}

func TestMemory_FailureInjection(t *testing.T) {
	ctx := context.Background()
	mem := NewMemory()
	mem.FailPublish("did:prov:bad", true)

	if err := mem.Publish(ctx, Artifact{IdentityID: "did:prov:bad"}); err == nil {
		t.Fatal("expected injected failure")
	}
	if err := mem.Publish(ctx, Artifact{IdentityID: "did:prov:good"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if _, ok, _ := mem.Fetch(ctx, "did:prov:good"); !ok {
		t.Fatal("expected artifact for unaffected identity")
	}
}
