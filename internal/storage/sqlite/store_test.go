package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/provara/anchor/internal/domain"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "anchor.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Errorf("close store: %v", err)
		}
	})
	return store
}

func seedEvent(t *testing.T, store *Store, id, identityID string, seq int64, createdAt time.Time) {
	t.Helper()
	err := store.AppendEvent(context.Background(), domain.Event{
		ID:         id,
		IdentityID: identityID,
		SequenceNo: seq,
		LeafHash:   "aa11",
		CreatedAt:  createdAt,
	})
	if err != nil {
		t.Fatalf("append event %s: %v", id, err)
	}
}

func TestListUnanchored_OldestFirstAndCapped(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	base := time.Now().UTC().Truncate(time.Millisecond)
	seedEvent(t, store, "evt-3", "did-1", 3, base.Add(2*time.Second))
	seedEvent(t, store, "evt-1", "did-1", 1, base)
	seedEvent(t, store, "evt-2", "did-1", 2, base.Add(time.Second))

	events, err := store.ListUnanchored(ctx, 2)
	if err != nil {
		t.Fatalf("list unanchored: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("len = %d, want 2", len(events))
	}
	if events[0].ID != "evt-1" || events[1].ID != "evt-2" {
		t.Fatalf("order = %s, %s, want evt-1, evt-2", events[0].ID, events[1].ID)
	}
}

func TestMarkAnchored_TransitionsExactlyOnce(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	seedEvent(t, store, "evt-1", "did-1", 1, time.Now().UTC())

	proof := domain.AnchoringProof{
		EventSequenceID: "evt-1",
		BatchID:         "batch-0",
		MerkleRoot:      "bb22",
		LeafHash:        "aa11",
		SiblingPath:     []string{"cc33", "dd44"},
		LeafIndex:       1,
		CommitmentRef:   "ref-0",
		CommittedAt:     time.Now().UTC(),
	}
	if err := store.MarkAnchored(ctx, "evt-1", proof); err != nil {
		t.Fatalf("mark anchored: %v", err)
	}
	if err := store.MarkAnchored(ctx, "evt-1", proof); err == nil {
		t.Fatal("second proof attach must fail")
	}
	if err := store.MarkAnchored(ctx, "evt-missing", proof); err == nil {
		t.Fatal("attach to unknown event must fail")
	}

	got, ok, err := store.GetProof(ctx, "evt-1")
	if err != nil || !ok {
		t.Fatalf("get proof: ok=%v err=%v", ok, err)
	}
	if got.BatchID != "batch-0" || got.LeafIndex != 1 {
		t.Fatalf("proof = %+v", got)
	}
	if len(got.SiblingPath) != 2 || got.SiblingPath[0] != "cc33" {
		t.Fatalf("sibling path = %v", got.SiblingPath)
	}

	events, err := store.ListUnanchored(ctx, 10)
	if err != nil {
		t.Fatalf("list unanchored: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("anchored event still listed as unanchored: %v", events)
	}
}

func TestClearProofs_ReopensEventsForAnchoring(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	seedEvent(t, store, "evt-1", "did-1", 1, time.Now().UTC())
	proof := domain.AnchoringProof{EventSequenceID: "evt-1", BatchID: "batch-0", MerkleRoot: "bb", LeafHash: "aa11"}
	if err := store.MarkAnchored(ctx, "evt-1", proof); err != nil {
		t.Fatalf("mark anchored: %v", err)
	}

	if err := store.ClearProofs(ctx); err != nil {
		t.Fatalf("clear proofs: %v", err)
	}

	if _, ok, _ := store.GetProof(ctx, "evt-1"); ok {
		t.Fatal("proof must be gone after clear")
	}
	events, err := store.ListUnanchored(ctx, 10)
	if err != nil {
		t.Fatalf("list unanchored: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("len = %d, want 1 (event re-eligible after clear)", len(events))
	}
	if err := store.MarkAnchored(ctx, "evt-1", proof); err != nil {
		t.Fatalf("re-anchor after clear: %v", err)
	}
}

func TestUpsertBatch_OneRowPerBatchID(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	batch := domain.Batch{
		BatchID:        "batch-7",
		MerkleRoot:     "rr",
		CommitmentRef:  "ref-7",
		SequenceNumber: 7,
		Status:         domain.BatchPending,
		CreatedAt:      time.Now().UTC(),
	}
	if err := store.UpsertBatch(ctx, batch); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	batch.Status = domain.BatchCommitted
	if err := store.UpsertBatch(ctx, batch); err != nil {
		t.Fatalf("re-upsert: %v", err)
	}

	count, err := store.CountBatches(ctx)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Fatalf("count = %d, want 1", count)
	}
	got, ok, err := store.GetBatch(ctx, "batch-7")
	if err != nil || !ok {
		t.Fatalf("get batch: ok=%v err=%v", ok, err)
	}
	if got.Status != domain.BatchCommitted {
		t.Fatalf("status = %s, want committed", got.Status)
	}

	if err := store.DeleteAllBatches(ctx); err != nil {
		t.Fatalf("delete all: %v", err)
	}
	if count, _ := store.CountBatches(ctx); count != 0 {
		t.Fatalf("count after delete = %d, want 0", count)
	}
}

func TestIdentities_TrackedExcludesDeactivated(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	now := time.Now().UTC()
	for _, id := range []string{"did-1", "did-2"} {
		if err := store.CreateIdentity(ctx, domain.Identity{ID: id, CreatedAt: now}); err != nil {
			t.Fatalf("create identity: %v", err)
		}
	}
	if err := store.SetTrustStatus(ctx, "did-2", domain.TrustDeactivated, now); err != nil {
		t.Fatalf("deactivate: %v", err)
	}

	tracked, err := store.ListTracked(ctx)
	if err != nil {
		t.Fatalf("list tracked: %v", err)
	}
	if len(tracked) != 1 || tracked[0].ID != "did-1" {
		t.Fatalf("tracked = %+v, want only did-1", tracked)
	}
}

func TestTrustState_StatusAndAuditStamp(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	now := time.Now().UTC().Truncate(time.Millisecond)
	if err := store.CreateIdentity(ctx, domain.Identity{ID: "did-1", CreatedAt: now}); err != nil {
		t.Fatalf("create identity: %v", err)
	}

	state, ok, err := store.GetTrustState(ctx, "did-1")
	if err != nil || !ok {
		t.Fatalf("get state: ok=%v err=%v", ok, err)
	}
	if state.Status != domain.TrustActive {
		t.Fatalf("initial status = %s, want active", state.Status)
	}
	if !state.LastAuditAt.IsZero() {
		t.Fatalf("initial last audit = %v, want zero", state.LastAuditAt)
	}

	if err := store.SetTrustStatus(ctx, "did-1", domain.TrustTampered, now); err != nil {
		t.Fatalf("set status: %v", err)
	}
	state, _, err = store.GetTrustState(ctx, "did-1")
	if err != nil {
		t.Fatalf("get state: %v", err)
	}
	if state.Status != domain.TrustTampered || !state.LastAuditAt.Equal(now) {
		t.Fatalf("state = %+v", state)
	}

	later := now.Add(time.Minute)
	if err := store.TouchAudit(ctx, "did-1", later); err != nil {
		t.Fatalf("touch audit: %v", err)
	}
	state, _, _ = store.GetTrustState(ctx, "did-1")
	if state.Status != domain.TrustTampered || !state.LastAuditAt.Equal(later) {
		t.Fatalf("state after touch = %+v", state)
	}

	if err := store.SetTrustStatus(ctx, "did-missing", domain.TrustActive, now); err == nil {
		t.Fatal("expected error for unknown identity")
	}
}

func TestReadLog_SequenceOrder(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	for _, seq := range []int64{2, 1, 3} {
		err := store.AppendLogEntry(ctx, "did-1", domain.LogEntry{
			SequenceNo: seq,
			Backlink:   "bl",
			Canonical:  []byte("entry"),
		})
		if err != nil {
			t.Fatalf("append entry %d: %v", seq, err)
		}
	}
	entries, err := store.ReadLog(ctx, "did-1")
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("len = %d, want 3", len(entries))
	}
	for i, entry := range entries {
		if entry.SequenceNo != int64(i+1) {
			t.Fatalf("entry %d sequence = %d", i, entry.SequenceNo)
		}
	}
}

func TestRaiseAlert_DedupWithinWindow(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	alert := domain.Alert{
		ID:         "alert-1",
		IdentityID: "did-1",
		Reason:     "hash_chain_break",
		Origin:     domain.OriginSystem,
		CreatedAt:  time.Now().UTC(),
	}
	created, err := store.RaiseAlert(ctx, alert, time.Hour)
	if err != nil {
		t.Fatalf("raise: %v", err)
	}
	if !created {
		t.Fatal("first alert must be created")
	}

	dup := alert
	dup.ID = "alert-2"
	dup.CreatedAt = alert.CreatedAt.Add(time.Minute)
	created, err = store.RaiseAlert(ctx, dup, time.Hour)
	if err != nil {
		t.Fatalf("raise duplicate: %v", err)
	}
	if created {
		t.Fatal("duplicate (identity, reason) within window must be suppressed")
	}

	other := alert
	other.ID = "alert-3"
	other.Reason = "proof_mismatch"
	created, err = store.RaiseAlert(ctx, other, time.Hour)
	if err != nil {
		t.Fatalf("raise other reason: %v", err)
	}
	if !created {
		t.Fatal("different reason must not be deduped")
	}
}

func TestResolveSystemAlerts_LeavesManualAlerts(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	now := time.Now().UTC()
	alerts := []domain.Alert{
		{ID: "a-1", IdentityID: "did-1", Reason: "hash_chain_break", Origin: domain.OriginSystem, CreatedAt: now},
		{ID: "a-2", IdentityID: "did-1", Reason: "field report", Origin: domain.OriginManual, CreatedAt: now},
		{ID: "a-3", IdentityID: "did-2", Reason: "proof_mismatch", Origin: domain.OriginSystem, CreatedAt: now},
	}
	for _, alert := range alerts {
		if _, err := store.RaiseAlert(ctx, alert, 0); err != nil {
			t.Fatalf("raise %s: %v", alert.ID, err)
		}
	}

	removed, err := store.ResolveSystemAlerts(ctx, "did-1")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if removed != 1 {
		t.Fatalf("removed = %d, want 1", removed)
	}

	remaining, err := store.ListAlerts(ctx, "did-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(remaining) != 1 || remaining[0].Origin != domain.OriginManual {
		t.Fatalf("remaining = %+v, want only the manual alert", remaining)
	}
	otherIdentity, _ := store.ListAlerts(ctx, "did-2")
	if len(otherIdentity) != 1 {
		t.Fatal("other identity's alerts must be untouched")
	}
}

func TestListAnchoredByIdentity(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	now := time.Now().UTC()
	seedEvent(t, store, "evt-1", "did-1", 1, now)
	seedEvent(t, store, "evt-2", "did-1", 2, now.Add(time.Second))
	seedEvent(t, store, "evt-3", "did-2", 1, now)

	proof := domain.AnchoringProof{BatchID: "batch-0", MerkleRoot: "rr", SiblingPath: []string{"ss"}, CommittedAt: now}
	if err := store.MarkAnchored(ctx, "evt-2", proof); err != nil {
		t.Fatalf("mark anchored: %v", err)
	}

	anchored, err := store.ListAnchoredByIdentity(ctx, "did-1")
	if err != nil {
		t.Fatalf("list anchored: %v", err)
	}
	if len(anchored) != 1 || anchored[0].ID != "evt-2" {
		t.Fatalf("anchored = %+v, want only evt-2", anchored)
	}
	if anchored[0].Proof == nil || anchored[0].Proof.BatchID != "batch-0" {
		t.Fatalf("proof = %+v", anchored[0].Proof)
	}
	if anchored[0].Proof.LeafHash != "aa11" {
		t.Fatalf("proof leaf hash = %q, want event leaf hash", anchored[0].Proof.LeafHash)
	}
}
