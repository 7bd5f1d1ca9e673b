// Package memory implements the anchoring storage interfaces in process
// memory. Engine tests run against it; production runs against sqlite.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/provara/anchor/internal/domain"
)

// Store holds all anchoring state in memory, guarded by one mutex.
type Store struct {
	mu         sync.Mutex
	events     []domain.Event
	proofs     map[string]domain.AnchoringProof
	batches    map[string]domain.Batch
	identities map[string]*identityRecord
	logs       map[string][]domain.LogEntry
	alerts     []domain.Alert
}

type identityRecord struct {
	identity domain.Identity
	state    domain.TrustState
}

// New builds an empty in-memory store.
func New() *Store {
	return &Store{
		proofs:     make(map[string]domain.AnchoringProof),
		batches:    make(map[string]domain.Batch),
		identities: make(map[string]*identityRecord),
		logs:       make(map[string][]domain.LogEntry),
	}
}

// ListUnanchored returns events with no proof yet, oldest first.
func (s *Store) ListUnanchored(ctx context.Context, limit int) ([]domain.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var pending []domain.Event
	for _, event := range s.events {
		if _, anchored := s.proofs[event.ID]; !anchored {
			pending = append(pending, event)
		}
	}
	sort.SliceStable(pending, func(i, j int) bool {
		if !pending[i].CreatedAt.Equal(pending[j].CreatedAt) {
			return pending[i].CreatedAt.Before(pending[j].CreatedAt)
		}
		return pending[i].SequenceNo < pending[j].SequenceNo
	})
	if limit > 0 && len(pending) > limit {
		pending = pending[:limit]
	}
	return pending, nil
}

// MarkAnchored attaches a proof to an event exactly once.
func (s *Store) MarkAnchored(ctx context.Context, eventID string, proof domain.AnchoringProof) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	found := false
	for _, event := range s.events {
		if event.ID == eventID {
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("event %s not found", eventID)
	}
	if _, anchored := s.proofs[eventID]; anchored {
		return fmt.Errorf("event %s already carries a proof", eventID)
	}
	s.proofs[eventID] = proof
	return nil
}

// ClearProofs discards every attached proof.
func (s *Store) ClearProofs(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.proofs = make(map[string]domain.AnchoringProof)
	return nil
}

// GetProof returns the proof attached to an event, if any.
func (s *Store) GetProof(ctx context.Context, eventID string) (domain.AnchoringProof, bool, error) {
	if err := ctx.Err(); err != nil {
		return domain.AnchoringProof{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	proof, ok := s.proofs[eventID]
	return proof, ok, nil
}

// ListAnchoredByIdentity returns anchored events in sequence order.
func (s *Store) ListAnchoredByIdentity(ctx context.Context, identityID string) ([]domain.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var anchored []domain.Event
	for _, event := range s.events {
		if event.IdentityID != identityID {
			continue
		}
		proof, ok := s.proofs[event.ID]
		if !ok {
			continue
		}
		proof.EventSequenceID = event.ID
		proof.LeafHash = event.LeafHash
		event.Proof = &proof
		anchored = append(anchored, event)
	}
	sort.Slice(anchored, func(i, j int) bool {
		return anchored[i].SequenceNo < anchored[j].SequenceNo
	})
	return anchored, nil
}

// UpsertBatch writes a batch record keyed by the ledger-assigned id.
func (s *Store) UpsertBatch(ctx context.Context, batch domain.Batch) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches[batch.BatchID] = batch
	return nil
}

// GetBatch returns a batch record by ledger-assigned id.
func (s *Store) GetBatch(ctx context.Context, batchID string) (domain.Batch, bool, error) {
	if err := ctx.Err(); err != nil {
		return domain.Batch{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	batch, ok := s.batches[batchID]
	return batch, ok, nil
}

// CountBatches reports how many batch records exist.
func (s *Store) CountBatches(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.batches), nil
}

// DeleteAllBatches discards every batch record.
func (s *Store) DeleteAllBatches(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = make(map[string]domain.Batch)
	return nil
}

// ListTracked returns identities that are not deactivated.
func (s *Store) ListTracked(ctx context.Context) ([]domain.Identity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var tracked []domain.Identity
	for _, record := range s.identities {
		if record.state.Status != domain.TrustDeactivated {
			tracked = append(tracked, record.identity)
		}
	}
	sort.Slice(tracked, func(i, j int) bool {
		return tracked[i].ID < tracked[j].ID
	})
	return tracked, nil
}

// GetTrustState returns the trust record for an identity.
func (s *Store) GetTrustState(ctx context.Context, identityID string) (domain.TrustState, bool, error) {
	if err := ctx.Err(); err != nil {
		return domain.TrustState{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.identities[identityID]
	if !ok {
		return domain.TrustState{}, false, nil
	}
	return record.state, true, nil
}

// SetTrustStatus transitions an identity's status and stamps the audit time.
func (s *Store) SetTrustStatus(ctx context.Context, identityID string, status domain.TrustStatus, auditedAt time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.identities[identityID]
	if !ok {
		return fmt.Errorf("identity %s not found", identityID)
	}
	record.state.Status = status
	record.state.LastAuditAt = auditedAt
	return nil
}

// TouchAudit stamps the audit time without changing status.
func (s *Store) TouchAudit(ctx context.Context, identityID string, auditedAt time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if record, ok := s.identities[identityID]; ok {
		record.state.LastAuditAt = auditedAt
	}
	return nil
}

// ReadLog returns an identity's log entries in sequence order.
func (s *Store) ReadLog(ctx context.Context, identityID string) ([]domain.LogEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := append([]domain.LogEntry(nil), s.logs[identityID]...)
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].SequenceNo < entries[j].SequenceNo
	})
	return entries, nil
}

// RaiseAlert records an alert unless an equal one exists within the window.
func (s *Store) RaiseAlert(ctx context.Context, alert domain.Alert, dedupWindow time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if err := alert.Validate(); err != nil {
		return false, err
	}
	if alert.CreatedAt.IsZero() {
		alert.CreatedAt = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if dedupWindow > 0 {
		cutoff := alert.CreatedAt.Add(-dedupWindow)
		for _, existing := range s.alerts {
			if existing.IdentityID == alert.IdentityID &&
				existing.Reason == alert.Reason &&
				!existing.CreatedAt.Before(cutoff) {
				return false, nil
			}
		}
	}
	s.alerts = append(s.alerts, alert)
	return true, nil
}

// ListAlerts returns all open alerts for an identity, oldest first.
func (s *Store) ListAlerts(ctx context.Context, identityID string) ([]domain.Alert, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Alert
	for _, alert := range s.alerts {
		if alert.IdentityID == identityID {
			out = append(out, alert)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// ResolveSystemAlerts deletes system-raised alerts for an identity.
func (s *Store) ResolveSystemAlerts(ctx context.Context, identityID string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.alerts[:0]
	removed := 0
	for _, alert := range s.alerts {
		if alert.IdentityID == identityID && alert.Origin == domain.OriginSystem {
			removed++
			continue
		}
		kept = append(kept, alert)
	}
	s.alerts = kept
	return removed, nil
}

// CreateIdentity registers an identity with an active trust status.
func (s *Store) CreateIdentity(ctx context.Context, identity domain.Identity) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.identities[identity.ID]; exists {
		return fmt.Errorf("identity %s already exists", identity.ID)
	}
	if identity.CreatedAt.IsZero() {
		identity.CreatedAt = time.Now().UTC()
	}
	s.identities[identity.ID] = &identityRecord{
		identity: identity,
		state: domain.TrustState{
			IdentityID: identity.ID,
			Status:     domain.TrustActive,
		},
	}
	return nil
}

// AppendEvent records a new unanchored event.
func (s *Store) AppendEvent(ctx context.Context, event domain.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := event.Validate(); err != nil {
		return err
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

// AppendLogEntry records a raw log entry for an identity.
func (s *Store) AppendLogEntry(ctx context.Context, identityID string, entry domain.LogEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs[identityID] = append(s.logs[identityID], entry)
	return nil
}

// DeleteAlert removes one alert by id. Audit tests use it to stand in for
// the human action of clearing a manual alert.
func (s *Store) DeleteAlert(alertID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.alerts[:0]
	for _, alert := range s.alerts {
		if alert.ID != alertID {
			kept = append(kept, alert)
		}
	}
	s.alerts = kept
}

// SetBacklink rewrites one stored backlink. Audit tests use it to plant a
// hash-chain break.
func (s *Store) SetBacklink(identityID string, sequenceNo int64, backlink string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := s.logs[identityID]
	for i := range entries {
		if entries[i].SequenceNo == sequenceNo {
			entries[i].Backlink = backlink
		}
	}
}
