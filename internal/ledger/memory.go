package ledger

import (
	"context"
	"strconv"
	"sync"
	"time"
)

// Memory is an in-process ledger for tests and local development. It honors
// the append-only contract: commitments are immutable once made and batch
// identifiers rise monotonically until Reset wipes the log.
type Memory struct {
	mu          sync.Mutex
	commitments []Commitment
	byID        map[string]Commitment
	failures    int
	now         func() time.Time
}

// NewMemory builds an empty in-memory ledger.
func NewMemory() *Memory {
	return &Memory{
		byID: make(map[string]Commitment),
		now:  time.Now,
	}
}

// Commit appends a root, or returns the existing commitment when the same
// root was already committed.
func (m *Memory) Commit(ctx context.Context, rootHash string) (Commitment, error) {
	if err := ctx.Err(); err != nil {
		return Commitment{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure(); err != nil {
		return Commitment{}, err
	}
	for _, c := range m.commitments {
		if c.RootHash == rootHash {
			return c, nil
		}
	}
	seq := uint64(len(m.commitments))
	commitment := Commitment{
		BatchID:        "batch-" + strconv.FormatUint(seq, 10),
		Ref:            "ref-" + strconv.FormatUint(seq, 10),
		RootHash:       rootHash,
		SequenceNumber: seq,
		Timestamp:      m.now().UTC(),
	}
	m.commitments = append(m.commitments, commitment)
	m.byID[commitment.BatchID] = commitment
	return commitment, nil
}

// GetCommitment fetches one commitment by batch identifier.
func (m *Memory) GetCommitment(ctx context.Context, batchID string) (Commitment, bool, error) {
	if err := ctx.Err(); err != nil {
		return Commitment{}, false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure(); err != nil {
		return Commitment{}, false, err
	}
	c, ok := m.byID[batchID]
	return c, ok, nil
}

// RecentCommitments lists the newest commitments, newest first.
func (m *Memory) RecentCommitments(ctx context.Context, limit int) ([]Commitment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure(); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > len(m.commitments) {
		limit = len(m.commitments)
	}
	out := make([]Commitment, 0, limit)
	for i := len(m.commitments) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, m.commitments[i])
	}
	return out, nil
}

// Reset wipes the log, simulating a ledger rebuilt from nothing. The next
// commit is assigned sequence number zero again.
func (m *Memory) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.commitments = nil
	m.byID = make(map[string]Commitment)
}

// Drop removes one commitment, simulating a vanished batch. Real ledgers
// never do this; the audit engine must notice when one does.
func (m *Memory) Drop(batchID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.byID, batchID)
	kept := m.commitments[:0]
	for _, c := range m.commitments {
		if c.BatchID != batchID {
			kept = append(kept, c)
		}
	}
	m.commitments = kept
}

// FailNext makes the next n calls return ErrUnavailable.
func (m *Memory) FailNext(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures = n
}

// Len reports the number of commitments currently on the ledger.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.commitments)
}

func (m *Memory) takeFailure() error {
	if m.failures > 0 {
		m.failures--
		return ErrUnavailable
	}
	return nil
}
