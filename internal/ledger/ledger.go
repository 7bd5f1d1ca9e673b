// Package ledger abstracts the external append-only commitment log that
// anchoring writes Merkle roots to. Commitments are immutable once readable
// and batch identifiers are assigned by the ledger, never locally.
package ledger

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable marks a transient transport failure. Callers retry on the
// next scheduled cycle; it is never an integrity signal.
var ErrUnavailable = errors.New("ledger unavailable")

// Commitment is the ledger's durable record of one committed root.
type Commitment struct {
	BatchID        string
	Ref            string
	RootHash       string
	SequenceNumber uint64
	Timestamp      time.Time
}

// Client is the wire contract against the external ledger.
type Client interface {
	// Commit appends a root and returns the ledger-assigned commitment.
	// Committing a root the ledger already holds may return the existing
	// commitment instead of appending a duplicate.
	Commit(ctx context.Context, rootHash string) (Commitment, error)

	// GetCommitment fetches the commitment for a batch identifier. The
	// second return is false when the ledger holds no such batch.
	GetCommitment(ctx context.Context, batchID string) (Commitment, bool, error)

	// RecentCommitments lists the newest commitments, newest first. The
	// anchoring engine probes this before committing so a crash between
	// commit and persist never produces a duplicate commitment.
	RecentCommitments(ctx context.Context, limit int) ([]Commitment, error)
}
