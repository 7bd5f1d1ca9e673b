// Package domain defines the records shared by the anchoring and audit
// engines: events awaiting anchoring, committed batches, inclusion proofs,
// raw log entries, identity trust state, and alerts. Hashes are carried as
// lowercase hex strings; the merkle package owns the byte-level rules.
package domain

import (
	"fmt"
	"strings"
	"time"
)

// Event is one log version awaiting or carrying an anchoring proof. Events
// are immutable once created except for Proof, which transitions exactly
// once from nil to populated (and back to nil only on a ledger reset).
type Event struct {
	ID         string          `json:"id"`
	IdentityID string          `json:"identity_id"`
	SequenceNo int64           `json:"sequence_no"`
	LeafHash   string          `json:"leaf_hash"`
	Proof      *AnchoringProof `json:"proof,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

// Validate reports structural problems that exclude an event from batching.
func (e Event) Validate() error {
	if strings.TrimSpace(e.ID) == "" {
		return fmt.Errorf("event id is required")
	}
	if strings.TrimSpace(e.IdentityID) == "" {
		return fmt.Errorf("event %s: identity id is required", e.ID)
	}
	if strings.TrimSpace(e.LeafHash) == "" {
		return fmt.Errorf("event %s: leaf hash is required", e.ID)
	}
	return nil
}

// BatchStatus tracks whether a batch has reached the ledger.
type BatchStatus string

const (
	// BatchPending marks a batch assembled but not yet committed.
	BatchPending BatchStatus = "pending"
	// BatchCommitted marks a batch whose root is durable on the ledger.
	BatchCommitted BatchStatus = "committed"
)

// Batch is one committed set of events sharing a Merkle root. BatchID is
// assigned by the ledger, never generated locally; the root for a given
// BatchID is immutable once committed.
type Batch struct {
	BatchID        string      `json:"batch_id"`
	MerkleRoot     string      `json:"merkle_root"`
	CommitmentRef  string      `json:"commitment_ref"`
	SequenceNumber uint64      `json:"sequence_number"`
	Status         BatchStatus `json:"status"`
	CreatedAt      time.Time   `json:"created_at"`
}

// AnchoringProof ties one event to one ledger commitment. Replaying the
// sibling path from LeafHash must reproduce MerkleRoot. A proof is immutable
// once written; re-anchoring requires nulling the prior proof first.
type AnchoringProof struct {
	EventSequenceID string    `json:"event_sequence_id"`
	BatchID         string    `json:"batch_id"`
	MerkleRoot      string    `json:"merkle_root"`
	LeafHash        string    `json:"leaf_hash"`
	SiblingPath     []string  `json:"sibling_path"`
	LeafIndex       int       `json:"leaf_index"`
	CommitmentRef   string    `json:"commitment_ref"`
	CommittedAt     time.Time `json:"committed_at"`
}

// LogEntry is one raw entry of an identity's tamper-evident log, exposing
// the stored backlink and the canonical bytes the backlink of the next
// entry is derived from.
type LogEntry struct {
	SequenceNo int64
	Backlink   string
	Canonical  []byte
}

// Identity is one tracked identity as the audit engine sees it.
type Identity struct {
	ID        string
	CreatedAt time.Time
}

// TrustStatus is the audit-driven lifecycle state of an identity.
type TrustStatus string

const (
	// TrustActive means the most recent audit found no divergence.
	TrustActive TrustStatus = "active"
	// TrustTampered means a hash-chain break or proof mismatch stands.
	TrustTampered TrustStatus = "tampered"
	// TrustDeactivated is terminal and set only outside the engines.
	TrustDeactivated TrustStatus = "deactivated"
)

// IsValid reports whether s is a known trust status.
func (s TrustStatus) IsValid() bool {
	switch s {
	case TrustActive, TrustTampered, TrustDeactivated:
		return true
	}
	return false
}

// CanTransitionTo reports whether the audit engine may move an identity
// from s to next. Deactivated is terminal, and the engines never set it.
func (s TrustStatus) CanTransitionTo(next TrustStatus) bool {
	if !next.IsValid() || s == TrustDeactivated || next == TrustDeactivated {
		return false
	}
	return s != next
}

// TrustState is the persisted trust record for one identity.
type TrustState struct {
	IdentityID  string
	Status      TrustStatus
	LastAuditAt time.Time
}

// AlertOrigin distinguishes audit-raised alerts from human-raised ones.
type AlertOrigin string

const (
	// OriginSystem marks alerts the audit engine raised and may resolve.
	OriginSystem AlertOrigin = "system"
	// OriginManual marks alerts a human raised; only a human clears them.
	OriginManual AlertOrigin = "manual"
)

// Alert records one integrity concern against an identity.
type Alert struct {
	ID         string      `json:"id"`
	IdentityID string      `json:"identity_id"`
	EventID    string      `json:"event_id,omitempty"`
	Reason     string      `json:"reason"`
	Detail     string      `json:"detail,omitempty"`
	Origin     AlertOrigin `json:"origin"`
	CreatedAt  time.Time   `json:"created_at"`
}

// Validate reports structural problems with an alert.
func (a Alert) Validate() error {
	if strings.TrimSpace(a.IdentityID) == "" {
		return fmt.Errorf("alert identity id is required")
	}
	if strings.TrimSpace(a.Reason) == "" {
		return fmt.Errorf("alert reason is required")
	}
	if a.Origin != OriginSystem && a.Origin != OriginManual {
		return fmt.Errorf("alert origin %q is not valid", a.Origin)
	}
	return nil
}
