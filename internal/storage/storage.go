// Package storage defines the persistence seams between the anchoring
// engine, the audit engine, and the surrounding product layer. The
// anchoring engine is the only writer of batches and proofs; the audit
// engine only reads them and writes alerts and trust state. Running two
// instances of either engine against the same store is not supported.
package storage

import (
	"context"
	"time"

	"github.com/provara/anchor/internal/domain"
)

// EventStore serves the ordered queue of log events and their proofs.
type EventStore interface {
	// ListUnanchored returns events with no proof yet, oldest first,
	// capped at limit.
	ListUnanchored(ctx context.Context, limit int) ([]domain.Event, error)

	// MarkAnchored attaches a proof to an event. It fails if the event
	// already carries a proof; re-anchoring requires ClearProofs first.
	MarkAnchored(ctx context.Context, eventID string, proof domain.AnchoringProof) error

	// ClearProofs nulls every event's proof. Used only when a ledger
	// reset invalidates all outstanding commitments.
	ClearProofs(ctx context.Context) error

	// GetProof returns the proof attached to an event, if any.
	GetProof(ctx context.Context, eventID string) (domain.AnchoringProof, bool, error)

	// ListAnchoredByIdentity returns an identity's anchored events in
	// sequence order, for witness publication and audit.
	ListAnchoredByIdentity(ctx context.Context, identityID string) ([]domain.Event, error)
}

// BatchStore persists committed batch records keyed by the ledger-assigned
// batch identifier.
type BatchStore interface {
	// UpsertBatch writes a batch record; at most one row per batch id.
	UpsertBatch(ctx context.Context, batch domain.Batch) error

	// GetBatch returns a batch record by ledger-assigned id.
	GetBatch(ctx context.Context, batchID string) (domain.Batch, bool, error)

	// CountBatches reports how many batch records exist locally.
	CountBatches(ctx context.Context) (int, error)

	// DeleteAllBatches discards every local batch record after a ledger
	// reset.
	DeleteAllBatches(ctx context.Context) error
}

// IdentityStore serves tracked identities and their trust state.
type IdentityStore interface {
	// ListTracked returns all identities that are not deactivated.
	ListTracked(ctx context.Context) ([]domain.Identity, error)

	// GetTrustState returns the trust record for an identity.
	GetTrustState(ctx context.Context, identityID string) (domain.TrustState, bool, error)

	// SetTrustStatus transitions an identity's status and stamps the
	// audit time.
	SetTrustStatus(ctx context.Context, identityID string, status domain.TrustStatus, auditedAt time.Time) error

	// TouchAudit stamps the audit time without changing status.
	TouchAudit(ctx context.Context, identityID string, auditedAt time.Time) error
}

// LogStore reads the ordered raw log of an identity for hash-chain
// recomputation.
type LogStore interface {
	ReadLog(ctx context.Context, identityID string) ([]domain.LogEntry, error)
}

// AlertStore persists integrity alerts.
type AlertStore interface {
	// RaiseAlert records an alert unless an equal (identity, reason)
	// alert already exists within the dedup window. It reports whether a
	// new alert was created.
	RaiseAlert(ctx context.Context, alert domain.Alert, dedupWindow time.Duration) (bool, error)

	// ListAlerts returns all open alerts for an identity, oldest first.
	ListAlerts(ctx context.Context, identityID string) ([]domain.Alert, error)

	// ResolveSystemAlerts deletes alerts with origin=system for an
	// identity and reports how many were removed. Manual alerts are
	// never touched.
	ResolveSystemAlerts(ctx context.Context, identityID string) (int, error)
}

// IngestStore is the seam the product's CRUD layer writes through. The
// engines never call it; tests and tooling do.
type IngestStore interface {
	CreateIdentity(ctx context.Context, identity domain.Identity) error
	AppendEvent(ctx context.Context, event domain.Event) error
	AppendLogEntry(ctx context.Context, identityID string, entry domain.LogEntry) error
}
