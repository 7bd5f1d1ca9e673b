// Package sqlite implements the anchoring storage interfaces on a single
// SQLite database shared by both engines.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/provara/anchor/internal/domain"
	sqlitemigrate "github.com/provara/anchor/internal/platform/storage/sqlitemigrate"
	"github.com/provara/anchor/internal/storage/sqlite/migrations"
	_ "modernc.org/sqlite"
)

// Store provides SQLite-backed persistence for events, proofs, batches,
// log entries, identities, and alerts.
type Store struct {
	sqlDB *sql.DB
}

// Open opens the anchoring SQLite store and applies migrations.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	cleanPath := filepath.Clean(path)
	dsn := cleanPath + "?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000&_synchronous=NORMAL"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}

	store := &Store{sqlDB: sqlDB}
	if err := sqlitemigrate.ApplyMigrations(sqlDB, migrations.FS, ""); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return store, nil
}

// Close releases the SQLite connection.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

func (s *Store) ready(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	return nil
}

// ListUnanchored returns events with no proof yet, oldest first.
func (s *Store) ListUnanchored(ctx context.Context, limit int) ([]domain.Event, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be greater than zero")
	}
	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT e.id, e.identity_id, e.sequence_no, e.leaf_hash, e.created_at
FROM events e
LEFT JOIN proofs p ON p.event_id = e.id
WHERE p.event_id IS NULL
ORDER BY e.created_at ASC, e.sequence_no ASC
LIMIT ?
`, limit)
	if err != nil {
		return nil, fmt.Errorf("list unanchored events: %w", err)
	}
	defer rows.Close()

	var events []domain.Event
	for rows.Next() {
		var event domain.Event
		var createdAt int64
		if err := rows.Scan(&event.ID, &event.IdentityID, &event.SequenceNo, &event.LeafHash, &createdAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		event.CreatedAt = time.UnixMilli(createdAt).UTC()
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return events, nil
}

// MarkAnchored attaches a proof to an event exactly once.
func (s *Store) MarkAnchored(ctx context.Context, eventID string, proof domain.AnchoringProof) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	eventID = strings.TrimSpace(eventID)
	if eventID == "" {
		return fmt.Errorf("event id is required")
	}
	path, err := json.Marshal(proof.SiblingPath)
	if err != nil {
		return fmt.Errorf("encode sibling path: %w", err)
	}
	var exists int
	if err := s.sqlDB.QueryRowContext(ctx, `SELECT 1 FROM events WHERE id = ?`, eventID).Scan(&exists); err != nil {
		if err == sql.ErrNoRows {
			return fmt.Errorf("event %s not found", eventID)
		}
		return fmt.Errorf("look up event: %w", err)
	}
	result, err := s.sqlDB.ExecContext(ctx, `
INSERT OR IGNORE INTO proofs (
	event_id, batch_id, merkle_root, leaf_hash, sibling_path, leaf_index, commitment_ref, committed_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
`,
		eventID,
		proof.BatchID,
		proof.MerkleRoot,
		proof.LeafHash,
		string(path),
		proof.LeafIndex,
		proof.CommitmentRef,
		proof.CommittedAt.UTC().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("attach proof: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("attach proof: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("event %s already carries a proof", eventID)
	}
	return nil
}

// ClearProofs discards every attached proof after a ledger reset.
func (s *Store) ClearProofs(ctx context.Context) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if _, err := s.sqlDB.ExecContext(ctx, `DELETE FROM proofs`); err != nil {
		return fmt.Errorf("clear proofs: %w", err)
	}
	return nil
}

// GetProof returns the proof attached to an event, if any.
func (s *Store) GetProof(ctx context.Context, eventID string) (domain.AnchoringProof, bool, error) {
	if err := s.ready(ctx); err != nil {
		return domain.AnchoringProof{}, false, err
	}
	row := s.sqlDB.QueryRowContext(ctx, `
SELECT event_id, batch_id, merkle_root, leaf_hash, sibling_path, leaf_index, commitment_ref, committed_at
FROM proofs
WHERE event_id = ?
`, strings.TrimSpace(eventID))
	proof, err := scanProof(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return domain.AnchoringProof{}, false, nil
		}
		return domain.AnchoringProof{}, false, err
	}
	return proof, true, nil
}

// ListAnchoredByIdentity returns an identity's anchored events in sequence order.
func (s *Store) ListAnchoredByIdentity(ctx context.Context, identityID string) ([]domain.Event, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT e.id, e.identity_id, e.sequence_no, e.leaf_hash, e.created_at,
       p.batch_id, p.merkle_root, p.sibling_path, p.leaf_index, p.commitment_ref, p.committed_at
FROM events e
JOIN proofs p ON p.event_id = e.id
WHERE e.identity_id = ?
ORDER BY e.sequence_no ASC
`, strings.TrimSpace(identityID))
	if err != nil {
		return nil, fmt.Errorf("list anchored events: %w", err)
	}
	defer rows.Close()

	var events []domain.Event
	for rows.Next() {
		var event domain.Event
		var proof domain.AnchoringProof
		var createdAt, committedAt int64
		var pathJSON string
		if err := rows.Scan(
			&event.ID, &event.IdentityID, &event.SequenceNo, &event.LeafHash, &createdAt,
			&proof.BatchID, &proof.MerkleRoot, &pathJSON, &proof.LeafIndex, &proof.CommitmentRef, &committedAt,
		); err != nil {
			return nil, fmt.Errorf("scan anchored event: %w", err)
		}
		if err := json.Unmarshal([]byte(pathJSON), &proof.SiblingPath); err != nil {
			return nil, fmt.Errorf("decode sibling path: %w", err)
		}
		event.CreatedAt = time.UnixMilli(createdAt).UTC()
		proof.EventSequenceID = event.ID
		proof.LeafHash = event.LeafHash
		proof.CommittedAt = time.UnixMilli(committedAt).UTC()
		event.Proof = &proof
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate anchored events: %w", err)
	}
	return events, nil
}

// UpsertBatch writes a batch record keyed by the ledger-assigned id.
func (s *Store) UpsertBatch(ctx context.Context, batch domain.Batch) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if strings.TrimSpace(batch.BatchID) == "" {
		return fmt.Errorf("batch id is required")
	}
	if batch.CreatedAt.IsZero() {
		batch.CreatedAt = time.Now().UTC()
	}
	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO batches (batch_id, merkle_root, commitment_ref, sequence_number, status, created_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT (batch_id) DO UPDATE SET
	commitment_ref = excluded.commitment_ref,
	sequence_number = excluded.sequence_number,
	status = excluded.status
`,
		batch.BatchID,
		batch.MerkleRoot,
		batch.CommitmentRef,
		batch.SequenceNumber,
		string(batch.Status),
		batch.CreatedAt.UTC().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("upsert batch: %w", err)
	}
	return nil
}

// GetBatch returns a batch record by ledger-assigned id.
func (s *Store) GetBatch(ctx context.Context, batchID string) (domain.Batch, bool, error) {
	if err := s.ready(ctx); err != nil {
		return domain.Batch{}, false, err
	}
	var batch domain.Batch
	var status string
	var createdAt int64
	err := s.sqlDB.QueryRowContext(ctx, `
SELECT batch_id, merkle_root, commitment_ref, sequence_number, status, created_at
FROM batches
WHERE batch_id = ?
`, strings.TrimSpace(batchID)).Scan(
		&batch.BatchID, &batch.MerkleRoot, &batch.CommitmentRef, &batch.SequenceNumber, &status, &createdAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return domain.Batch{}, false, nil
		}
		return domain.Batch{}, false, fmt.Errorf("get batch: %w", err)
	}
	batch.Status = domain.BatchStatus(status)
	batch.CreatedAt = time.UnixMilli(createdAt).UTC()
	return batch, true, nil
}

// CountBatches reports how many batch records exist locally.
func (s *Store) CountBatches(ctx context.Context) (int, error) {
	if err := s.ready(ctx); err != nil {
		return 0, err
	}
	var count int
	if err := s.sqlDB.QueryRowContext(ctx, `SELECT COUNT(*) FROM batches`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count batches: %w", err)
	}
	return count, nil
}

// DeleteAllBatches discards every local batch record.
func (s *Store) DeleteAllBatches(ctx context.Context) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if _, err := s.sqlDB.ExecContext(ctx, `DELETE FROM batches`); err != nil {
		return fmt.Errorf("delete batches: %w", err)
	}
	return nil
}

// ListTracked returns all identities that are not deactivated.
func (s *Store) ListTracked(ctx context.Context) ([]domain.Identity, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT id, created_at
FROM identities
WHERE status != ?
ORDER BY created_at ASC
`, string(domain.TrustDeactivated))
	if err != nil {
		return nil, fmt.Errorf("list tracked identities: %w", err)
	}
	defer rows.Close()

	var identities []domain.Identity
	for rows.Next() {
		var identity domain.Identity
		var createdAt int64
		if err := rows.Scan(&identity.ID, &createdAt); err != nil {
			return nil, fmt.Errorf("scan identity: %w", err)
		}
		identity.CreatedAt = time.UnixMilli(createdAt).UTC()
		identities = append(identities, identity)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate identities: %w", err)
	}
	return identities, nil
}

// GetTrustState returns the trust record for an identity.
func (s *Store) GetTrustState(ctx context.Context, identityID string) (domain.TrustState, bool, error) {
	if err := s.ready(ctx); err != nil {
		return domain.TrustState{}, false, err
	}
	var state domain.TrustState
	var status string
	var lastAuditAt int64
	err := s.sqlDB.QueryRowContext(ctx, `
SELECT id, status, last_audit_at FROM identities WHERE id = ?
`, strings.TrimSpace(identityID)).Scan(&state.IdentityID, &status, &lastAuditAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return domain.TrustState{}, false, nil
		}
		return domain.TrustState{}, false, fmt.Errorf("get trust state: %w", err)
	}
	state.Status = domain.TrustStatus(status)
	if lastAuditAt > 0 {
		state.LastAuditAt = time.UnixMilli(lastAuditAt).UTC()
	}
	return state, true, nil
}

// SetTrustStatus transitions an identity's status and stamps the audit time.
func (s *Store) SetTrustStatus(ctx context.Context, identityID string, status domain.TrustStatus, auditedAt time.Time) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if !status.IsValid() {
		return fmt.Errorf("trust status %q is not valid", status)
	}
	result, err := s.sqlDB.ExecContext(ctx, `
UPDATE identities SET status = ?, last_audit_at = ? WHERE id = ?
`, string(status), auditedAt.UTC().UnixMilli(), strings.TrimSpace(identityID))
	if err != nil {
		return fmt.Errorf("set trust status: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("set trust status: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("identity %s not found", identityID)
	}
	return nil
}

// TouchAudit stamps the audit time without changing status.
func (s *Store) TouchAudit(ctx context.Context, identityID string, auditedAt time.Time) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if _, err := s.sqlDB.ExecContext(ctx, `
UPDATE identities SET last_audit_at = ? WHERE id = ?
`, auditedAt.UTC().UnixMilli(), strings.TrimSpace(identityID)); err != nil {
		return fmt.Errorf("touch audit: %w", err)
	}
	return nil
}

// ReadLog returns an identity's raw log entries in sequence order.
func (s *Store) ReadLog(ctx context.Context, identityID string) ([]domain.LogEntry, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT sequence_no, backlink, canonical
FROM log_entries
WHERE identity_id = ?
ORDER BY sequence_no ASC
`, strings.TrimSpace(identityID))
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer rows.Close()

	var entries []domain.LogEntry
	for rows.Next() {
		var entry domain.LogEntry
		if err := rows.Scan(&entry.SequenceNo, &entry.Backlink, &entry.Canonical); err != nil {
			return nil, fmt.Errorf("scan log entry: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate log entries: %w", err)
	}
	return entries, nil
}

// RaiseAlert records an alert unless an equal one exists within the window.
func (s *Store) RaiseAlert(ctx context.Context, alert domain.Alert, dedupWindow time.Duration) (bool, error) {
	if err := s.ready(ctx); err != nil {
		return false, err
	}
	if err := alert.Validate(); err != nil {
		return false, err
	}
	if alert.CreatedAt.IsZero() {
		alert.CreatedAt = time.Now().UTC()
	}
	if dedupWindow > 0 {
		cutoff := alert.CreatedAt.Add(-dedupWindow).UnixMilli()
		var existing int
		err := s.sqlDB.QueryRowContext(ctx, `
SELECT 1 FROM alerts
WHERE identity_id = ? AND reason = ? AND created_at >= ?
LIMIT 1
`, alert.IdentityID, alert.Reason, cutoff).Scan(&existing)
		if err == nil {
			return false, nil
		}
		if err != sql.ErrNoRows {
			return false, fmt.Errorf("check alert dedup: %w", err)
		}
	}
	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO alerts (id, identity_id, event_id, reason, detail, origin, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
`,
		alert.ID,
		alert.IdentityID,
		alert.EventID,
		alert.Reason,
		alert.Detail,
		string(alert.Origin),
		alert.CreatedAt.UTC().UnixMilli(),
	)
	if err != nil {
		return false, fmt.Errorf("raise alert: %w", err)
	}
	return true, nil
}

// ListAlerts returns all open alerts for an identity, oldest first.
func (s *Store) ListAlerts(ctx context.Context, identityID string) ([]domain.Alert, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT id, identity_id, event_id, reason, detail, origin, created_at
FROM alerts
WHERE identity_id = ?
ORDER BY created_at ASC
`, strings.TrimSpace(identityID))
	if err != nil {
		return nil, fmt.Errorf("list alerts: %w", err)
	}
	defer rows.Close()

	var alerts []domain.Alert
	for rows.Next() {
		var alert domain.Alert
		var origin string
		var eventID, detail sql.NullString
		var createdAt int64
		if err := rows.Scan(&alert.ID, &alert.IdentityID, &eventID, &alert.Reason, &detail, &origin, &createdAt); err != nil {
			return nil, fmt.Errorf("scan alert: %w", err)
		}
		alert.EventID = eventID.String
		alert.Detail = detail.String
		alert.Origin = domain.AlertOrigin(origin)
		alert.CreatedAt = time.UnixMilli(createdAt).UTC()
		alerts = append(alerts, alert)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate alerts: %w", err)
	}
	return alerts, nil
}

// ResolveSystemAlerts deletes system-raised alerts for an identity.
func (s *Store) ResolveSystemAlerts(ctx context.Context, identityID string) (int, error) {
	if err := s.ready(ctx); err != nil {
		return 0, err
	}
	result, err := s.sqlDB.ExecContext(ctx, `
DELETE FROM alerts WHERE identity_id = ? AND origin = ?
`, strings.TrimSpace(identityID), string(domain.OriginSystem))
	if err != nil {
		return 0, fmt.Errorf("resolve system alerts: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("resolve system alerts: %w", err)
	}
	return int(affected), nil
}

// CreateIdentity registers an identity with an active trust status.
func (s *Store) CreateIdentity(ctx context.Context, identity domain.Identity) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if strings.TrimSpace(identity.ID) == "" {
		return fmt.Errorf("identity id is required")
	}
	if identity.CreatedAt.IsZero() {
		identity.CreatedAt = time.Now().UTC()
	}
	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO identities (id, status, created_at) VALUES (?, ?, ?)
`, identity.ID, string(domain.TrustActive), identity.CreatedAt.UTC().UnixMilli())
	if err != nil {
		return fmt.Errorf("create identity: %w", err)
	}
	return nil
}

// AppendEvent records a new unanchored event.
func (s *Store) AppendEvent(ctx context.Context, event domain.Event) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if err := event.Validate(); err != nil {
		return err
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO events (id, identity_id, sequence_no, leaf_hash, created_at)
VALUES (?, ?, ?, ?, ?)
`, event.ID, event.IdentityID, event.SequenceNo, event.LeafHash, event.CreatedAt.UTC().UnixMilli())
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

// AppendLogEntry records a raw log entry for an identity.
func (s *Store) AppendLogEntry(ctx context.Context, identityID string, entry domain.LogEntry) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	identityID = strings.TrimSpace(identityID)
	if identityID == "" {
		return fmt.Errorf("identity id is required")
	}
	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO log_entries (identity_id, sequence_no, backlink, canonical)
VALUES (?, ?, ?, ?)
`, identityID, entry.SequenceNo, entry.Backlink, entry.Canonical)
	if err != nil {
		return fmt.Errorf("append log entry: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProof(row rowScanner) (domain.AnchoringProof, error) {
	var proof domain.AnchoringProof
	var pathJSON string
	var committedAt int64
	err := row.Scan(
		&proof.EventSequenceID,
		&proof.BatchID,
		&proof.MerkleRoot,
		&proof.LeafHash,
		&pathJSON,
		&proof.LeafIndex,
		&proof.CommitmentRef,
		&committedAt,
	)
	if err != nil {
		return domain.AnchoringProof{}, err
	}
	if err := json.Unmarshal([]byte(pathJSON), &proof.SiblingPath); err != nil {
		return domain.AnchoringProof{}, fmt.Errorf("decode sibling path: %w", err)
	}
	proof.CommittedAt = time.UnixMilli(committedAt).UTC()
	return proof, nil
}
