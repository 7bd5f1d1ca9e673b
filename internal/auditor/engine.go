// Package auditor runs the integrity audit loop. Independently of the
// anchoring engine it recomputes hash-chain linkage, re-verifies every
// inclusion proof against what the ledger currently holds, and checks the
// published witness artifacts, driving identity trust status and alerts
// from what it finds.
package auditor

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/provara/anchor/internal/domain"
	"github.com/provara/anchor/internal/ledger"
	"github.com/provara/anchor/internal/merkle"
	"github.com/provara/anchor/internal/storage"
	"github.com/provara/anchor/internal/witness"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Alert reasons, one per check. Dedup keys on (identity, reason).
const (
	ReasonHashChainBreak  = "hash_chain_break"
	ReasonProofInvalid    = "inclusion_proof_invalid"
	ReasonWitnessMismatch = "witness_artifact_invalid"
)

const (
	defaultInterval      = 5 * time.Minute
	defaultGracePeriod   = 2 * time.Minute
	defaultDedupWindow   = 24 * time.Hour
	defaultLedgerTimeout = 10 * time.Second
)

// Config controls audit cadence and alert behavior.
type Config struct {
	// Interval is the pass tick period.
	Interval time.Duration
	// GracePeriod excludes identities created more recently than this;
	// their artifacts may not have propagated yet.
	GracePeriod time.Duration
	// DedupWindow suppresses repeat alerts for the same finding.
	DedupWindow time.Duration
	// LedgerTimeout bounds each ledger and witness call.
	LedgerTimeout time.Duration
}

func (c Config) normalized() Config {
	if c.Interval <= 0 {
		c.Interval = defaultInterval
	}
	if c.GracePeriod <= 0 {
		c.GracePeriod = defaultGracePeriod
	}
	if c.DedupWindow <= 0 {
		c.DedupWindow = defaultDedupWindow
	}
	if c.LedgerTimeout <= 0 {
		c.LedgerTimeout = defaultLedgerTimeout
	}
	return c
}

// Hooks notify the surrounding product layer. Both are optional and are
// called synchronously from the audit pass.
type Hooks struct {
	OnAlert        func(identityID, reason, detail string)
	OnStatusChange func(identityID string, status domain.TrustStatus)
}

// finding is one failed check for one identity.
type finding struct {
	reason  string
	detail  string
	eventID string
}

// Engine is the integrity audit loop. It reads batches and proofs, and
// writes only alerts and trust state.
type Engine struct {
	identities storage.IdentityStore
	logs       storage.LogStore
	events     storage.EventStore
	alerts     storage.AlertStore
	ledger     ledger.Client
	witness    witness.Fetcher
	cfg        Config
	hooks      Hooks
	inFlight   atomic.Bool
	tracer     trace.Tracer
	logf       func(string, ...any)
	now        func() time.Time
}

// New builds an audit engine over the given stores and collaborators.
func New(identities storage.IdentityStore, logs storage.LogStore, events storage.EventStore, alerts storage.AlertStore, ledgerClient ledger.Client, fetcher witness.Fetcher, cfg Config, hooks Hooks) (*Engine, error) {
	if identities == nil || logs == nil || events == nil || alerts == nil {
		return nil, fmt.Errorf("identity, log, event, and alert stores are required")
	}
	if ledgerClient == nil {
		return nil, fmt.Errorf("ledger client is required")
	}
	if fetcher == nil {
		return nil, fmt.Errorf("witness fetcher is required")
	}
	return &Engine{
		identities: identities,
		logs:       logs,
		events:     events,
		alerts:     alerts,
		ledger:     ledgerClient,
		witness:    fetcher,
		cfg:        cfg.normalized(),
		hooks:      hooks,
		tracer:     otel.Tracer("auditor"),
		logf:       log.Printf,
		now:        time.Now,
	}, nil
}

// Run ticks RunPass until the context ends.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := e.RunPass(ctx); err != nil {
				e.logf("audit pass: %v", err)
			}
		}
	}
}

// RunPass audits every tracked identity once. Overlapping invocations
// collapse to a no-op. One identity's failure never aborts the pass.
func (e *Engine) RunPass(ctx context.Context) error {
	if !e.inFlight.CompareAndSwap(false, true) {
		return nil
	}
	defer e.inFlight.Store(false)

	ctx, span := e.tracer.Start(ctx, "auditor.pass")
	defer span.End()

	identities, err := e.identities.ListTracked(ctx)
	if err != nil {
		return fmt.Errorf("list tracked identities: %w", err)
	}

	// Commitments are immutable and the ledger append-only, so lookups
	// are cache-stable within one pass. The cache dies with the pass.
	cache := newCommitmentCache(e.ledger, e.cfg.LedgerTimeout)

	audited := 0
	for _, identity := range identities {
		if e.now().UTC().Sub(identity.CreatedAt) < e.cfg.GracePeriod {
			continue
		}
		if err := e.auditIdentity(ctx, identity, cache); err != nil {
			// Transient failure: logged and retried next pass, never
			// treated as a tamper signal.
			e.logf("audit identity %s: %v", identity.ID, err)
		}
		audited++
	}
	span.SetAttributes(attribute.Int("audit.identities", audited))
	return nil
}

func (e *Engine) auditIdentity(ctx context.Context, identity domain.Identity, cache *commitmentCache) error {
	var findings []finding

	f, err := e.checkHashChain(ctx, identity.ID)
	if err != nil {
		return err
	}
	if f != nil {
		findings = append(findings, *f)
	}

	anchored, err := e.events.ListAnchoredByIdentity(ctx, identity.ID)
	if err != nil {
		return fmt.Errorf("list anchored events: %w", err)
	}
	f, err = e.checkInclusionProofs(ctx, anchored, cache)
	if err != nil {
		return err
	}
	if f != nil {
		findings = append(findings, *f)
	}

	f, err = e.checkWitnessArtifact(ctx, identity.ID, len(anchored), cache)
	if err != nil {
		return err
	}
	if f != nil {
		findings = append(findings, *f)
	}

	return e.record(ctx, identity.ID, findings)
}

// checkHashChain re-derives every entry's backlink from its predecessor's
// canonical bytes and stops at the first divergence. A failed log read is a
// storage problem, not tamper evidence; it aborts this identity's audit.
func (e *Engine) checkHashChain(ctx context.Context, identityID string) (*finding, error) {
	entries, err := e.logs.ReadLog(ctx, identityID)
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	for i := 1; i < len(entries); i++ {
		expected := sha256.Sum256(entries[i-1].Canonical)
		if entries[i].Backlink != hex.EncodeToString(expected[:]) {
			return &finding{
				reason: ReasonHashChainBreak,
				detail: fmt.Sprintf("entry %d backlink does not match hash of entry %d", entries[i].SequenceNo, entries[i-1].SequenceNo),
			}, nil
		}
	}
	return nil, nil
}

// checkInclusionProofs re-verifies each stored proof against the ledger's
// current value for its batch, never the locally cached root.
func (e *Engine) checkInclusionProofs(ctx context.Context, anchored []domain.Event, cache *commitmentCache) (*finding, error) {
	for _, event := range anchored {
		if event.Proof == nil {
			continue
		}
		if f, err := e.verifyProofAgainstLedger(ctx, event.ID, *event.Proof, cache, ReasonProofInvalid); err != nil || f != nil {
			return f, err
		}
	}
	return nil, nil
}

// checkWitnessArtifact verifies the publicly served proof document, which
// is written by an independent path from the privately stored proofs.
func (e *Engine) checkWitnessArtifact(ctx context.Context, identityID string, anchoredCount int, cache *commitmentCache) (*finding, error) {
	callCtx, cancel := context.WithTimeout(ctx, e.cfg.LedgerTimeout)
	artifact, found, err := e.witness.Fetch(callCtx, identityID)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("fetch witness artifact: %w", err)
	}
	if !found {
		if anchoredCount == 0 {
			return nil, nil
		}
		return &finding{
			reason: ReasonWitnessMismatch,
			detail: fmt.Sprintf("witness artifact missing while %d anchored events exist", anchoredCount),
		}, nil
	}
	for _, proof := range artifact.Proofs {
		if f, err := e.verifyProofAgainstLedger(ctx, proof.EventSequenceID, proof, cache, ReasonWitnessMismatch); err != nil || f != nil {
			return f, err
		}
	}
	return nil, nil
}

func (e *Engine) verifyProofAgainstLedger(ctx context.Context, eventID string, proof domain.AnchoringProof, cache *commitmentCache, reason string) (*finding, error) {
	commitment, found, err := cache.get(ctx, proof.BatchID)
	if err != nil {
		return nil, fmt.Errorf("fetch commitment %s: %w", proof.BatchID, err)
	}
	if !found || commitment.RootHash == "" {
		return &finding{
			reason:  reason,
			detail:  fmt.Sprintf("commitment for batch %s vanished on ledger", proof.BatchID),
			eventID: eventID,
		}, nil
	}
	root, err := merkle.DecodeHash(commitment.RootHash)
	if err != nil {
		return &finding{
			reason:  reason,
			detail:  fmt.Sprintf("ledger root for batch %s is malformed: %v", proof.BatchID, err),
			eventID: eventID,
		}, nil
	}
	leaf, err := merkle.DecodeHash(proof.LeafHash)
	if err != nil {
		return &finding{
			reason:  reason,
			detail:  fmt.Sprintf("proof leaf hash for event %s is malformed: %v", eventID, err),
			eventID: eventID,
		}, nil
	}
	path := make([][]byte, len(proof.SiblingPath))
	for i, sibling := range proof.SiblingPath {
		if path[i], err = merkle.DecodeHash(sibling); err != nil {
			return &finding{
				reason:  reason,
				detail:  fmt.Sprintf("sibling %d for event %s is malformed: %v", i, eventID, err),
				eventID: eventID,
			}, nil
		}
	}
	if !merkle.VerifyInclusion(leaf, path, root) {
		return &finding{
			reason:  reason,
			detail:  fmt.Sprintf("ledger root disagrees with proof for batch %s", proof.BatchID),
			eventID: eventID,
		}, nil
	}
	return nil, nil
}

// record turns findings into alerts and a status transition, or clears
// system alerts when every check passed. Manual alerts are never cleared
// here; a tampered identity with a standing manual alert stays tampered.
func (e *Engine) record(ctx context.Context, identityID string, findings []finding) error {
	now := e.now().UTC()
	state, found, err := e.identities.GetTrustState(ctx, identityID)
	if err != nil {
		return fmt.Errorf("get trust state: %w", err)
	}
	if !found {
		return fmt.Errorf("identity %s has no trust state", identityID)
	}

	if len(findings) > 0 {
		for _, f := range findings {
			created, err := e.alerts.RaiseAlert(ctx, domain.Alert{
				ID:         uuid.NewString(),
				IdentityID: identityID,
				EventID:    f.eventID,
				Reason:     f.reason,
				Detail:     f.detail,
				Origin:     domain.OriginSystem,
				CreatedAt:  now,
			}, e.cfg.DedupWindow)
			if err != nil {
				return fmt.Errorf("raise alert: %w", err)
			}
			if created {
				e.logf("integrity alert for %s: %s (%s)", identityID, f.reason, f.detail)
				if e.hooks.OnAlert != nil {
					e.hooks.OnAlert(identityID, f.reason, f.detail)
				}
			}
		}
		if state.Status.CanTransitionTo(domain.TrustTampered) {
			if err := e.identities.SetTrustStatus(ctx, identityID, domain.TrustTampered, now); err != nil {
				return fmt.Errorf("set trust status: %w", err)
			}
			if e.hooks.OnStatusChange != nil {
				e.hooks.OnStatusChange(identityID, domain.TrustTampered)
			}
			return nil
		}
		return e.identities.TouchAudit(ctx, identityID, now)
	}

	if state.Status == domain.TrustTampered {
		if _, err := e.alerts.ResolveSystemAlerts(ctx, identityID); err != nil {
			return fmt.Errorf("resolve system alerts: %w", err)
		}
		remaining, err := e.alerts.ListAlerts(ctx, identityID)
		if err != nil {
			return fmt.Errorf("list alerts: %w", err)
		}
		if len(remaining) == 0 && state.Status.CanTransitionTo(domain.TrustActive) {
			if err := e.identities.SetTrustStatus(ctx, identityID, domain.TrustActive, now); err != nil {
				return fmt.Errorf("set trust status: %w", err)
			}
			if e.hooks.OnStatusChange != nil {
				e.hooks.OnStatusChange(identityID, domain.TrustActive)
			}
			return nil
		}
	}
	return e.identities.TouchAudit(ctx, identityID, now)
}

// commitmentCache memoizes ledger lookups for the duration of one pass.
type commitmentCache struct {
	client  ledger.Client
	timeout time.Duration
	entries map[string]cachedCommitment
}

type cachedCommitment struct {
	commitment ledger.Commitment
	found      bool
}

func newCommitmentCache(client ledger.Client, timeout time.Duration) *commitmentCache {
	return &commitmentCache{
		client:  client,
		timeout: timeout,
		entries: make(map[string]cachedCommitment),
	}
}

func (c *commitmentCache) get(ctx context.Context, batchID string) (ledger.Commitment, bool, error) {
	if entry, ok := c.entries[batchID]; ok {
		return entry.commitment, entry.found, nil
	}
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	commitment, found, err := c.client.GetCommitment(callCtx, batchID)
	if err != nil {
		// Transient failures are not cached; the next lookup retries.
		return ledger.Commitment{}, false, err
	}
	c.entries[batchID] = cachedCommitment{commitment: commitment, found: found}
	return commitment, found, nil
}
