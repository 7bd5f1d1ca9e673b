// Package anchorer runs the batching and anchoring loop: it drains the
// queue of unanchored events, commits one Merkle root per batch to the
// external ledger, and distributes inclusion proofs to storage and the
// per-identity witness artifacts.
package anchorer

import (
	"context"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"github.com/provara/anchor/internal/domain"
	"github.com/provara/anchor/internal/ledger"
	"github.com/provara/anchor/internal/merkle"
	"github.com/provara/anchor/internal/storage"
	"github.com/provara/anchor/internal/witness"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	defaultBatchSize      = 256
	defaultMinBatch       = 8
	defaultMaxWait        = 5 * time.Minute
	defaultInterval       = 30 * time.Second
	defaultLedgerTimeout  = 10 * time.Second
	defaultWitnessTimeout = 5 * time.Second

	// recentProbeLimit bounds the commitment history scanned when
	// checking whether a root was already committed.
	recentProbeLimit = 50
)

// Config controls batching thresholds and loop cadence.
type Config struct {
	// BatchSize caps how many events one batch may carry.
	BatchSize int
	// MinBatch is the pending-event count that triggers a batch on its own.
	MinBatch int
	// MaxWait cuts a batch regardless of count once the oldest pending
	// event has waited this long.
	MaxWait time.Duration
	// Interval is the loop tick period.
	Interval time.Duration
	// LedgerTimeout bounds each ledger call.
	LedgerTimeout time.Duration
	// WitnessTimeout bounds each witness artifact publish.
	WitnessTimeout time.Duration
}

func (c Config) normalized() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = defaultBatchSize
	}
	if c.MinBatch <= 0 {
		c.MinBatch = defaultMinBatch
	}
	if c.MinBatch > c.BatchSize {
		c.MinBatch = c.BatchSize
	}
	if c.MaxWait <= 0 {
		c.MaxWait = defaultMaxWait
	}
	if c.Interval <= 0 {
		c.Interval = defaultInterval
	}
	if c.LedgerTimeout <= 0 {
		c.LedgerTimeout = defaultLedgerTimeout
	}
	if c.WitnessTimeout <= 0 {
		c.WitnessTimeout = defaultWitnessTimeout
	}
	return c
}

// Outcome summarizes what one cycle did.
type Outcome string

const (
	// OutcomeBusy means another cycle was in flight; this one was a no-op.
	OutcomeBusy Outcome = "busy"
	// OutcomeIdle means no events were pending.
	OutcomeIdle Outcome = "idle"
	// OutcomeDeferred means pending events were below the threshold and
	// young enough to wait.
	OutcomeDeferred Outcome = "deferred"
	// OutcomeReset means a ledger reset was detected and local anchoring
	// state was wiped; the next cycle re-anchors from scratch.
	OutcomeReset Outcome = "reset"
	// OutcomeAnchored means a batch was committed and persisted.
	OutcomeAnchored Outcome = "anchored"
)

// Result reports what one cycle accomplished.
type Result struct {
	Outcome  Outcome
	BatchID  string
	Anchored int
	Skipped  int
}

// Engine is the batching/anchoring loop. One Engine instance per store;
// the single-flight guard only protects against overlapping ticks of the
// same instance.
type Engine struct {
	events   storage.EventStore
	batches  storage.BatchStore
	ledger   ledger.Client
	witness  witness.Publisher
	cfg      Config
	inFlight atomic.Bool
	tracer   trace.Tracer
	logf     func(string, ...any)
	now      func() time.Time
}

// New builds an anchoring engine over the given stores and collaborators.
func New(events storage.EventStore, batches storage.BatchStore, ledgerClient ledger.Client, publisher witness.Publisher, cfg Config) (*Engine, error) {
	if events == nil || batches == nil {
		return nil, fmt.Errorf("event and batch stores are required")
	}
	if ledgerClient == nil {
		return nil, fmt.Errorf("ledger client is required")
	}
	if publisher == nil {
		return nil, fmt.Errorf("witness publisher is required")
	}
	return &Engine{
		events:  events,
		batches: batches,
		ledger:  ledgerClient,
		witness: publisher,
		cfg:     cfg.normalized(),
		tracer:  otel.Tracer("anchorer"),
		logf:    log.Printf,
		now:     time.Now,
	}, nil
}

// Run ticks RunCycle until the context ends. A failed cycle is logged and
// retried wholesale on the next tick; state is always re-derived from
// storage, never carried across ticks.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := e.RunCycle(ctx); err != nil {
				e.logf("anchoring cycle: %v", err)
			}
		}
	}
}

// RunCycle runs one anchoring cycle. Overlapping invocations collapse to a
// no-op instead of queuing.
func (e *Engine) RunCycle(ctx context.Context) (Result, error) {
	if !e.inFlight.CompareAndSwap(false, true) {
		return Result{Outcome: OutcomeBusy}, nil
	}
	defer e.inFlight.Store(false)

	ctx, span := e.tracer.Start(ctx, "anchorer.cycle")
	defer span.End()

	result, err := e.cycle(ctx)
	span.SetAttributes(
		attribute.String("anchor.outcome", string(result.Outcome)),
		attribute.Int("anchor.events", result.Anchored),
	)
	return result, err
}

func (e *Engine) cycle(ctx context.Context) (Result, error) {
	pending, err := e.events.ListUnanchored(ctx, e.cfg.BatchSize)
	if err != nil {
		return Result{}, fmt.Errorf("list unanchored events: %w", err)
	}

	// Structural failures exclude the event from this batch without
	// blocking the rest; they are logged, not retried.
	selected := make([]domain.Event, 0, len(pending))
	leaves := make([][]byte, 0, len(pending))
	skipped := 0
	for _, event := range pending {
		if err := event.Validate(); err != nil {
			e.logf("skip malformed event: %v", err)
			skipped++
			continue
		}
		leaf, err := merkle.DecodeHash(event.LeafHash)
		if err != nil {
			e.logf("skip event %s: %v", event.ID, err)
			skipped++
			continue
		}
		selected = append(selected, event)
		leaves = append(leaves, leaf)
	}
	if len(selected) == 0 {
		return Result{Outcome: OutcomeIdle, Skipped: skipped}, nil
	}

	// Dual trigger: commit early when enough events are queued, or when
	// the oldest has waited past MaxWait.
	oldestAge := e.now().UTC().Sub(selected[0].CreatedAt)
	if len(selected) < e.cfg.MinBatch && oldestAge < e.cfg.MaxWait {
		return Result{Outcome: OutcomeDeferred, Skipped: skipped}, nil
	}

	rootHex := merkle.EncodeHash(merkle.BuildRoot(leaves))

	commitment, committed, err := e.findExistingCommitment(ctx, rootHex)
	if err != nil {
		return Result{}, err
	}
	if committed {
		e.logf("root %s already committed as batch %s; resuming persistence", rootHex, commitment.BatchID)
	} else {
		callCtx, cancel := context.WithTimeout(ctx, e.cfg.LedgerTimeout)
		commitment, err = e.ledger.Commit(callCtx, rootHex)
		cancel()
		if err != nil {
			return Result{}, fmt.Errorf("commit root: %w", err)
		}
	}

	if wiped, err := e.detectReset(ctx, commitment); err != nil {
		return Result{}, err
	} else if wiped {
		return Result{Outcome: OutcomeReset, Skipped: skipped}, nil
	}

	if err := e.persist(ctx, commitment, selected, leaves); err != nil {
		return Result{}, err
	}
	e.publishWitnesses(ctx, selected)

	return Result{
		Outcome:  OutcomeAnchored,
		BatchID:  commitment.BatchID,
		Anchored: len(selected),
		Skipped:  skipped,
	}, nil
}

// findExistingCommitment checks recent ledger history for the root so a
// crash between commit and persist never produces a second commitment.
func (e *Engine) findExistingCommitment(ctx context.Context, rootHex string) (ledger.Commitment, bool, error) {
	callCtx, cancel := context.WithTimeout(ctx, e.cfg.LedgerTimeout)
	defer cancel()
	recent, err := e.ledger.RecentCommitments(callCtx, recentProbeLimit)
	if err != nil {
		return ledger.Commitment{}, false, fmt.Errorf("probe recent commitments: %w", err)
	}
	for _, c := range recent {
		if c.RootHash == rootHex {
			return c, true, nil
		}
	}
	return ledger.Commitment{}, false, nil
}

// detectReset notices a ledger that restarted its sequence while local
// batches still reference the old log. Stale proofs pointing at vanished
// commitments are worse than no proofs, so everything local is wiped and
// anchoring starts over on the next cycle.
func (e *Engine) detectReset(ctx context.Context, commitment ledger.Commitment) (bool, error) {
	if commitment.SequenceNumber != 0 {
		return false, nil
	}
	count, err := e.batches.CountBatches(ctx)
	if err != nil {
		return false, fmt.Errorf("count local batches: %w", err)
	}
	if count == 0 {
		return false, nil
	}
	// Sequence zero with exactly one matching local record is this batch's
	// own crash-retry, not a regression.
	if count == 1 {
		local, found, err := e.batches.GetBatch(ctx, commitment.BatchID)
		if err != nil {
			return false, fmt.Errorf("look up local batch: %w", err)
		}
		if found && local.MerkleRoot == commitment.RootHash {
			return false, nil
		}
	}
	e.logf("ledger reset detected: commitment %s has sequence 0 with %d local batches; invalidating all proofs", commitment.BatchID, count)
	if err := e.events.ClearProofs(ctx); err != nil {
		return false, fmt.Errorf("clear proofs after ledger reset: %w", err)
	}
	if err := e.batches.DeleteAllBatches(ctx); err != nil {
		return false, fmt.Errorf("delete batches after ledger reset: %w", err)
	}
	return true, nil
}

func (e *Engine) persist(ctx context.Context, commitment ledger.Commitment, selected []domain.Event, leaves [][]byte) error {
	batch := domain.Batch{
		BatchID:        commitment.BatchID,
		MerkleRoot:     commitment.RootHash,
		CommitmentRef:  commitment.Ref,
		SequenceNumber: commitment.SequenceNumber,
		Status:         domain.BatchCommitted,
		CreatedAt:      e.now().UTC(),
	}
	if err := e.batches.UpsertBatch(ctx, batch); err != nil {
		return fmt.Errorf("persist batch %s: %w", batch.BatchID, err)
	}

	for i, event := range selected {
		path, err := merkle.ProveInclusion(leaves, i)
		if err != nil {
			return fmt.Errorf("prove inclusion for event %s: %w", event.ID, err)
		}
		siblings := make([]string, len(path))
		for j, sibling := range path {
			siblings[j] = merkle.EncodeHash(sibling)
		}
		proof := domain.AnchoringProof{
			EventSequenceID: event.ID,
			BatchID:         commitment.BatchID,
			MerkleRoot:      commitment.RootHash,
			LeafHash:        event.LeafHash,
			SiblingPath:     siblings,
			LeafIndex:       i,
			CommitmentRef:   commitment.Ref,
			CommittedAt:     commitment.Timestamp,
		}
		if err := e.events.MarkAnchored(ctx, event.ID, proof); err != nil {
			// A proof left over from a crashed cycle is fine; the
			// rest still needs persisting.
			e.logf("attach proof to event %s: %v", event.ID, err)
		}
	}
	return nil
}

// publishWitnesses rewrites the witness artifact of every identity touched
// by the batch. One identity's publish failure never aborts the others;
// the artifact is rebuilt in full on the next batch that touches it.
func (e *Engine) publishWitnesses(ctx context.Context, selected []domain.Event) {
	identities := make([]string, 0, len(selected))
	seen := make(map[string]bool, len(selected))
	for _, event := range selected {
		if !seen[event.IdentityID] {
			seen[event.IdentityID] = true
			identities = append(identities, event.IdentityID)
		}
	}
	for _, identityID := range identities {
		anchored, err := e.events.ListAnchoredByIdentity(ctx, identityID)
		if err != nil {
			e.logf("build witness artifact for %s: %v", identityID, err)
			continue
		}
		proofs := make([]domain.AnchoringProof, 0, len(anchored))
		for _, event := range anchored {
			if event.Proof != nil {
				proofs = append(proofs, *event.Proof)
			}
		}
		artifact := witness.Artifact{
			IdentityID: identityID,
			UpdatedAt:  e.now().UTC(),
			Proofs:     proofs,
		}
		callCtx, cancel := context.WithTimeout(ctx, e.cfg.WitnessTimeout)
		err = e.witness.Publish(callCtx, artifact)
		cancel()
		if err != nil {
			e.logf("publish witness artifact for %s: %v", identityID, err)
		}
	}
}
