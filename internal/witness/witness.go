// Package witness publishes and fetches the per-identity artifact listing
// every anchoring proof for that identity's log. Artifacts are rewritten
// whole on each publish so consumers always see the latest snapshot, and
// the audit engine re-verifies the published copy independently of the
// privately stored proofs.
package witness

import (
	"context"
	"time"

	"github.com/provara/anchor/internal/domain"
)

// Artifact is the externally served witness document for one identity.
// Proofs are ordered by event sequence.
type Artifact struct {
	IdentityID string                  `json:"identity_id"`
	UpdatedAt  time.Time               `json:"updated_at"`
	Proofs     []domain.AnchoringProof `json:"proofs"`
}

// Publisher writes the full artifact for an identity, replacing any prior
// version.
type Publisher interface {
	Publish(ctx context.Context, artifact Artifact) error
}

// Fetcher reads the currently published artifact for an identity. The
// second return is false when no artifact has been published.
type Fetcher interface {
	Fetch(ctx context.Context, identityID string) (Artifact, bool, error)
}
