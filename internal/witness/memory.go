package witness

import (
	"context"
	"fmt"
	"sync"
)

// Memory is an in-process witness store for tests. Publish failures can be
// injected per identity to exercise partial-failure tolerance.
type Memory struct {
	mu        sync.Mutex
	artifacts map[string]Artifact
	failing   map[string]bool
}

// NewMemory builds an empty in-memory witness store.
func NewMemory() *Memory {
	return &Memory{
		artifacts: make(map[string]Artifact),
		failing:   make(map[string]bool),
	}
}

// Publish replaces the identity's artifact, or fails if injection is set.
func (m *Memory) Publish(ctx context.Context, artifact Artifact) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failing[artifact.IdentityID] {
		return fmt.Errorf("witness publish failed for %s", artifact.IdentityID)
	}
	m.artifacts[artifact.IdentityID] = artifact
	return nil
}

// Fetch reads the identity's current artifact.
func (m *Memory) Fetch(ctx context.Context, identityID string) (Artifact, bool, error) {
	if err := ctx.Err(); err != nil {
		return Artifact{}, false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	artifact, ok := m.artifacts[identityID]
	return artifact, ok, nil
}

// FailPublish toggles publish failure injection for one identity.
func (m *Memory) FailPublish(identityID string, fail bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failing[identityID] = fail
}

// Set stores an artifact directly, bypassing failure injection. Tests use
// it to plant divergent published state.
func (m *Memory) Set(artifact Artifact) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.artifacts[artifact.IdentityID] = artifact
}
