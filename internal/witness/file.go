package witness

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// FileStore keeps one JSON artifact per identity under a root directory.
// Writes go through a temp file and rename so readers never observe a
// half-written artifact.
type FileStore struct {
	root string
}

// NewFileStore creates the root directory if needed.
func NewFileStore(root string) (*FileStore, error) {
	trimmed := strings.TrimSpace(root)
	if trimmed == "" {
		return nil, fmt.Errorf("witness root dir is required")
	}
	if err := os.MkdirAll(trimmed, 0o755); err != nil {
		return nil, fmt.Errorf("create witness dir: %w", err)
	}
	return &FileStore{root: trimmed}, nil
}

// Publish replaces the identity's artifact atomically.
func (s *FileStore) Publish(ctx context.Context, artifact Artifact) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.TrimSpace(artifact.IdentityID) == "" {
		return fmt.Errorf("artifact identity id is required")
	}
	data, err := json.MarshalIndent(artifact, "", "  ")
	if err != nil {
		return fmt.Errorf("encode witness artifact: %w", err)
	}

	target := s.path(artifact.IdentityID)
	tmp, err := os.CreateTemp(s.root, ".witness-*")
	if err != nil {
		return fmt.Errorf("create witness temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write witness artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close witness temp file: %w", err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("publish witness artifact: %w", err)
	}
	return nil
}

// Fetch reads the identity's current artifact.
func (s *FileStore) Fetch(ctx context.Context, identityID string) (Artifact, bool, error) {
	if err := ctx.Err(); err != nil {
		return Artifact{}, false, err
	}
	data, err := os.ReadFile(s.path(identityID))
	if err != nil {
		if os.IsNotExist(err) {
			return Artifact{}, false, nil
		}
		return Artifact{}, false, fmt.Errorf("read witness artifact: %w", err)
	}
	var artifact Artifact
	if err := json.Unmarshal(data, &artifact); err != nil {
		return Artifact{}, false, fmt.Errorf("decode witness artifact: %w", err)
	}
	return artifact, true, nil
}

// path flattens the identity id into a safe file name. DID identifiers
// contain colons, which some filesystems reject.
func (s *FileStore) path(identityID string) string {
	name := strings.NewReplacer(":", "_", "/", "_", "\\", "_").Replace(identityID)
	return filepath.Join(s.root, name+".json")
}
