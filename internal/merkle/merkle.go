// Package merkle builds binary hash trees over event leaf hashes and
// produces the inclusion proofs that anchoring attaches to each event.
//
// Pairs are hashed in sorted order, H(min(a,b) || max(a,b)), so a verifier
// only needs the sibling values and the walk order, never left/right
// position. An odd node at any level is paired with itself.
package merkle

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// HashSize is the width in bytes of every leaf, sibling, and root hash.
const HashSize = sha256.Size

// LeafHash digests one event's canonical payload into a leaf value.
func LeafHash(canonical []byte) []byte {
	sum := sha256.Sum256(canonical)
	return sum[:]
}

// EmptyRoot returns the defined root for a tree with no leaves.
func EmptyRoot() []byte {
	sum := sha256.Sum256(nil)
	return sum[:]
}

// BuildRoot folds leaves level by level into a single root. A single leaf is
// returned unchanged; an empty input yields EmptyRoot.
func BuildRoot(leaves [][]byte) []byte {
	if len(leaves) == 0 {
		return EmptyRoot()
	}
	level := make([][]byte, len(leaves))
	copy(level, leaves)
	for len(level) > 1 {
		next := make([][]byte, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			right := level[i]
			if i+1 < len(level) {
				right = level[i+1]
			}
			next = append(next, hashPair(level[i], right))
		}
		level = next
	}
	return level[0]
}

// ProveInclusion returns the sibling hash at each level while walking from
// leaves[index] up to the root, using the same duplicate-last rule as
// BuildRoot. The path is deterministic for a fixed leaf ordering.
func ProveInclusion(leaves [][]byte, index int) ([][]byte, error) {
	if index < 0 || index >= len(leaves) {
		return nil, fmt.Errorf("leaf index %d out of range for %d leaves", index, len(leaves))
	}
	level := make([][]byte, len(leaves))
	copy(level, leaves)

	var path [][]byte
	for len(level) > 1 {
		sibling := index ^ 1
		if sibling >= len(level) {
			// Odd node pairs with itself.
			sibling = index
		}
		path = append(path, append([]byte(nil), level[sibling]...))

		next := make([][]byte, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			right := level[i]
			if i+1 < len(level) {
				right = level[i+1]
			}
			next = append(next, hashPair(level[i], right))
		}
		level = next
		index /= 2
	}
	return path, nil
}

// VerifyInclusion folds leaf up through path with the sorted-pair rule and
// compares the result to root. An empty path is valid only for a single-leaf
// tree, where the leaf is the root.
func VerifyInclusion(leaf []byte, path [][]byte, root []byte) bool {
	current := leaf
	for _, sibling := range path {
		current = hashPair(current, sibling)
	}
	return bytes.Equal(current, root)
}

// EncodeHash renders a digest as lowercase hex for storage and transport.
func EncodeHash(h []byte) string {
	return hex.EncodeToString(h)
}

// DecodeHash parses a hex digest and rejects anything that is not exactly
// HashSize bytes. The tree functions assume well-formed input; callers decode
// through here first.
func DecodeHash(s string) ([]byte, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode hash: %w", err)
	}
	if len(raw) != HashSize {
		return nil, fmt.Errorf("decode hash: got %d bytes, want %d", len(raw), HashSize)
	}
	return raw, nil
}

func hashPair(a, b []byte) []byte {
	h := sha256.New()
	if bytes.Compare(a, b) <= 0 {
		h.Write(a)
		h.Write(b)
	} else {
		h.Write(b)
		h.Write(a)
	}
	return h.Sum(nil)
}
