package filetree

import (
	"sort"
	"strings"

	apperrors "github.com/ashishkum25/AiChatCode/pkg/errors"
)

// Normalize converts a raw tree, whose keys may be slash-delimited paths, into
// canonical nested form. Multi-segment keys are decomposed into intermediate
// directories; nested directory payloads are normalized recursively. The input
// is never mutated and the operation is idempotent: normalizing an already
// canonical tree yields an identical tree.
//
// Conflicts are rejected: a path that would overwrite an existing file with a
// directory (or vice versa), or that would replace an existing file leaf,
// fails with a TREE_CONFLICT error and no partial result is returned.
func Normalize(raw Tree) (Tree, error) {
	out := Tree{}
	if len(raw) == 0 {
		return out, nil
	}

	// Deterministic ordering so conflicts surface the same way every run.
	keys := make([]string, 0, len(raw))
	for key := range raw {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		segments := splitPath(key)
		if len(segments) == 0 {
			return nil, apperrors.New(apperrors.ErrCodeTreeInvalid, "empty path key").
				WithContext("key", key)
		}

		node, err := normalizeNode(raw[key], key)
		if err != nil {
			return nil, err
		}

		if err := place(out, segments, node, key); err != nil {
			return nil, err
		}
	}

	return out, nil
}

// normalizeNode deep-copies a node, recursively normalizing directory payloads
// so nested flat keys are decomposed too.
func normalizeNode(n *Node, path string) (*Node, error) {
	if n == nil {
		return nil, apperrors.New(apperrors.ErrCodeTreeInvalid, "nil tree node").
			WithContext("path", path)
	}
	if n.File != nil && n.Directory != nil {
		return nil, apperrors.New(apperrors.ErrCodeTreeInvalid, "node is both file and directory").
			WithContext("path", path)
	}
	if n.File != nil {
		return n.clone(), nil
	}
	if n.Directory != nil {
		children, err := Normalize(Tree(n.Directory))
		if err != nil {
			return nil, err
		}
		return NewDirectory(children), nil
	}
	return nil, apperrors.New(apperrors.ErrCodeTreeInvalid, "node is neither file nor directory").
		WithContext("path", path)
}

// place inserts node at the path given by segments, creating intermediate
// directories as needed.
func place(tree Tree, segments []string, node *Node, originalKey string) error {
	current := tree
	for _, seg := range segments[:len(segments)-1] {
		existing, ok := current[seg]
		if !ok {
			dir := NewDirectory(Tree{})
			current[seg] = dir
			current = Tree(dir.Directory)
			continue
		}
		if !existing.IsDirectory() {
			return apperrors.New(apperrors.ErrCodeTreeConflict, "path segment collides with existing file").
				WithContext("key", originalKey).
				WithContext("segment", seg)
		}
		current = Tree(existing.Directory)
	}

	leaf := segments[len(segments)-1]
	existing, ok := current[leaf]
	if !ok {
		current[leaf] = node
		return nil
	}

	// Two directory entries reached from different spellings merge; anything
	// else is a collision.
	if existing.IsDirectory() && node.IsDirectory() {
		return mergeDirectories(Tree(existing.Directory), Tree(node.Directory), originalKey)
	}
	return apperrors.New(apperrors.ErrCodeTreeConflict, "entry already exists at path").
		WithContext("key", originalKey).
		WithContext("segment", leaf)
}

func mergeDirectories(dst, src Tree, originalKey string) error {
	for name, node := range src {
		existing, ok := dst[name]
		if !ok {
			dst[name] = node
			continue
		}
		if existing.IsDirectory() && node.IsDirectory() {
			if err := mergeDirectories(Tree(existing.Directory), Tree(node.Directory), originalKey); err != nil {
				return err
			}
			continue
		}
		return apperrors.New(apperrors.ErrCodeTreeConflict, "entry already exists at path").
			WithContext("key", originalKey).
			WithContext("segment", name)
	}
	return nil
}

// splitPath breaks a key into clean path segments. Leading, trailing, and
// repeated separators are tolerated.
func splitPath(key string) []string {
	parts := strings.Split(key, "/")
	segments := make([]string, 0, len(parts))
	for _, p := range parts {
		if p == "" {
			continue
		}
		segments = append(segments, p)
	}
	return segments
}

// IsCanonical reports whether every key in the tree is a single path segment
// and every nested directory is canonical too.
func IsCanonical(tree Tree) bool {
	for key, node := range tree {
		if key == "" || strings.Contains(key, "/") {
			return false
		}
		if node == nil {
			return false
		}
		if node.Directory != nil && !IsCanonical(Tree(node.Directory)) {
			return false
		}
	}
	return true
}
