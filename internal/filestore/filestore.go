package filestore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Store is the object-storage collaborator used by the pipeline: raw signal
// files go in at submission time and come back out in the analysis worker.
// Put returns an opaque location that Get accepts.
type Store interface {
	Put(ctx context.Context, name string, data []byte) (string, error)
	Get(ctx context.Context, location string) ([]byte, error)
}

// Local stores objects as flat files under a root directory shared between
// the api and analysis services. The returned location is the object name
// relative to the root.
type Local struct {
	root string
}

// NewLocal creates the root directory if needed and returns a Local store.
func NewLocal(root string) (*Local, error) {
	if root == "" {
		return nil, fmt.Errorf("storage root directory is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}
	return &Local{root: root}, nil
}

// Put writes data under a sanitized object name and returns the location.
func (l *Local) Put(_ context.Context, name string, data []byte) (string, error) {
	object := sanitize(name)
	if object == "" {
		return "", fmt.Errorf("invalid object name %q", name)
	}

	path := filepath.Join(l.root, object)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to store object %q: %w", object, err)
	}

	return object, nil
}

// Get reads the object back by the location Put returned.
func (l *Local) Get(_ context.Context, location string) ([]byte, error) {
	object := sanitize(location)
	if object == "" {
		return nil, fmt.Errorf("invalid object location %q", location)
	}

	data, err := os.ReadFile(filepath.Join(l.root, object))
	if err != nil {
		return nil, fmt.Errorf("failed to read object %q: %w", object, err)
	}

	return data, nil
}

// sanitize reduces a name to a safe flat file name, discarding any path
// components a client might smuggle in.
func sanitize(name string) string {
	base := filepath.Base(filepath.Clean(name))
	if base == "." || base == string(filepath.Separator) || strings.HasPrefix(base, "..") {
		return ""
	}
	return base
}
