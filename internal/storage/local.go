package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// LocalEngine stores uploaded files as plain files directly under a root
// directory. Destination names are flat (no subdirectories); the ingest layer
// guarantees names are already sanitized before they reach the engine.
type LocalEngine struct {
	root string
}

// NewLocalEngine creates the root directory if necessary and returns an
// engine writing into it.
func NewLocalEngine(root string) (*LocalEngine, error) {
	if root == "" {
		return nil, errors.New("storage root must not be empty")
	}

	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve storage root: %w", err)
	}

	if err := os.MkdirAll(absRoot, 0o755); err != nil {
		return nil, fmt.Errorf("create storage root: %w", err)
	}

	return &LocalEngine{root: absRoot}, nil
}

// Root returns the absolute path of the storage root directory.
func (e *LocalEngine) Root() string {
	return e.root
}

func (e *LocalEngine) Promote(ctx context.Context, tempPath string, name string, size int64) (string, error) {
	destPath := filepath.Join(e.root, name)

	if err := linkOrCopyExclusive(tempPath, destPath); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return "", ErrDestinationExists
		}
		return "", fmt.Errorf("promote %s: %w", name, err)
	}

	return destPath, nil
}

func (e *LocalEngine) Remove(ctx context.Context, name string) error {
	err := os.Remove(filepath.Join(e.root, name))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
