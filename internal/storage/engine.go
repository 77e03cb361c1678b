package storage

import (
	"context"
	"errors"
)

// ErrDestinationExists is returned by Promote when the requested destination
// name is already taken. Callers are expected to retry with a different name.
var ErrDestinationExists = errors.New("destination already exists")

type Engine interface {
	// Promote moves the fully written payload at tempPath into the store
	// under name and returns the assigned storage path. The destination must
	// not already exist; ErrDestinationExists is returned if it does, leaving
	// the temp file in place so the caller can retry under another name.
	Promote(ctx context.Context, tempPath string, name string, size int64) (string, error)

	// Remove deletes the stored payload with the given name. Removing a name
	// that does not exist is not an error.
	Remove(ctx context.Context, name string) error
}
