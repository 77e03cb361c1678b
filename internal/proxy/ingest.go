package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"uploadproxy/internal/storage"
)

type IngestKind int

const (
	// IngestBadRequest covers malformed multipart framing, a body with no
	// file parts, and a client that broke the stream mid-upload.
	IngestBadRequest IngestKind = iota

	// IngestTooLarge means a file part exceeded the configured size limit.
	IngestTooLarge

	// IngestStorageFailure covers failed writes to scratch space or the
	// storage engine.
	IngestStorageFailure
)

type IngestError struct {
	Kind IngestKind
	Err  error
}

func (e *IngestError) Error() string {
	return fmt.Sprintf("ingest failed: %v", e.Err)
}

func (e *IngestError) Unwrap() error {
	return e.Err
}

// StoredUpload describes one file part that has been durably written.
type StoredUpload struct {
	// Filename is the name as received from the client, or the generated
	// name when the client did not supply a usable one.
	Filename string

	// StoredName is the possibly disambiguated destination name.
	StoredName string

	// StoredPath is the engine-assigned storage path.
	StoredPath string

	SizeBytes int64
}

// maxPromoteAttempts bounds the rename-and-retry loop on name collisions.
const maxPromoteAttempts = 5

// Ingestor streams multipart file parts through scratch space into a storage
// engine. Bodies are consumed incrementally and never buffered whole.
type Ingestor struct {
	Engine     storage.Engine
	ScratchDir string
	MaxBytes   int64
}

// Ingest consumes every part of the multipart body. Each file part is
// streamed to a scratch file and promoted into the engine under a unique,
// sanitized name. Any failure removes everything this call wrote, scratch
// files and promoted destinations alike, so a failed request leaves no
// artifact behind.
func (ing *Ingestor) Ingest(ctx context.Context, mr *multipart.Reader) ([]StoredUpload, error) {
	var stored []StoredUpload

	discardStored := func() {
		for _, u := range stored {
			if err := ing.Engine.Remove(ctx, u.StoredName); err != nil {
				slog.Warn("Failed to remove stored file during abort cleanup", "name", u.StoredName, "err", err)
			}
		}
	}

	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			discardStored()
			return nil, &IngestError{Kind: IngestBadRequest, Err: fmt.Errorf("read multipart part: %w", err)}
		}

		// Plain form fields carry no file; skip them.
		rawName, isFile := partFileName(part)
		if !isFile {
			continue
		}

		upload, ingErr := ing.ingestPart(ctx, part, rawName)
		if ingErr != nil {
			discardStored()
			return nil, ingErr
		}

		stored = append(stored, *upload)
	}

	if len(stored) == 0 {
		return nil, &IngestError{Kind: IngestBadRequest, Err: errors.New("no file parts in request body")}
	}

	return stored, nil
}

// trackingWriter remembers whether the destination side of a copy failed,
// so read errors (client gone) and write errors (disk) stay separable.
type trackingWriter struct {
	w   io.Writer
	err error
}

func (t *trackingWriter) Write(p []byte) (int, error) {
	n, err := t.w.Write(p)
	if err != nil {
		t.err = err
	}
	return n, err
}

// partFileName reports whether the part is a file part and returns the raw
// client-supplied name. A filename attribute that is present but empty still
// marks a file part, one whose name has to be generated; plain form fields
// carry no filename attribute at all.
func partFileName(part *multipart.Part) (string, bool) {
	_, params, err := mime.ParseMediaType(part.Header.Get("Content-Disposition"))
	if err != nil {
		return "", false
	}
	name, ok := params["filename"]
	return name, ok
}

func (ing *Ingestor) ingestPart(ctx context.Context, part *multipart.Part, rawName string) (*StoredUpload, *IngestError) {
	tmp, err := os.CreateTemp(ing.ScratchDir, "ingest-*")
	if err != nil {
		return nil, &IngestError{Kind: IngestStorageFailure, Err: fmt.Errorf("create scratch file: %w", err)}
	}
	tmpPath := tmp.Name()
	defer func() {
		_ = tmp.Close()
		// The engine links or copies the scratch file into place, so the
		// scratch copy is always removed here on both success and failure.
		if err := os.Remove(tmpPath); err != nil && !os.IsNotExist(err) {
			slog.Debug("Failed to remove scratch file", "path", tmpPath, "err", err)
		}
	}()

	// Copy at most one byte past the limit: io.Copy's internal buffer keeps
	// chunks bounded, and the extra byte turns "at the limit" and "over the
	// limit" into distinguishable outcomes without trusting Content-Length.
	sink := &trackingWriter{w: tmp}
	written, copyErr := io.Copy(sink, io.LimitReader(part, ing.MaxBytes+1))
	if copyErr != nil {
		if sink.err != nil {
			return nil, &IngestError{Kind: IngestStorageFailure, Err: fmt.Errorf("write scratch file: %w", copyErr)}
		}
		return nil, &IngestError{Kind: IngestBadRequest, Err: fmt.Errorf("read upload stream: %w", copyErr)}
	}

	if written > ing.MaxBytes {
		return nil, &IngestError{Kind: IngestTooLarge, Err: fmt.Errorf("file exceeds %d byte limit", ing.MaxBytes)}
	}

	if err := tmp.Sync(); err != nil {
		return nil, &IngestError{Kind: IngestStorageFailure, Err: fmt.Errorf("sync scratch file: %w", err)}
	}
	if err := tmp.Close(); err != nil {
		return nil, &IngestError{Kind: IngestStorageFailure, Err: fmt.Errorf("close scratch file: %w", err)}
	}

	filename := safeFilename(rawName)
	if filename == "" {
		filename = "upload-" + uuid.NewString()
	}

	storedName := filename
	for attempt := 0; ; attempt++ {
		storedPath, err := ing.Engine.Promote(ctx, tmpPath, storedName, written)
		if err == nil {
			return &StoredUpload{
				Filename:   filename,
				StoredName: storedName,
				StoredPath: storedPath,
				SizeBytes:  written,
			}, nil
		}
		if errors.Is(err, storage.ErrDestinationExists) && attempt < maxPromoteAttempts {
			storedName = disambiguate(filename)
			continue
		}
		return nil, &IngestError{Kind: IngestStorageFailure, Err: fmt.Errorf("promote %s: %w", storedName, err)}
	}
}

// safeFilename reduces a client-supplied filename to a bare, traversal-free
// name. An empty result means the caller must generate a name.
func safeFilename(name string) string {
	// Browsers on Windows may send full paths with backslashes.
	name = strings.ReplaceAll(name, "\\", "/")
	name = path.Base(name)

	if name == "" || name == "." || name == ".." || name == "/" {
		return ""
	}
	if strings.ContainsRune(name, 0) {
		return ""
	}

	return name
}

// disambiguate inserts a random token before the extension so concurrent
// uploads of the same filename never race on one destination.
func disambiguate(name string) string {
	ext := filepath.Ext(name)
	base := strings.TrimSuffix(name, ext)
	return fmt.Sprintf("%s-%s%s", base, uuid.NewString()[:8], ext)
}
