package proxy

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"uploadproxy/internal/auth"
	"uploadproxy/internal/storage"
)

//go:embed migrations
var migrationsFS embed.FS

// DefaultMaxUploadBytes is the upload size limit applied when the
// configuration does not set one.
const DefaultMaxUploadBytes = 50 << 20

// TokenValidator authorizes a raw bearer token and yields the authenticated
// principal. There is one implementation per supported token scheme,
// selected by configuration.
type TokenValidator interface {
	Validate(ctx context.Context, rawToken string) (*auth.Principal, error)
}

type Config struct {
	// StorageRoot is the directory owned exclusively by this service. The
	// local engine stores files here; every engine uses its tmp/
	// subdirectory as scratch space.
	StorageRoot string

	// MetadataDB is the path of the SQLite audit store. Defaults to
	// uploads.sqlite under StorageRoot.
	MetadataDB string

	MaxUploadBytes int64
	AllowedOrigins []string

	// Engine defaults to local filesystem storage under StorageRoot.
	Engine storage.Engine

	Validator TokenValidator
}

// Server wires credential validation, streaming ingest and the audit store
// into the upload request lifecycle.
type Server struct {
	cfg      Config
	db       *sql.DB
	ingestor *Ingestor
	auditMu  sync.Mutex
}

// initSchema initializes the audit database schema by applying all SQL
// files in the embedded migrations in lexicographical order.
func initSchema(ctx context.Context, db *sql.DB) error {
	return fs.WalkDir(migrationsFS, "migrations", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}

		content, readError := migrationsFS.ReadFile(path)
		if readError != nil {
			return fmt.Errorf("error reading SQL file: %w", readError)
		}

		slog.Info("Running migration", "path", path)
		_, execError := db.ExecContext(ctx, string(content))
		return execError
	})
}

// NewServer prepares the storage root, opens the audit database and returns
// a ready Server.
func NewServer(ctx context.Context, cfg Config) (*Server, error) {
	if cfg.StorageRoot == "" {
		return nil, errors.New("StorageRoot must not be empty")
	}
	if cfg.Validator == nil {
		return nil, errors.New("Validator must not be nil")
	}

	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = DefaultMaxUploadBytes
	}

	if err := os.MkdirAll(cfg.StorageRoot, 0o755); err != nil {
		return nil, fmt.Errorf("create storage root: %w", err)
	}

	scratchDir := filepath.Join(cfg.StorageRoot, "tmp")
	if err := os.MkdirAll(scratchDir, 0o755); err != nil {
		return nil, fmt.Errorf("create scratch dir: %w", err)
	}

	if cfg.Engine == nil {
		engine, err := storage.NewLocalEngine(cfg.StorageRoot)
		if err != nil {
			return nil, err
		}
		cfg.Engine = engine
	}

	if cfg.MetadataDB == "" {
		cfg.MetadataDB = filepath.Join(cfg.StorageRoot, "uploads.sqlite")
	}

	db, err := sql.Open("sqlite3", cfg.MetadataDB)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	if err := initSchema(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Server{
		cfg: cfg,
		db:  db,
		ingestor: &Ingestor{
			Engine:     cfg.Engine,
			ScratchDir: scratchDir,
			MaxBytes:   cfg.MaxUploadBytes,
		},
	}, nil
}

// Close closes any resources held by the Server.
func (s *Server) Close() error {
	return s.db.Close()
}

// WithTransaction runs a function within a database transaction.
func WithTransaction(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("error beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return fmt.Errorf("error executing transaction: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("error committing transaction: %w", err)
	}

	return nil
}

const bearerPrefix = "Bearer "

// authorize extracts and validates the bearer credential. No storage side
// effect may occur before this succeeds.
func (s *Server) authorize(r *http.Request) (*auth.Principal, error) {
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, bearerPrefix) {
		return nil, errors.New("missing bearer credential")
	}

	return s.cfg.Validator.Validate(r.Context(), strings.TrimSpace(header[len(bearerPrefix):]))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:    "healthy",
		Message:   "Upload proxy service is running",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	principal, err := s.authorize(r)
	if err != nil {
		// The reason stays in the logs; clients get a uniform rejection so
		// forged tokens can't probe which claim check failed.
		slog.Warn("Rejected upload credential", "err", err)
		writeJSONError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	mr, err := r.MultipartReader()
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "request body must be multipart/form-data")
		return
	}

	uploads, err := s.ingestor.Ingest(r.Context(), mr)
	if err != nil {
		var ingErr *IngestError
		if errors.As(err, &ingErr) {
			switch ingErr.Kind {
			case IngestTooLarge:
				slog.Warn("Upload exceeds size limit", "subject", principal.Subject, "limit_bytes", s.cfg.MaxUploadBytes)
				writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("file exceeds the %d byte upload limit", s.cfg.MaxUploadBytes))
			case IngestBadRequest:
				slog.Warn("Invalid upload body", "subject", principal.Subject, "err", err)
				writeJSONError(w, http.StatusBadRequest, "invalid multipart upload")
			default:
				slog.Error("Store upload", "subject", principal.Subject, "err", err)
				writeJSONError(w, http.StatusInternalServerError, "failed to store upload")
			}
			return
		}

		slog.Error("Ingest upload", "subject", principal.Subject, "err", err)
		writeJSONError(w, http.StatusInternalServerError, "failed to store upload")
		return
	}

	files := make([]UploadedFile, 0, len(uploads))
	for i, u := range uploads {
		rec, err := s.Record(r.Context(), u.Filename, u.StoredPath, principal.Subject, u.SizeBytes)
		if err != nil {
			// Ingest promoted every part before the first record was
			// appended, so the current file and everything after it are
			// durably stored with no audit record. Each of them needs its own
			// log line or operators cannot reconcile them.
			for _, orphan := range uploads[i:] {
				slog.Error("ORPHAN FILE: stored upload has no audit record",
					"stored_path", orphan.StoredPath,
					"filename", orphan.Filename,
					"subject", principal.Subject,
					"size_bytes", orphan.SizeBytes,
					"err", err,
				)
			}
			writeJSONError(w, http.StatusInternalServerError,
				fmt.Sprintf("file stored but audit record could not be written (%d of %d files recorded)", i, len(uploads)))
			return
		}

		files = append(files, UploadedFile{
			RecordID:  rec.ID,
			Filename:  rec.Filename,
			SizeBytes: rec.SizeBytes,
			Timestamp: rec.CreatedAt.Format(time.RFC3339),
		})

		slog.Info("Upload recorded",
			"record_id", rec.ID,
			"filename", rec.Filename,
			"subject", rec.Subject,
			"size_bytes", rec.SizeBytes,
		)
	}

	first := files[0]
	writeJSON(w, http.StatusCreated, UploadResponse{
		Status:    "success",
		Message:   "File uploaded successfully",
		RecordID:  first.RecordID,
		Filename:  first.Filename,
		SizeBytes: first.SizeBytes,
		User:      principal.Subject,
		Timestamp: first.Timestamp,
		Uploads:   files,
	})
}
