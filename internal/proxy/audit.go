package proxy

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// UploadRecord is one append-only audit entry. Records are never updated or
// deleted; a stored file without a matching record is the orphan state that
// operators reconcile from logs.
type UploadRecord struct {
	ID         string
	Filename   string
	StoredPath string
	Subject    string
	SizeBytes  int64
	CreatedAt  time.Time
}

// Record appends one upload record and returns it with its assigned id and
// timestamp. Concurrent appends are serialized: the mutex keeps this process
// to one writer at a time, and the insert runs in its own transaction, so
// the store can never end up with interleaved or partial entries.
func (s *Server) Record(ctx context.Context, filename string, storedPath string, subject string, sizeBytes int64) (UploadRecord, error) {
	rec := UploadRecord{
		ID:         uuid.NewString(),
		Filename:   filename,
		StoredPath: storedPath,
		Subject:    subject,
		SizeBytes:  sizeBytes,
		CreatedAt:  time.Now().UTC(),
	}

	s.auditMu.Lock()
	defer s.auditMu.Unlock()

	err := WithTransaction(ctx, s.db, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO uploads(id, filename, stored_path, subject, size_bytes, created_at)
			 VALUES(?, ?, ?, ?, ?, ?)`,
			rec.ID, rec.Filename, rec.StoredPath, rec.Subject, rec.SizeBytes, rec.CreatedAt.Format(time.RFC3339Nano),
		)
		return err
	})
	if err != nil {
		return UploadRecord{}, fmt.Errorf("append upload record: %w", err)
	}

	return rec, nil
}

// Records returns every audit entry in append order, for tests and for
// operators reconciling the store against the storage root.
func (s *Server) Records(ctx context.Context) ([]UploadRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, filename, stored_path, subject, size_bytes, created_at FROM uploads ORDER BY rowid`)
	if err != nil {
		return nil, fmt.Errorf("query upload records: %w", err)
	}
	defer rows.Close()

	var records []UploadRecord
	for rows.Next() {
		var rec UploadRecord
		var createdAt string
		if err := rows.Scan(&rec.ID, &rec.Filename, &rec.StoredPath, &rec.Subject, &rec.SizeBytes, &createdAt); err != nil {
			return nil, fmt.Errorf("scan upload record: %w", err)
		}
		rec.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parse record timestamp %q: %w", createdAt, err)
		}
		records = append(records, rec)
	}

	return records, rows.Err()
}
