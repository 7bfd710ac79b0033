package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Blob is an immutable binary payload addressed by the hash of its content.
type Blob struct {
	ID          string    `db:"blob_id" json:"id"`
	ContentType string    `db:"content_type" json:"content_type"`
	Size        int64     `db:"size_bytes" json:"size"`
	Data        []byte    `db:"data" json:"-"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
}

// PutBlob stores b if no blob with the same id exists.
func (s *Store) PutBlob(ctx context.Context, b Blob) error {
	if b.CreatedAt.IsZero() {
		b.CreatedAt = now()
	}
	b.Size = int64(len(b.Data))

	err := s.withRetry(ctx, "put_blob", func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx, s.rebind(`
			INSERT INTO blobs (blob_id, content_type, size_bytes, data, created_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT (blob_id) DO NOTHING
		`), b.ID, b.ContentType, b.Size, b.Data, b.CreatedAt)
		return err
	})
	if err != nil {
		return fmt.Errorf("put blob %s: %w", b.ID, err)
	}
	return nil
}

// GetBlob returns the blob with the given id.
func (s *Store) GetBlob(ctx context.Context, id string) (Blob, error) {
	var b Blob
	err := s.withRetry(ctx, "get_blob", func(ctx context.Context) error {
		return s.db.GetContext(ctx, &b, s.rebind(`
			SELECT blob_id, content_type, size_bytes, data, created_at FROM blobs WHERE blob_id = ?
		`), id)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return Blob{}, ErrBlobNotFound
	}
	if err != nil {
		return Blob{}, fmt.Errorf("get blob %s: %w", id, err)
	}
	return b, nil
}

// BlobSize returns the stored size of a blob without loading its data.
func (s *Store) BlobSize(ctx context.Context, id string) (int64, error) {
	var size int64
	err := s.withRetry(ctx, "blob_size", func(ctx context.Context) error {
		return s.db.GetContext(ctx, &size, s.rebind(`SELECT size_bytes FROM blobs WHERE blob_id = ?`), id)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrBlobNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("blob size %s: %w", id, err)
	}
	return size, nil
}
