package draft

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/sealmail/sealmail/internal/dbx"
	"github.com/sealmail/sealmail/internal/shared"
)

// LocalStore is the offline fallback for drafts that could not reach the
// provider. One row per compose session, newest payload wins.
type LocalStore struct {
	db dbx.DBTX
}

func NewLocalStore(db dbx.DBTX) *LocalStore {
	return &LocalStore{db: db}
}

func (s *LocalStore) Put(ctx context.Context, id string, payload []byte, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO local_drafts (id, payload, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET payload = excluded.payload, updated_at = excluded.updated_at`,
		id, payload, at.Unix())
	if err != nil {
		return fmt.Errorf("failed to store local draft: %w", err)
	}
	return nil
}

func (s *LocalStore) Get(ctx context.Context, id string) ([]byte, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM local_drafts WHERE id = ?`, id).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, shared.ErrorNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load local draft: %w", err)
	}
	return payload, nil
}

func (s *LocalStore) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM local_drafts WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete local draft: %w", err)
	}
	return nil
}
