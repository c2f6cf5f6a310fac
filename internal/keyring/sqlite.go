package keyring

import (
	"context"
	"fmt"

	"github.com/sealmail/sealmail/internal/dbx"
)

// SQLiteStore persists account keys so the keyring survives restarts.
// Private material is stored in its passphrase-encrypted armored form only.
type SQLiteStore struct {
	db dbx.DBTX
}

func NewSQLiteStore(db dbx.DBTX) *SQLiteStore {
	return &SQLiteStore{db: db}
}

func (s *SQLiteStore) Put(ctx context.Context, e *PrivateKeyEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO account_keys (fingerprint, longid, private_armored, public_armored, is_primary)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(fingerprint) DO UPDATE SET
			private_armored = excluded.private_armored,
			public_armored = excluded.public_armored,
			is_primary = excluded.is_primary`,
		e.Fingerprint, e.Longid, e.PrivateArmored, e.PublicArmored, boolInt(e.IsPrimary))
	if err != nil {
		return fmt.Errorf("failed to store account key: %w", err)
	}
	return nil
}

func (s *SQLiteStore) LoadAll(ctx context.Context) ([]*PrivateKeyEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT fingerprint, longid, private_armored, public_armored, is_primary
		FROM account_keys ORDER BY rowid`)
	if err != nil {
		return nil, fmt.Errorf("failed to load account keys: %w", err)
	}
	defer rows.Close()

	var out []*PrivateKeyEntry
	for rows.Next() {
		var e PrivateKeyEntry
		var primary int
		if err := rows.Scan(&e.Fingerprint, &e.Longid, &e.PrivateArmored, &e.PublicArmored, &primary); err != nil {
			return nil, err
		}
		e.IsPrimary = primary != 0
		out = append(out, &e)
	}
	return out, rows.Err()
}

// SetPrimary flips the primary flag to the given fingerprint in one
// statement pair so the exactly-one-primary invariant holds in storage too.
func (s *SQLiteStore) SetPrimary(ctx context.Context, fingerprint string) error {
	if _, err := s.db.ExecContext(ctx, `UPDATE account_keys SET is_primary = 0`); err != nil {
		return fmt.Errorf("failed to clear primary flags: %w", err)
	}
	if _, err := s.db.ExecContext(ctx,
		`UPDATE account_keys SET is_primary = 1 WHERE fingerprint = ?`, fingerprint); err != nil {
		return fmt.Errorf("failed to set primary flag: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, fingerprint string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM account_keys WHERE fingerprint = ?`, fingerprint); err != nil {
		return fmt.Errorf("failed to delete account key: %w", err)
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
