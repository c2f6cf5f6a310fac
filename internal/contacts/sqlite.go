package contacts

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/sealmail/sealmail/internal/dbx"
	"github.com/sealmail/sealmail/internal/shared"
)

// SQLiteRepository implements the low-level contact/pubkey queries over a
// DBTX (either *sql.DB or *sql.Tx).
type SQLiteRepository struct {
	db dbx.DBTX
}

// NewSQLiteRepository returns a new SQLiteRepository bound to the given DBTX.
func NewSQLiteRepository(db dbx.DBTX) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

type contactRow struct {
	Email               string
	Name                string
	HasPgp              bool
	Fingerprint         string
	Client              string
	LastUse             sql.NullInt64
	PubkeyLastChecked   sql.NullInt64
	PubkeySignatureTime sql.NullInt64
	ExpiresOn           sql.NullInt64
}

func unixOrNull(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.Unix()
}

func timeFromNull(v sql.NullInt64) time.Time {
	if !v.Valid {
		return time.Time{}
	}
	return time.Unix(v.Int64, 0).UTC()
}

// Upsert writes the contact row keyed by email. On conflict, all mutable
// columns are replaced.
func (r *SQLiteRepository) Upsert(ctx context.Context, row *contactRow) error {
	query := `INSERT INTO contacts
			(email, name, has_pgp, fingerprint, client, last_use, pubkey_last_checked, pubkey_signature_time, expires_on)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(email) DO UPDATE SET
			name = excluded.name,
			has_pgp = excluded.has_pgp,
			fingerprint = excluded.fingerprint,
			client = excluded.client,
			last_use = excluded.last_use,
			pubkey_last_checked = excluded.pubkey_last_checked,
			pubkey_signature_time = excluded.pubkey_signature_time,
			expires_on = excluded.expires_on
	`
	_, err := r.db.ExecContext(ctx, query,
		row.Email, row.Name, row.HasPgp, row.Fingerprint, row.Client,
		nullableInt(row.LastUse), nullableInt(row.PubkeyLastChecked),
		nullableInt(row.PubkeySignatureTime), nullableInt(row.ExpiresOn))
	if err != nil {
		return fmt.Errorf("failed to upsert contact: %w", err)
	}
	return nil
}

func nullableInt(v sql.NullInt64) any {
	if !v.Valid {
		return nil
	}
	return v.Int64
}

func (r *SQLiteRepository) GetByEmail(ctx context.Context, email string) (*contactRow, error) {
	query := `SELECT email, name, has_pgp, fingerprint, client, last_use,
			pubkey_last_checked, pubkey_signature_time, expires_on
		FROM contacts WHERE email = ?`

	row := &contactRow{}
	err := r.db.QueryRowContext(ctx, query, email).Scan(
		&row.Email, &row.Name, &row.HasPgp, &row.Fingerprint, &row.Client,
		&row.LastUse, &row.PubkeyLastChecked, &row.PubkeySignatureTime, &row.ExpiresOn)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, shared.ErrorNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to select contact: %w", err)
	}
	return row, nil
}

// EmailByLongid resolves a 16-hex-char longid to a contact email. The
// primary-longid index is tried first; only when it yields nothing does the
// any-subkey-longid index apply (covers contacts imported before subkey
// longids were indexed). Order matters: a primary hit short-circuits.
func (r *SQLiteRepository) EmailByLongid(ctx context.Context, longid string) (string, error) {
	var email string
	err := r.db.QueryRowContext(ctx,
		`SELECT c.email FROM contacts c JOIN pubkeys p ON p.fingerprint = c.fingerprint
		 WHERE p.longid = ? LIMIT 1`, longid).Scan(&email)
	if err == nil {
		return email, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("failed to select by longid: %w", err)
	}

	err = r.db.QueryRowContext(ctx,
		`SELECT c.email FROM contacts c JOIN pubkey_longids pl ON pl.fingerprint = c.fingerprint
		 WHERE pl.longid = ? LIMIT 1`, longid).Scan(&email)
	if errors.Is(err, sql.ErrNoRows) {
		return "", shared.ErrorNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to select by subkey longid: %w", err)
	}
	return email, nil
}

func (r *SQLiteRepository) EmailByFingerprint(ctx context.Context, fingerprint string) (string, error) {
	var email string
	err := r.db.QueryRowContext(ctx,
		`SELECT email FROM contacts WHERE fingerprint = ? LIMIT 1`, fingerprint).Scan(&email)
	if errors.Is(err, sql.ErrNoRows) {
		return "", shared.ErrorNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to select by fingerprint: %w", err)
	}
	return email, nil
}

// ReplaceIndex rewrites the whole token set for a contact. The old rows are
// always deleted first; stale tokens left behind would corrupt prefix search.
func (r *SQLiteRepository) ReplaceIndex(ctx context.Context, email string, hasPgp bool, tokens []string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM contact_index WHERE email = ?`, email); err != nil {
		return fmt.Errorf("failed to clear search index: %w", err)
	}
	for _, token := range tokens {
		_, err := r.db.ExecContext(ctx,
			`INSERT OR IGNORE INTO contact_index (email, token, has_pgp) VALUES (?, ?, ?)`,
			email, token, hasPgp)
		if err != nil {
			return fmt.Errorf("failed to insert search token: %w", err)
		}
	}
	return nil
}

// UpsertPubkey stores the armored key and refreshes both longid indexes.
func (r *SQLiteRepository) UpsertPubkey(ctx context.Context, fingerprint, longid, armored string, subkeyLongids []string) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO pubkeys (fingerprint, longid, armored) VALUES (?, ?, ?)
		 ON CONFLICT(fingerprint) DO UPDATE SET longid = excluded.longid, armored = excluded.armored`,
		fingerprint, longid, armored)
	if err != nil {
		return fmt.Errorf("failed to upsert pubkey: %w", err)
	}

	if _, err := r.db.ExecContext(ctx, `DELETE FROM pubkey_longids WHERE fingerprint = ?`, fingerprint); err != nil {
		return fmt.Errorf("failed to clear subkey longids: %w", err)
	}
	for _, id := range subkeyLongids {
		_, err := r.db.ExecContext(ctx,
			`INSERT OR IGNORE INTO pubkey_longids (fingerprint, longid) VALUES (?, ?)`, fingerprint, id)
		if err != nil {
			return fmt.Errorf("failed to insert subkey longid: %w", err)
		}
	}
	return nil
}

func (r *SQLiteRepository) PubkeyArmored(ctx context.Context, fingerprint string) (string, error) {
	var armored string
	err := r.db.QueryRowContext(ctx, `SELECT armored FROM pubkeys WHERE fingerprint = ?`, fingerprint).Scan(&armored)
	if errors.Is(err, sql.ErrNoRows) {
		return "", shared.ErrorNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to select pubkey: %w", err)
	}
	return armored, nil
}

// SearchByToken returns previews whose index contains the exact token with
// the given hasPgp tag, newest-used first.
func (r *SQLiteRepository) SearchByToken(ctx context.Context, token string, hasPgp bool, limit int) ([]*Preview, error) {
	query := `SELECT DISTINCT c.email, c.name, c.has_pgp
		FROM contacts c JOIN contact_index i ON i.email = c.email
		WHERE i.token = ? AND i.has_pgp = ?
		ORDER BY c.last_use DESC, c.email
		LIMIT ?`
	rows, err := r.db.QueryContext(ctx, query, token, hasPgp, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to search contacts: %w", err)
	}
	defer rows.Close()
	return scanPreviews(rows)
}

// ListByPgp returns previews filtered only by the hasPgp flag.
func (r *SQLiteRepository) ListByPgp(ctx context.Context, hasPgp bool, limit int) ([]*Preview, error) {
	query := `SELECT email, name, has_pgp FROM contacts
		WHERE has_pgp = ? ORDER BY last_use DESC, email LIMIT ?`
	rows, err := r.db.QueryContext(ctx, query, hasPgp, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list contacts: %w", err)
	}
	defer rows.Close()
	return scanPreviews(rows)
}

func scanPreviews(rows *sql.Rows) ([]*Preview, error) {
	var out []*Preview
	for rows.Next() {
		p := &Preview{}
		if err := rows.Scan(&p.Email, &p.Name, &p.HasPgp); err != nil {
			return nil, fmt.Errorf("failed to scan preview: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (r *SQLiteRepository) Delete(ctx context.Context, email string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM contact_index WHERE email = ?`, email); err != nil {
		return fmt.Errorf("failed to delete search index: %w", err)
	}
	if _, err := r.db.ExecContext(ctx, `DELETE FROM contacts WHERE email = ?`, email); err != nil {
		return fmt.Errorf("failed to delete contact: %w", err)
	}
	return nil
}
