package contacts

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sealmail/sealmail/internal/dbx"
	"github.com/sealmail/sealmail/internal/keycodec"
	"github.com/sealmail/sealmail/internal/logging"
	"github.com/sealmail/sealmail/internal/shared"
)

const defaultSearchLimit = 10

// Store is the contact directory service. All writes to one email are
// serialized through a per-email lock and run inside a transaction, so
// get-merge-put sequences never lose updates.
type Store struct {
	db    *sql.DB
	codec *keycodec.Codec
	log   logging.Logger
	locks keyedLocks
}

func NewStore(db *sql.DB, codec *keycodec.Codec, log logging.Logger) *Store {
	if log == nil {
		log = logging.NewNopLogger()
	}
	return &Store{db: db, codec: codec, log: log, locks: keyedLocks{m: make(map[string]*sync.Mutex)}}
}

// Query selects search results. A nil HasPgp with a non-empty Substring
// returns pgp-bearing matches first, then the rest, up to Limit.
type Query struct {
	HasPgp    *bool
	Substring string
	Limit     int
}

// Save idempotently upserts contacts keyed by normalized email, rebuilding
// the search index for each.
func (s *Store) Save(ctx context.Context, cs ...*Contact) error {
	for _, c := range cs {
		email, err := NormalizeEmail(c.Email)
		if err != nil {
			return fmt.Errorf("contact %q: %w", c.Email, err)
		}
		c.Email = email

		if err := s.saveOne(ctx, c); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) saveOne(ctx context.Context, c *Contact) error {
	unlock := s.locks.lock(c.Email)
	defer unlock()

	if c.Pubkey != nil {
		c.HasPgp = true
		if c.PubkeySignatureTime.IsZero() {
			c.PubkeySignatureTime = c.Pubkey.LastModified
		}
		if c.ExpiresOn == nil {
			c.ExpiresOn = c.Pubkey.Expiration
		}
	}

	return dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		repo := NewSQLiteRepository(tx)

		if c.Pubkey != nil {
			if err := s.writePubkey(ctx, repo, c.Pubkey); err != nil {
				return err
			}
		}

		if err := repo.Upsert(ctx, rowFromContact(c)); err != nil {
			return err
		}
		return repo.ReplaceIndex(ctx, c.Email, c.HasPgp, searchTokens(c.Email, c.Name))
	})
}

func (s *Store) writePubkey(ctx context.Context, repo *SQLiteRepository, k *keycodec.PublicKey) error {
	subLongids := make([]string, 0, len(k.SubkeyIDs))
	for _, fpr := range k.SubkeyIDs {
		if id, ok := s.codec.LongID(fpr); ok {
			subLongids = append(subLongids, id)
		}
	}
	return repo.UpsertPubkey(ctx, k.ID, k.Longid(), k.Armored, subLongids)
}

func rowFromContact(c *Contact) *contactRow {
	row := &contactRow{
		Email:  c.Email,
		Name:   c.Name,
		HasPgp: c.HasPgp,
		Client: c.Client,
	}
	if c.Pubkey != nil {
		row.Fingerprint = c.Pubkey.ID
	}
	row.LastUse = nullInt(c.LastUse)
	row.PubkeyLastChecked = nullInt(c.PubkeyLastChecked)
	row.PubkeySignatureTime = nullInt(c.PubkeySignatureTime)
	if c.ExpiresOn != nil {
		row.ExpiresOn = nullInt(*c.ExpiresOn)
	}
	return row
}

func nullInt(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.Unix(), Valid: true}
}

// Update merges a partial update into the contact with the given email,
// creating a placeholder contact first when none exists (insert-on-update).
// The search index is recomputed, never appended, whenever name or hasPgp
// change.
func (s *Store) Update(ctx context.Context, email string, u Update) error {
	normalized, err := NormalizeEmail(email)
	if err != nil {
		return fmt.Errorf("contact %q: %w", email, err)
	}

	unlock := s.locks.lock(normalized)
	defer unlock()

	return dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		repo := NewSQLiteRepository(tx)

		row, err := repo.GetByEmail(ctx, normalized)
		if errors.Is(err, shared.ErrorNotFound) {
			row = &contactRow{Email: normalized}
			if err := repo.Upsert(ctx, row); err != nil {
				return err
			}
			if err := repo.ReplaceIndex(ctx, normalized, false, searchTokens(normalized, "")); err != nil {
				return err
			}
		} else if err != nil {
			return err
		}

		indexStale := false

		if u.Name != nil && *u.Name != row.Name {
			row.Name = *u.Name
			indexStale = true
		}
		if u.Client != nil {
			row.Client = *u.Client
		}
		if u.LastUse != nil {
			row.LastUse = nullInt(*u.LastUse)
		}
		if u.PubkeyLastChecked != nil {
			row.PubkeyLastChecked = nullInt(*u.PubkeyLastChecked)
		}

		if u.PubkeyArmored != nil {
			key, err := s.codec.Parse(*u.PubkeyArmored)
			if err != nil {
				return fmt.Errorf("contact %s pubkey: %w", normalized, err)
			}
			if err := s.writePubkey(ctx, repo, key); err != nil {
				return err
			}
			row.Fingerprint = key.ID
			row.PubkeySignatureTime = nullInt(key.LastModified)
			if key.Expiration != nil {
				row.ExpiresOn = nullInt(*key.Expiration)
			} else {
				row.ExpiresOn = sql.NullInt64{}
			}
			if !row.HasPgp {
				row.HasPgp = true
				indexStale = true
			}
		}

		if err := repo.Upsert(ctx, row); err != nil {
			return err
		}
		if indexStale {
			return repo.ReplaceIndex(ctx, normalized, row.HasPgp, searchTokens(normalized, row.Name))
		}
		return nil
	})
}

// UpdateAll applies the same partial update to several contacts.
func (s *Store) UpdateAll(ctx context.Context, emails []string, u Update) error {
	for _, email := range emails {
		if err := s.Update(ctx, email, u); err != nil {
			return err
		}
	}
	return nil
}

// Get resolves each id — an email address, a 40-hex-char fingerprint, or a
// 16-hex-char longid — to a contact. Longids try the primary-longid index
// first and fall back to the any-subkey index. Unresolvable ids yield a nil
// slot rather than an error.
func (s *Store) Get(ctx context.Context, ids ...string) ([]*Contact, error) {
	repo := NewSQLiteRepository(s.db)
	out := make([]*Contact, len(ids))

	for i, id := range ids {
		email, err := s.resolveEmail(ctx, repo, id)
		if errors.Is(err, shared.ErrorNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}

		row, err := repo.GetByEmail(ctx, email)
		if errors.Is(err, shared.ErrorNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}

		c, err := s.contactFromRow(ctx, repo, row)
		if err != nil {
			return nil, err
		}
		out[i] = c
	}
	return out, nil
}

func (s *Store) resolveEmail(ctx context.Context, repo *SQLiteRepository, id string) (string, error) {
	trimmed := strings.TrimSpace(id)
	switch {
	case strings.Contains(trimmed, "@"):
		email, err := NormalizeEmail(trimmed)
		if err != nil {
			return "", shared.ErrorNotFound
		}
		return email, nil
	case len(trimmed) == 40 && isHexString(trimmed):
		return repo.EmailByFingerprint(ctx, strings.ToUpper(trimmed))
	case len(trimmed) == 16 && isHexString(trimmed):
		return repo.EmailByLongid(ctx, strings.ToUpper(trimmed))
	default:
		return "", shared.ErrorNotFound
	}
}

func isHexString(s string) bool {
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
		case r >= 'a' && r <= 'f':
		case r >= 'A' && r <= 'F':
		default:
			return false
		}
	}
	return s != ""
}

func (s *Store) contactFromRow(ctx context.Context, repo *SQLiteRepository, row *contactRow) (*Contact, error) {
	c := &Contact{
		Email:               row.Email,
		Name:                row.Name,
		HasPgp:              row.HasPgp,
		Client:              row.Client,
		LastUse:             timeFromNull(row.LastUse),
		PubkeyLastChecked:   timeFromNull(row.PubkeyLastChecked),
		PubkeySignatureTime: timeFromNull(row.PubkeySignatureTime),
	}
	if row.ExpiresOn.Valid {
		t := timeFromNull(row.ExpiresOn)
		c.ExpiresOn = &t
	}

	if row.Fingerprint != "" {
		armored, err := repo.PubkeyArmored(ctx, row.Fingerprint)
		if err == nil {
			key, perr := s.codec.Parse(armored)
			if perr != nil {
				s.log.Warn(ctx, "stored pubkey no longer parses", "email", row.Email, "fingerprint", row.Fingerprint, "error", perr)
			} else {
				c.Pubkey = key
			}
		} else if !errors.Is(err, shared.ErrorNotFound) {
			return nil, err
		}
	}
	return c, nil
}

// Search answers type-ahead queries. With an unspecified HasPgp and a
// substring, pgp-bearing matches come first so encryption-capable contacts
// surface on top of autocomplete.
func (s *Store) Search(ctx context.Context, q Query) ([]*Preview, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = defaultSearchLimit
	}
	repo := NewSQLiteRepository(s.db)

	token := normalizeToken(strings.TrimSpace(q.Substring))

	if q.HasPgp != nil {
		if token == "" {
			return repo.ListByPgp(ctx, *q.HasPgp, limit)
		}
		return repo.SearchByToken(ctx, token, *q.HasPgp, limit)
	}

	var with, without []*Preview
	var err error
	if token == "" {
		with, err = repo.ListByPgp(ctx, true, limit)
	} else {
		with, err = repo.SearchByToken(ctx, token, true, limit)
	}
	if err != nil {
		return nil, err
	}
	if len(with) >= limit {
		return with[:limit], nil
	}

	rest := limit - len(with)
	if token == "" {
		without, err = repo.ListByPgp(ctx, false, rest)
	} else {
		without, err = repo.SearchByToken(ctx, token, false, rest)
	}
	if err != nil {
		return nil, err
	}
	return append(with, without...), nil
}

// TouchLastUse refreshes last_use for each email. Called by the encryption
// pipeline after a successful format, never on failure.
func (s *Store) TouchLastUse(ctx context.Context, emails []string, t time.Time) error {
	return s.UpdateAll(ctx, emails, Update{LastUse: &t})
}

// Delete removes a contact and its index rows. Contacts are otherwise never
// hard-deleted.
func (s *Store) Delete(ctx context.Context, email string) error {
	normalized, err := NormalizeEmail(email)
	if err != nil {
		return err
	}
	unlock := s.locks.lock(normalized)
	defer unlock()
	return dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		return NewSQLiteRepository(tx).Delete(ctx, normalized)
	})
}

// keyedLocks serializes writers per contact email.
type keyedLocks struct {
	mu sync.Mutex
	m  map[string]*sync.Mutex
}

func (k *keyedLocks) lock(key string) func() {
	k.mu.Lock()
	l, ok := k.m[key]
	if !ok {
		l = &sync.Mutex{}
		k.m[key] = l
	}
	k.mu.Unlock()

	l.Lock()
	return l.Unlock
}
