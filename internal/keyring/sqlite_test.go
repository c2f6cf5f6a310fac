package keyring

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/sealmail/sealmail/internal/contacts"
	"github.com/sealmail/sealmail/internal/keycodec"
)

func addTestKey(t *testing.T, codec *keycodec.Codec, name, email string) *PrivateKeyEntry {
	t.Helper()
	e, err := openpgp.NewEntity(name, "", email, nil)
	require.NoError(t, err)
	armored, err := keycodec.ArmorPrivate(e)
	require.NoError(t, err)
	entry, err := New(codec).Add(armored, false)
	require.NoError(t, err)
	return entry
}

func newTestKeyStore(t *testing.T) *SQLiteStore {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, contacts.RunMigrations(context.Background(), db))
	return NewSQLiteStore(db)
}

func TestSQLiteStore_RoundTripAndRestore(t *testing.T) {
	ctx := context.Background()
	store := newTestKeyStore(t)
	codec := keycodec.New(time.Minute)

	first := addTestKey(t, codec, "First", "first@test.com")
	second := addTestKey(t, codec, "Second", "second@test.com")
	second.IsPrimary = true

	require.NoError(t, store.Put(ctx, first))
	require.NoError(t, store.Put(ctx, second))
	require.NoError(t, store.SetPrimary(ctx, second.Fingerprint))

	loaded, err := store.LoadAll(ctx)
	require.NoError(t, err)
	require.Len(t, loaded, 2)

	kr := New(codec)
	require.NoError(t, kr.Restore(loaded))

	primary, err := kr.GetPrimary()
	require.NoError(t, err)
	assert.Equal(t, second.Fingerprint, primary.Fingerprint)

	_, ok := kr.Get(first.Longid)
	assert.True(t, ok)
}

func TestSQLiteStore_SetPrimaryIsExclusive(t *testing.T) {
	ctx := context.Background()
	store := newTestKeyStore(t)
	codec := keycodec.New(time.Minute)

	a := addTestKey(t, codec, "A", "a@test.com")
	b := addTestKey(t, codec, "B", "b@test.com")
	require.NoError(t, store.Put(ctx, a))
	require.NoError(t, store.Put(ctx, b))

	require.NoError(t, store.SetPrimary(ctx, a.Fingerprint))
	require.NoError(t, store.SetPrimary(ctx, b.Fingerprint))

	loaded, err := store.LoadAll(ctx)
	require.NoError(t, err)

	primaries := 0
	for _, e := range loaded {
		if e.IsPrimary {
			primaries++
			assert.Equal(t, b.Fingerprint, e.Fingerprint)
		}
	}
	assert.Equal(t, 1, primaries)
}

func TestSQLiteStore_Delete(t *testing.T) {
	ctx := context.Background()
	store := newTestKeyStore(t)
	codec := keycodec.New(time.Minute)

	a := addTestKey(t, codec, "A", "a@test.com")
	require.NoError(t, store.Put(ctx, a))
	require.NoError(t, store.Delete(ctx, a.Fingerprint))

	loaded, err := store.LoadAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, loaded)
}
