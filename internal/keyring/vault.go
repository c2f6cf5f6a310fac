package keyring

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/sealmail/sealmail/internal/shared"
	"golang.org/x/crypto/argon2"
)

// PassphraseVault keeps unlocked passphrases in volatile memory only,
// keyed by key longid. Entries are sealed with AES-GCM under a key derived
// from a random per-process seed, so passphrases never sit in memory as
// plaintext longer than a Put/Get call. Entries expire after their TTL.
type PassphraseVault struct {
	mu     sync.Mutex
	aead   cipher.AEAD
	cache  *gocache.Cache
	notify chan struct{}
}

// NewPassphraseVault creates a vault whose entries live for defaultTTL
// (0 keeps them for the process lifetime).
func NewPassphraseVault(defaultTTL time.Duration) (*PassphraseVault, error) {
	seed := make([]byte, 32)
	if _, err := rand.Read(seed); err != nil {
		return nil, fmt.Errorf("failed to seed vault key: %w", err)
	}
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to seed vault salt: %w", err)
	}

	key := argon2.IDKey(seed, salt, 1, 64*1024, 4, 32)
	shared.WipeByteArray(seed)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	ttl := defaultTTL
	if ttl == 0 {
		ttl = gocache.NoExpiration
	}

	return &PassphraseVault{
		aead:   aead,
		cache:  gocache.New(ttl, time.Minute),
		notify: make(chan struct{}),
	}, nil
}

// Put seals and stores the passphrase for the given longid and wakes up any
// pending Wait. The input slice is wiped before returning. ttl == 0 uses the
// vault default.
func (v *PassphraseVault) Put(longid string, passphrase []byte, ttl time.Duration) error {
	nonce := make([]byte, v.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("failed to generate nonce: %w", err)
	}
	sealed := v.aead.Seal(nonce, nonce, passphrase, nil)
	shared.WipeByteArray(passphrase)

	v.mu.Lock()
	if ttl == 0 {
		v.cache.Set(longid, sealed, gocache.DefaultExpiration)
	} else {
		v.cache.Set(longid, sealed, ttl)
	}
	close(v.notify)
	v.notify = make(chan struct{})
	v.mu.Unlock()
	return nil
}

// Get returns a plaintext copy of the stored passphrase. The caller owns the
// copy and should wipe it after use.
func (v *PassphraseVault) Get(longid string) ([]byte, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.openLocked(longid)
}

func (v *PassphraseVault) openLocked(longid string) ([]byte, bool) {
	raw, ok := v.cache.Get(longid)
	if !ok {
		return nil, false
	}
	sealed := raw.([]byte)
	nonce, ct := sealed[:v.aead.NonceSize()], sealed[v.aead.NonceSize():]
	plain, err := v.aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, false
	}
	return plain, true
}

// Forget drops the stored passphrase for the given longid.
func (v *PassphraseVault) Forget(longid string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.cache.Delete(longid)
}

// Wait blocks until a passphrase for any of the given longids becomes
// available, or ctx is cancelled. It returns the longid that was unlocked
// and a copy of its passphrase. Cancelling the context releases the waiter
// without leaking it.
func (v *PassphraseVault) Wait(ctx context.Context, longids []string) (string, []byte, error) {
	for {
		v.mu.Lock()
		for _, id := range longids {
			if pp, ok := v.openLocked(id); ok {
				v.mu.Unlock()
				return id, pp, nil
			}
		}
		ch := v.notify
		v.mu.Unlock()

		select {
		case <-ctx.Done():
			return "", nil, ctx.Err()
		case <-ch:
		}
	}
}
