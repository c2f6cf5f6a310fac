// Package keyring holds the account's own private keys and the volatile
// passphrase vault. Private key material is kept in its passphrase-encrypted
// armored form; plaintext passphrases live only in process memory, sealed
// under a per-process random key, optionally time-boxed.
package keyring

import (
	"fmt"
	"strings"
	"sync"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/sealmail/sealmail/internal/keycodec"
	"github.com/sealmail/sealmail/internal/shared"
)

// PrivateKeyEntry is one account key. Within one account exactly one entry
// has IsPrimary set; operations needing "the" account key fail with
// shared.ErrorNoPrimaryKey otherwise.
type PrivateKeyEntry struct {
	PrivateArmored string
	PublicArmored  string
	Fingerprint    string
	Longid         string
	IsPrimary      bool
}

// Keyring is the per-account list of private keys.
type Keyring struct {
	mu      sync.RWMutex
	codec   *keycodec.Codec
	entries []*PrivateKeyEntry
}

func New(codec *keycodec.Codec) *Keyring {
	return &Keyring{codec: codec}
}

// Add parses privateArmored, derives the public half, fingerprint and
// longid, and stores the entry. The first key added becomes primary; pass
// makePrimary to promote a later one.
func (r *Keyring) Add(privateArmored string, makePrimary bool) (*PrivateKeyEntry, error) {
	k, err := r.codec.Parse(privateArmored)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	if !k.IsPrivate {
		return nil, fmt.Errorf("key %s has no secret material: %w", k.Longid(), shared.ErrorUnsupportedKeyFormat)
	}

	publicArmored, err := keycodec.ArmorPublic(k.Entity())
	if err != nil {
		return nil, fmt.Errorf("failed to armor public half: %w", err)
	}

	entry := &PrivateKeyEntry{
		PrivateArmored: privateArmored,
		PublicArmored:  publicArmored,
		Fingerprint:    k.ID,
		Longid:         k.Longid(),
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, e := range r.entries {
		if e.Fingerprint == entry.Fingerprint {
			return nil, fmt.Errorf("key %s: already in keyring", entry.Longid)
		}
	}

	r.entries = append(r.entries, entry)
	if makePrimary || len(r.entries) == 1 {
		r.setPrimaryLocked(entry.Fingerprint)
	}
	return entry, nil
}

// Restore loads persisted entries, keeping the stored primary flag.
func (r *Keyring) Restore(entries []*PrivateKeyEntry) error {
	var primary string
	for _, e := range entries {
		if _, err := r.Add(e.PrivateArmored, false); err != nil {
			return err
		}
		if e.IsPrimary {
			primary = e.Fingerprint
		}
	}
	if primary != "" {
		return r.SetPrimary(primary)
	}
	return nil
}

// All returns a snapshot of the entries.
func (r *Keyring) All() []*PrivateKeyEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*PrivateKeyEntry, len(r.entries))
	copy(out, r.entries)
	return out
}

// GetPrimary returns the primary entry or shared.ErrorNoPrimaryKey.
func (r *Keyring) GetPrimary() (*PrivateKeyEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.entries {
		if e.IsPrimary {
			return e, nil
		}
	}
	return nil, shared.ErrorNoPrimaryKey
}

// Get looks an entry up by fingerprint or longid.
func (r *Keyring) Get(fingerprintOrLongid string) (*PrivateKeyEntry, bool) {
	id, ok := r.codec.LongID(fingerprintOrLongid)
	if !ok {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.entries {
		if e.Longid == id {
			return e, true
		}
	}
	return nil, false
}

// SetPrimary marks the entry with the given fingerprint primary and clears
// the flag on every other entry.
func (r *Keyring) SetPrimary(fingerprint string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.entries {
		if e.Fingerprint == fingerprint {
			r.setPrimaryLocked(fingerprint)
			return nil
		}
	}
	return fmt.Errorf("key %s: %w", fingerprint, shared.ErrorNotFound)
}

func (r *Keyring) setPrimaryLocked(fingerprint string) {
	for _, e := range r.entries {
		e.IsPrimary = e.Fingerprint == fingerprint
	}
}

// Entities parses every private armored entry into an OpenPGP entity list
// for use as a decryption keyring. Entries are parsed fresh on every call,
// bypassing the codec cache, so callers may unlock private keys in place
// without the decrypted material outliving the call or racing other callers.
func (r *Keyring) Entities() (openpgp.EntityList, error) {
	var el openpgp.EntityList
	for _, entry := range r.All() {
		keys, err := openpgp.ReadArmoredKeyRing(strings.NewReader(entry.PrivateArmored))
		if err != nil {
			return nil, fmt.Errorf("failed to parse key %s: %w", entry.Longid, err)
		}
		el = append(el, keys...)
	}
	return el, nil
}
