// Package keycodec parses, serializes and normalizes key material: armored
// OpenPGP keys and PEM X.509 certificates. It derives fingerprints, longids,
// expiration and usability, and owns an explicit parse cache keyed by the
// exact armor text (changed text means a cache miss).
package keycodec

import (
	"crypto/x509"
	"time"

	"github.com/ProtonMail/go-crypto/openpgp"
)

// Kind tags the variant of a parsed key.
type Kind string

const (
	KindOpenPGP Kind = "openpgp"
	KindX509    Kind = "x509"
	KindUnknown Kind = "unknown"
)

// PublicKey is the shared capability surface over both key kinds.
// Kind-specific behavior dispatches on Kind rather than through interfaces.
//
// ID is the primary fingerprint: 40 uppercase hex characters for OpenPGP,
// the certificate serial number string for X.509. SubkeyIDs contains the
// fingerprints of every key packet, the primary included.
type PublicKey struct {
	Kind         Kind
	ID           string
	SubkeyIDs    []string
	Created      time.Time
	LastModified time.Time
	Expiration   *time.Time

	UsableForEncryption bool
	UsableForSigning    bool
	UsableButExpired    bool

	Identities []string
	Emails     []string

	// IsPrivate reports whether secret material is embedded. A parsed key
	// carries both halves until explicitly converted to public-only.
	IsPrivate bool

	// Armored is the armor text this key was parsed from (one block).
	Armored string

	entity *openpgp.Entity
	cert   *x509.Certificate
}

// Entity returns the underlying OpenPGP entity, or nil for non-OpenPGP keys.
func (k *PublicKey) Entity() *openpgp.Entity {
	return k.entity
}

// Certificate returns the underlying X.509 certificate, or nil.
func (k *PublicKey) Certificate() *x509.Certificate {
	return k.cert
}

// Longid returns the last 16 hex characters of the primary fingerprint.
// For X.509 keys (serial-number IDs) it returns the full ID.
func (k *PublicKey) Longid() string {
	if k.Kind == KindOpenPGP && len(k.ID) == fingerprintHexLen {
		return k.ID[fingerprintHexLen-longidHexLen:]
	}
	return k.ID
}
