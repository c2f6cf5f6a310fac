// Package contacts is the durable, queryable directory of per-address key
// material: a sqlite-backed contact table with a prefix search index, plus
// pubkey storage indexed by fingerprint and by every subkey longid.
package contacts

import (
	"net/mail"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/sealmail/sealmail/internal/keycodec"
)

// Contact is one directory entry, keyed by normalized email.
type Contact struct {
	Email string `validate:"required,email"`
	Name  string

	// Pubkey is the cached public key, nil for pubkey-less placeholders.
	Pubkey *keycodec.PublicKey

	// HasPgp is redundant with Pubkey != nil but kept denormalized so the
	// search index can be filtered without a join.
	HasPgp bool

	Client              string
	LastUse             time.Time
	PubkeySignatureTime time.Time
	PubkeyLastChecked   time.Time
	ExpiresOn           *time.Time
}

// Preview is the slim search result used by recipient autocomplete.
type Preview struct {
	Email  string
	Name   string
	HasPgp bool
}

// Update is a partial contact update; nil fields are left untouched.
// Setting PubkeyArmored refreshes fingerprint, longid, expiration and
// signature-time fields from the parsed key.
type Update struct {
	Name              *string
	Client            *string
	LastUse           *time.Time
	PubkeyLastChecked *time.Time
	PubkeyArmored     *string
}

var validate = validator.New()

// NormalizeEmail lowercases and address-parses an email, returning the bare
// address. Invalid addresses fail validation.
func NormalizeEmail(email string) (string, error) {
	trimmed := strings.ToLower(strings.TrimSpace(email))
	if addr, err := mail.ParseAddress(trimmed); err == nil {
		trimmed = strings.ToLower(addr.Address)
	}
	if err := validate.Var(trimmed, "required,email"); err != nil {
		return "", err
	}
	return trimmed, nil
}
