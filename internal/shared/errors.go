// Package shared defines sentinel errors and small utilities used across
// sealmail components. Callers should match these values with errors.Is.
package shared

import "errors"

var (

	// common errors
	ErrorNotFound = errors.New("not found")

	// key-material errors
	ErrorUnsupportedKeyFormat = errors.New("unsupported key format")
	ErrorNoPrimaryKey         = errors.New("no primary key configured")
	ErrorNoSigningKey         = errors.New("no usable signing key")
	ErrorKeyMismatch          = errors.New("no private key matches this message")
	ErrorWrongPassword        = errors.New("wrong passphrase")
	ErrorPassphraseNeeded     = errors.New("passphrase needed")
	ErrorNoMDC                = errors.New("message integrity protection missing or broken")

	// message-format errors
	ErrorNoEncryptedContent = errors.New("no encrypted or signed content recognized")

	// encryption-date policy errors
	ErrorOwnKeyExpired            = errors.New("own key expired")
	ErrorNoUsableDateIntersection = errors.New("no usable encryption date intersection")
	ErrorDateConfirmationRequired = errors.New("degraded encryption date requires confirmation")

	// relay/upload errors
	ErrorAttachmentUploadIncomplete = errors.New("attachment upload incomplete")
)
