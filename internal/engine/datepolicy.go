package engine

import (
	"fmt"
	"time"

	"github.com/sealmail/sealmail/internal/keycodec"
	"github.com/sealmail/sealmail/internal/shared"
)

// DateResolution is the outcome of the expired-key date policy. When
// NeedsConfirm is set the caller must obtain explicit user confirmation
// before encrypting as of Date, which is then a deliberately degraded but
// still-valid historical encryption date.
type DateResolution struct {
	Date         time.Time
	NeedsConfirm bool
}

// ResolveEncryptionDate picks the OpenPGP message date for a set of
// recipient keys:
//
//   - no recipient key expires, or the latest-expiring key is still valid:
//     encrypt at now;
//   - otherwise some key is already expired. If an expired key is the
//     user's own, abort (the remediation is extending the key, not a date
//     trick). Else intersect [max createdAt, min(expiresAt-1s)]; an empty
//     intersection aborts, a non-empty one requires confirmation and
//     encrypts at its upper bound.
func ResolveEncryptionDate(recipients []*keycodec.PublicKey, ownFingerprints map[string]bool, now time.Time) (*DateResolution, error) {
	var usableFrom time.Time
	var usableUntil time.Time
	var latestExpiry time.Time
	anyExpires := false

	for _, k := range recipients {
		if k.Created.After(usableFrom) {
			usableFrom = k.Created
		}
		if k.Expiration == nil {
			continue
		}
		until := k.Expiration.Add(-time.Second)
		if !anyExpires {
			usableUntil = until
			latestExpiry = until
			anyExpires = true
			continue
		}
		if until.Before(usableUntil) {
			usableUntil = until
		}
		if until.After(latestExpiry) {
			latestExpiry = until
		}
	}

	if !anyExpires || latestExpiry.After(now) {
		return &DateResolution{Date: now}, nil
	}

	for _, k := range recipients {
		if k.Expiration != nil && !k.Expiration.After(now) && ownFingerprints[k.ID] {
			return nil, fmt.Errorf("key %s: %w", k.Longid(), shared.ErrorOwnKeyExpired)
		}
	}

	if usableFrom.After(usableUntil) {
		return nil, shared.ErrorNoUsableDateIntersection
	}

	return &DateResolution{Date: usableUntil, NeedsConfirm: true}, nil
}
