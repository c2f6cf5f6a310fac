// Package draft orchestrates autosave and recovery of in-progress messages.
// Drafts travel encrypted (to the account's own key) through the provider's
// draft store; when that store is unreachable they fall back to a local
// sqlite table and are reconciled on the next successful save.
package draft

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
)

// Draft is the compose state the lifecycle persists and restores.
type Draft struct {
	// ID is the locally generated identity of the compose session. It
	// survives offline fallback and is embedded in the body marker.
	ID string `json:"id"`

	// RemoteID is the provider draft id, empty until the first successful
	// remote save.
	RemoteID string `json:"remote_id"`
	ThreadID string `json:"thread_id"`

	Subject    string   `json:"subject"`
	Body       string   `json:"body"`
	Recipients []string `json:"recipients"`
}

// NewDraft starts a fresh compose session.
func NewDraft() *Draft {
	return &Draft{ID: uuid.NewString()}
}

// fingerprint is the change-detection hash: a save is skipped when subject
// and body are unchanged since the last successful save.
func (d *Draft) fingerprint() string {
	h := sha256.New()
	h.Write([]byte(d.Subject))
	h.Write([]byte{0})
	h.Write([]byte(d.Body))
	return hex.EncodeToString(h.Sum(nil))
}

var markerRe = regexp.MustCompile(`\n?\[sealmail-draft:([0-9a-fA-F-]+)\]\n?`)

// Marker returns the recoverability tag appended to the stored body, so a
// half-saved draft identifies its compose session on its own.
func (d *Draft) Marker() string {
	return fmt.Sprintf("[sealmail-draft:%s]", d.ID)
}

// StripMarker removes the recoverability tag from a restored body, returning
// the clean body and the embedded draft id ("" when no tag is present).
func StripMarker(body string) (string, string) {
	m := markerRe.FindStringSubmatch(body)
	if m == nil {
		return body, ""
	}
	return markerRe.ReplaceAllString(body, ""), m[1]
}

// SaveResult reports what one Save call did.
type SaveResult struct {
	// Skipped is set when nothing changed (or the minimum save interval
	// has not elapsed) and no write happened.
	Skipped bool

	// SavedOffline is set when the remote store was unreachable and the
	// draft went to the local fallback instead.
	SavedOffline bool

	RemoteID string
	SavedAt  time.Time
}
