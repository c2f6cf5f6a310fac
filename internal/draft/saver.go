package draft

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-message"
	"github.com/sealmail/sealmail/internal/engine"
	"github.com/sealmail/sealmail/internal/keycodec"
	"github.com/sealmail/sealmail/internal/logging"
	"github.com/sealmail/sealmail/internal/mailapi"
	"github.com/sealmail/sealmail/internal/shared"
)

// Saver drives the draft lifecycle: change-detected, rate-limited autosave
// to the provider, encrypted to the account's own key, with the local store
// as the offline fallback.
type Saver struct {
	transport mailapi.Drafts
	local     *LocalStore
	enc       *engine.Encrypter
	dec       *engine.Decrypter

	// selfKey encrypts stored drafts; nil saves them in the clear.
	selfKey *keycodec.PublicKey

	minInterval time.Duration
	log         logging.Logger
	now         func() time.Time

	mu     sync.Mutex
	states map[string]*saveState
}

type saveState struct {
	lastHash string
	lastSave time.Time
}

func NewSaver(transport mailapi.Drafts, local *LocalStore, enc *engine.Encrypter, dec *engine.Decrypter, selfKey *keycodec.PublicKey, minInterval time.Duration, log logging.Logger) *Saver {
	if log == nil {
		log = logging.NewNopLogger()
	}
	return &Saver{
		transport:   transport,
		local:       local,
		enc:         enc,
		dec:         dec,
		selfKey:     selfKey,
		minInterval: minInterval,
		log:         log,
		now:         time.Now,
		states:      map[string]*saveState{},
	}
}

func (s *Saver) state(id string) *saveState {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[id]
	if !ok {
		st = &saveState{}
		s.states[id] = st
	}
	return st
}

// Save persists the draft. Unless forced, unchanged content and saves inside
// the minimum interval are skipped. A network failure falls back to the
// local store and reports SavedOffline; the next successful remote save
// removes the local row again.
func (s *Saver) Save(ctx context.Context, d *Draft, force bool) (*SaveResult, error) {
	st := s.state(d.ID)
	now := s.now()
	hash := d.fingerprint()

	if !force {
		if hash == st.lastHash {
			return &SaveResult{Skipped: true, RemoteID: d.RemoteID}, nil
		}
		if !st.lastSave.IsZero() && now.Sub(st.lastSave) < s.minInterval {
			return &SaveResult{Skipped: true, RemoteID: d.RemoteID}, nil
		}
	}

	mime, err := s.buildMIME(ctx, d)
	if err != nil {
		return nil, err
	}

	remote, err := s.saveRemote(ctx, d, mime)
	if err != nil {
		if mailapi.CategoryOf(err) != mailapi.CategoryNetwork {
			return nil, err
		}
		s.log.Warn(ctx, "remote draft save failed, falling back to local store",
			"draft", d.ID, "error", err)

		payload, merr := json.Marshal(d)
		if merr != nil {
			return nil, fmt.Errorf("failed to encode draft: %w", merr)
		}
		if perr := s.local.Put(ctx, d.ID, payload, now); perr != nil {
			return nil, perr
		}
		st.lastHash = hash
		st.lastSave = now
		return &SaveResult{SavedOffline: true, RemoteID: d.RemoteID, SavedAt: now}, nil
	}

	d.RemoteID = remote.ID
	if derr := s.local.Delete(ctx, d.ID); derr != nil {
		s.log.Warn(ctx, "failed to drop local draft after remote save", "draft", d.ID, "error", derr)
	}
	st.lastHash = hash
	st.lastSave = now
	return &SaveResult{RemoteID: d.RemoteID, SavedAt: now}, nil
}

// saveRemote creates or updates the provider draft. An update hitting a
// draft deleted elsewhere is recreated once instead of failing.
func (s *Saver) saveRemote(ctx context.Context, d *Draft, mime []byte) (*mailapi.Draft, error) {
	if d.RemoteID == "" {
		return s.transport.Create(ctx, d.ThreadID, mime)
	}
	remote, err := s.transport.Update(ctx, d.RemoteID, mime)
	if err != nil && mailapi.CategoryOf(err) == mailapi.CategoryNotFound {
		s.log.Info(ctx, "remote draft vanished, recreating", "draft", d.ID, "remote", d.RemoteID)
		d.RemoteID = ""
		return s.transport.Create(ctx, d.ThreadID, mime)
	}
	return remote, err
}

// Load restores a compose session: the local fallback wins over the remote
// copy, and a missing remote draft resets to a fresh compose state rather
// than failing.
func (s *Saver) Load(ctx context.Context, id, remoteID string) (*Draft, error) {
	if payload, err := s.local.Get(ctx, id); err == nil {
		var d Draft
		if uerr := json.Unmarshal(payload, &d); uerr != nil {
			return nil, fmt.Errorf("failed to decode local draft: %w", uerr)
		}
		return &d, nil
	}

	if remoteID == "" {
		return NewDraft(), nil
	}

	remote, err := s.transport.Get(ctx, remoteID)
	if err != nil {
		if mailapi.CategoryOf(err) == mailapi.CategoryNotFound {
			s.log.Info(ctx, "remote draft already deleted, starting fresh", "remote", remoteID)
			return NewDraft(), nil
		}
		return nil, err
	}
	return s.fromMIME(ctx, remote)
}

// Delete removes the draft everywhere it may live.
func (s *Saver) Delete(ctx context.Context, d *Draft) error {
	if err := s.local.Delete(ctx, d.ID); err != nil {
		return err
	}
	if d.RemoteID == "" {
		return nil
	}
	err := s.transport.Delete(ctx, d.RemoteID)
	if err != nil && mailapi.CategoryOf(err) == mailapi.CategoryNotFound {
		return nil
	}
	return err
}

func (s *Saver) buildMIME(ctx context.Context, d *Draft) ([]byte, error) {
	content := d.Body
	if content != "" && !strings.HasSuffix(content, "\n") {
		content += "\n"
	}
	content += d.Marker()

	if s.selfKey != nil {
		msg, err := s.enc.EncryptAndFormat(ctx, &engine.Request{
			Mode:       engine.ModeEncrypt,
			Plaintext:  []byte(content),
			Recipients: []engine.Recipient{{Key: s.selfKey}},
		})
		if err != nil {
			return nil, fmt.Errorf("failed to encrypt draft: %w", err)
		}
		content = msg.Body
	}

	var h message.Header
	h.Set("Subject", d.Subject)
	if len(d.Recipients) > 0 {
		h.Set("To", strings.Join(d.Recipients, ", "))
	}
	h.Set("Content-Type", "text/plain; charset=utf-8")

	var buf bytes.Buffer
	w, err := message.CreateWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("failed to create draft mime: %w", err)
	}
	if _, err := w.Write([]byte(content)); err != nil {
		return nil, fmt.Errorf("failed to write draft mime: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("failed to finish draft mime: %w", err)
	}
	return buf.Bytes(), nil
}

// fromMIME rebuilds compose state from a stored provider draft, decrypting
// the body when it is armored. Decryption delegates to the decryption
// engine, passphrase wait included.
func (s *Saver) fromMIME(ctx context.Context, remote *mailapi.Draft) (*Draft, error) {
	entity, err := message.Read(bytes.NewReader(remote.MIME))
	if err != nil && !message.IsUnknownCharset(err) {
		return nil, fmt.Errorf("failed to parse draft mime: %w", err)
	}
	body, err := io.ReadAll(entity.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read draft body: %w", err)
	}

	if bytes.Contains(body, []byte("BEGIN PGP MESSAGE")) {
		res, derr := s.dec.Decrypt(ctx, &byteSource{parsed: body, raw: remote.MIME})
		if derr != nil {
			return nil, fmt.Errorf("failed to decrypt draft: %w", derr)
		}
		body = res.Plaintext
	}

	clean, embeddedID := StripMarker(string(body))
	d := &Draft{
		ID:       embeddedID,
		RemoteID: remote.ID,
		ThreadID: remote.ThreadID,
		Subject:  entity.Header.Get("Subject"),
		Body:     strings.TrimRight(clean, "\n"),
	}
	if d.ID == "" {
		d.ID = NewDraft().ID
	}
	if to := entity.Header.Get("To"); to != "" {
		for _, addr := range strings.Split(to, ",") {
			if a := strings.TrimSpace(addr); a != "" {
				d.Recipients = append(d.Recipients, a)
			}
		}
	}
	return d, nil
}

// byteSource adapts already-fetched bytes to the decryption engine's source
// interface.
type byteSource struct {
	parsed []byte
	raw    []byte
}

func (b *byteSource) FetchParsed(ctx context.Context) ([]byte, error) { return b.parsed, nil }

func (b *byteSource) FetchRaw(ctx context.Context) ([]byte, error) {
	if b.raw == nil {
		return nil, shared.ErrorNotFound
	}
	return b.raw, nil
}
