package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/armor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sealmail/sealmail/internal/keycodec"
	"github.com/sealmail/sealmail/internal/relay"
	"github.com/sealmail/sealmail/internal/shared"
)

func newTestEntity(t *testing.T, name, email string) *openpgp.Entity {
	t.Helper()
	e, err := openpgp.NewEntity(name, "", email, nil)
	require.NoError(t, err)
	return e
}

func parsedPublic(t *testing.T, codec *keycodec.Codec, e *openpgp.Entity) *keycodec.PublicKey {
	t.Helper()
	armored, err := keycodec.ArmorPublic(e)
	require.NoError(t, err)
	k, err := codec.Parse(armored)
	require.NoError(t, err)
	return k
}

func decryptWith(t *testing.T, e *openpgp.Entity, armored string) []byte {
	t.Helper()
	blk, err := armor.Decode(strings.NewReader(armored))
	require.NoError(t, err)
	md, err := openpgp.ReadMessage(blk.Body, openpgp.EntityList{e}, nil, nil)
	require.NoError(t, err)
	plain, err := io.ReadAll(md.UnverifiedBody)
	require.NoError(t, err)
	return plain
}

func TestEncryptAndFormat_PlainPassesThrough(t *testing.T) {
	enc := NewEncrypter(nil, nil, nil)
	msg, err := enc.EncryptAndFormat(context.Background(), &Request{
		Mode:      ModePlain,
		Plaintext: []byte("hello"),
	})
	require.NoError(t, err)
	assert.Equal(t, "hello", msg.Body)
}

func TestEncryptAndFormat_SignOnlyWithoutKeyFails(t *testing.T) {
	enc := NewEncrypter(nil, nil, nil)
	_, err := enc.EncryptAndFormat(context.Background(), &Request{
		Mode:      ModeSignOnly,
		Plaintext: []byte("hello"),
	})
	require.ErrorIs(t, err, shared.ErrorNoSigningKey)
}

func TestEncryptAndFormat_SignOnlyProducesClearsignedText(t *testing.T) {
	signer := newTestEntity(t, "Alice", "alice@test.com")
	enc := NewEncrypter(nil, nil, nil)

	msg, err := enc.EncryptAndFormat(context.Background(), &Request{
		Mode:      ModeSignOnly,
		Plaintext: []byte("the content"),
		Signer:    signer,
	})
	require.NoError(t, err)
	assert.Contains(t, msg.Body, "BEGIN PGP SIGNED MESSAGE")
	assert.Contains(t, msg.Body, "the content")
	assert.Contains(t, msg.Body, "BEGIN PGP SIGNATURE")
}

func TestEncryptAndFormat_EncryptRoundTrip(t *testing.T) {
	codec := keycodec.New(time.Minute)
	recipient := newTestEntity(t, "Bob", "bob@test.com")
	enc := NewEncrypter(nil, nil, nil)

	msg, err := enc.EncryptAndFormat(context.Background(), &Request{
		Mode:      ModeEncrypt,
		Plaintext: []byte("secret note"),
		Recipients: []Recipient{
			{Email: "bob@test.com", Key: parsedPublic(t, codec, recipient)},
		},
	})
	require.NoError(t, err)
	assert.Contains(t, msg.Body, "BEGIN PGP MESSAGE")
	assert.WithinDuration(t, time.Now(), msg.EncryptedAt, time.Minute)

	assert.Equal(t, []byte("secret note"), decryptWith(t, recipient, msg.Body))
}

func TestEncryptAndFormat_DegradedDateNeedsConfirmation(t *testing.T) {
	now := time.Now()
	expired := &keycodec.PublicKey{
		Kind:       keycodec.KindOpenPGP,
		ID:         "00112233445566778899AABBCCDDEEFF00112233",
		Created:    now.Add(-48 * time.Hour),
		Expiration: func() *time.Time { e := now.Add(-time.Hour); return &e }(),
	}
	enc := NewEncrypter(nil, nil, nil)

	_, err := enc.EncryptAndFormat(context.Background(), &Request{
		Mode:       ModeEncrypt,
		Plaintext:  []byte("x"),
		Recipients: []Recipient{{Email: "old@test.com", Key: expired}},
	})
	require.ErrorIs(t, err, shared.ErrorDateConfirmationRequired)
}

func newRelayTestServer(t *testing.T, confirmAll bool) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	var ts *httptest.Server
	mux.HandleFunc("/api/message", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(relay.UploadedMessage{
			ShortID:   "m1",
			AdminCode: "admin1",
			URL:       ts.URL + "/m/m1",
		})
	})
	mux.HandleFunc("/api/files/presign", func(w http.ResponseWriter, r *http.Request) {
		var req map[string]int
		_ = json.NewDecoder(r.Body).Decode(&req)
		files := make([]relay.PresignedFile, req["count"])
		for i := range files {
			files[i] = relay.PresignedFile{
				ID:     fmt.Sprintf("f%d", i),
				PutURL: ts.URL + fmt.Sprintf("/put/f%d", i),
				GetURL: ts.URL + fmt.Sprintf("/get/f%d", i),
			}
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"files": files})
	})
	mux.HandleFunc("/put/", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		require.True(t, bytes.Contains(body, []byte("BEGIN PGP MESSAGE")))
	})
	mux.HandleFunc("/api/files/confirm", func(w http.ResponseWriter, r *http.Request) {
		var req map[string][]string
		_ = json.NewDecoder(r.Body).Decode(&req)
		n := len(req["ids"])
		if !confirmAll {
			n = 0
		}
		_ = json.NewEncoder(w).Encode(map[string]int{"confirmed": n})
	})
	ts = httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts
}

func TestEncryptAndFormat_PasswordPathWithoutPubkeyHolders(t *testing.T) {
	ts := newRelayTestServer(t, true)
	enc := NewEncrypter(nil, relay.New(ts.URL, nil), nil)

	msg, err := enc.EncryptAndFormat(context.Background(), &Request{
		Mode:       ModeEncrypt,
		Plaintext:  []byte("for the keyless"),
		Recipients: []Recipient{{Email: "nobody@test.com"}},
		Password:   "hunter2",
	})
	require.NoError(t, err)
	assert.Contains(t, msg.Body, ts.URL+"/m/m1")
	assert.Equal(t, "m1", msg.ShortID)
	assert.Equal(t, "admin1", msg.AdminCode)
	assert.Empty(t, msg.AttachedArmored)
}

func TestEncryptAndFormat_PasswordPathAttachesCiphertextForPubkeyHolders(t *testing.T) {
	ts := newRelayTestServer(t, true)
	codec := keycodec.New(time.Minute)
	bob := newTestEntity(t, "Bob", "bob@test.com")
	enc := NewEncrypter(nil, relay.New(ts.URL, nil), nil)

	msg, err := enc.EncryptAndFormat(context.Background(), &Request{
		Mode:      ModeEncrypt,
		Plaintext: []byte("mixed audience"),
		Recipients: []Recipient{
			{Email: "nobody@test.com"},
			{Email: "bob@test.com", Key: parsedPublic(t, codec, bob)},
		},
		Password: "hunter2",
	})
	require.NoError(t, err)
	require.NotEmpty(t, msg.AttachedArmored)
	assert.Equal(t, []byte("mixed audience"), decryptWith(t, bob, msg.AttachedArmored))
}

func TestEncryptAndFormat_AttachmentsUploadedAndConfirmed(t *testing.T) {
	ts := newRelayTestServer(t, true)
	codec := keycodec.New(time.Minute)
	bob := newTestEntity(t, "Bob", "bob@test.com")
	enc := NewEncrypter(nil, relay.New(ts.URL, nil), nil)

	msg, err := enc.EncryptAndFormat(context.Background(), &Request{
		Mode:      ModeEncrypt,
		Plaintext: []byte("see attached"),
		Recipients: []Recipient{
			{Email: "bob@test.com", Key: parsedPublic(t, codec, bob)},
		},
		Attachments: []Attachment{
			{Name: "report.pdf", Data: []byte("pdf bytes")},
		},
	})
	require.NoError(t, err)
	require.Len(t, msg.AttachmentRefs, 1)
	assert.Equal(t, "report.pdf.pgp", msg.AttachmentRefs[0].Name)
	assert.NotEmpty(t, msg.AttachmentRefs[0].URL)
}

func TestEncryptAndFormat_ConfirmShortfallAborts(t *testing.T) {
	ts := newRelayTestServer(t, false)
	codec := keycodec.New(time.Minute)
	bob := newTestEntity(t, "Bob", "bob@test.com")
	enc := NewEncrypter(nil, relay.New(ts.URL, nil), nil)

	_, err := enc.EncryptAndFormat(context.Background(), &Request{
		Mode:      ModeEncrypt,
		Plaintext: []byte("see attached"),
		Recipients: []Recipient{
			{Email: "bob@test.com", Key: parsedPublic(t, codec, bob)},
		},
		Attachments: []Attachment{
			{Name: "report.pdf", Data: []byte("pdf bytes")},
		},
	})
	require.ErrorIs(t, err, shared.ErrorAttachmentUploadIncomplete)
}
