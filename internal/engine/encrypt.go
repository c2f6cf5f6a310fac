// Package engine contains the two stateful pipelines at the heart of
// sealmail: turning a draft into an encrypted wire message, and turning a
// possibly malformed wire message back into verified plaintext.
package engine

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/armor"
	"github.com/ProtonMail/go-crypto/openpgp/clearsign"
	"github.com/ProtonMail/go-crypto/openpgp/packet"
	"github.com/sealmail/sealmail/internal/contacts"
	"github.com/sealmail/sealmail/internal/keycodec"
	"github.com/sealmail/sealmail/internal/logging"
	"github.com/sealmail/sealmail/internal/relay"
	"github.com/sealmail/sealmail/internal/shared"
)

const messageBlockType = "PGP MESSAGE"

// Mode selects what EncryptAndFormat produces.
type Mode int

const (
	ModePlain Mode = iota
	ModeSignOnly
	ModeEncrypt
)

// Recipient couples an address with its resolved public key, nil when the
// address has none. Key resolution belongs to the contact store and lookup
// service; the engine only consumes the result.
type Recipient struct {
	Email string
	Key   *keycodec.PublicKey
}

// Attachment is one file to protect and send along.
type Attachment struct {
	Name string
	Data []byte
}

// Request describes one send. Every option is explicit; nothing is inferred
// from ambient state.
type Request struct {
	Mode       Mode
	Plaintext  []byte
	Recipients []Recipient

	// Signer is the unlocked signing entity, nil to skip signing.
	Signer *openpgp.Entity

	// OwnFingerprints marks which recipient keys belong to the user, for
	// the expired-key policy.
	OwnFingerprints []string

	// Password switches to the password-protected relay path.
	Password string

	// ConfirmedDegradedDate acknowledges encrypting at a historical date
	// when a recipient key already expired. Without it such a send aborts.
	ConfirmedDegradedDate bool

	Attachments []Attachment
}

// SendableMessage is the formatted outgoing message.
type SendableMessage struct {
	// Body is what goes into the outgoing message: armored ciphertext,
	// clearsigned text, or link-plus-instructions for the password path.
	Body string

	// AttachedArmored carries the armored ciphertext as an attachment on
	// the password path when at least one recipient holds a real pubkey.
	AttachedArmored string

	AttachmentRefs []relay.UploadedFile
	EncryptedAt    time.Time

	// ShortID/AdminCode are set on the password path.
	ShortID   string
	AdminCode string
}

// Encrypter implements the encryption side of the pipeline.
type Encrypter struct {
	contacts *contacts.Store
	relay    *relay.Client
	log      logging.Logger
	now      func() time.Time
}

func NewEncrypter(store *contacts.Store, relayClient *relay.Client, log logging.Logger) *Encrypter {
	if log == nil {
		log = logging.NewNopLogger()
	}
	return &Encrypter{contacts: store, relay: relayClient, log: log, now: time.Now}
}

// EncryptAndFormat builds the sendable form of a message. Recipient lastUse
// timestamps are refreshed only on success.
func (e *Encrypter) EncryptAndFormat(ctx context.Context, req *Request) (*SendableMessage, error) {
	msg, err := e.format(ctx, req)
	if err != nil {
		return nil, err
	}

	if e.contacts != nil && len(req.Recipients) > 0 {
		emails := make([]string, 0, len(req.Recipients))
		for _, r := range req.Recipients {
			emails = append(emails, r.Email)
		}
		if terr := e.contacts.TouchLastUse(ctx, emails, e.now()); terr != nil {
			e.log.Warn(ctx, "failed to refresh recipient lastUse", "error", terr)
		}
	}
	return msg, nil
}

func (e *Encrypter) format(ctx context.Context, req *Request) (*SendableMessage, error) {
	switch req.Mode {
	case ModePlain:
		return &SendableMessage{Body: string(req.Plaintext)}, nil
	case ModeSignOnly:
		return e.signOnly(req)
	case ModeEncrypt:
		return e.encrypt(ctx, req)
	default:
		return nil, fmt.Errorf("unknown mode %d", req.Mode)
	}
}

func (e *Encrypter) signOnly(req *Request) (*SendableMessage, error) {
	if err := checkSigner(req.Signer); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	w, err := clearsign.Encode(&buf, req.Signer.PrivateKey, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to start cleartext signature: %w", err)
	}
	if _, err := w.Write(req.Plaintext); err != nil {
		return nil, fmt.Errorf("failed to sign message: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("failed to finish cleartext signature: %w", err)
	}
	return &SendableMessage{Body: buf.String()}, nil
}

func checkSigner(signer *openpgp.Entity) error {
	if signer == nil || signer.PrivateKey == nil {
		return shared.ErrorNoSigningKey
	}
	if signer.PrivateKey.Encrypted {
		return fmt.Errorf("signing key is locked: %w", shared.ErrorPassphraseNeeded)
	}
	return nil
}

func (e *Encrypter) encrypt(ctx context.Context, req *Request) (*SendableMessage, error) {
	var keyed []*keycodec.PublicKey
	for _, r := range req.Recipients {
		if r.Key != nil {
			keyed = append(keyed, r.Key)
		}
	}

	if req.Password != "" || len(keyed) == 0 {
		return e.encryptWithPassword(ctx, req, keyed)
	}
	return e.encryptToKeys(ctx, req, keyed)
}

func (e *Encrypter) encryptToKeys(ctx context.Context, req *Request, keys []*keycodec.PublicKey) (*SendableMessage, error) {
	own := make(map[string]bool, len(req.OwnFingerprints))
	for _, fpr := range req.OwnFingerprints {
		own[strings.ToUpper(fpr)] = true
	}

	resolution, err := ResolveEncryptionDate(keys, own, e.now())
	if err != nil {
		return nil, err
	}
	if resolution.NeedsConfirm && !req.ConfirmedDegradedDate {
		return nil, shared.ErrorDateConfirmationRequired
	}
	if resolution.NeedsConfirm {
		e.log.Info(ctx, "encrypting at degraded historical date", "date", resolution.Date)
	}

	cfg := &packet.Config{Time: func() time.Time { return resolution.Date }}

	entities, err := entitiesOf(keys)
	if err != nil {
		return nil, err
	}

	body, err := encryptArmored(req.Plaintext, entities, req.Signer, "", cfg)
	if err != nil {
		return nil, err
	}

	refs, err := e.uploadAttachments(ctx, req, entities, cfg)
	if err != nil {
		return nil, err
	}

	return &SendableMessage{
		Body:           body,
		AttachmentRefs: refs,
		EncryptedAt:    resolution.Date,
	}, nil
}

// encryptWithPassword covers the no-pubkey and explicit-password sends: the
// ciphertext goes to the relay and the outgoing body becomes a short link
// plus instructions. The armored ciphertext is additionally attached only
// when a pubkey-holding person is receiving the message as well, so those
// recipients can decrypt locally.
func (e *Encrypter) encryptWithPassword(ctx context.Context, req *Request, keyed []*keycodec.PublicKey) (*SendableMessage, error) {
	if req.Password == "" {
		return nil, fmt.Errorf("no recipient has a public key and no message password was chosen")
	}
	if e.relay == nil {
		return nil, fmt.Errorf("relay client not configured")
	}

	cfg := &packet.Config{Time: e.now}

	armored, err := encryptArmored(req.Plaintext, nil, nil, req.Password, cfg)
	if err != nil {
		return nil, err
	}

	uploaded, err := e.relay.UploadMessage(ctx, armored)
	if err != nil {
		return nil, fmt.Errorf("failed to upload password-protected message: %w", err)
	}

	msg := &SendableMessage{
		Body:        passwordBody(uploaded.URL),
		EncryptedAt: e.now(),
		ShortID:     uploaded.ShortID,
		AdminCode:   uploaded.AdminCode,
	}

	if len(keyed) > 0 {
		entities, err := entitiesOf(keyed)
		if err != nil {
			return nil, err
		}
		attached, err := encryptArmored(req.Plaintext, entities, req.Signer, "", cfg)
		if err != nil {
			return nil, err
		}
		msg.AttachedArmored = attached
	}

	refs, err := e.uploadAttachmentsWith(ctx, req, nil, req.Password, cfg)
	if err != nil {
		return nil, err
	}
	msg.AttachmentRefs = refs

	return msg, nil
}

func passwordBody(url string) string {
	var b strings.Builder
	b.WriteString("This message is encrypted. Open it with the link below and the password the sender shared with you separately.\n\n")
	b.WriteString(url)
	b.WriteString("\n")
	return b.String()
}

func (e *Encrypter) uploadAttachments(ctx context.Context, req *Request, entities []*openpgp.Entity, cfg *packet.Config) ([]relay.UploadedFile, error) {
	return e.uploadAttachmentsWith(ctx, req, entities, "", cfg)
}

// uploadAttachmentsWith encrypts every attachment for the recipient key set
// (or password), uploads them, and verifies the relay confirmed each one.
// A partial upload is an error, never a silent success.
func (e *Encrypter) uploadAttachmentsWith(ctx context.Context, req *Request, entities []*openpgp.Entity, password string, cfg *packet.Config) ([]relay.UploadedFile, error) {
	if len(req.Attachments) == 0 {
		return nil, nil
	}
	if e.relay == nil {
		return nil, fmt.Errorf("relay client not configured")
	}

	items := make([]relay.AttachmentItem, 0, len(req.Attachments))
	for _, att := range req.Attachments {
		armored, err := encryptArmored(att.Data, entities, nil, password, cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to encrypt attachment %q: %w", att.Name, err)
		}
		items = append(items, relay.AttachmentItem{Name: att.Name + ".pgp", Data: []byte(armored)})
	}

	files, confirmed, err := e.relay.UploadAttachments(ctx, items, func(done, total int) {
		e.log.Debug(ctx, "attachment upload progress", "done", done, "total", total)
	})
	if err != nil {
		return nil, err
	}
	if confirmed != len(items) {
		return nil, fmt.Errorf("relay confirmed %d of %d attachments: %w",
			confirmed, len(items), shared.ErrorAttachmentUploadIncomplete)
	}
	return files, nil
}

func entitiesOf(keys []*keycodec.PublicKey) ([]*openpgp.Entity, error) {
	entities := make([]*openpgp.Entity, 0, len(keys))
	for _, k := range keys {
		if k.Entity() == nil {
			return nil, fmt.Errorf("recipient key %s is not an OpenPGP key", k.ID)
		}
		entities = append(entities, k.Entity())
	}
	return entities, nil
}

// encryptArmored produces one armored PGP MESSAGE, public-key encrypted
// when entities are given, symmetrically when a password is.
func encryptArmored(plaintext []byte, to []*openpgp.Entity, signer *openpgp.Entity, password string, cfg *packet.Config) (string, error) {
	var buf bytes.Buffer
	aw, err := armor.Encode(&buf, messageBlockType, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create armor encoder: %w", err)
	}

	var pt io.WriteCloser
	if password != "" {
		pt, err = openpgp.SymmetricallyEncrypt(aw, []byte(password), nil, cfg)
	} else {
		pt, err = openpgp.Encrypt(aw, to, signer, nil, cfg)
	}
	if err != nil {
		return "", fmt.Errorf("failed to start encryption: %w", err)
	}

	if _, err := pt.Write(plaintext); err != nil {
		return "", fmt.Errorf("failed to encrypt message: %w", err)
	}
	if err := pt.Close(); err != nil {
		return "", fmt.Errorf("failed to finish encryption: %w", err)
	}
	if err := aw.Close(); err != nil {
		return "", fmt.Errorf("failed to close armor encoder: %w", err)
	}
	return buf.String(), nil
}
