package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/armor"
	pgperrors "github.com/ProtonMail/go-crypto/openpgp/errors"
	"github.com/ProtonMail/go-crypto/openpgp/packet"
	"github.com/sealmail/sealmail/internal/contacts"
	"github.com/sealmail/sealmail/internal/keyring"
	"github.com/sealmail/sealmail/internal/logging"
	"github.com/sealmail/sealmail/internal/shared"
)

// State labels where a decryption attempt ended up. Terminal states are
// Success and HardFail; the others describe the recoverable condition the
// machine is working through.
type State int

const (
	StateFetchSource State = iota
	StateAttemptDecrypt
	StateSuccess
	StateNeedPassphrase
	StateFormatAmbiguous
	StateKeyMismatch
	StateWrongPassword
	StateNoMDC
	StateHardFail
)

func (s State) String() string {
	switch s {
	case StateFetchSource:
		return "fetch-source"
	case StateAttemptDecrypt:
		return "attempt-decrypt"
	case StateSuccess:
		return "success"
	case StateNeedPassphrase:
		return "need-passphrase"
	case StateFormatAmbiguous:
		return "format-ambiguous"
	case StateKeyMismatch:
		return "key-mismatch"
	case StateWrongPassword:
		return "wrong-password"
	case StateNoMDC:
		return "no-mdc"
	default:
		return "hard-fail"
	}
}

// Source fetches the message being decrypted. FetchParsed returns the body
// the provider extracted; FetchRaw returns the unmodified wire form, used
// when the parsed body was mangled (stripped armor, re-wrapped whitespace).
type Source interface {
	FetchParsed(ctx context.Context) ([]byte, error)
	FetchRaw(ctx context.Context) ([]byte, error)
}

// KeyMismatchError reports that none of the account's private keys can open
// the message, along with the recipient key longids the message was
// encrypted to.
type KeyMismatchError struct {
	CandidateLongids []string
}

func (e *KeyMismatchError) Error() string {
	return fmt.Sprintf("%v (message encrypted to %s)",
		shared.ErrorKeyMismatch, strings.Join(e.CandidateLongids, ", "))
}

func (e *KeyMismatchError) Unwrap() error { return shared.ErrorKeyMismatch }

// Result is the outcome of one Decrypt. Signature material is retained so
// verification can be redone later (newly imported key) without the
// ciphertext or another passphrase prompt.
type Result struct {
	State     State
	Plaintext []byte

	WasEncrypted bool
	WasSigned    bool

	SignedByLongid string
	SignerEmail    string
	SignatureValid bool
	SignatureError error

	signature  *packet.Signature
	signedText []byte
}

const maxDecryptAttempts = 3

// Decrypter is the decryption side of the pipeline: private keys from the
// keyring, passphrases from the vault, signer identities from the contact
// directory.
type Decrypter struct {
	keyring  *keyring.Keyring
	vault    *keyring.PassphraseVault
	contacts *contacts.Store
	log      logging.Logger
}

func NewDecrypter(kr *keyring.Keyring, vault *keyring.PassphraseVault, store *contacts.Store, log logging.Logger) *Decrypter {
	if log == nil {
		log = logging.NewNopLogger()
	}
	return &Decrypter{keyring: kr, vault: vault, contacts: store, log: log}
}

type decryptOptions struct {
	messagePassword []byte
}

type DecryptOption func(*decryptOptions)

// WithMessagePassword supplies the shared password for a symmetrically
// encrypted message.
func WithMessagePassword(password string) DecryptOption {
	return func(o *decryptOptions) { o.messagePassword = []byte(password) }
}

// Decrypt runs the state machine over one message. A body without
// recognizable armor triggers exactly one raw re-fetch before failing with
// shared.ErrorNoEncryptedContent. When a needed passphrase is missing the
// call suspends on the vault until one arrives or ctx is cancelled.
func (d *Decrypter) Decrypt(ctx context.Context, src Source, opts ...DecryptOption) (*Result, error) {
	var o decryptOptions
	for _, opt := range opts {
		opt(&o)
	}

	body, err := src.FetchParsed(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch message: %w", err)
	}
	return d.process(ctx, src, body, &o, true)
}

func (d *Decrypter) process(ctx context.Context, src Source, body []byte, o *decryptOptions, allowRefetch bool) (*Result, error) {
	switch {
	case bytes.Contains(body, []byte("BEGIN PGP SIGNED MESSAGE")):
		return d.verifyClearsigned(ctx, src, body, allowRefetch)
	case bytes.Contains(body, []byte("BEGIN PGP MESSAGE")):
		return d.decryptArmored(ctx, extractArmored(body, "PGP MESSAGE"), o)
	}

	if allowRefetch {
		d.log.Debug(ctx, "no armor in parsed body, re-fetching raw source")
		raw, err := src.FetchRaw(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch raw source: %w", err)
		}
		return d.process(ctx, src, raw, o, false)
	}
	return &Result{State: StateHardFail}, shared.ErrorNoEncryptedContent
}

// decryptArmored attempts the actual OpenPGP decryption, suspending on the
// vault when a passphrase is missing. The attempt count is bounded so the
// same failure cannot loop.
func (d *Decrypter) decryptArmored(ctx context.Context, armored []byte, o *decryptOptions) (*Result, error) {
	var lastErr error
	for attempt := 0; attempt < maxDecryptAttempts; attempt++ {
		res, locked, err := d.attempt(ctx, armored, o)
		if err == nil {
			return res, nil
		}
		if !errors.Is(err, shared.ErrorPassphraseNeeded) || len(locked) == 0 {
			return res, err
		}
		if lastErr != nil && err.Error() == lastErr.Error() && attempt > 1 {
			return res, err
		}
		lastErr = err

		d.log.Info(ctx, "waiting for passphrase", "keys", locked)
		if _, pp, werr := d.vault.Wait(ctx, locked); werr != nil {
			return &Result{State: StateNeedPassphrase}, fmt.Errorf("%w: %v", shared.ErrorPassphraseNeeded, werr)
		} else {
			shared.WipeByteArray(pp)
		}
	}
	return &Result{State: StateWrongPassword}, lastErr
}

func (d *Decrypter) attempt(ctx context.Context, armored []byte, o *decryptOptions) (*Result, []string, error) {
	blk, err := armor.Decode(bytes.NewReader(armored))
	if err != nil {
		return &Result{State: StateHardFail}, nil, fmt.Errorf("failed to decode armor: %w", err)
	}

	entities, err := d.keyring.Entities()
	if err != nil {
		return &Result{State: StateHardFail}, nil, err
	}

	var locked []string
	passwordTried := false
	prompt := func(keys []openpgp.Key, symmetric bool) ([]byte, error) {
		if symmetric {
			if len(o.messagePassword) > 0 && !passwordTried {
				passwordTried = true
				return o.messagePassword, nil
			}
			if passwordTried {
				return nil, shared.ErrorWrongPassword
			}
			return nil, shared.ErrorPassphraseNeeded
		}
		for _, k := range keys {
			if k.PrivateKey == nil || !k.PrivateKey.Encrypted {
				continue
			}
			// The vault is keyed by the account key's primary longid, but
			// the decryption candidate is usually a subkey.
			primary := fmt.Sprintf("%016X", k.Entity.PrimaryKey.KeyId)
			sub := fmt.Sprintf("%016X", k.PrivateKey.KeyId)
			pp, ok := d.vault.Get(primary)
			if !ok {
				pp, ok = d.vault.Get(sub)
			}
			if !ok {
				locked = append(locked, primary)
				continue
			}
			derr := k.PrivateKey.Decrypt(pp)
			shared.WipeByteArray(pp)
			if derr != nil {
				d.vault.Forget(primary)
				d.vault.Forget(sub)
				locked = append(locked, primary)
				continue
			}
			// Key unlocked in place; let ReadMessage pick it up.
			return nil, nil
		}
		if len(locked) > 0 {
			return nil, shared.ErrorPassphraseNeeded
		}
		return nil, shared.ErrorWrongPassword
	}

	md, err := openpgp.ReadMessage(blk.Body, entities, prompt, nil)
	if err != nil {
		return d.classifyAttemptError(armored, locked, err)
	}

	plaintext, err := io.ReadAll(md.UnverifiedBody)
	if err != nil {
		if len(o.messagePassword) > 0 {
			// A wrong symmetric password often only shows up as garbage
			// at read time.
			return &Result{State: StateWrongPassword}, nil, fmt.Errorf("%w: %v", shared.ErrorWrongPassword, err)
		}
		if errors.Is(err, pgperrors.ErrMDCMissing) || errors.Is(err, pgperrors.ErrMDCHashMismatch) {
			return &Result{State: StateNoMDC}, nil, fmt.Errorf("%w: %v", shared.ErrorNoMDC, err)
		}
		return &Result{State: StateHardFail}, nil, fmt.Errorf("failed to read decrypted body: %w", err)
	}

	res := &Result{
		State:        StateSuccess,
		Plaintext:    plaintext,
		WasEncrypted: md.IsEncrypted,
		WasSigned:    md.IsSigned,
	}
	if md.IsSigned {
		res.SignedByLongid = fmt.Sprintf("%016X", md.SignedByKeyId)
		res.signature = md.Signature
		res.signedText = plaintext
		res.SignatureError = md.SignatureError
		res.SignatureValid = md.SignatureError == nil && md.SignedBy != nil
		d.resolveSigner(ctx, res)
	}
	return res, nil, nil
}

func (d *Decrypter) classifyAttemptError(armored []byte, locked []string, err error) (*Result, []string, error) {
	switch {
	case errors.Is(err, pgperrors.ErrKeyIncorrect):
		return &Result{State: StateKeyMismatch}, nil, &KeyMismatchError{
			CandidateLongids: recipientKeyIDs(armored),
		}
	case errors.Is(err, shared.ErrorPassphraseNeeded):
		return &Result{State: StateNeedPassphrase}, locked, err
	case errors.Is(err, shared.ErrorWrongPassword):
		return &Result{State: StateWrongPassword}, nil, err
	case errors.Is(err, pgperrors.ErrMDCMissing), errors.Is(err, pgperrors.ErrMDCHashMismatch):
		return &Result{State: StateNoMDC}, nil, fmt.Errorf("%w: %v", shared.ErrorNoMDC, err)
	}
	return &Result{State: StateHardFail}, nil, fmt.Errorf("failed to decrypt message: %w", err)
}

// resolveSigner fills SignerEmail, and when the signer key was not in the
// account keyring, retries verification against the signer's cached contact
// pubkey.
func (d *Decrypter) resolveSigner(ctx context.Context, res *Result) {
	if d.contacts == nil || res.SignedByLongid == "" {
		return
	}
	found, err := d.contacts.Get(ctx, res.SignedByLongid)
	if err != nil || len(found) == 0 || found[0] == nil {
		return
	}
	c := found[0]
	res.SignerEmail = c.Email

	if !res.SignatureValid && res.signature != nil && c.Pubkey != nil {
		signed := res.signedText
		if signed == nil {
			signed = res.Plaintext
		}
		if verr := verifyWithKeys(signed, res.signature, c.Pubkey.Entity()); verr == nil {
			res.SignatureValid = true
			res.SignatureError = nil
		}
	}
}

// recipientKeyIDs walks the encrypted-key packets of an armored message and
// returns the longids it was encrypted to, for the key-mismatch report.
func recipientKeyIDs(armored []byte) []string {
	blk, err := armor.Decode(bytes.NewReader(armored))
	if err != nil {
		return nil
	}
	var ids []string
	r := packet.NewReader(blk.Body)
	for {
		p, err := r.Next()
		if err != nil {
			break
		}
		ek, ok := p.(*packet.EncryptedKey)
		if !ok {
			// Encrypted-key packets precede the data packet.
			break
		}
		ids = append(ids, fmt.Sprintf("%016X", ek.KeyId))
	}
	return ids
}

// extractArmored cuts one armored block of the given type out of a larger
// body, trailing line included.
func extractArmored(body []byte, blockType string) []byte {
	begin := []byte("-----BEGIN " + blockType + "-----")
	end := []byte("-----END " + blockType + "-----")

	i := bytes.Index(body, begin)
	if i < 0 {
		return body
	}
	j := bytes.Index(body[i:], end)
	if j < 0 {
		return body[i:]
	}
	return body[i : i+j+len(end)]
}
