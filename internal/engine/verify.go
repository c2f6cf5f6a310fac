package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/clearsign"
	pgperrors "github.com/ProtonMail/go-crypto/openpgp/errors"
	"github.com/ProtonMail/go-crypto/openpgp/packet"
	"github.com/sealmail/sealmail/internal/keycodec"
	"github.com/sealmail/sealmail/internal/shared"
)

// verifyClearsigned handles cleartext-signed bodies. Mail pipelines love to
// re-wrap and re-indent text, which breaks the signed digest; when the
// parsed body fails verification the raw wire form is fetched once and the
// matching block (same signature payload modulo whitespace) is verified
// instead. The payload match is what keeps arbitrary raw blocks from being
// trusted.
func (d *Decrypter) verifyClearsigned(ctx context.Context, src Source, body []byte, allowRefetch bool) (*Result, error) {
	block, _ := clearsign.Decode(body)
	if block == nil {
		if !allowRefetch {
			return &Result{State: StateHardFail}, shared.ErrorNoEncryptedContent
		}
		raw, err := src.FetchRaw(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch raw source: %w", err)
		}
		return d.verifyClearsigned(ctx, src, raw, false)
	}

	res, err := d.verifyBlock(ctx, block)
	if err != nil {
		return nil, err
	}

	// A missing issuer key cannot be cured by re-fetching; anything else
	// (digest mismatch, verification failure) may be whitespace damage.
	if !res.SignatureValid && res.SignatureError != nil && allowRefetch &&
		!errors.Is(res.SignatureError, pgperrors.ErrUnknownIssuer) {
		d.log.Debug(ctx, "cleartext verification failed, re-verifying against raw source")
		raw, ferr := src.FetchRaw(ctx)
		if ferr != nil {
			return res, nil
		}
		if match := matchingClearsignBlock(raw, body); match != nil {
			if rawRes, verr := d.verifyBlock(ctx, match); verr == nil && rawRes.SignatureValid {
				return rawRes, nil
			}
		}
	}
	return res, nil
}

// verifyBlock verifies one clearsign block against the account keyring and,
// failing that, the signer's cached contact pubkey.
func (d *Decrypter) verifyBlock(ctx context.Context, block *clearsign.Block) (*Result, error) {
	sig, err := readArmoredSignature(block.ArmoredSignature.Body)
	if err != nil {
		return &Result{State: StateHardFail}, fmt.Errorf("failed to parse cleartext signature: %w", err)
	}

	res := &Result{
		State:      StateSuccess,
		Plaintext:  block.Plaintext,
		WasSigned:  true,
		signature:  sig,
		signedText: block.Bytes,
	}
	if sig.IssuerKeyId != nil {
		res.SignedByLongid = fmt.Sprintf("%016X", *sig.IssuerKeyId)
	}

	entities, err := d.keyring.Entities()
	if err != nil {
		return res, err
	}
	verr := verifyWithKeys(block.Bytes, sig, entities...)
	if verr == nil {
		res.SignatureValid = true
		d.resolveSigner(ctx, res)
		return res, nil
	}
	res.SignatureError = verr

	// Unknown issuer in the own keyring is the normal case for inbound
	// mail; the signer lookup below settles it.
	d.resolveSigner(ctx, res)
	return res, nil
}

// ReVerify re-checks the retained signature against the given public keys,
// without the ciphertext and without touching the vault. It is how a
// "signature could not be verified" message turns green after the signer's
// key is imported.
func (r *Result) ReVerify(keys ...*keycodec.PublicKey) error {
	if r.signature == nil {
		return fmt.Errorf("no signature retained: %w", shared.ErrorNotFound)
	}
	signed := r.signedText
	if signed == nil {
		signed = r.Plaintext
	}

	var entities []*openpgp.Entity
	for _, k := range keys {
		if k != nil && k.Entity() != nil {
			entities = append(entities, k.Entity())
		}
	}

	err := verifyWithKeys(signed, r.signature, entities...)
	if err == nil {
		r.SignatureValid = true
		r.SignatureError = nil
		return nil
	}
	r.SignatureError = err
	return err
}

// verifyWithKeys checks sig over signed data using whichever of the given
// entities carries the issuer key. Text-mode signatures get canonical CRLF
// line endings first.
func verifyWithKeys(signed []byte, sig *packet.Signature, entities ...*openpgp.Entity) error {
	if sig.IssuerKeyId == nil {
		return pgperrors.ErrUnknownIssuer
	}
	data := signed
	if sig.SigType == packet.SigTypeText {
		data = canonicalizeText(signed)
	}

	for _, e := range entities {
		if e == nil {
			continue
		}
		for _, pk := range entityKeys(e) {
			if pk.KeyId != *sig.IssuerKeyId {
				continue
			}
			h := sig.Hash.New()
			h.Write(data)
			return pk.VerifySignature(h, sig)
		}
	}
	return pgperrors.ErrUnknownIssuer
}

func entityKeys(e *openpgp.Entity) []*packet.PublicKey {
	keys := []*packet.PublicKey{e.PrimaryKey}
	for _, sk := range e.Subkeys {
		keys = append(keys, sk.PublicKey)
	}
	return keys
}

// canonicalizeText rewrites line endings to CRLF, the form text-mode
// signatures are computed over.
func canonicalizeText(b []byte) []byte {
	normalized := bytes.ReplaceAll(b, []byte("\r\n"), []byte("\n"))
	return bytes.ReplaceAll(normalized, []byte("\n"), []byte("\r\n"))
}

func readArmoredSignature(r io.Reader) (*packet.Signature, error) {
	p, err := packet.Read(r)
	if err != nil {
		return nil, err
	}
	sig, ok := p.(*packet.Signature)
	if !ok {
		return nil, fmt.Errorf("unexpected packet %T in signature armor", p)
	}
	return sig, nil
}

// matchingClearsignBlock walks every clearsign block in raw and returns the
// one carrying the same signature as the (possibly whitespace-damaged)
// parsed body. Signature payloads are compared with all whitespace removed,
// since transport damage re-wraps lines but cannot alter base64 content.
func matchingClearsignBlock(raw, parsed []byte) *clearsign.Block {
	want := normalizedSigPayload(parsed)
	if want == "" {
		return nil
	}

	rest := raw
	for {
		block, after := clearsign.Decode(rest)
		if block == nil {
			return nil
		}
		start := bytes.Index(rest, []byte("-----BEGIN PGP SIGNED MESSAGE-----"))
		if start < 0 {
			start = 0
		}
		segment := rest[start : len(rest)-len(after)]
		if normalizedSigPayload(segment) == want {
			return block
		}
		rest = after
	}
}

// normalizedSigPayload extracts the base64 body of the first PGP SIGNATURE
// armor in text, with armor headers and all whitespace stripped.
func normalizedSigPayload(text []byte) string {
	s := string(text)
	begin := strings.Index(s, "-----BEGIN PGP SIGNATURE-----")
	if begin < 0 {
		return ""
	}
	s = s[begin+len("-----BEGIN PGP SIGNATURE-----"):]
	end := strings.Index(s, "-----END PGP SIGNATURE-----")
	if end < 0 {
		return ""
	}
	s = s[:end]

	var b strings.Builder
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.Contains(line, ":") {
			// Blank lines and armor headers (Hash:, Version:) are not
			// part of the payload.
			continue
		}
		b.WriteString(line)
	}
	return b.String()
}
