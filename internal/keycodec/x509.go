package keycodec

import (
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"strings"
	"time"
)

// parseX509 decodes every CERTIFICATE PEM block in text. The X.509 half of
// the codec maps certificates onto the shared PublicKey surface: the serial
// number acts as the fingerprint and subject alternative emails populate
// Emails.
func (c *Codec) parseX509(text string) ([]*PublicKey, error) {
	var keys []*PublicKey

	rest := []byte(text)
	for {
		block, remaining := pem.Decode(rest)
		if block == nil {
			break
		}
		rest = remaining
		if block.Type != "CERTIFICATE" {
			continue
		}

		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, newFormatError(text, fmt.Errorf("failed to parse certificate: %w", err))
		}
		keys = append(keys, fromCertificate(cert, text))
	}

	if len(keys) == 0 {
		return nil, newFormatError(text, fmt.Errorf("no certificate blocks in input"))
	}
	return keys, nil
}

func fromCertificate(cert *x509.Certificate, armored string) *PublicKey {
	now := time.Now()
	exp := cert.NotAfter

	k := &PublicKey{
		Kind:         KindX509,
		ID:           cert.SerialNumber.String(),
		SubkeyIDs:    []string{cert.SerialNumber.String()},
		Created:      cert.NotBefore,
		LastModified: cert.NotBefore,
		Expiration:   &exp,
		Identities:   []string{cert.Subject.String()},
		Armored:      armored,
		cert:         cert,
	}

	for _, email := range cert.EmailAddresses {
		k.Emails = append(k.Emails, strings.ToLower(email))
	}

	canEncrypt := cert.KeyUsage&(x509.KeyUsageKeyEncipherment|x509.KeyUsageDataEncipherment) != 0
	canSign := cert.KeyUsage&x509.KeyUsageDigitalSignature != 0
	if cert.KeyUsage == 0 {
		canEncrypt, canSign = true, true
	}

	if exp.After(now) {
		k.UsableForEncryption = canEncrypt
		k.UsableForSigning = canSign
	} else {
		k.UsableButExpired = canEncrypt || canSign
	}

	return k
}
