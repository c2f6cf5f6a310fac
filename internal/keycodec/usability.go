package keycodec

import (
	"time"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/packet"
)

type usability struct {
	usableForEncryption bool
	usableForSigning    bool
	usableButExpired    bool
	expiration          *time.Time
}

// computeUsability derives capability booleans from self-signature flags and
// expiry. A key already past its expiration is usableButExpired: it can still
// decrypt historical ciphertext but must not be offered for new encryption.
func computeUsability(e *openpgp.Entity, now time.Time) usability {
	var u usability

	exp := primaryExpiration(e)
	u.expiration = exp

	expired := exp != nil && !exp.After(now)

	canEncrypt := false
	canSign := false

	if sig := primarySelfSig(e); sig != nil {
		canEncrypt = canEncrypt || sigAllowsEncryption(sig, e.PrimaryKey.PubKeyAlgo)
		canSign = canSign || sigAllowsSigning(sig, e.PrimaryKey.PubKeyAlgo)
	}
	for i := range e.Subkeys {
		sub := &e.Subkeys[i]
		if sub.Sig == nil {
			continue
		}
		if subkeyExpired(sub, now) {
			continue
		}
		canEncrypt = canEncrypt || sigAllowsEncryption(sub.Sig, sub.PublicKey.PubKeyAlgo)
		canSign = canSign || sigAllowsSigning(sub.Sig, sub.PublicKey.PubKeyAlgo)
	}

	if expired {
		u.usableButExpired = canEncrypt || canSign
		return u
	}

	u.usableForEncryption = canEncrypt
	u.usableForSigning = canSign
	return u
}

func primarySelfSig(e *openpgp.Entity) *packet.Signature {
	ident := e.PrimaryIdentity()
	if ident == nil {
		return nil
	}
	return ident.SelfSignature
}

// primaryExpiration resolves the primary key expiration from the self
// signature lifetime, or nil when the key does not expire.
func primaryExpiration(e *openpgp.Entity) *time.Time {
	sig := primarySelfSig(e)
	if sig == nil || sig.KeyLifetimeSecs == nil || *sig.KeyLifetimeSecs == 0 {
		return nil
	}
	t := e.PrimaryKey.CreationTime.Add(time.Duration(*sig.KeyLifetimeSecs) * time.Second)
	return &t
}

func subkeyExpired(sub *openpgp.Subkey, now time.Time) bool {
	if sub.Sig.KeyLifetimeSecs == nil || *sub.Sig.KeyLifetimeSecs == 0 {
		return false
	}
	exp := sub.PublicKey.CreationTime.Add(time.Duration(*sub.Sig.KeyLifetimeSecs) * time.Second)
	return !exp.After(now)
}

// Keys predating RFC 4880 flag subpackets have FlagsValid unset; fall back
// to what the algorithm itself permits.
func sigAllowsEncryption(sig *packet.Signature, algo packet.PublicKeyAlgorithm) bool {
	if sig.FlagsValid {
		return sig.FlagEncryptCommunications || sig.FlagEncryptStorage
	}
	return algo.CanEncrypt()
}

func sigAllowsSigning(sig *packet.Signature, algo packet.PublicKeyAlgorithm) bool {
	if sig.FlagsValid {
		return sig.FlagSign
	}
	return algo.CanSign()
}
