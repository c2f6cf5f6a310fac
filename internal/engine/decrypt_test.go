package engine

import (
	"bytes"
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/clearsign"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sealmail/sealmail/internal/keycodec"
	"github.com/sealmail/sealmail/internal/keyring"
	"github.com/sealmail/sealmail/internal/shared"
)

type fakeSource struct {
	parsed      []byte
	raw         []byte
	parsedCalls int
	rawCalls    int
}

func (s *fakeSource) FetchParsed(ctx context.Context) ([]byte, error) {
	s.parsedCalls++
	return s.parsed, nil
}

func (s *fakeSource) FetchRaw(ctx context.Context) ([]byte, error) {
	s.rawCalls++
	return s.raw, nil
}

func lockEntity(t *testing.T, e *openpgp.Entity, passphrase string) {
	t.Helper()
	require.NoError(t, e.PrivateKey.Encrypt([]byte(passphrase)))
	for _, sk := range e.Subkeys {
		require.NoError(t, sk.PrivateKey.Encrypt([]byte(passphrase)))
	}
}

func newTestDecrypter(t *testing.T, entities ...*openpgp.Entity) (*Decrypter, *keyring.Keyring, *keyring.PassphraseVault) {
	t.Helper()
	codec := keycodec.New(time.Minute)
	kr := keyring.New(codec)
	for _, e := range entities {
		armored, err := keycodec.ArmorPrivate(e)
		require.NoError(t, err)
		_, err = kr.Add(armored, false)
		require.NoError(t, err)
	}
	vault, err := keyring.NewPassphraseVault(time.Minute)
	require.NoError(t, err)
	return NewDecrypter(kr, vault, nil, nil), kr, vault
}

func encryptedFor(t *testing.T, plaintext string, signer *openpgp.Entity, to ...*openpgp.Entity) []byte {
	t.Helper()
	armored, err := encryptArmored([]byte(plaintext), to, signer, "", nil)
	require.NoError(t, err)
	return []byte(armored)
}

func clearsignedBy(t *testing.T, e *openpgp.Entity, text string) []byte {
	t.Helper()
	var buf bytes.Buffer
	w, err := clearsign.Encode(&buf, e.PrivateKey, nil)
	require.NoError(t, err)
	_, err = w.Write([]byte(text))
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func primaryLongid(e *openpgp.Entity) string {
	return fmt.Sprintf("%016X", e.PrimaryKey.KeyId)
}

func TestDecrypt_RoundTripWithUnlockedKey(t *testing.T) {
	me := newTestEntity(t, "Me", "me@test.com")
	d, _, _ := newTestDecrypter(t, me)

	src := &fakeSource{parsed: encryptedFor(t, "quiet words", nil, me)}
	res, err := d.Decrypt(context.Background(), src)
	require.NoError(t, err)

	assert.Equal(t, StateSuccess, res.State)
	assert.True(t, res.WasEncrypted)
	assert.False(t, res.WasSigned)
	assert.Equal(t, []byte("quiet words"), res.Plaintext)
	assert.Equal(t, 0, src.rawCalls)
}

func TestDecrypt_SignedAndEncrypted(t *testing.T) {
	me := newTestEntity(t, "Me", "me@test.com")
	sender := newTestEntity(t, "Sender", "sender@test.com")
	d, kr, _ := newTestDecrypter(t, me)

	// The sender's key is in the keyring too, as its public half would be
	// after an import.
	armored, err := keycodec.ArmorPrivate(sender)
	require.NoError(t, err)
	_, err = kr.Add(armored, false)
	require.NoError(t, err)

	src := &fakeSource{parsed: encryptedFor(t, "signed secret", sender, me)}
	res, err := d.Decrypt(context.Background(), src)
	require.NoError(t, err)

	assert.True(t, res.WasEncrypted)
	assert.True(t, res.WasSigned)
	assert.True(t, res.SignatureValid)
	assert.Equal(t, []byte("signed secret"), res.Plaintext)
}

func TestDecrypt_LockedKeyUsesVaultPassphrase(t *testing.T) {
	me := newTestEntity(t, "Me", "me@test.com")
	longid := primaryLongid(me)
	lockEntity(t, me, "correct horse")
	d, _, vault := newTestDecrypter(t, me)

	require.NoError(t, vault.Put(longid, []byte("correct horse"), 0))

	src := &fakeSource{parsed: encryptedFor(t, "vaulted", nil, me)}
	res, err := d.Decrypt(context.Background(), src)
	require.NoError(t, err)
	assert.Equal(t, []byte("vaulted"), res.Plaintext)
}

func TestDecrypt_LockedKeyStaysLockedInKeyring(t *testing.T) {
	me := newTestEntity(t, "Me", "me@test.com")
	longid := primaryLongid(me)
	lockEntity(t, me, "correct horse")
	d, kr, vault := newTestDecrypter(t, me)

	require.NoError(t, vault.Put(longid, []byte("correct horse"), 0))

	src := &fakeSource{parsed: encryptedFor(t, "vaulted", nil, me)}
	_, err := d.Decrypt(context.Background(), src)
	require.NoError(t, err)

	// decryption unlocks a per-call copy; the keyring keeps handing out
	// entities with the secret material still passphrase-encrypted
	el, err := kr.Entities()
	require.NoError(t, err)
	require.Len(t, el, 1)
	assert.True(t, el[0].PrivateKey.Encrypted)
	for _, sk := range el[0].Subkeys {
		assert.True(t, sk.PrivateKey.Encrypted)
	}
}

func TestDecrypt_SuspendsUntilPassphraseArrives(t *testing.T) {
	me := newTestEntity(t, "Me", "me@test.com")
	longid := primaryLongid(me)
	lockEntity(t, me, "correct horse")
	d, _, vault := newTestDecrypter(t, me)

	go func() {
		time.Sleep(50 * time.Millisecond)
		_ = vault.Put(longid, []byte("correct horse"), 0)
	}()

	src := &fakeSource{parsed: encryptedFor(t, "worth the wait", nil, me)}
	res, err := d.Decrypt(context.Background(), src)
	require.NoError(t, err)
	assert.Equal(t, []byte("worth the wait"), res.Plaintext)
}

func TestDecrypt_WaitIsCancellable(t *testing.T) {
	me := newTestEntity(t, "Me", "me@test.com")
	lockEntity(t, me, "correct horse")
	d, _, _ := newTestDecrypter(t, me)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	src := &fakeSource{parsed: encryptedFor(t, "never seen", nil, me)}
	_, err := d.Decrypt(ctx, src)
	require.ErrorIs(t, err, shared.ErrorPassphraseNeeded)
}

func TestDecrypt_ParsedBodyWithoutArmorRefetchesRawOnce(t *testing.T) {
	me := newTestEntity(t, "Me", "me@test.com")
	d, _, _ := newTestDecrypter(t, me)

	armored := encryptedFor(t, "hidden in raw", nil, me)
	raw := append([]byte("Subject: hi\r\n\r\nsome preamble\r\n"), armored...)

	src := &fakeSource{parsed: []byte("the provider ate the armor"), raw: raw}
	res, err := d.Decrypt(context.Background(), src)
	require.NoError(t, err)
	assert.Equal(t, []byte("hidden in raw"), res.Plaintext)
	assert.Equal(t, 1, src.rawCalls)
}

func TestDecrypt_NoArmorAnywhereFailsAfterOneRefetch(t *testing.T) {
	me := newTestEntity(t, "Me", "me@test.com")
	d, _, _ := newTestDecrypter(t, me)

	src := &fakeSource{parsed: []byte("just text"), raw: []byte("still just text")}
	_, err := d.Decrypt(context.Background(), src)
	require.ErrorIs(t, err, shared.ErrorNoEncryptedContent)
	assert.Equal(t, 1, src.rawCalls)
}

func TestDecrypt_KeyMismatchReportsCandidates(t *testing.T) {
	me := newTestEntity(t, "Me", "me@test.com")
	stranger := newTestEntity(t, "Stranger", "stranger@test.com")
	d, _, _ := newTestDecrypter(t, me)

	src := &fakeSource{parsed: encryptedFor(t, "not for you", nil, stranger)}
	_, err := d.Decrypt(context.Background(), src)

	var mismatch *KeyMismatchError
	require.ErrorAs(t, err, &mismatch)
	require.ErrorIs(t, err, shared.ErrorKeyMismatch)
	require.Len(t, mismatch.CandidateLongids, 1)

	expected := fmt.Sprintf("%016X", stranger.Subkeys[0].PublicKey.KeyId)
	assert.Equal(t, expected, mismatch.CandidateLongids[0])
}

func TestDecrypt_SymmetricWithMessagePassword(t *testing.T) {
	me := newTestEntity(t, "Me", "me@test.com")
	d, _, _ := newTestDecrypter(t, me)

	armored, err := encryptArmored([]byte("password protected"), nil, nil, "hunter2", nil)
	require.NoError(t, err)

	src := &fakeSource{parsed: []byte(armored)}
	res, err := d.Decrypt(context.Background(), src, WithMessagePassword("hunter2"))
	require.NoError(t, err)
	assert.Equal(t, []byte("password protected"), res.Plaintext)
}

func TestDecrypt_WrongMessagePassword(t *testing.T) {
	me := newTestEntity(t, "Me", "me@test.com")
	d, _, _ := newTestDecrypter(t, me)

	armored, err := encryptArmored([]byte("password protected"), nil, nil, "hunter2", nil)
	require.NoError(t, err)

	src := &fakeSource{parsed: []byte(armored)}
	_, err = d.Decrypt(context.Background(), src, WithMessagePassword("wrong"))
	require.ErrorIs(t, err, shared.ErrorWrongPassword)
}

func TestDecrypt_ClearsignedVerifiesAgainstKeyring(t *testing.T) {
	sender := newTestEntity(t, "Sender", "sender@test.com")
	d, _, _ := newTestDecrypter(t, sender)

	src := &fakeSource{parsed: clearsignedBy(t, sender, "open letter")}
	res, err := d.Decrypt(context.Background(), src)
	require.NoError(t, err)

	assert.False(t, res.WasEncrypted)
	assert.True(t, res.WasSigned)
	assert.True(t, res.SignatureValid)
	assert.Contains(t, string(res.Plaintext), "open letter")
	assert.Equal(t, primaryLongid(sender), res.SignedByLongid)
}

func TestDecrypt_ClearsignedWhitespaceDamageRecoversFromRaw(t *testing.T) {
	sender := newTestEntity(t, "Sender", "sender@test.com")
	d, _, _ := newTestDecrypter(t, sender)

	pristine := clearsignedBy(t, sender, "two  spaces  survive  signing")
	damaged := bytes.ReplaceAll(pristine, []byte("two  spaces"), []byte("two spaces"))
	require.NotEqual(t, pristine, damaged)

	raw := append([]byte("Subject: hi\r\n\r\n"), pristine...)
	src := &fakeSource{parsed: damaged, raw: raw}

	res, err := d.Decrypt(context.Background(), src)
	require.NoError(t, err)
	assert.True(t, res.SignatureValid)
	assert.Equal(t, 1, src.rawCalls)
}

func TestDecrypt_ClearsignedUnknownSignerThenReVerify(t *testing.T) {
	me := newTestEntity(t, "Me", "me@test.com")
	stranger := newTestEntity(t, "Stranger", "stranger@test.com")
	d, _, _ := newTestDecrypter(t, me)

	src := &fakeSource{parsed: clearsignedBy(t, stranger, "who signed this")}
	res, err := d.Decrypt(context.Background(), src)
	require.NoError(t, err)
	assert.True(t, res.WasSigned)
	assert.False(t, res.SignatureValid)
	// a missing issuer key is not transport damage; no raw re-fetch
	assert.Equal(t, 0, src.rawCalls)

	// Importing the signer's key later makes the signature checkable
	// without touching the message again.
	codec := keycodec.New(time.Minute)
	require.NoError(t, res.ReVerify(parsedPublic(t, codec, stranger)))
	assert.True(t, res.SignatureValid)
	assert.NoError(t, res.SignatureError)
}
