package keycodec

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/binary"
	"encoding/pem"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/sealmail/sealmail/internal/shared"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEntity(t *testing.T, name, email string) *openpgp.Entity {
	t.Helper()
	e, err := openpgp.NewEntity(name, "", email, nil)
	require.NoError(t, err)
	return e
}

// spacedFingerprint renders a 40-char fingerprint as 10 groups of 4
// separated by spaces (49 chars total), the common display format.
func spacedFingerprint(fpr string) string {
	groups := make([]string, 0, 10)
	for i := 0; i < len(fpr); i += 4 {
		groups = append(groups, fpr[i:i+4])
	}
	return strings.Join(groups, " ")
}

func TestLongID_AllRepresentationsAgree(t *testing.T) {
	c := New(0)
	e := newTestEntity(t, "Alice", "alice@test.com")

	fpr := FingerprintOf(e)
	require.Len(t, fpr, 40)

	want, ok := c.LongID(fpr)
	require.True(t, ok)
	require.Len(t, want, 16)

	// 16-char longid, canonicalized to uppercase
	got, ok := c.LongID(strings.ToLower(fpr[24:]))
	require.True(t, ok)
	assert.Equal(t, want, got)

	// 49-char spaced fingerprint
	got, ok = c.LongID(spacedFingerprint(fpr))
	require.True(t, ok)
	assert.Equal(t, want, got)

	// 8 raw bytes of the key id
	raw := make([]byte, 8)
	binary.BigEndian.PutUint64(raw, e.PrimaryKey.KeyId)
	got, ok = c.LongID(string(raw))
	require.True(t, ok)
	assert.Equal(t, want, got)

	// armored key text
	armored, err := ArmorPublic(e)
	require.NoError(t, err)
	got, ok = c.LongID(armored)
	require.True(t, ok)
	assert.Equal(t, want, got)
}

func TestLongID_UnknownInputsReturnNoResult(t *testing.T) {
	c := New(0)

	for _, input := range []string{"", "zzzzzzzzzzzzzzzz", "not a key at all"} {
		_, ok := c.LongID(input)
		assert.False(t, ok, "input %q", input)
	}
}

func TestParse_NoMarkersIsUnsupported(t *testing.T) {
	c := New(0)

	_, err := c.Parse("hello world")
	require.ErrorIs(t, err, shared.ErrorUnsupportedKeyFormat)
}

func TestParse_MalformedArmorCarriesRawText(t *testing.T) {
	c := New(0)
	bad := "-----BEGIN PGP PUBLIC KEY BLOCK-----\n\nnot base64!!!\n-----END PGP PUBLIC KEY BLOCK-----\n"

	_, err := c.Parse(bad)
	require.Error(t, err)

	var fe *FormatError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, bad, fe.Raw)
}

func TestParse_PublicAndPrivateHalves(t *testing.T) {
	c := New(0)
	e := newTestEntity(t, "Bob", "bob@test.com")

	pub, err := ArmorPublic(e)
	require.NoError(t, err)
	priv, err := ArmorPrivate(e)
	require.NoError(t, err)

	k, err := c.Parse(pub)
	require.NoError(t, err)
	assert.Equal(t, KindOpenPGP, k.Kind)
	assert.False(t, k.IsPrivate)
	assert.Equal(t, FingerprintOf(e), k.ID)
	assert.Contains(t, k.Emails, "bob@test.com")
	assert.True(t, k.UsableForEncryption)
	assert.True(t, k.UsableForSigning)
	assert.False(t, k.UsableButExpired)

	pk, err := c.Parse(priv)
	require.NoError(t, err)
	assert.True(t, pk.IsPrivate)
	assert.Equal(t, k.ID, pk.ID)
}

func TestParse_SubkeyIDsIncludePrimary(t *testing.T) {
	c := New(0)
	e := newTestEntity(t, "Carol", "carol@test.com")

	pub, err := ArmorPublic(e)
	require.NoError(t, err)
	k, err := c.Parse(pub)
	require.NoError(t, err)

	require.NotEmpty(t, k.SubkeyIDs)
	assert.Equal(t, k.ID, k.SubkeyIDs[0])
	// default generation adds one encryption subkey
	assert.GreaterOrEqual(t, len(k.SubkeyIDs), 2)
}

func TestReadMany_IsolatesCorruptBlocks(t *testing.T) {
	c := New(0)

	a, err := ArmorPublic(newTestEntity(t, "A", "a@test.com"))
	require.NoError(t, err)
	b, err := ArmorPublic(newTestEntity(t, "B", "b@test.com"))
	require.NoError(t, err)
	corrupt := "-----BEGIN PGP PUBLIC KEY BLOCK-----\n\n!!!!\n-----END PGP PUBLIC KEY BLOCK-----\n"

	data := "some prose before\n" + a + "\nmiddle text\n" + corrupt + "\n" + b + "\ntrailing"

	keys, errs := c.ReadMany([]byte(data))
	assert.Len(t, keys, 2)
	assert.Len(t, errs, 1)
}

func TestNormalize_IsIdempotent(t *testing.T) {
	c := New(0)
	e := newTestEntity(t, "Dora", "dora@test.com")

	armored, err := ArmorPublic(e)
	require.NoError(t, err)

	once, keys, err := c.Normalize(armored)
	require.NoError(t, err)
	require.Len(t, keys, 1)

	twice, _, err := c.Normalize(once)
	require.NoError(t, err)
	assert.Equal(t, once, twice)

	// round trip: parse(armor(parse(x))) == parse(x)
	k1, err := c.Parse(armored)
	require.NoError(t, err)
	k2, err := c.Parse(once)
	require.NoError(t, err)
	assert.Equal(t, k1.ID, k2.ID)
	assert.Equal(t, k1.SubkeyIDs, k2.SubkeyIDs)
}

func TestNormalize_DropsThirdPartyCertifications(t *testing.T) {
	c := New(0)
	target := newTestEntity(t, "Target", "target@test.com")
	certifier := newTestEntity(t, "Certifier", "certifier@test.com")
	require.NoError(t, target.SignIdentity(target.PrimaryIdentity().Name, certifier, nil))

	certified, err := ArmorPublic(target)
	require.NoError(t, err)

	normalized, keys, err := c.Normalize(certified)
	require.NoError(t, err)
	require.Len(t, keys, 1)

	// the normalized armor parses back with the identity intact
	k, err := c.Parse(normalized)
	require.NoError(t, err)
	assert.Contains(t, k.Emails, "target@test.com")
	assert.Equal(t, FingerprintOf(target), k.ID)

	// and without the certification it is strictly smaller
	assert.Less(t, len(normalized), len(certified))
}

func TestParseAll_UnrecognizedArmorIsTypedUnknown(t *testing.T) {
	c := New(0)
	text := "-----BEGIN SPKI CHUNK-----\n\nAAAA\n-----END SPKI CHUNK-----\n"

	keys, err := c.ParseAll(text)
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.Equal(t, KindUnknown, keys[0].Kind)
	assert.Equal(t, text, keys[0].Armored)
	assert.False(t, keys[0].UsableForEncryption)
	assert.False(t, keys[0].UsableForSigning)
}

func TestParseAll_CachesByExactText(t *testing.T) {
	c := New(time.Minute)
	armored, err := ArmorPublic(newTestEntity(t, "E", "e@test.com"))
	require.NoError(t, err)

	first, err := c.ParseAll(armored)
	require.NoError(t, err)
	second, err := c.ParseAll(armored)
	require.NoError(t, err)
	// cache hit returns the same parsed objects
	assert.Same(t, first[0], second[0])

	// any text change is a miss; a trailing newline is a different key
	third, err := c.ParseAll(armored + "\n")
	require.NoError(t, err)
	assert.NotSame(t, first[0], third[0])
}

func TestComputeUsability_ExpiredKey(t *testing.T) {
	e := newTestEntity(t, "Old", "old@test.com")

	secs := uint32(3600)
	e.PrimaryIdentity().SelfSignature.KeyLifetimeSecs = &secs

	u := computeUsability(e, e.PrimaryKey.CreationTime.Add(2*time.Hour))
	assert.False(t, u.usableForEncryption)
	assert.False(t, u.usableForSigning)
	assert.True(t, u.usableButExpired)
	require.NotNil(t, u.expiration)
	assert.Equal(t, e.PrimaryKey.CreationTime.Add(time.Hour).Unix(), u.expiration.Unix())

	// same key before expiry is fully usable
	u = computeUsability(e, e.PrimaryKey.CreationTime.Add(30*time.Minute))
	assert.True(t, u.usableForEncryption)
	assert.True(t, u.usableForSigning)
	assert.False(t, u.usableButExpired)
}

func TestParse_X509Certificate(t *testing.T) {
	c := New(0)

	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber:   big.NewInt(424242),
		Subject:        pkix.Name{CommonName: "Frank"},
		NotBefore:      time.Now().Add(-time.Hour),
		NotAfter:       time.Now().Add(24 * time.Hour),
		EmailAddresses: []string{"Frank@Test.com"},
		KeyUsage:       x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &priv.PublicKey, priv)
	require.NoError(t, err)

	pemText := string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}))

	k, err := c.Parse(pemText)
	require.NoError(t, err)
	assert.Equal(t, KindX509, k.Kind)
	assert.Equal(t, "424242", k.ID)
	assert.Equal(t, []string{"frank@test.com"}, k.Emails)
	assert.True(t, k.UsableForEncryption)
	assert.True(t, k.UsableForSigning)
	require.NotNil(t, k.Expiration)
}
