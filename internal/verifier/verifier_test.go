package verifier

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/hex"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"attestd/internal/apperr"
	"attestd/internal/catalogue"
)

// testChain builds a three-certificate attestation chain (root,
// intermediate, leaf) with the leaf carrying a keystore attestation
// extension encoding kd, and returns it leaf-first the way the wire
// format requires, plus a CertPool trusting the root.
func testChain(t *testing.T, kd keyDescription) (chainDER [][]byte, roots *x509.CertPool) {
	t.Helper()

	rootKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	rootTpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "test root"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign,
	}
	rootDER, err := x509.CreateCertificate(rand.Reader, rootTpl, rootTpl, &rootKey.PublicKey, rootKey)
	require.NoError(t, err)
	rootCert, err := x509.ParseCertificate(rootDER)
	require.NoError(t, err)

	interKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	interTpl := &x509.Certificate{
		SerialNumber:          big.NewInt(2),
		Subject:               pkix.Name{CommonName: "test intermediate"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign,
	}
	interDER, err := x509.CreateCertificate(rand.Reader, interTpl, rootCert, &interKey.PublicKey, rootKey)
	require.NoError(t, err)
	interCert, err := x509.ParseCertificate(interDER)
	require.NoError(t, err)

	extValue, err := asn1.Marshal(kd)
	require.NoError(t, err)

	leafKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	leafTpl := &x509.Certificate{
		SerialNumber: big.NewInt(3),
		Subject:      pkix.Name{CommonName: "test leaf"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		ExtraExtensions: []pkix.Extension{
			{Id: keyDescriptionOID, Value: extValue},
		},
	}
	leafDER, err := x509.CreateCertificate(rand.Reader, leafTpl, interCert, &leafKey.PublicKey, interKey)
	require.NoError(t, err)

	roots = x509.NewCertPool()
	roots.AddCert(rootCert)

	return [][]byte{leafDER, interDER, rootDER}, roots
}

func baseKeyDescription(nonce []byte, verifiedBootKey []byte) keyDescription {
	return keyDescription{
		AttestationVersion:       3,
		AttestationSecurityLevel: 1, // TEE
		KeymasterVersion:         3,
		KeymasterSecurityLevel:   1,
		AttestationChallenge:     nonce,
		UniqueID:                 nil,
		TEEEnforced: authorizationList{
			OSVersion:    140000,
			OSPatchLevel: 20260101,
			RootOfTrust: rootOfTrust{
				VerifiedBootKey:   verifiedBootKey,
				DeviceLocked:      true,
				VerifiedBootState: 0,
			},
		},
	}
}

func testCatalogue(t *testing.T, verifiedBootKeyHex string) *catalogue.Catalogue {
	t.Helper()
	doc := []byte(`
- verified_boot_key: "` + verifiedBootKeyHex + `"
  brand: Test
  model: Test Device
  label: "Test Device (TEE)"
  security_level: tee
  stock: true
`)
	cat, err := catalogue.LoadFrom(doc)
	require.NoError(t, err)
	return cat
}

func TestVerifySucceedsWithKnownCatalogueEntry(t *testing.T) {
	nonce := []byte("0123456789abcdef0123456789abcdef")
	verifiedBootKey := []byte("deadbeefdeadbeefdeadbeefdeadbeef")
	chain, roots := testChain(t, baseKeyDescription(nonce, verifiedBootKey))
	cat := testCatalogue(t, hex.EncodeToString(verifiedBootKey))

	v := New(roots, cat)
	report, err := v.Verify(chain, nonce)
	require.NoError(t, err)
	assert.Equal(t, catalogue.TEE, report.SecurityLevel)
	assert.Equal(t, hex.EncodeToString(verifiedBootKey), report.VerifiedBootKey)
	assert.Equal(t, "Test Device (TEE)", report.ModelLabel)
	assert.NotEmpty(t, report.Fingerprint)
}

func TestVerifyFingerprintIsDerivedFromSecondToRootCertificate(t *testing.T) {
	nonce := []byte("nonce-for-fingerprint-test-12345")
	verifiedBootKey := []byte("cafebabecafebabecafebabecafebabe")
	chain, roots := testChain(t, baseKeyDescription(nonce, verifiedBootKey))
	cat := testCatalogue(t, hex.EncodeToString(verifiedBootKey))

	v := New(roots, cat)
	report, err := v.Verify(chain, nonce)
	require.NoError(t, err)

	intermediate, err := x509.ParseCertificate(chain[1])
	require.NoError(t, err)
	assert.Equal(t, fingerprintOf(intermediate), report.Fingerprint,
		"fingerprint must key off the second-to-root certificate, not the leaf")
}

func TestVerifyRejectsStaleChallenge(t *testing.T) {
	nonce := []byte("the-real-nonce-the-server-issued")
	verifiedBootKey := []byte("0000000000000000000000000000000")
	chain, roots := testChain(t, baseKeyDescription(nonce, verifiedBootKey))
	cat := testCatalogue(t, hex.EncodeToString(verifiedBootKey))

	v := New(roots, cat)
	_, err := v.Verify(chain, []byte("a-different-nonce-than-was-sent!"))
	require.Error(t, err)
	assert.Equal(t, apperr.KindStaleChallenge, apperr.KindOf(err))
}

func TestVerifyRejectsUnknownVerifiedBootKey(t *testing.T) {
	nonce := []byte("nonce-unknown-device-case-123456")
	verifiedBootKey := []byte("ffffffffffffffffffffffffffffffff")
	chain, roots := testChain(t, baseKeyDescription(nonce, verifiedBootKey))
	// Catalogue knows a different key entirely.
	cat := testCatalogue(t, "1111111111111111111111111111111111111111111111111111111111111111")

	v := New(roots, cat)
	_, err := v.Verify(chain, nonce)
	require.Error(t, err)
	assert.Equal(t, apperr.KindUnknownDevice, apperr.KindOf(err))
}

func TestVerifyRejectsChainNotRootedInTrustedRoot(t *testing.T) {
	nonce := []byte("nonce-untrusted-root-case-1234567")
	verifiedBootKey := []byte("abababababababababababababababab")
	chain, _ := testChain(t, baseKeyDescription(nonce, verifiedBootKey))
	cat := testCatalogue(t, hex.EncodeToString(verifiedBootKey))

	untrustedRoots := x509.NewCertPool() // deliberately empty
	v := New(untrustedRoots, cat)
	_, err := v.Verify(chain, nonce)
	require.Error(t, err)
}

func TestExtractChallengeReadsLeafWithoutValidatingChain(t *testing.T) {
	nonce := []byte("extract-this-nonce-without-verify")
	verifiedBootKey := []byte("1234567890123456789012345678901")
	chain, _ := testChain(t, baseKeyDescription(nonce, verifiedBootKey))

	got, err := ExtractChallenge(chain)
	require.NoError(t, err)
	assert.Equal(t, nonce, got)
}
