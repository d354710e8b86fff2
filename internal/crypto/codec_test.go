package crypto

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeRejectsWrongSegmentCount(t *testing.T) {
	for _, raw := range []string{
		"",
		"onlyheader",
		"header.payload",
		"a.b.c.d",
	} {
		_, err := Decode(raw)
		assert.ErrorIs(t, err, ErrMalformedToken, "input %q", raw)
	}
}

func TestDecodeRejectsBadSegments(t *testing.T) {
	// Standard base64 padding is not valid base64url-without-padding.
	_, err := Decode("aGVsbG8=.e30.")
	assert.ErrorIs(t, err, ErrMalformedToken)

	// Valid base64url but not JSON.
	_, err = Decode("bm90anNvbg.e30.")
	assert.ErrorIs(t, err, ErrMalformedToken)
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	claims := Claims{
		"iss":   "https://issuer.example",
		"sub":   "alice",
		"aud":   "demo-app",
		"exp":   float64(time.Now().Add(time.Hour).Unix()),
		"nonce": "n-123",
		"scope": "openid profile",
	}

	raw, err := Encode(map[string]any{"alg": "none", "typ": "JWT"}, claims, nil)
	require.NoError(t, err)

	tok, err := Decode(raw)
	require.NoError(t, err)

	assert.Equal(t, "none", tok.Header.Algorithm)
	assert.Equal(t, "JWT", tok.Header.Type)
	assert.Empty(t, tok.Signature)
	assert.Equal(t, "https://issuer.example", tok.Claims.Issuer())
	assert.Equal(t, "alice", tok.Claims.Subject())
	assert.Equal(t, []string{"demo-app"}, tok.Claims.Audience())
	assert.Equal(t, "n-123", tok.Claims.Nonce())
	assert.Equal(t, "openid profile", tok.Claims.Scope())

	exp, ok := tok.Claims.ExpiresAt()
	assert.True(t, ok)
	assert.WithinDuration(t, time.Now().Add(time.Hour), exp, 2*time.Second)
}

func TestAudienceNormalization(t *testing.T) {
	assert.Equal(t, []string{"a"}, Claims{"aud": "a"}.Audience())
	assert.Equal(t, []string{"a", "b"}, Claims{"aud": []any{"a", "b"}}.Audience())
	assert.Nil(t, Claims{}.Audience())
	assert.Nil(t, Claims{"aud": 42}.Audience())
}

func TestNumericDateMissing(t *testing.T) {
	_, ok := Claims{}.ExpiresAt()
	assert.False(t, ok)

	_, ok = Claims{"exp": "not-a-number"}.ExpiresAt()
	assert.False(t, ok)
}

func TestAlgorithmFamily(t *testing.T) {
	assert.Equal(t, FamilyNone, AlgorithmFamily("none"))
	assert.Equal(t, FamilyNone, AlgorithmFamily(""))
	assert.Equal(t, FamilySymmetric, AlgorithmFamily("HS256"))
	assert.Equal(t, FamilyAsymmetric, AlgorithmFamily("RS256"))
	assert.Equal(t, FamilyAsymmetric, AlgorithmFamily("ES256"))
	assert.Equal(t, FamilyAsymmetric, AlgorithmFamily("PS384"))
	assert.Equal(t, FamilyAsymmetric, AlgorithmFamily("EdDSA"))
	assert.Equal(t, FamilyUnknown, AlgorithmFamily("XX999"))
}

func TestKeyTypeFamily(t *testing.T) {
	assert.Equal(t, FamilySymmetric, KeyTypeFamily("oct"))
	assert.Equal(t, FamilyAsymmetric, KeyTypeFamily("RSA"))
	assert.Equal(t, FamilyAsymmetric, KeyTypeFamily("EC"))
	assert.Equal(t, FamilyUnknown, KeyTypeFamily("???"))
}

func TestVerifySignatureRoundTrip(t *testing.T) {
	ks, err := NewKeySet()
	require.NoError(t, err)
	svc := NewJWTService(ks, "https://issuer.example")

	raw, err := svc.CreateAccessToken("alice", "demo-app", "openid", time.Hour, nil)
	require.NoError(t, err)

	tok, err := Decode(raw)
	require.NoError(t, err)
	require.Equal(t, "RS256", tok.Header.Algorithm)
	require.Equal(t, ks.RSAKeyID(), tok.Header.KeyID)

	assert.True(t, VerifySignature(tok.SigningInput, tok.Signature, ks.RSAPublicKey(), "RS256"))

	// Tampering with the payload breaks the signature.
	tampered := tok.SigningInput + "x"
	assert.False(t, VerifySignature(tampered, tok.Signature, ks.RSAPublicKey(), "RS256"))
}

func TestVerifySignatureNoneAlwaysFails(t *testing.T) {
	assert.False(t, VerifySignature("a.b", nil, nil, "none"))
	assert.False(t, VerifySignature("a.b", []byte("sig"), []byte("key"), "none"))
}

func TestWeakHMACTokenVerifiesWithPublishedSecret(t *testing.T) {
	ks, err := NewKeySet()
	require.NoError(t, err)
	svc := NewJWTService(ks, "https://issuer.example")

	raw, err := svc.CreateWeakHMACToken("alice", "demo-app", "openid", time.Hour)
	require.NoError(t, err)

	tok, err := Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, "HS256", tok.Header.Algorithm)
	assert.True(t, VerifySignature(tok.SigningInput, tok.Signature, []byte(WeakHMACSecret), "HS256"))
}

func TestJWKSResolution(t *testing.T) {
	ks, err := NewKeySet()
	require.NoError(t, err)

	jwks := ks.PublicJWKS()
	require.Len(t, jwks.Keys, 2)

	// The symmetric secret is never published.
	for _, k := range jwks.Keys {
		assert.NotEqual(t, "oct", k.Kty)
	}

	rsaJWK, err := jwks.GetKeyByID(ks.RSAKeyID())
	require.NoError(t, err)
	key, err := rsaJWK.ToVerificationKey()
	require.NoError(t, err)
	assert.Equal(t, ks.RSAPublicKey(), key)

	_, err = jwks.GetKeyByID("missing")
	assert.Error(t, err)
}

func TestUnsignedTokenShape(t *testing.T) {
	ks, err := NewKeySet()
	require.NoError(t, err)
	svc := NewJWTService(ks, "https://issuer.example")

	raw, err := svc.CreateUnsignedToken("alice", "demo-app", "openid", time.Hour)
	require.NoError(t, err)

	tok, err := Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, "none", tok.Header.Algorithm)
	assert.Empty(t, tok.Signature)
}
