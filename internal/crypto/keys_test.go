package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeySetAccessors(t *testing.T) {
	ks, err := NewKeySet()
	require.NoError(t, err)

	assert.False(t, ks.CreatedAt().IsZero())
	assert.Equal(t, &ks.RSAPrivateKey().PublicKey, ks.RSAPublicKey())
	assert.Equal(t, &ks.ECPrivateKey().PublicKey, ks.ECPublicKey())
	assert.Equal(t, []byte(WeakHMACSecret), ks.HMACSecret())

	rsaJWK, ok := ks.GetJWKByID(ks.RSAKeyID())
	require.True(t, ok)
	assert.Equal(t, "RSA", rsaJWK.Kty)

	ecJWK, ok := ks.GetJWKByID(ks.ECKeyID())
	require.True(t, ok)
	assert.Equal(t, "EC", ecJWK.Kty)

	_, ok = ks.GetJWKByID("no-such-kid")
	assert.False(t, ok)
}

func TestJWKThumbprint(t *testing.T) {
	ks, err := NewKeySet()
	require.NoError(t, err)

	rsaJWK, ok := ks.GetJWKByID(ks.RSAKeyID())
	require.True(t, ok)
	ecJWK, ok := ks.GetJWKByID(ks.ECKeyID())
	require.True(t, ok)

	rsaPrint := rsaJWK.Thumbprint()
	assert.NotEmpty(t, rsaPrint)
	assert.NotEqual(t, rsaPrint, ecJWK.Thumbprint())

	// Thumbprints are derived from the key material, not the kid.
	again, ok := ks.GetJWKByID(ks.RSAKeyID())
	require.True(t, ok)
	assert.Equal(t, rsaPrint, again.Thumbprint())

	assert.Empty(t, JWK{Kty: "OKP"}.Thumbprint())
}

func TestRotateReplacesKeys(t *testing.T) {
	ks, err := NewKeySet()
	require.NoError(t, err)

	oldRSAKid := ks.RSAKeyID()
	oldECKid := ks.ECKeyID()
	oldCreated := ks.CreatedAt()

	require.NoError(t, ks.Rotate())

	assert.NotEqual(t, oldRSAKid, ks.RSAKeyID())
	assert.NotEqual(t, oldECKid, ks.ECKeyID())
	assert.False(t, ks.CreatedAt().Before(oldCreated))

	// The rotated-out keys leave the published set.
	_, ok := ks.GetJWKByID(oldRSAKid)
	assert.False(t, ok)
	_, ok = ks.GetJWKByID(ks.RSAKeyID())
	assert.True(t, ok)
}
