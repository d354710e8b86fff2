package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSecureHasNoTogglesSet(t *testing.T) {
	p := Secure()
	assert.Equal(t, "secure", p.Name)

	assert.False(t, p.AcceptNoneAlgorithm)
	assert.False(t, p.SkipSignatureCheck)
	assert.False(t, p.SkipExpirationCheck)
	assert.False(t, p.SkipAudienceCheck)
	assert.False(t, p.SkipIssuerCheck)
	assert.False(t, p.AllowKeyConfusion)
	assert.False(t, p.DisablePKCE)
	assert.False(t, p.SkipStateValidation)
	assert.False(t, p.SkipNonceValidation)
	assert.False(t, p.AllowTokenInURL)
	assert.False(t, p.WeakSecret)
}

func TestPresetsAnchoredBySecure(t *testing.T) {
	presets := Presets()
	require.NotEmpty(t, presets)
	assert.Equal(t, "secure", presets[0].Name)

	seen := make(map[string]bool)
	for _, p := range presets {
		assert.NotEmpty(t, p.Name)
		assert.False(t, seen[p.Name], "duplicate preset %s", p.Name)
		seen[p.Name] = true
	}
}

func TestLookup(t *testing.T) {
	p, ok := Lookup("accept-none-alg")
	require.True(t, ok)
	assert.True(t, p.AcceptNoneAlgorithm)

	p, ok = Lookup("weak-secret")
	require.True(t, ok)
	assert.True(t, p.WeakSecret)

	_, ok = Lookup("does-not-exist")
	assert.False(t, ok)
}
