package pkce

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGeneratePKCE(t *testing.T) {
	p, err := GeneratePKCE()
	require.NoError(t, err)

	assert.Len(t, p.CodeVerifier, DefaultVerifierLength)
	assert.Equal(t, MethodS256, p.CodeChallengeMethod)
	assert.NoError(t, ValidateVerifier(p.CodeVerifier))
	assert.Equal(t, ChallengeS256(p.CodeVerifier), p.CodeChallenge)
}

func TestGeneratePKCEWithLength(t *testing.T) {
	for _, length := range []int{MinVerifierLength, 64, MaxVerifierLength} {
		p, err := GeneratePKCEWithLength(length)
		require.NoError(t, err)
		assert.Len(t, p.CodeVerifier, length)
		assert.True(t, VerifyChallenge(p.CodeVerifier, p.CodeChallenge, MethodS256))
	}
}

func TestGeneratePKCELengthBounds(t *testing.T) {
	_, err := GeneratePKCEWithLength(MinVerifierLength - 1)
	assert.Error(t, err)

	_, err = GeneratePKCEWithLength(MaxVerifierLength + 1)
	assert.Error(t, err)
}

func TestGeneratePKCEUnique(t *testing.T) {
	a, err := GeneratePKCE()
	require.NoError(t, err)
	b, err := GeneratePKCE()
	require.NoError(t, err)
	assert.NotEqual(t, a.CodeVerifier, b.CodeVerifier)
}

func TestVerifyChallenge(t *testing.T) {
	p, err := GeneratePKCE()
	require.NoError(t, err)

	assert.True(t, VerifyChallenge(p.CodeVerifier, p.CodeChallenge, MethodS256))
	assert.False(t, VerifyChallenge(p.CodeVerifier+"x", p.CodeChallenge, MethodS256))
	assert.False(t, VerifyChallenge(p.CodeVerifier, p.CodeChallenge, "S512"))

	// plain compares the verifier directly
	assert.True(t, VerifyChallenge("abc", "abc", MethodPlain))
	assert.False(t, VerifyChallenge("abc", "abd", MethodPlain))
}

func TestValidateVerifier(t *testing.T) {
	assert.Error(t, ValidateVerifier(strings.Repeat("a", MinVerifierLength-1)))
	assert.Error(t, ValidateVerifier(strings.Repeat("a", MaxVerifierLength+1)))
	assert.Error(t, ValidateVerifier(strings.Repeat("a", 42)+"!"))
	assert.NoError(t, ValidateVerifier(strings.Repeat("a", MinVerifierLength)))
}

func TestStateConsumeOnce(t *testing.T) {
	st, err := GenerateState()
	require.NoError(t, err)

	require.NoError(t, st.Consume(st.Value))
	assert.True(t, st.Used())

	// Second consumption is a replay, even with the correct value.
	assert.ErrorIs(t, st.Consume(st.Value), ErrStateReplay)
}

func TestStateMismatch(t *testing.T) {
	st, err := GenerateState()
	require.NoError(t, err)

	assert.ErrorIs(t, st.Consume("not-the-state"), ErrStateMismatch)
	// A mismatch does not consume the state.
	assert.False(t, st.Used())
	assert.NoError(t, st.Consume(st.Value))
}

func TestStateExpired(t *testing.T) {
	st, err := GenerateState()
	require.NoError(t, err)
	st.ExpiresAt = time.Now().Add(-time.Second)

	assert.ErrorIs(t, st.Consume(st.Value), ErrStateExpired)
}

func TestStateReplayReportedBeforeMismatch(t *testing.T) {
	st, err := GenerateState()
	require.NoError(t, err)
	require.NoError(t, st.Consume(st.Value))

	// A consumed state reports replay even when the echoed value is wrong.
	assert.ErrorIs(t, st.Consume("wrong"), ErrStateReplay)
}

func TestNonceConsume(t *testing.T) {
	n, err := GenerateNonce()
	require.NoError(t, err)

	assert.ErrorIs(t, n.Consume("other"), ErrNonceMismatch)
	require.NoError(t, n.Consume(n.Value))
	assert.ErrorIs(t, n.Consume(n.Value), ErrNonceReplay)
}
