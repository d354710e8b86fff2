package mockidp

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ParleSec/FlowGlass/internal/crypto"
	"github.com/ParleSec/FlowGlass/internal/pkce"
)

func newProvider(t *testing.T) *Provider {
	t.Helper()
	ks, err := crypto.NewKeySet()
	require.NoError(t, err)
	return NewProvider(ks, "https://idp.example")
}

func TestDemoDataLoaded(t *testing.T) {
	p := newProvider(t)

	for _, id := range []string{"alice", "bob", "admin"} {
		_, ok := p.GetUser(id)
		assert.True(t, ok, "user %s", id)
	}
	for _, id := range []string{"demo-app", "public-app", "machine-client", "tv-app"} {
		_, ok := p.GetClient(id)
		assert.True(t, ok, "client %s", id)
	}
}

func TestValidateClient(t *testing.T) {
	p := newProvider(t)

	_, err := p.ValidateClient("demo-app", "demo-secret")
	assert.NoError(t, err)

	_, err = p.ValidateClient("demo-app", "wrong")
	assert.Error(t, err)

	// Public clients carry no secret.
	_, err = p.ValidateClient("public-app", "")
	assert.NoError(t, err)

	_, err = p.ValidateClient("ghost", "")
	assert.Error(t, err)
}

func TestAuthorizationCodeSingleUse(t *testing.T) {
	p := newProvider(t)

	params, err := pkce.GeneratePKCE()
	require.NoError(t, err)

	code, err := p.CreateAuthorizationCode(
		"public-app", "alice", "http://localhost:8080/callback",
		"openid", "st", "n", params.CodeChallenge, params.CodeChallengeMethod,
	)
	require.NoError(t, err)

	got, err := p.ConsumeAuthorizationCode(code.Code, "public-app", "http://localhost:8080/callback", params.CodeVerifier)
	require.NoError(t, err)
	assert.Equal(t, "alice", got.UserID)

	// The code is gone after the first exchange, successful or not.
	_, err = p.ConsumeAuthorizationCode(code.Code, "public-app", "http://localhost:8080/callback", params.CodeVerifier)
	assert.Error(t, err)
}

func TestAuthorizationCodeConsumedEvenOnFailure(t *testing.T) {
	p := newProvider(t)

	params, err := pkce.GeneratePKCE()
	require.NoError(t, err)

	code, err := p.CreateAuthorizationCode(
		"public-app", "alice", "http://localhost:8080/callback",
		"openid", "", "", params.CodeChallenge, params.CodeChallengeMethod,
	)
	require.NoError(t, err)

	// Wrong client on the first attempt burns the code.
	_, err = p.ConsumeAuthorizationCode(code.Code, "demo-app", "http://localhost:8080/callback", params.CodeVerifier)
	require.Error(t, err)

	_, err = p.ConsumeAuthorizationCode(code.Code, "public-app", "http://localhost:8080/callback", params.CodeVerifier)
	assert.Error(t, err)
}

func TestAuthorizationCodePKCEMismatch(t *testing.T) {
	p := newProvider(t)

	params, err := pkce.GeneratePKCE()
	require.NoError(t, err)
	other, err := pkce.GeneratePKCE()
	require.NoError(t, err)

	code, err := p.CreateAuthorizationCode(
		"public-app", "alice", "http://localhost:8080/callback",
		"openid", "", "", params.CodeChallenge, params.CodeChallengeMethod,
	)
	require.NoError(t, err)

	_, err = p.ConsumeAuthorizationCode(code.Code, "public-app", "http://localhost:8080/callback", other.CodeVerifier)
	assert.Error(t, err)
}

func TestCreateAuthorizationCodeRejectsUnknownMethod(t *testing.T) {
	p := newProvider(t)

	_, err := p.CreateAuthorizationCode("public-app", "alice", "http://localhost:8080/callback", "openid", "", "", "challenge", "S512")
	assert.Error(t, err)
}

func TestRefreshTokenRotation(t *testing.T) {
	p := newProvider(t)

	p.StoreRefreshToken("rt-1", "public-app", "alice", "openid profile")

	rt, err := p.ConsumeRefreshToken("rt-1", "public-app")
	require.NoError(t, err)
	assert.Equal(t, "alice", rt.UserID)
	assert.Equal(t, "openid profile", rt.Scope)

	_, err = p.ConsumeRefreshToken("rt-1", "public-app")
	assert.Error(t, err, "consumed token must not be reusable")
}

func TestConsumeRefreshTokenWrongClient(t *testing.T) {
	p := newProvider(t)

	p.StoreRefreshToken("rt-2", "public-app", "alice", "openid")
	_, err := p.ConsumeRefreshToken("rt-2", "demo-app")
	assert.Error(t, err)
}

func TestScopeSubset(t *testing.T) {
	assert.True(t, ScopeSubset("openid profile email", ""))
	assert.True(t, ScopeSubset("openid profile email", "openid email"))
	assert.False(t, ScopeSubset("openid profile", "openid admin"))
	assert.False(t, ScopeSubset("", "openid"))
}

func TestDeviceGrantLifecycle(t *testing.T) {
	p := newProvider(t)

	grant := p.CreateDeviceGrant("tv-app", "openid profile")
	assert.NotEmpty(t, grant.DeviceCode)
	assert.Regexp(t, `^[BCDFGHJKLMNPQRSTVWXZ]{4}-[BCDFGHJKLMNPQRSTVWXZ]{4}$`, grant.UserCode)

	_, errCode := p.PollDeviceGrant(grant.DeviceCode, "tv-app")
	assert.Equal(t, "authorization_pending", errCode)

	require.NoError(t, p.ApproveDeviceGrant(grant.UserCode, "alice"))

	// Polling again inside the interval earns slow_down and widens it.
	before := grant.Interval
	_, errCode = p.PollDeviceGrant(grant.DeviceCode, "tv-app")
	assert.Equal(t, "slow_down", errCode)
	assert.Equal(t, before+5, grant.Interval)
}

func TestDeviceGrantApprovedPoll(t *testing.T) {
	p := newProvider(t)

	grant := p.CreateDeviceGrant("tv-app", "openid")
	require.NoError(t, p.ApproveDeviceGrant(grant.UserCode, "bob"))

	got, errCode := p.PollDeviceGrant(grant.DeviceCode, "tv-app")
	require.Empty(t, errCode)
	assert.Equal(t, "bob", got.UserID)

	// The grant is single-use.
	_, errCode = p.PollDeviceGrant(grant.DeviceCode, "tv-app")
	assert.Equal(t, "invalid_grant", errCode)
}

func TestDeviceGrantDenied(t *testing.T) {
	p := newProvider(t)

	grant := p.CreateDeviceGrant("tv-app", "openid")
	require.NoError(t, p.DenyDeviceGrant(grant.UserCode))

	_, errCode := p.PollDeviceGrant(grant.DeviceCode, "tv-app")
	assert.Equal(t, "access_denied", errCode)
}

func TestDeviceGrantExpired(t *testing.T) {
	p := newProvider(t)

	grant := p.CreateDeviceGrant("tv-app", "openid")
	grant.DeviceExpiresAt = time.Now().Add(-time.Second)

	_, errCode := p.PollDeviceGrant(grant.DeviceCode, "tv-app")
	assert.Equal(t, "expired_token", errCode)
}

func TestDeviceGrantWrongClient(t *testing.T) {
	p := newProvider(t)

	grant := p.CreateDeviceGrant("tv-app", "openid")
	_, errCode := p.PollDeviceGrant(grant.DeviceCode, "demo-app")
	assert.Equal(t, "invalid_grant", errCode)
}

func TestIssueTokens(t *testing.T) {
	p := newProvider(t)

	resp, err := p.IssueTokens("alice", "public-app", "openid profile", "nonce-1")
	require.NoError(t, err)

	assert.NotEmpty(t, resp.AccessToken)
	assert.NotEmpty(t, resp.RefreshToken)
	assert.Equal(t, "Bearer", resp.TokenType)

	require.NotEmpty(t, resp.IDToken)
	tok, err := crypto.Decode(resp.IDToken)
	require.NoError(t, err)
	assert.Equal(t, "nonce-1", tok.Claims.Nonce())
	assert.Equal(t, "https://idp.example", tok.Claims.Issuer())

	// The refresh token is stored for later rotation.
	_, err = p.ConsumeRefreshToken(resp.RefreshToken, "public-app")
	assert.NoError(t, err)
}

func TestIssueTokensWithoutOpenIDScope(t *testing.T) {
	p := newProvider(t)

	resp, err := p.IssueTokens("alice", "public-app", "profile", "")
	require.NoError(t, err)
	assert.Empty(t, resp.IDToken)
	assert.NotEmpty(t, resp.AccessToken)
}

func TestUserClaims(t *testing.T) {
	p := newProvider(t)

	claims := p.UserClaims("alice", []string{"openid", "profile", "email"})
	assert.Equal(t, "alice", claims["sub"])
	assert.NotEmpty(t, claims["name"])
	assert.NotEmpty(t, claims["email"])

	bare := p.UserClaims("alice", []string{"openid"})
	assert.NotContains(t, bare, "email")
}
