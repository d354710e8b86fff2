package flow

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ParleSec/FlowGlass/internal/crypto"
	"github.com/ParleSec/FlowGlass/internal/mockidp"
	"github.com/ParleSec/FlowGlass/internal/policy"
	"github.com/ParleSec/FlowGlass/internal/tokenval"
	"github.com/ParleSec/FlowGlass/pkg/models"
)

// fixture runs the embedded provider behind httptest and wires a validation
// engine at its JWKS endpoint, so machines exercise the real wire path.
type fixture struct {
	provider  *mockidp.Provider
	server    *httptest.Server
	discovery *models.DiscoveryDocument
	engine    *tokenval.Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	ks, err := crypto.NewKeySet()
	require.NoError(t, err)

	provider := mockidp.NewProvider(ks, "http://placeholder")
	server := httptest.NewServer(provider.Routes())
	t.Cleanup(server.Close)
	provider.SetIssuer(server.URL)

	discovery, err := FetchDiscovery(context.Background(), server.Client(), server.URL)
	require.NoError(t, err)

	resolver := crypto.NewResolver(5*time.Minute, zerolog.Nop())
	resolver.RegisterJWKSURL(server.URL, discovery.JwksURI)

	return &fixture{
		provider:  provider,
		server:    server,
		discovery: discovery,
		engine:    tokenval.NewEngine(resolver, zerolog.Nop()),
	}
}

func (fx *fixture) config(pol policy.Policy) Config {
	return Config{
		ClientID:    "public-app",
		RedirectURI: "http://localhost:8080/callback",
		Scope:       "openid profile email",
		Discovery:   fx.discovery,
		Policy:      pol,
		Engine:      fx.engine,
		Logger:      zerolog.Nop(),
	}
}

// authorize visits the authorization URL without following the redirect and
// returns the code and state from the Location header.
func (fx *fixture) authorize(t *testing.T, authURL string) (code, state string) {
	t.Helper()

	client := &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}}
	resp, err := client.Get(authURL)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusFound, resp.StatusCode)

	loc, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(t, err)
	return loc.Query().Get("code"), loc.Query().Get("state")
}

func TestAuthCodeHappyPath(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	m, err := New(TypeAuthorizationCodePKCE, fx.config(policy.Secure()))
	require.NoError(t, err)
	require.NoError(t, m.Start(ctx))
	assert.Equal(t, StateAwaitingAuthorization, m.CurrentState())

	authURL := m.(AuthorizationURLer).AuthorizationURL()
	require.NotEmpty(t, authURL)

	// The secure request carries PKCE, state, and nonce.
	u, err := url.Parse(authURL)
	require.NoError(t, err)
	q := u.Query()
	assert.NotEmpty(t, q.Get("code_challenge"))
	assert.Equal(t, "S256", q.Get("code_challenge_method"))
	assert.NotEmpty(t, q.Get("state"))
	assert.NotEmpty(t, q.Get("nonce"))

	code, state := fx.authorize(t, authURL)
	require.NotEmpty(t, code)

	require.NoError(t, m.Advance(ctx, AuthorizationResponse{Code: code, State: state}))

	exec := m.Execution()
	assert.Equal(t, StatusComplete, exec.Status)
	require.NotNil(t, exec.Tokens)
	assert.NotEmpty(t, exec.Tokens.AccessToken)
	assert.NotEmpty(t, exec.Tokens.IDToken)

	require.Contains(t, exec.Validation, "access_token")
	assert.True(t, exec.Validation["access_token"].Valid)
	require.Contains(t, exec.Validation, "id_token")
	assert.True(t, exec.Validation["id_token"].Valid)
}

func TestAuthCodeSecretsRedactedInTrace(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	m, err := New(TypeAuthorizationCodePKCE, fx.config(policy.Secure()))
	require.NoError(t, err)
	require.NoError(t, m.Start(ctx))

	code, state := fx.authorize(t, m.(AuthorizationURLer).AuthorizationURL())
	require.NoError(t, m.Advance(ctx, AuthorizationResponse{Code: code, State: state}))

	var exchange *Step
	for _, s := range m.Execution().Steps {
		if s.Name == "exchange_code" {
			exchange = s
		}
	}
	require.NotNil(t, exchange)
	require.NotNil(t, exchange.Request)
	assert.Equal(t, "[REDACTED]", exchange.Request.Params["code_verifier"])
}

func TestAuthCodeVulnerablePoliciesOmitParameters(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	pol, ok := policy.Lookup("no-pkce")
	require.True(t, ok)
	m, err := New(TypeAuthorizationCodePKCE, fx.config(pol))
	require.NoError(t, err)
	require.NoError(t, m.Start(ctx))

	u, err := url.Parse(m.(AuthorizationURLer).AuthorizationURL())
	require.NoError(t, err)
	assert.False(t, u.Query().Has("code_challenge"))
	assert.False(t, u.Query().Has("code_challenge_method"))
	assert.True(t, u.Query().Has("state"))

	pol, ok = policy.Lookup("no-state")
	require.True(t, ok)
	m, err = New(TypeAuthorizationCodePKCE, fx.config(pol))
	require.NoError(t, err)
	require.NoError(t, m.Start(ctx))

	u, err = url.Parse(m.(AuthorizationURLer).AuthorizationURL())
	require.NoError(t, err)
	assert.False(t, u.Query().Has("state"))
	assert.True(t, u.Query().Has("code_challenge"))
}

func TestAuthCodeStateTampering(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	m, err := New(TypeAuthorizationCodePKCE, fx.config(policy.Secure()))
	require.NoError(t, err)
	require.NoError(t, m.Start(ctx))

	code, _ := fx.authorize(t, m.(AuthorizationURLer).AuthorizationURL())

	err = m.Advance(ctx, AuthorizationResponse{Code: code, State: "tampered"})
	require.Error(t, err)
	var ferr *Error
	require.ErrorAs(t, err, &ferr)
	assert.Equal(t, ErrKindStateMismatch, ferr.Kind)
	assert.Equal(t, StatusError, m.Execution().Status)

	// The execution is frozen after the terminal failure.
	err = m.Advance(ctx, AuthorizationResponse{Code: code, State: "anything"})
	require.ErrorAs(t, err, &ferr)
	assert.Equal(t, ErrKindFlowFrozen, ferr.Kind)
}

func TestAuthCodeReplayedCodeRejected(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	first, err := New(TypeAuthorizationCodePKCE, fx.config(policy.Secure()))
	require.NoError(t, err)
	require.NoError(t, first.Start(ctx))
	code, state := fx.authorize(t, first.(AuthorizationURLer).AuthorizationURL())
	require.NoError(t, first.Advance(ctx, AuthorizationResponse{Code: code, State: state}))

	// A second flow presenting the already-consumed code gets the server's
	// invalid_grant verbatim.
	second, err := New(TypeAuthorizationCodePKCE, fx.config(policy.Secure()))
	require.NoError(t, err)
	require.NoError(t, second.Start(ctx))
	_, state2 := fx.authorize(t, second.(AuthorizationURLer).AuthorizationURL())

	err = second.Advance(ctx, AuthorizationResponse{Code: code, State: state2})
	var ferr *Error
	require.ErrorAs(t, err, &ferr)
	assert.Equal(t, ErrKindInvalidGrant, ferr.Kind)
}

func TestAuthCodeUserDenial(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	m, err := New(TypeAuthorizationCodePKCE, fx.config(policy.Secure()))
	require.NoError(t, err)
	require.NoError(t, m.Start(ctx))

	err = m.Advance(ctx, AuthorizationResponse{Error: "access_denied", ErrorDescription: "the user said no"})
	var ferr *Error
	require.ErrorAs(t, err, &ferr)
	assert.Equal(t, ErrKindAccessDenied, ferr.Kind)
}

func TestStartTwiceIsFrozen(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	m, err := New(TypeAuthorizationCodePKCE, fx.config(policy.Secure()))
	require.NoError(t, err)
	require.NoError(t, m.Start(ctx))

	err = m.Start(ctx)
	var ferr *Error
	require.ErrorAs(t, err, &ferr)
	assert.Equal(t, ErrKindFlowFrozen, ferr.Kind)
}

func TestClientCredentials(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	cfg := fx.config(policy.Secure())
	cfg.ClientID = "machine-client"
	cfg.ClientSecret = "machine-secret"
	cfg.Scope = "api:read"
	cfg.RedirectURI = ""

	m, err := New(TypeClientCredentials, cfg)
	require.NoError(t, err)
	require.NoError(t, m.Start(ctx))

	exec := m.Execution()
	assert.Equal(t, StatusComplete, exec.Status)
	require.NotNil(t, exec.Tokens)
	assert.NotEmpty(t, exec.Tokens.AccessToken)
	assert.Empty(t, exec.Tokens.RefreshToken)
	assert.Empty(t, exec.Tokens.IDToken)
	assert.True(t, exec.Validation["access_token"].Valid)

	// No await point: Advance always refuses.
	err = m.Advance(ctx, AuthorizationResponse{})
	var ferr *Error
	require.ErrorAs(t, err, &ferr)
	assert.Equal(t, ErrKindProtocol, ferr.Kind)
}

func TestClientCredentialsBadSecret(t *testing.T) {
	fx := newFixture(t)

	cfg := fx.config(policy.Secure())
	cfg.ClientID = "machine-client"
	cfg.ClientSecret = "wrong"

	m, err := New(TypeClientCredentials, cfg)
	require.NoError(t, err)

	err = m.Start(context.Background())
	require.Error(t, err)
	assert.Equal(t, StatusError, m.Execution().Status)
}

// countingDoer fails every call and counts them, to prove local rejections
// never reach the network.
type countingDoer struct{ calls int }

func (d *countingDoer) Do(ctx context.Context, req *Request) (*Response, error) {
	d.calls++
	return &Response{Status: 500, Body: "{}"}, nil
}

func TestRefreshScopeExpansionRejectedLocally(t *testing.T) {
	fx := newFixture(t)
	doer := &countingDoer{}

	cfg := fx.config(policy.Secure())
	cfg.RefreshToken = "some-refresh-token"
	cfg.OriginalScope = "openid profile"
	cfg.Scope = "openid profile admin"
	cfg.HTTP = doer

	m, err := New(TypeRefreshToken, cfg)
	require.NoError(t, err)

	err = m.Start(context.Background())
	var ferr *Error
	require.ErrorAs(t, err, &ferr)
	assert.Equal(t, ErrKindScopeExpansion, ferr.Kind)
	assert.Equal(t, 0, doer.calls, "scope expansion must be rejected before any network call")
}

func TestRefreshRotation(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	fx.provider.StoreRefreshToken("seed-refresh-token", "public-app", "alice", "openid profile")

	cfg := fx.config(policy.Secure())
	cfg.RefreshToken = "seed-refresh-token"
	cfg.OriginalScope = "openid profile"
	cfg.Scope = "openid"

	m, err := New(TypeRefreshToken, cfg)
	require.NoError(t, err)
	require.NoError(t, m.Start(ctx))

	exec := m.Execution()
	assert.Equal(t, StatusComplete, exec.Status)
	require.NotNil(t, exec.Tokens)
	assert.NotEmpty(t, exec.Tokens.AccessToken)
	assert.NotEqual(t, "seed-refresh-token", exec.Tokens.RefreshToken)

	// The presented token was rotated out; replaying it fails.
	replay, err := New(TypeRefreshToken, cfg)
	require.NoError(t, err)
	err = replay.Start(ctx)
	var ferr *Error
	require.ErrorAs(t, err, &ferr)
	assert.Equal(t, ErrKindInvalidGrant, ferr.Kind)
}

func TestRefreshWithoutToken(t *testing.T) {
	fx := newFixture(t)

	cfg := fx.config(policy.Secure())
	cfg.RefreshToken = ""

	m, err := New(TypeRefreshToken, cfg)
	require.NoError(t, err)

	err = m.Start(context.Background())
	var ferr *Error
	require.ErrorAs(t, err, &ferr)
	assert.Equal(t, ErrKindInvalidGrant, ferr.Kind)
}

func TestDeviceFlowApproved(t *testing.T) {
	if testing.Short() {
		t.Skip("device flow polls at the server-advertised interval")
	}

	fx := newFixture(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cfg := fx.config(policy.Secure())
	cfg.ClientID = "tv-app"
	cfg.Scope = "openid profile"
	cfg.RedirectURI = ""

	m, err := New(TypeDeviceAuthorization, cfg)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- m.Start(ctx) }()

	// Wait for the device authorization step to publish the user code, then
	// approve out of band the way a user would on the verification page.
	var grant *models.DeviceAuthorizationResponse
	require.Eventually(t, func() bool {
		grant = m.(DeviceAuthorizer).DeviceAuthorization()
		return grant != nil
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, fx.provider.ApproveDeviceGrant(grant.UserCode, "alice"))

	require.NoError(t, <-done)
	exec := m.Execution()
	assert.Equal(t, StatusComplete, exec.Status)
	require.NotNil(t, exec.Tokens)
	assert.NotEmpty(t, exec.Tokens.AccessToken)
	assert.NotEmpty(t, exec.Tokens.IDToken)
	assert.True(t, exec.Validation["access_token"].Valid)
}

func TestDeviceFlowCancelled(t *testing.T) {
	fx := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())

	cfg := fx.config(policy.Secure())
	cfg.ClientID = "tv-app"
	cfg.Scope = "openid profile"
	cfg.RedirectURI = ""

	m, err := New(TypeDeviceAuthorization, cfg)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- m.Start(ctx) }()

	require.Eventually(t, func() bool {
		return m.(DeviceAuthorizer).DeviceAuthorization() != nil
	}, 5*time.Second, 10*time.Millisecond)
	cancel()

	err = <-done
	var ferr *Error
	require.ErrorAs(t, err, &ferr)
	assert.Equal(t, ErrKindTransport, ferr.Kind)
	assert.Equal(t, StatusError, m.Execution().Status)
}

func TestNonExecutableFlowTypes(t *testing.T) {
	fx := newFixture(t)

	for _, typ := range []Type{TypeImplicit, TypeResourceOwnerPassword, Type("bogus")} {
		_, err := New(typ, fx.config(policy.Secure()))
		var ferr *Error
		require.ErrorAs(t, err, &ferr, "type %s", typ)
		assert.Equal(t, ErrKindUnsupportedFlow, ferr.Kind, "type %s", typ)
	}
}

func TestNewRequiresDiscovery(t *testing.T) {
	_, err := New(TypeAuthorizationCodePKCE, Config{})
	require.Error(t, err)
}

func TestScopeExpansion(t *testing.T) {
	assert.Nil(t, scopeExpansion("openid profile", ""))
	assert.Nil(t, scopeExpansion("openid profile", "openid"))
	assert.Equal(t, []string{"admin"}, scopeExpansion("openid profile", "openid admin"))
	assert.Equal(t, []string{"a", "b"}, scopeExpansion("", "a b"))
}

func TestDeviceFlowCodeExpiresLocally(t *testing.T) {
	if testing.Short() {
		t.Skip("polls in real time")
	}

	// A stub issuer whose device code expires before the first poll and
	// whose token endpoint never stops answering authorization_pending. The
	// machine must enforce expires_in itself.
	mux := http.NewServeMux()
	mux.HandleFunc("/device_authorization", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"device_code":"dc-1","user_code":"AAAA-BBBB","verification_uri":"http://stub/device","expires_in":1,"interval":2}`))
	})
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"authorization_pending"}`))
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	cfg := Config{
		ClientID: "tv-app",
		Scope:    "openid",
		Discovery: &models.DiscoveryDocument{
			Issuer:                      server.URL,
			TokenEndpoint:               server.URL + "/token",
			DeviceAuthorizationEndpoint: server.URL + "/device_authorization",
		},
		Policy: policy.Secure(),
		Logger: zerolog.Nop(),
	}
	m, err := New(TypeDeviceAuthorization, cfg)
	require.NoError(t, err)

	err = m.Start(context.Background())
	var ferr *Error
	require.ErrorAs(t, err, &ferr)
	assert.Equal(t, ErrKindDeviceCodeExpired, ferr.Kind)
	assert.Equal(t, StatusError, m.Execution().Status)
}

func TestSnapshotDuringBackgroundFlow(t *testing.T) {
	fx := newFixture(t)

	cfg := fx.config(policy.Secure())
	cfg.ClientID = "machine-client"
	cfg.ClientSecret = "machine-secret"
	cfg.Scope = "api:read"
	cfg.RedirectURI = ""

	m, err := New(TypeClientCredentials, cfg)
	require.NoError(t, err)

	// Readers race the running machine the way API handlers do while Start
	// runs in the background.
	done := make(chan error, 1)
	go func() { done <- m.Start(context.Background()) }()

	for {
		select {
		case err := <-done:
			require.NoError(t, err)
			snap := m.Execution().Snapshot()
			assert.Equal(t, StatusComplete, snap.Status)
			assert.Equal(t, StateComplete, m.CurrentState())
			return
		default:
			snap := m.Execution().Snapshot()
			for _, s := range snap.Steps {
				_ = s.Detail
			}
			_ = m.CurrentState()
		}
	}
}

func TestExecutionSnapshotIsIndependent(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	m, err := New(TypeAuthorizationCodePKCE, fx.config(policy.Secure()))
	require.NoError(t, err)
	require.NoError(t, m.Start(ctx))

	snap := m.Execution().Snapshot()
	require.Len(t, snap.Steps, 1)

	// Mutating the snapshot leaves the live execution untouched.
	snap.Steps[0].Name = "mutated"
	assert.Equal(t, "build_authorization_request", m.Execution().Steps[0].Name)
}
