// Package mockidp is the embedded demonstration authorization server. It
// exists so every flow in this tool can run end to end against a live issuer
// without external accounts: authorization code with PKCE, client
// credentials, device authorization, and refresh with rotation. All state is
// in memory and resets on restart.
package mockidp

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/ParleSec/FlowGlass/internal/crypto"
	"github.com/ParleSec/FlowGlass/internal/pkce"
	"github.com/ParleSec/FlowGlass/pkg/models"
)

const (
	authCodeTTL     = 10 * time.Minute
	accessTokenTTL  = time.Hour
	refreshTokenTTL = 24 * time.Hour
	deviceCodeTTL   = 5 * time.Minute
	devicePollSecs  = 5
)

// Provider is the in-memory identity provider.
type Provider struct {
	users         map[string]*models.User
	clients       map[string]*models.Client
	authCodes     map[string]*models.AuthorizationCode
	refreshTokens map[string]*models.RefreshToken
	deviceGrants  map[string]*models.DeviceGrant
	userCodes     map[string]string // user_code -> device_code
	keySet        *crypto.KeySet
	jwtService    *crypto.JWTService
	issuer        string
	mu            sync.RWMutex
}

// NewProvider creates a provider with demo users and clients preloaded.
func NewProvider(keySet *crypto.KeySet, issuer string) *Provider {
	p := &Provider{
		users:         make(map[string]*models.User),
		clients:       make(map[string]*models.Client),
		authCodes:     make(map[string]*models.AuthorizationCode),
		refreshTokens: make(map[string]*models.RefreshToken),
		deviceGrants:  make(map[string]*models.DeviceGrant),
		userCodes:     make(map[string]string),
		keySet:        keySet,
		issuer:        issuer,
	}
	p.jwtService = crypto.NewJWTService(keySet, issuer)
	p.initDemoData()
	return p
}

// Issuer returns the issuer URL.
func (p *Provider) Issuer() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.issuer
}

// SetIssuer rebinds the provider to a new issuer URL.
func (p *Provider) SetIssuer(issuer string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.issuer = issuer
	p.jwtService = crypto.NewJWTService(p.keySet, issuer)
}

// KeySet returns the signing keys.
func (p *Provider) KeySet() *crypto.KeySet { return p.keySet }

// JWTService returns the token minter.
func (p *Provider) JWTService() *crypto.JWTService {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.jwtService
}

// GetUser retrieves a user by ID.
func (p *Provider) GetUser(id string) (*models.User, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	user, exists := p.users[id]
	return user, exists
}

// GetClient retrieves a client by ID.
func (p *Provider) GetClient(id string) (*models.Client, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	client, exists := p.clients[id]
	return client, exists
}

// ValidateClient checks client credentials. Public clients carry no secret.
func (p *Provider) ValidateClient(clientID, clientSecret string) (*models.Client, error) {
	client, exists := p.GetClient(clientID)
	if !exists {
		return nil, errors.New("client not found")
	}
	if !client.Public && client.Secret != clientSecret {
		return nil, errors.New("invalid client secret")
	}
	return client, nil
}

// ValidateRedirectURI checks a redirect URI against the client's registered set.
func (p *Provider) ValidateRedirectURI(clientID, redirectURI string) bool {
	client, exists := p.GetClient(clientID)
	if !exists {
		return false
	}
	for _, uri := range client.RedirectURIs {
		if uri == redirectURI {
			return true
		}
	}
	return false
}

// CreateAuthorizationCode mints a single-use code bound to the client,
// redirect URI, and PKCE challenge.
func (p *Provider) CreateAuthorizationCode(clientID, userID, redirectURI, scope, state, nonce, codeChallenge, codeChallengeMethod string) (*models.AuthorizationCode, error) {
	if codeChallengeMethod != "" && codeChallengeMethod != pkce.MethodS256 && codeChallengeMethod != pkce.MethodPlain {
		return nil, errors.New("unsupported code_challenge_method")
	}

	authCode := &models.AuthorizationCode{
		Code:                randomString(32),
		ClientID:            clientID,
		UserID:              userID,
		RedirectURI:         redirectURI,
		Scope:               scope,
		State:               state,
		Nonce:               nonce,
		CodeChallenge:       codeChallenge,
		CodeChallengeMethod: codeChallengeMethod,
		ExpiresAt:           time.Now().Add(authCodeTTL),
		CreatedAt:           time.Now(),
	}

	p.mu.Lock()
	p.authCodes[authCode.Code] = authCode
	p.mu.Unlock()

	return authCode, nil
}

// ConsumeAuthorizationCode validates and deletes a code. The code is removed
// before the checks run, so a second exchange fails even when the first one
// did too.
func (p *Provider) ConsumeAuthorizationCode(code, clientID, redirectURI, codeVerifier string) (*models.AuthorizationCode, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	authCode, exists := p.authCodes[code]
	if !exists {
		return nil, errors.New("invalid authorization code")
	}
	delete(p.authCodes, code)

	if authCode.ExpiresAt.Before(time.Now()) {
		return nil, errors.New("authorization code expired")
	}
	if authCode.ClientID != clientID {
		return nil, errors.New("client ID mismatch")
	}
	if authCode.RedirectURI != redirectURI {
		return nil, errors.New("redirect URI mismatch")
	}

	if authCode.CodeChallenge != "" {
		if err := pkce.ValidateVerifier(codeVerifier); err != nil {
			return nil, err
		}
		if !pkce.VerifyChallenge(codeVerifier, authCode.CodeChallenge, authCode.CodeChallengeMethod) {
			return nil, pkce.ErrVerifierMismatch
		}
	}

	return authCode, nil
}

// StoreRefreshToken records a refresh token for later rotation.
func (p *Provider) StoreRefreshToken(token, clientID, userID, scope string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.refreshTokens[token] = &models.RefreshToken{
		Token:     token,
		ClientID:  clientID,
		UserID:    userID,
		Scope:     scope,
		ExpiresAt: time.Now().Add(refreshTokenTTL),
		CreatedAt: time.Now(),
	}
}

// ConsumeRefreshToken validates a refresh token and deletes it (rotation:
// every successful refresh invalidates the presented token).
func (p *Provider) ConsumeRefreshToken(token, clientID string) (*models.RefreshToken, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	rt, exists := p.refreshTokens[token]
	if !exists {
		return nil, errors.New("invalid refresh token")
	}
	if rt.ExpiresAt.Before(time.Now()) {
		delete(p.refreshTokens, token)
		return nil, errors.New("refresh token expired")
	}
	if rt.ClientID != clientID {
		return nil, errors.New("client ID mismatch")
	}

	delete(p.refreshTokens, token)
	return rt, nil
}

// ScopeSubset reports whether every requested scope value was in the granted set.
func ScopeSubset(granted, requested string) bool {
	if requested == "" {
		return true
	}
	have := make(map[string]bool)
	for _, s := range strings.Fields(granted) {
		have[s] = true
	}
	for _, s := range strings.Fields(requested) {
		if !have[s] {
			return false
		}
	}
	return true
}

// CreateDeviceGrant starts a device authorization grant (RFC 8628 §3.2).
func (p *Provider) CreateDeviceGrant(clientID, scope string) *models.DeviceGrant {
	grant := &models.DeviceGrant{
		DeviceCode:      randomString(32),
		UserCode:        userCode(),
		ClientID:        clientID,
		Scope:           scope,
		Interval:        devicePollSecs,
		DeviceExpiresAt: time.Now().Add(deviceCodeTTL),
		UserExpiresAt:   time.Now().Add(deviceCodeTTL),
		CreatedAt:       time.Now(),
	}

	p.mu.Lock()
	p.deviceGrants[grant.DeviceCode] = grant
	p.userCodes[grant.UserCode] = grant.DeviceCode
	p.mu.Unlock()

	return grant
}

// ApproveDeviceGrant marks a grant approved by user code, binding the user.
func (p *Provider) ApproveDeviceGrant(userCode, userID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	deviceCode, exists := p.userCodes[userCode]
	if !exists {
		return errors.New("unknown user code")
	}
	grant := p.deviceGrants[deviceCode]
	if grant == nil || grant.UserExpiresAt.Before(time.Now()) {
		return errors.New("user code expired")
	}
	grant.Approved = true
	grant.UserID = userID
	return nil
}

// DenyDeviceGrant marks a grant denied by user code.
func (p *Provider) DenyDeviceGrant(userCode string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	deviceCode, exists := p.userCodes[userCode]
	if !exists {
		return errors.New("unknown user code")
	}
	grant := p.deviceGrants[deviceCode]
	if grant == nil {
		return errors.New("unknown user code")
	}
	grant.Denied = true
	return nil
}

// PollDeviceGrant evaluates one token-endpoint poll for a device code and
// returns the RFC 8628 §3.5 error code, or the grant when approved. The
// server-advertised interval is enforced: polling faster earns slow_down and
// widens the grant's interval by five seconds.
func (p *Provider) PollDeviceGrant(deviceCode, clientID string) (*models.DeviceGrant, string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	grant, exists := p.deviceGrants[deviceCode]
	if !exists || grant.ClientID != clientID {
		return nil, "invalid_grant"
	}

	now := time.Now()
	if grant.DeviceExpiresAt.Before(now) {
		delete(p.deviceGrants, deviceCode)
		delete(p.userCodes, grant.UserCode)
		return nil, "expired_token"
	}

	if !grant.LastPolledAt.IsZero() && now.Sub(grant.LastPolledAt) < time.Duration(grant.Interval)*time.Second {
		grant.Interval += 5
		grant.LastPolledAt = now
		return nil, "slow_down"
	}
	grant.LastPolledAt = now

	switch {
	case grant.Denied:
		delete(p.deviceGrants, deviceCode)
		delete(p.userCodes, grant.UserCode)
		return nil, "access_denied"
	case grant.Approved:
		delete(p.deviceGrants, deviceCode)
		delete(p.userCodes, grant.UserCode)
		return grant, ""
	default:
		return nil, "authorization_pending"
	}
}

// IssueTokens mints the full token response for an authenticated grant.
// A nonce, when present, is echoed into the ID token.
func (p *Provider) IssueTokens(userID, clientID, scope, nonce string) (*models.TokenResponse, error) {
	svc := p.JWTService()

	claims := p.UserClaims(userID, strings.Fields(scope))
	accessToken, err := svc.CreateAccessToken(userID, clientID, scope, accessTokenTTL, nil)
	if err != nil {
		return nil, err
	}

	resp := &models.TokenResponse{
		AccessToken: accessToken,
		TokenType:   "Bearer",
		ExpiresIn:   int(accessTokenTTL.Seconds()),
		Scope:       scope,
	}

	if strings.Contains(" "+scope+" ", " openid ") {
		idToken, err := svc.CreateIDToken(userID, clientID, nonce, time.Now(), accessTokenTTL, claims)
		if err != nil {
			return nil, err
		}
		resp.IDToken = idToken
	}

	refreshToken, err := svc.CreateRefreshToken(userID, clientID, scope, refreshTokenTTL)
	if err != nil {
		return nil, err
	}
	resp.RefreshToken = refreshToken
	p.StoreRefreshToken(refreshToken, clientID, userID, scope)

	return resp, nil
}

func randomString(length int) string {
	b := make([]byte, length)
	rand.Read(b)
	return base64.RawURLEncoding.EncodeToString(b)[:length]
}

// userCode produces the short code a person types on the verification page
// (RFC 8628 §6.1 recommends a small unambiguous alphabet).
func userCode() string {
	const alphabet = "BCDFGHJKLMNPQRSTVWXZ"
	b := make([]byte, 8)
	rand.Read(b)
	code := make([]byte, 8)
	for i, v := range b {
		code[i] = alphabet[int(v)%len(alphabet)]
	}
	return string(code[:4]) + "-" + string(code[4:])
}
