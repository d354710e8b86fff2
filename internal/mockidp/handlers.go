package mockidp

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ParleSec/FlowGlass/pkg/models"
)

// Routes mounts the provider's endpoints on a chi router. The authorize
// endpoint auto-approves as a selectable demo user, so a flow can run
// without a browser in the loop.
func (p *Provider) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/.well-known/openid-configuration", p.handleDiscovery)
	r.Get("/.well-known/jwks.json", p.handleJWKS)
	r.Get("/authorize", p.handleAuthorize)
	r.Post("/token", p.handleToken)
	r.Post("/device_authorization", p.handleDeviceAuthorization)
	r.Post("/device/approve", p.handleDeviceApprove)
	r.Post("/device/deny", p.handleDeviceDeny)
	return r
}

func (p *Provider) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	issuer := p.Issuer()
	doc := models.DiscoveryDocument{
		Issuer:                      issuer,
		AuthorizationEndpoint:       issuer + "/authorize",
		TokenEndpoint:               issuer + "/token",
		DeviceAuthorizationEndpoint: issuer + "/device_authorization",
		JwksURI:                     issuer + "/.well-known/jwks.json",
		ScopesSupported:             []string{"openid", "profile", "email", "roles", "api:read", "api:write"},
		ResponseTypesSupported:      []string{"code"},
		GrantTypesSupported: []string{
			"authorization_code",
			"client_credentials",
			"refresh_token",
			"urn:ietf:params:oauth:grant-type:device_code",
		},
		SubjectTypesSupported:            []string{"public"},
		IDTokenSigningAlgValuesSupported: []string{"RS256", "ES256"},
		CodeChallengeMethodsSupported:    []string{"S256", "plain"},
	}
	writeJSON(w, http.StatusOK, doc)
}

func (p *Provider) handleJWKS(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, p.keySet.PublicJWKS())
}

// handleAuthorize auto-approves the request as the demo user named by the
// login_hint parameter (default alice) and redirects back with a code. A
// real server would authenticate the user here.
func (p *Provider) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	clientID := query.Get("client_id")
	redirectURI := query.Get("redirect_uri")
	state := query.Get("state")

	if query.Get("response_type") != "code" {
		writeOAuthError(w, http.StatusBadRequest, "unsupported_response_type", "only response_type=code is supported")
		return
	}
	if _, exists := p.GetClient(clientID); !exists {
		writeOAuthError(w, http.StatusBadRequest, "invalid_client", "unknown client")
		return
	}
	if !p.ValidateRedirectURI(clientID, redirectURI) {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "redirect_uri is not registered for this client")
		return
	}

	userID := query.Get("login_hint")
	if userID == "" {
		userID = "alice"
	}
	if _, exists := p.GetUser(userID); !exists {
		writeOAuthError(w, http.StatusBadRequest, "access_denied", "unknown demo user")
		return
	}

	authCode, err := p.CreateAuthorizationCode(
		clientID, userID, redirectURI,
		query.Get("scope"), state, query.Get("nonce"),
		query.Get("code_challenge"), query.Get("code_challenge_method"),
	)
	if err != nil {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	redirect, err := url.Parse(redirectURI)
	if err != nil {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "redirect_uri is not a valid URL")
		return
	}
	q := redirect.Query()
	q.Set("code", authCode.Code)
	if state != "" {
		q.Set("state", state)
	}
	redirect.RawQuery = q.Encode()

	http.Redirect(w, r, redirect.String(), http.StatusFound)
}

func (p *Provider) handleToken(w http.ResponseWriter, r *http.Request) {
	if ct := r.Header.Get("Content-Type"); ct != "" && !strings.HasPrefix(ct, "application/x-www-form-urlencoded") {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "Content-Type must be application/x-www-form-urlencoded (RFC 6749 §4.1.3)")
		return
	}
	if err := r.ParseForm(); err != nil {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "undecodable form body")
		return
	}

	switch r.FormValue("grant_type") {
	case "authorization_code":
		p.handleAuthorizationCodeGrant(w, r)
	case "client_credentials":
		p.handleClientCredentialsGrant(w, r)
	case "refresh_token":
		p.handleRefreshTokenGrant(w, r)
	case "urn:ietf:params:oauth:grant-type:device_code":
		p.handleDeviceCodeGrant(w, r)
	default:
		writeOAuthError(w, http.StatusBadRequest, "unsupported_grant_type", "grant type not supported")
	}
}

func (p *Provider) handleAuthorizationCodeGrant(w http.ResponseWriter, r *http.Request) {
	clientID, clientSecret := clientCredentials(r)

	client, exists := p.GetClient(clientID)
	if !exists {
		writeOAuthError(w, http.StatusUnauthorized, "invalid_client", "unknown client")
		return
	}
	if !client.Public {
		if _, err := p.ValidateClient(clientID, clientSecret); err != nil {
			writeOAuthError(w, http.StatusUnauthorized, "invalid_client", "client authentication failed")
			return
		}
	}

	authCode, err := p.ConsumeAuthorizationCode(
		r.FormValue("code"), clientID, r.FormValue("redirect_uri"), r.FormValue("code_verifier"),
	)
	if err != nil {
		writeOAuthError(w, http.StatusBadRequest, "invalid_grant", err.Error())
		return
	}

	resp, err := p.IssueTokens(authCode.UserID, clientID, authCode.Scope, authCode.Nonce)
	if err != nil {
		writeOAuthError(w, http.StatusInternalServerError, "server_error", "failed to issue tokens")
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (p *Provider) handleClientCredentialsGrant(w http.ResponseWriter, r *http.Request) {
	clientID, clientSecret := clientCredentials(r)

	client, err := p.ValidateClient(clientID, clientSecret)
	if err != nil {
		writeOAuthError(w, http.StatusUnauthorized, "invalid_client", "client authentication failed")
		return
	}
	if !hasGrantType(client, "client_credentials") {
		writeOAuthError(w, http.StatusBadRequest, "unauthorized_client", "client is not authorized for client_credentials")
		return
	}

	scope := r.FormValue("scope")
	accessToken, err := p.JWTService().CreateAccessToken(clientID, clientID, scope, accessTokenTTL, map[string]any{
		"client_name": client.Name,
	})
	if err != nil {
		writeOAuthError(w, http.StatusInternalServerError, "server_error", "failed to issue access token")
		return
	}

	// No refresh token for this grant (RFC 6749 §4.4.3).
	writeJSON(w, http.StatusOK, &models.TokenResponse{
		AccessToken: accessToken,
		TokenType:   "Bearer",
		ExpiresIn:   int(accessTokenTTL.Seconds()),
		Scope:       scope,
	})
}

func (p *Provider) handleRefreshTokenGrant(w http.ResponseWriter, r *http.Request) {
	clientID, clientSecret := clientCredentials(r)

	client, exists := p.GetClient(clientID)
	if !exists {
		writeOAuthError(w, http.StatusUnauthorized, "invalid_client", "unknown client")
		return
	}
	if !client.Public {
		if _, err := p.ValidateClient(clientID, clientSecret); err != nil {
			writeOAuthError(w, http.StatusUnauthorized, "invalid_client", "client authentication failed")
			return
		}
	}

	rt, err := p.ConsumeRefreshToken(r.FormValue("refresh_token"), clientID)
	if err != nil {
		writeOAuthError(w, http.StatusBadRequest, "invalid_grant", err.Error())
		return
	}

	scope := r.FormValue("scope")
	if scope == "" {
		scope = rt.Scope
	} else if !ScopeSubset(rt.Scope, scope) {
		writeOAuthError(w, http.StatusBadRequest, "invalid_scope", "requested scope exceeds the original grant (RFC 6749 §6)")
		return
	}

	resp, err := p.IssueTokens(rt.UserID, clientID, scope, "")
	if err != nil {
		writeOAuthError(w, http.StatusInternalServerError, "server_error", "failed to issue tokens")
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (p *Provider) handleDeviceAuthorization(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "undecodable form body")
		return
	}

	clientID := r.FormValue("client_id")
	client, exists := p.GetClient(clientID)
	if !exists {
		writeOAuthError(w, http.StatusUnauthorized, "invalid_client", "unknown client")
		return
	}
	if !hasGrantType(client, "urn:ietf:params:oauth:grant-type:device_code") {
		writeOAuthError(w, http.StatusBadRequest, "unauthorized_client", "client is not authorized for the device grant")
		return
	}

	grant := p.CreateDeviceGrant(clientID, r.FormValue("scope"))
	verificationURI := p.Issuer() + "/device"

	writeJSON(w, http.StatusOK, &models.DeviceAuthorizationResponse{
		DeviceCode:              grant.DeviceCode,
		UserCode:                grant.UserCode,
		VerificationURI:         verificationURI,
		VerificationURIComplete: verificationURI + "?user_code=" + url.QueryEscape(grant.UserCode),
		ExpiresIn:               int(time.Until(grant.DeviceExpiresAt).Seconds()),
		Interval:                grant.Interval,
	})
}

func (p *Provider) handleDeviceCodeGrant(w http.ResponseWriter, r *http.Request) {
	clientID, _ := clientCredentials(r)

	grant, errCode := p.PollDeviceGrant(r.FormValue("device_code"), clientID)
	if errCode != "" {
		writeOAuthError(w, http.StatusBadRequest, errCode, deviceErrorDescription(errCode))
		return
	}

	resp, err := p.IssueTokens(grant.UserID, clientID, grant.Scope, "")
	if err != nil {
		writeOAuthError(w, http.StatusInternalServerError, "server_error", "failed to issue tokens")
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (p *Provider) handleDeviceApprove(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "undecodable form body")
		return
	}
	userID := r.FormValue("user_id")
	if userID == "" {
		userID = "alice"
	}
	if err := p.ApproveDeviceGrant(r.FormValue("user_code"), userID); err != nil {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (p *Provider) handleDeviceDeny(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "undecodable form body")
		return
	}
	if err := p.DenyDeviceGrant(r.FormValue("user_code")); err != nil {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func deviceErrorDescription(code string) string {
	switch code {
	case "authorization_pending":
		return "the user has not yet approved or denied the request"
	case "slow_down":
		return "polling too fast; increase the interval by 5 seconds"
	case "expired_token":
		return "the device code has expired"
	case "access_denied":
		return "the user denied the request"
	default:
		return "device code was not issued to this client"
	}
}

func clientCredentials(r *http.Request) (clientID, clientSecret string) {
	clientID = r.FormValue("client_id")
	clientSecret = r.FormValue("client_secret")
	if clientID == "" {
		clientID, clientSecret, _ = r.BasicAuth()
	}
	return clientID, clientSecret
}

func hasGrantType(client *models.Client, grantType string) bool {
	for _, gt := range client.GrantTypes {
		if gt == grantType {
			return true
		}
	}
	return false
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeOAuthError(w http.ResponseWriter, status int, code, description string) {
	writeJSON(w, status, &models.ErrorResponse{
		Error:            code,
		ErrorDescription: description,
	})
}
