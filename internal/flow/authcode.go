package flow

import (
	"context"
	"errors"
	"net/url"

	"github.com/ParleSec/FlowGlass/internal/crypto"
	"github.com/ParleSec/FlowGlass/internal/pkce"
)

// authCodeMachine drives the authorization code grant with PKCE (RFC 6749 §4.1
// + RFC 7636). Start builds the authorization request and parks the machine at
// the await point; Advance consumes the redirect parameters, exchanges the
// code, and validates the resulting tokens.
type authCodeMachine struct {
	base

	pkceParams *pkce.PKCEParams
	stateParam *pkce.StateParam
	nonce      *pkce.NonceParam
	authURL    string
}

// Start generates the per-flow secrets and builds the authorization URL.
// Toggles that disable PKCE, state, or nonce omit the parameters from the
// request entirely rather than sending and ignoring them, so the vulnerable
// request is visibly different on the wire.
func (m *authCodeMachine) Start(ctx context.Context) error {
	if err := m.begin(); err != nil {
		return err
	}

	step := m.beginStep("build_authorization_request")
	m.setState(StateBuildingAuthRequest)

	params := url.Values{}
	params.Set("response_type", "code")
	params.Set("client_id", m.cfg.ClientID)
	params.Set("redirect_uri", m.cfg.RedirectURI)
	if m.cfg.Scope != "" {
		params.Set("scope", m.cfg.Scope)
	}

	if !m.cfg.Policy.DisablePKCE {
		p, err := pkce.GeneratePKCE()
		if err != nil {
			return m.fail(step, errf(ErrKindEntropy, "%v", err))
		}
		m.pkceParams = p
		params.Set("code_challenge", p.CodeChallenge)
		params.Set("code_challenge_method", p.CodeChallengeMethod)
	}

	if !m.cfg.Policy.SkipStateValidation {
		st, err := pkce.GenerateState()
		if err != nil {
			return m.fail(step, errf(ErrKindEntropy, "%v", err))
		}
		m.stateParam = st
		params.Set("state", st.Value)
	}

	if !m.cfg.Policy.SkipNonceValidation {
		n, err := pkce.GenerateNonce()
		if err != nil {
			return m.fail(step, errf(ErrKindEntropy, "%v", err))
		}
		m.nonce = n
		params.Set("nonce", n.Value)
	}

	m.authURL = m.cfg.Discovery.AuthorizationEndpoint + "?" + params.Encode()

	snapshot := make(map[string]string, len(params))
	for k := range params {
		snapshot[k] = params.Get(k)
	}
	m.exec.mu.Lock()
	step.Request = &RequestSnapshot{
		Method: "GET",
		URL:    m.cfg.Discovery.AuthorizationEndpoint,
		Params: snapshot,
	}
	step.Detail = "authorization request built; awaiting user authorization"
	m.exec.mu.Unlock()
	m.completeStep(step)

	m.setState(StateAwaitingAuthorization)
	return nil
}

// AuthorizationURL returns the URL the user agent must visit. Empty until
// Start has run.
func (m *authCodeMachine) AuthorizationURL() string { return m.authURL }

// Advance consumes the redirect parameters: state is checked and consumed
// before anything else, then the code is exchanged exactly once. A code
// exchange is never retried; a replayed code surfaces the server's
// invalid_grant verbatim.
func (m *authCodeMachine) Advance(ctx context.Context, input Input) error {
	resp, ok := input.(AuthorizationResponse)
	if !ok {
		return errf(ErrKindProtocol, "authorization_code_pkce expects an AuthorizationResponse input, got %T", input)
	}
	if st := m.CurrentState(); st != StateAwaitingAuthorization {
		return errf(ErrKindFlowFrozen, "execution %s is not awaiting an authorization response (state %s)", m.exec.ID, st)
	}

	step := m.beginStep("handle_authorization_response")

	if resp.Error != "" {
		desc := resp.ErrorDescription
		if desc == "" {
			desc = "authorization server returned " + resp.Error
		}
		return m.fail(step, &Error{Kind: kindFromOAuthError(resp.Error), Description: desc})
	}

	if m.stateParam != nil {
		if err := m.stateParam.Consume(resp.State); err != nil {
			return m.fail(step, stateError(err))
		}
		m.setStepDetail(step, "state echoed back and consumed")
	} else {
		m.setStepDetail(step, "state validation disabled by policy: redirect accepted without CSRF binding")
	}

	if resp.Code == "" {
		return m.fail(step, errf(ErrKindProtocol, "redirect carried neither code nor error"))
	}
	m.completeStep(step)

	return m.exchangeCode(ctx, resp.Code)
}

func (m *authCodeMachine) exchangeCode(ctx context.Context, code string) error {
	step := m.beginStep("exchange_code")
	m.setState(StateExchangingCode)

	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("redirect_uri", m.cfg.RedirectURI)
	form.Set("client_id", m.cfg.ClientID)
	if m.cfg.ClientSecret != "" {
		form.Set("client_secret", m.cfg.ClientSecret)
	}
	if m.pkceParams != nil {
		form.Set("code_verifier", m.pkceParams.CodeVerifier)
	}

	resp, ferr := m.postForm(ctx, step, m.cfg.Discovery.TokenEndpoint, form)
	if ferr != nil {
		return m.fail(step, ferr)
	}

	body, ferr := parseTokenResponse(resp)
	if ferr != nil {
		return m.fail(step, ferr)
	}
	tokens := tokensFromBody(body)
	if tokens.AccessToken == "" {
		return m.fail(step, errf(ErrKindProtocol, "token response carried no access_token"))
	}
	m.completeStep(step)

	vstep := m.beginStep("validate_tokens")
	m.setState(StateValidatingTokens)
	m.validateTokens(ctx, vstep, tokens)

	if m.nonce != nil && tokens.IDToken != "" {
		if err := m.checkNonce(tokens.IDToken); err != nil {
			return m.fail(vstep, err)
		}
	}
	m.completeStep(vstep)

	m.complete(tokens)
	return nil
}

// checkNonce consumes the flow's nonce against the ID token's nonce claim.
func (m *authCodeMachine) checkNonce(idToken string) *Error {
	tok, err := crypto.Decode(idToken)
	if err != nil {
		return errf(ErrKindProtocol, "id_token undecodable: %v", err)
	}
	if err := m.nonce.Consume(tok.Claims.Nonce()); err != nil {
		return errf(ErrKindNonceMismatch, "%v", err)
	}
	return nil
}

func stateError(err error) *Error {
	switch {
	case errors.Is(err, pkce.ErrStateReplay):
		return errf(ErrKindStateReplay, "%v", err)
	case errors.Is(err, pkce.ErrStateExpired):
		return errf(ErrKindStateExpired, "%v", err)
	default:
		return errf(ErrKindStateMismatch, "%v", err)
	}
}
