package flow

import (
	"context"
	"net/url"
)

// clientCredentialsMachine drives the client credentials grant (RFC 6749
// §4.4). No user, no redirect, no PKCE or state: Start runs the whole flow to
// completion in one call.
type clientCredentialsMachine struct {
	base
}

func (m *clientCredentialsMachine) Start(ctx context.Context) error {
	if err := m.begin(); err != nil {
		return err
	}

	step := m.beginStep("request_token")
	m.setState(StateAwaitingTokenResponse)

	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	form.Set("client_id", m.cfg.ClientID)
	form.Set("client_secret", m.cfg.ClientSecret)
	if m.cfg.Scope != "" {
		form.Set("scope", m.cfg.Scope)
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

	// RFC 6749 §4.4.3: no refresh token should be issued for this grant. A
	// server that issues one anyway is flagged and the token is dropped.
	if tokens.RefreshToken != "" {
		m.setStepDetail(step, "server issued a refresh_token for client_credentials (RFC 6749 §4.4.3 says it should not); discarded")
		tokens.RefreshToken = ""
		m.logger().Warn().
			Str("flow_id", m.exec.ID).
			Msg("refresh_token discarded from client_credentials response")
	}
	m.completeStep(step)

	vstep := m.beginStep("validate_tokens")
	m.setState(StateValidatingTokens)
	m.validateTokens(ctx, vstep, tokens)
	m.completeStep(vstep)

	m.complete(tokens)
	return nil
}

// Advance is not meaningful for this grant: the flow has no await point.
func (m *clientCredentialsMachine) Advance(ctx context.Context, input Input) error {
	return errf(ErrKindProtocol, "client_credentials has no await point; Start runs the flow to completion")
}
