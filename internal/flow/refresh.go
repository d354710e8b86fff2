package flow

import (
	"context"
	"net/url"
	"strings"
)

// refreshMachine drives the refresh token grant (RFC 6749 §6). The requested
// scope must be a subset of the original grant's scope; an expansion attempt
// is rejected locally before any request is sent, because the server's answer
// to an over-broad request is implementation-defined and this tool wants the
// failure deterministic.
type refreshMachine struct {
	base
}

func (m *refreshMachine) Start(ctx context.Context) error {
	if err := m.begin(); err != nil {
		return err
	}

	step := m.beginStep("refresh_tokens")
	m.setState(StateAwaitingTokenResponse)

	if m.cfg.RefreshToken == "" {
		return m.fail(step, errf(ErrKindInvalidGrant, "no refresh token supplied"))
	}
	if expanded := scopeExpansion(m.cfg.OriginalScope, m.cfg.Scope); len(expanded) > 0 {
		return m.fail(step, errf(ErrKindScopeExpansion,
			"requested scope adds %q beyond the original grant %q", strings.Join(expanded, " "), m.cfg.OriginalScope))
	}

	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", m.cfg.RefreshToken)
	form.Set("client_id", m.cfg.ClientID)
	if m.cfg.ClientSecret != "" {
		form.Set("client_secret", m.cfg.ClientSecret)
	}
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

	switch {
	case tokens.RefreshToken == "":
		m.setStepDetail(step, "refresh token not rotated; original remains valid")
	case tokens.RefreshToken == m.cfg.RefreshToken:
		m.setStepDetail(step, "server echoed the same refresh token (no rotation)")
	default:
		m.setStepDetail(step, "refresh token rotated; original is now invalid")
	}
	m.completeStep(step)

	vstep := m.beginStep("validate_tokens")
	m.setState(StateValidatingTokens)
	m.validateTokens(ctx, vstep, tokens)
	m.completeStep(vstep)

	m.complete(tokens)
	return nil
}

// Advance is not meaningful for this grant.
func (m *refreshMachine) Advance(ctx context.Context, input Input) error {
	return errf(ErrKindProtocol, "refresh_token has no await point; Start runs the flow to completion")
}

// scopeExpansion returns the scope values requested beyond the original
// grant. An empty requested scope means "same as original" and never expands.
func scopeExpansion(original, requested string) []string {
	if requested == "" {
		return nil
	}
	granted := make(map[string]bool)
	for _, s := range strings.Fields(original) {
		granted[s] = true
	}
	var extra []string
	for _, s := range strings.Fields(requested) {
		if !granted[s] {
			extra = append(extra, s)
		}
	}
	return extra
}
