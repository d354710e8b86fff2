package flow

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/ParleSec/FlowGlass/pkg/models"
)

// defaultDeviceInterval applies when the authorization server omits the
// polling interval (RFC 8628 §3.2 defaults it to 5 seconds).
const defaultDeviceInterval = 5 * time.Second

// slowDownIncrement is added to the interval on every slow_down response
// (RFC 8628 §3.5).
const slowDownIncrement = 5 * time.Second

// deviceMachine drives the device authorization grant (RFC 8628). Start
// requests the device and user codes, then polls the token endpoint until the
// user approves, denies, the code expires, or the context is cancelled. The
// whole polling loop is one step; each poll outcome is appended to its detail.
type deviceMachine struct {
	base

	grant *models.DeviceAuthorizationResponse
}

// DeviceAuthorization returns the codes the user needs. Nil until Start has
// obtained them. The machine runs in its own goroutine, so the grant is read
// under the execution lock.
func (m *deviceMachine) DeviceAuthorization() *models.DeviceAuthorizationResponse {
	m.exec.mu.Lock()
	defer m.exec.mu.Unlock()
	return m.grant
}

func (m *deviceMachine) Start(ctx context.Context) error {
	if err := m.begin(); err != nil {
		return err
	}

	step := m.beginStep("request_device_authorization")
	m.setState(StateBuildingAuthRequest)

	endpoint := m.cfg.Discovery.DeviceAuthorizationEndpoint
	if endpoint == "" {
		return m.fail(step, errf(ErrKindProtocol, "discovery document advertises no device_authorization_endpoint"))
	}

	form := url.Values{}
	form.Set("client_id", m.cfg.ClientID)
	if m.cfg.Scope != "" {
		form.Set("scope", m.cfg.Scope)
	}

	resp, ferr := m.postForm(ctx, step, endpoint, form)
	if ferr != nil {
		return m.fail(step, ferr)
	}
	if resp.Status != 200 {
		return m.fail(step, errf(ErrKindProtocol, "device authorization endpoint returned status %d", resp.Status))
	}

	var grant models.DeviceAuthorizationResponse
	if err := json.Unmarshal([]byte(resp.Body), &grant); err != nil {
		return m.fail(step, errf(ErrKindProtocol, "device authorization response undecodable: %v", err))
	}
	if grant.DeviceCode == "" || grant.UserCode == "" {
		return m.fail(step, errf(ErrKindProtocol, "device authorization response missing device_code or user_code"))
	}
	m.exec.mu.Lock()
	m.grant = &grant
	step.Detail = fmt.Sprintf("user code %s; verify at %s", grant.UserCode, grant.VerificationURI)
	m.exec.mu.Unlock()
	m.completeStep(step)

	return m.poll(ctx)
}

// poll loops against the token endpoint at the server-advertised interval.
// slow_down widens the interval by five seconds; authorization_pending keeps
// going; everything else is terminal. The local expires_in deadline is
// enforced even if the server keeps answering authorization_pending.
func (m *deviceMachine) poll(ctx context.Context) error {
	step := m.beginStep("poll_token_endpoint")
	m.setState(StatePolling)

	interval := defaultDeviceInterval
	if m.grant.Interval > 0 {
		interval = time.Duration(m.grant.Interval) * time.Second
	}
	deadline := time.Now().Add(time.Duration(m.grant.ExpiresIn) * time.Second)

	form := url.Values{}
	form.Set("grant_type", "urn:ietf:params:oauth:grant-type:device_code")
	form.Set("device_code", m.grant.DeviceCode)
	form.Set("client_id", m.cfg.ClientID)

	timer := time.NewTimer(interval)
	defer timer.Stop()

	polls := 0
	for {
		select {
		case <-ctx.Done():
			return m.fail(step, errf(ErrKindTransport, "polling cancelled: %v", ctx.Err()))
		case <-timer.C:
		}

		if time.Now().After(deadline) {
			return m.fail(step, errf(ErrKindDeviceCodeExpired, "device code expired after %ds without user action", m.grant.ExpiresIn))
		}

		polls++
		resp, ferr := m.postForm(ctx, step, m.cfg.Discovery.TokenEndpoint, form)
		if ferr != nil {
			return m.fail(step, ferr)
		}

		body, ferr := parseTokenResponse(resp)
		if ferr == nil {
			tokens := tokensFromBody(body)
			if tokens.AccessToken == "" {
				return m.fail(step, errf(ErrKindProtocol, "token response carried no access_token"))
			}
			m.setStepDetail(step, fmt.Sprintf("approved after %d polls", polls))
			m.completeStep(step)
			return m.finish(ctx, tokens)
		}

		errCode, _ := body["error"].(string)
		switch errCode {
		case "authorization_pending":
			m.setStepDetail(step, fmt.Sprintf("%d polls, still pending (interval %s)", polls, interval))
		case "slow_down":
			interval += slowDownIncrement
			m.setStepDetail(step, fmt.Sprintf("%d polls, server asked to slow down (interval now %s)", polls, interval))
		default:
			// access_denied, expired_token, or anything unexpected.
			return m.fail(step, ferr)
		}

		timer.Reset(interval)
	}
}

func (m *deviceMachine) finish(ctx context.Context, tokens *models.TokenResponse) error {
	vstep := m.beginStep("validate_tokens")
	m.setState(StateValidatingTokens)
	m.validateTokens(ctx, vstep, tokens)
	m.completeStep(vstep)

	m.complete(tokens)
	return nil
}

// Advance is not meaningful for this grant: user approval happens out of band
// on the verification URI, observed through polling.
func (m *deviceMachine) Advance(ctx context.Context, input Input) error {
	return errf(ErrKindProtocol, "device_authorization has no Advance input; approval is observed by polling")
}
