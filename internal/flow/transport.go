package flow

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ParleSec/FlowGlass/pkg/models"
)

// DefaultRequestTimeout bounds a single collaborator call when the caller
// does not supply its own Doer.
const DefaultRequestTimeout = 15 * time.Second

const redactedPlaceholder = "[REDACTED]"

// Request is the wire shape handed to the HTTP collaborator.
type Request struct {
	Method  string
	URL     string
	Headers map[string]string
	Body    string
}

// Response is the wire shape handed back.
type Response struct {
	Status  int
	Headers map[string]string
	Body    string
}

// Doer is the injected HTTP collaborator. Implementations must honor the
// context's deadline and cancellation.
type Doer interface {
	Do(ctx context.Context, req *Request) (*Response, error)
}

// HTTPDoer is the net/http-backed collaborator.
type HTTPDoer struct {
	client *http.Client
}

// NewHTTPDoer creates a collaborator with a per-call timeout. Redirects are
// not followed: authorization redirects carry the parameters this package
// needs to observe, not follow.
func NewHTTPDoer(timeout time.Duration) *HTTPDoer {
	return &HTTPDoer{
		client: &http.Client{
			Timeout: timeout,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

// Do executes the request and snapshots the response.
func (d *HTTPDoer) Do(ctx context.Context, req *Request) (*Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, strings.NewReader(req.Body))
	if err != nil {
		return nil, err
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	httpResp, err := d.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(httpResp.Body, 1<<20))
	if err != nil {
		return nil, err
	}

	headers := make(map[string]string, len(httpResp.Header))
	for k := range httpResp.Header {
		headers[k] = httpResp.Header.Get(k)
	}

	return &Response{
		Status:  httpResp.StatusCode,
		Headers: headers,
		Body:    string(body),
	}, nil
}

// postForm sends an application/x-www-form-urlencoded POST (the token
// endpoint content type mandated by RFC 6749) and records request and
// response snapshots on the step. Token-endpoint posts are never retried:
// replaying a single-use code is exactly the failure mode retries create.
func (b *base) postForm(ctx context.Context, step *Step, endpoint string, form url.Values) (*Response, *Error) {
	req := &Request{
		Method:  http.MethodPost,
		URL:     endpoint,
		Headers: map[string]string{"Content-Type": "application/x-www-form-urlencoded"},
		Body:    form.Encode(),
	}

	b.exec.mu.Lock()
	step.Request = b.snapshotRequest(req, form)
	b.exec.mu.Unlock()

	resp, err := b.cfg.HTTP.Do(ctx, req)
	if err != nil {
		return nil, errf(ErrKindTransport, "POST %s: %v", endpoint, err)
	}

	b.exec.mu.Lock()
	step.Response = b.snapshotResponse(resp)
	b.exec.mu.Unlock()
	return resp, nil
}

// snapshotRequest records the outbound wire shape with secrets redacted.
// The token-in-url vulnerability toggle leaves everything visible so the
// leakage is demonstrable in the trace.
func (b *base) snapshotRequest(req *Request, form url.Values) *RequestSnapshot {
	params := make(map[string]string, len(form))
	for k := range form {
		v := form.Get(k)
		if !b.cfg.Policy.AllowTokenInURL && secretParam(k) {
			v = redactedPlaceholder
		}
		params[k] = v
	}
	return &RequestSnapshot{
		Method:  req.Method,
		URL:     req.URL,
		Headers: req.Headers,
		Params:  params,
	}
}

func (b *base) snapshotResponse(resp *Response) *ResponseSnapshot {
	return &ResponseSnapshot{
		Status:  resp.Status,
		Headers: resp.Headers,
		Body:    resp.Body,
	}
}

func secretParam(name string) bool {
	switch name {
	case "client_secret", "code_verifier", "refresh_token", "password":
		return true
	default:
		return false
	}
}

// parseTokenResponse decodes a token endpoint response, turning OAuth error
// bodies into typed flow errors.
func parseTokenResponse(resp *Response) (map[string]any, *Error) {
	var body map[string]any
	if err := json.Unmarshal([]byte(resp.Body), &body); err != nil {
		return nil, errf(ErrKindProtocol, "token endpoint returned undecodable body (status %d)", resp.Status)
	}

	if errCode, ok := body["error"].(string); ok && errCode != "" {
		desc, _ := body["error_description"].(string)
		if desc == "" {
			desc = "authorization server returned " + errCode
		}
		return body, &Error{Kind: kindFromOAuthError(errCode), Description: desc}
	}

	if resp.Status != http.StatusOK {
		return nil, errf(ErrKindProtocol, "token endpoint returned status %d without an error body", resp.Status)
	}
	return body, nil
}

// tokensFromBody maps a decoded token response onto the shared model.
func tokensFromBody(body map[string]any) *models.TokenResponse {
	tr := &models.TokenResponse{}
	tr.AccessToken, _ = body["access_token"].(string)
	tr.TokenType, _ = body["token_type"].(string)
	tr.RefreshToken, _ = body["refresh_token"].(string)
	tr.IDToken, _ = body["id_token"].(string)
	tr.Scope, _ = body["scope"].(string)
	if v, ok := body["expires_in"].(float64); ok {
		tr.ExpiresIn = int(v)
	}
	return tr
}
