// Package flow drives OAuth2/OIDC grant types through their RFC-ordered step
// sequences. One state machine implementation exists per grant type behind
// the common Machine interface; the variant is selected by construction,
// never by runtime type inspection. Every outbound request goes through an
// injected HTTP collaborator and every response feeds the token validation
// engine, producing a full step-by-step trace alongside the tokens.
package flow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ParleSec/FlowGlass/internal/policy"
	"github.com/ParleSec/FlowGlass/internal/tokenval"
	"github.com/ParleSec/FlowGlass/pkg/models"
)

// Type is the closed set of grant types.
type Type string

const (
	TypeAuthorizationCodePKCE Type = "authorization_code_pkce"
	TypeClientCredentials     Type = "client_credentials"
	TypeDeviceAuthorization   Type = "device_authorization"
	TypeRefreshToken          Type = "refresh_token"

	// Recognized but not executable.
	TypeImplicit              Type = "implicit" // Deprecated: removed in OAuth 2.1
	TypeResourceOwnerPassword Type = "password"
)

// Status is the lifecycle of a whole execution. Complete and Error are
// terminal: the execution is frozen and never re-entered.
type Status string

const (
	StatusIdle     Status = "idle"
	StatusRunning  Status = "running"
	StatusComplete Status = "complete"
	StatusError    Status = "error"
)

// State is the fine-grained position of a machine inside its sequence.
type State string

const (
	StateIdle                  State = "idle"
	StateBuildingAuthRequest   State = "building_auth_request"
	StateAwaitingAuthorization State = "awaiting_authorization_response"
	StateExchangingCode        State = "exchanging_code"
	StateAwaitingTokenResponse State = "awaiting_token_response"
	StatePolling               State = "polling"
	StateValidatingTokens      State = "validating_tokens"
	StateComplete              State = "complete"
	StateError                 State = "error"
)

// StepStatus is the lifecycle of one step.
type StepStatus string

const (
	StepPending  StepStatus = "pending"
	StepRunning  StepStatus = "running"
	StepComplete StepStatus = "complete"
	StepError    StepStatus = "error"
)

// RequestSnapshot records one outbound request for the trace. Secrets are
// redacted unless the policy deliberately leaves them visible.
type RequestSnapshot struct {
	Method  string            `json:"method"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
	Params  map[string]string `json:"params,omitempty"`
}

// ResponseSnapshot records one inbound response for the trace.
type ResponseSnapshot struct {
	Status  int               `json:"status"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    string            `json:"body,omitempty"`
}

// Step is one protocol step of an execution. Step numbers are 1-based and
// strictly increasing; step N+1 cannot start until step N is terminal.
type Step struct {
	Number      int               `json:"number"`
	Name        string            `json:"name"`
	Status      StepStatus        `json:"status"`
	Request     *RequestSnapshot  `json:"request,omitempty"`
	Response    *ResponseSnapshot `json:"response,omitempty"`
	Detail      string            `json:"detail,omitempty"`
	StartedAt   time.Time         `json:"started_at"`
	CompletedAt time.Time         `json:"completed_at,omitempty"`
	Duration    time.Duration     `json:"duration_ns,omitempty"`
}

// Execution is one run of a grant type. It is owned exclusively by the
// caller that started it and mutated only by the machine driving it.
type Execution struct {
	ID          string                      `json:"id"`
	Type        Type                        `json:"type"`
	Policy      policy.Policy               `json:"policy"`
	Status      Status                      `json:"status"`
	StartedAt   time.Time                   `json:"started_at,omitempty"`
	CompletedAt time.Time                   `json:"completed_at,omitempty"`
	Steps       []*Step                     `json:"steps"`
	Tokens      *models.TokenResponse       `json:"tokens,omitempty"`
	Validation  map[string]*tokenval.Result `json:"validation,omitempty"`
	Err         *Error                      `json:"error,omitempty"`

	mu sync.Mutex
}

// Snapshot returns a copy of the execution that is safe to serialize while
// the machine is still running. Step values are copied, so the trace a reader
// sees is consistent at the moment of the call.
func (e *Execution) Snapshot() *Execution {
	e.mu.Lock()
	defer e.mu.Unlock()

	snap := &Execution{
		ID:          e.ID,
		Type:        e.Type,
		Policy:      e.Policy,
		Status:      e.Status,
		StartedAt:   e.StartedAt,
		CompletedAt: e.CompletedAt,
		Steps:       make([]*Step, 0, len(e.Steps)),
		Tokens:      e.Tokens,
		Validation:  make(map[string]*tokenval.Result, len(e.Validation)),
		Err:         e.Err,
	}
	for _, s := range e.Steps {
		copied := *s
		snap.Steps = append(snap.Steps, &copied)
	}
	for k, v := range e.Validation {
		snap.Validation[k] = v
	}
	return snap
}

// Input is the closed set of values a caller can feed into Advance.
type Input interface{ isInput() }

// AuthorizationResponse carries the redirect parameters back into an
// authorization-code machine.
type AuthorizationResponse struct {
	Code             string
	State            string
	Error            string
	ErrorDescription string
}

func (AuthorizationResponse) isInput() {}

// Machine drives exactly one grant type. Start moves the machine to its
// first await point or straight to completion; Advance feeds external input
// (redirect parameters) into a waiting machine.
type Machine interface {
	Start(ctx context.Context) error
	Advance(ctx context.Context, input Input) error
	CurrentState() State
	Execution() *Execution
}

// AuthorizationURLer is implemented by machines that park at a user
// authorization step and expose the URL the user agent must visit.
type AuthorizationURLer interface {
	AuthorizationURL() string
}

// DeviceAuthorizer is implemented by machines that obtain device and user
// codes before polling.
type DeviceAuthorizer interface {
	DeviceAuthorization() *models.DeviceAuthorizationResponse
}

// Observer receives trace events as a machine progresses. Implementations
// must not block; the looking glass uses this to stream steps live.
type Observer interface {
	StepStarted(exec *Execution, step *Step)
	StepFinished(exec *Execution, step *Step)
	FlowFinished(exec *Execution)
}

// Config carries everything a machine needs. Endpoints come from the
// caller-supplied discovery document: discovery is fetched and cached by the
// caller, once per server configuration, not by this package.
type Config struct {
	ClientID     string
	ClientSecret string
	RedirectURI  string
	Scope        string

	// RefreshToken flow only: the token being exchanged and the scope of the
	// grant it came from.
	RefreshToken  string
	OriginalScope string

	Discovery *models.DiscoveryDocument
	Policy    policy.Policy
	Engine    *tokenval.Engine
	HTTP      Doer
	Observer  Observer
	Logger    zerolog.Logger
}

// New constructs the machine for a grant type. The variant is fixed at
// construction; implicit and password are recognized members of the enum
// that refuse to execute.
func New(t Type, cfg Config) (Machine, error) {
	if cfg.Discovery == nil {
		return nil, errf(ErrKindProtocol, "discovery document is required")
	}
	if cfg.HTTP == nil {
		cfg.HTTP = NewHTTPDoer(DefaultRequestTimeout)
	}

	base := newBase(t, cfg)
	switch t {
	case TypeAuthorizationCodePKCE:
		return &authCodeMachine{base: base}, nil
	case TypeClientCredentials:
		return &clientCredentialsMachine{base: base}, nil
	case TypeDeviceAuthorization:
		return &deviceMachine{base: base}, nil
	case TypeRefreshToken:
		return &refreshMachine{base: base}, nil
	case TypeImplicit:
		return nil, errf(ErrKindUnsupportedFlow, "implicit grant is deprecated (OAuth 2.1 removes it); use authorization_code_pkce")
	case TypeResourceOwnerPassword:
		return nil, errf(ErrKindUnsupportedFlow, "resource owner password grant is not executable in this tool")
	default:
		return nil, errf(ErrKindUnsupportedFlow, "unknown flow type %q", t)
	}
}

// base holds the machinery shared by all four executable machines.
type base struct {
	cfg   Config
	exec  *Execution
	state State
}

func newBase(t Type, cfg Config) base {
	return base{
		cfg: cfg,
		exec: &Execution{
			ID:         uuid.New().String(),
			Type:       t,
			Policy:     cfg.Policy,
			Status:     StatusIdle,
			Steps:      make([]*Step, 0, 8),
			Validation: make(map[string]*tokenval.Result),
		},
		state: StateIdle,
	}
}

func (b *base) Execution() *Execution   { return b.exec }
func (b *base) logger() *zerolog.Logger { return &b.cfg.Logger }

// CurrentState reads the fine-grained state under the execution lock: the
// machine goroutine moves it while API handlers read it.
func (b *base) CurrentState() State {
	b.exec.mu.Lock()
	defer b.exec.mu.Unlock()
	return b.state
}

// setState publishes a state transition under the execution lock.
func (b *base) setState(s State) {
	b.exec.mu.Lock()
	b.state = s
	b.exec.mu.Unlock()
}

// setStepDetail mutates a step's detail under the execution lock, so a
// concurrent Snapshot never observes a torn write.
func (b *base) setStepDetail(step *Step, detail string) {
	b.exec.mu.Lock()
	step.Detail = detail
	b.exec.mu.Unlock()
}

// begin transitions Idle -> Running. Terminal executions are frozen.
func (b *base) begin() error {
	b.exec.mu.Lock()
	defer b.exec.mu.Unlock()

	if b.exec.Status != StatusIdle {
		return errf(ErrKindFlowFrozen, "execution %s already %s", b.exec.ID, b.exec.Status)
	}
	b.exec.Status = StatusRunning
	b.exec.StartedAt = time.Now()
	return nil
}

// beginStep appends the next step. The previous step must be terminal.
func (b *base) beginStep(name string) *Step {
	b.exec.mu.Lock()
	defer b.exec.mu.Unlock()

	if n := len(b.exec.Steps); n > 0 {
		if last := b.exec.Steps[n-1]; last.Status != StepComplete && last.Status != StepError {
			// Programming error in a machine, not a runtime condition.
			panic("flow: step " + last.Name + " not terminal before starting " + name)
		}
	}

	step := &Step{
		Number:    len(b.exec.Steps) + 1,
		Name:      name,
		Status:    StepRunning,
		StartedAt: time.Now(),
	}
	b.exec.Steps = append(b.exec.Steps, step)

	if b.cfg.Observer != nil {
		b.cfg.Observer.StepStarted(b.exec, step)
	}
	return step
}

func (b *base) finishStep(step *Step, status StepStatus) {
	b.exec.mu.Lock()
	step.Status = status
	step.CompletedAt = time.Now()
	step.Duration = step.CompletedAt.Sub(step.StartedAt)
	b.exec.mu.Unlock()

	if b.cfg.Observer != nil {
		b.cfg.Observer.StepFinished(b.exec, step)
	}
}

func (b *base) completeStep(step *Step) { b.finishStep(step, StepComplete) }

// fail moves the execution to its terminal Error state and freezes it.
func (b *base) fail(step *Step, err *Error) error {
	if step != nil {
		b.exec.mu.Lock()
		if step.Detail == "" {
			step.Detail = err.Error()
		}
		b.exec.mu.Unlock()
		b.finishStep(step, StepError)
	}

	b.exec.mu.Lock()
	b.exec.Status = StatusError
	b.exec.Err = err
	b.exec.CompletedAt = time.Now()
	b.state = StateError
	b.exec.mu.Unlock()

	b.logger().Warn().
		Str("flow_id", b.exec.ID).
		Str("flow_type", string(b.exec.Type)).
		Str("kind", string(err.Kind)).
		Msg(err.Description)

	if b.cfg.Observer != nil {
		b.cfg.Observer.FlowFinished(b.exec)
	}
	return err
}

// complete moves the execution to its terminal Complete state.
func (b *base) complete(tokens *models.TokenResponse) {
	b.exec.mu.Lock()
	b.exec.Status = StatusComplete
	b.exec.Tokens = tokens
	b.exec.CompletedAt = time.Now()
	b.state = StateComplete
	steps := len(b.exec.Steps)
	b.exec.mu.Unlock()

	b.logger().Info().
		Str("flow_id", b.exec.ID).
		Str("flow_type", string(b.exec.Type)).
		Int("steps", steps).
		Msg("flow complete")

	if b.cfg.Observer != nil {
		b.cfg.Observer.FlowFinished(b.exec)
	}
}

// validateTokens runs the validation engine over every token in the set and
// records one result per token. Validation failures do not abort the flow -
// the verdict is the deliverable.
func (b *base) validateTokens(ctx context.Context, step *Step, tokens *models.TokenResponse) {
	expectedIssuer := b.cfg.Discovery.Issuer
	expectedAudience := b.cfg.ClientID

	// Validation does network I/O (JWKS fetches); run it unlocked and publish
	// the results in one locked pass.
	results := make(map[string]*tokenval.Result, 2)
	if tokens.AccessToken != "" {
		results["access_token"] = b.cfg.Engine.Validate(ctx, tokens.AccessToken, b.cfg.Policy, expectedIssuer, expectedAudience)
	}
	if tokens.IDToken != "" {
		results["id_token"] = b.cfg.Engine.Validate(ctx, tokens.IDToken, b.cfg.Policy, expectedIssuer, expectedAudience)
	}

	valid := 0
	for _, r := range results {
		if r.Valid {
			valid++
		}
	}

	b.exec.mu.Lock()
	for name, r := range results {
		b.exec.Validation[name] = r
	}
	step.Detail = fmt.Sprintf("%d of %d tokens passed validation", valid, len(results))
	b.exec.mu.Unlock()
}
