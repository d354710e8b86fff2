package flow

import "fmt"

// ErrorKind is the machine-readable classification of a flow failure.
type ErrorKind string

const (
	// ErrKindAccessDenied covers user denial at the authorization or device
	// verification step.
	ErrKindAccessDenied ErrorKind = "access_denied"

	// ErrKindInvalidGrant covers rejected codes, verifiers, and refresh
	// tokens - including a second exchange of a single-use code.
	ErrKindInvalidGrant ErrorKind = "invalid_grant"

	// ErrKindDeviceCodeExpired means the device code expired before the user
	// approved or denied the grant.
	ErrKindDeviceCodeExpired ErrorKind = "device_code_expired"

	// ErrKindScopeExpansion means a refresh request asked for scope beyond
	// the original grant. Rejected locally, before any network call.
	ErrKindScopeExpansion ErrorKind = "scope_expansion"

	// ErrKindStateMismatch / ErrKindStateReplay / ErrKindStateExpired map the
	// state-parameter failures onto flow errors.
	ErrKindStateMismatch ErrorKind = "state_mismatch"
	ErrKindStateReplay   ErrorKind = "state_replay"
	ErrKindStateExpired  ErrorKind = "state_expired"

	// ErrKindNonceMismatch means the ID token's nonce did not match the one
	// generated for the flow.
	ErrKindNonceMismatch ErrorKind = "nonce_mismatch"

	// ErrKindTransport covers network-level failures talking to the
	// authorization server.
	ErrKindTransport ErrorKind = "transport"

	// ErrKindProtocol covers responses that violate the expected wire shape.
	ErrKindProtocol ErrorKind = "protocol"

	// ErrKindUnsupportedFlow marks grant types that are recognized but not
	// executable (implicit is deprecated, password is discouraged).
	ErrKindUnsupportedFlow ErrorKind = "unsupported_flow"

	// ErrKindFlowFrozen means an operation was attempted on an execution
	// that already reached a terminal state.
	ErrKindFlowFrozen ErrorKind = "flow_frozen"

	// ErrKindEntropy means the cryptographic random source failed. Fatal,
	// never retried.
	ErrKindEntropy ErrorKind = "entropy_unavailable"
)

// Error is a flow failure with a machine-readable kind and a human-readable
// description. It becomes the error detail of the owning execution.
type Error struct {
	Kind        ErrorKind `json:"kind"`
	Description string    `json:"description"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Description)
}

func errf(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Description: fmt.Sprintf(format, args...)}
}

// kindFromOAuthError maps RFC 6749 §5.2 / RFC 8628 §3.5 error codes onto the
// flow error taxonomy.
func kindFromOAuthError(code string) ErrorKind {
	switch code {
	case "access_denied":
		return ErrKindAccessDenied
	case "invalid_grant":
		return ErrKindInvalidGrant
	case "expired_token":
		return ErrKindDeviceCodeExpired
	default:
		return ErrKindProtocol
	}
}
