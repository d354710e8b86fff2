package pkce

import "errors"

var (
	// ErrStateMismatch means the echoed state differs from the generated value.
	ErrStateMismatch = errors.New("state mismatch: echoed value does not match generated state")

	// ErrStateReplay means a state value was presented after it was already consumed.
	ErrStateReplay = errors.New("state replay: state value already consumed")

	// ErrStateExpired means the state value outlived its TTL before being consumed.
	ErrStateExpired = errors.New("state expired")

	// ErrNonceMismatch means the nonce claim differs from the generated value.
	ErrNonceMismatch = errors.New("nonce mismatch: token nonce does not match generated nonce")

	// ErrNonceReplay means a nonce was presented after it was already consumed.
	ErrNonceReplay = errors.New("nonce replay: nonce value already consumed")

	// ErrVerifierMismatch means the presented code_verifier does not hash to
	// the code_challenge the authorization request carried.
	ErrVerifierMismatch = errors.New("code_verifier does not match code_challenge")
)
