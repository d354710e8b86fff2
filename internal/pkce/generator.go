// Package pkce generates the client-held secrets that bind an authorization
// flow to the party that started it: PKCE verifier/challenge pairs (RFC 7636),
// state values for CSRF protection (RFC 6749 §10.12), and OIDC nonces.
//
// All output comes from crypto/rand. An unavailable entropy source is fatal
// and is never retried.
package pkce

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"regexp"
	"sync"
	"time"
)

const (
	// MinVerifierLength and MaxVerifierLength bound the code_verifier per RFC 7636 §4.1.
	MinVerifierLength = 43
	MaxVerifierLength = 128

	// DefaultVerifierLength is 43 characters: 32 random bytes, base64url-encoded
	// without padding, giving 256 bits of entropy.
	DefaultVerifierLength = 43

	// MethodS256 is the mandated challenge method. MethodPlain is recognized
	// for completeness but discouraged (RFC 7636 §7.2).
	MethodS256  = "S256"
	MethodPlain = "plain"

	// DefaultStateTTL bounds how long a state value stays exchangeable.
	DefaultStateTTL = 10 * time.Minute
)

// verifierRegex matches the unreserved URI character set of RFC 7636 §4.1.
var verifierRegex = regexp.MustCompile(`^[A-Za-z0-9\-._~]+$`)

// PKCEParams holds a verifier/challenge pair. Generated once per flow and
// immutable afterwards.
type PKCEParams struct {
	CodeVerifier        string `json:"code_verifier"`
	CodeChallenge       string `json:"code_challenge"`
	CodeChallengeMethod string `json:"code_challenge_method"`
}

// GeneratePKCE produces a fresh verifier/challenge pair with the default
// verifier length and the S256 challenge method.
func GeneratePKCE() (*PKCEParams, error) {
	return GeneratePKCEWithLength(DefaultVerifierLength)
}

// GeneratePKCEWithLength produces a verifier of the given length within
// [43,128] and its S256 challenge.
func GeneratePKCEWithLength(length int) (*PKCEParams, error) {
	if length < MinVerifierLength || length > MaxVerifierLength {
		return nil, fmt.Errorf("verifier length %d outside [%d,%d] (RFC 7636 §4.1)", length, MinVerifierLength, MaxVerifierLength)
	}

	// base64url expands 3 bytes to 4 characters; over-provision and trim.
	raw := make([]byte, (length*3+3)/4+3)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("entropy source unavailable: %w", err)
	}
	verifier := base64.RawURLEncoding.EncodeToString(raw)[:length]

	return &PKCEParams{
		CodeVerifier:        verifier,
		CodeChallenge:       ChallengeS256(verifier),
		CodeChallengeMethod: MethodS256,
	}, nil
}

// ChallengeS256 derives the code_challenge from a verifier per RFC 7636 §4.2:
// BASE64URL(SHA256(code_verifier)), no padding.
func ChallengeS256(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// VerifyChallenge reports whether a verifier satisfies a stored challenge
// under the given method.
func VerifyChallenge(verifier, challenge, method string) bool {
	switch method {
	case MethodS256, "":
		return subtle.ConstantTimeCompare([]byte(ChallengeS256(verifier)), []byte(challenge)) == 1
	case MethodPlain:
		return subtle.ConstantTimeCompare([]byte(verifier), []byte(challenge)) == 1
	default:
		return false
	}
}

// ValidateVerifier checks a code_verifier against RFC 7636 §4.1.
func ValidateVerifier(verifier string) error {
	if len(verifier) < MinVerifierLength {
		return fmt.Errorf("code_verifier must be at least %d characters (RFC 7636 §4.1)", MinVerifierLength)
	}
	if len(verifier) > MaxVerifierLength {
		return fmt.Errorf("code_verifier must be at most %d characters (RFC 7636 §4.1)", MaxVerifierLength)
	}
	if !verifierRegex.MatchString(verifier) {
		return fmt.Errorf("code_verifier contains characters outside [A-Za-z0-9-._~] (RFC 7636 §4.1)")
	}
	return nil
}

// StateParam is an opaque random value bound to one flow instance. It is
// consumed exactly once; a second use is a replay.
type StateParam struct {
	Value     string    `json:"value"`
	ExpiresAt time.Time `json:"expires_at"`

	mu   sync.Mutex
	used bool
}

// GenerateState produces a fresh state value with the default TTL.
func GenerateState() (*StateParam, error) {
	value, err := randomURLSafe(32)
	if err != nil {
		return nil, err
	}
	return &StateParam{
		Value:     value,
		ExpiresAt: time.Now().Add(DefaultStateTTL),
	}, nil
}

// Consume validates an echoed state value against this parameter and marks it
// used. Comparison is byte-for-byte. The ordering of the checks matters:
// replay and expiry are reported even when the echoed value also mismatches,
// so a stolen-then-reused state is never misreported as a simple mismatch.
func (s *StateParam) Consume(echoed string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.used {
		return ErrStateReplay
	}
	if time.Now().After(s.ExpiresAt) {
		return ErrStateExpired
	}
	if subtle.ConstantTimeCompare([]byte(s.Value), []byte(echoed)) != 1 {
		return ErrStateMismatch
	}
	s.used = true
	return nil
}

// Used reports whether the state has already been consumed.
func (s *StateParam) Used() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.used
}

// NonceParam is an opaque random value echoed back inside an ID token. Like
// state it is single-use, but it carries no expiry of its own - the token's
// lifetime bounds it.
type NonceParam struct {
	Value string `json:"value"`

	mu   sync.Mutex
	used bool
}

// GenerateNonce produces a fresh nonce value.
func GenerateNonce() (*NonceParam, error) {
	value, err := randomURLSafe(32)
	if err != nil {
		return nil, err
	}
	return &NonceParam{Value: value}, nil
}

// Consume validates an echoed nonce claim and marks the nonce used.
func (n *NonceParam) Consume(echoed string) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.used {
		return ErrNonceReplay
	}
	if subtle.ConstantTimeCompare([]byte(n.Value), []byte(echoed)) != 1 {
		return ErrNonceMismatch
	}
	n.used = true
	return nil
}

func randomURLSafe(bytes int) (string, error) {
	raw := make([]byte, bytes)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("entropy source unavailable: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}
