package crypto

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Token is a decoded JWT. It carries no trust: a syntactically valid but
// unsigned or forged token decodes successfully. Trust is established only by
// the signature verifier and the claim checks. The raw compact string remains
// the source of truth for signature verification.
type Token struct {
	Raw          string `json:"raw"`
	SigningInput string `json:"-"` // header segment + "." + payload segment
	Signature    []byte `json:"-"`

	Header TokenHeader `json:"header"`
	Claims Claims      `json:"payload"`
}

// TokenHeader is the decoded JOSE header with the fields the validation
// pipeline cares about typed explicitly; everything else stays in Raw.
type TokenHeader struct {
	Algorithm string         `json:"alg"`
	Type      string         `json:"typ,omitempty"`
	KeyID     string         `json:"kid,omitempty"`
	Raw       map[string]any `json:"-"`
}

// Claims is a JWT claim set. Reserved claims have typed accessors; everything
// else is reachable through the map.
type Claims map[string]any

// Decode parses a compact JWT into its three segments. A token with any
// segment count other than three, or with an undecodable header, payload, or
// signature segment, is a hard ErrMalformedToken.
func Decode(raw string) (*Token, error) {
	parts := strings.Split(raw, ".")
	if len(parts) != 3 {
		return nil, fmt.Errorf("%w: expected 3 segments, got %d", ErrMalformedToken, len(parts))
	}

	headerBytes, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return nil, fmt.Errorf("%w: header segment: %v", ErrMalformedToken, err)
	}
	var headerRaw map[string]any
	if err := json.Unmarshal(headerBytes, &headerRaw); err != nil {
		return nil, fmt.Errorf("%w: header JSON: %v", ErrMalformedToken, err)
	}

	payloadBytes, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, fmt.Errorf("%w: payload segment: %v", ErrMalformedToken, err)
	}
	var claims Claims
	if err := json.Unmarshal(payloadBytes, &claims); err != nil {
		return nil, fmt.Errorf("%w: payload JSON: %v", ErrMalformedToken, err)
	}

	// The signature segment may legitimately be empty (alg=none).
	signature, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return nil, fmt.Errorf("%w: signature segment: %v", ErrMalformedToken, err)
	}

	header := TokenHeader{Raw: headerRaw}
	header.Algorithm, _ = headerRaw["alg"].(string)
	header.Type, _ = headerRaw["typ"].(string)
	header.KeyID, _ = headerRaw["kid"].(string)

	return &Token{
		Raw:          raw,
		SigningInput: parts[0] + "." + parts[1],
		Signature:    signature,
		Header:       header,
		Claims:       claims,
	}, nil
}

// Encode builds a compact JWT from a header map, a claim set, and a raw
// signature. It is the codec's inverse of Decode and makes no trust
// decisions; demos use it to construct forged tokens.
func Encode(header map[string]any, claims Claims, signature []byte) (string, error) {
	headerBytes, err := json.Marshal(header)
	if err != nil {
		return "", fmt.Errorf("encoding header: %w", err)
	}
	payloadBytes, err := json.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("encoding payload: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(headerBytes) + "." +
		base64.RawURLEncoding.EncodeToString(payloadBytes) + "." +
		base64.RawURLEncoding.EncodeToString(signature), nil
}

// Issuer returns the iss claim.
func (c Claims) Issuer() string {
	s, _ := c["iss"].(string)
	return s
}

// Subject returns the sub claim.
func (c Claims) Subject() string {
	s, _ := c["sub"].(string)
	return s
}

// Audience returns the aud claim normalized to a slice. A single string and
// an array value are both supported (RFC 7519 §4.1.3).
func (c Claims) Audience() []string {
	switch aud := c["aud"].(type) {
	case string:
		return []string{aud}
	case []any:
		out := make([]string, 0, len(aud))
		for _, v := range aud {
			if s, ok := v.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case []string:
		return aud
	default:
		return nil
	}
}

// ExpiresAt returns the exp claim as a time, and whether it was present.
func (c Claims) ExpiresAt() (time.Time, bool) { return c.numericDate("exp") }

// NotBefore returns the nbf claim as a time, and whether it was present.
func (c Claims) NotBefore() (time.Time, bool) { return c.numericDate("nbf") }

// IssuedAt returns the iat claim as a time, and whether it was present.
func (c Claims) IssuedAt() (time.Time, bool) { return c.numericDate("iat") }

// ID returns the jti claim.
func (c Claims) ID() string {
	s, _ := c["jti"].(string)
	return s
}

// Nonce returns the nonce claim (OIDC).
func (c Claims) Nonce() string {
	s, _ := c["nonce"].(string)
	return s
}

// Scope returns the scope claim.
func (c Claims) Scope() string {
	s, _ := c["scope"].(string)
	return s
}

func (c Claims) numericDate(name string) (time.Time, bool) {
	switch v := c[name].(type) {
	case float64:
		return time.Unix(int64(v), 0), true
	case int64:
		return time.Unix(v, 0), true
	case json.Number:
		sec, err := v.Int64()
		if err != nil {
			return time.Time{}, false
		}
		return time.Unix(sec, 0), true
	default:
		return time.Time{}, false
	}
}
