package lookingglass

import (
	"fmt"
	"time"

	"github.com/ParleSec/FlowGlass/internal/crypto"
	"github.com/ParleSec/FlowGlass/internal/flow"
)

// Annotation attaches security context to an event or an inspected token.
type Annotation struct {
	Type        AnnotationType `json:"type"`
	Title       string         `json:"title"`
	Description string         `json:"description"`
	Severity    string         `json:"severity,omitempty"`
	Reference   string         `json:"reference,omitempty"`
}

// AnnotationType categorizes annotations.
type AnnotationType string

const (
	AnnotationTypeSecurityHint  AnnotationType = "security_hint"
	AnnotationTypeBestPractice  AnnotationType = "best_practice"
	AnnotationTypeVulnerability AnnotationType = "vulnerability"
	AnnotationTypeExplanation   AnnotationType = "explanation"
)

// stepAnnotations derives annotations from a finished step, surfacing the
// policy toggles that shaped it.
func stepAnnotations(exec *flow.Execution, step *flow.Step) []Annotation {
	var anns []Annotation

	switch step.Name {
	case "build_authorization_request":
		if exec.Policy.DisablePKCE {
			anns = append(anns, Annotation{
				Type:        AnnotationTypeVulnerability,
				Title:       "PKCE Disabled",
				Description: "The authorization request carries no code_challenge. An intercepted code can be exchanged by anyone.",
				Severity:    "error",
				Reference:   "RFC 7636",
			})
		} else {
			anns = append(anns, Annotation{
				Type:        AnnotationTypeBestPractice,
				Title:       "PKCE Enabled",
				Description: "The code_challenge binds the authorization code to this client instance.",
				Reference:   "RFC 7636",
			})
		}
		if exec.Policy.SkipStateValidation {
			anns = append(anns, Annotation{
				Type:        AnnotationTypeVulnerability,
				Title:       "State Omitted",
				Description: "No state parameter was sent. The redirect cannot be tied to this flow, opening a CSRF window.",
				Severity:    "error",
				Reference:   "RFC 6749 §10.12",
			})
		}
	case "exchange_code":
		anns = append(anns, Annotation{
			Type:        AnnotationTypeExplanation,
			Title:       "Authorization Code Exchange",
			Description: "The code is exchanged over the back channel and is single use. A second exchange is rejected with invalid_grant.",
			Reference:   "RFC 6749 §4.1.3",
		})
	case "poll_token_endpoint":
		anns = append(anns, Annotation{
			Type:        AnnotationTypeExplanation,
			Title:       "Device Polling",
			Description: "The device polls at the server-advertised interval; slow_down widens it by five seconds.",
			Reference:   "RFC 8628 §3.5",
		})
	case "validate_tokens":
		for tokenName, result := range exec.Validation {
			for _, check := range result.Checks {
				if check.Skipped {
					anns = append(anns, Annotation{
						Type:        AnnotationTypeVulnerability,
						Title:       fmt.Sprintf("Check Bypassed: %s (%s)", check.Name, tokenName),
						Description: check.Reason,
						Severity:    "error",
					})
				}
			}
		}
	}

	return anns
}

// flowAnnotations derives annotations for the terminal event.
func flowAnnotations(exec *flow.Execution) []Annotation {
	if exec.Err == nil {
		return nil
	}
	switch exec.Err.Kind {
	case flow.ErrKindStateMismatch, flow.ErrKindStateReplay:
		return []Annotation{{
			Type:        AnnotationTypeSecurityHint,
			Title:       "State Check Caught It",
			Description: "The redirect did not carry the state generated for this flow. This is exactly the attack state exists to stop.",
			Severity:    "warning",
			Reference:   "RFC 6749 §10.12",
		}}
	case flow.ErrKindScopeExpansion:
		return []Annotation{{
			Type:        AnnotationTypeSecurityHint,
			Title:       "Scope Expansion Rejected",
			Description: "A refresh may narrow scope but never widen it beyond the original grant.",
			Severity:    "warning",
			Reference:   "RFC 6749 §6",
		}}
	default:
		return nil
	}
}

// TokenInspection is a decoded, annotated view of a compact JWT. Decoding
// never verifies; the annotations say what a validator would think.
type TokenInspection struct {
	Header      map[string]any `json:"header"`
	Claims      map[string]any `json:"claims"`
	Signature   string         `json:"signature_b64,omitempty"`
	Algorithm   string         `json:"algorithm"`
	KeyID       string         `json:"kid,omitempty"`
	Annotations []Annotation   `json:"annotations"`
}

// InspectToken decodes a token for display and annotates notable claims.
func InspectToken(raw string) (*TokenInspection, error) {
	tok, err := crypto.Decode(raw)
	if err != nil {
		return nil, err
	}

	ti := &TokenInspection{
		Header:      tok.Header.Raw,
		Claims:      tok.Claims,
		Algorithm:   tok.Header.Algorithm,
		KeyID:       tok.Header.KeyID,
		Annotations: make([]Annotation, 0),
	}
	if len(tok.Signature) > 0 {
		ti.Signature = fmt.Sprintf("%d bytes", len(tok.Signature))
	}
	ti.annotate(tok)
	return ti, nil
}

func (ti *TokenInspection) annotate(tok *crypto.Token) {
	switch crypto.AlgorithmFamily(tok.Header.Algorithm) {
	case crypto.FamilyNone:
		ti.Annotations = append(ti.Annotations, Annotation{
			Type:        AnnotationTypeVulnerability,
			Title:       "Unsigned Token",
			Description: "alg=none carries no signature. Anyone can mint or alter this token.",
			Severity:    "error",
			Reference:   "RFC 8725 §2.1",
		})
	case crypto.FamilySymmetric:
		ti.Annotations = append(ti.Annotations, Annotation{
			Type:        AnnotationTypeSecurityHint,
			Title:       "Symmetric Algorithm",
			Description: "HMAC verification needs the shared secret. A guessable secret makes forgery trivial.",
			Severity:    "info",
		})
	}

	if exp, ok := tok.Claims.ExpiresAt(); ok && exp.Before(time.Now()) {
		ti.Annotations = append(ti.Annotations, Annotation{
			Type:        AnnotationTypeSecurityHint,
			Title:       "Token Expired",
			Description: fmt.Sprintf("exp passed at %s. A validator should reject it.", exp.UTC().Format(time.RFC3339)),
			Severity:    "warning",
			Reference:   "RFC 7519 §4.1.4",
		})
	}

	if nonce := tok.Claims.Nonce(); nonce != "" {
		ti.Annotations = append(ti.Annotations, Annotation{
			Type:        AnnotationTypeExplanation,
			Title:       "Nonce Present",
			Description: "The nonce ties this ID token to the authorization request that asked for it.",
			Reference:   "OpenID Connect Core 1.0 §3.1.2.1",
		})
	}
}
