// Package tokenval decodes, cryptographically verifies, and semantically
// validates JSON Web Tokens against a vulnerability policy. Every check runs
// unconditionally; the policy only decides which outcomes count toward the
// verdict, so secure and vulnerable runs produce directly comparable results.
package tokenval

import (
	"fmt"
	"time"

	"github.com/ParleSec/FlowGlass/internal/crypto"
	"github.com/ParleSec/FlowGlass/internal/policy"
)

// Severity grades a failed check for scoring and display.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

// Category groups checks by pipeline stage.
type Category string

const (
	CategoryStructure Category = "structure"
	CategorySignature Category = "signature"
	CategoryClaims    Category = "claims"
)

// DefaultClockSkew is the tolerance applied to exp and nbf comparisons
// unless the policy demands strict comparison.
const DefaultClockSkew = 300 * time.Second

// Check is one validation outcome. Skipped marks a check whose result is
// recorded but excluded from the aggregate verdict by the policy; the check
// still ran.
type Check struct {
	Name     string   `json:"name"`
	Category Category `json:"category"`
	Passed   bool     `json:"passed"`
	Skipped  bool     `json:"skipped,omitempty"`
	Severity Severity `json:"severity"`
	Reason   string   `json:"reason"`
}

// ValidateClaims evaluates the semantic claims of a decoded token. Each
// check is independent and always runs; pol only marks outcomes as skipped.
// now is injected so scenarios around clock skew are reproducible.
func ValidateClaims(claims crypto.Claims, pol policy.Policy, expectedIssuer, expectedAudience string, skew time.Duration, now time.Time) []Check {
	if pol.StrictClockSkew {
		skew = 0
	}

	checks := make([]Check, 0, 5)
	checks = append(checks, checkExpiration(claims, skew, now, pol.SkipExpirationCheck))
	checks = append(checks, checkNotBefore(claims, skew, now))
	checks = append(checks, checkIssuedAt(claims, skew, now))
	checks = append(checks, checkIssuer(claims, expectedIssuer, pol.SkipIssuerCheck))
	checks = append(checks, checkAudience(claims, expectedAudience, pol.SkipAudienceCheck))
	return checks
}

func checkExpiration(claims crypto.Claims, skew time.Duration, now time.Time, skipped bool) Check {
	c := Check{Name: "expiration", Category: CategoryClaims, Severity: SeverityHigh, Skipped: skipped}

	exp, ok := claims.ExpiresAt()
	if !ok {
		c.Reason = "exp claim missing"
		return c
	}
	if now.After(exp.Add(skew)) {
		c.Reason = fmt.Sprintf("token expired at %s (skew tolerance %s)", exp.UTC().Format(time.RFC3339), skew)
		return c
	}
	c.Passed = true
	c.Reason = fmt.Sprintf("token valid until %s", exp.UTC().Format(time.RFC3339))
	return c
}

func checkNotBefore(claims crypto.Claims, skew time.Duration, now time.Time) Check {
	c := Check{Name: "not_before", Category: CategoryClaims, Severity: SeverityMedium}

	nbf, ok := claims.NotBefore()
	if !ok {
		// nbf is optional (RFC 7519 §4.1.5)
		c.Passed = true
		c.Reason = "nbf claim not present"
		return c
	}
	if now.Add(skew).Before(nbf) {
		c.Reason = fmt.Sprintf("token not valid before %s (skew tolerance %s)", nbf.UTC().Format(time.RFC3339), skew)
		return c
	}
	c.Passed = true
	c.Reason = "nbf constraint satisfied"
	return c
}

func checkIssuedAt(claims crypto.Claims, skew time.Duration, now time.Time) Check {
	c := Check{Name: "issued_at", Category: CategoryClaims, Severity: SeverityLow}

	iat, ok := claims.IssuedAt()
	if !ok {
		c.Passed = true
		c.Reason = "iat claim not present"
		return c
	}
	if iat.After(now.Add(skew)) {
		c.Reason = fmt.Sprintf("token issued in the future at %s", iat.UTC().Format(time.RFC3339))
		return c
	}
	c.Passed = true
	c.Reason = "iat is plausible"
	return c
}

func checkIssuer(claims crypto.Claims, expected string, skipped bool) Check {
	c := Check{Name: "issuer", Category: CategoryClaims, Severity: SeverityHigh, Skipped: skipped}

	iss := claims.Issuer()
	switch {
	case iss == "":
		c.Reason = "iss claim missing"
	case iss != expected:
		c.Reason = fmt.Sprintf("issuer %q does not match expected %q", iss, expected)
	default:
		c.Passed = true
		c.Reason = fmt.Sprintf("issuer matches %q", expected)
	}
	return c
}

// checkAudience matches by containment: the aud claim may be a single string
// or an array (RFC 7519 §4.1.3).
func checkAudience(claims crypto.Claims, expected string, skipped bool) Check {
	c := Check{Name: "audience", Category: CategoryClaims, Severity: SeverityHigh, Skipped: skipped}

	audiences := claims.Audience()
	if len(audiences) == 0 {
		c.Reason = "aud claim missing"
		return c
	}
	for _, aud := range audiences {
		if aud == expected {
			c.Passed = true
			c.Reason = fmt.Sprintf("audience contains %q", expected)
			return c
		}
	}
	c.Reason = fmt.Sprintf("audience %v does not contain expected %q", audiences, expected)
	return c
}
