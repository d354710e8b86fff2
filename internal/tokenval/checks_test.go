package tokenval

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/ParleSec/FlowGlass/internal/crypto"
	"github.com/ParleSec/FlowGlass/internal/policy"
)

const (
	testIssuer   = "https://issuer.example"
	testAudience = "demo-app"
)

func baseClaims(now time.Time) crypto.Claims {
	return crypto.Claims{
		"iss": testIssuer,
		"aud": testAudience,
		"exp": float64(now.Add(time.Hour).Unix()),
		"iat": float64(now.Unix()),
	}
}

func findCheck(t *testing.T, checks []Check, name string) Check {
	t.Helper()
	for _, c := range checks {
		if c.Name == name {
			return c
		}
	}
	t.Fatalf("check %q not found", name)
	return Check{}
}

func TestValidateClaimsAllPass(t *testing.T) {
	now := time.Now()
	checks := ValidateClaims(baseClaims(now), policy.Secure(), testIssuer, testAudience, DefaultClockSkew, now)

	for _, c := range checks {
		assert.True(t, c.Passed, "check %s: %s", c.Name, c.Reason)
		assert.False(t, c.Skipped)
	}
}

func TestExpirationWithinSkewPasses(t *testing.T) {
	now := time.Now()
	claims := baseClaims(now)
	claims["exp"] = float64(now.Add(-60 * time.Second).Unix())

	checks := ValidateClaims(claims, policy.Secure(), testIssuer, testAudience, 300*time.Second, now)
	assert.True(t, findCheck(t, checks, "expiration").Passed)
}

func TestExpirationBeyondSkewFails(t *testing.T) {
	now := time.Now()
	claims := baseClaims(now)
	claims["exp"] = float64(now.Add(-time.Hour).Unix())

	checks := ValidateClaims(claims, policy.Secure(), testIssuer, testAudience, 300*time.Second, now)
	c := findCheck(t, checks, "expiration")
	assert.False(t, c.Passed)
	assert.False(t, c.Skipped)
}

func TestStrictClockSkewZeroesTolerance(t *testing.T) {
	now := time.Now()
	claims := baseClaims(now)
	claims["exp"] = float64(now.Add(-60 * time.Second).Unix())

	pol := policy.Secure()
	pol.StrictClockSkew = true

	checks := ValidateClaims(claims, pol, testIssuer, testAudience, 300*time.Second, now)
	assert.False(t, findCheck(t, checks, "expiration").Passed)
}

func TestExpirationSkippedStillRuns(t *testing.T) {
	now := time.Now()
	claims := baseClaims(now)
	claims["exp"] = float64(now.Add(-time.Hour).Unix())

	pol := policy.Secure()
	pol.SkipExpirationCheck = true

	c := findCheck(t, ValidateClaims(claims, pol, testIssuer, testAudience, DefaultClockSkew, now), "expiration")
	// The check still ran and still failed; only the verdict ignores it.
	assert.False(t, c.Passed)
	assert.True(t, c.Skipped)
}

func TestMissingExpFails(t *testing.T) {
	now := time.Now()
	claims := baseClaims(now)
	delete(claims, "exp")

	c := findCheck(t, ValidateClaims(claims, policy.Secure(), testIssuer, testAudience, DefaultClockSkew, now), "expiration")
	assert.False(t, c.Passed)
}

func TestNotBeforeOptional(t *testing.T) {
	now := time.Now()
	c := findCheck(t, ValidateClaims(baseClaims(now), policy.Secure(), testIssuer, testAudience, DefaultClockSkew, now), "not_before")
	assert.True(t, c.Passed)
}

func TestNotBeforeInFutureFails(t *testing.T) {
	now := time.Now()
	claims := baseClaims(now)
	claims["nbf"] = float64(now.Add(time.Hour).Unix())

	c := findCheck(t, ValidateClaims(claims, policy.Secure(), testIssuer, testAudience, DefaultClockSkew, now), "not_before")
	assert.False(t, c.Passed)
}

func TestIssuedAtInFutureFailsLow(t *testing.T) {
	now := time.Now()
	claims := baseClaims(now)
	claims["iat"] = float64(now.Add(time.Hour).Unix())

	c := findCheck(t, ValidateClaims(claims, policy.Secure(), testIssuer, testAudience, DefaultClockSkew, now), "issued_at")
	assert.False(t, c.Passed)
	assert.Equal(t, SeverityLow, c.Severity)
}

func TestIssuerMismatch(t *testing.T) {
	now := time.Now()
	claims := baseClaims(now)
	claims["iss"] = "https://evil.example"

	c := findCheck(t, ValidateClaims(claims, policy.Secure(), testIssuer, testAudience, DefaultClockSkew, now), "issuer")
	assert.False(t, c.Passed)

	pol := policy.Secure()
	pol.SkipIssuerCheck = true
	c = findCheck(t, ValidateClaims(claims, pol, testIssuer, testAudience, DefaultClockSkew, now), "issuer")
	assert.False(t, c.Passed)
	assert.True(t, c.Skipped)
}

func TestAudienceContainment(t *testing.T) {
	now := time.Now()
	claims := baseClaims(now)
	claims["aud"] = []any{"other-app", testAudience}

	c := findCheck(t, ValidateClaims(claims, policy.Secure(), testIssuer, testAudience, DefaultClockSkew, now), "audience")
	assert.True(t, c.Passed)

	claims["aud"] = []any{"other-app"}
	c = findCheck(t, ValidateClaims(claims, policy.Secure(), testIssuer, testAudience, DefaultClockSkew, now), "audience")
	assert.False(t, c.Passed)
}

func TestValidateClaimsIdempotent(t *testing.T) {
	now := time.Now()
	claims := baseClaims(now)
	claims["exp"] = float64(now.Add(-time.Hour).Unix())

	first := ValidateClaims(claims, policy.Secure(), testIssuer, testAudience, DefaultClockSkew, now)
	second := ValidateClaims(claims, policy.Secure(), testIssuer, testAudience, DefaultClockSkew, now)
	assert.Equal(t, first, second)
}
