package tokenval

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/ParleSec/FlowGlass/internal/crypto"
	"github.com/ParleSec/FlowGlass/internal/policy"
)

// Result is the verdict for one token under one policy. Produced fresh per
// validation call and never mutated afterward. Checks disabled by policy are
// still listed (marked skipped), so a secure-vs-vulnerable comparison is
// always reconstructable from a single result object.
type Result struct {
	Valid  bool          `json:"valid"`
	Score  int           `json:"score"`
	Checks []Check       `json:"checks"`
	Token  *crypto.Token `json:"token,omitempty"` // decoded view; nil when malformed
}

// Engine orchestrates codec, key resolver, signature verifier, and claim
// validator into one verdict. The engine owns its resolver and clock-skew
// configuration; the policy arrives per call, so engines with different
// caches can evaluate the same token under different policies side by side.
//
// None of the engine's own steps perform I/O - only the injected resolver
// touches the network, under the caller's context.
type Engine struct {
	resolver *crypto.Resolver
	skew     time.Duration
	now      func() time.Time
	logger   zerolog.Logger
}

// NewEngine creates a validation engine with the default clock skew.
func NewEngine(resolver *crypto.Resolver, logger zerolog.Logger) *Engine {
	return &Engine{
		resolver: resolver,
		skew:     DefaultClockSkew,
		now:      time.Now,
		logger:   logger.With().Str("component", "token-engine").Logger(),
	}
}

// SetClockSkew overrides the exp/nbf tolerance.
func (e *Engine) SetClockSkew(skew time.Duration) { e.skew = skew }

// SetClock overrides the time source, for scenario tests.
func (e *Engine) SetClock(now func() time.Time) { e.now = now }

// Validate runs the full pipeline: decode, resolve key, verify signature,
// evaluate claims, aggregate. Valid is true iff every enforced check passed.
func (e *Engine) Validate(ctx context.Context, raw string, pol policy.Policy, expectedIssuer, expectedAudience string) *Result {
	res := &Result{}

	tok, err := crypto.Decode(raw)
	if err != nil {
		res.Checks = append(res.Checks, Check{
			Name:     "token_structure",
			Category: CategoryStructure,
			Severity: SeverityCritical,
			Reason:   err.Error(),
		})
		res.finalize()
		return res
	}
	res.Token = tok
	res.Checks = append(res.Checks, Check{
		Name:     "token_structure",
		Category: CategoryStructure,
		Passed:   true,
		Severity: SeverityCritical,
		Reason:   "compact serialization decoded (header, payload, signature)",
	})

	res.Checks = append(res.Checks, e.signatureChecks(ctx, tok, pol)...)

	res.Checks = append(res.Checks, ValidateClaims(tok.Claims, pol, expectedIssuer, expectedAudience, e.skew, e.now())...)

	res.finalize()

	e.logger.Debug().
		Bool("valid", res.Valid).
		Int("score", res.Score).
		Str("policy", pol.Name).
		Msg("token validated")

	return res
}

// signatureChecks covers the algorithm, key resolution, and signature stages.
func (e *Engine) signatureChecks(ctx context.Context, tok *crypto.Token, pol policy.Policy) []Check {
	alg := tok.Header.Algorithm

	// alg=none never verifies. With the AcceptNoneAlgorithm toggle the
	// failure is excluded from the verdict, but it stays on the record - a
	// bypass is never a silent success.
	if crypto.AlgorithmFamily(alg) == crypto.FamilyNone {
		reason := "alg=none carries no signature and is never trusted"
		if pol.AcceptNoneAlgorithm {
			reason = "alg=none accepted by policy: signature verification bypassed"
		}
		return []Check{{
			Name:     "signature_verification",
			Category: CategorySignature,
			Passed:   false,
			Skipped:  pol.AcceptNoneAlgorithm,
			Severity: SeverityCritical,
			Reason:   reason,
		}}
	}

	if crypto.AlgorithmFamily(alg) == crypto.FamilyUnknown {
		return []Check{{
			Name:     "signature_verification",
			Category: CategorySignature,
			Severity: SeverityCritical,
			Reason:   fmt.Sprintf("algorithm %q is not on the accepted list", alg),
		}}
	}

	// Key resolution is skipped only when signature verification itself is
	// globally disabled by policy.
	if pol.SkipSignatureCheck {
		return []Check{{
			Name:     "signature_verification",
			Category: CategorySignature,
			Passed:   false,
			Skipped:  true,
			Severity: SeverityCritical,
			Reason:   "signature verification disabled by policy: key not resolved, token accepted unverified",
		}}
	}

	// With the WeakSecret toggle, symmetric tokens are verified against the
	// shared demo secret instead of a key resolved from the issuer. The
	// guessable secret goes on the record as its own bypassed check.
	if pol.WeakSecret && crypto.AlgorithmFamily(alg) == crypto.FamilySymmetric {
		checks := []Check{{
			Name:     "secret_strength",
			Category: CategorySignature,
			Passed:   false,
			Skipped:  true,
			Severity: SeverityHigh,
			Reason:   "symmetric secret is the published demo value: anyone who reads the source can forge tokens",
		}}
		if crypto.VerifySignature(tok.SigningInput, tok.Signature, []byte(crypto.WeakHMACSecret), alg) {
			checks = append(checks, Check{
				Name:     "signature_verification",
				Category: CategorySignature,
				Passed:   true,
				Severity: SeverityCritical,
				Reason:   fmt.Sprintf("signature verified with %s under the shared demo secret", alg),
			})
		} else {
			checks = append(checks, Check{
				Name:     "signature_verification",
				Category: CategorySignature,
				Severity: SeverityCritical,
				Reason:   fmt.Sprintf("signature did not verify under %s with the shared demo secret", alg),
			})
		}
		return checks
	}

	var checks []Check

	issuer := tok.Claims.Issuer()
	var key any
	var err error
	if pol.AllowKeyConfusion {
		checks = append(checks, Check{
			Name:     "key_type_crosscheck",
			Category: CategorySignature,
			Passed:   false,
			Skipped:  true,
			Severity: SeverityCritical,
			Reason:   "key type / algorithm family cross-check disabled by policy: algorithm confusion possible",
		})
		key, err = e.resolver.ResolveUnchecked(ctx, issuer, tok.Header.KeyID)
	} else {
		checks = append(checks, Check{
			Name:     "key_type_crosscheck",
			Category: CategorySignature,
			Passed:   true,
			Severity: SeverityCritical,
			Reason:   "resolved key type is compatible with the declared algorithm family",
		})
		key, err = e.resolver.Resolve(ctx, issuer, tok.Header.KeyID, alg)
	}
	if err != nil {
		checks = append(checks, Check{
			Name:     "key_resolution",
			Category: CategorySignature,
			Severity: SeverityCritical,
			Reason:   err.Error(),
		})
		return checks
	}
	checks = append(checks, Check{
		Name:     "key_resolution",
		Category: CategorySignature,
		Passed:   true,
		Severity: SeverityCritical,
		Reason:   fmt.Sprintf("key %q resolved from issuer %q", tok.Header.KeyID, issuer),
	})

	if crypto.VerifySignature(tok.SigningInput, tok.Signature, key, alg) {
		checks = append(checks, Check{
			Name:     "signature_verification",
			Category: CategorySignature,
			Passed:   true,
			Severity: SeverityCritical,
			Reason:   fmt.Sprintf("signature verified with %s", alg),
		})
	} else {
		checks = append(checks, Check{
			Name:     "signature_verification",
			Category: CategorySignature,
			Severity: SeverityCritical,
			Reason:   fmt.Sprintf("signature did not verify under %s", alg),
		})
	}
	return checks
}

// finalize derives the verdict and score from the check list. Valid is true
// iff every enforced (non-skipped) check passed. The score starts at 100 and
// loses severity-weighted points per failed enforced check, floored at zero.
func (r *Result) finalize() {
	r.Valid = true
	score := 100
	for _, c := range r.Checks {
		if c.Skipped {
			continue
		}
		if !c.Passed {
			r.Valid = false
			score -= severityWeight(c.Severity)
		}
	}
	if score < 0 {
		score = 0
	}
	r.Score = score
}

func severityWeight(s Severity) int {
	switch s {
	case SeverityCritical:
		return 40
	case SeverityHigh:
		return 25
	case SeverityMedium:
		return 10
	default:
		return 5
	}
}
