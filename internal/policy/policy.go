package policy

// Policy is an immutable set of toggles that selectively disable individual
// security checks for demonstration purposes. The zero value is the secure
// default: every toggle false. Policies are value objects - construct a new
// one instead of mutating an existing one.
type Policy struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`

	// Token validation toggles
	AcceptNoneAlgorithm bool `json:"accept_none_algorithm"`
	SkipSignatureCheck  bool `json:"skip_signature_check"`
	SkipExpirationCheck bool `json:"skip_expiration_check"`
	SkipAudienceCheck   bool `json:"skip_audience_check"`
	SkipIssuerCheck     bool `json:"skip_issuer_check"`
	AllowKeyConfusion   bool `json:"allow_key_confusion"`
	StrictClockSkew     bool `json:"strict_clock_skew"`

	// Flow construction toggles
	DisablePKCE         bool `json:"disable_pkce"`
	SkipStateValidation bool `json:"skip_state_validation"`
	SkipNonceValidation bool `json:"skip_nonce_validation"`
	AllowTokenInURL     bool `json:"allow_token_in_url"`
	WeakSecret          bool `json:"weak_secret"`
}

// Secure returns the secure default policy with every toggle false.
func Secure() Policy {
	return Policy{
		Name:        "secure",
		Description: "All security checks enforced (RFC-compliant baseline)",
	}
}

// Presets returns the named policies available for demonstrations. The first
// entry is always the secure baseline so comparison views have an anchor.
func Presets() []Policy {
	return []Policy{
		Secure(),
		{
			Name:        "no-pkce",
			Description: "PKCE omitted from the authorization request entirely, exposing the code to interception (RFC 7636 threat model)",
			DisablePKCE: true,
		},
		{
			Name:                "no-state",
			Description:         "State parameter neither sent nor validated, enabling CSRF on the redirect (RFC 6749 §10.12)",
			SkipStateValidation: true,
		},
		{
			Name:                "accept-none-alg",
			Description:         "Signature verification bypassed for alg=none tokens (CVE-2015-9235 class)",
			AcceptNoneAlgorithm: true,
		},
		{
			Name:                "ignore-expiry",
			Description:         "Expired tokens excluded from the verdict, demonstrating replay of stale credentials",
			SkipExpirationCheck: true,
		},
		{
			Name:              "ignore-audience",
			Description:       "Audience claim excluded from the verdict, allowing token reuse across services",
			SkipAudienceCheck: true,
		},
		{
			Name:              "key-confusion",
			Description:       "Key type / algorithm family cross-check disabled, reproducing the RS256-to-HS256 confusion attack",
			AllowKeyConfusion: true,
		},
		{
			Name:        "weak-secret",
			Description: "HMAC tokens verified against the published demo secret, demonstrating forgery with a guessable key",
			WeakSecret:  true,
		},
		{
			Name:            "token-in-url",
			Description:     "Tokens left unredacted in step traces and URLs, demonstrating leakage via logs and referrers",
			AllowTokenInURL: true,
		},
	}
}

// Lookup finds a preset by name.
func Lookup(name string) (Policy, bool) {
	for _, p := range Presets() {
		if p.Name == name {
			return p, true
		}
	}
	return Policy{}, false
}
