package crypto

import (
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// AlgFamily classifies signing algorithms by the kind of key they consume.
type AlgFamily int

const (
	FamilyUnknown AlgFamily = iota
	FamilyNone
	FamilySymmetric  // HS*
	FamilyAsymmetric // RS*, PS*, ES*, EdDSA
)

// AlgorithmFamily returns the family of a JOSE alg value.
func AlgorithmFamily(alg string) AlgFamily {
	switch {
	case alg == "none" || alg == "":
		return FamilyNone
	case strings.HasPrefix(alg, "HS"):
		return FamilySymmetric
	case strings.HasPrefix(alg, "RS"), strings.HasPrefix(alg, "PS"),
		strings.HasPrefix(alg, "ES"), alg == "EdDSA":
		return FamilyAsymmetric
	default:
		return FamilyUnknown
	}
}

// KeyTypeFamily returns the algorithm family a JWK key type can serve.
func KeyTypeFamily(kty string) AlgFamily {
	switch kty {
	case "oct":
		return FamilySymmetric
	case "RSA", "EC", "OKP":
		return FamilyAsymmetric
	default:
		return FamilyUnknown
	}
}

// VerifySignature checks a signature over the signing input with the given
// key and declared algorithm. It is a pure function: no I/O, no policy. The
// none algorithm always fails here - the validation engine is the only place
// a policy may bypass verification, and it records that bypass explicitly.
func VerifySignature(signingInput string, signature []byte, key any, alg string) bool {
	if AlgorithmFamily(alg) == FamilyNone {
		return false
	}
	method := jwt.GetSigningMethod(alg)
	if method == nil {
		return false
	}
	return method.Verify(signingInput, signature, key) == nil
}
