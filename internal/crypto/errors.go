package crypto

import "errors"

var (
	// ErrMalformedToken means the compact serialization could not be split or
	// decoded. Structural failures are never recovered.
	ErrMalformedToken = errors.New("malformed token")

	// ErrKeyNotFound means no key matching the requested identifier could be
	// resolved from the issuer's key set, after retries.
	ErrKeyNotFound = errors.New("key not found")

	// ErrSignatureInvalid means the signature did not verify under the
	// resolved key and declared algorithm.
	ErrSignatureInvalid = errors.New("signature invalid")

	// ErrKeyAlgorithmMismatch means the resolved key's type is incompatible
	// with the requested algorithm family. This is the primary defense
	// against algorithm-confusion attacks.
	ErrKeyAlgorithmMismatch = errors.New("key type incompatible with requested algorithm family")
)
