package crypto

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	"encoding/base64"
	"errors"
	"fmt"
	"math/big"
)

// GetKeyByID finds a key in a JWKS by key ID.
func (jwks *JWKS) GetKeyByID(kid string) (*JWK, error) {
	for i := range jwks.Keys {
		if jwks.Keys[i].Kid == kid {
			return &jwks.Keys[i], nil
		}
	}
	return nil, fmt.Errorf("key with id %s not found", kid)
}

// ToVerificationKey converts a JWK to the key value a signing method's Verify
// expects: *rsa.PublicKey, *ecdsa.PublicKey, or []byte for symmetric keys.
func (jwk *JWK) ToVerificationKey() (any, error) {
	switch jwk.Kty {
	case "RSA":
		return jwk.toRSAPublicKey()
	case "EC":
		return jwk.toECPublicKey()
	case "oct":
		if jwk.K == "" {
			return nil, errors.New("missing symmetric key material")
		}
		return base64.RawURLEncoding.DecodeString(jwk.K)
	default:
		return nil, fmt.Errorf("unsupported key type: %s", jwk.Kty)
	}
}

func (jwk *JWK) toRSAPublicKey() (*rsa.PublicKey, error) {
	if jwk.N == "" || jwk.E == "" {
		return nil, errors.New("missing RSA key parameters")
	}

	nBytes, err := base64.RawURLEncoding.DecodeString(jwk.N)
	if err != nil {
		return nil, fmt.Errorf("failed to decode modulus: %w", err)
	}

	eBytes, err := base64.RawURLEncoding.DecodeString(jwk.E)
	if err != nil {
		return nil, fmt.Errorf("failed to decode exponent: %w", err)
	}

	n := new(big.Int).SetBytes(nBytes)
	e := 0
	for _, b := range eBytes {
		e = e*256 + int(b)
	}

	return &rsa.PublicKey{N: n, E: e}, nil
}

func (jwk *JWK) toECPublicKey() (*ecdsa.PublicKey, error) {
	if jwk.X == "" || jwk.Y == "" || jwk.Crv == "" {
		return nil, errors.New("missing EC key parameters")
	}

	var curve elliptic.Curve
	switch jwk.Crv {
	case "P-256":
		curve = elliptic.P256()
	case "P-384":
		curve = elliptic.P384()
	case "P-521":
		curve = elliptic.P521()
	default:
		return nil, fmt.Errorf("unsupported curve: %s", jwk.Crv)
	}

	xBytes, err := base64.RawURLEncoding.DecodeString(jwk.X)
	if err != nil {
		return nil, fmt.Errorf("failed to decode x coordinate: %w", err)
	}

	yBytes, err := base64.RawURLEncoding.DecodeString(jwk.Y)
	if err != nil {
		return nil, fmt.Errorf("failed to decode y coordinate: %w", err)
	}

	return &ecdsa.PublicKey{
		Curve: curve,
		X:     new(big.Int).SetBytes(xBytes),
		Y:     new(big.Int).SetBytes(yBytes),
	}, nil
}

// ValidateJWK performs basic structural validation on a JWK.
func ValidateJWK(jwk JWK) error {
	if jwk.Kty == "" {
		return errors.New("missing key type (kty)")
	}

	switch jwk.Kty {
	case "RSA":
		if jwk.N == "" || jwk.E == "" {
			return errors.New("RSA key missing n or e parameter")
		}
	case "EC":
		if jwk.Crv == "" || jwk.X == "" || jwk.Y == "" {
			return errors.New("EC key missing crv, x, or y parameter")
		}
	case "oct":
		if jwk.K == "" {
			return errors.New("symmetric key missing k parameter")
		}
	default:
		return fmt.Errorf("unsupported key type: %s", jwk.Kty)
	}

	return nil
}
