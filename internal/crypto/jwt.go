package crypto

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// JWTService mints tokens for the embedded identity provider. The flow and
// validation engines never use it - they only see compact strings.
type JWTService struct {
	keySet *KeySet
	issuer string
}

// NewJWTService creates a new JWT service
func NewJWTService(keySet *KeySet, issuer string) *JWTService {
	return &JWTService{
		keySet: keySet,
		issuer: issuer,
	}
}

// Issuer returns the configured issuer.
func (s *JWTService) Issuer() string {
	return s.issuer
}

// CreateAccessToken creates a new RS256-signed access token.
func (s *JWTService) CreateAccessToken(subject, audience, scope string, duration time.Duration, customClaims map[string]any) (string, error) {
	now := time.Now()

	claims := jwt.MapClaims{
		"iss":   s.issuer,
		"sub":   subject,
		"aud":   audience,
		"exp":   now.Add(duration).Unix(),
		"iat":   now.Unix(),
		"nbf":   now.Unix(),
		"scope": scope,
		"jti":   generateKeyID("jti"),
	}

	for k, v := range customClaims {
		claims[k] = v
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = s.keySet.RSAKeyID()

	return token.SignedString(s.keySet.RSAPrivateKey())
}

// CreateIDToken creates an OIDC ID token bound to a nonce.
func (s *JWTService) CreateIDToken(subject, audience, nonce string, authTime time.Time, duration time.Duration, userClaims map[string]any) (string, error) {
	now := time.Now()

	claims := jwt.MapClaims{
		"iss":       s.issuer,
		"sub":       subject,
		"aud":       audience,
		"exp":       now.Add(duration).Unix(),
		"iat":       now.Unix(),
		"auth_time": authTime.Unix(),
	}

	if nonce != "" {
		claims["nonce"] = nonce
	}

	for k, v := range userClaims {
		claims[k] = v
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = s.keySet.RSAKeyID()

	return token.SignedString(s.keySet.RSAPrivateKey())
}

// CreateRefreshToken creates a refresh token (JWT-shaped for inspectability).
func (s *JWTService) CreateRefreshToken(subject, clientID, scope string, duration time.Duration) (string, error) {
	now := time.Now()

	claims := jwt.MapClaims{
		"iss":       s.issuer,
		"sub":       subject,
		"client_id": clientID,
		"exp":       now.Add(duration).Unix(),
		"iat":       now.Unix(),
		"scope":     scope,
		"jti":       generateKeyID("refresh"),
		"type":      "refresh",
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = s.keySet.RSAKeyID()

	return token.SignedString(s.keySet.RSAPrivateKey())
}

// CreateWeakHMACToken signs an access token with the published weak symmetric
// secret. Used by the weak-secret demonstration.
func (s *JWTService) CreateWeakHMACToken(subject, audience, scope string, duration time.Duration) (string, error) {
	now := time.Now()

	claims := jwt.MapClaims{
		"iss":   s.issuer,
		"sub":   subject,
		"aud":   audience,
		"exp":   now.Add(duration).Unix(),
		"iat":   now.Unix(),
		"scope": scope,
		"jti":   generateKeyID("jti"),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.keySet.HMACSecret())
}

// CreateUnsignedToken builds an alg=none token. Used by the accept-none
// demonstration; no honest signer produces these.
func (s *JWTService) CreateUnsignedToken(subject, audience, scope string, duration time.Duration) (string, error) {
	now := time.Now()

	claims := Claims{
		"iss":   s.issuer,
		"sub":   subject,
		"aud":   audience,
		"exp":   now.Add(duration).Unix(),
		"iat":   now.Unix(),
		"scope": scope,
	}

	return Encode(map[string]any{"alg": "none", "typ": "JWT"}, claims, nil)
}
