package crypto

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

const (
	defaultJWKSPath     = "/.well-known/jwks.json"
	defaultFetchTries   = 3
	defaultFetchTimeout = 10 * time.Second
)

// Resolver fetches and caches remote key sets and resolves individual keys by
// identifier. The cache is keyed by issuer with a bounded TTL; concurrent
// reads are lock-free on the read path and population is serialized. An
// in-flight fetch for the same issuer is deduplicated so concurrent
// validations of tokens from one issuer trigger at most one network call.
//
// Resolver is the only component of the token pipeline that performs I/O.
// It is explicitly owned and injectable, never a process-wide singleton, so
// engines with different policies can share or isolate caches as tests need.
type Resolver struct {
	httpClient *http.Client
	cacheTTL   time.Duration
	maxTries   uint
	logger     zerolog.Logger

	mu       sync.RWMutex
	cache    map[string]*cachedJWKS // keyed by issuer
	jwksURLs map[string]string      // issuer -> explicit JWKS URL

	group singleflight.Group
}

type cachedJWKS struct {
	jwks      JWKS
	fetchedAt time.Time
}

// NewResolver creates a resolver with the given cache TTL.
func NewResolver(cacheTTL time.Duration, logger zerolog.Logger) *Resolver {
	return &Resolver{
		httpClient: &http.Client{Timeout: defaultFetchTimeout},
		cacheTTL:   cacheTTL,
		maxTries:   defaultFetchTries,
		logger:     logger.With().Str("component", "jwks-resolver").Logger(),
		cache:      make(map[string]*cachedJWKS),
		jwksURLs:   make(map[string]string),
	}
}

// SetHTTPClient replaces the HTTP client, typically to shorten timeouts in
// tests or to route through an instrumented transport.
func (r *Resolver) SetHTTPClient(c *http.Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.httpClient = c
}

// RegisterJWKSURL maps an issuer to an explicit JWKS location, as published
// in its discovery document. Without a registration the resolver falls back
// to issuer + "/.well-known/jwks.json".
func (r *Resolver) RegisterJWKSURL(issuer, jwksURL string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jwksURLs[issuer] = jwksURL
}

// Resolve returns the verification key for (issuer, kid, alg). The declared
// key type must be compatible with the requested algorithm family; a
// symmetric key requested for an asymmetric algorithm (or vice versa) is
// rejected with ErrKeyAlgorithmMismatch. That cross-check is the primary
// defense against algorithm confusion - ResolveUnchecked exists solely so a
// vulnerability policy can reproduce the attack class.
func (r *Resolver) Resolve(ctx context.Context, issuer, kid, alg string) (any, error) {
	jwk, err := r.lookup(ctx, issuer, kid)
	if err != nil {
		return nil, err
	}

	want := AlgorithmFamily(alg)
	have := KeyTypeFamily(jwk.Kty)
	if want == FamilyUnknown || have == FamilyUnknown || want != have {
		return nil, fmt.Errorf("%w: key type %q cannot serve algorithm %q", ErrKeyAlgorithmMismatch, jwk.Kty, alg)
	}

	return jwk.ToVerificationKey()
}

// ResolveUnchecked resolves a key by identifier without the key-type /
// algorithm cross-check. Only reachable through the AllowKeyConfusion
// vulnerability toggle.
func (r *Resolver) ResolveUnchecked(ctx context.Context, issuer, kid string) (any, error) {
	jwk, err := r.lookup(ctx, issuer, kid)
	if err != nil {
		return nil, err
	}
	return jwk.ToVerificationKey()
}

func (r *Resolver) lookup(ctx context.Context, issuer, kid string) (*JWK, error) {
	jwks, err := r.keySet(ctx, issuer)
	if err != nil {
		return nil, err
	}

	key, err := jwks.GetKeyByID(kid)
	if err == nil {
		if verr := ValidateJWK(*key); verr != nil {
			return nil, fmt.Errorf("%w: %v", ErrKeyNotFound, verr)
		}
		return key, nil
	}

	// A kid miss may mean the issuer rotated keys since we cached. Refresh
	// once before giving up.
	r.invalidate(issuer)
	jwks, ferr := r.keySet(ctx, issuer)
	if ferr != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyNotFound, ferr)
	}
	key, err = jwks.GetKeyByID(kid)
	if err != nil {
		return nil, fmt.Errorf("%w: no key %q at issuer %q", ErrKeyNotFound, kid, issuer)
	}
	if verr := ValidateJWK(*key); verr != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyNotFound, verr)
	}
	return key, nil
}

// keySet returns the issuer's JWKS, serving from cache within the TTL and
// deduplicating concurrent fetches.
func (r *Resolver) keySet(ctx context.Context, issuer string) (*JWKS, error) {
	r.mu.RLock()
	cached, ok := r.cache[issuer]
	r.mu.RUnlock()
	if ok && time.Since(cached.fetchedAt) < r.cacheTTL {
		return &cached.jwks, nil
	}

	v, err, _ := r.group.Do(issuer, func() (any, error) {
		// Re-check under the flight: another caller may have populated the
		// cache while this one queued.
		r.mu.RLock()
		cached, ok := r.cache[issuer]
		r.mu.RUnlock()
		if ok && time.Since(cached.fetchedAt) < r.cacheTTL {
			return &cached.jwks, nil
		}

		jwks, err := r.fetch(ctx, issuer)
		if err != nil {
			return nil, err
		}

		r.mu.Lock()
		r.cache[issuer] = &cachedJWKS{jwks: *jwks, fetchedAt: time.Now()}
		r.mu.Unlock()
		return jwks, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: fetching key set for %q: %v", ErrKeyNotFound, issuer, err)
	}
	return v.(*JWKS), nil
}

// fetch retrieves the issuer's JWKS with bounded exponential backoff. JWKS
// retrieval is an idempotent GET, so retrying is safe.
func (r *Resolver) fetch(ctx context.Context, issuer string) (*JWKS, error) {
	r.mu.RLock()
	jwksURL, ok := r.jwksURLs[issuer]
	client := r.httpClient
	r.mu.RUnlock()
	if !ok {
		jwksURL = issuer + defaultJWKSPath
	}

	operation := func() (*JWKS, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, jwksURL, nil)
		if err != nil {
			return nil, backoff.Permanent(err)
		}

		resp, err := client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			err := fmt.Errorf("JWKS endpoint returned status %d", resp.StatusCode)
			if resp.StatusCode >= 400 && resp.StatusCode < 500 {
				return nil, backoff.Permanent(err)
			}
			return nil, err
		}

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, err
		}

		var jwks JWKS
		if err := json.Unmarshal(body, &jwks); err != nil {
			return nil, backoff.Permanent(fmt.Errorf("parsing JWKS: %w", err))
		}
		return &jwks, nil
	}

	jwks, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(r.maxTries),
		backoff.WithNotify(func(err error, next time.Duration) {
			r.logger.Warn().Err(err).Str("issuer", issuer).Dur("retry_in", next).Msg("JWKS fetch failed, retrying")
		}),
	)
	if err != nil {
		return nil, err
	}
	return jwks, nil
}

func (r *Resolver) invalidate(issuer string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.cache, issuer)
}
