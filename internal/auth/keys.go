package auth

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// ErrKeyNotFound is returned by Resolve when the requested key id is absent
// from the identity provider's key set even after a refresh.
var ErrKeyNotFound = errors.New("signing key not found")

// KeyFetchError wraps a failure to fetch or parse the JWKS document. It is
// deliberately distinct from ErrKeyNotFound: a fetch failure says nothing
// about whether the key exists.
type KeyFetchError struct {
	Err error
}

func (e *KeyFetchError) Error() string {
	return fmt.Sprintf("fetching signing keys: %v", e.Err)
}

func (e *KeyFetchError) Unwrap() error {
	return e.Err
}

// maxJWKSBytes caps the JWKS response body read.
const maxJWKSBytes = 1 << 20

// defaultFetchTimeout bounds a JWKS fetch when the caller's context carries
// no earlier deadline.
const defaultFetchTimeout = 10 * time.Second

// KeySet is an immutable snapshot of the identity provider's published
// verification keys, keyed by key id. It is replaced wholesale on refresh and
// never mutated after publication.
type KeySet struct {
	keys      map[string]crypto.PublicKey
	fetchedAt time.Time
}

// Key returns the verification key for the given key id.
func (ks *KeySet) Key(kid string) (crypto.PublicKey, bool) {
	k, ok := ks.keys[kid]
	return k, ok
}

// Len returns the number of keys in the snapshot.
func (ks *KeySet) Len() int {
	return len(ks.keys)
}

// Resolver fetches and caches the identity provider's JWKS. Refresh is
// miss-triggered: an unknown key id causes exactly one refetch before the
// miss is surfaced. Concurrent misses share a single in-flight fetch.
type Resolver struct {
	jwksURL string
	client  *http.Client

	// maxAge, when positive, forces a refresh on lookups against a snapshot
	// older than this even if the key id would hit. Zero disables age-based
	// refresh entirely.
	maxAge time.Duration

	group   singleflight.Group
	mu      sync.RWMutex
	current *KeySet
}

// JWKSURL derives the Keycloak-style published key endpoint from an issuer
// base URL and realm name.
func JWKSURL(issuerURL string, realm string) string {
	return fmt.Sprintf("%s/realms/%s/protocol/openid-connect/certs", strings.TrimRight(issuerURL, "/"), realm)
}

type ResolverOption func(*Resolver)

// WithHTTPClient overrides the HTTP client used for JWKS fetches.
func WithHTTPClient(client *http.Client) ResolverOption {
	return func(r *Resolver) {
		r.client = client
	}
}

// WithMaxKeyAge enables age-based refresh: a cache hit against a snapshot
// older than maxAge still triggers a refetch.
func WithMaxKeyAge(maxAge time.Duration) ResolverOption {
	return func(r *Resolver) {
		r.maxAge = maxAge
	}
}

// NewResolver creates a resolver for the given JWKS URL. The cache starts
// empty; the first Resolve triggers the first fetch.
func NewResolver(jwksURL string, opts ...ResolverOption) *Resolver {
	r := &Resolver{
		jwksURL: jwksURL,
		client:  &http.Client{Timeout: defaultFetchTimeout},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Resolver) snapshot() *KeySet {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current
}

func (r *Resolver) stale(ks *KeySet) bool {
	return r.maxAge > 0 && time.Since(ks.fetchedAt) > r.maxAge
}

// Resolve returns the verification key for the given key id. On a cache miss
// it refreshes the key set once; a miss after that refresh yields
// ErrKeyNotFound. Fetch failures yield a *KeyFetchError instead.
func (r *Resolver) Resolve(ctx context.Context, kid string) (crypto.PublicKey, error) {
	if ks := r.snapshot(); ks != nil && !r.stale(ks) {
		if key, ok := ks.Key(kid); ok {
			return key, nil
		}
	}

	ks, err := r.refresh(ctx)
	if err != nil {
		return nil, err
	}

	if key, ok := ks.Key(kid); ok {
		return key, nil
	}

	return nil, fmt.Errorf("key id %q: %w", kid, ErrKeyNotFound)
}

// refresh fetches the JWKS and swaps in the new snapshot. Concurrent callers
// collapse onto one upstream fetch; every waiter observes that fetch's
// result. The fetch itself is detached from the triggering caller's
// cancellation, since waiters from unrelated requests share its outcome; the
// fetch timeout still bounds it.
func (r *Resolver) refresh(ctx context.Context) (*KeySet, error) {
	v, err, _ := r.group.Do("jwks", func() (any, error) {
		ks, fetchErr := r.fetch(context.WithoutCancel(ctx))
		if fetchErr != nil {
			return nil, &KeyFetchError{Err: fetchErr}
		}

		r.mu.Lock()
		r.current = ks
		r.mu.Unlock()

		slog.Debug("Refreshed signing key set", "url", r.jwksURL, "keys", ks.Len())
		return ks, nil
	})
	if err != nil {
		return nil, err
	}

	return v.(*KeySet), nil
}

type jwksDocument struct {
	Keys []jwksKey `json:"keys"`
}

type jwksKey struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	Use string `json:"use"`

	// RSA components
	N string `json:"n"`
	E string `json:"e"`

	// EC components
	Crv string `json:"crv"`
	X   string `json:"x"`
	Y   string `json:"y"`
}

func (r *Resolver) fetch(ctx context.Context) (*KeySet, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultFetchTimeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.jwksURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create JWKS request: %w", err)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("JWKS request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("JWKS endpoint returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxJWKSBytes))
	if err != nil {
		return nil, fmt.Errorf("read JWKS response: %w", err)
	}

	var doc jwksDocument
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("parse JWKS response: %w", err)
	}

	keys := make(map[string]crypto.PublicKey, len(doc.Keys))
	for _, k := range doc.Keys {
		if k.Kid == "" {
			continue
		}
		switch k.Kty {
		case "RSA":
			pub, err := parseRSAPublicKey(k.N, k.E)
			if err != nil {
				slog.Warn("Skipping malformed RSA key in JWKS", "kid", k.Kid, "err", err)
				continue
			}
			keys[k.Kid] = pub
		case "EC":
			pub, err := parseECPublicKey(k.Crv, k.X, k.Y)
			if err != nil {
				slog.Warn("Skipping malformed EC key in JWKS", "kid", k.Kid, "err", err)
				continue
			}
			keys[k.Kid] = pub
		}
	}

	return &KeySet{keys: keys, fetchedAt: time.Now()}, nil
}

// parseRSAPublicKey constructs an *rsa.PublicKey from base64url-encoded
// modulus and exponent components.
func parseRSAPublicKey(nB64 string, eB64 string) (*rsa.PublicKey, error) {
	nBytes, err := base64.RawURLEncoding.DecodeString(nB64)
	if err != nil {
		return nil, fmt.Errorf("decode modulus: %w", err)
	}

	if eB64 == "" {
		eB64 = "AQAB"
	}
	eBytes, err := base64.RawURLEncoding.DecodeString(eB64)
	if err != nil {
		return nil, fmt.Errorf("decode exponent: %w", err)
	}

	return &rsa.PublicKey{
		N: new(big.Int).SetBytes(nBytes),
		E: int(new(big.Int).SetBytes(eBytes).Int64()),
	}, nil
}

// parseECPublicKey constructs an *ecdsa.PublicKey from a named curve and
// base64url-encoded coordinates.
func parseECPublicKey(crv string, xB64 string, yB64 string) (*ecdsa.PublicKey, error) {
	var curve elliptic.Curve
	switch crv {
	case "P-256":
		curve = elliptic.P256()
	case "P-384":
		curve = elliptic.P384()
	case "P-521":
		curve = elliptic.P521()
	default:
		return nil, fmt.Errorf("unsupported curve %q", crv)
	}

	xBytes, err := base64.RawURLEncoding.DecodeString(xB64)
	if err != nil {
		return nil, fmt.Errorf("decode x coordinate: %w", err)
	}
	yBytes, err := base64.RawURLEncoding.DecodeString(yB64)
	if err != nil {
		return nil, fmt.Errorf("decode y coordinate: %w", err)
	}

	return &ecdsa.PublicKey{
		Curve: curve,
		X:     new(big.Int).SetBytes(xBytes),
		Y:     new(big.Int).SetBytes(yBytes),
	}, nil
}
