package auth

import (
	"context"
	"crypto"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Reason classifies why a bearer token was rejected. The HTTP layer must not
// echo the reason back to clients; it exists for logs and tests.
type Reason string

const (
	ReasonMalformed    Reason = "malformed"
	ReasonUnknownKey   Reason = "unknown_key"
	ReasonBadSignature Reason = "bad_signature"
	ReasonExpired      Reason = "expired"
	ReasonBadAudience  Reason = "bad_audience"
	ReasonBadIssuer    Reason = "bad_issuer"
)

// AuthError is the terminal outcome of a failed validation.
type AuthError struct {
	Reason Reason
	Err    error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("token rejected (%s): %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("token rejected (%s)", e.Reason)
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

// Principal is the authenticated identity extracted from a validated token.
// It is created once per request and never mutated.
type Principal struct {
	Subject   string
	Name      string
	ExpiresAt time.Time
	Claims    map[string]any
}

// maxTokenLength rejects absurdly large credentials before any parsing.
const maxTokenLength = 8192

// anonymousSubject stands in when a token carries no sub claim.
const anonymousSubject = "unknown"

var errMissingKeyID = errors.New("token header has no key id")

// KeyResolver resolves a token's declared key id to a verification key.
type KeyResolver interface {
	Resolve(ctx context.Context, kid string) (crypto.PublicKey, error)
}

// Validator checks a bearer token's signature and claims against a single
// trusted issuer. Every request is validated from scratch; only the key set
// behind the resolver is cached.
type Validator struct {
	Keys      KeyResolver
	Issuer    string
	Audiences []string

	// Now is the clock used for expiry checks; nil means time.Now.
	Now func() time.Time
}

func (v *Validator) now() time.Time {
	if v.Now != nil {
		return v.Now()
	}
	return time.Now()
}

// Validate runs the full check sequence on a raw bearer token and returns
// the authenticated Principal. Each step short-circuits: structure, key
// resolution, signature, expiry, audience, issuer.
func (v *Validator) Validate(ctx context.Context, rawToken string) (*Principal, error) {
	if rawToken == "" || len(rawToken) > maxTokenLength {
		return nil, &AuthError{Reason: ReasonMalformed, Err: errors.New("token empty or oversized")}
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{"RS256", "ES256"}),
		// Claim checks run below so each failure maps to its own reason.
		jwt.WithoutClaimsValidation(),
	)

	claims := jwt.MapClaims{}
	_, err := parser.ParseWithClaims(rawToken, claims, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, errMissingKeyID
		}
		return v.Keys.Resolve(ctx, kid)
	})
	if err != nil {
		return nil, classifyParseError(err)
	}

	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return nil, &AuthError{Reason: ReasonMalformed, Err: errors.New("token has no usable exp claim")}
	}
	// A token whose exp equals the current instant is already expired.
	if !v.now().Before(exp.Time) {
		return nil, &AuthError{Reason: ReasonExpired, Err: fmt.Errorf("token expired at %s", exp.Time.Format(time.RFC3339))}
	}

	aud, err := claims.GetAudience()
	if err != nil {
		return nil, &AuthError{Reason: ReasonMalformed, Err: errors.New("token has an unparsable aud claim")}
	}
	if !audienceAllowed(aud, v.Audiences) {
		return nil, &AuthError{Reason: ReasonBadAudience, Err: fmt.Errorf("audience %v not in allow-set", []string(aud))}
	}

	iss, err := claims.GetIssuer()
	if err != nil {
		return nil, &AuthError{Reason: ReasonMalformed, Err: errors.New("token has an unparsable iss claim")}
	}
	if iss != v.Issuer {
		return nil, &AuthError{Reason: ReasonBadIssuer, Err: fmt.Errorf("issuer %q is not trusted", iss)}
	}

	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		sub = anonymousSubject
	}

	return &Principal{
		Subject:   sub,
		Name:      displayName(claims),
		ExpiresAt: exp.Time,
		Claims:    map[string]any(claims),
	}, nil
}

// classifyParseError maps golang-jwt parse failures and key-resolution
// failures onto the rejection taxonomy.
func classifyParseError(err error) *AuthError {
	var fetchErr *KeyFetchError

	switch {
	case errors.Is(err, errMissingKeyID),
		errors.Is(err, ErrKeyNotFound),
		errors.As(err, &fetchErr):
		return &AuthError{Reason: ReasonUnknownKey, Err: err}
	case errors.Is(err, jwt.ErrTokenMalformed):
		return &AuthError{Reason: ReasonMalformed, Err: err}
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return &AuthError{Reason: ReasonBadSignature, Err: err}
	default:
		return &AuthError{Reason: ReasonBadSignature, Err: err}
	}
}

func audienceAllowed(aud jwt.ClaimStrings, allowed []string) bool {
	for _, have := range aud {
		for _, want := range allowed {
			if have == want {
				return true
			}
		}
	}
	return false
}

// displayName pulls a human-readable name out of the profile claims Keycloak
// populates, falling back through preferred_username to name.
func displayName(claims jwt.MapClaims) string {
	if s, ok := claims["preferred_username"].(string); ok && s != "" {
		return s
	}
	if s, ok := claims["name"].(string); ok && s != "" {
		return s
	}
	return ""
}
