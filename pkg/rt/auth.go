package rt

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// EnvAPIKey is consulted by StaticKeyAuth when no explicit key is given.
const EnvAPIKey = "SPEECHMATICS_API_KEY"

// Auth supplies the bearer credential for one WebSocket connection. The
// session calls Credential once per connect attempt, so providers may
// refresh expired material inside it.
type Auth interface {
	// Credential returns the bearer token to present during the upgrade.
	Credential(ctx context.Context) (string, error)
}

// StaticKeyAuth authenticates every connection with the same API key.
type StaticKeyAuth struct {
	key string
}

// NewStaticKeyAuth creates a StaticKeyAuth from the given key, falling back
// to the SPEECHMATICS_API_KEY environment variable.
func NewStaticKeyAuth(apiKey string) (*StaticKeyAuth, error) {
	if apiKey == "" {
		apiKey = os.Getenv(EnvAPIKey)
	}
	if apiKey == "" {
		return nil, errors.New("rt: API key required: provide one or set " + EnvAPIKey)
	}
	return &StaticKeyAuth{key: apiKey}, nil
}

// Credential returns the configured API key.
func (a *StaticKeyAuth) Credential(context.Context) (string, error) {
	return a.key, nil
}

// TokenFunc mints or fetches a fresh bearer token. Implementations typically
// call out to a management API; token minting itself is outside this package.
type TokenFunc func(ctx context.Context) (string, error)

// TokenAuth authenticates with short-lived JWTs minted elsewhere. The token's
// exp claim is inspected (without signature verification, which only the
// service can perform) and the mint function is invoked again once the token
// is within the refresh skew of expiry.
type TokenAuth struct {
	mint TokenFunc
	skew time.Duration

	mu      sync.Mutex
	token   string
	expires time.Time
}

// NewTokenAuth creates a TokenAuth around mint. skew controls how long before
// expiry a token is considered stale; zero means 10 seconds.
func NewTokenAuth(mint TokenFunc, skew time.Duration) (*TokenAuth, error) {
	if mint == nil {
		return nil, errors.New("rt: token mint function required")
	}
	if skew <= 0 {
		skew = 10 * time.Second
	}
	return &TokenAuth{mint: mint, skew: skew}, nil
}

// Credential returns a cached token while it remains fresh and re-mints
// otherwise.
func (a *TokenAuth) Credential(ctx context.Context) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.token != "" && (a.expires.IsZero() || time.Until(a.expires) > a.skew) {
		return a.token, nil
	}

	token, err := a.mint(ctx)
	if err != nil {
		return "", fmt.Errorf("rt: mint token: %w", err)
	}
	a.token = token
	a.expires = tokenExpiry(token)
	return token, nil
}

// tokenExpiry extracts the exp claim from a JWT. Tokens that do not parse or
// carry no expiry return the zero time, which disables refresh.
func tokenExpiry(token string) time.Time {
	parsed, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return time.Time{}
	}
	exp, err := parsed.Claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}
	}
	return exp.Time
}

// authHeaders builds the HTTP headers for the WebSocket upgrade.
func authHeaders(credential, requestID string) http.Header {
	h := http.Header{}
	h.Set("Authorization", "Bearer "+credential)
	h.Set("X-Request-Id", requestID)
	return h
}
