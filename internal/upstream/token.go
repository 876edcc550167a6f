package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/sync/singleflight"
)

// tokenLifetimeFraction is how much of a token's nominal lifetime we trust.
// Caching for the full lifetime risks sending a token that expires mid-flight.
const tokenLifetimeFraction = 0.8

// TokenSource hands out a valid broker bearer token and accepts invalidation
// when a call using a cached token is rejected.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
	Invalidate()
}

// TokenCache holds the single process-wide broker token. Concurrent callers
// that find the cache empty are collapsed into one refresh via singleflight;
// the broker auth endpoint is slow enough that redundant calls are worth
// avoiding.
type TokenCache struct {
	authURL    string
	login      string
	password   string
	nominalTTL time.Duration

	httpClient *http.Client
	logger     *slog.Logger
	now        func() time.Time

	mu        sync.RWMutex
	token     string
	expiresAt time.Time

	group singleflight.Group
}

// TokenCacheOption configures a TokenCache.
type TokenCacheOption func(*TokenCache)

// WithTokenHTTPClient overrides the HTTP client (tests).
func WithTokenHTTPClient(client *http.Client) TokenCacheOption {
	return func(c *TokenCache) {
		c.httpClient = client
	}
}

// WithTokenClock overrides the time source (tests).
func WithTokenClock(now func() time.Time) TokenCacheOption {
	return func(c *TokenCache) {
		c.now = now
	}
}

// WithTokenLogger attaches a structured logger.
func WithTokenLogger(logger *slog.Logger) TokenCacheOption {
	return func(c *TokenCache) {
		c.logger = logger
	}
}

// NewTokenCache builds a token cache against the broker auth endpoint.
// nominalTTL is the fallback lifetime when the broker token carries no
// parsable expiry of its own.
func NewTokenCache(authURL, login, password string, timeout, nominalTTL time.Duration, opts ...TokenCacheOption) *TokenCache {
	c := &TokenCache{
		authURL:    authURL,
		login:      login,
		password:   password,
		nominalTTL: nominalTTL,
		httpClient: &http.Client{Timeout: timeout},
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Token returns a cached token while it is still fresh, otherwise refreshes.
func (c *TokenCache) Token(ctx context.Context) (string, error) {
	c.mu.RLock()
	token, expiresAt := c.token, c.expiresAt
	c.mu.RUnlock()
	if token != "" && c.now().Before(expiresAt) {
		return token, nil
	}

	v, err, _ := c.group.Do("token", func() (any, error) {
		// Another caller may have refreshed while we waited on the group.
		c.mu.RLock()
		token, expiresAt := c.token, c.expiresAt
		c.mu.RUnlock()
		if token != "" && c.now().Before(expiresAt) {
			return token, nil
		}
		// The flight is shared: the leader's cancellation must not fail
		// every waiter. The HTTP client's timeout still bounds the call.
		return c.refresh(context.WithoutCancel(ctx))
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Invalidate clears the cache immediately. The affiliation client calls this
// exactly once per logical request when a cached token is rejected, forcing a
// single re-authentication.
func (c *TokenCache) Invalidate() {
	c.mu.Lock()
	c.token = ""
	c.expiresAt = time.Time{}
	c.mu.Unlock()
}

func (c *TokenCache) refresh(ctx context.Context) (string, error) {
	if c.authURL == "" || c.login == "" || c.password == "" {
		return "", newError(KindAuth, "auth", "broker credentials not configured", nil)
	}

	body, err := json.Marshal(map[string]string{
		"login":    c.login,
		"password": c.password,
	})
	if err != nil {
		return "", newError(KindError, "auth", "encode credentials", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.authURL, bytes.NewReader(body))
	if err != nil {
		return "", newError(KindError, "auth", "build request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", newError(KindError, "auth", "auth request failed", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return "", newError(KindAuth, "auth", "broker rejected credentials", nil)
	case resp.StatusCode == http.StatusTooManyRequests:
		return "", newError(KindThrottled, "auth", "broker auth throttled", nil)
	case resp.StatusCode >= 500:
		return "", newError(KindUnavailable, "auth", fmt.Sprintf("broker auth returned %d", resp.StatusCode), nil)
	default:
		return "", newError(KindError, "auth", fmt.Sprintf("broker auth returned %d", resp.StatusCode), nil)
	}

	var payload struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil || payload.Token == "" {
		return "", newError(KindError, "auth", "broker auth returned no token", err)
	}

	now := c.now()
	lifetime := c.nominalTTL
	if exp, ok := tokenExpiry(payload.Token); ok && exp.After(now) {
		lifetime = exp.Sub(now)
	}

	c.mu.Lock()
	c.token = payload.Token
	c.expiresAt = now.Add(time.Duration(float64(lifetime) * tokenLifetimeFraction))
	c.mu.Unlock()

	if c.logger != nil {
		c.logger.DebugContext(ctx, "broker token refreshed", "lifetime", lifetime)
	}
	return payload.Token, nil
}

// tokenExpiry extracts the exp claim from a JWT-shaped token without
// verifying the signature: we only need the broker's own stated lifetime,
// not proof of authenticity.
func tokenExpiry(token string) (time.Time, bool) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}
