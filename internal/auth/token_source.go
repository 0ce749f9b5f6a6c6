package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	// expiryLeeway refreshes a cached token slightly before its exp claim so
	// a request never departs with a token about to lapse in flight.
	expiryLeeway = 30 * time.Second

	defaultFetchTimeout = 10 * time.Second
)

var (
	// ErrTokenUnavailable indicates the identity provider had no token to
	// give. Sync steps abort on it and retry on the next trigger.
	ErrTokenUnavailable = errors.New("auth: token unavailable")
	// ErrMissingFetch indicates the source was built without a fetch function.
	ErrMissingFetch = errors.New("auth: fetch function required")
	// ErrMissingSubject indicates a token carried no subject claim.
	ErrMissingSubject = errors.New("auth: subject claim required")
)

// TokenSource resolves a fresh bearer token for backend requests.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// FetchFunc retrieves a bearer token from the identity provider. An empty
// result without an error means "authentication not ready".
type FetchFunc func(ctx context.Context) (string, error)

// CachedTokenSource wraps a FetchFunc and reuses fetched tokens until their
// exp claim (minus a leeway) passes. Tokens without a readable exp claim are
// never cached.
type CachedTokenSource struct {
	mu     sync.Mutex
	fetch  FetchFunc
	clock  func() time.Time
	cached string
	expiry time.Time
}

// NewCachedTokenSource constructs a caching source around fetch.
func NewCachedTokenSource(fetch FetchFunc, clock func() time.Time) (*CachedTokenSource, error) {
	if fetch == nil {
		return nil, ErrMissingFetch
	}
	if clock == nil {
		clock = time.Now
	}
	return &CachedTokenSource{fetch: fetch, clock: clock}, nil
}

// Token returns the cached token while it remains valid, fetching a fresh one
// otherwise. A nil/empty provider response yields ErrTokenUnavailable.
func (s *CachedTokenSource) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cached != "" && s.clock().Add(expiryLeeway).Before(s.expiry) {
		return s.cached, nil
	}

	token, err := s.fetch(ctx)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(token) == "" {
		return "", ErrTokenUnavailable
	}

	s.cached = ""
	s.expiry = time.Time{}
	if expiry, ok := tokenExpiry(token); ok {
		s.cached = token
		s.expiry = expiry
	}
	return token, nil
}

// Invalidate drops any cached token so the next call fetches again.
func (s *CachedTokenSource) Invalidate() {
	s.mu.Lock()
	s.cached = ""
	s.expiry = time.Time{}
	s.mu.Unlock()
}

// Subject extracts the sub claim from a bearer token without verifying the
// signature. Verification is the backend's job; the engine only needs the
// user identifier the token is scoped to.
func Subject(token string) (string, error) {
	parser := jwt.NewParser()
	parsed, _, err := parser.ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return "", fmt.Errorf("auth: parse token: %w", err)
	}
	subject, err := parsed.Claims.GetSubject()
	if err != nil || strings.TrimSpace(subject) == "" {
		return "", ErrMissingSubject
	}
	return subject, nil
}

func tokenExpiry(token string) (time.Time, bool) {
	parser := jwt.NewParser()
	parsed, _, err := parser.ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return time.Time{}, false
	}
	expiresAt, err := parsed.Claims.GetExpirationTime()
	if err != nil || expiresAt == nil {
		return time.Time{}, false
	}
	return expiresAt.Time, true
}

// HTTPFetch builds a FetchFunc that asks the host application's identity
// bridge for a token. The bridge answers {"token": "..."} and uses null for
// "not signed in yet".
func HTTPFetch(tokenURL, template string, client *http.Client) FetchFunc {
	if client == nil {
		client = &http.Client{Timeout: defaultFetchTimeout}
	}
	return func(ctx context.Context) (string, error) {
		endpoint := tokenURL
		if template != "" {
			separator := "?"
			if strings.Contains(endpoint, "?") {
				separator = "&"
			}
			endpoint = endpoint + separator + "template=" + url.QueryEscape(template)
		}
		request, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return "", err
		}
		response, err := client.Do(request)
		if err != nil {
			return "", err
		}
		defer response.Body.Close()

		if response.StatusCode != http.StatusOK {
			return "", fmt.Errorf("auth: token endpoint returned %d", response.StatusCode)
		}
		body, err := io.ReadAll(io.LimitReader(response.Body, 1<<20))
		if err != nil {
			return "", err
		}
		var payload struct {
			Token *string `json:"token"`
		}
		if err := json.Unmarshal(body, &payload); err != nil {
			return "", err
		}
		if payload.Token == nil {
			return "", nil
		}
		return *payload.Token, nil
	}
}
