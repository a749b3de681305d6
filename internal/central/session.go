package central

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/sync/singleflight"
)

// SessionManager keeps one bearer token for the central aggregator alive for
// the whole process. The token is renewed lazily: callers ask for it via
// Token, and a login is only performed when the cached token is missing,
// malformed, or expired. Concurrent callers during a login share the same
// outcome through a singleflight group rather than issuing duplicate logins.
type SessionManager struct {
	client   *resty.Client
	username string
	password string

	mu    sync.Mutex
	token string

	login singleflight.Group
}

func NewSessionManager(client *resty.Client, username, password string) *SessionManager {
	return &SessionManager{client: client, username: username, password: password}
}

type loginResponse struct {
	AccessToken string `json:"access_token"`
}

// Token returns a structurally valid bearer token, logging in if needed.
// Login failure surfaces as an AuthError.
func (s *SessionManager) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	cached := s.token
	s.mu.Unlock()

	if cached != "" && tokenUsable(cached) {
		return cached, nil
	}

	tok, err, _ := s.login.Do("login", func() (any, error) {
		// Re-check under the flight: another caller may have just logged in.
		s.mu.Lock()
		if s.token != "" && tokenUsable(s.token) {
			tok := s.token
			s.mu.Unlock()
			return tok, nil
		}
		s.mu.Unlock()

		var body loginResponse
		res, err := s.client.R().
			SetContext(ctx).
			SetBody(map[string]string{"username": s.username, "password": s.password}).
			SetResult(&body).
			Post("/auth/login")
		if err != nil {
			return "", &AuthError{Err: err}
		}
		if !res.IsSuccess() {
			return "", &AuthError{Err: fmt.Errorf("login returned status %d: %s", res.StatusCode(), res.String())}
		}
		if body.AccessToken == "" {
			return "", &AuthError{Err: fmt.Errorf("login response contained no access token")}
		}

		s.mu.Lock()
		s.token = body.AccessToken
		s.mu.Unlock()

		slog.Info("established session with central aggregator")
		return body.AccessToken, nil
	})
	if err != nil {
		return "", err
	}

	return tok.(string), nil
}

// Invalidate drops the cached token after a downstream 401, so the next
// Token call re-authenticates. The stale token is passed in to avoid
// discarding a newer token some other caller already obtained.
func (s *SessionManager) Invalidate(stale string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.token == stale {
		s.token = ""
	}
}

// tokenUsable checks the token is decodable and not past its expiry. The
// signature is not verified here; the aggregator does that on every call,
// this is only to avoid sending a token we already know is dead.
func tokenUsable(token string) bool {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil {
		return false
	}
	if exp != nil && exp.Before(time.Now().Add(30*time.Second)) {
		return false
	}
	return true
}
