package ewelink

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"golang.org/x/oauth2"
)

// credentials identify the vendor account and application.
type credentials struct {
	email       string
	password    string
	countryCode string
	appID       string
	appSecret   string
}

// authenticator obtains tokens from the vendor. It implements
// oauth2.TokenSource: Token logs in when no refresh token is known and
// refreshes otherwise, falling back to a fresh login when refresh fails.
type authenticator struct {
	client *Client
	creds  credentials
	ttl    time.Duration

	mu   sync.Mutex
	last *oauth2.Token
}

// Token returns a new token from the vendor.
//
// oauth2.TokenSource carries no context, so the exchange is bounded by the
// client request timeout only. Session.AccessToken does not wait past the
// caller's context; an abandoned exchange finishes here in the background
// and its token is reused by the next caller.
func (a *authenticator) Token() (*oauth2.Token, error) {
	ctx, cancel := context.WithTimeout(context.Background(), a.client.timeout)
	defer cancel()

	a.mu.Lock()
	last := a.last
	a.mu.Unlock()

	if last != nil && last.RefreshToken != "" {
		tok, err := a.refresh(ctx, last)
		if err == nil {
			a.store(tok)
			return tok, nil
		}
		a.client.logger.Warn("session refresh failed, logging in again", "error", err)
	}

	tok, err := a.login(ctx)
	if err != nil {
		return nil, err
	}
	a.store(tok)
	return tok, nil
}

func (a *authenticator) store(tok *oauth2.Token) {
	a.mu.Lock()
	a.last = tok
	a.mu.Unlock()
}

type loginRequest struct {
	Email       string `json:"email"`
	Password    string `json:"password"`
	CountryCode string `json:"countryCode"`
}

type refreshRequest struct {
	RefreshToken string `json:"rt"`
}

type tokenData struct {
	AccessToken  string `json:"at"`
	RefreshToken string `json:"rt"`
	Region       string `json:"region"`
}

func (a *authenticator) login(ctx context.Context) (*oauth2.Token, error) {
	body, err := json.Marshal(loginRequest{
		Email:       a.creds.email,
		Password:    a.creds.password,
		CountryCode: a.creds.countryCode,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: encoding login: %w", ErrAuth, err)
	}

	var data tokenData
	authz := "Sign " + sign(a.creds.appSecret, body)
	if err := a.client.send(ctx, http.MethodPost, "/v2/user/login", nil, body, authz, &data); err != nil {
		return nil, fmt.Errorf("%w: login: %w", ErrAuth, err)
	}
	if data.AccessToken == "" {
		return nil, fmt.Errorf("%w: login returned no access token", ErrAuth)
	}

	a.client.logger.Info("vendor session established", "region", data.Region)
	return a.token(data), nil
}

func (a *authenticator) refresh(ctx context.Context, last *oauth2.Token) (*oauth2.Token, error) {
	body, err := json.Marshal(refreshRequest{RefreshToken: last.RefreshToken})
	if err != nil {
		return nil, fmt.Errorf("%w: encoding refresh: %w", ErrAuth, err)
	}

	var data tokenData
	if err := a.client.send(ctx, http.MethodPost, "/v2/user/refresh", nil, body, "Bearer "+last.AccessToken, &data); err != nil {
		return nil, fmt.Errorf("%w: refresh: %w", ErrAuth, err)
	}
	if data.AccessToken == "" {
		return nil, fmt.Errorf("%w: refresh returned no access token", ErrAuth)
	}
	if data.RefreshToken == "" {
		data.RefreshToken = last.RefreshToken
	}

	a.client.logger.Debug("vendor session refreshed")
	return a.token(data), nil
}

func (a *authenticator) token(data tokenData) *oauth2.Token {
	return &oauth2.Token{
		AccessToken:  data.AccessToken,
		RefreshToken: data.RefreshToken,
		TokenType:    "Bearer",
		Expiry:       time.Now().Add(a.ttl),
	}
}

// sign computes the login signature: base64(HMAC-SHA256(secret, body)).
func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// Session holds the authenticated vendor session.
//
// Thread Safety:
//   - All methods are safe for concurrent use. Concurrent callers share a
//     single login or refresh.
type Session struct {
	auth *authenticator

	mu     sync.Mutex
	source oauth2.TokenSource
}

func newSession(auth *authenticator) *Session {
	return &Session{
		auth:   auth,
		source: oauth2.ReuseTokenSource(nil, auth),
	}
}

// EnsureSession makes sure a valid session exists, logging in or refreshing
// as needed. It is idempotent while the current token is valid.
func (s *Session) EnsureSession(ctx context.Context) error {
	_, err := s.AccessToken(ctx)
	return err
}

// AccessToken returns the current access token, establishing a session first
// when none is valid. It returns as soon as ctx ends, even while a login or
// refresh is still in flight.
func (s *Session) AccessToken(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("%w: %w", ErrAuth, err)
	}

	s.mu.Lock()
	source := s.source
	s.mu.Unlock()

	type result struct {
		tok *oauth2.Token
		err error
	}
	done := make(chan result, 1)
	go func() {
		tok, err := source.Token()
		done <- result{tok, err}
	}()

	var r result
	select {
	case <-ctx.Done():
		return "", fmt.Errorf("%w: %w", ErrAuth, ctx.Err())
	case r = <-done:
	}
	if r.err != nil {
		if errors.Is(r.err, ErrAuth) {
			return "", r.err
		}
		return "", fmt.Errorf("%w: %w", ErrAuth, r.err)
	}
	return r.tok.AccessToken, nil
}

// Token implements oauth2.TokenSource.
func (s *Session) Token() (*oauth2.Token, error) {
	s.mu.Lock()
	source := s.source
	s.mu.Unlock()
	return source.Token()
}

// Invalidate drops the cached token so the next call refreshes or logs in again.
func (s *Session) Invalidate() {
	s.mu.Lock()
	s.source = oauth2.ReuseTokenSource(nil, s.auth)
	s.mu.Unlock()
}
