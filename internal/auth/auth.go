// Package auth manages the OAuth 2.0 credential lifecycle for account-scoped
// protocol requests: the authorization-code exchange, refresh exchanges, and
// expiry tracking of the current token. The manager never refreshes on a
// timer; callers ask IsExpiringSoon and decide when to refresh, so lifecycle
// policy stays outside the engine.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/tickwire/tickwire/internal/endpoints"
	"github.com/tickwire/tickwire/internal/metrics"
)

var (
	// ErrInvalidGrant is returned when the token endpoint rejects the
	// authorization code or refresh token. Codes are single-use and
	// short-lived; a fresh authorization cycle is required.
	ErrInvalidGrant = errors.New("invalid grant")

	// ErrInvalidClient is returned on client credential mismatch.
	ErrInvalidClient = errors.New("invalid client credentials")

	// ErrAlreadyInProgress is returned when an exchange or refresh is
	// attempted while another one is in flight.
	ErrAlreadyInProgress = errors.New("token exchange already in progress")

	// ErrNoToken is returned when no token is held.
	ErrNoToken = errors.New("no token")
)

// Token is one issued token record. Records are superseded, never mutated:
// each successful exchange or refresh produces a new record and the old one
// is discarded.
type Token struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	ExpiresAt    time.Time `json:"expires_at"`
	Scope        string    `json:"scope,omitempty"`
}

// Valid reports whether the token exists and has not expired.
func (t Token) Valid() bool {
	return t.AccessToken != "" && time.Now().Before(t.ExpiresAt)
}

// Config holds OAuth client parameters.
type Config struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string

	// AuthURL and TokenURL override the default endpoints. Optional.
	AuthURL  string
	TokenURL string

	// HTTPClient overrides the client used for token endpoint calls.
	// Optional; tests point it at an httptest server.
	HTTPClient *http.Client

	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

func (c Config) oauth(scopes ...string) oauth2.Config {
	authURL := c.AuthURL
	if authURL == "" {
		authURL = endpoints.AuthURL
	}
	tokenURL := c.TokenURL
	if tokenURL == "" {
		tokenURL = endpoints.TokenURL
	}
	return oauth2.Config{
		ClientID:     c.ClientID,
		ClientSecret: c.ClientSecret,
		RedirectURL:  c.RedirectURL,
		Scopes:       scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:   authURL,
			TokenURL:  tokenURL,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
}

// Manager drives token exchanges and holds the current token. Exchanges are
// serialized: a second call while one is in flight fails with
// ErrAlreadyInProgress rather than racing. Safe for concurrent use.
type Manager struct {
	cfg    Config
	logger *slog.Logger

	mu       sync.Mutex
	inFlight bool
	current  *Token
}

// NewManager creates a manager with no token.
func NewManager(cfg Config) *Manager {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Manager{cfg: cfg, logger: cfg.Logger}
}

// Exchange performs the authorization_code grant for a code captured from
// the redirect. On success the returned record becomes the current token.
func (m *Manager) Exchange(ctx context.Context, code string) (Token, error) {
	if err := m.begin(); err != nil {
		return Token{}, err
	}
	defer m.end()

	oc := m.cfg.oauth()
	tok, err := oc.Exchange(m.httpContext(ctx), code)
	if err != nil {
		m.cfg.Metrics.TokenExchange("authorization_code", "error")
		return Token{}, classify(err)
	}
	m.cfg.Metrics.TokenExchange("authorization_code", "ok")
	return m.adopt(tok), nil
}

// Refresh performs the refresh_token grant. An empty refreshToken uses the
// current record's refresh token; ErrNoToken if there is none.
func (m *Manager) Refresh(ctx context.Context, refreshToken string) (Token, error) {
	if refreshToken == "" {
		cur, ok := m.Current()
		if !ok || cur.RefreshToken == "" {
			return Token{}, fmt.Errorf("%w: no refresh token held", ErrNoToken)
		}
		refreshToken = cur.RefreshToken
	}
	if err := m.begin(); err != nil {
		return Token{}, err
	}
	defer m.end()

	oc := m.cfg.oauth()
	src := oc.TokenSource(m.httpContext(ctx), &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		m.cfg.Metrics.TokenExchange("refresh_token", "error")
		return Token{}, classify(err)
	}
	m.cfg.Metrics.TokenExchange("refresh_token", "ok")
	return m.adopt(tok), nil
}

// Current returns a copy of the current token record, if any.
func (m *Manager) Current() (Token, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return Token{}, false
	}
	return *m.current, true
}

// SetCurrent installs a previously issued record, typically loaded from the
// token store at startup.
func (m *Manager) SetCurrent(tok Token) {
	m.mu.Lock()
	m.current = &tok
	m.mu.Unlock()
}

// Clear discards the current record.
func (m *Manager) Clear() {
	m.mu.Lock()
	m.current = nil
	m.mu.Unlock()
}

// IsExpiringSoon reports whether the current token expires within margin.
// It reports true when no token is held at all, since the caller must then
// authorize before issuing account-scoped requests.
func (m *Manager) IsExpiringSoon(margin time.Duration) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return true
	}
	return time.Until(m.current.ExpiresAt) <= margin
}

func (m *Manager) begin() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.inFlight {
		return ErrAlreadyInProgress
	}
	m.inFlight = true
	return nil
}

func (m *Manager) end() {
	m.mu.Lock()
	m.inFlight = false
	m.mu.Unlock()
}

// adopt converts the endpoint response into a new record and supersedes the
// current one. A refresh response that omits refresh_token keeps the one we
// already hold.
func (m *Manager) adopt(tok *oauth2.Token) Token {
	scope, _ := tok.Extra("scope").(string)
	rec := Token{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    tok.Expiry,
		Scope:        scope,
	}
	m.mu.Lock()
	if rec.RefreshToken == "" && m.current != nil {
		rec.RefreshToken = m.current.RefreshToken
	}
	m.current = &rec
	m.mu.Unlock()
	m.logger.Debug("token adopted", "expires_at", rec.ExpiresAt, "scope", rec.Scope)
	return rec
}

func (m *Manager) httpContext(ctx context.Context) context.Context {
	if m.cfg.HTTPClient == nil {
		return ctx
	}
	return context.WithValue(ctx, oauth2.HTTPClient, m.cfg.HTTPClient)
}

// classify maps token endpoint rejections onto the engine's error kinds.
// The returned error never echoes credential material.
func classify(err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		switch re.ErrorCode {
		case "invalid_grant":
			return fmt.Errorf("%w: %s", ErrInvalidGrant, describe(re))
		case "invalid_client", "unauthorized_client":
			return fmt.Errorf("%w: %s", ErrInvalidClient, describe(re))
		}
		if re.Response != nil && re.Response.StatusCode == http.StatusUnauthorized {
			return fmt.Errorf("%w: token endpoint returned 401", ErrInvalidClient)
		}
		return fmt.Errorf("token endpoint rejected request: %s", describe(re))
	}
	return fmt.Errorf("token exchange: %w", err)
}

func describe(re *oauth2.RetrieveError) string {
	if re.ErrorDescription != "" {
		return re.ErrorDescription
	}
	if re.ErrorCode != "" {
		return re.ErrorCode
	}
	if re.Response != nil {
		return re.Response.Status
	}
	return "no error code"
}
