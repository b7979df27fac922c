package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
)

// ErrStateMismatch is returned when the state echoed on the redirect does
// not match the one generated for the session. The code must be discarded.
var ErrStateMismatch = errors.New("authorization state mismatch")

// Session is one authorization-code negotiation: it generates the
// anti-forgery state nonce, assembles the authorization URI, and validates
// the echoed state. A session lives for a single authorization attempt and
// is never persisted.
type Session struct {
	cfg   Config
	scope string
	state string
}

// NewSession creates a session requesting the given scope.
func NewSession(cfg Config, scope string) (*Session, error) {
	var nonce [16]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("generate state nonce: %w", err)
	}
	return &Session{
		cfg:   cfg,
		scope: scope,
		state: base64.RawURLEncoding.EncodeToString(nonce[:]),
	}, nil
}

// State returns the generated anti-forgery nonce.
func (s *Session) State() string {
	return s.state
}

// AuthorizationURI assembles the browser-navigated authorization endpoint
// URL with client_id, redirect_uri, response_type=code, scope, and state.
func (s *Session) AuthorizationURI() string {
	oc := s.cfg.oauth(s.scope)
	return oc.AuthCodeURL(s.state)
}

// ValidateState checks the state echoed on the redirect against the one
// this session generated.
func (s *Session) ValidateState(echoed string) error {
	if subtle.ConstantTimeCompare([]byte(s.state), []byte(echoed)) != 1 {
		return ErrStateMismatch
	}
	return nil
}
