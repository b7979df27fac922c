package auth

import (
	"encoding/json"
	"fmt"

	"github.com/99designs/keyring"
)

const (
	keyringServiceName = "tickwire"
	tokenKey           = "oauth-token"
)

// Store persists the current token record in the platform keyring so a
// restart does not force a fresh authorization cycle.
// On macOS: Keychain. On Linux: Secret Service (GNOME Keyring / KDE Wallet).
type Store struct {
	open func() (keyring.Keyring, error)
}

// NewStore creates a store backed by the platform keyring.
func NewStore() *Store {
	return &Store{
		open: func() (keyring.Keyring, error) {
			return keyring.Open(keyring.Config{
				ServiceName:                    keyringServiceName,
				KeychainTrustApplication:       true,
				KeychainAccessibleWhenUnlocked: true,
				KeychainSynchronizable:         false,
			})
		},
	}
}

// newStoreWithBackend is used by tests to substitute an in-memory keyring.
func newStoreWithBackend(open func() (keyring.Keyring, error)) *Store {
	return &Store{open: open}
}

// Save writes the token record to the keyring.
func (s *Store) Save(tok Token) error {
	ring, err := s.open()
	if err != nil {
		return fmt.Errorf("open keyring: %w", err)
	}
	data, err := json.Marshal(tok)
	if err != nil {
		return fmt.Errorf("encode token: %w", err)
	}
	if err := ring.Set(keyring.Item{
		Key:         tokenKey,
		Data:        data,
		Label:       "Tickwire OAuth Token",
		Description: "Access and refresh token for the Open API",
	}); err != nil {
		return fmt.Errorf("store token: %w", err)
	}
	return nil
}

// Load reads the stored token record. It returns (nil, nil) when the
// keyring is available but holds no token.
func (s *Store) Load() (*Token, error) {
	ring, err := s.open()
	if err != nil {
		return nil, fmt.Errorf("open keyring: %w", err)
	}
	item, err := ring.Get(tokenKey)
	if err == keyring.ErrKeyNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load token: %w", err)
	}
	var tok Token
	if err := json.Unmarshal(item.Data, &tok); err != nil {
		return nil, fmt.Errorf("decode token: %w", err)
	}
	return &tok, nil
}

// Delete removes the stored token record. Deleting an absent record is not
// an error.
func (s *Store) Delete() error {
	ring, err := s.open()
	if err != nil {
		return fmt.Errorf("open keyring: %w", err)
	}
	err = ring.Remove(tokenKey)
	if err == keyring.ErrKeyNotFound {
		return nil
	}
	return err
}
