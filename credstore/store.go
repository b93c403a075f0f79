// Package credstore persists the access/refresh token pair.
package credstore

import (
	"context"
	"fmt"
	"sync"

	"github.com/pilab-dev/civic-session/domain"
)

// Stable keys in the platform key/value store.
const (
	AccessTokenKey  = "access-token"
	RefreshTokenKey = "refresh-token"
)

// KeyValue is the durable key/value collaborator.
type KeyValue interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Remove(ctx context.Context, key string) error
	Close() error
}

// Store reads and writes Credentials as one unit on top of a KeyValue.
//
// Save writes the refresh token before the access token and Clear removes
// them in the opposite order, so an interrupted sequence leaves at worst a
// dangling refresh token, which Load reports as "no credentials".
type Store struct {
	mu sync.Mutex
	kv KeyValue
}

// New creates a Store backed by kv.
func New(kv KeyValue) *Store {
	return &Store{kv: kv}
}

// Load returns the stored credentials, or nil when either token is missing.
func (s *Store) Load(ctx context.Context) (*domain.Credentials, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	access, ok, err := s.kv.Get(ctx, AccessTokenKey)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", AccessTokenKey, err)
	}
	if !ok || access == "" {
		return nil, nil
	}

	refresh, ok, err := s.kv.Get(ctx, RefreshTokenKey)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", RefreshTokenKey, err)
	}
	if !ok || refresh == "" {
		return nil, nil
	}

	return &domain.Credentials{AccessToken: access, RefreshToken: refresh}, nil
}

// Save replaces the stored pair. Concurrent calls are serialized; the last one wins.
func (s *Store) Save(ctx context.Context, creds domain.Credentials) error {
	if !creds.Complete() {
		return fmt.Errorf("refusing to save incomplete credentials")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.kv.Set(ctx, RefreshTokenKey, creds.RefreshToken); err != nil {
		return fmt.Errorf("failed to write %s: %w", RefreshTokenKey, err)
	}
	if err := s.kv.Set(ctx, AccessTokenKey, creds.AccessToken); err != nil {
		return fmt.Errorf("failed to write %s: %w", AccessTokenKey, err)
	}
	return nil
}

// Clear removes both tokens. Clearing an empty store is not an error.
func (s *Store) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.kv.Remove(ctx, AccessTokenKey); err != nil {
		return fmt.Errorf("failed to remove %s: %w", AccessTokenKey, err)
	}
	if err := s.kv.Remove(ctx, RefreshTokenKey); err != nil {
		return fmt.Errorf("failed to remove %s: %w", RefreshTokenKey, err)
	}
	return nil
}

// Close releases the underlying key/value store.
func (s *Store) Close() error {
	return s.kv.Close()
}
