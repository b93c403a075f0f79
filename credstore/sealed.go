package credstore

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// ErrUnseal is returned when a stored value cannot be decrypted, e.g. after
// the seal key changed.
var ErrUnseal = errors.New("failed to unseal stored value")

// SealedKV encrypts values with XChaCha20-Poly1305 before handing them to
// the wrapped store. The key name is bound as additional data so values
// cannot be swapped between keys.
type SealedKV struct {
	inner KeyValue
	key   []byte
}

// NewSealed wraps inner with a 32 byte key.
func NewSealed(inner KeyValue, key []byte) (*SealedKV, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("seal key must be %d bytes", chacha20poly1305.KeySize)
	}
	return &SealedKV{inner: inner, key: append([]byte(nil), key...)}, nil
}

// Get implements KeyValue.
func (s *SealedKV) Get(ctx context.Context, key string) (string, bool, error) {
	raw, ok, err := s.inner.Get(ctx, key)
	if err != nil || !ok {
		return "", ok, err
	}

	data, err := base64.RawStdEncoding.DecodeString(raw)
	if err != nil || len(data) < chacha20poly1305.NonceSizeX {
		return "", false, ErrUnseal
	}

	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return "", false, err
	}
	nonce, ct := data[:chacha20poly1305.NonceSizeX], data[chacha20poly1305.NonceSizeX:]
	plain, err := aead.Open(nil, nonce, ct, []byte(key))
	if err != nil {
		return "", false, ErrUnseal
	}
	return string(plain), true, nil
}

// Set implements KeyValue.
func (s *SealedKV) Set(ctx context.Context, key, value string) error {
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return err
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX, chacha20poly1305.NonceSizeX+len(value)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("failed to generate nonce: %w", err)
	}
	sealed := aead.Seal(nonce, nonce, []byte(value), []byte(key))
	return s.inner.Set(ctx, key, base64.RawStdEncoding.EncodeToString(sealed))
}

// Remove implements KeyValue.
func (s *SealedKV) Remove(ctx context.Context, key string) error {
	return s.inner.Remove(ctx, key)
}

// Close implements KeyValue.
func (s *SealedKV) Close() error {
	return s.inner.Close()
}
