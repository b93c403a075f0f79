package credstore

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSealedKV_RoundTrip(t *testing.T) {
	ctx := context.Background()
	inner := NewMemory()
	key := bytes.Repeat([]byte{7}, 32)

	s, err := NewSealed(inner, key)
	require.NoError(t, err)
	require.NoError(t, s.Set(ctx, AccessTokenKey, "A1-secret"))

	raw, ok, err := inner.Get(ctx, AccessTokenKey)
	require.NoError(t, err)
	require.True(t, ok)
	assert.NotContains(t, raw, "A1-secret")

	got, ok, err := s.Get(ctx, AccessTokenKey)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "A1-secret", got)
}

func TestSealedKV_WrongKeyOrSwappedValue(t *testing.T) {
	ctx := context.Background()
	inner := NewMemory()

	s, err := NewSealed(inner, bytes.Repeat([]byte{1}, 32))
	require.NoError(t, err)
	require.NoError(t, s.Set(ctx, AccessTokenKey, "A1"))

	other, err := NewSealed(inner, bytes.Repeat([]byte{2}, 32))
	require.NoError(t, err)
	_, _, err = other.Get(ctx, AccessTokenKey)
	assert.ErrorIs(t, err, ErrUnseal)

	// A value moved under a different key fails authentication.
	raw, _, _ := inner.Get(ctx, AccessTokenKey)
	require.NoError(t, inner.Set(ctx, RefreshTokenKey, raw))
	_, _, err = s.Get(ctx, RefreshTokenKey)
	assert.ErrorIs(t, err, ErrUnseal)
}

func TestNewSealed_KeyLength(t *testing.T) {
	_, err := NewSealed(NewMemory(), []byte("short"))
	assert.Error(t, err)
}
