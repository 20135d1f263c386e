package tokenstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStoreSetGet(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "gh", "secret", time.Minute))

	tok, err := s.Get(ctx, "gh")
	require.NoError(t, err)
	assert.Equal(t, "secret", tok.Value)
}

func TestMemoryStoreMissing(t *testing.T) {
	s := NewMemoryStore()
	_, err := s.Get(context.Background(), "nope")
	require.ErrorIs(t, err, ErrTokenNotFound)
}

func TestMemoryStoreExpiry(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "gh", "secret", -time.Second))

	_, err := s.Get(ctx, "gh")
	require.ErrorIs(t, err, ErrTokenExpired)

	// Expired entries are dropped, a second read sees not-found.
	_, err = s.Get(ctx, "gh")
	require.ErrorIs(t, err, ErrTokenNotFound)
}

func TestMemoryStoreDelete(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "gh", "secret", time.Minute))
	require.NoError(t, s.Delete(ctx, "gh"))

	_, err := s.Get(ctx, "gh")
	require.ErrorIs(t, err, ErrTokenNotFound)
}

func TestGetOrFill(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	calls := 0
	fill := func(context.Context) (string, error) {
		calls++
		return "minted", nil
	}

	v, err := GetOrFill(ctx, s, "gh", time.Minute, fill)
	require.NoError(t, err)
	assert.Equal(t, "minted", v)
	assert.Equal(t, 1, calls)

	// Second call is served from cache.
	v, err = GetOrFill(ctx, s, "gh", time.Minute, fill)
	require.NoError(t, err)
	assert.Equal(t, "minted", v)
	assert.Equal(t, 1, calls)
}

func TestGetOrFillPropagatesFillError(t *testing.T) {
	s := NewMemoryStore()
	boom := errors.New("boom")

	_, err := GetOrFill(context.Background(), s, "gh", time.Minute, func(context.Context) (string, error) {
		return "", boom
	})
	require.ErrorIs(t, err, boom)
}
