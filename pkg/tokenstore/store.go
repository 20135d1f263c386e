// Package tokenstore caches short-lived credentials keyed by name.
package tokenstore

import (
	"context"
	"errors"
	"time"
)

var (
	ErrTokenNotFound = errors.New("token not found")
	ErrTokenExpired  = errors.New("token expired")
)

// Token is a cached credential.
type Token struct {
	Key       string    `json:"key"`
	Value     string    `json:"value"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the token is past its expiry.
func (t *Token) Expired() bool {
	return time.Now().After(t.ExpiresAt)
}

// Store is the token cache interface.
type Store interface {
	// Set stores a token under key with the given TTL.
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// Get returns a live token, or ErrTokenNotFound / ErrTokenExpired.
	Get(ctx context.Context, key string) (*Token, error)
	// Delete removes a token.
	Delete(ctx context.Context, key string) error
}

// GetOrFill returns the cached value for key, calling fill to mint and
// cache a fresh one when the entry is missing or expired.
func GetOrFill(ctx context.Context, s Store, key string, ttl time.Duration, fill func(context.Context) (string, error)) (string, error) {
	if tok, err := s.Get(ctx, key); err == nil {
		return tok.Value, nil
	}

	value, err := fill(ctx)
	if err != nil {
		return "", err
	}
	if err := s.Set(ctx, key, value, ttl); err != nil {
		return "", err
	}
	return value, nil
}
