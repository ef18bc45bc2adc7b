/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package ratelimit

import (
	"context"
	"errors"
)

// ErrKeyNotFound is returned by ConfigSource when there is no value for the requested key.
var ErrKeyNotFound = errors.New("config key not found")

// ConfigSource provides integer configuration values by string keys.
// Implementations may be slow or temporarily unavailable,
// so they must respect the passed context.
type ConfigSource interface {
	GetInt(ctx context.Context, key string) (int, error)
}

// ConfigSourceFunc is an adapter to allow the use of ordinary functions as ConfigSource.
type ConfigSourceFunc func(ctx context.Context, key string) (int, error)

// GetInt implements ConfigSource.
func (f ConfigSourceFunc) GetInt(ctx context.Context, key string) (int, error) {
	return f(ctx, key)
}

// MapSource is a ConfigSource backed by a static map. Mostly useful for tests and for the case
// when thresholds are not supposed to be changed at runtime.
type MapSource map[string]int

// GetInt implements ConfigSource.
func (s MapSource) GetInt(_ context.Context, key string) (int, error) {
	val, ok := s[key]
	if !ok {
		return 0, ErrKeyNotFound
	}
	return val, nil
}
