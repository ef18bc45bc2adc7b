/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

// Package settings provides persistent and file-based sources of rate limit thresholds.
package settings

import (
	"context"
	"errors"
	"fmt"

	"github.com/acronis/go-admission/config"
	"github.com/acronis/go-admission/ratelimit"
)

// ErrNotFound is returned when there is no setting with the requested key.
// It's the same error as ratelimit.ErrKeyNotFound, so limiters can distinguish absence from failures.
var ErrNotFound = ratelimit.ErrKeyNotFound

// ProviderSource is a ratelimit.ConfigSource backed by config.DataProvider
// (i.e. the application config file and ADMISSIOND_* environment variables).
type ProviderSource struct {
	dp config.DataProvider
}

var _ ratelimit.ConfigSource = (*ProviderSource)(nil)

// NewProviderSource creates a new ProviderSource.
func NewProviderSource(dp config.DataProvider) *ProviderSource {
	return &ProviderSource{dp: dp}
}

// GetInt implements ratelimit.ConfigSource.
func (s *ProviderSource) GetInt(ctx context.Context, key string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if !s.dp.IsSet(key) {
		return 0, fmt.Errorf("setting %q: %w", key, ErrNotFound)
	}
	if str, ok := s.dp.Get(key).(string); ok {
		return parseIntSetting(key, str)
	}
	return s.dp.GetInt(key)
}

// ChainSource asks sources in order and returns the first found value.
// Errors other than ErrNotFound are returned immediately.
type ChainSource []ratelimit.ConfigSource

// GetInt implements ratelimit.ConfigSource.
func (c ChainSource) GetInt(ctx context.Context, key string) (int, error) {
	for _, src := range c {
		val, err := src.GetInt(ctx, key)
		if err == nil {
			return val, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return 0, err
		}
	}
	return 0, fmt.Errorf("setting %q: %w", key, ErrNotFound)
}
