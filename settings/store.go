/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package settings

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cast"

	"github.com/acronis/go-admission/ratelimit"
)

// Store is a writable key/value storage of settings shared by the service and the admin tooling.
type Store interface {
	ratelimit.ConfigSource

	// Get returns the raw value. ErrNotFound is returned (wrapped) if there is no such setting.
	Get(ctx context.Context, key string) (string, error)
	// List returns all settings ordered by key.
	List(ctx context.Context) ([]Setting, error)
	Set(ctx context.Context, key, value string) error
	SetInt(ctx context.Context, key string, value int) error
	// Delete removes the setting. Deleting a missing setting is not an error.
	Delete(ctx context.Context, key string) error
	Ping(ctx context.Context) error
	Close() error
}

var (
	_ Store = (*SQLStore)(nil)
	_ Store = (*RedisStore)(nil)
)

// Setting is a single key/value pair.
type Setting struct {
	Key   string `db:"key" json:"key" yaml:"key"`
	Value string `db:"value" json:"value" yaml:"value"`
}

var errEmptyKey = errors.New("setting key cannot be empty")

// parseIntSetting accepts plain decimal text only.
// Leading zeros are stripped, since cast treats "010" as octal and "0x10" as hex.
func parseIntSetting(key, val string) (int, error) {
	s := strings.TrimSpace(val)
	sign, digits := "", s
	if strings.HasPrefix(s, "-") || strings.HasPrefix(s, "+") {
		sign, digits = s[:1], s[1:]
	}
	if digits == "" || strings.TrimLeft(digits, "0123456789") != "" {
		return 0, fmt.Errorf("setting %q has non-integer value %q: not a decimal number", key, val)
	}
	if digits = strings.TrimLeft(digits, "0"); digits == "" {
		digits = "0"
	}
	n, err := cast.ToIntE(sign + digits)
	if err != nil {
		return 0, fmt.Errorf("setting %q has non-integer value %q: %w", key, val, err)
	}
	return n, nil
}

func notFoundErr(key string) error {
	return fmt.Errorf("setting %q: %w", key, ErrNotFound)
}
