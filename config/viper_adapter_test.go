/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package config

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var errMustBePositive = errors.New("must be positive")

const testSettingsYAML = `
settings:
  rate_limit_public_max: 100
  rate_limit_public_minutos: "1"
  rate_limit_login_max: five
log:
  format: Text
  maxSize: 250M
`

func TestViperAdapter_Getters(t *testing.T) {
	va := NewViperAdapter()
	require.NoError(t, va.SetFromReader(bytes.NewBufferString(testSettingsYAML), DataTypeYAML))

	maxReqs, err := va.GetInt("settings.rate_limit_public_max")
	require.NoError(t, err)
	require.Equal(t, 100, maxReqs)

	window, err := va.GetInt("settings.rate_limit_public_minutos")
	require.NoError(t, err)
	require.Equal(t, 1, window)

	_, err = va.GetInt("settings.rate_limit_login_max")
	require.ErrorContains(t, err, "settings.rate_limit_login_max: ")

	require.True(t, va.IsSet("settings.rate_limit_public_max"))
	require.False(t, va.IsSet("settings.rate_limit_admin_max"))

	format, err := va.GetStringFromSet("log.format", []string{"json", "text"}, true)
	require.NoError(t, err)
	require.Equal(t, "Text", format)

	_, err = va.GetStringFromSet("log.format", []string{"json"}, false)
	require.EqualError(t, err, `log.format: unknown value "Text", should be one of [json]`)

	size, err := va.GetByteSize("log.maxSize")
	require.NoError(t, err)
	require.Equal(t, ByteSize(250*1024*1024), size)

	size, err = va.GetByteSize("log.missing")
	require.NoError(t, err)
	require.Zero(t, size)
}

func TestViperAdapter_UnmarshalKey(t *testing.T) {
	type limiterDef struct {
		Name        string        `mapstructure:"name"`
		MaxRequests int           `mapstructure:"maxRequests"`
		Window      time.Duration `mapstructure:"window"`
	}
	cfgData := `
limiters:
  - name: login
    maxRequests: 5
    window: 5m
`
	va := NewViperAdapter()
	require.NoError(t, va.SetFromReader(bytes.NewBufferString(cfgData), DataTypeYAML))

	var defs []limiterDef
	require.NoError(t, va.UnmarshalKey("limiters", &defs))
	require.Equal(t, []limiterDef{{Name: "login", MaxRequests: 5, Window: 5 * time.Minute}}, defs)

	require.NoError(t, va.SetFromReader(bytes.NewBufferString("limiters:\n  - name: x\n    burst: 1\n"), DataTypeYAML))
	defs = nil
	require.ErrorContains(t, va.UnmarshalKey("limiters", &defs, WithErrorUnused()), "limiters: ")
}

func TestViperAdapter_WatchFile(t *testing.T) {
	va := NewViperAdapter()
	require.EqualError(t, va.WatchFile(context.Background(), nil), "config file is not set")

	cfgFile := filepath.Join(t.TempDir(), "settings.yml")
	require.NoError(t, os.WriteFile(cfgFile, []byte("rate_limit_public_max: 100\n"), 0o600))
	require.NoError(t, va.SetFromFile(cfgFile, DataTypeYAML))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	reloaded := make(chan error, 10)
	require.NoError(t, va.WatchFile(ctx, func(err error) {
		select {
		case reloaded <- err:
		default:
		}
	}))

	require.NoError(t, os.WriteFile(cfgFile, []byte("rate_limit_public_max: 3\n"), 0o600))

	select {
	case err := <-reloaded:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("config file was not reloaded")
	}
	require.Eventually(t, func() bool {
		v, err := va.GetInt("rate_limit_public_max")
		return err == nil && v == 3
	}, 5*time.Second, 10*time.Millisecond)
}
