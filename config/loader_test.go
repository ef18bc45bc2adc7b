/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type testServerConfig struct {
	Address string
	Timeout time.Duration
}

func (c *testServerConfig) KeyPrefix() string {
	return "server"
}

func (c *testServerConfig) SetProviderDefaults(dp DataProvider) {
	dp.SetDefault("address", ":8080")
	dp.SetDefault("timeout", "5s")
}

func (c *testServerConfig) Set(dp DataProvider) (err error) {
	if c.Address, err = dp.GetString("address"); err != nil {
		return err
	}
	if c.Timeout, err = dp.GetDuration("timeout"); err != nil {
		return err
	}
	return nil
}

type testLimitsConfig struct {
	MaxKeys int
	Proxies []string
}

func (c *testLimitsConfig) KeyPrefix() string {
	return "limits"
}

func (c *testLimitsConfig) SetProviderDefaults(dp DataProvider) {
	dp.SetDefault("maxKeys", 100000)
}

func (c *testLimitsConfig) Set(dp DataProvider) (err error) {
	if c.MaxKeys, err = dp.GetInt("maxKeys"); err != nil {
		return err
	}
	if c.MaxKeys <= 0 {
		return dp.WrapKeyErr("maxKeys", errMustBePositive)
	}
	if c.Proxies, err = dp.GetStringSlice("trustedProxies"); err != nil {
		return err
	}
	return nil
}

type testAppConfig struct {
	Server  *testServerConfig
	Limits  *testLimitsConfig
	Skipped *testLimitsConfig
	NilCfg  Config
	Debug   bool
}

func (c *testAppConfig) SetProviderDefaults(dp DataProvider) {
	CallSetProviderDefaultsForFields(c, dp)
}

func (c *testAppConfig) Set(dp DataProvider) (err error) {
	if err = CallSetForFields(c, dp); err != nil {
		return err
	}
	c.Debug, err = dp.GetBool("debug")
	return err
}

func newTestAppConfig() *testAppConfig {
	return &testAppConfig{Server: &testServerConfig{}, Limits: &testLimitsConfig{}}
}

func TestLoader_LoadFromReader(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		cfg := newTestAppConfig()
		require.NoError(t, NewLoader(NewViperAdapter()).LoadFromReader(bytes.NewBufferString(`{}`), DataTypeJSON, cfg))
		require.Equal(t, ":8080", cfg.Server.Address)
		require.Equal(t, 5*time.Second, cfg.Server.Timeout)
		require.Equal(t, 100000, cfg.Limits.MaxKeys)
		require.Nil(t, cfg.Limits.Proxies)
		require.Nil(t, cfg.Skipped)
		require.False(t, cfg.Debug)
	})

	t.Run("yaml", func(t *testing.T) {
		cfgData := `
debug: true
server:
  address: 127.0.0.1:9090
  timeout: 1m
limits:
  maxKeys: 500
  trustedProxies: [10.0.0.0/8, 192.168.0.0/16]
`
		cfg := newTestAppConfig()
		require.NoError(t, NewLoader(NewViperAdapter()).LoadFromReader(bytes.NewBufferString(cfgData), DataTypeYAML, cfg))
		require.Equal(t, "127.0.0.1:9090", cfg.Server.Address)
		require.Equal(t, time.Minute, cfg.Server.Timeout)
		require.Equal(t, 500, cfg.Limits.MaxKeys)
		require.Equal(t, []string{"10.0.0.0/8", "192.168.0.0/16"}, cfg.Limits.Proxies)
		require.True(t, cfg.Debug)
	})

	t.Run("several configs", func(t *testing.T) {
		serverCfg, limitsCfg := &testServerConfig{}, &testLimitsConfig{}
		err := NewLoader(NewViperAdapter()).LoadFromReader(
			bytes.NewBufferString(`{"server":{"address":":1"},"limits":{"maxKeys":7}}`), DataTypeJSON, serverCfg, limitsCfg)
		require.NoError(t, err)
		require.Equal(t, ":1", serverCfg.Address)
		require.Equal(t, 7, limitsCfg.MaxKeys)
	})

	t.Run("error contains full key", func(t *testing.T) {
		cfg := newTestAppConfig()
		err := NewLoader(NewViperAdapter()).LoadFromReader(bytes.NewBufferString(`{"limits":{"maxKeys":-1}}`), DataTypeJSON, cfg)
		require.EqualError(t, err, "limits.maxKeys: must be positive")
	})

	t.Run("env vars", func(t *testing.T) {
		t.Setenv("ADMISSIOND_SERVER_ADDRESS", ":7070")
		cfg := newTestAppConfig()
		require.NoError(t, NewDefaultLoader("admissiond").LoadFromReader(bytes.NewBufferString(`{}`), DataTypeJSON, cfg))
		require.Equal(t, ":7070", cfg.Server.Address)
	})
}

func TestLoader_Reload(t *testing.T) {
	cfgFile := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(cfgFile, []byte("limits:\n  maxKeys: 10\n"), 0o600))

	loader := NewLoader(NewViperAdapter())
	cfg := &testLimitsConfig{}
	require.NoError(t, loader.LoadFromFile(cfgFile, DataTypeYAML, cfg))
	require.Equal(t, 10, cfg.MaxKeys)

	require.NoError(t, os.WriteFile(cfgFile, []byte("limits:\n  maxKeys: 20\n"), 0o600))
	require.NoError(t, loader.DataProvider.SetFromFile(cfgFile, DataTypeYAML))
	require.NoError(t, loader.Reload(cfg))
	require.Equal(t, 20, cfg.MaxKeys)
}
