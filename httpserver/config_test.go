/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package httpserver

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/acronis/go-admission/config"
)

func TestConfig(t *testing.T) {
	tests := []struct {
		name        string
		cfgDataType config.DataType
		cfgData     string
		expectedCfg func() *Config
	}{
		{
			name:        "yaml config",
			cfgDataType: config.DataTypeYAML,
			cfgData: `
server:
  address: "127.0.0.1:8080"
  timeouts:
    write: 1h
    read: 7m
    readHeader: 1m
    idle: 20m
    shutdown: 30s
  limits:
    maxBodySize: 2M
  log:
    requestStart: true
    excludedEndpoints: ["/healthz", "/metrics"]
  tls:
    enabled: true
    cert: "/test/path"
    key: "/test/path"
`,
			expectedCfg: func() *Config {
				cfg := NewDefaultConfig()
				cfg.Address = "127.0.0.1:8080"
				cfg.Timeouts.Write = time.Hour
				cfg.Timeouts.Read = time.Minute * 7
				cfg.Timeouts.ReadHeader = time.Minute
				cfg.Timeouts.Idle = time.Minute * 20
				cfg.Timeouts.Shutdown = time.Second * 30
				cfg.Limits.MaxBodySize = 2 * 1024 * 1024
				cfg.Log.RequestStart = true
				cfg.Log.ExcludedEndpoints = []string{"/healthz", "/metrics"}
				cfg.TLS.Enabled = true
				cfg.TLS.Certificate = "/test/path"
				cfg.TLS.Key = "/test/path"
				return cfg
			},
		},
		{
			name:        "json config",
			cfgDataType: config.DataTypeJSON,
			cfgData:     `{"server": {"address": ":9090", "log": {"addRequestInfo": true, "requestHeaders": ["X-Tenant"]}}}`,
			expectedCfg: func() *Config {
				cfg := NewDefaultConfig()
				cfg.Address = ":9090"
				cfg.Log.AddRequestInfoToLogger = true
				cfg.Log.RequestHeaders = []string{"X-Tenant"}
				return cfg
			},
		},
		{
			name:        "empty config",
			cfgDataType: config.DataTypeYAML,
			cfgData:     "",
			expectedCfg: func() *Config { return NewDefaultConfig() },
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewConfig()
			err := config.NewLoader(config.NewViperAdapter()).LoadFromReader(bytes.NewBufferString(tt.cfgData), tt.cfgDataType, cfg)
			require.NoError(t, err)
			require.Equal(t, tt.expectedCfg(), cfg)
		})
	}
}

func TestConfigWithKeyPrefix(t *testing.T) {
	cfgData := `
admissiond:
  server:
    address: ":7070"
`
	cfg := NewConfig(WithKeyPrefix("admissiond.server"))
	err := config.NewLoader(config.NewViperAdapter()).LoadFromReader(bytes.NewBufferString(cfgData), config.DataTypeYAML, cfg)
	require.NoError(t, err)
	require.Equal(t, ":7070", cfg.Address)
	require.Equal(t, "admissiond.server", cfg.KeyPrefix())
}

func TestConfigValidationErrors(t *testing.T) {
	tests := []struct {
		name   string
		yaml   string
		errMsg string
	}{
		{
			name:   "empty address",
			yaml:   `server: {address: ""}`,
			errMsg: "server.address: cannot be empty",
		},
		{
			name:   "negative timeout",
			yaml:   `server: {timeouts: {read: -1s}}`,
			errMsg: "server.timeouts.read: cannot be negative",
		},
		{
			name:   "tls without key",
			yaml:   `server: {tls: {enabled: true, cert: "/test/path"}}`,
			errMsg: "server.tls.key: both cert and key should be set",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewConfig()
			err := config.NewLoader(config.NewViperAdapter()).LoadFromReader(bytes.NewBufferString(tt.yaml), config.DataTypeYAML, cfg)
			require.EqualError(t, err, tt.errMsg)
		})
	}
}
