/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package settings

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/acronis/go-admission/config"
	"github.com/acronis/go-admission/ratelimit"
)

func TestProviderSource_GetInt(t *testing.T) {
	dp := config.NewViperAdapter()
	cfgData := `
admission:
  settings:
    rate_limit_public_max: 42
    rate_limit_public_minutos: "3"
    rate_limit_login_minutos: "010"
    broken: many
`
	require.NoError(t, dp.SetFromReader(bytes.NewBufferString(cfgData), config.DataTypeYAML))
	src := NewProviderSource(config.NewKeyPrefixedDataProvider(dp, "admission.settings"))

	val, err := src.GetInt(context.Background(), "rate_limit_public_max")
	require.NoError(t, err)
	require.Equal(t, 42, val)

	val, err = src.GetInt(context.Background(), "rate_limit_public_minutos")
	require.NoError(t, err)
	require.Equal(t, 3, val)

	val, err = src.GetInt(context.Background(), "rate_limit_login_minutos")
	require.NoError(t, err)
	require.Equal(t, 10, val)

	_, err = src.GetInt(context.Background(), "missing")
	require.ErrorIs(t, err, ErrNotFound)

	_, err = src.GetInt(context.Background(), "broken")
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrNotFound)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = src.GetInt(ctx, "rate_limit_public_max")
	require.ErrorIs(t, err, context.Canceled)
}

func TestChainSource_GetInt(t *testing.T) {
	errBroken := errors.New("broken source")
	chain := ChainSource{
		ratelimit.MapSource{"a": 1},
		ratelimit.ConfigSourceFunc(func(_ context.Context, key string) (int, error) {
			if key == "c" {
				return 0, errBroken
			}
			return 0, ErrNotFound
		}),
		ratelimit.MapSource{"a": 10, "b": 2, "c": 3},
	}

	val, err := chain.GetInt(context.Background(), "a")
	require.NoError(t, err)
	require.Equal(t, 1, val)

	val, err = chain.GetInt(context.Background(), "b")
	require.NoError(t, err)
	require.Equal(t, 2, val)

	_, err = chain.GetInt(context.Background(), "c")
	require.ErrorIs(t, err, errBroken)

	_, err = chain.GetInt(context.Background(), "d")
	require.ErrorIs(t, err, ErrNotFound)
}
