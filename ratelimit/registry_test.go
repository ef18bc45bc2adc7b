/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
)

func TestRegistry_Get(t *testing.T) {
	source := MapSource{
		"rate_limit_public_max": 2, "rate_limit_public_minutos": 1,
		"rate_limit_login_max": 1, "rate_limit_login_minutos": 5,
	}
	publicParams := LimiterParams{
		ConfigKeyMax:    "rate_limit_public_max",
		ConfigKeyWindow: "rate_limit_public_minutos",
		Defaults:        LimiterConfig{MaxRequests: 100, Window: time.Minute},
	}
	loginParams := LimiterParams{
		ConfigKeyMax:    "rate_limit_login_max",
		ConfigKeyWindow: "rate_limit_login_minutos",
		Defaults:        LimiterConfig{MaxRequests: 5, Window: 5 * time.Minute},
	}

	t.Run("same name returns the same limiter", func(t *testing.T) {
		registry := NewRegistry(source, LimiterOpts{})
		limiter1 := registry.Get("public_pages", publicParams)
		limiter2 := registry.Get("public_pages", publicParams)
		require.Same(t, limiter1, limiter2)
		require.Equal(t, "public_pages", limiter1.Name())
	})

	t.Run("first registration wins", func(t *testing.T) {
		registry := NewRegistry(nil, LimiterOpts{})
		limiter := registry.Get("login", LimiterParams{Defaults: LimiterConfig{MaxRequests: 1, Window: time.Minute}})
		again := registry.Get("login", LimiterParams{Defaults: LimiterConfig{MaxRequests: 1000, Window: time.Hour}})
		require.Same(t, limiter, again)
		require.Equal(t, LimiterConfig{MaxRequests: 1, Window: time.Minute}, again.Config())
	})

	t.Run("different names are independent", func(t *testing.T) {
		registry := NewRegistry(source, LimiterOpts{})
		publicLimiter := registry.Get("public_pages", publicParams)
		loginLimiter := registry.Get("login", loginParams)
		require.NotSame(t, publicLimiter, loginLimiter)

		require.True(t, loginLimiter.Allow("10.0.0.1"))
		require.False(t, loginLimiter.Allow("10.0.0.1"))

		require.True(t, publicLimiter.Allow("10.0.0.1"))
		require.True(t, publicLimiter.Allow("10.0.0.1"))
		require.False(t, publicLimiter.Allow("10.0.0.1"))

		require.Equal(t, LimiterConfig{MaxRequests: 1, Window: 5 * time.Minute}, loginLimiter.Config())
		require.Equal(t, LimiterConfig{MaxRequests: 2, Window: time.Minute}, publicLimiter.Config())
	})

	t.Run("lookup and names", func(t *testing.T) {
		registry := NewRegistry(source, LimiterOpts{})
		_, ok := registry.Lookup("login")
		require.False(t, ok)

		registry.Get("public_pages", publicParams)
		registry.Get("login", loginParams)
		registry.Get("admin_write", LimiterParams{})

		limiter, ok := registry.Lookup("login")
		require.True(t, ok)
		require.Equal(t, "login", limiter.Name())
		require.Equal(t, []string{"admin_write", "login", "public_pages"}, registry.Names())
	})
}

func TestRegistry_ConcurrentGet(t *testing.T) {
	const (
		callersNum = 64
		maxReqs    = 1000
	)
	registry := NewRegistry(MapSource{"max": maxReqs, "window": 60}, LimiterOpts{})
	params := LimiterParams{
		ConfigKeyMax:    "max",
		ConfigKeyWindow: "window",
		Defaults:        LimiterConfig{MaxRequests: maxReqs, Window: time.Hour}, // Used while the first refresh is in progress.
	}

	limiters := make([]*Limiter, callersNum)
	var admitted atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < callersNum; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			limiters[i] = registry.Get("public_pages", params)
			for j := 0; j < 20; j++ {
				if limiters[i].Allow("same-client") {
					admitted.Inc()
				}
			}
		}(i)
	}
	close(start)
	wg.Wait()

	for i := 1; i < callersNum; i++ {
		require.Same(t, limiters[0], limiters[i])
	}
	require.Equal(t, []string{"public_pages"}, registry.Names())
	require.Equal(t, int32(maxReqs), admitted.Load(), "counts should be accumulated across all callers")
	require.False(t, registry.Get("public_pages", params).Allow("same-client"))
}

func TestRegistry_Sweep(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	registry := NewRegistry(nil, LimiterOpts{Clock: clock})
	minuteLimiter := registry.Get("public_pages", LimiterParams{Defaults: LimiterConfig{MaxRequests: 10, Window: time.Minute}})
	hourLimiter := registry.Get("login", LimiterParams{Defaults: LimiterConfig{MaxRequests: 10, Window: time.Hour}})

	for i := 0; i < 50; i++ {
		minuteLimiter.Allow(fmt.Sprintf("client-%d", i))
		hourLimiter.Allow(fmt.Sprintf("client-%d", i))
	}

	clock.Advance(2 * time.Minute)
	require.NoError(t, registry.Run(context.Background()))
	require.Equal(t, 0, minuteLimiter.Len())
	require.Equal(t, 50, hourLimiter.Len())

	clock.Advance(2 * time.Hour)
	require.Equal(t, 50, registry.Sweep())
	require.Equal(t, 0, hourLimiter.Len())
}
