package cachemanager

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type tenantInput struct {
	TenantID string
}

func TestReadThroughCache_Get_WithCacheDisabled(t *testing.T) {
	manager := NewInMemoryCacheManager[string, map[string]any]("tenant_mcp", DefaultExpiration, DefaultCleanupInterval)

	calls := 0
	cache := NewReadThroughCache[string, map[string]any, tenantInput](
		manager,
		func(ctx context.Context, input tenantInput) (map[string]any, error) {
			calls++
			return map[string]any{"tenant": input.TenantID}, nil
		},
		true,
	)

	for range 2 {
		value, err := cache.Get(context.Background(), "tenant:X", tenantInput{TenantID: "X"}, time.Minute)
		require.NoError(t, err)
		require.Equal(t, map[string]any{"tenant": "X"}, value)
	}
	require.Equal(t, 2, calls, "disabled cache must call the loader every time")
}

func TestReadThroughCache_Get_PopulatesAndHits(t *testing.T) {
	manager := NewInMemoryCacheManager[string, map[string]any]("tenant_mcp", DefaultExpiration, DefaultCleanupInterval)

	calls := 0
	cache := NewReadThroughCache[string, map[string]any, tenantInput](
		manager,
		func(ctx context.Context, input tenantInput) (map[string]any, error) {
			calls++
			return map[string]any{"tenant": input.TenantID}, nil
		},
		false,
	)

	first, err := cache.Get(context.Background(), "tenant:X", tenantInput{TenantID: "X"}, time.Minute)
	require.NoError(t, err)
	second, err := cache.Get(context.Background(), "tenant:X", tenantInput{TenantID: "X"}, time.Minute)
	require.NoError(t, err)

	require.Equal(t, first, second)
	require.Equal(t, 1, calls, "second lookup must be served from cache")
}

func TestReadThroughCache_Get_LoaderErrorNotCached(t *testing.T) {
	manager := NewInMemoryCacheManager[string, string]("form_def", DefaultExpiration, DefaultCleanupInterval)

	loadErr := errors.New("store unavailable")
	calls := 0
	cache := NewReadThroughCache[string, string, string](
		manager,
		func(ctx context.Context, input string) (string, error) {
			calls++
			if calls == 1 {
				return "", loadErr
			}
			return "form-" + input, nil
		},
		false,
	)

	_, err := cache.Get(context.Background(), "form:F", "F", time.Minute)
	require.ErrorIs(t, err, loadErr)

	value, err := cache.Get(context.Background(), "form:F", "F", time.Minute)
	require.NoError(t, err)
	require.Equal(t, "form-F", value)
	require.Equal(t, 2, calls)
}

func TestInMemoryCacheManager_DeleteAndFlush(t *testing.T) {
	manager := NewInMemoryCacheManager[string, int]("test", DefaultExpiration, DefaultCleanupInterval)
	ctx := context.Background()

	manager.Set(ctx, "a", 1, time.Minute)
	manager.Set(ctx, "b", 2, time.Minute)

	require.NoError(t, manager.Delete(ctx, "a"))
	_, ok := manager.Get(ctx, "a")
	require.False(t, ok)

	require.NoError(t, manager.Flush(ctx))
	_, ok = manager.Get(ctx, "b")
	require.False(t, ok)
}
