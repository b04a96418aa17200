package cache

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// =============================================================================
// Manager
// =============================================================================

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *Manager) {
	t.Helper()
	mr := miniredis.RunT(t)

	manager, err := NewManager(Config{
		Addr:       mr.Addr(),
		KeyPrefix:  "test:",
		DefaultTTL: time.Minute,
	}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = manager.Close() })
	return mr, manager
}

func TestNewManager_Unreachable(t *testing.T) {
	_, err := NewManager(Config{Addr: "127.0.0.1:1"}, nil)
	assert.Error(t, err)
}

func TestNewManager_TLSAgainstPlaintextServer(t *testing.T) {
	mr := miniredis.RunT(t)
	_, err := NewManager(Config{Addr: mr.Addr(), TLS: true, MaxRetries: -1}, nil)
	assert.Error(t, err, "a TLS handshake with a plaintext server must fail")
}

func TestManager_SetAndGet(t *testing.T) {
	mr, manager := setupTestRedis(t)
	ctx := context.Background()

	require.NoError(t, manager.Set(ctx, "greeting", "hello", 0))

	value, err := manager.Get(ctx, "greeting")
	require.NoError(t, err)
	assert.Equal(t, "hello", value)

	// stored under the prefix with the default TTL
	raw, err := mr.Get("test:greeting")
	require.NoError(t, err)
	assert.Equal(t, "hello", raw)
	assert.Equal(t, time.Minute, mr.TTL("test:greeting"))
}

func TestManager_GetMissing(t *testing.T) {
	_, manager := setupTestRedis(t)

	_, err := manager.Get(context.Background(), "absent")
	assert.True(t, IsCacheMiss(err))
}

func TestManager_Delete(t *testing.T) {
	_, manager := setupTestRedis(t)
	ctx := context.Background()

	require.NoError(t, manager.Set(ctx, "a", "1", 0))
	require.NoError(t, manager.Set(ctx, "b", "2", 0))
	require.NoError(t, manager.Delete(ctx, "a", "b"))
	require.NoError(t, manager.Delete(ctx))

	_, err := manager.Get(ctx, "a")
	assert.True(t, IsCacheMiss(err))
}

func TestManager_JSON(t *testing.T) {
	_, manager := setupTestRedis(t)
	ctx := context.Background()

	type entry struct {
		Key  string   `json:"key"`
		Tags []string `json:"tags"`
	}
	require.NoError(t, manager.SetJSON(ctx, "k", entry{Key: "k", Tags: []string{"x"}}, 0))

	var got entry
	require.NoError(t, manager.GetJSON(ctx, "k", &got))
	assert.Equal(t, entry{Key: "k", Tags: []string{"x"}}, got)

	assert.Error(t, manager.SetJSON(ctx, "bad", make(chan int), 0))

	require.NoError(t, manager.Set(ctx, "not-json", "{", 0))
	assert.Error(t, manager.GetJSON(ctx, "not-json", &got))
}

func TestManager_TTLExpiry(t *testing.T) {
	mr, manager := setupTestRedis(t)
	ctx := context.Background()

	require.NoError(t, manager.Set(ctx, "short", "v", 2*time.Second))
	mr.FastForward(3 * time.Second)

	_, err := manager.Get(ctx, "short")
	assert.True(t, IsCacheMiss(err))
}

func TestManager_PingAndClose(t *testing.T) {
	mr, manager := setupTestRedis(t)
	ctx := context.Background()

	assert.NoError(t, manager.Ping(ctx))
	mr.Close()
	assert.Error(t, manager.Ping(ctx))

	require.NoError(t, manager.Close())
	require.NoError(t, manager.Close())
	assert.ErrorIs(t, manager.Set(ctx, "k", "v", 0), ErrClosed)
}

func TestManager_Key(t *testing.T) {
	_, manager := setupTestRedis(t)
	assert.Equal(t, "test:knowledge:tag:ops", manager.Key("knowledge", "tag", "ops"))
}

func TestManager_ConcurrentOperations(t *testing.T) {
	_, manager := setupTestRedis(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := fmt.Sprintf("k%d", i)
			assert.NoError(t, manager.Set(ctx, key, key, 0))
			v, err := manager.Get(ctx, key)
			assert.NoError(t, err)
			assert.Equal(t, key, v)
		}(i)
	}
	wg.Wait()
}
