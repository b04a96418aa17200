package config

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// rewrite replaces the file and pushes its mtime forward so the change is
// visible regardless of filesystem timestamp granularity.
func rewrite(t *testing.T, path, content string, bump time.Duration) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	ts := time.Now().Add(bump)
	require.NoError(t, os.Chtimes(path, ts, ts))
}

func TestWatcher_ReloadsChangedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hived.yaml")
	rewrite(t, path, "log:\n  level: info\n", 0)

	loader := NewLoader().WithConfigPath(path)
	cfg, err := loader.Load()
	require.NoError(t, err)

	w := NewWatcher(loader, cfg, WithWatcherLogger(zap.NewNop()))
	var oldLevel, newLevel string
	w.OnReload(func(old, updated *Config) {
		oldLevel, newLevel = old.Log.Level, updated.Log.Level
	})

	assert.False(t, w.Check(), "unchanged file must not reload")

	rewrite(t, path, "log:\n  level: debug\n", time.Second)
	require.True(t, w.Check())
	assert.Equal(t, "info", oldLevel)
	assert.Equal(t, "debug", newLevel)
	assert.Equal(t, "debug", w.Current().Log.Level)

	assert.False(t, w.Check())
}

func TestWatcher_KeepsLastGoodConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hived.yaml")
	rewrite(t, path, "hive:\n  id: hive-a\n", 0)

	loader := NewLoader().WithConfigPath(path).WithValidator((*Config).Validate)
	cfg, err := loader.Load()
	require.NoError(t, err)

	w := NewWatcher(loader, cfg)
	var reloads int
	w.OnReload(func(_, _ *Config) { reloads++ })

	rewrite(t, path, "hive: [not, a, map\n", time.Second)
	assert.False(t, w.Check())

	rewrite(t, path, "hive:\n  id: \"\"\n", 2*time.Second)
	assert.False(t, w.Check(), "invalid config must be rejected")

	assert.Equal(t, 0, reloads)
	assert.Equal(t, "hive-a", w.Current().Hive.ID)
}

func TestWatcher_RunReloadsUntilCancelled(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hived.yaml")
	rewrite(t, path, "log:\n  level: info\n", 0)

	loader := NewLoader().WithConfigPath(path)
	cfg, err := loader.Load()
	require.NoError(t, err)

	w := NewWatcher(loader, cfg, WithPollInterval(10*time.Millisecond))
	var reloads atomic.Int32
	w.OnReload(func(_, _ *Config) { reloads.Add(1) })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	rewrite(t, path, "log:\n  level: warn\n", time.Second)
	assert.Eventually(t, func() bool {
		return w.Current().Log.Level == "warn"
	}, time.Second, 10*time.Millisecond)
	assert.GreaterOrEqual(t, reloads.Load(), int32(1))

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestWatcher_NoPathReturnsImmediately(t *testing.T) {
	w := NewWatcher(NewLoader(), DefaultConfig())
	done := make(chan struct{})
	go func() {
		w.Run(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run blocked without a config path")
	}
}
