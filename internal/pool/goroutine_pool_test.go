package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestGoroutinePool_RunsJobs(t *testing.T) {
	p := NewGoroutinePool(Config{MaxWorkers: 4, QueueSize: 16, Logger: zap.NewNop()})

	var wg sync.WaitGroup
	var ran atomic.Int32
	for i := 0; i < 10; i++ {
		wg.Add(1)
		require.NoError(t, p.Submit(context.Background(), "job", func(ctx context.Context) {
			defer wg.Done()
			ran.Add(1)
		}))
	}
	wg.Wait()

	assert.EqualValues(t, 10, ran.Load())
	require.NoError(t, p.Close(context.Background()))
	stats := p.Stats()
	assert.EqualValues(t, 10, stats.Submitted)
	assert.EqualValues(t, 10, stats.Completed)
	assert.LessOrEqual(t, stats.Workers, 4)
}

func TestGoroutinePool_PanicIsRecovered(t *testing.T) {
	var gotName string
	var gotValue any
	done := make(chan struct{})
	p := NewGoroutinePool(Config{
		MaxWorkers: 1,
		QueueSize:  2,
		OnPanic: func(name string, r any) {
			gotName, gotValue = name, r
			close(done)
		},
	})
	defer p.Close(context.Background())

	require.NoError(t, p.Submit(context.Background(), "task-42", func(ctx context.Context) {
		panic("executor exploded")
	}))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("panic handler not called")
	}
	assert.Equal(t, "task-42", gotName)
	assert.Equal(t, "executor exploded", gotValue)

	// the worker survives the panic
	ok := make(chan struct{})
	require.NoError(t, p.Submit(context.Background(), "after", func(ctx context.Context) { close(ok) }))
	<-ok
	assert.EqualValues(t, 1, p.Stats().Panicked)
}

func TestGoroutinePool_FullAndClosed(t *testing.T) {
	p := NewGoroutinePool(Config{MaxWorkers: 1, QueueSize: 1})

	block := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, p.Submit(context.Background(), "blocker", func(ctx context.Context) {
		close(started)
		<-block
	}))
	<-started
	require.NoError(t, p.Submit(context.Background(), "queued", func(ctx context.Context) {}))

	err := p.Submit(context.Background(), "overflow", func(ctx context.Context) {})
	assert.True(t, errors.Is(err, ErrPoolFull))
	assert.EqualValues(t, 1, p.Stats().Rejected)

	close(block)
	require.NoError(t, p.Close(context.Background()))
	assert.ErrorIs(t, p.Submit(context.Background(), "late", func(ctx context.Context) {}), ErrPoolClosed)
	// second close is a no-op
	assert.NoError(t, p.Close(context.Background()))
}
