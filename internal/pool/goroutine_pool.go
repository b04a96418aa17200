// Package pool runs task executors on a bounded, elastic set of goroutines.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

var (
	ErrPoolClosed = errors.New("pool is closed")
	ErrPoolFull   = errors.New("pool is full")
)

// Job is a unit of work. Jobs report their own outcome; the pool only
// guards against panics.
type Job func(ctx context.Context)

// Config configures the pool.
type Config struct {
	MaxWorkers  int           `json:"max_workers"`
	QueueSize   int           `json:"queue_size"`
	IdleTimeout time.Duration `json:"idle_timeout"`
	// OnPanic is called with the job name and the recovered value.
	OnPanic func(name string, recovered any) `json:"-"`
	Logger  *zap.Logger                      `json:"-"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxWorkers:  64,
		QueueSize:   1024,
		IdleTimeout: 60 * time.Second,
	}
}

type job struct {
	name string
	ctx  context.Context
	run  Job
}

// GoroutinePool spawns workers on demand up to MaxWorkers and lets idle
// workers above one exit after IdleTimeout.
type GoroutinePool struct {
	cfg    Config
	logger *zap.Logger

	mu     sync.RWMutex // guards queue against send-after-close
	closed bool
	queue  chan job
	wg     sync.WaitGroup

	workerCount atomic.Int32
	activeCount atomic.Int32

	submitted atomic.Int64
	completed atomic.Int64
	panicked  atomic.Int64
	rejected  atomic.Int64
}

// NewGoroutinePool creates a pool. Zero fields fall back to DefaultConfig.
func NewGoroutinePool(cfg Config) *GoroutinePool {
	def := DefaultConfig()
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = def.MaxWorkers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = def.IdleTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GoroutinePool{
		cfg:    cfg,
		logger: logger.With(zap.String("component", "executor_pool")),
		queue:  make(chan job, cfg.QueueSize),
	}
}

// Submit queues a job without blocking. name identifies the job in logs and
// in the panic callback.
func (p *GoroutinePool) Submit(ctx context.Context, name string, run Job) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return ErrPoolClosed
	}
	p.submitted.Add(1)

	select {
	case p.queue <- job{name: name, ctx: ctx, run: run}:
		p.ensureWorker()
		return nil
	default:
		p.rejected.Add(1)
		return fmt.Errorf("submit %s: %w", name, ErrPoolFull)
	}
}

func (p *GoroutinePool) ensureWorker() {
	// spawn while work is waiting and there is headroom
	if p.workerCount.Load()-p.activeCount.Load() < int32(len(p.queue)) {
		p.trySpawnWorker()
	}
}

func (p *GoroutinePool) trySpawnWorker() bool {
	for {
		current := p.workerCount.Load()
		if current >= int32(p.cfg.MaxWorkers) {
			return false
		}
		if p.workerCount.CompareAndSwap(current, current+1) {
			p.wg.Add(1)
			go p.worker()
			return true
		}
	}
}

func (p *GoroutinePool) worker() {
	defer p.wg.Done()
	defer p.workerCount.Add(-1)

	timer := time.NewTimer(p.cfg.IdleTimeout)
	defer timer.Stop()

	for {
		select {
		case j, ok := <-p.queue:
			if !ok {
				return
			}
			p.activeCount.Add(1)
			p.execute(j)
			p.activeCount.Add(-1)
			p.completed.Add(1)
			timer.Reset(p.cfg.IdleTimeout)

		case <-timer.C:
			if p.workerCount.Load() > 1 {
				return
			}
			timer.Reset(p.cfg.IdleTimeout)
		}
	}
}

func (p *GoroutinePool) execute(j job) {
	defer func() {
		if r := recover(); r != nil {
			p.panicked.Add(1)
			p.logger.Error("job panicked",
				zap.String("job", j.name),
				zap.Any("panic", r),
				zap.Stack("stack"),
			)
			if p.cfg.OnPanic != nil {
				p.cfg.OnPanic(j.name, r)
			}
		}
	}()
	j.run(j.ctx)
}

// Close stops accepting jobs, lets queued jobs finish and waits for the
// workers until ctx is done.
func (p *GoroutinePool) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()

	// queued jobs need a worker even if all of them idled out
	if len(p.queue) > 0 {
		p.trySpawnWorker()
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats returns pool statistics.
func (p *GoroutinePool) Stats() Stats {
	return Stats{
		Workers:   int(p.workerCount.Load()),
		Active:    int(p.activeCount.Load()),
		Queued:    len(p.queue),
		Submitted: p.submitted.Load(),
		Completed: p.completed.Load(),
		Panicked:  p.panicked.Load(),
		Rejected:  p.rejected.Load(),
	}
}

// Stats contains pool statistics.
type Stats struct {
	Workers   int   `json:"workers"`
	Active    int   `json:"active"`
	Queued    int   `json:"queued"`
	Submitted int64 `json:"submitted"`
	Completed int64 `json:"completed"`
	Panicked  int64 `json:"panicked"`
	Rejected  int64 `json:"rejected"`
}
