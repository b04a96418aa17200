// Package channel provides a growable, bounded mailbox.
package channel

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// ErrClosed is returned by Receive once the mailbox is closed and drained.
var ErrClosed = errors.New("mailbox closed")

// Config configures a mailbox.
type Config struct {
	InitialSize int     `json:"initial_size"`
	MaxSize     int     `json:"max_size"`
	GrowFactor  float64 `json:"grow_factor"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		InitialSize: 64,
		MaxSize:     4096,
		GrowFactor:  2.0,
	}
}

// Mailbox is a FIFO queue whose capacity grows on demand up to MaxSize and
// shrinks back once drained. Put never blocks; values that do not fit are
// dropped and counted.
type Mailbox[T any] struct {
	cfg Config

	mu       sync.Mutex
	items    []T
	capacity int
	closed   bool
	// notify wakes one receiver; it is closed by Close.
	notify chan struct{}

	puts     atomic.Int64
	receives atomic.Int64
	dropped  atomic.Int64
	grows    atomic.Int64
}

// NewMailbox creates a mailbox. Zero fields fall back to DefaultConfig.
func NewMailbox[T any](cfg Config) *Mailbox[T] {
	def := DefaultConfig()
	if cfg.InitialSize <= 0 {
		cfg.InitialSize = def.InitialSize
	}
	if cfg.MaxSize < cfg.InitialSize {
		cfg.MaxSize = cfg.InitialSize
	}
	if cfg.GrowFactor <= 1 {
		cfg.GrowFactor = def.GrowFactor
	}
	return &Mailbox[T]{
		cfg:      cfg,
		items:    make([]T, 0, cfg.InitialSize),
		capacity: cfg.InitialSize,
		notify:   make(chan struct{}, 1),
	}
}

// Put appends v. It reports false when the mailbox is closed or full at
// MaxSize.
func (m *Mailbox[T]) Put(v T) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return false
	}
	if len(m.items) >= m.capacity {
		if m.capacity >= m.cfg.MaxSize {
			m.dropped.Add(1)
			return false
		}
		m.grow()
	}
	m.items = append(m.items, v)
	m.puts.Add(1)
	m.signal()
	return true
}

func (m *Mailbox[T]) grow() {
	next := int(float64(m.capacity) * m.cfg.GrowFactor)
	if next <= m.capacity {
		next = m.capacity + 1
	}
	if next > m.cfg.MaxSize {
		next = m.cfg.MaxSize
	}
	m.capacity = next
	m.grows.Add(1)
}

// signal must be called with m.mu held.
func (m *Mailbox[T]) signal() {
	select {
	case m.notify <- struct{}{}:
	default:
	}
}

// Receive blocks until a value is available, the mailbox is closed and
// empty, or ctx is done.
func (m *Mailbox[T]) Receive(ctx context.Context) (T, error) {
	for {
		if v, ok, closed := m.pop(); ok {
			return v, nil
		} else if closed {
			var zero T
			return zero, ErrClosed
		}

		select {
		case <-m.notify:
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		}
	}
}

// TryReceive returns the oldest value without blocking.
func (m *Mailbox[T]) TryReceive() (T, bool) {
	v, ok, _ := m.pop()
	return v, ok
}

// Drain removes and returns every queued value.
func (m *Mailbox[T]) Drain() []T {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]T, len(m.items))
	copy(out, m.items)
	m.receives.Add(int64(len(out)))
	m.items = make([]T, 0, m.cfg.InitialSize)
	m.capacity = m.cfg.InitialSize
	return out
}

func (m *Mailbox[T]) pop() (v T, ok bool, closed bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.items) == 0 {
		return v, false, m.closed
	}
	v = m.items[0]
	var zero T
	m.items[0] = zero
	m.items = m.items[1:]
	m.receives.Add(1)

	if len(m.items) == 0 {
		// release the backing array and shrink to the initial size
		m.items = make([]T, 0, m.cfg.InitialSize)
		m.capacity = m.cfg.InitialSize
	} else if !m.closed {
		// more work for the next receiver
		m.signal()
	}
	return v, true, m.closed
}

// Len returns the number of queued values.
func (m *Mailbox[T]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}

// Cap returns the current capacity.
func (m *Mailbox[T]) Cap() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.capacity
}

// Close stops accepting values and wakes every receiver. Queued values can
// still be received.
func (m *Mailbox[T]) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	close(m.notify)
}

// Stats returns mailbox statistics.
func (m *Mailbox[T]) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	return Stats{
		Capacity: m.capacity,
		Length:   len(m.items),
		Puts:     m.puts.Load(),
		Receives: m.receives.Load(),
		Dropped:  m.dropped.Load(),
		Grows:    m.grows.Load(),
	}
}

// Stats contains mailbox statistics.
type Stats struct {
	Capacity int   `json:"capacity"`
	Length   int   `json:"length"`
	Puts     int64 `json:"puts"`
	Receives int64 `json:"receives"`
	Dropped  int64 `json:"dropped"`
	Grows    int64 `json:"grows"`
}
