package federation

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/BaSui01/hivemind/internal/channel"
)

// ErrTransportClosed is returned by a closed transport.
var ErrTransportClosed = errors.New("federation transport closed")

// Handler receives the raw payload published on a topic.
type Handler func(ctx context.Context, data []byte)

// Subscription is an active topic subscription.
type Subscription interface {
	Unsubscribe() error
}

// Transport is a topic-style publish/subscribe channel between hives.
type Transport interface {
	Publish(ctx context.Context, topic string, data []byte) error
	Subscribe(ctx context.Context, topic string, h Handler) (Subscription, error)
	Close() error
}

func safeHandle(ctx context.Context, logger *zap.Logger, topic string, h Handler, data []byte) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("federation handler panicked", zap.String("topic", topic), zap.Any("recover", r))
		}
	}()
	h(ctx, data)
}

// =============================================================================
// In-process broker
// =============================================================================

// MemoryBroker connects gateways living in the same process. Each
// subscription has its own mailbox and delivery goroutine, so one slow
// handler does not hold back the others and order is kept per subscriber.
type MemoryBroker struct {
	logger *zap.Logger
	down   atomic.Bool

	mu     sync.RWMutex
	subs   map[string]map[uint64]*memorySub
	next   uint64
	closed bool
}

type memorySub struct {
	broker *MemoryBroker
	topic  string
	id     uint64
	box    *channel.Mailbox[[]byte]
	once   sync.Once
}

// NewMemoryBroker creates an in-process broker.
func NewMemoryBroker(logger *zap.Logger) *MemoryBroker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MemoryBroker{
		logger: logger.With(zap.String("component", "memory_broker")),
		subs:   make(map[string]map[uint64]*memorySub),
	}
}

// SetDown makes Publish and Subscribe fail, simulating a lost connection.
func (b *MemoryBroker) SetDown(down bool) {
	b.down.Store(down)
}

func (b *MemoryBroker) Publish(_ context.Context, topic string, data []byte) error {
	if b.down.Load() {
		return errors.New("memory broker unavailable")
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrTransportClosed
	}
	for _, s := range b.subs[topic] {
		if !s.box.Put(append([]byte(nil), data...)) {
			b.logger.Warn("subscriber mailbox full", zap.String("topic", topic))
		}
	}
	return nil
}

func (b *MemoryBroker) Subscribe(_ context.Context, topic string, h Handler) (Subscription, error) {
	if b.down.Load() {
		return nil, errors.New("memory broker unavailable")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrTransportClosed
	}
	b.next++
	s := &memorySub{
		broker: b,
		topic:  topic,
		id:     b.next,
		box:    channel.NewMailbox[[]byte](channel.Config{InitialSize: 64, MaxSize: 8192}),
	}
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[uint64]*memorySub)
	}
	b.subs[topic][s.id] = s

	go func() {
		ctx := context.Background()
		for {
			data, err := s.box.Receive(ctx)
			if err != nil {
				return
			}
			safeHandle(ctx, b.logger, topic, h, data)
		}
	}()
	return s, nil
}

func (s *memorySub) Unsubscribe() error {
	s.once.Do(func() {
		b := s.broker
		b.mu.Lock()
		delete(b.subs[s.topic], s.id)
		if len(b.subs[s.topic]) == 0 {
			delete(b.subs, s.topic)
		}
		b.mu.Unlock()
		s.box.Close()
	})
	return nil
}

// Close drops every subscription.
func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	var all []*memorySub
	for _, set := range b.subs {
		for _, s := range set {
			all = append(all, s)
		}
	}
	b.subs = make(map[string]map[uint64]*memorySub)
	b.mu.Unlock()

	for _, s := range all {
		s.once.Do(s.box.Close)
	}
	return nil
}
