package federation

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisTransport carries federation traffic over Redis pub/sub. Every hive
// connected to the same Redis joins the colony.
type RedisTransport struct {
	client *redis.Client
	logger *zap.Logger

	mu     sync.Mutex
	subs   map[*redisSubscription]struct{}
	closed bool
}

// NewRedisTransport creates a transport on an open client. The client stays
// owned by the caller.
func NewRedisTransport(client *redis.Client, logger *zap.Logger) *RedisTransport {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisTransport{
		client: client,
		logger: logger.With(zap.String("component", "redis_transport")),
		subs:   make(map[*redisSubscription]struct{}),
	}
}

func (t *RedisTransport) Publish(ctx context.Context, topic string, data []byte) error {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return ErrTransportClosed
	}
	if err := t.client.Publish(ctx, topic, data).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// Subscribe waits for Redis to confirm the subscription before returning.
func (t *RedisTransport) Subscribe(ctx context.Context, topic string, h Handler) (Subscription, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, ErrTransportClosed
	}
	t.mu.Unlock()

	ps := t.client.Subscribe(ctx, topic)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe %s: %w", topic, err)
	}

	s := &redisSubscription{transport: t, ps: ps}
	t.mu.Lock()
	t.subs[s] = struct{}{}
	t.mu.Unlock()

	ch := ps.Channel()
	go func() {
		for m := range ch {
			safeHandle(context.Background(), t.logger, topic, h, []byte(m.Payload))
		}
	}()
	return s, nil
}

// Close ends every subscription. The Redis client is left open.
func (t *RedisTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	subs := t.subs
	t.subs = make(map[*redisSubscription]struct{})
	t.mu.Unlock()

	for s := range subs {
		_ = s.close()
	}
	return nil
}

type redisSubscription struct {
	transport *RedisTransport
	ps        *redis.PubSub
	once      sync.Once
	err       error
}

func (s *redisSubscription) Unsubscribe() error {
	s.transport.mu.Lock()
	delete(s.transport.subs, s)
	s.transport.mu.Unlock()
	return s.close()
}

func (s *redisSubscription) close() error {
	s.once.Do(func() {
		s.err = s.ps.Close()
	})
	return s.err
}
