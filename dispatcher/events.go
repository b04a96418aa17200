package dispatcher

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/hivemind/internal/channel"
)

// EventType names a dispatcher event.
type EventType string

const (
	EventWorkerRegistered EventType = "worker_registered"
	EventWorkerOffline    EventType = "worker_offline"
	EventWorkerOnline     EventType = "worker_online"
	EventWorkerRemoved    EventType = "worker_removed"
	EventTaskQueued       EventType = "task_queued"
	EventTaskAssigned     EventType = "task_assigned"
	EventTaskStarted      EventType = "task_started"
	EventTaskCompleted    EventType = "task_completed"
	EventTaskFailed       EventType = "task_failed"
)

// Event is implemented by WorkerEvent and TaskEvent.
type Event interface {
	Type() EventType
	Timestamp() time.Time
}

// WorkerEvent reports a worker lifecycle change.
type WorkerEvent struct {
	Kind   EventType
	Worker Worker
	At     time.Time
}

func (e WorkerEvent) Type() EventType      { return e.Kind }
func (e WorkerEvent) Timestamp() time.Time { return e.At }

// TaskEvent reports a task lifecycle change. Task is a snapshot taken at the
// time of the change.
type TaskEvent struct {
	Kind EventType
	Task Task
	At   time.Time
}

func (e TaskEvent) Type() EventType      { return e.Kind }
func (e TaskEvent) Timestamp() time.Time { return e.At }

// EventHandler handles dispatcher events.
type EventHandler func(Event)

var subscriptionCounter atomic.Int64

type subscription struct {
	handler EventHandler
	kinds   map[EventType]struct{}
}

func (s subscription) wants(t EventType) bool {
	if len(s.kinds) == 0 {
		return true
	}
	_, ok := s.kinds[t]
	return ok
}

// eventBus delivers events in publish order on a single goroutine so that a
// subscriber sees a task's assigned event before its terminal event.
type eventBus struct {
	mu     sync.RWMutex
	subs   map[string]subscription
	queue  *channel.Mailbox[Event]
	done   chan struct{}
	logger *zap.Logger
}

func newEventBus(logger *zap.Logger) *eventBus {
	b := &eventBus{
		subs:   make(map[string]subscription),
		queue:  channel.NewMailbox[Event](channel.Config{InitialSize: 256, MaxSize: 65536}),
		done:   make(chan struct{}),
		logger: logger,
	}
	go b.run()
	return b
}

func (b *eventBus) publish(events ...Event) {
	for _, e := range events {
		if !b.queue.Put(e) {
			b.logger.Warn("event dropped", zap.String("type", string(e.Type())))
		}
	}
}

func (b *eventBus) subscribe(h EventHandler, kinds []EventType) string {
	s := subscription{handler: h}
	if len(kinds) > 0 {
		s.kinds = make(map[EventType]struct{}, len(kinds))
		for _, k := range kinds {
			s.kinds[k] = struct{}{}
		}
	}
	id := fmt.Sprintf("sub-%d", subscriptionCounter.Add(1))

	b.mu.Lock()
	b.subs[id] = s
	b.mu.Unlock()
	return id
}

func (b *eventBus) unsubscribe(id string) {
	b.mu.Lock()
	delete(b.subs, id)
	b.mu.Unlock()
}

func (b *eventBus) run() {
	defer close(b.done)
	for {
		e, err := b.queue.Receive(context.Background())
		if err != nil {
			return
		}

		b.mu.RLock()
		handlers := make([]EventHandler, 0, len(b.subs))
		for _, s := range b.subs {
			if s.wants(e.Type()) {
				handlers = append(handlers, s.handler)
			}
		}
		b.mu.RUnlock()

		for _, h := range handlers {
			b.deliver(h, e)
		}
	}
}

func (b *eventBus) deliver(h EventHandler, e Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				zap.String("type", string(e.Type())),
				zap.Any("recover", r),
			)
		}
	}()
	h(e)
}

// close stops accepting events and waits until queued ones are delivered.
func (b *eventBus) close() {
	b.queue.Close()
	<-b.done
}
