package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/hivemind/dispatcher"
)

type subscription struct {
	h     dispatcher.EventHandler
	kinds map[dispatcher.EventType]bool
}

type fakeEvents struct {
	mu   sync.Mutex
	next int
	subs map[string]subscription
}

func newFakeEvents() *fakeEvents {
	return &fakeEvents{subs: make(map[string]subscription)}
}

func (f *fakeEvents) Subscribe(h dispatcher.EventHandler, kinds ...dispatcher.EventType) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	id := strconv.Itoa(f.next)
	sub := subscription{h: h, kinds: make(map[dispatcher.EventType]bool)}
	for _, k := range kinds {
		sub.kinds[k] = true
	}
	f.subs[id] = sub
	return id
}

func (f *fakeEvents) Unsubscribe(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.subs, id)
}

func (f *fakeEvents) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

func (f *fakeEvents) emit(ev dispatcher.Event) {
	f.mu.Lock()
	subs := make([]subscription, 0, len(f.subs))
	for _, s := range f.subs {
		subs = append(subs, s)
	}
	f.mu.Unlock()
	for _, s := range subs {
		if len(s.kinds) == 0 || s.kinds[ev.Type()] {
			s.h(ev)
		}
	}
}

func dialEvents(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/" + query
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.CloseNow() })
	return conn
}

func TestEventHandler_StreamsFilteredEvents(t *testing.T) {
	src := newFakeEvents()
	h := NewEventHandler(src, zap.NewNop())
	srv := httptest.NewServer(http.HandlerFunc(h.HandleStream))
	defer srv.Close()

	conn := dialEvents(t, srv, "?kinds=task_assigned,worker_offline")
	require.Eventually(t, func() bool { return src.count() == 1 }, time.Second, 10*time.Millisecond)

	now := time.Now()
	src.emit(dispatcher.TaskEvent{Kind: dispatcher.EventTaskQueued, Task: dispatcher.Task{ID: "t0"}, At: now})
	src.emit(dispatcher.TaskEvent{
		Kind: dispatcher.EventTaskAssigned,
		Task: dispatcher.Task{ID: "t1", Capability: "chat", AssignedWorkerID: "w1"},
		At:   now,
	})
	src.emit(dispatcher.WorkerEvent{Kind: dispatcher.EventWorkerOffline, Worker: dispatcher.Worker{ID: "w2"}, At: now})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var first EventMessage
	require.NoError(t, wsjson.Read(ctx, conn, &first))
	assert.Equal(t, dispatcher.EventTaskAssigned, first.Type)
	require.NotNil(t, first.Task)
	assert.Equal(t, "t1", first.Task.ID)
	assert.Equal(t, "w1", first.Task.AssignedWorkerID)
	assert.Nil(t, first.Worker)

	var second EventMessage
	require.NoError(t, wsjson.Read(ctx, conn, &second))
	assert.Equal(t, dispatcher.EventWorkerOffline, second.Type)
	require.NotNil(t, second.Worker)
	assert.Equal(t, "w2", second.Worker.ID)
}

func TestEventHandler_UnsubscribesOnClose(t *testing.T) {
	src := newFakeEvents()
	h := NewEventHandler(src, zap.NewNop())
	srv := httptest.NewServer(http.HandlerFunc(h.HandleStream))
	defer srv.Close()

	conn := dialEvents(t, srv, "")
	require.Eventually(t, func() bool { return src.count() == 1 }, time.Second, 10*time.Millisecond)

	_ = conn.Close(websocket.StatusNormalClosure, "bye")
	assert.Eventually(t, func() bool { return src.count() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestEventHandler_DropsForSlowClients(t *testing.T) {
	src := newFakeEvents()
	h := NewEventHandler(src, zap.NewNop())
	srv := httptest.NewServer(http.HandlerFunc(h.HandleStream))
	defer srv.Close()

	_ = dialEvents(t, srv, "")
	require.Eventually(t, func() bool { return src.count() == 1 }, time.Second, 10*time.Millisecond)

	// the client never reads, so the buffer and the socket eventually fill
	payload := strings.Repeat("x", 64<<10)
	for i := 0; i < 4*eventBuffer; i++ {
		src.emit(dispatcher.TaskEvent{
			Kind: dispatcher.EventTaskCompleted,
			Task: dispatcher.Task{ID: "t", Result: payload},
			At:   time.Now(),
		})
	}
	assert.Positive(t, h.Dropped())
}
