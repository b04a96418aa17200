package handlers

import (
	"context"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.uber.org/zap"

	"github.com/BaSui01/hivemind/dispatcher"
)

const (
	eventBuffer       = 256
	eventWriteTimeout = 5 * time.Second
)

// EventSource publishes dispatcher events.
type EventSource interface {
	Subscribe(h dispatcher.EventHandler, kinds ...dispatcher.EventType) string
	Unsubscribe(id string)
}

// EventMessage is one frame of the event stream.
type EventMessage struct {
	Type   dispatcher.EventType `json:"type"`
	At     time.Time            `json:"at"`
	Task   *dispatcher.Task     `json:"task,omitempty"`
	Worker *dispatcher.Worker   `json:"worker,omitempty"`
}

func toEventMessage(ev dispatcher.Event) EventMessage {
	msg := EventMessage{Type: ev.Type(), At: ev.Timestamp()}
	switch e := ev.(type) {
	case dispatcher.TaskEvent:
		t := e.Task
		msg.Task = &t
	case dispatcher.WorkerEvent:
		wk := e.Worker
		msg.Worker = &wk
	}
	return msg
}

// EventHandler streams dispatcher events over WebSocket. A slow client
// loses events instead of stalling the dispatcher.
type EventHandler struct {
	src     EventSource
	logger  *zap.Logger
	origins []string
	dropped atomic.Int64
}

// NewEventHandler creates an event stream handler. origins lists extra
// host patterns allowed to open the socket cross-origin.
func NewEventHandler(src EventSource, logger *zap.Logger, origins ...string) *EventHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EventHandler{src: src, logger: logger.With(zap.String("handler", "events")), origins: origins}
}

// Dropped counts events discarded for slow clients.
func (h *EventHandler) Dropped() int64 {
	return h.dropped.Load()
}

// HandleStream upgrades the request and forwards events until the client
// goes away. The kinds query parameter takes a comma separated filter.
func (h *EventHandler) HandleStream(w http.ResponseWriter, r *http.Request) {
	var kinds []dispatcher.EventType
	if q := r.URL.Query().Get("kinds"); q != "" {
		for _, k := range strings.Split(q, ",") {
			if k = strings.TrimSpace(k); k != "" {
				kinds = append(kinds, dispatcher.EventType(k))
			}
		}
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.origins})
	if err != nil {
		// Accept already wrote the HTTP error
		h.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.CloseNow()

	events := make(chan dispatcher.Event, eventBuffer)
	subID := h.src.Subscribe(func(ev dispatcher.Event) {
		select {
		case events <- ev:
		default:
			h.dropped.Add(1)
		}
	}, kinds...)
	defer h.src.Unsubscribe(subID)

	// the stream is one-way; CloseRead handles control frames and cancels
	// ctx once the client closes
	ctx := conn.CloseRead(r.Context())
	h.logger.Debug("event stream opened", zap.String("remote", r.RemoteAddr))

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			if err := h.write(ctx, conn, toEventMessage(ev)); err != nil {
				h.logger.Debug("event stream closed", zap.Error(err))
				return
			}
		}
	}
}

func (h *EventHandler) write(ctx context.Context, conn *websocket.Conn, msg EventMessage) error {
	ctx, cancel := context.WithTimeout(ctx, eventWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, msg)
}
