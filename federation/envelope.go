package federation

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/BaSui01/hivemind/bus"
	"github.com/BaSui01/hivemind/dispatcher"
	"github.com/BaSui01/hivemind/types"
)

// TopicAll reaches every hive.
const TopicAll = "hivemind.all"

// TopicHive returns the direct topic of one hive.
func TopicHive(id string) string {
	return "hivemind.hive." + id
}

// Event names the kind of an envelope.
type Event string

const (
	EventAnnounce       Event = "hive.announce"
	EventDiscover       Event = "hive.discover"
	EventTaskForward    Event = "task.forward"
	EventTaskResult     Event = "task.result"
	EventMessage        Event = "message"
	EventKnowledgeShare Event = "knowledge.share"
	EventKnowledgeQuery Event = "knowledge.query"
	EventKnowledgeReply Event = "knowledge.reply"
)

// Envelope is the unit sent over a Transport.
type Envelope struct {
	Event         Event           `json:"event"`
	FromHive      string          `json:"from_hive"`
	ToHive        string          `json:"to_hive,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Data          json.RawMessage `json:"data,omitempty"`
	SentAt        time.Time       `json:"sent_at"`
}

func newEnvelope(event Event, from, to, correlationID string, data any, at time.Time) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", event, err)
	}
	return json.Marshal(Envelope{
		Event:         event,
		FromHive:      from,
		ToHive:        to,
		CorrelationID: correlationID,
		Data:          raw,
		SentAt:        at,
	})
}

func (e Envelope) decode(v any) error {
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("decode %s from %s: %w", e.Event, e.FromHive, err)
	}
	return nil
}

// Announcement advertises a hive to its peers.
type Announcement struct {
	HiveID       string                  `json:"hive_id"`
	Endpoint     string                  `json:"endpoint,omitempty"`
	Capabilities []dispatcher.Capability `json:"capabilities"`
	Workers      int                     `json:"workers"`
}

// TaskForward asks a peer to run a task.
type TaskForward struct {
	TaskID      string                `json:"task_id"`
	Capability  dispatcher.Capability `json:"capability"`
	Payload     json.RawMessage       `json:"payload"`
	Priority    types.Priority        `json:"priority"`
	RequesterID string                `json:"requester_id,omitempty"`
	TimeoutMs   int64                 `json:"timeout_ms"`
}

// TaskResult carries the terminal task back to the requesting hive.
type TaskResult struct {
	Task dispatcher.Task `json:"task"`
}

// KnowledgeQuery asks peers for a shared entry.
type KnowledgeQuery struct {
	Key        string `json:"key"`
	FromWorker string `json:"from_worker,omitempty"`
}

// KnowledgeReply answers a query; Entry is nil when the peer has nothing.
type KnowledgeReply struct {
	Entry *bus.KnowledgeEntry `json:"entry,omitempty"`
}
