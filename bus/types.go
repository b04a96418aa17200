package bus

import (
	"context"
	"encoding/json"
	"time"

	"github.com/BaSui01/hivemind/types"
)

// BroadcastAddress as a recipient fans a message out to every member.
const BroadcastAddress = "broadcast"

// HelpTimeout bounds how long AskForHelp waits for a reply.
const HelpTimeout = 5 * time.Second

// Scope selects how far a message or knowledge entry travels.
type Scope string

const (
	// ScopeLocal stays inside this hive.
	ScopeLocal Scope = "local"
	// ScopeColony also reaches peer hives through the attached colony.
	ScopeColony Scope = "colony"
)

// MessageKind distinguishes plain messages from help traffic.
type MessageKind string

const (
	KindMessage     MessageKind = "message"
	KindHelpRequest MessageKind = "help_request"
	KindHelpReply   MessageKind = "help_reply"
)

// Message is a unit of worker-to-worker communication.
type Message struct {
	ID         string          `json:"id"`
	Kind       MessageKind     `json:"kind"`
	From       string          `json:"from"`
	To         string          `json:"to"`
	Body       string          `json:"body"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Priority   types.Priority  `json:"priority"`
	Scope      Scope           `json:"scope"`
	Capability string          `json:"capability,omitempty"`
	// RequestID correlates a help reply with its request.
	RequestID  string    `json:"requestId,omitempty"`
	OriginHive string    `json:"originHive,omitempty"`
	TargetHive string    `json:"targetHive,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Decode unmarshals the payload into v.
func (m Message) Decode(v any) error {
	if len(m.Payload) == 0 {
		return types.NewValidationError("message %s has no payload", m.ID)
	}
	return json.Unmarshal(m.Payload, v)
}

// KnowledgeEntry is a piece of knowledge stored by a worker.
type KnowledgeEntry struct {
	Key        string          `json:"key"`
	Value      json.RawMessage `json:"value"`
	Owner      string          `json:"owner"`
	Shared     bool            `json:"shared"`
	Tags       []string        `json:"tags,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
	OriginHive string          `json:"originHive,omitempty"`
}

// StoreKey is the key the entry is stored under. Private entries are scoped
// to their owner so they never shadow shared knowledge.
func (e KnowledgeEntry) StoreKey() string {
	if e.Shared {
		return "shared:" + e.Key
	}
	return "private:" + e.Owner + ":" + e.Key
}

// Decode unmarshals the value into v.
func (e KnowledgeEntry) Decode(v any) error {
	return json.Unmarshal(e.Value, v)
}

func sharedKey(key string) string { return KnowledgeEntry{Key: key, Shared: true}.StoreKey() }

func privateKey(owner, key string) string { return KnowledgeEntry{Key: key, Owner: owner}.StoreKey() }

// BroadcastOptions configures Broadcast.
type BroadcastOptions struct {
	Scope    Scope
	Priority types.Priority
}

// ShareOptions configures ShareKnowledge.
type ShareOptions struct {
	Scope Scope
	Tags  []string
}

// LearnOptions configures LearnFromOthers.
type LearnOptions struct {
	Scope Scope
	// FromWorker restricts the lookup to entries owned by this worker.
	FromWorker string
}

// Colony carries bus traffic to peer hives. The federation gateway
// implements it.
type Colony interface {
	HiveID() string
	PublishMessage(ctx context.Context, msg Message) error
	PublishKnowledge(ctx context.Context, entry KnowledgeEntry) error
	// QueryKnowledge asks peers for a shared entry. It returns nil without
	// error when no peer knows the key.
	QueryKnowledge(ctx context.Context, key, fromWorker string) (*KnowledgeEntry, error)
}

// Stats counts bus traffic.
type Stats struct {
	Members       int   `json:"members"`
	Sent          int64 `json:"sent"`
	Broadcasts    int64 `json:"broadcasts"`
	Delivered     int64 `json:"delivered"`
	Dropped       int64 `json:"dropped"`
	RateLimited   int64 `json:"rateLimited"`
	HelpRequests  int64 `json:"helpRequests"`
	HelpAnswered  int64 `json:"helpAnswered"`
	KnowledgeHits int64 `json:"knowledgeHits"`
	KnowledgeMiss int64 `json:"knowledgeMisses"`
	ColonyErrors  int64 `json:"colonyErrors"`
}
