package bus

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/BaSui01/hivemind/internal/channel"
	"github.com/BaSui01/hivemind/types"
)

// Config configures a Bus.
type Config struct {
	InboxSize    int
	MaxInboxSize int
	// BroadcastRPS limits broadcasts per sender. Zero disables the limit.
	BroadcastRPS   float64
	BroadcastBurst int
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		InboxSize:      64,
		MaxInboxSize:   4096,
		BroadcastRPS:   50,
		BroadcastBurst: 100,
	}
}

// Option configures a Bus.
type Option func(*Bus)

// WithStore replaces the in-memory knowledge store.
func WithStore(s KnowledgeStore) Option {
	return func(b *Bus) {
		if s != nil {
			b.store = s
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(b *Bus) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithClock overrides time.Now for timestamps.
func WithClock(now func() time.Time) Option {
	return func(b *Bus) {
		if now != nil {
			b.now = now
		}
	}
}

type helpWait struct {
	from  string
	reply chan Message
}

// Bus connects the workers of one hive: direct and broadcast messages,
// shared knowledge, and help requests. With a Colony attached, colony
// scoped traffic also reaches peer hives.
type Bus struct {
	cfg         Config
	store       KnowledgeStore
	logger      *zap.Logger
	now         func() time.Time
	helpTimeout time.Duration
	queries     singleflight.Group

	mu       sync.RWMutex
	inboxes  map[string]*channel.Mailbox[Message]
	limiters map[string]*rate.Limiter
	help     map[string]*helpWait
	colony   Colony
	closed   bool
	done     chan struct{}

	sent          atomic.Int64
	broadcasts    atomic.Int64
	delivered     atomic.Int64
	dropped       atomic.Int64
	rateLimited   atomic.Int64
	helpRequests  atomic.Int64
	helpAnswered  atomic.Int64
	knowledgeHits atomic.Int64
	knowledgeMiss atomic.Int64
	colonyErrors  atomic.Int64
}

// New creates a bus.
func New(cfg Config, opts ...Option) *Bus {
	def := DefaultConfig()
	if cfg.InboxSize <= 0 {
		cfg.InboxSize = def.InboxSize
	}
	if cfg.MaxInboxSize < cfg.InboxSize {
		cfg.MaxInboxSize = cfg.InboxSize
	}
	if cfg.BroadcastRPS > 0 && cfg.BroadcastBurst <= 0 {
		cfg.BroadcastBurst = 1
	}

	b := &Bus{
		cfg:         cfg,
		store:       NewMemoryKnowledgeStore(0),
		logger:      zap.NewNop(),
		now:         time.Now,
		helpTimeout: HelpTimeout,
		inboxes:     make(map[string]*channel.Mailbox[Message]),
		limiters:    make(map[string]*rate.Limiter),
		help:        make(map[string]*helpWait),
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.With(zap.String("component", "message_bus"))
	return b
}

// Attach connects the bus to peer hives. A nil colony detaches.
func (b *Bus) Attach(c Colony) {
	b.mu.Lock()
	b.colony = c
	b.mu.Unlock()
}

func (b *Bus) attached() Colony {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.colony
}

func (b *Bus) hiveID() string {
	if c := b.attached(); c != nil {
		return c.HiveID()
	}
	return ""
}

// =============================================================================
// Membership
// =============================================================================

// Join gives a worker an inbox. Joining twice keeps the existing inbox.
func (b *Bus) Join(workerID string) error {
	if workerID == "" || workerID == BroadcastAddress {
		return types.NewValidationError("invalid worker id %q", workerID)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return errClosed()
	}
	if _, ok := b.inboxes[workerID]; !ok {
		b.inboxes[workerID] = channel.NewMailbox[Message](channel.Config{
			InitialSize: b.cfg.InboxSize,
			MaxSize:     b.cfg.MaxInboxSize,
		})
	}
	return nil
}

// Leave closes the worker's inbox. Queued messages can still be received.
func (b *Bus) Leave(workerID string) {
	b.mu.Lock()
	box, ok := b.inboxes[workerID]
	delete(b.inboxes, workerID)
	delete(b.limiters, workerID)
	b.mu.Unlock()
	if ok {
		box.Close()
	}
}

// Inbox returns the worker's mailbox.
func (b *Bus) Inbox(workerID string) (*channel.Mailbox[Message], error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	box, ok := b.inboxes[workerID]
	if !ok {
		return nil, types.NewNotFoundError("worker", workerID)
	}
	return box, nil
}

// Members returns the joined worker ids in order.
func (b *Bus) Members() []string {
	b.mu.RLock()
	out := make([]string, 0, len(b.inboxes))
	for id := range b.inboxes {
		out = append(out, id)
	}
	b.mu.RUnlock()
	sort.Strings(out)
	return out
}

// =============================================================================
// Messaging
// =============================================================================

// SendMessage delivers a message to one worker, or to every other worker when
// to is BroadcastAddress.
func (b *Bus) SendMessage(ctx context.Context, from, to, body string, payload any, priority types.Priority) (Message, error) {
	if to == BroadcastAddress {
		return b.Broadcast(ctx, from, body, payload, BroadcastOptions{Scope: ScopeLocal, Priority: priority})
	}
	if from == "" || to == "" {
		return Message{}, types.NewValidationError("sender and recipient are required")
	}
	raw, err := encode(payload)
	if err != nil {
		return Message{}, err
	}
	if err := checkPriority(priority); err != nil {
		return Message{}, err
	}

	box, err := b.Inbox(to)
	if err != nil {
		return Message{}, err
	}
	msg := b.newMessage(KindMessage, from, to, body, raw, priority, ScopeLocal)
	b.sent.Add(1)
	b.put(box, msg)
	return msg, nil
}

// Broadcast fans a message out to every local worker except the sender.
// Colony scope also publishes it to peer hives; a colony failure is logged,
// never returned.
func (b *Bus) Broadcast(ctx context.Context, from, body string, payload any, opts BroadcastOptions) (Message, error) {
	if from == "" {
		return Message{}, types.NewValidationError("sender is required")
	}
	scope, err := normalizeScope(opts.Scope)
	if err != nil {
		return Message{}, err
	}
	if err := checkPriority(opts.Priority); err != nil {
		return Message{}, err
	}
	raw, err := encode(payload)
	if err != nil {
		return Message{}, err
	}
	if !b.allow(from) {
		b.rateLimited.Add(1)
		return Message{}, types.NewError(types.ErrRateLimited, "broadcast rate exceeded for "+from).WithRetryable(true)
	}

	msg := b.newMessage(KindMessage, from, BroadcastAddress, body, raw, opts.Priority, scope)
	b.broadcasts.Add(1)
	b.fanOut(msg, from)
	if scope == ScopeColony {
		b.publish(ctx, msg)
	}
	return msg, nil
}

// Deliver hands a message received from a peer hive to local workers.
func (b *Bus) Deliver(_ context.Context, msg Message) error {
	switch {
	case msg.Kind == KindHelpReply:
		if !b.resolveHelp(msg) {
			b.logger.Debug("unmatched help reply", zap.String("request_id", msg.RequestID))
		}
		return nil
	case msg.To == BroadcastAddress:
		b.fanOut(msg, "")
		return nil
	default:
		box, err := b.Inbox(msg.To)
		if err != nil {
			return err
		}
		b.put(box, msg)
		return nil
	}
}

func (b *Bus) fanOut(msg Message, exclude string) {
	b.mu.RLock()
	boxes := make([]*channel.Mailbox[Message], 0, len(b.inboxes))
	for id, box := range b.inboxes {
		if id != exclude {
			boxes = append(boxes, box)
		}
	}
	b.mu.RUnlock()

	for _, box := range boxes {
		b.put(box, msg)
	}
}

func (b *Bus) put(box *channel.Mailbox[Message], msg Message) {
	if box.Put(msg) {
		b.delivered.Add(1)
		return
	}
	b.dropped.Add(1)
	b.logger.Warn("message dropped",
		zap.String("message_id", msg.ID),
		zap.String("to", msg.To),
	)
}

func (b *Bus) publish(ctx context.Context, msg Message) {
	c := b.attached()
	if c == nil {
		return
	}
	if err := c.PublishMessage(ctx, msg); err != nil {
		b.colonyErrors.Add(1)
		b.logger.Warn("colony publish failed", zap.String("message_id", msg.ID), zap.Error(err))
	}
}

func (b *Bus) allow(from string) bool {
	if b.cfg.BroadcastRPS <= 0 {
		return true
	}
	b.mu.Lock()
	l, ok := b.limiters[from]
	if !ok {
		l = rate.NewLimiter(rate.Limit(b.cfg.BroadcastRPS), b.cfg.BroadcastBurst)
		b.limiters[from] = l
	}
	b.mu.Unlock()
	return l.Allow()
}

func (b *Bus) newMessage(kind MessageKind, from, to, body string, payload json.RawMessage, p types.Priority, scope Scope) Message {
	return Message{
		ID:         uuid.NewString(),
		Kind:       kind,
		From:       from,
		To:         to,
		Body:       body,
		Payload:    payload,
		Priority:   p,
		Scope:      scope,
		OriginHive: b.hiveID(),
		Timestamp:  b.now(),
	}
}

// =============================================================================
// Help requests
// =============================================================================

// AskForHelp broadcasts an urgent help request colony-wide and waits up to
// HelpTimeout for the first reply. It returns nil without error when nobody
// answers in time.
func (b *Bus) AskForHelp(ctx context.Context, from, capability, problem string, payload any) (*Message, error) {
	if from == "" || problem == "" {
		return nil, types.NewValidationError("sender and problem are required")
	}
	raw, err := encode(payload)
	if err != nil {
		return nil, err
	}

	req := b.newMessage(KindHelpRequest, from, BroadcastAddress, problem, raw, types.PriorityUrgent, ScopeColony)
	req.Capability = capability
	req.RequestID = req.ID
	wait := &helpWait{from: from, reply: make(chan Message, 1)}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, errClosed()
	}
	b.help[req.RequestID] = wait
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		delete(b.help, req.RequestID)
		b.mu.Unlock()
	}()

	b.helpRequests.Add(1)
	b.fanOut(req, from)
	b.publish(ctx, req)

	timer := time.NewTimer(b.helpTimeout)
	defer timer.Stop()
	select {
	case reply := <-wait.reply:
		return &reply, nil
	case <-timer.C:
		b.logger.Info("help request unanswered",
			zap.String("request_id", req.RequestID),
			zap.String("from", from),
			zap.String("capability", capability),
		)
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-b.done:
		return nil, errClosed()
	}
}

// ReplyToHelp answers a help request. Requests from another hive are routed
// back over the colony. Only the first reply resolves a request; later ones
// get NOT_FOUND.
func (b *Bus) ReplyToHelp(ctx context.Context, responder string, request Message, answer any) error {
	if responder == "" {
		return types.NewValidationError("responder is required")
	}
	if request.Kind != KindHelpRequest || request.RequestID == "" {
		return types.NewValidationError("message %s is not a help request", request.ID)
	}
	raw, err := encode(answer)
	if err != nil {
		return err
	}

	reply := b.newMessage(KindHelpReply, responder, request.From, "", raw, types.PriorityUrgent, ScopeLocal)
	reply.RequestID = request.RequestID

	if local := b.hiveID(); request.OriginHive == "" || request.OriginHive == local {
		if !b.resolveHelp(reply) {
			return types.NewNotFoundError("help request", request.RequestID)
		}
		return nil
	}

	c := b.attached()
	if c == nil {
		return types.NewError(types.ErrServiceUnavailable, "no colony attached to reach hive "+request.OriginHive)
	}
	reply.Scope = ScopeColony
	reply.TargetHive = request.OriginHive
	if err := c.PublishMessage(ctx, reply); err != nil {
		b.colonyErrors.Add(1)
		return types.WrapError(err, types.ErrServiceUnavailable)
	}
	return nil
}

func (b *Bus) resolveHelp(reply Message) bool {
	b.mu.Lock()
	w, ok := b.help[reply.RequestID]
	if ok && w.from == reply.To {
		delete(b.help, reply.RequestID)
	} else {
		ok = false
	}
	b.mu.Unlock()
	if !ok {
		return false
	}
	w.reply <- reply
	b.helpAnswered.Add(1)
	return true
}

// =============================================================================
// Knowledge
// =============================================================================

// ShareKnowledge stores a shared entry. Colony scope also publishes it to
// peer hives.
func (b *Bus) ShareKnowledge(ctx context.Context, from, key string, value any, opts ShareOptions) (KnowledgeEntry, error) {
	if from == "" || key == "" {
		return KnowledgeEntry{}, types.NewValidationError("owner and key are required")
	}
	scope, err := normalizeScope(opts.Scope)
	if err != nil {
		return KnowledgeEntry{}, err
	}
	raw, err := encode(value)
	if err != nil {
		return KnowledgeEntry{}, err
	}

	entry := KnowledgeEntry{
		Key:        key,
		Value:      raw,
		Owner:      from,
		Shared:     true,
		Tags:       dedupe(opts.Tags),
		Timestamp:  b.now(),
		OriginHive: b.hiveID(),
	}
	if err := b.store.Put(ctx, entry); err != nil {
		return KnowledgeEntry{}, err
	}
	if scope == ScopeColony {
		if c := b.attached(); c != nil {
			if err := c.PublishKnowledge(ctx, entry); err != nil {
				b.colonyErrors.Add(1)
				b.logger.Warn("colony knowledge publish failed", zap.String("key", key), zap.Error(err))
			}
		}
	}
	return entry, nil
}

// Remember stores a private entry only its owner can recall.
func (b *Bus) Remember(ctx context.Context, worker, key string, value any) (KnowledgeEntry, error) {
	if worker == "" || key == "" {
		return KnowledgeEntry{}, types.NewValidationError("owner and key are required")
	}
	raw, err := encode(value)
	if err != nil {
		return KnowledgeEntry{}, err
	}
	entry := KnowledgeEntry{Key: key, Value: raw, Owner: worker, Timestamp: b.now()}
	if err := b.store.Put(ctx, entry); err != nil {
		return KnowledgeEntry{}, err
	}
	return entry, nil
}

// Recall returns a worker's private entry, or nil.
func (b *Bus) Recall(ctx context.Context, worker, key string) (*KnowledgeEntry, error) {
	return b.store.Get(ctx, privateKey(worker, key))
}

// LearnFromOthers looks up shared knowledge in the local store. On a miss
// with colony scope it queries peer hives, one query per key at a time, and
// caches a hit locally. A total miss or a colony failure yields nil without
// error.
func (b *Bus) LearnFromOthers(ctx context.Context, worker, key string, opts LearnOptions) (*KnowledgeEntry, error) {
	if worker == "" || key == "" {
		return nil, types.NewValidationError("worker and key are required")
	}
	local, err := b.LookupShared(ctx, key, opts.FromWorker)
	if err != nil {
		return nil, err
	}
	if local != nil {
		b.knowledgeHits.Add(1)
		return local, nil
	}

	c := b.attached()
	if opts.Scope != ScopeColony || c == nil {
		b.knowledgeMiss.Add(1)
		return nil, nil
	}

	v, err, _ := b.queries.Do(key+"\x00"+opts.FromWorker, func() (any, error) {
		found, err := c.QueryKnowledge(ctx, key, opts.FromWorker)
		if err != nil || found == nil {
			return found, err
		}
		entry := cloneEntry(*found)
		entry.Shared = true
		b.cacheRemote(ctx, entry)
		return &entry, nil
	})
	if err != nil {
		b.colonyErrors.Add(1)
		b.knowledgeMiss.Add(1)
		b.logger.Warn("colony knowledge query failed", zap.String("key", key), zap.Error(err))
		return nil, nil
	}
	found, _ := v.(*KnowledgeEntry)
	if found == nil {
		b.knowledgeMiss.Add(1)
		return nil, nil
	}

	entry := cloneEntry(*found)
	b.knowledgeHits.Add(1)
	return &entry, nil
}

// cacheRemote writes a peer's entry through unless local knowledge already
// holds the key.
func (b *Bus) cacheRemote(ctx context.Context, entry KnowledgeEntry) {
	existing, err := b.store.Get(ctx, entry.StoreKey())
	if err == nil && existing == nil {
		err = b.store.Put(ctx, entry)
	}
	if err != nil {
		b.logger.Warn("caching remote knowledge failed", zap.String("key", entry.Key), zap.Error(err))
	}
}

// LookupShared returns a shared entry from the local store only, optionally
// restricted to one owner.
func (b *Bus) LookupShared(ctx context.Context, key, fromWorker string) (*KnowledgeEntry, error) {
	e, err := b.store.Get(ctx, sharedKey(key))
	if err != nil || e == nil {
		return nil, err
	}
	if fromWorker != "" && e.Owner != fromWorker {
		return nil, nil
	}
	return e, nil
}

// AcceptKnowledge stores an entry shared by a peer hive.
func (b *Bus) AcceptKnowledge(ctx context.Context, entry KnowledgeEntry) error {
	if entry.Key == "" {
		return types.NewValidationError("knowledge key is required")
	}
	entry.Shared = true
	return b.store.Put(ctx, entry)
}

// KnowledgeByTag lists shared entries carrying tag, newest first.
func (b *Bus) KnowledgeByTag(ctx context.Context, tag string) ([]KnowledgeEntry, error) {
	if tag == "" {
		return nil, types.NewValidationError("tag is required")
	}
	return b.store.ByTag(ctx, tag)
}

// =============================================================================
// Lifecycle
// =============================================================================

// Stats returns traffic counters.
func (b *Bus) Stats() Stats {
	b.mu.RLock()
	members := len(b.inboxes)
	b.mu.RUnlock()
	return Stats{
		Members:       members,
		Sent:          b.sent.Load(),
		Broadcasts:    b.broadcasts.Load(),
		Delivered:     b.delivered.Load(),
		Dropped:       b.dropped.Load(),
		RateLimited:   b.rateLimited.Load(),
		HelpRequests:  b.helpRequests.Load(),
		HelpAnswered:  b.helpAnswered.Load(),
		KnowledgeHits: b.knowledgeHits.Load(),
		KnowledgeMiss: b.knowledgeMiss.Load(),
		ColonyErrors:  b.colonyErrors.Load(),
	}
}

// Close closes every inbox and releases pending help requests.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	close(b.done)
	boxes := b.inboxes
	b.inboxes = make(map[string]*channel.Mailbox[Message])
	b.mu.Unlock()

	for _, box := range boxes {
		box.Close()
	}
}

// =============================================================================
// Helpers
// =============================================================================

func encode(v any) (json.RawMessage, error) {
	switch p := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		if !json.Valid(p) {
			return nil, types.NewValidationError("payload is not valid JSON")
		}
		return p, nil
	case []byte:
		if !json.Valid(p) {
			return nil, types.NewValidationError("payload is not valid JSON")
		}
		return json.RawMessage(p), nil
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, types.NewValidationError("payload cannot be encoded: %v", err)
		}
		return raw, nil
	}
}

func normalizeScope(s Scope) (Scope, error) {
	switch s {
	case "":
		return ScopeLocal, nil
	case ScopeLocal, ScopeColony:
		return s, nil
	default:
		return "", types.NewValidationError("unknown scope %q", s)
	}
}

func checkPriority(p types.Priority) error {
	if p < types.PriorityLow || p > types.PriorityUrgent {
		return types.NewValidationError("invalid priority %d", int(p))
	}
	return nil
}

func dedupe(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func errClosed() error {
	return types.NewError(types.ErrServiceUnavailable, "message bus closed")
}
