package federation

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/hivemind/bus"
	"github.com/BaSui01/hivemind/dispatcher"
	"github.com/BaSui01/hivemind/types"
)

// Config configures a Gateway.
type Config struct {
	HiveID   string
	Endpoint string
	// RemoteTaskTimeout bounds a forwarded task independently of local task
	// timeouts.
	RemoteTaskTimeout time.Duration
	DiscoveryTimeout  time.Duration
	QueryTimeout      time.Duration
	HeartbeatInterval time.Duration
	// StaleAfter marks a silent hive unreachable. Defaults to three
	// heartbeats.
	StaleAfter time.Duration
	// MaxFinishedTasks bounds how many terminal forwarded tasks stay
	// queryable through Task.
	MaxFinishedTasks int
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		HiveID:            "hive-local",
		RemoteTaskTimeout: 45 * time.Second,
		DiscoveryTimeout:  2 * time.Second,
		QueryTimeout:      2 * time.Second,
		HeartbeatInterval: 15 * time.Second,
		MaxFinishedTasks:  1000,
	}
}

// Local is the hive's own dispatcher. Tasks received from peers run here
// and are never forwarded again.
type Local interface {
	AssignTask(ctx context.Context, c dispatcher.Capability, payload any, opts dispatcher.AssignOptions) (*dispatcher.Handle, error)
	Capabilities() []dispatcher.Capability
	Workers() []dispatcher.Worker
}

// LocalBus receives bus traffic from peers.
type LocalBus interface {
	Deliver(ctx context.Context, msg bus.Message) error
	AcceptKnowledge(ctx context.Context, entry bus.KnowledgeEntry) error
	LookupShared(ctx context.Context, key, fromWorker string) (*bus.KnowledgeEntry, error)
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithBus routes peer messages and knowledge into the local bus.
func WithBus(b LocalBus) Option {
	return func(g *Gateway) { g.bus = b }
}

// WithFailureSink receives every forwarded task that fails, including
// remote timeouts.
func WithFailureSink(s dispatcher.FailureSink) Option {
	return func(g *Gateway) { g.sink = s }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(g *Gateway) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(g *Gateway) {
		if now != nil {
			g.now = now
		}
	}
}

type remoteTask struct {
	task    dispatcher.Task
	handle  *dispatcher.Handle
	timer   *time.Timer
	timeout time.Duration
}

// Stats summarizes federation activity.
type Stats struct {
	Hives           map[HiveStatus]int `json:"hives"`
	Standalone      bool               `json:"standalone"`
	Stale           bool               `json:"stale"`
	Forwarded       int64              `json:"forwarded"`
	RemoteCompleted int64              `json:"remoteCompleted"`
	RemoteFailed    int64              `json:"remoteFailed"`
	RemoteTimeouts  int64              `json:"remoteTimeouts"`
	Executed        int64              `json:"executed"`
}

// Gateway connects this hive to its peers over a Transport. Without a
// transport, or when subscribing fails, it runs standalone: local work is
// unaffected and remote operations report SERVICE_UNAVAILABLE.
type Gateway struct {
	cfg       Config
	transport Transport
	local     Local
	bus       LocalBus
	sink      dispatcher.FailureSink
	logger    *zap.Logger
	now       func() time.Time

	mu      sync.RWMutex
	hives   map[string]*Hive
	remote  map[string]*remoteTask
	// terminal forwarded tasks, oldest first in finishedOrder
	finished      map[string]dispatcher.Task
	finishedOrder []string
	queries map[string]chan *bus.KnowledgeEntry
	subs    []Subscription
	running bool
	stale   bool
	closed  bool

	stop chan struct{}
	wg   sync.WaitGroup

	forwarded       atomic.Int64
	remoteCompleted atomic.Int64
	remoteFailed    atomic.Int64
	remoteTimeouts  atomic.Int64
	executed        atomic.Int64
}

// New creates a gateway. transport may be nil.
func New(cfg Config, transport Transport, local Local, opts ...Option) *Gateway {
	def := DefaultConfig()
	if cfg.HiveID == "" {
		cfg.HiveID = def.HiveID
	}
	if cfg.RemoteTaskTimeout <= 0 {
		cfg.RemoteTaskTimeout = def.RemoteTaskTimeout
	}
	if cfg.DiscoveryTimeout <= 0 {
		cfg.DiscoveryTimeout = def.DiscoveryTimeout
	}
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = def.QueryTimeout
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = def.HeartbeatInterval
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 3 * cfg.HeartbeatInterval
	}
	if cfg.MaxFinishedTasks <= 0 {
		cfg.MaxFinishedTasks = def.MaxFinishedTasks
	}

	g := &Gateway{
		cfg:       cfg,
		transport: transport,
		local:     local,
		logger:    zap.NewNop(),
		now:       time.Now,
		hives:     make(map[string]*Hive),
		remote:    make(map[string]*remoteTask),
		finished:  make(map[string]dispatcher.Task),
		queries:   make(map[string]chan *bus.KnowledgeEntry),
		stop:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.logger = g.logger.With(zap.String("component", "federation"), zap.String("hive_id", cfg.HiveID))
	return g
}

// HiveID returns this hive's id.
func (g *Gateway) HiveID() string {
	return g.cfg.HiveID
}

// =============================================================================
// Lifecycle
// =============================================================================

// Start subscribes to the colony topics, announces this hive and starts the
// heartbeat. It only fails on a closed gateway; transport problems leave the
// gateway standalone.
func (g *Gateway) Start(ctx context.Context) error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return types.NewError(types.ErrServiceUnavailable, "federation gateway closed")
	}
	if g.running {
		g.mu.Unlock()
		return nil
	}
	if g.transport == nil {
		g.stale = true
		g.mu.Unlock()
		g.logger.Info("no federation transport, running standalone")
		return nil
	}
	g.mu.Unlock()

	all, err := g.transport.Subscribe(ctx, TopicAll, g.handle)
	if err != nil {
		g.standalone(err)
		return nil
	}
	direct, err := g.transport.Subscribe(ctx, TopicHive(g.cfg.HiveID), g.handle)
	if err != nil {
		_ = all.Unsubscribe()
		g.standalone(err)
		return nil
	}

	g.mu.Lock()
	g.subs = []Subscription{all, direct}
	g.running = true
	g.mu.Unlock()

	g.announce(ctx, "")
	if err := g.publish(ctx, EventDiscover, "", "", struct{}{}); err != nil {
		g.logger.Warn("initial discovery failed", zap.Error(err))
	}

	g.wg.Add(1)
	go g.heartbeatLoop(ctx)

	g.logger.Info("federation gateway started", zap.String("endpoint", g.cfg.Endpoint))
	return nil
}

func (g *Gateway) standalone(err error) {
	g.mu.Lock()
	g.stale = true
	g.mu.Unlock()
	g.logger.Warn("federation unavailable, running standalone", zap.Error(err))
}

// Running reports whether the gateway is connected to the colony.
func (g *Gateway) Running() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.running
}

// Close unsubscribes, fails outstanding forwarded tasks and waits for tasks
// received from peers to report back.
func (g *Gateway) Close(ctx context.Context) error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil
	}
	g.closed = true
	g.running = false
	subs := g.subs
	g.subs = nil
	pending := g.remote
	g.remote = make(map[string]*remoteTask)
	g.mu.Unlock()

	close(g.stop)
	for _, s := range subs {
		if err := s.Unsubscribe(); err != nil {
			g.logger.Warn("unsubscribe failed", zap.Error(err))
		}
	}
	for _, rt := range pending {
		rt.timer.Stop()
		g.finishRemote(rt, nil, &dispatcher.TaskError{
			Code:    types.ErrServiceUnavailable,
			Message: "federation gateway closed",
		})
	}

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (g *Gateway) heartbeatLoop(ctx context.Context) {
	defer g.wg.Done()
	ticker := time.NewTicker(g.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-g.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			beatCtx, cancel := context.WithTimeout(context.Background(), g.cfg.HeartbeatInterval)
			g.announce(beatCtx, "")
			cancel()
			g.sweep()
		}
	}
}

// sweep marks hives that stayed silent longer than StaleAfter unreachable.
func (g *Gateway) sweep() {
	cutoff := g.now().Add(-g.cfg.StaleAfter)
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, h := range g.hives {
		if h.Status != HiveUnreachable && h.LastSeen.Before(cutoff) {
			h.Status = HiveUnreachable
			g.logger.Warn("hive unreachable", zap.String("peer", h.ID), zap.Time("last_seen", h.LastSeen))
		}
	}
}

// =============================================================================
// Discovery
// =============================================================================

// DiscoverHives asks every peer to announce itself, waits for the discovery
// window and returns the registry. When the colony cannot be reached the
// registry is marked stale and the cached snapshot is returned.
func (g *Gateway) DiscoverHives(ctx context.Context) ([]Hive, error) {
	if !g.Running() {
		g.setStale(true)
		return g.Hives(), nil
	}
	if err := g.publish(ctx, EventDiscover, "", "", struct{}{}); err != nil {
		g.setStale(true)
		g.logger.Warn("hive discovery failed", zap.Error(err))
		return g.Hives(), nil
	}

	timer := time.NewTimer(g.cfg.DiscoveryTimeout)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
		return g.Hives(), ctx.Err()
	}
	g.setStale(false)
	return g.Hives(), nil
}

// Stale reports whether the last refresh of the registry failed.
func (g *Gateway) Stale() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.stale
}

func (g *Gateway) setStale(v bool) {
	g.mu.Lock()
	g.stale = v
	g.mu.Unlock()
}

// Hives returns the known peers ordered by id.
func (g *Gateway) Hives() []Hive {
	g.mu.RLock()
	out := make([]Hive, 0, len(g.hives))
	for _, h := range g.hives {
		out = append(out, cloneHive(h))
	}
	g.mu.RUnlock()
	sortHives(out)
	return out
}

// Hive returns one peer.
func (g *Gateway) Hive(id string) (Hive, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	h, ok := g.hives[id]
	if !ok {
		return Hive{}, types.NewNotFoundError("hive", id)
	}
	return cloneHive(h), nil
}

// FindHive picks a peer advertising c: reachable hives before degraded ones,
// then the most recently seen.
func (g *Gateway) FindHive(c dispatcher.Capability) (Hive, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var best *Hive
	for _, h := range g.hives {
		if h.Status == HiveUnreachable || !h.Can(c) {
			continue
		}
		if best == nil || better(h, best) {
			best = h
		}
	}
	if best == nil {
		return Hive{}, false
	}
	return cloneHive(best), true
}

func better(a, b *Hive) bool {
	if (a.Status == HiveReachable) != (b.Status == HiveReachable) {
		return a.Status == HiveReachable
	}
	if !a.LastSeen.Equal(b.LastSeen) {
		return a.LastSeen.After(b.LastSeen)
	}
	return a.ID < b.ID
}

// =============================================================================
// Forwarded tasks
// =============================================================================

// SendTaskToHive forwards a task to a peer and returns a handle with the same
// contract as a local task. If the peer does not answer within
// RemoteTaskTimeout the task fails with TIMEOUT and the hive is marked
// degraded.
func (g *Gateway) SendTaskToHive(ctx context.Context, hiveID string, capability dispatcher.Capability, payload any, opts dispatcher.AssignOptions) (*dispatcher.Handle, error) {
	if capability == "" {
		return nil, types.NewValidationError("capability is required")
	}
	raw, err := encodePayload(payload)
	if err != nil {
		return nil, err
	}

	g.mu.Lock()
	if !g.running {
		g.mu.Unlock()
		return nil, errStandalone()
	}
	h, ok := g.hives[hiveID]
	if !ok {
		g.mu.Unlock()
		return nil, types.NewNotFoundError("hive", hiveID)
	}
	if h.Status == HiveUnreachable {
		g.mu.Unlock()
		return nil, types.NewError(types.ErrServiceUnavailable, "hive "+hiveID+" is unreachable")
	}

	now := g.now()
	id := uuid.NewString()
	rt := &remoteTask{
		task: dispatcher.Task{
			ID:          id,
			Capability:  capability,
			Payload:     raw,
			Priority:    opts.Priority,
			Status:      dispatcher.TaskAssigned,
			RequesterID: opts.RequesterID,
			HiveID:      hiveID,
			CreatedAt:   now,
			AssignedAt:  now,
		},
		handle:  dispatcher.NewHandle(id),
		timeout: g.cfg.RemoteTaskTimeout,
	}
	rt.timer = time.AfterFunc(rt.timeout, func() { g.expireRemote(id) })
	g.remote[id] = rt
	g.mu.Unlock()

	err = g.publish(ctx, EventTaskForward, hiveID, id, TaskForward{
		TaskID:      id,
		Capability:  capability,
		Payload:     raw,
		Priority:    opts.Priority,
		RequesterID: opts.RequesterID,
		TimeoutMs:   rt.timeout.Milliseconds(),
	})
	if err != nil {
		g.mu.Lock()
		delete(g.remote, id)
		if h, ok := g.hives[hiveID]; ok && h.Status == HiveReachable {
			h.Status = HiveDegraded
		}
		g.mu.Unlock()
		rt.timer.Stop()
		return nil, types.NewError(types.ErrServiceUnavailable, "forward to hive "+hiveID+" failed").WithCause(err)
	}

	g.forwarded.Add(1)
	g.logger.Debug("task forwarded",
		zap.String("task_id", id),
		zap.String("peer", hiveID),
		zap.String("capability", string(capability)),
	)
	return rt.handle, nil
}

func (g *Gateway) expireRemote(id string) {
	g.mu.Lock()
	rt, ok := g.remote[id]
	if !ok {
		g.mu.Unlock()
		return
	}
	delete(g.remote, id)
	if h, ok := g.hives[rt.task.HiveID]; ok {
		h.Timeouts++
		if h.Status == HiveReachable {
			h.Status = HiveDegraded
		}
	}
	g.mu.Unlock()

	g.remoteTimeouts.Add(1)
	g.logger.Warn("forwarded task timed out, hive degraded",
		zap.String("task_id", id),
		zap.String("peer", rt.task.HiveID),
		zap.Duration("timeout", rt.timeout),
	)
	g.finishRemote(rt, nil, &dispatcher.TaskError{
		Code:    types.ErrTimeout,
		Message: fmt.Sprintf("hive %s did not answer within %s", rt.task.HiveID, rt.timeout),
	})
}

// finishRemote resolves a forwarded task. A nil terr with a nil result means
// the remote task supplies the outcome.
func (g *Gateway) finishRemote(rt *remoteTask, remote *dispatcher.Task, terr *dispatcher.TaskError) {
	t := rt.task
	t.CompletedAt = g.now()
	switch {
	case terr != nil:
		t.Status = dispatcher.TaskFailed
		t.Error = terr
	case remote.Status == dispatcher.TaskCompleted:
		t.Status = dispatcher.TaskCompleted
		t.Result = remote.Result
		t.AssignedWorkerID = remote.AssignedWorkerID
	default:
		t.Status = dispatcher.TaskFailed
		t.AssignedWorkerID = remote.AssignedWorkerID
		t.Error = remote.Error
		if t.Error == nil {
			t.Error = &dispatcher.TaskError{Code: types.ErrTaskFailed, Message: "remote task failed"}
		}
	}

	// retire first so the task is queryable by the time a waiter wakes
	g.retire(t)
	if !rt.handle.Resolve(t) {
		return
	}
	if t.Status == dispatcher.TaskCompleted {
		g.remoteCompleted.Add(1)
		return
	}
	g.remoteFailed.Add(1)
	g.reportFailure(t)
}

func (g *Gateway) retire(t dispatcher.Task) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.finished[t.ID] = t
	g.finishedOrder = append(g.finishedOrder, t.ID)
	if over := len(g.finishedOrder) - g.cfg.MaxFinishedTasks; over > 0 {
		for _, id := range g.finishedOrder[:over] {
			delete(g.finished, id)
		}
		g.finishedOrder = append([]string(nil), g.finishedOrder[over:]...)
	}
}

// Task returns a snapshot of a task forwarded to a peer: in flight while the
// peer works on it, terminal afterwards.
func (g *Gateway) Task(id string) (dispatcher.Task, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if rt, ok := g.remote[id]; ok {
		return snapshotTask(rt.task), nil
	}
	if t, ok := g.finished[id]; ok {
		return snapshotTask(t), nil
	}
	return dispatcher.Task{}, types.NewNotFoundError("task", id)
}

func snapshotTask(t dispatcher.Task) dispatcher.Task {
	if t.Payload != nil {
		t.Payload = append(json.RawMessage(nil), t.Payload...)
	}
	if t.Error != nil {
		e := *t.Error
		t.Error = &e
	}
	return t
}

func (g *Gateway) reportFailure(t dispatcher.Task) {
	if g.sink == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			g.logger.Error("failure sink panicked", zap.String("task_id", t.ID), zap.Any("recover", r))
		}
	}()
	g.sink.TaskFailed(context.Background(), t)
}

// =============================================================================
// Colony
// =============================================================================

// PublishMessage sends a bus message to one hive when TargetHive is set,
// otherwise to all of them.
func (g *Gateway) PublishMessage(ctx context.Context, msg bus.Message) error {
	if !g.Running() {
		return errStandalone()
	}
	return g.publish(ctx, EventMessage, msg.TargetHive, msg.ID, msg)
}

// PublishKnowledge shares an entry with every hive.
func (g *Gateway) PublishKnowledge(ctx context.Context, entry bus.KnowledgeEntry) error {
	if !g.Running() {
		return errStandalone()
	}
	return g.publish(ctx, EventKnowledgeShare, "", "", entry)
}

// QueryKnowledge asks every live peer for key and returns the first entry
// found. It gives up after QueryTimeout or once every peer said no.
func (g *Gateway) QueryKnowledge(ctx context.Context, key, fromWorker string) (*bus.KnowledgeEntry, error) {
	g.mu.Lock()
	if !g.running {
		g.mu.Unlock()
		return nil, errStandalone()
	}
	peers := 0
	for _, h := range g.hives {
		if h.Status != HiveUnreachable {
			peers++
		}
	}
	if peers == 0 {
		g.mu.Unlock()
		return nil, nil
	}
	corr := uuid.NewString()
	replies := make(chan *bus.KnowledgeEntry, peers)
	g.queries[corr] = replies
	g.mu.Unlock()

	defer func() {
		g.mu.Lock()
		delete(g.queries, corr)
		g.mu.Unlock()
	}()

	if err := g.publish(ctx, EventKnowledgeQuery, "", corr, KnowledgeQuery{Key: key, FromWorker: fromWorker}); err != nil {
		return nil, err
	}

	timer := time.NewTimer(g.cfg.QueryTimeout)
	defer timer.Stop()
	answered := 0
	for {
		select {
		case e := <-replies:
			if e != nil {
				return e, nil
			}
			answered++
			if answered >= peers {
				return nil, nil
			}
		case <-timer.C:
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// =============================================================================
// Incoming traffic
// =============================================================================

func (g *Gateway) handle(ctx context.Context, data []byte) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		g.logger.Warn("malformed envelope dropped", zap.Error(err))
		return
	}
	if env.FromHive == g.cfg.HiveID || (env.ToHive != "" && env.ToHive != g.cfg.HiveID) {
		return
	}
	g.touch(env.FromHive)

	var err error
	switch env.Event {
	case EventAnnounce:
		err = g.onAnnounce(env)
	case EventDiscover:
		g.announce(ctx, env.FromHive)
	case EventTaskForward:
		err = g.onTaskForward(env)
	case EventTaskResult:
		err = g.onTaskResult(env)
	case EventMessage:
		err = g.onMessage(ctx, env)
	case EventKnowledgeShare:
		err = g.onKnowledgeShare(ctx, env)
	case EventKnowledgeQuery:
		err = g.onKnowledgeQuery(ctx, env)
	case EventKnowledgeReply:
		err = g.onKnowledgeReply(env)
	default:
		g.logger.Debug("unknown federation event", zap.String("event", string(env.Event)))
	}
	if err != nil {
		g.logger.Warn("federation event failed",
			zap.String("event", string(env.Event)),
			zap.String("peer", env.FromHive),
			zap.Error(err),
		)
	}
}

// touch refreshes a known hive. Traffic lifts unreachable; degraded waits
// for an announcement.
func (g *Gateway) touch(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if h, ok := g.hives[id]; ok {
		h.LastSeen = g.now()
		if h.Status == HiveUnreachable {
			h.Status = HiveReachable
		}
	}
}

func (g *Gateway) onAnnounce(env Envelope) error {
	var a Announcement
	if err := env.decode(&a); err != nil {
		return err
	}
	if a.HiveID == "" {
		a.HiveID = env.FromHive
	}

	g.mu.Lock()
	h, known := g.hives[a.HiveID]
	if !known {
		h = &Hive{ID: a.HiveID, Status: HiveReachable}
		g.hives[a.HiveID] = h
	}
	h.Endpoint = a.Endpoint
	h.Capabilities = append([]dispatcher.Capability(nil), a.Capabilities...)
	h.Workers = a.Workers
	h.LastSeen = g.now()
	recovered := h.Status == HiveDegraded
	// an announcement is a full liveness proof, so it also lifts degradation
	h.Status = HiveReachable
	g.mu.Unlock()

	if recovered {
		g.logger.Info("hive recovered", zap.String("peer", a.HiveID))
	}

	if !known {
		g.logger.Info("hive joined",
			zap.String("peer", a.HiveID),
			zap.Any("capabilities", a.Capabilities),
		)
	}
	return nil
}

func (g *Gateway) announce(ctx context.Context, to string) {
	a := Announcement{HiveID: g.cfg.HiveID, Endpoint: g.cfg.Endpoint}
	if g.local != nil {
		a.Capabilities = g.local.Capabilities()
		a.Workers = len(g.local.Workers())
	}
	if err := g.publish(ctx, EventAnnounce, to, "", a); err != nil {
		g.logger.Warn("announce failed", zap.Error(err))
	}
}

func (g *Gateway) onTaskForward(env Envelope) error {
	var fwd TaskForward
	if err := env.decode(&fwd); err != nil {
		return err
	}
	g.mu.RLock()
	closed := g.closed
	g.mu.RUnlock()
	if closed || g.local == nil {
		return types.NewError(types.ErrServiceUnavailable, "cannot run forwarded task "+fwd.TaskID)
	}

	g.wg.Add(1)
	go g.execute(env.FromHive, env.CorrelationID, fwd)
	return nil
}

// execute runs a peer's task on the local dispatcher and publishes the
// terminal task back.
func (g *Gateway) execute(from, correlationID string, fwd TaskForward) {
	defer g.wg.Done()

	timeout := time.Duration(fwd.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = g.cfg.RemoteTaskTimeout
	}
	requester := fwd.RequesterID
	if requester == "" {
		requester = "hive:" + from
	}

	var result dispatcher.Task
	h, err := g.local.AssignTask(context.Background(), fwd.Capability, fwd.Payload, dispatcher.AssignOptions{
		Priority:    fwd.Priority,
		RequesterID: requester,
		Timeout:     timeout,
	})
	if err == nil {
		select {
		case <-h.Done():
			result, _ = h.Result()
		case <-g.stop:
			err = types.NewError(types.ErrServiceUnavailable, "hive "+g.cfg.HiveID+" shutting down")
		}
	}
	if err != nil {
		now := g.now()
		result = dispatcher.Task{
			ID:          fwd.TaskID,
			Capability:  fwd.Capability,
			Payload:     fwd.Payload,
			Priority:    fwd.Priority,
			Status:      dispatcher.TaskFailed,
			Error:       dispatcher.NewTaskError(err),
			RequesterID: requester,
			CreatedAt:   now,
			CompletedAt: now,
		}
	}
	result.HiveID = g.cfg.HiveID
	g.executed.Add(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := g.publish(ctx, EventTaskResult, from, correlationID, TaskResult{Task: result}); err != nil {
		g.logger.Warn("publishing task result failed",
			zap.String("task_id", fwd.TaskID),
			zap.String("peer", from),
			zap.Error(err),
		)
	}
}

func (g *Gateway) onTaskResult(env Envelope) error {
	var res TaskResult
	if err := env.decode(&res); err != nil {
		return err
	}

	g.mu.Lock()
	rt, ok := g.remote[env.CorrelationID]
	if ok {
		delete(g.remote, env.CorrelationID)
		if h, known := g.hives[env.FromHive]; known {
			h.Status = HiveReachable
		}
	}
	g.mu.Unlock()
	if !ok {
		g.logger.Debug("late task result discarded",
			zap.String("task_id", env.CorrelationID),
			zap.String("peer", env.FromHive),
		)
		return nil
	}

	rt.timer.Stop()
	g.finishRemote(rt, &res.Task, nil)
	return nil
}

func (g *Gateway) onMessage(ctx context.Context, env Envelope) error {
	if g.bus == nil {
		return nil
	}
	var msg bus.Message
	if err := env.decode(&msg); err != nil {
		return err
	}
	return g.bus.Deliver(ctx, msg)
}

func (g *Gateway) onKnowledgeShare(ctx context.Context, env Envelope) error {
	if g.bus == nil {
		return nil
	}
	var entry bus.KnowledgeEntry
	if err := env.decode(&entry); err != nil {
		return err
	}
	if entry.OriginHive == "" {
		entry.OriginHive = env.FromHive
	}
	return g.bus.AcceptKnowledge(ctx, entry)
}

func (g *Gateway) onKnowledgeQuery(ctx context.Context, env Envelope) error {
	var q KnowledgeQuery
	if err := env.decode(&q); err != nil {
		return err
	}
	var reply KnowledgeReply
	if g.bus != nil {
		e, err := g.bus.LookupShared(ctx, q.Key, q.FromWorker)
		if err != nil {
			g.logger.Warn("knowledge lookup failed", zap.String("key", q.Key), zap.Error(err))
		}
		if e != nil && e.OriginHive == "" {
			e.OriginHive = g.cfg.HiveID
		}
		reply.Entry = e
	}
	return g.publish(ctx, EventKnowledgeReply, env.FromHive, env.CorrelationID, reply)
}

func (g *Gateway) onKnowledgeReply(env Envelope) error {
	var reply KnowledgeReply
	if err := env.decode(&reply); err != nil {
		return err
	}
	g.mu.RLock()
	ch, ok := g.queries[env.CorrelationID]
	g.mu.RUnlock()
	if !ok {
		return nil
	}
	select {
	case ch <- reply.Entry:
	default:
	}
	return nil
}

// =============================================================================
// Helpers
// =============================================================================

func (g *Gateway) publish(ctx context.Context, event Event, to, correlationID string, data any) error {
	if g.transport == nil {
		return errStandalone()
	}
	raw, err := newEnvelope(event, g.cfg.HiveID, to, correlationID, data, g.now())
	if err != nil {
		return err
	}
	topic := TopicAll
	if to != "" {
		topic = TopicHive(to)
	}
	return g.transport.Publish(ctx, topic, raw)
}

// Stats returns federation counters.
func (g *Gateway) Stats() Stats {
	g.mu.RLock()
	s := Stats{
		Hives:      make(map[HiveStatus]int),
		Standalone: !g.running,
		Stale:      g.stale,
	}
	for _, h := range g.hives {
		s.Hives[h.Status]++
	}
	g.mu.RUnlock()

	s.Forwarded = g.forwarded.Load()
	s.RemoteCompleted = g.remoteCompleted.Load()
	s.RemoteFailed = g.remoteFailed.Load()
	s.RemoteTimeouts = g.remoteTimeouts.Load()
	s.Executed = g.executed.Load()
	return s
}

func encodePayload(v any) (json.RawMessage, error) {
	switch p := v.(type) {
	case nil:
		return json.RawMessage(`{}`), nil
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

func errStandalone() error {
	return types.NewError(types.ErrServiceUnavailable, "federation not connected")
}
