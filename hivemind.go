// Package hivemind wires the dispatcher, message bus, federation gateway,
// circuit breaker and pattern miner into one Orchestrator per process.
//
// Usage:
//
//	cfg, _ := config.NewLoader().WithConfigPath("hivemind.yaml").Load()
//	o, err := hivemind.New(cfg, hivemind.WithLogger(logger))
//	if err != nil { ... }
//	if err := o.Start(ctx); err != nil { ... }
//	defer o.Close(context.Background())
//
//	h, err := o.AssignTask(ctx, dispatcher.CapabilityChat, dispatcher.ChatPayload{Prompt: "hi"}, dispatcher.AssignOptions{})
//	task, err := h.Wait(ctx)
package hivemind

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/BaSui01/hivemind/breaker"
	"github.com/BaSui01/hivemind/bus"
	"github.com/BaSui01/hivemind/config"
	"github.com/BaSui01/hivemind/dispatcher"
	"github.com/BaSui01/hivemind/federation"
	"github.com/BaSui01/hivemind/internal/cache"
	"github.com/BaSui01/hivemind/internal/database"
	"github.com/BaSui01/hivemind/internal/metrics"
	"github.com/BaSui01/hivemind/internal/telemetry"
	"github.com/BaSui01/hivemind/miner"
	"github.com/BaSui01/hivemind/models"
	"github.com/BaSui01/hivemind/types"
)

// MetricsNamespace prefixes every exported Prometheus metric.
const MetricsNamespace = "hivemind"

const gaugeRefreshInterval = 5 * time.Second

// Option configures an Orchestrator.
type Option func(*options)

type options struct {
	logger    *zap.Logger
	modelFunc breaker.ModelFunc
	transport federation.Transport
	metrics   *metrics.Collector
	cache     *cache.Manager
	repo      miner.Repository
	telemetry *telemetry.Providers
	now       func() time.Time
}

// WithLogger sets the logger shared by every component.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithModelFunc replaces the provider router built from config.Models.
func WithModelFunc(fn breaker.ModelFunc) Option {
	return func(o *options) { o.modelFunc = fn }
}

// WithTransport sets the federation transport instead of building one from
// config.Federation. The caller keeps ownership.
func WithTransport(t federation.Transport) Option {
	return func(o *options) { o.transport = t }
}

// WithMetrics records into c instead of a private collector. A collector
// serves a single orchestrator.
func WithMetrics(c *metrics.Collector) Option {
	return func(o *options) { o.metrics = c }
}

// WithCache supplies the Redis manager used by the knowledge store and the
// federation transport. The caller keeps ownership.
func WithCache(m *cache.Manager) Option {
	return func(o *options) { o.cache = m }
}

// WithRepository persists miner data to r instead of config.Database.
func WithRepository(r miner.Repository) Option {
	return func(o *options) { o.repo = r }
}

// WithTelemetry routes breaker spans and counters to p instead of the global
// OpenTelemetry providers.
func WithTelemetry(p *telemetry.Providers) Option {
	return func(o *options) { o.telemetry = p }
}

// WithClock overrides time.Now in every component.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// Stats aggregates the component counters.
type Stats struct {
	HiveID     string           `json:"hiveId"`
	Dispatcher dispatcher.Stats `json:"dispatcher"`
	Bus        bus.Stats        `json:"bus"`
	Federation federation.Stats `json:"federation"`
	Bugs       miner.Stats      `json:"bugs"`
	Circuits   int              `json:"circuits"`
}

// Orchestrator owns every hivemind component of one process.
type Orchestrator struct {
	cfg    *config.Config
	logger *zap.Logger

	dispatcher *dispatcher.Dispatcher
	bus        *bus.Bus
	gateway    *federation.Gateway
	breaker    *breaker.Breaker
	miner      *miner.Miner
	metrics    *metrics.Collector

	// owned resources, closed by Close
	cache     *cache.Manager
	db        *database.PoolManager
	transport *federation.RedisTransport

	mu      sync.Mutex
	started bool
	closed  bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New builds an Orchestrator from cfg. Nothing runs until Start.
func New(cfg *config.Config, opts ...Option) (*Orchestrator, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, types.NewValidationError("%s", err.Error())
	}
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	if o.now == nil {
		o.now = time.Now
	}

	orc := &Orchestrator{
		cfg:    cfg,
		logger: o.logger.With(zap.String("component", "orchestrator"), zap.String("hive_id", cfg.Hive.ID)),
	}
	ok := false
	defer func() {
		if !ok {
			orc.releaseOwned()
		}
	}()

	orc.metrics = o.metrics
	if orc.metrics == nil {
		orc.metrics = metrics.NewCollector(MetricsNamespace, o.logger)
	}

	modelFn := o.modelFunc
	if modelFn == nil {
		modelFn = models.FromConfig(cfg.Models, o.logger).Call
	}
	orc.breaker = breaker.New(modelFn, breaker.Config{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		ResetTimeout:     cfg.Breaker.ResetTimeout,
		FallbackModel:    cfg.Breaker.FallbackModel,
		CallTimeout:      cfg.Breaker.CallTimeout,
		OnStateChange:    orc.onCircuitChange,
	}, breaker.WithLogger(o.logger), breaker.WithClock(o.now),
		breaker.WithTracerProvider(o.telemetry.TracerProvider()),
		breaker.WithMeterProvider(o.telemetry.MeterProvider()))

	repo := o.repo
	if repo == nil && cfg.Miner.Persist {
		db, err := database.Open(cfg.Database, o.logger)
		if err != nil {
			return nil, err
		}
		orc.db = db
		gr := miner.NewGormRepository(db.DB())
		if err := gr.Migrate(context.Background()); err != nil {
			return nil, types.NewError(types.ErrInternalError, "migrate miner tables").WithCause(err)
		}
		repo = gr
	}
	minerOpts := []miner.Option{
		miner.WithLogger(o.logger),
		miner.WithClock(o.now),
		miner.WithExporter(miner.ExporterFunc(orc.exportBugEvent)),
	}
	if repo != nil {
		minerOpts = append(minerOpts, miner.WithRepository(repo))
	}
	orc.miner = miner.New(miner.DefaultConfig(), minerOpts...)

	redisManager := o.cache
	needRedis := cfg.Bus.KnowledgeBackend == "redis" ||
		(cfg.Federation.Enabled && cfg.Federation.Transport == "redis" && o.transport == nil)
	if redisManager == nil && needRedis {
		m, err := cache.NewManager(cache.Config{
			Addr:      cfg.Redis.Addr,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			PoolSize:  cfg.Redis.PoolSize,
			TLS:       cfg.Redis.TLS,
			KeyPrefix: cfg.Redis.KeyPrefix,
		}, o.logger)
		if err != nil {
			return nil, types.NewError(types.ErrServiceUnavailable, "connect redis").WithCause(err)
		}
		orc.cache = m
		redisManager = m
	}

	var store bus.KnowledgeStore
	if cfg.Bus.KnowledgeBackend == "redis" {
		store = bus.NewRedisKnowledgeStore(redisManager, cfg.Bus.KnowledgeTTL)
	} else {
		store = bus.NewMemoryKnowledgeStore(cfg.Bus.KnowledgeTTL)
	}
	orc.bus = bus.New(bus.Config{
		InboxSize:      cfg.Bus.InboxSize,
		MaxInboxSize:   cfg.Bus.MaxInboxSize,
		BroadcastRPS:   cfg.Bus.BroadcastRPS,
		BroadcastBurst: cfg.Bus.BroadcastBurst,
	}, bus.WithStore(store), bus.WithLogger(o.logger), bus.WithClock(o.now))

	orc.dispatcher = dispatcher.New(dispatcher.Config{
		TaskTimeout:      cfg.Dispatcher.TaskTimeout,
		MaxExecutors:     cfg.Dispatcher.MaxExecutors,
		QueueSize:        cfg.Dispatcher.QueueSize,
		HeartbeatTimeout: cfg.Dispatcher.HeartbeatTimeout,
		MaxFinishedTasks: cfg.Dispatcher.MaxFinishedTasks,
	},
		dispatcher.WithFailureSink(orc.miner),
		dispatcher.WithLogger(o.logger),
		dispatcher.WithClock(o.now),
	)

	// A nil *RedisTransport stored in the interface would not compare equal
	// to nil, so the transport stays untyped until one exists.
	var transport federation.Transport
	if cfg.Federation.Enabled {
		switch {
		case o.transport != nil:
			transport = o.transport
		case cfg.Federation.Transport == "redis":
			orc.transport = federation.NewRedisTransport(redisManager.Client(), o.logger)
			transport = orc.transport
		default:
			transport = federation.NewMemoryBroker(o.logger)
		}
	}
	orc.gateway = federation.New(federation.Config{
		HiveID:            cfg.Hive.ID,
		Endpoint:          cfg.Hive.Endpoint,
		RemoteTaskTimeout: cfg.Federation.RemoteTaskTimeout,
		DiscoveryTimeout:  cfg.Federation.DiscoveryTimeout,
		QueryTimeout:      cfg.Federation.QueryTimeout,
		HeartbeatInterval: cfg.Federation.HeartbeatInterval,
		MaxFinishedTasks:  cfg.Dispatcher.MaxFinishedTasks,
	}, transport, orc.dispatcher,
		federation.WithBus(orc.bus),
		federation.WithFailureSink(orc.miner),
		federation.WithLogger(o.logger),
		federation.WithClock(o.now),
	)
	orc.bus.Attach(orc.gateway)

	orc.dispatcher.Subscribe(orc.recordTask, dispatcher.EventTaskCompleted, dispatcher.EventTaskFailed)
	if err := orc.registerFuncMetrics(); err != nil {
		return nil, err
	}

	ok = true
	return orc, nil
}

// Start launches background loops, restores persisted bugs, joins the colony
// and registers the configured workers.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return types.NewError(types.ErrServiceUnavailable, "orchestrator closed")
	}
	if o.started {
		o.mu.Unlock()
		return nil
	}
	o.started = true
	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	o.cancel = cancel
	o.mu.Unlock()

	o.dispatcher.Start(loopCtx)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return o.gateway.Start(loopCtx) })
	g.Go(func() error { return o.miner.Restore(gctx) })
	if err := g.Wait(); err != nil {
		return err
	}

	for _, w := range o.cfg.Workers {
		caps, err := o.dispatcher.Registry().ParseCapabilities(w.Capabilities)
		if err != nil {
			return err
		}
		var wopts []dispatcher.WorkerOption
		if w.Model != "" {
			wopts = append(wopts, dispatcher.WithExecutor(o.ModelExecutor(w.Model)))
		}
		if _, err := o.RegisterWorker(w.ID, caps, wopts...); err != nil {
			return err
		}
	}

	o.wg.Add(1)
	go o.gaugeLoop(loopCtx)

	o.logger.Info("orchestrator started",
		zap.Int("workers", len(o.cfg.Workers)),
		zap.Bool("federation", o.gateway.Running()),
	)
	return nil
}

// Close stops every component. Outstanding tasks fail and owned connections
// are released.
func (o *Orchestrator) Close(ctx context.Context) error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	cancel := o.cancel
	o.mu.Unlock()

	var errs []error
	if err := o.gateway.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := o.dispatcher.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	o.bus.Close()
	if cancel != nil {
		cancel()
	}
	o.wg.Wait()
	errs = append(errs, o.releaseOwned())

	o.logger.Info("orchestrator stopped")
	return errors.Join(errs...)
}

func (o *Orchestrator) releaseOwned() error {
	var errs []error
	if o.transport != nil {
		errs = append(errs, o.transport.Close())
	}
	if o.cache != nil {
		errs = append(errs, o.cache.Close())
	}
	if o.db != nil {
		errs = append(errs, o.db.Close())
	}
	return errors.Join(errs...)
}

// Ready reports whether the owned backing services answer.
func (o *Orchestrator) Ready(ctx context.Context) error {
	o.mu.Lock()
	closed := o.closed
	o.mu.Unlock()
	if closed {
		return types.NewError(types.ErrServiceUnavailable, "orchestrator closed")
	}
	if o.cache != nil {
		if err := o.cache.Ping(ctx); err != nil {
			return types.NewError(types.ErrServiceUnavailable, "redis unavailable").WithCause(err)
		}
	}
	if o.db != nil {
		if err := o.db.Ping(ctx); err != nil {
			return types.NewError(types.ErrServiceUnavailable, "database unavailable").WithCause(err)
		}
	}
	return nil
}

// =============================================================================
// Workers
// =============================================================================

// RegisterWorker registers a worker with the dispatcher and joins it to the
// bus.
func (o *Orchestrator) RegisterWorker(id string, capabilities []dispatcher.Capability, opts ...dispatcher.WorkerOption) (dispatcher.Worker, error) {
	w, err := o.dispatcher.RegisterWorker(id, capabilities, opts...)
	if err != nil {
		return dispatcher.Worker{}, err
	}
	if err := o.bus.Join(id); err != nil {
		_ = o.dispatcher.UnregisterWorker(id)
		return dispatcher.Worker{}, err
	}
	return w, nil
}

// UnregisterWorker removes a worker from the dispatcher and the bus.
func (o *Orchestrator) UnregisterWorker(id string) error {
	if err := o.dispatcher.UnregisterWorker(id); err != nil {
		return err
	}
	o.bus.Leave(id)
	return nil
}

// Heartbeat refreshes a worker's liveness.
func (o *Orchestrator) Heartbeat(id string) error {
	return o.dispatcher.Heartbeat(id)
}

// SetOffline stops routing to a worker.
func (o *Orchestrator) SetOffline(id string) error {
	return o.dispatcher.SetOffline(id)
}

// Worker returns a worker snapshot.
func (o *Orchestrator) Worker(id string) (dispatcher.Worker, error) {
	return o.dispatcher.Worker(id)
}

// Workers lists the registered workers.
func (o *Orchestrator) Workers() []dispatcher.Worker {
	return o.dispatcher.Workers()
}

// StartTask, CompleteTask and FailTask report progress of external workers.
func (o *Orchestrator) StartTask(workerID, taskID string) error {
	return o.dispatcher.StartTask(workerID, taskID)
}

func (o *Orchestrator) CompleteTask(workerID, taskID string, result any) error {
	return o.dispatcher.CompleteTask(workerID, taskID, result)
}

func (o *Orchestrator) FailTask(workerID, taskID string, cause error) error {
	return o.dispatcher.FailTask(workerID, taskID, cause)
}

// Subscribe registers a dispatcher event handler.
func (o *Orchestrator) Subscribe(h dispatcher.EventHandler, kinds ...dispatcher.EventType) string {
	return o.dispatcher.Subscribe(h, kinds...)
}

// Unsubscribe removes a dispatcher event handler.
func (o *Orchestrator) Unsubscribe(id string) {
	o.dispatcher.Unsubscribe(id)
}

// =============================================================================
// Tasks
// =============================================================================

// AssignTask runs a task locally when a local worker advertises capability,
// otherwise forwards it to the best peer hive. With neither, the task waits
// in the local queue for a worker to register.
func (o *Orchestrator) AssignTask(ctx context.Context, capability dispatcher.Capability, payload any, opts dispatcher.AssignOptions) (*dispatcher.Handle, error) {
	if err := o.dispatcher.Registry().ValidatePayload(capability, payload); err != nil {
		return nil, err
	}
	if o.dispatcher.HasCapability(capability) {
		return o.dispatcher.AssignTask(ctx, capability, payload, opts)
	}

	if hive, ok := o.gateway.FindHive(capability); ok {
		h, err := o.gateway.SendTaskToHive(ctx, hive.ID, capability, payload, opts)
		if err == nil {
			o.watchForward(hive.ID, h)
			return h, nil
		}
		o.logger.Warn("forward failed, queueing locally",
			zap.String("capability", string(capability)),
			zap.String("target_hive", hive.ID),
			zap.Error(err),
		)
	}
	return o.dispatcher.AssignTask(ctx, capability, payload, opts)
}

func (o *Orchestrator) watchForward(hiveID string, h *dispatcher.Handle) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		<-h.Done()
		t, _ := h.Result()
		o.metrics.RecordForward(hiveID, string(t.Status))
		code := ""
		if t.Error != nil {
			code = string(t.Error.Code)
		}
		o.metrics.RecordTask(string(t.Capability), string(t.Status), code, t.CompletedAt.Sub(t.CreatedAt))
	}()
}

// Hives lists the known peer hives.
func (o *Orchestrator) Hives() []federation.Hive {
	return o.gateway.Hives()
}

// DiscoverHives refreshes the peer registry.
func (o *Orchestrator) DiscoverHives(ctx context.Context) ([]federation.Hive, error) {
	return o.gateway.DiscoverHives(ctx)
}

// Task returns a task snapshot, whether it runs here or was forwarded to a
// peer hive.
func (o *Orchestrator) Task(id string) (dispatcher.Task, error) {
	t, err := o.dispatcher.Task(id)
	if err == nil || !types.IsCode(err, types.ErrNotFound) {
		return t, err
	}
	if rt, rerr := o.gateway.Task(id); rerr == nil {
		return rt, nil
	}
	return t, err
}

// =============================================================================
// Models
// =============================================================================

// CallModel calls model through the circuit breaker.
func (o *Orchestrator) CallModel(ctx context.Context, model string, args ...any) (*breaker.Result, error) {
	start := time.Now()
	res, err := o.breaker.CallModel(ctx, model, args...)
	switch {
	case err != nil:
		o.metrics.RecordModelCall(model, "", "error", time.Since(start))
	case res.CircuitBreakerIntervened:
		o.metrics.RecordModelCall(model, res.ModelUsed, "fallback", time.Since(start))
	default:
		o.metrics.RecordModelCall(model, res.ModelUsed, "success", time.Since(start))
	}
	return res, err
}

// Circuits returns the state of every tracked circuit.
func (o *Orchestrator) Circuits() map[string]breaker.CircuitState {
	return o.breaker.AllStates()
}

// ResetModel forces model's circuit closed.
func (o *Orchestrator) ResetModel(model string) {
	o.breaker.ResetModel(model)
}

func (o *Orchestrator) onCircuitChange(tr breaker.Transition) {
	o.metrics.RecordCircuitTransition(tr.Model, tr.From.String(), tr.To.String(), int(tr.To))
	o.logger.Info("circuit state changed",
		zap.String("model", tr.Model),
		zap.Stringer("from", tr.From),
		zap.Stringer("to", tr.To),
		zap.Bool("manual", tr.Manual),
	)
}

// =============================================================================
// Bugs
// =============================================================================

// DetectBug records a failure report.
func (o *Orchestrator) DetectBug(ctx context.Context, r miner.Report) (miner.Bug, error) {
	return o.miner.DetectBug(ctx, r)
}

// MarkBugFixed marks a bug fixed by the given assignee.
func (o *Orchestrator) MarkBugFixed(ctx context.Context, id, by string) (miner.Bug, error) {
	return o.miner.MarkBugFixed(ctx, id, by)
}

// MarkFalsePositive flags a bug as not a real failure.
func (o *Orchestrator) MarkFalsePositive(ctx context.Context, id string) (miner.Bug, error) {
	return o.miner.MarkFalsePositive(ctx, id)
}

// Bug returns one bug.
func (o *Orchestrator) Bug(id string) (miner.Bug, error) {
	return o.miner.Bug(id)
}

// Bugs lists bugs matching f.
func (o *Orchestrator) Bugs(f miner.Filter) []miner.Bug {
	return o.miner.Bugs(f)
}

// Patterns lists the known failure patterns.
func (o *Orchestrator) Patterns() []miner.Pattern {
	return o.miner.Patterns()
}

// BugStats aggregates the stored reports.
func (o *Orchestrator) BugStats() miner.Stats {
	return o.miner.Stats()
}

func (o *Orchestrator) exportBugEvent(_ context.Context, ev miner.Event) error {
	o.metrics.RecordBugEvent(string(ev.Kind), string(ev.Bug.Severity))
	if ev.Kind == miner.EventPatternCreated {
		o.metrics.SetBugPatterns(len(o.miner.Patterns()))
	}
	return nil
}

// =============================================================================
// Accessors
// =============================================================================

func (o *Orchestrator) Config() *config.Config            { return o.cfg }
func (o *Orchestrator) Dispatcher() *dispatcher.Dispatcher { return o.dispatcher }
func (o *Orchestrator) Bus() *bus.Bus                      { return o.bus }
func (o *Orchestrator) Gateway() *federation.Gateway       { return o.gateway }
func (o *Orchestrator) Breaker() *breaker.Breaker          { return o.breaker }
func (o *Orchestrator) Miner() *miner.Miner                { return o.miner }
func (o *Orchestrator) Metrics() *metrics.Collector        { return o.metrics }
func (o *Orchestrator) HiveID() string                     { return o.cfg.Hive.ID }

// Stats returns a snapshot of every component.
func (o *Orchestrator) Stats() Stats {
	return Stats{
		HiveID:     o.cfg.Hive.ID,
		Dispatcher: o.dispatcher.Stats(),
		Bus:        o.bus.Stats(),
		Federation: o.gateway.Stats(),
		Bugs:       o.miner.Stats(),
		Circuits:   len(o.breaker.Models()),
	}
}
