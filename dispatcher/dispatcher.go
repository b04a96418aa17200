package dispatcher

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/hivemind/internal/ctxkeys"
	"github.com/BaSui01/hivemind/internal/pool"
	"github.com/BaSui01/hivemind/types"
)

// Config configures a Dispatcher.
type Config struct {
	// TaskTimeout is the default window before an unfinished task fails
	// with TIMEOUT.
	TaskTimeout time.Duration
	// MaxExecutors bounds the goroutines running managed workers' executors.
	MaxExecutors int
	QueueSize    int
	// HeartbeatTimeout marks external workers offline when they stay silent
	// longer than this. Zero disables the sweep.
	HeartbeatTimeout time.Duration
	// MaxFinishedTasks bounds how many terminal tasks stay queryable.
	MaxFinishedTasks int
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		TaskTimeout:      30 * time.Second,
		MaxExecutors:     64,
		QueueSize:        1024,
		MaxFinishedTasks: 10000,
	}
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithRegistry replaces the built-in capability registry.
func WithRegistry(r *Registry) Option {
	return func(d *Dispatcher) {
		if r != nil {
			d.registry = r
		}
	}
}

// WithFailureSink sets the receiver of failed tasks.
func WithFailureSink(s FailureSink) Option {
	return func(d *Dispatcher) { d.sink = s }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithClock overrides time.Now for timestamps. Timeouts always use real
// timers.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) {
		if now != nil {
			d.now = now
		}
	}
}

// WorkerOption configures a registered worker.
type WorkerOption func(*workerEntry)

// WithExecutor makes the dispatcher run the worker's tasks itself.
func WithExecutor(exec Executor) WorkerOption {
	return func(we *workerEntry) {
		we.exec = exec
		we.w.Managed = exec != nil
	}
}

type workerEntry struct {
	w    Worker
	exec Executor
}

type taskEntry struct {
	task    Task
	seq     uint64
	index   int // position in its pending queue, -1 otherwise
	timeout time.Duration
	handle  *Handle
	timer   *time.Timer
	ctx     context.Context
	cancel  context.CancelFunc
}

// Dispatcher routes tasks to capable workers, one active task per worker.
//
// All worker and task state is guarded by one mutex. Freeing a worker and
// handing it the next pending task happen in the same critical section;
// executors, event handlers and the failure sink run after it is released.
type Dispatcher struct {
	cfg      Config
	registry *Registry
	sink     FailureSink
	logger   *zap.Logger
	now      func() time.Time
	pool     *pool.GoroutinePool
	events   *eventBus

	mu       sync.Mutex
	workers  map[string]*workerEntry
	tasks    map[string]*taskEntry
	pending  pendingSet
	finished []string
	seq      uint64
	closed   bool

	completed int64
	failed    int64
	timedOut  int64

	sweepOnce sync.Once
	stopSweep chan struct{}
	sweepDone chan struct{}
}

// New creates a dispatcher.
func New(cfg Config, opts ...Option) *Dispatcher {
	def := DefaultConfig()
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = def.TaskTimeout
	}
	if cfg.MaxFinishedTasks <= 0 {
		cfg.MaxFinishedTasks = def.MaxFinishedTasks
	}

	d := &Dispatcher{
		cfg:       cfg,
		registry:  NewRegistry(),
		logger:    zap.NewNop(),
		now:       time.Now,
		workers:   make(map[string]*workerEntry),
		tasks:     make(map[string]*taskEntry),
		pending:   make(pendingSet),
		stopSweep: make(chan struct{}),
		sweepDone: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = d.logger.With(zap.String("component", "dispatcher"))
	d.events = newEventBus(d.logger)
	d.pool = pool.NewGoroutinePool(pool.Config{
		MaxWorkers: cfg.MaxExecutors,
		QueueSize:  cfg.QueueSize,
		Logger:     d.logger,
		OnPanic: func(taskID string, r any) {
			d.failByTaskID(taskID, types.NewError(types.ErrTaskFailed, fmt.Sprintf("executor panicked: %v", r)))
		},
	})
	return d
}

// Registry returns the capability registry.
func (d *Dispatcher) Registry() *Registry {
	return d.registry
}

// =============================================================================
// Effects applied outside the lock
// =============================================================================

type run struct {
	ctx      context.Context
	workerID string
	exec     Executor
	task     Task
}

type resolution struct {
	handle *Handle
	task   Task
}

type effects struct {
	resolves []resolution
	events   []Event
	failures []Task
	runs     []run
}

func (d *Dispatcher) apply(fx *effects) {
	for _, r := range fx.resolves {
		r.handle.Resolve(r.task)
	}
	d.events.publish(fx.events...)
	for _, t := range fx.failures {
		d.reportFailure(t)
	}
	for _, r := range fx.runs {
		d.launch(r)
	}
}

func (d *Dispatcher) reportFailure(t Task) {
	if d.sink == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("failure sink panicked", zap.String("task_id", t.ID), zap.Any("recover", r))
		}
	}()
	d.sink.TaskFailed(context.Background(), t)
}

func (d *Dispatcher) launch(r run) {
	err := d.pool.Submit(r.ctx, r.task.ID, func(ctx context.Context) {
		if err := d.StartTask(r.workerID, r.task.ID); err != nil {
			// timed out before it started; release the worker
			_ = d.FailTask(r.workerID, r.task.ID, err)
			return
		}
		task := r.task
		task.Status = TaskRunning
		ctx = ctxkeys.WithWorkerID(ctxkeys.WithTaskID(ctx, task.ID), r.workerID)
		result, err := r.exec.Execute(ctx, task)
		if err != nil {
			_ = d.FailTask(r.workerID, r.task.ID, err)
			return
		}
		_ = d.CompleteTask(r.workerID, r.task.ID, result)
	})
	if err != nil {
		d.logger.Error("executor submission failed", zap.String("task_id", r.task.ID), zap.Error(err))
		_ = d.FailTask(r.workerID, r.task.ID,
			types.NewError(types.ErrServiceUnavailable, "executor pool saturated").WithCause(err))
	}
}

func (d *Dispatcher) failByTaskID(taskID string, cause error) {
	d.mu.Lock()
	var workerID string
	if e, ok := d.tasks[taskID]; ok {
		workerID = e.task.AssignedWorkerID
	}
	d.mu.Unlock()
	if workerID != "" {
		_ = d.FailTask(workerID, taskID, cause)
	}
}

// =============================================================================
// Workers
// =============================================================================

// RegisterWorker adds an idle worker and hands it pending work it can serve.
func (d *Dispatcher) RegisterWorker(id string, capabilities []Capability, opts ...WorkerOption) (Worker, error) {
	if id == "" {
		return Worker{}, types.NewValidationError("worker id is required")
	}
	if len(capabilities) == 0 {
		return Worker{}, types.NewValidationError("worker %s needs at least one capability", id)
	}
	caps := make([]Capability, 0, len(capabilities))
	seen := make(map[Capability]struct{}, len(capabilities))
	for _, c := range capabilities {
		if !d.registry.Known(c) {
			return Worker{}, types.NewValidationError("unknown capability %q", c)
		}
		if _, dup := seen[c]; dup {
			continue
		}
		seen[c] = struct{}{}
		caps = append(caps, c)
	}

	now := d.now()
	we := &workerEntry{w: Worker{
		ID:            id,
		Capabilities:  caps,
		Status:        WorkerIdle,
		LastHeartbeat: now,
		RegisteredAt:  now,
	}}
	for _, opt := range opts {
		opt(we)
	}

	var fx effects
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return Worker{}, errClosed()
	}
	if _, exists := d.workers[id]; exists {
		d.mu.Unlock()
		return Worker{}, types.NewValidationError("worker %s already registered", id)
	}
	d.workers[id] = we
	fx.events = append(fx.events, WorkerEvent{Kind: EventWorkerRegistered, Worker: cloneWorker(&we.w), At: now})
	d.drainLocked(we, &fx)
	snap := cloneWorker(&we.w)
	d.mu.Unlock()

	d.logger.Info("worker registered",
		zap.String("worker_id", id),
		zap.Any("capabilities", caps),
		zap.Bool("managed", we.exec != nil),
	)
	d.apply(&fx)
	return snap, nil
}

// UnregisterWorker removes a worker. Its in-flight task fails with
// WORKER_GONE.
func (d *Dispatcher) UnregisterWorker(id string) error {
	var fx effects
	d.mu.Lock()
	we, ok := d.workers[id]
	if !ok {
		d.mu.Unlock()
		return types.NewNotFoundError("worker", id)
	}
	d.abandonLocked(we, "worker unregistered", &fx)
	delete(d.workers, id)
	fx.events = append(fx.events, WorkerEvent{Kind: EventWorkerRemoved, Worker: cloneWorker(&we.w), At: d.now()})
	d.mu.Unlock()

	d.logger.Info("worker unregistered", zap.String("worker_id", id))
	d.apply(&fx)
	return nil
}

// Heartbeat refreshes a worker's liveness. An offline worker comes back idle
// and immediately receives pending work.
func (d *Dispatcher) Heartbeat(id string) error {
	var fx effects
	d.mu.Lock()
	we, ok := d.workers[id]
	if !ok {
		d.mu.Unlock()
		return types.NewNotFoundError("worker", id)
	}
	now := d.now()
	we.w.LastHeartbeat = now
	if we.w.Status == WorkerOffline {
		we.w.Status = WorkerIdle
		fx.events = append(fx.events, WorkerEvent{Kind: EventWorkerOnline, Worker: cloneWorker(&we.w), At: now})
		d.drainLocked(we, &fx)
	}
	d.mu.Unlock()

	d.apply(&fx)
	return nil
}

// SetOffline stops routing to a worker. A task it was running fails with
// WORKER_GONE.
func (d *Dispatcher) SetOffline(id string) error {
	var fx effects
	d.mu.Lock()
	we, ok := d.workers[id]
	if !ok {
		d.mu.Unlock()
		return types.NewNotFoundError("worker", id)
	}
	d.setOfflineLocked(we, "worker went offline", &fx)
	d.mu.Unlock()

	d.apply(&fx)
	return nil
}

func (d *Dispatcher) setOfflineLocked(we *workerEntry, reason string, fx *effects) {
	if we.w.Status == WorkerOffline {
		return
	}
	d.abandonLocked(we, reason, fx)
	we.w.Status = WorkerOffline
	fx.events = append(fx.events, WorkerEvent{Kind: EventWorkerOffline, Worker: cloneWorker(&we.w), At: d.now()})
	d.logger.Warn("worker offline", zap.String("worker_id", we.w.ID), zap.String("reason", reason))
}

// abandonLocked fails the worker's unfinished task and clears it.
func (d *Dispatcher) abandonLocked(we *workerEntry, reason string, fx *effects) {
	if we.w.CurrentTaskID == "" {
		return
	}
	if e, ok := d.tasks[we.w.CurrentTaskID]; ok && !e.task.Status.Terminal() {
		we.w.Failed++
		d.terminateLocked(e, TaskFailed, nil, &TaskError{
			Code:    types.ErrWorkerGone,
			Message: fmt.Sprintf("%s: %s", reason, we.w.ID),
		}, fx)
	}
	we.w.CurrentTaskID = ""
	if we.w.Status == WorkerBusy {
		we.w.Status = WorkerIdle
	}
}

// =============================================================================
// Tasks
// =============================================================================

// AssignTask routes a task to a capable worker or queues it. The returned
// handle resolves once with the terminal task; a task still unfinished after
// the timeout fails with TIMEOUT.
func (d *Dispatcher) AssignTask(ctx context.Context, capability Capability, payload any, opts AssignOptions) (*Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	raw, err := encodePayload(payload)
	if err != nil {
		return nil, err
	}
	if err := d.registry.Validate(capability, raw); err != nil {
		return nil, err
	}
	if opts.Priority < types.PriorityLow || opts.Priority > types.PriorityUrgent {
		return nil, types.NewValidationError("invalid priority %d", int(opts.Priority))
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = d.cfg.TaskTimeout
	}

	id := uuid.NewString()
	e := &taskEntry{
		task: Task{
			ID:                id,
			Capability:        capability,
			Payload:           raw,
			Priority:          opts.Priority,
			Status:            TaskPending,
			RequesterID:       opts.RequesterID,
			PreferredWorkerID: opts.PreferredWorkerID,
			CreatedAt:         d.now(),
		},
		index:   -1,
		timeout: timeout,
		handle:  NewHandle(id),
	}

	var fx effects
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, errClosed()
	}
	d.seq++
	e.seq = d.seq
	d.tasks[id] = e
	e.timer = time.AfterFunc(timeout, func() { d.expire(id) })

	if we := d.selectWorkerLocked(&e.task); we != nil {
		d.assignLocked(e, we, &fx)
	} else {
		d.pending.push(e)
		fx.events = append(fx.events, TaskEvent{Kind: EventTaskQueued, Task: e.task.clone(), At: e.task.CreatedAt})
	}
	d.mu.Unlock()

	d.logger.Debug("task submitted",
		zap.String("task_id", id),
		zap.String("capability", string(capability)),
		zap.String("priority", opts.Priority.String()),
	)
	d.apply(&fx)
	return e.handle, nil
}

// StartTask moves an assigned task to running.
func (d *Dispatcher) StartTask(workerID, taskID string) error {
	var fx effects
	d.mu.Lock()
	e, ok := d.tasks[taskID]
	if !ok {
		d.mu.Unlock()
		return types.NewNotFoundError("task", taskID)
	}
	if e.task.AssignedWorkerID != workerID || e.task.Status != TaskAssigned {
		st := e.task.Status
		d.mu.Unlock()
		return types.NewError(types.ErrInvalidTransition,
			fmt.Sprintf("task %s is %s, cannot start on worker %s", taskID, st, workerID))
	}
	e.task.Status = TaskRunning
	fx.events = append(fx.events, TaskEvent{Kind: EventTaskStarted, Task: e.task.clone(), At: d.now()})
	d.mu.Unlock()

	d.apply(&fx)
	return nil
}

// CompleteTask records a worker's result, frees the worker and hands it the
// next pending task. A completion arriving after the task already resolved
// (for example by timeout) is discarded but still frees the worker.
func (d *Dispatcher) CompleteTask(workerID, taskID string, result any) error {
	return d.settle(workerID, taskID, result, nil)
}

// FailTask records a worker's failure. See CompleteTask.
func (d *Dispatcher) FailTask(workerID, taskID string, cause error) error {
	if cause == nil {
		cause = types.NewError(types.ErrTaskFailed, "task failed")
	}
	return d.settle(workerID, taskID, nil, cause)
}

func (d *Dispatcher) settle(workerID, taskID string, result any, cause error) error {
	var fx effects
	d.mu.Lock()
	err := d.settleLocked(workerID, taskID, result, cause, &fx)
	d.mu.Unlock()

	d.apply(&fx)
	return err
}

func (d *Dispatcher) settleLocked(workerID, taskID string, result any, cause error, fx *effects) error {
	we := d.workers[workerID]
	holds := we != nil && we.w.CurrentTaskID == taskID

	e, ok := d.tasks[taskID]
	if !ok || e.task.Status.Terminal() {
		if holds {
			d.logger.Debug("stale completion discarded",
				zap.String("task_id", taskID),
				zap.String("worker_id", workerID),
			)
			d.releaseLocked(we, fx)
			return nil
		}
		if !ok {
			return types.NewNotFoundError("task", taskID)
		}
		return types.NewError(types.ErrInvalidTransition,
			fmt.Sprintf("task %s already %s", taskID, e.task.Status))
	}
	if e.task.AssignedWorkerID != workerID {
		return types.NewError(types.ErrInvalidTransition,
			fmt.Sprintf("task %s is not assigned to worker %s", taskID, workerID))
	}

	if cause == nil {
		d.terminateLocked(e, TaskCompleted, result, nil, fx)
	} else {
		d.terminateLocked(e, TaskFailed, nil, NewTaskError(cause), fx)
	}
	if we != nil {
		if cause == nil {
			we.w.Completed++
		} else {
			we.w.Failed++
		}
		if holds {
			d.releaseLocked(we, fx)
		}
	}
	return nil
}

// releaseLocked frees the worker and drains the queue into it.
func (d *Dispatcher) releaseLocked(we *workerEntry, fx *effects) {
	we.w.CurrentTaskID = ""
	if we.w.Status == WorkerBusy {
		we.w.Status = WorkerIdle
		d.drainLocked(we, fx)
	}
}

func (d *Dispatcher) expire(taskID string) {
	var fx effects
	d.mu.Lock()
	e, ok := d.tasks[taskID]
	if !ok || e.task.Status.Terminal() {
		d.mu.Unlock()
		return
	}
	if e.task.Status == TaskPending {
		d.pending.remove(e)
	}
	d.timedOut++
	status := e.task.Status
	// an assigned worker stays busy until its late result arrives
	d.terminateLocked(e, TaskFailed, nil, &TaskError{
		Code:    types.ErrTimeout,
		Message: fmt.Sprintf("task %s timed out after %s", taskID, e.timeout),
	}, &fx)
	d.mu.Unlock()

	d.logger.Warn("task timed out",
		zap.String("task_id", taskID),
		zap.String("was", string(status)),
		zap.String("capability", string(e.task.Capability)),
	)
	d.apply(&fx)
}

func (d *Dispatcher) selectWorkerLocked(t *Task) *workerEntry {
	if t.PreferredWorkerID != "" {
		if we, ok := d.workers[t.PreferredWorkerID]; ok && we.w.Status == WorkerIdle && we.w.Can(t.Capability) {
			return we
		}
	}
	var best *workerEntry
	for _, we := range d.workers {
		if we.w.Status != WorkerIdle || !we.w.Can(t.Capability) {
			continue
		}
		if best == nil ||
			we.w.LastHeartbeat.Before(best.w.LastHeartbeat) ||
			(we.w.LastHeartbeat.Equal(best.w.LastHeartbeat) && we.w.ID < best.w.ID) {
			best = we
		}
	}
	return best
}

func (d *Dispatcher) assignLocked(e *taskEntry, we *workerEntry, fx *effects) {
	now := d.now()
	e.task.Status = TaskAssigned
	e.task.AssignedWorkerID = we.w.ID
	e.task.AssignedAt = now
	e.ctx, e.cancel = context.WithCancel(context.Background())
	we.w.Status = WorkerBusy
	we.w.CurrentTaskID = e.task.ID

	snap := e.task.clone()
	fx.events = append(fx.events, TaskEvent{Kind: EventTaskAssigned, Task: snap, At: now})
	if we.exec != nil {
		fx.runs = append(fx.runs, run{ctx: e.ctx, workerID: we.w.ID, exec: we.exec, task: snap})
	}
}

func (d *Dispatcher) drainLocked(we *workerEntry, fx *effects) {
	if we.w.Status != WorkerIdle {
		return
	}
	if next := d.pending.popFor(we.w.Capabilities); next != nil {
		d.assignLocked(next, we, fx)
	}
}

func (d *Dispatcher) terminateLocked(e *taskEntry, status TaskStatus, result any, terr *TaskError, fx *effects) {
	now := d.now()
	e.task.Status = status
	e.task.Result = result
	e.task.Error = terr
	e.task.CompletedAt = now
	if e.timer != nil {
		e.timer.Stop()
	}
	if e.cancel != nil {
		e.cancel()
	}

	snap := e.task.clone()
	fx.resolves = append(fx.resolves, resolution{handle: e.handle, task: snap})
	if status == TaskFailed {
		d.failed++
		fx.failures = append(fx.failures, snap)
		fx.events = append(fx.events, TaskEvent{Kind: EventTaskFailed, Task: snap, At: now})
	} else {
		d.completed++
		fx.events = append(fx.events, TaskEvent{Kind: EventTaskCompleted, Task: snap, At: now})
	}
	d.retireLocked(e.task.ID)
}

func (d *Dispatcher) retireLocked(taskID string) {
	d.finished = append(d.finished, taskID)
	if over := len(d.finished) - d.cfg.MaxFinishedTasks; over > 0 {
		for _, id := range d.finished[:over] {
			delete(d.tasks, id)
		}
		d.finished = append([]string(nil), d.finished[over:]...)
	}
}

// =============================================================================
// Queries
// =============================================================================

// Worker returns a worker snapshot.
func (d *Dispatcher) Worker(id string) (Worker, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	we, ok := d.workers[id]
	if !ok {
		return Worker{}, types.NewNotFoundError("worker", id)
	}
	return cloneWorker(&we.w), nil
}

// Workers returns all workers ordered by id.
func (d *Dispatcher) Workers() []Worker {
	d.mu.Lock()
	out := make([]Worker, 0, len(d.workers))
	for _, we := range d.workers {
		out = append(out, cloneWorker(&we.w))
	}
	d.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Task returns a task snapshot.
func (d *Dispatcher) Task(id string) (Task, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.tasks[id]
	if !ok {
		return Task{}, types.NewNotFoundError("task", id)
	}
	return e.task.clone(), nil
}

// HasCapability reports whether an online worker advertises c.
func (d *Dispatcher) HasCapability(c Capability) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, we := range d.workers {
		if we.w.Status != WorkerOffline && we.w.Can(c) {
			return true
		}
	}
	return false
}

// Capabilities returns the union of capabilities of online workers.
func (d *Dispatcher) Capabilities() []Capability {
	d.mu.Lock()
	set := make(map[Capability]struct{})
	for _, we := range d.workers {
		if we.w.Status == WorkerOffline {
			continue
		}
		for _, c := range we.w.Capabilities {
			set[c] = struct{}{}
		}
	}
	d.mu.Unlock()

	out := make([]Capability, 0, len(set))
	for c := range set {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Stats returns aggregate counters.
func (d *Dispatcher) Stats() Stats {
	d.mu.Lock()
	s := Stats{
		Workers:   make(map[WorkerStatus]int),
		Tasks:     make(map[TaskStatus]int),
		Pending:   d.pending.counts(),
		Completed: d.completed,
		Failed:    d.failed,
		TimedOut:  d.timedOut,
	}
	for _, we := range d.workers {
		s.Workers[we.w.Status]++
	}
	for _, e := range d.tasks {
		s.Tasks[e.task.Status]++
	}
	d.mu.Unlock()

	s.Pool = d.pool.Stats()
	return s
}

// Subscribe registers an event handler, optionally filtered by kind. Handlers
// run one at a time in publish order and must not block.
func (d *Dispatcher) Subscribe(h EventHandler, kinds ...EventType) string {
	return d.events.subscribe(h, kinds)
}

// Unsubscribe removes a handler.
func (d *Dispatcher) Unsubscribe(id string) {
	d.events.unsubscribe(id)
}

// =============================================================================
// Lifecycle
// =============================================================================

// Start runs the heartbeat sweep when HeartbeatTimeout is set. It returns
// immediately.
func (d *Dispatcher) Start(ctx context.Context) {
	if d.cfg.HeartbeatTimeout <= 0 {
		return
	}
	d.sweepOnce.Do(func() {
		go d.sweepLoop(ctx)
	})
}

func (d *Dispatcher) sweepLoop(ctx context.Context) {
	defer close(d.sweepDone)
	ticker := time.NewTicker(d.cfg.HeartbeatTimeout / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			d.sweep()
		case <-d.stopSweep:
			return
		case <-ctx.Done():
			return
		}
	}
}

// sweep marks silent external workers offline. Managed workers run in
// process and never heartbeat.
func (d *Dispatcher) sweep() {
	var fx effects
	d.mu.Lock()
	cutoff := d.now().Add(-d.cfg.HeartbeatTimeout)
	for _, we := range d.workers {
		if !we.w.Managed && we.w.LastHeartbeat.Before(cutoff) {
			d.setOfflineLocked(we, "heartbeat timeout", &fx)
		}
	}
	d.mu.Unlock()
	d.apply(&fx)
}

// Close fails every unfinished task, then stops the executor pool and the
// event loop. Queued events are still delivered.
func (d *Dispatcher) Close(ctx context.Context) error {
	var fx effects
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	for _, e := range d.tasks {
		if e.task.Status.Terminal() {
			continue
		}
		if e.task.Status == TaskPending {
			d.pending.remove(e)
		}
		d.terminateLocked(e, TaskFailed, nil, &TaskError{
			Code:    types.ErrServiceUnavailable,
			Message: "dispatcher shutting down",
		}, &fx)
	}
	d.mu.Unlock()
	d.apply(&fx)

	close(d.stopSweep)
	// claims the once if the sweep never started
	d.sweepOnce.Do(func() { close(d.sweepDone) })
	<-d.sweepDone

	err := d.pool.Close(ctx)
	d.events.close()
	return err
}

func errClosed() error {
	return types.NewError(types.ErrServiceUnavailable, "dispatcher closed")
}

func cloneWorker(w *Worker) Worker {
	c := *w
	c.Capabilities = append([]Capability(nil), w.Capabilities...)
	return c
}
