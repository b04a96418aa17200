package breaker

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/BaSui01/hivemind/types"
)

// ModelFunc invokes an external model provider.
type ModelFunc func(ctx context.Context, model string, args ...any) (any, error)

// Config configures a Breaker.
type Config struct {
	// FailureThreshold is the number of consecutive failures that trips a circuit.
	FailureThreshold int

	// ResetTimeout is the cooldown before an open circuit admits a trial call.
	ResetTimeout time.Duration

	// FallbackModel serves calls redirected away from a failing model.
	// Calls addressed to it bypass circuit logic entirely.
	FallbackModel string

	// CallTimeout bounds a single model invocation. Zero means no bound.
	CallTimeout time.Duration

	// OnStateChange is invoked synchronously after each transition, outside
	// the circuit lock.
	OnStateChange func(Transition)
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 3,
		ResetTimeout:     10 * time.Second,
		FallbackModel:    "gemini-flash",
	}
}

// Result is the outcome of CallModel.
type Result struct {
	Value any `json:"value"`
	// ModelUsed names the model that actually produced Value.
	ModelUsed string `json:"modelUsed"`
	// CircuitBreakerIntervened is set when the call was served by the
	// fallback instead of the requested model.
	CircuitBreakerIntervened bool `json:"circuitBreakerIntervened"`
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(b *Breaker) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithClock overrides time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) {
		if now != nil {
			b.now = now
		}
	}
}

// WithTracerProvider sets the provider for call spans. Defaults to the
// global provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(b *Breaker) {
		if tp != nil {
			b.tp = tp
		}
	}
}

// WithMeterProvider sets the provider for the call, fallback and trip
// counters. Defaults to the global provider.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(b *Breaker) {
		if mp != nil {
			b.mp = mp
		}
	}
}

// Breaker tracks one circuit per model name and redirects calls away from
// failing models to the fallback model.
type Breaker struct {
	fn     ModelFunc
	config Config
	logger *zap.Logger
	now    func() time.Time
	tp     trace.TracerProvider
	mp     metric.MeterProvider
	inst   *instruments

	mu       sync.RWMutex
	circuits map[string]*circuit
}

// New creates a breaker around fn.
func New(fn ModelFunc, config Config, opts ...Option) *Breaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 3
	}
	if config.ResetTimeout <= 0 {
		config.ResetTimeout = 10 * time.Second
	}

	b := &Breaker{
		fn:       fn,
		config:   config,
		logger:   zap.NewNop(),
		now:      time.Now,
		circuits: make(map[string]*circuit),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.With(zap.String("component", "circuit_breaker"))
	if b.tp == nil {
		b.tp = otel.GetTracerProvider()
	}
	if b.mp == nil {
		b.mp = otel.GetMeterProvider()
	}
	b.inst = newInstruments(b.tp, b.mp, b.logger)
	return b
}

// FallbackModel returns the configured fallback model name.
func (b *Breaker) FallbackModel() string {
	return b.config.FallbackModel
}

// CallModel calls model through its circuit.
//
// A call addressed to the fallback model is passed straight through and its
// error, if any, is returned unchanged. Any other failed or rejected call is
// redirected to the fallback; an ExhaustedFallbackError is returned only when
// the fallback fails too.
func (b *Breaker) CallModel(ctx context.Context, model string, args ...any) (*Result, error) {
	if model == "" {
		return nil, types.NewValidationError("model name is required")
	}

	// termination guard for fallback delegation
	if model == b.config.FallbackModel {
		v, err := b.invoke(ctx, model, false, args)
		if err != nil {
			return nil, err
		}
		return &Result{Value: v, ModelUsed: model}, nil
	}

	c := b.circuit(model)
	tk, admitted, tr := c.admit(b.now())
	b.notify(tr)

	if !admitted {
		b.logger.Debug("circuit rejected call",
			zap.String("model", model),
			zap.Bool("trial_in_flight", tk.trial),
		)
		return b.delegate(ctx, model, nil, args)
	}

	v, err := b.invoke(ctx, model, tk.trial, args)
	if err == nil {
		b.notify(c.onSuccess(tk))
		return &Result{Value: v, ModelUsed: model}, nil
	}

	tr = c.onFailure(tk, err, b.now(), b.config)
	if tr != nil && tr.To == StateOpen {
		b.logger.Warn("circuit opened",
			zap.String("model", model),
			zap.Bool("trial", tk.trial),
			zap.Error(err),
		)
		b.inst.trip(ctx, model)
	}
	b.notify(tr)

	return b.delegate(ctx, model, err, args)
}

// delegate re-enters CallModel with the fallback model, where the bypass
// guard stops any further delegation.
func (b *Breaker) delegate(ctx context.Context, model string, cause error, args []any) (*Result, error) {
	fallback := b.config.FallbackModel
	if fallback == "" {
		err := types.NewError(types.ErrCircuitOpen, fmt.Sprintf("no fallback for model %s", model)).
			WithRetryable(true)
		if cause != nil {
			err = err.WithCause(cause)
		}
		return nil, err
	}

	b.inst.fallback(ctx, model, fallback)

	res, err := b.CallModel(ctx, fallback, args...)
	if err != nil {
		b.logger.Error("fallback model failed",
			zap.String("model", model),
			zap.String("fallback", fallback),
			zap.Error(err),
		)
		return nil, types.NewExhaustedFallbackError(fallback, err)
	}
	res.CircuitBreakerIntervened = true
	return res, nil
}

func (b *Breaker) invoke(ctx context.Context, model string, trial bool, args []any) (any, error) {
	ctx, span := b.inst.tracer.Start(ctx, "breaker.call_model",
		trace.WithAttributes(
			attribute.String("model", model),
			attribute.Bool("trial", trial),
		))
	defer span.End()

	if b.config.CallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.config.CallTimeout)
		defer cancel()
	}

	v, err := b.fn(ctx, model, args...)
	b.inst.call(ctx, model, err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return v, err
}

func (b *Breaker) notify(tr *Transition) {
	if tr == nil || b.config.OnStateChange == nil {
		return
	}
	b.config.OnStateChange(*tr)
}

func (b *Breaker) circuit(model string) *circuit {
	b.mu.RLock()
	c, ok := b.circuits[model]
	b.mu.RUnlock()
	if ok {
		return c
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if c, ok = b.circuits[model]; !ok {
		c = &circuit{model: model}
		b.circuits[model] = c
	}
	return c
}

// ModelState returns the circuit snapshot of model. Untracked models report
// CLOSED.
func (b *Breaker) ModelState(model string) CircuitState {
	b.mu.RLock()
	c, ok := b.circuits[model]
	b.mu.RUnlock()
	if !ok {
		return CircuitState{Model: model, State: StateClosed}
	}
	return c.snapshot()
}

// AllStates returns snapshots of every tracked circuit.
func (b *Breaker) AllStates() map[string]CircuitState {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make(map[string]CircuitState, len(b.circuits))
	for name, c := range b.circuits {
		out[name] = c.snapshot()
	}
	return out
}

// Models returns the tracked model names in order.
func (b *Breaker) Models() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	names := make([]string, 0, len(b.circuits))
	for name := range b.circuits {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ResetModel forces model's circuit back to CLOSED. Results of calls admitted
// before the reset no longer affect the circuit.
// Untracked models are left untracked.
func (b *Breaker) ResetModel(model string) {
	b.mu.RLock()
	c, ok := b.circuits[model]
	b.mu.RUnlock()
	if !ok {
		return
	}
	tr := c.reset()
	b.logger.Info("circuit reset", zap.String("model", model))
	b.notify(tr)
}

// =============================================================================
// circuit
// =============================================================================

// ticket records the circuit generation a call was admitted under.
type ticket struct {
	gen   uint64
	trial bool
}

type circuit struct {
	model string

	mu            sync.Mutex
	state         State
	failureCount  int
	nextAttemptAt time.Time
	lastError     string
	trialInFlight bool
	// gen increments on every state change.
	gen uint64
}

func (c *circuit) admit(now time.Time) (ticket, bool, *Transition) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case StateClosed:
		return ticket{gen: c.gen}, true, nil

	case StateOpen:
		if now.Before(c.nextAttemptAt) {
			return ticket{}, false, nil
		}
		tr := c.setState(StateHalfOpen)
		c.trialInFlight = true
		return ticket{gen: c.gen, trial: true}, true, tr

	case StateHalfOpen:
		if c.trialInFlight {
			return ticket{trial: true}, false, nil
		}
		c.trialInFlight = true
		return ticket{gen: c.gen, trial: true}, true, nil
	}
	return ticket{}, false, nil
}

func (c *circuit) onSuccess(tk ticket) *Transition {
	c.mu.Lock()
	defer c.mu.Unlock()

	if tk.gen != c.gen {
		return nil
	}
	c.failureCount = 0
	if tk.trial {
		c.trialInFlight = false
		return c.setState(StateClosed)
	}
	return nil
}

func (c *circuit) onFailure(tk ticket, err error, now time.Time, cfg Config) *Transition {
	c.mu.Lock()
	defer c.mu.Unlock()

	if tk.gen != c.gen {
		return nil
	}
	c.failureCount++
	c.lastError = err.Error()

	if tk.trial || c.failureCount >= cfg.FailureThreshold {
		c.trialInFlight = false
		c.nextAttemptAt = now.Add(cfg.ResetTimeout)
		return c.setState(StateOpen)
	}
	return nil
}

func (c *circuit) reset() *Transition {
	c.mu.Lock()
	defer c.mu.Unlock()

	from := c.state
	c.failureCount = 0
	c.nextAttemptAt = time.Time{}
	c.lastError = ""
	c.trialInFlight = false
	c.state = StateClosed
	c.gen++
	if from == StateClosed {
		return nil
	}
	return &Transition{Model: c.model, From: from, To: StateClosed, Manual: true}
}

// setState must be called with c.mu held.
func (c *circuit) setState(to State) *Transition {
	from := c.state
	c.state = to
	c.gen++
	return &Transition{Model: c.model, From: from, To: to}
}

func (c *circuit) snapshot() CircuitState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return CircuitState{
		Model:         c.model,
		State:         c.state,
		FailureCount:  c.failureCount,
		NextAttemptAt: c.nextAttemptAt,
		LastError:     c.lastError,
	}
}
