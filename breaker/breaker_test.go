package breaker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/hivemind/types"
)

// ---------------------------------------------------------------------------
// helpers
// ---------------------------------------------------------------------------

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// scriptedModels records calls per model and fails the models listed in fail.
type scriptedModels struct {
	mu    sync.Mutex
	calls map[string]int
	fail  map[string]error
}

func newScriptedModels() *scriptedModels {
	return &scriptedModels{calls: map[string]int{}, fail: map[string]error{}}
}

func (s *scriptedModels) setFailing(model string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.fail, model)
		return
	}
	s.fail[model] = err
}

func (s *scriptedModels) count(model string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[model]
}

func (s *scriptedModels) call(_ context.Context, model string, args ...any) (any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[model]++
	if err := s.fail[model]; err != nil {
		return nil, err
	}
	return model + ":ok", nil
}

func newTestBreaker(fn ModelFunc, clock *fakeClock, threshold int, reset time.Duration) *Breaker {
	return New(fn, Config{
		FailureThreshold: threshold,
		ResetTimeout:     reset,
		FallbackModel:    "flash",
	}, WithLogger(zap.NewNop()), WithClock(clock.Now))
}

// ---------------------------------------------------------------------------
// New
// ---------------------------------------------------------------------------

func TestNew_Defaults(t *testing.T) {
	b := New(newScriptedModels().call, Config{FallbackModel: "flash"})
	assert.Equal(t, 3, b.config.FailureThreshold)
	assert.Equal(t, 10*time.Second, b.config.ResetTimeout)
	assert.Equal(t, "flash", b.FallbackModel())

	def := DefaultConfig()
	assert.Equal(t, 3, def.FailureThreshold)
	assert.Equal(t, 10*time.Second, def.ResetTimeout)
}

// ---------------------------------------------------------------------------
// Closed -> Open -> fallback
// ---------------------------------------------------------------------------

func TestCallModel_TripsAfterThresholdAndServesFallback(t *testing.T) {
	models := newScriptedModels()
	models.setFailing("pro", errors.New("503 from provider"))
	clock := newFakeClock()
	b := newTestBreaker(models.call, clock, 3, time.Second)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		res, err := b.CallModel(ctx, "pro", "hello")
		require.NoError(t, err)
		assert.Equal(t, "flash", res.ModelUsed)
		assert.True(t, res.CircuitBreakerIntervened)
		assert.Equal(t, "flash:ok", res.Value)
	}
	assert.Equal(t, 3, models.count("pro"))

	st := b.ModelState("pro")
	assert.Equal(t, StateOpen, st.State)
	assert.Equal(t, 3, st.FailureCount)
	assert.Equal(t, clock.Now().Add(time.Second), st.NextAttemptAt)
	assert.Equal(t, "503 from provider", st.LastError)

	// fourth call never reaches "pro"
	res, err := b.CallModel(ctx, "pro", "hello")
	require.NoError(t, err)
	assert.Equal(t, "flash", res.ModelUsed)
	assert.True(t, res.CircuitBreakerIntervened)
	assert.Equal(t, 3, models.count("pro"))
	assert.Equal(t, 4, models.count("flash"))
}

func TestCallModel_SuccessResetsFailureCount(t *testing.T) {
	models := newScriptedModels()
	b := newTestBreaker(models.call, newFakeClock(), 3, time.Second)
	ctx := context.Background()

	models.setFailing("pro", errors.New("flaky"))
	for i := 0; i < 2; i++ {
		_, err := b.CallModel(ctx, "pro")
		require.NoError(t, err)
	}
	assert.Equal(t, 2, b.ModelState("pro").FailureCount)

	models.setFailing("pro", nil)
	res, err := b.CallModel(ctx, "pro")
	require.NoError(t, err)
	assert.Equal(t, "pro", res.ModelUsed)
	assert.False(t, res.CircuitBreakerIntervened)

	st := b.ModelState("pro")
	assert.Equal(t, StateClosed, st.State)
	assert.Zero(t, st.FailureCount)
}

func TestCallModel_OpenCircuitNeverInvokesModel(t *testing.T) {
	models := newScriptedModels()
	models.setFailing("pro", errors.New("down"))
	clock := newFakeClock()
	b := newTestBreaker(models.call, clock, 1, 10*time.Second)
	ctx := context.Background()

	_, err := b.CallModel(ctx, "pro")
	require.NoError(t, err)
	require.Equal(t, StateOpen, b.ModelState("pro").State)

	for i := 0; i < 20; i++ {
		clock.Advance(400 * time.Millisecond) // stays inside the cooldown
		_, err := b.CallModel(ctx, "pro")
		require.NoError(t, err)
	}
	assert.Equal(t, 1, models.count("pro"))
}

// ---------------------------------------------------------------------------
// Half-open
// ---------------------------------------------------------------------------

func TestCallModel_HalfOpenTrial(t *testing.T) {
	tests := []struct {
		name      string
		trialErr  error
		wantState State
		wantUsed  string
	}{
		{name: "trial success closes", trialErr: nil, wantState: StateClosed, wantUsed: "pro"},
		{name: "trial failure reopens", trialErr: errors.New("still down"), wantState: StateOpen, wantUsed: "flash"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			models := newScriptedModels()
			models.setFailing("pro", errors.New("down"))
			clock := newFakeClock()
			var transitions []Transition
			b := New(models.call, Config{
				FailureThreshold: 3,
				ResetTimeout:     time.Second,
				FallbackModel:    "flash",
				OnStateChange:    func(tr Transition) { transitions = append(transitions, tr) },
			}, WithClock(clock.Now))
			ctx := context.Background()

			for i := 0; i < 3; i++ {
				_, _ = b.CallModel(ctx, "pro")
			}
			clock.Advance(time.Second)
			models.setFailing("pro", tt.trialErr)

			res, err := b.CallModel(ctx, "pro")
			require.NoError(t, err)
			assert.Equal(t, tt.wantUsed, res.ModelUsed)
			assert.Equal(t, tt.wantState, b.ModelState("pro").State)
			assert.Equal(t, 4, models.count("pro"))

			require.Len(t, transitions, 3)
			assert.Equal(t, Transition{Model: "pro", From: StateClosed, To: StateOpen}, transitions[0])
			assert.Equal(t, Transition{Model: "pro", From: StateOpen, To: StateHalfOpen}, transitions[1])
			assert.Equal(t, Transition{Model: "pro", From: StateHalfOpen, To: tt.wantState}, transitions[2])
		})
	}
}

func TestCallModel_HalfOpenAdmitsSingleTrial(t *testing.T) {
	clock := newFakeClock()
	var proCalls atomic.Int32
	entered := make(chan struct{})
	release := make(chan struct{})
	tripped := false

	fn := func(ctx context.Context, model string, args ...any) (any, error) {
		if model == "flash" {
			return "flash:ok", nil
		}
		n := proCalls.Add(1)
		if !tripped {
			return nil, errors.New("down")
		}
		if n == 2 {
			close(entered)
			<-release
		}
		return "pro:ok", nil
	}

	b := newTestBreaker(fn, clock, 1, time.Second)
	ctx := context.Background()

	_, err := b.CallModel(ctx, "pro")
	require.NoError(t, err)
	require.Equal(t, StateOpen, b.ModelState("pro").State)
	tripped = true
	clock.Advance(2 * time.Second)

	trialDone := make(chan *Result, 1)
	go func() {
		res, _ := b.CallModel(ctx, "pro")
		trialDone <- res
	}()
	<-entered
	assert.Equal(t, StateHalfOpen, b.ModelState("pro").State)

	// concurrent calls while the trial is in flight go to the fallback
	for i := 0; i < 5; i++ {
		res, err := b.CallModel(ctx, "pro")
		require.NoError(t, err)
		assert.Equal(t, "flash", res.ModelUsed)
	}
	assert.EqualValues(t, 2, proCalls.Load())

	close(release)
	res := <-trialDone
	require.NotNil(t, res)
	assert.Equal(t, "pro", res.ModelUsed)
	assert.Equal(t, StateClosed, b.ModelState("pro").State)
}

// ---------------------------------------------------------------------------
// Fallback model
// ---------------------------------------------------------------------------

func TestCallModel_FallbackModelNeverDelegates(t *testing.T) {
	models := newScriptedModels()
	flashErr := errors.New("flash quota exceeded")
	models.setFailing("flash", flashErr)
	b := newTestBreaker(models.call, newFakeClock(), 1, time.Second)

	for i := 0; i < 5; i++ {
		res, err := b.CallModel(context.Background(), "flash")
		assert.Nil(t, res)
		assert.Same(t, flashErr, err)
	}
	assert.Equal(t, 5, models.count("flash"))
	// no circuit is tracked for the fallback model
	assert.Empty(t, b.AllStates())
}

func TestCallModel_ExhaustedFallback(t *testing.T) {
	models := newScriptedModels()
	models.setFailing("pro", errors.New("pro down"))
	flashErr := errors.New("flash down")
	models.setFailing("flash", flashErr)
	b := newTestBreaker(models.call, newFakeClock(), 3, time.Second)

	res, err := b.CallModel(context.Background(), "pro")
	assert.Nil(t, res)
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrExhaustedFallback))
	assert.ErrorIs(t, err, flashErr)
}

func TestCallModel_NoFallbackConfigured(t *testing.T) {
	models := newScriptedModels()
	models.setFailing("pro", errors.New("pro down"))
	b := New(models.call, Config{FailureThreshold: 1, ResetTimeout: time.Second})

	_, err := b.CallModel(context.Background(), "pro")
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrCircuitOpen))

	_, err = b.CallModel(context.Background(), "")
	assert.True(t, types.IsCode(err, types.ErrValidation))
}

func TestCallModel_CallTimeout(t *testing.T) {
	fn := func(ctx context.Context, model string, args ...any) (any, error) {
		if model == "flash" {
			return "flash:ok", nil
		}
		<-ctx.Done()
		return nil, ctx.Err()
	}
	b := New(fn, Config{
		FailureThreshold: 3,
		ResetTimeout:     time.Second,
		FallbackModel:    "flash",
		CallTimeout:      20 * time.Millisecond,
	})

	res, err := b.CallModel(context.Background(), "slow")
	require.NoError(t, err)
	assert.Equal(t, "flash", res.ModelUsed)
	assert.Equal(t, 1, b.ModelState("slow").FailureCount)
	assert.Contains(t, b.ModelState("slow").LastError, "deadline exceeded")
}

// ---------------------------------------------------------------------------
// Introspection and manual reset
// ---------------------------------------------------------------------------

func TestResetModel(t *testing.T) {
	models := newScriptedModels()
	models.setFailing("pro", errors.New("down"))
	clock := newFakeClock()
	var manual atomic.Bool
	b := New(models.call, Config{
		FailureThreshold: 1,
		ResetTimeout:     time.Minute,
		FallbackModel:    "flash",
		OnStateChange: func(tr Transition) {
			if tr.Manual {
				manual.Store(true)
			}
		},
	}, WithClock(clock.Now))

	_, _ = b.CallModel(context.Background(), "pro")
	require.Equal(t, StateOpen, b.ModelState("pro").State)

	b.ResetModel("pro")
	st := b.ModelState("pro")
	assert.Equal(t, StateClosed, st.State)
	assert.Zero(t, st.FailureCount)
	assert.True(t, st.NextAttemptAt.IsZero())
	assert.True(t, manual.Load())

	models.setFailing("pro", nil)
	res, err := b.CallModel(context.Background(), "pro")
	require.NoError(t, err)
	assert.Equal(t, "pro", res.ModelUsed)
}

func TestResetModel_UntrackedModelStaysUntracked(t *testing.T) {
	var changes atomic.Int32
	b := New(newScriptedModels().call, Config{
		FallbackModel: "flash",
		OnStateChange: func(Transition) { changes.Add(1) },
	})

	b.ResetModel("never-called")

	assert.Empty(t, b.AllStates())
	assert.Empty(t, b.Models())
	assert.Zero(t, changes.Load())
}

func TestResetModel_DiscardsResultsAdmittedBefore(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	fn := func(ctx context.Context, model string, args ...any) (any, error) {
		if model == "flash" {
			return "flash:ok", nil
		}
		close(entered)
		<-release
		return nil, errors.New("late failure")
	}
	b := New(fn, Config{FailureThreshold: 1, ResetTimeout: time.Minute, FallbackModel: "flash"})

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = b.CallModel(context.Background(), "pro")
	}()
	<-entered
	b.ResetModel("pro")
	close(release)
	<-done

	st := b.ModelState("pro")
	assert.Equal(t, StateClosed, st.State)
	assert.Zero(t, st.FailureCount)
}

func TestAllStates(t *testing.T) {
	models := newScriptedModels()
	models.setFailing("pro", errors.New("down"))
	b := newTestBreaker(models.call, newFakeClock(), 1, time.Second)
	ctx := context.Background()

	_, _ = b.CallModel(ctx, "pro")
	_, _ = b.CallModel(ctx, "sonnet")

	states := b.AllStates()
	require.Len(t, states, 2)
	assert.Equal(t, StateOpen, states["pro"].State)
	assert.Equal(t, StateClosed, states["sonnet"].State)
	assert.Equal(t, []string{"pro", "sonnet"}, b.Models())

	untracked := b.ModelState("haiku")
	assert.Equal(t, StateClosed, untracked.State)
	assert.Equal(t, "haiku", untracked.Model)
}

func TestState_String(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateClosed, "CLOSED"},
		{StateOpen, "OPEN"},
		{StateHalfOpen, "HALF_OPEN"},
		{State(9), "UNKNOWN"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.state.String())
	}

	text, err := StateHalfOpen.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "HALF_OPEN", string(text))
	_, err = State(9).MarshalText()
	assert.Error(t, err)
}

// ---------------------------------------------------------------------------
// Concurrency
// ---------------------------------------------------------------------------

func TestCallModel_ConcurrentFailuresTripOnce(t *testing.T) {
	models := newScriptedModels()
	models.setFailing("pro", errors.New("down"))
	var trips atomic.Int32
	b := New(models.call, Config{
		FailureThreshold: 3,
		ResetTimeout:     time.Minute,
		FallbackModel:    "flash",
		OnStateChange: func(tr Transition) {
			if tr.To == StateOpen {
				trips.Add(1)
			}
		},
	})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := b.CallModel(context.Background(), "pro")
			assert.NoError(t, err)
			assert.Equal(t, "flash", res.ModelUsed)
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, trips.Load())
	assert.Equal(t, StateOpen, b.ModelState("pro").State)
}
