package circuit_breaker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aryangodara/admission_control"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errUpstream = errors.New("upstream returned 503")

type quote struct {
	Symbol   string
	Price    float64
	Degraded bool
}

// flakyProvider fails while fail is set and counts invocations.
type flakyProvider struct {
	calls atomic.Int32
	fail  atomic.Bool
}

func (p *flakyProvider) fetch(symbol string) func(ctx context.Context) (quote, error) {
	return func(ctx context.Context) (quote, error) {
		p.calls.Add(1)
		if p.fail.Load() {
			return quote{}, errUpstream
		}
		return quote{Symbol: symbol, Price: 101.5}, nil
	}
}

func newTestRegistry(t *testing.T, s Settings) (*Registry, *admission_control.Metrics) {
	t.Helper()

	metrics := admission_control.NewMetrics(prometheus.NewRegistry())
	r := NewRegistry(WithMetrics(metrics))
	require.NoError(t, r.Register("X", s))
	return r, metrics
}

func staleQuote(_ context.Context, args any, _ error) (quote, error) {
	return quote{Symbol: args.(string), Price: 99, Degraded: true}, nil
}

func TestRegistry_TripsAfterThreshold(t *testing.T) {
	r, metrics := newTestRegistry(t, Settings{FailureThreshold: 5, ResetTimeout: time.Minute})
	p := &flakyProvider{}
	p.fail.Store(true)
	call := Call{Dependency: "X"}

	for i := 0; i < 5; i++ {
		_, err := Execute(context.Background(), r, call, p.fetch("ACME"))
		var depErr *admission_control.DependencyError
		require.ErrorAs(t, err, &depErr)
		assert.ErrorIs(t, err, errUpstream)
		assert.Equal(t, "X", depErr.Dependency)
	}

	state, err := r.State("X")
	require.NoError(t, err)
	assert.Equal(t, StateOpen, state)

	_, err = Execute(context.Background(), r, call, p.fetch("ACME"))
	assert.ErrorIs(t, err, admission_control.ErrDependencyUnhealthy)
	assert.Equal(t, int32(5), p.calls.Load(), "operation must not run while open")

	assert.Equal(t, 5.0, testutil.ToFloat64(metrics.BreakerFailures.WithLabelValues("X")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.BreakerRejections.WithLabelValues("X")))
	assert.Equal(t, float64(StateOpen), testutil.ToFloat64(metrics.BreakerState.WithLabelValues("X")))
}

func TestRegistry_SuccessResetsConsecutiveFailures(t *testing.T) {
	r, _ := newTestRegistry(t, Settings{FailureThreshold: 3, ResetTimeout: time.Minute})
	p := &flakyProvider{}
	call := Call{Dependency: "X"}

	for i := 0; i < 10; i++ {
		p.fail.Store(i%3 != 2)
		_, _ = Execute(context.Background(), r, call, p.fetch("ACME"))
	}

	state, err := r.State("X")
	require.NoError(t, err)
	assert.Equal(t, StateClosed, state)

	counts, err := r.Counts("X")
	require.NoError(t, err)
	assert.Equal(t, uint32(1), counts.ConsecutiveFailures)
}

func TestRegistry_OpenBreakerUsesFallback(t *testing.T) {
	r, metrics := newTestRegistry(t, Settings{FailureThreshold: 5, ResetTimeout: time.Minute})
	require.NoError(t, r.RegisterFallback("X", "quote", TypedFallback(staleQuote)))
	p := &flakyProvider{}
	p.fail.Store(true)

	for i := 0; i < 5; i++ {
		_, _ = Execute(context.Background(), r, Call{Dependency: "X"}, p.fetch("ACME"))
	}

	got, err := Execute(context.Background(), r, Call{Dependency: "X", FallbackKey: "quote", Args: "ACME"}, p.fetch("ACME"))
	require.NoError(t, err)
	assert.Equal(t, quote{Symbol: "ACME", Price: 99, Degraded: true}, got)
	assert.Equal(t, int32(5), p.calls.Load())
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.BreakerFallbacks.WithLabelValues("X")))
}

func TestRegistry_FailureWithFallbackReturnsFallback(t *testing.T) {
	r, _ := newTestRegistry(t, DefaultSettings())
	var cause error
	require.NoError(t, r.RegisterFallback("X", "quote", TypedFallback(func(ctx context.Context, args any, err error) (quote, error) {
		cause = err
		return staleQuote(ctx, args, err)
	})))
	p := &flakyProvider{}
	p.fail.Store(true)

	got, err := Execute(context.Background(), r, Call{Dependency: "X", FallbackKey: "quote", Args: "ACME"}, p.fetch("ACME"))
	require.NoError(t, err)
	assert.True(t, got.Degraded)
	assert.ErrorIs(t, cause, errUpstream)
	assert.Equal(t, int32(1), p.calls.Load())
}

func TestRegistry_FallbackErrorIsReturned(t *testing.T) {
	r, _ := newTestRegistry(t, DefaultSettings())
	errNoCache := errors.New("no cached quote")
	require.NoError(t, r.RegisterFallback("X", "quote", func(context.Context, any, error) (any, error) {
		return nil, errNoCache
	}))
	p := &flakyProvider{}
	p.fail.Store(true)

	_, err := Execute(context.Background(), r, Call{Dependency: "X", FallbackKey: "quote"}, p.fetch("ACME"))
	assert.ErrorIs(t, err, errNoCache)
}

func TestRegistry_FallbackTypeMismatch(t *testing.T) {
	r, _ := newTestRegistry(t, DefaultSettings())
	require.NoError(t, r.RegisterFallback("X", "quote", func(context.Context, any, error) (any, error) {
		return "not a quote", nil
	}))
	p := &flakyProvider{}
	p.fail.Store(true)

	_, err := Execute(context.Background(), r, Call{Dependency: "X", FallbackKey: "quote"}, p.fetch("ACME"))
	require.Error(t, err)
	assert.ErrorIs(t, err, errUpstream)
}

func TestRegistry_ExcludedErrorsDoNotTrip(t *testing.T) {
	r, metrics := newTestRegistry(t, Settings{FailureThreshold: 2, ResetTimeout: time.Minute})
	require.NoError(t, r.RegisterFallback("X", "quote", TypedFallback(staleQuote)))

	for i := 0; i < 10; i++ {
		_, err := Execute(context.Background(), r, Call{Dependency: "X", FallbackKey: "quote", Args: "??"}, invalidSymbol)
		assert.ErrorIs(t, err, admission_control.ErrInvalidInput)
	}

	state, err := r.State("X")
	require.NoError(t, err)
	assert.Equal(t, StateClosed, state)
	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.BreakerFallbacks.WithLabelValues("X")))
}

func TestRegistry_CustomClassifier(t *testing.T) {
	errNotFound := errors.New("not found")
	r := NewRegistry(WithFailureClassifier(ExcludeErrors(errNotFound)))
	require.NoError(t, r.Register("X", Settings{FailureThreshold: 1, ResetTimeout: time.Minute}))

	_, err := Execute(context.Background(), r, Call{Dependency: "X"}, func(context.Context) (int, error) {
		return 0, errNotFound
	})
	assert.ErrorIs(t, err, errNotFound)

	state, err := r.State("X")
	require.NoError(t, err)
	assert.Equal(t, StateClosed, state)

	_, err = Execute(context.Background(), r, Call{Dependency: "X"}, func(context.Context) (int, error) {
		return 0, context.Canceled
	})
	assert.ErrorIs(t, err, context.Canceled)

	state, err = r.State("X")
	require.NoError(t, err)
	assert.Equal(t, StateOpen, state)
}

func TestRegistry_RecoversThroughHalfOpen(t *testing.T) {
	const resetTimeout = 100 * time.Millisecond

	r, _ := newTestRegistry(t, Settings{FailureThreshold: 5, ResetTimeout: resetTimeout})
	require.NoError(t, r.RegisterFallback("X", "quote", TypedFallback(staleQuote)))
	p := &flakyProvider{}
	p.fail.Store(true)
	call := Call{Dependency: "X", FallbackKey: "quote", Args: "ACME"}

	for i := 0; i < 5; i++ {
		_, _ = Execute(context.Background(), r, Call{Dependency: "X"}, p.fetch("ACME"))
	}

	got, err := Execute(context.Background(), r, call, p.fetch("ACME"))
	require.NoError(t, err)
	assert.True(t, got.Degraded)
	assert.Equal(t, int32(5), p.calls.Load())

	time.Sleep(resetTimeout + 50*time.Millisecond)
	p.fail.Store(false)

	got, err = Execute(context.Background(), r, call, p.fetch("ACME"))
	require.NoError(t, err)
	assert.False(t, got.Degraded)
	assert.Equal(t, int32(6), p.calls.Load())

	state, err := r.State("X")
	require.NoError(t, err)
	assert.Equal(t, StateClosed, state)

	got, err = Execute(context.Background(), r, call, p.fetch("ACME"))
	require.NoError(t, err)
	assert.False(t, got.Degraded)
	assert.Equal(t, int32(7), p.calls.Load())
}

func TestRegistry_FailedTrialReopens(t *testing.T) {
	const resetTimeout = 100 * time.Millisecond

	r, _ := newTestRegistry(t, Settings{FailureThreshold: 2, ResetTimeout: resetTimeout})
	p := &flakyProvider{}
	p.fail.Store(true)
	call := Call{Dependency: "X"}

	for i := 0; i < 2; i++ {
		_, _ = Execute(context.Background(), r, call, p.fetch("ACME"))
	}

	time.Sleep(resetTimeout + 50*time.Millisecond)

	_, err := Execute(context.Background(), r, call, p.fetch("ACME"))
	assert.ErrorIs(t, err, errUpstream)
	assert.Equal(t, int32(3), p.calls.Load())

	state, err := r.State("X")
	require.NoError(t, err)
	assert.Equal(t, StateOpen, state)

	// the timeout restarted with the failed trial
	time.Sleep(resetTimeout / 2)
	_, err = Execute(context.Background(), r, call, p.fetch("ACME"))
	assert.ErrorIs(t, err, admission_control.ErrDependencyUnhealthy)
	assert.Equal(t, int32(3), p.calls.Load())
}

func TestRegistry_HalfOpenAdmitsSingleTrial(t *testing.T) {
	const resetTimeout = 50 * time.Millisecond

	r, _ := newTestRegistry(t, Settings{FailureThreshold: 1, ResetTimeout: resetTimeout})
	_, _ = Execute(context.Background(), r, Call{Dependency: "X"}, func(context.Context) (int, error) {
		return 0, errUpstream
	})

	time.Sleep(resetTimeout + 50*time.Millisecond)

	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		_, err := Execute(context.Background(), r, Call{Dependency: "X"}, func(context.Context) (int, error) {
			close(started)
			<-release
			return 1, nil
		})
		done <- err
	}()
	<-started

	var calls atomic.Int32
	_, err := Execute(context.Background(), r, Call{Dependency: "X"}, func(context.Context) (int, error) {
		calls.Add(1)
		return 2, nil
	})
	assert.ErrorIs(t, err, admission_control.ErrDependencyUnhealthy)
	assert.Equal(t, int32(0), calls.Load())

	close(release)
	require.NoError(t, <-done)

	state, err := r.State("X")
	require.NoError(t, err)
	assert.Equal(t, StateClosed, state)
}

func TestRegistry_Registration(t *testing.T) {
	r := NewRegistry()

	require.NoError(t, r.Register("market-data", DefaultSettings()))
	assert.ErrorIs(t, r.Register("market-data", DefaultSettings()), admission_control.ErrDuplicateDependency)
	assert.ErrorIs(t, r.Register("bad", Settings{FailureThreshold: 0, ResetTimeout: time.Second}), admission_control.ErrInvalidInput)
	assert.ErrorIs(t, r.Register("bad", Settings{FailureThreshold: 1}), admission_control.ErrInvalidInput)
	assert.ErrorIs(t, r.RegisterFallback("missing", "quote", TypedFallback(staleQuote)), admission_control.ErrUnknownDependency)
	assert.Equal(t, []string{"market-data"}, r.Dependencies())

	_, err := Execute(context.Background(), r, Call{Dependency: "missing"}, func(context.Context) (int, error) {
		return 1, nil
	})
	assert.ErrorIs(t, err, admission_control.ErrUnknownDependency)
}

func invalidSymbol(context.Context) (quote, error) {
	return quote{}, errors.Join(admission_control.ErrInvalidInput, errors.New("unknown symbol"))
}

func TestRegistry_ExcludedErrorsKeepFailureStreak(t *testing.T) {
	r, _ := newTestRegistry(t, Settings{FailureThreshold: 3, ResetTimeout: time.Minute})
	p := &flakyProvider{}
	p.fail.Store(true)
	call := Call{Dependency: "X"}

	for i := 0; i < 2; i++ {
		_, err := Execute(context.Background(), r, call, p.fetch("ACME"))
		assert.ErrorIs(t, err, errUpstream)
	}
	_, err := Execute(context.Background(), r, call, invalidSymbol)
	assert.ErrorIs(t, err, admission_control.ErrInvalidInput)

	counts, err := r.Counts("X")
	require.NoError(t, err)
	assert.Equal(t, uint32(2), counts.ConsecutiveFailures)

	_, err = Execute(context.Background(), r, call, p.fetch("ACME"))
	assert.ErrorIs(t, err, errUpstream)

	state, err := r.State("X")
	require.NoError(t, err)
	assert.Equal(t, StateOpen, state)
}

func TestRegistry_ExcludedErrorDoesNotSettleTrial(t *testing.T) {
	const resetTimeout = 50 * time.Millisecond

	r, _ := newTestRegistry(t, Settings{FailureThreshold: 1, ResetTimeout: resetTimeout})
	p := &flakyProvider{}
	p.fail.Store(true)
	call := Call{Dependency: "X"}

	_, _ = Execute(context.Background(), r, call, p.fetch("ACME"))
	time.Sleep(resetTimeout + 50*time.Millisecond)

	_, err := Execute(context.Background(), r, call, invalidSymbol)
	assert.ErrorIs(t, err, admission_control.ErrInvalidInput)

	state, err := r.State("X")
	require.NoError(t, err)
	assert.Equal(t, StateHalfOpen, state)

	// the trial slot is still free
	p.fail.Store(false)
	got, err := Execute(context.Background(), r, call, p.fetch("ACME"))
	require.NoError(t, err)
	assert.Equal(t, "ACME", got.Symbol)
	assert.Equal(t, int32(2), p.calls.Load())

	state, err = r.State("X")
	require.NoError(t, err)
	assert.Equal(t, StateClosed, state)
}

func TestRegistry_RegisterFallbackRejectsEmptyKey(t *testing.T) {
	r, _ := newTestRegistry(t, DefaultSettings())

	assert.ErrorIs(t, r.RegisterFallback("X", "", TypedFallback(staleQuote)), admission_control.ErrInvalidInput)
	assert.ErrorIs(t, r.RegisterFallback("X", "quote", nil), admission_control.ErrInvalidInput)
}
