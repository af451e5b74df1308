package circuit_breaker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/aryangodara/admission_control"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
)

// State is the breaker state of a dependency.
type State = gobreaker.State

const (
	StateClosed   = gobreaker.StateClosed
	StateHalfOpen = gobreaker.StateHalfOpen
	StateOpen     = gobreaker.StateOpen
)

// Counts holds the request counters of a dependency breaker.
type Counts = gobreaker.Counts

// FailureClassifier reports whether err signals an unhealthy dependency.
type FailureClassifier func(err error) bool

// IsDependencyFailure is the default classifier: every error except caller input errors.
// Cancelled and timed out calls count as failures.
func IsDependencyFailure(err error) bool {
	return err != nil && !errors.Is(err, admission_control.ErrInvalidInput)
}

// ExcludeErrors builds a classifier that ignores errors matching any of excluded,
// in addition to caller input errors.
func ExcludeErrors(excluded ...error) FailureClassifier {
	return func(err error) bool {
		for _, e := range excluded {
			if errors.Is(err, e) {
				return false
			}
		}
		return IsDependencyFailure(err)
	}
}

// Settings configures the breaker of one dependency.
type Settings struct {
	FailureThreshold uint32        `yaml:"failureThreshold"`
	ResetTimeout     time.Duration `yaml:"resetTimeout"`
	// IsDependencyFailure overrides the registry classifier for this dependency.
	IsDependencyFailure FailureClassifier `yaml:"-"`
}

// DefaultSettings returns a five failure, one minute breaker.
func DefaultSettings() Settings {
	return Settings{
		FailureThreshold: 5,
		ResetTimeout:     60 * time.Second,
	}
}

// Validate checks the settings.
func (s Settings) Validate() error {
	if s.FailureThreshold == 0 {
		return fmt.Errorf("failureThreshold must be > 0")
	}
	if s.ResetTimeout <= 0 {
		return fmt.Errorf("resetTimeout must be > 0")
	}
	return nil
}

type dependency struct {
	name      string
	cb        *gobreaker.CircuitBreaker[any]
	isFailure FailureClassifier
}

type fallbackKey struct {
	dependency string
	key        string
}

// Registry owns one breaker per named dependency for the lifetime of the process.
// Breaker state is local to the process.
type Registry struct {
	mu        sync.RWMutex
	deps      map[string]*dependency
	fallbacks map[fallbackKey]Fallback
	isFailure FailureClassifier
	logger    *zap.Logger
	metrics   *admission_control.Metrics
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets a custom logger.
func WithLogger(logger *zap.Logger) Option {
	return func(r *Registry) { r.logger = logger }
}

// WithMetrics records rejections, fallbacks and failures into m.
func WithMetrics(m *admission_control.Metrics) Option {
	return func(r *Registry) { r.metrics = m }
}

// WithFailureClassifier replaces IsDependencyFailure for all dependencies.
func WithFailureClassifier(fn FailureClassifier) Option {
	return func(r *Registry) { r.isFailure = fn }
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		deps:      make(map[string]*dependency),
		fallbacks: make(map[fallbackKey]Fallback),
		isFailure: IsDependencyFailure,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register creates the breaker for name. Each dependency is registered once.
func (r *Registry) Register(name string, s Settings) error {
	if name == "" {
		return fmt.Errorf("%w: dependency name is empty", admission_control.ErrInvalidInput)
	}
	if err := s.Validate(); err != nil {
		return fmt.Errorf("%w: dependency %s: %w", admission_control.ErrInvalidInput, name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.deps[name]; ok {
		return fmt.Errorf("%w: %s", admission_control.ErrDuplicateDependency, name)
	}

	isFailure := s.IsDependencyFailure
	if isFailure == nil {
		isFailure = r.isFailure
	}
	threshold := s.FailureThreshold

	r.deps[name] = &dependency{
		name:      name,
		isFailure: isFailure,
		cb: gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
			Name: name,
			// exactly one trial call while half-open
			MaxRequests: 1,
			Timeout:     s.ResetTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= threshold
			},
			// excluded errors count as neither success nor failure and free the trial slot
			IsExcluded: func(err error) bool {
				return err != nil && !isFailure(err)
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				r.logger.Info("circuit breaker state changed",
					zap.String("dependency", name),
					zap.String("from", from.String()),
					zap.String("to", to.String()),
				)
				r.metrics.SetBreakerState(name, float64(to))
			},
		}),
	}
	r.metrics.SetBreakerState(name, float64(StateClosed))
	return nil
}

// State returns the current state of the named breaker.
func (r *Registry) State(name string) (State, error) {
	dep, err := r.dependency(name)
	if err != nil {
		return StateClosed, err
	}
	return dep.cb.State(), nil
}

// Counts returns the counters of the named breaker.
func (r *Registry) Counts(name string) (Counts, error) {
	dep, err := r.dependency(name)
	if err != nil {
		return Counts{}, err
	}
	return dep.cb.Counts(), nil
}

// Dependencies returns the registered dependency names in a stable order.
func (r *Registry) Dependencies() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.deps))
	for name := range r.deps {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *Registry) dependency(name string) (*dependency, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	dep, ok := r.deps[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", admission_control.ErrUnknownDependency, name)
	}
	return dep, nil
}

// Call describes one protected call to a dependency.
type Call struct {
	Dependency string
	// FallbackKey selects the fallback registered for this logical operation. Optional.
	FallbackKey string
	// Args is handed to the fallback, which sees the same input as the operation.
	Args any
}

// Execute runs op through the breaker of call.Dependency.
//
// While the breaker is open op is not invoked: the registered fallback answers, or an error
// matching admission_control.ErrDependencyUnhealthy is returned. A dependency failure of op
// is returned as *admission_control.DependencyError unless a fallback answers instead.
// Errors the classifier does not count are returned unchanged.
func Execute[T any](ctx context.Context, r *Registry, call Call, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T

	dep, err := r.dependency(call.Dependency)
	if err != nil {
		return zero, err
	}
	fallback := r.fallback(call.Dependency, call.FallbackKey)

	out, err := dep.cb.Execute(func() (any, error) {
		return op(ctx)
	})
	if err == nil {
		v, _ := out.(T)
		return v, nil
	}

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		r.metrics.ObserveBreakerRejection(dep.name)
		unhealthy := fmt.Errorf("%w: %s: %w", admission_control.ErrDependencyUnhealthy, dep.name, err)
		if fallback == nil {
			return zero, unhealthy
		}
		return runFallback[T](ctx, r, call, fallback, unhealthy)
	}

	if !dep.isFailure(err) {
		return zero, err
	}

	r.metrics.ObserveBreakerFailure(dep.name)
	failure := &admission_control.DependencyError{Dependency: dep.name, Err: err}
	if fallback == nil {
		return zero, failure
	}
	return runFallback[T](ctx, r, call, fallback, failure)
}
