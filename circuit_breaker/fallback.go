package circuit_breaker

import (
	"context"
	"fmt"

	"github.com/aryangodara/admission_control"
	"go.uber.org/zap"
)

// Fallback produces a degraded result in place of a dependency call. It receives the
// call's Args and the error that triggered it, and must not call the protected dependency.
type Fallback func(ctx context.Context, args any, cause error) (any, error)

// TypedFallback adapts a fallback returning T.
func TypedFallback[T any](fn func(ctx context.Context, args any, cause error) (T, error)) Fallback {
	return func(ctx context.Context, args any, cause error) (any, error) {
		return fn(ctx, args, cause)
	}
}

// RegisterFallback installs fn for the logical operation key of dependency.
// A later registration for the same pair replaces the earlier one.
func (r *Registry) RegisterFallback(dependency, key string, fn Fallback) error {
	if key == "" || fn == nil {
		return fmt.Errorf("%w: fallback for %s needs a key and a handler", admission_control.ErrInvalidInput, dependency)
	}
	if _, err := r.dependency(dependency); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallbacks[fallbackKey{dependency: dependency, key: key}] = fn
	return nil
}

func (r *Registry) fallback(dependency, key string) Fallback {
	if key == "" {
		return nil
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.fallbacks[fallbackKey{dependency: dependency, key: key}]
}

func runFallback[T any](ctx context.Context, r *Registry, call Call, fn Fallback, cause error) (T, error) {
	var zero T

	r.metrics.ObserveBreakerFallback(call.Dependency)
	r.logger.Warn("dependency call served by fallback",
		zap.String("dependency", call.Dependency),
		zap.String("fallback_key", call.FallbackKey),
		zap.Error(cause),
	)

	out, err := fn(ctx, call.Args, cause)
	if err != nil {
		return zero, err
	}
	if out == nil {
		return zero, nil
	}
	v, ok := out.(T)
	if !ok {
		return zero, fmt.Errorf("fallback %s/%s returned %T: %w", call.Dependency, call.FallbackKey, out, cause)
	}
	return v, nil
}
