package admission_control

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrQuotaExceeded is matched by every QuotaExceededError.
	ErrQuotaExceeded = errors.New("admission: quota exceeded")
	// ErrStoreUnavailable means the shared counter store could not be reached.
	ErrStoreUnavailable = errors.New("admission: counter store unavailable")
	// ErrDependencyUnhealthy is returned when a breaker rejects a call and no fallback exists.
	ErrDependencyUnhealthy = errors.New("admission: dependency unhealthy")
	// ErrInvalidInput marks caller mistakes. Breakers never count it as a dependency failure.
	ErrInvalidInput = errors.New("admission: invalid input")
	// ErrUnknownDependency is returned for calls to a dependency that was never registered.
	ErrUnknownDependency = errors.New("admission: unknown dependency")
	// ErrDuplicateDependency is returned when a dependency is registered twice.
	ErrDuplicateDependency = errors.New("admission: dependency already registered")
)

// QuotaExceededError is a rate limiter denial.
type QuotaExceededError struct {
	Identity   Identity
	Limit      int64
	RetryAfter time.Duration
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("admission: quota of %d exceeded for %s, retry after %s", e.Limit, e.Identity, e.RetryAfter)
}

func (e *QuotaExceededError) Is(target error) bool {
	return target == ErrQuotaExceeded
}

// DependencyError wraps a failure of a downstream operation.
type DependencyError struct {
	Dependency string
	Err        error
}

func (e *DependencyError) Error() string {
	return fmt.Sprintf("admission: dependency %s failed: %v", e.Dependency, e.Err)
}

func (e *DependencyError) Unwrap() error {
	return e.Err
}
