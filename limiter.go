package admission_control

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"
)

const (
	defaultStoreTimeout = 100 * time.Millisecond
)

// Request defines a request to be admitted.
type Request struct {
	Identity Identity
	Tier     Tier
	Cost     int64
}

// Decision is the outcome of an admission check.
type Decision struct {
	Allowed      bool
	Remaining    int64
	Limit        int64
	ResetSeconds int64
	// Degraded is set when the decision was made without consulting the store.
	Degraded bool
}

// RetryAfterSeconds is the delay a denied caller should wait before retrying.
func (d Decision) RetryAfterSeconds() int64 {
	if d.Allowed {
		return 0
	}
	return d.ResetSeconds
}

// Err returns a QuotaExceededError for denied decisions and nil otherwise.
func (d Decision) Err(identity Identity) error {
	if d.Allowed {
		return nil
	}
	return &QuotaExceededError{
		Identity:   identity,
		Limit:      d.Limit,
		RetryAfter: time.Duration(d.ResetSeconds) * time.Second,
	}
}

// BucketSpec is the token bucket shape for one atomic refill-and-consume.
type BucketSpec struct {
	Capacity   int64
	RefillRate float64 // tokens per second
	Cost       int64
	Now        time.Time
}

// BucketResult reports the bucket balance after a refill-and-consume.
type BucketResult struct {
	Allowed bool
	// Tokens is the balance after consumption, or before it when denied.
	Tokens float64
}

// AtomicCounterStore performs the token-bucket refill-and-consume as one indivisible
// operation per key. Implementations must be safe for concurrent use across processes.
type AtomicCounterStore interface {
	RefillAndConsume(ctx context.Context, key string, spec BucketSpec) (BucketResult, error)
}

// RateLimiter admits or rejects inbound requests per identity.
type RateLimiter struct {
	store        AtomicCounterStore
	now          func() time.Time
	keyPrefix    string
	storeTimeout time.Duration
	logger       *zap.Logger
	metrics      *Metrics
}

// Option configures a RateLimiter.
type Option func(*RateLimiter)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *RateLimiter) { l.now = now }
}

// WithKeyPrefix sets the prefix of persisted bucket keys.
func WithKeyPrefix(prefix string) Option {
	return func(l *RateLimiter) { l.keyPrefix = prefix }
}

// WithStoreTimeout bounds the store round-trip. A timed out call fails open.
func WithStoreTimeout(d time.Duration) Option {
	return func(l *RateLimiter) { l.storeTimeout = d }
}

// WithLogger sets a custom logger.
func WithLogger(logger *zap.Logger) Option {
	return func(l *RateLimiter) { l.logger = logger }
}

// WithMetrics records decisions into m.
func WithMetrics(m *Metrics) Option {
	return func(l *RateLimiter) { l.metrics = m }
}

// NewRateLimiter creates a RateLimiter backed by store.
func NewRateLimiter(store AtomicCounterStore, opts ...Option) *RateLimiter {
	l := &RateLimiter{
		store:        store,
		now:          time.Now,
		keyPrefix:    DefaultKeyPrefix,
		storeTimeout: defaultStoreTimeout,
		logger:       zap.NewNop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Check runs the token bucket for r.Identity under r.Tier. A cost of zero means one.
//
// Store failures never surface: the request is admitted and the decision is marked Degraded.
func (l *RateLimiter) Check(ctx context.Context, r *Request) (Decision, error) {
	cost := r.Cost
	if cost == 0 {
		cost = 1
	}
	capacity := r.Tier.BurstCapacity
	if cost < 0 || cost > capacity {
		return Decision{}, fmt.Errorf("%w: cost %d outside 1..%d for tier %q", ErrInvalidInput, cost, capacity, r.Tier.Name)
	}
	rate := r.Tier.RefillRate()
	if rate <= 0 {
		return Decision{}, fmt.Errorf("%w: tier %q has no refill rate", ErrInvalidInput, r.Tier.Name)
	}

	storeCtx, cancel := context.WithTimeout(ctx, l.storeTimeout)
	defer cancel()

	res, err := l.store.RefillAndConsume(storeCtx, l.keyPrefix+string(r.Identity), BucketSpec{
		Capacity:   capacity,
		RefillRate: rate,
		Cost:       cost,
		Now:        l.now(),
	})
	if err != nil {
		return l.failOpen(r, err), nil
	}

	dec := decide(res, capacity, rate, cost)
	l.metrics.observeDecision(r.Tier.Name, dec)
	return dec, nil
}

func (l *RateLimiter) failOpen(r *Request, err error) Decision {
	if !errors.Is(err, ErrStoreUnavailable) {
		err = fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	l.logger.Warn("rate limit store unavailable, failing open",
		zap.String("identity", string(r.Identity)),
		zap.String("tier", r.Tier.Name),
		zap.Error(err),
	)
	dec := Decision{
		Allowed:   true,
		Remaining: r.Tier.BurstCapacity,
		Limit:     r.Tier.BurstCapacity,
		Degraded:  true,
	}
	l.metrics.observeDecision(r.Tier.Name, dec)
	return dec
}

func decide(res BucketResult, capacity int64, rate float64, cost int64) Decision {
	tokens := math.Max(0, math.Min(float64(capacity), res.Tokens))
	dec := Decision{
		Allowed:   res.Allowed,
		Remaining: int64(math.Floor(tokens)),
		Limit:     capacity,
	}
	if !res.Allowed {
		dec.ResetSeconds = int64(math.Ceil((float64(cost) - tokens) / rate))
		if dec.ResetSeconds < 1 {
			dec.ResetSeconds = 1
		}
	}
	return dec
}
