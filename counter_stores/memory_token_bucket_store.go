package counter_stores

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/aryangodara/admission_control"
	"golang.org/x/time/rate"
)

var (
	_ admission_control.AtomicCounterStore = &MemoryTokenBucketStore{}
)

// MemoryTokenBucketStore keeps buckets in process memory. It is only correct when a single
// instance enforces the quota, e.g. in development or tests.
type MemoryTokenBucketStore struct {
	mu      sync.Mutex
	entries map[string]*memoryEntry
	idleTTL time.Duration
	now     func() time.Time
}

type memoryEntry struct {
	lim      *rate.Limiter
	lastSeen time.Time // newest timestamp applied to lim
}

// MemoryStoreOption configures a MemoryTokenBucketStore.
type MemoryStoreOption func(*MemoryTokenBucketStore)

// WithIdleTTL sets how long an idle bucket is kept.
func WithIdleTTL(d time.Duration) MemoryStoreOption {
	return func(s *MemoryTokenBucketStore) { s.idleTTL = d }
}

// WithJanitorClock sets the time source used by Cleanup.
func WithJanitorClock(now func() time.Time) MemoryStoreOption {
	return func(s *MemoryTokenBucketStore) { s.now = now }
}

// NewMemoryTokenBucketStore creates an empty in-process store.
func NewMemoryTokenBucketStore(opts ...MemoryStoreOption) *MemoryTokenBucketStore {
	s := &MemoryTokenBucketStore{
		entries: make(map[string]*memoryEntry),
		idleTTL: DefaultIdleTTL,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RefillAndConsume implements admission_control.AtomicCounterStore.
func (s *MemoryTokenBucketStore) RefillAndConsume(ctx context.Context, key string, spec admission_control.BucketSpec) (admission_control.BucketResult, error) {
	if err := ctx.Err(); err != nil {
		return admission_control.BucketResult{}, fmt.Errorf("%w: %w", admission_control.ErrStoreUnavailable, err)
	}

	limit := rate.Limit(spec.RefillRate)
	burst := int(spec.Capacity)

	s.mu.Lock()
	defer s.mu.Unlock()

	ent, ok := s.entries[key]
	if !ok || spec.Now.Sub(ent.lastSeen) > s.idleTTL {
		ent = &memoryEntry{lim: rate.NewLimiter(limit, burst)}
		s.entries[key] = ent
	}
	// callers may arrive out of timestamp order; the limiter must never see time go backwards
	at := spec.Now
	if ent.lastSeen.After(at) {
		at = ent.lastSeen
	}
	if ent.lim.Limit() != limit {
		ent.lim.SetLimitAt(at, limit)
	}
	if ent.lim.Burst() != burst {
		ent.lim.SetBurstAt(at, burst)
	}
	ent.lastSeen = at

	allowed := ent.lim.AllowN(at, int(spec.Cost))
	return admission_control.BucketResult{
		Allowed: allowed,
		Tokens:  ent.lim.TokensAt(at),
	}, nil
}

// Len returns the number of tracked identities.
func (s *MemoryTokenBucketStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Cleanup drops buckets idle for longer than the idle TTL.
func (s *MemoryTokenBucketStore) Cleanup() {
	cutoff := s.now().Add(-s.idleTTL)

	s.mu.Lock()
	defer s.mu.Unlock()

	for k, ent := range s.entries {
		if ent.lastSeen.Before(cutoff) {
			delete(s.entries, k)
		}
	}
}

// StartJanitor runs Cleanup every interval until ctx is done.
func (s *MemoryTokenBucketStore) StartJanitor(ctx context.Context, every time.Duration) {
	if every <= 0 {
		return
	}

	t := time.NewTicker(every)
	go func() {
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				s.Cleanup()
			}
		}
	}()
}
