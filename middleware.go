package admission_control

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	_ http.Handler = &httpRateLimiterHandler{}
)

const (
	headerRateLimitLimit     = "X-RateLimit-Limit"
	headerRateLimitRemaining = "X-RateLimit-Remaining"
	headerRateLimitReset     = "X-RateLimit-Reset"
	headerRetryAfter         = "Retry-After"
	headerRequestID          = "X-Request-ID"
)

// TierResolver maps a request and its identity to the caller's plan tier.
type TierResolver interface {
	Resolve(r *http.Request, identity Identity) (Tier, error)
}

// TierResolverFunc adapts a function to TierResolver.
type TierResolverFunc func(r *http.Request, identity Identity) (Tier, error)

func (f TierResolverFunc) Resolve(r *http.Request, identity Identity) (Tier, error) {
	return f(r, identity)
}

// NewAPIKeyTierResolver resolves plans from a static API key table.
// Callers without a known key get defaultPlan.
func NewAPIKeyTierResolver(tiers TierTable, plans map[string]string, defaultPlan, apiKeyHeader string) TierResolver {
	return TierResolverFunc(func(r *http.Request, _ Identity) (Tier, error) {
		plan := defaultPlan
		if p, ok := plans[r.Header.Get(apiKeyHeader)]; ok {
			plan = p
		}
		tier, ok := tiers.Lookup(plan)
		if !ok {
			return Tier{}, fmt.Errorf("%w: unknown plan %q", ErrInvalidInput, plan)
		}
		return tier, nil
	})
}

// RateLimiterConfig holds configuration for the admission middleware.
type RateLimiterConfig struct {
	Extractor Extractor
	Tiers     TierResolver
	Limiter   *RateLimiter
	// Cost charged per request. Zero means one.
	Cost   int64
	Logger *zap.Logger
}

type httpRateLimiterHandler struct {
	handler http.Handler
	config  *RateLimiterConfig
	logger  *zap.Logger
}

// NewHTTPRateLimiterHandler wraps an existing http.Handler and performs admission control before
// forwarding the request to the API
func NewHTTPRateLimiterHandler(originalHandler http.Handler, config *RateLimiterConfig) http.Handler {
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &httpRateLimiterHandler{
		handler: originalHandler,
		config:  config,
		logger:  logger,
	}
}

// ServeHTTP checks the caller's quota and forwards the request if admitted.
func (h *httpRateLimiterHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestID := r.Header.Get(headerRequestID)
	if requestID == "" {
		requestID = uuid.NewString()
		r.Header.Set(headerRequestID, requestID)
	}
	w.Header().Set(headerRequestID, requestID)

	identity, err := h.config.Extractor.Extract(r)
	if err != nil {
		h.writeResponse(w, http.StatusBadRequest, "failed to resolve caller identity from request: %v", err)
		return
	}

	tier, err := h.config.Tiers.Resolve(r, identity)
	if err != nil {
		h.logger.Error("failed to resolve tier", zap.String("request_id", requestID), zap.String("identity", string(identity)), zap.Error(err))
		h.writeResponse(w, http.StatusInternalServerError, "failed to resolve rate limit tier for request")
		return
	}

	decision, err := h.config.Limiter.Check(r.Context(), &Request{
		Identity: identity,
		Tier:     tier,
		Cost:     h.config.Cost,
	})
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, ErrInvalidInput) {
			status = http.StatusBadRequest
		}
		h.writeResponse(w, status, "failed to run rate limiting for request: %v", err)
		return
	}

	w.Header().Set(headerRateLimitLimit, strconv.FormatInt(decision.Limit, 10))
	w.Header().Set(headerRateLimitRemaining, strconv.FormatInt(decision.Remaining, 10))
	w.Header().Set(headerRateLimitReset, strconv.FormatInt(decision.ResetSeconds, 10))

	// Too many requests
	if !decision.Allowed {
		w.Header().Set(headerRetryAfter, strconv.FormatInt(decision.RetryAfterSeconds(), 10))
		h.logger.Debug("request denied",
			zap.String("request_id", requestID),
			zap.String("identity", string(identity)),
			zap.String("tier", tier.Name),
			zap.Int64("retry_after_seconds", decision.RetryAfterSeconds()),
		)
		h.writeResponse(w, http.StatusTooManyRequests, "you have sent too many requests to this service, slow down please")
		return
	}

	h.handler.ServeHTTP(w, r)
}

func (h *httpRateLimiterHandler) writeResponse(w http.ResponseWriter, status int, msg string, args ...interface{}) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(status)
	if _, err := w.Write([]byte(fmt.Sprintf(msg, args...))); err != nil {
		h.logger.Error("failed to write body to HTTP request", zap.Error(err))
	}
}
