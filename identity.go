package admission_control

import (
	"net"
	"net/http"
	"strings"
)

var (
	_ Extractor = &httpIdentityExtractor{}
)

// DefaultKeyPrefix namespaces persisted token buckets.
const DefaultKeyPrefix = "ratelimit:"

const (
	// DefaultAPIKeyHeader carries the caller's API key.
	DefaultAPIKeyHeader = "X-API-Key"

	unknownClient = "unknown"
)

// Identity uniquely identifies a caller for quota purposes.
type Identity string

// ResolveIdentity picks the identity by precedence: API key, then user id, then client IP.
// The result is never empty.
func ResolveIdentity(apiKey, userID, clientIP string) Identity {
	if v := strings.TrimSpace(apiKey); v != "" {
		return Identity("key:" + v)
	}
	if v := strings.TrimSpace(userID); v != "" {
		return Identity("user:" + v)
	}
	if v := strings.TrimSpace(clientIP); v != "" {
		return Identity("ip:" + v)
	}
	return Identity("ip:" + unknownClient)
}

// Extractor extracts the caller identity from an HTTP request.
type Extractor interface {
	Extract(r *http.Request) (Identity, error)
}

// UserIDFunc returns the authenticated user id of a request, or "" for anonymous callers.
type UserIDFunc func(r *http.Request) string

type httpIdentityExtractor struct {
	apiKeyHeader string
	userID       UserIDFunc
	trustXFF     bool
}

// ExtractorOption configures the identity extractor.
type ExtractorOption func(*httpIdentityExtractor)

// WithAPIKeyHeader changes the header the API key is read from.
func WithAPIKeyHeader(header string) ExtractorOption {
	return func(h *httpIdentityExtractor) { h.apiKeyHeader = header }
}

// WithUserID plugs in the authentication layer.
func WithUserID(fn UserIDFunc) ExtractorOption {
	return func(h *httpIdentityExtractor) { h.userID = fn }
}

// WithTrustedForwardedFor reads the client IP from X-Forwarded-For.
// Only enable behind a proxy that overwrites the header.
func WithTrustedForwardedFor(trust bool) ExtractorOption {
	return func(h *httpIdentityExtractor) { h.trustXFF = trust }
}

// NewHTTPIdentityExtractor creates the default Extractor.
func NewHTTPIdentityExtractor(opts ...ExtractorOption) Extractor {
	h := &httpIdentityExtractor{apiKeyHeader: DefaultAPIKeyHeader}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Extract resolves the identity of r. It never fails.
func (h *httpIdentityExtractor) Extract(r *http.Request) (Identity, error) {
	var apiKey, userID string
	if h.apiKeyHeader != "" {
		apiKey = r.Header.Get(h.apiKeyHeader)
	}
	if h.userID != nil {
		userID = h.userID(r)
	}
	return ResolveIdentity(apiKey, userID, h.clientIP(r)), nil
}

func (h *httpIdentityExtractor) clientIP(r *http.Request) string {
	if h.trustXFF {
		// first hop is the original client
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			if ip := strings.TrimSpace(strings.Split(xff, ",")[0]); ip != "" {
				return ip
			}
		}
	}

	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err == nil && host != "" {
		return host
	}
	return strings.TrimSpace(r.RemoteAddr)
}
