package ratelimit

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/msgbridge/internal/metrics"
)

// APIKeyHeader carries a client's API key.
const APIKeyHeader = "X-API-Key"

// KeyFunc extracts the limiter key from a request.
type KeyFunc func(r *http.Request) string

// PresentedKey returns the API key sent in the X-API-Key header or the api_key
// query parameter.
func PresentedKey(r *http.Request) string {
	if key := r.Header.Get(APIKeyHeader); key != "" {
		return key
	}
	return r.URL.Query().Get("api_key")
}

// ClientKey identifies the caller by IP.
func ClientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "ip:" + host
}

// ClientKeyFunc gives each configured API key its own bucket. Any other presented key,
// or none, falls back to the caller's IP, so made-up keys cannot mint fresh buckets.
// Keys are hashed so secrets never reach the limiter backend.
func ClientKeyFunc(validKeys []string) KeyFunc {
	valid := make([][]byte, 0, len(validKeys))
	for _, k := range validKeys {
		if k = strings.TrimSpace(k); k != "" {
			valid = append(valid, []byte(k))
		}
	}
	if len(valid) == 0 {
		return ClientKey
	}
	return func(r *http.Request) string {
		key := PresentedKey(r)
		if key == "" {
			return ClientKey(r)
		}
		match := 0
		for _, want := range valid {
			match |= subtle.ConstantTimeCompare([]byte(key), want)
		}
		if match != 1 {
			return ClientKey(r)
		}
		sum := sha256.Sum256([]byte(key))
		return "key:" + hex.EncodeToString(sum[:8])
	}
}

// Middleware rejects requests over the limit with 429. Limiter errors let the request
// through so a backend outage does not take the API down.
func Middleware(limiter Limiter, keyFunc KeyFunc, retryAfterSeconds int, logger *zap.Logger) func(http.Handler) http.Handler {
	if keyFunc == nil {
		keyFunc = ClientKey
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if retryAfterSeconds <= 0 {
		retryAfterSeconds = 1
	}
	retryAfter := strconv.Itoa(retryAfterSeconds)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			allowed, err := limiter.Allow(r.Context(), keyFunc(r))
			if err != nil {
				logger.Warn("rate limiter unavailable; allowing request", zap.Error(err))
				next.ServeHTTP(w, r)
				return
			}
			if !allowed {
				metrics.ObserveRateLimitRejection()
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("Retry-After", retryAfter)
				w.WriteHeader(http.StatusTooManyRequests)
				_ = json.NewEncoder(w).Encode(map[string]string{"error": "rate limit exceeded"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
