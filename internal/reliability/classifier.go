package reliability

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// IsRetryableHTTPStatus classifies retryable HTTP status codes.
func IsRetryableHTTPStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

// StatusCode renders an HTTP status as a metric label.
func StatusCode(code int) string {
	if code <= 0 {
		return "transport"
	}
	return strconv.Itoa(code)
}

// ExponentialBackoff computes a deterministic capped backoff duration.
func ExponentialBackoff(attempt int, base, cap time.Duration) time.Duration {
	if attempt <= 0 {
		return base
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= cap {
			return cap
		}
	}
	return d
}

// RetryAfter reads a Retry-After header in seconds, falling back when absent or malformed.
// Reddit also reports x-ratelimit-reset in seconds; that header is consulted second.
func RetryAfter(h http.Header, fallback time.Duration) time.Duration {
	for _, key := range []string{"Retry-After", "X-Ratelimit-Reset"} {
		v := strings.TrimSpace(h.Get(key))
		if v == "" {
			continue
		}
		secs, err := strconv.ParseFloat(v, 64)
		if err != nil || secs < 0 {
			continue
		}
		return time.Duration(secs * float64(time.Second))
	}
	return fallback
}
