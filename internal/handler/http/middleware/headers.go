package middleware

import (
	"net/http"
	"strconv"

	"quotagate/pkg/admission"
)

// Rate-limit response headers. They report the worst outcome recorded
// for the request across every rule that ran.
const (
	HeaderRateLimitLimit     = "X-RateLimit-Limit"
	HeaderRateLimitRemaining = "X-RateLimit-Remaining"
	HeaderRateLimitReset     = "X-RateLimit-Reset"
	HeaderRetryAfter         = "Retry-After"
)

// SetRateLimitHeaders writes the standard rate-limit headers for an
// outcome. Remaining is clamped at zero: negative values encode the
// degree of overrun internally but are not exposed to clients.
func SetRateLimitHeaders(h http.Header, outcome *admission.Outcome) {
	remaining := outcome.Remaining
	if remaining < 0 {
		remaining = 0
	}
	h.Set(HeaderRateLimitLimit, strconv.FormatInt(outcome.Limit, 10))
	h.Set(HeaderRateLimitRemaining, strconv.FormatInt(remaining, 10))
	h.Set(HeaderRateLimitReset, strconv.FormatInt(outcome.ResetSeconds, 10))
}
