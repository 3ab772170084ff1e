package admission

import (
	"context"
	"time"
)

// CheckResult holds the raw values reported by the quota service for a
// single check. Conformance is not part of the wire result; it is
// derived from Remaining when the result is turned into an Outcome.
type CheckResult struct {
	// Limit is the bucket's configured capacity.
	Limit int64

	// Remaining is the token count left after the service decremented
	// for this check. May be negative.
	Remaining int64

	// ResetSeconds is the number of seconds until the bucket refills.
	ResetSeconds int64
}

// QuotaChecker performs a single quota check against the external
// service. Implementations must be safe for concurrent use: one checker
// handle is shared by every in-flight request targeting its address.
type QuotaChecker interface {
	// Check takes one token from the (bucketType, key) bucket and
	// returns the resulting counts. A returned error means the backend
	// could not be reached or refused the call; it never means the
	// request exceeded its quota.
	Check(ctx context.Context, bucketType, key string) (CheckResult, error)
}

// CheckerPool resolves a backend address to its long-lived checker
// handle. Get must not create connections implicitly; handles are
// established once at process start.
type CheckerPool interface {
	Get(address string) (QuotaChecker, error)
}

// Clock provides an abstraction for time operations to enable testing.
type Clock interface {
	// Now returns the current time.
	Now() time.Time
}

// SystemClock is a Clock implementation that uses the system time.
type SystemClock struct{}

// Now returns the current system time.
func (c *SystemClock) Now() time.Time {
	return time.Now()
}

// Metrics defines the interface for recording admission metrics.
//
// Implementations can use Prometheus or custom metrics systems; the
// NoOpMetrics implementation disables collection entirely.
type Metrics interface {
	// RecordCheck records the terminal result of one rule evaluation.
	// Results: "conformant", "rejected", "fast_fail",
	// "classification_error", "backend_error".
	RecordCheck(phase, result string)

	// RecordCheckDuration records how long one quota check took,
	// including the network round trip.
	RecordCheckDuration(phase string, d time.Duration)

	// SetPendingEntries records the current number of pending entries
	// in the registry.
	SetPendingEntries(count int)

	// RecordEvictions records entries removed by the TTL sweep.
	RecordEvictions(count int)

	// RecordBackendError records a failed quota check by backend address.
	RecordBackendError(address string)
}
