package admission

import "fmt"

// Outcome represents the result of a single quota check, attributed to
// exactly one rule evaluation for one request.
//
// An Outcome is immutable once constructed. Conformance is derived from
// the remaining count reported by the quota service: the service
// decrements on each take and reports the remaining tokens atomically,
// so a negative remaining count means the request exceeded its quota.
type Outcome struct {
	// RequestID identifies the request this outcome belongs to.
	RequestID string

	// Conformant indicates whether the request was within its quota.
	// Derived as Remaining >= 0; never recomputed locally afterwards.
	Conformant bool

	// Limit is the maximum number of requests allowed in the bucket's window.
	Limit int64

	// Remaining is the number of tokens left after this check.
	// Negative values indicate the request exceeded the limit.
	Remaining int64

	// ResetSeconds is the number of seconds until the bucket resets.
	ResetSeconds int64
}

// NewOutcome constructs an Outcome from the values reported by the quota
// service. Conformance is derived from the remaining count.
func NewOutcome(requestID string, limit, remaining, resetSeconds int64) *Outcome {
	return &Outcome{
		RequestID:    requestID,
		Conformant:   remaining >= 0,
		Limit:        limit,
		Remaining:    remaining,
		ResetSeconds: resetSeconds,
	}
}

// WorseThan reports whether o is strictly more restrictive than other.
//
// Ordering rules:
//  1. A non-conformant outcome is strictly worse than a conformant one.
//  2. Between two outcomes of equal conformance, fewer remaining tokens
//     is worse.
//  3. On equal remaining, a longer reset is worse.
//  4. On equal reset, a smaller limit is worse: the same remaining
//     count inside a tighter bucket leaves less headroom.
//
// Every field that can differ participates in the ordering, so any two
// distinct outcomes are strictly comparable and the induced merge (keep
// the worse of two) is commutative and associative: merging a set of
// outcomes yields the same stored record in any arrival order.
func (o *Outcome) WorseThan(other *Outcome) bool {
	if o.Conformant != other.Conformant {
		return !o.Conformant
	}
	if o.Remaining != other.Remaining {
		return o.Remaining < other.Remaining
	}
	if o.ResetSeconds != other.ResetSeconds {
		return o.ResetSeconds > other.ResetSeconds
	}
	return o.Limit < other.Limit
}

// IsConformant returns true if the request was within its quota.
func (o *Outcome) IsConformant() bool {
	return o.Conformant
}

// String returns a human-readable representation for logging.
func (o *Outcome) String() string {
	return fmt.Sprintf(
		"Outcome{RequestID: %s, Conformant: %t, Remaining: %d/%d, ResetSeconds: %d}",
		o.RequestID, o.Conformant, o.Remaining, o.Limit, o.ResetSeconds,
	)
}
