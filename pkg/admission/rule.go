package admission

import (
	"errors"
	"fmt"
	"net/http"
)

// Phase is an opaque tag naming the request-lifecycle point at which a
// rule is evaluated. The host middleware chain decides what each phase
// means; the core only uses it to group rules.
type Phase string

// Conventional phases for an HTTP host. Hosts are free to define their
// own tags; nothing in the core depends on these values.
const (
	// PhaseConnect runs before any routing or authentication, typically
	// keyed by client IP.
	PhaseConnect Phase = "connect"

	// PhasePreAuth runs after routing but before authentication.
	PhasePreAuth Phase = "pre_auth"

	// PhasePostAuth runs once the request has an authenticated
	// principal, typically keyed by user or API token.
	PhasePostAuth Phase = "post_auth"
)

// KeyFunc extracts the bucket key (e.g. client IP, user ID) from a
// request. An error means the request could not be classified and is
// surfaced as a ClassificationError, not a rate-limit rejection.
type KeyFunc func(r *http.Request) (string, error)

// BucketResolver computes a bucket type from a request, for rules whose
// bucket type is not a fixed string.
type BucketResolver func(r *http.Request) (string, error)

// BucketType is the tagged variant Static(name) | Dynamic(resolver).
// Exactly one of the two is set; Resolve dispatches explicitly rather
// than via runtime type inspection.
type BucketType struct {
	static  string
	resolve BucketResolver
}

// StaticBucket returns a bucket type that is the same fixed name for
// every request, e.g. "per_ip".
func StaticBucket(name string) BucketType {
	return BucketType{static: name}
}

// DynamicBucket returns a bucket type computed per request by the given
// resolver. Resolver failures are classification errors.
func DynamicBucket(resolve BucketResolver) BucketType {
	return BucketType{resolve: resolve}
}

// Resolve returns the bucket type for the given request.
func (b BucketType) Resolve(r *http.Request) (string, error) {
	if b.resolve != nil {
		return b.resolve(r)
	}
	if b.static == "" {
		return "", errors.New("bucket type is not configured")
	}
	return b.static, nil
}

// IsZero reports whether the bucket type was never configured.
func (b BucketType) IsZero() bool {
	return b.static == "" && b.resolve == nil
}

// BackendDecision is the verdict of a rule's backend-error policy.
type BackendDecision int

const (
	// DecisionAllow admits the request despite the failed check
	// (fail-open, the default policy).
	DecisionAllow BackendDecision = iota

	// DecisionReject refuses the request because the check failed.
	DecisionReject
)

// BackendErrorPolicy decides what to do when the quota check itself
// fails. It receives the BackendError describing the failure.
type BackendErrorPolicy func(err error) BackendDecision

// Rule is one independently configured admission rule. Rules are
// immutable once registered; a single request can match any number of
// them across different phases.
type Rule struct {
	// Phase schedules when the rule is evaluated.
	Phase Phase

	// Bucket names the rate-limit category the check counts against,
	// either fixed or computed per request.
	Bucket BucketType

	// Address locates the quota backend for this rule. All rules
	// sharing an address share one connection handle.
	Address string

	// Key extracts the bucket key from the request.
	Key KeyFunc

	// OnBackendError optionally overrides the fail-open default when
	// the quota check cannot be performed. Nil means fail open.
	OnBackendError BackendErrorPolicy
}

// Validate checks that the rule carries everything an evaluation needs.
func (r Rule) Validate() error {
	if r.Phase == "" {
		return errors.New("rule phase is required")
	}
	if r.Bucket.IsZero() {
		return fmt.Errorf("rule for phase %q has no bucket type", r.Phase)
	}
	if r.Address == "" {
		return fmt.Errorf("rule for phase %q has no backend address", r.Phase)
	}
	if r.Key == nil {
		return fmt.Errorf("rule for phase %q has no key extractor", r.Phase)
	}
	return nil
}
