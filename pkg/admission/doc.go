// Package admission implements request-admission control backed by an
// external quota service.
//
// A request passing through the host's middleware chain may trigger any
// number of independently configured rules, each bound to a lifecycle
// phase. Every rule performs one quota check against the external service
// and feeds the result into a per-request registry that keeps only the
// worst (most restrictive) outcome seen so far. At response time the
// worst outcome is read exactly once and surfaced as rate-limit headers.
//
// The package does not implement any bucket algorithm locally: limit,
// remaining and reset values are whatever the external service reported.
// It is designed to be safe under interleaved, asynchronously completing
// checks; the merge ordering is commutative, so the final stored outcome
// is independent of the order in which checks finish.
package admission
