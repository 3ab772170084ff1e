package admission

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

// Action is the terminal verdict of one rule evaluation.
type Action int

const (
	// ActionContinue lets the request proceed to the next rule or
	// handler.
	ActionContinue Action = iota

	// ActionReject refuses the request with a rate-limit rejection;
	// Decision.Outcome carries the worst record for header derivation.
	ActionReject

	// ActionError aborts the request with an internal fault;
	// Decision.Err carries a ClassificationError or BackendError.
	ActionError
)

// Decision is the result of evaluating one rule for one request.
type Decision struct {
	Action  Action
	Outcome *Outcome
	Err     error
}

// Evaluator runs configured rules through their per-request state
// machine:
//
//	Idle -> KeyExtraction -> TypeResolution -> TokenCheck -> Merged -> Decided
//
// Before any work it consults the registry: if the request is already
// known non-conformant the rule short-circuits to a rejection without
// issuing a redundant quota check. A check that was already in flight
// when another rule's rejection was recorded is not canceled; its result
// merges harmlessly because a conformant outcome can never downgrade a
// stored non-conformant one.
type Evaluator struct {
	registry *Registry
	pool     CheckerPool
	metrics  Metrics
	logger   *slog.Logger
}

// EvaluatorConfig holds dependencies for an Evaluator.
type EvaluatorConfig struct {
	// Registry is the pending-request registry outcomes merge into.
	// Required.
	Registry *Registry

	// Pool resolves rule addresses to quota checker handles. Required.
	Pool CheckerPool

	// Metrics records evaluation results. Default: NoOpMetrics.
	Metrics Metrics

	// Logger for evaluation events. Default: slog.Default().
	Logger *slog.Logger
}

// NewEvaluator creates an Evaluator.
func NewEvaluator(config EvaluatorConfig) *Evaluator {
	if config.Metrics == nil {
		config.Metrics = &NoOpMetrics{}
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Evaluator{
		registry: config.Registry,
		pool:     config.Pool,
		metrics:  config.Metrics,
		logger:   config.Logger,
	}
}

// Evaluate runs a single rule against a request and returns the
// decision. requestID keys the registry entry the result merges into.
func (e *Evaluator) Evaluate(ctx context.Context, requestID string, rule Rule, req *http.Request) Decision {
	phase := string(rule.Phase)

	// Fast-fail: a rejection already recorded by an earlier rule makes
	// further checks redundant.
	if stored := e.registry.Get(requestID); stored != nil && !stored.Conformant {
		e.metrics.RecordCheck(phase, "fast_fail")
		return Decision{Action: ActionReject, Outcome: stored}
	}

	key, err := rule.Key(req)
	if err != nil {
		e.metrics.RecordCheck(phase, "classification_error")
		return Decision{Action: ActionError, Err: &ClassificationError{Stage: StageKeyExtraction, Err: err}}
	}

	bucket, err := rule.Bucket.Resolve(req)
	if err != nil {
		e.metrics.RecordCheck(phase, "classification_error")
		return Decision{Action: ActionError, Err: &ClassificationError{Stage: StageTypeResolution, Err: err}}
	}

	checker, err := e.pool.Get(rule.Address)
	if err != nil {
		return e.backendFailure(rule, requestID, err)
	}

	start := time.Now()
	result, err := checker.Check(ctx, bucket, key)
	e.metrics.RecordCheckDuration(phase, time.Since(start))
	if err != nil {
		return e.backendFailure(rule, requestID, err)
	}

	merged := e.registry.KeepWorse(NewOutcome(requestID, result.Limit, result.Remaining, result.ResetSeconds))
	if !merged.Conformant {
		e.metrics.RecordCheck(phase, "rejected")
		e.logger.Warn("request exceeded quota",
			slog.String("request_id", requestID),
			slog.String("phase", phase),
			slog.String("bucket_type", bucket),
			slog.Int64("remaining", merged.Remaining),
			slog.Int64("limit", merged.Limit),
		)
		return Decision{Action: ActionReject, Outcome: merged}
	}

	e.metrics.RecordCheck(phase, "conformant")
	return Decision{Action: ActionContinue, Outcome: merged}
}

// backendFailure applies the rule's error policy to a failed quota
// check. Default is fail-open: the request continues and no outcome is
// merged for the failed check.
func (e *Evaluator) backendFailure(rule Rule, requestID string, cause error) Decision {
	phase := string(rule.Phase)
	berr := &BackendError{Address: rule.Address, Err: cause}

	e.metrics.RecordCheck(phase, "backend_error")
	e.metrics.RecordBackendError(rule.Address)

	if rule.OnBackendError != nil && rule.OnBackendError(berr) == DecisionReject {
		return Decision{Action: ActionError, Err: berr}
	}

	e.logger.Warn("quota backend unavailable, failing open",
		slog.String("request_id", requestID),
		slog.String("phase", phase),
		slog.String("address", rule.Address),
		slog.Any("error", cause),
	)
	return Decision{Action: ActionContinue}
}
