// Package middleware adapts the admission engine to net/http. A
// Controller owns the configured rules and exposes one middleware per
// processing phase plus a finalizer that stamps rate-limit headers on
// the response.
package middleware

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"quotagate/internal/handler/http/requestid"
	"quotagate/internal/handler/http/respond"
	"quotagate/pkg/admission"
)

// Controller wires rules, the pending-request registry, and the quota
// checker pool into HTTP middleware. Phases run in chain order; every
// rule outcome merges into the registry so the finalizer can report the
// worst one.
type Controller struct {
	registry     *admission.Registry
	evaluator    *admission.Evaluator
	rulesByPhase map[admission.Phase][]admission.Rule
	logger       *slog.Logger
}

// ControllerConfig holds dependencies for a Controller.
type ControllerConfig struct {
	// Rules is the full rule set across all phases. Each rule must pass
	// validation. Required, but may be empty.
	Rules []admission.Rule

	// Registry is the pending-request registry. Required.
	Registry *admission.Registry

	// Pool resolves rule addresses to quota checkers. Required.
	Pool admission.CheckerPool

	// Metrics records evaluation results. Default: NoOpMetrics.
	Metrics admission.Metrics

	// Logger for admission events. Default: slog.Default().
	Logger *slog.Logger
}

// NewController validates the rule set and builds a controller.
func NewController(config ControllerConfig) (*Controller, error) {
	if config.Registry == nil {
		return nil, errors.New("registry is required")
	}
	if config.Pool == nil {
		return nil, errors.New("checker pool is required")
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	rulesByPhase := make(map[admission.Phase][]admission.Rule)
	for i, rule := range config.Rules {
		if err := rule.Validate(); err != nil {
			return nil, fmt.Errorf("rule %d: %w", i, err)
		}
		rulesByPhase[rule.Phase] = append(rulesByPhase[rule.Phase], rule)
	}

	evaluator := admission.NewEvaluator(admission.EvaluatorConfig{
		Registry: config.Registry,
		Pool:     config.Pool,
		Metrics:  config.Metrics,
		Logger:   config.Logger,
	})

	return &Controller{
		registry:     config.Registry,
		evaluator:    evaluator,
		rulesByPhase: rulesByPhase,
		logger:       config.Logger,
	}, nil
}

// Start launches the registry's background sweeper. Call once at
// process start, paired with Stop.
func (c *Controller) Start() {
	c.registry.StartSweeper()
}

// Stop halts the background sweeper. Safe to call more than once.
func (c *Controller) Stop() {
	c.registry.Stop()
}

// Rules returns the number of rules configured for a phase.
func (c *Controller) Rules(phase admission.Phase) int {
	return len(c.rulesByPhase[phase])
}

// Middleware returns the admission middleware for one phase. It runs
// every rule configured for that phase in order and stops at the first
// rejection or fault. Requests passing all rules continue down the
// chain.
//
// The finalizer middleware must be installed outside all phase
// middlewares so that rejection responses also carry rate-limit
// headers.
func (c *Controller) Middleware(phase admission.Phase) func(http.Handler) http.Handler {
	rules := c.rulesByPhase[phase]
	return func(next http.Handler) http.Handler {
		if len(rules) == 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := requestid.FromContext(r.Context())

			for _, rule := range rules {
				decision := c.evaluator.Evaluate(r.Context(), requestID, rule, r)
				switch decision.Action {
				case admission.ActionContinue:
					continue
				case admission.ActionReject:
					respond.Error(w, http.StatusTooManyRequests, "rate limit exceeded")
					return
				case admission.ActionError:
					c.fail(w, r, phase, decision.Err)
					return
				}
			}

			next.ServeHTTP(w, r)
		})
	}
}

// fail converts an evaluation fault into an HTTP response. Rule
// misconfiguration and unclassifiable requests are the service's
// fault (500); a backend outage under a fail-closed policy is
// temporary (503).
func (c *Controller) fail(w http.ResponseWriter, r *http.Request, phase admission.Phase, err error) {
	var classification *admission.ClassificationError
	var backend *admission.BackendError

	switch {
	case errors.As(err, &classification):
		c.logger.Error("request classification failed",
			slog.String("request_id", requestid.FromContext(r.Context())),
			slog.String("phase", string(phase)),
			slog.String("stage", classification.Stage),
			slog.Any("error", classification.Err),
		)
		respond.Error(w, http.StatusInternalServerError, "internal server error")
	case errors.As(err, &backend):
		c.logger.Error("quota backend unavailable, failing closed",
			slog.String("request_id", requestid.FromContext(r.Context())),
			slog.String("phase", string(phase)),
			slog.String("address", backend.Address),
			slog.Any("error", backend.Err),
		)
		respond.Error(w, http.StatusServiceUnavailable, "service temporarily unavailable")
	default:
		c.logger.Error("admission evaluation failed",
			slog.String("request_id", requestid.FromContext(r.Context())),
			slog.String("phase", string(phase)),
			slog.Any("error", err),
		)
		respond.Error(w, http.StatusInternalServerError, "internal server error")
	}
}
