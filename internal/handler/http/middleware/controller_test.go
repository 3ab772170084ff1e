package middleware

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quotagate/internal/handler/http/requestid"
	"quotagate/pkg/admission"
)

// fakeChecker returns a canned result or error and counts calls.
type fakeChecker struct {
	mu     sync.Mutex
	result admission.CheckResult
	err    error
	calls  int
}

func (f *fakeChecker) Check(ctx context.Context, bucketType, key string) (admission.CheckResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return admission.CheckResult{}, f.err
	}
	return f.result, nil
}

func (f *fakeChecker) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// fakePool resolves addresses to fake checkers.
type fakePool struct {
	checkers map[string]admission.QuotaChecker
}

func (f *fakePool) Get(address string) (admission.QuotaChecker, error) {
	checker, ok := f.checkers[address]
	if !ok {
		return nil, fmt.Errorf("no checker for %s", address)
	}
	return checker, nil
}

func newTestController(t *testing.T, rules []admission.Rule, pool admission.CheckerPool) (*Controller, *admission.Registry) {
	t.Helper()
	registry := admission.NewRegistry(admission.RegistryConfig{})
	controller, err := NewController(ControllerConfig{
		Rules:    rules,
		Registry: registry,
		Pool:     pool,
	})
	require.NoError(t, err)
	return controller, registry
}

// buildChain assembles the production middleware order: request ID,
// finalizer, then one admission middleware per phase.
func buildChain(controller *Controller, phases []admission.Phase, handler http.Handler) http.Handler {
	chain := handler
	for i := len(phases) - 1; i >= 0; i-- {
		chain = controller.Middleware(phases[i])(chain)
	}
	chain = controller.Finalizer()(chain)
	return requestid.Middleware(chain)
}

func okHandler(called *bool) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if called != nil {
			*called = true
		}
		w.WriteHeader(http.StatusOK)
	})
}

func ipRule(phase admission.Phase, address string) admission.Rule {
	return admission.Rule{
		Phase:   phase,
		Bucket:  admission.StaticBucket("per_ip"),
		Address: address,
		Key:     IPKey(nil),
	}
}

func TestNewControllerRejectsInvalidRule(t *testing.T) {
	registry := admission.NewRegistry(admission.RegistryConfig{})
	_, err := NewController(ControllerConfig{
		Rules: []admission.Rule{
			{Phase: admission.PhaseConnect}, // missing bucket, address, key
		},
		Registry: registry,
		Pool:     &fakePool{},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rule 0")
}

func TestNewControllerRequiresDependencies(t *testing.T) {
	_, err := NewController(ControllerConfig{Pool: &fakePool{}})
	assert.Error(t, err)

	_, err = NewController(ControllerConfig{
		Registry: admission.NewRegistry(admission.RegistryConfig{}),
	})
	assert.Error(t, err)
}

func TestMiddlewareAllowsConformantRequest(t *testing.T) {
	checker := &fakeChecker{result: admission.CheckResult{Limit: 100, Remaining: 5, ResetSeconds: 42}}
	pool := &fakePool{checkers: map[string]admission.QuotaChecker{"q1": checker}}
	controller, registry := newTestController(t, []admission.Rule{ipRule(admission.PhaseConnect, "q1")}, pool)

	var called bool
	chain := buildChain(controller, []admission.Phase{admission.PhaseConnect}, okHandler(&called))

	req := httptest.NewRequest(http.MethodGet, "/feeds", nil)
	req.RemoteAddr = "10.0.0.1:54321"
	rec := httptest.NewRecorder()
	chain.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, called)
	assert.Equal(t, "100", rec.Header().Get(HeaderRateLimitLimit))
	assert.Equal(t, "5", rec.Header().Get(HeaderRateLimitRemaining))
	assert.Equal(t, "42", rec.Header().Get(HeaderRateLimitReset))
	assert.Empty(t, rec.Header().Get(HeaderRetryAfter))
	assert.Equal(t, 0, registry.Len(), "finalizer must consume the registry entry")
}

func TestMiddlewareRejectsNonConformantRequest(t *testing.T) {
	checker := &fakeChecker{result: admission.CheckResult{Limit: 100, Remaining: -1, ResetSeconds: 30}}
	pool := &fakePool{checkers: map[string]admission.QuotaChecker{"q1": checker}}
	controller, registry := newTestController(t, []admission.Rule{ipRule(admission.PhaseConnect, "q1")}, pool)

	var called bool
	chain := buildChain(controller, []admission.Phase{admission.PhaseConnect}, okHandler(&called))

	req := httptest.NewRequest(http.MethodGet, "/feeds", nil)
	req.RemoteAddr = "10.0.0.1:54321"
	rec := httptest.NewRecorder()
	chain.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.False(t, called, "rejected request must not reach the handler")
	assert.Equal(t, "100", rec.Header().Get(HeaderRateLimitLimit))
	assert.Equal(t, "0", rec.Header().Get(HeaderRateLimitRemaining), "negative remaining is clamped")
	assert.Equal(t, "30", rec.Header().Get(HeaderRateLimitReset))
	assert.Equal(t, "30", rec.Header().Get(HeaderRetryAfter))
	assert.JSONEq(t, `{"error":"rate limit exceeded"}`, rec.Body.String())
	assert.Equal(t, 0, registry.Len())
}

func TestMiddlewareReportsWorstOutcomeAcrossPhases(t *testing.T) {
	generous := &fakeChecker{result: admission.CheckResult{Limit: 100, Remaining: 50, ResetSeconds: 10}}
	tight := &fakeChecker{result: admission.CheckResult{Limit: 10, Remaining: 2, ResetSeconds: 60}}
	pool := &fakePool{checkers: map[string]admission.QuotaChecker{"q1": generous, "q2": tight}}

	rules := []admission.Rule{
		ipRule(admission.PhaseConnect, "q1"),
		ipRule(admission.PhasePreAuth, "q2"),
	}
	controller, _ := newTestController(t, rules, pool)
	chain := buildChain(controller, []admission.Phase{admission.PhaseConnect, admission.PhasePreAuth}, okHandler(nil))

	req := httptest.NewRequest(http.MethodGet, "/feeds", nil)
	req.RemoteAddr = "10.0.0.1:54321"
	rec := httptest.NewRecorder()
	chain.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "10", rec.Header().Get(HeaderRateLimitLimit))
	assert.Equal(t, "2", rec.Header().Get(HeaderRateLimitRemaining))
	assert.Equal(t, "60", rec.Header().Get(HeaderRateLimitReset))
	assert.Equal(t, 1, generous.callCount())
	assert.Equal(t, 1, tight.callCount())
}

func TestMiddlewareRejectionShortCircuitsLaterPhases(t *testing.T) {
	rejecting := &fakeChecker{result: admission.CheckResult{Limit: 10, Remaining: -5, ResetSeconds: 60}}
	later := &fakeChecker{result: admission.CheckResult{Limit: 100, Remaining: 50, ResetSeconds: 10}}
	pool := &fakePool{checkers: map[string]admission.QuotaChecker{"q1": rejecting, "q2": later}}

	rules := []admission.Rule{
		ipRule(admission.PhaseConnect, "q1"),
		ipRule(admission.PhasePreAuth, "q2"),
	}
	controller, _ := newTestController(t, rules, pool)
	chain := buildChain(controller, []admission.Phase{admission.PhaseConnect, admission.PhasePreAuth}, okHandler(nil))

	req := httptest.NewRequest(http.MethodGet, "/feeds", nil)
	req.RemoteAddr = "10.0.0.1:54321"
	rec := httptest.NewRecorder()
	chain.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "10", rec.Header().Get(HeaderRateLimitLimit))
	assert.Equal(t, 1, rejecting.callCount())
	assert.Equal(t, 0, later.callCount(), "rejection must stop the chain before later phases")
}

func TestMiddlewareZeroRulesPassesThroughWithoutHeaders(t *testing.T) {
	controller, _ := newTestController(t, nil, &fakePool{})

	var called bool
	chain := buildChain(controller, []admission.Phase{admission.PhaseConnect, admission.PhasePreAuth}, okHandler(&called))

	req := httptest.NewRequest(http.MethodGet, "/feeds", nil)
	req.RemoteAddr = "10.0.0.1:54321"
	rec := httptest.NewRecorder()
	chain.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, called)
	assert.Empty(t, rec.Header().Get(HeaderRateLimitLimit))
	assert.Empty(t, rec.Header().Get(HeaderRateLimitRemaining))
	assert.Empty(t, rec.Header().Get(HeaderRateLimitReset))
}

func TestMiddlewareFailsOpenOnBackendError(t *testing.T) {
	checker := &fakeChecker{err: errors.New("connection refused")}
	pool := &fakePool{checkers: map[string]admission.QuotaChecker{"q1": checker}}
	controller, _ := newTestController(t, []admission.Rule{ipRule(admission.PhaseConnect, "q1")}, pool)

	var called bool
	chain := buildChain(controller, []admission.Phase{admission.PhaseConnect}, okHandler(&called))

	req := httptest.NewRequest(http.MethodGet, "/feeds", nil)
	req.RemoteAddr = "10.0.0.1:54321"
	rec := httptest.NewRecorder()
	chain.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, called, "default policy lets the request through on backend failure")
	assert.Empty(t, rec.Header().Get(HeaderRateLimitLimit), "a failed check records no outcome")
}

func TestMiddlewareFailsClosedWhenPolicyRejects(t *testing.T) {
	checker := &fakeChecker{err: errors.New("connection refused")}
	pool := &fakePool{checkers: map[string]admission.QuotaChecker{"q1": checker}}

	rule := ipRule(admission.PhaseConnect, "q1")
	rule.OnBackendError = func(error) admission.BackendDecision { return admission.DecisionReject }
	controller, _ := newTestController(t, []admission.Rule{rule}, pool)

	var called bool
	chain := buildChain(controller, []admission.Phase{admission.PhaseConnect}, okHandler(&called))

	req := httptest.NewRequest(http.MethodGet, "/feeds", nil)
	req.RemoteAddr = "10.0.0.1:54321"
	rec := httptest.NewRecorder()
	chain.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.False(t, called)
}

func TestMiddlewareKeyExtractionFailureIsServerFault(t *testing.T) {
	checker := &fakeChecker{result: admission.CheckResult{Limit: 100, Remaining: 5}}
	pool := &fakePool{checkers: map[string]admission.QuotaChecker{"q1": checker}}

	rule := admission.Rule{
		Phase:   admission.PhasePreAuth,
		Bucket:  admission.StaticBucket("per_key"),
		Address: "q1",
		Key:     HeaderKey("X-API-Key"),
	}
	controller, _ := newTestController(t, []admission.Rule{rule}, pool)

	var called bool
	chain := buildChain(controller, []admission.Phase{admission.PhasePreAuth}, okHandler(&called))

	req := httptest.NewRequest(http.MethodGet, "/feeds", nil) // no X-API-Key
	req.RemoteAddr = "10.0.0.1:54321"
	rec := httptest.NewRecorder()
	chain.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.False(t, called)
	assert.Equal(t, 0, checker.callCount(), "no quota check without a key")
}

func TestMiddlewareDynamicBucketFailureIsServerFault(t *testing.T) {
	checker := &fakeChecker{result: admission.CheckResult{Limit: 100, Remaining: 5}}
	pool := &fakePool{checkers: map[string]admission.QuotaChecker{"q1": checker}}

	rule := admission.Rule{
		Phase:   admission.PhaseConnect,
		Bucket:  admission.DynamicBucket(HeaderBucket("X-Traffic-Class")),
		Address: "q1",
		Key:     IPKey(nil),
	}
	controller, _ := newTestController(t, []admission.Rule{rule}, pool)

	chain := buildChain(controller, []admission.Phase{admission.PhaseConnect}, okHandler(nil))

	req := httptest.NewRequest(http.MethodGet, "/feeds", nil) // no X-Traffic-Class
	req.RemoteAddr = "10.0.0.1:54321"
	rec := httptest.NewRecorder()
	chain.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, 0, checker.callCount())
}

func TestMiddlewareStartStopLifecycle(t *testing.T) {
	controller, _ := newTestController(t, nil, &fakePool{})
	controller.Start()
	controller.Stop()
	controller.Stop() // idempotent
}

func TestControllerRulesCount(t *testing.T) {
	rules := []admission.Rule{
		ipRule(admission.PhaseConnect, "q1"),
		ipRule(admission.PhaseConnect, "q1"),
		ipRule(admission.PhasePostAuth, "q1"),
	}
	checker := &fakeChecker{}
	pool := &fakePool{checkers: map[string]admission.QuotaChecker{"q1": checker}}
	controller, _ := newTestController(t, rules, pool)

	assert.Equal(t, 2, controller.Rules(admission.PhaseConnect))
	assert.Equal(t, 0, controller.Rules(admission.PhasePreAuth))
	assert.Equal(t, 1, controller.Rules(admission.PhasePostAuth))
}
