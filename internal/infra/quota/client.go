// Package quota implements the client side of the external quota
// service: one long-lived gRPC connection per configured backend
// address, pooled for the lifetime of the process.
package quota

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"quotagate/internal/observability/tracing"
	"quotagate/pkg/admission"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
)

// checkMethodPath is the full gRPC method name of the quota service's
// unary take-and-report operation.
const checkMethodPath = "/quotagate.v1.QuotaService/Check"

// checkRequest is the wire request for one quota check.
type checkRequest struct {
	BucketType string `json:"bucket_type"`
	Key        string `json:"key"`
}

// checkResponse is the wire response. The service decrements the bucket
// and reports the remaining count atomically; conformance is derived by
// the caller from the sign of Remaining.
type checkResponse struct {
	Limit        int64 `json:"limit"`
	Remaining    int64 `json:"remaining"`
	ResetSeconds int64 `json:"reset_seconds"`
}

// Prometheus metrics for the quota client.
var (
	// quotaClientRequestsTotal tracks quota check RPCs by address and status.
	quotaClientRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quota_client_requests_total",
			Help: "Total number of quota check RPCs",
		},
		[]string{"address", "status"},
	)

	// quotaClientRequestDuration tracks quota check latency.
	// Buckets target a fast local service: most checks should land
	// well under 50ms; anything past 1s means the timeout fired.
	quotaClientRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "quota_client_request_duration_seconds",
			Help:    "Quota check RPC duration in seconds",
			Buckets: []float64{0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		},
		[]string{"address"},
	)

	// quotaClientCircuitBreakerState tracks circuit breaker state.
	// 0 = closed, 1 = open, 2 = half-open
	quotaClientCircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "quota_client_circuit_breaker_state",
			Help: "Quota client circuit breaker state (0=closed, 1=open, 2=half-open)",
		},
		[]string{"address"},
	)
)

// Common errors returned by the quota client.
var (
	// ErrUnavailable indicates the quota service is not reachable.
	ErrUnavailable = errors.New("quota service unavailable")

	// ErrTimeout indicates the check exceeded its deadline.
	ErrTimeout = errors.New("quota check timed out")

	// ErrCircuitOpen indicates too many failures; checks are refused
	// locally until the breaker recovers.
	ErrCircuitOpen = errors.New("quota service temporarily disabled (circuit breaker open)")

	// ErrNotPrepared indicates Get was called for an address that was
	// never prepared.
	ErrNotPrepared = errors.New("no quota client prepared for address")

	// ErrPoolClosed indicates the pool has been shut down.
	ErrPoolClosed = errors.New("quota client pool is closed")
)

// BreakerConfig holds circuit breaker settings for a quota client.
type BreakerConfig struct {
	// MaxRequests is the number of probe requests allowed while
	// half-open. Default: 3.
	MaxRequests uint32

	// Interval is the cyclic period for clearing counts while closed.
	// Default: 60s.
	Interval time.Duration

	// Timeout is how long the breaker stays open before probing.
	// Default: 30s.
	Timeout time.Duration

	// MinRequests is the minimum number of requests before the failure
	// ratio is considered. Default: 10.
	MinRequests uint32

	// FailureThreshold is the failure ratio that trips the breaker.
	// Default: 0.6.
	FailureThreshold float64
}

func (c *BreakerConfig) applyDefaults() {
	if c.MaxRequests == 0 {
		c.MaxRequests = 3
	}
	if c.Interval <= 0 {
		c.Interval = 60 * time.Second
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.MinRequests == 0 {
		c.MinRequests = 10
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 0.6
	}
}

// ClientConfig holds configuration for a single quota client.
type ClientConfig struct {
	// Address is the backend location, e.g. "localhost:8081".
	Address string

	// CheckTimeout bounds each quota check RPC. Default: 500ms.
	CheckTimeout time.Duration

	// ConnectTimeout bounds the initial connection wait when WaitReady
	// is set. Default: 5s.
	ConnectTimeout time.Duration

	// WaitReady makes Prepare block until the connection is ready.
	// When false the connection is established lazily on first use.
	WaitReady bool

	// Breaker configures the circuit breaker around check RPCs.
	Breaker BreakerConfig

	// Logger for connection and breaker events. Default: slog.Default().
	Logger *slog.Logger
}

// invokeFunc issues one unary RPC. It exists so tests can substitute
// the transport without a live connection.
type invokeFunc func(ctx context.Context, method string, args, reply any, opts ...grpc.CallOption) error

// Client is a handle to one quota backend. A single Client is shared by
// every in-flight request targeting its address; overlapping checks
// multiplex over the one HTTP/2 connection without head-of-line
// blocking each other.
type Client struct {
	address      string
	conn         *grpc.ClientConn
	breaker      *gobreaker.CircuitBreaker
	checkTimeout time.Duration
	logger       *slog.Logger
	invoke       invokeFunc
}

// newClient establishes a client for the given backend address.
func newClient(cfg ClientConfig) (*Client, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("quota client address is required")
	}
	if cfg.CheckTimeout <= 0 {
		cfg.CheckTimeout = 500 * time.Millisecond
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	cfg.Breaker.applyDefaults()

	conn, err := grpc.NewClient(
		cfg.Address,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create quota service connection: %w", err)
	}

	if cfg.WaitReady {
		conn.Connect()
		ctx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
		defer cancel()
		if !waitForConnection(ctx, conn) {
			if closeErr := conn.Close(); closeErr != nil {
				cfg.Logger.Error("failed to close quota service connection",
					slog.String("address", cfg.Address),
					slog.Any("error", closeErr))
			}
			return nil, fmt.Errorf("quota service connection timeout for %s", cfg.Address)
		}
	}

	logger := cfg.Logger
	address := cfg.Address
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "quota-" + address,
		MaxRequests: cfg.Breaker.MaxRequests,
		Interval:    cfg.Breaker.Interval,
		Timeout:     cfg.Breaker.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cfg.Breaker.MinRequests {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= cfg.Breaker.FailureThreshold
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Info("quota client circuit breaker state changed",
				slog.String("address", address),
				slog.String("from", from.String()),
				slog.String("to", to.String()))
			updateCircuitBreakerMetric(address, to)
		},
	})

	c := &Client{
		address:      cfg.Address,
		conn:         conn,
		breaker:      breaker,
		checkTimeout: cfg.CheckTimeout,
		logger:       cfg.Logger,
	}
	c.invoke = conn.Invoke
	return c, nil
}

// Check takes one token from the (bucketType, key) bucket and reports
// the resulting counts. It implements admission.QuotaChecker.
func (c *Client) Check(ctx context.Context, bucketType, key string) (admission.CheckResult, error) {
	ctx, cancel := context.WithTimeout(ctx, c.checkTimeout)
	defer cancel()

	ctx, span := tracing.GetTracer().Start(ctx, "quota.Check",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("quota.address", c.address),
			attribute.String("quota.bucket_type", bucketType),
		),
	)
	defer span.End()

	start := time.Now()
	defer func() {
		quotaClientRequestDuration.WithLabelValues(c.address).Observe(time.Since(start).Seconds())
	}()

	result, err := c.breaker.Execute(func() (any, error) {
		resp := &checkResponse{}
		req := &checkRequest{BucketType: bucketType, Key: key}
		if err := c.invoke(ctx, checkMethodPath, req, resp, grpc.ForceCodec(jsonCodec{})); err != nil {
			return nil, c.mapGRPCError(err)
		}
		return resp, nil
	})

	if err != nil {
		span.RecordError(err)
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			quotaClientRequestsTotal.WithLabelValues(c.address, "circuit_breaker_open").Inc()
			return admission.CheckResult{}, ErrCircuitOpen
		}
		quotaClientRequestsTotal.WithLabelValues(c.address, "error").Inc()
		return admission.CheckResult{}, err
	}
	quotaClientRequestsTotal.WithLabelValues(c.address, "success").Inc()

	resp := result.(*checkResponse)
	return admission.CheckResult{
		Limit:        resp.Limit,
		Remaining:    resp.Remaining,
		ResetSeconds: resp.ResetSeconds,
	}, nil
}

// Address returns the backend address this client is bound to.
func (c *Client) Address() string {
	return c.address
}

// State returns the current connectivity state of the underlying
// connection.
func (c *Client) State() connectivity.State {
	return c.conn.GetState()
}

// BreakerState returns the circuit breaker state.
func (c *Client) BreakerState() gobreaker.State {
	return c.breaker.State()
}

// Close releases the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// mapGRPCError maps transport errors to domain errors.
func (c *Client) mapGRPCError(err error) error {
	if err == nil {
		return nil
	}

	st, ok := status.FromError(err)
	if !ok {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	switch st.Code() {
	case codes.DeadlineExceeded:
		return ErrTimeout
	case codes.Unavailable:
		return ErrUnavailable
	default:
		return fmt.Errorf("quota service error: %s", st.Message())
	}
}

// waitForConnection waits for the gRPC connection to become ready.
func waitForConnection(ctx context.Context, conn *grpc.ClientConn) bool {
	for {
		state := conn.GetState()
		if state == connectivity.Ready {
			return true
		}
		if !conn.WaitForStateChange(ctx, state) {
			return false
		}
	}
}

// updateCircuitBreakerMetric updates the breaker state gauge.
func updateCircuitBreakerMetric(address string, state gobreaker.State) {
	var value float64
	switch state {
	case gobreaker.StateClosed:
		value = 0
	case gobreaker.StateOpen:
		value = 1
	case gobreaker.StateHalfOpen:
		value = 2
	}
	quotaClientCircuitBreakerState.WithLabelValues(address).Set(value)
}
