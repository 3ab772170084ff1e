package quota

import (
	"context"
	"errors"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func newTestClient(t *testing.T, invoke invokeFunc) *Client {
	t.Helper()
	c, err := newClient(ClientConfig{
		Address:      "localhost:18081",
		CheckTimeout: 100 * time.Millisecond,
		Breaker: BreakerConfig{
			MinRequests:      2,
			FailureThreshold: 0.5,
			Timeout:          time.Minute,
		},
	})
	if err != nil {
		t.Fatalf("newClient() error = %v", err)
	}
	t.Cleanup(func() {
		_ = c.Close()
	})
	if invoke != nil {
		c.invoke = invoke
	}
	return c
}

func TestClientCheckSuccess(t *testing.T) {
	var gotMethod string
	var gotReq *checkRequest
	c := newTestClient(t, func(ctx context.Context, method string, args, reply any, opts ...grpc.CallOption) error {
		gotMethod = method
		gotReq = args.(*checkRequest)
		resp := reply.(*checkResponse)
		resp.Limit = 100
		resp.Remaining = 7
		resp.ResetSeconds = 42
		return nil
	})

	result, err := c.Check(context.Background(), "per_ip", "10.0.0.1")
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if gotMethod != checkMethodPath {
		t.Errorf("invoked method = %q, want %q", gotMethod, checkMethodPath)
	}
	if gotReq.BucketType != "per_ip" || gotReq.Key != "10.0.0.1" {
		t.Errorf("request = %+v, want bucket per_ip key 10.0.0.1", gotReq)
	}
	if result.Limit != 100 || result.Remaining != 7 || result.ResetSeconds != 42 {
		t.Errorf("result = %+v, want {100 7 42}", result)
	}
}

func TestClientCheckMapsTransportErrors(t *testing.T) {
	tests := []struct {
		name    string
		invoke  error
		wantErr error
	}{
		{
			name:    "deadline exceeded maps to timeout",
			invoke:  status.Error(codes.DeadlineExceeded, "deadline exceeded"),
			wantErr: ErrTimeout,
		},
		{
			name:    "unavailable maps to unavailable",
			invoke:  status.Error(codes.Unavailable, "connection refused"),
			wantErr: ErrUnavailable,
		},
		{
			name:    "non-status errors map to unavailable",
			invoke:  errors.New("broken pipe"),
			wantErr: ErrUnavailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(ctx context.Context, method string, args, reply any, opts ...grpc.CallOption) error {
				return tt.invoke
			})

			_, err := c.Check(context.Background(), "per_ip", "10.0.0.1")
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Check() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestClientCheckOtherStatusCodesKeepMessage(t *testing.T) {
	c := newTestClient(t, func(ctx context.Context, method string, args, reply any, opts ...grpc.CallOption) error {
		return status.Error(codes.InvalidArgument, "unknown bucket type")
	})

	_, err := c.Check(context.Background(), "nope", "10.0.0.1")
	if err == nil {
		t.Fatal("Check() error = nil, want error")
	}
	if errors.Is(err, ErrUnavailable) || errors.Is(err, ErrTimeout) {
		t.Errorf("Check() error = %v, want a plain quota service error", err)
	}
}

func TestClientCircuitBreakerOpensAfterFailures(t *testing.T) {
	c := newTestClient(t, func(ctx context.Context, method string, args, reply any, opts ...grpc.CallOption) error {
		return status.Error(codes.Unavailable, "down")
	})

	// Enough failures to cross MinRequests and the failure ratio.
	for i := 0; i < 5; i++ {
		_, _ = c.Check(context.Background(), "per_ip", "10.0.0.1")
	}

	_, err := c.Check(context.Background(), "per_ip", "10.0.0.1")
	if !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("Check() after repeated failures = %v, want ErrCircuitOpen", err)
	}
}

func TestJSONCodecName(t *testing.T) {
	if got := (jsonCodec{}).Name(); got != "json" {
		t.Errorf("Name() = %q, want %q", got, "json")
	}
}
