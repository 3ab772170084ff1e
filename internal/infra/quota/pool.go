package quota

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"quotagate/pkg/admission"

	"github.com/sony/gobreaker"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc/connectivity"
)

// Pool owns one long-lived quota client per configured backend address.
//
// Lifecycle is explicit: Prepare is called once per address at process
// start, Get only returns handles that already exist, and Shutdown
// closes everything at process stop. The steady-state path never
// creates connections.
type Pool struct {
	mu      sync.RWMutex
	clients map[string]*Client
	closed  bool

	clientConfig ClientConfig
	logger       *slog.Logger
}

// PoolConfig holds configuration for a Pool.
type PoolConfig struct {
	// Client is the template configuration applied to every address;
	// the Address field is filled in per Prepare call.
	Client ClientConfig

	// Logger for pool lifecycle events. Default: slog.Default().
	Logger *slog.Logger
}

// NewPool creates an empty pool. Call Prepare for each configured
// address before serving traffic.
func NewPool(config PoolConfig) *Pool {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Client.Logger == nil {
		config.Client.Logger = config.Logger
	}
	return &Pool{
		clients:      make(map[string]*Client),
		clientConfig: config.Client,
		logger:       config.Logger,
	}
}

// Prepare establishes a connection for the given address if none
// exists. It is idempotent: preparing an already-prepared address is a
// no-op.
func (p *Pool) Prepare(ctx context.Context, address string) error {
	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return ErrPoolClosed
	}
	if _, exists := p.clients[address]; exists {
		p.mu.RUnlock()
		return nil
	}
	p.mu.RUnlock()

	// Connect outside the lock; connection setup may block when the
	// client is configured to wait for readiness.
	cfg := p.clientConfig
	cfg.Address = address
	client, err := newClient(cfg)
	if err != nil {
		return fmt.Errorf("prepare quota client for %s: %w", address, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		_ = client.Close()
		return ErrPoolClosed
	}
	if _, exists := p.clients[address]; exists {
		// Lost the race to a concurrent Prepare; keep the first handle.
		_ = client.Close()
		return nil
	}
	p.clients[address] = client
	p.logger.Info("quota client prepared",
		slog.String("address", address),
	)
	return nil
}

// PrepareAll prepares every address concurrently and fails if any of
// them cannot be prepared.
func (p *Pool) PrepareAll(ctx context.Context, addresses []string) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, address := range addresses {
		g.Go(func() error {
			return p.Prepare(ctx, address)
		})
	}
	return g.Wait()
}

// Get returns the existing client handle for an address. It never
// creates connections; an address that was not prepared is an error.
func (p *Pool) Get(address string) (*Client, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return nil, ErrPoolClosed
	}
	client, ok := p.clients[address]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotPrepared, address)
	}
	return client, nil
}

// CheckerPool adapts the pool to the admission.CheckerPool interface.
func (p *Pool) CheckerPool() admission.CheckerPool {
	return checkerPool{pool: p}
}

type checkerPool struct {
	pool *Pool
}

func (cp checkerPool) Get(address string) (admission.QuotaChecker, error) {
	client, err := cp.pool.Get(address)
	if err != nil {
		return nil, err
	}
	return client, nil
}

// Disconnect gracefully closes the connection for one address and
// removes it from the pool. A subsequent Get for that address fails
// with ErrNotPrepared.
func (p *Pool) Disconnect(address string) error {
	p.mu.Lock()
	client, ok := p.clients[address]
	if ok {
		delete(p.clients, address)
	}
	p.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrNotPrepared, address)
	}
	if err := client.Close(); err != nil {
		return fmt.Errorf("disconnect quota client for %s: %w", address, err)
	}
	p.logger.Info("quota client disconnected",
		slog.String("address", address),
	)
	return nil
}

// Shutdown closes every client and marks the pool closed. Get and
// Prepare fail afterwards.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	clients := make([]*Client, 0, len(p.clients))
	for _, client := range p.clients {
		clients = append(clients, client)
	}
	p.clients = make(map[string]*Client)
	p.mu.Unlock()

	g, _ := errgroup.WithContext(ctx)
	for _, client := range clients {
		g.Go(func() error {
			if err := client.Close(); err != nil {
				return fmt.Errorf("close quota client for %s: %w", client.Address(), err)
			}
			return nil
		})
	}
	return g.Wait()
}

// AddressHealth describes the health of one pooled connection.
type AddressHealth struct {
	Address            string `json:"address"`
	Connected          bool   `json:"connected"`
	ConnState          string `json:"conn_state"`
	CircuitBreakerOpen bool   `json:"circuit_breaker_open"`
}

// Health reports the connectivity and breaker state of every pooled
// client.
func (p *Pool) Health() []AddressHealth {
	p.mu.RLock()
	defer p.mu.RUnlock()

	health := make([]AddressHealth, 0, len(p.clients))
	for address, client := range p.clients {
		state := client.State()
		health = append(health, AddressHealth{
			Address:            address,
			Connected:          state == connectivity.Ready,
			ConnState:          state.String(),
			CircuitBreakerOpen: client.BreakerState() == gobreaker.StateOpen,
		})
	}
	return health
}
