package admission

import (
	"log/slog"
	"sync"
	"time"
)

// Registry tracks, for each in-flight request, the single worst quota
// outcome observed so far across all rules fired for it.
//
// Invariants:
//   - At most one entry per request ID at any instant.
//   - Once an entry is non-conformant it can never be replaced by a
//     conformant one (outcomes only ever worsen, never improve).
//
// Each operation acquires the mutex exactly once and performs no
// blocking work while holding it, so Get, KeepWorse and GetAndRemove are
// individually atomic even though a full rule evaluation is not.
//
// Entries are normally removed exactly once at response time via
// GetAndRemove. Requests that never reach response time (aborted
// connections, crashed handlers) are covered by a background TTL sweep
// so the map cannot grow without bound.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*pendingEntry

	entryTTL      time.Duration
	sweepInterval time.Duration
	clock         Clock
	metrics       Metrics
	logger        *slog.Logger

	stopOnce sync.Once
	done     chan struct{}
}

// pendingEntry is the stored state for one in-flight request.
type pendingEntry struct {
	outcome   *Outcome
	createdAt time.Time
}

// RegistryConfig holds configuration for a Registry.
type RegistryConfig struct {
	// EntryTTL is how long an entry may stay pending before the sweep
	// evicts it. It should exceed the maximum plausible request
	// duration. Default: 2 minutes.
	EntryTTL time.Duration

	// SweepInterval is how often the background sweep runs.
	// Default: 30 seconds.
	SweepInterval time.Duration

	// Clock provides time operations for testing. Default: SystemClock.
	Clock Clock

	// Metrics records pending-entry counts and evictions.
	// Default: NoOpMetrics.
	Metrics Metrics

	// Logger for sweep activity. Default: slog.Default().
	Logger *slog.Logger
}

// DefaultRegistryConfig returns the default configuration.
func DefaultRegistryConfig() RegistryConfig {
	return RegistryConfig{
		EntryTTL:      2 * time.Minute,
		SweepInterval: 30 * time.Second,
	}
}

// NewRegistry creates a new pending-request registry. The TTL sweep is
// not started automatically; call StartSweeper once the process is up.
func NewRegistry(config RegistryConfig) *Registry {
	if config.EntryTTL <= 0 {
		config.EntryTTL = 2 * time.Minute
	}
	if config.SweepInterval <= 0 {
		config.SweepInterval = 30 * time.Second
	}
	if config.Clock == nil {
		config.Clock = &SystemClock{}
	}
	if config.Metrics == nil {
		config.Metrics = &NoOpMetrics{}
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	return &Registry{
		entries:       make(map[string]*pendingEntry),
		entryTTL:      config.EntryTTL,
		sweepInterval: config.SweepInterval,
		clock:         config.Clock,
		metrics:       config.Metrics,
		logger:        config.Logger,
		done:          make(chan struct{}),
	}
}

// Get returns the worst outcome stored for the given request ID, or nil
// if no rule has recorded an outcome for it. The lookup is
// non-destructive.
func (r *Registry) Get(requestID string) *Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[requestID]
	if !ok {
		return nil
	}
	return entry.outcome
}

// KeepWorse merges an outcome into the registry and returns the stored
// entry after the merge.
//
// If no entry exists for the outcome's request ID, the outcome is
// inserted. Otherwise the stored entry is replaced only if the incoming
// outcome is strictly worse. Because the ordering is commutative, two
// checks for the same request may complete in either order and the
// stored result is identical.
func (r *Registry) KeepWorse(outcome *Outcome) *Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[outcome.RequestID]
	if !ok {
		r.entries[outcome.RequestID] = &pendingEntry{
			outcome:   outcome,
			createdAt: r.clock.Now(),
		}
		r.metrics.SetPendingEntries(len(r.entries))
		return outcome
	}

	if outcome.WorseThan(entry.outcome) {
		entry.outcome = outcome
	}
	return entry.outcome
}

// GetAndRemove atomically returns and deletes the entry for the given
// request ID. It returns nil when no entry exists, which is the normal
// case for requests that triggered zero rules or whose entry was already
// delivered.
func (r *Registry) GetAndRemove(requestID string) *Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[requestID]
	if !ok {
		return nil
	}
	delete(r.entries, requestID)
	r.metrics.SetPendingEntries(len(r.entries))
	return entry.outcome
}

// Len returns the current number of pending entries.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// StartSweeper launches the background TTL sweep in its own goroutine.
// The sweep evicts entries older than the configured TTL; it is the
// safety net for requests whose completion hook never fires. Call Stop
// during shutdown.
func (r *Registry) StartSweeper() {
	go func() {
		ticker := time.NewTicker(r.sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if evicted := r.sweep(); evicted > 0 {
					r.logger.Debug("pending registry sweep evicted stale entries",
						slog.Int("evicted", evicted),
						slog.Duration("ttl", r.entryTTL),
					)
				}
			case <-r.done:
				return
			}
		}
	}()
}

// Stop terminates the background sweep. Safe to call more than once.
func (r *Registry) Stop() {
	r.stopOnce.Do(func() {
		close(r.done)
	})
}

// sweep removes entries older than the TTL and returns how many were
// evicted.
func (r *Registry) sweep() int {
	cutoff := r.clock.Now().Add(-r.entryTTL)

	r.mu.Lock()
	defer r.mu.Unlock()

	evicted := 0
	for id, entry := range r.entries {
		if entry.createdAt.Before(cutoff) {
			delete(r.entries, id)
			evicted++
		}
	}
	if evicted > 0 {
		r.metrics.RecordEvictions(evicted)
		r.metrics.SetPendingEntries(len(r.entries))
	}
	return evicted
}
