package admission

import "time"

// NoOpMetrics is a Metrics implementation that discards everything.
// It is the default when no collector is configured and is useful in
// tests that do not assert on metrics.
type NoOpMetrics struct{}

// RecordCheck does nothing.
func (m *NoOpMetrics) RecordCheck(phase, result string) {}

// RecordCheckDuration does nothing.
func (m *NoOpMetrics) RecordCheckDuration(phase string, d time.Duration) {}

// SetPendingEntries does nothing.
func (m *NoOpMetrics) SetPendingEntries(count int) {}

// RecordEvictions does nothing.
func (m *NoOpMetrics) RecordEvictions(count int) {}

// RecordBackendError does nothing.
func (m *NoOpMetrics) RecordBackendError(address string) {}
