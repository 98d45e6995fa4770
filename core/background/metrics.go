package background

import "github.com/codewandler/bgactor-go/core/metrics"

// Metrics is the instrumentation surface of the coordinator. All
// methods are called from coordinator loops and must be thread-safe.
type Metrics interface {
	// WorkerState records worker loop state transitions
	// (absent, starting, running, draining, stopped).
	WorkerState(state string)

	// LiveActors tracks the live-actor count.
	LiveActors(count int)

	// PendingCallbacks tracks waiters queued for worker bootstrap.
	PendingCallbacks(count int)

	// ActorOpened is recorded when an actor finishes its open
	// handshake.
	ActorOpened(otherProcess bool)

	// ActorClosed is recorded on final actor teardown.
	ActorClosed()

	// AllocationFailed is recorded per failed allocation attempt.
	AllocationFailed(path, reason string)

	// ForcedClose records the size of a forced-close pass.
	ForcedClose(count int)

	// ShutdownDrain times the graceful drain during shutdown.
	ShutdownDrain() metrics.Timer
}

type nopMetrics struct{}

func (nopMetrics) WorkerState(string)           {}
func (nopMetrics) LiveActors(int)               {}
func (nopMetrics) PendingCallbacks(int)         {}
func (nopMetrics) ActorOpened(bool)             {}
func (nopMetrics) ActorClosed()                 {}
func (nopMetrics) AllocationFailed(_, _ string) {}
func (nopMetrics) ForcedClose(int)              {}
func (nopMetrics) ShutdownDrain() metrics.Timer { return metrics.NopTimer() }

// NopMetrics returns a no-op Metrics implementation.
func NopMetrics() Metrics { return nopMetrics{} }
