// Package metrics defines small instrumentation interfaces so core
// packages can emit measurements without depending on a particular
// backend. See adapters/prometheus for a real implementation.
package metrics

// Counter is a monotonically increasing value.
type Counter interface {
	// Inc increments the counter by 1.
	Inc()
	// Add increments the counter by delta. delta must be >= 0.
	Add(delta float64)
}

// Gauge is a value that can go up and down.
type Gauge interface {
	// Set sets the gauge to value.
	Set(value float64)
	// Inc increments the gauge by 1.
	Inc()
	// Dec decrements the gauge by 1.
	Dec()
	// Add adds delta to the gauge. delta can be negative.
	Add(delta float64)
}

// Histogram samples observations into buckets.
type Histogram interface {
	// Observe adds a single observation.
	Observe(value float64)
}

// Timer measures one operation. Call ObserveDuration when the
// operation completes to record the elapsed time.
type Timer interface {
	ObserveDuration()
}

// TimerFunc creates a Timer, enabling deferred timing:
//
//	defer m.ShutdownDrain().ObserveDuration()
type TimerFunc func() Timer
