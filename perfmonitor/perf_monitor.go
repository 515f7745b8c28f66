// Package perfmonitor measures the wall-clock duration of a single operation,
// such as one upload session, and derives its throughput.
package perfmonitor

import "time"

// PerformanceMonitor records a start and end instant. It is not safe for
// concurrent use; each session owns its own monitor.
type PerformanceMonitor struct {
	startTime time.Time
	endTime   time.Time
}

// NewPerformanceMonitor returns a monitor with no measurement in progress.
func NewPerformanceMonitor() *PerformanceMonitor {
	return &PerformanceMonitor{}
}

// Start records the current time as the start of the measurement. Calling it
// again restarts the measurement.
func (p *PerformanceMonitor) Start() {
	p.startTime = time.Now()
}

// Stop records the current time as the end of the measurement. It does nothing
// if Start has not been called.
func (p *PerformanceMonitor) Stop() {
	if p.startTime.IsZero() {
		return
	}

	p.endTime = time.Now()
}

// Elapsed returns the measured duration, or 0 unless both Start and Stop have
// been called.
func (p *PerformanceMonitor) Elapsed() time.Duration {
	if p.startTime.IsZero() || p.endTime.IsZero() {
		return 0
	}

	return p.endTime.Sub(p.startTime)
}

// ElapsedMilliseconds returns Elapsed as fractional milliseconds.
func (p *PerformanceMonitor) ElapsedMilliseconds() float64 {
	return float64(p.Elapsed()) / float64(time.Millisecond)
}

// BytesPerSecond returns the rate at which n bytes moved during the measured
// interval, or 0 when nothing was measured.
//
// Parameters:
//   - n: Number of bytes transferred during the measurement
//
// Returns:
//   - Bytes per second
func (p *PerformanceMonitor) BytesPerSecond(n int64) float64 {
	elapsed := p.Elapsed()
	if elapsed <= 0 {
		return 0
	}

	return float64(n) / elapsed.Seconds()
}
