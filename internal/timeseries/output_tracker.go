// Package timeseries provides time-windowed tracking of service output volume.
//
// Each supervised service gets one tracker fed by its output forwarder. The
// rolling rates answer "is this thing still talking?" for services without a
// health endpoint, and feed the dashboard's per-service output columns.
//
// Thread-safe: Add() uses atomics, Snapshot() acquires a read lock.
package timeseries

import (
	"sync"
	"sync/atomic"
	"time"
)

const (
	// ringBufferSize is the number of samples to retain (2 minutes at 1 sample/sec)
	ringBufferSize = 120

	// Window durations for rolling rates
	window1s  = 1 * time.Second
	window10s = 10 * time.Second
	window60s = 60 * time.Second
)

// Clock interface for testing with deterministic time.
type Clock interface {
	Now() time.Time
}

// realClock uses time.Now() for production.
type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// sample represents a point-in-time snapshot of cumulative output counters.
type sample struct {
	timestamp time.Time
	bytes     int64
	lines     int64
}

// OutputTracker tracks cumulative output bytes and lines for one service and
// computes rolling rates over fixed windows.
//
// Usage:
//
//	tracker := NewOutputTracker()
//	tracker.Add(len(line) + 1) // called per forwarded line (lock-free)
//	// ... periodic sampling (e.g., every 1s via ticker)
//	tracker.RecordSample()
//	// ... rates for TUI / summary
//	stats := tracker.Snapshot()
type OutputTracker struct {
	// Cumulative counters (atomic for lock-free Add)
	totalBytes atomic.Int64
	totalLines atomic.Int64

	// Ring buffer of samples for rolling rate calculation
	samples  []sample
	writeIdx int // Next write position in ring buffer
	mu       sync.RWMutex

	// Start time for overall average calculation
	startTime time.Time

	// Clock for testability
	clock Clock
}

// OutputStats contains computed rolling rates at a point in time.
type OutputStats struct {
	// Cumulative counters since tracking started
	TotalBytes int64
	TotalLines int64

	// Rolling rates (per second)
	BytesPerSec1s  float64
	BytesPerSec10s float64
	BytesPerSec60s float64
	LinesPerSec10s float64

	// AvgBytesPerSec is the average output rate since tracking started
	AvgBytesPerSec float64
}

// NewOutputTracker creates a new tracker with the real clock.
func NewOutputTracker() *OutputTracker {
	return NewOutputTrackerWithClock(realClock{})
}

// NewOutputTrackerWithClock creates a tracker with a custom clock for testing.
func NewOutputTrackerWithClock(clock Clock) *OutputTracker {
	now := clock.Now()
	t := &OutputTracker{
		samples:   make([]sample, 0, ringBufferSize),
		startTime: now,
		clock:     clock,
	}
	// Record initial sample at t=0 with zero counters
	t.samples = append(t.samples, sample{timestamp: now})
	return t
}

// Add records one forwarded line of n bytes.
// Thread-safe and lock-free.
func (t *OutputTracker) Add(n int) {
	if n > 0 {
		t.totalBytes.Add(int64(n))
	}
	t.totalLines.Add(1)
}

// RecordSample records the current cumulative counters with a timestamp.
// Call this periodically (e.g., every 1 second via ticker).
func (t *OutputTracker) RecordSample() {
	now := t.clock.Now()
	newSample := sample{
		timestamp: now,
		bytes:     t.totalBytes.Load(),
		lines:     t.totalLines.Load(),
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.samples) < ringBufferSize {
		// Buffer not yet full - append
		t.samples = append(t.samples, newSample)
	} else {
		// Buffer full - overwrite oldest
		t.samples[t.writeIdx] = newSample
		t.writeIdx = (t.writeIdx + 1) % ringBufferSize
	}
}

// Snapshot computes and returns current output statistics.
// Always returns valid data, using whatever history is available.
func (t *OutputTracker) Snapshot() OutputStats {
	now := t.clock.Now()
	curBytes := t.totalBytes.Load()
	curLines := t.totalLines.Load()

	t.mu.RLock()
	defer t.mu.RUnlock()

	stats := OutputStats{
		TotalBytes: curBytes,
		TotalLines: curLines,
	}

	// Overall average
	elapsed := now.Sub(t.startTime).Seconds()
	if elapsed > 0 {
		stats.AvgBytesPerSec = float64(curBytes) / elapsed
	}

	// Rolling rates for each window
	stats.BytesPerSec1s, _ = t.rateOverWindow(now, curBytes, curLines, window1s)
	stats.BytesPerSec10s, stats.LinesPerSec10s = t.rateOverWindow(now, curBytes, curLines, window10s)
	stats.BytesPerSec60s, _ = t.rateOverWindow(now, curBytes, curLines, window60s)

	return stats
}

// rateOverWindow calculates bytes/sec and lines/sec over the specified window.
// Must be called with mu held (at least RLock).
func (t *OutputTracker) rateOverWindow(now time.Time, curBytes, curLines int64, window time.Duration) (float64, float64) {
	if len(t.samples) == 0 {
		return 0, 0
	}

	targetTime := now.Add(-window)

	// Find the sample closest to (but not after) targetTime
	var bestSample *sample
	var bestDiff time.Duration = -1

	for i := range t.samples {
		s := &t.samples[i]
		if s.timestamp.After(targetTime) {
			continue // Sample is within the window, skip
		}
		diff := targetTime.Sub(s.timestamp)
		if bestDiff < 0 || diff < bestDiff {
			bestSample = s
			bestDiff = diff
		}
	}

	// If no sample before targetTime, use the oldest sample we have
	if bestSample == nil {
		bestSample = t.oldestSample()
	}

	if bestSample == nil {
		return 0, 0
	}

	actualElapsed := now.Sub(bestSample.timestamp).Seconds()
	if actualElapsed <= 0 {
		return 0, 0 // Avoid division by zero
	}

	bytesRate := float64(curBytes-bestSample.bytes) / actualElapsed
	linesRate := float64(curLines-bestSample.lines) / actualElapsed
	return bytesRate, linesRate
}

// oldestSample returns the oldest sample in the ring buffer.
// Must be called with mu held.
func (t *OutputTracker) oldestSample() *sample {
	if len(t.samples) == 0 {
		return nil
	}

	if len(t.samples) < ringBufferSize {
		// Buffer not full yet - oldest is at index 0
		return &t.samples[0]
	}

	// Buffer full - oldest is at writeIdx (next to be overwritten)
	return &t.samples[t.writeIdx]
}

// Reset clears all data and restarts tracking.
func (t *OutputTracker) Reset() {
	now := t.clock.Now()

	t.mu.Lock()
	defer t.mu.Unlock()

	t.totalBytes.Store(0)
	t.totalLines.Store(0)
	t.samples = t.samples[:0]
	t.samples = append(t.samples, sample{timestamp: now})
	t.writeIdx = 0
	t.startTime = now
}

// SampleCount returns the number of samples in the ring buffer.
// Useful for testing.
func (t *OutputTracker) SampleCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.samples)
}
