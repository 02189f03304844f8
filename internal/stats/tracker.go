package stats

import (
	"sort"
	"sync"
	"time"
)

// LaunchStats is an aggregated snapshot across all services.
//
// Values are computed at the time of the Aggregate() call; the returned
// struct is safe to use after the call returns.
type LaunchStats struct {
	Timestamp time.Time
	Elapsed   time.Duration

	// Service counts
	ServicesTotal   int
	ServicesSpawned int
	ServicesReady   int
	ServicesExited  int

	// Probe totals
	TotalProbeAttempts int64
	TotalProbeFailures int64

	// Output volume
	TotalOutputBytes  int64
	OutputBytesPerSec float64

	// TimeToAllReady is zero until RecordAllReady is called.
	TimeToAllReady time.Duration

	// Per-service summaries in rank order.
	Services []ServiceSummary
}

// Tracker aggregates launch stats across the stack's services.
//
// Thread-safe: all methods can be called concurrently. Registration happens
// once at launch setup; observations arrive from probe, pump, and reaper
// goroutines for the rest of the run.
type Tracker struct {
	mu       sync.RWMutex
	services map[string]*ServiceStats

	startTime  time.Time
	allReadyAt time.Time // zero until the whole stack is ready
}

// NewTracker creates an empty tracker. The launch clock starts now.
func NewTracker() *Tracker {
	return &Tracker{
		services:  make(map[string]*ServiceStats),
		startTime: time.Now(),
	}
}

// Register adds a service to the tracker and returns its stats. Registering
// the same name twice returns the existing entry.
func (t *Tracker) Register(name string, rank int, required bool) *ServiceStats {
	t.mu.Lock()
	defer t.mu.Unlock()
	if existing, ok := t.services[name]; ok {
		return existing
	}
	s := NewServiceStats(name, rank, required)
	t.services[name] = s
	return s
}

// Service returns the stats for a registered service, or nil.
func (t *Tracker) Service(name string) *ServiceStats {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.services[name]
}

// ServiceCount returns the number of registered services.
func (t *Tracker) ServiceCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.services)
}

// ObserveProbe routes a probe attempt to the service's stats. Matches the
// prober's observer signature so it can be wired directly.
func (t *Tracker) ObserveProbe(service string, latency time.Duration, err error) {
	if s := t.Service(service); s != nil {
		s.ObserveProbe(latency, err)
	}
}

// RecordOutput routes forwarded output bytes to the service's stats.
func (t *Tracker) RecordOutput(service string, n int) {
	if s := t.Service(service); s != nil {
		s.RecordOutput(n)
	}
}

// RecordAllReady pins the moment the whole stack became ready. The first
// call wins.
func (t *Tracker) RecordAllReady() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.allReadyAt.IsZero() {
		t.allReadyAt = time.Now()
	}
}

// StartTime returns when the tracker was created.
func (t *Tracker) StartTime() time.Time {
	return t.startTime
}

// Elapsed returns the duration since the tracker was created.
func (t *Tracker) Elapsed() time.Duration {
	return time.Since(t.startTime)
}

// Aggregate computes a snapshot across all services.
func (t *Tracker) Aggregate() *LaunchStats {
	t.mu.RLock()
	defer t.mu.RUnlock()

	now := time.Now()
	result := &LaunchStats{
		Timestamp:     now,
		Elapsed:       now.Sub(t.startTime),
		ServicesTotal: len(t.services),
		Services:      make([]ServiceSummary, 0, len(t.services)),
	}

	if !t.allReadyAt.IsZero() {
		result.TimeToAllReady = t.allReadyAt.Sub(t.startTime)
	}

	for _, s := range t.services {
		sum := s.GetSummary()
		result.Services = append(result.Services, sum)

		if sum.Spawned {
			result.ServicesSpawned++
		}
		if sum.Ready {
			result.ServicesReady++
		}
		if sum.Exited {
			result.ServicesExited++
		}
		result.TotalProbeAttempts += sum.ProbeAttempts
		result.TotalProbeFailures += sum.ProbeFailures
		result.TotalOutputBytes += sum.OutputBytes
	}

	sort.Slice(result.Services, func(i, j int) bool {
		return result.Services[i].Rank < result.Services[j].Rank
	})

	if secs := result.Elapsed.Seconds(); secs > 0 {
		result.OutputBytesPerSec = float64(result.TotalOutputBytes) / secs
	}

	return result
}
