// Package stats collects launch statistics for the supervised stack:
// per-service spawn and readiness timing, probe attempt latencies, output
// volume, and exit outcomes. The tracker feeds both the TUI dashboard and
// the exit summary printed at shutdown.
package stats

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/influxdata/tdigest"
)

// latencyCompression bounds the probe latency digest at ~100 centroids,
// roughly 10KB per service.
const latencyCompression = 100

// ServiceStats holds launch statistics for a single stack service.
//
// Thread-safe: probe observations arrive from the launch goroutine, output
// counts from the pipe pump goroutines, and exit records from the reaper.
type ServiceStats struct {
	Name     string
	Rank     int
	Required bool

	// Lifecycle timestamps (unix nanos, 0 = not yet)
	spawnedAt atomic.Int64
	readyAt   atomic.Int64

	// Readiness outcome
	readyWait     atomic.Int64 // nanos spent waiting for the probe
	readyAttempts atomic.Int64

	// Probe attempt counters (every attempt, ready or not)
	probeAttempts atomic.Int64
	probeFailures atomic.Int64

	// Output volume forwarded from the service's pipes
	outputBytes atomic.Int64

	// Exit record
	exited   atomic.Bool
	exitCode atomic.Int64
	uptime   atomic.Int64 // nanos

	// Probe latency distribution. The digest is not thread-safe, so the
	// sum/max bookkeeping shares its mutex.
	latencyMu     sync.Mutex
	latencyDigest *tdigest.TDigest
	latencyCount  int64
	latencySum    time.Duration
	latencyMax    time.Duration
}

// NewServiceStats creates stats for one service.
func NewServiceStats(name string, rank int, required bool) *ServiceStats {
	return &ServiceStats{
		Name:          name,
		Rank:          rank,
		Required:      required,
		latencyDigest: tdigest.NewWithCompression(latencyCompression),
	}
}

// RecordSpawn marks the service as started. The first call wins; a service
// spawns at most once per launch.
func (s *ServiceStats) RecordSpawn() {
	s.spawnedAt.CompareAndSwap(0, time.Now().UnixNano())
}

// RecordReady marks the service ready after the probe succeeded.
func (s *ServiceStats) RecordReady(waited time.Duration, attempts int) {
	s.readyAt.CompareAndSwap(0, time.Now().UnixNano())
	s.readyWait.Store(int64(waited))
	s.readyAttempts.Store(int64(attempts))
}

// ObserveProbe records one probe attempt. err is nil for a successful check.
func (s *ServiceStats) ObserveProbe(latency time.Duration, err error) {
	s.probeAttempts.Add(1)
	if err != nil {
		s.probeFailures.Add(1)
	}

	s.latencyMu.Lock()
	s.latencyDigest.Add(float64(latency.Nanoseconds()), 1)
	s.latencyCount++
	s.latencySum += latency
	if latency > s.latencyMax {
		s.latencyMax = latency
	}
	s.latencyMu.Unlock()
}

// RecordOutput adds n bytes of forwarded service output.
func (s *ServiceStats) RecordOutput(n int) {
	s.outputBytes.Add(int64(n))
}

// RecordExit stores the service's exit code and uptime.
func (s *ServiceStats) RecordExit(code int, uptime time.Duration) {
	s.exitCode.Store(int64(code))
	s.uptime.Store(int64(uptime))
	s.exited.Store(true)
}

// Spawned reports whether the service was started.
func (s *ServiceStats) Spawned() bool {
	return s.spawnedAt.Load() != 0
}

// Ready reports whether the service passed its readiness probe.
func (s *ServiceStats) Ready() bool {
	return s.readyAt.Load() != 0
}

// Exited reports whether the service's exit has been recorded.
func (s *ServiceStats) Exited() bool {
	return s.exited.Load()
}

// OutputBytes returns the bytes of output forwarded so far.
func (s *ServiceStats) OutputBytes() int64 {
	return s.outputBytes.Load()
}

// ProbeLatencies returns the P50/P95/P99 probe latencies, or zeros when no
// attempt has been observed.
func (s *ServiceStats) ProbeLatencies() (p50, p95, p99 time.Duration) {
	s.latencyMu.Lock()
	defer s.latencyMu.Unlock()
	if s.latencyCount == 0 {
		return 0, 0, 0
	}
	p50 = time.Duration(s.latencyDigest.Quantile(0.50))
	p95 = time.Duration(s.latencyDigest.Quantile(0.95))
	p99 = time.Duration(s.latencyDigest.Quantile(0.99))
	return p50, p95, p99
}

// ServiceSummary is a point-in-time snapshot of one service's launch stats.
type ServiceSummary struct {
	Name     string
	Rank     int
	Required bool

	Spawned   bool
	SpawnedAt time.Time

	Ready         bool
	ReadyWait     time.Duration
	ReadyAttempts int

	ProbeAttempts int64
	ProbeFailures int64
	ProbeP50      time.Duration
	ProbeP95      time.Duration
	ProbeP99      time.Duration
	ProbeMax      time.Duration
	ProbeAvg      time.Duration

	OutputBytes int64

	Exited   bool
	ExitCode int
	Uptime   time.Duration
}

// GetSummary returns a snapshot of all launch stats for this service.
func (s *ServiceStats) GetSummary() ServiceSummary {
	sum := ServiceSummary{
		Name:          s.Name,
		Rank:          s.Rank,
		Required:      s.Required,
		ReadyWait:     time.Duration(s.readyWait.Load()),
		ReadyAttempts: int(s.readyAttempts.Load()),
		ProbeAttempts: s.probeAttempts.Load(),
		ProbeFailures: s.probeFailures.Load(),
		OutputBytes:   s.outputBytes.Load(),
		Exited:        s.exited.Load(),
		ExitCode:      int(s.exitCode.Load()),
		Uptime:        time.Duration(s.uptime.Load()),
	}

	if ns := s.spawnedAt.Load(); ns != 0 {
		sum.Spawned = true
		sum.SpawnedAt = time.Unix(0, ns)
	}
	sum.Ready = s.readyAt.Load() != 0

	s.latencyMu.Lock()
	if s.latencyCount > 0 {
		sum.ProbeP50 = time.Duration(s.latencyDigest.Quantile(0.50))
		sum.ProbeP95 = time.Duration(s.latencyDigest.Quantile(0.95))
		sum.ProbeP99 = time.Duration(s.latencyDigest.Quantile(0.99))
		sum.ProbeMax = s.latencyMax
		sum.ProbeAvg = s.latencySum / time.Duration(s.latencyCount)
	}
	s.latencyMu.Unlock()

	return sum
}
