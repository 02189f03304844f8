// Package metrics provides Prometheus metrics for go-ragstack-launcher.
//
// Everything is aggregate or per-service; a stack holds a handful of
// services, so service-labeled series stay low cardinality.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// =============================================================================
// Panel 1: Launch Overview
// =============================================================================

var (
	ragstackInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ragstack_info",
			Help: "Information about the launcher (value always 1)",
		},
		[]string{"version", "stack_source"},
	)

	ragstackPhase = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ragstack_phase",
			Help: "Current launch phase (1 for the active phase, 0 otherwise)",
		},
		[]string{"phase"},
	)

	ragstackLaunchElapsedSeconds = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ragstack_launch_elapsed_seconds",
			Help: "Seconds since the launcher started",
		},
	)

	ragstackServicesTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ragstack_services_total",
			Help: "Services defined in the stack",
		},
	)

	ragstackServicesRequired = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ragstack_services_required",
			Help: "Services the launch cannot survive without",
		},
	)
)

// =============================================================================
// Panel 2: Service Lifecycle
// =============================================================================

var (
	ragstackServicesRunning = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ragstack_services_running",
			Help: "Services currently running",
		},
	)

	ragstackServicesReady = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ragstack_services_ready",
			Help: "Services that passed their readiness probe",
		},
	)

	ragstackServiceUp = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ragstack_service_up",
			Help: "Whether the service process is alive (1) or not (0)",
		},
		[]string{"service"},
	)

	ragstackServiceReady = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ragstack_service_ready",
			Help: "Whether the service passed its readiness probe (1) or not (0)",
		},
		[]string{"service"},
	)

	ragstackServiceReadySeconds = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ragstack_service_ready_seconds",
			Help: "Seconds from spawn until the readiness probe passed",
		},
		[]string{"service"},
	)

	ragstackServiceExitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ragstack_service_exits_total",
			Help: "Service exits by exit code category",
		},
		[]string{"service", "category"}, // "success", "error", "signal"
	)

	ragstackServiceLastExitCode = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ragstack_service_last_exit_code",
			Help: "Exit code of the service's most recent exit",
		},
		[]string{"service"},
	)

	ragstackServiceUptimeSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ragstack_service_uptime_seconds",
			Help:    "Service uptime at exit",
			Buckets: []float64{1, 5, 30, 60, 300, 600, 1800, 3600, 7200},
		},
	)
)

// =============================================================================
// Panel 3: Readiness Probes
// =============================================================================

var (
	ragstackProbeAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ragstack_probe_attempts_total",
			Help: "Readiness probe attempts",
		},
		[]string{"service"},
	)

	ragstackProbeFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ragstack_probe_failures_total",
			Help: "Readiness probe attempts that failed",
		},
		[]string{"service"},
	)

	ragstackProbeLatencySeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name: "ragstack_probe_latency_seconds",
			Help: "Readiness probe attempt latency distribution",
			Buckets: []float64{
				0.001, 0.005, 0.01, 0.025, 0.05, 0.075,
				0.1, 0.25, 0.5, 0.75,
				1.0, 2.5, 5.0,
			},
		},
	)
)

// =============================================================================
// Panel 4: Knowledge Index Gate
// =============================================================================

var (
	ragstackIndexStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ragstack_index_status",
			Help: "Index gate outcome (1 for the realized status, 0 otherwise)",
		},
		[]string{"status"}, // "present", "built", "skipped"
	)

	ragstackIndexBuildSeconds = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ragstack_index_build_seconds",
			Help: "Wall time of the index build (0 when no build ran)",
		},
	)
)

// =============================================================================
// Panel 5: Service Output
// =============================================================================

var (
	ragstackOutputBytesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ragstack_service_output_bytes_total",
			Help: "Bytes of service output forwarded to the launcher log",
		},
		[]string{"service"},
	)

	ragstackOutputErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ragstack_service_output_errors_total",
			Help: "Error patterns spotted in service output",
		},
		[]string{"service", "pattern"},
	)
)

// knownPhases pre-populates the phase gauge so scrapes always expose the
// full set with exactly one series at 1.
var knownPhases = []string{
	"init", "indexing", "starting", "all_ready", "shutting_down", "stopped", "failed",
}

var knownIndexStatuses = []string{"present", "built", "skipped"}

// =============================================================================
// Collector
// =============================================================================

// Collector manages all Prometheus metrics for the launcher.
type Collector struct {
	startTime time.Time

	// Summary bookkeeping
	mu        sync.Mutex
	exitCodes map[int]int64
}

// CollectorConfig holds configuration for the collector.
type CollectorConfig struct {
	Version     string
	StackSource string
}

// NewCollector creates a collector on the default registry.
func NewCollector(cfg CollectorConfig) *Collector {
	return NewCollectorWithRegistry(cfg, prometheus.DefaultRegisterer)
}

// NewCollectorWithRegistry creates a collector with a custom registry.
// Useful for testing.
func NewCollectorWithRegistry(cfg CollectorConfig, registry prometheus.Registerer) *Collector {
	c := &Collector{
		startTime: time.Now(),
		exitCodes: make(map[int]int64),
	}

	registry.MustRegister(
		// Panel 1: Launch Overview
		ragstackInfo,
		ragstackPhase,
		ragstackLaunchElapsedSeconds,
		ragstackServicesTotal,
		ragstackServicesRequired,

		// Panel 2: Service Lifecycle
		ragstackServicesRunning,
		ragstackServicesReady,
		ragstackServiceUp,
		ragstackServiceReady,
		ragstackServiceReadySeconds,
		ragstackServiceExitsTotal,
		ragstackServiceLastExitCode,
		ragstackServiceUptimeSeconds,

		// Panel 3: Probes
		ragstackProbeAttemptsTotal,
		ragstackProbeFailuresTotal,
		ragstackProbeLatencySeconds,

		// Panel 4: Index Gate
		ragstackIndexStatus,
		ragstackIndexBuildSeconds,

		// Panel 5: Output
		ragstackOutputBytesTotal,
		ragstackOutputErrorsTotal,
	)

	version := cfg.Version
	if version == "" {
		version = "dev"
	}
	ragstackInfo.WithLabelValues(version, cfg.StackSource).Set(1)

	for _, phase := range knownPhases {
		ragstackPhase.WithLabelValues(phase).Set(0)
	}
	ragstackPhase.WithLabelValues("init").Set(1)

	for _, status := range knownIndexStatuses {
		ragstackIndexStatus.WithLabelValues(status).Set(0)
	}

	return c
}

// =============================================================================
// Launch-Level Updates
// =============================================================================

// SetPhase marks the active launch phase.
func (c *Collector) SetPhase(phase string) {
	for _, p := range knownPhases {
		if p == phase {
			ragstackPhase.WithLabelValues(p).Set(1)
		} else {
			ragstackPhase.WithLabelValues(p).Set(0)
		}
	}
}

// SetServiceCounts records the stack's size before services start.
func (c *Collector) SetServiceCounts(total, required int) {
	ragstackServicesTotal.Set(float64(total))
	ragstackServicesRequired.Set(float64(required))
}

// SetServiceStates updates the running/ready gauges from a supervisor
// snapshot.
func (c *Collector) SetServiceStates(running, ready int) {
	ragstackServicesRunning.Set(float64(running))
	ragstackServicesReady.Set(float64(ready))
}

// UpdateElapsed refreshes the launch clock gauge.
func (c *Collector) UpdateElapsed() {
	ragstackLaunchElapsedSeconds.Set(time.Since(c.startTime).Seconds())
}

// =============================================================================
// Service Events
// =============================================================================

// ServiceStarted records a service spawn.
func (c *Collector) ServiceStarted(service string) {
	ragstackServiceUp.WithLabelValues(service).Set(1)
	ragstackServiceReady.WithLabelValues(service).Set(0)
}

// ServiceReady records a passed readiness probe.
func (c *Collector) ServiceReady(service string, waited time.Duration) {
	ragstackServiceReady.WithLabelValues(service).Set(1)
	ragstackServiceReadySeconds.WithLabelValues(service).Set(waited.Seconds())
}

// ServiceExited records a service exit.
func (c *Collector) ServiceExited(service string, exitCode int, uptime time.Duration) {
	category := "error"
	if exitCode == 0 {
		category = "success"
	} else if exitCode > 128 {
		category = "signal"
	}

	ragstackServiceUp.WithLabelValues(service).Set(0)
	ragstackServiceReady.WithLabelValues(service).Set(0)
	ragstackServiceExitsTotal.WithLabelValues(service, category).Inc()
	ragstackServiceLastExitCode.WithLabelValues(service).Set(float64(exitCode))
	ragstackServiceUptimeSeconds.Observe(uptime.Seconds())

	c.mu.Lock()
	c.exitCodes[exitCode]++
	c.mu.Unlock()
}

// ObserveProbe records one readiness probe attempt. Matches the prober's
// observer signature so it can be wired directly.
func (c *Collector) ObserveProbe(service string, latency time.Duration, err error) {
	ragstackProbeAttemptsTotal.WithLabelValues(service).Inc()
	if err != nil {
		ragstackProbeFailuresTotal.WithLabelValues(service).Inc()
	}
	ragstackProbeLatencySeconds.Observe(latency.Seconds())
}

// RecordOutput adds forwarded output bytes for a service.
func (c *Collector) RecordOutput(service string, n int) {
	ragstackOutputBytesTotal.WithLabelValues(service).Add(float64(n))
}

// RecordOutputErrors counts error patterns spotted in service output.
func (c *Collector) RecordOutputErrors(service string, counts map[string]int) {
	for pattern, n := range counts {
		if n > 0 {
			ragstackOutputErrorsTotal.WithLabelValues(service, pattern).Add(float64(n))
		}
	}
}

// =============================================================================
// Index Gate
// =============================================================================

// SetIndexStatus records the gate outcome and, when a build ran, its wall
// time.
func (c *Collector) SetIndexStatus(status string, buildDuration time.Duration) {
	for _, s := range knownIndexStatuses {
		if s == status {
			ragstackIndexStatus.WithLabelValues(s).Set(1)
		} else {
			ragstackIndexStatus.WithLabelValues(s).Set(0)
		}
	}
	ragstackIndexBuildSeconds.Set(buildDuration.Seconds())
}

// =============================================================================
// Accessors
// =============================================================================

// ExitCodes returns a copy of the exit code tally.
func (c *Collector) ExitCodes() map[int]int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[int]int64, len(c.exitCodes))
	for code, count := range c.exitCodes {
		out[code] = count
	}
	return out
}

// StartTime returns when the collector was created.
func (c *Collector) StartTime() time.Time {
	return c.startTime
}
