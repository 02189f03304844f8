// Package orchestrator wires the launcher together: preflight, metrics,
// stats, the launch session, and the optional TUI dashboard. The session
// owns the launch semantics; the orchestrator owns everything around it.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/randomizedcoder/go-ragstack-launcher/internal/config"
	"github.com/randomizedcoder/go-ragstack-launcher/internal/indexgate"
	"github.com/randomizedcoder/go-ragstack-launcher/internal/metrics"
	"github.com/randomizedcoder/go-ragstack-launcher/internal/preflight"
	"github.com/randomizedcoder/go-ragstack-launcher/internal/probe"
	"github.com/randomizedcoder/go-ragstack-launcher/internal/process"
	"github.com/randomizedcoder/go-ragstack-launcher/internal/stats"
	"github.com/randomizedcoder/go-ragstack-launcher/internal/supervisor"
	"github.com/randomizedcoder/go-ragstack-launcher/internal/timeseries"
	"github.com/randomizedcoder/go-ragstack-launcher/internal/tui"
)

// sampleInterval is the cadence of the background sampler feeding the
// output-rate trackers and the elapsed/state gauges.
const sampleInterval = 1 * time.Second

// shutdownTimeout bounds the metrics server drain at exit.
const shutdownTimeout = 10 * time.Second

// Options carries the run-level facts the config struct does not.
type Options struct {
	// Logger receives all launcher events. Defaults to slog.Default().
	Logger *slog.Logger

	// Version is the build version, exposed on the info metric.
	Version string

	// StackSource names where the stack came from (file path or "builtin").
	StackSource string
}

// Orchestrator coordinates all components for one launch.
type Orchestrator struct {
	config *config.Config
	stack  *config.Stack
	opts   Options
	logger *slog.Logger

	gate    *indexgate.Gate
	prober  *probe.Prober
	session *supervisor.Session
	tracker *stats.Tracker

	// output holds one rate tracker per service, keyed by name. Built at
	// construction, read-only afterwards.
	output map[string]*timeseries.OutputTracker

	// metrics and metricsServer are nil when -metrics is "".
	metrics       *metrics.Collector
	metricsServer *metrics.Server

	// tuiOpts holds extra dashboard program options. Tests use it to run
	// the program headless.
	tuiOpts []tea.ProgramOption

	startTime time.Time
}

// New creates an orchestrator for the given launcher config and resolved
// stack.
func New(cfg *config.Config, stack *config.Stack, opts Options) *Orchestrator {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	logger := opts.Logger

	o := &Orchestrator{
		config:  cfg,
		stack:   stack,
		opts:    opts,
		logger:  logger,
		tracker: stats.NewTracker(),
		output:  make(map[string]*timeseries.OutputTracker, len(stack.Services)),
	}

	required := 0
	for _, svc := range stack.Services {
		o.tracker.Register(svc.Name, svc.Rank, svc.Required)
		o.output[svc.Name] = timeseries.NewOutputTracker()
		if svc.Required {
			required++
		}
	}

	if cfg.MetricsAddr != "" {
		o.metrics = metrics.NewCollector(metrics.CollectorConfig{
			Version:     opts.Version,
			StackSource: opts.StackSource,
		})
		o.metrics.SetServiceCounts(len(stack.Services), required)
	}

	o.gate = indexgate.New(stack.Index, indexgate.Options{
		Logger:    logger,
		Verbose:   cfg.Verbose,
		Force:     cfg.Reindex,
		Skip:      cfg.SkipIndexCheck,
		StopGrace: cfg.StopGrace,
	})

	o.prober = probe.New(logger)
	o.prober.SetObserver(func(service string, latency time.Duration, err error) {
		o.tracker.ObserveProbe(service, latency, err)
		if o.metrics != nil {
			o.metrics.ObserveProbe(service, latency, err)
		}
	})

	o.session = supervisor.New(supervisor.Config{
		Stack:          stack,
		Gate:           o.gate,
		Prober:         o.prober,
		Logger:         logger,
		Verbose:        cfg.Verbose,
		HealthInterval: cfg.HealthInterval,
		Callbacks: supervisor.Callbacks{
			OnPhaseChange:  o.onPhaseChange,
			OnServiceState: o.onServiceState,
			OnServiceReady: o.onServiceReady,
			OnServiceExit:  o.onServiceExit,
		},
		OnOutput: o.onOutput,
	})

	if cfg.MetricsAddr != "" {
		o.metricsServer = metrics.NewServer(cfg.MetricsAddr, logger, func() bool {
			return o.session.Phase() == supervisor.PhaseAllReady
		})
	}

	return o
}

// Run executes the launch. It blocks until the stack has been torn down
// and the exit summary printed. A nil return means a clean operator stop.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.startTime = time.Now()

	if !o.config.SkipPreflight {
		result := preflight.RunAll(o.stack, preflight.Options{
			SkipIndex:  o.config.SkipIndexCheck,
			ForceIndex: o.config.Reindex,
		})
		preflight.PrintResults(result)
		if !result.Passed {
			return fmt.Errorf("preflight checks failed (use -skip-preflight to override)")
		}
	}

	if o.metricsServer != nil {
		if err := o.metricsServer.Start(); err != nil {
			return fmt.Errorf("starting metrics server: %w", err)
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)

	go func() {
		select {
		case sig := <-sigCh:
			o.logger.Info("received_signal", "signal", sig.String())
			cancel()
		case <-ctx.Done():
		}
	}()

	samplerDone := make(chan struct{})
	go o.sampleLoop(samplerDone)

	// The session runs in its own goroutine so the TUI, when enabled, can
	// own the foreground. The program is built before the session starts:
	// the session goroutine sends the quit message, and a launch that
	// fails in its first instant must still find the program there.
	var program *tea.Program
	if o.config.TUIEnabled {
		progOpts := append([]tea.ProgramOption{tea.WithAltScreen()}, o.tuiOpts...)
		program = tea.NewProgram(tui.New(tui.Config{
			StackSource: o.opts.StackSource,
			MetricsAddr: o.config.MetricsAddr,
			Session:     o.session,
			Stats:       o.tracker,
			OutputRates: o.outputRates,
			OnQuit:      cancel,
		}), progOpts...)
	}

	sessErrCh := make(chan error, 1)
	go func() {
		sessErrCh <- o.session.Run(ctx)
		tui.SendQuit(program)
	}()

	if program != nil {
		if _, err := program.Run(); err != nil {
			o.logger.Warn("tui_failed", "error", err)
			cancel()
		}
	}

	err := <-sessErrCh
	close(samplerDone)

	if o.metricsServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer shutdownCancel()
		if serr := o.metricsServer.Shutdown(shutdownCtx); serr != nil {
			o.logger.Warn("metrics_server_shutdown_error", "error", serr)
		}
	}

	o.printExitSummary(err)

	return err
}

// Session returns the launch session for external observation.
func (o *Orchestrator) Session() *supervisor.Session {
	return o.session
}

// Tracker returns the launch stats tracker.
func (o *Orchestrator) Tracker() *stats.Tracker {
	return o.tracker
}

// sampleLoop feeds the rolling output-rate trackers and refreshes the
// elapsed/state gauges until done closes.
func (o *Orchestrator) sampleLoop(done <-chan struct{}) {
	ticker := time.NewTicker(sampleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			for _, tracker := range o.output {
				tracker.RecordSample()
			}
			if o.metrics != nil {
				o.metrics.UpdateElapsed()

				snap := o.session.Snapshot()
				running, ready := 0, 0
				for _, svc := range snap.Services {
					if !svc.Spawned {
						continue
					}
					if svc.State.IsActive() {
						running++
					}
					if svc.State == process.StateReady {
						ready++
					}
				}
				o.metrics.SetServiceStates(running, ready)
			}
		}
	}
}

// outputRates returns the rolling output stats for one service. Matches
// the TUI's rate source signature.
func (o *Orchestrator) outputRates(service string) timeseries.OutputStats {
	if tracker, ok := o.output[service]; ok {
		return tracker.Snapshot()
	}
	return timeseries.OutputStats{}
}

// =============================================================================
// Session callbacks
// =============================================================================

func (o *Orchestrator) onPhaseChange(oldPhase, newPhase supervisor.Phase) {
	if o.metrics != nil {
		o.metrics.SetPhase(newPhase.String())
	}

	switch newPhase {
	case supervisor.PhaseAllReady:
		o.tracker.RecordAllReady()
	case supervisor.PhaseStarting:
		if o.metrics != nil {
			o.metrics.SetIndexStatus(o.gate.Status().String(), o.gate.BuildDuration())
		}
	}
}

func (o *Orchestrator) onServiceState(service string, oldState, newState process.State) {
	if newState != process.StateRunning || oldState != process.StateStarting {
		return
	}
	if s := o.tracker.Service(service); s != nil {
		s.RecordSpawn()
	}
	if o.metrics != nil {
		o.metrics.ServiceStarted(service)
	}
}

func (o *Orchestrator) onServiceReady(service string, waited time.Duration, attempts int) {
	if s := o.tracker.Service(service); s != nil {
		s.RecordReady(waited, attempts)
	}
	if o.metrics != nil {
		o.metrics.ServiceReady(service, waited)
	}
}

func (o *Orchestrator) onServiceExit(service string, exitCode int, uptime time.Duration) {
	if s := o.tracker.Service(service); s != nil {
		s.RecordExit(exitCode, uptime)
	}
	if o.metrics != nil {
		o.metrics.ServiceExited(service, exitCode, uptime)
		o.metrics.RecordOutputErrors(service, o.session.OutputErrorCounts(service))
	}
}

func (o *Orchestrator) onOutput(service string, n int) {
	o.tracker.RecordOutput(service, n)
	if tracker, ok := o.output[service]; ok {
		tracker.Add(n)
	}
	if o.metrics != nil {
		o.metrics.RecordOutput(service, n)
	}
}

// =============================================================================
// Exit summary
// =============================================================================

// printExitSummary renders the end-of-run box to stdout.
func (o *Orchestrator) printExitSummary(runErr error) {
	cfg := stats.SummaryConfig{
		StackSource: o.opts.StackSource,
		Duration:    time.Since(o.startTime),
		MetricsAddr: o.config.MetricsAddr,
		FinalPhase:  o.session.Phase().String(),
	}

	if status := o.gate.Status(); status != indexgate.StatusUnknown {
		cfg.IndexStatus = status.String()
		cfg.IndexBuildDuration = o.gate.BuildDuration()
	}
	if runErr != nil {
		cfg.Failure = runErr.Error()
	}

	fmt.Print(stats.FormatExitSummary(o.tracker.Aggregate(), cfg))
}
