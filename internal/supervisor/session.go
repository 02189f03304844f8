// Package supervisor runs the launch session: the index gate, the
// rank-ordered start sequence, steady-state monitoring of the running
// stack, and the reverse-order teardown. One Session is one launch.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/randomizedcoder/go-ragstack-launcher/internal/config"
	"github.com/randomizedcoder/go-ragstack-launcher/internal/indexgate"
	"github.com/randomizedcoder/go-ragstack-launcher/internal/probe"
	"github.com/randomizedcoder/go-ragstack-launcher/internal/process"
)

// crashTailLines is how many lines of a dead service's output are
// replayed into the log.
const crashTailLines = 10

// Callbacks allows observing session events. All callbacks are optional
// and must not block: OnServiceState and OnServiceExit fire on process
// reaper goroutines.
type Callbacks struct {
	// OnPhaseChange fires when the session moves between phases.
	OnPhaseChange func(oldPhase, newPhase Phase)

	// OnServiceState fires on every service state transition.
	OnServiceState func(service string, oldState, newState process.State)

	// OnServiceReady fires when a service passes its readiness probe.
	OnServiceReady func(service string, waited time.Duration, attempts int)

	// OnServiceExit fires after a service's exit has been reaped.
	OnServiceExit func(service string, exitCode int, uptime time.Duration)
}

// Config wires a launch session.
type Config struct {
	// Stack is the resolved launch definition, services sorted by rank.
	Stack *config.Stack

	// Gate is the index gate, run before any service spawns. Optional.
	Gate *indexgate.Gate

	// Prober decides service readiness.
	Prober *probe.Prober

	// Logger receives session events. Defaults to slog.Default().
	Logger *slog.Logger

	// Verbose forwards all service output instead of only warnings.
	Verbose bool

	// HealthInterval is the steady-state health cadence: log a stack
	// summary and re-probe ready services. Zero disables the periodic
	// health check.
	HealthInterval time.Duration

	// Callbacks observe session events.
	Callbacks Callbacks

	// OnOutput, when set, observes the byte length of every forwarded
	// output line per service.
	OnOutput func(service string, n int)
}

// exitEvent is one reaped service exit, delivered to the monitor loop.
type exitEvent struct {
	service  string
	exitCode int
	uptime   time.Duration
}

// readyDisposition is how one service's startup concluded.
type readyDisposition int

const (
	dispReady readyDisposition = iota
	dispTimeout
	dispCrashed
	dispOperator
)

// Session drives one launch from index gate to teardown.
//
// Run owns all spawning and stopping; the only concurrent inputs are
// context cancellation and exit events from process reapers.
type Session struct {
	cfg    Config
	logger *slog.Logger

	phase   Phase
	phaseMu sync.RWMutex

	specs map[string]config.ServiceSpec

	handlesMu sync.RWMutex
	handles   map[string]*process.Handle
	started   []*process.Handle // realized start order

	exitCh chan exitEvent

	// handledExits marks exits already classified by the start sequence,
	// so the monitor loop does not report them twice. Touched only from
	// the Run goroutine.
	handledExits map[string]bool

	failure   atomic.Pointer[LaunchError]
	startTime time.Time
	ran       atomic.Bool

	// reprobing guards against overlapping health re-probe sweeps when a
	// sweep outlasts the health interval.
	reprobing atomic.Bool
}

// New creates a session for the given stack.
func New(cfg Config) *Session {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	specs := make(map[string]config.ServiceSpec, len(cfg.Stack.Services))
	for _, spec := range cfg.Stack.Services {
		specs[spec.Name] = spec
	}

	return &Session{
		cfg:          cfg,
		logger:       cfg.Logger,
		phase:        PhaseInit,
		specs:        specs,
		handles:      make(map[string]*process.Handle, len(specs)),
		exitCh:       make(chan exitEvent, len(specs)+1),
		handledExits: make(map[string]bool, len(specs)),
		startTime:    time.Now(),
	}
}

// Run executes the launch. It blocks until an operator stop, a fatal
// failure, or context cancellation, and returns only after the teardown
// has finished. A nil return means the stop was operator-initiated; a
// *LaunchError means the launch failed. Callable exactly once.
func (s *Session) Run(ctx context.Context) error {
	if !s.ran.CompareAndSwap(false, true) {
		return errors.New("session already ran")
	}

	s.setPhase(PhaseIndexing)
	if lerr, stopped := s.runIndexGate(ctx); stopped {
		return s.finishStopped()
	} else if lerr != nil {
		return s.finishFailed(lerr)
	}

	s.setPhase(PhaseStarting)
	if lerr, stopped := s.startServices(ctx); stopped {
		return s.finishStopped()
	} else if lerr != nil {
		return s.finishFailed(lerr)
	}

	s.setPhase(PhaseAllReady)
	s.logger.Info("stack_ready",
		"services", len(s.startedHandles()),
		"elapsed", time.Since(s.startTime).Round(time.Millisecond).String(),
	)

	if lerr, stopped := s.monitor(ctx); !stopped && lerr != nil {
		return s.finishFailed(lerr)
	}
	return s.finishStopped()
}

// runIndexGate runs the gate. stopped reports an operator interrupt.
func (s *Session) runIndexGate(ctx context.Context) (lerr *LaunchError, stopped bool) {
	if s.cfg.Gate == nil {
		return nil, false
	}

	status, err := s.cfg.Gate.EnsureIndexed(ctx)
	if err != nil {
		// Only a build torn down by cancellation is an operator stop. An
		// intrinsic gate error stays fatal even when a signal lands in the
		// same instant.
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, true
		}
		return &LaunchError{Kind: FailureIndexBuild, Err: err}, false
	}

	s.logger.Info("index_gate_passed", "status", status.String())
	return nil, false
}

// startServices spawns and probes each service in rank order. The next
// service is not spawned until the previous one is ready.
func (s *Session) startServices(ctx context.Context) (lerr *LaunchError, stopped bool) {
	total := len(s.cfg.Stack.Services)

	for i := range s.cfg.Stack.Services {
		spec := s.cfg.Stack.Services[i]

		if ctx.Err() != nil {
			s.logger.Info("start_sequence_interrupted",
				"started", i,
				"target", total,
			)
			return nil, true
		}

		s.logger.Info("starting_service",
			"service", spec.Name,
			"rank", spec.Rank,
			"required", spec.Required,
			"position", fmt.Sprintf("%d/%d", i+1, total),
		)

		h, err := s.spawn(spec)
		if err != nil {
			if !spec.Required {
				s.logger.Warn("optional_service_spawn_failed",
					"service", spec.Name,
					"error", err,
				)
				continue
			}
			return &LaunchError{Kind: FailureSpawn, Service: spec.Name, Err: err}, false
		}

		disp, res := s.awaitReady(ctx, h, spec)
		switch disp {
		case dispReady:
			s.logger.Info("service_ready",
				"service", spec.Name,
				"waited", res.Elapsed.Round(time.Millisecond).String(),
				"attempts", res.Attempts,
			)
			if s.cfg.Callbacks.OnServiceReady != nil {
				s.cfg.Callbacks.OnServiceReady(spec.Name, res.Elapsed, res.Attempts)
			}

		case dispOperator:
			return nil, true

		case dispCrashed:
			code := s.exitCodeOf(h)
			s.handledExits[spec.Name] = true
			if !spec.Required {
				s.logger.Warn("optional_service_died_during_startup",
					"service", spec.Name,
					"exit_code", code,
				)
				continue
			}
			s.logCrashTail(h)
			return &LaunchError{
				Kind:    FailureCrash,
				Service: spec.Name,
				Err:     fmt.Errorf("exited with code %d during startup", code),
			}, false

		case dispTimeout:
			err := fmt.Errorf("not ready after %s (%d attempts)", res.Elapsed.Round(time.Millisecond), res.Attempts)
			if res.LastErr != nil {
				err = fmt.Errorf("not ready after %s (%d attempts): %w", res.Elapsed.Round(time.Millisecond), res.Attempts, res.LastErr)
			}
			if !spec.Required {
				s.logger.Warn("optional_service_not_ready",
					"service", spec.Name,
					"error", err,
				)
				continue
			}
			return &LaunchError{Kind: FailureReadiness, Service: spec.Name, Err: err}, false
		}
	}

	return nil, false
}

// spawn starts one service and registers its handle.
func (s *Session) spawn(spec config.ServiceSpec) (*process.Handle, error) {
	var onOutput func(n int)
	if s.cfg.OnOutput != nil {
		name := spec.Name
		onOutput = func(n int) { s.cfg.OnOutput(name, n) }
	}

	h, err := process.Spawn(spec, process.SpawnOptions{
		Logger:  s.logger,
		Verbose: s.cfg.Verbose,
		Callbacks: process.Callbacks{
			OnStateChange: s.cfg.Callbacks.OnServiceState,
			OnExit: func(service string, exitCode int, uptime time.Duration) {
				select {
				case s.exitCh <- exitEvent{service: service, exitCode: exitCode, uptime: uptime}:
				default:
				}
				if s.cfg.Callbacks.OnServiceExit != nil {
					s.cfg.Callbacks.OnServiceExit(service, exitCode, uptime)
				}
			},
		},
		OnOutput: onOutput,
	})
	if err != nil {
		return nil, err
	}

	s.handlesMu.Lock()
	s.handles[spec.Name] = h
	s.started = append(s.started, h)
	s.handlesMu.Unlock()

	return h, nil
}

// awaitReady blocks until the service is ready, dead, timed out, or the
// operator pulled the plug. The probe is aborted the moment the process
// dies, so a crashing service fails fast instead of eating the timeout.
func (s *Session) awaitReady(ctx context.Context, h *process.Handle, spec config.ServiceSpec) (readyDisposition, probe.Result) {
	probeCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case <-h.Done():
			cancel()
		case <-probeCtx.Done():
		}
	}()

	res := s.cfg.Prober.Wait(probeCtx, spec.Name, spec.Probe)

	switch res.Outcome {
	case probe.Ready:
		if !h.MarkReady() {
			// Passed the probe and died right after
			return dispCrashed, res
		}
		return dispReady, res

	case probe.Canceled:
		if ctx.Err() != nil {
			return dispOperator, res
		}
		return dispCrashed, res

	default: // probe.TimedOut
		if !h.Alive() {
			return dispCrashed, res
		}
		return dispTimeout, res
	}
}

// monitor holds the all-ready phase: it blocks until the operator stops
// the stack or a required service dies. Optional deaths are logged and
// tolerated.
func (s *Session) monitor(ctx context.Context) (lerr *LaunchError, stopped bool) {
	var healthCh <-chan time.Time
	if s.cfg.HealthInterval > 0 {
		ticker := time.NewTicker(s.cfg.HealthInterval)
		defer ticker.Stop()
		healthCh = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("shutdown_requested")
			return nil, true

		case ev := <-s.exitCh:
			if s.handledExits[ev.service] {
				continue
			}
			s.handledExits[ev.service] = true

			spec := s.specs[ev.service]
			if !spec.Required {
				s.logger.Warn("optional_service_exited",
					"service", ev.service,
					"exit_code", ev.exitCode,
					"uptime", ev.uptime.Round(time.Millisecond).String(),
				)
				continue
			}

			if h := s.handleOf(ev.service); h != nil {
				s.logCrashTail(h)
			}
			return &LaunchError{
				Kind:    FailureCrash,
				Service: ev.service,
				Err:     fmt.Errorf("exited unexpectedly with code %d after %s", ev.exitCode, ev.uptime.Round(time.Millisecond)),
			}, false

		case <-healthCh:
			s.logHealth()
			go s.reprobeReady(ctx)
		}
	}
}

// teardown stops every started service in reverse of the realized start
// order. Sequential: the next stop begins only after the previous exit
// has been reaped.
func (s *Session) teardown() {
	started := s.startedHandles()
	if len(started) == 0 {
		return
	}

	s.setPhase(PhaseShuttingDown)
	s.logger.Info("stopping_stack", "services", len(started))

	for i := len(started) - 1; i >= 0; i-- {
		h := started[i]
		grace := time.Duration(s.specs[h.Service()].StopGrace)
		result := h.Terminate(grace)
		s.logger.Info("service_stopped",
			"service", h.Service(),
			"result", result.String(),
		)
	}
}

func (s *Session) finishStopped() error {
	s.teardown()
	s.setPhase(PhaseStopped)
	s.logger.Info("launch_stopped",
		"elapsed", time.Since(s.startTime).Round(time.Millisecond).String(),
	)
	return nil
}

func (s *Session) finishFailed(lerr *LaunchError) error {
	s.teardown()
	s.failure.Store(lerr)
	s.setPhase(PhaseFailed)
	s.logger.Error("launch_failed",
		"kind", lerr.Kind.String(),
		"service", lerr.Service,
		"error", lerr.Err,
	)
	return lerr
}

// logCrashTail replays the dead service's last output lines into the log.
func (s *Session) logCrashTail(h *process.Handle) {
	for _, line := range h.RecentOutput(crashTailLines) {
		s.logger.Error("crash_output", "service", h.Service(), "line", line)
	}
}

// logHealth logs a one-line state summary of the whole stack.
func (s *Session) logHealth() {
	snap := s.Snapshot()

	alive := 0
	parts := make([]string, 0, len(snap.Services))
	for _, svc := range snap.Services {
		status := "pending"
		if svc.Spawned {
			status = svc.State.String()
			if svc.State.IsActive() {
				alive++
			}
		}
		parts = append(parts, svc.Name+"="+status)
	}

	s.logger.Info("health_check",
		"alive", alive,
		"services", strings.Join(parts, " "),
	)
}

// reprobeReady runs one single-shot check against every ready service
// with a network probe. Degradation is logged, never acted on: a service
// that went quiet may be mid-GC, and killing the stack over one failed
// poll would be worse than the degradation itself.
func (s *Session) reprobeReady(ctx context.Context) {
	if !s.reprobing.CompareAndSwap(false, true) {
		return
	}
	defer s.reprobing.Store(false)

	for _, h := range s.startedHandles() {
		if ctx.Err() != nil {
			return
		}
		if h.State() != process.StateReady {
			continue
		}

		spec := s.specs[h.Service()]
		if spec.Probe.Kind == config.ProbeNone {
			continue
		}

		// Single shot: a negative timeout means exactly one attempt.
		single := spec.Probe
		single.Timeout = -1

		res := s.cfg.Prober.Wait(ctx, spec.Name, single)
		if res.Outcome != probe.Ready && ctx.Err() == nil {
			s.logger.Warn("service_degraded",
				"service", spec.Name,
				"error", res.LastErr,
			)
		}
	}
}

// OutputErrorCounts returns occurrences of known failure signatures in a
// service's buffered output, or nil for a service that never spawned.
func (s *Session) OutputErrorCounts(service string) map[string]int {
	h := s.handleOf(service)
	if h == nil {
		return nil
	}
	return h.OutputErrorCounts()
}

// exitCodeOf waits briefly for the reaper to publish the exit code.
func (s *Session) exitCodeOf(h *process.Handle) int {
	waitCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	code, err := h.Wait(waitCtx)
	if err != nil {
		return -1
	}
	return code
}

func (s *Session) handleOf(name string) *process.Handle {
	s.handlesMu.RLock()
	defer s.handlesMu.RUnlock()
	return s.handles[name]
}

func (s *Session) startedHandles() []*process.Handle {
	s.handlesMu.RLock()
	defer s.handlesMu.RUnlock()
	out := make([]*process.Handle, len(s.started))
	copy(out, s.started)
	return out
}

// setPhase transitions the session phase and fires the callback.
func (s *Session) setPhase(newPhase Phase) {
	s.phaseMu.Lock()
	oldPhase := s.phase
	s.phase = newPhase
	s.phaseMu.Unlock()

	if oldPhase != newPhase {
		s.logger.Debug("phase_change",
			"from", oldPhase.String(),
			"to", newPhase.String(),
		)
		if s.cfg.Callbacks.OnPhaseChange != nil {
			s.cfg.Callbacks.OnPhaseChange(oldPhase, newPhase)
		}
	}
}

// Phase returns the current session phase.
func (s *Session) Phase() Phase {
	s.phaseMu.RLock()
	defer s.phaseMu.RUnlock()
	return s.phase
}

// Failure returns the launch error once the session has failed.
func (s *Session) Failure() *LaunchError {
	return s.failure.Load()
}

// ServiceSnapshot is one service's view in a Snapshot.
type ServiceSnapshot struct {
	Name     string
	Rank     int
	Required bool
	Spawned  bool
	Pid      int
	State    process.State
	Uptime   time.Duration
}

// Snapshot is a point-in-time view of the session for dashboards and
// health logging. Services appear in rank order, spawned or not.
type Snapshot struct {
	Phase    Phase
	Elapsed  time.Duration
	Services []ServiceSnapshot
	Failure  *LaunchError
}

// Snapshot captures the current session state. Safe to call from any
// goroutine at any time.
func (s *Session) Snapshot() Snapshot {
	snap := Snapshot{
		Phase:   s.Phase(),
		Elapsed: time.Since(s.startTime),
		Failure: s.failure.Load(),
	}

	s.handlesMu.RLock()
	defer s.handlesMu.RUnlock()

	for _, spec := range s.cfg.Stack.Services {
		svc := ServiceSnapshot{
			Name:     spec.Name,
			Rank:     spec.Rank,
			Required: spec.Required,
		}
		if h, ok := s.handles[spec.Name]; ok {
			svc.Spawned = true
			svc.Pid = h.Pid()
			svc.State = h.State()
			svc.Uptime = h.Uptime()
		}
		snap.Services = append(snap.Services, svc)
	}

	return snap
}
