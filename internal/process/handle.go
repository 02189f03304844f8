package process

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/randomizedcoder/go-ragstack-launcher/internal/config"
	"github.com/randomizedcoder/go-ragstack-launcher/internal/logging"
)

// pumpDrainTimeout bounds how long the reaper waits for the output pumps
// after the process exits. A forked grandchild holding the pipes open
// must not wedge the exit path.
const pumpDrainTimeout = 2 * time.Second

// TermResult describes how a requested stop concluded.
type TermResult int

const (
	// TermGraceful means the process exited within the grace window after
	// SIGTERM.
	TermGraceful TermResult = iota

	// TermForced means the grace window expired and the process group was
	// SIGKILLed.
	TermForced

	// TermAlreadyDead means the process had already exited when Terminate
	// was called.
	TermAlreadyDead
)

// String returns a human-readable name for the result.
func (r TermResult) String() string {
	switch r {
	case TermGraceful:
		return "graceful"
	case TermForced:
		return "forced"
	case TermAlreadyDead:
		return "already_exited"
	default:
		return "unknown"
	}
}

// SpawnError reports a service whose process could not be started. No
// process exists when Spawn returns one of these.
type SpawnError struct {
	Service string
	Err     error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawning %s: %v", e.Service, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// Callbacks allows observing handle lifecycle events.
// All callbacks are optional and called synchronously.
type Callbacks struct {
	// OnStateChange is called when the handle changes state.
	OnStateChange func(service string, oldState, newState State)

	// OnExit is called after the exit has been reaped and published.
	OnExit func(service string, exitCode int, uptime time.Duration)
}

// SpawnOptions carries the cross-cutting wiring for a spawned service.
type SpawnOptions struct {
	// Logger receives lifecycle events and forwarded service output.
	// Defaults to slog.Default().
	Logger *slog.Logger

	// Verbose forwards all service output instead of only warnings.
	Verbose bool

	// Callbacks observe state changes and the exit.
	Callbacks Callbacks

	// OnOutput, when set, observes the byte length of every forwarded
	// output line. Used for output rate tracking.
	OnOutput func(n int)
}

// Handle is the exclusive owner of one service's OS process. It is
// created by Spawn with the process already running, publishes exactly
// one terminal state, and closes Done after the exit has been reaped.
//
// Nothing else may signal or wait on the process; all lifecycle actions
// go through the handle.
type Handle struct {
	service   string
	logger    *slog.Logger
	callbacks Callbacks

	cmd *exec.Cmd
	pid int

	startTime time.Time

	state   State
	stateMu sync.RWMutex

	// done closes after the terminal state, exit code, and final uptime
	// are published.
	done        chan struct{}
	exitCode    int
	finalUptime time.Duration

	stopRequested atomic.Bool
	forceKilled   atomic.Bool
	termMu        sync.Mutex

	stdoutFwd *logging.OutputForwarder
	stderrFwd *logging.OutputForwarder
	pumpWg    sync.WaitGroup
}

// Spawn starts the service's process in its own process group and
// returns a running handle. On any error no process is left behind.
func Spawn(spec config.ServiceSpec, opts SpawnOptions) (*Handle, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	builder := NewBuilder(spec)
	cmd, err := builder.BuildCommand()
	if err != nil {
		return nil, &SpawnError{Service: spec.Name, Err: err}
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, &SpawnError{Service: spec.Name, Err: fmt.Errorf("stdout pipe: %w", err)}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, &SpawnError{Service: spec.Name, Err: fmt.Errorf("stderr pipe: %w", err)}
	}

	// Own process group so a stop can signal the whole service tree,
	// including anything the service forks.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	h := &Handle{
		service:   spec.Name,
		logger:    logger,
		callbacks: opts.Callbacks,
		cmd:       cmd,
		state:     StateStarting,
		done:      make(chan struct{}),
	}

	h.stdoutFwd = logging.NewOutputForwarder(spec.Name, "stdout", logger, opts.Verbose)
	h.stderrFwd = logging.NewOutputForwarder(spec.Name, "stderr", logger, opts.Verbose)
	if opts.OnOutput != nil {
		h.stdoutFwd.OnLine = opts.OnOutput
		h.stderrFwd.OnLine = opts.OnOutput
	}

	if err := cmd.Start(); err != nil {
		return nil, &SpawnError{Service: spec.Name, Err: err}
	}

	h.pid = cmd.Process.Pid
	h.startTime = time.Now()
	h.setState(StateRunning)

	logger.Info("service_started",
		"service", spec.Name,
		"pid", h.pid,
		"command", builder.CommandLine(),
	)

	h.pumpWg.Add(2)
	go func() {
		defer h.pumpWg.Done()
		h.stdoutFwd.HandleReader(stdout)
	}()
	go func() {
		defer h.pumpWg.Done()
		h.stderrFwd.HandleReader(stderr)
	}()

	go h.reap()

	return h, nil
}

// reap waits for the process to exit, drains the output pumps, and
// publishes the terminal state. Runs exactly once per handle.
func (h *Handle) reap() {
	waitErr := h.cmd.Wait()
	uptime := time.Since(h.startTime)
	code := extractExitCode(waitErr)

	h.drainPumps()

	var final State
	switch {
	case h.stopRequested.Load() && h.forceKilled.Load():
		final = StateKilled
	case h.stopRequested.Load():
		// A requested stop that landed within grace counts as a clean
		// exit even when the service reports 128+SIGTERM.
		final = StateExited
	case code == 0:
		final = StateExited
	default:
		final = StateCrashed
	}

	h.exitCode = code
	h.finalUptime = uptime
	h.setState(final)

	// OnExit fires before done closes so that anyone unblocked by the
	// close (Terminate, Wait) observes a fully published exit, callbacks
	// included.
	if h.callbacks.OnExit != nil {
		h.callbacks.OnExit(h.service, code, uptime)
	}
	close(h.done)

	h.logger.Info("service_exited",
		"service", h.service,
		"pid", h.pid,
		"exit_code", code,
		"state", final.String(),
		"uptime", uptime.Round(time.Millisecond).String(),
	)
}

// drainPumps waits for the output pumps to hit EOF so the tail of a
// dying service's output lands in the buffers before the exit is
// published.
func (h *Handle) drainPumps() {
	drained := make(chan struct{})
	go func() {
		h.pumpWg.Wait()
		close(drained)
	}()

	select {
	case <-drained:
	case <-time.After(pumpDrainTimeout):
		h.logger.Warn("output_drain_timeout", "service", h.service)
	}
}

// Terminate stops the service: SIGTERM to the process group, wait up to
// grace for the exit, then SIGKILL. A zero or negative grace escalates
// immediately. Safe to call multiple times and from multiple goroutines;
// once the exit has been reaped further calls return TermAlreadyDead
// without signaling anything.
func (h *Handle) Terminate(grace time.Duration) TermResult {
	h.termMu.Lock()
	defer h.termMu.Unlock()

	select {
	case <-h.done:
		return TermAlreadyDead
	default:
	}

	h.stopRequested.Store(true)

	h.logger.Info("stopping_service",
		"service", h.service,
		"pid", h.pid,
		"grace", grace.String(),
	)

	h.signalGroup(syscall.SIGTERM)

	if grace > 0 {
		select {
		case <-h.done:
			return TermGraceful
		case <-time.After(grace):
		}
	}

	// The exit may have been reaped while the grace timer fired.
	select {
	case <-h.done:
		return TermGraceful
	default:
	}

	h.forceKilled.Store(true)
	h.logger.Warn("force_killing_service",
		"service", h.service,
		"pid", h.pid,
	)
	h.signalGroup(syscall.SIGKILL)

	<-h.done
	return TermForced
}

// signalGroup signals the whole process group, falling back to the
// process itself if the group lookup fails.
func (h *Handle) signalGroup(sig syscall.Signal) {
	if pgid, err := syscall.Getpgid(h.pid); err == nil {
		if err := syscall.Kill(-pgid, sig); err == nil {
			return
		}
	}

	if sig == syscall.SIGKILL {
		_ = h.cmd.Process.Kill()
		return
	}
	_ = h.cmd.Process.Signal(sig)
}

// setState transitions the handle state and fires the callback.
func (h *Handle) setState(newState State) {
	h.stateMu.Lock()
	oldState := h.state
	h.state = newState
	h.stateMu.Unlock()

	if oldState != newState && h.callbacks.OnStateChange != nil {
		h.callbacks.OnStateChange(h.service, oldState, newState)
	}
}

// MarkReady records a passed readiness probe. Returns false if the
// process is no longer running.
func (h *Handle) MarkReady() bool {
	h.stateMu.Lock()
	if h.state != StateRunning {
		h.stateMu.Unlock()
		return false
	}
	h.state = StateReady
	h.stateMu.Unlock()

	if h.callbacks.OnStateChange != nil {
		h.callbacks.OnStateChange(h.service, StateRunning, StateReady)
	}
	return true
}

// Service returns the service name this handle owns.
func (h *Handle) Service() string { return h.service }

// Pid returns the process ID of the spawned process.
func (h *Handle) Pid() int { return h.pid }

// State returns the current state.
func (h *Handle) State() State {
	h.stateMu.RLock()
	defer h.stateMu.RUnlock()
	return h.state
}

// Alive returns true until the exit has been reaped.
func (h *Handle) Alive() bool {
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

// Done returns a channel closed once the process has exited and been
// reaped. The exit code and final state are valid after it closes.
func (h *Handle) Done() <-chan struct{} { return h.done }

// ExitCode returns the exit code once the process has been reaped.
func (h *Handle) ExitCode() (int, bool) {
	select {
	case <-h.done:
		return h.exitCode, true
	default:
		return 0, false
	}
}

// Uptime returns how long the process has been running, or its final
// lifetime once it has exited.
func (h *Handle) Uptime() time.Duration {
	select {
	case <-h.done:
		return h.finalUptime
	default:
		return time.Since(h.startTime)
	}
}

// Wait blocks until the process exits or the context is canceled.
func (h *Handle) Wait(ctx context.Context) (int, error) {
	select {
	case <-h.done:
		return h.exitCode, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// RecentOutput returns the tail of the service's output for crash
// diagnostics, preferring stderr where python services write everything.
func (h *Handle) RecentOutput(n int) []string {
	if lines := h.stderrFwd.RecentLines(n); len(lines) > 0 {
		return lines
	}
	return h.stdoutFwd.RecentLines(n)
}

// OutputErrorCounts returns occurrences of known failure signatures in
// the buffered output of both streams.
func (h *Handle) OutputErrorCounts() map[string]int {
	counts := h.stderrFwd.CountErrors()
	for pattern, n := range h.stdoutFwd.CountErrors() {
		counts[pattern] += n
	}
	return counts
}

// extractExitCode pulls the exit code out of an exec.Cmd Wait error,
// mapping signal deaths to 128+signal.
func extractExitCode(err error) int {
	if err == nil {
		return 0
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok {
			if status.Signaled() {
				return 128 + int(status.Signal())
			}
			return status.ExitStatus()
		}
	}

	return 1
}
