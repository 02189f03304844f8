package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/randomizedcoder/go-ragstack-launcher/internal/config"
)

// =============================================================================
// Test Helpers
// =============================================================================

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// echoSpec runs echo with the given output and exits immediately.
func echoSpec(name, output string) config.ServiceSpec {
	return config.ServiceSpec{
		Name:    name,
		Command: []string{"echo", output},
	}
}

// sleepSpec sleeps for the given duration.
func sleepSpec(name string, duration time.Duration) config.ServiceSpec {
	return config.ServiceSpec{
		Name:    name,
		Command: []string{"sleep", fmt.Sprintf("%.3f", duration.Seconds())},
	}
}

// exitSpec exits with the given code.
func exitSpec(name string, code int) config.ServiceSpec {
	return config.ServiceSpec{
		Name:    name,
		Command: []string{"bash", "-c", fmt.Sprintf("exit %d", code)},
	}
}

// stubbornSpec ignores SIGTERM and sleeps, forcing SIGKILL escalation.
func stubbornSpec(name string) config.ServiceSpec {
	return config.ServiceSpec{
		Name:    name,
		Command: []string{"bash", "-c", `trap "" TERM; sleep 30`},
	}
}

// scriptSpec runs an arbitrary bash script.
func scriptSpec(name, script string) config.ServiceSpec {
	return config.ServiceSpec{
		Name:    name,
		Command: []string{"bash", "-c", script},
	}
}

func mustSpawn(t *testing.T, spec config.ServiceSpec, opts SpawnOptions) *Handle {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = newTestLogger()
	}
	h, err := Spawn(spec, opts)
	if err != nil {
		t.Fatalf("Spawn(%s) error: %v", spec.Name, err)
	}
	t.Cleanup(func() {
		_ = h.Terminate(0)
	})
	return h
}

func waitExit(t *testing.T, h *Handle) int {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	code, err := h.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait() error: %v", err)
	}
	return code
}

// =============================================================================
// Table-Driven Tests: State Enum
// =============================================================================

func TestState_String(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateStarting, "starting"},
		{StateRunning, "running"},
		{StateReady, "ready"},
		{StateExited, "exited"},
		{StateKilled, "killed"},
		{StateCrashed, "crashed"},
		{State(99), "unknown"},
		{State(-1), "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := tt.state.String(); got != tt.want {
				t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.want)
			}
		})
	}
}

func TestState_IsActive(t *testing.T) {
	tests := []struct {
		state State
		want  bool
	}{
		{StateStarting, true},
		{StateRunning, true},
		{StateReady, true},
		{StateExited, false},
		{StateKilled, false},
		{StateCrashed, false},
		{State(99), false},
	}

	for _, tt := range tests {
		t.Run(tt.state.String(), func(t *testing.T) {
			if got := tt.state.IsActive(); got != tt.want {
				t.Errorf("State(%d).IsActive() = %v, want %v", tt.state, got, tt.want)
			}
		})
	}
}

func TestState_IsTerminal(t *testing.T) {
	tests := []struct {
		state State
		want  bool
	}{
		{StateStarting, false},
		{StateRunning, false},
		{StateReady, false},
		{StateExited, true},
		{StateKilled, true},
		{StateCrashed, true},
		{State(99), false},
	}

	for _, tt := range tests {
		t.Run(tt.state.String(), func(t *testing.T) {
			if got := tt.state.IsTerminal(); got != tt.want {
				t.Errorf("State(%d).IsTerminal() = %v, want %v", tt.state, got, tt.want)
			}
		})
	}
}

func TestTermResult_String(t *testing.T) {
	tests := []struct {
		result TermResult
		want   string
	}{
		{TermGraceful, "graceful"},
		{TermForced, "forced"},
		{TermAlreadyDead, "already_exited"},
		{TermResult(99), "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := tt.result.String(); got != tt.want {
				t.Errorf("TermResult(%d).String() = %q, want %q", tt.result, got, tt.want)
			}
		})
	}
}

// =============================================================================
// Table-Driven Tests: Exit Code Extraction
// =============================================================================

func TestExtractExitCode(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode int
	}{
		{
			name:     "nil error",
			err:      nil,
			wantCode: 0,
		},
		{
			name:     "generic error",
			err:      errors.New("some error"),
			wantCode: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := extractExitCode(tt.err); got != tt.wantCode {
				t.Errorf("extractExitCode(%v) = %d, want %d", tt.err, got, tt.wantCode)
			}
		})
	}
}

// =============================================================================
// Tests: Spawn Lifecycle
// =============================================================================

func TestSpawn_CleanExit(t *testing.T) {
	h := mustSpawn(t, echoSpec("echo", "hello"), SpawnOptions{})

	code := waitExit(t, h)

	if code != 0 {
		t.Errorf("exit code = %d, want 0", code)
	}
	if h.State() != StateExited {
		t.Errorf("state = %v, want StateExited", h.State())
	}
	if h.Alive() {
		t.Error("Alive() = true after exit")
	}
	gotCode, ok := h.ExitCode()
	if !ok || gotCode != 0 {
		t.Errorf("ExitCode() = (%d, %v), want (0, true)", gotCode, ok)
	}
}

func TestSpawn_NonZeroExitIsCrash(t *testing.T) {
	h := mustSpawn(t, exitSpec("failing", 7), SpawnOptions{})

	code := waitExit(t, h)

	if code != 7 {
		t.Errorf("exit code = %d, want 7", code)
	}
	if h.State() != StateCrashed {
		t.Errorf("state = %v, want StateCrashed", h.State())
	}
}

func TestSpawn_CommandNotFound(t *testing.T) {
	spec := config.ServiceSpec{
		Name:    "ghost",
		Command: []string{"no-such-binary-for-sure-12345"},
	}

	h, err := Spawn(spec, SpawnOptions{Logger: newTestLogger()})

	if err == nil {
		t.Fatal("expected error for missing binary")
	}
	if h != nil {
		t.Error("handle should be nil on spawn failure")
	}
	var spawnErr *SpawnError
	if !errors.As(err, &spawnErr) {
		t.Fatalf("error type = %T, want *SpawnError", err)
	}
	if spawnErr.Service != "ghost" {
		t.Errorf("SpawnError.Service = %q, want %q", spawnErr.Service, "ghost")
	}
	if !errors.Is(err, exec.ErrNotFound) {
		t.Errorf("error should wrap exec.ErrNotFound, got %v", err)
	}
}

func TestSpawn_EmptyCommand(t *testing.T) {
	spec := config.ServiceSpec{Name: "empty"}

	_, err := Spawn(spec, SpawnOptions{Logger: newTestLogger()})

	var spawnErr *SpawnError
	if !errors.As(err, &spawnErr) {
		t.Fatalf("error type = %T, want *SpawnError", err)
	}
}

func TestSpawn_PidAssigned(t *testing.T) {
	h := mustSpawn(t, sleepSpec("sleeper", 10*time.Second), SpawnOptions{})

	if h.Pid() <= 0 {
		t.Errorf("Pid() = %d, want > 0", h.Pid())
	}
	if h.Service() != "sleeper" {
		t.Errorf("Service() = %q, want %q", h.Service(), "sleeper")
	}
	if h.State() != StateRunning {
		t.Errorf("state = %v, want StateRunning", h.State())
	}
	if !h.Alive() {
		t.Error("Alive() = false while running")
	}
}

// =============================================================================
// Tests: Terminate
// =============================================================================

func TestTerminate_Graceful(t *testing.T) {
	h := mustSpawn(t, sleepSpec("sleeper", 30*time.Second), SpawnOptions{})

	start := time.Now()
	result := h.Terminate(5 * time.Second)
	elapsed := time.Since(start)

	if result != TermGraceful {
		t.Errorf("Terminate() = %v, want TermGraceful", result)
	}
	if elapsed > 2*time.Second {
		t.Errorf("graceful stop took %v, expected well under the grace window", elapsed)
	}
	if h.State() != StateExited {
		t.Errorf("state = %v, want StateExited", h.State())
	}
	// sleep dies from the SIGTERM itself
	code, ok := h.ExitCode()
	if !ok {
		t.Fatal("ExitCode() not available after Terminate")
	}
	if code != 128+15 {
		t.Errorf("exit code = %d, want %d (128+SIGTERM)", code, 128+15)
	}
}

func TestTerminate_ForceKill(t *testing.T) {
	h := mustSpawn(t, stubbornSpec("stubborn"), SpawnOptions{})

	// Give bash a moment to install its trap
	time.Sleep(200 * time.Millisecond)

	start := time.Now()
	result := h.Terminate(500 * time.Millisecond)
	elapsed := time.Since(start)

	if result != TermForced {
		t.Errorf("Terminate() = %v, want TermForced", result)
	}
	if elapsed < 500*time.Millisecond {
		t.Errorf("force kill after %v, expected the full grace window first", elapsed)
	}
	if h.State() != StateKilled {
		t.Errorf("state = %v, want StateKilled", h.State())
	}
	code, _ := h.ExitCode()
	if code != 128+9 {
		t.Errorf("exit code = %d, want %d (128+SIGKILL)", code, 128+9)
	}
}

func TestTerminate_ZeroGraceEscalatesImmediately(t *testing.T) {
	h := mustSpawn(t, stubbornSpec("stubborn"), SpawnOptions{})

	time.Sleep(200 * time.Millisecond)

	start := time.Now()
	result := h.Terminate(0)
	elapsed := time.Since(start)

	if result != TermForced {
		t.Errorf("Terminate(0) = %v, want TermForced", result)
	}
	if elapsed > 2*time.Second {
		t.Errorf("immediate escalation took %v", elapsed)
	}
	if h.State() != StateKilled {
		t.Errorf("state = %v, want StateKilled", h.State())
	}
}

func TestTerminate_AlreadyExited(t *testing.T) {
	h := mustSpawn(t, echoSpec("echo", "done"), SpawnOptions{})
	waitExit(t, h)

	if result := h.Terminate(time.Second); result != TermAlreadyDead {
		t.Errorf("Terminate() after exit = %v, want TermAlreadyDead", result)
	}
	// State set by the natural exit is not rewritten
	if h.State() != StateExited {
		t.Errorf("state = %v, want StateExited", h.State())
	}
}

func TestTerminate_Idempotent(t *testing.T) {
	h := mustSpawn(t, sleepSpec("sleeper", 30*time.Second), SpawnOptions{})

	first := h.Terminate(5 * time.Second)
	second := h.Terminate(5 * time.Second)

	if first != TermGraceful {
		t.Errorf("first Terminate() = %v, want TermGraceful", first)
	}
	if second != TermAlreadyDead {
		t.Errorf("second Terminate() = %v, want TermAlreadyDead", second)
	}
}

func TestTerminate_Concurrent(t *testing.T) {
	h := mustSpawn(t, sleepSpec("sleeper", 30*time.Second), SpawnOptions{})

	results := make(chan TermResult, 2)
	for i := 0; i < 2; i++ {
		go func() {
			results <- h.Terminate(5 * time.Second)
		}()
	}

	var graceful, alreadyDead int
	for i := 0; i < 2; i++ {
		switch <-results {
		case TermGraceful:
			graceful++
		case TermAlreadyDead:
			alreadyDead++
		default:
			t.Error("unexpected TermResult from concurrent Terminate")
		}
	}

	if graceful != 1 || alreadyDead != 1 {
		t.Errorf("results = %d graceful, %d already_dead; want 1 and 1", graceful, alreadyDead)
	}
	if h.Alive() {
		t.Error("process still alive after concurrent Terminate")
	}
}

// =============================================================================
// Tests: Process Group Teardown
// =============================================================================

func TestTerminate_KillsForkedChildren(t *testing.T) {
	// The service forks a grandchild; group signaling must take both down.
	h := mustSpawn(t, scriptSpec("forker", "sleep 30 & wait"), SpawnOptions{})

	time.Sleep(200 * time.Millisecond)
	pid := h.Pid()

	result := h.Terminate(2 * time.Second)
	if result != TermGraceful && result != TermForced {
		t.Fatalf("Terminate() = %v", result)
	}

	// The whole group must be gone: signal 0 probes for existence.
	time.Sleep(200 * time.Millisecond)
	if err := syscall.Kill(-pid, 0); err == nil {
		t.Error("process group still exists after Terminate")
	}
}

// =============================================================================
// Tests: Ready Transition
// =============================================================================

func TestMarkReady(t *testing.T) {
	h := mustSpawn(t, sleepSpec("sleeper", 10*time.Second), SpawnOptions{})

	if !h.MarkReady() {
		t.Error("MarkReady() = false for a running process")
	}
	if h.State() != StateReady {
		t.Errorf("state = %v, want StateReady", h.State())
	}

	// A second call finds the state is no longer StateRunning
	if h.MarkReady() {
		t.Error("MarkReady() = true when already ready")
	}
}

func TestMarkReady_AfterExit(t *testing.T) {
	h := mustSpawn(t, echoSpec("echo", "bye"), SpawnOptions{})
	waitExit(t, h)

	if h.MarkReady() {
		t.Error("MarkReady() = true after exit")
	}
	if h.State() != StateExited {
		t.Errorf("state = %v, want StateExited", h.State())
	}
}

// =============================================================================
// Tests: Callbacks
// =============================================================================

func TestCallbacks_LifecycleEvents(t *testing.T) {
	var (
		mu      sync.Mutex
		changes []struct{ old, new State }
	)
	exitCh := make(chan int, 1)

	spec := echoSpec("cb", "event test")
	h := mustSpawn(t, spec, SpawnOptions{
		Callbacks: Callbacks{
			OnStateChange: func(service string, oldState, newState State) {
				if service != "cb" {
					t.Errorf("OnStateChange service = %q, want %q", service, "cb")
				}
				mu.Lock()
				changes = append(changes, struct{ old, new State }{oldState, newState})
				mu.Unlock()
			},
			OnExit: func(service string, exitCode int, uptime time.Duration) {
				exitCh <- exitCode
			},
		},
	})

	waitExit(t, h)

	select {
	case code := <-exitCh:
		if code != 0 {
			t.Errorf("OnExit code = %d, want 0", code)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("OnExit was not called")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(changes) < 2 {
		t.Fatalf("expected at least 2 state changes, got %d", len(changes))
	}
	if changes[0].new != StateRunning {
		t.Errorf("first transition to %v, want StateRunning", changes[0].new)
	}
	last := changes[len(changes)-1]
	if last.new != StateExited {
		t.Errorf("last transition to %v, want StateExited", last.new)
	}
}

// =============================================================================
// Tests: Output Capture
// =============================================================================

func TestOutput_StdoutCaptured(t *testing.T) {
	h := mustSpawn(t, echoSpec("out", "captured-line"), SpawnOptions{})
	waitExit(t, h)

	lines := h.RecentOutput(10)
	if len(lines) != 1 || lines[0] != "captured-line" {
		t.Errorf("RecentOutput() = %v, want [captured-line]", lines)
	}
}

func TestOutput_StderrPreferred(t *testing.T) {
	h := mustSpawn(t, scriptSpec("both", `echo out-line; echo err-line >&2`), SpawnOptions{})
	waitExit(t, h)

	lines := h.RecentOutput(10)
	if len(lines) != 1 || lines[0] != "err-line" {
		t.Errorf("RecentOutput() = %v, want [err-line] (stderr preferred)", lines)
	}
}

func TestOutput_EnvReachesService(t *testing.T) {
	spec := scriptSpec("env", `echo "$RAGSTACK_TEST_VALUE"`)
	spec.Env = map[string]string{"RAGSTACK_TEST_VALUE": "value-123"}

	h := mustSpawn(t, spec, SpawnOptions{})
	waitExit(t, h)

	lines := h.RecentOutput(10)
	if len(lines) != 1 || lines[0] != "value-123" {
		t.Errorf("RecentOutput() = %v, want [value-123]", lines)
	}
}

func TestOutput_DirApplied(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "marker.txt"), []byte("hello-from-dir"), 0o644); err != nil {
		t.Fatal(err)
	}

	spec := scriptSpec("dirtest", "cat marker.txt")
	spec.Dir = dir

	h := mustSpawn(t, spec, SpawnOptions{})
	code := waitExit(t, h)

	if code != 0 {
		t.Fatalf("exit code = %d, want 0 (marker not found?)", code)
	}
	lines := h.RecentOutput(10)
	if len(lines) != 1 || lines[0] != "hello-from-dir" {
		t.Errorf("RecentOutput() = %v, want [hello-from-dir]", lines)
	}
}

func TestOutput_OnOutputCountsBytes(t *testing.T) {
	var total atomic.Int64

	h := mustSpawn(t, echoSpec("counter", "12345"), SpawnOptions{
		OnOutput: func(n int) {
			total.Add(int64(n))
		},
	})
	waitExit(t, h)

	// "12345" plus the stripped newline
	if got := total.Load(); got != 6 {
		t.Errorf("OnOutput total = %d, want 6", got)
	}
}

func TestOutput_ErrorCounts(t *testing.T) {
	script := `echo "Traceback (most recent call last):" >&2; echo "ConnectionError: Connection refused" >&2`
	h := mustSpawn(t, scriptSpec("pyfail", script), SpawnOptions{})
	waitExit(t, h)

	counts := h.OutputErrorCounts()
	if counts["Traceback"] != 1 {
		t.Errorf("Traceback count = %d, want 1", counts["Traceback"])
	}
	if counts["Connection refused"] != 1 {
		t.Errorf("Connection refused count = %d, want 1", counts["Connection refused"])
	}
}

// =============================================================================
// Tests: Uptime and Wait
// =============================================================================

func TestUptime_WhileRunningAndAfterExit(t *testing.T) {
	h := mustSpawn(t, sleepSpec("sleeper", 10*time.Second), SpawnOptions{})

	time.Sleep(200 * time.Millisecond)
	if uptime := h.Uptime(); uptime < 100*time.Millisecond {
		t.Errorf("Uptime() = %v while running, expected > 100ms", uptime)
	}

	h.Terminate(2 * time.Second)

	// Frozen at the final lifetime once reaped
	first := h.Uptime()
	if first < 100*time.Millisecond {
		t.Errorf("final uptime = %v, expected > 100ms", first)
	}
	time.Sleep(50 * time.Millisecond)
	if second := h.Uptime(); second != first {
		t.Errorf("uptime moved after exit: %v then %v", first, second)
	}
}

func TestWait_ContextCanceled(t *testing.T) {
	h := mustSpawn(t, sleepSpec("sleeper", 30*time.Second), SpawnOptions{})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := h.Wait(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Wait() error = %v, want context.DeadlineExceeded", err)
	}
	if !h.Alive() {
		t.Error("process should still be alive after Wait timeout")
	}
}

// =============================================================================
// Tests: Concurrent Access
// =============================================================================

func TestHandle_ConcurrentAccess(t *testing.T) {
	h := mustSpawn(t, sleepSpec("sleeper", 5*time.Second), SpawnOptions{})

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = h.State()
			_ = h.Alive()
			_ = h.Pid()
			_ = h.Uptime()
			_, _ = h.ExitCode()
			_ = h.RecentOutput(5)
		}()
	}
	wg.Wait()
}
