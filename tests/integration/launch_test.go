//go:build integration

// Package integration contains end-to-end launcher tests that drive real
// child processes. Some tests need python3 on the PATH for a stand-in
// HTTP service. Run with: go test -tags=integration ./tests/integration/...
package integration

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/randomizedcoder/go-ragstack-launcher/internal/config"
	"github.com/randomizedcoder/go-ragstack-launcher/internal/logging"
	"github.com/randomizedcoder/go-ragstack-launcher/internal/orchestrator"
	"github.com/randomizedcoder/go-ragstack-launcher/internal/supervisor"
)

// httpServicePort is the fixed port the stand-in HTTP service binds.
const httpServicePort = 18742

// metricsAddr is the launcher metrics endpoint for the full-launch test.
const metricsAddr = "127.0.0.1:17293"

// requirePython skips the test if python3 is not available.
func requirePython(t *testing.T) {
	if _, err := exec.LookPath("python3"); err != nil {
		t.Skip("python3 not found in PATH - skipping integration test")
	}
}

// syncBuffer is a goroutine-safe log sink.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// stoppedOrder extracts the service names from service_stopped log lines,
// in the order they were emitted.
func stoppedOrder(logs string) []string {
	var order []string
	for _, line := range strings.Split(logs, "\n") {
		if !strings.Contains(line, `"msg":"service_stopped"`) {
			continue
		}
		for _, part := range strings.Split(line, ",") {
			if strings.HasPrefix(part, `"service":"`) {
				name := strings.TrimPrefix(part, `"service":"`)
				order = append(order, strings.TrimSuffix(name, `"`))
			}
		}
	}
	return order
}

// awaitAllReady polls until the stack reaches all_ready. Returns false
// if the launch concluded or the deadline passed first.
func awaitAllReady(o *orchestrator.Orchestrator) bool {
	deadline := time.Now().Add(30 * time.Second)
	for time.Now().Before(deadline) {
		phase := o.Session().Phase()
		if phase == supervisor.PhaseAllReady {
			return true
		}
		if phase.IsTerminal() {
			return false
		}
		time.Sleep(20 * time.Millisecond)
	}
	return false
}

// TestIntegration_FullLaunch drives a complete launch: index build, an
// HTTP-probed required service, an optional probe-less helper, the
// launcher readiness endpoint, operator stop, and reverse teardown.
func TestIntegration_FullLaunch(t *testing.T) {
	requirePython(t)

	indexDir := filepath.Join(t.TempDir(), "output")

	var logs syncBuffer
	logger := logging.NewLoggerWithWriter(&logs, "json", "debug")

	cfg := config.DefaultConfig()
	cfg.MetricsAddr = metricsAddr
	cfg.SkipPreflight = false

	stack := &config.Stack{
		Index: config.IndexSpec{
			Dir:          indexDir,
			BuildCommand: []string{"bash", "-c", fmt.Sprintf("mkdir -p %s && echo data > %s/entities.parquet", indexDir, indexDir)},
		},
		Services: []config.ServiceSpec{
			{
				Name:     "web",
				Command:  []string{"python3", "-m", "http.server", fmt.Sprintf("%d", httpServicePort), "--bind", "127.0.0.1"},
				Rank:     10,
				Required: true,
				Probe: config.ProbeSpec{
					Kind:           config.ProbeHTTP,
					URL:            fmt.Sprintf("http://127.0.0.1:%d/", httpServicePort),
					Timeout:        config.Duration(15 * time.Second),
					Interval:       config.Duration(100 * time.Millisecond),
					AttemptTimeout: config.Duration(time.Second),
				},
				StopGrace: config.Duration(5 * time.Second),
			},
			{
				Name:      "helper",
				Command:   []string{"sleep", "60"},
				Rank:      20,
				Probe:     config.ProbeSpec{Kind: config.ProbeNone, Grace: config.Duration(50 * time.Millisecond)},
				StopGrace: config.Duration(5 * time.Second),
			},
		},
	}

	o := orchestrator.New(cfg, stack, orchestrator.Options{
		Logger:      logger,
		Version:     "integration",
		StackSource: "builtin",
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	readyCh := make(chan struct{})
	go func() {
		defer close(readyCh)
		defer cancel()

		if !awaitAllReady(o) {
			t.Error("stack never reached all_ready")
			return
		}

		// While all_ready, the launcher's own readiness endpoint says so.
		resp, err := http.Get("http://" + metricsAddr + "/readyz")
		if err != nil {
			t.Errorf("readyz: %v", err)
			return
		}
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("readyz status = %d, want 200", resp.StatusCode)
		}
	}()

	err := o.Run(ctx)
	<-readyCh
	if err != nil {
		t.Fatalf("Run() = %v, want nil\nlogs:\n%s", err, logs.String())
	}

	// The build ran and left artifacts behind.
	if _, statErr := os.Stat(filepath.Join(indexDir, "entities.parquet")); statErr != nil {
		t.Errorf("index artifact missing after build: %v", statErr)
	}

	// Teardown is the exact reverse of start order.
	if got := stoppedOrder(logs.String()); len(got) != 2 || got[0] != "helper" || got[1] != "web" {
		t.Errorf("teardown order = %v, want [helper web]", got)
	}

	launch := o.Tracker().Aggregate()
	if launch.ServicesReady != 2 {
		t.Errorf("ServicesReady = %d, want 2", launch.ServicesReady)
	}
	if launch.TotalProbeAttempts == 0 {
		t.Error("expected at least one probe attempt")
	}
}

// TestIntegration_RequiredCrashTearsDownStack verifies a required service
// dying after readiness fails the launch and stops the rest of the stack.
func TestIntegration_RequiredCrashTearsDownStack(t *testing.T) {
	var logs syncBuffer
	logger := logging.NewLoggerWithWriter(&logs, "json", "debug")

	cfg := config.DefaultConfig()
	cfg.MetricsAddr = "" // only one test may claim the default registry
	cfg.SkipPreflight = true

	stack := &config.Stack{
		Index: config.IndexSpec{Dir: populatedDir(t)},
		Services: []config.ServiceSpec{
			{
				Name:      "stable",
				Command:   []string{"sleep", "60"},
				Rank:      10,
				Required:  true,
				Probe:     config.ProbeSpec{Kind: config.ProbeNone, Grace: config.Duration(20 * time.Millisecond)},
				StopGrace: config.Duration(5 * time.Second),
			},
			{
				Name:      "flaky",
				Command:   []string{"bash", "-c", "sleep 0.5; exit 3"},
				Rank:      20,
				Required:  true,
				Probe:     config.ProbeSpec{Kind: config.ProbeNone, Grace: config.Duration(20 * time.Millisecond)},
				StopGrace: config.Duration(5 * time.Second),
			},
		},
	}

	o := orchestrator.New(cfg, stack, orchestrator.Options{
		Logger:      logger,
		StackSource: "builtin",
	})

	err := o.Run(context.Background())

	var lerr *supervisor.LaunchError
	if !errors.As(err, &lerr) {
		t.Fatalf("Run() = %v, want a launch error\nlogs:\n%s", err, logs.String())
	}
	if lerr.Kind != supervisor.FailureCrash || lerr.Service != "flaky" {
		t.Errorf("failure = %s/%s, want crash/flaky", lerr.Kind, lerr.Service)
	}

	// Teardown visits the dead service first (already exited), then stops
	// the survivor.
	if got := stoppedOrder(logs.String()); len(got) != 2 || got[0] != "flaky" || got[1] != "stable" {
		t.Errorf("teardown order = %v, want [flaky stable]", got)
	}
}

func populatedDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "artifact"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	return dir
}
