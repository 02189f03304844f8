// Package indexgate decides whether the knowledge index exists before any
// service starts, and builds it synchronously when it does not. The whole
// stack is read-only against the index, so nothing may spawn until the
// gate has passed.
package indexgate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/randomizedcoder/go-ragstack-launcher/internal/config"
	"github.com/randomizedcoder/go-ragstack-launcher/internal/process"
)

// Status describes what the gate found and did.
type Status int

const (
	// StatusUnknown means the gate has not run, or the build failed.
	StatusUnknown Status = iota

	// StatusPresent means the index directory was already populated.
	StatusPresent

	// StatusBuilt means the build command ran and exited zero.
	StatusBuilt

	// StatusSkipped means the operator disabled the check.
	StatusSkipped
)

// String returns a human-readable name for the status.
func (s Status) String() string {
	switch s {
	case StatusPresent:
		return "present"
	case StatusBuilt:
		return "built"
	case StatusSkipped:
		return "skipped"
	default:
		return "unknown"
	}
}

// BuildError reports an index build that ran and failed. The launch must
// abort: every service downstream assumes a queryable index.
type BuildError struct {
	ExitCode int
	Output   []string // tail of the builder's output for diagnostics
}

func (e *BuildError) Error() string {
	return fmt.Sprintf("index build failed with exit code %d", e.ExitCode)
}

// Options carries the operator knobs for the gate.
type Options struct {
	// Logger receives gate events and forwarded builder output.
	Logger *slog.Logger

	// Verbose forwards all builder output instead of only warnings.
	Verbose bool

	// Force rebuilds the index even when the directory is populated.
	Force bool

	// Skip trusts the operator and starts services without looking.
	Skip bool

	// StopGrace is the TERM-to-KILL window if the build is interrupted.
	StopGrace time.Duration
}

// Gate checks the index directory and owns the one-shot build.
type Gate struct {
	spec config.IndexSpec
	opts Options

	ran           atomic.Bool
	status        Status
	buildDuration time.Duration
}

// New creates a gate for the given index definition.
func New(spec config.IndexSpec, opts Options) *Gate {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Gate{spec: spec, opts: opts}
}

// EnsureIndexed checks the index directory and synchronously builds the
// index when it is empty or missing. Callable exactly once; the caller
// must not start any service until it returns nil.
//
// A failed build returns a *BuildError. An operator interrupt during the
// build tears the builder down and returns the context error.
func (g *Gate) EnsureIndexed(ctx context.Context) (Status, error) {
	if !g.ran.CompareAndSwap(false, true) {
		return g.status, errors.New("index gate already ran")
	}

	if g.opts.Skip {
		g.opts.Logger.Warn("index_check_skipped", "dir", g.spec.Dir)
		g.status = StatusSkipped
		return g.status, nil
	}

	populated, entries, err := indexPopulated(g.spec.Dir)
	if err != nil {
		return g.status, fmt.Errorf("checking index dir %s: %w", g.spec.Dir, err)
	}

	switch {
	case populated && !g.opts.Force:
		g.opts.Logger.Info("index_present",
			"dir", g.spec.Dir,
			"entries", entries,
		)
		g.status = StatusPresent
		return g.status, nil
	case populated:
		g.opts.Logger.Info("index_rebuild_forced", "dir", g.spec.Dir)
	default:
		g.opts.Logger.Info("index_missing", "dir", g.spec.Dir)
	}

	if err := g.build(ctx); err != nil {
		return g.status, err
	}

	g.status = StatusBuilt
	return g.status, nil
}

// Status returns what the gate concluded. Valid after EnsureIndexed.
func (g *Gate) Status() Status { return g.status }

// BuildDuration returns how long the build took, or zero if none ran.
func (g *Gate) BuildDuration() time.Duration { return g.buildDuration }

// build runs the build command to completion through a process handle,
// so the builder gets the same process-group teardown and output
// forwarding as any service.
func (g *Gate) build(ctx context.Context) error {
	if len(g.spec.BuildCommand) == 0 {
		return fmt.Errorf("index dir %s is empty and no build command is configured", g.spec.Dir)
	}

	g.opts.Logger.Info("index_build_started",
		"command", strings.Join(g.spec.BuildCommand, " "),
		"workdir", g.spec.Workdir,
	)
	start := time.Now()

	h, err := process.Spawn(config.ServiceSpec{
		Name:    "index-build",
		Command: g.spec.BuildCommand,
		Dir:     g.spec.Workdir,
	}, process.SpawnOptions{
		Logger:  g.opts.Logger,
		Verbose: g.opts.Verbose,
	})
	if err != nil {
		return fmt.Errorf("starting index build: %w", err)
	}

	select {
	case <-h.Done():
	case <-ctx.Done():
		g.opts.Logger.Warn("index_build_interrupted")
		h.Terminate(g.opts.StopGrace)
		return ctx.Err()
	}

	g.buildDuration = time.Since(start)
	code, _ := h.ExitCode()

	if code != 0 {
		return &BuildError{ExitCode: code, Output: h.RecentOutput(20)}
	}

	g.opts.Logger.Info("index_build_complete",
		"duration", g.buildDuration.Round(time.Millisecond).String(),
	)

	// Exit code decides the launch, but an empty dir after a "successful"
	// build is worth a loud warning.
	if populated, _, err := indexPopulated(g.spec.Dir); err == nil && !populated {
		g.opts.Logger.Warn("index_dir_still_empty_after_build", "dir", g.spec.Dir)
	}

	return nil
}

// indexPopulated reports whether the index directory holds any build
// artifacts. A missing directory is simply "not populated". Dotfiles do
// not count: a directory holding only a .gitkeep has no index in it.
func indexPopulated(dir string) (bool, int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return false, 0, nil
		}
		return false, 0, err
	}

	count := 0
	for _, entry := range entries {
		if strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		count++
	}

	return count > 0, count, nil
}
