// Package probe implements readiness checking for supervised services.
//
// A probe answers one question: is this service ready to take traffic?
// Network-level failures (connection refused, reset, DNS) mean "not yet
// ready", never "fatal" - a service that was just spawned is expected to
// refuse connections for a while. Only the overall timeout turns repeated
// failure into an error the supervisor acts on.
package probe

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/randomizedcoder/go-ragstack-launcher/internal/config"
)

// Outcome classifies how a readiness wait ended.
type Outcome int

const (
	// Ready means a check succeeded within the overall timeout.
	Ready Outcome = iota

	// TimedOut means no check succeeded before the overall timeout lapsed.
	TimedOut

	// Canceled means the wait was interrupted (shutdown signal or the
	// service died while being probed).
	Canceled
)

// String returns a human-readable outcome name.
func (o Outcome) String() string {
	switch o {
	case Ready:
		return "ready"
	case TimedOut:
		return "timed_out"
	case Canceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// Result describes a completed readiness wait.
type Result struct {
	Outcome  Outcome
	Attempts int
	Elapsed  time.Duration
	LastErr  error // last attempt failure, nil when Ready on the first try
}

// Observer receives per-attempt latencies. err is nil for a successful
// check. Wired to the metrics collector and launch stats.
type Observer func(service string, latency time.Duration, err error)

// Prober polls readiness targets. Safe for use from a single coordinating
// goroutine; the zero per-service state lives in the spec, not here.
type Prober struct {
	logger   *slog.Logger
	client   *http.Client
	dialer   *net.Dialer
	observer Observer
}

// New creates a Prober. Per-attempt timeouts come from the probe spec via
// context, so the HTTP client itself carries none.
func New(logger *slog.Logger) *Prober {
	return &Prober{
		logger: logger,
		client: &http.Client{},
		dialer: &net.Dialer{},
	}
}

// SetObserver registers the per-attempt observer. Call before Wait.
func (p *Prober) SetObserver(obs Observer) {
	p.observer = obs
}

// Wait blocks until the readiness target reports ready, the overall timeout
// lapses, or ctx is canceled. A non-positive timeout means exactly one
// attempt. Services with no probe (kind "none") are ready after the grace
// delay.
func (p *Prober) Wait(ctx context.Context, service string, spec config.ProbeSpec) Result {
	start := time.Now()

	if spec.Kind == config.ProbeNone {
		grace := time.Duration(spec.Grace)
		if grace > 0 {
			select {
			case <-time.After(grace):
			case <-ctx.Done():
				return Result{Outcome: Canceled, Elapsed: time.Since(start)}
			}
		}
		return Result{Outcome: Ready, Elapsed: time.Since(start)}
	}

	timeout := time.Duration(spec.Timeout)
	interval := time.Duration(spec.Interval)
	singleShot := timeout <= 0

	var deadline time.Time
	if !singleShot {
		deadline = start.Add(timeout)
	}

	var lastErr error
	for attempt := 1; ; attempt++ {
		budget := time.Duration(spec.AttemptTimeout)
		if !singleShot {
			// An attempt never outlives the overall budget
			if remaining := time.Until(deadline); remaining < budget {
				budget = remaining
			}
		}
		if budget <= 0 {
			return Result{Outcome: TimedOut, Attempts: attempt - 1, Elapsed: time.Since(start), LastErr: lastErr}
		}

		attemptStart := time.Now()
		err := p.attempt(ctx, spec, budget)
		latency := time.Since(attemptStart)

		if p.observer != nil {
			p.observer(service, latency, err)
		}

		if err == nil {
			return Result{Outcome: Ready, Attempts: attempt, Elapsed: time.Since(start), LastErr: lastErr}
		}
		lastErr = err

		if ctx.Err() != nil {
			return Result{Outcome: Canceled, Attempts: attempt, Elapsed: time.Since(start), LastErr: lastErr}
		}

		p.logger.Debug("probe_attempt_failed",
			"service", service,
			"attempt", attempt,
			"latency_ms", latency.Milliseconds(),
			"error", err,
		)

		if singleShot {
			return Result{Outcome: TimedOut, Attempts: attempt, Elapsed: time.Since(start), LastErr: lastErr}
		}

		// Sleep until the next poll, but never past the deadline
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return Result{Outcome: TimedOut, Attempts: attempt, Elapsed: time.Since(start), LastErr: lastErr}
		}
		sleep := interval
		if sleep > remaining {
			sleep = remaining
		}
		select {
		case <-time.After(sleep):
		case <-ctx.Done():
			return Result{Outcome: Canceled, Attempts: attempt, Elapsed: time.Since(start), LastErr: lastErr}
		}
	}
}

// attempt runs a single check with its own timeout so one hung endpoint
// cannot eat the whole readiness budget.
func (p *Prober) attempt(ctx context.Context, spec config.ProbeSpec, budget time.Duration) error {
	actx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	switch spec.Kind {
	case config.ProbeHTTP:
		return p.checkHTTP(actx, spec)
	case config.ProbeTCP:
		return p.checkTCP(actx, spec)
	case config.ProbeMetric:
		return p.checkMetric(actx, spec)
	default:
		return fmt.Errorf("unknown probe kind %q", spec.Kind)
	}
}

// checkHTTP performs one GET and matches the status against the spec.
// ExpectStatus 0 accepts any 2xx.
func (p *Prober) checkHTTP(ctx context.Context, spec config.ProbeSpec) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, spec.URL, nil)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	// Drain so the connection can be reused across polls
	_, _ = io.Copy(io.Discard, resp.Body)

	if spec.ExpectStatus != 0 {
		if resp.StatusCode != spec.ExpectStatus {
			return fmt.Errorf("status %d, want %d", resp.StatusCode, spec.ExpectStatus)
		}
		return nil
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return nil
}

// checkTCP dials the address; a completed handshake is ready.
func (p *Prober) checkTCP(ctx context.Context, spec config.ProbeSpec) error {
	conn, err := p.dialer.DialContext(ctx, "tcp", spec.Address)
	if err != nil {
		return err
	}
	return conn.Close()
}
