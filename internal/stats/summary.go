package stats

import (
	"fmt"
	"strings"
	"time"
)

// SummaryConfig holds the run-level facts the tracker does not know.
type SummaryConfig struct {
	// StackSource names where the stack definition came from (file path or
	// "builtin").
	StackSource string

	// Duration is the total run duration.
	Duration time.Duration

	// MetricsAddr is the Prometheus metrics endpoint address.
	MetricsAddr string

	// IndexStatus is the index gate outcome ("present", "built", "skipped").
	IndexStatus string

	// IndexBuildDuration is non-zero when the gate built the index.
	IndexBuildDuration time.Duration

	// FinalPhase is the session's phase at exit.
	FinalPhase string

	// Failure describes why the launch failed, empty on a clean stop.
	Failure string
}

// FormatExitSummary formats aggregated launch stats for display at exit.
//
// The summary includes:
// - Run information and the index gate outcome
// - Startup timing per service
// - Probe latency percentiles
// - Output volume
// - Exit codes
func FormatExitSummary(launch *LaunchStats, cfg SummaryConfig) string {
	if launch == nil {
		return formatBasicSummary(cfg)
	}

	var b strings.Builder

	b.WriteString("\n")
	b.WriteString("═══════════════════════════════════════════════════════════════════════════════\n")
	b.WriteString("                      go-ragstack-launcher Exit Summary\n")
	b.WriteString("═══════════════════════════════════════════════════════════════════════════════\n\n")

	// Run info
	fmt.Fprintf(&b, "Run Duration:           %s\n", FormatDuration(cfg.Duration))
	if cfg.FinalPhase != "" {
		fmt.Fprintf(&b, "Final Phase:            %s\n", cfg.FinalPhase)
	}
	if cfg.StackSource != "" {
		fmt.Fprintf(&b, "Stack:                  %s\n", cfg.StackSource)
	}
	if cfg.IndexStatus != "" {
		if cfg.IndexBuildDuration > 0 {
			fmt.Fprintf(&b, "Knowledge Index:        %s (in %s)\n", cfg.IndexStatus, FormatDuration(cfg.IndexBuildDuration))
		} else {
			fmt.Fprintf(&b, "Knowledge Index:        %s\n", cfg.IndexStatus)
		}
	}
	fmt.Fprintf(&b, "Services:               %d spawned, %d ready of %d\n\n",
		launch.ServicesSpawned, launch.ServicesReady, launch.ServicesTotal)

	// Startup timing
	if launch.ServicesSpawned > 0 {
		b.WriteString("───────────────────────────────────────────────────────────────────────────────\n")
		b.WriteString("                                   Startup\n")
		b.WriteString("───────────────────────────────────────────────────────────────────────────────\n\n")

		fmt.Fprintf(&b, "  %-20s %6s %14s %10s\n", "Service", "Rank", "Ready After", "Attempts")
		b.WriteString("  " + strings.Repeat("─", 54) + "\n")
		for _, svc := range launch.Services {
			if !svc.Spawned {
				fmt.Fprintf(&b, "  %-20s %6d %14s %10s\n", svc.Name, svc.Rank, "not spawned", "-")
				continue
			}
			if !svc.Ready {
				fmt.Fprintf(&b, "  %-20s %6d %14s %10d\n", svc.Name, svc.Rank, "not ready", svc.ProbeAttempts)
				continue
			}
			fmt.Fprintf(&b, "  %-20s %6d %14s %10d\n",
				svc.Name, svc.Rank, FormatMs(svc.ReadyWait), svc.ReadyAttempts)
		}
		if launch.TimeToAllReady > 0 {
			fmt.Fprintf(&b, "\n  Time To All Ready:    %s\n", FormatMs(launch.TimeToAllReady))
		}
		b.WriteString("\n")
	}

	// Probe latency percentiles
	if launch.TotalProbeAttempts > 0 {
		b.WriteString("───────────────────────────────────────────────────────────────────────────────\n")
		b.WriteString("                                Probe Latency\n")
		b.WriteString("───────────────────────────────────────────────────────────────────────────────\n\n")

		fmt.Fprintf(&b, "  %-20s %10s %10s %10s %10s\n", "Service", "P50", "P95", "P99", "Max")
		b.WriteString("  " + strings.Repeat("─", 64) + "\n")
		for _, svc := range launch.Services {
			if svc.ProbeAttempts == 0 {
				continue
			}
			fmt.Fprintf(&b, "  %-20s %10s %10s %10s %10s\n",
				svc.Name,
				FormatMs(svc.ProbeP50),
				FormatMs(svc.ProbeP95),
				FormatMs(svc.ProbeP99),
				FormatMs(svc.ProbeMax),
			)
		}
		fmt.Fprintf(&b, "\n  Total Attempts:       %s (%s failed)\n\n",
			FormatNumber(launch.TotalProbeAttempts),
			FormatNumber(launch.TotalProbeFailures),
		)
	}

	// Output volume
	if launch.TotalOutputBytes > 0 {
		b.WriteString("───────────────────────────────────────────────────────────────────────────────\n")
		b.WriteString("                               Service Output\n")
		b.WriteString("───────────────────────────────────────────────────────────────────────────────\n\n")

		fmt.Fprintf(&b, "  Total Output:         %s  (%s/s)\n\n",
			FormatBytes(launch.TotalOutputBytes),
			FormatBytes(int64(launch.OutputBytesPerSec)),
		)
	}

	// Exit codes
	if launch.ServicesExited > 0 {
		b.WriteString("───────────────────────────────────────────────────────────────────────────────\n")
		b.WriteString("                                    Exits\n")
		b.WriteString("───────────────────────────────────────────────────────────────────────────────\n\n")

		for _, svc := range launch.Services {
			if !svc.Exited {
				continue
			}
			fmt.Fprintf(&b, "  %-20s %4d %-10s uptime %s\n",
				svc.Name, svc.ExitCode, exitCodeLabel(svc.ExitCode), FormatDuration(svc.Uptime))
		}
		b.WriteString("\n")
	}

	if cfg.Failure != "" {
		fmt.Fprintf(&b, "Launch failed: %s\n\n", cfg.Failure)
	}

	if cfg.MetricsAddr != "" {
		fmt.Fprintf(&b, "Metrics endpoint was: http://%s/metrics\n", cfg.MetricsAddr)
	}

	b.WriteString("═══════════════════════════════════════════════════════════════════════════════\n")

	return b.String()
}

// formatBasicSummary formats a header-only summary when stats are not
// available.
func formatBasicSummary(cfg SummaryConfig) string {
	var b strings.Builder

	b.WriteString("\n")
	b.WriteString("═══════════════════════════════════════════════════════════════════════════════\n")
	b.WriteString("                      go-ragstack-launcher Exit Summary\n")
	b.WriteString("═══════════════════════════════════════════════════════════════════════════════\n\n")

	fmt.Fprintf(&b, "Run Duration:           %s\n", FormatDuration(cfg.Duration))
	if cfg.FinalPhase != "" {
		fmt.Fprintf(&b, "Final Phase:            %s\n", cfg.FinalPhase)
	}
	if cfg.Failure != "" {
		fmt.Fprintf(&b, "\nLaunch failed: %s\n", cfg.Failure)
	}
	b.WriteString("\n")

	if cfg.MetricsAddr != "" {
		fmt.Fprintf(&b, "Metrics endpoint was: http://%s/metrics\n", cfg.MetricsAddr)
	}

	b.WriteString("═══════════════════════════════════════════════════════════════════════════════\n")

	return b.String()
}

// exitCodeLabel returns a human-readable label for common exit codes.
func exitCodeLabel(code int) string {
	switch code {
	case 0:
		return "(clean)"
	case 1:
		return "(error)"
	case 137:
		return "(SIGKILL)"
	case 143:
		return "(SIGTERM)"
	default:
		return ""
	}
}

// =============================================================================
// Formatting Helper Functions (exported for reuse)
// =============================================================================

// FormatDuration formats a duration as HH:MM:SS.
func FormatDuration(d time.Duration) string {
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}

// FormatNumber formats a number with K/M suffixes for readability.
func FormatNumber(n int64) string {
	if n >= 1_000_000 {
		return fmt.Sprintf("%.1fM", float64(n)/1_000_000)
	}
	if n >= 1_000 {
		return fmt.Sprintf("%.1fK", float64(n)/1_000)
	}
	return fmt.Sprintf("%d", n)
}

// FormatBytes formats bytes with KB/MB/GB suffixes.
func FormatBytes(n int64) string {
	if n >= 1_000_000_000 {
		return fmt.Sprintf("%.2f GB", float64(n)/1_000_000_000)
	}
	if n >= 1_000_000 {
		return fmt.Sprintf("%.2f MB", float64(n)/1_000_000)
	}
	if n >= 1_000 {
		return fmt.Sprintf("%.2f KB", float64(n)/1_000)
	}
	return fmt.Sprintf("%d B", n)
}

// FormatMs formats a duration as milliseconds.
func FormatMs(d time.Duration) string {
	ms := d.Milliseconds()
	if ms == 0 && d > 0 {
		// Sub-millisecond, show microseconds
		return fmt.Sprintf("%d µs", d.Microseconds())
	}
	return fmt.Sprintf("%d ms", ms)
}
