package tui

import (
	"fmt"
	"strings"

	"github.com/randomizedcoder/go-ragstack-launcher/internal/stats"
)

// =============================================================================
// Summary View
// =============================================================================

// renderSummaryView renders the default dashboard: header, launch
// progress, the service table, and the footer.
func (m Model) renderSummaryView() string {
	var b strings.Builder

	b.WriteString(m.renderHeader())
	b.WriteString("\n")
	b.WriteString(m.renderProgress())
	b.WriteString("\n")
	b.WriteString(m.renderServiceTable())

	if m.snap.Failure != nil {
		b.WriteString("\n")
		b.WriteString(statusError.Render("✗ " + m.snap.Failure.Error()))
		b.WriteString("\n")
	}

	b.WriteString(m.renderFooter())

	return b.String()
}

// renderHeader renders the title bar with phase and elapsed time.
func (m Model) renderHeader() string {
	title := headerStyle.Render(" go-ragstack-launcher ")
	phase := PhaseStyle(m.snap.Phase).Render("● " + m.snap.Phase.String())
	elapsed := mutedStyle.Render(formatDuration(m.snap.Elapsed))
	stack := dimStyle.Render(m.cfg.StackSource)

	return fmt.Sprintf("%s %s  %s  %s\n", title, phase, elapsed, stack)
}

// renderProgress renders the ready-services progress bar.
func (m Model) renderProgress() string {
	if m.launch == nil {
		return ""
	}

	var b strings.Builder
	b.WriteString(RenderProgressBar(m.ReadyProgress(), 40))
	b.WriteString(mutedStyle.Render(fmt.Sprintf("  %d/%d ready",
		m.launch.ServicesReady, m.launch.ServicesTotal)))
	b.WriteString("\n")

	if m.launch.TimeToAllReady > 0 {
		b.WriteString(dimStyle.Render(
			"  all ready in " + formatMs(m.launch.TimeToAllReady)))
		b.WriteString("\n")
	}

	return b.String()
}

// renderServiceTable renders one row per stack service in rank order.
func (m Model) renderServiceTable() string {
	var b strings.Builder

	b.WriteString(subtitleStyle.Render("Services"))
	b.WriteString("\n")

	header := fmt.Sprintf("  %-14s %4s %4s %-10s %7s %9s %10s %10s",
		"NAME", "RANK", "REQ", "STATE", "PID", "UPTIME", "READY-IN", "OUT")
	b.WriteString(mutedStyle.Render(header))
	b.WriteString("\n")
	b.WriteString(dimStyle.Render("  " + strings.Repeat("─", 76)))
	b.WriteString("\n")

	summaries := m.summariesByName()

	for _, svc := range m.snap.Services {
		req := "-"
		if svc.Required {
			req = "yes"
		}

		state := dimStyle.Render(fmt.Sprintf("%-10s", "pending"))
		pid := "-"
		uptime := "-"
		if svc.Spawned {
			state = StateStyle(svc.State).Render(fmt.Sprintf("%-10s", svc.State.String()))
			pid = fmt.Sprintf("%d", svc.Pid)
			uptime = formatDuration(svc.Uptime)
		}

		readyIn := "-"
		if sum, ok := summaries[svc.Name]; ok && sum.Ready {
			readyIn = formatMs(sum.ReadyWait)
		}

		out := "-"
		if svc.Spawned && m.cfg.OutputRates != nil {
			out = formatRate(m.cfg.OutputRates(svc.Name).BytesPerSec10s)
		}

		b.WriteString(fmt.Sprintf("  %-14s %4d %4s %s %7s %9s %10s %10s\n",
			svc.Name, svc.Rank, req, state, pid, uptime, readyIn, out))
	}

	return b.String()
}

// renderFooter renders key bindings and endpoint hints.
func (m Model) renderFooter() string {
	keys := "q: stop stack  d: details  r: refresh"
	if m.stopRequested {
		keys = statusWarning.Render("shutting down, waiting for teardown...")
	}

	parts := []string{keys}
	if m.cfg.MetricsAddr != "" {
		parts = append(parts, "metrics: http://"+m.cfg.MetricsAddr+"/metrics")
	}
	parts = append(parts, "updated "+m.lastUpdate.Format("15:04:05"))

	return footerStyle.Render(strings.Join(parts, "  │  ")) + "\n"
}

// =============================================================================
// Detailed View
// =============================================================================

// renderDetailedView renders one panel per service with probe latency
// percentiles and output volume.
func (m Model) renderDetailedView() string {
	var b strings.Builder

	b.WriteString(m.renderHeader())
	b.WriteString("\n")

	if m.launch == nil {
		b.WriteString(mutedStyle.Render("no stats yet"))
		b.WriteString("\n")
		b.WriteString(m.renderFooter())
		return b.String()
	}

	for _, sum := range m.launch.Services {
		b.WriteString(m.renderServicePanel(sum))
		b.WriteString("\n")
	}

	b.WriteString(m.renderFooter())

	return b.String()
}

// renderServicePanel renders the detail box for one service.
func (m Model) renderServicePanel(sum stats.ServiceSummary) string {
	var b strings.Builder

	title := boldStyle.Render(sum.Name)
	if sum.Required {
		title += dimStyle.Render(" (required)")
	}
	b.WriteString(title)
	b.WriteString("\n")

	switch {
	case !sum.Spawned:
		b.WriteString(mutedStyle.Render("not spawned"))
		b.WriteString("\n")
	case sum.Exited:
		style := valueGoodStyle
		if sum.ExitCode != 0 {
			style = valueBadStyle
		}
		b.WriteString(fmt.Sprintf("exit code %s after %s\n",
			style.Render(fmt.Sprintf("%d", sum.ExitCode)),
			formatDuration(sum.Uptime)))
	case sum.Ready:
		b.WriteString(fmt.Sprintf("ready in %s (%d attempts)\n",
			valueGoodStyle.Render(formatMs(sum.ReadyWait)), sum.ReadyAttempts))
	default:
		b.WriteString(mutedStyle.Render("waiting for readiness"))
		b.WriteString("\n")
	}

	if sum.ProbeAttempts > 0 {
		b.WriteString(fmt.Sprintf("probes: %d (%d failed)  P50 %s  P95 %s  P99 %s  max %s\n",
			sum.ProbeAttempts, sum.ProbeFailures,
			formatMs(sum.ProbeP50), formatMs(sum.ProbeP95),
			formatMs(sum.ProbeP99), formatMs(sum.ProbeMax)))
	}

	line := "output: " + formatBytes(sum.OutputBytes)
	if m.cfg.OutputRates != nil && sum.Spawned {
		rates := m.cfg.OutputRates(sum.Name)
		line += fmt.Sprintf("  (%s over 10s, %s over 60s)",
			formatRate(rates.BytesPerSec10s), formatRate(rates.BytesPerSec60s))
	}
	b.WriteString(mutedStyle.Render(line))
	b.WriteString("\n")

	return boxStyle.Render(b.String())
}

// =============================================================================
// Helpers
// =============================================================================

// summariesByName indexes the launch stats by service name.
func (m Model) summariesByName() map[string]stats.ServiceSummary {
	if m.launch == nil {
		return nil
	}
	out := make(map[string]stats.ServiceSummary, len(m.launch.Services))
	for _, sum := range m.launch.Services {
		out[sum.Name] = sum
	}
	return out
}
