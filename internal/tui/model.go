package tui

import (
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/randomizedcoder/go-ragstack-launcher/internal/stats"
	"github.com/randomizedcoder/go-ragstack-launcher/internal/supervisor"
	"github.com/randomizedcoder/go-ragstack-launcher/internal/timeseries"
)

// =============================================================================
// Messages
// =============================================================================

// TickMsg is sent periodically to refresh the display.
type TickMsg time.Time

// QuitMsg tells the dashboard the launch has fully concluded and the
// terminal can be released.
type QuitMsg struct{}

// =============================================================================
// Model
// =============================================================================

// SessionSource provides live session snapshots.
type SessionSource interface {
	Snapshot() supervisor.Snapshot
}

// StatsSource provides aggregated launch statistics.
type StatsSource interface {
	Aggregate() *stats.LaunchStats
}

// RateSource returns the rolling output rates for one service.
type RateSource func(service string) timeseries.OutputStats

// Config holds dashboard configuration.
type Config struct {
	StackSource string
	MetricsAddr string

	Session     SessionSource
	Stats       StatsSource
	OutputRates RateSource

	// OnQuit requests a stack shutdown when the operator quits the
	// dashboard. The dashboard itself stays up until QuitMsg arrives, so
	// the teardown remains visible.
	OnQuit func()
}

// Model represents the dashboard state.
type Model struct {
	cfg Config

	// Current state
	snap       supervisor.Snapshot
	launch     *stats.LaunchStats
	lastUpdate time.Time

	detailedView  bool
	stopRequested bool
	quitting      bool

	// Display options
	width  int
	height int
}

// New creates a dashboard model.
func New(cfg Config) Model {
	m := Model{
		cfg:        cfg,
		lastUpdate: time.Now(),
		width:      80,
		height:     24,
	}
	m.refresh()
	return m
}

// refresh pulls the latest snapshot and stats.
func (m *Model) refresh() {
	if m.cfg.Session != nil {
		m.snap = m.cfg.Session.Snapshot()
	}
	if m.cfg.Stats != nil {
		m.launch = m.cfg.Stats.Aggregate()
	}
	m.lastUpdate = time.Now()
}

// =============================================================================
// Bubble Tea Interface
// =============================================================================

// Init initializes the model.
func (m Model) Init() tea.Cmd {
	return tickCmd()
}

// Update handles messages.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			// Request shutdown; the dashboard leaves once the teardown
			// has finished and QuitMsg arrives.
			if !m.stopRequested {
				m.stopRequested = true
				if m.cfg.OnQuit != nil {
					m.cfg.OnQuit()
				}
			}
			return m, nil
		case "d":
			m.detailedView = !m.detailedView
			return m, nil
		case "r":
			m.refresh()
			return m, nil
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case TickMsg:
		m.refresh()
		return m, tickCmd()

	case QuitMsg:
		m.quitting = true
		return m, tea.Quit
	}

	return m, nil
}

// View renders the dashboard.
func (m Model) View() string {
	if m.quitting {
		return ""
	}

	if m.detailedView {
		return m.renderDetailedView()
	}
	return m.renderSummaryView()
}

// =============================================================================
// Commands
// =============================================================================

// tickCmd returns a command that sends a tick after 500ms.
func tickCmd() tea.Cmd {
	return tea.Tick(500*time.Millisecond, func(t time.Time) tea.Msg {
		return TickMsg(t)
	})
}

// =============================================================================
// Accessors
// =============================================================================

// Phase returns the launch phase from the last refresh.
func (m Model) Phase() supervisor.Phase {
	return m.snap.Phase
}

// ReadyProgress returns the fraction of spawned services that are ready.
func (m Model) ReadyProgress() float64 {
	if m.launch == nil || m.launch.ServicesTotal == 0 {
		return 0
	}
	return float64(m.launch.ServicesReady) / float64(m.launch.ServicesTotal)
}

// StopRequested reports whether the operator asked for a shutdown.
func (m Model) StopRequested() bool {
	return m.stopRequested
}

// =============================================================================
// Helper for external use
// =============================================================================

// SendQuit releases the dashboard once the launch has concluded.
func SendQuit(p *tea.Program) {
	if p != nil {
		p.Send(QuitMsg{})
	}
}

// =============================================================================
// Formatting Helpers (used by view.go)
// =============================================================================

// formatDuration formats a duration as HH:MM:SS.
func formatDuration(d time.Duration) string {
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}

// formatBytes formats bytes with KB/MB/GB suffixes.
func formatBytes(n int64) string {
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

// formatMs formats a duration as milliseconds.
func formatMs(d time.Duration) string {
	ms := d.Milliseconds()
	if ms == 0 && d > 0 {
		return fmt.Sprintf("%d µs", d.Microseconds())
	}
	return fmt.Sprintf("%d ms", ms)
}

// formatRate formats a bytes-per-second rate.
func formatRate(rate float64) string {
	if rate >= 1_000_000 {
		return fmt.Sprintf("%.1f MB/s", rate/1_000_000)
	}
	if rate >= 1_000 {
		return fmt.Sprintf("%.1f KB/s", rate/1_000)
	}
	return fmt.Sprintf("%.0f B/s", rate)
}
