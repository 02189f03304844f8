package stats

import (
	"strings"
	"testing"
	"time"
)

func sampleLaunchStats() *LaunchStats {
	return &LaunchStats{
		Elapsed:            2 * time.Minute,
		ServicesTotal:      3,
		ServicesSpawned:    3,
		ServicesReady:      3,
		ServicesExited:     3,
		TotalProbeAttempts: 17,
		TotalProbeFailures: 14,
		TotalOutputBytes:   2_500_000,
		OutputBytesPerSec:  20_833,
		TimeToAllReady:     8 * time.Second,
		Services: []ServiceSummary{
			{
				Name: "llm-proxy", Rank: 10, Required: true,
				Spawned: true, Ready: true,
				ReadyWait: 1200 * time.Millisecond, ReadyAttempts: 4,
				ProbeAttempts: 4, ProbeFailures: 3,
				ProbeP50: 12 * time.Millisecond, ProbeP95: 40 * time.Millisecond,
				ProbeP99: 55 * time.Millisecond, ProbeMax: 60 * time.Millisecond,
				OutputBytes: 500_000,
				Exited:      true, ExitCode: 143, Uptime: 110 * time.Second,
			},
			{
				Name: "backend", Rank: 20, Required: true,
				Spawned: true, Ready: true,
				ReadyWait: 6 * time.Second, ReadyAttempts: 12,
				ProbeAttempts: 12, ProbeFailures: 11,
				ProbeP50: 9 * time.Millisecond, ProbeP95: 30 * time.Millisecond,
				ProbeP99: 35 * time.Millisecond, ProbeMax: 41 * time.Millisecond,
				OutputBytes: 1_800_000,
				Exited:      true, ExitCode: 143, Uptime: 100 * time.Second,
			},
			{
				Name: "webui", Rank: 30, Required: false,
				Spawned: true, Ready: true,
				ReadyWait: 300 * time.Millisecond, ReadyAttempts: 1,
				ProbeAttempts: 1,
				OutputBytes:   200_000,
				Exited:        true, ExitCode: 0, Uptime: 95 * time.Second,
			},
		},
	}
}

func TestFormatExitSummary_FullRun(t *testing.T) {
	out := FormatExitSummary(sampleLaunchStats(), SummaryConfig{
		StackSource: "ragstack.yaml",
		Duration:    2 * time.Minute,
		MetricsAddr: "localhost:9090",
		IndexStatus: "present",
		FinalPhase:  "stopped",
	})

	wantFragments := []string{
		"go-ragstack-launcher Exit Summary",
		"Run Duration:           00:02:00",
		"Final Phase:            stopped",
		"Stack:                  ragstack.yaml",
		"Knowledge Index:        present",
		"3 spawned, 3 ready of 3",
		"Startup",
		"llm-proxy",
		"backend",
		"webui",
		"Time To All Ready:",
		"Probe Latency",
		"Total Attempts:       17 (14 failed)",
		"Service Output",
		"2.50 MB",
		"Exits",
		"143 (SIGTERM)",
		"Metrics endpoint was: http://localhost:9090/metrics",
	}
	for _, frag := range wantFragments {
		if !strings.Contains(out, frag) {
			t.Errorf("summary missing %q\n%s", frag, out)
		}
	}

	if strings.Contains(out, "Launch failed") {
		t.Error("clean run should not report a failure")
	}
}

func TestFormatExitSummary_BuiltIndex(t *testing.T) {
	out := FormatExitSummary(sampleLaunchStats(), SummaryConfig{
		Duration:           5 * time.Minute,
		IndexStatus:        "built",
		IndexBuildDuration: 125 * time.Second,
	})

	if !strings.Contains(out, "Knowledge Index:        built (in 00:02:05)") {
		t.Errorf("summary missing index build duration:\n%s", out)
	}
}

func TestFormatExitSummary_Failure(t *testing.T) {
	launch := sampleLaunchStats()
	launch.ServicesReady = 1

	out := FormatExitSummary(launch, SummaryConfig{
		Duration:   10 * time.Second,
		FinalPhase: "failed",
		Failure:    "crash failure in service backend: exited unexpectedly with code 3",
	})

	if !strings.Contains(out, "Launch failed: crash failure in service backend") {
		t.Errorf("summary missing failure line:\n%s", out)
	}
	if !strings.Contains(out, "Final Phase:            failed") {
		t.Errorf("summary missing final phase:\n%s", out)
	}
}

func TestFormatExitSummary_NotSpawnedAndNotReadyRows(t *testing.T) {
	launch := &LaunchStats{
		ServicesTotal:   2,
		ServicesSpawned: 1,
		Services: []ServiceSummary{
			{Name: "backend", Rank: 10, Spawned: true, ProbeAttempts: 5},
			{Name: "webui", Rank: 20},
		},
	}

	out := FormatExitSummary(launch, SummaryConfig{Duration: time.Second})

	if !strings.Contains(out, "not ready") {
		t.Errorf("summary missing 'not ready' row:\n%s", out)
	}
	if !strings.Contains(out, "not spawned") {
		t.Errorf("summary missing 'not spawned' row:\n%s", out)
	}
}

func TestFormatExitSummary_NilStats(t *testing.T) {
	out := FormatExitSummary(nil, SummaryConfig{
		Duration:    90 * time.Second,
		MetricsAddr: "localhost:9090",
		FinalPhase:  "failed",
		Failure:     "index_build failure: exit code 2",
	})

	if !strings.Contains(out, "Run Duration:           00:01:30") {
		t.Errorf("basic summary missing duration:\n%s", out)
	}
	if !strings.Contains(out, "Launch failed: index_build failure") {
		t.Errorf("basic summary missing failure:\n%s", out)
	}
}

func TestExitCodeLabel(t *testing.T) {
	tests := []struct {
		code int
		want string
	}{
		{0, "(clean)"},
		{1, "(error)"},
		{137, "(SIGKILL)"},
		{143, "(SIGTERM)"},
		{42, ""},
	}

	for _, tt := range tests {
		if got := exitCodeLabel(tt.code); got != tt.want {
			t.Errorf("exitCodeLabel(%d) = %q, want %q", tt.code, got, tt.want)
		}
	}
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{0, "00:00:00"},
		{59 * time.Second, "00:00:59"},
		{time.Minute, "00:01:00"},
		{90 * time.Minute, "01:30:00"},
		{25*time.Hour + 5*time.Second, "25:00:05"},
	}

	for _, tt := range tests {
		if got := FormatDuration(tt.d); got != tt.want {
			t.Errorf("FormatDuration(%v) = %q, want %q", tt.d, got, tt.want)
		}
	}
}

func TestFormatNumber(t *testing.T) {
	tests := []struct {
		n    int64
		want string
	}{
		{0, "0"},
		{999, "999"},
		{1_000, "1.0K"},
		{1_500, "1.5K"},
		{2_000_000, "2.0M"},
	}

	for _, tt := range tests {
		if got := FormatNumber(tt.n); got != tt.want {
			t.Errorf("FormatNumber(%d) = %q, want %q", tt.n, got, tt.want)
		}
	}
}

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		n    int64
		want string
	}{
		{512, "512 B"},
		{2_048, "2.05 KB"},
		{3_500_000, "3.50 MB"},
		{1_250_000_000, "1.25 GB"},
	}

	for _, tt := range tests {
		if got := FormatBytes(tt.n); got != tt.want {
			t.Errorf("FormatBytes(%d) = %q, want %q", tt.n, got, tt.want)
		}
	}
}

func TestFormatMs(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{0, "0 ms"},
		{500 * time.Microsecond, "500 µs"},
		{15 * time.Millisecond, "15 ms"},
		{1200 * time.Millisecond, "1200 ms"},
	}

	for _, tt := range tests {
		if got := FormatMs(tt.d); got != tt.want {
			t.Errorf("FormatMs(%v) = %q, want %q", tt.d, got, tt.want)
		}
	}
}
