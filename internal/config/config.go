// Package config provides configuration management for go-ragstack-launcher.
package config

import "time"

// Config holds all launcher-level configuration options. Per-service
// settings live in the Stack definition (see stack.go).
type Config struct {
	// Stack selection
	StackFile string   `json:"stack_file"` // "" = auto-detect ragstack.yaml, else built-in stack
	Only      []string `json:"only"`       // service subset to launch ("" = all)

	// Index gate
	IndexDir       string `json:"index_dir"` // overrides the stack's index dir when set
	SkipIndexCheck bool   `json:"skip_index_check"`
	Reindex        bool   `json:"reindex"` // force a rebuild even if the index is present

	// Startup / shutdown defaults (per-service values in the stack win)
	ProbeTimeout        time.Duration `json:"probe_timeout"`
	ProbeInterval       time.Duration `json:"probe_interval"`
	ProbeAttemptTimeout time.Duration `json:"probe_attempt_timeout"`
	ReadyGrace          time.Duration `json:"ready_grace"` // settle delay for services without a probe
	StopGrace           time.Duration `json:"stop_grace"`  // SIGTERM-to-SIGKILL window
	HealthInterval      time.Duration `json:"health_interval"` // 0 = disable re-probing after startup

	// Observability
	MetricsAddr string `json:"metrics_addr"` // "" = metrics server disabled
	Verbose     bool   `json:"verbose"`
	LogFormat   string `json:"log_format"` // json, text
	LogLevel    string `json:"log_level"`

	// Dashboard
	TUIEnabled bool `json:"tui"`

	// Diagnostic modes
	PrintPlan     bool `json:"print_plan"`
	SkipPreflight bool `json:"skip_preflight"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		// Startup / shutdown
		ProbeTimeout:        60 * time.Second,
		ProbeInterval:       2 * time.Second,
		ProbeAttemptTimeout: 3 * time.Second,
		ReadyGrace:          5 * time.Second,
		StopGrace:           10 * time.Second,
		HealthInterval:      30 * time.Second,

		// Observability
		MetricsAddr: "127.0.0.1:17091",
		Verbose:     false,
		LogFormat:   "text", // launch progress is read by a human at a terminal
		LogLevel:    "info",

		// Dashboard
		TUIEnabled: false,
	}
}
