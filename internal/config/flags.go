package config

import (
	"flag"
	"fmt"
	"os"
	"strings"
)

// serviceList is a custom flag type for repeatable -only flags.
// Comma-separated values are split, so -only a,b and -only a -only b agree.
type serviceList []string

func (s *serviceList) String() string {
	return strings.Join(*s, ", ")
}

func (s *serviceList) Set(value string) error {
	for _, name := range strings.Split(value, ",") {
		name = strings.TrimSpace(name)
		if name != "" {
			*s = append(*s, name)
		}
	}
	return nil
}

// ParseFlags parses command-line flags and returns a Config.
func ParseFlags() (*Config, error) {
	cfg := DefaultConfig()
	var only serviceList

	// Custom usage message
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, `go-ragstack-launcher - single-command launcher for a local GraphRAG chat stack

Brings up the knowledge index, LLM proxy, backend, and web UI in dependency
order, waits for each to become ready, and tears everything down in reverse
on Ctrl-C.

Usage:
  go-ragstack-launcher [flags] [stack.yaml]

Stack Selection:
`)
		printFlagCategory([]string{"stack", "only"})

		fmt.Fprintf(os.Stderr, "\nIndex Gate:\n")
		printFlagCategory([]string{"index-dir", "skip-index-check", "reindex"})

		fmt.Fprintf(os.Stderr, "\nStartup & Shutdown:\n")
		printFlagCategory([]string{"probe-timeout", "probe-interval", "attempt-timeout", "ready-grace", "stop-grace", "health-interval"})

		fmt.Fprintf(os.Stderr, "\nObservability:\n")
		printFlagCategory([]string{"metrics", "v", "log-format", "log-level"})

		fmt.Fprintf(os.Stderr, "\nDashboard:\n")
		printFlagCategory([]string{"tui"})

		fmt.Fprintf(os.Stderr, "\nSafety & Diagnostics:\n")
		printFlagCategory([]string{"print-plan", "skip-preflight"})

		fmt.Fprintf(os.Stderr, `
Examples:
  # Launch the built-in GraphRAG chat stack (or ./ragstack.yaml if present)
  go-ragstack-launcher

  # Launch a custom stack, skipping the index presence check
  go-ragstack-launcher -skip-index-check my-stack.yaml

  # Rebuild the index, then bring up only the proxy and backend
  go-ragstack-launcher -reindex -only llm-proxy,backend

  # Watch the launch on the live dashboard
  go-ragstack-launcher -tui

`)
	}

	// Stack selection
	flag.StringVar(&cfg.StackFile, "stack", cfg.StackFile, "Stack definition file (YAML)")
	flag.Var(&only, "only", "Launch only these services (comma-separated, can repeat)")

	// Index gate
	flag.StringVar(&cfg.IndexDir, "index-dir", cfg.IndexDir, "Knowledge index directory (overrides the stack file)")
	flag.BoolVar(&cfg.SkipIndexCheck, "skip-index-check", cfg.SkipIndexCheck, "Skip the index presence check and never build")
	flag.BoolVar(&cfg.Reindex, "reindex", cfg.Reindex, "Rebuild the index even if it is present")

	// Startup / shutdown
	flag.DurationVar(&cfg.ProbeTimeout, "probe-timeout", cfg.ProbeTimeout, "Default overall readiness wait per service")
	flag.DurationVar(&cfg.ProbeInterval, "probe-interval", cfg.ProbeInterval, "Default poll interval between readiness checks")
	flag.DurationVar(&cfg.ProbeAttemptTimeout, "attempt-timeout", cfg.ProbeAttemptTimeout, "Default timeout for a single readiness check")
	flag.DurationVar(&cfg.ReadyGrace, "ready-grace", cfg.ReadyGrace, "Settle delay for services without a probe")
	flag.DurationVar(&cfg.StopGrace, "stop-grace", cfg.StopGrace, "Default SIGTERM-to-SIGKILL window at shutdown")
	flag.DurationVar(&cfg.HealthInterval, "health-interval", cfg.HealthInterval, "Re-probe interval once all services are ready (0 = off)")

	// Observability
	flag.StringVar(&cfg.MetricsAddr, "metrics", cfg.MetricsAddr, `Prometheus metrics address ("" = disabled)`)
	flag.BoolVar(&cfg.Verbose, "v", cfg.Verbose, "Verbose logging (forwards all service output)")
	flag.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, `Log format: "text" or "json"`)
	flag.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, `Log level: "debug", "info", "warn", "error"`)

	// Dashboard
	flag.BoolVar(&cfg.TUIEnabled, "tui", cfg.TUIEnabled, "Live terminal dashboard instead of log lines")

	// Safety & Diagnostics
	flag.BoolVar(&cfg.PrintPlan, "print-plan", cfg.PrintPlan, "Print the launch plan and exit")
	flag.BoolVar(&cfg.SkipPreflight, "skip-preflight", cfg.SkipPreflight, "Skip preflight checks")

	// Parse
	flag.Parse()

	cfg.Only = only

	// Positional argument: stack file
	args := flag.Args()
	if len(args) >= 1 {
		cfg.StackFile = args[0]
	}

	return cfg, nil
}

// printFlagCategory prints flags matching the given names (helper for usage).
func printFlagCategory(names []string) {
	flag.VisitAll(func(f *flag.Flag) {
		for _, name := range names {
			if f.Name == name {
				fmt.Fprintf(os.Stderr, "  -%s %s\n    \t%s", f.Name, flagType(f), f.Usage)
				if f.DefValue != "" && f.DefValue != "false" && f.DefValue != "0" && f.DefValue != "0s" && f.DefValue != "[]" {
					fmt.Fprintf(os.Stderr, " (default %s)", f.DefValue)
				}
				fmt.Fprintln(os.Stderr)
				return
			}
		}
	})
}

// flagType returns a type hint for the flag value.
func flagType(f *flag.Flag) string {
	// Infer type from default value format
	switch f.DefValue {
	case "true", "false":
		return ""
	}

	// Check if it looks like a duration
	if strings.HasSuffix(f.DefValue, "s") || strings.HasSuffix(f.DefValue, "m") || strings.HasSuffix(f.DefValue, "h") {
		return "duration"
	}

	// Check if numeric
	if _, err := fmt.Sscanf(f.DefValue, "%d", new(int)); err == nil {
		return "int"
	}

	return "string"
}
