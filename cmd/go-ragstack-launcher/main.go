// Package main provides the go-ragstack-launcher CLI entry point.
//
// go-ragstack-launcher is a single-command launcher for a local GraphRAG
// retrieval-and-chat stack: it gates on the knowledge index, starts the
// LLM proxy, backend, and web UI in dependency order, waits for each to
// become ready, and tears everything down in reverse on Ctrl-C.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/randomizedcoder/go-ragstack-launcher/internal/config"
	"github.com/randomizedcoder/go-ragstack-launcher/internal/logging"
	"github.com/randomizedcoder/go-ragstack-launcher/internal/orchestrator"
)

// version is set at build time via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0" ./cmd/go-ragstack-launcher
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// Handle version flag early (before flag parsing)
	if len(os.Args) > 1 {
		arg := os.Args[1]
		if arg == "-version" || arg == "--version" || arg == "version" {
			fmt.Printf("go-ragstack-launcher %s\n", version)
			return 0
		}
	}

	// Parse command-line flags
	cfg, err := config.ParseFlags()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing flags: %v\n", err)
		return 1
	}

	// Initialize logger
	// When the TUI is enabled, suppress logs to avoid corrupting the display
	var logger *slog.Logger
	if cfg.TUIEnabled {
		logger = logging.NewLoggerWithWriter(io.Discard, "json", "info")
	} else {
		logger = logging.NewLogger(cfg.LogFormat, cfg.LogLevel, cfg.Verbose)
	}
	logging.SetDefault(logger)

	// Validate launcher configuration
	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		return 1
	}

	// Resolve and validate the stack definition
	stack, err := config.ResolveStack(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Stack error: %v\n", err)
		return 1
	}
	if err := config.ValidateStack(stack, cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Stack error: %v\n", err)
		return 1
	}
	source := config.StackSource(cfg)

	// Handle -print-plan mode
	if cfg.PrintPlan {
		return printPlan(stack, source)
	}

	// Log startup
	logger.Info("starting",
		"version", version,
		"stack", source,
		"services", len(stack.Services),
		"index_dir", stack.Index.Dir,
		"metrics_addr", cfg.MetricsAddr,
	)

	// Print startup banner (the TUI draws its own header)
	if !cfg.TUIEnabled {
		printBanner(cfg, stack, source)
	}

	// Create and run the orchestrator
	orch := orchestrator.New(cfg, stack, orchestrator.Options{
		Logger:      logger,
		Version:     version,
		StackSource: source,
	})
	if err := orch.Run(context.Background()); err != nil {
		logger.Error("launch_failed", "error", err)
		return 1
	}

	return 0
}

// printBanner prints the startup banner.
func printBanner(cfg *config.Config, stack *config.Stack, source string) {
	fmt.Println()
	fmt.Println("╔═══════════════════════════════════════════════════════════════════╗")
	fmt.Println("║                      go-ragstack-launcher                         ║")
	fmt.Println("║        GraphRAG Chat Stack Launcher with Ordered Startup          ║")
	fmt.Println("╚═══════════════════════════════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("  Stack:       %s (%d services)\n", source, len(stack.Services))
	for _, svc := range stack.Services {
		marker := "optional"
		if svc.Required {
			marker = "required"
		}
		fmt.Printf("    %3d  %-14s %s\n", svc.Rank, svc.Name, marker)
	}
	if cfg.SkipIndexCheck {
		fmt.Println("  Index:       check SKIPPED")
	} else {
		fmt.Printf("  Index:       %s\n", stack.Index.Dir)
	}
	if cfg.MetricsAddr != "" {
		fmt.Printf("  Metrics:     http://%s/metrics\n", cfg.MetricsAddr)
	}
	fmt.Println()
	fmt.Println("Press Ctrl+C to stop the stack.")
	fmt.Println()
}

// printPlan renders the resolved launch plan as YAML and exits.
func printPlan(stack *config.Stack, source string) int {
	plan, err := stack.Render()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error rendering plan: %v\n", err)
		return 1
	}

	fmt.Printf("# Launch plan (source: %s)\n", source)
	fmt.Print(plan)
	return 0
}
