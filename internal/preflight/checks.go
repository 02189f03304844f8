// Package preflight provides startup validation checks.
package preflight

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"os/exec"
	"sort"
	"strings"
	"syscall"

	"github.com/randomizedcoder/go-ragstack-launcher/internal/config"
)

// Check represents the result of a single preflight check.
type Check struct {
	Name     string // Name of the check
	Required int    // Required value (if applicable)
	Actual   int    // Actual value found
	Passed   bool   // Whether the check passed
	Warning  bool   // True if it's a warning (non-fatal)
	Message  string // Additional context
}

// Result holds the results of all preflight checks.
type Result struct {
	Checks []Check
	Passed bool
}

// Options tunes which checks run.
type Options struct {
	// SkipIndex drops the index gate checks (mirrors -skip-index-check).
	SkipIndex bool

	// ForceIndex means the build will run even over a populated dir
	// (mirrors -reindex), so the builder binary must exist.
	ForceIndex bool
}

// String returns a human-readable summary of the check.
func (c Check) String() string {
	status := "✓"
	if !c.Passed {
		status = "✗"
	} else if c.Warning {
		status = "⚠"
	}

	if c.Required > 0 {
		return fmt.Sprintf("  %s %s: %d available (need %d)", status, c.Name, c.Actual, c.Required)
	}
	return fmt.Sprintf("  %s %s: %s", status, c.Name, c.Message)
}

// RunAll executes all preflight checks against the stack definition.
func RunAll(stack *config.Stack, opts Options) *Result {
	result := &Result{
		Checks: make([]Check, 0, len(stack.Services)*2+3),
		Passed: true,
	}

	add := func(c Check) {
		result.Checks = append(result.Checks, c)
		if !c.Passed {
			result.Passed = false
		}
	}

	// Service commands: a required service with a missing binary would
	// abort the launch mid-sequence, so catch it here.
	for _, svc := range stack.Services {
		add(checkCommand(svc))
	}

	// Working directories
	for _, svc := range stack.Services {
		if svc.Dir == "" {
			continue
		}
		add(checkWorkdir(svc))
	}

	// Index gate
	if !opts.SkipIndex {
		add(checkIndex(stack.Index, opts.ForceIndex))
	}

	// Probe port collisions (warning only)
	add(checkProbePorts(stack.Services))

	// File descriptors for the launcher and its children
	add(checkFileDescriptors(len(stack.Services)))

	return result
}

// checkCommand verifies the service's binary resolves. Missing binaries
// fail the check for required services and warn for optional ones.
func checkCommand(svc config.ServiceSpec) Check {
	name := "command:" + svc.Name

	if len(svc.Command) == 0 {
		return Check{
			Name:    name,
			Passed:  false,
			Message: "empty command",
		}
	}

	path, err := exec.LookPath(svc.Command[0])
	if err != nil {
		if !svc.Required {
			return Check{
				Name:    name,
				Passed:  true,
				Warning: true,
				Message: fmt.Sprintf("%s not found (optional service will be skipped at spawn)", svc.Command[0]),
			}
		}
		return Check{
			Name:    name,
			Passed:  false,
			Message: fmt.Sprintf("%s not found: %v", svc.Command[0], err),
		}
	}

	return Check{
		Name:    name,
		Passed:  true,
		Message: fmt.Sprintf("found at %s", path),
	}
}

// checkWorkdir verifies the service's working directory exists.
func checkWorkdir(svc config.ServiceSpec) Check {
	name := "workdir:" + svc.Name

	info, err := os.Stat(svc.Dir)
	if err != nil || !info.IsDir() {
		if !svc.Required {
			return Check{
				Name:    name,
				Passed:  true,
				Warning: true,
				Message: fmt.Sprintf("%s is not a directory", svc.Dir),
			}
		}
		return Check{
			Name:    name,
			Passed:  false,
			Message: fmt.Sprintf("%s is not a directory", svc.Dir),
		}
	}

	return Check{
		Name:    name,
		Passed:  true,
		Message: svc.Dir,
	}
}

// checkIndex verifies the gate can succeed: either the index dir is
// populated or the build command's binary resolves.
func checkIndex(spec config.IndexSpec, force bool) Check {
	entries := countIndexEntries(spec.Dir)

	if entries > 0 && !force {
		return Check{
			Name:    "index",
			Passed:  true,
			Message: fmt.Sprintf("%s populated (%d entries)", spec.Dir, entries),
		}
	}

	// A build will run
	if len(spec.BuildCommand) == 0 {
		return Check{
			Name:    "index",
			Passed:  false,
			Message: fmt.Sprintf("%s is empty and no build command is configured", spec.Dir),
		}
	}

	path, err := exec.LookPath(spec.BuildCommand[0])
	if err != nil {
		return Check{
			Name:    "index",
			Passed:  false,
			Message: fmt.Sprintf("builder %s not found: %v", spec.BuildCommand[0], err),
		}
	}

	reason := "index missing"
	if force {
		reason = "rebuild forced"
	}
	return Check{
		Name:    "index",
		Passed:  true,
		Message: fmt.Sprintf("%s, will build with %s", reason, path),
	}
}

// countIndexEntries returns the number of visible entries in dir, 0 when
// the dir is missing. Dot-entries don't count as index artifacts.
func countIndexEntries(dir string) int {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0
	}
	n := 0
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".") {
			continue
		}
		n++
	}
	return n
}

// checkProbePorts warns when two services probe the same port: almost
// always a copy-paste error in the stack file.
func checkProbePorts(services []config.ServiceSpec) Check {
	byPort := make(map[string][]string)
	for _, svc := range services {
		port := probePort(svc.Probe)
		if port == "" {
			continue
		}
		byPort[port] = append(byPort[port], svc.Name)
	}

	var collisions []string
	for port, names := range byPort {
		if len(names) > 1 {
			collisions = append(collisions, fmt.Sprintf("port %s: %s", port, strings.Join(names, ", ")))
		}
	}
	sort.Strings(collisions)

	if len(collisions) > 0 {
		return Check{
			Name:    "probe_ports",
			Passed:  true,
			Warning: true,
			Message: strings.Join(collisions, "; "),
		}
	}

	return Check{
		Name:    "probe_ports",
		Passed:  true,
		Message: fmt.Sprintf("%d probe targets, no collisions", len(byPort)),
	}
}

// probePort extracts the target port from a probe spec, "" when the probe
// has no network target.
func probePort(p config.ProbeSpec) string {
	switch p.Kind {
	case config.ProbeHTTP, config.ProbeMetric:
		u, err := url.Parse(p.URL)
		if err != nil {
			return ""
		}
		return u.Port()
	case config.ProbeTCP:
		_, port, err := net.SplitHostPort(p.Address)
		if err != nil {
			return ""
		}
		return port
	default:
		return ""
	}
}

// checkFileDescriptors verifies sufficient file descriptors are available.
func checkFileDescriptors(services int) Check {
	var limit syscall.Rlimit
	syscall.Getrlimit(syscall.RLIMIT_NOFILE, &limit)

	// Each service holds pipes and sockets, and the Python services fan
	// out file handles of their own under the same limit.
	required := services*64 + 128
	actual := int(limit.Cur)

	return Check{
		Name:     "file_descriptors",
		Required: required,
		Actual:   actual,
		Passed:   actual >= required,
		Message:  fmt.Sprintf("ulimit -n %d (need %d for %d services)", actual, required, services),
	}
}

// PrintResults prints the preflight check results to stdout.
func PrintResults(result *Result) {
	fmt.Println("Preflight checks:")
	for _, check := range result.Checks {
		fmt.Println(check.String())
		if !check.Passed {
			fmt.Printf("    Fix: %s\n", suggestFix(check.Name))
		}
	}
	fmt.Println()
}

// suggestFix returns a suggestion for fixing a failed check.
func suggestFix(name string) string {
	switch {
	case strings.HasPrefix(name, "command:"):
		return "install the binary or fix the command in the stack file"
	case strings.HasPrefix(name, "workdir:"):
		return "create the directory or fix dir in the stack file"
	case name == "index":
		return "run the index build manually or point index.dir at an existing index"
	case name == "file_descriptors":
		return "ulimit -n 4096 (or edit /etc/security/limits.conf)"
	default:
		return "see documentation"
	}
}
