// Package process owns the OS processes behind stack services: spawning
// them in their own process groups, forwarding their output, reaping
// their exits, and tearing them down with a SIGTERM-then-SIGKILL window.
package process

// State represents the current state of a service process.
type State int

const (
	// StateStarting is the initial state while the process is being spawned.
	StateStarting State = iota

	// StateRunning indicates the process is up but not yet confirmed ready.
	StateRunning

	// StateReady indicates the process passed its readiness probe.
	StateReady

	// StateExited indicates the process ended cleanly: either it exited
	// zero on its own, or it shut down within the grace window after a
	// requested stop.
	StateExited

	// StateKilled indicates a requested stop had to escalate to SIGKILL.
	StateKilled

	// StateCrashed indicates the process died unrequested with a non-zero
	// exit code.
	StateCrashed
)

// String returns a human-readable name for the state.
func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateReady:
		return "ready"
	case StateExited:
		return "exited"
	case StateKilled:
		return "killed"
	case StateCrashed:
		return "crashed"
	default:
		return "unknown"
	}
}

// IsActive returns true if the state represents a live process.
func (s State) IsActive() bool {
	return s == StateStarting || s == StateRunning || s == StateReady
}

// IsTerminal returns true if the process has been reaped and will not
// change state again.
func (s State) IsTerminal() bool {
	return s == StateExited || s == StateKilled || s == StateCrashed
}
