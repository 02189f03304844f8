package supervisor

// Phase represents the launch session's lifecycle stage.
type Phase int

const (
	// PhaseInit is the initial phase before the session runs.
	PhaseInit Phase = iota

	// PhaseIndexing indicates the index gate is checking or building.
	PhaseIndexing

	// PhaseStarting indicates services are being spawned and probed in
	// rank order.
	PhaseStarting

	// PhaseAllReady indicates every required service passed its probe and
	// the session is monitoring the running stack.
	PhaseAllReady

	// PhaseShuttingDown indicates the reverse-order teardown is running.
	PhaseShuttingDown

	// PhaseStopped indicates an operator-initiated clean stop.
	PhaseStopped

	// PhaseFailed indicates the launch aborted on a failure.
	PhaseFailed
)

// String returns a human-readable name for the phase.
func (p Phase) String() string {
	switch p {
	case PhaseInit:
		return "init"
	case PhaseIndexing:
		return "indexing"
	case PhaseStarting:
		return "starting"
	case PhaseAllReady:
		return "all_ready"
	case PhaseShuttingDown:
		return "shutting_down"
	case PhaseStopped:
		return "stopped"
	case PhaseFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// IsTerminal returns true once the session has concluded.
func (p Phase) IsTerminal() bool {
	return p == PhaseStopped || p == PhaseFailed
}
