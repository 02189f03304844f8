package supervisor

import "fmt"

// FailureKind classifies why a launch failed.
type FailureKind int

const (
	// FailureIndexBuild means the index gate's build ran and failed.
	FailureIndexBuild FailureKind = iota

	// FailureSpawn means a required service's process could not start.
	FailureSpawn

	// FailureReadiness means a required service never passed its probe.
	FailureReadiness

	// FailureCrash means a required service died without being asked to.
	FailureCrash
)

// String returns a human-readable name for the failure kind.
func (k FailureKind) String() string {
	switch k {
	case FailureIndexBuild:
		return "index_build"
	case FailureSpawn:
		return "spawn"
	case FailureReadiness:
		return "readiness"
	case FailureCrash:
		return "crash"
	default:
		return "unknown"
	}
}

// LaunchError is the terminal error of a failed launch session. The
// teardown has already run by the time the caller sees one.
type LaunchError struct {
	Kind    FailureKind
	Service string // empty for index failures
	Err     error
}

func (e *LaunchError) Error() string {
	if e.Service == "" {
		return fmt.Sprintf("%s failure: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s failure in service %s: %v", e.Kind, e.Service, e.Err)
}

func (e *LaunchError) Unwrap() error { return e.Err }
