package domain

import "errors"

// Common domain errors
var (
	ErrConfigInvalid   = errors.New("invalid configuration")
	ErrExecutionFailed = errors.New("notebook execution failed")
	ErrNotebookInvalid = errors.New("invalid notebook document")
	ErrPolicyDenied    = errors.New("parameters denied by policy")
	ErrRunNotActive    = errors.New("tracking run is not active")
)

// ExitCode maps an error returned by a run to a process exit status.
// Configuration errors exit 2, everything else that failed exits 1.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, ErrConfigInvalid):
		return 2
	default:
		return 1
	}
}
