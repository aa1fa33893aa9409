// Package daemon implements the single-threaded control loop:
// work-ordering (fsck, cull, reap), signal handling, and the exit-code
// taxonomy.
package daemon

import (
	"errors"

	"github.com/cachefilesd/cachefilesd/internal/config"
	"github.com/cachefilesd/cachefilesd/internal/cullqueue"
)

// Exit codes.
const (
	ExitOK             = 0
	ExitOSError        = 1
	ExitUsageError     = 2
	ExitInvariantError = 3
)

// InvariantError marks a bug-class failure: queue overflow, destroying
// root, non-empty queue during build start, cull count inconsistency.
// No attempt is made to continue past one.
type InvariantError struct {
	Msg string
}

func (e *InvariantError) Error() string { return "invariant violation: " + e.Msg }

// ExitCodeFor maps an error returned from Run to its exit code class.
func ExitCodeFor(err error) int {
	if err == nil {
		return ExitOK
	}
	var usageErr *config.UsageError
	if errors.As(err, &usageErr) {
		return ExitUsageError
	}
	var invErr *InvariantError
	if errors.As(err, &invErr) ||
		errors.Is(err, cullqueue.ErrThrashLimitExceeded) ||
		errors.Is(err, cullqueue.ErrInvariantViolation) {
		return ExitInvariantError
	}
	return ExitOSError
}
