package workflow

import (
	"errors"
	"fmt"

	"issuepilot/pkg/translog"
)

// PartialTransitionError reports that the status change committed but a
// follow-on side effect failed. The logged transition carries the pending
// effect so the next cycle resumes it without re-applying the status
// change.
type PartialTransitionError struct {
	Transition *translog.Transition
	Underlying error
}

func (e *PartialTransitionError) Error() string {
	return fmt.Sprintf("partial transition %s -> %s (pending %s): %v",
		e.Transition.FromStatus, e.Transition.ToStatus, e.Transition.PendingEffect, e.Underlying)
}

func (e *PartialTransitionError) Unwrap() error { return e.Underlying }

// IsPartial reports whether err is a partial-transition failure.
func IsPartial(err error) bool {
	var pe *PartialTransitionError
	return errors.As(err, &pe)
}

// ErrDuplicateSuppressed is returned by Apply when the transition log
// already records a success for the same item and target status.
var ErrDuplicateSuppressed = errors.New("transition already applied")
