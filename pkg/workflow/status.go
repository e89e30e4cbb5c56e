// Package workflow implements the pipeline state machine: given an
// eligible transition it executes the side effects in order, records the
// outcome, and guards against duplicate application.
package workflow

import (
	"issuepilot/pkg/config"
	"issuepilot/pkg/github"
)

// Status is a pipeline status. The external label each status maps to is
// supplied by configuration; the state machine never hardcodes labels.
type Status string

const (
	StatusBacklog    Status = "backlog"
	StatusReady      Status = "ready"
	StatusInProgress Status = "in_progress"
	StatusInReview   Status = "in_review"
	StatusDone       Status = "done"
	// StatusBlocked is absorbing: reachable from any state on
	// unrecoverable error, left only by operator intervention.
	StatusBlocked Status = "blocked"
)

// PipelineOrder is the fixed forward sequence of the pipeline.
//
//nolint:gochecknoglobals // Intentional package-level constant for state machine definition
var PipelineOrder = []Status{
	StatusBacklog, StatusReady, StatusInProgress, StatusInReview, StatusDone,
}

// validTransitions defines the state machine edges.
//
//nolint:gochecknoglobals // Intentional package-level constant for state machine definition
var validTransitions = map[Status][]Status{
	StatusBacklog:    {StatusReady, StatusBlocked},
	StatusReady:      {StatusInProgress, StatusBlocked},
	StatusInProgress: {StatusInReview, StatusBlocked},
	StatusInReview:   {StatusDone, StatusBlocked},
	StatusDone:       {},
	StatusBlocked:    {},
}

// IsValidTransition checks whether from -> to is a legal edge.
func IsValidTransition(from, to Status) bool {
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Next returns the forward successor of a status, or empty when the
// status is terminal or absorbing.
func Next(from Status) Status {
	for i, s := range PipelineOrder {
		if s == from && i+1 < len(PipelineOrder) {
			return PipelineOrder[i+1]
		}
	}
	return ""
}

// IsTerminal reports whether a status ends polling for the item.
func IsTerminal(s Status) bool {
	return s == StatusDone || s == StatusBlocked
}

// AllStatuses returns every pipeline status including blocked.
func AllStatuses() []Status {
	return append(append([]Status{}, PipelineOrder...), StatusBlocked)
}

// PollableStatuses returns the statuses the polling engine enumerates:
// everything except the terminal ones.
func PollableStatuses() []Status {
	var out []Status
	for _, s := range PipelineOrder {
		if !IsTerminal(s) {
			out = append(out, s)
		}
	}
	return out
}

// Label resolves the external label for a status from configuration.
func Label(cfg *config.Config, s Status) string {
	return cfg.Label(string(s))
}

// StatusOfIssue derives the pipeline status of an issue from its labels.
// Returns false when the issue carries no pipeline label.
func StatusOfIssue(cfg *config.Config, issue *github.Issue) (Status, bool) {
	if issue.HasLabel(Label(cfg, StatusBlocked)) {
		return StatusBlocked, true
	}
	// Check in reverse pipeline order so that an issue carrying stale
	// labels resolves to its furthest status.
	for i := len(PipelineOrder) - 1; i >= 0; i-- {
		s := PipelineOrder[i]
		if issue.HasLabel(Label(cfg, s)) {
			return s, true
		}
	}
	return "", false
}

// Eligible describes the single transition the change detector found for
// an item this cycle.
type Eligible struct {
	From Status
	To   Status
	// Rule names the detector rule that fired, recorded in the audit log.
	Rule string
	// Forced marks stall-recovery re-drives.
	Forced bool
}
