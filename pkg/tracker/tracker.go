// Package tracker serializes per-item pipeline progress into a fenced
// structured block inside the issue body. The block is the only durable
// record of where an item sits in the pipeline: after a restart the state
// is re-derived purely by parsing the body again.
package tracker

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Block markers. The YAML document lives between them inside an HTML
// comment so it never renders in the issue view.
const (
	blockStart = "<!-- issuepilot:state"
	blockEnd   = "-->"
)

// CurrentVersion is the block schema version written by this build.
const CurrentVersion = 1

// StepStatus is the lifecycle status of one pipeline step.
type StepStatus string

const (
	StepPending StepStatus = "pending"
	StepActive  StepStatus = "active"
	StepDone    StepStatus = "done"
)

// Step is one stage in the fixed automation sequence.
type Step struct {
	Name      string     `yaml:"name"`
	Status    StepStatus `yaml:"status"`
	StartedAt *time.Time `yaml:"started_at,omitempty"`
}

// PipelineState records which steps are pending, active, and done.
// Invariants: at most one step is active, and steps complete in order.
type PipelineState struct {
	Version int    `yaml:"version"`
	Steps   []Step `yaml:"steps"`
}

// ErrCorruptBlock indicates the body contains a tracking block that cannot
// be parsed or violates state invariants. Parsing fails closed: callers
// must re-initialize rather than guess.
var ErrCorruptBlock = errors.New("corrupt tracking block")

// ErrNoBlock indicates the body carries no tracking block at all.
var ErrNoBlock = errors.New("no tracking block")

// NewState builds a fresh state with all steps pending, in the given order.
func NewState(stepNames []string) *PipelineState {
	s := &PipelineState{Version: CurrentVersion}
	for _, name := range stepNames {
		s.Steps = append(s.Steps, Step{Name: name, Status: StepPending})
	}
	return s
}

// Parse extracts the pipeline state from an issue body. Returns ErrNoBlock
// when no block is present and ErrCorruptBlock when a block exists but is
// malformed or violates invariants.
func Parse(body string) (*PipelineState, error) {
	start := strings.Index(body, blockStart)
	if start < 0 {
		return nil, ErrNoBlock
	}

	rest := body[start+len(blockStart):]
	end := strings.Index(rest, blockEnd)
	if end < 0 {
		return nil, fmt.Errorf("%w: missing end marker", ErrCorruptBlock)
	}

	doc := rest[:end]
	var state PipelineState
	if err := yaml.Unmarshal([]byte(doc), &state); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptBlock, err)
	}

	if err := state.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptBlock, err)
	}
	return &state, nil
}

// Validate checks structural invariants: a known version, named steps with
// recognized statuses, at most one active step, and no pending step before
// a done or active one (steps complete in order).
func (s *PipelineState) Validate() error {
	if s.Version <= 0 || s.Version > CurrentVersion {
		return fmt.Errorf("unsupported version %d", s.Version)
	}
	if len(s.Steps) == 0 {
		return errors.New("no steps")
	}

	active := 0
	seenNotDone := false
	names := make(map[string]bool, len(s.Steps))
	for i := range s.Steps {
		step := &s.Steps[i]
		if step.Name == "" {
			return fmt.Errorf("step %d has no name", i)
		}
		if names[step.Name] {
			return fmt.Errorf("duplicate step %q", step.Name)
		}
		names[step.Name] = true

		switch step.Status {
		case StepPending:
			seenNotDone = true
		case StepActive:
			active++
			if step.StartedAt == nil {
				return fmt.Errorf("active step %q has no start timestamp", step.Name)
			}
			seenNotDone = true
		case StepDone:
			if seenNotDone {
				return fmt.Errorf("done step %q follows an unfinished step", step.Name)
			}
		default:
			return fmt.Errorf("step %q has unknown status %q", step.Name, step.Status)
		}
	}
	if active > 1 {
		return fmt.Errorf("%d steps active, at most one allowed", active)
	}
	return nil
}

// Render serializes the state into a block fragment suitable for embedding
// in an issue body. Render is the exact inverse of Parse for any state
// produced by the Mark helpers, so read-modify-write cycles never drift.
func Render(state *PipelineState) string {
	out, err := yaml.Marshal(state)
	if err != nil {
		// Marshal of this struct cannot fail; keep the signature simple.
		panic(fmt.Sprintf("tracker: render: %v", err))
	}
	return blockStart + "\n" + string(out) + blockEnd
}

// UpsertBlock replaces the tracking block in body, or appends one when no
// block exists. Body text outside the block is preserved byte for byte.
func UpsertBlock(body string, state *PipelineState) string {
	block := Render(state)

	start := strings.Index(body, blockStart)
	if start < 0 {
		if body == "" {
			return block
		}
		return strings.TrimRight(body, "\n") + "\n\n" + block
	}

	rest := body[start+len(blockStart):]
	end := strings.Index(rest, blockEnd)
	if end < 0 {
		// Damaged block: cut from the start marker to the end of the body.
		return strings.TrimRight(body[:start], "\n") + "\n\n" + block
	}

	after := rest[end+len(blockEnd):]
	return body[:start] + block + after
}

// StripBlock removes the tracking block from body, if present.
func StripBlock(body string) string {
	start := strings.Index(body, blockStart)
	if start < 0 {
		return body
	}
	rest := body[start+len(blockStart):]
	end := strings.Index(rest, blockEnd)
	if end < 0 {
		return strings.TrimRight(body[:start], "\n")
	}
	return strings.TrimRight(body[:start], "\n") + rest[end+len(blockEnd):]
}

// find returns the index of the named step, or -1.
func (s *PipelineState) find(name string) int {
	for i := range s.Steps {
		if s.Steps[i].Name == name {
			return i
		}
	}
	return -1
}

// ActiveStep returns the currently active step, or nil.
func (s *PipelineState) ActiveStep() *Step {
	for i := range s.Steps {
		if s.Steps[i].Status == StepActive {
			return &s.Steps[i]
		}
	}
	return nil
}

// NextPendingStep returns the first pending step, or nil when every step
// is active or done.
func (s *PipelineState) NextPendingStep() *Step {
	for i := range s.Steps {
		if s.Steps[i].Status == StepPending {
			return &s.Steps[i]
		}
	}
	return nil
}

// Completed reports whether every step is done.
func (s *PipelineState) Completed() bool {
	for i := range s.Steps {
		if s.Steps[i].Status != StepDone {
			return false
		}
	}
	return len(s.Steps) > 0
}

// MarkStepActive activates the named step. The step must exist, be
// pending, follow only done steps, and no other step may be active.
func (s *PipelineState) MarkStepActive(name string) error {
	idx := s.find(name)
	if idx < 0 {
		return fmt.Errorf("unknown step %q", name)
	}
	if current := s.ActiveStep(); current != nil {
		return fmt.Errorf("step %q is already active", current.Name)
	}
	if s.Steps[idx].Status != StepPending {
		return fmt.Errorf("step %q is %s, not pending", name, s.Steps[idx].Status)
	}
	for i := 0; i < idx; i++ {
		if s.Steps[i].Status != StepDone {
			return fmt.Errorf("step %q cannot start before %q completes", name, s.Steps[i].Name)
		}
	}

	now := time.Now().UTC().Truncate(time.Second)
	s.Steps[idx].Status = StepActive
	s.Steps[idx].StartedAt = &now
	return nil
}

// MarkStepDone completes the named step. Only the active step can be
// completed.
func (s *PipelineState) MarkStepDone(name string) error {
	idx := s.find(name)
	if idx < 0 {
		return fmt.Errorf("unknown step %q", name)
	}
	if s.Steps[idx].Status != StepActive {
		return fmt.Errorf("step %q is %s, not active", name, s.Steps[idx].Status)
	}
	s.Steps[idx].Status = StepDone
	return nil
}

// ActiveStepAge returns how long the active step has been running, or zero
// when no step is active.
func (s *PipelineState) ActiveStepAge(now time.Time) time.Duration {
	active := s.ActiveStep()
	if active == nil || active.StartedAt == nil {
		return 0
	}
	return now.Sub(*active.StartedAt)
}

// StepNames returns the step names in pipeline order.
func (s *PipelineState) StepNames() []string {
	names := make([]string, len(s.Steps))
	for i := range s.Steps {
		names[i] = s.Steps[i].Name
	}
	return names
}
