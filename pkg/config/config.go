// Package config provides workflow configuration loading, validation, and
// hot reload. The file is JSON with ${ENV_VAR} substitution; the polling
// engine re-reads it at each cycle start via the loader's change detection.
package config

import (
	"fmt"
	"os"
	"regexp"
	"time"
)

// Default values applied when fields are omitted.
const (
	DefaultPollIntervalSec       = 60
	DefaultWorkerCount           = 4
	DefaultStallThresholdMin     = 120
	DefaultCacheTTLSec           = 20
	DefaultBucketLimit           = 100
	DefaultEscalateAfterFailures = 5
	DefaultTransitionLogPath     = "issuepilot.db"
)

// StepConfig maps one pipeline step to the actor that works it.
type StepConfig struct {
	Name     string `json:"name"`
	Assignee string `json:"assignee,omitempty"` // empty means the automation actor
}

// FanOutItem is a sub-issue template created on Backlog -> Ready when the
// pipeline defines a fan-out step.
type FanOutItem struct {
	Title  string   `json:"title"`
	Body   string   `json:"body,omitempty"`
	Labels []string `json:"labels,omitempty"`
}

// Config is the workflow configuration consumed by the orchestrator and
// the polling engine at each cycle start.
//
//nolint:govet // Logical grouping preferred over memory optimization
type Config struct {
	// Repo is the owner/repo the pipeline operates on.
	Repo string `json:"repo"`

	// StatusLabels maps pipeline status names (backlog, ready, in_progress,
	// in_review, done, blocked) to external issue labels. The state machine
	// never hardcodes label strings.
	StatusLabels map[string]string `json:"status_labels"`

	// AutomationActor is the account the pipeline assigns for automated
	// work and whose comments count as completion signals.
	AutomationActor string `json:"automation_actor"`

	// Reviewer receives the item on InProgress -> InReview. Empty falls
	// back to the automation actor.
	Reviewer string `json:"reviewer,omitempty"`

	// Steps is the fixed pipeline step sequence recorded in the tracking
	// block, with optional per-step assignees.
	Steps []StepConfig `json:"steps"`

	// FanOut lists sub-issue templates created on Backlog -> Ready.
	// Empty disables fan-out.
	FanOut []FanOutItem `json:"fan_out,omitempty"`

	// ApprovalLabel, when set, gates Backlog -> Ready on the label being
	// present. Empty means no precondition.
	ApprovalLabel string `json:"approval_label,omitempty"`

	// CompletionMarker is the substring the detector looks for in the
	// automation actor's comments to treat a step as finished.
	CompletionMarker string `json:"completion_marker,omitempty"`

	PollIntervalSec   int `json:"poll_interval_sec,omitempty"`
	WorkerCount       int `json:"worker_count,omitempty"`
	StallThresholdMin int `json:"stall_threshold_min,omitempty"`
	CacheTTLSec       int `json:"cache_ttl_sec,omitempty"`
	BucketLimit       int `json:"bucket_limit,omitempty"`

	// EscalateAfterFailures is how many failed or partial attempts an item
	// tolerates within the stall window before it is blocked instead of
	// retried.
	EscalateAfterFailures int `json:"escalate_after_failures,omitempty"`

	// TransitionLogPath is the sqlite file holding the append-only audit
	// log.
	TransitionLogPath string `json:"transition_log_path,omitempty"`

	// MetricsAddr is the listen address for /metrics and /healthz.
	// Empty disables the endpoint.
	MetricsAddr string `json:"metrics_addr,omitempty"`
}

// Pipeline status names used as StatusLabels keys.
const (
	StatusBacklog    = "backlog"
	StatusReady      = "ready"
	StatusInProgress = "in_progress"
	StatusInReview   = "in_review"
	StatusDone       = "done"
	StatusBlocked    = "blocked"
)

// requiredStatuses are the StatusLabels keys every config must map.
var requiredStatuses = []string{
	StatusBacklog, StatusReady, StatusInProgress, StatusInReview, StatusDone, StatusBlocked,
}

// PollInterval returns the polling interval as a duration.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSec) * time.Second
}

// StallThreshold returns the stall-recovery threshold as a duration.
func (c *Config) StallThreshold() time.Duration {
	return time.Duration(c.StallThresholdMin) * time.Minute
}

// CacheTTL returns the response cache TTL as a duration.
func (c *Config) CacheTTL() time.Duration {
	return time.Duration(c.CacheTTLSec) * time.Second
}

// Label returns the external label for a pipeline status name.
func (c *Config) Label(status string) string {
	return c.StatusLabels[status]
}

// StepNames returns the configured step names in pipeline order.
func (c *Config) StepNames() []string {
	names := make([]string, len(c.Steps))
	for i := range c.Steps {
		names[i] = c.Steps[i].Name
	}
	return names
}

// AssigneeFor returns the actor configured for a step, defaulting to the
// automation actor.
func (c *Config) AssigneeFor(step string) string {
	for i := range c.Steps {
		if c.Steps[i].Name == step && c.Steps[i].Assignee != "" {
			return c.Steps[i].Assignee
		}
	}
	return c.AutomationActor
}

// ReviewerOrActor returns the configured reviewer, falling back to the
// automation actor.
func (c *Config) ReviewerOrActor() string {
	if c.Reviewer != "" {
		return c.Reviewer
	}
	return c.AutomationActor
}

// applyDefaults fills zero-valued tunables.
func (c *Config) applyDefaults() {
	if c.PollIntervalSec <= 0 {
		c.PollIntervalSec = DefaultPollIntervalSec
	}
	if c.WorkerCount <= 0 {
		c.WorkerCount = DefaultWorkerCount
	}
	if c.StallThresholdMin <= 0 {
		c.StallThresholdMin = DefaultStallThresholdMin
	}
	if c.CacheTTLSec <= 0 {
		c.CacheTTLSec = DefaultCacheTTLSec
	}
	if c.BucketLimit <= 0 {
		c.BucketLimit = DefaultBucketLimit
	}
	if c.EscalateAfterFailures <= 0 {
		c.EscalateAfterFailures = DefaultEscalateAfterFailures
	}
	if c.TransitionLogPath == "" {
		c.TransitionLogPath = DefaultTransitionLogPath
	}
	if c.CompletionMarker == "" {
		c.CompletionMarker = "issuepilot:step-complete"
	}
}

// Validate checks the configuration for completeness.
func (c *Config) Validate() error {
	if c.Repo == "" {
		return fmt.Errorf("repo is required")
	}
	if c.AutomationActor == "" {
		return fmt.Errorf("automation_actor is required")
	}
	if len(c.Steps) == 0 {
		return fmt.Errorf("at least one pipeline step is required")
	}
	seen := make(map[string]bool, len(c.Steps))
	for i := range c.Steps {
		if c.Steps[i].Name == "" {
			return fmt.Errorf("step %d has no name", i)
		}
		if seen[c.Steps[i].Name] {
			return fmt.Errorf("duplicate step %q", c.Steps[i].Name)
		}
		seen[c.Steps[i].Name] = true
	}

	labels := make(map[string]bool)
	for _, status := range requiredStatuses {
		label := c.StatusLabels[status]
		if label == "" {
			return fmt.Errorf("status_labels missing mapping for %q", status)
		}
		if labels[label] {
			return fmt.Errorf("label %q mapped to more than one status", label)
		}
		labels[label] = true
	}

	for i := range c.FanOut {
		if c.FanOut[i].Title == "" {
			return fmt.Errorf("fan_out item %d has no title", i)
		}
	}
	return nil
}

// envVarPattern matches ${VAR_NAME} placeholders.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// substituteEnvVars replaces ${VAR} placeholders with environment values.
// Unset variables substitute to the empty string, which validation then
// catches for required fields.
func substituteEnvVars(data []byte) []byte {
	return envVarPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		name := envVarPattern.FindSubmatch(match)[1]
		return []byte(os.Getenv(string(name)))
	})
}
