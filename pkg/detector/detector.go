// Package detector decides when a work item has earned its next pipeline
// status. Detection is read-only: it inspects labels, sub-items, linked
// PRs, and comments, and reports at most one eligible transition per item
// per cycle. The orchestrator applies it.
package detector

import (
	"context"
	"fmt"

	"issuepilot/pkg/config"
	"issuepilot/pkg/github"
	"issuepilot/pkg/logx"
	"issuepilot/pkg/tracker"
	"issuepilot/pkg/workflow"
)

// Rule names recorded in the transition log's detector column.
const (
	RuleAutoReady         = "auto-ready"
	RuleApprovalLabel     = "approval-label"
	RuleNoFanOut          = "no-fan-out"
	RuleFanOutComplete    = "fan-out-complete"
	RuleSubItemsClosed    = "sub-items-closed"
	RuleStepsComplete     = "steps-complete"
	RulePRMerged          = "pr-merged"
	RuleCompletionComment = "completion-comment"
	RuleReviewApproved    = "review-approved"
	RuleReviewerComment   = "reviewer-comment"
)

// Detector evaluates per-status completion rules against external state.
type Detector struct {
	api    github.API
	logger *logx.Logger
}

// New creates a detector reading through the given client.
func New(api github.API) *Detector {
	return &Detector{api: api, logger: logx.NewLogger("detector")}
}

// Detect returns the transition the item is eligible for, or nil when no
// completion signal fired. The pipeline is linear, so the current status
// admits exactly one candidate target; when several signals are true at
// once the first in rule order wins and the rest wait for later cycles.
func (d *Detector) Detect(ctx context.Context, issue *github.Issue, state *tracker.PipelineState, cfg *config.Config) (*workflow.Eligible, error) {
	current, ok := workflow.StatusOfIssue(cfg, issue)
	if !ok {
		return nil, fmt.Errorf("#%d carries no pipeline label", issue.Number)
	}
	if workflow.IsTerminal(current) {
		return nil, nil
	}

	rule, err := d.completionRule(ctx, issue, state, current, cfg)
	if err != nil {
		return nil, err
	}
	if rule == "" {
		return nil, nil
	}

	elig := &workflow.Eligible{From: current, To: workflow.Next(current), Rule: rule}
	d.logger.Debug("#%d eligible %s -> %s (%s)", issue.Number, elig.From, elig.To, rule)
	return elig, nil
}

// DetectForced is the stall-recovery path. It does not trust the parsed
// tracking state: a lost or damaged block is re-initialized from the
// configured steps before the normal rules run, and any resulting
// transition is marked forced so the log distinguishes re-drives.
func (d *Detector) DetectForced(ctx context.Context, issue *github.Issue, cfg *config.Config) (*workflow.Eligible, *tracker.PipelineState, error) {
	state, err := tracker.Parse(issue.Body)
	if err != nil {
		d.logger.Warn("#%d tracking block unusable during forced re-detection: %v", issue.Number, err)
		state = tracker.NewState(cfg.StepNames())
	}

	elig, err := d.Detect(ctx, issue, state, cfg)
	if err != nil || elig == nil {
		return nil, state, err
	}
	elig.Forced = true
	return elig, state, nil
}

// completionRule evaluates the current status's signals and names the
// first that fired, or returns "".
func (d *Detector) completionRule(ctx context.Context, issue *github.Issue, state *tracker.PipelineState, current workflow.Status, cfg *config.Config) (string, error) {
	switch current {
	case workflow.StatusBacklog:
		return d.backlogRule(issue, cfg), nil
	case workflow.StatusReady:
		return d.readyRule(ctx, issue, cfg)
	case workflow.StatusInProgress:
		return d.inProgressRule(ctx, issue, state, cfg)
	case workflow.StatusInReview:
		return d.inReviewRule(ctx, issue, cfg)
	default:
		return "", fmt.Errorf("#%d has no completion rules for status %s", issue.Number, current)
	}
}

// backlogRule: items leave the backlog freely unless an approval label
// gates intake.
func (d *Detector) backlogRule(issue *github.Issue, cfg *config.Config) string {
	if cfg.ApprovalLabel == "" {
		return RuleAutoReady
	}
	if issue.HasLabel(cfg.ApprovalLabel) {
		return RuleApprovalLabel
	}
	return ""
}

// readyRule: work starts once every configured fan-out sub-item exists,
// or immediately when the pipeline has no fan-out.
func (d *Detector) readyRule(ctx context.Context, issue *github.Issue, cfg *config.Config) (string, error) {
	if len(cfg.FanOut) == 0 {
		return RuleNoFanOut, nil
	}

	subs, err := d.api.ListSubIssues(ctx, issue.Number)
	if err != nil {
		return "", fmt.Errorf("list sub-items of #%d: %w", issue.Number, err)
	}
	existing := make(map[string]bool, len(subs))
	for _, s := range subs {
		existing[s.Title] = true
	}
	for _, item := range cfg.FanOut {
		if !existing[item.Title] {
			return "", nil
		}
	}
	return RuleFanOutComplete, nil
}

// inProgressRule: work is complete when every sub-item closed, every
// tracked step finished, a linked PR merged, or the automation actor
// posted its completion comment.
func (d *Detector) inProgressRule(ctx context.Context, issue *github.Issue, state *tracker.PipelineState, cfg *config.Config) (string, error) {
	if state != nil && state.Completed() {
		return RuleStepsComplete, nil
	}

	closed, err := d.api.AllSubIssuesClosed(ctx, issue.Number)
	if err != nil {
		return "", fmt.Errorf("check sub-items of #%d: %w", issue.Number, err)
	}
	if closed {
		return RuleSubItemsClosed, nil
	}

	merged, err := d.api.AnyLinkedPRMerged(ctx, issue.Number)
	if err != nil {
		return "", fmt.Errorf("check linked PRs of #%d: %w", issue.Number, err)
	}
	if merged {
		return RulePRMerged, nil
	}

	commented, err := d.api.HasCommentBy(ctx, issue.Number, cfg.AutomationActor, cfg.CompletionMarker)
	if err != nil {
		return "", fmt.Errorf("check completion comment on #%d: %w", issue.Number, err)
	}
	if commented {
		return RuleCompletionComment, nil
	}
	return "", nil
}

// inReviewRule: review finishes on an approved linked PR, a merged and
// closed PR, or the reviewer's completion comment.
func (d *Detector) inReviewRule(ctx context.Context, issue *github.Issue, cfg *config.Config) (string, error) {
	prs, err := d.api.LinkedPRNumbers(ctx, issue.Number)
	if err != nil {
		return "", fmt.Errorf("list linked PRs of #%d: %w", issue.Number, err)
	}
	for _, n := range prs {
		pr, err := d.api.GetPR(ctx, n)
		if err != nil {
			if github.IsNotFound(err) {
				continue
			}
			return "", fmt.Errorf("inspect PR #%d: %w", n, err)
		}
		if pr.IsApproved() {
			return RuleReviewApproved, nil
		}
		if pr.IsMerged() {
			return RulePRMerged, nil
		}
	}

	commented, err := d.api.HasCommentBy(ctx, issue.Number, cfg.ReviewerOrActor(), cfg.CompletionMarker)
	if err != nil {
		return "", fmt.Errorf("check reviewer comment on #%d: %w", issue.Number, err)
	}
	if commented {
		return RuleReviewerComment, nil
	}
	return "", nil
}
