package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"issuepilot/pkg/config"
	"issuepilot/pkg/github"
	"issuepilot/pkg/logx"
	"issuepilot/pkg/tracker"
	"issuepilot/pkg/translog"
)

// Side-effect names recorded in partial transitions so the resume path
// knows what remains to run.
const (
	effectFanOut            = "fan_out"
	effectAssignActor       = "assign_actor"
	effectHandoffToReviewer = "handoff_to_reviewer"
	effectDoneComment       = "done_comment"
	effectTrackingUpdate    = "tracking_update"
)

// Orchestrator executes transitions. It holds no per-item state; the
// polling engine guarantees that at most one transition per item is in
// flight.
type Orchestrator struct {
	api    github.API
	log    *translog.Store
	logger *logx.Logger
}

// New creates an orchestrator.
func New(api github.API, log *translog.Store) *Orchestrator {
	return &Orchestrator{
		api:    api,
		log:    log,
		logger: logx.NewLogger("workflow"),
	}
}

// Apply executes the side effects for an eligible transition in order:
// (a) status label swap, (b) status-specific action, (c) tracking block
// update, (d) audit record. A failure in (a) aborts with nothing
// committed; a failure after (a) is logged as partial and resumed by a
// later cycle.
//
// Before anything runs, the transition log is consulted: a transition
// already logged successful for the same (item, target status) is not
// re-attempted; the poller may observe the same eligible transition
// across cycles when an earlier write has not yet been reflected by a
// read.
func (o *Orchestrator) Apply(ctx context.Context, issue *github.Issue, elig *Eligible, cfg *config.Config) (*translog.Transition, error) {
	item := o.api.Key(issue.Number)

	done, err := o.log.HasSucceeded(item, string(elig.To))
	if err != nil {
		return nil, fmt.Errorf("duplicate check for %s: %w", item, err)
	}
	if done {
		o.logger.Debug("%s already transitioned to %s, suppressing", item, elig.To)
		return nil, ErrDuplicateSuppressed
	}

	// A pending partial to the same status means (a) already committed;
	// resume from the pending effect instead of repeating the label swap.
	partial, err := o.log.LatestPartial(item)
	if err != nil {
		return nil, fmt.Errorf("partial check for %s: %w", item, err)
	}
	if partial != nil && partial.ToStatus == string(elig.To) {
		return o.resume(ctx, issue, partial, cfg)
	}

	rule := elig.Rule
	if elig.Forced {
		rule = "forced:" + rule
	}
	t := translog.New(item, string(elig.From), string(elig.To), cfg.AutomationActor, rule)

	// (a) status label swap. Failure here aborts the whole transition;
	// nothing partially applied is treated as committed.
	if err := o.api.SwapLabel(ctx, issue, Label(cfg, elig.From), Label(cfg, elig.To)); err != nil {
		t.Result = translog.ResultFailed
		t.ErrorDetail = fmt.Sprintf("status update failed: %v", err)
		if appendErr := o.log.Append(t); appendErr != nil {
			o.logger.Error("failed to log aborted transition for %s: %v", item, appendErr)
		}
		return t, fmt.Errorf("apply %s %s->%s: %w", item, elig.From, elig.To, err)
	}

	return o.runEffects(ctx, issue, t, cfg, effectFor(elig.To))
}

// effectFor names the status-specific side effect of entering a status.
func effectFor(to Status) string {
	switch to {
	case StatusReady:
		return effectFanOut
	case StatusInProgress:
		return effectAssignActor
	case StatusInReview:
		return effectHandoffToReviewer
	case StatusDone:
		return effectDoneComment
	default:
		return ""
	}
}

// runEffects executes steps (b) through (d) for a transition whose status
// change has already committed.
func (o *Orchestrator) runEffects(ctx context.Context, issue *github.Issue, t *translog.Transition, cfg *config.Config, pending string) (*translog.Transition, error) {
	item := o.api.Key(issue.Number)

	// (b) status-specific action.
	if pending != "" && pending != effectTrackingUpdate {
		if err := o.runAction(ctx, issue, pending, cfg); err != nil {
			return o.recordPartial(t, pending, err)
		}
	}

	// (c) tracking block update.
	if err := o.advanceTracking(ctx, issue, Status(t.ToStatus), cfg); err != nil {
		return o.recordPartial(t, effectTrackingUpdate, err)
	}

	// (d) audit record.
	t.Result = translog.ResultSuccess
	t.ErrorDetail = ""
	t.PendingEffect = ""
	if err := o.log.Append(t); err != nil {
		// Side effects are all idempotent, so a lost audit record costs a
		// redundant (suppressed) re-application, not a duplicate effect.
		o.logger.Error("failed to log successful transition for %s: %v", item, err)
		return t, fmt.Errorf("log transition for %s: %w", item, err)
	}

	o.logger.Info("%s transitioned %s -> %s (%s)", item, t.FromStatus, t.ToStatus, t.Detector)
	return t, nil
}

func (o *Orchestrator) recordPartial(t *translog.Transition, pending string, cause error) (*translog.Transition, error) {
	t.Result = translog.ResultPartial
	t.PendingEffect = pending
	t.ErrorDetail = cause.Error()
	if err := o.log.Append(t); err != nil {
		o.logger.Error("failed to log partial transition for %s/%s/%d: %v",
			t.Item.Owner, t.Item.Repo, t.Item.Number, err)
	}
	return t, &PartialTransitionError{Transition: t, Underlying: cause}
}

// ResumePending completes the item's outstanding partial transition, if
// any. The status label moved when the partial was logged, so detection
// alone would propose the next hop and never finish this one; the polling
// engine calls this before detection each cycle. Returns (nil, false, nil)
// when there is nothing to resume.
func (o *Orchestrator) ResumePending(ctx context.Context, issue *github.Issue, cfg *config.Config) (*translog.Transition, bool, error) {
	item := o.api.Key(issue.Number)

	partial, err := o.log.LatestPartial(item)
	if err != nil {
		return nil, false, fmt.Errorf("partial check for %s: %w", item, err)
	}
	if partial == nil {
		return nil, false, nil
	}

	t, err := o.resume(ctx, issue, partial, cfg)
	return t, true, err
}

// resume completes a previously-partial transition: step (a) already
// applied, so only the pending effect onward runs.
func (o *Orchestrator) resume(ctx context.Context, issue *github.Issue, partial *translog.Transition, cfg *config.Config) (*translog.Transition, error) {
	o.logger.Info("%s resuming partial transition to %s (pending %s)",
		partial.Item, partial.ToStatus, partial.PendingEffect)

	t := translog.New(partial.Item, partial.FromStatus, partial.ToStatus, cfg.AutomationActor, partial.Detector)
	return o.runEffects(ctx, issue, t, cfg, partial.PendingEffect)
}

// runAction performs the status-specific side effect.
func (o *Orchestrator) runAction(ctx context.Context, issue *github.Issue, effect string, cfg *config.Config) error {
	switch effect {
	case effectFanOut:
		return o.fanOut(ctx, issue, cfg)
	case effectAssignActor:
		return o.assignActor(ctx, issue, cfg)
	case effectHandoffToReviewer:
		return o.handoffToReviewer(ctx, issue, cfg)
	case effectDoneComment:
		marker := fmt.Sprintf("<!-- issuepilot:done:%d -->", issue.Number)
		return o.api.CommentOnIssue(ctx, issue.Number, "Pipeline complete.", marker)
	default:
		return fmt.Errorf("unknown side effect %q", effect)
	}
}

// assignActor assigns the item to whoever works the step being entered.
// The tracking update has not run yet, so the next pending step is the one
// about to become active; its configured assignee falls back to the
// automation actor.
func (o *Orchestrator) assignActor(ctx context.Context, issue *github.Issue, cfg *config.Config) error {
	state, err := tracker.Parse(issue.Body)
	if err != nil {
		state = tracker.NewState(cfg.StepNames())
	}
	login := cfg.AutomationActor
	if next := state.NextPendingStep(); next != nil {
		login = cfg.AssigneeFor(next.Name)
	}
	return o.api.AssignIssue(ctx, issue, login)
}

// fanOut creates the configured sub-items under the issue. CreateSubIssue
// reuses an existing child with the same title, so a resumed fan-out picks
// up where it stopped.
func (o *Orchestrator) fanOut(ctx context.Context, issue *github.Issue, cfg *config.Config) error {
	for _, item := range cfg.FanOut {
		opts := github.IssueCreateOptions{
			Title:  item.Title,
			Body:   item.Body,
			Labels: item.Labels,
		}
		if _, err := o.api.CreateSubIssue(ctx, issue.Number, opts); err != nil {
			return fmt.Errorf("fan out %q under #%d: %w", item.Title, issue.Number, err)
		}
	}
	return nil
}

// handoffToReviewer reassigns the item to the reviewer and requests a PR
// review when a linked PR exists.
func (o *Orchestrator) handoffToReviewer(ctx context.Context, issue *github.Issue, cfg *config.Config) error {
	reviewer := cfg.ReviewerOrActor()

	// Whoever worked the step hands the item over, whether that was the
	// automation actor or a per-step assignee.
	current := make([]string, 0, len(issue.Assignees))
	for _, a := range issue.Assignees {
		current = append(current, a.Login)
	}
	for _, login := range current {
		if strings.EqualFold(login, reviewer) {
			continue
		}
		if err := o.api.UnassignIssue(ctx, issue, login); err != nil {
			return fmt.Errorf("unassign %s from #%d: %w", login, issue.Number, err)
		}
	}
	if err := o.api.AssignIssue(ctx, issue, reviewer); err != nil {
		return fmt.Errorf("assign reviewer to #%d: %w", issue.Number, err)
	}

	// Review request is best effort against the first open linked PR;
	// items without a PR hand off by assignment alone.
	prs, err := o.api.LinkedPRNumbers(ctx, issue.Number)
	if err != nil {
		return fmt.Errorf("find linked PRs for #%d: %w", issue.Number, err)
	}
	for _, n := range prs {
		pr, err := o.api.GetPR(ctx, n)
		if err != nil {
			if github.IsNotFound(err) {
				continue
			}
			return fmt.Errorf("inspect PR #%d: %w", n, err)
		}
		if pr.Closed || pr.IsMerged() {
			continue
		}
		if err := o.api.RequestReview(ctx, n, reviewer); err != nil {
			return fmt.Errorf("request review on PR #%d: %w", n, err)
		}
		break
	}
	return nil
}

// advanceTracking moves the tracking block forward for a transition into
// the given status and writes it back to the issue body.
func (o *Orchestrator) advanceTracking(ctx context.Context, issue *github.Issue, to Status, cfg *config.Config) error {
	state, err := tracker.Parse(issue.Body)
	if errors.Is(err, tracker.ErrNoBlock) || errors.Is(err, tracker.ErrCorruptBlock) {
		// Missing or corrupt block: re-initialize rather than guess.
		state = tracker.NewState(cfg.StepNames())
	} else if err != nil {
		return fmt.Errorf("parse tracking block of #%d: %w", issue.Number, err)
	}

	o.advanceState(state, to)

	body := tracker.UpsertBlock(issue.Body, state)
	if body == issue.Body {
		return nil
	}
	if err := o.api.EditIssueBody(ctx, issue.Number, body); err != nil {
		return fmt.Errorf("write tracking block of #%d: %w", issue.Number, err)
	}
	issue.Body = body
	return nil
}

// advanceState completes the active step and, unless the pipeline is
// finishing, activates the next pending one. Invariant violations cannot
// occur here: Mark errors only fire when the block was externally edited
// into an inconsistent shape, and those parse as corrupt upstream.
func (o *Orchestrator) advanceState(state *tracker.PipelineState, to Status) {
	if active := state.ActiveStep(); active != nil {
		if err := state.MarkStepDone(active.Name); err != nil {
			o.logger.Warn("tracking step %q would not complete: %v", active.Name, err)
		}
	}
	if to == StatusDone {
		return
	}
	if next := state.NextPendingStep(); next != nil {
		if err := state.MarkStepActive(next.Name); err != nil {
			o.logger.Warn("tracking step %q would not activate: %v", next.Name, err)
		}
	}
}

// Block moves an item into the absorbing blocked status after an
// unrecoverable error and records the failure. Operators re-enter the
// pipeline by removing the blocked label manually.
func (o *Orchestrator) Block(ctx context.Context, issue *github.Issue, from Status, cfg *config.Config, cause error) error {
	item := o.api.Key(issue.Number)

	t := translog.New(item, string(from), string(StatusBlocked), cfg.AutomationActor, "fatal-error")
	t.Result = translog.ResultFailed
	t.ErrorDetail = cause.Error()

	if err := o.api.SwapLabel(ctx, issue, Label(cfg, from), Label(cfg, StatusBlocked)); err != nil {
		t.ErrorDetail = fmt.Sprintf("%v (and blocking failed: %v)", cause, err)
		if appendErr := o.log.Append(t); appendErr != nil {
			o.logger.Error("failed to log block of %s: %v", item, appendErr)
		}
		return fmt.Errorf("block %s: %w", item, err)
	}

	if err := o.log.Append(t); err != nil {
		o.logger.Error("failed to log block of %s: %v", item, err)
	}

	marker := fmt.Sprintf("<!-- issuepilot:blocked:%s -->", t.ID)
	body := fmt.Sprintf("This item was moved to **%s** after an unrecoverable error:\n\n```\n%v\n```\nAn operator needs to intervene.", Label(cfg, StatusBlocked), cause)
	if err := o.api.CommentOnIssue(ctx, issue.Number, body, marker); err != nil {
		o.logger.Warn("could not post blocked comment on %s: %v", item, err)
	}

	o.logger.Warn("%s blocked (was %s): %v", item, from, cause)
	return nil
}

// History returns the item's transition history for UI display.
func (o *Orchestrator) History(item github.ItemKey) ([]*translog.Transition, error) {
	return o.log.History(item)
}

// RecentFailures counts the item's failed and partial attempts since the
// given time.
func (o *Orchestrator) RecentFailures(item github.ItemKey, since time.Time) (int, error) {
	return o.log.RecentFailures(item, since)
}
