package detector

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"issuepilot/pkg/config"
	"issuepilot/pkg/github"
	"issuepilot/pkg/tracker"
	"issuepilot/pkg/workflow"
)

func testConfig() *config.Config {
	return &config.Config{
		Repo: "acme/widgets",
		StatusLabels: map[string]string{
			config.StatusBacklog:    "pipeline:backlog",
			config.StatusReady:      "pipeline:ready",
			config.StatusInProgress: "pipeline:in-progress",
			config.StatusInReview:   "pipeline:in-review",
			config.StatusDone:       "pipeline:done",
			config.StatusBlocked:    "pipeline:blocked",
		},
		AutomationActor:  "pilot-bot",
		Reviewer:         "alice",
		CompletionMarker: "issuepilot:step-complete",
		Steps: []config.StepConfig{
			{Name: "triage"},
			{Name: "implementation"},
			{Name: "review"},
		},
	}
}

func freshState(cfg *config.Config) *tracker.PipelineState {
	return tracker.NewState(cfg.StepNames())
}

func TestDetectBacklog(t *testing.T) {
	cfg := testConfig()
	fake := github.NewFake("acme", "widgets")
	d := New(fake)
	ctx := context.Background()

	// No approval gate: eligible immediately.
	issue := fake.Seed("item", "body", "pipeline:backlog")
	elig, err := d.Detect(ctx, issue, freshState(cfg), cfg)
	require.NoError(t, err)
	require.NotNil(t, elig)
	assert.Equal(t, workflow.StatusReady, elig.To)
	assert.Equal(t, RuleAutoReady, elig.Rule)

	// Gate configured but label absent: not eligible.
	cfg.ApprovalLabel = "approved"
	elig, err = d.Detect(ctx, issue, freshState(cfg), cfg)
	require.NoError(t, err)
	assert.Nil(t, elig)

	// Label present: eligible.
	require.NoError(t, fake.AddLabel(ctx, issue, "approved"))
	elig, err = d.Detect(ctx, issue, freshState(cfg), cfg)
	require.NoError(t, err)
	require.NotNil(t, elig)
	assert.Equal(t, RuleApprovalLabel, elig.Rule)
}

func TestDetectReady(t *testing.T) {
	cfg := testConfig()
	fake := github.NewFake("acme", "widgets")
	d := New(fake)
	ctx := context.Background()
	issue := fake.Seed("item", "body", "pipeline:ready")

	// No fan-out configured: starts immediately.
	elig, err := d.Detect(ctx, issue, freshState(cfg), cfg)
	require.NoError(t, err)
	require.NotNil(t, elig)
	assert.Equal(t, workflow.StatusInProgress, elig.To)
	assert.Equal(t, RuleNoFanOut, elig.Rule)

	// Fan-out configured, only one of two sub-items exists: waits.
	cfg.FanOut = []config.FanOutItem{{Title: "Design"}, {Title: "Implement"}}
	_, err = fake.CreateSubIssue(ctx, issue.Number, github.IssueCreateOptions{Title: "Design"})
	require.NoError(t, err)
	elig, err = d.Detect(ctx, issue, freshState(cfg), cfg)
	require.NoError(t, err)
	assert.Nil(t, elig)

	// Both exist: fan-out complete.
	_, err = fake.CreateSubIssue(ctx, issue.Number, github.IssueCreateOptions{Title: "Implement"})
	require.NoError(t, err)
	elig, err = d.Detect(ctx, issue, freshState(cfg), cfg)
	require.NoError(t, err)
	require.NotNil(t, elig)
	assert.Equal(t, RuleFanOutComplete, elig.Rule)
}

func TestDetectInProgress(t *testing.T) {
	cfg := testConfig()
	ctx := context.Background()

	t.Run("no signal", func(t *testing.T) {
		fake := github.NewFake("acme", "widgets")
		issue := fake.Seed("item", "body", "pipeline:in-progress")
		elig, err := New(fake).Detect(ctx, issue, freshState(cfg), cfg)
		require.NoError(t, err)
		assert.Nil(t, elig)
	})

	t.Run("all sub-items closed", func(t *testing.T) {
		fake := github.NewFake("acme", "widgets")
		issue := fake.Seed("item", "body", "pipeline:in-progress")
		_, err := fake.CreateSubIssue(ctx, issue.Number, github.IssueCreateOptions{Title: "Design"})
		require.NoError(t, err)
		fake.CloseSubIssues(issue.Number)

		elig, err := New(fake).Detect(ctx, issue, freshState(cfg), cfg)
		require.NoError(t, err)
		require.NotNil(t, elig)
		assert.Equal(t, workflow.StatusInReview, elig.To)
		assert.Equal(t, RuleSubItemsClosed, elig.Rule)
	})

	t.Run("linked PR merged", func(t *testing.T) {
		fake := github.NewFake("acme", "widgets")
		issue := fake.Seed("item", "body", "pipeline:in-progress")
		fake.SeedPR(issue.Number, true, false)

		elig, err := New(fake).Detect(ctx, issue, freshState(cfg), cfg)
		require.NoError(t, err)
		require.NotNil(t, elig)
		assert.Equal(t, RulePRMerged, elig.Rule)
	})

	t.Run("actor completion comment", func(t *testing.T) {
		fake := github.NewFake("acme", "widgets")
		issue := fake.Seed("item", "body", "pipeline:in-progress")
		fake.AddComment(issue.Number, "pilot-bot", "done here\n\nissuepilot:step-complete")

		elig, err := New(fake).Detect(ctx, issue, freshState(cfg), cfg)
		require.NoError(t, err)
		require.NotNil(t, elig)
		assert.Equal(t, RuleCompletionComment, elig.Rule)
	})

	t.Run("comment by someone else ignored", func(t *testing.T) {
		fake := github.NewFake("acme", "widgets")
		issue := fake.Seed("item", "body", "pipeline:in-progress")
		fake.AddComment(issue.Number, "mallory", "issuepilot:step-complete")

		elig, err := New(fake).Detect(ctx, issue, freshState(cfg), cfg)
		require.NoError(t, err)
		assert.Nil(t, elig)
	})

	t.Run("tracked steps all done", func(t *testing.T) {
		fake := github.NewFake("acme", "widgets")
		issue := fake.Seed("item", "body", "pipeline:in-progress")
		state := freshState(cfg)
		for _, name := range cfg.StepNames() {
			require.NoError(t, state.MarkStepActive(name))
			require.NoError(t, state.MarkStepDone(name))
		}

		elig, err := New(fake).Detect(ctx, issue, state, cfg)
		require.NoError(t, err)
		require.NotNil(t, elig)
		assert.Equal(t, RuleStepsComplete, elig.Rule)
	})
}

func TestDetectInReview(t *testing.T) {
	cfg := testConfig()
	ctx := context.Background()

	t.Run("approved PR", func(t *testing.T) {
		fake := github.NewFake("acme", "widgets")
		issue := fake.Seed("item", "body", "pipeline:in-review")
		fake.SeedPR(issue.Number, false, true)

		elig, err := New(fake).Detect(ctx, issue, freshState(cfg), cfg)
		require.NoError(t, err)
		require.NotNil(t, elig)
		assert.Equal(t, workflow.StatusDone, elig.To)
		assert.Equal(t, RuleReviewApproved, elig.Rule)
	})

	t.Run("merged PR", func(t *testing.T) {
		fake := github.NewFake("acme", "widgets")
		issue := fake.Seed("item", "body", "pipeline:in-review")
		fake.SeedPR(issue.Number, true, false)

		elig, err := New(fake).Detect(ctx, issue, freshState(cfg), cfg)
		require.NoError(t, err)
		require.NotNil(t, elig)
		assert.Equal(t, RulePRMerged, elig.Rule)
	})

	t.Run("reviewer comment", func(t *testing.T) {
		fake := github.NewFake("acme", "widgets")
		issue := fake.Seed("item", "body", "pipeline:in-review")
		fake.AddComment(issue.Number, "alice", "ship it issuepilot:step-complete")

		elig, err := New(fake).Detect(ctx, issue, freshState(cfg), cfg)
		require.NoError(t, err)
		require.NotNil(t, elig)
		assert.Equal(t, RuleReviewerComment, elig.Rule)
	})

	t.Run("open unapproved PR waits", func(t *testing.T) {
		fake := github.NewFake("acme", "widgets")
		issue := fake.Seed("item", "body", "pipeline:in-review")
		fake.SeedPR(issue.Number, false, false)

		elig, err := New(fake).Detect(ctx, issue, freshState(cfg), cfg)
		require.NoError(t, err)
		assert.Nil(t, elig)
	})
}

func TestDetectTerminalAndUnlabeled(t *testing.T) {
	cfg := testConfig()
	fake := github.NewFake("acme", "widgets")
	d := New(fake)
	ctx := context.Background()

	done := fake.Seed("finished", "body", "pipeline:done")
	elig, err := d.Detect(ctx, done, freshState(cfg), cfg)
	require.NoError(t, err)
	assert.Nil(t, elig)

	blocked := fake.Seed("stuck", "body", "pipeline:blocked")
	elig, err = d.Detect(ctx, blocked, freshState(cfg), cfg)
	require.NoError(t, err)
	assert.Nil(t, elig)

	unlabeled := fake.Seed("untracked", "body", "bug")
	_, err = d.Detect(ctx, unlabeled, freshState(cfg), cfg)
	assert.Error(t, err)
}

func TestDetectForced(t *testing.T) {
	cfg := testConfig()
	fake := github.NewFake("acme", "widgets")
	d := New(fake)
	ctx := context.Background()

	// Body lost its tracking block entirely; forced re-detection
	// re-initializes instead of failing.
	issue := fake.Seed("item", "no block here", "pipeline:ready")
	elig, state, err := d.DetectForced(ctx, issue, cfg)
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.Equal(t, cfg.StepNames(), state.StepNames())
	require.NotNil(t, elig)
	assert.True(t, elig.Forced)
	assert.Equal(t, workflow.StatusInProgress, elig.To)

	// No signal fires: forced detection still returns the rebuilt state.
	stuck := fake.Seed("stuck", "garbage", "pipeline:in-progress")
	elig, state, err = d.DetectForced(ctx, stuck, cfg)
	require.NoError(t, err)
	assert.Nil(t, elig)
	assert.NotNil(t, state)
}
