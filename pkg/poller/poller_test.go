package poller

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"issuepilot/pkg/config"
	"issuepilot/pkg/github"
	"issuepilot/pkg/metrics"
	"issuepilot/pkg/tracker"
	"issuepilot/pkg/translog"
	"issuepilot/pkg/workflow"
)

const testConfigJSON = `{
  "repo": "acme/widgets",
  "status_labels": {
    "backlog": "pipeline:backlog",
    "ready": "pipeline:ready",
    "in_progress": "pipeline:in-progress",
    "in_review": "pipeline:in-review",
    "done": "pipeline:done",
    "blocked": "pipeline:blocked"
  },
  "automation_actor": "pilot-bot",
  "reviewer": "alice",
  "steps": [
    {"name": "triage"},
    {"name": "implementation"},
    {"name": "review"}
  ],
  "poll_interval_sec": 1,
  "worker_count": 2,
  "stall_threshold_min": 60,
  "cache_ttl_sec": 1
}`

func newTestEngine(t *testing.T, configJSON string) (*Engine, *github.Fake, *translog.Store) {
	t.Helper()
	dir := t.TempDir()

	path := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(path, []byte(configJSON), 0o644))
	loader := config.NewLoader(path)
	_, err := loader.Load()
	require.NoError(t, err)

	store, err := translog.Open(filepath.Join(dir, "translog.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	fake := github.NewFake("acme", "widgets")
	return NewEngine(fake, loader, store, metrics.New()), fake, store
}

func seedTracked(fake *github.Fake, label string) *github.Issue {
	steps := []string{"triage", "implementation", "review"}
	body := tracker.UpsertBlock("A work item.", tracker.NewState(steps))
	return fake.Seed("work item", body, label)
}

func TestCycleEmptyRepo(t *testing.T) {
	engine, _, _ := newTestEngine(t, testConfigJSON)

	result, err := engine.Cycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, result.Scanned)
	assert.Equal(t, 0, result.Attempted)
}

func TestEndToEndPipeline(t *testing.T) {
	engine, fake, store := newTestEngine(t, testConfigJSON)
	ctx := context.Background()

	issue := seedTracked(fake, "pipeline:backlog")
	fake.SeedPR(issue.Number, true, true)

	// One transition per cycle: four cycles walk the item to done.
	wantAfter := []string{"pipeline:ready", "pipeline:in-progress", "pipeline:in-review", "pipeline:done"}
	for i, want := range wantAfter {
		result, err := engine.Cycle(ctx)
		require.NoError(t, err, "cycle %d", i+1)
		assert.Equal(t, 1, result.Attempted, "cycle %d", i+1)
		assert.Equal(t, 1, result.Succeeded, "cycle %d", i+1)

		current, err := fake.GetIssue(ctx, issue.Number)
		require.NoError(t, err)
		assert.True(t, current.HasLabel(want), "cycle %d: want %s, have %v", i+1, want, current.Labels)
	}

	// Terminal item: further cycles scan nothing (done is not polled).
	result, err := engine.Cycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, result.Scanned)

	// Audit trail holds each hop exactly once.
	history, err := store.History(fake.Key(issue.Number))
	require.NoError(t, err)
	require.Len(t, history, 4)
	for _, trans := range history {
		assert.Equal(t, translog.ResultSuccess, trans.Result)
	}
	assert.Equal(t, string(workflow.StatusReady), history[0].ToStatus)
	assert.Equal(t, string(workflow.StatusDone), history[3].ToStatus)
}

func TestCycleIsolatesItemFailures(t *testing.T) {
	engine, fake, _ := newTestEngine(t, testConfigJSON)
	ctx := context.Background()

	bad := seedTracked(fake, "pipeline:backlog")
	good := seedTracked(fake, "pipeline:backlog")

	// The first item's label swap fails persistently; the second proceeds.
	fake.FailNext("SwapLabel", 1, fmt.Errorf("boom"))

	result, err := engine.Cycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Scanned)
	assert.Equal(t, 2, result.Attempted)
	assert.Equal(t, 1, result.Succeeded)
	assert.Equal(t, 1, result.Failed)

	// With worker_count 2 the order is nondeterministic; exactly one of
	// the two made it to ready.
	first, _ := fake.GetIssue(ctx, bad.Number)
	second, _ := fake.GetIssue(ctx, good.Number)
	moved := 0
	for _, issue := range []*github.Issue{first, second} {
		if issue.HasLabel("pipeline:ready") {
			moved++
		}
	}
	assert.Equal(t, 1, moved)
}

func TestTransientFailureRetriedNextCycle(t *testing.T) {
	engine, fake, store := newTestEngine(t, testConfigJSON)
	ctx := context.Background()

	issue := seedTracked(fake, "pipeline:backlog")
	fake.FailNext("SwapLabel", 1, nil) // injects a retryable error

	result, err := engine.Cycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Failed)

	result, err = engine.Cycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Succeeded)

	// Exactly one success entry for the hop; the aborted attempt is a
	// distinct failed record, never a duplicate success.
	history, err := store.History(fake.Key(issue.Number))
	require.NoError(t, err)
	successes := 0
	for _, trans := range history {
		if trans.Result == translog.ResultSuccess {
			successes++
			assert.Equal(t, string(workflow.StatusReady), trans.ToStatus)
		}
	}
	assert.Equal(t, 1, successes)

	current, err := fake.GetIssue(ctx, issue.Number)
	require.NoError(t, err)
	assert.True(t, current.HasLabel("pipeline:ready"))
}

func TestCycleBlocksOnFatal(t *testing.T) {
	engine, fake, store := newTestEngine(t, testConfigJSON)
	ctx := context.Background()

	issue := seedTracked(fake, "pipeline:backlog")
	fatal := &github.FatalError{Op: "edit issue", Underlying: fmt.Errorf("label gone")}
	fake.FailNext("SwapLabel", 1, fatal)

	result, err := engine.Cycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Failed)

	current, err := fake.GetIssue(ctx, issue.Number)
	require.NoError(t, err)
	assert.True(t, current.HasLabel("pipeline:blocked"))

	history, err := store.History(fake.Key(issue.Number))
	require.NoError(t, err)
	require.NotEmpty(t, history)
	assert.Equal(t, string(workflow.StatusBlocked), history[len(history)-1].ToStatus)
}

func TestFatalSideEffectBlocks(t *testing.T) {
	engine, fake, store := newTestEngine(t, testConfigJSON)
	ctx := context.Background()

	issue := seedTracked(fake, "pipeline:ready")
	fatal := &github.FatalError{Op: "assign", Underlying: fmt.Errorf("user does not exist (HTTP 422)")}
	fake.FailNext("AssignIssue", 10, fatal)

	// The label swap commits, then the assignment fails fatally. Retrying
	// cannot help, so the item goes straight to blocked instead of
	// re-partialing every cycle.
	result, err := engine.Cycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Failed)
	assert.Equal(t, 0, result.Partial)

	current, err := fake.GetIssue(ctx, issue.Number)
	require.NoError(t, err)
	assert.True(t, current.HasLabel("pipeline:blocked"))

	// Blocked items drop out of the polled buckets.
	result, err = engine.Cycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, result.Scanned)

	history, err := store.History(fake.Key(issue.Number))
	require.NoError(t, err)
	require.NotEmpty(t, history)
	assert.Equal(t, string(workflow.StatusBlocked), history[len(history)-1].ToStatus)
}

func TestRepeatedPartialEscalatesToBlocked(t *testing.T) {
	escalateConfig := `{
	  "repo": "acme/widgets",
	  "status_labels": {
	    "backlog": "pipeline:backlog",
	    "ready": "pipeline:ready",
	    "in_progress": "pipeline:in-progress",
	    "in_review": "pipeline:in-review",
	    "done": "pipeline:done",
	    "blocked": "pipeline:blocked"
	  },
	  "automation_actor": "pilot-bot",
	  "steps": [{"name": "triage"}, {"name": "implementation"}, {"name": "review"}],
	  "escalate_after_failures": 2
	}`
	engine, fake, store := newTestEngine(t, escalateConfig)
	ctx := context.Background()

	issue := seedTracked(fake, "pipeline:ready")
	fake.FailNext("AssignIssue", 100, nil)

	// First cycle: swap commits, assignment fails transiently, partial.
	result, err := engine.Cycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Partial)

	// Second cycle: the resume fails again and the streak hits the
	// threshold, so the item is blocked instead of retried forever.
	result, err = engine.Cycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Failed)

	current, err := fake.GetIssue(ctx, issue.Number)
	require.NoError(t, err)
	assert.True(t, current.HasLabel("pipeline:blocked"))

	// The audit trail stays bounded: two partials and the block record.
	history, err := store.History(fake.Key(issue.Number))
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, string(workflow.StatusBlocked), history[2].ToStatus)
}

func TestItemLocksReleasedAfterCycle(t *testing.T) {
	engine, fake, _ := newTestEngine(t, testConfigJSON)
	ctx := context.Background()

	seedTracked(fake, "pipeline:backlog")
	seedTracked(fake, "pipeline:ready")

	_, err := engine.Cycle(ctx)
	require.NoError(t, err)

	engine.locksMu.Lock()
	defer engine.locksMu.Unlock()
	assert.Empty(t, engine.locks)
}

func TestPartialResumedBeforeDetection(t *testing.T) {
	fanOutConfig := `{
  "repo": "acme/widgets",
  "status_labels": {
    "backlog": "pipeline:backlog",
    "ready": "pipeline:ready",
    "in_progress": "pipeline:in-progress",
    "in_review": "pipeline:in-review",
    "done": "pipeline:done",
    "blocked": "pipeline:blocked"
  },
  "automation_actor": "pilot-bot",
  "steps": [{"name": "triage"}, {"name": "implementation"}, {"name": "review"}],
  "fan_out": [{"title": "Design"}, {"title": "Implement"}],
  "cache_ttl_sec": 1
}`
	engine, fake, store := newTestEngine(t, fanOutConfig)
	ctx := context.Background()

	issue := seedTracked(fake, "pipeline:backlog")

	// The label swap lands but the second fan-out create fails, leaving a
	// partial Backlog -> Ready.
	fake.FailAfter("CreateSubIssue", 1, 1, fmt.Errorf("boom"))
	result, err := engine.Cycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Partial)

	current, err := fake.GetIssue(ctx, issue.Number)
	require.NoError(t, err)
	require.True(t, current.HasLabel("pipeline:ready"))

	// The next cycle finishes the pending fan-out instead of detecting
	// from the already-moved label and skipping it. One transition per
	// cycle: the item stays in ready.
	result, err = engine.Cycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Succeeded)

	current, err = fake.GetIssue(ctx, issue.Number)
	require.NoError(t, err)
	assert.True(t, current.HasLabel("pipeline:ready"))
	subs, err := fake.ListSubIssues(ctx, issue.Number)
	require.NoError(t, err)
	assert.Len(t, subs, 2)

	partial, err := store.LatestPartial(fake.Key(issue.Number))
	require.NoError(t, err)
	assert.Nil(t, partial)

	// With the fan-out complete, the cycle after advances normally.
	result, err = engine.Cycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Succeeded)
	current, err = fake.GetIssue(ctx, issue.Number)
	require.NoError(t, err)
	assert.True(t, current.HasLabel("pipeline:in-progress"))
}

func TestStallRecoveryRedrives(t *testing.T) {
	engine, fake, store := newTestEngine(t, testConfigJSON)
	ctx := context.Background()

	// Item parked in progress for two hours with its second step active,
	// well past the one-hour threshold. A merged PR means the forced
	// re-detection finds a way forward.
	state := tracker.NewState([]string{"triage", "implementation", "review"})
	require.NoError(t, state.MarkStepActive("triage"))
	require.NoError(t, state.MarkStepDone("triage"))
	require.NoError(t, state.MarkStepActive("implementation"))
	past := time.Now().UTC().Add(-2 * time.Hour).Truncate(time.Second)
	state.Steps[1].StartedAt = &past

	body := tracker.UpsertBlock("A stuck item.", state)
	issue := fake.Seed("stuck item", body, "pipeline:in-progress")
	fake.SeedPR(issue.Number, true, false)

	result, err := engine.Cycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Stalled)
	assert.Equal(t, 1, result.Succeeded)

	current, err := fake.GetIssue(ctx, issue.Number)
	require.NoError(t, err)
	assert.True(t, current.HasLabel("pipeline:in-review"))

	// The re-drive is logged distinctly from organic detection.
	history, err := store.History(fake.Key(issue.Number))
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Contains(t, history[0].Detector, "forced:")
}

func TestEnqueue(t *testing.T) {
	engine, fake, _ := newTestEngine(t, testConfigJSON)
	ctx := context.Background()

	key, err := engine.Enqueue(ctx, EnqueueSpec{
		Title:  "Add widget export",
		Body:   "Customers want CSV.",
		Labels: []string{"feature"},
	})
	require.NoError(t, err)

	issue, err := fake.GetIssue(ctx, key.Number)
	require.NoError(t, err)
	assert.True(t, issue.HasLabel("pipeline:backlog"))
	assert.True(t, issue.HasLabel("feature"))

	// Tracking block initialized with all configured steps pending.
	state, err := tracker.Parse(issue.Body)
	require.NoError(t, err)
	assert.Equal(t, []string{"triage", "implementation", "review"}, state.StepNames())
	assert.Nil(t, state.ActiveStep())

	_, err = engine.Enqueue(ctx, EnqueueSpec{})
	assert.Error(t, err)
}

func TestForceReevaluate(t *testing.T) {
	engine, fake, _ := newTestEngine(t, testConfigJSON)
	ctx := context.Background()

	issue := seedTracked(fake, "pipeline:backlog")

	trans, err := engine.ForceReevaluate(ctx, fake.Key(issue.Number))
	require.NoError(t, err)
	require.NotNil(t, trans)
	assert.Equal(t, string(workflow.StatusReady), trans.ToStatus)

	current, err := fake.GetIssue(ctx, issue.Number)
	require.NoError(t, err)
	assert.True(t, current.HasLabel("pipeline:ready"))

	// A terminal item reports no eligible transition.
	done := seedTracked(fake, "pipeline:done")
	trans, err = engine.ForceReevaluate(ctx, fake.Key(done.Number))
	require.NoError(t, err)
	assert.Nil(t, trans)
}

func TestRunStopsOnCancel(t *testing.T) {
	engine, fake, _ := newTestEngine(t, testConfigJSON)
	seedTracked(fake, "pipeline:backlog")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- engine.Run(ctx) }()

	// Let at least the first cycle land, then stop.
	require.Eventually(t, func() bool {
		return fake.CallCount("ListIssuesByLabel") > 0
	}, 2*time.Second, 10*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(3 * time.Second):
		t.Fatal("engine did not stop")
	}
}

func TestEnumerateDeduplicatesAcrossBuckets(t *testing.T) {
	engine, fake, _ := newTestEngine(t, testConfigJSON)
	ctx := context.Background()

	// One item wearing two pipeline labels shows up once.
	seedTracked(fake, "pipeline:backlog")
	issue, err := fake.GetIssue(ctx, 1)
	require.NoError(t, err)
	require.NoError(t, fake.AddLabel(ctx, issue, "pipeline:ready"))

	result, err := engine.Cycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Scanned)
}
