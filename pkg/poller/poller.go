// Package poller drives the pipeline. A fixed-interval loop enumerates
// every status bucket, runs change detection per item, and hands eligible
// transitions to the orchestrator through a bounded worker pool. Each item
// has a single writer at a time; failures stay isolated to their item.
package poller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"issuepilot/pkg/cache"
	"issuepilot/pkg/config"
	"issuepilot/pkg/detector"
	"issuepilot/pkg/github"
	"issuepilot/pkg/logx"
	"issuepilot/pkg/metrics"
	"issuepilot/pkg/tracker"
	"issuepilot/pkg/translog"
	"issuepilot/pkg/workflow"
)

// CycleResult accounts for one polling cycle.
type CycleResult struct {
	Scanned   int
	Attempted int
	Succeeded int
	Partial   int
	Failed    int
	Stalled   int
	Duration  time.Duration
}

func (r CycleResult) String() string {
	return fmt.Sprintf("scanned=%d attempted=%d succeeded=%d partial=%d failed=%d stalled=%d in %s",
		r.Scanned, r.Attempted, r.Succeeded, r.Partial, r.Failed, r.Stalled, r.Duration.Round(time.Millisecond))
}

// EnqueueSpec describes a new work item entering the pipeline.
type EnqueueSpec struct {
	Title  string
	Body   string
	Labels []string
}

// Engine is the polling loop plus the operator entry points.
type Engine struct {
	api    github.API
	cache  *cache.Cache
	loader *config.Loader
	det    *detector.Detector
	orch   *workflow.Orchestrator
	mets   *metrics.Metrics
	logger *logx.Logger

	// locks serializes work per item number. The pool may process many
	// items concurrently but never the same item twice. Entries are
	// refcounted and evicted once the last holder releases, so the map
	// stays bounded by in-flight work over a long-running daemon.
	locksMu sync.Mutex
	locks   map[int]*itemLock

	// inflight tracks transitions that must run to completion even when
	// the loop context is canceled mid-cycle.
	inflight sync.WaitGroup

	// last exported cache counters, for delta accounting.
	lastHits   uint64
	lastMisses uint64
}

// NewEngine wires the polling engine.
func NewEngine(api github.API, loader *config.Loader, store *translog.Store, mets *metrics.Metrics) *Engine {
	return &Engine{
		api:    api,
		cache:  cache.New(),
		loader: loader,
		det:    detector.New(api),
		orch:   workflow.New(api, store),
		mets:   mets,
		logger: logx.NewLogger("poller"),
		locks:  make(map[int]*itemLock),
	}
}

// Run polls until ctx is canceled. The first cycle starts immediately.
// In-flight transitions drain before Run returns.
func (e *Engine) Run(ctx context.Context) error {
	cfg, err := e.loader.Load()
	if err != nil {
		return fmt.Errorf("initial config load: %w", err)
	}

	ticker := time.NewTicker(cfg.PollInterval())
	defer ticker.Stop()

	for {
		result, err := e.Cycle(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				break
			}
			e.logger.Error("cycle failed: %v", err)
		} else {
			e.logger.Info("cycle complete: %s", result)
		}

		// Interval may have been hot-reloaded during the cycle.
		if current := e.loader.Current(); current != nil && current.PollInterval() != cfg.PollInterval() {
			cfg = current
			ticker.Reset(cfg.PollInterval())
			e.logger.Info("poll interval now %s", cfg.PollInterval())
		}

		select {
		case <-ctx.Done():
			e.drain()
			return ctx.Err()
		case <-ticker.C:
		}
	}

	e.drain()
	return ctx.Err()
}

func (e *Engine) drain() {
	e.logger.Info("waiting for in-flight transitions")
	e.inflight.Wait()
}

// Cycle runs one full poll: reload config, enumerate the status buckets,
// detect and apply per item. Item failures are counted, not propagated;
// only a canceled context or an unusable bucket listing aborts the cycle.
func (e *Engine) Cycle(ctx context.Context) (*CycleResult, error) {
	start := time.Now()

	cfg, _, err := e.loader.Reload()
	if err != nil {
		return nil, fmt.Errorf("config reload: %w", err)
	}

	issues, err := e.enumerate(ctx, cfg)
	if err != nil {
		return nil, err
	}

	result := &CycleResult{Scanned: len(issues)}
	var resultMu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cfg.WorkerCount)
	for i := range issues {
		issue := &issues[i]
		g.Go(func() error {
			// Cancellation is honored between items, never inside one.
			if gctx.Err() != nil {
				return gctx.Err()
			}

			outcome := e.processItem(gctx, issue, cfg)

			resultMu.Lock()
			defer resultMu.Unlock()
			if outcome.stalled {
				result.Stalled++
			}
			if outcome.attempted {
				result.Attempted++
			}
			switch outcome.kind {
			case outcomeSuccess:
				result.Succeeded++
			case outcomePartial:
				result.Partial++
			case outcomeFailed:
				result.Failed++
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	result.Duration = time.Since(start)
	e.export(result)
	return result, nil
}

// enumerate lists every non-terminal status bucket through the cache and
// deduplicates items that carry more than one pipeline label.
func (e *Engine) enumerate(ctx context.Context, cfg *config.Config) ([]github.Issue, error) {
	seen := make(map[int]bool)
	var issues []github.Issue

	for _, status := range workflow.PollableStatuses() {
		label := workflow.Label(cfg, status)
		v, err := e.cache.GetOrFetch(ctx, "bucket:"+label, cfg.CacheTTL(), func(ctx context.Context) (any, error) {
			return e.api.ListIssuesByLabel(ctx, label, cfg.BucketLimit)
		})
		if err != nil {
			return nil, fmt.Errorf("list %s bucket: %w", label, err)
		}

		for _, issue := range v.([]github.Issue) {
			if seen[issue.Number] {
				continue
			}
			seen[issue.Number] = true
			issues = append(issues, issue)
		}
	}
	return issues, nil
}

type outcomeKind int

const (
	outcomeNone outcomeKind = iota
	outcomeSuccess
	outcomePartial
	outcomeFailed
)

type itemOutcome struct {
	kind      outcomeKind
	attempted bool
	stalled   bool
}

// processItem detects and, when eligible, applies one item's transition
// under its per-item lock.
func (e *Engine) processItem(ctx context.Context, issue *github.Issue, cfg *config.Config) itemOutcome {
	lock := e.lockItem(issue.Number)
	defer e.unlockItem(issue.Number, lock)

	var out itemOutcome

	// An outstanding partial transition is finished before any new
	// detection: its status change already committed, so detection would
	// otherwise propose the next hop and strand the pending side effect.
	trans, resumed, err := e.orch.ResumePending(context.WithoutCancel(ctx), issue, cfg)
	if resumed {
		out.attempted = true
		if trans != nil {
			e.mets.RecordTransition(string(trans.Result))
		}
		e.cache.InvalidatePrefix("bucket:")
		switch {
		case err == nil:
			out.kind = outcomeSuccess
		case workflow.IsPartial(err):
			// The status change already committed, so a pending effect
			// that can never succeed would re-partial every cycle.
			if github.IsFatal(err) || e.failureStreak(issue.Number, cfg) {
				e.logger.Error("#%d pending effect will not recover, blocking: %v", issue.Number, err)
				e.block(ctx, issue, workflow.Status(trans.ToStatus), cfg, err)
				out.kind = outcomeFailed
			} else {
				e.logger.Warn("#%d resume still partial: %v", issue.Number, err)
				out.kind = outcomePartial
			}
		default:
			e.logger.Error("#%d resume failed: %v", issue.Number, err)
			out.kind = outcomeFailed
		}
		return out
	}
	if err != nil {
		e.logger.Error("#%d resume check failed: %v", issue.Number, err)
		out.kind = outcomeFailed
		return out
	}

	state, parseErr := tracker.Parse(issue.Body)
	stalled := parseErr == nil && state.ActiveStepAge(time.Now().UTC()) > cfg.StallThreshold()

	var elig *workflow.Eligible
	if stalled {
		out.stalled = true
		e.logger.Warn("#%d stalled on step %q, forcing re-detection",
			issue.Number, state.ActiveStep().Name)
		elig, state, err = e.det.DetectForced(ctx, issue, cfg)
	} else {
		if parseErr != nil {
			state = tracker.NewState(cfg.StepNames())
		}
		elig, err = e.det.Detect(ctx, issue, state, cfg)
	}
	if err != nil {
		e.logger.Error("#%d detection failed: %v", issue.Number, err)
		out.kind = outcomeFailed
		return out
	}
	if elig == nil {
		return out
	}

	out.attempted = true
	out.kind = e.apply(ctx, issue, elig, cfg)
	return out
}

// apply hands the transition to the orchestrator. The side-effect section
// runs on a detached context so a shutdown mid-transition never leaves a
// half-applied item behind; the in-flight group lets Run wait for it.
func (e *Engine) apply(ctx context.Context, issue *github.Issue, elig *workflow.Eligible, cfg *config.Config) outcomeKind {
	e.inflight.Add(1)
	defer e.inflight.Done()

	trans, err := e.orch.Apply(context.WithoutCancel(ctx), issue, elig, cfg)
	if trans != nil {
		e.mets.RecordTransition(string(trans.Result))
	}

	// A write changes what the bucket listings would return.
	e.cache.InvalidatePrefix("bucket:")

	switch {
	case err == nil:
		return outcomeSuccess
	case errors.Is(err, workflow.ErrDuplicateSuppressed):
		e.logger.Debug("#%d duplicate transition suppressed", issue.Number)
		return outcomeNone
	case workflow.IsPartial(err):
		// Partial means the label swap committed; the item now carries the
		// target status. A fatal cause or an exhausted retry streak means
		// the pending effect will never complete, so hand the item to an
		// operator instead of re-partialing forever.
		if github.IsFatal(err) || e.failureStreak(issue.Number, cfg) {
			e.logger.Error("#%d pending effect will not recover, blocking: %v", issue.Number, err)
			e.block(ctx, issue, elig.To, cfg, err)
			return outcomeFailed
		}
		e.logger.Warn("#%d partial transition, resuming next cycle: %v", issue.Number, err)
		return outcomePartial
	case github.IsFatal(err):
		e.logger.Error("#%d fatal, blocking: %v", issue.Number, err)
		e.block(ctx, issue, elig.From, cfg, err)
		return outcomeFailed
	default:
		if e.failureStreak(issue.Number, cfg) {
			e.logger.Error("#%d keeps failing, blocking: %v", issue.Number, err)
			e.block(ctx, issue, elig.From, cfg, err)
			return outcomeFailed
		}
		e.logger.Error("#%d transition failed, retrying next cycle: %v", issue.Number, err)
		return outcomeFailed
	}
}

func (e *Engine) block(ctx context.Context, issue *github.Issue, from workflow.Status, cfg *config.Config, cause error) {
	if err := e.orch.Block(context.WithoutCancel(ctx), issue, from, cfg, cause); err != nil {
		e.logger.Error("#%d block failed: %v", issue.Number, err)
	}
	e.cache.InvalidatePrefix("bucket:")
}

// failureStreak reports whether the item has burned through its retry
// allowance: EscalateAfterFailures failed or partial attempts within the
// stall window.
func (e *Engine) failureStreak(number int, cfg *config.Config) bool {
	since := time.Now().UTC().Add(-cfg.StallThreshold())
	n, err := e.orch.RecentFailures(e.api.Key(number), since)
	if err != nil {
		e.logger.Warn("#%d failure count unavailable: %v", number, err)
		return false
	}
	return n >= cfg.EscalateAfterFailures
}

type itemLock struct {
	mu   sync.Mutex
	refs int
}

// lockItem acquires the item's mutex, creating it on first use. The
// refcount covers waiters too, so release never evicts a mutex another
// goroutine is about to lock.
func (e *Engine) lockItem(number int) *itemLock {
	e.locksMu.Lock()
	lock, ok := e.locks[number]
	if !ok {
		lock = &itemLock{}
		e.locks[number] = lock
	}
	lock.refs++
	e.locksMu.Unlock()

	lock.mu.Lock()
	return lock
}

func (e *Engine) unlockItem(number int, lock *itemLock) {
	lock.mu.Unlock()

	e.locksMu.Lock()
	lock.refs--
	if lock.refs == 0 {
		delete(e.locks, number)
	}
	e.locksMu.Unlock()
}

func (e *Engine) export(r *CycleResult) {
	e.mets.Cycles.Inc()
	e.mets.CycleDuration.Observe(r.Duration.Seconds())
	e.mets.ItemsScanned.Add(float64(r.Scanned))
	e.mets.StalledItems.Set(float64(r.Stalled))

	hits, misses := e.cache.Stats()
	e.mets.CacheHits.Add(float64(hits - e.lastHits))
	e.mets.CacheMisses.Add(float64(misses - e.lastMisses))
	e.lastHits, e.lastMisses = hits, misses
}

// Enqueue creates a new Backlog work item with an initialized tracking
// block and returns its key. Title and body come from the collaborator.
func (e *Engine) Enqueue(ctx context.Context, spec EnqueueSpec) (github.ItemKey, error) {
	cfg := e.loader.Current()
	if cfg == nil {
		var err error
		cfg, err = e.loader.Load()
		if err != nil {
			return github.ItemKey{}, err
		}
	}
	if spec.Title == "" {
		return github.ItemKey{}, fmt.Errorf("enqueue: title is required")
	}

	body := tracker.UpsertBlock(spec.Body, tracker.NewState(cfg.StepNames()))
	labels := append([]string{workflow.Label(cfg, workflow.StatusBacklog)}, spec.Labels...)

	issue, err := e.api.CreateIssue(ctx, github.IssueCreateOptions{
		Title:  spec.Title,
		Body:   body,
		Labels: labels,
	})
	if err != nil {
		return github.ItemKey{}, fmt.Errorf("enqueue %q: %w", spec.Title, err)
	}

	e.cache.InvalidatePrefix("bucket:")
	key := e.api.Key(issue.Number)
	e.logger.Info("enqueued %s: %s", key, spec.Title)
	return key, nil
}

// ForceReevaluate runs the stall-recovery detection path for one item on
// operator demand, applying any transition it finds.
func (e *Engine) ForceReevaluate(ctx context.Context, key github.ItemKey) (*translog.Transition, error) {
	cfg := e.loader.Current()
	if cfg == nil {
		var err error
		cfg, err = e.loader.Load()
		if err != nil {
			return nil, err
		}
	}

	lock := e.lockItem(key.Number)
	defer e.unlockItem(key.Number, lock)

	issue, err := e.api.GetIssue(ctx, key.Number)
	if err != nil {
		return nil, fmt.Errorf("reevaluate %s: %w", key, err)
	}

	elig, _, err := e.det.DetectForced(ctx, issue, cfg)
	if err != nil {
		return nil, fmt.Errorf("reevaluate %s: %w", key, err)
	}
	if elig == nil {
		e.logger.Info("%s not eligible for any transition", key)
		return nil, nil
	}

	trans, err := e.orch.Apply(ctx, issue, elig, cfg)
	if trans != nil {
		e.mets.RecordTransition(string(trans.Result))
	}
	e.cache.InvalidatePrefix("bucket:")
	if errors.Is(err, workflow.ErrDuplicateSuppressed) {
		return nil, nil
	}
	return trans, err
}

// History returns an item's transition history.
func (e *Engine) History(key github.ItemKey) ([]*translog.Transition, error) {
	return e.orch.History(key)
}
