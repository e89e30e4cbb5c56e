package github

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Fake is an in-memory API implementation for tests. It stores issues,
// sub-issue links, comments, and PRs, and can inject scripted failures per
// operation to exercise retry and partial-failure paths.
//
//nolint:govet // Logical grouping preferred over memory optimization
type Fake struct {
	mu         sync.Mutex
	owner      string
	repo       string
	nextNumber int
	issues     map[int]*Issue
	subIssues  map[int][]SubIssue // parent number -> children
	comments   map[int][]Comment
	prs        map[int]*PullRequest
	linkedPRs  map[int][]int // issue number -> PR numbers

	reviewRequests map[int][]string // PR number -> requested logins

	// failures maps an operation name ("SwapLabel", "AssignIssue", ...) to
	// a count of calls that should fail before succeeding. skips delays
	// the failure by a number of successful calls.
	failures map[string]int
	skips    map[string]int
	failErr  error

	// Calls records operation names in invocation order.
	Calls []string
}

// NewFake creates an empty fake repository.
func NewFake(owner, repo string) *Fake {
	return &Fake{
		owner:      owner,
		repo:       repo,
		nextNumber: 1,
		issues:     make(map[int]*Issue),
		subIssues:  make(map[int][]SubIssue),
		comments:   make(map[int][]Comment),
		prs:        make(map[int]*PullRequest),
		linkedPRs:  make(map[int][]int),

		reviewRequests: make(map[int][]string),
		failures:       make(map[string]int),
		skips:          make(map[string]int),
	}
}

// FailNext makes the next n calls to the named operation fail with err.
func (f *Fake) FailNext(op string, n int, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[op] = n
	f.failErr = err
}

// FailAfter lets skip calls to the named operation succeed, then fails the
// following n calls with err.
func (f *Fake) FailAfter(op string, skip, n int, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.skips[op] = skip
	f.failures[op] = n
	f.failErr = err
}

// Seed inserts an issue directly, returning it.
func (f *Fake) Seed(title, body string, labels ...string) *Issue {
	f.mu.Lock()
	defer f.mu.Unlock()

	issue := &Issue{
		Number:    f.nextNumber,
		Title:     title,
		Body:      body,
		State:     "OPEN",
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
	for _, l := range labels {
		issue.Labels = append(issue.Labels, Label{Name: l})
	}
	f.issues[issue.Number] = issue
	f.nextNumber++
	return issue
}

// SeedPR inserts a pull request and links it to an issue.
func (f *Fake) SeedPR(issueNumber int, merged, approved bool) *PullRequest {
	f.mu.Lock()
	defer f.mu.Unlock()

	pr := &PullRequest{
		Number: f.nextNumber,
		State:  "OPEN",
		Title:  fmt.Sprintf("PR for #%d", issueNumber),
	}
	if merged {
		pr.State = "MERGED"
		pr.MergedAt = time.Now().UTC().Format(time.RFC3339)
	}
	if approved {
		pr.ReviewDecision = "APPROVED"
	}
	f.prs[pr.Number] = pr
	f.linkedPRs[issueNumber] = append(f.linkedPRs[issueNumber], pr.Number)
	f.nextNumber++
	return pr
}

// CloseSubIssues marks every sub-issue of parent as closed.
func (f *Fake) CloseSubIssues(parent int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	subs := f.subIssues[parent]
	for i := range subs {
		subs[i].State = "closed"
	}
}

func (f *Fake) check(op string) error {
	f.Calls = append(f.Calls, op)
	if s := f.skips[op]; s > 0 {
		f.skips[op] = s - 1
		return nil
	}
	if n := f.failures[op]; n > 0 {
		f.failures[op] = n - 1
		if f.failErr != nil {
			return f.failErr
		}
		return &RetryableError{Op: op, Underlying: fmt.Errorf("injected failure")}
	}
	return nil
}

func (f *Fake) RepoPath() string { return f.owner + "/" + f.repo }

func (f *Fake) Key(number int) ItemKey {
	return ItemKey{Owner: f.owner, Repo: f.repo, Number: number}
}

func (f *Fake) GetIssue(_ context.Context, number int) (*Issue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.check("GetIssue"); err != nil {
		return nil, err
	}
	issue, ok := f.issues[number]
	if !ok {
		return nil, &FatalError{Op: "get issue", Underlying: fmt.Errorf("%w: #%d", ErrNotFound, number)}
	}
	clone := *issue
	clone.Labels = append([]Label(nil), issue.Labels...)
	clone.Assignees = append([]User(nil), issue.Assignees...)
	return &clone, nil
}

func (f *Fake) ListIssuesByLabel(_ context.Context, label string, _ int) ([]Issue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.check("ListIssuesByLabel"); err != nil {
		return nil, err
	}
	var out []Issue
	for n := 1; n < f.nextNumber; n++ {
		issue, ok := f.issues[n]
		if !ok || issue.IsClosed() || !issue.HasLabel(label) {
			continue
		}
		clone := *issue
		clone.Labels = append([]Label(nil), issue.Labels...)
		clone.Assignees = append([]User(nil), issue.Assignees...)
		out = append(out, clone)
	}
	return out, nil
}

func (f *Fake) CreateIssue(_ context.Context, opts IssueCreateOptions) (*Issue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.check("CreateIssue"); err != nil {
		return nil, err
	}
	issue := &Issue{
		Number:    f.nextNumber,
		Title:     opts.Title,
		Body:      opts.Body,
		State:     "OPEN",
		CreatedAt: time.Now().UTC(),
	}
	for _, l := range opts.Labels {
		issue.Labels = append(issue.Labels, Label{Name: l})
	}
	for _, a := range opts.Assignees {
		issue.Assignees = append(issue.Assignees, User{Login: a})
	}
	f.issues[issue.Number] = issue
	f.nextNumber++
	clone := *issue
	return &clone, nil
}

func (f *Fake) EditIssueBody(_ context.Context, number int, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.check("EditIssueBody"); err != nil {
		return err
	}
	issue, ok := f.issues[number]
	if !ok {
		return &FatalError{Op: "edit body", Underlying: fmt.Errorf("%w: #%d", ErrNotFound, number)}
	}
	issue.Body = body
	issue.UpdatedAt = time.Now().UTC()
	return nil
}

func (f *Fake) AddLabel(_ context.Context, issue *Issue, label string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.check("AddLabel"); err != nil {
		return err
	}
	stored := f.issues[issue.Number]
	if stored == nil {
		return &FatalError{Op: "add label", Underlying: ErrNotFound}
	}
	if !stored.HasLabel(label) {
		stored.Labels = append(stored.Labels, Label{Name: label})
	}
	if !issue.HasLabel(label) {
		issue.Labels = append(issue.Labels, Label{Name: label})
	}
	return nil
}

func (f *Fake) RemoveLabel(_ context.Context, issue *Issue, label string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.check("RemoveLabel"); err != nil {
		return err
	}
	f.removeLabelLocked(issue.Number, label)
	issue.Labels = withoutLabel(issue.Labels, label)
	return nil
}

func (f *Fake) SwapLabel(_ context.Context, issue *Issue, oldLabel, newLabel string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.check("SwapLabel"); err != nil {
		return err
	}
	stored := f.issues[issue.Number]
	if stored == nil {
		return &FatalError{Op: "swap label", Underlying: ErrNotFound}
	}
	f.removeLabelLocked(issue.Number, oldLabel)
	if !stored.HasLabel(newLabel) {
		stored.Labels = append(stored.Labels, Label{Name: newLabel})
	}
	issue.Labels = append(withoutLabel(issue.Labels, oldLabel), Label{Name: newLabel})
	return nil
}

func (f *Fake) removeLabelLocked(number int, label string) {
	if stored := f.issues[number]; stored != nil {
		stored.Labels = withoutLabel(stored.Labels, label)
	}
}

func withoutLabel(labels []Label, name string) []Label {
	kept := make([]Label, 0, len(labels))
	for _, l := range labels {
		if !strings.EqualFold(l.Name, name) {
			kept = append(kept, l)
		}
	}
	return kept
}

func (f *Fake) AssignIssue(_ context.Context, issue *Issue, login string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.check("AssignIssue"); err != nil {
		return err
	}
	stored := f.issues[issue.Number]
	if stored == nil {
		return &FatalError{Op: "assign", Underlying: ErrNotFound}
	}
	if !stored.HasAssignee(login) {
		stored.Assignees = append(stored.Assignees, User{Login: login})
	}
	if !issue.HasAssignee(login) {
		issue.Assignees = append(issue.Assignees, User{Login: login})
	}
	return nil
}

func (f *Fake) UnassignIssue(_ context.Context, issue *Issue, login string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.check("UnassignIssue"); err != nil {
		return err
	}
	if stored := f.issues[issue.Number]; stored != nil {
		stored.Assignees = withoutUser(stored.Assignees, login)
	}
	issue.Assignees = withoutUser(issue.Assignees, login)
	return nil
}

func withoutUser(users []User, login string) []User {
	kept := make([]User, 0, len(users))
	for _, u := range users {
		if !strings.EqualFold(u.Login, login) {
			kept = append(kept, u)
		}
	}
	return kept
}

func (f *Fake) CloseIssue(_ context.Context, issue *Issue) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.check("CloseIssue"); err != nil {
		return err
	}
	if stored := f.issues[issue.Number]; stored != nil {
		stored.State = "CLOSED"
	}
	issue.State = "CLOSED"
	return nil
}

func (f *Fake) CommentOnIssue(_ context.Context, number int, body, marker string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.check("CommentOnIssue"); err != nil {
		return err
	}
	if marker != "" {
		for _, c := range f.comments[number] {
			if strings.Contains(c.Body, marker) {
				return nil
			}
		}
		body = body + "\n\n" + marker
	}
	f.comments[number] = append(f.comments[number], Comment{
		ID:        int64(len(f.comments[number]) + 1),
		Author:    User{Login: "issuepilot"},
		Body:      body,
		CreatedAt: time.Now().UTC(),
	})
	return nil
}

// AddComment inserts a comment from an arbitrary author, simulating
// external activity.
func (f *Fake) AddComment(number int, login, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.comments[number] = append(f.comments[number], Comment{
		ID:        int64(len(f.comments[number]) + 1),
		Author:    User{Login: login},
		Body:      body,
		CreatedAt: time.Now().UTC(),
	})
}

// Comments returns the comments stored for an issue.
func (f *Fake) Comments(number int) []Comment {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Comment(nil), f.comments[number]...)
}

func (f *Fake) HasCommentBy(_ context.Context, number int, login, substr string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.check("HasCommentBy"); err != nil {
		return false, err
	}
	for _, c := range f.comments[number] {
		if !strings.EqualFold(c.Author.Login, login) {
			continue
		}
		if substr == "" || strings.Contains(c.Body, substr) {
			return true, nil
		}
	}
	return false, nil
}

func (f *Fake) ListSubIssues(_ context.Context, parentNumber int) ([]SubIssue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.check("ListSubIssues"); err != nil {
		return nil, err
	}
	return append([]SubIssue(nil), f.subIssues[parentNumber]...), nil
}

func (f *Fake) CreateSubIssue(_ context.Context, parentNumber int, opts IssueCreateOptions) (*SubIssue, error) {
	f.mu.Lock()
	if err := f.check("CreateSubIssue"); err != nil {
		f.mu.Unlock()
		return nil, err
	}
	for i := range f.subIssues[parentNumber] {
		if f.subIssues[parentNumber][i].Title == opts.Title {
			sub := f.subIssues[parentNumber][i]
			f.mu.Unlock()
			return &sub, nil
		}
	}
	issue := &Issue{
		Number: f.nextNumber,
		Title:  opts.Title,
		Body:   opts.Body,
		State:  "OPEN",
	}
	f.issues[issue.Number] = issue
	f.nextNumber++
	sub := SubIssue{ID: int64(issue.Number), Number: issue.Number, Title: issue.Title, State: "open"}
	f.subIssues[parentNumber] = append(f.subIssues[parentNumber], sub)
	f.mu.Unlock()
	return &sub, nil
}

func (f *Fake) AllSubIssuesClosed(_ context.Context, parentNumber int) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.check("AllSubIssuesClosed"); err != nil {
		return false, err
	}
	subs := f.subIssues[parentNumber]
	if len(subs) == 0 {
		return false, nil
	}
	for i := range subs {
		if !subs[i].IsClosed() {
			return false, nil
		}
	}
	return true, nil
}

func (f *Fake) LinkedPRNumbers(_ context.Context, issueNumber int) ([]int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.check("LinkedPRNumbers"); err != nil {
		return nil, err
	}
	return append([]int(nil), f.linkedPRs[issueNumber]...), nil
}

func (f *Fake) GetPR(_ context.Context, number int) (*PullRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.check("GetPR"); err != nil {
		return nil, err
	}
	pr, ok := f.prs[number]
	if !ok {
		return nil, &FatalError{Op: "get PR", Underlying: fmt.Errorf("%w: #%d", ErrNotFound, number)}
	}
	clone := *pr
	return &clone, nil
}

func (f *Fake) AnyLinkedPRMerged(_ context.Context, issueNumber int) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.check("AnyLinkedPRMerged"); err != nil {
		return false, err
	}
	for _, n := range f.linkedPRs[issueNumber] {
		if pr := f.prs[n]; pr != nil && pr.IsMerged() {
			return true, nil
		}
	}
	return false, nil
}

func (f *Fake) RequestReview(_ context.Context, prNumber int, login string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.check("RequestReview"); err != nil {
		return err
	}
	if _, ok := f.prs[prNumber]; !ok {
		return &FatalError{Op: "request review", Underlying: fmt.Errorf("%w: PR #%d", ErrNotFound, prNumber)}
	}
	f.reviewRequests[prNumber] = append(f.reviewRequests[prNumber], login)
	return nil
}

// ReviewRequests returns the logins that had reviews requested on a PR.
func (f *Fake) ReviewRequests(prNumber int) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.reviewRequests[prNumber]...)
}

// CallCount returns how many times op was invoked.
func (f *Fake) CallCount(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	count := 0
	for _, c := range f.Calls {
		if c == op {
			count++
		}
	}
	return count
}

// Compile-time interface check.
var _ API = (*Fake)(nil)
