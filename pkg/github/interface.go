package github

import "context"

// API is the surface of Client consumed by the detector, orchestrator, and
// polling engine. The interface enables testing with the in-memory Fake.
type API interface {
	RepoPath() string
	Key(number int) ItemKey

	// Issue reads
	GetIssue(ctx context.Context, number int) (*Issue, error)
	ListIssuesByLabel(ctx context.Context, label string, limit int) ([]Issue, error)

	// Issue mutations (all safe to retry at least once)
	CreateIssue(ctx context.Context, opts IssueCreateOptions) (*Issue, error)
	EditIssueBody(ctx context.Context, number int, body string) error
	AddLabel(ctx context.Context, issue *Issue, label string) error
	RemoveLabel(ctx context.Context, issue *Issue, label string) error
	SwapLabel(ctx context.Context, issue *Issue, oldLabel, newLabel string) error
	AssignIssue(ctx context.Context, issue *Issue, login string) error
	UnassignIssue(ctx context.Context, issue *Issue, login string) error
	CloseIssue(ctx context.Context, issue *Issue) error

	// Comments and timeline
	CommentOnIssue(ctx context.Context, number int, body, marker string) error
	HasCommentBy(ctx context.Context, number int, login, substr string) (bool, error)

	// Sub-issues
	ListSubIssues(ctx context.Context, parentNumber int) ([]SubIssue, error)
	CreateSubIssue(ctx context.Context, parentNumber int, opts IssueCreateOptions) (*SubIssue, error)
	AllSubIssuesClosed(ctx context.Context, parentNumber int) (bool, error)

	// Pull requests
	LinkedPRNumbers(ctx context.Context, issueNumber int) ([]int, error)
	GetPR(ctx context.Context, number int) (*PullRequest, error)
	AnyLinkedPRMerged(ctx context.Context, issueNumber int) (bool, error)
	RequestReview(ctx context.Context, prNumber int, login string) error
}

// Compile-time interface check.
var _ API = (*Client)(nil)
