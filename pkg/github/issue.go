package github

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Issue represents a GitHub issue. Field names match gh CLI --json output.
//
//nolint:govet // Logical grouping preferred over memory optimization
type Issue struct {
	Number    int       `json:"number"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	State     string    `json:"state"` // OPEN, CLOSED
	URL       string    `json:"url"`
	Labels    []Label   `json:"labels"`
	Assignees []User    `json:"assignees"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
	ClosedAt  time.Time `json:"closedAt"`
}

// Label is a GitHub issue label.
type Label struct {
	Name  string `json:"name"`
	Color string `json:"color"`
}

// User is a GitHub account reference.
type User struct {
	Login string `json:"login"`
}

const issueJSONFields = "number,title,body,state,url,labels,assignees,createdAt,updatedAt,closedAt"

// IsClosed returns true if the issue is closed.
func (i *Issue) IsClosed() bool {
	return strings.EqualFold(i.State, "CLOSED")
}

// HasLabel reports whether the issue carries the named label.
func (i *Issue) HasLabel(name string) bool {
	for _, l := range i.Labels {
		if strings.EqualFold(l.Name, name) {
			return true
		}
	}
	return false
}

// HasAssignee reports whether login is among the issue's assignees.
func (i *Issue) HasAssignee(login string) bool {
	for _, a := range i.Assignees {
		if strings.EqualFold(a.Login, login) {
			return true
		}
	}
	return false
}

// GetIssue retrieves a single issue by number.
func (c *Client) GetIssue(ctx context.Context, number int) (*Issue, error) {
	args := []string{
		"issue", "view", strconv.Itoa(number),
		"--repo", c.RepoPath(),
		"--json", issueJSONFields,
	}

	var issue Issue
	if err := c.runJSON(ctx, fmt.Sprintf("get issue #%d", number), &issue, args...); err != nil {
		return nil, err
	}
	return &issue, nil
}

// ListIssuesByLabel lists open issues carrying the given label. Status
// buckets are modeled as labels, so this is the bucket enumeration call.
func (c *Client) ListIssuesByLabel(ctx context.Context, label string, limit int) ([]Issue, error) {
	if limit <= 0 {
		limit = 100
	}
	args := []string{
		"issue", "list",
		"--repo", c.RepoPath(),
		"--label", label,
		"--state", "open",
		"--limit", strconv.Itoa(limit),
		"--json", issueJSONFields,
	}

	var issues []Issue
	if err := c.runJSON(ctx, "list issues for label "+label, &issues, args...); err != nil {
		return nil, err
	}
	return issues, nil
}

// IssueCreateOptions contains options for creating an issue.
type IssueCreateOptions struct {
	Title     string
	Body      string
	Labels    []string
	Assignees []string
}

// CreateIssue creates a new issue and returns it.
func (c *Client) CreateIssue(ctx context.Context, opts IssueCreateOptions) (*Issue, error) {
	if opts.Title == "" {
		return nil, &FatalError{Op: "create issue", Underlying: fmt.Errorf("title is required")}
	}

	args := []string{
		"issue", "create",
		"--repo", c.RepoPath(),
		"--title", opts.Title,
		"--body", opts.Body,
	}
	for _, l := range opts.Labels {
		args = append(args, "--label", l)
	}
	for _, a := range opts.Assignees {
		args = append(args, "--assignee", a)
	}

	// Issue creation can be slow under load.
	client := c.WithTimeout(2 * time.Minute)
	output, err := client.run(ctx, "create issue", args...)
	if err != nil {
		return nil, err
	}

	// gh issue create prints the issue URL; the number is its last segment.
	url := strings.TrimSpace(string(output))
	number, err := issueNumberFromURL(url)
	if err != nil {
		return nil, &FatalError{Op: "create issue", Underlying: err}
	}
	return c.GetIssue(ctx, number)
}

func issueNumberFromURL(url string) (int, error) {
	idx := strings.LastIndexByte(url, '/')
	if idx < 0 || idx == len(url)-1 {
		return 0, fmt.Errorf("unexpected issue URL: %q", url)
	}
	number, err := strconv.Atoi(url[idx+1:])
	if err != nil {
		return 0, fmt.Errorf("unexpected issue URL: %q", url)
	}
	return number, nil
}

// EditIssueBody replaces the issue body.
func (c *Client) EditIssueBody(ctx context.Context, number int, body string) error {
	args := []string{
		"issue", "edit", strconv.Itoa(number),
		"--repo", c.RepoPath(),
		"--body", body,
	}
	_, err := c.run(ctx, fmt.Sprintf("edit body of issue #%d", number), args...)
	return err
}

// AddLabel attaches a label to an issue. The operation is idempotent:
// adding an already-present label is a no-op server-side, and the client
// checks first to skip the write entirely.
func (c *Client) AddLabel(ctx context.Context, issue *Issue, label string) error {
	if issue.HasLabel(label) {
		return nil
	}
	args := []string{
		"issue", "edit", strconv.Itoa(issue.Number),
		"--repo", c.RepoPath(),
		"--add-label", label,
	}
	if _, err := c.run(ctx, fmt.Sprintf("add label %s to issue #%d", label, issue.Number), args...); err != nil {
		return err
	}
	issue.Labels = append(issue.Labels, Label{Name: label})
	return nil
}

// RemoveLabel detaches a label from an issue; removing an absent label is
// a no-op.
func (c *Client) RemoveLabel(ctx context.Context, issue *Issue, label string) error {
	if !issue.HasLabel(label) {
		return nil
	}
	args := []string{
		"issue", "edit", strconv.Itoa(issue.Number),
		"--repo", c.RepoPath(),
		"--remove-label", label,
	}
	if _, err := c.run(ctx, fmt.Sprintf("remove label %s from issue #%d", label, issue.Number), args...); err != nil {
		return err
	}
	kept := issue.Labels[:0]
	for _, l := range issue.Labels {
		if !strings.EqualFold(l.Name, label) {
			kept = append(kept, l)
		}
	}
	issue.Labels = kept
	return nil
}

// SwapLabel atomically (as far as gh allows: one edit call) replaces
// oldLabel with newLabel on the issue. Safe to retry: both halves are
// individually idempotent.
func (c *Client) SwapLabel(ctx context.Context, issue *Issue, oldLabel, newLabel string) error {
	args := []string{
		"issue", "edit", strconv.Itoa(issue.Number),
		"--repo", c.RepoPath(),
	}
	changed := false
	if issue.HasLabel(oldLabel) {
		args = append(args, "--remove-label", oldLabel)
		changed = true
	}
	if !issue.HasLabel(newLabel) {
		args = append(args, "--add-label", newLabel)
		changed = true
	}
	if !changed {
		return nil
	}

	op := fmt.Sprintf("swap label %s -> %s on issue #%d", oldLabel, newLabel, issue.Number)
	if _, err := c.run(ctx, op, args...); err != nil {
		return err
	}

	kept := issue.Labels[:0]
	for _, l := range issue.Labels {
		if !strings.EqualFold(l.Name, oldLabel) {
			kept = append(kept, l)
		}
	}
	issue.Labels = append(kept, Label{Name: newLabel})
	return nil
}

// AssignIssue assigns login to the issue; assigning an existing assignee
// is a no-op.
func (c *Client) AssignIssue(ctx context.Context, issue *Issue, login string) error {
	if issue.HasAssignee(login) {
		return nil
	}
	args := []string{
		"issue", "edit", strconv.Itoa(issue.Number),
		"--repo", c.RepoPath(),
		"--add-assignee", login,
	}
	if _, err := c.run(ctx, fmt.Sprintf("assign %s to issue #%d", login, issue.Number), args...); err != nil {
		return err
	}
	issue.Assignees = append(issue.Assignees, User{Login: login})
	return nil
}

// UnassignIssue removes login from the issue's assignees; removing an
// absent assignee is a no-op.
func (c *Client) UnassignIssue(ctx context.Context, issue *Issue, login string) error {
	if !issue.HasAssignee(login) {
		return nil
	}
	args := []string{
		"issue", "edit", strconv.Itoa(issue.Number),
		"--repo", c.RepoPath(),
		"--remove-assignee", login,
	}
	if _, err := c.run(ctx, fmt.Sprintf("unassign %s from issue #%d", login, issue.Number), args...); err != nil {
		return err
	}
	kept := issue.Assignees[:0]
	for _, a := range issue.Assignees {
		if !strings.EqualFold(a.Login, login) {
			kept = append(kept, a)
		}
	}
	issue.Assignees = kept
	return nil
}

// CloseIssue closes an open issue; closing a closed issue is a no-op.
func (c *Client) CloseIssue(ctx context.Context, issue *Issue) error {
	if issue.IsClosed() {
		return nil
	}
	args := []string{
		"issue", "close", strconv.Itoa(issue.Number),
		"--repo", c.RepoPath(),
	}
	if _, err := c.run(ctx, fmt.Sprintf("close issue #%d", issue.Number), args...); err != nil {
		return err
	}
	issue.State = "CLOSED"
	return nil
}
