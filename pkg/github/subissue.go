package github

import (
	"context"
	"encoding/json"
	"fmt"
)

// SubIssue is a child issue linked through GitHub's sub-issue relationship.
type SubIssue struct {
	ID     int64  `json:"id"`
	Number int    `json:"number"`
	Title  string `json:"title"`
	State  string `json:"state"` // open, closed
}

// IsClosed returns true if the sub-issue is closed.
func (s *SubIssue) IsClosed() bool {
	return s.State == "closed" || s.State == "CLOSED"
}

// ListSubIssues returns the sub-issues of a parent issue.
func (c *Client) ListSubIssues(ctx context.Context, parentNumber int) ([]SubIssue, error) {
	endpoint := fmt.Sprintf("repos/%s/issues/%d/sub_issues?per_page=100", c.RepoPath(), parentNumber)
	output, err := c.APIGet(ctx, endpoint)
	if err != nil {
		return nil, err
	}

	var subs []SubIssue
	if err := json.Unmarshal(output, &subs); err != nil {
		return nil, &FatalError{Op: "list sub-issues", Underlying: fmt.Errorf("parse response: %w", err)}
	}
	return subs, nil
}

// CreateSubIssue creates a new issue and links it under the parent. The
// link step is idempotent: an existing sub-issue with the same title is
// reused instead of creating a duplicate, so a retried fan-out never
// doubles up.
func (c *Client) CreateSubIssue(ctx context.Context, parentNumber int, opts IssueCreateOptions) (*SubIssue, error) {
	existing, err := c.ListSubIssues(ctx, parentNumber)
	if err != nil {
		return nil, err
	}
	for i := range existing {
		if existing[i].Title == opts.Title {
			c.logger.Debug("sub-issue %q already linked under #%d, reusing #%d",
				opts.Title, parentNumber, existing[i].Number)
			return &existing[i], nil
		}
	}

	issue, err := c.CreateIssue(ctx, opts)
	if err != nil {
		return nil, err
	}

	// The sub-issue link API wants the child's node database ID, which the
	// CLI-created issue does not return; fetch it via the REST view.
	childID, err := c.issueDatabaseID(ctx, issue.Number)
	if err != nil {
		return nil, err
	}

	endpoint := fmt.Sprintf("repos/%s/issues/%d/sub_issues", c.RepoPath(), parentNumber)
	if _, err := c.APIPost(ctx, endpoint, map[string]any{"sub_issue_id": childID}); err != nil {
		return nil, err
	}

	return &SubIssue{ID: childID, Number: issue.Number, Title: issue.Title, State: "open"}, nil
}

// AllSubIssuesClosed reports whether every sub-issue of the parent is
// closed. Returns false with no error when there are no sub-issues, since
// "nothing fanned out yet" is not a completion signal.
func (c *Client) AllSubIssuesClosed(ctx context.Context, parentNumber int) (bool, error) {
	subs, err := c.ListSubIssues(ctx, parentNumber)
	if err != nil {
		return false, err
	}
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

func (c *Client) issueDatabaseID(ctx context.Context, number int) (int64, error) {
	endpoint := fmt.Sprintf("repos/%s/issues/%d", c.RepoPath(), number)
	output, err := c.APIGet(ctx, endpoint)
	if err != nil {
		return 0, err
	}
	var resp struct {
		ID int64 `json:"id"`
	}
	if err := json.Unmarshal(output, &resp); err != nil {
		return 0, &FatalError{Op: "get issue id", Underlying: fmt.Errorf("parse response: %w", err)}
	}
	return resp.ID, nil
}
