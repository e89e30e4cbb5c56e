package github

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

// PullRequest represents a GitHub pull request. Field names match gh CLI
// --json output (GraphQL field names).
//
//nolint:govet // Logical grouping preferred over memory optimization
type PullRequest struct {
	Number         int    `json:"number"`
	URL            string `json:"url"`
	Title          string `json:"title"`
	State          string `json:"state"` // OPEN, CLOSED, MERGED
	HeadRefName    string `json:"headRefName"`
	BaseRefName    string `json:"baseRefName"`
	Closed         bool   `json:"closed"`
	MergedAt       string `json:"mergedAt"`       // non-empty once merged
	ReviewDecision string `json:"reviewDecision"` // APPROVED, CHANGES_REQUESTED, REVIEW_REQUIRED, or empty
}

const prJSONFields = "number,url,title,state,headRefName,baseRefName,closed,mergedAt,reviewDecision"

// IsMerged returns true if the PR has been merged.
func (pr *PullRequest) IsMerged() bool {
	return pr.MergedAt != ""
}

// IsApproved returns true if the PR's review decision is APPROVED.
func (pr *PullRequest) IsApproved() bool {
	return strings.EqualFold(pr.ReviewDecision, "APPROVED")
}

// GetPR retrieves a pull request by number.
func (c *Client) GetPR(ctx context.Context, number int) (*PullRequest, error) {
	args := []string{
		"pr", "view", strconv.Itoa(number),
		"--repo", c.RepoPath(),
		"--json", prJSONFields,
	}

	var pr PullRequest
	if err := c.runJSON(ctx, fmt.Sprintf("get PR #%d", number), &pr, args...); err != nil {
		return nil, err
	}
	return &pr, nil
}

// AnyLinkedPRMerged reports whether any PR cross-referencing the issue has
// been merged.
func (c *Client) AnyLinkedPRMerged(ctx context.Context, issueNumber int) (bool, error) {
	numbers, err := c.LinkedPRNumbers(ctx, issueNumber)
	if err != nil {
		return false, err
	}
	for _, n := range numbers {
		pr, err := c.GetPR(ctx, n)
		if err != nil {
			if IsNotFound(err) {
				continue
			}
			return false, err
		}
		if pr.IsMerged() {
			return true, nil
		}
	}
	return false, nil
}

// RequestReview requests a review from login on the PR. Requesting an
// already-requested reviewer is accepted by the API, so the call is safe
// to retry.
func (c *Client) RequestReview(ctx context.Context, prNumber int, login string) error {
	endpoint := fmt.Sprintf("repos/%s/pulls/%d/requested_reviewers", c.RepoPath(), prNumber)
	_, err := c.APIPost(ctx, endpoint, map[string]any{"reviewers[]": login})
	return err
}
