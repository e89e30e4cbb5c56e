package github

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Comment is an issue comment.
type Comment struct {
	ID        int64     `json:"id"`
	Author    User      `json:"user"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}

// ListComments returns all comments on an issue, oldest first.
func (c *Client) ListComments(ctx context.Context, number int) ([]Comment, error) {
	endpoint := fmt.Sprintf("repos/%s/issues/%d/comments?per_page=100", c.RepoPath(), number)
	output, err := c.APIGet(ctx, endpoint)
	if err != nil {
		return nil, err
	}

	var comments []Comment
	if err := json.Unmarshal(output, &comments); err != nil {
		return nil, &FatalError{Op: "list comments", Underlying: fmt.Errorf("parse response: %w", err)}
	}
	return comments, nil
}

// CommentOnIssue posts a comment. When marker is non-empty the comment is
// idempotent: an existing comment containing the marker suppresses the
// write, so a retried transition never double-posts.
func (c *Client) CommentOnIssue(ctx context.Context, number int, body, marker string) error {
	if marker != "" {
		existing, err := c.ListComments(ctx, number)
		if err != nil {
			return err
		}
		for _, comment := range existing {
			if strings.Contains(comment.Body, marker) {
				c.logger.Debug("comment marker %q already present on issue #%d, skipping", marker, number)
				return nil
			}
		}
		body = body + "\n\n" + marker
	}

	endpoint := fmt.Sprintf("repos/%s/issues/%d/comments", c.RepoPath(), number)
	_, err := c.APIPost(ctx, endpoint, map[string]any{"body": body})
	return err
}

// HasCommentBy reports whether login posted a comment containing substr.
// Used by the change detector to spot the automation actor's completion
// comment.
func (c *Client) HasCommentBy(ctx context.Context, number int, login, substr string) (bool, error) {
	comments, err := c.ListComments(ctx, number)
	if err != nil {
		return false, err
	}
	for _, comment := range comments {
		if !strings.EqualFold(comment.Author.Login, login) {
			continue
		}
		if substr == "" || strings.Contains(comment.Body, substr) {
			return true, nil
		}
	}
	return false, nil
}

// TimelineEvent is one entry in an issue's timeline. Only the fields the
// detector reads are decoded.
type TimelineEvent struct {
	Event  string          `json:"event"`
	Source *TimelineSource `json:"source,omitempty"`
}

// TimelineSource holds the cross-reference source for a timeline event.
type TimelineSource struct {
	Issue *TimelineIssue `json:"issue,omitempty"`
}

// TimelineIssue is the issue (or PR) a cross-reference points at.
type TimelineIssue struct {
	Number      int             `json:"number"`
	PullRequest json.RawMessage `json:"pull_request,omitempty"`
	Repository  struct {
		FullName string `json:"full_name"`
	} `json:"repository"`
}

// ListTimeline returns the issue's timeline events.
func (c *Client) ListTimeline(ctx context.Context, number int) ([]TimelineEvent, error) {
	endpoint := fmt.Sprintf("repos/%s/issues/%d/timeline?per_page=100", c.RepoPath(), number)
	output, err := c.APIGet(ctx, endpoint)
	if err != nil {
		return nil, err
	}

	var events []TimelineEvent
	if err := json.Unmarshal(output, &events); err != nil {
		return nil, &FatalError{Op: "list timeline", Underlying: fmt.Errorf("parse response: %w", err)}
	}
	return events, nil
}

// LinkedPRNumbers returns the numbers of pull requests in this repository
// that cross-reference the issue.
func (c *Client) LinkedPRNumbers(ctx context.Context, number int) ([]int, error) {
	events, err := c.ListTimeline(ctx, number)
	if err != nil {
		return nil, err
	}

	seen := make(map[int]bool)
	var prs []int
	for _, ev := range events {
		if ev.Event != "cross-referenced" || ev.Source == nil || ev.Source.Issue == nil {
			continue
		}
		src := ev.Source.Issue
		if len(src.PullRequest) == 0 {
			continue
		}
		if src.Repository.FullName != "" && !strings.EqualFold(src.Repository.FullName, c.RepoPath()) {
			continue
		}
		if !seen[src.Number] {
			seen[src.Number] = true
			prs = append(prs, src.Number)
		}
	}
	return prs, nil
}
