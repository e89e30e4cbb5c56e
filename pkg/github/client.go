// Package github wraps all calls to GitHub through the gh CLI with retry,
// exponential backoff, and rate-limit awareness. It carries no workflow
// logic; callers decide what the responses mean.
package github

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"issuepilot/pkg/logx"
)

// ItemKey identifies a tracked work item by repository and issue number.
type ItemKey struct {
	Owner  string `json:"owner"`
	Repo   string `json:"repo"`
	Number int    `json:"number"`
}

func (k ItemKey) String() string {
	return fmt.Sprintf("%s/%s#%d", k.Owner, k.Repo, k.Number)
}

// RepoPath returns the owner/repo portion of the key.
func (k ItemKey) RepoPath() string {
	return k.Owner + "/" + k.Repo
}

// CommandRunner executes a gh invocation and returns its combined output.
// The production runner shells out to gh; tests substitute a fake.
type CommandRunner interface {
	Run(ctx context.Context, args ...string) ([]byte, error)
}

// execRunner runs gh on the host.
type execRunner struct{}

func (execRunner) Run(ctx context.Context, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "gh", args...)
	return cmd.CombinedOutput()
}

// Client provides GitHub operations for one repository via the gh CLI.
//
//nolint:govet // Logical grouping preferred over memory optimization
type Client struct {
	owner      string
	repo       string
	logger     *logx.Logger
	runner     CommandRunner
	timeout    time.Duration
	maxElapsed time.Duration // total backoff budget per call

	// onRetry, when set, observes each transient failure that will be
	// retried. Used for metrics.
	onRetry func(op string)
}

const (
	defaultCallTimeout  = 30 * time.Second
	defaultRetryElapsed = 2 * time.Minute
)

// NewClient creates a client for the specified repository.
func NewClient(owner, repo string) *Client {
	return &Client{
		owner:      owner,
		repo:       repo,
		logger:     logx.NewLogger("github"),
		runner:     execRunner{},
		timeout:    defaultCallTimeout,
		maxElapsed: defaultRetryElapsed,
	}
}

// NewClientFromRemote creates a client by parsing a git remote URL.
func NewClientFromRemote(remoteURL string) (*Client, error) {
	owner, repo, err := ParseGitHubURL(remoteURL)
	if err != nil {
		return nil, err
	}
	return NewClient(owner, repo), nil
}

// WithTimeout returns a copy of the client with a different per-call timeout.
func (c *Client) WithTimeout(timeout time.Duration) *Client {
	clone := *c
	clone.timeout = timeout
	return &clone
}

// WithRunner returns a copy of the client using the given runner. Used by
// tests and by callers that record gh traffic.
func (c *Client) WithRunner(r CommandRunner) *Client {
	clone := *c
	clone.runner = r
	return &clone
}

// WithRetryBudget returns a copy with a different total backoff budget.
func (c *Client) WithRetryBudget(maxElapsed time.Duration) *Client {
	clone := *c
	clone.maxElapsed = maxElapsed
	return &clone
}

// WithRetryObserver returns a copy that calls fn before each retry.
func (c *Client) WithRetryObserver(fn func(op string)) *Client {
	clone := *c
	clone.onRetry = fn
	return &clone
}

// Owner returns the repository owner.
func (c *Client) Owner() string { return c.owner }

// Repo returns the repository name.
func (c *Client) Repo() string { return c.repo }

// RepoPath returns the owner/repo path.
func (c *Client) RepoPath() string { return c.owner + "/" + c.repo }

// Key builds an ItemKey for an issue number in this repository.
func (c *Client) Key(number int) ItemKey {
	return ItemKey{Owner: c.owner, Repo: c.repo, Number: number}
}

func (c *Client) newBackoff() backoff.BackOff {
	// BackOff implementations are stateful; always build a fresh one.
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = c.maxElapsed
	return bo
}

// run executes one gh invocation with retry and classification. The op
// string names the logical operation for error context.
func (c *Client) run(ctx context.Context, op string, args ...string) ([]byte, error) {
	var output []byte

	bo := c.newBackoff()
	err := backoff.Retry(func() error {
		callCtx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()

		c.logger.Debug("exec: gh %s", strings.Join(args, " "))
		out, runErr := c.runner.Run(callCtx, args...)
		output = out
		if runErr == nil {
			return nil
		}

		classified := classify(op, runErr, string(out))
		var re *RetryableError
		if errors.As(classified, &re) {
			if re.RetryAfter > 0 {
				// Honor the provider hint before handing control back to
				// the backoff schedule.
				c.logger.Warn("%s rate limited, honoring retry-after %s", op, re.RetryAfter)
				select {
				case <-time.After(re.RetryAfter):
				case <-ctx.Done():
					return backoff.Permanent(ctx.Err())
				}
			}
			c.logger.Debug("%s transient failure, will retry: %v", op, re.Underlying)
			if c.onRetry != nil {
				c.onRetry(op)
			}
			return classified
		}
		return backoff.Permanent(classified)
	}, backoff.WithContext(bo, ctx))

	if err != nil {
		return nil, err
	}
	return output, nil
}

// runJSON executes a gh invocation and unmarshals the JSON response into
// result. An empty response is valid for some mutations.
func (c *Client) runJSON(ctx context.Context, op string, result any, args ...string) error {
	output, err := c.run(ctx, op, args...)
	if err != nil {
		return err
	}
	if len(output) == 0 {
		return nil
	}
	if err := json.Unmarshal(output, result); err != nil {
		return &FatalError{Op: op, Underlying: fmt.Errorf("parse response: %w (output: %s)", err, firstLine(string(output)))}
	}
	return nil
}

// api executes a gh api call with the given method, endpoint, and fields.
func (c *Client) api(ctx context.Context, op, method, endpoint string, fields map[string]any) ([]byte, error) {
	args := []string{"api", "-X", method, endpoint}
	for key, value := range fields {
		switch v := value.(type) {
		case int, int64:
			args = append(args, "-F", fmt.Sprintf("%s=%d", key, v))
		case bool:
			args = append(args, "-F", fmt.Sprintf("%s=%t", key, v))
		default:
			args = append(args, "-f", fmt.Sprintf("%s=%v", key, v))
		}
	}
	return c.run(ctx, op, args...)
}

// APIGet executes a GET request against the GitHub REST API.
func (c *Client) APIGet(ctx context.Context, endpoint string) ([]byte, error) {
	return c.api(ctx, "api GET "+endpoint, "GET", endpoint, nil)
}

// APIPost executes a POST request against the GitHub REST API.
func (c *Client) APIPost(ctx context.Context, endpoint string, fields map[string]any) ([]byte, error) {
	return c.api(ctx, "api POST "+endpoint, "POST", endpoint, fields)
}

// APIPatch executes a PATCH request against the GitHub REST API.
func (c *Client) APIPatch(ctx context.Context, endpoint string, fields map[string]any) ([]byte, error) {
	return c.api(ctx, "api PATCH "+endpoint, "PATCH", endpoint, fields)
}

// APIDelete executes a DELETE request against the GitHub REST API.
func (c *Client) APIDelete(ctx context.Context, endpoint string) ([]byte, error) {
	return c.api(ctx, "api DELETE "+endpoint, "DELETE", endpoint, nil)
}

// ParseGitHubURL extracts owner and repo from SSH or HTTPS remote URLs.
func ParseGitHubURL(url string) (owner, repo string, err error) {
	var path string
	switch {
	case strings.HasPrefix(url, "git@github.com:"):
		path = strings.TrimPrefix(url, "git@github.com:")
	case strings.HasPrefix(url, "https://github.com/"):
		path = strings.TrimPrefix(url, "https://github.com/")
	default:
		return "", "", fmt.Errorf("unsupported Git URL format: %s", url)
	}

	path = strings.TrimSuffix(path, ".git")
	parts := strings.Split(path, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid GitHub URL format: %s", url)
	}
	return parts[0], parts[1], nil
}

// SplitRepoPath splits an "owner/repo" path into its parts.
func SplitRepoPath(path string) (owner, repo string, err error) {
	parts := strings.Split(path, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid repo path %q, want owner/repo", path)
	}
	return parts[0], parts[1], nil
}

// CheckAuth verifies that the gh CLI is authenticated.
func CheckAuth(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, "gh", "auth", "status")
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("gh auth check failed: %w\nOutput: %s", err, string(output))
	}
	return nil
}
