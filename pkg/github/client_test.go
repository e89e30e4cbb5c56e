package github

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedRunner returns canned responses in order, then repeats the last.
type scriptedRunner struct {
	responses []scriptedResponse
	calls     [][]string
}

type scriptedResponse struct {
	output []byte
	err    error
}

func (s *scriptedRunner) Run(_ context.Context, args ...string) ([]byte, error) {
	s.calls = append(s.calls, args)
	idx := len(s.calls) - 1
	if idx >= len(s.responses) {
		idx = len(s.responses) - 1
	}
	r := s.responses[idx]
	return r.output, r.err
}

func newTestClient(runner CommandRunner) *Client {
	return NewClient("acme", "widgets").
		WithRunner(runner).
		WithRetryBudget(2 * time.Second)
}

func TestParseGitHubURL(t *testing.T) {
	tests := []struct {
		name      string
		url       string
		wantOwner string
		wantRepo  string
		wantErr   bool
	}{
		{name: "ssh", url: "git@github.com:acme/widgets.git", wantOwner: "acme", wantRepo: "widgets"},
		{name: "ssh no suffix", url: "git@github.com:acme/widgets", wantOwner: "acme", wantRepo: "widgets"},
		{name: "https", url: "https://github.com/acme/widgets.git", wantOwner: "acme", wantRepo: "widgets"},
		{name: "https no suffix", url: "https://github.com/acme/widgets", wantOwner: "acme", wantRepo: "widgets"},
		{name: "unsupported scheme", url: "ftp://github.com/acme/widgets", wantErr: true},
		{name: "missing repo", url: "https://github.com/acme", wantErr: true},
		{name: "empty parts", url: "git@github.com:/", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			owner, repo, err := ParseGitHubURL(tt.url)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantOwner, owner)
			assert.Equal(t, tt.wantRepo, repo)
		})
	}
}

func TestSplitRepoPath(t *testing.T) {
	owner, repo, err := SplitRepoPath("acme/widgets")
	require.NoError(t, err)
	assert.Equal(t, "acme", owner)
	assert.Equal(t, "widgets", repo)

	for _, bad := range []string{"", "acme", "acme/widgets/extra", "/widgets", "acme/"} {
		_, _, err := SplitRepoPath(bad)
		assert.Error(t, err, bad)
	}
}

func TestRetryObserverSeesTransientFailures(t *testing.T) {
	runner := &scriptedRunner{responses: []scriptedResponse{
		{output: []byte("HTTP 502 bad gateway"), err: errors.New("exit status 1")},
		{output: []byte(`{"number": 7, "state": "OPEN"}`)},
	}}
	retries := 0
	client := newTestClient(runner).WithRetryObserver(func(string) { retries++ })

	_, err := client.GetIssue(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, 1, retries)
}

func TestItemKeyString(t *testing.T) {
	key := ItemKey{Owner: "acme", Repo: "widgets", Number: 42}
	assert.Equal(t, "acme/widgets#42", key.String())
	assert.Equal(t, "acme/widgets", key.RepoPath())
}

func TestRunRetriesTransientFailure(t *testing.T) {
	runner := &scriptedRunner{responses: []scriptedResponse{
		{output: []byte("HTTP 502 bad gateway"), err: errors.New("exit status 1")},
		{output: []byte(`{"number": 7, "title": "ok", "state": "OPEN"}`)},
	}}
	client := newTestClient(runner)

	issue, err := client.GetIssue(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, 7, issue.Number)
	assert.Len(t, runner.calls, 2)
}

func TestRunFatalSurfacesImmediately(t *testing.T) {
	runner := &scriptedRunner{responses: []scriptedResponse{
		{output: []byte("GraphQL: Could not resolve to an Issue (HTTP 404)"), err: errors.New("exit status 1")},
	}}
	client := newTestClient(runner)

	_, err := client.GetIssue(context.Background(), 999)
	require.Error(t, err)
	assert.True(t, IsFatal(err))
	assert.True(t, IsNotFound(err))
	assert.Len(t, runner.calls, 1, "fatal errors must not be retried")
}

func TestRunPermissionDeniedIsFatal(t *testing.T) {
	runner := &scriptedRunner{responses: []scriptedResponse{
		{output: []byte("HTTP 403: Resource not accessible by integration"), err: errors.New("exit status 1")},
	}}
	client := newTestClient(runner)

	_, err := client.GetIssue(context.Background(), 1)
	require.Error(t, err)
	assert.True(t, IsFatal(err))
	assert.False(t, IsNotFound(err))
	assert.Len(t, runner.calls, 1)
}

func TestRunRateLimitHonorsRetryAfter(t *testing.T) {
	runner := &scriptedRunner{responses: []scriptedResponse{
		{output: []byte("You have exceeded a secondary rate limit. Retry after 1 seconds"), err: errors.New("exit status 1")},
		{output: []byte(`{"number": 3, "state": "OPEN"}`)},
	}}
	client := NewClient("acme", "widgets").
		WithRunner(runner).
		WithRetryBudget(10 * time.Second)

	start := time.Now()
	issue, err := client.GetIssue(context.Background(), 3)
	require.NoError(t, err)
	assert.Equal(t, 3, issue.Number)
	assert.GreaterOrEqual(t, time.Since(start), time.Second, "retry-after hint should be honored")
}

func TestRunRetryBudgetExhausted(t *testing.T) {
	runner := &scriptedRunner{responses: []scriptedResponse{
		{output: []byte("connection reset by peer"), err: errors.New("exit status 1")},
	}}
	client := NewClient("acme", "widgets").
		WithRunner(runner).
		WithRetryBudget(500 * time.Millisecond)

	_, err := client.GetIssue(context.Background(), 1)
	require.Error(t, err)
	assert.True(t, IsRetryable(err))
	assert.Greater(t, len(runner.calls), 1, "transient errors should be retried until the budget runs out")
}

func TestRunJSONParseFailureIsFatal(t *testing.T) {
	runner := &scriptedRunner{responses: []scriptedResponse{
		{output: []byte("this is not json")},
	}}
	client := newTestClient(runner)

	_, err := client.GetIssue(context.Background(), 1)
	require.Error(t, err)
	assert.True(t, IsFatal(err))
}

func TestAddLabelSkipsWhenPresent(t *testing.T) {
	runner := &scriptedRunner{responses: []scriptedResponse{{output: nil}}}
	client := newTestClient(runner)

	issue := &Issue{Number: 5, Labels: []Label{{Name: "pipeline:ready"}}}
	require.NoError(t, client.AddLabel(context.Background(), issue, "pipeline:ready"))
	assert.Empty(t, runner.calls, "present label must not trigger a write")
}

func TestSwapLabelBuildsSingleEdit(t *testing.T) {
	runner := &scriptedRunner{responses: []scriptedResponse{{output: nil}}}
	client := newTestClient(runner)

	issue := &Issue{Number: 5, Labels: []Label{{Name: "pipeline:backlog"}}}
	require.NoError(t, client.SwapLabel(context.Background(), issue, "pipeline:backlog", "pipeline:ready"))

	require.Len(t, runner.calls, 1)
	joined := strings.Join(runner.calls[0], " ")
	assert.Contains(t, joined, "--remove-label pipeline:backlog")
	assert.Contains(t, joined, "--add-label pipeline:ready")
	assert.True(t, issue.HasLabel("pipeline:ready"))
	assert.False(t, issue.HasLabel("pipeline:backlog"))
}

func TestSwapLabelNoopWhenAlreadyApplied(t *testing.T) {
	runner := &scriptedRunner{responses: []scriptedResponse{{output: nil}}}
	client := newTestClient(runner)

	issue := &Issue{Number: 5, Labels: []Label{{Name: "pipeline:ready"}}}
	require.NoError(t, client.SwapLabel(context.Background(), issue, "pipeline:backlog", "pipeline:ready"))
	assert.Empty(t, runner.calls)
}

func TestUnassignSkipsWhenAbsent(t *testing.T) {
	runner := &scriptedRunner{responses: []scriptedResponse{{output: nil}}}
	client := newTestClient(runner)

	issue := &Issue{Number: 5}
	require.NoError(t, client.UnassignIssue(context.Background(), issue, "bot"))
	assert.Empty(t, runner.calls)
}

func TestIssueNumberFromURL(t *testing.T) {
	tests := []struct {
		url     string
		want    int
		wantErr bool
	}{
		{url: "https://github.com/acme/widgets/issues/17", want: 17},
		{url: "https://github.com/acme/widgets/issues/17\n", wantErr: true},
		{url: "no-slash", wantErr: true},
		{url: "https://github.com/acme/widgets/issues/", wantErr: true},
	}
	for _, tt := range tests {
		got, err := issueNumberFromURL(tt.url)
		if tt.wantErr {
			assert.Error(t, err, tt.url)
			continue
		}
		require.NoError(t, err, tt.url)
		assert.Equal(t, tt.want, got)
	}
}

func TestParseRetryAfter(t *testing.T) {
	assert.Equal(t, 42*time.Second, parseRetryAfter("Retry-After: 42"))
	assert.Equal(t, 5*time.Second, parseRetryAfter("please retry after 5 seconds"))
	assert.Equal(t, time.Duration(0), parseRetryAfter("no hint here"))
	assert.Equal(t, time.Duration(0), parseRetryAfter("retry after 0 seconds"))
}

func TestClassifyTable(t *testing.T) {
	base := errors.New("exit status 1")
	tests := []struct {
		name      string
		output    string
		retryable bool
		fatal     bool
	}{
		{name: "rate limit", output: "API rate limit exceeded", retryable: true},
		{name: "502", output: "HTTP 502", retryable: true},
		{name: "timeout", output: "context deadline exceeded: timeout", retryable: true},
		{name: "404", output: "Not Found (HTTP 404)", fatal: true},
		{name: "422", output: "Validation Failed (HTTP 422)", fatal: true},
		{name: "401", output: "HTTP 401 Bad credentials", fatal: true},
		{name: "unknown defaults retryable", output: "something odd happened", retryable: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := classify("test op", base, tt.output)
			assert.Equal(t, tt.retryable, IsRetryable(err))
			assert.Equal(t, tt.fatal, IsFatal(err))
		})
	}
}

func TestClassifyContextCancellationPassesThrough(t *testing.T) {
	err := classify("op", context.Canceled, "")
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, IsRetryable(err))
	assert.False(t, IsFatal(err))
}

func TestFirstLineTruncates(t *testing.T) {
	long := strings.Repeat("x", 300) + "\nsecond line"
	got := firstLine(long)
	assert.Len(t, got, 200)
	assert.NotContains(t, got, "\n")
}

func TestErrorWrapping(t *testing.T) {
	inner := fmt.Errorf("%w: gone", ErrNotFound)
	fatal := &FatalError{Op: "get", Underlying: inner}
	assert.ErrorIs(t, fatal, ErrNotFound)

	var fe *FatalError
	assert.True(t, errors.As(error(fatal), &fe))
}
