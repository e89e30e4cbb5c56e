package github

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// RetryableError wraps a transient failure (timeout, 5xx, rate limit) that
// the client retries internally. It only surfaces to callers once the
// backoff budget is exhausted.
type RetryableError struct {
	Op         string
	Underlying error
	RetryAfter time.Duration // provider-supplied hint, zero if absent
}

func (e *RetryableError) Error() string {
	return fmt.Sprintf("retryable: %s: %v", e.Op, e.Underlying)
}

func (e *RetryableError) Unwrap() error { return e.Underlying }

// FatalError wraps a non-retryable failure (permission denied, resource
// gone, validation rejection). It surfaces immediately.
type FatalError struct {
	Op         string
	Underlying error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("fatal: %s: %v", e.Op, e.Underlying)
}

func (e *FatalError) Unwrap() error { return e.Underlying }

// ErrNotFound indicates the requested resource does not exist.
var ErrNotFound = errors.New("resource not found")

// IsRetryable reports whether err is a transient failure worth retrying.
func IsRetryable(err error) bool {
	var re *RetryableError
	return errors.As(err, &re)
}

// IsFatal reports whether err is a non-retryable API failure.
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}

// IsNotFound reports whether err indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// retryAfterPattern matches GitHub's secondary rate limit hint as echoed by
// the gh CLI ("retry after 42 seconds" or "Retry-After: 42").
var retryAfterPattern = regexp.MustCompile(`(?i)retry[- ]after:?\s*(\d+)`)

// parseRetryAfter extracts a provider-supplied retry hint from command
// output. Returns zero when no hint is present.
func parseRetryAfter(output string) time.Duration {
	m := retryAfterPattern.FindStringSubmatch(output)
	if len(m) != 2 {
		return 0
	}
	secs, err := strconv.Atoi(m[1])
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

// classify converts a raw gh CLI failure into the client error taxonomy.
// Classification is string-based because the CLI collapses HTTP status into
// its combined output.
func classify(op string, err error, output string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	lower := strings.ToLower(output)

	switch {
	case strings.Contains(lower, "http 404"),
		strings.Contains(lower, "not found (http 404)"),
		strings.Contains(lower, "could not resolve"),
		strings.Contains(lower, "no issues match"),
		strings.Contains(lower, "gone (http 410)"):
		return &FatalError{Op: op, Underlying: fmt.Errorf("%w: %s", ErrNotFound, firstLine(output))}

	case strings.Contains(lower, "http 403") && !strings.Contains(lower, "rate limit"),
		strings.Contains(lower, "http 401"),
		strings.Contains(lower, "must have admin rights"),
		strings.Contains(lower, "resource not accessible"):
		return &FatalError{Op: op, Underlying: fmt.Errorf("permission denied: %s", firstLine(output))}

	case strings.Contains(lower, "http 422"),
		strings.Contains(lower, "validation failed"):
		return &FatalError{Op: op, Underlying: fmt.Errorf("validation rejected: %s", firstLine(output))}

	case strings.Contains(lower, "rate limit"),
		strings.Contains(lower, "secondary rate"),
		strings.Contains(lower, "http 429"):
		return &RetryableError{
			Op:         op,
			Underlying: fmt.Errorf("rate limited: %s", firstLine(output)),
			RetryAfter: parseRetryAfter(output),
		}

	case strings.Contains(lower, "http 5"),
		strings.Contains(lower, "timeout"),
		strings.Contains(lower, "timed out"),
		strings.Contains(lower, "connection reset"),
		strings.Contains(lower, "connection refused"),
		strings.Contains(lower, "temporary failure"),
		strings.Contains(lower, "i/o timeout"),
		strings.Contains(lower, "eof"):
		return &RetryableError{Op: op, Underlying: fmt.Errorf("transient: %s", firstLine(output))}
	}

	// Unknown failures are treated as retryable once; a systematic problem
	// will exhaust the backoff budget and surface anyway.
	return &RetryableError{Op: op, Underlying: fmt.Errorf("%w: %s", err, firstLine(output))}
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}
