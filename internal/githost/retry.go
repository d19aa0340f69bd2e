package githost

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/google/go-github/v61/github"

	"github.com/coolkev/cicd/pkg/errkinds"
)

const (
	backoffBase = 500 * time.Millisecond
	backoffCap  = 60 * time.Second
	maxAttempts = 8
)

// withRateLimitRetry runs op, retrying on GitHub rate-limit / abuse-detection
// responses with exponential backoff capped at 60s (§4.2). Any other error
// is wrapped as Upstream and returned immediately.
func withRateLimitRetry[T any](ctx context.Context, op func() (T, *github.Response, error)) (T, error) {
	var zero T
	var attempt int
	for {
		result, resp, err := op()
		if err == nil {
			return result, nil
		}

		wait, retryable := rateLimitWait(err, resp, attempt)
		if !retryable || attempt >= maxAttempts {
			return zero, errkinds.Wrap(errkinds.Upstream, err)
		}
		attempt++

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(wait):
		}
	}
}

func rateLimitWait(err error, resp *github.Response, attempt int) (time.Duration, bool) {
	var rle *github.RateLimitError
	if errors.As(err, &rle) {
		if until := time.Until(rle.Rate.Reset.Time); until > 0 && until < backoffCap {
			return until, true
		}
		return backoffCap, true
	}
	var are *github.AbuseRateLimitError
	if errors.As(err, &are) {
		if are.RetryAfter != nil && *are.RetryAfter < backoffCap {
			return *are.RetryAfter, true
		}
		return backoffCap, true
	}
	if resp != nil && resp.StatusCode == 503 {
		return capped(attempt), true
	}
	return 0, false
}

// withRateLimitRetryPair is withRateLimitRetry for GitHub API calls that
// return a (file, directory-listing) pair, as Repositories.GetContents does.
func withRateLimitRetryPair(
	ctx context.Context,
	op func() (*github.RepositoryContent, []*github.RepositoryContent, *github.Response, error),
) (*github.RepositoryContent, []*github.RepositoryContent, error) {
	type pair struct {
		file    *github.RepositoryContent
		entries []*github.RepositoryContent
	}
	p, err := withRateLimitRetry(ctx, func() (pair, *github.Response, error) {
		file, entries, resp, err := op()
		return pair{file: file, entries: entries}, resp, err
	})
	if err != nil {
		return nil, nil, err
	}
	return p.file, p.entries, nil
}

// asGithubError unwraps err looking for a *github.ErrorResponse.
func asGithubError(err error, target **github.ErrorResponse) bool {
	return errors.As(err, target)
}

func capped(attempt int) time.Duration {
	d := time.Duration(float64(backoffBase) * math.Pow(2, float64(attempt)))
	if d > backoffCap {
		return backoffCap
	}
	return d
}
