package githost

import (
	"testing"
	"time"

	"github.com/google/go-github/v61/github"
)

func TestRateLimitWaitCapsAt60s(t *testing.T) {
	err := &github.RateLimitError{
		Rate: github.Rate{Reset: github.Timestamp{Time: time.Now().Add(10 * time.Minute)}},
	}
	wait, retryable := rateLimitWait(err, nil, 0)
	if !retryable {
		t.Fatalf("expected rate limit error to be retryable")
	}
	if wait != backoffCap {
		t.Fatalf("expected wait capped at %s, got %s", backoffCap, wait)
	}
}

func TestRateLimitWaitUsesResetWhenSoon(t *testing.T) {
	err := &github.RateLimitError{
		Rate: github.Rate{Reset: github.Timestamp{Time: time.Now().Add(5 * time.Second)}},
	}
	wait, retryable := rateLimitWait(err, nil, 0)
	if !retryable {
		t.Fatalf("expected rate limit error to be retryable")
	}
	if wait <= 0 || wait > 5*time.Second {
		t.Fatalf("expected wait near 5s, got %s", wait)
	}
}

func TestRateLimitWaitNonTransientNotRetried(t *testing.T) {
	_, retryable := rateLimitWait(&github.ErrorResponse{Message: "nope"}, nil, 0)
	if retryable {
		t.Fatalf("expected a plain error response to not be retried")
	}
}

func TestCappedBackoffGrowsExponentiallyThenCaps(t *testing.T) {
	if capped(0) != backoffBase {
		t.Fatalf("expected first attempt to be the base delay")
	}
	if capped(20) != backoffCap {
		t.Fatalf("expected a high attempt count to cap at 60s")
	}
}
