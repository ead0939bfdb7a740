package apperr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"
)

func TestKindOfWrappedError(t *testing.T) {
	base := New(KindRefStale, "ref %q not in current snapshot", "ref-3")
	wrapped := fmt.Errorf("dispatch: %w", base)

	if got := KindOf(wrapped); got != KindRefStale {
		t.Fatalf("KindOf = %v, want %v", got, KindRefStale)
	}
	if !Is(wrapped, KindRefStale) {
		t.Fatal("Is should see through fmt.Errorf wrapping")
	}
}

func TestKindOfPlainError(t *testing.T) {
	if got := KindOf(errors.New("boom")); got != KindInternal {
		t.Fatalf("plain errors classify as internal, got %v", got)
	}
	if got := KindOf(nil); got != "" {
		t.Fatalf("nil error has no kind, got %v", got)
	}
}

func TestWithDetail(t *testing.T) {
	err := New(KindBlocked, "guardrail rejected navigate").
		WithDetail("rule", "rate_limit").
		WithDetail("url", "https://example.com")

	detail := DetailOf(err)
	if detail["rule"] != "rate_limit" {
		t.Fatalf("expected rule detail, got %v", detail)
	}

	wrapped := fmt.Errorf("crawl step: %w", err)
	if DetailOf(wrapped)["url"] != "https://example.com" {
		t.Fatal("DetailOf should see through wrapping")
	}
}

func TestUnwrap(t *testing.T) {
	cause := errors.New("net: connection refused")
	err := Wrap(KindDriver, cause, "navigate failed")

	if !errors.Is(err, cause) {
		t.Fatal("errors.Is should find the wrapped cause")
	}
}

func TestIsTransient(t *testing.T) {
	if !IsTransient(New(KindDriver, "tab crashed")) {
		t.Fatal("driver errors are transient")
	}
	if !IsTransient(New(KindTimeout, "network idle wait expired")) {
		t.Fatal("timeouts are transient")
	}
	if IsTransient(New(KindBadInput, "missing url")) {
		t.Fatal("bad input is not transient")
	}
	if IsTransient(New(KindBlocked, "destructive intent")) {
		t.Fatal("guardrail blocks are not transient")
	}
}

func TestHTTPStatusMapping(t *testing.T) {
	cases := map[Kind]int{
		KindUnauthorized: http.StatusUnauthorized,
		KindForbidden:    http.StatusForbidden,
		KindBadInput:     http.StatusBadRequest,
		KindExhausted:    http.StatusTooManyRequests,
		KindIntegrity:    http.StatusUnprocessableEntity,
		KindConflict:     http.StatusConflict,
		KindInternal:     http.StatusInternalServerError,
	}
	for kind, want := range cases {
		if got := HTTPStatus(kind); got != want {
			t.Fatalf("HTTPStatus(%v) = %d, want %d", kind, got, want)
		}
	}
}

func TestRetryStopsOnPermanentError(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond}, func(ctx context.Context) error {
		attempts++
		return New(KindBadInput, "nope")
	})
	if attempts != 1 {
		t.Fatalf("permanent error retried %d times", attempts)
	}
	if !Is(err, KindBadInput) {
		t.Fatalf("expected original error back, got %v", err)
	}
}

func TestRetryRecoversTransientError(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}, func(ctx context.Context) error {
		attempts++
		if attempts < 3 {
			return New(KindDriver, "flaky")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected recovery, got %v", err)
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
}

func TestRetryExhaustsBudget(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), RetryConfig{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}, func(ctx context.Context) error {
		attempts++
		return New(KindDriver, "still flaky")
	})
	if err == nil {
		t.Fatal("expected failure after budget exhausted")
	}
	if attempts != 3 {
		t.Fatalf("expected MaxAttempts+1 = 3 attempts, got %d", attempts)
	}
	if !Is(err, KindDriver) {
		t.Fatalf("expected driver kind preserved through wrap, got %v", err)
	}
}

func TestRetryWithResult(t *testing.T) {
	calls := 0
	got, err := RetryWithResult(context.Background(), RetryConfig{MaxAttempts: 2, BaseDelay: time.Millisecond}, func(ctx context.Context) (string, error) {
		calls++
		if calls == 1 {
			return "", New(KindTimeout, "slow")
		}
		return "done", nil
	})
	if err != nil || got != "done" {
		t.Fatalf("got (%q, %v), want (done, nil)", got, err)
	}
}

func TestCalculateBackoffCapped(t *testing.T) {
	config := RetryConfig{BaseDelay: time.Second, MaxDelay: 3 * time.Second, JitterFactor: 0}
	if got := calculateBackoff(0, config); got != time.Second {
		t.Fatalf("attempt 0 delay = %v, want 1s", got)
	}
	if got := calculateBackoff(5, config); got != 3*time.Second {
		t.Fatalf("attempt 5 delay = %v, want capped at 3s", got)
	}
}
