package mediation

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestErrorMessageIncludesCategory(t *testing.T) {
	err := New(CodeForbidden, "shutdown", "category is always denied")
	msg := err.Error()
	if msg != "forbidden: category is always denied (category=shutdown)" {
		t.Fatalf("unexpected message: %s", msg)
	}
}

func TestRetryableCodes(t *testing.T) {
	retryable := []Code{CodeRateLimited, CodeTransportError, CodeAuthorizationTimeout}
	for _, code := range retryable {
		if !(&Error{Code: code}).Retryable() {
			t.Fatalf("%s should be retryable", code)
		}
	}
	permanent := []Code{CodeForbidden, CodeAuthorizationDenied, CodePolicyDenied, CodeUncategorized, CodeInternal}
	for _, code := range permanent {
		if (&Error{Code: code}).Retryable() {
			t.Fatalf("%s must not be retryable", code)
		}
	}
}

func TestCodeOfUnwrapsChains(t *testing.T) {
	inner := Wrap(CodeExecutorFailure, "service_control", "unit restart failed", errors.New("exit status 1"))
	wrapped := fmt.Errorf("invoke: %w", inner)
	if CodeOf(wrapped) != CodeExecutorFailure {
		t.Fatalf("expected executor_failure, got %s", CodeOf(wrapped))
	}
	if CodeOf(errors.New("plain")) != CodeInternal {
		t.Fatalf("plain errors must map to internal")
	}
}

func TestIsRetryable(t *testing.T) {
	err := &Error{Code: CodeRateLimited, Category: "notify", Reason: "rate limited", RetryAfter: 10 * time.Second}
	if !IsRetryable(fmt.Errorf("outer: %w", err)) {
		t.Fatalf("wrapped rate-limited error should be retryable")
	}
	if IsRetryable(errors.New("plain")) {
		t.Fatalf("plain error is not retryable")
	}
}
