package core

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

func TestErrorCarriesContext(t *testing.T) {
	err := NewError(ErrCircuitOpen, "circuit open for device").
		WithDevice("dev-1").
		WithPlan("plan-1").
		WithRetryAfter(30*time.Second).
		WithDetail("failures", 5)

	msg := err.Error()
	for _, want := range []string{"CIRCUIT_OPEN", "dev-1", "plan-1"} {
		if !strings.Contains(msg, want) {
			t.Errorf("error text missing %q: %s", want, msg)
		}
	}
	if err.RetryAfter != 30*time.Second {
		t.Errorf("unexpected retry hint %s", err.RetryAfter)
	}
	if err.Details["failures"] != 5 {
		t.Errorf("unexpected details %v", err.Details)
	}
}

func TestErrorsIsMatchesOnCode(t *testing.T) {
	err := fmt.Errorf("outer: %w", NewError(ErrTokenConsumed, "token used").WithPlan("plan-1"))

	if !errors.Is(err, NewError(ErrTokenConsumed, "")) {
		t.Error("expected code match through wrapping")
	}
	if errors.Is(err, NewError(ErrPlanExpired, "")) {
		t.Error("codes must not cross-match")
	}
	if !IsCode(err, ErrTokenConsumed) {
		t.Error("IsCode must match through wrapping")
	}
	if CodeOf(errors.New("plain")) != ErrInternal {
		t.Error("unclassified errors map to INTERNAL")
	}
}

func TestIsRetryable(t *testing.T) {
	retryable := []ErrorCode{ErrTimeout, ErrUnreachable, ErrRateLimited}
	for _, code := range retryable {
		if !IsRetryable(NewError(code, "x")) {
			t.Errorf("%s should be retryable", code)
		}
	}
	never := []ErrorCode{
		ErrNotFound, ErrForbidden, ErrValidationFailed, ErrDeviceAuth,
		ErrDeviceRejected, ErrUnsafeOperation, ErrPlanNotApproved,
		ErrPlanExpired, ErrTokenConsumed, ErrCircuitOpen, ErrAlreadyExecuting,
		ErrInternal,
	}
	for _, code := range never {
		if IsRetryable(NewError(code, "x")) {
			t.Errorf("%s must never be retryable", code)
		}
	}
}

func TestAsCoreErrorHidesUpstreamText(t *testing.T) {
	cause := errors.New("500 body: stack trace with secrets")
	ce := AsCoreError(cause)
	if ce.Code != ErrInternal {
		t.Fatalf("expected INTERNAL, got %s", ce.Code)
	}
	if strings.Contains(ce.Message, "secrets") {
		t.Fatal("upstream text must not leak into the message")
	}
	if !errors.Is(ce, cause) {
		t.Fatal("cause must stay reachable for local inspection")
	}
}
