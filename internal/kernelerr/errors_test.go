package kernelerr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"
)

func TestCodeOfUnwrapsChains(t *testing.T) {
	base := New(CodeRateLimited, "slow down")
	wrapped := fmt.Errorf("invoking tool: %w", base)
	if got := CodeOf(wrapped); got != CodeRateLimited {
		t.Fatalf("CodeOf(wrapped) = %s, want %s", got, CodeRateLimited)
	}
	if got := CodeOf(errors.New("plain")); got != CodeInternal {
		t.Fatalf("CodeOf(plain) = %s, want %s", got, CodeInternal)
	}
	if got := CodeOf(nil); got != CodeInternal {
		t.Fatalf("CodeOf(nil) = %s, want %s", got, CodeInternal)
	}
}

func TestAsErrorNeverNil(t *testing.T) {
	plain := errors.New("disk full")
	ke := AsError(plain)
	if ke == nil {
		t.Fatal("AsError returned nil")
	}
	if ke.Code != CodeInternal {
		t.Fatalf("Code = %s, want %s", ke.Code, CodeInternal)
	}
	if !errors.Is(ke, plain) {
		t.Fatal("wrapped error lost its cause")
	}

	orig := Validation("bad input", FieldError{Path: "name", Message: "required"})
	if got := AsError(fmt.Errorf("create: %w", orig)); got != orig {
		t.Fatal("AsError did not surface the existing kernel error")
	}
}

func TestHTTPStatus(t *testing.T) {
	cases := []struct {
		code Code
		want int
	}{
		{CodeValidation, http.StatusBadRequest},
		{CodeUnauthenticated, http.StatusUnauthorized},
		{CodeBudgetExceeded, http.StatusPaymentRequired},
		{CodeForbidden, http.StatusForbidden},
		{CodeNotFound, http.StatusNotFound},
		{CodeConflict, http.StatusConflict},
		{CodeRateLimited, http.StatusTooManyRequests},
		{CodeServerDisconnected, http.StatusServiceUnavailable},
		{CodeCircuitOpen, http.StatusServiceUnavailable},
		{CodeTimeout, http.StatusGatewayTimeout},
		{CodeUpstreamFailure, http.StatusInternalServerError},
		{CodeInternal, http.StatusInternalServerError},
		{Code("BOGUS"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got := HTTPStatus(tc.code); got != tc.want {
			t.Errorf("HTTPStatus(%s) = %d, want %d", tc.code, got, tc.want)
		}
	}
}

func TestRetryable(t *testing.T) {
	retryable := map[Code]bool{CodeUpstreamFailure: true, CodeTimeout: true}
	all := []Code{
		CodeNotFound, CodeValidation, CodeUnauthenticated, CodeForbidden,
		CodeConflict, CodeRateLimited, CodeCircuitOpen, CodeServerDisconnected,
		CodeTimeout, CodeBudgetExceeded, CodeUpstreamFailure, CodeInternal,
	}
	for _, code := range all {
		if got := Retryable(code); got != retryable[code] {
			t.Errorf("Retryable(%s) = %v, want %v", code, got, retryable[code])
		}
	}
}

func TestErrorStringAndHints(t *testing.T) {
	e := Wrap(CodeUpstreamFailure, "call failed", errors.New("boom"))
	if got := e.Error(); got != "UPSTREAM_FAILURE: call failed: boom" {
		t.Fatalf("Error() = %q", got)
	}
	if rl := RateLimited(30 * time.Second); rl.RetryAfter != 30*time.Second {
		t.Fatalf("RetryAfter = %v", rl.RetryAfter)
	}
	if be := BudgetExceeded("b1", "budget exhausted"); be.BudgetID != "b1" {
		t.Fatalf("BudgetID = %q", be.BudgetID)
	}
	if nf := NotFound("server"); nf.Message != "server not found" {
		t.Fatalf("Message = %q", nf.Message)
	}
}
