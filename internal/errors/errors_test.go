package errors

import (
	stdErrors "errors"
	"fmt"
	"testing"
)

const (
	codeFlaky Code = "TEST_FLAKY"
	codeFatal Code = "TEST_FATAL"
)

func init() {
	Register(codeFlaky, Policy{Text: "flaky dependency", Severity: SeverityWarning, Retryable: true})
	Register(codeFatal, Policy{Text: "side effect already applied", Severity: SeverityCritical, Alert: true})
}

func TestPolicyOfFallsBackToUnknown(t *testing.T) {
	if p := PolicyOf("NEVER_REGISTERED"); p != PolicyOf(CodeUnknown) {
		t.Fatalf("unregistered code should use the UNKNOWN policy, got %+v", p)
	}
	if got := New(codeFlaky, "").Message(); got != "flaky dependency" {
		t.Fatalf("empty message should default to policy text, got %q", got)
	}
}

func TestRetryableFollowsOutermostCode(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"untagged", stdErrors.New("boom"), true},
		{"retryable", New(codeFlaky, "timeout"), true},
		{"not retryable", New(codeFatal, "reverted"), false},
		{"outer wins", Wrap(codeFatal, New(codeFlaky, "timeout"), ""), false},
		{"through fmt", fmt.Errorf("judge: %w", New(codeFatal, "")), false},
		{"unknown code", New("NEVER_REGISTERED", "x"), false},
	}
	for _, tc := range cases {
		if got := Retryable(tc.err); got != tc.want {
			t.Fatalf("%s: Retryable = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestAlertAndSeverity(t *testing.T) {
	fatal := Wrap(codeFatal, stdErrors.New("receipt reverted"), "")
	if !ShouldAlert(fatal) || SeverityOf(fatal) != SeverityCritical {
		t.Fatalf("unexpected classification for %v", fatal)
	}
	flaky := New(codeFlaky, "timeout")
	if ShouldAlert(flaky) || SeverityOf(flaky) != SeverityWarning {
		t.Fatalf("unexpected classification for %v", flaky)
	}
	if ShouldAlert(stdErrors.New("plain")) {
		t.Fatal("untagged errors carry no alert flag")
	}
}

func TestCodeChainHelpers(t *testing.T) {
	inner := New(codeFlaky, "timeout")
	outer := Wrap(codeFatal, inner, "gave up")

	if CodeOf(outer) != codeFatal || CodeOf(stdErrors.New("x")) != CodeUnknown {
		t.Fatalf("CodeOf should report the outermost code")
	}
	if !HasCode(outer, codeFlaky) || !HasCode(outer, codeFatal) || HasCode(outer, CodeNotFound) {
		t.Fatal("HasCode should search the whole chain")
	}
	if !stdErrors.Is(outer, New(codeFatal, "other text")) {
		t.Fatal("errors with the same code should match")
	}
	if MessageOf(outer) != "gave up" || MessageOf(stdErrors.New("plain")) != "plain" || MessageOf(nil) != "" {
		t.Fatalf("unexpected messages")
	}
	if got := outer.Error(); got != "[TEST_FATAL] gave up: [TEST_FLAKY] timeout" {
		t.Fatalf("unexpected error text %q", got)
	}
}
