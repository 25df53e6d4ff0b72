package errors

import (
	stderrors "errors"
	"fmt"
	"testing"
)

func TestNew(t *testing.T) {
	err := New(ErrCodeMissingSnapshot, "no snapshot")
	if err.Code != ErrCodeMissingSnapshot {
		t.Errorf("code = %s, want %s", err.Code, ErrCodeMissingSnapshot)
	}
	if err.Error() != "[MISSING_SNAPSHOT] no snapshot" {
		t.Errorf("Error() = %q", err.Error())
	}
	if err.Cause != nil {
		t.Errorf("expected nil cause, got %v", err.Cause)
	}
}

func TestWrapUnwrap(t *testing.T) {
	cause := stderrors.New("exit status 1")
	err := WrapWithContext(ErrCodeToolInvocationFailed, "perf failed", cause, map[string]any{"pid": 42})

	if !stderrors.Is(err, cause) {
		t.Error("expected cause to be wrapped")
	}
	if err.Context["pid"] != 42 {
		t.Errorf("context pid = %v, want 42", err.Context["pid"])
	}
	if err.Error() != "[TOOL_INVOCATION_FAILED] perf failed: exit status 1" {
		t.Errorf("Error() = %q", err.Error())
	}
}

func TestCodeOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorCode
	}{
		{"nil", nil, ""},
		{"plain", stderrors.New("boom"), ErrCodeInternal},
		{"structured", New(ErrCodePathUnwritable, "x"), ErrCodePathUnwritable},
		{"wrapped by fmt", fmt.Errorf("outer: %w", New(ErrCodePrivilegeDenied, "x")), ErrCodePrivilegeDenied},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CodeOf(tt.err); got != tt.want {
				t.Errorf("CodeOf = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestIsWalksNestedCodes(t *testing.T) {
	inner := New(ErrCodeMissingSnapshot, "no snapshot")
	outer := Wrap(ErrCodeTargetUnresolvable, "auto target", inner)

	if !Is(outer, ErrCodeMissingSnapshot) {
		t.Error("expected nested MISSING_SNAPSHOT to be found")
	}
	if !Is(outer, ErrCodeTargetUnresolvable) {
		t.Error("expected outer code to be found")
	}
	if Is(outer, ErrCodePathUnwritable) {
		t.Error("unexpected PATH_UNWRITABLE match")
	}
	if Is(stderrors.New("plain"), ErrCodeInternal) {
		t.Error("plain errors carry no code")
	}
}
