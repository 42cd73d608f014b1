package gateway

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestWrap_NilError(t *testing.T) {
	if err := Wrap("embedding", "embed", nil); err != nil {
		t.Errorf("expected nil, got %v", err)
	}
}

func TestWrap_ClassifiesDeadline(t *testing.T) {
	err := Wrap("rerank", "rerank", context.DeadlineExceeded)

	if !IsTimeout(err) {
		t.Error("deadline exceeded should classify as timeout")
	}

	var ce *CallError
	if !errors.As(err, &ce) {
		t.Fatal("expected a CallError")
	}
	if ce.Gateway != "rerank" || ce.Op != "rerank" {
		t.Errorf("unexpected call context: %+v", ce)
	}
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestWrap_ClassifiesNetTimeout(t *testing.T) {
	err := Wrap("embedding", "embed", timeoutErr{})
	if !IsTimeout(err) {
		t.Error("net timeout should classify as timeout")
	}
}

func TestWrap_PlainFailureIsNotTimeout(t *testing.T) {
	cause := fmt.Errorf("connection refused")
	err := Wrap("index", "search", cause)

	if IsTimeout(err) {
		t.Error("plain failure should not classify as timeout")
	}
	if !errors.Is(err, cause) {
		t.Error("wrapped error should unwrap to the cause")
	}
}

func TestCallError_Message(t *testing.T) {
	err := Wrap("rewrite", "rewrite", fmt.Errorf("boom"))
	want := "rewrite gateway: rewrite: boom"
	if err.Error() != want {
		t.Errorf("got %q, want %q", err.Error(), want)
	}
}
