package comfy

import (
	"errors"
	"testing"

	"github.com/Justin21523/game-dialogue-simulator-sub000/internal/domain"
)

func TestDecodeMessageVariants(t *testing.T) {
	tests := []struct {
		raw    string
		kind   string
		prompt string
	}{
		{`{"type":"status","data":{"status":{"exec_info":{"queue_remaining":3}},"sid":"abc"}}`, "status", ""},
		{`{"type":"execution_start","data":{"prompt_id":"p"}}`, "execution_start", "p"},
		{`{"type":"execution_cached","data":{"nodes":["1","5"],"prompt_id":"p"}}`, "execution_cached", "p"},
		{`{"type":"executing","data":{"node":"2","prompt_id":"p"}}`, "executing", "p"},
		{`{"type":"progress","data":{"value":3,"max":30,"prompt_id":"p","node":"2"}}`, "progress", "p"},
		{`{"type":"executed","data":{"node":"8","output":{"images":[{"filename":"a.png","subfolder":"","type":"output"}]},"prompt_id":"p"}}`, "executed", "p"},
		{`{"type":"execution_success","data":{"prompt_id":"p"}}`, "execution_success", "p"},
		{`{"type":"execution_interrupted","data":{"prompt_id":"p","node_id":"2"}}`, "execution_interrupted", "p"},
		{`{"type":"progress_state","data":{"prompt_id":"p","nodes":{}}}`, "progress_state", "p"},
	}
	for _, tc := range tests {
		t.Run(tc.kind, func(t *testing.T) {
			msg, err := DecodeMessage([]byte(tc.raw))
			if err != nil {
				t.Fatalf("DecodeMessage error: %v", err)
			}
			if msg.Kind() != tc.kind || msg.PromptID() != tc.prompt {
				t.Fatalf("got %s/%q, want %s/%q", msg.Kind(), msg.PromptID(), tc.kind, tc.prompt)
			}
		})
	}
}

func TestDecodeStatusQueueRemaining(t *testing.T) {
	msg, err := DecodeMessage([]byte(`{"type":"status","data":{"status":{"exec_info":{"queue_remaining":3}},"sid":"abc"}}`))
	if err != nil {
		t.Fatalf("DecodeMessage error: %v", err)
	}
	st, ok := msg.(Status)
	if !ok || st.QueueRemaining != 3 || st.SessionID != "abc" {
		t.Fatalf("unexpected status %#v", msg)
	}
}

func TestDecodeExecutingDone(t *testing.T) {
	msg, err := DecodeMessage([]byte(`{"type":"executing","data":{"node":null,"prompt_id":"p"}}`))
	if err != nil {
		t.Fatalf("DecodeMessage error: %v", err)
	}
	ex, ok := msg.(Executing)
	if !ok || !ex.Done() {
		t.Fatalf("expected completion signal, got %#v", msg)
	}
}

func TestDecodeExecutionError(t *testing.T) {
	msg, err := DecodeMessage([]byte(`{"type":"execution_error","data":{"prompt_id":"p","node_id":"2","node_type":"KSampler","exception_type":"RuntimeError","exception_message":"boom"}}`))
	if err != nil {
		t.Fatalf("DecodeMessage error: %v", err)
	}
	ee, ok := msg.(ExecutionError)
	if !ok {
		t.Fatalf("unexpected variant %#v", msg)
	}
	if !errors.Is(ee.Err(), domain.ErrRemoteExecution) {
		t.Fatalf("execution error should map to remote execution sentinel")
	}
}

func TestDecodeExecutedOutputs(t *testing.T) {
	msg, err := DecodeMessage([]byte(`{"type":"executed","data":{"node":"8","output":{"images":[{"filename":"a.png","subfolder":"x","type":"output"}]},"prompt_id":"p"}}`))
	if err != nil {
		t.Fatalf("DecodeMessage error: %v", err)
	}
	ex := msg.(Executed)
	if ex.Node != "8" || len(ex.Output.Images) != 1 || ex.Output.Images[0].Subfolder != "x" {
		t.Fatalf("unexpected executed %#v", ex)
	}
}

func TestDecodeMessageRejectsGarbage(t *testing.T) {
	for _, raw := range []string{`not json`, `{"data":{}}`} {
		if _, err := DecodeMessage([]byte(raw)); err == nil {
			t.Fatalf("expected error for %q", raw)
		}
	}
}

func TestProgressFractionClamps(t *testing.T) {
	if f := (Progress{Value: 12, Max: 10}).Fraction(); f != 1 {
		t.Fatalf("fraction = %v", f)
	}
	if f := (Progress{Value: 1}).Fraction(); f != 0 {
		t.Fatalf("fraction with zero max = %v", f)
	}
}
