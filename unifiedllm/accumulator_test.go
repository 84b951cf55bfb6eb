package unifiedllm

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestStreamAccumulatorText(t *testing.T) {
	acc := NewStreamAccumulator()
	for _, d := range []string{"Hel", "lo", ", ", "world"} {
		acc.Process(ChatChunk{ContentDelta: d})
	}
	acc.Process(ChatChunk{FinishReason: "stop", Usage: &Usage{InputTokens: 3, OutputTokens: 4, TotalTokens: 7}})

	if acc.Text() != "Hello, world" {
		t.Errorf("expected %q, got %q", "Hello, world", acc.Text())
	}
	if acc.FinishReason() != "stop" {
		t.Errorf("expected stop, got %q", acc.FinishReason())
	}
	if acc.Usage() == nil || acc.Usage().TotalTokens != 7 {
		t.Errorf("expected usage total 7, got %+v", acc.Usage())
	}
	if calls := acc.ToolCalls(); calls != nil {
		t.Errorf("expected no tool calls, got %+v", calls)
	}
}

func TestStreamAccumulatorToolCallDeltas(t *testing.T) {
	acc := NewStreamAccumulator()
	chunks := []ChatChunk{
		{ToolCallDeltas: []ToolCallDelta{{Index: 1, ID: "call_b", Name: "grep"}}},
		{ToolCallDeltas: []ToolCallDelta{{Index: 0, ID: "call_a", Name: "read_file", Arguments: `{"file_`}}},
		{ToolCallDeltas: []ToolCallDelta{{Index: 1, Arguments: `{"pattern":"x"}`}}},
		{ToolCallDeltas: []ToolCallDelta{{Index: 0, Arguments: `path":"a`}}},
		{ToolCallDeltas: []ToolCallDelta{{Index: 0, Arguments: `.go"}`}}},
		{FinishReason: "tool_calls"},
	}
	for _, c := range chunks {
		acc.Process(c)
	}

	want := []ToolCall{
		{ID: "call_a", Name: "read_file", Arguments: `{"file_path":"a.go"}`, StreamIndex: 0},
		{ID: "call_b", Name: "grep", Arguments: `{"pattern":"x"}`, StreamIndex: 1},
	}
	if diff := cmp.Diff(want, acc.ToolCalls()); diff != "" {
		t.Errorf("tool calls mismatch (-want +got):\n%s", diff)
	}

	msg := acc.Message()
	if msg.Role != RoleAssistant || msg.Content != "" || len(msg.ToolCalls) != 2 {
		t.Errorf("unexpected assistant message: %+v", msg)
	}
}

func TestStreamAccumulatorPlaceholderKeepsLaterID(t *testing.T) {
	acc := NewStreamAccumulator()
	acc.AddToolCallDelta(ToolCallDelta{Index: 0, Arguments: `{}`})
	acc.AddToolCallDelta(ToolCallDelta{Index: 0, ID: "call_late", Name: "list_dir"})

	calls := acc.ToolCalls()
	if len(calls) != 1 {
		t.Fatalf("expected 1 call, got %d", len(calls))
	}
	if calls[0].ID != "call_late" || calls[0].Name != "list_dir" || calls[0].Arguments != "{}" {
		t.Errorf("unexpected call: %+v", calls[0])
	}
}
