package agentloop

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/martinemde/ensemble/unifiedllm"
)

func TestToolRegistryExecute(t *testing.T) {
	reg := NewToolRegistry(echoTool("read_file"), echoTool("grep"))

	out, err := reg.Execute(context.Background(), "grep", map[string]interface{}{"pattern": "x"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.(map[string]interface{})["pattern"] != "x" {
		t.Errorf("unexpected output: %v", out)
	}

	_, err = reg.Execute(context.Background(), "missing", nil)
	var notFound *ToolNotFoundError
	if !errors.As(err, &notFound) || notFound.Name != "missing" {
		t.Errorf("expected ToolNotFoundError for missing, got %v", err)
	}
}

func TestToolRegistryDefinitionsSorted(t *testing.T) {
	reg := NewToolRegistry(echoTool("shell"), echoTool("glob"), echoTool("read_file"))
	defs := reg.Definitions()
	var names []string
	for _, d := range defs {
		names = append(names, d.Name)
	}
	if strings.Join(names, ",") != "glob,read_file,shell" {
		t.Errorf("expected sorted definitions, got %v", names)
	}
}

func TestToolRegistrySubsetAndMerge(t *testing.T) {
	reg := NewToolRegistry(echoTool("read_file"), echoTool("write_file"), echoTool("grep"))

	sub := reg.Subset("read_file", "grep", "not_registered")
	if sub.Count() != 2 {
		t.Errorf("expected 2 tools in subset, got %v", sub.Names())
	}
	if _, ok := sub.Get("write_file"); ok {
		t.Error("subset must not contain write_file")
	}

	clone := sub.Clone()
	clone.Unregister("grep")
	if sub.Count() != 2 {
		t.Error("clone must not affect the original")
	}

	extra := NewToolRegistry(echoTool("shell"))
	clone.MergeFrom(extra)
	if got := strings.Join(clone.Names(), ","); got != "read_file,shell" {
		t.Errorf("unexpected merged names %q", got)
	}
}

func TestHookChainNil(t *testing.T) {
	var h *HookChain
	use := &ToolUse{ToolName: "shell"}
	if err := h.RunPre(context.Background(), use); err != nil {
		t.Errorf("nil chain must not veto, got %v", err)
	}
	if got := h.RunPost(context.Background(), *use, "out"); got != "out" {
		t.Errorf("nil chain must pass results through, got %v", got)
	}
}

func TestHookChainVetoStopsChain(t *testing.T) {
	reason := errors.New("blocked by policy")
	second := false
	h := NewHookChain().OnPreToolUse(
		func(ctx context.Context, use *ToolUse) error { return reason },
		func(ctx context.Context, use *ToolUse) error { second = true; return nil },
	)

	err := h.RunPre(context.Background(), &ToolUse{ToolName: "shell"})
	var vetoed *ToolVetoedError
	if !errors.As(err, &vetoed) || vetoed.ToolName != "shell" {
		t.Fatalf("expected ToolVetoedError, got %v", err)
	}
	if !errors.Is(err, reason) {
		t.Error("veto must unwrap to the hook's reason")
	}
	if second {
		t.Error("hooks after a veto must not run")
	}
}

func TestArgHelpers(t *testing.T) {
	args := map[string]interface{}{"path": "src", "limit": float64(20), "recursive": true}
	if s, ok := GetStringArg(args, "path"); !ok || s != "src" {
		t.Errorf("GetStringArg = %q, %v", s, ok)
	}
	if n, ok := GetIntArg(args, "limit"); !ok || n != 20 {
		t.Errorf("GetIntArg = %d, %v", n, ok)
	}
	if b, ok := GetBoolArg(args, "recursive"); !ok || !b {
		t.Errorf("GetBoolArg = %v, %v", b, ok)
	}
	if _, ok := GetStringArg(args, "limit"); ok {
		t.Error("expected type mismatch to report false")
	}
}

func TestTruncationLimits(t *testing.T) {
	long := strings.Repeat("a", 100) + strings.Repeat("b", 100)

	got := TruncationLimits{Chars: map[string]int{"read_file": 50}}.Truncate("read_file", long)
	if !strings.HasPrefix(got, strings.Repeat("a", 25)) || !strings.HasSuffix(got, strings.Repeat("b", 25)) {
		t.Errorf("expected head/tail truncation, got %q", got)
	}
	if !strings.Contains(got, "150 characters removed") {
		t.Errorf("expected removal notice, got %q", got)
	}

	got = TruncationLimits{Chars: map[string]int{"grep": 50}}.Truncate("grep", long)
	if !strings.HasPrefix(got, "[output truncated: first 150") || !strings.HasSuffix(got, "\n\n"+strings.Repeat("b", 50)) {
		t.Errorf("expected tail truncation, got %q", got)
	}

	lines := strings.Repeat("line\n", 300)
	got = TruncationLimits{}.Truncate("shell", lines)
	if !strings.Contains(got, "lines omitted") {
		t.Error("expected default shell line limit to apply")
	}

	if got := (TruncationLimits{}).Truncate("unknown", "short"); got != "short" {
		t.Errorf("short output must pass through, got %q", got)
	}
}

func TestDetectLoop(t *testing.T) {
	call := func(name, args string) unifiedllm.Message {
		return unifiedllm.AssistantMessage("", unifiedllm.ToolCall{Name: name, Arguments: args})
	}

	same := []unifiedllm.Message{call("grep", `{"p":1}`), call("grep", `{"p":1}`), call("grep", `{"p":1}`), call("grep", `{"p":1}`)}
	if !DetectLoop(same, 4) {
		t.Error("expected identical calls to be a loop")
	}

	alternating := []unifiedllm.Message{call("a", "{}"), call("b", "{}"), call("a", "{}"), call("b", "{}")}
	if !DetectLoop(alternating, 4) {
		t.Error("expected a-b-a-b to be a loop")
	}

	varied := []unifiedllm.Message{call("grep", `{"p":1}`), call("grep", `{"p":2}`), call("grep", `{"p":3}`), call("grep", `{"p":4}`)}
	if DetectLoop(varied, 4) {
		t.Error("different arguments are not a loop")
	}

	if DetectLoop(same[:2], 4) {
		t.Error("fewer calls than the window are not a loop")
	}
}
