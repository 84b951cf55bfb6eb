package agentloop

import (
	"context"
	"fmt"
)

// ToolUse describes a tool call passing through the hook chain.
type ToolUse struct {
	Agent      string
	ToolName   string
	ToolCallID string
	Args       map[string]interface{}
}

// PreToolUseFunc runs before a tool executes. It may rewrite use.Args; a
// non-nil error vetoes the call.
type PreToolUseFunc func(ctx context.Context, use *ToolUse) error

// PostToolUseFunc runs after a tool succeeds and returns the result to pass on.
type PostToolUseFunc func(ctx context.Context, use ToolUse, result interface{}) interface{}

// ToolVetoedError is reported when a PreToolUse hook refuses a call.
type ToolVetoedError struct {
	ToolName string
	Reason   error
}

func (e *ToolVetoedError) Error() string {
	return fmt.Sprintf("tool %s vetoed: %v", e.ToolName, e.Reason)
}

func (e *ToolVetoedError) Unwrap() error { return e.Reason }

// HookChain holds ordered PreToolUse and PostToolUse hooks. A nil
// *HookChain runs no hooks.
type HookChain struct {
	pre  []PreToolUseFunc
	post []PostToolUseFunc
}

// NewHookChain creates an empty chain.
func NewHookChain() *HookChain {
	return &HookChain{}
}

// OnPreToolUse appends PreToolUse hooks.
func (h *HookChain) OnPreToolUse(fns ...PreToolUseFunc) *HookChain {
	h.pre = append(h.pre, fns...)
	return h
}

// OnPostToolUse appends PostToolUse hooks.
func (h *HookChain) OnPostToolUse(fns ...PostToolUseFunc) *HookChain {
	h.post = append(h.post, fns...)
	return h
}

// RunPre runs PreToolUse hooks in order, stopping at the first veto.
func (h *HookChain) RunPre(ctx context.Context, use *ToolUse) error {
	if h == nil {
		return nil
	}
	for _, fn := range h.pre {
		if err := fn(ctx, use); err != nil {
			return &ToolVetoedError{ToolName: use.ToolName, Reason: err}
		}
	}
	return nil
}

// RunPost threads result through PostToolUse hooks in order.
func (h *HookChain) RunPost(ctx context.Context, use ToolUse, result interface{}) interface{} {
	if h == nil {
		return result
	}
	for _, fn := range h.post {
		result = fn(ctx, use, result)
	}
	return result
}
