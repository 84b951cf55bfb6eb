package unifiedllm

import (
	"sort"
	"strings"
)

// StreamAccumulator reassembles a chat stream into text and complete tool
// calls. Tool call fragments are keyed by stream index: the first fragment
// for an index creates an empty placeholder, later fragments fill in ID and
// Name when present and append argument text.
type StreamAccumulator struct {
	text         strings.Builder
	calls        map[int]*ToolCall
	finishReason string
	usage        *Usage
}

// NewStreamAccumulator creates an empty StreamAccumulator.
func NewStreamAccumulator() *StreamAccumulator {
	return &StreamAccumulator{calls: make(map[int]*ToolCall)}
}

// Process ingests one chunk.
func (sa *StreamAccumulator) Process(chunk ChatChunk) {
	sa.text.WriteString(chunk.ContentDelta)
	for _, d := range chunk.ToolCallDeltas {
		sa.AddToolCallDelta(d)
	}
	if chunk.FinishReason != "" {
		sa.finishReason = chunk.FinishReason
	}
	if chunk.Usage != nil {
		u := *chunk.Usage
		sa.usage = &u
	}
}

// AddToolCallDelta merges a single tool call fragment.
func (sa *StreamAccumulator) AddToolCallDelta(d ToolCallDelta) {
	tc, ok := sa.calls[d.Index]
	if !ok {
		tc = &ToolCall{StreamIndex: d.Index}
		sa.calls[d.Index] = tc
	}
	if d.ID != "" {
		tc.ID = d.ID
	}
	if d.Name != "" {
		tc.Name = d.Name
	}
	tc.Arguments += d.Arguments
}

// Text returns the accumulated text content.
func (sa *StreamAccumulator) Text() string {
	return sa.text.String()
}

// ToolCalls returns the assembled tool calls ordered by stream index.
func (sa *StreamAccumulator) ToolCalls() []ToolCall {
	if len(sa.calls) == 0 {
		return nil
	}
	indexes := make([]int, 0, len(sa.calls))
	for idx := range sa.calls {
		indexes = append(indexes, idx)
	}
	sort.Ints(indexes)
	calls := make([]ToolCall, 0, len(indexes))
	for _, idx := range indexes {
		calls = append(calls, *sa.calls[idx])
	}
	return calls
}

// FinishReason returns the last non-empty finish reason seen.
func (sa *StreamAccumulator) FinishReason() string {
	return sa.finishReason
}

// Usage returns the last usage report seen, or nil.
func (sa *StreamAccumulator) Usage() *Usage {
	return sa.usage
}

// Message returns the assistant message described by the stream so far.
func (sa *StreamAccumulator) Message() Message {
	return AssistantMessage(sa.Text(), sa.ToolCalls()...)
}
