package agentloop

import (
	"context"
	"sync"
	"time"
)

// EventKind identifies the type of agent event.
type EventKind string

const (
	EventText       EventKind = "text"
	EventToolStart  EventKind = "tool_start"
	EventToolResult EventKind = "tool_result"
	EventToolError  EventKind = "tool_error"
	EventReplan     EventKind = "replan"
	EventError      EventKind = "error"
	EventDone       EventKind = "done"
	EventHandoff    EventKind = "handoff"
	EventAgentStart EventKind = "agent_start"
)

// Event is a single element of an agent run's output stream. Which fields
// are set depends on Kind.
type Event struct {
	Kind       EventKind              `json:"kind"`
	Agent      string                 `json:"agent,omitempty"`
	Iteration  int                    `json:"iteration,omitempty"`
	Text       string                 `json:"text,omitempty"`
	ToolName   string                 `json:"tool_name,omitempty"`
	ToolCallID string                 `json:"tool_call_id,omitempty"`
	ToolArgs   map[string]interface{} `json:"tool_args,omitempty"`
	ToolResult interface{}            `json:"tool_result,omitempty"`
	Error      string                 `json:"error,omitempty"`
	Reason     string                 `json:"reason,omitempty"`
	From       string                 `json:"from,omitempty"`
	To         string                 `json:"to,omitempty"`
	Timestamp  time.Time              `json:"timestamp"`
}

// Terminal reports whether the event ends a run.
func (e Event) Terminal() bool {
	return e.Kind == EventDone || e.Kind == EventError
}

// EventEmitter delivers events over a bounded channel. Emit blocks while the
// channel is full, so no event is dropped unless the run's context ends. At
// most one terminal event is sent; anything after it is discarded.
type EventEmitter struct {
	agent      string
	ch         chan Event
	terminated bool
	closed     bool
	now        func() time.Time
	mu         sync.Mutex
}

// NewEventEmitter creates an emitter whose channel holds bufferSize events.
func NewEventEmitter(agent string, bufferSize int) *EventEmitter {
	if bufferSize <= 0 {
		bufferSize = 64
	}
	return &EventEmitter{
		agent: agent,
		ch:    make(chan Event, bufferSize),
		now:   time.Now,
	}
}

// Emit stamps ev and sends it. It returns false if the event was not
// delivered because ctx ended, the emitter is closed, or a terminal event
// has already been sent.
func (e *EventEmitter) Emit(ctx context.Context, ev Event) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed || e.terminated {
		return false
	}
	if ev.Agent == "" {
		ev.Agent = e.agent
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = e.now()
	}
	select {
	case e.ch <- ev:
		if ev.Terminal() {
			e.terminated = true
		}
		return true
	case <-ctx.Done():
		return false
	}
}

// Terminated reports whether a terminal event has been delivered.
func (e *EventEmitter) Terminated() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.terminated
}

// Events returns the read-only event channel.
func (e *EventEmitter) Events() <-chan Event {
	return e.ch
}

// Close closes the event channel. Safe to call multiple times.
func (e *EventEmitter) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.closed {
		e.closed = true
		close(e.ch)
	}
}
