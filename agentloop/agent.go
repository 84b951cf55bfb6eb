package agentloop

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/martinemde/ensemble/unifiedllm"
	"go.uber.org/zap"
)

// ChatModel streams a chat completion. *unifiedllm.Client implements it.
// Errors returned here, or delivered as a chunk with Err set, end the run.
type ChatModel interface {
	Chat(ctx context.Context, messages []unifiedllm.Message, tools []unifiedllm.ToolDefinition) (<-chan unifiedllm.ChatChunk, error)
}

// Runner starts a run and streams its events. *Agent implements it.
type Runner interface {
	Run(ctx context.Context, input string) <-chan Event
}

// Config holds per-agent settings.
type Config struct {
	Name                string           `json:"name"`
	SystemPrompt        string           `json:"system_prompt,omitempty"`
	MaxIterations       int              `json:"max_iterations"`
	KeepRecentMessages  int              `json:"keep_recent_messages"`
	EventBuffer         int              `json:"event_buffer"`
	EnableLoopDetection bool             `json:"enable_loop_detection"`
	LoopDetectionWindow int              `json:"loop_detection_window"`
	Truncation          TruncationLimits `json:"-"`
}

// DefaultConfig returns the default agent configuration.
func DefaultConfig() Config {
	return Config{
		Name:                "agent",
		MaxIterations:       50,
		KeepRecentMessages:  10,
		EventBuffer:         64,
		EnableLoopDetection: true,
		LoopDetectionWindow: 10,
	}
}

const (
	replanNote = "Progress has stalled (%s). Step back, reconsider your approach, " +
		"and try a different strategy instead of repeating what failed."
	loopNote       = "The last %d tool calls follow a repeating pattern. Try a different approach."
	maxActiveFiles = 10
)

// Agent runs the turn loop: ask the model, execute requested tools in
// order, feed results back, and repeat until the model answers without
// tools or progress checks stop the run. An Agent holds no per-run state
// and may run concurrently.
type Agent struct {
	cfg     Config
	model   ChatModel
	tools   ToolExecutor
	hooks   *HookChain
	context *ContextManager
	logger  *zap.Logger
	now     func() time.Time
}

// Option configures an Agent.
type Option func(*Agent)

// WithHooks sets the tool hook chain.
func WithHooks(h *HookChain) Option {
	return func(a *Agent) {
		a.hooks = h
	}
}

// WithContextManager replaces the default context manager.
func WithContextManager(cm *ContextManager) Option {
	return func(a *Agent) {
		if cm != nil {
			a.context = cm
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(a *Agent) {
		if l != nil {
			a.logger = l
		}
	}
}

// WithClock sets the time source used for ledgers and progress checks.
func WithClock(now func() time.Time) Option {
	return func(a *Agent) {
		if now != nil {
			a.now = now
		}
	}
}

// New creates an Agent. Zero-valued limits in cfg take their defaults.
func New(model ChatModel, tools ToolExecutor, cfg Config, opts ...Option) *Agent {
	def := DefaultConfig()
	if cfg.Name == "" {
		cfg.Name = def.Name
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = def.MaxIterations
	}
	if cfg.KeepRecentMessages <= 0 {
		cfg.KeepRecentMessages = def.KeepRecentMessages
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = def.EventBuffer
	}
	if cfg.LoopDetectionWindow <= 0 {
		cfg.LoopDetectionWindow = def.LoopDetectionWindow
	}
	if tools == nil {
		tools = NewToolRegistry()
	}

	a := &Agent{
		cfg:     cfg,
		model:   model,
		tools:   tools,
		context: NewContextManager(),
		logger:  zap.NewNop(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = a.logger.With(zap.String("agent", cfg.Name))
	return a
}

// Name returns the agent name stamped on its events.
func (a *Agent) Name() string { return a.cfg.Name }

// Config returns the agent configuration.
func (a *Agent) Config() Config { return a.cfg }

// Run starts a run for input and returns its event stream. The stream ends
// with exactly one done or error event and is then closed; if ctx is
// cancelled the channel is closed without delivering further events.
func (a *Agent) Run(ctx context.Context, input string) <-chan Event {
	now := a.now()
	r := &run{
		agent:    a,
		id:       uuid.New().String(),
		emitter:  NewEventEmitter(a.cfg.Name, a.cfg.EventBuffer),
		task:     NewTaskLedger(input, now),
		progress: NewProgressLedger(now),
	}
	r.emitter.now = a.now
	r.logger = a.logger.With(zap.String("run_id", r.id))
	go r.loop(ctx, input)
	return r.emitter.Events()
}

// run is the state of one Run call. It is owned by the loop goroutine.
type run struct {
	agent        *Agent
	id           string
	emitter      *EventEmitter
	logger       *zap.Logger
	task         *TaskLedger
	progress     *ProgressLedger
	history      []unifiedllm.Message
	notes        []string
	activeFiles  []string
	errorContext string
	iteration    int
}

func (r *run) loop(ctx context.Context, input string) {
	defer r.emitter.Close()
	a := r.agent

	r.history = append(r.history, unifiedllm.UserMessage(input))

	for r.iteration = 1; r.iteration <= a.cfg.MaxIterations; r.iteration++ {
		if err := ctx.Err(); err != nil {
			r.fail(ctx, fmt.Sprintf("run cancelled: %v", err))
			return
		}
		r.logger.Debug("iteration start", zap.Int("iteration", r.iteration))

		check := CheckProgress(r.progress, r.task, a.now())
		switch check.Verdict {
		case VerdictComplete:
			r.logger.Info("progress check complete", zap.String("reason", check.Reason))
			r.emit(ctx, Event{Kind: EventDone, Reason: check.Reason})
			return
		case VerdictEscalate:
			r.logger.Warn("progress check escalated", zap.String("reason", check.Reason))
			r.fail(ctx, check.Reason)
			return
		case VerdictReplan:
			r.task.ReplanCount++
			r.task.LastReplanAt = a.now()
			r.logger.Info("replanning",
				zap.String("reason", check.Reason),
				zap.Int("replan_count", r.task.ReplanCount))
			r.history = append(r.history, unifiedllm.SystemMessage(fmt.Sprintf(replanNote, check.Reason)))
			if !r.emit(ctx, Event{Kind: EventReplan, Reason: check.Reason}) {
				return
			}
		}

		messages, report := a.context.CheckAndCompact(r.preserved(), r.compactable())
		if report.Compacted {
			r.logger.Info("context compacted for iteration",
				zap.Int("iteration", r.iteration),
				zap.Int("estimated_tokens", report.EstimatedTokens))
		}

		acc, err := r.stream(ctx, messages)
		if err != nil {
			r.fail(ctx, err.Error())
			return
		}
		if ctx.Err() != nil {
			r.fail(ctx, "run cancelled while streaming")
			return
		}

		calls := acc.ToolCalls()
		r.history = append(r.history, unifiedllm.AssistantMessage(acc.Text(), calls...))

		if len(calls) == 0 {
			r.progress.RecordStep("final_response", true, "", a.now())
			r.emit(ctx, Event{Kind: EventDone})
			return
		}

		for _, call := range calls {
			if !r.executeTool(ctx, call) {
				return
			}
		}

		if a.cfg.EnableLoopDetection && DetectLoop(r.history, a.cfg.LoopDetectionWindow) {
			r.logger.Warn("repeating tool call pattern detected", zap.Int("window", a.cfg.LoopDetectionWindow))
			r.history = append(r.history, unifiedllm.SystemMessage(fmt.Sprintf(loopNote, a.cfg.LoopDetectionWindow)))
		}
	}

	r.iteration = a.cfg.MaxIterations
	r.fail(ctx, fmt.Sprintf("max iterations reached (%d)", a.cfg.MaxIterations))
}

// stream runs one model call, forwarding each text delta as it arrives.
func (r *run) stream(ctx context.Context, messages []unifiedllm.Message) (*unifiedllm.StreamAccumulator, error) {
	chunks, err := r.agent.model.Chat(ctx, messages, r.agent.tools.Definitions())
	if err != nil {
		return nil, fmt.Errorf("model call failed: %w", err)
	}

	acc := unifiedllm.NewStreamAccumulator()
	for {
		select {
		case <-ctx.Done():
			return acc, nil
		case chunk, ok := <-chunks:
			if !ok {
				return acc, nil
			}
			if chunk.Err != nil {
				return nil, fmt.Errorf("model stream failed: %w", chunk.Err)
			}
			if chunk.ContentDelta != "" {
				if !r.emit(ctx, Event{Kind: EventText, Text: chunk.ContentDelta}) {
					return acc, nil
				}
			}
			acc.Process(chunk)
		}
	}
}

// executeTool runs one tool call. Tool failures are recorded and fed back
// to the model; it returns false only if the event consumer is gone.
func (r *run) executeTool(ctx context.Context, call unifiedllm.ToolCall) bool {
	a := r.agent
	args, parseErr := call.ParseArguments()

	if !r.emit(ctx, Event{Kind: EventToolStart, ToolName: call.Name, ToolCallID: call.ID, ToolArgs: copyArgs(args)}) {
		return false
	}

	result, err := r.invoke(ctx, call, args, parseErr)
	if err != nil {
		msg := err.Error()
		r.logger.Warn("tool failed", zap.String("tool", call.Name), zap.Error(err))

		payload, _ := json.Marshal(map[string]string{"error": msg})
		r.history = append(r.history, unifiedllm.ToolResultMessage(call.ID, call.Name, string(payload)))
		r.progress.RecordStep(call.Name, false, msg, a.now())
		r.errorContext = fmt.Sprintf("%s: %s", call.Name, msg)
		r.notes = append(r.notes, fmt.Sprintf("error: %s: %s", call.Name, truncateRunes(msg, 200)))
		return r.emit(ctx, Event{Kind: EventToolError, ToolName: call.Name, ToolCallID: call.ID, Error: msg})
	}

	content := serializeResult(result)
	r.history = append(r.history, unifiedllm.ToolResultMessage(call.ID, call.Name, a.cfg.Truncation.Truncate(call.Name, content)))
	r.progress.RecordStep(call.Name, true, "", a.now())
	r.trackFiles(args)
	r.notes = append(r.notes, fmt.Sprintf("found: %s: %s", call.Name, firstLine(content, 200)))
	return r.emit(ctx, Event{Kind: EventToolResult, ToolName: call.Name, ToolCallID: call.ID, ToolResult: result})
}

func (r *run) invoke(ctx context.Context, call unifiedllm.ToolCall, args map[string]interface{}, parseErr error) (interface{}, error) {
	if parseErr != nil {
		return nil, parseErr
	}
	use := &ToolUse{Agent: r.agent.cfg.Name, ToolName: call.Name, ToolCallID: call.ID, Args: args}
	if err := r.agent.hooks.RunPre(ctx, use); err != nil {
		return nil, err
	}
	result, err := r.agent.tools.Execute(ctx, call.Name, use.Args)
	if err != nil {
		return nil, err
	}
	return r.agent.hooks.RunPost(ctx, *use, result), nil
}

func (r *run) emit(ctx context.Context, ev Event) bool {
	ev.Iteration = r.iteration
	return r.emitter.Emit(ctx, ev)
}

func (r *run) fail(ctx context.Context, msg string) {
	r.emit(ctx, Event{Kind: EventError, Error: msg})
}

// preserved splits off the most recent messages. The window is widened so
// it never opens on a tool message separated from its assistant call.
func (r *run) preserved() PreservedContext {
	return PreservedContext{
		SystemPrompt:   r.agent.cfg.SystemPrompt,
		Task:           r.task,
		RecentMessages: r.history[r.recentStart():],
		ActiveFiles:    r.activeFiles,
		ErrorContext:   r.errorContext,
	}
}

func (r *run) compactable() CompactableContext {
	older := r.history[:r.recentStart()]
	var results []ToolResultEntry
	for _, m := range older {
		if m.Role == unifiedllm.RoleTool {
			results = append(results, ToolResultEntry{ToolCallID: m.ToolCallID, Name: m.Name, Content: m.Content})
		}
	}
	return CompactableContext{
		OlderMessages:    older,
		ToolResults:      results,
		ExplorationNotes: r.notes,
	}
}

func (r *run) recentStart() int {
	start := len(r.history) - r.agent.cfg.KeepRecentMessages
	if start < 0 {
		return 0
	}
	for start > 0 && r.history[start].Role == unifiedllm.RoleTool {
		start--
	}
	return start
}

func (r *run) trackFiles(args map[string]interface{}) {
	for _, key := range []string{"file_path", "path"} {
		p, ok := GetStringArg(args, key)
		if !ok || p == "" {
			continue
		}
		for i, existing := range r.activeFiles {
			if existing == p {
				r.activeFiles = append(r.activeFiles[:i], r.activeFiles[i+1:]...)
				break
			}
		}
		r.activeFiles = append(r.activeFiles, p)
		if len(r.activeFiles) > maxActiveFiles {
			r.activeFiles = r.activeFiles[len(r.activeFiles)-maxActiveFiles:]
		}
	}
}

// serializeResult renders a tool result for the conversation. Strings pass
// through; everything else is encoded as JSON.
func serializeResult(result interface{}) string {
	switch v := result.(type) {
	case nil:
		return "null"
	case string:
		return v
	case []byte:
		return string(v)
	}
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Sprintf("%v", result)
	}
	return string(data)
}

func copyArgs(args map[string]interface{}) map[string]interface{} {
	if args == nil {
		return nil
	}
	out := make(map[string]interface{}, len(args))
	for k, v := range args {
		out[k] = v
	}
	return out
}

func firstLine(s string, n int) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return truncateRunes(s, n)
}
