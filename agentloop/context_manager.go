package agentloop

import (
	"fmt"
	"strings"

	"github.com/martinemde/ensemble/unifiedllm"
	"go.uber.org/zap"
)

const (
	DefaultMaxTokens           = 128000
	DefaultCompactionThreshold = 0.85

	keepToolResults      = 5
	toolDigestChars      = 100
	messageDigestChars   = 1000
	messageLineChars     = 120
	maxPromotedFacts     = 5
	toolResultsReduction = 0.70
	olderMsgsReduction   = 0.80
	explorationReduction = 0.90
)

var findingMarkers = []string{"important", "found", "error"}

// PreservedContext is context that is sent verbatim and never compacted.
type PreservedContext struct {
	SystemPrompt   string
	Task           *TaskLedger
	RecentMessages []unifiedllm.Message
	ActiveFiles    []string
	ErrorContext   string
}

// ToolResultEntry is a tool output eligible for compaction. Entries whose
// ToolCallID matches a tool message in OlderMessages supply that message's
// content.
type ToolResultEntry struct {
	ToolCallID string
	Name       string
	Content    string
}

// CompactableContext is context that may be summarized under token pressure.
type CompactableContext struct {
	OlderMessages    []unifiedllm.Message
	ToolResults      []ToolResultEntry
	ExplorationNotes []string
}

// CompactionStrategy names one compaction step.
type CompactionStrategy string

const (
	StrategySummarizeToolResults   CompactionStrategy = "summarize_tool_results"
	StrategySummarizeOlderMessages CompactionStrategy = "summarize_older_messages"
	StrategyCompactExploration     CompactionStrategy = "compact_exploration"
)

// CompactionReport describes what CheckAndCompact did.
type CompactionReport struct {
	EstimatedTokens int
	ThresholdTokens int
	Compacted       bool
	Applied         []CompactionStrategy
	EstimatedSaved  int
	PromotedFacts   int
}

// ContextManager builds the message array for each model call, compacting
// older context when the estimated token count crosses the threshold.
type ContextManager struct {
	maxTokens int
	threshold float64
	logger    *zap.Logger
}

// ContextOption configures a ContextManager.
type ContextOption func(*ContextManager)

// WithMaxTokens sets the context budget in tokens.
func WithMaxTokens(n int) ContextOption {
	return func(cm *ContextManager) {
		if n > 0 {
			cm.maxTokens = n
		}
	}
}

// WithCompactionThreshold sets the fraction of the budget that triggers
// compaction.
func WithCompactionThreshold(f float64) ContextOption {
	return func(cm *ContextManager) {
		if f > 0 && f <= 1 {
			cm.threshold = f
		}
	}
}

// WithContextLogger sets the logger for compaction reports.
func WithContextLogger(l *zap.Logger) ContextOption {
	return func(cm *ContextManager) {
		if l != nil {
			cm.logger = l
		}
	}
}

// NewContextManager creates a ContextManager.
func NewContextManager(opts ...ContextOption) *ContextManager {
	cm := &ContextManager{
		maxTokens: DefaultMaxTokens,
		threshold: DefaultCompactionThreshold,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(cm)
	}
	return cm
}

// ThresholdTokens is the estimated token count above which compaction runs.
func (cm *ContextManager) ThresholdTokens() int {
	return int(float64(cm.maxTokens) * cm.threshold)
}

// EstimateTokens approximates a token count from a character count.
func EstimateTokens(chars int) int {
	return (chars + 3) / 4
}

// CheckAndCompact returns the messages to send. Below the threshold the
// inputs are rendered unchanged. Above it, compaction strategies run in
// fixed order until their estimated savings cover the excess. Only the
// compactable bundle is ever reduced; the single side effect is that
// exploration findings may be promoted into p.Task.Facts.
func (cm *ContextManager) CheckAndCompact(p PreservedContext, c CompactableContext) ([]unifiedllm.Message, CompactionReport) {
	threshold := cm.ThresholdTokens()
	preservedChars := preservedCharCount(p)
	olderChars, resultChars, noteChars := compactableCharCounts(c)

	estimate := EstimateTokens(preservedChars + olderChars + resultChars + noteChars)
	report := CompactionReport{EstimatedTokens: estimate, ThresholdTokens: threshold}
	if estimate < threshold {
		return render(p, c, nil, nil), report
	}

	report.Compacted = true
	deficit := estimate - threshold
	c = CompactableContext{
		OlderMessages:    append([]unifiedllm.Message(nil), c.OlderMessages...),
		ToolResults:      append([]ToolResultEntry(nil), c.ToolResults...),
		ExplorationNotes: append([]string(nil), c.ExplorationNotes...),
	}

	var synthetic []unifiedllm.Message
	collapsedIDs := make(map[string]bool)

	// 1. Tool results.
	report.Applied = append(report.Applied, StrategySummarizeToolResults)
	report.EstimatedSaved += int(float64(EstimateTokens(resultChars)) * toolResultsReduction)
	if len(c.ToolResults) > keepToolResults {
		collapsed := c.ToolResults[:len(c.ToolResults)-keepToolResults]
		c.ToolResults = c.ToolResults[len(c.ToolResults)-keepToolResults:]
		for _, r := range collapsed {
			collapsedIDs[r.ToolCallID] = true
		}
		synthetic = append(synthetic, summarizeToolResults(collapsed))
	}

	// 2. Older messages.
	if report.EstimatedSaved < deficit {
		report.Applied = append(report.Applied, StrategySummarizeOlderMessages)
		report.EstimatedSaved += int(float64(EstimateTokens(olderChars)) * olderMsgsReduction)
		if len(c.OlderMessages) > 0 {
			c.OlderMessages = []unifiedllm.Message{summarizeMessages(c.OlderMessages)}
		}
	}

	// 3. Exploration findings.
	if report.EstimatedSaved < deficit {
		report.Applied = append(report.Applied, StrategyCompactExploration)
		report.EstimatedSaved += int(float64(EstimateTokens(noteChars)) * explorationReduction)
		report.PromotedFacts = promoteFindings(c.ExplorationNotes, p.Task)
		c.ExplorationNotes = nil
	}

	cm.logger.Info("context compacted",
		zap.Int("estimated_tokens", report.EstimatedTokens),
		zap.Int("threshold_tokens", report.ThresholdTokens),
		zap.Int("estimated_saved", report.EstimatedSaved),
		zap.Int("strategies", len(report.Applied)),
		zap.Int("promoted_facts", report.PromotedFacts))

	return render(p, c, synthetic, collapsedIDs), report
}

func preservedCharCount(p PreservedContext) int {
	n := len(p.SystemPrompt) + len(p.ErrorContext)
	for _, f := range p.ActiveFiles {
		n += len(f)
	}
	if p.Task != nil {
		n += len(p.Task.Objective)
		for _, list := range [][]string{p.Task.Facts, p.Task.Assumptions, p.Task.Plan} {
			for _, s := range list {
				n += len(s)
			}
		}
	}
	for _, m := range p.RecentMessages {
		n += m.CharCount()
	}
	return n
}

func compactableCharCounts(c CompactableContext) (older, results, notes int) {
	indexed := make(map[string]bool, len(c.ToolResults))
	for _, r := range c.ToolResults {
		indexed[r.ToolCallID] = true
		results += len(r.Content)
	}
	for _, m := range c.OlderMessages {
		if m.Role == unifiedllm.RoleTool && indexed[m.ToolCallID] {
			continue
		}
		older += m.CharCount()
	}
	for _, n := range c.ExplorationNotes {
		notes += len(n)
	}
	return older, results, notes
}

func summarizeToolResults(collapsed []ToolResultEntry) unifiedllm.Message {
	var b strings.Builder
	fmt.Fprintf(&b, "Summary of %d earlier tool results:", len(collapsed))
	for _, r := range collapsed {
		fmt.Fprintf(&b, "\n- %s: %s", r.Name, truncateRunes(r.Content, toolDigestChars))
	}
	return unifiedllm.SystemMessage(b.String())
}

func summarizeMessages(msgs []unifiedllm.Message) unifiedllm.Message {
	lines := make([]string, 0, len(msgs))
	for _, m := range msgs {
		content := m.Content
		if content == "" && len(m.ToolCalls) > 0 {
			names := make([]string, len(m.ToolCalls))
			for i, tc := range m.ToolCalls {
				names[i] = tc.Name
			}
			content = "called " + strings.Join(names, ", ")
		}
		lines = append(lines, fmt.Sprintf("%s: %s", m.Role, truncateRunes(content, messageLineChars)))
	}
	digest := truncateRunes(strings.Join(lines, "\n"), messageDigestChars)
	return unifiedllm.SystemMessage("Summary of earlier conversation:\n" + digest)
}

func promoteFindings(notes []string, task *TaskLedger) int {
	if task == nil {
		return 0
	}
	promoted := 0
	for _, note := range notes {
		if promoted == maxPromotedFacts {
			break
		}
		lower := strings.ToLower(note)
		for _, marker := range findingMarkers {
			if strings.Contains(lower, marker) {
				task.AddFact(note)
				promoted++
				break
			}
		}
	}
	return promoted
}

// render lays out the system prompt, task context, older messages,
// summaries, unplaced tool results, exploration notes, then the recent
// messages.
func render(p PreservedContext, c CompactableContext, synthetic []unifiedllm.Message, collapsed map[string]bool) []unifiedllm.Message {
	var out []unifiedllm.Message
	if p.SystemPrompt != "" {
		out = append(out, unifiedllm.SystemMessage(p.SystemPrompt))
	}
	if ctx := renderTaskContext(p); ctx != "" {
		out = append(out, unifiedllm.SystemMessage(ctx))
	}

	results := make(map[string]ToolResultEntry, len(c.ToolResults))
	for _, r := range c.ToolResults {
		results[r.ToolCallID] = r
	}
	placed := make(map[string]bool, len(c.ToolResults))
	for _, m := range c.OlderMessages {
		if m.Role == unifiedllm.RoleTool {
			if r, ok := results[m.ToolCallID]; ok {
				m.Content = r.Content
				placed[m.ToolCallID] = true
			} else if collapsed[m.ToolCallID] {
				m.Content = "[output summarized]"
			}
		}
		out = append(out, m)
	}

	out = append(out, synthetic...)

	var unplaced []string
	for _, r := range c.ToolResults {
		if !placed[r.ToolCallID] {
			unplaced = append(unplaced, fmt.Sprintf("[%s]\n%s", r.Name, r.Content))
		}
	}
	if len(unplaced) > 0 {
		out = append(out, unifiedllm.SystemMessage("Recent tool results:\n"+strings.Join(unplaced, "\n\n")))
	}

	if len(c.ExplorationNotes) > 0 {
		out = append(out, unifiedllm.SystemMessage("Exploration notes:\n- "+strings.Join(c.ExplorationNotes, "\n- ")))
	}

	return append(out, p.RecentMessages...)
}

func renderTaskContext(p PreservedContext) string {
	var b strings.Builder
	if t := p.Task; t != nil && (len(t.Facts) > 0 || len(t.Assumptions) > 0 || len(t.Plan) > 0) {
		fmt.Fprintf(&b, "## Task\nObjective: %s\n", t.Objective)
		writeList(&b, "Known facts", t.Facts)
		writeList(&b, "Assumptions", t.Assumptions)
		if len(t.Plan) > 0 {
			b.WriteString("Plan:\n")
			for i, step := range t.Plan {
				fmt.Fprintf(&b, "%d. %s\n", i+1, step)
			}
		}
	}
	writeList(&b, "Active files", p.ActiveFiles)
	if p.ErrorContext != "" {
		fmt.Fprintf(&b, "Last error: %s\n", p.ErrorContext)
	}
	return strings.TrimRight(b.String(), "\n")
}

func writeList(b *strings.Builder, title string, items []string) {
	if len(items) == 0 {
		return
	}
	b.WriteString(title + ":\n")
	for _, s := range items {
		b.WriteString("- " + s + "\n")
	}
}

// truncateRunes cuts s to at most n runes, marking the cut with "...".
func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
