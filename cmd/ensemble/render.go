package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/martinemde/ensemble/agentloop"
	"github.com/martinemde/ensemble/parallel"
	"github.com/martinemde/ensemble/router"
	"github.com/martinemde/ensemble/unifiedllm"
)

var (
	toolStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("12"))
	resultStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)
	replanStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	handoffStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("13")).Bold(true)
	agentStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("14")).Bold(true)
)

// maxPreview bounds tool arguments and results echoed to the terminal.
const maxPreview = 120

// printer writes events and results as styled text or JSON lines. It is
// safe for concurrent use.
type printer struct {
	mu       sync.Mutex
	out      io.Writer
	json     bool
	midLine  bool
	renderer *glamour.TermRenderer
}

func newPrinter(out io.Writer, asJSON bool) *printer {
	p := &printer{out: out, json: asJSON}
	if !asJSON {
		p.renderer, _ = glamour.NewTermRenderer(
			glamour.WithAutoStyle(),
			glamour.WithWordWrap(100),
		)
	}
	return p
}

// event prints one event of a single streamed run.
func (p *printer) event(ev agentloop.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.json {
		p.encode(ev)
		return
	}
	if ev.Kind == agentloop.EventText {
		fmt.Fprint(p.out, ev.Text)
		p.midLine = !strings.HasSuffix(ev.Text, "\n")
		return
	}
	if line := formatEvent(ev); line != "" {
		p.line(line)
	}
	if ev.Kind == agentloop.EventDone && p.midLine {
		fmt.Fprintln(p.out)
		p.midLine = false
	}
}

// progress prints a parallel run's events, prefixed by agent. Streamed
// text is left for the final result.
func (p *printer) progress(ev agentloop.Event) {
	if ev.Kind == agentloop.EventText {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.json {
		p.encode(ev)
		return
	}
	var line string
	switch ev.Kind {
	case agentloop.EventAgentStart:
		line = agentStyle.Render("▶ " + ev.Agent)
	case agentloop.EventDone:
		line = resultStyle.Render(fmt.Sprintf("✓ %s finished", ev.Agent))
	default:
		line = formatEvent(ev)
		if line == "" {
			return
		}
		line = agentStyle.Render("["+ev.Agent+"]") + " " + line
	}
	p.line(line)
}

func formatEvent(ev agentloop.Event) string {
	switch ev.Kind {
	case agentloop.EventToolStart:
		return toolStyle.Render(fmt.Sprintf("→ %s %s", ev.ToolName, preview(formatArgs(ev.ToolArgs))))
	case agentloop.EventToolResult:
		return resultStyle.Render(fmt.Sprintf("  %s: %s", ev.ToolName, preview(fmt.Sprint(ev.ToolResult))))
	case agentloop.EventToolError:
		return errorStyle.Render(fmt.Sprintf("✗ %s: %s", ev.ToolName, ev.Error))
	case agentloop.EventReplan:
		return replanStyle.Render("↻ replanning: " + ev.Reason)
	case agentloop.EventHandoff:
		return handoffStyle.Render(fmt.Sprintf("⇢ %s → %s", ev.From, ev.To))
	case agentloop.EventAgentStart:
		return agentStyle.Render("▶ " + ev.Agent)
	case agentloop.EventError:
		return errorStyle.Render("error: " + ev.Error)
	}
	return ""
}

func formatArgs(args map[string]interface{}) string {
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%v", k, args[k])
	}
	return strings.Join(parts, " ")
}

// preview flattens s to one line of at most maxPreview characters.
func preview(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) > maxPreview {
		return s[:maxPreview-3] + "..."
	}
	return s
}

func (p *printer) line(s string) {
	if p.midLine {
		fmt.Fprintln(p.out)
		p.midLine = false
	}
	fmt.Fprintln(p.out, s)
}

func (p *printer) encode(v interface{}) {
	_ = json.NewEncoder(p.out).Encode(v)
}

// result prints the per-agent table and the consolidated answer.
func (p *printer) result(res *parallel.Result) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.json {
		p.encode(res)
		return nil
	}

	tw := table.NewWriter()
	tw.SetOutputMirror(p.out)
	tw.AppendHeader(table.Row{"Agent", "Mode", "Status", "Tools", "Duration", "Error"})
	for _, r := range res.Results {
		status := "ok"
		if !r.Success {
			status = "failed"
		}
		tw.AppendRow(table.Row{r.Role, r.Mode, status, len(r.ToolsCalled), r.Duration.Round(time.Millisecond), r.Error})
	}
	tw.Render()

	var notes []string
	if res.TimedOut {
		notes = append(notes, "timed out")
	}
	if res.QuorumReached {
		notes = append(notes, "quorum reached")
	}
	if len(notes) > 0 {
		fmt.Fprintln(p.out, replanStyle.Render(strings.Join(notes, ", ")))
	}

	if res.Consolidated == "" {
		fmt.Fprintln(p.out, errorStyle.Render("no agent produced an answer"))
		return errRunFailed
	}
	out := res.Consolidated
	if p.renderer != nil {
		if rendered, err := p.renderer.Render(out); err == nil {
			out = rendered
		}
	}
	fmt.Fprintln(p.out, out)
	return nil
}

func (p *printer) intent(intent router.Intent, delegates bool) error {
	if p.json {
		p.encode(struct {
			router.Intent
			Delegates bool `json:"delegates"`
		}{intent, delegates})
		return nil
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(p.out)
	tw.AppendRows([]table.Row{
		{"Agent", intent.Agent},
		{"Mode", intent.Mode},
		{"Confidence", intent.Confidence},
		{"Delegates", delegates},
		{"Reasoning", intent.Reasoning},
	})
	tw.Render()
	return nil
}

func (p *printer) models(models []unifiedllm.ModelInfo) error {
	if p.json {
		p.encode(models)
		return nil
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(p.out)
	tw.AppendHeader(table.Row{"ID", "Provider", "Name", "Context", "Max Output", "Aliases"})
	for _, m := range models {
		tw.AppendRow(table.Row{m.ID, m.Provider, m.DisplayName, m.ContextWindow, m.MaxOutput, strings.Join(m.Aliases, ", ")})
	}
	tw.Render()
	return nil
}
