package roles

import (
	"fmt"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/martinemde/ensemble/agentloop"
	"github.com/martinemde/ensemble/coretools"
	"github.com/martinemde/ensemble/unifiedllm"
	"go.uber.org/zap"
)

const workspaceCacheSize = 16

// Factory builds role agents that share one model, tool set, and
// environment. Agents it creates never reference the Factory.
type Factory struct {
	model       agentloop.ChatModel
	env         coretools.Environment
	tools       *agentloop.ToolRegistry
	modelName   string
	agentCfg    agentloop.Config
	contextOpts []agentloop.ContextOption
	hooks       *agentloop.HookChain
	logger      *zap.Logger
	now         func() time.Time
	workspace   *lru.Cache[string, string]
	noWorkspace bool
}

// FactoryOption configures a Factory.
type FactoryOption func(*Factory)

// WithTools replaces the default core tool registry.
func WithTools(reg *agentloop.ToolRegistry) FactoryOption {
	return func(f *Factory) {
		if reg != nil {
			f.tools = reg
		}
	}
}

// WithModelName sets the model name reported in the environment context.
func WithModelName(name string) FactoryOption {
	return func(f *Factory) {
		f.modelName = name
	}
}

// WithAgentConfig sets the base agent configuration. Name and SystemPrompt
// are set per role.
func WithAgentConfig(cfg agentloop.Config) FactoryOption {
	return func(f *Factory) {
		f.agentCfg = cfg
	}
}

// WithContextOptions configures the context manager of every agent.
func WithContextOptions(opts ...agentloop.ContextOption) FactoryOption {
	return func(f *Factory) {
		f.contextOpts = append(f.contextOpts, opts...)
	}
}

// WithHooks sets the tool hook chain shared by every agent.
func WithHooks(h *agentloop.HookChain) FactoryOption {
	return func(f *Factory) {
		f.hooks = h
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) FactoryOption {
	return func(f *Factory) {
		if l != nil {
			f.logger = l
		}
	}
}

// WithClock sets the time source for agents and the environment context.
func WithClock(now func() time.Time) FactoryOption {
	return func(f *Factory) {
		if now != nil {
			f.now = now
		}
	}
}

// WithoutWorkspaceContext leaves environment, git, and project-doc context
// out of system prompts.
func WithoutWorkspaceContext() FactoryOption {
	return func(f *Factory) {
		f.noWorkspace = true
	}
}

// NewFactory creates a Factory. Unless WithTools is given, agents use the
// core tools bound to env.
func NewFactory(model agentloop.ChatModel, env coretools.Environment, opts ...FactoryOption) *Factory {
	cache, _ := lru.New[string, string](workspaceCacheSize)
	f := &Factory{
		model:     model,
		env:       env,
		agentCfg:  agentloop.DefaultConfig(),
		logger:    zap.NewNop(),
		now:       time.Now,
		workspace: cache,
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.tools == nil {
		f.tools = coretools.NewRegistry(env, coretools.DefaultOptions())
	}
	return f
}

// Create builds an agent for role, focused by mode.
func (f *Factory) Create(role Role, mode Mode) (*agentloop.Agent, error) {
	profile, ok := Lookup(role)
	if !ok {
		return nil, &UnknownRoleError{Name: string(role), Suggestion: Role(suggest(string(role), roleNames()))}
	}
	if mode != ModeNone && ModeInstructions(mode) == "" {
		return nil, fmt.Errorf("unknown mode %q", mode)
	}

	tools := f.toolsFor(profile)
	cfg := f.agentCfg
	cfg.Name = string(role)
	cfg.SystemPrompt = f.SystemPrompt(profile, mode, tools.Definitions())

	f.logger.Debug("creating agent",
		zap.String("role", string(role)),
		zap.String("mode", string(mode)),
		zap.Strings("tools", tools.Names()))

	return agentloop.New(f.model, tools, cfg,
		agentloop.WithHooks(f.hooks),
		agentloop.WithContextManager(agentloop.NewContextManager(f.contextOpts...)),
		agentloop.WithLogger(f.logger),
		agentloop.WithClock(f.now),
	), nil
}

// Runner is Create behind the agentloop.Runner interface.
func (f *Factory) Runner(role Role, mode Mode) (agentloop.Runner, error) {
	agent, err := f.Create(role, mode)
	if err != nil {
		return nil, err
	}
	return agent, nil
}

// toolsFor returns the registry a role may use. Read-only roles get only
// the read-only core tools; the rest get everything registered.
func (f *Factory) toolsFor(p Profile) *agentloop.ToolRegistry {
	if p.ReadOnly() {
		return f.tools.Subset(p.Tools...)
	}
	return f.tools.Clone()
}

// SystemPrompt assembles the prompt for a role: role instructions, the
// mode block, shared tool guidance, the tool list, then workspace context.
func (f *Factory) SystemPrompt(p Profile, mode Mode, tools []unifiedllm.ToolDefinition) string {
	var b strings.Builder
	b.WriteString(p.Prompt)
	b.WriteString("\n\n")
	if block := ModeInstructions(mode); block != "" {
		b.WriteString(block)
		b.WriteString("\n\n")
	}
	b.WriteString(sharedGuidelines)
	b.WriteString("\n\n")

	if len(tools) > 0 {
		b.WriteString("# Available Tools\n\n")
		for _, def := range tools {
			fmt.Fprintf(&b, "- %s: %s\n", def.Name, def.Description)
		}
		b.WriteString("\n")
	}

	if ws := f.workspaceContext(); ws != "" {
		b.WriteString(ws)
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

// workspaceContext renders environment, git, and project-doc context for
// the factory's working directory, cached per directory.
func (f *Factory) workspaceContext() string {
	if f.noWorkspace || f.env == nil {
		return ""
	}
	dir := f.env.WorkingDirectory()
	if cached, ok := f.workspace.Get(dir); ok {
		return cached
	}

	var b strings.Builder
	b.WriteString(EnvironmentContext(f.env, f.modelName, f.now()))
	b.WriteString("\n\n")
	if git := GitContext(dir); git != "" {
		b.WriteString(git)
		b.WriteString("\n\n")
	}
	if docs := ProjectDocs(dir); docs != "" {
		b.WriteString("# Project Instructions\n\n")
		b.WriteString(docs)
		b.WriteString("\n\n")
	}
	ctx := b.String()
	f.workspace.Add(dir, ctx)
	return ctx
}
