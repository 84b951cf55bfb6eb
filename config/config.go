// Package config loads ensemble's YAML configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/martinemde/ensemble/agentloop"
	"github.com/martinemde/ensemble/parallel"
	"github.com/martinemde/ensemble/router"
	"github.com/martinemde/ensemble/unifiedllm"
	"gopkg.in/yaml.v3"
)

// DefaultFile is the config file location relative to the workspace.
const DefaultFile = ".ensemble/config.yaml"

// Config holds all configuration for ensemble.
type Config struct {
	LLM      LLMConfig      `yaml:"llm"`
	Agent    AgentConfig    `yaml:"agent"`
	Context  ContextConfig  `yaml:"context"`
	Parallel ParallelConfig `yaml:"parallel"`
	Router   RouterConfig   `yaml:"router"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// LLMConfig selects the provider and model.
type LLMConfig struct {
	Provider    string  `yaml:"provider"` // anthropic, openai
	Model       string  `yaml:"model"`
	APIKey      string  `yaml:"api_key,omitempty"`
	MaxTokens   int     `yaml:"max_tokens"`
	Temperature float64 `yaml:"temperature"`
	MaxRetries  int     `yaml:"max_retries"`
}

// AgentConfig configures every agent's turn loop.
type AgentConfig struct {
	MaxIterations       int  `yaml:"max_iterations"`
	KeepRecentMessages  int  `yaml:"keep_recent_messages"`
	EventBuffer         int  `yaml:"event_buffer"`
	LoopDetection       bool `yaml:"loop_detection"`
	LoopDetectionWindow int  `yaml:"loop_detection_window"`
	// ToolOutputLimits and ToolLineLimits override the per-tool truncation
	// defaults.
	ToolOutputLimits map[string]int `yaml:"tool_output_limits,omitempty"`
	ToolLineLimits   map[string]int `yaml:"tool_line_limits,omitempty"`
	ShellTimeout     string         `yaml:"shell_timeout"`
}

// ContextConfig configures compaction. MaxTokens 0 means the model's
// context window from the catalog.
type ContextConfig struct {
	MaxTokens           int     `yaml:"max_tokens"`
	CompactionThreshold float64 `yaml:"compaction_threshold"`
}

// ParallelConfig holds defaults for parallel runs.
type ParallelConfig struct {
	Strategy          string  `yaml:"strategy"`
	Consolidation     string  `yaml:"consolidation"`
	Timeout           string  `yaml:"timeout"`
	InvocationTimeout string  `yaml:"invocation_timeout,omitempty"`
	QuorumThreshold   float64 `yaml:"quorum_threshold"`
	MaxConcurrency    int     `yaml:"max_concurrency"`
}

// RouterConfig configures intent routing.
type RouterConfig struct {
	DelegationThreshold int `yaml:"delegation_threshold"`
}

// LoggingConfig configures the logger.
type LoggingConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error
	JSON  bool   `yaml:"json"`
}

// Default returns the default configuration.
func Default() *Config {
	agent := agentloop.DefaultConfig()
	par := parallel.DefaultOptions()
	return &Config{
		LLM: LLMConfig{
			MaxTokens:   8192,
			Temperature: 0,
			MaxRetries:  unifiedllm.DefaultRetryPolicy().MaxRetries,
		},
		Agent: AgentConfig{
			MaxIterations:       agent.MaxIterations,
			KeepRecentMessages:  agent.KeepRecentMessages,
			EventBuffer:         agent.EventBuffer,
			LoopDetection:       agent.EnableLoopDetection,
			LoopDetectionWindow: agent.LoopDetectionWindow,
			ShellTimeout:        "2m",
		},
		Context: ContextConfig{
			MaxTokens:           0,
			CompactionThreshold: 0.85,
		},
		Parallel: ParallelConfig{
			Strategy:        string(par.Strategy),
			Consolidation:   string(par.Consolidation),
			Timeout:         par.Timeout.String(),
			QuorumThreshold: par.QuorumThreshold,
		},
		Router: RouterConfig{
			DelegationThreshold: router.DefaultDelegationThreshold,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	return filepath.Join(workspace, DefaultFile)
}

// Load reads the YAML file at path over the defaults and applies
// environment overrides. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return nil, fmt.Errorf("failed to read config: %w", err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// Save writes the configuration to path, creating its directory.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// providerKeys maps providers to their API key variables, in the order a
// provider is picked when none is configured.
var providerKeys = []struct{ provider, env string }{
	{"anthropic", "ANTHROPIC_API_KEY"},
	{"openai", "OPENAI_API_KEY"},
}

// applyEnvOverrides applies ENSEMBLE_PROVIDER and ENSEMBLE_MODEL, then
// fills an empty provider and API key from the provider key variables.
func (c *Config) applyEnvOverrides() {
	if p := os.Getenv("ENSEMBLE_PROVIDER"); p != "" {
		c.LLM.Provider = p
	}
	if m := os.Getenv("ENSEMBLE_MODEL"); m != "" {
		c.LLM.Model = m
	}

	if c.LLM.Provider == "" {
		for _, pk := range providerKeys {
			if os.Getenv(pk.env) != "" {
				c.LLM.Provider = pk.provider
				break
			}
		}
	}
	if c.LLM.APIKey == "" {
		for _, pk := range providerKeys {
			if pk.provider == c.LLM.Provider {
				c.LLM.APIKey = os.Getenv(pk.env)
			}
		}
	}
}

// ValidProviders lists the supported LLM providers.
var ValidProviders = []string{"anthropic", "openai"}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if c.LLM.Provider != "" && !contains(ValidProviders, c.LLM.Provider) {
		return fmt.Errorf("invalid LLM provider: %s (valid: %s)", c.LLM.Provider, strings.Join(ValidProviders, ", "))
	}
	if c.Agent.MaxIterations <= 0 {
		return fmt.Errorf("agent.max_iterations must be positive, got %d", c.Agent.MaxIterations)
	}
	if c.Agent.KeepRecentMessages < 0 {
		return fmt.Errorf("agent.keep_recent_messages must not be negative, got %d", c.Agent.KeepRecentMessages)
	}
	if c.Context.MaxTokens < 0 {
		return fmt.Errorf("context.max_tokens must not be negative, got %d", c.Context.MaxTokens)
	}
	if t := c.Context.CompactionThreshold; t <= 0 || t > 1 {
		return fmt.Errorf("context.compaction_threshold must be in (0, 1], got %v", t)
	}
	if t := c.Parallel.QuorumThreshold; t <= 0 || t > 1 {
		return fmt.Errorf("parallel.quorum_threshold must be in (0, 1], got %v", t)
	}
	if _, err := c.ParallelOptions(); err != nil {
		return err
	}
	if _, err := parseDuration("agent.shell_timeout", c.Agent.ShellTimeout); err != nil {
		return err
	}
	if d := c.Router.DelegationThreshold; d < 0 || d > 100 {
		return fmt.Errorf("router.delegation_threshold must be in [0, 100], got %d", d)
	}
	return nil
}

// AgentLoop returns the turn loop configuration named name.
func (c *Config) AgentLoop(name string) agentloop.Config {
	return agentloop.Config{
		Name:                name,
		MaxIterations:       c.Agent.MaxIterations,
		KeepRecentMessages:  c.Agent.KeepRecentMessages,
		EventBuffer:         c.Agent.EventBuffer,
		EnableLoopDetection: c.Agent.LoopDetection,
		LoopDetectionWindow: c.Agent.LoopDetectionWindow,
		Truncation: agentloop.TruncationLimits{
			Chars: c.Agent.ToolOutputLimits,
			Lines: c.Agent.ToolLineLimits,
		},
	}
}

// ContextMaxTokens returns the compaction budget: the configured value, or
// the model's context window, or 128000 for unknown models.
func (c *Config) ContextMaxTokens() int {
	if c.Context.MaxTokens > 0 {
		return c.Context.MaxTokens
	}
	return unifiedllm.ContextWindow(c.LLM.Model, 128000)
}

// ContextOptions returns the context manager options.
func (c *Config) ContextOptions() []agentloop.ContextOption {
	return []agentloop.ContextOption{
		agentloop.WithMaxTokens(c.ContextMaxTokens()),
		agentloop.WithCompactionThreshold(c.Context.CompactionThreshold),
	}
}

// ParallelOptions converts the parallel section.
func (c *Config) ParallelOptions() (parallel.Options, error) {
	strategy, err := parallel.ParseStrategy(c.Parallel.Strategy)
	if err != nil {
		return parallel.Options{}, fmt.Errorf("parallel.strategy: %w", err)
	}
	consolidation, err := parallel.ParseConsolidation(c.Parallel.Consolidation)
	if err != nil {
		return parallel.Options{}, fmt.Errorf("parallel.consolidation: %w", err)
	}
	timeout, err := parseDuration("parallel.timeout", c.Parallel.Timeout)
	if err != nil {
		return parallel.Options{}, err
	}
	invocation, err := parseDuration("parallel.invocation_timeout", c.Parallel.InvocationTimeout)
	if err != nil {
		return parallel.Options{}, err
	}
	return parallel.Options{
		Strategy:          strategy,
		Consolidation:     consolidation,
		Timeout:           timeout,
		InvocationTimeout: invocation,
		QuorumThreshold:   c.Parallel.QuorumThreshold,
		MaxConcurrency:    c.Parallel.MaxConcurrency,
	}, nil
}

// ShellTimeout returns the default shell command timeout.
func (c *Config) ShellTimeout() time.Duration {
	d, err := parseDuration("agent.shell_timeout", c.Agent.ShellTimeout)
	if err != nil || d == 0 {
		return 2 * time.Minute
	}
	return d
}

// RetryPolicy returns the LLM retry policy.
func (c *Config) RetryPolicy() unifiedllm.RetryPolicy {
	p := unifiedllm.DefaultRetryPolicy()
	p.MaxRetries = c.LLM.MaxRetries
	return p
}

// parseDuration parses s, treating the empty string as zero.
func parseDuration(field, s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", field, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s must not be negative, got %s", field, s)
	}
	return d, nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
