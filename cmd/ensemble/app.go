package main

import (
	"fmt"
	"time"

	"github.com/martinemde/ensemble/agentloop"
	"github.com/martinemde/ensemble/config"
	"github.com/martinemde/ensemble/coretools"
	"github.com/martinemde/ensemble/parallel"
	"github.com/martinemde/ensemble/roles"
	"github.com/martinemde/ensemble/router"
	"github.com/martinemde/ensemble/unifiedllm"
	"go.uber.org/zap"
)

const maxShellTimeout = 10 * time.Minute

// app wires the configured model, tools, and agents.
type app struct {
	client  *unifiedllm.Client
	factory *roles.Factory
	logger  *zap.Logger
}

// newApp resolves the provider and model and builds the agent factory.
func newApp(c *config.Config, logger *zap.Logger) (*app, error) {
	client, err := newClient(c, logger)
	if err != nil {
		return nil, err
	}
	dir, err := workspaceDir()
	if err != nil {
		return nil, err
	}

	env := coretools.NewLocalEnvironment(dir)
	tools := coretools.NewRegistry(env, coretools.Options{
		ShellTimeout:    c.ShellTimeout(),
		MaxShellTimeout: maxShellTimeout,
	})
	ctxOpts := append(c.ContextOptions(), agentloop.WithContextLogger(logger))

	factory := roles.NewFactory(client, env,
		roles.WithTools(tools),
		roles.WithModelName(c.LLM.Model),
		roles.WithAgentConfig(c.AgentLoop("")),
		roles.WithContextOptions(ctxOpts...),
		roles.WithLogger(logger),
	)
	logger.Debug("agents configured",
		zap.String("workspace", dir),
		zap.String("provider", c.LLM.Provider),
		zap.String("model", c.LLM.Model),
		zap.Int("context_max_tokens", c.ContextMaxTokens()),
		zap.Strings("tools", tools.Names()))
	return &app{client: client, factory: factory, logger: logger}, nil
}

// newClient creates a client for the configured provider. An unset model
// becomes the provider's catalog default.
func newClient(c *config.Config, logger *zap.Logger) (*unifiedllm.Client, error) {
	provider := c.LLM.Provider
	if provider == "" {
		return nil, fmt.Errorf("no LLM provider configured (set ANTHROPIC_API_KEY or OPENAI_API_KEY, or llm.provider in %s)", config.DefaultFile)
	}
	if c.LLM.Model == "" {
		info := unifiedllm.DefaultModel(provider)
		if info == nil {
			return nil, fmt.Errorf("no default model for provider %s", provider)
		}
		c.LLM.Model = info.ID
	} else if info := unifiedllm.GetModelInfo(c.LLM.Model); info != nil {
		c.LLM.Model = info.ID
	}

	adapter, err := unifiedllm.NewGollmAdapter(provider, c.LLM.APIKey,
		unifiedllm.WithModel(c.LLM.Model),
		unifiedllm.WithMaxTokens(c.LLM.MaxTokens),
		unifiedllm.WithTemperature(c.LLM.Temperature),
	)
	if err != nil {
		return nil, fmt.Errorf("create %s client: %w", provider, err)
	}
	return unifiedllm.NewClient(
		unifiedllm.WithProvider(provider, adapter),
		unifiedllm.WithDefaultProvider(provider),
		unifiedllm.WithDefaultModel(c.LLM.Model),
		unifiedllm.WithRetryPolicy(c.RetryPolicy()),
		unifiedllm.WithLogger(logger),
	), nil
}

func (a *app) orchestrator(opts ...router.Option) *router.Orchestrator {
	opts = append([]router.Option{
		router.WithDelegationThreshold(cfg.Router.DelegationThreshold),
		router.WithLogger(a.logger),
	}, opts...)
	return router.New(a.factory, opts...)
}

func (a *app) close() {
	if err := a.client.Close(); err != nil {
		a.logger.Warn("closing client", zap.Error(err))
	}
}

// parallelOptions starts from the config and applies changed flags.
func parallelOptions(c *config.Config, f *parallelFlags) (parallel.Options, error) {
	opts, err := c.ParallelOptions()
	if err != nil {
		return opts, err
	}
	if f.strategy != "" {
		if opts.Strategy, err = parallel.ParseStrategy(f.strategy); err != nil {
			return opts, err
		}
	}
	if f.consolidation != "" {
		if opts.Consolidation, err = parallel.ParseConsolidation(f.consolidation); err != nil {
			return opts, err
		}
	}
	if f.timeout > 0 {
		opts.Timeout = f.timeout
	}
	if f.quorum > 0 {
		opts.QuorumThreshold = f.quorum
	}
	if f.maxConcurrency > 0 {
		opts.MaxConcurrency = f.maxConcurrency
	}
	return opts, nil
}
