package router

import (
	"context"
	"fmt"

	"github.com/martinemde/ensemble/agentloop"
	"github.com/martinemde/ensemble/parallel"
	"github.com/martinemde/ensemble/roles"
	"go.uber.org/zap"
)

// DefaultDelegationThreshold is the lowest confidence that hands a request
// off to a role agent.
const DefaultDelegationThreshold = 75

// Orchestrator routes requests to role agents. It holds only the factory
// that builds them; agents never see the orchestrator.
type Orchestrator struct {
	factory     parallel.Factory
	threshold   int
	eventBuffer int
	logger      *zap.Logger
	execOpts    []parallel.ExecutorOption
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithDelegationThreshold sets the confidence needed for a handoff.
func WithDelegationThreshold(n int) Option {
	return func(o *Orchestrator) {
		o.threshold = n
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithExecutorOptions passes options to the executor used by FanOut.
func WithExecutorOptions(opts ...parallel.ExecutorOption) Option {
	return func(o *Orchestrator) {
		o.execOpts = append(o.execOpts, opts...)
	}
}

// New creates an Orchestrator. factory is usually a *roles.Factory.
func New(factory parallel.Factory, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		factory:     factory,
		threshold:   DefaultDelegationThreshold,
		eventBuffer: 64,
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Classify returns the routing decision for input.
func (o *Orchestrator) Classify(input string) Intent {
	return Classify(input)
}

// Delegates reports whether intent leads to a handoff.
func (o *Orchestrator) Delegates(intent Intent) bool {
	return intent.Agent != roles.Orchestrator && intent.Confidence >= o.threshold
}

// Run handles input. A confident classification emits a handoff event and
// then forwards the chosen role's events unchanged. Otherwise the
// orchestrator's own agent runs, with every tool available.
func (o *Orchestrator) Run(ctx context.Context, input string) <-chan agentloop.Event {
	intent := o.Classify(input)
	if !o.Delegates(intent) {
		o.logger.Debug("handling request directly",
			zap.String("suggested", string(intent.Agent)),
			zap.Int("confidence", intent.Confidence))
		return o.start(ctx, roles.Orchestrator, intent.Mode, input)
	}

	o.logger.Info("delegating request",
		zap.String("agent", string(intent.Agent)),
		zap.String("mode", string(intent.Mode)),
		zap.Int("confidence", intent.Confidence),
		zap.String("reasoning", intent.Reasoning))

	emitter := agentloop.NewEventEmitter(string(roles.Orchestrator), o.eventBuffer)
	go func() {
		defer emitter.Close()
		emitter.Emit(ctx, agentloop.Event{
			Kind:   agentloop.EventHandoff,
			From:   string(roles.Orchestrator),
			To:     string(intent.Agent),
			Reason: intent.Reasoning,
		})
		runner, err := o.factory.Runner(intent.Agent, intent.Mode)
		if err != nil {
			emitter.Emit(ctx, agentloop.Event{Kind: agentloop.EventError, Error: fmt.Sprintf("create %s agent: %v", intent.Agent, err)})
			return
		}
		for ev := range runner.Run(ctx, input) {
			// Keep draining after ctx ends so the role's run can finish.
			emitter.Emit(ctx, ev)
		}
	}()
	return emitter.Events()
}

func (o *Orchestrator) start(ctx context.Context, role roles.Role, mode roles.Mode, input string) <-chan agentloop.Event {
	runner, err := o.factory.Runner(role, mode)
	if err != nil {
		emitter := agentloop.NewEventEmitter(string(role), 1)
		emitter.Emit(ctx, agentloop.Event{Kind: agentloop.EventError, Error: fmt.Sprintf("create %s agent: %v", role, err)})
		emitter.Close()
		return emitter.Events()
	}
	return runner.Run(ctx, input)
}

// FanOut runs input on every role in rs concurrently. Each invocation uses
// the mode detected in input.
func (o *Orchestrator) FanOut(ctx context.Context, input string, rs []roles.Role, opts parallel.Options) (*parallel.Result, error) {
	if len(rs) == 0 {
		return nil, fmt.Errorf("fan out: no roles given")
	}
	mode := DetectMode(input)
	invocations := make([]parallel.Invocation, len(rs))
	for i, role := range rs {
		invocations[i] = parallel.Invocation{Role: role, Mode: mode, Input: input, Weight: 1}
	}
	o.logger.Info("fanning out request",
		zap.Int("roles", len(rs)),
		zap.String("mode", string(mode)),
		zap.String("strategy", string(opts.Strategy)))
	execOpts := append([]parallel.ExecutorOption{parallel.WithLogger(o.logger)}, o.execOpts...)
	return parallel.NewExecutor(o.factory, execOpts...).Execute(ctx, invocations, opts)
}
