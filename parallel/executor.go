package parallel

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/martinemde/ensemble/agentloop"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// timeoutError is the AgentResult error for an invocation that ran out of
// time.
const timeoutError = "Timeout"

// Executor fans invocations out to role agents and aggregates the results.
// It is safe for concurrent use.
type Executor struct {
	factory  Factory
	observer Observer
	logger   *zap.Logger
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithObserver forwards invocation events to fn.
func WithObserver(fn Observer) ExecutorOption {
	return func(e *Executor) {
		e.observer = fn
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) ExecutorOption {
	return func(e *Executor) {
		if l != nil {
			e.logger = l
		}
	}
}

// NewExecutor creates an Executor that builds agents with factory.
func NewExecutor(factory Factory, opts ...ExecutorOption) *Executor {
	e := &Executor{
		factory: factory,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute runs every invocation concurrently and resolves according to
// opts.Strategy. A failing invocation never affects its siblings. When
// Execute returns, invocations still running have their context cancelled
// and their results are discarded. The only errors are invalid options and
// cancellation of ctx.
func (e *Executor) Execute(ctx context.Context, invocations []Invocation, opts Options) (*Result, error) {
	opts = opts.withDefaults()
	if err := opts.validate(); err != nil {
		return nil, err
	}

	start := time.Now()
	result := &Result{Results: []AgentResult{}}
	if len(invocations) == 0 {
		return result, nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	settled := make(chan AgentResult, len(invocations))
	var g errgroup.Group
	if opts.MaxConcurrency > 0 {
		g.SetLimit(opts.MaxConcurrency)
	}
	go func() {
		for i, inv := range invocations {
			g.Go(func() error {
				settled <- e.invoke(runCtx, i, inv, opts.InvocationTimeout)
				return nil
			})
		}
	}()

	timer := time.NewTimer(opts.Timeout)
	defer timer.Stop()

	need := quorumSize(len(invocations), opts.QuorumThreshold)
	arrived := make([]*AgentResult, len(invocations))
	successes := 0
	var winner *AgentResult

collect:
	for pending := len(invocations); pending > 0; pending-- {
		select {
		case r := <-settled:
			arrived[r.index] = &r
			if !r.Success {
				continue
			}
			successes++
			if opts.Strategy == StrategyRace {
				winner = &r
				break collect
			}
			if opts.Strategy == StrategyQuorum && successes >= need {
				break collect
			}
		case <-timer.C:
			result.TimedOut = true
			e.logger.Warn("parallel execution timed out",
				zap.Duration("timeout", opts.Timeout),
				zap.Int("successes", successes))
			break collect
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	switch opts.Strategy {
	case StrategyAll:
		for i, r := range arrived {
			if r == nil {
				inv := invocations[i]
				r = &AgentResult{Role: inv.Role, Mode: inv.Mode, Error: timeoutError, ToolsCalled: []string{}, index: i, weight: inv.weight()}
			}
			result.Results = append(result.Results, *r)
		}
	case StrategyRace:
		if winner != nil {
			result.Results = append(result.Results, *winner)
		}
	case StrategyQuorum:
		for _, r := range arrived {
			if r != nil && r.Success {
				result.Results = append(result.Results, *r)
			}
		}
		result.QuorumReached = successes >= need
	}

	result.Consolidated = consolidate(result.Succeeded(), opts.Consolidation)
	result.Duration = time.Since(start)

	e.logger.Info("parallel execution finished",
		zap.String("strategy", string(opts.Strategy)),
		zap.Int("invocations", len(invocations)),
		zap.Int("successes", successes),
		zap.Bool("timed_out", result.TimedOut),
		zap.Duration("duration", result.Duration))
	return result, nil
}

// quorumSize is ceil(n × threshold), at least 1.
func quorumSize(n int, threshold float64) int {
	need := int(math.Ceil(float64(n) * threshold))
	if need < 1 {
		need = 1
	}
	return need
}

// invoke runs one agent to its terminal event. Panics and timeouts become
// failed results.
func (e *Executor) invoke(ctx context.Context, index int, inv Invocation, timeout time.Duration) (res AgentResult) {
	start := time.Now()
	res = AgentResult{
		Role:        inv.Role,
		Mode:        inv.Mode,
		ToolsCalled: []string{},
		index:       index,
		weight:      inv.weight(),
	}
	defer func() {
		if p := recover(); p != nil {
			e.logger.Error("invocation panicked",
				zap.String("role", string(inv.Role)),
				zap.Any("panic", p))
			res.Success = false
			res.Error = fmt.Sprintf("panic: %v", p)
		}
		res.Duration = time.Since(start)
	}()

	var ictx context.Context
	var cancel context.CancelFunc
	if timeout > 0 {
		ictx, cancel = context.WithTimeout(ctx, timeout)
	} else {
		ictx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	e.observe(agentloop.Event{
		Kind:      agentloop.EventAgentStart,
		Agent:     string(inv.Role),
		Text:      inv.Input,
		Timestamp: start,
	})

	runner, err := e.factory.Runner(inv.Role, inv.Mode)
	if err != nil {
		res.Error = err.Error()
		return res
	}

	// Output is the text of the last iteration that produced any.
	var text strings.Builder
	iteration := -1
	events := runner.Run(ictx, inv.Input)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				res.Error = e.stopReason(ictx, inv)
				return res
			}
			e.observe(ev)
			switch ev.Kind {
			case agentloop.EventText:
				if ev.Iteration != iteration {
					text.Reset()
					iteration = ev.Iteration
				}
				text.WriteString(ev.Text)
			case agentloop.EventToolStart:
				res.ToolsCalled = append(res.ToolsCalled, ev.ToolName)
			case agentloop.EventDone:
				res.Success = true
				res.Output = text.String()
				return res
			case agentloop.EventError:
				res.Error = ev.Error
				res.Output = text.String()
				return res
			}
		case <-ictx.Done():
			res.Error = e.stopReason(ictx, inv)
			return res
		}
	}
}

func (e *Executor) stopReason(ctx context.Context, inv Invocation) string {
	switch err := ctx.Err(); {
	case errors.Is(err, context.DeadlineExceeded):
		e.logger.Warn("invocation timed out", zap.String("role", string(inv.Role)))
		return timeoutError
	case err != nil:
		return err.Error()
	default:
		return "agent stopped without a result"
	}
}

func (e *Executor) observe(ev agentloop.Event) {
	if e.observer != nil {
		e.observer(ev)
	}
}
