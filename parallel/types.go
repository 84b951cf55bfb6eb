// Package parallel runs several role agents concurrently and consolidates
// their answers.
package parallel

import (
	"fmt"
	"time"

	"github.com/martinemde/ensemble/agentloop"
	"github.com/martinemde/ensemble/roles"
)

// Strategy decides when an execution is complete.
type Strategy string

const (
	// StrategyAll waits for every invocation.
	StrategyAll Strategy = "all"
	// StrategyRace stops at the first successful invocation.
	StrategyRace Strategy = "race"
	// StrategyQuorum stops once enough invocations have succeeded.
	StrategyQuorum Strategy = "quorum"
)

// Consolidation reduces successful outputs to one answer.
type Consolidation string

const (
	ConsolidateMerge Consolidation = "merge"
	ConsolidateBest  Consolidation = "best"
	ConsolidateVote  Consolidation = "vote"
)

// ParseStrategy parses a strategy name.
func ParseStrategy(s string) (Strategy, error) {
	switch st := Strategy(s); st {
	case StrategyAll, StrategyRace, StrategyQuorum:
		return st, nil
	}
	return "", fmt.Errorf("unknown strategy %q (want all, race, or quorum)", s)
}

// ParseConsolidation parses a consolidation name.
func ParseConsolidation(s string) (Consolidation, error) {
	switch c := Consolidation(s); c {
	case ConsolidateMerge, ConsolidateBest, ConsolidateVote:
		return c, nil
	}
	return "", fmt.Errorf("unknown consolidation %q (want merge, best, or vote)", s)
}

// Invocation requests one run of a role agent.
type Invocation struct {
	Role   roles.Role `json:"role"`
	Mode   roles.Mode `json:"mode,omitempty"`
	Input  string     `json:"input"`
	Weight float64    `json:"weight,omitempty"`
}

// weight returns the scoring weight; unset weights count as 1.
func (inv Invocation) weight() float64 {
	if inv.Weight <= 0 {
		return 1
	}
	return inv.Weight
}

// AgentResult is the outcome of one invocation.
type AgentResult struct {
	Role        roles.Role    `json:"role"`
	Mode        roles.Mode    `json:"mode,omitempty"`
	Success     bool          `json:"success"`
	Output      string        `json:"output"`
	ToolsCalled []string      `json:"tools_called"`
	Duration    time.Duration `json:"duration"`
	Error       string        `json:"error,omitempty"`

	index  int
	weight float64
}

// Options configures one execution. Zero values take the defaults from
// DefaultOptions.
type Options struct {
	Strategy      Strategy
	Consolidation Consolidation
	// Timeout bounds the whole execution.
	Timeout time.Duration
	// InvocationTimeout bounds each invocation. Zero leaves invocations
	// bounded only by Timeout.
	InvocationTimeout time.Duration
	// QuorumThreshold is the fraction of invocations that must succeed
	// under StrategyQuorum, in (0, 1].
	QuorumThreshold float64
	// MaxConcurrency limits simultaneous invocations; 0 means unlimited.
	MaxConcurrency int
}

// DefaultOptions returns strategy all, merge consolidation, a five minute
// timeout, and a 0.5 quorum threshold.
func DefaultOptions() Options {
	return Options{
		Strategy:        StrategyAll,
		Consolidation:   ConsolidateMerge,
		Timeout:         5 * time.Minute,
		QuorumThreshold: 0.5,
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.Strategy == "" {
		o.Strategy = def.Strategy
	}
	if o.Consolidation == "" {
		o.Consolidation = def.Consolidation
	}
	if o.Timeout <= 0 {
		o.Timeout = def.Timeout
	}
	if o.InvocationTimeout > o.Timeout {
		o.InvocationTimeout = o.Timeout
	}
	if o.QuorumThreshold <= 0 {
		o.QuorumThreshold = def.QuorumThreshold
	}
	return o
}

func (o Options) validate() error {
	if _, err := ParseStrategy(string(o.Strategy)); err != nil {
		return err
	}
	if _, err := ParseConsolidation(string(o.Consolidation)); err != nil {
		return err
	}
	if o.QuorumThreshold > 1 {
		return fmt.Errorf("quorum threshold %v must be in (0, 1]", o.QuorumThreshold)
	}
	if o.MaxConcurrency < 0 {
		return fmt.Errorf("max concurrency %d must not be negative", o.MaxConcurrency)
	}
	return nil
}

// Result is the outcome of an execution.
type Result struct {
	// Results holds one entry per invocation for StrategyAll, at most one
	// successful entry for StrategyRace, and the successes that arrived in
	// time for StrategyQuorum, in invocation order.
	Results       []AgentResult `json:"results"`
	Consolidated  string        `json:"consolidated"`
	TimedOut      bool          `json:"timed_out"`
	QuorumReached bool          `json:"quorum_reached"`
	Duration      time.Duration `json:"duration"`
}

// Succeeded returns the successful results in invocation order.
func (r *Result) Succeeded() []AgentResult {
	var out []AgentResult
	for _, res := range r.Results {
		if res.Success {
			out = append(out, res)
		}
	}
	return out
}

// Factory creates the agent for an invocation. *roles.Factory implements it.
type Factory interface {
	Runner(role roles.Role, mode roles.Mode) (agentloop.Runner, error)
}

// Observer receives every event of every invocation, plus an agent_start
// event when an invocation begins. It is called from many goroutines.
type Observer func(agentloop.Event)
