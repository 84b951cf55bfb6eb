package parallel

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/martinemde/ensemble/agentloop"
	"github.com/martinemde/ensemble/coretools"
	"github.com/martinemde/ensemble/roles"
	"github.com/martinemde/ensemble/unifiedllm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// script describes how a fake agent behaves.
type script struct {
	delay  time.Duration
	output string
	fail   string
	tools  []string
	hang   bool
	panics bool
	active *int32
	peak   *int32
}

func (s script) Run(ctx context.Context, input string) <-chan agentloop.Event {
	ch := make(chan agentloop.Event, len(s.tools)+4)
	go func() {
		defer close(ch)
		if s.hang {
			<-ctx.Done()
			return
		}
		if s.active != nil {
			s.track()
		}
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return
		}
		if s.active != nil {
			atomic.AddInt32(s.active, -1)
		}
		for _, name := range s.tools {
			ch <- agentloop.Event{Kind: agentloop.EventToolStart, ToolName: name, Iteration: 1}
		}
		if s.fail != "" {
			ch <- agentloop.Event{Kind: agentloop.EventError, Error: s.fail, Iteration: 1}
			return
		}
		ch <- agentloop.Event{Kind: agentloop.EventText, Text: s.output, Iteration: 1}
		ch <- agentloop.Event{Kind: agentloop.EventDone, Iteration: 1}
	}()
	return ch
}

// track records a new active run and the peak seen so far.
func (s script) track() {
	n := atomic.AddInt32(s.active, 1)
	for {
		p := atomic.LoadInt32(s.peak)
		if n <= p || atomic.CompareAndSwapInt32(s.peak, p, n) {
			return
		}
	}
}

type fakeFactory map[roles.Role]script

func (f fakeFactory) Runner(role roles.Role, mode roles.Mode) (agentloop.Runner, error) {
	s, ok := f[role]
	if !ok {
		return nil, &roles.UnknownRoleError{Name: string(role)}
	}
	if s.panics {
		panic("boom")
	}
	return s, nil
}

func invocations(rs ...roles.Role) []Invocation {
	var out []Invocation
	for _, r := range rs {
		out = append(out, Invocation{Role: r, Input: "task"})
	}
	return out
}

func TestExecuteAllKeepsEveryResult(t *testing.T) {
	f := fakeFactory{
		roles.Coder:    {delay: 20 * time.Millisecond, output: "patched", tools: []string{"read_file", "edit_file"}},
		roles.Reviewer: {fail: "model unavailable"},
		roles.Debugger: {panics: true},
	}
	invs := invocations(roles.Coder, roles.Reviewer, roles.Debugger, "nobody")

	res, err := NewExecutor(f).Execute(context.Background(), invs, Options{Strategy: StrategyAll})
	require.NoError(t, err)
	require.Len(t, res.Results, len(invs))
	assert.False(t, res.TimedOut)

	assert.Equal(t, roles.Coder, res.Results[0].Role)
	assert.True(t, res.Results[0].Success)
	assert.Equal(t, "patched", res.Results[0].Output)
	assert.Equal(t, []string{"read_file", "edit_file"}, res.Results[0].ToolsCalled)

	assert.False(t, res.Results[1].Success)
	assert.Equal(t, "model unavailable", res.Results[1].Error)
	assert.False(t, res.Results[2].Success)
	assert.Equal(t, "panic: boom", res.Results[2].Error)
	assert.False(t, res.Results[3].Success)
	assert.Contains(t, res.Results[3].Error, "unknown role")

	assert.Equal(t, "## coder\n\npatched", res.Consolidated)
}

func TestExecuteAllInvocationTimeout(t *testing.T) {
	f := fakeFactory{
		roles.Coder:    {output: "done"},
		roles.Explorer: {hang: true},
	}
	res, err := NewExecutor(f).Execute(context.Background(), invocations(roles.Coder, roles.Explorer),
		Options{Strategy: StrategyAll, Timeout: 5 * time.Second, InvocationTimeout: 50 * time.Millisecond})
	require.NoError(t, err)
	require.Len(t, res.Results, 2)
	assert.False(t, res.TimedOut)
	assert.True(t, res.Results[0].Success)
	assert.Equal(t, "Timeout", res.Results[1].Error)
}

func TestExecuteAllGlobalTimeout(t *testing.T) {
	f := fakeFactory{
		roles.Coder:    {output: "done"},
		roles.Explorer: {hang: true},
	}
	res, err := NewExecutor(f).Execute(context.Background(), invocations(roles.Coder, roles.Explorer),
		Options{Strategy: StrategyAll, Timeout: 50 * time.Millisecond})
	require.NoError(t, err)
	require.Len(t, res.Results, 2)
	assert.True(t, res.TimedOut)
	assert.Equal(t, "Timeout", res.Results[1].Error)
	assert.Equal(t, roles.Explorer, res.Results[1].Role)
}

func TestExecuteRace(t *testing.T) {
	t.Run("first success wins", func(t *testing.T) {
		f := fakeFactory{
			roles.Coder:    {delay: 20 * time.Millisecond, output: "fast answer"},
			roles.Reviewer: {fail: "boom"},
			roles.Debugger: {hang: true},
		}
		res, err := NewExecutor(f).Execute(context.Background(), invocations(roles.Coder, roles.Reviewer, roles.Debugger),
			Options{Strategy: StrategyRace, Timeout: 5 * time.Second})
		require.NoError(t, err)
		require.Len(t, res.Results, 1)
		assert.True(t, res.Results[0].Success)
		assert.Equal(t, roles.Coder, res.Results[0].Role)
		assert.Equal(t, "## coder\n\nfast answer", res.Consolidated)
		assert.False(t, res.TimedOut)
	})

	t.Run("all failures resolve empty", func(t *testing.T) {
		f := fakeFactory{
			roles.Coder:    {fail: "a"},
			roles.Reviewer: {fail: "b"},
		}
		res, err := NewExecutor(f).Execute(context.Background(), invocations(roles.Coder, roles.Reviewer),
			Options{Strategy: StrategyRace, Timeout: 5 * time.Second})
		require.NoError(t, err)
		assert.Empty(t, res.Results)
		assert.False(t, res.TimedOut)
		assert.Empty(t, res.Consolidated)
	})

	t.Run("global timeout resolves empty", func(t *testing.T) {
		f := fakeFactory{
			roles.Coder:    {hang: true},
			roles.Reviewer: {fail: "b"},
		}
		res, err := NewExecutor(f).Execute(context.Background(), invocations(roles.Coder, roles.Reviewer),
			Options{Strategy: StrategyRace, Timeout: 50 * time.Millisecond})
		require.NoError(t, err)
		assert.Empty(t, res.Results)
		assert.True(t, res.TimedOut)
	})
}

func TestExecuteQuorum(t *testing.T) {
	t.Run("reached", func(t *testing.T) {
		f := fakeFactory{
			roles.Coder:    {output: "a"},
			roles.Reviewer: {output: "b"},
			roles.Debugger: {hang: true},
			roles.Planner:  {hang: true},
		}
		res, err := NewExecutor(f).Execute(context.Background(),
			invocations(roles.Coder, roles.Reviewer, roles.Debugger, roles.Planner),
			Options{Strategy: StrategyQuorum, QuorumThreshold: 0.5, Timeout: 5 * time.Second})
		require.NoError(t, err)
		assert.True(t, res.QuorumReached)
		assert.False(t, res.TimedOut)
		require.Len(t, res.Results, 2)
		assert.Equal(t, roles.Coder, res.Results[0].Role)
		assert.Equal(t, roles.Reviewer, res.Results[1].Role)
	})

	t.Run("not reached at timeout", func(t *testing.T) {
		f := fakeFactory{
			roles.Coder:    {output: "a"},
			roles.Reviewer: {fail: "b"},
			roles.Debugger: {hang: true},
		}
		res, err := NewExecutor(f).Execute(context.Background(),
			invocations(roles.Coder, roles.Reviewer, roles.Debugger),
			Options{Strategy: StrategyQuorum, QuorumThreshold: 1, Timeout: 50 * time.Millisecond})
		require.NoError(t, err)
		assert.False(t, res.QuorumReached)
		assert.True(t, res.TimedOut)
		require.Len(t, res.Results, 1)
		assert.Equal(t, "a", res.Results[0].Output)
	})
}

func TestQuorumSize(t *testing.T) {
	assert.Equal(t, 2, quorumSize(4, 0.5))
	assert.Equal(t, 2, quorumSize(3, 0.5))
	assert.Equal(t, 3, quorumSize(3, 1))
	assert.Equal(t, 1, quorumSize(1, 0.1))
}

func TestExecuteMaxConcurrency(t *testing.T) {
	var active, peak int32
	s := script{delay: 10 * time.Millisecond, output: "ok", active: &active, peak: &peak}
	f := fakeFactory{roles.Coder: s, roles.Reviewer: s, roles.Planner: s, roles.Explorer: s}

	res, err := NewExecutor(f).Execute(context.Background(),
		invocations(roles.Coder, roles.Reviewer, roles.Planner, roles.Explorer),
		Options{MaxConcurrency: 1, Timeout: 5 * time.Second})
	require.NoError(t, err)
	assert.Len(t, res.Succeeded(), 4)
	assert.Equal(t, int32(1), atomic.LoadInt32(&peak))
}

func TestExecuteObserver(t *testing.T) {
	var mu sync.Mutex
	counts := map[agentloop.EventKind]int{}
	observer := func(ev agentloop.Event) {
		mu.Lock()
		defer mu.Unlock()
		counts[ev.Kind]++
	}
	f := fakeFactory{
		roles.Coder:    {output: "a", tools: []string{"grep"}},
		roles.Reviewer: {output: "b"},
	}

	_, err := NewExecutor(f, WithObserver(observer)).Execute(context.Background(), invocations(roles.Coder, roles.Reviewer), Options{})
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, counts[agentloop.EventAgentStart])
	assert.Equal(t, 2, counts[agentloop.EventDone])
	assert.Equal(t, 1, counts[agentloop.EventToolStart])
}

func TestExecuteInvalidOptions(t *testing.T) {
	e := NewExecutor(fakeFactory{})
	_, err := e.Execute(context.Background(), nil, Options{Strategy: "fastest"})
	assert.Error(t, err)
	_, err = e.Execute(context.Background(), nil, Options{Consolidation: "concat"})
	assert.Error(t, err)
	_, err = e.Execute(context.Background(), nil, Options{QuorumThreshold: 1.5})
	assert.Error(t, err)

	res, err := e.Execute(context.Background(), nil, Options{})
	require.NoError(t, err)
	assert.Empty(t, res.Results)
}

func TestExecuteParentCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	f := fakeFactory{roles.Coder: {hang: true}}
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err := NewExecutor(f).Execute(ctx, invocations(roles.Coder), Options{Timeout: 5 * time.Second})
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestOutputIsLastIterationText(t *testing.T) {
	runner := runnerFunc(func(ctx context.Context, input string) <-chan agentloop.Event {
		ch := make(chan agentloop.Event, 5)
		ch <- agentloop.Event{Kind: agentloop.EventText, Text: "let me look", Iteration: 1}
		ch <- agentloop.Event{Kind: agentloop.EventToolStart, ToolName: "grep", Iteration: 1}
		ch <- agentloop.Event{Kind: agentloop.EventText, Text: "The answer ", Iteration: 2}
		ch <- agentloop.Event{Kind: agentloop.EventText, Text: "is 4.", Iteration: 2}
		ch <- agentloop.Event{Kind: agentloop.EventDone, Iteration: 2}
		close(ch)
		return ch
	})
	res := NewExecutor(singleRunner{runner}).invoke(context.Background(), 0, Invocation{Role: roles.Explorer}, 0)
	assert.True(t, res.Success)
	assert.Equal(t, "The answer is 4.", res.Output)
	assert.Equal(t, []string{"grep"}, res.ToolsCalled)
}

type runnerFunc func(ctx context.Context, input string) <-chan agentloop.Event

func (f runnerFunc) Run(ctx context.Context, input string) <-chan agentloop.Event { return f(ctx, input) }

type singleRunner struct{ r agentloop.Runner }

func (s singleRunner) Runner(roles.Role, roles.Mode) (agentloop.Runner, error) { return s.r, nil }

// answerModel replies with a fixed answer and never calls tools.
type answerModel struct{ answer string }

func (m answerModel) Chat(ctx context.Context, _ []unifiedllm.Message, _ []unifiedllm.ToolDefinition) (<-chan unifiedllm.ChatChunk, error) {
	ch := make(chan unifiedllm.ChatChunk, 2)
	ch <- unifiedllm.ChatChunk{ContentDelta: m.answer}
	ch <- unifiedllm.ChatChunk{FinishReason: "stop"}
	close(ch)
	return ch, nil
}

func TestExecuteWithRoleFactory(t *testing.T) {
	factory := roles.NewFactory(answerModel{answer: "Use a mutex."},
		coretools.NewLocalEnvironment(t.TempDir()), roles.WithoutWorkspaceContext())
	invs := []Invocation{
		{Role: roles.Reviewer, Mode: roles.ModeSecurity, Input: "review"},
		{Role: roles.Debugger, Input: "review"},
	}

	res, err := NewExecutor(factory).Execute(context.Background(), invs, Options{Consolidation: ConsolidateMerge})
	require.NoError(t, err)
	require.Len(t, res.Results, 2)
	assert.Equal(t, "## reviewer (security)\n\nUse a mutex.\n\n## debugger\n\nUse a mutex.", res.Consolidated)
}
