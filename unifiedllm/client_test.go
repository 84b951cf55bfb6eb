package unifiedllm

import (
	"context"
	"errors"
	"testing"
	"time"
)

// mockAdapter is a test double for ProviderAdapter.
type mockAdapter struct {
	name     string
	chunks   []ChatChunk
	err      error
	failures int // Stream fails with err this many times before succeeding
	calls    int
	lastReq  Request
}

func (m *mockAdapter) Name() string { return m.name }

func (m *mockAdapter) Stream(ctx context.Context, req Request) (<-chan ChatChunk, error) {
	m.calls++
	m.lastReq = req
	if m.err != nil && (m.failures == 0 || m.calls <= m.failures) {
		return nil, m.err
	}
	ch := make(chan ChatChunk, len(m.chunks))
	for _, c := range m.chunks {
		ch <- c
	}
	close(ch)
	return ch, nil
}

func newMockAdapter(name, text string) *mockAdapter {
	return &mockAdapter{
		name: name,
		chunks: []ChatChunk{
			{ContentDelta: text},
			{FinishReason: "stop", Usage: &Usage{InputTokens: 10, OutputTokens: 20, TotalTokens: 30}},
		},
	}
}

func drain(t *testing.T, ch <-chan ChatChunk) *StreamAccumulator {
	t.Helper()
	acc := NewStreamAccumulator()
	for chunk := range ch {
		if chunk.Err != nil {
			t.Fatalf("unexpected stream error: %v", chunk.Err)
		}
		acc.Process(chunk)
	}
	return acc
}

func TestClientStream(t *testing.T) {
	mock := newMockAdapter("test-provider", "Hello!")
	client := NewClient(
		WithProvider("test-provider", mock),
		WithDefaultProvider("test-provider"),
	)

	ch, err := client.Stream(context.Background(), Request{
		Model:    "test-model",
		Messages: []Message{UserMessage("Hi")},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	acc := drain(t, ch)
	if acc.Text() != "Hello!" {
		t.Errorf("expected text %q, got %q", "Hello!", acc.Text())
	}
	if acc.FinishReason() != "stop" {
		t.Errorf("expected finish reason stop, got %q", acc.FinishReason())
	}
	if mock.lastReq.Provider != "test-provider" {
		t.Errorf("expected provider %q on request, got %q", "test-provider", mock.lastReq.Provider)
	}
}

func TestClientProviderRouting(t *testing.T) {
	openai := newMockAdapter("openai", "OpenAI response")
	anthropic := newMockAdapter("anthropic", "Anthropic response")

	client := NewClient(
		WithProvider("openai", openai),
		WithProvider("anthropic", anthropic),
		WithDefaultProvider("openai"),
	)

	// Explicit provider.
	ch, err := client.Stream(context.Background(), Request{
		Model:    "claude-opus-4-6",
		Messages: []Message{UserMessage("Hi")},
		Provider: "anthropic",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := drain(t, ch).Text(); got != "Anthropic response" {
		t.Errorf("expected Anthropic response, got %q", got)
	}

	// Default provider.
	ch, err = client.Stream(context.Background(), Request{
		Model:    "gpt-4o",
		Messages: []Message{UserMessage("Hi")},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := drain(t, ch).Text(); got != "OpenAI response" {
		t.Errorf("expected OpenAI response, got %q", got)
	}
}

func TestClientCatalogProviderFallback(t *testing.T) {
	anthropic := newMockAdapter("anthropic", "from catalog")
	openai := newMockAdapter("openai", "wrong")
	client := NewClient(
		WithProvider("anthropic", anthropic),
		WithProvider("openai", openai),
	)

	ch, err := client.Stream(context.Background(), Request{
		Model:    "sonnet",
		Messages: []Message{UserMessage("Hi")},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := drain(t, ch).Text(); got != "from catalog" {
		t.Errorf("expected catalog provider routing, got %q", got)
	}
}

func TestClientNoProvider(t *testing.T) {
	client := NewClient()
	_, err := client.Stream(context.Background(), Request{
		Model:    "test-model",
		Messages: []Message{UserMessage("Hi")},
	})
	if err == nil {
		t.Fatal("expected error for no provider")
	}
	if _, ok := err.(*ConfigurationError); !ok {
		t.Errorf("expected ConfigurationError, got %T", err)
	}
}

func TestClientMiddlewareOrder(t *testing.T) {
	mock := newMockAdapter("test", "response")
	var order []int

	mw1 := func(ctx context.Context, req Request, next func(context.Context, Request) (<-chan ChatChunk, error)) (<-chan ChatChunk, error) {
		order = append(order, 1)
		ch, err := next(ctx, req)
		order = append(order, -1)
		return ch, err
	}
	mw2 := func(ctx context.Context, req Request, next func(context.Context, Request) (<-chan ChatChunk, error)) (<-chan ChatChunk, error) {
		order = append(order, 2)
		ch, err := next(ctx, req)
		order = append(order, -2)
		return ch, err
	}

	client := NewClient(
		WithProvider("test", mock),
		WithStreamMiddleware(mw1, mw2),
	)

	ch, err := client.Stream(context.Background(), Request{
		Model:    "test-model",
		Messages: []Message{UserMessage("Hi")},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	drain(t, ch)

	// Onion pattern: first registered runs first for request, reverse for response.
	expected := []int{1, 2, -2, -1}
	if len(order) != len(expected) {
		t.Fatalf("expected %d middleware calls, got %d", len(expected), len(order))
	}
	for i, v := range expected {
		if order[i] != v {
			t.Errorf("position %d: expected %d, got %d", i, v, order[i])
		}
	}
}

func TestClientRetriesOpen(t *testing.T) {
	mock := newMockAdapter("test", "eventually")
	mock.err = &ServerError{ProviderError: ProviderError{SDKError: SDKError{Message: "boom"}, Retryable: true}}
	mock.failures = 2

	var retries int
	client := NewClient(
		WithProvider("test", mock),
		WithRetryPolicy(RetryPolicy{
			MaxRetries: 2, BaseDelay: 0.001, BackoffMultiplier: 1, MaxDelay: 0.001,
			OnRetry: func(err error, attempt int, delay time.Duration) { retries++ },
		}),
	)

	ch, err := client.Stream(context.Background(), Request{Messages: []Message{UserMessage("Hi")}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := drain(t, ch).Text(); got != "eventually" {
		t.Errorf("expected %q, got %q", "eventually", got)
	}
	if mock.calls != 3 {
		t.Errorf("expected 3 stream attempts, got %d", mock.calls)
	}
	if retries != 2 {
		t.Errorf("expected OnRetry to run twice, got %d", retries)
	}
}

func TestClientNoRetryOnAuthError(t *testing.T) {
	mock := newMockAdapter("test", "")
	mock.err = &AuthenticationError{ProviderError: ProviderError{SDKError: SDKError{Message: "bad key"}}}

	client := NewClient(WithProvider("test", mock))
	_, err := client.Stream(context.Background(), Request{Messages: []Message{UserMessage("Hi")}})

	var auth *AuthenticationError
	if !errors.As(err, &auth) {
		t.Fatalf("expected AuthenticationError, got %v", err)
	}
	if mock.calls != 1 {
		t.Errorf("expected a single attempt, got %d", mock.calls)
	}
}

func TestClientChat(t *testing.T) {
	mock := newMockAdapter("test", "ok")
	client := NewClient(WithProvider("test", mock), WithDefaultModel("gpt-4o"))

	tools := []ToolDefinition{{Name: "read_file", Description: "Read a file"}}
	ch, err := client.Chat(context.Background(), []Message{UserMessage("Hi")}, tools)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	drain(t, ch)

	if mock.lastReq.Model != "gpt-4o" {
		t.Errorf("expected model gpt-4o, got %q", mock.lastReq.Model)
	}
	if mock.lastReq.ToolChoice == nil || mock.lastReq.ToolChoice.Mode != "auto" {
		t.Errorf("expected auto tool choice, got %+v", mock.lastReq.ToolChoice)
	}

	ch, err = client.Chat(context.Background(), []Message{UserMessage("Hi")}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	drain(t, ch)
	if mock.lastReq.ToolChoice != nil {
		t.Errorf("expected no tool choice without tools, got %+v", mock.lastReq.ToolChoice)
	}
}

func TestClientRegisterProvider(t *testing.T) {
	client := NewClient()
	mock := newMockAdapter("late", "registered later")
	client.RegisterProvider("late", mock)

	ch, err := client.Stream(context.Background(), Request{
		Model:    "test-model",
		Messages: []Message{UserMessage("Hi")},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := drain(t, ch).Text(); got != "registered later" {
		t.Errorf("expected %q, got %q", "registered later", got)
	}

	if names := client.Providers(); len(names) != 1 || names[0] != "late" {
		t.Errorf("expected providers [late], got %v", names)
	}
}

func TestClientAutoSingleProviderDefault(t *testing.T) {
	mock := newMockAdapter("only", "single provider")
	client := NewClient(WithProvider("only", mock))

	ch, err := client.Stream(context.Background(), Request{
		Model:    "test-model",
		Messages: []Message{UserMessage("Hi")},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := drain(t, ch).Text(); got != "single provider" {
		t.Errorf("expected %q, got %q", "single provider", got)
	}
}
