// Package unifiedllm provides the provider-agnostic streaming chat client the
// agent loop talks to. It wraps the gollm library
// (github.com/teilomillet/gollm) behind a small ProviderAdapter interface.
//
// # Architecture
//
//   - ProviderAdapter: one backend (GollmAdapter for OpenAI and Anthropic).
//   - Client: routes by provider, applies stream middleware, and retries
//     streams that fail to open using RetryPolicy (exponential backoff with
//     jitter, Retry-After honored). Errors after a stream opens arrive
//     in-band as a ChatChunk with Err set and are terminal.
//   - StreamAccumulator: rebuilds text and index-keyed tool calls from
//     streamed ChatChunks.
//   - Errors: a typed hierarchy classified by IsRetryable.
//   - Catalog: known models and their context windows.
//
// # Quick Start
//
//	adapter, _ := unifiedllm.NewGollmAdapter("anthropic", os.Getenv("ANTHROPIC_API_KEY"))
//	client := unifiedllm.NewClient(
//	    unifiedllm.WithProvider("anthropic", adapter),
//	    unifiedllm.WithDefaultModel("claude-sonnet-4-5"),
//	)
//
//	chunks, err := client.Chat(ctx, []unifiedllm.Message{unifiedllm.UserMessage("Hello")}, nil)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	acc := unifiedllm.NewStreamAccumulator()
//	for chunk := range chunks {
//	    if chunk.Err != nil {
//	        log.Fatal(chunk.Err)
//	    }
//	    acc.Process(chunk)
//	}
//	fmt.Println(acc.Text())
package unifiedllm
