// Package agentloop implements the single-agent turn loop.
//
// An Agent pairs a streaming chat model with a set of tools. Each Run sends
// the conversation to the model, executes any requested tool calls in
// order, feeds the results back, and repeats until the model answers
// without tools or the progress checks stop the run.
//
// # Architecture
//
// The package is organized around these core concepts:
//
//   - Agent: drives Run and owns nothing across runs; every Run gets its
//     own conversation history and ledgers.
//   - TaskLedger and ProgressLedger: what the run is trying to do and how
//     it is going. CheckProgress turns them into a continue, complete,
//     replan, or escalate verdict before each model call.
//   - ContextManager: chooses the messages sent to the model and compacts
//     older tool results, messages, and exploration notes under token
//     pressure. The system prompt, task, and recent messages are never
//     compacted.
//   - ToolRegistry: name-keyed Tool lookup with a typed not-found error.
//   - HookChain: PreToolUse and PostToolUse handlers that may veto or
//     rewrite tool calls.
//   - Event: the run's only output, delivered on a bounded channel that
//     ends with exactly one done or error event.
//
// # Quick Start
//
//	client := unifiedllm.NewClientFromEnv()
//	tools := agentloop.NewToolRegistry(myTool)
//	agent := agentloop.New(client, tools, agentloop.DefaultConfig())
//
//	for ev := range agent.Run(ctx, "What is 2+2?") {
//	    switch ev.Kind {
//	    case agentloop.EventText:
//	        fmt.Print(ev.Text)
//	    case agentloop.EventError:
//	        log.Fatal(ev.Error)
//	    }
//	}
package agentloop
