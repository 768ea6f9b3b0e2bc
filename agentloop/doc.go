// Package agentloop implements the model-driven step graph an agent run walks
// through.
//
// An Agent pairs a Model with one or more Toolsets. Agent.Iter starts a Run,
// and Run.Next advances it one node at a time:
//
//	ModelRequestNode -> CallToolsNode -> ModelRequestNode -> ... -> EndNode
//
// Callers that want fine-grained progress stream a node before advancing:
// ModelRequestNode.Stream yields the model's text, tool call and final result
// events, and CallToolsNode.Stream executes tool calls one at a time, yielding
// a FunctionToolCallEvent before and a FunctionToolResultEvent after each.
//
// # Errors
//
// A tool set signals a recoverable failure with *RetryPromptError; the message
// reaches the model as an error result. Any other tool set error ends the
// stream wrapped in *ToolExecutionError. Protocol violations by the model (an
// empty response, a persistent tool call loop, too many requests) surface as
// *unifiedllm.UnexpectedModelBehaviorError.
//
// # Quick Start
//
//	agent := agentloop.NewAgent(client,
//	    agentloop.WithModelID("openai/gpt-4.1-mini"),
//	    agentloop.WithSystemPrompt("You analyse logs."),
//	    agentloop.WithToolsets(provider),
//	)
//	run := agent.Iter("find errors")
//	for {
//	    node, err := run.Next(ctx)
//	    if err != nil {
//	        return err
//	    }
//	    if end, ok := node.(*agentloop.EndNode); ok {
//	        fmt.Println(end.Output)
//	        break
//	    }
//	}
package agentloop
