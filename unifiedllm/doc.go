// Package unifiedllm is the model collaborator used by the agent packages. It
// wraps the gollm library (github.com/teilomillet/gollm) behind a
// provider-agnostic Client.
//
// # Architecture
//
//   - ProviderAdapter: the interface every backend implements (GollmAdapter is
//     the production one; tests supply fakes)
//   - Client: provider routing plus Middleware chaining
//   - StructuredSystemPrompt, SchemaFormat: structured output against a JSON Schema
//
// # Quick Start
//
//	adapter, _ := unifiedllm.NewGollmAdapter("openrouter", os.Getenv("OPENROUTER_API_KEY"),
//	    unifiedllm.WithModel("openai/gpt-4.1-mini"))
//	client := unifiedllm.NewClient(unifiedllm.WithProvider("openrouter", adapter))
//
//	resp, _ := client.Complete(ctx, unifiedllm.Request{
//	    Messages: []unifiedllm.Message{unifiedllm.UserMessage("Hello")},
//	})
//	fmt.Println(resp.Text())
//
// # Errors
//
// Provider failures are translated into the ProviderError family, one type per
// failure class, so callers match them with errors.As. UnexpectedModelBehaviorError marks a model that
// broke the conversation protocol; agent code checks for it with errors.As.
package unifiedllm
