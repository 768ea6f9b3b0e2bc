package unifiedllm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/teilomillet/gollm"
)

// GollmAdapter wraps a gollm.LLM instance and implements ProviderAdapter.
// It translates between the unified request types and gollm's prompt API.
type GollmAdapter struct {
	provider string
	llm      gollm.LLM
	model    string
}

// GollmAdapterOption configures a GollmAdapter.
type GollmAdapterOption func(*gollmAdapterConfig)

type gollmAdapterConfig struct {
	model       string
	maxTokens   int
	temperature float64
	extraOpts   []gollm.ConfigOption
}

// WithModel sets the default model for the adapter.
func WithModel(model string) GollmAdapterOption {
	return func(c *gollmAdapterConfig) {
		c.model = model
	}
}

// WithMaxTokens sets the default max tokens.
func WithMaxTokens(n int) GollmAdapterOption {
	return func(c *gollmAdapterConfig) {
		c.maxTokens = n
	}
}

// WithTemperature sets the default temperature.
func WithTemperature(t float64) GollmAdapterOption {
	return func(c *gollmAdapterConfig) {
		c.temperature = t
	}
}

// WithGollmOptions adds extra gollm configuration options.
func WithGollmOptions(opts ...gollm.ConfigOption) GollmAdapterOption {
	return func(c *gollmAdapterConfig) {
		c.extraOpts = append(c.extraOpts, opts...)
	}
}

// NewGollmAdapter creates a new GollmAdapter for the given provider.
// If apiKey is empty, gollm will attempt to read it from environment variables.
func NewGollmAdapter(provider string, apiKey string, opts ...GollmAdapterOption) (*GollmAdapter, error) {
	cfg := &gollmAdapterConfig{
		maxTokens:   4096,
		temperature: 0.2,
	}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.model == "" {
		return nil, &ConfigurationError{SDKError: SDKError{
			Message: fmt.Sprintf("no model configured for provider %q", provider),
		}}
	}

	gollmOpts := []gollm.ConfigOption{
		gollm.SetProvider(provider),
		gollm.SetModel(cfg.model),
		gollm.SetMaxTokens(cfg.maxTokens),
		gollm.SetTemperature(cfg.temperature),
		gollm.SetMaxRetries(0), // callers own the retry budget
		gollm.SetLogLevel(gollm.LogLevelWarn),
	}
	if apiKey != "" {
		gollmOpts = append(gollmOpts, gollm.SetAPIKey(apiKey))
	}
	gollmOpts = append(gollmOpts, cfg.extraOpts...)

	llm, err := gollm.NewLLM(gollmOpts...)
	if err != nil {
		return nil, &ConfigurationError{SDKError: SDKError{
			Message: fmt.Sprintf("failed to create gollm LLM for provider %s", provider),
			Cause:   err,
		}}
	}

	return &GollmAdapter{
		provider: provider,
		llm:      llm,
		model:    cfg.model,
	}, nil
}

// NewGollmAdapterFromLLM wraps an existing gollm.LLM instance.
func NewGollmAdapterFromLLM(provider string, llm gollm.LLM) *GollmAdapter {
	return &GollmAdapter{
		provider: provider,
		llm:      llm,
	}
}

// Name returns the provider identifier.
func (a *GollmAdapter) Name() string {
	return a.provider
}

// Complete sends a blocking request and returns the full response.
func (a *GollmAdapter) Complete(ctx context.Context, req Request) (*Response, error) {
	prompt := a.translateRequest(req)
	a.applyRequestOptions(req)

	var text string
	var err error
	if schema := structuredSchema(req); schema != nil {
		text, err = a.llm.GenerateWithSchema(ctx, prompt, schema)
	} else {
		text, err = a.llm.Generate(ctx, prompt)
	}
	if err != nil {
		return nil, a.translateError(err)
	}
	return a.buildResponse(req, text), nil
}

// structuredSchema returns the JSON schema the response must satisfy. gollm
// cannot combine a schema with tool definitions, so requests that offer tools
// fall back to the schema instruction in the system prompt.
func structuredSchema(req Request) map[string]any {
	rf := req.ResponseFormat
	if rf == nil || rf.Type != "json_schema" || len(rf.JSONSchema) == 0 || len(req.ToolDefs) > 0 {
		return nil
	}
	return rf.JSONSchema
}

// translateRequest flattens the conversation into a gollm Prompt. gollm takes a
// single user turn, so earlier turns are rendered as labelled transcript lines.
func (a *GollmAdapter) translateRequest(req Request) *gollm.Prompt {
	var systemPrompt strings.Builder
	var userParts []string

	for _, msg := range req.Messages {
		switch msg.Role {
		case RoleSystem:
			systemPrompt.WriteString(msg.TextContent())
			systemPrompt.WriteString("\n")
		case RoleUser:
			userParts = append(userParts, msg.TextContent())
		case RoleAssistant:
			if text := msg.TextContent(); text != "" {
				userParts = append(userParts, "[Assistant]: "+text)
			}
			for _, tc := range msg.ToolCalls() {
				args := string(tc.Arguments)
				if tc.RawArguments != "" {
					args = tc.RawArguments
				}
				userParts = append(userParts, fmt.Sprintf("[Tool Call %s] %s(%s)", tc.ID, tc.Name, args))
			}
		case RoleTool:
			for _, part := range msg.Content {
				if part.Kind != ContentToolResult || part.ToolResult == nil {
					continue
				}
				var content string
				if err := json.Unmarshal(part.ToolResult.Content, &content); err != nil || content == "" {
					content = string(part.ToolResult.Content)
				}
				prefix := "[Tool Result " + part.ToolResult.ToolCallID + "]"
				if part.ToolResult.IsError {
					prefix = "[Tool Error " + part.ToolResult.ToolCallID + "]"
				}
				userParts = append(userParts, prefix+": "+content)
			}
		}
	}

	promptText := strings.Join(userParts, "\n")
	if promptText == "" {
		promptText = "Hello"
	}

	var promptOpts []gollm.PromptOption
	if sp := strings.TrimSpace(systemPrompt.String()); sp != "" {
		promptOpts = append(promptOpts, gollm.WithSystemPrompt(sp, gollm.CacheTypeEphemeral))
	}
	if req.MaxTokens != nil {
		promptOpts = append(promptOpts, gollm.WithMaxLength(*req.MaxTokens))
	}
	if len(req.ToolDefs) > 0 {
		tools := make([]gollm.Tool, 0, len(req.ToolDefs))
		for _, t := range req.ToolDefs {
			tools = append(tools, gollm.Tool{
				Type: "function",
				Function: gollm.Function{
					Name:        t.Name,
					Description: t.Description,
					Parameters:  t.Parameters,
				},
			})
		}
		promptOpts = append(promptOpts, gollm.WithTools(tools))
	}
	if req.ToolChoice != nil {
		promptOpts = append(promptOpts, gollm.WithToolChoice(req.ToolChoice.Mode))
	}

	return gollm.NewPrompt(promptText, promptOpts...)
}

func (a *GollmAdapter) applyRequestOptions(req Request) {
	if req.Model != "" {
		a.llm.SetOption("model", req.Model)
	}
	if req.Temperature != nil {
		a.llm.SetOption("temperature", *req.Temperature)
	}
	if req.MaxTokens != nil {
		a.llm.SetOption("max_tokens", *req.MaxTokens)
	}
}

func (a *GollmAdapter) buildResponse(req Request, text string) *Response {
	model := req.Model
	if model == "" {
		model = a.model
	}

	toolCalls, rest := parseToolCalls(text)

	var contentParts []ContentPart
	if rest != "" {
		contentParts = append(contentParts, TextPart(rest))
	}
	for i := range toolCalls {
		contentParts = append(contentParts, ContentPart{Kind: ContentToolCall, ToolCall: &toolCalls[i]})
	}

	finishReason := FinishReason{Reason: "stop", Raw: "stop"}
	if len(toolCalls) > 0 {
		finishReason = FinishReason{Reason: "tool_calls", Raw: "tool_calls"}
	}

	in := estimateTokens(req)
	return &Response{
		ID:       "resp_" + uuid.New().String()[:8],
		Model:    model,
		Provider: a.provider,
		Message: Message{
			Role:    RoleAssistant,
			Content: contentParts,
		},
		FinishReason: finishReason,
		Usage: Usage{
			// gollm doesn't expose usage; estimate from text length.
			InputTokens:  in,
			OutputTokens: len(text) / 4,
			TotalTokens:  in + len(text)/4,
		},
	}
}

type rawToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// parseToolCalls extracts tool calls that gollm returns embedded in the
// response text, either as {"tool_calls":[...]} or as a bare array of call
// objects. Only top-level JSON values in the text are considered, whatever
// their key order or spacing. It returns the calls and the remaining text.
func parseToolCalls(text string) ([]ToolCallData, string) {
	for start := 0; start < len(text); start++ {
		if text[start] != '{' && text[start] != '[' {
			continue
		}
		dec := json.NewDecoder(strings.NewReader(text[start:]))
		var value json.RawMessage
		if err := dec.Decode(&value); err != nil {
			continue
		}
		end := start + int(dec.InputOffset())

		if raws := decodeToolCalls(value); len(raws) > 0 {
			rest := strings.TrimSpace(strings.TrimSpace(text[:start]) + "\n" + strings.TrimSpace(text[end:]))
			return toolCallData(raws), rest
		}
		// Skip the whole value so nested arrays are not mistaken for calls.
		start = end - 1
	}
	return nil, text
}

// decodeToolCalls returns the calls in value, or nil when value is not a
// tool call envelope. Every call must name its tool.
func decodeToolCalls(value json.RawMessage) []rawToolCall {
	var raws []rawToolCall
	if value[0] == '{' {
		var wrapped struct {
			ToolCalls []rawToolCall `json:"tool_calls"`
		}
		if json.Unmarshal(value, &wrapped) != nil {
			return nil
		}
		raws = wrapped.ToolCalls
	} else if json.Unmarshal(value, &raws) != nil {
		return nil
	}
	for _, rc := range raws {
		if rc.Name == "" {
			return nil
		}
	}
	return raws
}

func toolCallData(raws []rawToolCall) []ToolCallData {
	calls := make([]ToolCallData, 0, len(raws))
	for _, rc := range raws {
		id := rc.ID
		if id == "" {
			id = "call_" + uuid.New().String()[:8]
		}
		call := ToolCallData{ID: id, Name: rc.Name, Arguments: rc.Arguments}
		// Some providers send arguments as a JSON-encoded string.
		var s string
		if len(rc.Arguments) > 0 && json.Unmarshal(rc.Arguments, &s) == nil {
			call.Arguments = nil
			call.RawArguments = s
		}
		calls = append(calls, call)
	}
	return calls
}

// translateError converts a gollm error into the unified error hierarchy.
func (a *GollmAdapter) translateError(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	pe := func(status int) ProviderError {
		return ProviderError{
			SDKError:   SDKError{Message: msg, Cause: err},
			Provider:   a.provider,
			StatusCode: status,
		}
	}

	msgLower := strings.ToLower(msg)
	switch {
	case strings.Contains(msgLower, "does not match schema"):
		return &UnexpectedModelBehaviorError{Message: "response does not match the requested schema", Body: msg}
	case strings.Contains(msgLower, "401") || strings.Contains(msgLower, "unauthorized") || strings.Contains(msgLower, "invalid api key"):
		return &AuthenticationError{ProviderError: pe(401)}
	case strings.Contains(msgLower, "404") || strings.Contains(msgLower, "not found"):
		return &NotFoundError{ProviderError: pe(404)}
	case strings.Contains(msgLower, "429") || strings.Contains(msgLower, "rate limit"):
		return &RateLimitError{ProviderError: pe(429)}
	case strings.Contains(msgLower, "context length") || strings.Contains(msgLower, "too many tokens"):
		return &ContextLengthError{ProviderError: pe(413)}
	case strings.Contains(msgLower, "500") || strings.Contains(msgLower, "internal server"):
		return &ServerError{ProviderError: pe(500)}
	case strings.Contains(msgLower, "timeout") || strings.Contains(msgLower, "deadline exceeded"):
		return &RequestTimeoutError{SDKError: SDKError{Message: msg, Cause: err}}
	case strings.Contains(msgLower, "content filter") || strings.Contains(msgLower, "safety"):
		return &ContentFilterError{ProviderError: pe(0)}
	default:
		p := pe(0)
		return &p
	}
}

func estimateTokens(req Request) int {
	total := 0
	for _, msg := range req.Messages {
		for _, part := range msg.Content {
			if part.Kind == ContentText {
				total += len(part.Text) / 4
			}
		}
	}
	if total == 0 {
		total = 10
	}
	return total
}
