package agentloop

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/martinemde/sherlog/unifiedllm"
)

// Node is one step of a run's graph. The variants are *ModelRequestNode,
// *CallToolsNode and *EndNode; no other type implements Node.
type Node interface{ node() }

// ModelRequestNode sends the conversation to the model.
type ModelRequestNode struct {
	run      *Run
	executed bool
	events   []ModelEvent
	next     *CallToolsNode
	err      error
}

// CallToolsNode executes the tool calls of the preceding model response.
// When the response had no tool calls the run ends after this node.
type CallToolsNode struct {
	run       *Run
	Text      string
	ToolCalls []ToolCallPart
	stream    *ToolEventStream
}

// EndNode ends the run. Output is the model's final text.
type EndNode struct {
	Output string
}

func (*ModelRequestNode) node() {}
func (*CallToolsNode) node()    {}
func (*EndNode) node()          {}

// Stream executes the model request and returns its events.
func (n *ModelRequestNode) Stream(ctx context.Context) (*ModelEventStream, error) {
	if err := n.execute(ctx); err != nil {
		return nil, err
	}
	return &ModelEventStream{events: n.events}, nil
}

// Stream returns the node's tool event stream. Tools execute as the caller
// pulls events; calling Stream again returns the same stream.
func (n *CallToolsNode) Stream(context.Context) *ToolEventStream {
	if n.stream == nil {
		n.stream = &ToolEventStream{node: n}
	}
	return n.stream
}

// Run is one pass of an Agent over a prompt. A Run is driven by a single
// goroutine.
type Run struct {
	agent      *Agent
	history    []Turn
	current    Node
	owners     map[string]Toolset
	toolDefs   []unifiedllm.ToolDefinition
	requests   int
	usage      unifiedllm.Usage
	loopWarned bool
	output     string
	err        error
}

// Next executes the current node, if the caller has not already streamed it,
// and returns the node that follows. The first call returns the initial
// ModelRequestNode without executing anything. After the EndNode, Next
// returns io.EOF. A failure is sticky: every later call returns it again.
func (r *Run) Next(ctx context.Context) (Node, error) {
	if r.err != nil {
		return nil, r.err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	switch n := r.current.(type) {
	case nil:
		r.current = &ModelRequestNode{run: r}
	case *ModelRequestNode:
		if err := n.execute(ctx); err != nil {
			return nil, r.fail(err)
		}
		r.current = n.next
	case *CallToolsNode:
		if err := n.Stream(ctx).drain(ctx); err != nil {
			return nil, r.fail(err)
		}
		if len(n.ToolCalls) == 0 {
			r.output = n.Text
			r.current = &EndNode{Output: n.Text}
			r.agent.logger.Debug("agent run finished",
				"requests", r.requests,
				"input_tokens", r.usage.InputTokens,
				"output_tokens", r.usage.OutputTokens,
				"total_tokens", r.usage.TotalTokens)
		} else {
			r.current = &ModelRequestNode{run: r}
		}
	case *EndNode:
		return nil, io.EOF
	}
	return r.current, nil
}

// Output returns the final output once the run has reached its EndNode.
func (r *Run) Output() string { return r.output }

// History returns a copy of the conversation history.
func (r *Run) History() []Turn {
	h := make([]Turn, len(r.history))
	copy(h, r.history)
	return h
}

func (r *Run) fail(err error) error {
	r.err = err
	return err
}

func (n *ModelRequestNode) execute(ctx context.Context) error {
	if n.executed {
		return n.err
	}
	n.executed = true
	n.err = n.run.request(ctx, n)
	return n.err
}

func (r *Run) request(ctx context.Context, n *ModelRequestNode) error {
	a := r.agent
	if a.config.MaxModelRequests > 0 && r.requests >= a.config.MaxModelRequests {
		return &unifiedllm.UnexpectedModelBehaviorError{
			Message: fmt.Sprintf("Exceeded maximum model requests (%d)", a.config.MaxModelRequests),
		}
	}
	if err := r.loadTools(ctx); err != nil {
		return err
	}

	messages := ConvertHistoryToMessages(r.history)
	if a.systemPrompt != "" {
		messages = append([]unifiedllm.Message{unifiedllm.SystemMessage(a.systemPrompt)}, messages...)
	}
	req := unifiedllm.Request{
		Model:          a.modelID,
		Messages:       messages,
		ToolDefs:       r.toolDefs,
		ResponseFormat: a.format,
	}
	if len(r.toolDefs) > 0 {
		req.ToolChoice = &unifiedllm.ToolChoice{Mode: "auto"}
	}

	r.requests++
	resp, err := a.model.Complete(ctx, req)
	if err != nil {
		return fmt.Errorf("model request %d: %w", r.requests, err)
	}
	r.usage = r.usage.Add(resp.Usage)

	text := resp.Text()
	calls := resp.ToolCallsFromResponse()
	if strings.TrimSpace(text) == "" && len(calls) == 0 {
		return &unifiedllm.UnexpectedModelBehaviorError{Message: "Received empty model response"}
	}

	parts := make([]ToolCallPart, len(calls))
	for i, tc := range calls {
		parts[i] = toolCallPartFrom(tc)
	}
	r.history = append(r.history, NewAssistantTurn(text, parts, resp.Usage, resp.ID))
	a.logger.Debug("model response",
		"request", r.requests,
		"response_id", resp.ID,
		"tool_calls", len(parts),
		"finish_reason", resp.FinishReason.Reason)

	if text != "" {
		n.events = append(n.events, TextPartEvent{Content: text})
	}
	for _, p := range parts {
		n.events = append(n.events, ToolCallPartEvent{Part: p})
	}
	if len(parts) == 0 {
		n.events = append(n.events, FinalResultEvent{Output: text})
	}
	n.next = &CallToolsNode{run: r, Text: text, ToolCalls: parts}
	return nil
}

// loadTools lists every tool set once per run and indexes tools by name.
func (r *Run) loadTools(ctx context.Context) error {
	if r.owners != nil {
		return nil
	}
	owners := make(map[string]Toolset)
	var defs []unifiedllm.ToolDefinition
	for _, ts := range r.agent.toolsets {
		tools, err := ts.Tools(ctx)
		if err != nil {
			return fmt.Errorf("list tools: %w", err)
		}
		for _, td := range tools {
			if _, dup := owners[td.Name]; dup {
				return fmt.Errorf("tool name conflict: %q is provided by more than one tool set", td.Name)
			}
			owners[td.Name] = ts
			defs = append(defs, unifiedllm.ToolDefinition{
				Name:        td.Name,
				Description: td.Description,
				Parameters:  td.Parameters,
			})
		}
	}
	r.owners = owners
	r.toolDefs = defs
	r.agent.logger.Debug("tools loaded", "count", len(defs))
	return nil
}

// callTool executes one call. Argument, lookup and retry-prompt failures come
// back as error results for the model; only tool set failures return an error.
func (r *Run) callTool(ctx context.Context, tc ToolCallPart) (ToolReturnPart, error) {
	ret := ToolReturnPart{ToolCallID: tc.ToolCallID, ToolName: tc.ToolName}

	args, err := tc.ArgsAsMap()
	if err != nil {
		ret.Content = fmt.Sprintf("Tool %s: %v. Send arguments as a JSON object.", tc.ToolName, err)
		ret.IsError = true
		return ret, nil
	}

	owner, ok := r.owners[tc.ToolName]
	if !ok {
		ret.Content = fmt.Sprintf("Unknown tool: %s. Available tools: %s", tc.ToolName, strings.Join(r.toolNames(), ", "))
		ret.IsError = true
		return ret, nil
	}

	r.agent.logger.Debug("tool call", "tool", tc.ToolName, "call_id", tc.ToolCallID)
	content, err := owner.Call(ctx, tc.ToolName, args)
	var retry *RetryPromptError
	if errors.As(err, &retry) {
		ret.Content = retry.Message
		ret.IsError = true
		return ret, nil
	}
	if err != nil {
		return ToolReturnPart{}, err
	}
	ret.Content = content
	return ret, nil
}

func (r *Run) toolNames() []string {
	names := make([]string, 0, len(r.owners))
	for name := range r.owners {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// modelResult renders a tool result for the model, truncated to the
// configured limits. Events keep the full result.
func (r *Run) modelResult(ret ToolReturnPart) ToolResult {
	var content string
	switch c := ret.Content.(type) {
	case string:
		content = c
	case nil:
		content = ""
	default:
		b, err := json.Marshal(c)
		if err != nil {
			content = fmt.Sprint(c)
		} else {
			content = string(b)
		}
	}
	cfg := r.agent.config
	return ToolResult{
		ToolCallID: ret.ToolCallID,
		ToolName:   ret.ToolName,
		Content:    TruncateToolOutput(content, cfg.ToolOutputLimit, cfg.ToolLineLimit),
		IsError:    ret.IsError,
	}
}

// finishToolRound records the round's results and checks for a tool call
// loop. The first detected loop injects a steering message; a loop that
// persists after the warning ends the run.
func (r *Run) finishToolRound(results []ToolResult) error {
	if len(results) == 0 {
		return nil
	}
	r.history = append(r.history, NewToolResultsTurn(results))

	window := r.agent.config.LoopDetectionWindow
	if !DetectLoop(r.history, window) {
		return nil
	}
	if r.loopWarned {
		return &unifiedllm.UnexpectedModelBehaviorError{
			Message: fmt.Sprintf("Tool call loop detected: the last %d tool calls repeat after a warning", window),
		}
	}
	r.loopWarned = true
	warning := fmt.Sprintf("Loop detected: the last %d tool calls follow a repeating pattern. Try a different approach.", window)
	r.history = append(r.history, NewSteeringTurn(warning))
	r.agent.logger.Warn("tool call loop detected", "window", window)
	return nil
}
