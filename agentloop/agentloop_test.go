package agentloop

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"

	"github.com/martinemde/sherlog/unifiedllm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedModel returns its responses in order, then repeats the last one.
type scriptedModel struct {
	responses []*unifiedllm.Response
	err       error
	requests  []unifiedllm.Request
}

func (m *scriptedModel) Complete(_ context.Context, req unifiedllm.Request) (*unifiedllm.Response, error) {
	m.requests = append(m.requests, req)
	if m.err != nil {
		return nil, m.err
	}
	i := len(m.requests) - 1
	if i >= len(m.responses) {
		i = len(m.responses) - 1
	}
	return m.responses[i], nil
}

func textResponse(text string) *unifiedllm.Response {
	return &unifiedllm.Response{
		ID:      "resp_text",
		Message: unifiedllm.AssistantMessage(text),
		Usage:   unifiedllm.Usage{InputTokens: 1, OutputTokens: 1, TotalTokens: 2},
	}
}

func toolResponse(calls ...unifiedllm.ToolCallData) *unifiedllm.Response {
	msg := unifiedllm.Message{Role: unifiedllm.RoleAssistant}
	for i := range calls {
		msg.Content = append(msg.Content, unifiedllm.ContentPart{Kind: unifiedllm.ContentToolCall, ToolCall: &calls[i]})
	}
	return &unifiedllm.Response{ID: "resp_tools", Message: msg}
}

func clusterTool(calls *int) Tool {
	return Tool{
		Definition: ToolDefinition{
			Name:        "cluster_logs",
			Description: "Cluster log lines",
			Parameters:  map[string]interface{}{"type": "object"},
		},
		Handler: func(_ context.Context, args map[string]any) (any, error) {
			*calls++
			return []any{"clusterA"}, nil
		},
	}
}

func TestRunWalksGraph(t *testing.T) {
	var calls int
	model := &scriptedModel{responses: []*unifiedllm.Response{
		toolResponse(unifiedllm.ToolCallData{ID: "c1", Name: "cluster_logs", RawArguments: `{"window":"1h"}`}),
		textResponse("one cluster found"),
	}}
	agent := NewAgent(model,
		WithModelID("m"),
		WithSystemPrompt("sys"),
		WithToolsets(NewFunctionToolset(clusterTool(&calls))),
	)

	run := agent.Iter("find errors")
	ctx := context.Background()

	node, err := run.Next(ctx)
	require.NoError(t, err)
	require.IsType(t, &ModelRequestNode{}, node)
	assert.Empty(t, model.requests, "first node must not execute")

	node, err = run.Next(ctx)
	require.NoError(t, err)
	ctn, ok := node.(*CallToolsNode)
	require.True(t, ok)
	require.Len(t, ctn.ToolCalls, 1)
	assert.Equal(t, `{"window":"1h"}`, ctn.ToolCalls[0].Args)

	stream := ctn.Stream(ctx)
	ev, err := stream.Next(ctx)
	require.NoError(t, err)
	callEv, ok := ev.(FunctionToolCallEvent)
	require.True(t, ok)
	assert.Equal(t, "c1", callEv.Part.ToolCallID)
	assert.Equal(t, 0, calls, "tool runs only after the call event is consumed")

	ev, err = stream.Next(ctx)
	require.NoError(t, err)
	resEv, ok := ev.(FunctionToolResultEvent)
	require.True(t, ok)
	assert.Equal(t, []any{"clusterA"}, resEv.Result.Content)
	assert.Equal(t, 1, calls)

	_, err = stream.Next(ctx)
	assert.Equal(t, io.EOF, err)

	node, err = run.Next(ctx)
	require.NoError(t, err)
	require.IsType(t, &ModelRequestNode{}, node)

	node, err = run.Next(ctx)
	require.NoError(t, err)
	require.IsType(t, &CallToolsNode{}, node)

	node, err = run.Next(ctx)
	require.NoError(t, err)
	end, ok := node.(*EndNode)
	require.True(t, ok)
	assert.Equal(t, "one cluster found", end.Output)
	assert.Equal(t, "one cluster found", run.Output())

	_, err = run.Next(ctx)
	assert.Equal(t, io.EOF, err)

	// Second request carries the system prompt, tool definitions and the tool result.
	require.Len(t, model.requests, 2)
	req := model.requests[1]
	assert.Equal(t, "m", req.Model)
	assert.Equal(t, unifiedllm.RoleSystem, req.Messages[0].Role)
	require.Len(t, req.ToolDefs, 1)
	assert.Equal(t, "cluster_logs", req.ToolDefs[0].Name)
	last := req.Messages[len(req.Messages)-1]
	assert.Equal(t, unifiedllm.RoleTool, last.Role)
	assert.JSONEq(t, `"[\"clusterA\"]"`, string(last.Content[0].ToolResult.Content))
}

func TestModelRequestStream(t *testing.T) {
	model := &scriptedModel{responses: []*unifiedllm.Response{textResponse("done")}}
	run := NewAgent(model).Iter("hi")
	ctx := context.Background()

	node, err := run.Next(ctx)
	require.NoError(t, err)
	s, err := node.(*ModelRequestNode).Stream(ctx)
	require.NoError(t, err)

	var events []ModelEvent
	for {
		ev, err := s.Next(ctx)
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		events = append(events, ev)
	}
	assert.Equal(t, []ModelEvent{TextPartEvent{Content: "done"}, FinalResultEvent{Output: "done"}}, events)

	// Advancing does not call the model a second time.
	_, err = run.Next(ctx)
	require.NoError(t, err)
	assert.Len(t, model.requests, 1)
}

func TestAgentRun(t *testing.T) {
	model := &scriptedModel{responses: []*unifiedllm.Response{textResponse("answer")}}
	out, err := NewAgent(model).Run(context.Background(), "q")
	require.NoError(t, err)
	assert.Equal(t, "answer", out)
}

func TestEmptyResponseIsModelBehaviorError(t *testing.T) {
	model := &scriptedModel{responses: []*unifiedllm.Response{textResponse("  ")}}
	_, err := NewAgent(model).Run(context.Background(), "q")
	var umb *unifiedllm.UnexpectedModelBehaviorError
	require.ErrorAs(t, err, &umb)
	assert.Equal(t, "Received empty model response", umb.Message)
}

func TestMaxModelRequests(t *testing.T) {
	var calls int
	model := &scriptedModel{responses: []*unifiedllm.Response{
		toolResponse(unifiedllm.ToolCallData{ID: "c1", Name: "cluster_logs", Arguments: json.RawMessage(`{"n":1}`)}),
	}}
	cfg := DefaultConfig()
	cfg.MaxModelRequests = 2
	cfg.LoopDetectionWindow = 0
	agent := NewAgent(model, WithConfig(cfg), WithToolsets(NewFunctionToolset(clusterTool(&calls))))

	_, err := agent.Run(context.Background(), "q")
	var umb *unifiedllm.UnexpectedModelBehaviorError
	require.ErrorAs(t, err, &umb)
	assert.Contains(t, umb.Message, "Exceeded maximum model requests (2)")
	assert.Equal(t, 2, calls)
}

func TestPersistentLoopEndsRun(t *testing.T) {
	var calls int
	model := &scriptedModel{responses: []*unifiedllm.Response{
		toolResponse(unifiedllm.ToolCallData{ID: "c", Name: "cluster_logs", Arguments: json.RawMessage(`{"window":"1h"}`)}),
	}}
	cfg := DefaultConfig()
	cfg.LoopDetectionWindow = 3
	agent := NewAgent(model, WithConfig(cfg), WithToolsets(NewFunctionToolset(clusterTool(&calls))))

	run := agent.Iter("q")
	var err error
	for err == nil {
		_, err = run.Next(context.Background())
	}
	var umb *unifiedllm.UnexpectedModelBehaviorError
	require.ErrorAs(t, err, &umb)
	assert.Contains(t, umb.Message, "loop")

	var steering int
	for _, turn := range run.History() {
		if turn.Kind == TurnSteering {
			steering++
		}
	}
	assert.Equal(t, 1, steering, "one warning precedes the failure")
	assert.Equal(t, 4, calls)
}

type failingToolset struct{ err error }

func (f failingToolset) Tools(context.Context) ([]ToolDefinition, error) {
	return []ToolDefinition{{Name: "query"}}, nil
}

func (f failingToolset) Call(context.Context, string, map[string]any) (any, error) {
	return nil, f.err
}

func TestToolsetErrorWrapsCall(t *testing.T) {
	cause := errors.New("pipe closed")
	model := &scriptedModel{responses: []*unifiedllm.Response{
		toolResponse(unifiedllm.ToolCallData{ID: "c7", Name: "query", Arguments: json.RawMessage(`{}`)}),
	}}
	agent := NewAgent(model, WithToolsets(failingToolset{err: cause}))
	run := agent.Iter("q")
	ctx := context.Background()

	_, _ = run.Next(ctx)
	node, err := run.Next(ctx)
	require.NoError(t, err)
	stream := node.(*CallToolsNode).Stream(ctx)

	_, err = stream.Next(ctx)
	require.NoError(t, err)
	_, err = stream.Next(ctx)

	var te *ToolExecutionError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "c7", te.ToolCallID)
	assert.Equal(t, "query", te.ToolName)
	assert.ErrorIs(t, err, cause)

	// Sticky on the stream and on the run.
	_, again := stream.Next(ctx)
	assert.Equal(t, err, again)
	_, runErr := run.Next(ctx)
	assert.ErrorIs(t, runErr, cause)
	_, runErr = run.Next(ctx)
	assert.ErrorIs(t, runErr, cause)
}

func TestRecoverableToolFailures(t *testing.T) {
	retrying := Tool{
		Definition: ToolDefinition{Name: "flaky"},
		Handler: func(context.Context, map[string]any) (any, error) {
			return nil, &RetryPromptError{Message: "window must be positive"}
		},
	}
	model := &scriptedModel{responses: []*unifiedllm.Response{
		toolResponse(
			unifiedllm.ToolCallData{ID: "a", Name: "flaky", Arguments: json.RawMessage(`{}`)},
			unifiedllm.ToolCallData{ID: "b", Name: "missing", Arguments: json.RawMessage(`{}`)},
			unifiedllm.ToolCallData{ID: "c", Name: "flaky", RawArguments: `{not json`},
		),
		textResponse("gave up"),
	}}
	agent := NewAgent(model, WithToolsets(NewFunctionToolset(retrying)))
	run := agent.Iter("q")
	ctx := context.Background()

	_, _ = run.Next(ctx)
	node, err := run.Next(ctx)
	require.NoError(t, err)
	stream := node.(*CallToolsNode).Stream(ctx)

	var results []ToolReturnPart
	for {
		ev, err := stream.Next(ctx)
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		if r, ok := ev.(FunctionToolResultEvent); ok {
			results = append(results, r.Result)
		}
	}
	require.Len(t, results, 3)
	for _, r := range results {
		assert.True(t, r.IsError, r.ToolCallID)
	}
	assert.Equal(t, "window must be positive", results[0].Content)
	assert.Contains(t, results[1].Content, "Unknown tool: missing")
	assert.Contains(t, results[2].Content, "invalid tool arguments")

	out, err := func() (string, error) {
		for {
			n, err := run.Next(ctx)
			if err != nil {
				return "", err
			}
			if end, ok := n.(*EndNode); ok {
				return end.Output, nil
			}
		}
	}()
	require.NoError(t, err)
	assert.Equal(t, "gave up", out)
}

func TestToolNameConflict(t *testing.T) {
	model := &scriptedModel{responses: []*unifiedllm.Response{textResponse("x")}}
	a := NewFunctionToolset(Tool{Definition: ToolDefinition{Name: "dup"}})
	b := NewFunctionToolset(Tool{Definition: ToolDefinition{Name: "dup"}})
	_, err := NewAgent(model, WithToolsets(a, b)).Run(context.Background(), "q")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tool name conflict")
}

func TestModelErrorIsWrapped(t *testing.T) {
	cause := &unifiedllm.RateLimitError{}
	model := &scriptedModel{err: cause}
	_, err := NewAgent(model).Run(context.Background(), "q")
	assert.ErrorIs(t, err, cause)
}

func TestArgsAsMap(t *testing.T) {
	tests := []struct {
		args    any
		want    map[string]any
		wantErr bool
	}{
		{nil, map[string]any{}, false},
		{"", map[string]any{}, false},
		{"null", map[string]any{}, false},
		{`{"window":"1h"}`, map[string]any{"window": "1h"}, false},
		{map[string]any{"a": 1.0}, map[string]any{"a": 1.0}, false},
		{"{broken", nil, true},
		{[]any{1.0}, nil, true},
	}
	for i, tt := range tests {
		t.Run(fmt.Sprint(i), func(t *testing.T) {
			got, err := ToolCallPart{Args: tt.args}.ArgsAsMap()
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestToolCallPartFrom(t *testing.T) {
	p := toolCallPartFrom(unifiedllm.ToolCall{Name: "x", Arguments: json.RawMessage(`{"a":1}`)})
	assert.NotEmpty(t, p.ToolCallID)
	assert.Equal(t, map[string]any{"a": 1.0}, p.Args)

	p = toolCallPartFrom(unifiedllm.ToolCall{ID: "c", Name: "x", RawArguments: `{"a":1}`})
	assert.Equal(t, `{"a":1}`, p.Args)

	p = toolCallPartFrom(unifiedllm.ToolCall{ID: "c", Name: "x"})
	assert.Nil(t, p.Args)
}

func TestDetectLoop(t *testing.T) {
	same := ToolCallPart{ToolName: "a", Args: map[string]any{"k": "v"}}
	other := ToolCallPart{ToolName: "b"}
	history := []Turn{
		NewAssistantTurn("", []ToolCallPart{same, other}, unifiedllm.Usage{}, ""),
		NewAssistantTurn("", []ToolCallPart{same, other}, unifiedllm.Usage{}, ""),
	}
	assert.True(t, DetectLoop(history, 4))
	assert.False(t, DetectLoop(history, 5))
	assert.False(t, DetectLoop(history, 0))

	history = append(history, NewAssistantTurn("", []ToolCallPart{{ToolName: "c"}}, unifiedllm.Usage{}, ""))
	assert.False(t, DetectLoop(history, 4))
}

func TestTruncateToolOutput(t *testing.T) {
	out := TruncateToolOutput("abcdefghij", 4, 0)
	assert.Contains(t, out, "ab")
	assert.Contains(t, out, "ij")
	assert.Contains(t, out, "6 characters were removed")

	assert.Equal(t, "short", TruncateToolOutput("short", 10, 0))
	assert.Equal(t, "no limit", TruncateToolOutput("no limit", 0, 0))

	lines := TruncateLines("1\n2\n3\n4\n5", 2)
	assert.Equal(t, "1\n[... 3 lines omitted ...]\n5", lines)

	tail := TruncateOutput("abcdef", 2, TruncateTail)
	assert.Contains(t, tail, "First 4 characters were removed")
	assert.Contains(t, tail, "ef")
}

func TestFunctionToolset(t *testing.T) {
	ts := NewFunctionToolset(
		Tool{Definition: ToolDefinition{Name: "b"}},
		Tool{Definition: ToolDefinition{Name: "a"}},
	)
	defs, err := ts.Tools(context.Background())
	require.NoError(t, err)
	require.Len(t, defs, 2)
	assert.Equal(t, "a", defs[0].Name)
	assert.Equal(t, []string{"a", "b"}, ts.Names())

	_, err = ts.Call(context.Background(), "zzz", nil)
	var retry *RetryPromptError
	assert.ErrorAs(t, err, &retry)
}

func TestArgHelpers(t *testing.T) {
	args := map[string]interface{}{"s": "x", "f": 3.0, "n": json.Number("4")}
	s, ok := GetStringArg(args, "s")
	assert.True(t, ok)
	assert.Equal(t, "x", s)
	n, ok := GetIntArg(args, "f")
	assert.True(t, ok)
	assert.Equal(t, 3, n)
	n, ok = GetIntArg(args, "n")
	assert.True(t, ok)
	assert.Equal(t, 4, n)
	_, ok = GetStringArg(args, "missing")
	assert.False(t, ok)
}

func TestRunLogsUsageAtEnd(t *testing.T) {
	var calls int
	model := &scriptedModel{responses: []*unifiedllm.Response{
		toolResponse(unifiedllm.ToolCallData{ID: "c1", Name: "cluster_logs", RawArguments: `{}`}),
		textResponse("done"),
	}}
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	agent := NewAgent(model,
		WithToolsets(NewFunctionToolset(clusterTool(&calls))),
		WithLogger(logger),
	)

	run := agent.Iter("q")
	var err error
	for err == nil {
		_, err = run.Next(context.Background())
	}
	require.ErrorIs(t, err, io.EOF)

	var line map[string]any
	for _, raw := range bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n")) {
		var entry map[string]any
		require.NoError(t, json.Unmarshal(raw, &entry))
		if entry["msg"] == "agent run finished" {
			line = entry
		}
	}
	require.NotNil(t, line, "run end is logged")
	assert.Equal(t, float64(2), line["requests"])
	assert.Equal(t, float64(2), line["total_tokens"])
	assert.Equal(t, "agentloop", line["component"])
}
