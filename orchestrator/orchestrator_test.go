package orchestrator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/martinemde/sherlog/agentevents"
	"github.com/martinemde/sherlog/agentloop"
	"github.com/martinemde/sherlog/telemetry"
	"github.com/martinemde/sherlog/toolprovider"
	"github.com/martinemde/sherlog/unifiedllm"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// scriptedModel returns its responses in order, then repeats the last one.
type scriptedModel struct {
	mu        sync.Mutex
	responses []*unifiedllm.Response
	requests  []unifiedllm.Request
}

func (m *scriptedModel) Complete(_ context.Context, req unifiedllm.Request) (*unifiedllm.Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, req)
	i := len(m.requests) - 1
	if i >= len(m.responses) {
		i = len(m.responses) - 1
	}
	return m.responses[i], nil
}

func textResponse(text string) *unifiedllm.Response {
	return &unifiedllm.Response{ID: "resp_text", Message: unifiedllm.AssistantMessage(text)}
}

func callResponse(id, name, rawArgs string) *unifiedllm.Response {
	call := unifiedllm.ToolCallData{ID: id, Name: name, RawArguments: rawArgs}
	return &unifiedllm.Response{
		ID: "resp_call",
		Message: unifiedllm.Message{
			Role:    unifiedllm.RoleAssistant,
			Content: []unifiedllm.ContentPart{{Kind: unifiedllm.ContentToolCall, ToolCall: &call}},
		},
	}
}

// fakeProvider stands in for the tool provider subprocess.
type fakeProvider struct {
	listErr   error
	call      func(ctx context.Context, name string, args map[string]any) (any, error)
	shutdowns atomic.Int32
}

func (p *fakeProvider) Tools(context.Context) ([]agentloop.ToolDefinition, error) {
	if p.listErr != nil {
		return nil, p.listErr
	}
	return []agentloop.ToolDefinition{{
		Name:        "cluster_logs",
		Description: "Cluster log lines",
		Parameters:  map[string]any{"type": "object"},
	}}, nil
}

func (p *fakeProvider) Call(ctx context.Context, name string, args map[string]any) (any, error) {
	if p.call != nil {
		return p.call(ctx, name, args)
	}
	return []any{"clusterA"}, nil
}

func (p *fakeProvider) Shutdown() error {
	p.shutdowns.Add(1)
	return nil
}

func spawnerFor(p *fakeProvider) SpawnFunc {
	return func(context.Context) (ToolProvider, error) { return p, nil }
}

var rc = agentevents.RunContext{NotebookID: "nb-7", SessionID: "sess-7", AgentType: agentevents.AgentLogAI}

func newTestOrchestrator(model agentloop.Model, spawn SpawnFunc, opts ...Option) *Orchestrator {
	base := []Option{
		WithLabel("Log-AI"),
		WithModelID("openai/gpt-4.1"),
		WithSystemPrompt("You analyse logs."),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	}
	return New(model, spawn, append(base, opts...)...)
}

func statuses(events []agentevents.Event) []agentevents.Status {
	out := make([]agentevents.Status, len(events))
	for i, ev := range events {
		out[i] = ev.Status
	}
	return out
}

func count(events []agentevents.Event, pred func(agentevents.Event) bool) int {
	n := 0
	for _, ev := range events {
		if pred(ev) {
			n++
		}
	}
	return n
}

func TestRunFindErrorsWithClusterLogs(t *testing.T) {
	model := &scriptedModel{responses: []*unifiedllm.Response{
		callResponse("c1", "cluster_logs", `{"path": "/var/log/app.log"}`),
		textResponse("Found one cluster of errors."),
	}}
	provider := &fakeProvider{}
	reg := prometheus.NewRegistry()
	o := newTestOrchestrator(model, spawnerFor(provider), WithMetrics(telemetry.MustNewMetrics(reg)))

	events := agentevents.Collect(o.Run(context.Background(), "find errors", rc))

	assert.Equal(t, []agentevents.Status{
		agentevents.StatusStarting,
		agentevents.StatusConnectionReady,
		agentevents.StatusAgentCreated,
		agentevents.StatusAgentIterating,
		agentevents.StatusToolCallRequested,
		agentevents.StatusToolSuccess,
		agentevents.StatusAgentRunComplete,
	}, statuses(events))

	requested := events[4]
	assert.Equal(t, agentevents.TypeToolCallRequested, requested.Type)
	assert.Equal(t, "c1", requested.ToolCallID)
	assert.Equal(t, "cluster_logs", requested.ToolName)
	assert.Equal(t, map[string]any{"path": "/var/log/app.log"}, requested.ToolArgs)

	success := events[5]
	assert.Equal(t, "c1", success.ToolCallID)
	assert.Equal(t, "cluster_logs", success.ToolName)
	assert.Equal(t, requested.ToolArgs, success.ToolArgs)
	assert.Equal(t, []any{"clusterA"}, success.ToolResult)

	assert.Equal(t, "Initialising Log-AI agent …", events[0].Message)
	assert.Equal(t, "Log-AI analysis finished.", events[6].Message)
	assert.True(t, events[6].Terminal())
	for _, ev := range events {
		assert.Equal(t, "sess-7", ev.SessionID)
		assert.Equal(t, agentevents.AgentLogAI, ev.AgentType)
	}
	assert.EqualValues(t, 1, provider.shutdowns.Load())
	assert.Contains(t, model.requests[0].Messages[1].TextContent(), "User request: find errors")
}

func TestRunSpawnFailureEmitsSingleFatal(t *testing.T) {
	model := &scriptedModel{responses: []*unifiedllm.Response{textResponse("unused")}}
	o := newTestOrchestrator(model, func(context.Context) (ToolProvider, error) {
		return nil, errors.New(`resolve "docker": executable file not found in $PATH`)
	})

	events := agentevents.Collect(o.Run(context.Background(), "find errors", rc))

	require.Len(t, events, 2)
	assert.Equal(t, agentevents.StatusStarting, events[0].Status)
	fatal := events[1]
	assert.Equal(t, agentevents.TypeFatalError, fatal.Type)
	assert.Equal(t, agentevents.StatusFatalError, fatal.Status)
	assert.Contains(t, fatal.Error, "executable file not found")
	assert.Empty(t, model.requests)
}

func TestRunMalformedArgsBecomeEmptyMap(t *testing.T) {
	model := &scriptedModel{responses: []*unifiedllm.Response{
		callResponse("c1", "cluster_logs", `{"path": `),
		textResponse("could not cluster"),
	}}
	provider := &fakeProvider{}
	o := newTestOrchestrator(model, spawnerFor(provider))

	events := agentevents.Collect(o.Run(context.Background(), "find errors", rc))

	require.Equal(t, agentevents.StatusToolCallRequested, events[4].Status)
	assert.Equal(t, map[string]any{}, events[4].ToolArgs)
	assert.Equal(t, agentevents.StatusToolSuccess, events[5].Status)
	assert.Equal(t, agentevents.StatusAgentRunComplete, events[len(events)-1].Status)
}

func TestRunProtocolErrorDuringToolCall(t *testing.T) {
	model := &scriptedModel{responses: []*unifiedllm.Response{
		callResponse("c1", "cluster_logs", `{"path": "/var/log/app.log"}`),
	}}
	provider := &fakeProvider{call: func(context.Context, string, map[string]any) (any, error) {
		return nil, &toolprovider.ProtocolError{Method: "tools/call", Message: "tool provider exited", Err: toolprovider.ErrClosed}
	}}
	o := newTestOrchestrator(model, spawnerFor(provider))

	events := agentevents.Collect(o.Run(context.Background(), "find errors", rc))

	assert.Equal(t, []agentevents.Status{
		agentevents.StatusStarting,
		agentevents.StatusConnectionReady,
		agentevents.StatusAgentCreated,
		agentevents.StatusAgentIterating,
		agentevents.StatusToolCallRequested,
		agentevents.StatusMCPError,
		agentevents.StatusFatalMCPError,
	}, statuses(events))

	toolErr := events[5]
	assert.Equal(t, agentevents.TypeToolError, toolErr.Type)
	assert.Equal(t, "c1", toolErr.ToolCallID)
	assert.Equal(t, "cluster_logs", toolErr.ToolName)
	assert.Equal(t, map[string]any{"path": "/var/log/app.log"}, toolErr.ToolArgs)
	assert.Contains(t, toolErr.Error, "MCPError during Log-AI tool stream: tools/call: tool provider exited")

	fatal := events[6]
	assert.Equal(t, agentevents.TypeFatalError, fatal.Type)
	assert.Contains(t, fatal.Error, "Fatal Log-AI agent error due to MCP issue:")
	assert.EqualValues(t, 1, provider.shutdowns.Load())
}

func TestRunGeneralToolStreamError(t *testing.T) {
	model := &scriptedModel{responses: []*unifiedllm.Response{
		callResponse("c1", "cluster_logs", `{}`),
	}}
	provider := &fakeProvider{call: func(context.Context, string, map[string]any) (any, error) {
		return nil, errors.New("disk exploded")
	}}
	o := newTestOrchestrator(model, spawnerFor(provider))

	events := agentevents.Collect(o.Run(context.Background(), "find errors", rc))
	require.GreaterOrEqual(t, len(events), 2)

	toolErr := events[len(events)-2]
	assert.Equal(t, agentevents.StatusError, toolErr.Status)
	assert.Empty(t, toolErr.ToolCallID)
	assert.Empty(t, toolErr.ToolName)
	assert.Nil(t, toolErr.ToolArgs)
	assert.Contains(t, toolErr.Error, "Error during Log-AI tool stream processing:")
	assert.Contains(t, toolErr.Error, "disk exploded")

	fatal := events[len(events)-1]
	assert.Equal(t, agentevents.StatusFatalError, fatal.Status)
	assert.Contains(t, fatal.Error, "Fatal Log-AI agent error: tool cluster_logs (c1): disk exploded")
	assert.EqualValues(t, 1, provider.shutdowns.Load())
}

func TestRunUnexpectedModelBehaviorEndsWithModelError(t *testing.T) {
	model := &scriptedModel{responses: []*unifiedllm.Response{textResponse("")}}
	provider := &fakeProvider{}
	o := newTestOrchestrator(model, spawnerFor(provider))

	events := agentevents.Collect(o.Run(context.Background(), "find errors", rc))

	last := events[len(events)-1]
	assert.Equal(t, agentevents.TypeToolError, last.Type)
	assert.Equal(t, agentevents.StatusModelError, last.Status)
	assert.Equal(t, "Unexpected model behaviour for Log-AI agent: Received empty model response", last.Error)
	assert.True(t, last.Terminal())
	assert.Zero(t, count(events, func(ev agentevents.Event) bool { return ev.Status == agentevents.StatusAgentRunComplete }))
	assert.EqualValues(t, 1, provider.shutdowns.Load())
}

func TestRunToolListProtocolFailureIsFatalMCP(t *testing.T) {
	model := &scriptedModel{responses: []*unifiedllm.Response{textResponse("unused")}}
	provider := &fakeProvider{listErr: &toolprovider.ProtocolError{Method: "initialize", Message: "call failed", Err: toolprovider.ErrClosed}}
	o := newTestOrchestrator(model, spawnerFor(provider))

	events := agentevents.Collect(o.Run(context.Background(), "find errors", rc))

	last := events[len(events)-1]
	assert.Equal(t, agentevents.StatusFatalMCPError, last.Status)
	assert.Zero(t, count(events, func(ev agentevents.Event) bool { return ev.Type == agentevents.TypeToolCallRequested }))
	assert.Empty(t, model.requests)
	assert.EqualValues(t, 1, provider.shutdowns.Load())
}

func TestRunRetryPromptToolFailureIsReportedAsResult(t *testing.T) {
	model := &scriptedModel{responses: []*unifiedllm.Response{
		callResponse("c1", "cluster_logs", `{"path": "/missing"}`),
		textResponse("The log file does not exist."),
	}}
	provider := &fakeProvider{call: func(context.Context, string, map[string]any) (any, error) {
		return nil, &agentloop.RetryPromptError{Message: "file not found"}
	}}
	o := newTestOrchestrator(model, spawnerFor(provider))

	events := agentevents.Collect(o.Run(context.Background(), "find errors", rc))

	success := events[5]
	assert.Equal(t, agentevents.StatusToolSuccess, success.Status)
	assert.Contains(t, success.ToolResult, "file not found")
	assert.Equal(t, agentevents.StatusAgentRunComplete, events[len(events)-1].Status)
}

func TestRunAbandonmentTearsDownOnce(t *testing.T) {
	model := &scriptedModel{responses: []*unifiedllm.Response{
		callResponse("c1", "cluster_logs", `{}`),
	}}
	provider := &fakeProvider{call: func(ctx context.Context, _ string, _ map[string]any) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	o := newTestOrchestrator(model, spawnerFor(provider))

	s := o.Run(context.Background(), "find errors", rc)
	for ev := range s.Events() {
		if ev.Status == agentevents.StatusToolCallRequested {
			break
		}
	}
	s.Close()
	s.Close()

	for range s.Events() {
	}
	assert.EqualValues(t, 1, provider.shutdowns.Load())
}

func TestRunParentCancellationTearsDown(t *testing.T) {
	model := &scriptedModel{responses: []*unifiedllm.Response{callResponse("c1", "cluster_logs", `{}`)}}
	started := make(chan struct{})
	provider := &fakeProvider{call: func(ctx context.Context, _ string, _ map[string]any) (any, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	o := newTestOrchestrator(model, spawnerFor(provider))

	ctx, cancel := context.WithCancel(context.Background())
	s := o.Run(ctx, "find errors", rc)
	go func() {
		<-started
		cancel()
	}()
	events := agentevents.Collect(s)

	for _, ev := range events {
		assert.NotEqual(t, agentevents.TypeFatalError, ev.Type, "abandoned runs end silently")
	}
	assert.EqualValues(t, 1, provider.shutdowns.Load())
}

func TestRunExtraTools(t *testing.T) {
	notebookTools := agentloop.NewFunctionToolset(agentloop.Tool{
		Definition: agentloop.ToolDefinition{Name: "list_cells", Parameters: map[string]any{"type": "object"}},
		Handler: func(context.Context, map[string]any) (any, error) {
			return []any{map[string]any{"id": "cell-1"}}, nil
		},
	})
	model := &scriptedModel{responses: []*unifiedllm.Response{
		callResponse("c1", "list_cells", `{}`),
		textResponse("Notebook has one cell."),
	}}
	o := newTestOrchestrator(model, spawnerFor(&fakeProvider{}),
		WithExtraTools(func(rc agentevents.RunContext) ([]agentloop.Toolset, error) {
			assert.Equal(t, "nb-7", rc.NotebookID)
			return []agentloop.Toolset{notebookTools}, nil
		}))

	events := agentevents.Collect(o.Run(context.Background(), "what is in the notebook", rc))

	assert.Equal(t, "list_cells", events[4].ToolName)
	assert.Equal(t, []any{map[string]any{"id": "cell-1"}}, events[5].ToolResult)
	require.NotEmpty(t, model.requests)
	var names []string
	for _, d := range model.requests[0].ToolDefs {
		names = append(names, d.Name)
	}
	assert.ElementsMatch(t, []string{"cluster_logs", "list_cells"}, names)
}

func TestRunExtraToolsFailureIsIgnored(t *testing.T) {
	model := &scriptedModel{responses: []*unifiedllm.Response{textResponse("no tools needed")}}
	o := newTestOrchestrator(model, spawnerFor(&fakeProvider{}),
		WithExtraTools(func(agentevents.RunContext) ([]agentloop.Toolset, error) {
			return nil, errors.New("notebook store unavailable")
		}))

	events := agentevents.Collect(o.Run(context.Background(), "find errors", rc))
	assert.Equal(t, agentevents.StatusAgentRunComplete, events[len(events)-1].Status)
	assert.Equal(t, 1, count(events, func(ev agentevents.Event) bool { return ev.Status == agentevents.StatusAgentRunComplete }))
}

func TestEveryToolCallHasAtMostOneResult(t *testing.T) {
	model := &scriptedModel{responses: []*unifiedllm.Response{
		callResponse("c1", "cluster_logs", `{"window": "1h"}`),
		callResponse("c2", "cluster_logs", `{"window": "2h"}`),
		textResponse("done"),
	}}
	o := newTestOrchestrator(model, spawnerFor(&fakeProvider{}))

	events := agentevents.Collect(o.Run(context.Background(), "find errors", rc))

	results := map[string]int{}
	requested := map[string]bool{}
	for _, ev := range events {
		switch ev.Type {
		case agentevents.TypeToolCallRequested:
			requested[ev.ToolCallID] = true
		case agentevents.TypeToolSuccess, agentevents.TypeToolError:
			if ev.ToolCallID != "" {
				assert.True(t, requested[ev.ToolCallID], "result before request for %s", ev.ToolCallID)
				results[ev.ToolCallID]++
			}
		}
	}
	assert.Equal(t, map[string]int{"c1": 1, "c2": 1}, results)
}

func TestPrompt(t *testing.T) {
	fixed := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
	o := New(nil, nil, WithClock(func() time.Time { return fixed }))
	assert.Equal(t,
		"Current time: 2026-03-04 05:06:07 UTC.\nCurrent Notebook ID: nb-1.\nUser request: find errors\n",
		o.Prompt("find errors", "nb-1"))
}

func TestNormalizeArgs(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	tests := []struct {
		name string
		args any
		want map[string]any
	}{
		{"nil", nil, map[string]any{}},
		{"map", map[string]any{"a": 1}, map[string]any{"a": 1}},
		{"json string", `{"a": "b"}`, map[string]any{"a": "b"}},
		{"malformed string", `{"a":`, map[string]any{}},
		{"json array string", `[1, 2]`, map[string]any{}},
		{"null string", `null`, map[string]any{}},
		{"other type", 42, map[string]any{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := normalizeArgs(agentloop.ToolCallPart{ToolCallID: "c", Args: tt.args}, logger)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestPendingCalls(t *testing.T) {
	p := newPendingCalls(slog.New(slog.NewTextHandler(io.Discard, nil)))
	p.add(PendingCall{ToolCallID: "c1", ToolName: "cluster_logs", ToolArgs: map[string]any{"a": 1}})
	p.add(PendingCall{ToolCallID: "c2", ToolName: "detect_anomalies"})

	got, ok := p.lookup("c1")
	require.True(t, ok)
	assert.Equal(t, "cluster_logs", got.ToolName)
	assert.Equal(t, 2, p.len(), "lookup does not remove")

	got, ok = p.pop("c1")
	require.True(t, ok)
	assert.Equal(t, map[string]any{"a": 1}, got.ToolArgs)

	got, ok = p.pop("c1")
	assert.False(t, ok, "an entry is removed exactly once")
	assert.Equal(t, unknownTool, got.ToolName)
	assert.Equal(t, map[string]any{}, got.ToolArgs)

	p.clear()
	assert.Zero(t, p.len())
}

func TestClassify(t *testing.T) {
	ctx := context.Background()
	assert.Equal(t, outcomeComplete, classify(ctx, nil).kind)
	assert.Equal(t, outcomeModelBehavior,
		classify(ctx, &unifiedllm.UnexpectedModelBehaviorError{Message: "loop"}).kind)
	assert.Equal(t, outcomeProtocol,
		classify(ctx, &agentloop.ToolExecutionError{ToolCallID: "c", Err: &toolprovider.ProtocolError{Message: "x"}}).kind)
	assert.Equal(t, outcomeGeneral, classify(ctx, errors.New("other")).kind)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	assert.Equal(t, outcomeCancelled, classify(cancelled, errors.New("other")).kind)
}
