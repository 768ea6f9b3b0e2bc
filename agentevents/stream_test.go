package agentevents

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var testRun = RunContext{
	NotebookID: "nb-1",
	SessionID:  "sess-1",
	StepID:     "step-1",
	AgentType:  AgentLogAI,
}

func fixedClock() time.Time {
	return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
}

func TestStreamStampsAndPreservesOrder(t *testing.T) {
	s := Start(context.Background(), testRun, func(ctx context.Context, em *Emitter) {
		em.Emit(StatusUpdate(StatusStarting, "one"))
		em.Emit(ToolCallRequested("c1", "cluster_logs", map[string]any{"window": "1h"}))
		em.Emit(ToolSuccess("c1", "cluster_logs", map[string]any{"window": "1h"}, []any{"clusterA"}))
		em.Emit(StatusUpdate(StatusAgentRunComplete, "done"))
	}, WithClock(fixedClock))

	events := Collect(s)
	require.Len(t, events, 4)

	wantStatus := []Status{StatusStarting, StatusToolCallRequested, StatusToolSuccess, StatusAgentRunComplete}
	for i, ev := range events {
		assert.Equal(t, wantStatus[i], ev.Status)
		assert.Equal(t, AgentLogAI, ev.AgentType)
		assert.Equal(t, "nb-1", ev.NotebookID)
		assert.Equal(t, "sess-1", ev.SessionID)
		assert.Equal(t, "step-1", ev.StepID)
		assert.Equal(t, fixedClock(), ev.Timestamp)
	}
	assert.True(t, events[3].Terminal())
	assert.False(t, events[1].Terminal())
}

func TestStreamCloseUnblocksProducer(t *testing.T) {
	var emitted, dropped atomic.Int32
	var tornDown atomic.Bool

	s := Start(context.Background(), testRun, func(ctx context.Context, em *Emitter) {
		defer tornDown.Store(true)
		for i := 0; i < 100; i++ {
			if !em.Emit(StatusUpdate(StatusAgentIterating, "")) {
				dropped.Add(1)
				return
			}
			emitted.Add(1)
		}
	})

	<-s.Events()
	<-s.Events()
	s.Close()

	assert.True(t, tornDown.Load())
	assert.Equal(t, int32(1), dropped.Load())
	assert.GreaterOrEqual(t, emitted.Load(), int32(2))

	// Idempotent.
	s.Close()
	_, open := <-s.Events()
	assert.False(t, open)
}

func TestStreamParentCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s := Start(ctx, testRun, func(ctx context.Context, em *Emitter) {
		<-ctx.Done()
		assert.False(t, em.Emit(StatusUpdate(StatusStarting, "")))
	})
	cancel()
	<-s.Done()
	assert.Empty(t, Collect(s))
}

func TestStreamRecoversPanic(t *testing.T) {
	s := Start(context.Background(), testRun, func(ctx context.Context, em *Emitter) {
		em.Emit(StatusUpdate(StatusStarting, ""))
		panic("boom")
	})

	events := Collect(s)
	require.Len(t, events, 2)
	assert.Equal(t, TypeFatalError, events[1].Type)
	assert.Equal(t, StatusFatalError, events[1].Status)
	assert.Contains(t, events[1].Error, "boom")
}

func TestEventJSONShape(t *testing.T) {
	ev := ToolError(StatusMCPError, "c1", "cluster_logs", map[string]any{"window": "1h"}, "broken pipe", "MCPError during Log-AI tool stream: broken pipe")
	ev.AgentType = AgentLogAI
	ev.SessionID = "s"
	ev.Timestamp = fixedClock()

	b, err := json.Marshal(ev)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"type": "tool_error",
		"status": "mcp_error",
		"agent_type": "log_ai",
		"session_id": "s",
		"timestamp": "2026-01-02T03:04:05Z",
		"tool_call_id": "c1",
		"tool_name": "cluster_logs",
		"tool_args": {"window": "1h"},
		"error": "broken pipe",
		"message": "MCPError during Log-AI tool stream: broken pipe"
	}`, string(b))
}

func TestEventJSONToolArgs(t *testing.T) {
	tests := []struct {
		name string
		ev   Event
		want string
	}{
		{"call without arguments", ToolCallRequested("c1", "list_cells", nil), `{}`},
		{"empty arguments", ToolSuccess("c1", "list_cells", map[string]any{}, "ok"), `{}`},
		{"arguments", ToolCallRequested("c2", "cluster_logs", map[string]any{"window": "1h"}), `{"window":"1h"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := json.Marshal(tt.ev)
			require.NoError(t, err)
			var got map[string]json.RawMessage
			require.NoError(t, json.Unmarshal(b, &got))
			require.Contains(t, got, "tool_args")
			assert.JSONEq(t, tt.want, string(got["tool_args"]))

			var back Event
			require.NoError(t, json.Unmarshal(b, &back))
			assert.Equal(t, tt.ev.ToolName, back.ToolName)
		})
	}

	for _, ev := range []Event{
		StatusUpdate(StatusStarting, "Initialising"),
		ToolError(StatusMCPError, "", "", nil, "e", "m"),
	} {
		b, err := json.Marshal(ev)
		require.NoError(t, err)
		assert.NotContains(t, string(b), "tool_args")
	}
}

func TestTerminal(t *testing.T) {
	assert.True(t, Fatal(StatusFatalMCPError, "x").Terminal())
	assert.True(t, Result(map[string]any{}).Terminal())
	assert.True(t, StatusUpdate(StatusFinishedError, "").Terminal())
	assert.True(t, ToolError(StatusModelError, "", "", nil, "e", "m").Terminal())
	assert.False(t, ToolError(StatusMCPError, "", "", nil, "e", "m").Terminal())
	assert.False(t, StatusUpdate(StatusRetrying, "").Terminal())
}
