package orchestrator

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"

	"github.com/martinemde/sherlog/agentloop"
)

// unknownTool names calls whose tool name is missing.
const unknownTool = "UnknownTool"

// PendingCall is a tool call that has been announced but has no result yet.
type PendingCall struct {
	ToolCallID string
	ToolName   string
	ToolArgs   map[string]any
}

// pendingCalls correlates tool results with the calls that produced them.
// It belongs to one run and is used only by that run's goroutine.
type pendingCalls struct {
	calls  map[string]PendingCall
	logger *slog.Logger
}

func newPendingCalls(logger *slog.Logger) *pendingCalls {
	return &pendingCalls{calls: make(map[string]PendingCall), logger: logger}
}

func (p *pendingCalls) add(call PendingCall) {
	if _, dup := p.calls[call.ToolCallID]; dup {
		p.logger.Warn("tool call id reused before its result", "tool_call_id", call.ToolCallID)
	}
	p.calls[call.ToolCallID] = call
}

// pop removes and returns the call for id. A missing entry yields the
// placeholder metadata used for unmatched results.
func (p *pendingCalls) pop(id string) (PendingCall, bool) {
	call, ok := p.calls[id]
	if !ok {
		return PendingCall{ToolCallID: id, ToolName: unknownTool, ToolArgs: map[string]any{}}, false
	}
	delete(p.calls, id)
	return call, true
}

// lookup returns the call for id without removing it.
func (p *pendingCalls) lookup(id string) (PendingCall, bool) {
	call, ok := p.calls[id]
	return call, ok
}

func (p *pendingCalls) len() int { return len(p.calls) }

// clear logs every call still pending as orphaned and empties the table.
func (p *pendingCalls) clear() {
	ids := make([]string, 0, len(p.calls))
	for id := range p.calls {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		p.logger.Warn("orphaned tool call", "tool_call_id", id, "tool_name", p.calls[id].ToolName)
	}
	p.calls = make(map[string]PendingCall)
}

// normalizeArgs reduces a tool call's arguments to a map. JSON strings are
// decoded; anything that is not an object becomes an empty map.
func normalizeArgs(part agentloop.ToolCallPart, logger *slog.Logger) map[string]any {
	var raw []byte
	switch a := part.Args.(type) {
	case nil:
		return map[string]any{}
	case map[string]any:
		return a
	case string:
		raw = []byte(a)
	case json.RawMessage:
		raw = a
	case []byte:
		raw = a
	default:
		logger.Warn("tool args are not a map or JSON string, using empty args",
			"tool_call_id", part.ToolCallID, "type", fmt.Sprintf("%T", a))
		return map[string]any{}
	}

	var args map[string]any
	if err := json.Unmarshal(raw, &args); err != nil || args == nil {
		if err != nil {
			logger.Error("failed to parse tool args JSON, using empty args",
				"tool_call_id", part.ToolCallID, "args", string(raw), "error", err)
		}
		return map[string]any{}
	}
	return args
}
