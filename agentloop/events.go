package agentloop

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/google/uuid"
	"github.com/martinemde/sherlog/unifiedllm"
)

// ToolCallPart is one tool invocation requested by the model.
type ToolCallPart struct {
	ToolCallID string `json:"tool_call_id"`
	ToolName   string `json:"tool_name"`
	// Args is the JSON-encoded string when the provider sent arguments as
	// text, otherwise the decoded JSON value (usually map[string]any). It is
	// nil when the call carried no arguments.
	Args any `json:"args,omitempty"`
}

// ArgsAsMap returns the arguments as a mapping. A string is parsed as JSON;
// absent arguments yield an empty map.
func (p ToolCallPart) ArgsAsMap() (map[string]any, error) {
	switch a := p.Args.(type) {
	case nil:
		return map[string]any{}, nil
	case map[string]any:
		return a, nil
	case string:
		if a == "" {
			return map[string]any{}, nil
		}
		var m map[string]any
		if err := json.Unmarshal([]byte(a), &m); err != nil {
			return nil, fmt.Errorf("invalid tool arguments: %w", err)
		}
		if m == nil {
			m = map[string]any{}
		}
		return m, nil
	default:
		return nil, fmt.Errorf("invalid tool arguments: expected object, got %T", a)
	}
}

func toolCallPartFrom(tc unifiedllm.ToolCall) ToolCallPart {
	p := ToolCallPart{ToolCallID: tc.ID, ToolName: tc.Name}
	if p.ToolCallID == "" {
		p.ToolCallID = "call_" + uuid.New().String()[:8]
	}
	switch {
	case tc.RawArguments != "":
		p.Args = tc.RawArguments
	case len(tc.Arguments) > 0:
		var v any
		if err := json.Unmarshal(tc.Arguments, &v); err != nil {
			p.Args = string(tc.Arguments)
		} else {
			p.Args = v
		}
	}
	return p
}

// ToolReturnPart is the outcome of one executed tool call. Content is the
// tool's raw result; IsError marks results that tell the model to retry.
type ToolReturnPart struct {
	ToolCallID string `json:"tool_call_id"`
	ToolName   string `json:"tool_name"`
	Content    any    `json:"content"`
	IsError    bool   `json:"is_error,omitempty"`
}

// ModelEvent is emitted while a ModelRequestNode runs.
type ModelEvent interface{ modelEvent() }

// TextPartEvent carries text produced by the model.
type TextPartEvent struct{ Content string }

// ToolCallPartEvent carries a tool call produced by the model.
type ToolCallPartEvent struct{ Part ToolCallPart }

// FinalResultEvent signals that the response holds the final output.
type FinalResultEvent struct{ Output string }

func (TextPartEvent) modelEvent()     {}
func (ToolCallPartEvent) modelEvent() {}
func (FinalResultEvent) modelEvent()  {}

// ToolEvent is emitted while a CallToolsNode runs.
type ToolEvent interface{ toolEvent() }

// FunctionToolCallEvent announces a tool call before it executes.
type FunctionToolCallEvent struct{ Part ToolCallPart }

// FunctionToolResultEvent carries the result of an executed tool call.
type FunctionToolResultEvent struct{ Result ToolReturnPart }

func (FunctionToolCallEvent) toolEvent()   {}
func (FunctionToolResultEvent) toolEvent() {}

// ModelEventStream replays the events of a completed model request.
type ModelEventStream struct {
	events []ModelEvent
	next   int
}

// Next returns the next event, or io.EOF when the stream is exhausted.
func (s *ModelEventStream) Next(ctx context.Context) (ModelEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.next >= len(s.events) {
		return nil, io.EOF
	}
	ev := s.events[s.next]
	s.next++
	return ev, nil
}

// ToolEventStream executes a CallToolsNode's calls one at a time as the
// caller pulls events. Each call yields a FunctionToolCallEvent and then,
// once the tool has returned, a FunctionToolResultEvent.
type ToolEventStream struct {
	node      *CallToolsNode
	idx       int
	announced bool
	results   []ToolResult
	finished  bool
	err       error
}

// Next returns the next tool event, or io.EOF once every call has run. A tool
// set failure ends the stream with a *ToolExecutionError; the same error is
// returned by every later call.
func (s *ToolEventStream) Next(ctx context.Context) (ToolEvent, error) {
	if s.err != nil {
		return nil, s.err
	}
	if s.finished {
		return nil, io.EOF
	}
	if err := ctx.Err(); err != nil {
		s.err = err
		return nil, err
	}

	run := s.node.run
	calls := s.node.ToolCalls
	if s.idx < len(calls) {
		tc := calls[s.idx]
		if !s.announced {
			s.announced = true
			return FunctionToolCallEvent{Part: tc}, nil
		}
		s.announced = false
		s.idx++

		ret, err := run.callTool(ctx, tc)
		if err != nil {
			s.err = &ToolExecutionError{ToolCallID: tc.ToolCallID, ToolName: tc.ToolName, Err: err}
			return nil, s.err
		}
		s.results = append(s.results, run.modelResult(ret))
		return FunctionToolResultEvent{Result: ret}, nil
	}

	s.finished = true
	if err := run.finishToolRound(s.results); err != nil {
		s.err = err
		return nil, err
	}
	return nil, io.EOF
}

// drain runs every remaining call, discarding events.
func (s *ToolEventStream) drain(ctx context.Context) error {
	for {
		_, err := s.Next(ctx)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}
