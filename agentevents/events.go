// Package agentevents defines the closed event taxonomy that agent runs report
// to their consumer, and the single-producer stream that carries it.
package agentevents

import (
	"encoding/json"
	"time"
)

// EventType is the variant tag of an Event.
type EventType string

const (
	TypeStatusUpdate      EventType = "status_update"
	TypeToolCallRequested EventType = "tool_call_requested"
	TypeToolSuccess       EventType = "tool_success"
	TypeToolError         EventType = "tool_error"
	TypeFatalError        EventType = "fatal_error"
	TypeResult            EventType = "result"
)

// Status is the lifecycle status code carried by every event.
type Status string

const (
	StatusStarting          Status = "starting"
	StatusStartingAttempts  Status = "starting_attempts"
	StatusAttemptStart      Status = "attempt_start"
	StatusRetrying          Status = "retrying"
	StatusConnectionReady   Status = "connection_ready"
	StatusAgentCreated      Status = "agent_created"
	StatusAgentIterating    Status = "agent_iterating"
	StatusToolCallRequested Status = "tool_call_requested"
	StatusToolSuccess       Status = "tool_success"
	StatusModelError        Status = "model_error"
	StatusMCPError          Status = "mcp_error"
	StatusGeneralErrorRun   Status = "general_error_run"
	StatusError             Status = "error"
	StatusAgentRunComplete  Status = "agent_run_complete"
	StatusFinishedError     Status = "finished_error"
	StatusFatalError        Status = "fatal_error"
	StatusFatalMCPError     Status = "fatal_mcp_error"
	StatusSuccess           Status = "success"
)

// AgentType names the kind of agent that produced an event.
type AgentType string

const (
	AgentLogAI                 AgentType = "log_ai"
	AgentInvestigationReporter AgentType = "investigation_reporter"
)

// RunContext identifies one run. It is fixed for the lifetime of the run and
// stamped onto every event the run emits.
type RunContext struct {
	NotebookID string
	SessionID  string
	StepID     string
	AgentType  AgentType
}

// Event is one immutable record in a run's event stream. Optional fields are
// populated per variant and left zero otherwise.
type Event struct {
	Type        EventType      `json:"type"`
	Status      Status         `json:"status"`
	AgentType   AgentType      `json:"agent_type"`
	NotebookID  string         `json:"notebook_id,omitempty"`
	SessionID   string         `json:"session_id,omitempty"`
	StepID      string         `json:"step_id,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
	Message     string         `json:"message,omitempty"`
	Attempt     int            `json:"attempt,omitempty"`
	MaxAttempts int            `json:"max_attempts,omitempty"`
	Reason      string         `json:"reason,omitempty"`
	ToolCallID  string         `json:"tool_call_id,omitempty"`
	ToolName    string         `json:"tool_name,omitempty"`
	ToolArgs    map[string]any `json:"tool_args,omitempty"`
	ToolResult  any            `json:"tool_result,omitempty"`
	Error       string         `json:"error,omitempty"`
	Output      any            `json:"output,omitempty"`
}

// MarshalJSON writes tool_args for every event tied to a tool call, as {} when
// the call had no arguments, and omits it otherwise.
func (ev Event) MarshalJSON() ([]byte, error) {
	type plain Event
	out := struct {
		plain
		ToolArgs *map[string]any `json:"tool_args,omitempty"`
	}{plain: plain(ev)}
	if ev.ToolCallID != "" || ev.ToolName != "" {
		args := ev.ToolArgs
		if args == nil {
			args = map[string]any{}
		}
		out.ToolArgs = &args
	}
	return json.Marshal(out)
}

// Terminal reports whether ev ends its run's stream.
func (ev Event) Terminal() bool {
	switch ev.Type {
	case TypeFatalError, TypeResult:
		return true
	case TypeStatusUpdate:
		return ev.Status == StatusAgentRunComplete || ev.Status == StatusFinishedError
	case TypeToolError:
		// A model behaviour failure ends an orchestrated run without a fatal event.
		return ev.Status == StatusModelError
	}
	return false
}

// StatusUpdate builds a status_update event.
func StatusUpdate(status Status, message string) Event {
	return Event{Type: TypeStatusUpdate, Status: status, Message: message}
}

// ToolCallRequested builds the event announcing a tool invocation.
func ToolCallRequested(callID, toolName string, args map[string]any) Event {
	return Event{
		Type:       TypeToolCallRequested,
		Status:     StatusToolCallRequested,
		ToolCallID: callID,
		ToolName:   toolName,
		ToolArgs:   args,
	}
}

// ToolSuccess builds the event carrying a tool's result.
func ToolSuccess(callID, toolName string, args map[string]any, result any) Event {
	return Event{
		Type:       TypeToolSuccess,
		Status:     StatusToolSuccess,
		ToolCallID: callID,
		ToolName:   toolName,
		ToolArgs:   args,
		ToolResult: result,
	}
}

// ToolError builds a tool_error event. callID, toolName and args may be empty
// when the failure is not attributable to a specific call.
func ToolError(status Status, callID, toolName string, args map[string]any, errMsg, message string) Event {
	return Event{
		Type:       TypeToolError,
		Status:     status,
		ToolCallID: callID,
		ToolName:   toolName,
		ToolArgs:   args,
		Error:      errMsg,
		Message:    message,
	}
}

// Fatal builds a terminal fatal_error event.
func Fatal(status Status, errMsg string) Event {
	return Event{Type: TypeFatalError, Status: status, Error: errMsg}
}

// Result builds the terminal success event of a structured generation.
func Result(output any) Event {
	return Event{Type: TypeResult, Status: StatusSuccess, Output: output}
}
