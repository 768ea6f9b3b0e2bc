package agentloop

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// ToolDefinition describes a tool for the LLM (serializable metadata).
type ToolDefinition struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters"`
}

// Toolset is a source of tools for an Agent. The MCP tool provider and the
// in-process FunctionToolset both implement it.
type Toolset interface {
	// Tools lists the tools this set can execute.
	Tools(ctx context.Context) ([]ToolDefinition, error)

	// Call executes the named tool. Returning a *RetryPromptError feeds the
	// message back to the model as a failed tool result; any other error ends
	// the run.
	Call(ctx context.Context, name string, args map[string]any) (any, error)
}

// ToolHandler executes one in-process tool.
type ToolHandler func(ctx context.Context, args map[string]any) (any, error)

// Tool pairs a tool definition with its handler.
type Tool struct {
	Definition ToolDefinition
	Handler    ToolHandler
}

// FunctionToolset is an in-process registry of tools.
type FunctionToolset struct {
	tools map[string]*Tool
	mu    sync.RWMutex
}

// NewFunctionToolset creates a toolset holding tools.
func NewFunctionToolset(tools ...Tool) *FunctionToolset {
	ts := &FunctionToolset{tools: make(map[string]*Tool)}
	for _, t := range tools {
		ts.Register(t)
	}
	return ts
}

// Register adds or replaces a tool.
func (ts *FunctionToolset) Register(tool Tool) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.tools[tool.Definition.Name] = &tool
}

// Names returns the registered tool names in sorted order.
func (ts *FunctionToolset) Names() []string {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	names := make([]string, 0, len(ts.tools))
	for name := range ts.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Tools implements Toolset. Definitions are returned sorted by name so the
// model sees a stable tool list.
func (ts *FunctionToolset) Tools(context.Context) ([]ToolDefinition, error) {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	defs := make([]ToolDefinition, 0, len(ts.tools))
	for _, t := range ts.tools {
		defs = append(defs, t.Definition)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs, nil
}

// Call implements Toolset.
func (ts *FunctionToolset) Call(ctx context.Context, name string, args map[string]any) (any, error) {
	ts.mu.RLock()
	t, ok := ts.tools[name]
	ts.mu.RUnlock()
	if !ok {
		return nil, &RetryPromptError{Message: fmt.Sprintf("Unknown tool: %s", name)}
	}
	return t.Handler(ctx, args)
}

// RetryPromptError asks the model to try again. Its message is returned to the
// model as an error tool result instead of failing the run.
type RetryPromptError struct {
	Message string
}

func (e *RetryPromptError) Error() string { return e.Message }

// ToolExecutionError wraps a tool failure that ended the tool stream, recording
// which call it came from.
type ToolExecutionError struct {
	ToolCallID string
	ToolName   string
	Err        error
}

func (e *ToolExecutionError) Error() string {
	return fmt.Sprintf("tool %s (%s): %v", e.ToolName, e.ToolCallID, e.Err)
}

func (e *ToolExecutionError) Unwrap() error { return e.Err }

// GetStringArg extracts a string argument from parsed tool arguments.
func GetStringArg(args map[string]interface{}, key string) (string, bool) {
	v, ok := args[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// GetIntArg extracts an integer argument from parsed tool arguments.
func GetIntArg(args map[string]interface{}, key string) (int, bool) {
	v, ok := args[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, false
		}
		return int(i), true
	default:
		return 0, false
	}
}
