package agentloop

import (
	"context"
	"io"
	"log/slog"

	"github.com/martinemde/sherlog/unifiedllm"
)

// Model is the LLM collaborator. *unifiedllm.Client satisfies it.
type Model interface {
	Complete(ctx context.Context, req unifiedllm.Request) (*unifiedllm.Response, error)
}

// Config bounds an agent run.
type Config struct {
	MaxModelRequests    int `json:"max_model_requests"`    // 0 = unlimited
	LoopDetectionWindow int `json:"loop_detection_window"` // 0 disables loop detection
	ToolOutputLimit     int `json:"tool_output_limit"`     // characters per tool result sent to the model
	ToolLineLimit       int `json:"tool_line_limit"`       // 0 = no line limit
}

// DefaultConfig returns the default run limits.
func DefaultConfig() Config {
	return Config{
		MaxModelRequests:    50,
		LoopDetectionWindow: 10,
		ToolOutputLimit:     DefaultToolOutputLimit,
	}
}

// Agent pairs a model with tool sets. It holds no per-run state; every Iter
// starts an independent Run, so one Agent may serve concurrent runs.
type Agent struct {
	model        Model
	modelID      string
	systemPrompt string
	toolsets     []Toolset
	format       *unifiedllm.ResponseFormat
	config       Config
	logger       *slog.Logger
}

// Option configures an Agent.
type Option func(*Agent)

// WithModelID sets the model identifier sent with every request.
func WithModelID(id string) Option {
	return func(a *Agent) { a.modelID = id }
}

// WithSystemPrompt sets the system prompt.
func WithSystemPrompt(prompt string) Option {
	return func(a *Agent) { a.systemPrompt = prompt }
}

// WithToolsets adds tool sets the model may call.
func WithToolsets(ts ...Toolset) Option {
	return func(a *Agent) { a.toolsets = append(a.toolsets, ts...) }
}

// WithResponseFormat requests structured output on every model request.
func WithResponseFormat(format *unifiedllm.ResponseFormat) Option {
	return func(a *Agent) { a.format = format }
}

// WithConfig replaces the run limits.
func WithConfig(cfg Config) Option {
	return func(a *Agent) { a.config = cfg }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(a *Agent) { a.logger = logger }
}

// NewAgent creates an Agent backed by model.
func NewAgent(model Model, opts ...Option) *Agent {
	a := &Agent{
		model:  model,
		config: DefaultConfig(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = a.logger.With("component", "agentloop")
	return a
}

// Iter starts a run for prompt. Nothing executes until Run.Next is called.
func (a *Agent) Iter(prompt string) *Run {
	return &Run{
		agent:   a,
		history: []Turn{NewUserTurn(prompt)},
	}
}

// Run drives a run to its end and returns the final output.
func (a *Agent) Run(ctx context.Context, prompt string) (string, error) {
	run := a.Iter(prompt)
	for {
		node, err := run.Next(ctx)
		if err == io.EOF {
			return run.Output(), nil
		}
		if err != nil {
			return "", err
		}
		if end, ok := node.(*EndNode); ok {
			return end.Output, nil
		}
	}
}
