package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/martinemde/sherlog/agentevents"
	"github.com/martinemde/sherlog/agentloop"
	"github.com/martinemde/sherlog/telemetry"
	"github.com/martinemde/sherlog/toolprovider"
	"github.com/martinemde/sherlog/unifiedllm"
)

// ToolProvider is a running tool server. *toolprovider.Provider satisfies it.
type ToolProvider interface {
	agentloop.Toolset
	Shutdown() error
}

// SpawnFunc starts the tool provider for one run.
type SpawnFunc func(ctx context.Context) (ToolProvider, error)

// ExtraToolsFunc builds additional tool sets for a run. An error is logged
// and the run continues without them.
type ExtraToolsFunc func(rc agentevents.RunContext) ([]agentloop.Toolset, error)

// Orchestrator drives an agent against a tool provider and reports every
// step as events. It holds no per-run state; concurrent runs are independent.
type Orchestrator struct {
	model        agentloop.Model
	spawn        SpawnFunc
	extraTools   ExtraToolsFunc
	label        string
	modelID      string
	systemPrompt string
	agentConfig  agentloop.Config
	logger       *slog.Logger
	metrics      *telemetry.Metrics
	now          func() time.Time
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLabel names the tool server in event messages, e.g. "Log-AI".
func WithLabel(label string) Option { return func(o *Orchestrator) { o.label = label } }

// WithModelID sets the model the agent requests.
func WithModelID(id string) Option { return func(o *Orchestrator) { o.modelID = id } }

// WithSystemPrompt sets the agent's system prompt.
func WithSystemPrompt(prompt string) Option {
	return func(o *Orchestrator) { o.systemPrompt = prompt }
}

// WithAgentConfig sets the agent loop limits.
func WithAgentConfig(cfg agentloop.Config) Option {
	return func(o *Orchestrator) { o.agentConfig = cfg }
}

// WithExtraTools adds in-process tools alongside the provider's. fn is
// called once per run.
func WithExtraTools(fn ExtraToolsFunc) Option { return func(o *Orchestrator) { o.extraTools = fn } }

// WithLogger sets the logger. A nil logger keeps the default.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMetrics records run and tool activity on m.
func WithMetrics(m *telemetry.Metrics) Option { return func(o *Orchestrator) { o.metrics = m } }

// WithClock overrides the time source used for the prompt header.
func WithClock(now func() time.Time) Option { return func(o *Orchestrator) { o.now = now } }

// New creates an Orchestrator that spawns a provider per run with spawn.
func New(model agentloop.Model, spawn SpawnFunc, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		model:       model,
		spawn:       spawn,
		label:       "tool server",
		agentConfig: agentloop.DefaultConfig(),
		logger:      slog.Default(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	o.logger = o.logger.With("component", "orchestrator")
	return o
}

// Run starts an orchestrated run for query. The stream ends after exactly one
// terminal event: agent_run_complete, a model_error tool_error, or a
// fatal_error. The provider is shut down before the stream closes.
func (o *Orchestrator) Run(ctx context.Context, query string, rc agentevents.RunContext) *agentevents.Stream {
	return agentevents.Start(ctx, rc, func(ctx context.Context, em *agentevents.Emitter) {
		o.run(ctx, em, query)
	}, agentevents.WithLogger(o.logger))
}

// Prompt renders the user prompt sent to the agent.
func (o *Orchestrator) Prompt(query, notebookID string) string {
	ts := o.now().UTC().Format("2006-01-02 15:04:05 UTC")
	return fmt.Sprintf("Current time: %s.\nCurrent Notebook ID: %s.\nUser request: %s\n", ts, notebookID, query)
}

func (o *Orchestrator) run(ctx context.Context, em *agentevents.Emitter, query string) {
	rc := em.RunContext()
	logger := o.logger.With("session_id", rc.SessionID, "notebook_id", rc.NotebookID, "agent_type", rc.AgentType)
	logger.Info("orchestrated run started", "query", truncate(query, 200))

	ctx, span := telemetry.StartRun(ctx, "orchestrator.run", rc)
	result := outcome{kind: outcomeCancelled}
	defer func() {
		o.metrics.ObserveRun(string(rc.AgentType), result.kind.String())
		telemetry.EndSpan(span, result.kind.String(), result.err)
	}()

	em.Emit(agentevents.StatusUpdate(agentevents.StatusStarting, fmt.Sprintf("Initialising %s agent …", o.label)))

	provider, err := o.spawn(ctx)
	if err != nil {
		msg := fmt.Sprintf("Failed to start %s MCP server: %v", o.label, err)
		logger.Error("tool provider spawn failed", "error", err)
		em.Emit(agentevents.Fatal(agentevents.StatusFatalError, msg))
		result = outcome{kind: outcomeGeneral, err: err}
		return
	}
	o.metrics.ProviderStarted()
	defer func() {
		if err := provider.Shutdown(); err != nil {
			logger.Warn("tool provider shutdown failed", "error", err)
		}
		o.metrics.ProviderStopped()
		logger.Debug("tool provider stopped")
	}()

	em.Emit(agentevents.StatusUpdate(agentevents.StatusConnectionReady, fmt.Sprintf("%s MCP server started.", o.label)))

	toolsets := []agentloop.Toolset{provider}
	if o.extraTools != nil {
		extra, err := o.extraTools(rc)
		if err != nil {
			logger.Warn("failed creating extra tools, continuing without them", "error", err)
		} else {
			toolsets = append(toolsets, extra...)
		}
	}

	agent := agentloop.NewAgent(o.model,
		agentloop.WithModelID(o.modelID),
		agentloop.WithSystemPrompt(o.systemPrompt),
		agentloop.WithToolsets(toolsets...),
		agentloop.WithConfig(o.agentConfig),
		agentloop.WithLogger(logger),
	)
	em.Emit(agentevents.StatusUpdate(agentevents.StatusAgentCreated, "LLM agent initialised."))

	run := agent.Iter(o.Prompt(query, rc.NotebookID))
	em.Emit(agentevents.StatusUpdate(agentevents.StatusAgentIterating, "Running analysis …"))

	calls := newPendingCalls(logger)
	completed, err := o.iterate(ctx, em, run, calls)
	if calls.len() > 0 {
		calls.clear()
	}

	result = classify(ctx, err)
	o.finish(em, logger, result, completed)
}

// iterate walks the run's graph to its end. completed reports whether the
// completion event was already emitted at the end node.
func (o *Orchestrator) iterate(ctx context.Context, em *agentevents.Emitter, run *agentloop.Run, calls *pendingCalls) (bool, error) {
	completed := false
	for {
		node, err := run.Next(ctx)
		if errors.Is(err, io.EOF) {
			return completed, nil
		}
		if err != nil {
			return completed, err
		}

		switch n := node.(type) {
		case *agentloop.ModelRequestNode:
			if err := o.streamModelRequest(ctx, n); err != nil {
				return completed, err
			}
		case *agentloop.CallToolsNode:
			if err := o.streamTools(ctx, em, n, calls); err != nil {
				return completed, err
			}
		case *agentloop.EndNode:
			if n.Output != "" {
				o.logger.Info("final result", "output", truncate(n.Output, 500))
				em.Emit(agentevents.StatusUpdate(agentevents.StatusAgentRunComplete, o.completeMessage()))
				completed = true
			}
		}
	}
}

func (o *Orchestrator) streamModelRequest(ctx context.Context, n *agentloop.ModelRequestNode) error {
	stream, err := n.Stream(ctx)
	if err != nil {
		return err
	}
	for {
		ev, err := stream.Next(ctx)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if final, ok := ev.(agentloop.FinalResultEvent); ok {
			o.logger.Debug("model produced a final output", "chars", len(final.Output))
		}
	}
}

func (o *Orchestrator) streamTools(ctx context.Context, em *agentevents.Emitter, n *agentloop.CallToolsNode, calls *pendingCalls) error {
	stream := n.Stream(ctx)
	for {
		ev, err := stream.Next(ctx)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			if ctx.Err() == nil {
				o.reportStreamError(em, err, calls)
			}
			return err
		}

		switch e := ev.(type) {
		case agentloop.FunctionToolCallEvent:
			name := e.Part.ToolName
			if name == "" {
				o.logger.Warn("tool call part missing tool name", "tool_call_id", e.Part.ToolCallID)
				name = unknownTool
			}
			args := normalizeArgs(e.Part, o.logger)
			calls.add(PendingCall{ToolCallID: e.Part.ToolCallID, ToolName: name, ToolArgs: args})
			o.logger.Info("tool call requested", "tool", name, "tool_call_id", e.Part.ToolCallID)
			o.metrics.IncToolEvent(name, string(agentevents.StatusToolCallRequested))
			em.Emit(agentevents.ToolCallRequested(e.Part.ToolCallID, name, args))

		case agentloop.FunctionToolResultEvent:
			call, matched := calls.pop(e.Result.ToolCallID)
			if !matched {
				o.logger.Warn("tool result without a pending call", "tool_call_id", e.Result.ToolCallID)
			}
			o.logger.Info("tool call result", "tool", call.ToolName, "tool_call_id", e.Result.ToolCallID, "is_error", e.Result.IsError)
			o.metrics.IncToolEvent(call.ToolName, string(agentevents.StatusToolSuccess))
			em.Emit(agentevents.ToolSuccess(e.Result.ToolCallID, call.ToolName, call.ToolArgs, e.Result.Content))
		}
	}
}

// reportStreamError emits the tool_error for a failure inside a tool stream.
// Protocol failures keep the implicated call's metadata; anything else is
// reported without call metadata.
func (o *Orchestrator) reportStreamError(em *agentevents.Emitter, err error, calls *pendingCalls) {
	var pe *toolprovider.ProtocolError
	if errors.As(err, &pe) {
		msg := fmt.Sprintf("MCPError during %s tool stream: %v", o.label, pe)
		o.logger.Error(msg, "error", err)

		var callID string
		var te *agentloop.ToolExecutionError
		if errors.As(err, &te) {
			callID = te.ToolCallID
		}
		call, _ := calls.lookup(callID)
		o.metrics.IncToolEvent(call.ToolName, string(agentevents.StatusMCPError))
		em.Emit(agentevents.ToolError(agentevents.StatusMCPError, callID, call.ToolName, call.ToolArgs, msg, ""))
		return
	}

	msg := fmt.Sprintf("Error during %s tool stream processing: %v", o.label, err)
	o.logger.Error(msg, "error", err)
	o.metrics.IncToolEvent("", string(agentevents.StatusError))
	em.Emit(agentevents.ToolError(agentevents.StatusError, "", "", nil, msg, ""))
}

// finish emits the single terminal event for result.
func (o *Orchestrator) finish(em *agentevents.Emitter, logger *slog.Logger, result outcome, completed bool) {
	switch result.kind {
	case outcomeComplete:
		if !completed {
			em.Emit(agentevents.StatusUpdate(agentevents.StatusAgentRunComplete, o.completeMessage()))
		}
		logger.Info("orchestrated run complete")

	case outcomeModelBehavior:
		msg := fmt.Sprintf("Unexpected model behaviour for %s agent: %v", o.label, result.err)
		logger.Error(msg)
		em.Emit(agentevents.ToolError(agentevents.StatusModelError, "", "", nil, msg, ""))

	case outcomeProtocol:
		msg := fmt.Sprintf("Fatal %s agent error due to MCP issue: %v", o.label, result.err)
		logger.Error(msg)
		em.Emit(agentevents.Fatal(agentevents.StatusFatalMCPError, msg))

	case outcomeGeneral:
		msg := fmt.Sprintf("Fatal %s agent error: %v", o.label, result.err)
		logger.Error(msg)
		em.Emit(agentevents.Fatal(agentevents.StatusFatalError, msg))

	case outcomeCancelled:
		logger.Info("orchestrated run abandoned")
	}
}

func (o *Orchestrator) completeMessage() string {
	return fmt.Sprintf("%s analysis finished.", o.label)
}

type outcomeKind int

const (
	outcomeComplete outcomeKind = iota
	outcomeModelBehavior
	outcomeProtocol
	outcomeGeneral
	outcomeCancelled
)

func (k outcomeKind) String() string {
	switch k {
	case outcomeComplete:
		return "complete"
	case outcomeModelBehavior:
		return "model_behavior"
	case outcomeProtocol:
		return "protocol"
	case outcomeGeneral:
		return "general"
	default:
		return "cancelled"
	}
}

// outcome is how a run ended. err is the most specific error for the kind.
type outcome struct {
	kind outcomeKind
	err  error
}

func classify(ctx context.Context, err error) outcome {
	if err == nil {
		return outcome{kind: outcomeComplete}
	}
	if ctx.Err() != nil {
		return outcome{kind: outcomeCancelled, err: err}
	}
	var umb *unifiedllm.UnexpectedModelBehaviorError
	if errors.As(err, &umb) {
		return outcome{kind: outcomeModelBehavior, err: umb}
	}
	var pe *toolprovider.ProtocolError
	if errors.As(err, &pe) {
		return outcome{kind: outcomeProtocol, err: pe}
	}
	return outcome{kind: outcomeGeneral, err: err}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
