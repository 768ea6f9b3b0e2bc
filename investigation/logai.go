// Package investigation wires the orchestration core to sherlog's two
// agents: the Log-AI agent, which drives the Log-AI MCP server, and the
// investigation report agent, which turns findings into a Report.
package investigation

import (
	"context"
	"log/slog"

	"github.com/martinemde/sherlog/agentevents"
	"github.com/martinemde/sherlog/agentloop"
	"github.com/martinemde/sherlog/notebookctx"
	"github.com/martinemde/sherlog/orchestrator"
	"github.com/martinemde/sherlog/telemetry"
	"github.com/martinemde/sherlog/toolprovider"
)

// LogAISystemPrompt is the Log-AI agent's system prompt.
const LogAISystemPrompt = "You are an assistant specialised in analysing software logs.  " +
	"When appropriate, call a tool exposed by the Log-AI MCP server to " +
	"perform log parsing, clustering, anomaly detection, etc.  " +
	"Strictly respect the provided JSON schema when supplying tool arguments."

// LogAIOptions configures a LogAIAgent. Zero values select defaults.
type LogAIOptions struct {
	Provider     toolprovider.Config
	ModelID      string
	SystemPrompt string
	AgentConfig  *agentloop.Config
	Cells        notebookctx.CellReader // enables list_cells and get_cell
	Logger       *slog.Logger
	Metrics      *telemetry.Metrics

	// Spawn replaces the subprocess launcher, mainly for tests.
	Spawn orchestrator.SpawnFunc
}

// LogAIAgent answers log questions for one notebook using the Log-AI tools.
type LogAIAgent struct {
	notebookID string
	orch       *orchestrator.Orchestrator
}

// NewLogAIAgent builds an agent for notebookID. A zero Provider runs the
// Log-AI tool server image under docker.
func NewLogAIAgent(model agentloop.Model, notebookID string, opts LogAIOptions) *LogAIAgent {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Provider.Command == "" {
		opts.Provider = toolprovider.DockerConfig("", "")
	}
	prompt := opts.SystemPrompt
	if prompt == "" {
		prompt = LogAISystemPrompt
	}
	spawn := opts.Spawn
	if spawn == nil {
		spawn = ProviderSpawner(opts.Provider, logger)
	}

	orchOpts := []orchestrator.Option{
		orchestrator.WithLabel("Log-AI"),
		orchestrator.WithModelID(opts.ModelID),
		orchestrator.WithSystemPrompt(prompt),
		orchestrator.WithLogger(logger),
		orchestrator.WithMetrics(opts.Metrics),
	}
	if opts.AgentConfig != nil {
		orchOpts = append(orchOpts, orchestrator.WithAgentConfig(*opts.AgentConfig))
	}
	if opts.Cells != nil {
		cells := opts.Cells
		orchOpts = append(orchOpts, orchestrator.WithExtraTools(func(rc agentevents.RunContext) ([]agentloop.Toolset, error) {
			ts, err := notebookctx.Tools(rc.NotebookID, cells)
			if err != nil {
				return nil, err
			}
			return []agentloop.Toolset{ts}, nil
		}))
	}

	return &LogAIAgent{
		notebookID: notebookID,
		orch:       orchestrator.New(model, spawn, orchOpts...),
	}
}

// RunQuery streams the events of one Log-AI run.
func (a *LogAIAgent) RunQuery(ctx context.Context, query, sessionID string) *agentevents.Stream {
	return a.orch.Run(ctx, query, agentevents.RunContext{
		NotebookID: a.notebookID,
		SessionID:  sessionID,
		AgentType:  agentevents.AgentLogAI,
	})
}

// ProviderSpawner launches cfg as the run's tool provider.
func ProviderSpawner(cfg toolprovider.Config, logger *slog.Logger) orchestrator.SpawnFunc {
	return func(ctx context.Context) (orchestrator.ToolProvider, error) {
		p, err := toolprovider.Spawn(ctx, cfg, toolprovider.WithLogger(logger))
		if err != nil {
			return nil, err
		}
		return p, nil
	}
}
