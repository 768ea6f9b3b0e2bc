package investigation

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/martinemde/sherlog/agentevents"
	"github.com/martinemde/sherlog/agentloop"
	"github.com/martinemde/sherlog/notebookctx"
	"github.com/martinemde/sherlog/structgen"
	"github.com/martinemde/sherlog/telemetry"
)

// ReportStepID is the step id stamped on report generation events.
const ReportStepID = "final_report"

// ReportSystemPrompt is the report agent's system prompt.
const ReportSystemPrompt = "You are an AI assistant that writes investigation reports. " +
	"Analyze the provided findings and generate a structured JSON report matching the Report schema. " +
	"Base every finding on evidence in the context; say so in the summary when evidence is missing."

// Report is the structured result of an investigation.
type Report struct {
	Title           string    `json:"title" jsonschema:"Short title of the investigation"`
	Query           string    `json:"query" jsonschema:"The question the investigation answered"`
	Status          string    `json:"status" jsonschema:"One of complete, partial or inconclusive"`
	Summary         string    `json:"summary" jsonschema:"Two or three sentence summary of the outcome"`
	Findings        []Finding `json:"findings" jsonschema:"Key findings, most important first"`
	RootCause       *Cause    `json:"root_cause,omitempty" jsonschema:"Most likely root cause, if determined"`
	Recommendations []string  `json:"recommendations,omitempty" jsonschema:"Suggested next steps"`
	Tags            []string  `json:"tags,omitempty"`
}

// Finding is one observation the report draws from the notebook.
type Finding struct {
	Summary  string   `json:"summary"`
	Details  string   `json:"details,omitempty"`
	Severity string   `json:"severity,omitempty" jsonschema:"One of info, low, medium, high or critical"`
	CellIDs  []string `json:"cell_ids,omitempty" jsonschema:"Notebook cells that support the finding"`
}

// Cause is a candidate root cause with the evidence behind it.
type Cause struct {
	Description string   `json:"description"`
	Confidence  string   `json:"confidence,omitempty" jsonschema:"One of low, medium or high"`
	Evidence    []string `json:"evidence,omitempty"`
}

// Step is the plan step a report is generated for.
type Step struct {
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// ReportOptions configures a ReportAgent.
type ReportOptions struct {
	ModelID      string
	SystemPrompt string
	MaxAttempts  int
	Cells        notebookctx.CellReader
	Tools        []agentloop.Toolset
	Logger       *slog.Logger
	Metrics      *telemetry.Metrics
}

// ReportAgent generates Reports for one notebook.
type ReportAgent struct {
	notebookID string
	gen        *structgen.Generator[Report]
}

func NewReportAgent(newModel structgen.ModelFactory, notebookID string, opts ReportOptions) (*ReportAgent, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	prompt := opts.SystemPrompt
	if prompt == "" {
		prompt = ReportSystemPrompt
	}

	toolsets := append([]agentloop.Toolset(nil), opts.Tools...)
	if opts.Cells != nil {
		ts, err := notebookctx.Tools(notebookID, opts.Cells)
		if err != nil {
			logger.Warn("notebook context tools unavailable for report agent", "error", err)
		} else {
			toolsets = append(toolsets, ts)
		}
	}

	gen, err := structgen.New[Report](newModel,
		structgen.WithModelID(opts.ModelID),
		structgen.WithSystemPrompt(prompt),
		structgen.WithMaxAttempts(opts.MaxAttempts),
		structgen.WithToolsets(toolsets...),
		structgen.WithLogger(logger),
		structgen.WithMetrics(opts.Metrics),
	)
	if err != nil {
		return nil, err
	}
	return &ReportAgent{notebookID: notebookID, gen: gen}, nil
}

// Generate streams the events of one report generation. The result event's
// output is a Report; use structgen.Output[Report] to read it.
func (a *ReportAgent) Generate(ctx context.Context, step Step, findings, sessionID string) *agentevents.Stream {
	return a.gen.Generate(ctx, agentevents.RunContext{
		NotebookID: a.notebookID,
		SessionID:  sessionID,
		StepID:     ReportStepID,
		AgentType:  agentevents.AgentInvestigationReporter,
	}, ReportPrompt(step, findings))
}

// ReportPrompt renders the report request for step over the gathered findings.
func ReportPrompt(step Step, findings string) string {
	params := "{}"
	if len(step.Parameters) > 0 {
		if b, err := json.Marshal(step.Parameters); err == nil {
			params = string(b)
		}
	}
	return fmt.Sprintf(`<prompt>
    <description>%s</description>
    <parameters>%s</parameters>
</prompt>

<context>
    %s
</context>
`, step.Description, params, findings)
}
