package structgen

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/martinemde/sherlog/agentevents"
	"github.com/martinemde/sherlog/agentloop"
	"github.com/martinemde/sherlog/telemetry"
	"github.com/martinemde/sherlog/unifiedllm"
)

// DefaultMaxAttempts is the number of model runs before giving up.
const DefaultMaxAttempts = 2

// Outcome classifies one attempt.
type Outcome string

const (
	OutcomePending         Outcome = "pending"
	OutcomeSuccess         Outcome = "success"
	OutcomeSchemaMismatch  Outcome = "schema_mismatch"
	OutcomeModelError      Outcome = "model_error"
	OutcomeUnexpectedError Outcome = "unexpected_error"
)

// Attempt records the result of one model run. Only the latest one is kept.
type Attempt struct {
	Number  int
	Outcome Outcome
	Detail  string
}

// ModelFactory builds the model for one generation. It is called once per
// Generate, after the Starting event.
type ModelFactory func(ctx context.Context) (agentloop.Model, error)

// Option configures a Generator.
type Option func(*options)

type options struct {
	modelID      string
	systemPrompt string
	maxAttempts  int
	toolsets     []agentloop.Toolset
	agentConfig  agentloop.Config
	logger       *slog.Logger
	metrics      *telemetry.Metrics
}

// WithModelID sets the model requested on each attempt. Empty uses the
// provider's configured model.
func WithModelID(id string) Option { return func(o *options) { o.modelID = id } }

// WithSystemPrompt sets the instructions placed ahead of the schema instruction.
func WithSystemPrompt(prompt string) Option { return func(o *options) { o.systemPrompt = prompt } }

// WithMaxAttempts overrides DefaultMaxAttempts. Values below 1 are ignored.
func WithMaxAttempts(n int) Option {
	return func(o *options) {
		if n >= 1 {
			o.maxAttempts = n
		}
	}
}

// WithToolsets gives the model tools it may call before answering.
func WithToolsets(ts ...agentloop.Toolset) Option {
	return func(o *options) { o.toolsets = append(o.toolsets, ts...) }
}

// WithAgentConfig sets the agent loop limits used for every attempt.
func WithAgentConfig(cfg agentloop.Config) Option { return func(o *options) { o.agentConfig = cfg } }

// WithLogger sets the logger. A nil logger keeps the default.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMetrics records run and attempt outcomes on m.
func WithMetrics(m *telemetry.Metrics) Option { return func(o *options) { o.metrics = m } }

// Generator produces a schema-conforming T from a model, retrying a bounded
// number of times. Outcomes are reported on the event stream, never returned
// as errors.
type Generator[T any] struct {
	newModel ModelFactory
	opts     options
	schema   map[string]any
	resolved *jsonschema.Resolved
}

// New reflects T's JSON Schema and returns a Generator for it.
func New[T any](newModel ModelFactory, opts ...Option) (*Generator[T], error) {
	if newModel == nil {
		return nil, errors.New("structgen: model factory is nil")
	}
	o := options{
		maxAttempts: DefaultMaxAttempts,
		agentConfig: agentloop.DefaultConfig(),
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	o.logger = o.logger.With("component", "structgen")

	schema, resolved, err := outputSchema[T]()
	if err != nil {
		return nil, fmt.Errorf("structgen: output schema: %w", err)
	}
	return &Generator[T]{newModel: newModel, opts: o, schema: schema, resolved: resolved}, nil
}

// Generate starts a generation for prompt. The stream ends with a result
// event on success, or a finished_error (or initialization error) status.
func (g *Generator[T]) Generate(ctx context.Context, rc agentevents.RunContext, prompt string) *agentevents.Stream {
	return agentevents.Start(ctx, rc, func(ctx context.Context, em *agentevents.Emitter) {
		g.run(ctx, em, prompt)
	}, agentevents.WithLogger(g.opts.logger))
}

func (g *Generator[T]) run(ctx context.Context, em *agentevents.Emitter, prompt string) {
	rc := em.RunContext()
	logger := g.opts.logger.With("session_id", rc.SessionID, "notebook_id", rc.NotebookID)
	ctx, span := telemetry.StartRun(ctx, "structgen.generate", rc)

	outcome := "cancelled"
	var finalErr error
	defer func() {
		g.opts.metrics.ObserveRun(string(rc.AgentType), outcome)
		telemetry.EndSpan(span, outcome, finalErr)
	}()

	em.Emit(agentevents.StatusUpdate(agentevents.StatusStarting, "Initializing report generation..."))

	model, err := g.newModel(ctx)
	if err != nil {
		msg := fmt.Sprintf("Failed to initialize report generator: %v", err)
		logger.Error("model initialization failed", "error", err)
		ev := agentevents.StatusUpdate(agentevents.StatusError, msg)
		ev.Reason = "Initialization failed"
		em.Emit(ev)
		outcome, finalErr = "init_error", err
		return
	}
	agent := g.agent(model)

	maxAttempts := g.opts.maxAttempts
	ev := agentevents.StatusUpdate(agentevents.StatusStartingAttempts,
		fmt.Sprintf("Attempting report generation (max %d attempts)...", maxAttempts))
	ev.MaxAttempts = maxAttempts
	em.Emit(ev)

	last := Attempt{Outcome: OutcomePending}
	for n := 1; n <= maxAttempts; n++ {
		if ctx.Err() != nil {
			return
		}
		logger.Info("report generation attempt", "attempt", n, "max_attempts", maxAttempts)
		ev := agentevents.StatusUpdate(agentevents.StatusAttemptStart, fmt.Sprintf("Starting attempt %d", n))
		ev.Attempt, ev.MaxAttempts = n, maxAttempts
		em.Emit(ev)

		out, err := g.attempt(ctx, agent, prompt)
		if err == nil {
			g.opts.metrics.ObserveAttempt(string(OutcomeSuccess))
			result := agentevents.Result(out)
			result.Attempt, result.MaxAttempts = n, maxAttempts
			em.Emit(result)
			outcome = "success"
			return
		}
		if ctx.Err() != nil {
			return
		}

		last = classify(n, err)
		g.opts.metrics.ObserveAttempt(string(last.Outcome))
		logger.Error("report generation attempt failed",
			"attempt", n, "outcome", last.Outcome, "error", err)

		status, reason := failureStatus(last.Outcome)
		fail := agentevents.StatusUpdate(status, last.Detail)
		fail.Reason, fail.Attempt, fail.MaxAttempts = reason, n, maxAttempts
		em.Emit(fail)

		if n < maxAttempts {
			retry := agentevents.StatusUpdate(agentevents.StatusRetrying,
				fmt.Sprintf("Retrying after error on attempt %d", n))
			retry.Reason = last.Detail
			if retry.Reason == "" {
				retry.Reason = "unknown"
			}
			retry.Attempt, retry.MaxAttempts = n, maxAttempts
			em.Emit(retry)
		}
	}

	lastErr := last.Detail
	if lastErr == "" {
		lastErr = "Unknown failure"
	}
	msg := fmt.Sprintf("Report generation failed after %d attempts. Last error: %s", maxAttempts, lastErr)
	logger.Error(msg)
	done := agentevents.StatusUpdate(agentevents.StatusFinishedError, msg)
	done.Reason, done.Attempt, done.MaxAttempts = lastErr, last.Number, maxAttempts
	em.Emit(done)
	outcome, finalErr = "finished_error", errors.New(lastErr)
}

func (g *Generator[T]) agent(model agentloop.Model) *agentloop.Agent {
	return agentloop.NewAgent(model,
		agentloop.WithModelID(g.opts.modelID),
		agentloop.WithSystemPrompt(unifiedllm.StructuredSystemPrompt(g.opts.systemPrompt, g.schema)),
		agentloop.WithToolsets(g.opts.toolsets...),
		agentloop.WithResponseFormat(unifiedllm.SchemaFormat(g.schema)),
		agentloop.WithConfig(g.opts.agentConfig),
		agentloop.WithLogger(g.opts.logger),
	)
}

func (g *Generator[T]) attempt(ctx context.Context, agent *agentloop.Agent, prompt string) (T, error) {
	text, err := agent.Run(ctx, prompt)
	if err != nil {
		var zero T
		return zero, err
	}
	return decodeOutput[T](text, g.resolved)
}

func classify(n int, err error) Attempt {
	var mismatch *SchemaMismatchError
	if errors.As(err, &mismatch) {
		return Attempt{
			Number:  n,
			Outcome: OutcomeSchemaMismatch,
			Detail:  "Agent failed to produce the required structured report format.",
		}
	}
	var umb *unifiedllm.UnexpectedModelBehaviorError
	if errors.As(err, &umb) {
		return Attempt{
			Number:  n,
			Outcome: OutcomeModelError,
			Detail:  "Report generation failed due to unexpected model behavior: " + describe(umb),
		}
	}
	return Attempt{
		Number:  n,
		Outcome: OutcomeUnexpectedError,
		Detail:  "Report generation failed unexpectedly: " + describe(err),
	}
}

func failureStatus(o Outcome) (agentevents.Status, string) {
	switch o {
	case OutcomeSchemaMismatch:
		return agentevents.StatusModelError, "Invalid output format"
	case OutcomeModelError:
		return agentevents.StatusModelError, "Unexpected model behavior"
	default:
		return agentevents.StatusGeneralErrorRun, "General exception"
	}
}

// describe renders err for consumers, falling back to its type when the
// message is empty.
func describe(err error) string {
	if msg := err.Error(); msg != "" {
		return msg
	}
	return fmt.Sprintf("%T", err)
}

// Output extracts the typed value from a result event.
func Output[T any](ev agentevents.Event) (T, bool) {
	if ev.Type != agentevents.TypeResult {
		var zero T
		return zero, false
	}
	v, ok := ev.Output.(T)
	return v, ok
}
