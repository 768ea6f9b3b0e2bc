package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/martinemde/sherlog/agentevents"
)

const instrumentationName = "github.com/martinemde/sherlog"

// Tracer returns the tracer from the global provider, a no-op unless the
// process installs one.
func Tracer() trace.Tracer {
	return otel.Tracer(instrumentationName)
}

// StartRun opens a span for one agent run, tagged with its run context.
func StartRun(ctx context.Context, name string, rc agentevents.RunContext) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name,
		trace.WithAttributes(
			attribute.String("sherlog.agent_type", string(rc.AgentType)),
			attribute.String("sherlog.notebook_id", rc.NotebookID),
			attribute.String("sherlog.session_id", rc.SessionID),
			attribute.String("sherlog.step_id", rc.StepID),
		),
	)
}

// EndSpan records outcome on span and ends it. A nil err marks success.
func EndSpan(span trace.Span, outcome string, err error) {
	span.SetAttributes(attribute.String("sherlog.outcome", outcome))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
