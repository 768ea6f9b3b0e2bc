package agentevents

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"
)

// Producer is the body of a run. It reports progress through em and returns
// when the run is over.
type Producer func(ctx context.Context, em *Emitter)

// Emitter stamps events with the run context and hands them to the consumer.
// It is owned by the producer goroutine and must not be shared.
type Emitter struct {
	rc  RunContext
	ch  chan<- Event
	ctx context.Context
	now func() time.Time
}

// Emit delivers ev. It blocks until the consumer receives the event or the run
// is cancelled, in which case the event is discarded and Emit returns false.
func (e *Emitter) Emit(ev Event) bool {
	if e.ctx.Err() != nil {
		return false
	}
	ev.AgentType = e.rc.AgentType
	ev.NotebookID = e.rc.NotebookID
	ev.SessionID = e.rc.SessionID
	ev.StepID = e.rc.StepID
	ev.Timestamp = e.now()

	select {
	case e.ch <- ev:
		return true
	case <-e.ctx.Done():
		return false
	}
}

// RunContext returns the context stamped onto emitted events.
func (e *Emitter) RunContext() RunContext { return e.rc }

// Stream is the consumer side of one run.
type Stream struct {
	events chan Event
	cancel context.CancelFunc
	done   chan struct{}
}

// StartOption configures Start.
type StartOption func(*startConfig)

type startConfig struct {
	logger *slog.Logger
	now    func() time.Time
}

// WithLogger sets the logger used to report producer panics.
func WithLogger(logger *slog.Logger) StartOption {
	return func(c *startConfig) { c.logger = logger }
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) StartOption {
	return func(c *startConfig) { c.now = now }
}

// Start runs fn in its own goroutine and returns the stream of events it
// emits. The events channel is closed once fn has returned, so everything fn
// defers has already run by the time a consumer sees the close.
//
// A panic in fn is recovered, logged with its stack, and reported as a
// fatal_error event.
func Start(ctx context.Context, rc RunContext, fn Producer, opts ...StartOption) *Stream {
	cfg := startConfig{logger: slog.Default(), now: func() time.Time { return time.Now().UTC() }}
	for _, opt := range opts {
		opt(&cfg)
	}

	ctx, cancel := context.WithCancel(ctx)
	s := &Stream{
		events: make(chan Event),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	em := &Emitter{rc: rc, ch: s.events, ctx: ctx, now: cfg.now}

	go func() {
		defer close(s.done)
		defer close(s.events)
		defer cancel()
		defer func() {
			if r := recover(); r != nil {
				cfg.logger.Error("agent run panic",
					"agent_type", rc.AgentType,
					"session_id", rc.SessionID,
					"panic", r,
					"stack", string(debug.Stack()))
				em.Emit(Fatal(StatusFatalError, fmt.Sprintf("internal error: %v", r)))
			}
		}()
		fn(ctx, em)
	}()
	return s
}

// Events returns the channel the consumer reads. It is closed when the run ends.
func (s *Stream) Events() <-chan Event { return s.events }

// Done is closed after the producer has returned and its teardown has run.
func (s *Stream) Done() <-chan struct{} { return s.done }

// Close abandons the stream: it cancels the run and waits for the producer to
// finish its teardown. Close is safe to call more than once and after the
// stream has been drained.
func (s *Stream) Close() {
	s.cancel()
	<-s.done
}

// Collect drains s and returns every event in emission order.
func Collect(s *Stream) []Event {
	var out []Event
	for ev := range s.events {
		out = append(out, ev)
	}
	<-s.done
	return out
}
