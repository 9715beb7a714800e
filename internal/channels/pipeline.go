package channels

import (
	"context"
	"log/slog"

	"github.com/vendlite/vendlite/internal/intake"
)

// IntakePipeline carries decoded money from the adapters to the session loop
type IntakePipeline struct {
	// Input: accepted insertions, in decode order per adapter
	Monetary chan intake.MonetaryEvent

	// Output: discarded inputs for logging
	Diagnostics chan intake.Diagnostic

	logger *slog.Logger

	// Context for graceful shutdown
	ctx  context.Context
	done chan struct{}
}

// NewIntakePipeline creates a new intake pipeline with configured buffer sizes
func NewIntakePipeline(ctx context.Context, cfg EventChannelsConfig, logger *slog.Logger) *IntakePipeline {
	return &IntakePipeline{
		Monetary:    make(chan intake.MonetaryEvent, cfg.MonetaryBufferSize),
		Diagnostics: make(chan intake.Diagnostic, cfg.DiagnosticsBufferSize),
		logger:      logger.With("component", "intake_pipeline"),
		ctx:         ctx,
		done:        make(chan struct{}),
	}
}

// Deliver hands ev to the session loop. It blocks while the queue is full
// and gives up only on shutdown; it is an intake.Sink.
func (pp *IntakePipeline) Deliver(ev intake.MonetaryEvent) {
	select {
	case pp.Monetary <- ev:
	case <-pp.done:
		pp.logger.Error("pipeline closed, monetary event not delivered",
			"source", ev.Source.String(),
			"value", ev.Value)
	case <-pp.ctx.Done():
		pp.logger.Error("context cancelled, monetary event not delivered",
			"source", ev.Source.String(),
			"value", ev.Value)
	}
}

// Report queues a diagnostic without blocking; it is an intake.DiagnosticSink
func (pp *IntakePipeline) Report(d intake.Diagnostic) {
	select {
	case pp.Diagnostics <- d:
	default:
		pp.logger.Warn("diagnostics channel full, dropping", "kind", string(d.Kind))
	}
}

// Close signals shutdown; the queues are left open for in-flight senders
func (pp *IntakePipeline) Close() error {
	close(pp.done)
	return nil
}

// Done returns a channel that's closed when the pipeline is shutting down
func (pp *IntakePipeline) Done() <-chan struct{} {
	return pp.done
}

// Context returns the context associated with this pipeline
func (pp *IntakePipeline) Context() context.Context {
	return pp.ctx
}
