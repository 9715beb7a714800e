package channels

import (
	"context"
	"log/slog"
)

// StartReconciliationLogger starts a goroutine that logs every session that
// reaches Closed or Cancelled
func StartReconciliationLogger(ctx context.Context, events *EventChannels, logger *slog.Logger) {
	go func() {
		for {
			select {
			case event := <-events.SessionEvents:
				switch event.Kind {
				case SessionClosed, SessionCancelled:
					logger.InfoContext(ctx, "Session reconciled",
						slog.String("session_id", event.SessionID.String()),
						slog.String("outcome", string(event.Kind)),
						slog.Int64("received", event.Accumulated),
						slog.Int64("required", event.Required),
						slog.Bool("item_confirmed", event.ItemConfirmed),
						slog.Int64("change_dispensed", event.ChangeDispensed),
						slog.Int64("change_owed", event.ChangeOwed),
						slog.Int64("refundable", event.Refundable),
						slog.String("message", event.Message),
					)
				case SessionConfirmation:
					logger.DebugContext(ctx, "Dispense confirmation",
						slog.String("session_id", event.SessionID.String()),
						slog.Int("slot", event.Slot),
						slog.Bool("success", event.Success),
					)
				}
			case <-ctx.Done():
				return
			case <-events.Done():
				return
			}
		}
	}()
}

// StartDiagnosticsLogger starts a goroutine that logs discarded intake input
func StartDiagnosticsLogger(ctx context.Context, pipeline *IntakePipeline, logger *slog.Logger) {
	go func() {
		for {
			select {
			case d := <-pipeline.Diagnostics:
				logger.WarnContext(ctx, "Intake input discarded",
					slog.String("source", d.Source.String()),
					slog.String("kind", string(d.Kind)),
					slog.Int("pulses", d.RawPulseCount),
					slog.String("detail", d.Detail),
				)
			case <-ctx.Done():
				return
			case <-pipeline.Done():
				return
			}
		}
	}()
}
