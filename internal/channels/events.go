package channels

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// SessionEventKind names a session notification
type SessionEventKind string

const (
	SessionAmountChanged SessionEventKind = "amount_changed"
	SessionSufficient    SessionEventKind = "sufficient"
	SessionConfirmation  SessionEventKind = "confirmation"
	SessionChangeReady   SessionEventKind = "change_ready"
	SessionClosed        SessionEventKind = "closed"
	SessionCancelled     SessionEventKind = "cancelled"
)

// SessionEvent is published on every session notification. Fields that do
// not apply to a kind are left zero.
type SessionEvent struct {
	Kind      SessionEventKind
	SessionID uuid.UUID
	Status    string
	Timestamp time.Time

	Accumulated int64
	Required    int64

	// confirmation
	Slot    int
	Ticket  uuid.UUID
	Success bool

	// change_ready, closed, cancelled
	ChangeOwed      int64
	ChangeDispensed int64
	Refundable      int64
	ItemConfirmed   bool
	Message         string
}

// EventChannels provides typed channels for broadcast events
type EventChannels struct {
	SessionEvents chan SessionEvent

	logger *slog.Logger

	// Graceful shutdown
	done chan struct{}
}

// NewEventChannels creates a new EventChannels hub with configured buffer sizes
func NewEventChannels(ctx context.Context, cfg EventChannelsConfig, logger *slog.Logger) *EventChannels {
	return &EventChannels{
		SessionEvents: make(chan SessionEvent, cfg.SessionBufferSize),
		logger:        logger.With("component", "event_channels"),
		done:          make(chan struct{}),
	}
}

// PublishSession queues ev without blocking. It reports false when the
// event was dropped.
func (ec *EventChannels) PublishSession(ev SessionEvent) bool {
	select {
	case <-ec.done:
		return false
	default:
	}
	select {
	case ec.SessionEvents <- ev:
		return true
	default:
		ec.logger.Warn("session event channel full, dropping event",
			"kind", string(ev.Kind),
			"session_id", ev.SessionID.String())
		return false
	}
}

// Close signals consumers to exit. The data channels stay open so a late
// non-blocking publish cannot panic.
func (ec *EventChannels) Close() error {
	close(ec.done)
	return nil
}

// Done returns a channel that's closed when the EventChannels is shutting down
func (ec *EventChannels) Done() <-chan struct{} {
	return ec.done
}
