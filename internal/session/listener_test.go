package session

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/vendlite/vendlite/internal/change"
	"github.com/vendlite/vendlite/internal/channels"
)

func TestHubListenerPublishes(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	events := channels.NewEventChannels(context.Background(), channels.EventChannelsConfig{SessionBufferSize: 8}, logger)
	hub := NewHubListener(events)

	s := Session{ID: uuid.New(), AccumulatedAmount: 15, RequiredAmount: 12, Status: StatusSufficient}
	hub.OnSufficient(s)
	hub.OnConfirmation(Ticket{ID: uuid.New(), SessionID: s.ID, Slot: 3}, true)
	s.Status, s.ChangeOwed, s.ItemConfirmed = StatusAwaitingChange, 3, true
	hub.OnChangeReady(s, change.Plan{Amount: 3})
	hub.OnClosed(Record{SessionID: s.ID, Outcome: StatusCancelled, Refundable: 3, EndedAt: time.Now()})

	want := []channels.SessionEventKind{
		channels.SessionSufficient,
		channels.SessionConfirmation,
		channels.SessionChangeReady,
		channels.SessionCancelled,
	}
	for i, kind := range want {
		ev := <-events.SessionEvents
		if ev.Kind != kind || ev.SessionID != s.ID {
			t.Errorf("event %d = %s for %s, want %s", i, ev.Kind, ev.SessionID, kind)
		}
		switch ev.Kind {
		case channels.SessionConfirmation:
			if !ev.Success || ev.Slot != 3 {
				t.Errorf("confirmation = %+v", ev)
			}
		case channels.SessionChangeReady:
			if ev.ChangeOwed != 3 || !ev.ItemConfirmed {
				t.Errorf("change ready = %+v", ev)
			}
		case channels.SessionCancelled:
			if ev.Refundable != 3 || ev.Status != "cancelled" {
				t.Errorf("cancelled = %+v", ev)
			}
		}
	}
}

func TestStatusText(t *testing.T) {
	for st := StatusOpen; st <= StatusCancelled; st++ {
		data, err := json.Marshal(st)
		if err != nil {
			t.Fatal(err)
		}
		var back Status
		if err := json.Unmarshal(data, &back); err != nil || back != st {
			t.Errorf("%s round trip = %s, %v", st, back, err)
		}
	}
	var s Status
	if err := json.Unmarshal([]byte(`"vending"`), &s); err == nil {
		t.Error("unknown status accepted")
	}
	if !StatusClosed.Terminal() || !StatusCancelled.Terminal() || StatusAwaitingChange.Terminal() {
		t.Error("Terminal mismatch")
	}
}
