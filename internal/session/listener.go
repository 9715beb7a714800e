package session

import (
	"time"

	"github.com/vendlite/vendlite/internal/change"
	"github.com/vendlite/vendlite/internal/channels"
)

// Listener receives session notifications. Methods run on the controller
// loop: they must return quickly and must not call the Controller.
type Listener interface {
	OnAmountChanged(s Session)
	OnSufficient(s Session)
	OnConfirmation(t Ticket, success bool)
	OnChangeReady(s Session, plan change.Plan)
	OnClosed(r Record)
}

// HubListener republishes notifications on the event channels
type HubListener struct {
	events *channels.EventChannels
	now    func() time.Time
}

func NewHubListener(events *channels.EventChannels) *HubListener {
	return &HubListener{events: events, now: time.Now}
}

func (h *HubListener) base(kind channels.SessionEventKind, s Session) channels.SessionEvent {
	return channels.SessionEvent{
		Kind:        kind,
		SessionID:   s.ID,
		Status:      s.Status.String(),
		Timestamp:   h.now(),
		Accumulated: s.AccumulatedAmount,
		Required:    s.RequiredAmount,
	}
}

func (h *HubListener) OnAmountChanged(s Session) {
	h.events.PublishSession(h.base(channels.SessionAmountChanged, s))
}

func (h *HubListener) OnSufficient(s Session) {
	h.events.PublishSession(h.base(channels.SessionSufficient, s))
}

func (h *HubListener) OnConfirmation(t Ticket, success bool) {
	h.events.PublishSession(channels.SessionEvent{
		Kind:      channels.SessionConfirmation,
		SessionID: t.SessionID,
		Timestamp: h.now(),
		Slot:      t.Slot,
		Ticket:    t.ID,
		Success:   success,
	})
}

func (h *HubListener) OnChangeReady(s Session, _ change.Plan) {
	ev := h.base(channels.SessionChangeReady, s)
	ev.ChangeOwed = s.ChangeOwed
	ev.ItemConfirmed = s.ItemConfirmed
	h.events.PublishSession(ev)
}

func (h *HubListener) OnClosed(r Record) {
	kind := channels.SessionClosed
	if r.Outcome == StatusCancelled {
		kind = channels.SessionCancelled
	}
	h.events.PublishSession(channels.SessionEvent{
		Kind:            kind,
		SessionID:       r.SessionID,
		Status:          r.Outcome.String(),
		Timestamp:       r.EndedAt,
		Accumulated:     r.Received,
		Required:        r.RequiredAmount,
		Slot:            r.Slot,
		ChangeOwed:      r.ChangeOwed,
		ChangeDispensed: r.ChangeDispensed,
		Refundable:      r.Refundable,
		ItemConfirmed:   r.ItemConfirmed,
		Message:         r.Message,
	})
}

var _ Listener = (*HubListener)(nil)
