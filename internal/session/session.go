// Package session runs the payment state machine: it accumulates money
// events against a required price, drives actuation and confirmation of the
// purchased item, pays out change, and hands back a reconciliation record.
//
//	Open -> Sufficient -> Dispensing -> AwaitingChange -> Closed
//
// Cancel reaches Cancelled from any non-terminal state. A dispense that
// cannot be confirmed returns the session to Sufficient so the customer can
// retry or cancel for a refund.
package session

import (
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/vendlite/vendlite/internal/confirm"
	"github.com/vendlite/vendlite/internal/hopper"
	"github.com/vendlite/vendlite/internal/intake"
)

// Status is the state of a payment session
type Status int

const (
	StatusOpen Status = iota
	StatusSufficient
	StatusDispensing
	StatusAwaitingChange
	StatusClosed
	StatusCancelled
)

func (s Status) String() string {
	switch s {
	case StatusOpen:
		return "open"
	case StatusSufficient:
		return "sufficient"
	case StatusDispensing:
		return "dispensing"
	case StatusAwaitingChange:
		return "awaiting_change"
	case StatusClosed:
		return "closed"
	case StatusCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Status) UnmarshalText(text []byte) error {
	for st := StatusOpen; st <= StatusCancelled; st++ {
		if st.String() == string(text) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown session status %q", text)
}

// Terminal reports whether the session is finished
func (s Status) Terminal() bool {
	return s == StatusClosed || s == StatusCancelled
}

// Session is the data of one sale. Only the controller loop mutates it;
// everything handed out is a copy.
type Session struct {
	ID                uuid.UUID              `json:"id"`
	StartedAt         time.Time              `json:"started_at"`
	AccumulatedAmount int64                  `json:"accumulated_amount"`
	RequiredAmount    int64                  `json:"required_amount"`
	Status            Status                 `json:"status"`
	Events            []intake.MonetaryEvent `json:"events"`
	ChangeOwed        int64                  `json:"change_owed"`
	Slot              int                    `json:"slot,omitempty"`
	ItemConfirmed     bool                   `json:"item_confirmed"`
	UnconfirmedSlots  []int                  `json:"unconfirmed_slots,omitempty"`
	Message           string                 `json:"message,omitempty"`
}

func (s Session) clone() Session {
	s.Events = slices.Clone(s.Events)
	s.UnconfirmedSlots = slices.Clone(s.UnconfirmedSlots)
	return s
}

// Ticket identifies one dispense request
type Ticket struct {
	ID        uuid.UUID `json:"id"`
	SessionID uuid.UUID `json:"session_id"`
	Slot      int       `json:"slot"`
	IssuedAt  time.Time `json:"issued_at"`
}

// Record is the reconciliation attached when a session ends. It is never
// modified afterwards.
type Record struct {
	SessionID uuid.UUID `json:"session_id"`
	Outcome   Status    `json:"outcome"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at"`

	RequiredAmount int64                  `json:"required_amount"`
	Received       int64                  `json:"received"`
	Events         []intake.MonetaryEvent `json:"events"`

	Slot             int             `json:"slot,omitempty"`
	ItemConfirmed    bool            `json:"item_confirmed"`
	UnconfirmedSlots []int           `json:"unconfirmed_slots,omitempty"`
	Confirmation     *confirm.Result `json:"confirmation,omitempty"`

	ChangeOwed      int64          `json:"change_owed"`
	ChangeDispensed int64          `json:"change_dispensed"`
	ChangeRemainder int64          `json:"change_remainder"`
	Payout          *hopper.Payout `json:"payout,omitempty"`

	// Refundable is set on cancellation
	Refundable int64 `json:"refundable"`

	Errors  []string `json:"errors,omitempty"`
	Message string   `json:"message"`
}

// Snapshot is the read-only view returned by Status
type Snapshot struct {
	Session       *Session          `json:"session,omitempty"`
	PendingCredit int64             `json:"pending_credit"`
	Jobs          []hopper.Snapshot `json:"jobs"`
	Watches       []confirm.Result  `json:"watches"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

func incompleteChangeMessage(dispensed, owed int64) string {
	return fmt.Sprintf("item confirmed but change dispensing incomplete; dispensed %d, owed %d", dispensed, owed)
}
