package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/vendlite/vendlite/internal/middleware"
	"github.com/vendlite/vendlite/internal/session"
)

// Sessions is the payment session surface exposed to collaborators
type Sessions interface {
	Begin(ctx context.Context, requiredAmount int64) (session.Session, error)
	RequestDispense(ctx context.Context, slot int) (session.Ticket, error)
	Cancel(ctx context.Context) (session.Record, error)
	Status() session.Snapshot
	LastRecord() (session.Record, bool)
}

// BeginRequest is the body of POST /api/v1/sessions
type BeginRequest struct {
	RequiredAmount int64 `json:"required_amount" validate:"gt=0"`
}

// DispenseRequest is the body of POST /api/v1/sessions/current/dispense
type DispenseRequest struct {
	Slot int `json:"slot" validate:"gt=0"`
}

// SessionHandler handles the payment session endpoints
type SessionHandler struct {
	sessions Sessions
	logger   *slog.Logger
}

func NewSessionHandler(sessions Sessions, logger *slog.Logger) *SessionHandler {
	return &SessionHandler{sessions: sessions, logger: logger}
}

// Status handles GET /api/v1/status. It never touches hardware.
func (h *SessionHandler) Status(w http.ResponseWriter, r *http.Request) {
	sendJSON(w, http.StatusOK, h.sessions.Status())
}

// Begin handles POST /api/v1/sessions
func (h *SessionHandler) Begin(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSON[BeginRequest](w, r)
	if !ok {
		return
	}

	s, err := h.sessions.Begin(r.Context(), req.RequiredAmount)
	if err != nil {
		handleError(w, r, err)
		return
	}
	sendJSON(w, http.StatusCreated, s)
}

// Dispense handles POST /api/v1/sessions/current/dispense. The outcome is
// reported asynchronously; poll status for it.
func (h *SessionHandler) Dispense(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSON[DispenseRequest](w, r)
	if !ok {
		return
	}

	ticket, err := h.sessions.RequestDispense(r.Context(), req.Slot)
	if err != nil {
		handleError(w, r, err)
		return
	}
	sendJSON(w, http.StatusAccepted, ticket)
}

// Cancel handles POST /api/v1/sessions/current/cancel
func (h *SessionHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	rec, err := h.sessions.Cancel(r.Context())
	if err != nil {
		handleError(w, r, err)
		return
	}
	h.logger.Info("session cancelled via API",
		"session_id", rec.SessionID.String(),
		"refundable", rec.Refundable,
		"operator", middleware.User(r.Context()))
	sendJSON(w, http.StatusOK, rec)
}

// Last handles GET /api/v1/sessions/last
func (h *SessionHandler) Last(w http.ResponseWriter, r *http.Request) {
	rec, ok := h.sessions.LastRecord()
	if !ok {
		sendError(w, r, http.StatusNotFound, "NOT_FOUND", "No session has ended yet", nil)
		return
	}
	sendJSON(w, http.StatusOK, rec)
}
