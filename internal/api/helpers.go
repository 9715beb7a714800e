package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-playground/validator/v10"

	"github.com/vendlite/vendlite/internal/hwerr"
	"github.com/vendlite/vendlite/internal/middleware"
	"github.com/vendlite/vendlite/internal/session"
)

var validate = validator.New()

// sendJSON sends a JSON response
func sendJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// sendError sends a standardized error response
func sendError(w http.ResponseWriter, r *http.Request, status int, code, message string, details interface{}) {
	middleware.SendError(w, r, status, code, message, details)
}

// decodeJSON decodes and validates the request body
func decodeJSON[T any](w http.ResponseWriter, r *http.Request) (T, bool) {
	var input T
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		sendError(w, r, http.StatusBadRequest, "INVALID_BODY", "Invalid JSON body", err.Error())
		return input, false
	}
	if err := validate.Struct(input); err != nil {
		sendError(w, r, http.StatusBadRequest, "VALIDATION_ERROR", "Request validation failed", err.Error())
		return input, false
	}
	return input, true
}

// handleError maps session and hardware errors onto HTTP responses
func handleError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, session.ErrInvalidAmount):
		sendError(w, r, http.StatusBadRequest, "INVALID_AMOUNT", err.Error(), nil)
	case errors.Is(err, session.ErrNoSession):
		sendError(w, r, http.StatusNotFound, "NO_SESSION", err.Error(), nil)
	case errors.Is(err, session.ErrSessionActive):
		sendError(w, r, http.StatusConflict, "SESSION_ACTIVE", err.Error(), nil)
	case errors.Is(err, session.ErrInvalidState):
		sendError(w, r, http.StatusConflict, "INVALID_STATE", err.Error(), nil)
	case errors.Is(err, session.ErrStopped):
		sendError(w, r, http.StatusServiceUnavailable, "STOPPED", err.Error(), nil)
	case errors.Is(err, context.DeadlineExceeded):
		sendError(w, r, http.StatusGatewayTimeout, "TIMEOUT", "Request timed out", nil)
	default:
		kind := hwerr.KindOf(err)
		switch kind {
		case hwerr.KindHardwareUnavailable, hwerr.KindConnection:
			sendError(w, r, http.StatusServiceUnavailable, "HARDWARE_UNAVAILABLE", err.Error(), kind.String())
		case hwerr.KindProtocol:
			sendError(w, r, http.StatusBadGateway, "PROTOCOL_ERROR", err.Error(), kind.String())
		case hwerr.KindTimeout:
			sendError(w, r, http.StatusGatewayTimeout, "TIMEOUT", err.Error(), kind.String())
		default:
			sendError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error(), nil)
		}
	}
}
