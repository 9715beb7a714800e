package session

import "errors"

var (
	// Lifecycle errors.
	ErrNoSession     = errors.New("session: no active session")
	ErrSessionActive = errors.New("session: a session is already active")
	ErrStopped       = errors.New("session: controller stopped")

	// Request errors.
	ErrInvalidAmount = errors.New("session: required amount must be positive")
	ErrInvalidState  = errors.New("session: invalid state for request")
)
