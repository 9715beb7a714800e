// Package hwerr classifies every failure the payment and dispense core can
// produce. Each error carries exactly one Kind so the session state machine
// can make a deterministic policy decision instead of inspecting messages.
package hwerr

import (
	"errors"
	"fmt"
)

// Kind is the taxonomy bucket of an error.
type Kind int

const (
	KindUnknown Kind = iota
	KindConnection
	KindProtocol
	KindTimeout
	KindHardwareUnavailable
	KindUnrepresentableAmount
	KindConfiguration
)

var (
	ErrConnection            = errors.New("hwerr: connection error")
	ErrProtocol              = errors.New("hwerr: protocol error")
	ErrTimeout               = errors.New("hwerr: timeout")
	ErrHardwareUnavailable   = errors.New("hwerr: hardware unavailable")
	ErrUnrepresentableAmount = errors.New("hwerr: unrepresentable amount")
	ErrConfiguration         = errors.New("hwerr: configuration error")
)

var sentinels = map[Kind]error{
	KindConnection:            ErrConnection,
	KindProtocol:              ErrProtocol,
	KindTimeout:               ErrTimeout,
	KindHardwareUnavailable:   ErrHardwareUnavailable,
	KindUnrepresentableAmount: ErrUnrepresentableAmount,
	KindConfiguration:         ErrConfiguration,
}

// String returns the snake_case name used in logs and API payloads
func (k Kind) String() string {
	switch k {
	case KindConnection:
		return "connection"
	case KindProtocol:
		return "protocol"
	case KindTimeout:
		return "timeout"
	case KindHardwareUnavailable:
		return "hardware_unavailable"
	case KindUnrepresentableAmount:
		return "unrepresentable_amount"
	case KindConfiguration:
		return "configuration"
	default:
		return "unknown"
	}
}

// Error is a classified error. Op names the operation that failed
// (for example "PULSE" or "config.Validate").
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

// New wraps err with a kind and an operation name
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Newf builds a classified error from a format string
func Newf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is the sentinel for this error's kind
func (e *Error) Is(target error) bool {
	s, ok := sentinels[e.Kind]
	return ok && s == target
}

// KindOf returns the kind of the first classified error in err's chain.
// Bare sentinels are recognised too.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var he *Error
	if errors.As(err, &he) {
		return he.Kind
	}
	for k, s := range sentinels {
		if errors.Is(err, s) {
			return k
		}
	}
	return KindUnknown
}

// Connection wraps a transient link failure
func Connection(op string, err error) *Error {
	return New(KindConnection, op, err)
}

// Protocol reports a response that does not match the expected grammar
func Protocol(op, format string, args ...any) *Error {
	return Newf(KindProtocol, op, format, args...)
}

// Configuration reports invalid startup configuration
func Configuration(op, format string, args ...any) *Error {
	return Newf(KindConfiguration, op, format, args...)
}
