// Package intake turns raw coin and bill acceptor signals into typed
// monetary events.
//
// Pulse trains are collapsed by a Debouncer into one count per physical
// insertion, mapped to a value by the coin lookup table or the tolerant
// bill matcher, and passed through a DuplicateFilter before reaching the
// Sink. Each adapter calls its Sink from one goroutine at a time, in
// decode order.
package intake

import (
	"fmt"
	"time"
)

// Source identifies the acceptor an event came from
type Source int

const (
	SourceCoin Source = iota
	SourceBill
)

func (s Source) String() string {
	if s == SourceBill {
		return "bill"
	}
	return "coin"
}

func (s Source) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// MonetaryEvent is one accepted insertion. RawPulseCount is zero for bill
// values decoded by the bridge device itself.
type MonetaryEvent struct {
	Source        Source    `json:"source"`
	Value         int64     `json:"value"`
	Timestamp     time.Time `json:"timestamp"`
	RawPulseCount int       `json:"raw_pulse_count,omitempty"`
}

func (e MonetaryEvent) String() string {
	return fmt.Sprintf("%s:%d@%s", e.Source, e.Value, e.Timestamp.Format(time.RFC3339Nano))
}

// Sink receives accepted events
type Sink func(MonetaryEvent)

// DiagnosticKind classifies a discarded input
type DiagnosticKind string

const (
	DiagUnknownPulseCount DiagnosticKind = "unknown_pulse_count"
	DiagUnknownValue      DiagnosticKind = "unknown_value"
	DiagMalformedLine     DiagnosticKind = "malformed_line"
	DiagDuplicate         DiagnosticKind = "duplicate"
	DiagBridgeLink        DiagnosticKind = "bridge_link"
)

// Diagnostic reports an input that was discarded rather than guessed
type Diagnostic struct {
	Source        Source
	Kind          DiagnosticKind
	Detail        string
	RawPulseCount int
	At            time.Time
}

// DiagnosticSink receives discarded inputs; nil means log only
type DiagnosticSink func(Diagnostic)
