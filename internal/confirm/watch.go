package confirm

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Mode selects how a slot's sensors resolve a watch
type Mode int

const (
	// ModeAny confirms on the first sensor that sees the item leave
	ModeAny Mode = iota
	// ModeAll confirms once every sensor has seen the item leave
	ModeAll
	// ModeFirst behaves like ModeAny and records the triggering sensor
	ModeFirst
)

func (m Mode) String() string {
	switch m {
	case ModeAll:
		return "all"
	case ModeFirst:
		return "first"
	default:
		return "any"
	}
}

// ParseMode accepts any, all or first
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "any":
		return ModeAny, nil
	case "all":
		return ModeAll, nil
	case "first":
		return ModeFirst, nil
	default:
		return ModeAny, fmt.Errorf("unknown confirmation mode %q", s)
	}
}

// Status is the lifecycle state of a watch
type Status int

const (
	StatusPending Status = iota
	StatusConfirmed
	StatusTimedOut
)

func (s Status) String() string {
	switch s {
	case StatusConfirmed:
		return "confirmed"
	case StatusTimedOut:
		return "timed_out"
	default:
		return "pending"
	}
}

// SensorState is what a watch knows about one sensor
type SensorState struct {
	ID string `json:"id"`
	// Baseline is the first reading taken for the watch
	Baseline    bool      `json:"baseline_present"`
	Present     bool      `json:"present"`
	Known       bool      `json:"known"`
	Triggered   bool      `json:"triggered"`
	TriggeredAt time.Time `json:"triggered_at,omitzero"`

	baselineKnown bool
}

// Result is the outcome of a watch, or its progress while pending
type Result struct {
	Slot        int           `json:"slot"`
	Mode        string        `json:"mode"`
	Status      string        `json:"status"`
	Sensors     []SensorState `json:"sensors"`
	TriggeredBy string        `json:"triggered_by,omitempty"`
	StartedAt   time.Time     `json:"started_at"`
	ResolvedAt  time.Time     `json:"resolved_at,omitzero"`

	status Status
}

// WatchStatus returns the typed status
func (r Result) WatchStatus() Status {
	return r.status
}

// Confirmed reports whether the item was seen leaving the slot
func (r Result) Confirmed() bool {
	return r.status == StatusConfirmed
}

// Unresolved lists the sensors that never saw the item leave
func (r Result) Unresolved() []string {
	var ids []string
	for _, s := range r.Sensors {
		if !s.Triggered {
			ids = append(ids, s.ID)
		}
	}
	return ids
}

// Watch tracks one slot after an actuation. It is owned by the Monitor
// until resolved; callers read it through Done, Result and Wait.
type Watch struct {
	Slot      int
	Mode      Mode
	Timeout   time.Duration
	StartedAt time.Time

	settleUntil time.Time
	deadline    time.Time

	mu          sync.Mutex
	status      Status
	sensors     []SensorState
	triggeredBy string
	resolvedAt  time.Time
	done        chan struct{}
}

func newWatch(slot int, mode Mode, timeout, settle time.Duration, sensorIDs []string, now time.Time) *Watch {
	sensors := make([]SensorState, len(sensorIDs))
	for i, id := range sensorIDs {
		sensors[i] = SensorState{ID: id}
	}
	return &Watch{
		Slot:        slot,
		Mode:        mode,
		Timeout:     timeout,
		StartedAt:   now,
		settleUntil: now.Add(settle),
		deadline:    now.Add(timeout),
		sensors:     sensors,
		done:        make(chan struct{}),
	}
}

func (w *Watch) sensorIDs() []string {
	ids := make([]string, len(w.sensors))
	for i, s := range w.sensors {
		ids[i] = s.ID
	}
	return ids
}

// observe applies one snapshot (nil when the read failed) at now and
// reports whether the watch resolved
func (w *Watch) observe(now time.Time, snapshot map[string]bool) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.status != StatusPending {
		return false
	}

	for i := range w.sensors {
		s := &w.sensors[i]
		present, ok := snapshot[s.ID]
		if !ok {
			continue
		}
		if !s.baselineKnown {
			s.Baseline = present
			s.baselineKnown = true
		}
		s.Present = present
		s.Known = true
	}

	if !now.Before(w.deadline) {
		w.resolveLocked(StatusTimedOut, now)
		return true
	}
	if now.Before(w.settleUntil) {
		return false
	}

	triggered := 0
	for i := range w.sensors {
		s := &w.sensors[i]
		if !s.Triggered && s.baselineKnown && s.Baseline && s.Known && !s.Present {
			s.Triggered = true
			s.TriggeredAt = now
			if w.triggeredBy == "" && w.Mode == ModeFirst {
				w.triggeredBy = s.ID
			}
		}
		if s.Triggered {
			triggered++
		}
	}

	switch w.Mode {
	case ModeAll:
		if triggered == len(w.sensors) {
			w.resolveLocked(StatusConfirmed, now)
			return true
		}
	default:
		if triggered > 0 {
			w.resolveLocked(StatusConfirmed, now)
			return true
		}
	}
	return false
}

func (w *Watch) resolveLocked(status Status, now time.Time) {
	w.status = status
	w.resolvedAt = now
	close(w.done)
}

// Done is closed once the watch resolves
func (w *Watch) Done() <-chan struct{} {
	return w.done
}

// Result copies the watch state
func (w *Watch) Result() Result {
	w.mu.Lock()
	defer w.mu.Unlock()
	sensors := make([]SensorState, len(w.sensors))
	copy(sensors, w.sensors)
	return Result{
		Slot:        w.Slot,
		Mode:        w.Mode.String(),
		Status:      w.status.String(),
		Sensors:     sensors,
		TriggeredBy: w.triggeredBy,
		StartedAt:   w.StartedAt,
		ResolvedAt:  w.resolvedAt,
		status:      w.status,
	}
}

// Wait blocks until the watch resolves or ctx is done
func (w *Watch) Wait(ctx context.Context) (Result, error) {
	select {
	case <-w.done:
		return w.Result(), nil
	case <-ctx.Done():
		return w.Result(), ctx.Err()
	}
}
