// Package confirm decides whether an actuated item actually left its slot,
// using one or more optical presence sensors per slot.
//
// A single Monitor loop ticks over every active watch. Each tick takes one
// snapshot of all sensors the active watches need, so watches sharing a
// sensor see the same reading.
package confirm

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/vendlite/vendlite/internal/hwerr"
)

// SensorReader reads presence for a set of sensors in one pass. A sensor
// missing from the result is treated as unknown for that tick.
type SensorReader interface {
	Snapshot(ids []string) (map[string]bool, error)
}

// Options configures a Monitor
type Options struct {
	// Slots maps a slot to its sensor IDs
	Slots  map[int][]string
	Settle time.Duration
	Tick   time.Duration
}

type Monitor struct {
	reader SensorReader
	opts   Options
	logger *slog.Logger
	now    func() time.Time

	mu         sync.Mutex
	watches    []*Watch
	onResolved func(Result)
}

// NewMonitor creates a monitor; Run must be active for watches to resolve
func NewMonitor(reader SensorReader, opts Options, logger *slog.Logger) *Monitor {
	if opts.Tick <= 0 {
		opts.Tick = 500 * time.Millisecond
	}
	return &Monitor{
		reader: reader,
		opts:   opts,
		logger: logger.With("component", "confirmation"),
		now:    time.Now,
	}
}

// OnResolved registers a callback invoked from the monitor loop for every
// resolved watch
func (m *Monitor) OnResolved(fn func(Result)) {
	m.mu.Lock()
	m.onResolved = fn
	m.mu.Unlock()
}

// HasSlot reports whether sensors are configured for slot
func (m *Monitor) HasSlot(slot int) bool {
	return len(m.opts.Slots[slot]) > 0
}

// Watch starts watching slot. The baseline reading is taken immediately.
func (m *Monitor) Watch(slot int, mode Mode, timeout time.Duration) (*Watch, error) {
	ids := m.opts.Slots[slot]
	if len(ids) == 0 {
		return nil, hwerr.Configuration("confirm.Watch", "no sensors configured for slot %d", slot)
	}
	if timeout <= 0 {
		return nil, hwerr.Configuration("confirm.Watch", "watch timeout must be positive, got %s", timeout)
	}

	now := m.now()
	w := newWatch(slot, mode, timeout, m.opts.Settle, ids, now)

	snap, err := m.reader.Snapshot(ids)
	if err != nil {
		m.logger.Warn("baseline read failed, deferring to first tick", "slot", slot, "error", err)
	} else {
		w.observe(now, snap)
		for _, s := range w.Result().Sensors {
			if s.Known && !s.Present {
				m.logger.Warn("sensor reports slot empty at watch start", "slot", slot, "sensor", s.ID)
			}
		}
	}

	m.mu.Lock()
	m.watches = append(m.watches, w)
	m.mu.Unlock()

	m.logger.Debug("watch started",
		"slot", slot,
		"mode", mode.String(),
		"timeout", timeout.String(),
		"sensors", len(ids))
	return w, nil
}

// Run ticks until ctx is done
func (m *Monitor) Run(ctx context.Context) error {
	m.logger.Info("confirmation monitor started",
		"tick", m.opts.Tick.String(),
		"settle", m.opts.Settle.String(),
		"slots", len(m.opts.Slots))

	ticker := time.NewTicker(m.opts.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("confirmation monitor stopped")
			return nil
		case <-ticker.C:
			m.tick(m.now())
		}
	}
}

func (m *Monitor) tick(now time.Time) {
	m.mu.Lock()
	active := slices.Clone(m.watches)
	onResolved := m.onResolved
	m.mu.Unlock()
	if len(active) == 0 {
		return
	}

	var ids []string
	seen := make(map[string]bool)
	for _, w := range active {
		for _, id := range w.sensorIDs() {
			if !seen[id] {
				seen[id] = true
				ids = append(ids, id)
			}
		}
	}

	snap, err := m.reader.Snapshot(ids)
	if err != nil {
		m.logger.Warn("sensor read failed", "sensors", len(ids), "error", err)
		snap = nil
	}

	var resolved []*Watch
	for _, w := range active {
		if w.observe(now, snap) {
			resolved = append(resolved, w)
		}
	}
	if len(resolved) == 0 {
		return
	}

	m.mu.Lock()
	m.watches = slices.DeleteFunc(m.watches, func(w *Watch) bool {
		return slices.Contains(resolved, w)
	})
	m.mu.Unlock()

	for _, w := range resolved {
		res := w.Result()
		if res.Confirmed() {
			m.logger.Info("dispense confirmed",
				"slot", res.Slot,
				"mode", res.Mode,
				"triggered_by", res.TriggeredBy,
				"elapsed", res.ResolvedAt.Sub(res.StartedAt).String())
		} else {
			m.logger.Warn("dispense not confirmed",
				"slot", res.Slot,
				"mode", res.Mode,
				"unresolved", res.Unresolved())
		}
		if onResolved != nil {
			onResolved(res)
		}
	}
}

// Forget drops an unresolved watch, for callers that stopped waiting on it.
// The watch never resolves afterwards.
func (m *Monitor) Forget(w *Watch) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.watches = slices.DeleteFunc(m.watches, func(x *Watch) bool { return x == w })
}

// Active returns the state of every pending watch. It never reads sensors.
func (m *Monitor) Active() []Result {
	m.mu.Lock()
	active := slices.Clone(m.watches)
	m.mu.Unlock()

	out := make([]Result, 0, len(active))
	for _, w := range active {
		out = append(out, w.Result())
	}
	return out
}
