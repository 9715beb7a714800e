package simulator

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"
)

type slotState struct {
	gen   uint64
	timer *time.Timer
}

// Actuator emulates the item-dispensing controller. Slots are numbered
// 1..n. A PULSE switches its slot off by itself; a second PULSE on an
// active slot replaces the pending switch-off with the new deadline.
type Actuator struct {
	listener
	slots int

	mu      sync.Mutex
	gen     uint64
	active  map[int]*slotState
	history []string
}

// NewActuator creates an emulator with n slots
func NewActuator(n int, logger *slog.Logger) *Actuator {
	return &Actuator{
		listener: newListener("actuator", logger),
		slots:    n,
		active:   make(map[int]*slotState),
	}
}

// Serve accepts connections on ln until ctx is done
func (a *Actuator) Serve(ctx context.Context, ln net.Listener) error {
	return a.serve(ctx, ln, a)
}

func (a *Actuator) handle(line string, _ *lineWriter) (string, func()) {
	return a.Handle(line), nil
}

// Handle executes one command line and returns the reply
func (a *Actuator) Handle(line string) string {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.history = append(a.history, line)

	fields := strings.Fields(line)
	if len(fields) == 0 {
		return "ERR empty command"
	}

	switch strings.ToUpper(fields[0]) {
	case "PULSE":
		if len(fields) != 3 {
			return "ERR usage: PULSE <slot> <ms>"
		}
		slot, err := a.parseSlot(fields[1])
		if err != nil {
			return "ERR " + err.Error()
		}
		ms, err := strconv.Atoi(fields[2])
		if err != nil || ms <= 0 {
			return "ERR bad duration"
		}
		a.energise(slot, time.Duration(ms)*time.Millisecond)
		return "OK"

	case "OPEN":
		if len(fields) != 2 {
			return "ERR usage: OPEN <slot>"
		}
		slot, err := a.parseSlot(fields[1])
		if err != nil {
			return "ERR " + err.Error()
		}
		a.energise(slot, 0)
		return "OK"

	case "CLOSE":
		if len(fields) != 2 {
			return "ERR usage: CLOSE <slot>"
		}
		slot, err := a.parseSlot(fields[1])
		if err != nil {
			return "ERR " + err.Error()
		}
		a.release(slot)
		return "OK"

	case "OPENALL":
		for s := 1; s <= a.slots; s++ {
			a.energise(s, 0)
		}
		return "OK"

	case "CLOSEALL":
		for s := range a.active {
			a.release(s)
		}
		return "OK"

	case "STATUS":
		return a.statusLine()

	default:
		return "ERR unknown command " + fields[0]
	}
}

func (a *Actuator) parseSlot(s string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 || n > a.slots {
		return 0, fmt.Errorf("bad slot %s", s)
	}
	return n, nil
}

// energise runs with mu held. d == 0 keeps the slot on until CLOSE.
func (a *Actuator) energise(slot int, d time.Duration) {
	if st, ok := a.active[slot]; ok && st.timer != nil {
		st.timer.Stop()
	}
	a.gen++
	st := &slotState{gen: a.gen}
	if d > 0 {
		gen := st.gen
		st.timer = time.AfterFunc(d, func() {
			a.mu.Lock()
			defer a.mu.Unlock()
			if cur, ok := a.active[slot]; ok && cur.gen == gen {
				delete(a.active, slot)
			}
		})
	}
	a.active[slot] = st
}

// release runs with mu held
func (a *Actuator) release(slot int) {
	if st, ok := a.active[slot]; ok {
		if st.timer != nil {
			st.timer.Stop()
		}
		delete(a.active, slot)
	}
}

func (a *Actuator) statusLine() string {
	if len(a.active) == 0 {
		return "NONE"
	}
	slots := make([]string, 0, len(a.active))
	for _, s := range a.activeLocked() {
		slots = append(slots, strconv.Itoa(s))
	}
	return strings.Join(slots, ",")
}

// activeLocked runs with mu held
func (a *Actuator) activeLocked() []int {
	out := make([]int, 0, len(a.active))
	for s := range a.active {
		out = append(out, s)
	}
	slices.Sort(out)
	return out
}

// Active returns the energised slots in ascending order
func (a *Actuator) Active() []int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.activeLocked()
}

// History returns every command line received so far
func (a *Actuator) History() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return slices.Clone(a.history)
}
