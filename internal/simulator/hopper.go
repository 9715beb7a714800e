package simulator

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"slices"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

const defaultJobTimeout = 10 * time.Second

// HopperLabel is the job label the emulator reports for a denomination
func HopperLabel(denom int64) string {
	return fmt.Sprintf("COIN%d", denom)
}

type hopperJob struct {
	label     string
	denom     int64
	target    int
	dispensed int
	stop      chan struct{}
}

// Hopper emulates the coin-hopper controller. Each accepted
// DISPENSE_DENOM releases one unit per UnitInterval, reporting
// "PROGRESS <LABEL> <n>" after each and "DONE <LABEL> <n>" at the end, or
// "ERR TIMEOUT <LABEL> dispensed:<n>" when the job timeout passes first.
type Hopper struct {
	listener
	denoms       map[int64]bool
	unitInterval time.Duration

	mu      sync.Mutex
	jobs    map[string]*hopperJob
	jams    map[int64]int
	history []string
}

// NewHopper creates an emulator for the given denominations
func NewHopper(denominations []int64, unitInterval time.Duration, logger *slog.Logger) *Hopper {
	denoms := make(map[int64]bool, len(denominations))
	for _, d := range denominations {
		denoms[d] = true
	}
	return &Hopper{
		listener:     newListener("hopper", logger),
		denoms:       denoms,
		unitInterval: unitInterval,
		jobs:         make(map[string]*hopperJob),
		jams:         make(map[int64]int),
	}
}

// Jam makes jobs for denom stop releasing units after n units; a negative
// n clears the jam
func (h *Hopper) Jam(denom int64, n int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if n < 0 {
		delete(h.jams, denom)
		return
	}
	h.jams[denom] = n
}

// Serve accepts connections on ln until ctx is done
func (h *Hopper) Serve(ctx context.Context, ln net.Listener) error {
	return h.serve(ctx, ln, h)
}

func (h *Hopper) handle(line string, out *lineWriter) (string, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.history = append(h.history, line)

	fields := strings.Fields(line)
	if len(fields) == 0 {
		return "ERR empty command", nil
	}

	switch strings.ToUpper(fields[0]) {
	case "DISPENSE_DENOM":
		if len(fields) < 3 || len(fields) > 4 {
			return "ERR usage: DISPENSE_DENOM <denom> <count> [timeoutMs]", nil
		}
		denom, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil || !h.denoms[denom] {
			return "ERR unknown denomination " + fields[1], nil
		}
		count, err := strconv.Atoi(fields[2])
		if err != nil || count <= 0 {
			return "ERR bad count", nil
		}
		timeout := defaultJobTimeout
		if len(fields) == 4 {
			ms, err := strconv.Atoi(fields[3])
			if err != nil || ms <= 0 {
				return "ERR bad timeout", nil
			}
			timeout = time.Duration(ms) * time.Millisecond
		}

		label := HopperLabel(denom)
		if _, busy := h.jobs[label]; busy {
			return "ERR BUSY " + label, nil
		}
		job := &hopperJob{label: label, denom: denom, target: count, stop: make(chan struct{})}
		h.jobs[label] = job
		return "OK START " + label, func() {
			go h.run(job, timeout, out)
		}

	case "STOP":
		for label, job := range h.jobs {
			close(job.stop)
			delete(h.jobs, label)
		}
		return "OK", nil

	case "STATUS":
		return h.statusLine(), nil

	default:
		return "ERR unknown command " + fields[0], nil
	}
}

func (h *Hopper) run(job *hopperJob, timeout time.Duration, out *lineWriter) {
	ticker := time.NewTicker(h.unitInterval)
	defer ticker.Stop()
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		select {
		case <-job.stop:
			return

		case <-deadline.C:
			h.mu.Lock()
			n := job.dispensed
			h.finish(job)
			h.mu.Unlock()
			_ = out.WriteLine(fmt.Sprintf("ERR TIMEOUT %s dispensed:%d", job.label, n))
			return

		case <-ticker.C:
			h.mu.Lock()
			if h.jobs[job.label] != job {
				h.mu.Unlock()
				return
			}
			if jam, ok := h.jams[job.denom]; ok && job.dispensed >= jam {
				h.mu.Unlock()
				continue
			}
			job.dispensed++
			n := job.dispensed
			done := n >= job.target
			if done {
				h.finish(job)
			}
			h.mu.Unlock()

			_ = out.WriteLine(fmt.Sprintf("PROGRESS %s %d", job.label, n))
			if done {
				_ = out.WriteLine(fmt.Sprintf("DONE %s %d", job.label, n))
				return
			}
		}
	}
}

// finish runs with mu held
func (h *Hopper) finish(job *hopperJob) {
	if h.jobs[job.label] == job {
		delete(h.jobs, job.label)
	}
}

// statusLine runs with mu held
func (h *Hopper) statusLine() string {
	if len(h.jobs) == 0 {
		return "STATUS IDLE"
	}
	labels := make([]string, 0, len(h.jobs))
	for l := range h.jobs {
		labels = append(labels, l)
	}
	sort.Strings(labels)
	parts := make([]string, 0, len(labels))
	for _, l := range labels {
		j := h.jobs[l]
		parts = append(parts, fmt.Sprintf("%s:running:%d/%d", l, j.dispensed, j.target))
	}
	return "STATUS " + strings.Join(parts, ",")
}

// History returns every command line received so far
func (h *Hopper) History() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return slices.Clone(h.history)
}
