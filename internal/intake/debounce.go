package intake

import "time"

// Debouncer groups raw edges into pulse trains. An edge within groupGap of
// the previous accepted edge extends the open group; a longer silence closes
// it. Edges closer than minEdgeGap to the previous accepted edge are contact
// bounce and are dropped.
//
// Debouncer is not safe for concurrent use; each pulse loop owns one.
type Debouncer struct {
	groupGap   time.Duration
	minEdgeGap time.Duration

	count    int
	lastEdge time.Time
}

// NewDebouncer creates a debouncer with the given gaps
func NewDebouncer(groupGap, minEdgeGap time.Duration) *Debouncer {
	return &Debouncer{groupGap: groupGap, minEdgeGap: minEdgeGap}
}

// Edge registers an edge at t. When t opens a new group the previous
// group's count is returned with ok=true.
func (d *Debouncer) Edge(t time.Time) (closed int, ok bool) {
	if d.count > 0 {
		gap := t.Sub(d.lastEdge)
		if gap < d.minEdgeGap {
			return 0, false
		}
		if gap >= d.groupGap {
			closed = d.count
			d.count = 1
			d.lastEdge = t
			return closed, true
		}
	}
	d.count++
	d.lastEdge = t
	return 0, false
}

// Flush closes the open group if nothing arrived for groupGap before now
func (d *Debouncer) Flush(now time.Time) (int, bool) {
	if d.count == 0 || now.Sub(d.lastEdge) < d.groupGap {
		return 0, false
	}
	n := d.count
	d.count = 0
	return n, true
}

// Wait returns how long the caller may block before the open group is due
// to close; idle is returned when no group is open
func (d *Debouncer) Wait(now time.Time, idle time.Duration) time.Duration {
	if d.count == 0 {
		return idle
	}
	w := d.lastEdge.Add(d.groupGap).Sub(now)
	if w < time.Millisecond {
		return time.Millisecond
	}
	return w
}
