package intake

import (
	"context"
	"time"
)

// idleWait bounds a blocking edge wait while no group is open, so the loop
// notices cancellation
const idleWait = 250 * time.Millisecond

// EdgeSource blocks until an edge or the timeout. A periph gpio.PinIO
// configured for edge detection satisfies it.
type EdgeSource interface {
	WaitForEdge(timeout time.Duration) bool
}

// runPulseLoop feeds edges from src into deb and reports each closed group.
// It returns when ctx is done; an open group is flushed first if due.
func runPulseLoop(ctx context.Context, src EdgeSource, deb *Debouncer, now func() time.Time, onGroup func(count int, at time.Time)) {
	for {
		if ctx.Err() != nil {
			if n, ok := deb.Flush(now()); ok {
				onGroup(n, now())
			}
			return
		}

		if src.WaitForEdge(deb.Wait(now(), idleWait)) {
			t := now()
			if n, ok := deb.Edge(t); ok {
				onGroup(n, t)
			}
			continue
		}

		t := now()
		if n, ok := deb.Flush(t); ok {
			onGroup(n, t)
		}
	}
}
