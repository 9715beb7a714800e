package intake

import (
	"sync"
	"time"
)

// DuplicateFilter rejects an identical value repeated within window of its
// last accepted occurrence. It sits after pulse debouncing and catches a
// bridge device reporting the same physical insertion twice.
type DuplicateFilter struct {
	window time.Duration

	mu   sync.Mutex
	last map[int64]time.Time
}

// NewDuplicateFilter creates a filter; a non-positive window disables it
func NewDuplicateFilter(window time.Duration) *DuplicateFilter {
	return &DuplicateFilter{window: window, last: make(map[int64]time.Time)}
}

// Allow reports whether value at time at should be accepted, and records it
// if so
func (f *DuplicateFilter) Allow(value int64, at time.Time) bool {
	if f.window <= 0 {
		return true
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	if prev, ok := f.last[value]; ok && at.Sub(prev) < f.window {
		return false
	}
	f.last[value] = at
	return true
}
