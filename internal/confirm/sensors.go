package confirm

import (
	"fmt"
	"sync"

	"periph.io/x/conn/v3/gpio"

	"github.com/vendlite/vendlite/internal/pins"
)

// GPIOReader reads optical sensors wired to GPIO lines. Sensor IDs are pin
// names.
type GPIOReader struct {
	pins      map[string]gpio.PinIO
	activeLow bool
}

// OpenGPIO opens every named pin as a level input. With activeLow a low
// level means the item is present.
func OpenGPIO(names []string, activeLow bool) (*GPIOReader, error) {
	r := &GPIOReader{pins: make(map[string]gpio.PinIO, len(names)), activeLow: activeLow}
	for _, name := range names {
		if _, ok := r.pins[name]; ok {
			continue
		}
		p, err := pins.OpenLevel(name)
		if err != nil {
			return nil, err
		}
		r.pins[name] = p
	}
	return r, nil
}

func (r *GPIOReader) Snapshot(ids []string) (map[string]bool, error) {
	out := make(map[string]bool, len(ids))
	for _, id := range ids {
		p, ok := r.pins[id]
		if !ok {
			return nil, fmt.Errorf("sensor %q not opened", id)
		}
		level := p.Read()
		if r.activeLow {
			out[id] = level == gpio.Low
		} else {
			out[id] = level == gpio.High
		}
	}
	return out, nil
}

// MemoryReader is a sensor bank held in memory, for bench runs without
// sensors wired
type MemoryReader struct {
	mu      sync.Mutex
	present map[string]bool
	err     error
}

func NewMemoryReader() *MemoryReader {
	return &MemoryReader{present: make(map[string]bool)}
}

// Set records whether an item is in front of sensor id
func (r *MemoryReader) Set(id string, present bool) {
	r.mu.Lock()
	r.present[id] = present
	r.mu.Unlock()
}

// Fail makes every snapshot return err until cleared with nil
func (r *MemoryReader) Fail(err error) {
	r.mu.Lock()
	r.err = err
	r.mu.Unlock()
}

func (r *MemoryReader) Snapshot(ids []string) (map[string]bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	out := make(map[string]bool, len(ids))
	for _, id := range ids {
		if v, ok := r.present[id]; ok {
			out[id] = v
		}
	}
	return out, nil
}
