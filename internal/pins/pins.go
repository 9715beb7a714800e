// Package pins opens GPIO lines through periph.io. Coin and bill pulse
// trains, hopper exit counters and optical slot sensors all go through here.
package pins

import (
	"fmt"
	"sync"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/host/v3"
)

var (
	initOnce sync.Once
	initErr  error
)

// Init loads the host drivers once per process
func Init() error {
	initOnce.Do(func() {
		if _, err := host.Init(); err != nil {
			initErr = fmt.Errorf("gpio host init: %w", err)
		}
	})
	return initErr
}

// OpenEdge configures name as a pulled-up input that reports falling edges
func OpenEdge(name string) (gpio.PinIO, error) {
	return open(name, gpio.FallingEdge)
}

// OpenLevel configures name as a pulled-up input read by level only
func OpenLevel(name string) (gpio.PinIO, error) {
	return open(name, gpio.NoEdge)
}

func open(name string, edge gpio.Edge) (gpio.PinIO, error) {
	if err := Init(); err != nil {
		return nil, err
	}
	p := gpioreg.ByName(name)
	if p == nil {
		return nil, fmt.Errorf("gpio pin %q not found", name)
	}
	if err := p.In(gpio.PullUp, edge); err != nil {
		return nil, fmt.Errorf("configure gpio pin %q: %w", name, err)
	}
	return p, nil
}
