// Package link owns the byte-level plumbing shared by every hardware
// connection: opaque address strings, dialing a serial device or a TCP
// socket, and newline-framed ASCII reads and writes under deadlines.
package link

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

const serialPrefix = "serial:"

// DefaultBaudRate is used when neither the address nor the config names one
const DefaultBaudRate = 9600

// Transport is the physical kind of a link
type Transport int

const (
	TransportTCP Transport = iota
	TransportSerial
)

func (t Transport) String() string {
	if t == TransportSerial {
		return "serial"
	}
	return "tcp"
}

// Address is a parsed link address
type Address struct {
	Transport Transport
	// Device is the serial device path (serial only)
	Device string
	// BaudRate is the serial line speed (serial only)
	BaudRate int
	// HostPort is the dial target (tcp only)
	HostPort string
}

// ParseAddress parses "serial:<path>[@baud]" or "host:port".
// defaultBaud applies to serial addresses that carry no explicit rate.
func ParseAddress(s string, defaultBaud int) (Address, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Address{}, fmt.Errorf("empty link address")
	}

	if rest, ok := strings.CutPrefix(s, serialPrefix); ok {
		device, baudStr, hasBaud := strings.Cut(rest, "@")
		if device == "" {
			return Address{}, fmt.Errorf("serial address %q has no device path", s)
		}
		baud := defaultBaud
		if hasBaud {
			n, err := strconv.Atoi(baudStr)
			if err != nil || n <= 0 {
				return Address{}, fmt.Errorf("serial address %q has invalid baud rate %q", s, baudStr)
			}
			baud = n
		}
		if baud <= 0 {
			baud = DefaultBaudRate
		}
		return Address{Transport: TransportSerial, Device: device, BaudRate: baud}, nil
	}

	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return Address{}, fmt.Errorf("address %q is neither serial:<path> nor host:port: %w", s, err)
	}
	if host == "" {
		return Address{}, fmt.Errorf("address %q has no host", s)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return Address{}, fmt.Errorf("address %q has invalid port %q", s, portStr)
	}
	return Address{Transport: TransportTCP, HostPort: net.JoinHostPort(host, portStr)}, nil
}

// String renders the address back in its configuration form
func (a Address) String() string {
	if a.Transport == TransportSerial {
		return fmt.Sprintf("%s%s@%d", serialPrefix, a.Device, a.BaudRate)
	}
	return a.HostPort
}
