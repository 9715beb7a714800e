package link

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"go.bug.st/serial"
)

// Conn is the minimal stream a LineConn needs. net.Conn satisfies it and
// serial ports are adapted to it.
type Conn interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
}

// DialFunc opens a fresh connection. Clients hold one so tests can swap
// the transport.
type DialFunc func(ctx context.Context) (*LineConn, error)

// Dialer returns a DialFunc bound to addr
func Dialer(addr Address, timeout time.Duration) DialFunc {
	return func(ctx context.Context) (*LineConn, error) {
		return Dial(ctx, addr, timeout)
	}
}

// Dial opens a serial device or a TCP socket depending on the address
func Dial(ctx context.Context, addr Address, timeout time.Duration) (*LineConn, error) {
	switch addr.Transport {
	case TransportSerial:
		port, err := serial.Open(addr.Device, &serial.Mode{
			BaudRate: addr.BaudRate,
			DataBits: 8,
			Parity:   serial.NoParity,
			StopBits: serial.OneStopBit,
		})
		if err != nil {
			return nil, fmt.Errorf("open serial %s: %w", addr.Device, err)
		}
		if err := port.ResetInputBuffer(); err != nil {
			port.Close()
			return nil, fmt.Errorf("reset serial %s: %w", addr.Device, err)
		}
		return NewLineConn(&serialConn{port: port}), nil

	default:
		dialCtx := ctx
		if timeout > 0 {
			var cancel context.CancelFunc
			dialCtx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		dialer := &net.Dialer{}
		conn, err := dialer.DialContext(dialCtx, "tcp", addr.HostPort)
		if err != nil {
			return nil, fmt.Errorf("dial %s: %w", addr.HostPort, err)
		}
		return NewLineConn(conn), nil
	}
}

// serialConn adapts a serial.Port to deadline semantics: a read that
// returns no bytes before the deadline reports os.ErrDeadlineExceeded
type serialConn struct {
	port     serial.Port
	deadline time.Time
}

func (s *serialConn) Read(p []byte) (int, error) {
	timeout := serial.NoTimeout
	if !s.deadline.IsZero() {
		timeout = time.Until(s.deadline)
		if timeout <= 0 {
			return 0, os.ErrDeadlineExceeded
		}
	}
	if err := s.port.SetReadTimeout(timeout); err != nil {
		return 0, err
	}
	n, err := s.port.Read(p)
	if n == 0 && err == nil {
		return 0, os.ErrDeadlineExceeded
	}
	return n, err
}

func (s *serialConn) Write(p []byte) (int, error) {
	return s.port.Write(p)
}

func (s *serialConn) Close() error {
	return s.port.Close()
}

func (s *serialConn) SetReadDeadline(t time.Time) error {
	s.deadline = t
	return nil
}

// SetWriteDeadline is a no-op: serial writes complete once the driver
// buffers them
func (s *serialConn) SetWriteDeadline(time.Time) error {
	return nil
}

// IsTimeout reports whether err is a read or write deadline expiry
func IsTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
