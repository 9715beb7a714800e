// Package actuator drives the item-dispensing controller over its line
// protocol.
//
// A Client owns one link. Commands are strictly serialized: concurrent
// callers queue on a mutex and never interleave bytes on the wire. An I/O
// failure marks the link dead and the next attempt dials a fresh one; there
// is no background reconnection.
package actuator

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vendlite/vendlite/internal/hwerr"
	"github.com/vendlite/vendlite/internal/link"
)

// Options configures a Client
type Options struct {
	CommandTimeout time.Duration
	DefaultPulse   time.Duration
	Retry          link.RetryPolicy
}

type Client struct {
	dial   link.DialFunc
	opts   Options
	logger *slog.Logger

	mu        sync.Mutex
	conn      *link.LineConn
	connected atomic.Bool
}

// NewClient creates a client; no connection is opened until the first command
func NewClient(dial link.DialFunc, opts Options, logger *slog.Logger) *Client {
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = 1500 * time.Millisecond
	}
	return &Client{
		dial:   dial,
		opts:   opts,
		logger: logger.With("component", "actuator"),
	}
}

// Send issues cmd and waits up to timeout for the reply. A zero timeout uses
// the configured command timeout. Connection failures are retried per the
// retry policy and then surface as HardwareUnavailable; an ERR reply or a
// malformed line is a ProtocolError and is not retried.
func (c *Client) Send(ctx context.Context, cmd Command, timeout time.Duration) (Response, error) {
	if timeout <= 0 {
		timeout = c.opts.CommandTimeout
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	resp, err := link.Do(ctx, c.opts.Retry, c.logger, string(cmd.Verb), func() (Response, error) {
		return c.roundTrip(ctx, cmd, timeout)
	})
	if err != nil {
		c.logger.Error("actuator command failed",
			"command", cmd.Line(),
			"kind", hwerr.KindOf(err).String(),
			"error", err)
		return resp, err
	}
	c.logger.Debug("actuator command ok",
		"command", cmd.Line(),
		"reply", resp.RawLine,
		"elapsed", resp.Elapsed.String())
	return resp, nil
}

// roundTrip runs with mu held
func (c *Client) roundTrip(ctx context.Context, cmd Command, timeout time.Duration) (Response, error) {
	op := string(cmd.Verb)
	if c.conn == nil {
		conn, err := c.dial(ctx)
		if err != nil {
			return Response{}, hwerr.Connection(op, err)
		}
		c.conn = conn
		c.connected.Store(true)
		c.logger.Info("actuator link connected")
	}

	start := time.Now()
	deadline := start.Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	if err := c.conn.WriteLine(cmd.Line(), deadline); err != nil {
		c.drop(err)
		return Response{}, hwerr.Connection(op, err)
	}
	line, err := c.conn.ReadLine(deadline)
	if err != nil {
		// a late reply would desynchronise the next command
		c.drop(err)
		return Response{}, hwerr.Connection(op, err)
	}

	resp := Response{RawLine: line, Elapsed: time.Since(start)}
	return resp, decode(cmd, &resp)
}

func decode(cmd Command, resp *Response) error {
	op := string(cmd.Verb)
	line := resp.RawLine

	if reason, ok := strings.CutPrefix(line, "ERR"); ok {
		return hwerr.Protocol(op, "controller rejected %q: %s", cmd.Line(), strings.TrimSpace(reason))
	}

	if cmd.Verb == VerbStatus {
		slots, err := parseStatus(line)
		if err != nil {
			return hwerr.Protocol(op, "%v", err)
		}
		resp.OK = true
		resp.ActiveSlots = slots
		return nil
	}

	if line != "OK" {
		return hwerr.Protocol(op, "unexpected reply %q to %q", line, cmd.Line())
	}
	resp.OK = true
	return nil
}

// drop runs with mu held
func (c *Client) drop(cause error) {
	if c.conn == nil {
		return
	}
	_ = c.conn.Close()
	c.conn = nil
	c.connected.Store(false)
	c.logger.Warn("actuator link marked dead", "error", cause)
}

// Pulse energises slot for d; the controller switches it off on its own.
// A non-positive d uses the configured default pulse.
func (c *Client) Pulse(ctx context.Context, slot int, d time.Duration) (Response, error) {
	if d <= 0 {
		d = c.opts.DefaultPulse
	}
	return c.Send(ctx, Command{Verb: VerbPulse, Slot: slot, Duration: d}, 0)
}

func (c *Client) Open(ctx context.Context, slot int) error {
	_, err := c.Send(ctx, Command{Verb: VerbOpen, Slot: slot}, 0)
	return err
}

func (c *Client) Close(ctx context.Context, slot int) error {
	_, err := c.Send(ctx, Command{Verb: VerbClose, Slot: slot}, 0)
	return err
}

func (c *Client) OpenAll(ctx context.Context) error {
	_, err := c.Send(ctx, Command{Verb: VerbOpenAll}, 0)
	return err
}

func (c *Client) CloseAll(ctx context.Context) error {
	_, err := c.Send(ctx, Command{Verb: VerbCloseAll}, 0)
	return err
}

// Status returns the currently energised slots
func (c *Client) Status(ctx context.Context) ([]int, error) {
	resp, err := c.Send(ctx, Command{Verb: VerbStatus}, 0)
	if err != nil {
		return nil, err
	}
	return resp.ActiveSlots, nil
}

// Abort switches every output off. It is used on cancellation and is
// best-effort: the error is returned for the record only.
func (c *Client) Abort(ctx context.Context) error {
	return c.CloseAll(ctx)
}

// Connected reports whether a link is currently open. It never blocks.
func (c *Client) Connected() bool {
	return c.connected.Load()
}

// Shutdown closes the link
func (c *Client) Shutdown() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	c.connected.Store(false)
	return err
}
