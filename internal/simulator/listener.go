// Package simulator emulates the actuator and coin-hopper controllers on a
// TCP listener so the clients can be exercised without hardware.
package simulator

import (
	"bufio"
	"context"
	"errors"
	"log/slog"
	"net"
	"strings"
	"sync"
	"sync/atomic"
)

// lineWriter serialises writes from the reply path and from background jobs
type lineWriter struct {
	mu   sync.Mutex
	conn net.Conn
}

func (w *lineWriter) WriteLine(s string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, err := w.conn.Write([]byte(s + "\n"))
	return err
}

// handler answers one request line. after, when non-nil, runs once the
// reply has been written.
type handler interface {
	handle(line string, out *lineWriter) (reply string, after func())
}

type listener struct {
	name   string
	logger *slog.Logger
	drop   atomic.Bool

	mu    sync.Mutex
	conns map[net.Conn]*lineWriter
}

func newListener(name string, logger *slog.Logger) listener {
	return listener{
		name:   name,
		logger: logger.With("component", name+"_simulator"),
		conns:  make(map[net.Conn]*lineWriter),
	}
}

// SetDropConnections makes every connection close as soon as a command
// arrives, without a reply
func (l *listener) SetDropConnections(drop bool) {
	l.drop.Store(drop)
}

func (l *listener) serve(ctx context.Context, ln net.Listener, h handler) error {
	l.logger.Info("simulator listening", "addr", ln.Addr().String())

	go func() {
		<-ctx.Done()
		_ = ln.Close()
		l.mu.Lock()
		for c := range l.conns {
			_ = c.Close()
		}
		l.mu.Unlock()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		out := &lineWriter{conn: conn}
		l.mu.Lock()
		l.conns[conn] = out
		l.mu.Unlock()
		go l.handleConn(conn, out, h)
	}
}

func (l *listener) handleConn(conn net.Conn, out *lineWriter, h handler) {
	defer func() {
		l.mu.Lock()
		delete(l.conns, conn)
		l.mu.Unlock()
		_ = conn.Close()
	}()

	l.logger.Debug("client connected", "remote", conn.RemoteAddr().String())
	sc := bufio.NewScanner(conn)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if l.drop.Load() {
			l.logger.Info("dropping connection mid-command", "line", line)
			return
		}
		reply, after := h.handle(line, out)
		if reply != "" {
			if err := out.WriteLine(reply); err != nil {
				return
			}
		}
		if after != nil {
			after()
		}
	}
}

// broadcast writes an unsolicited line to every connected client and
// returns how many received it
func (l *listener) broadcast(line string) int {
	l.mu.Lock()
	outs := make([]*lineWriter, 0, len(l.conns))
	for _, out := range l.conns {
		outs = append(outs, out)
	}
	l.mu.Unlock()

	sent := 0
	for _, out := range outs {
		if out.WriteLine(line) == nil {
			sent++
		}
	}
	return sent
}
