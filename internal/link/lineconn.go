package link

import (
	"bufio"
	"fmt"
	"strings"
	"time"
)

// LineConn frames a Conn as newline-terminated ASCII lines. Writes may come
// from any goroutine holding the owner's lock; reads must come from a single
// goroutine.
type LineConn struct {
	conn    Conn
	reader  *bufio.Reader
	pending strings.Builder
}

// NewLineConn wraps conn
func NewLineConn(conn Conn) *LineConn {
	return &LineConn{
		conn:   conn,
		reader: bufio.NewReader(conn),
	}
}

// WriteLine writes line followed by "\n". A zero deadline means none.
func (c *LineConn) WriteLine(line string, deadline time.Time) error {
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	if _, err := c.conn.Write([]byte(line + "\n")); err != nil {
		return fmt.Errorf("write %q: %w", line, err)
	}
	return nil
}

// ReadLine returns the next non-empty line without its terminator.
// Bytes of a line cut short by the deadline are kept for the next call.
func (c *LineConn) ReadLine(deadline time.Time) (string, error) {
	if err := c.conn.SetReadDeadline(deadline); err != nil {
		return "", fmt.Errorf("set read deadline: %w", err)
	}
	for {
		chunk, err := c.reader.ReadString('\n')
		c.pending.WriteString(chunk)
		if err != nil {
			return "", err
		}
		line := strings.TrimRight(c.pending.String(), "\r\n")
		c.pending.Reset()
		line = strings.TrimSpace(line)
		if line != "" {
			return line, nil
		}
	}
}

// Close closes the underlying connection
func (c *LineConn) Close() error {
	return c.conn.Close()
}
