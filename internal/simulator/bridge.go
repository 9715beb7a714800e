package simulator

import (
	"context"
	"log/slog"
	"net"
	"strings"
)

// BillBridge emulates the bill validator's bridging device. It never
// answers; lines handed to Insert are pushed to every connected reader.
type BillBridge struct {
	listener
}

func NewBillBridge(logger *slog.Logger) *BillBridge {
	return &BillBridge{listener: newListener("bill_bridge", logger)}
}

// Serve accepts connections on ln until ctx is done
func (b *BillBridge) Serve(ctx context.Context, ln net.Listener) error {
	return b.serve(ctx, ln, b)
}

func (b *BillBridge) handle(line string, _ *lineWriter) (string, func()) {
	b.logger.Debug("ignoring line sent to bridge", "line", line)
	return "", nil
}

// Insert sends line ("BILL 20", "PULSES 10", ...) to connected readers
func (b *BillBridge) Insert(line string) int {
	line = strings.TrimSpace(line)
	if line == "" {
		return 0
	}
	n := b.broadcast(line)
	b.logger.Info("bridge line sent", "line", line, "readers", n)
	return n
}
