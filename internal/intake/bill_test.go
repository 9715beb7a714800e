package intake

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/vendlite/vendlite/internal/link"
)

func billOpts() BillOptions {
	return BillOptions{
		GroupGap:        300 * time.Millisecond,
		DuplicateWindow: 1500 * time.Millisecond,
		Tolerance:       1,
		Denominations: []BillDenomination{
			{Value: 10, Pulses: 10},
			{Value: 20, Pulses: 20},
			{Value: 50, Pulses: 50},
		},
		ReconnectDelay: 20 * time.Millisecond,
	}
}

func TestBillAdapter_Match(t *testing.T) {
	a := NewBillAdapter(billOpts(), nil, nil, discardLogger())
	tests := []struct {
		pulses int
		want   int64
		ok     bool
	}{
		{10, 10, true},
		{9, 10, true},
		{11, 10, true},
		{19, 20, true},
		{21, 20, true},
		{51, 50, true},
		{12, 0, false},
		{30, 0, false},
		{0, 0, false},
	}
	for _, tt := range tests {
		d, ok := a.Match(tt.pulses)
		if ok != tt.ok || d.Value != tt.want {
			t.Errorf("Match(%d) = (%d, %v), want (%d, %v)", tt.pulses, d.Value, ok, tt.want, tt.ok)
		}
	}
}

func TestBillAdapter_HandleLine(t *testing.T) {
	tests := []struct {
		name string
		line string
		want int64
		ok   bool
		diag DiagnosticKind
	}{
		{"prefixed", "BILL 20", 20, true, ""},
		{"lowercase prefix", "bill 50", 50, true, ""},
		{"bare value", "10", 10, true, ""},
		{"pulse report", "PULSES 21", 20, true, ""},
		{"unknown value", "BILL 25", 0, false, DiagUnknownValue},
		{"garbage", "HELLO WORLD AGAIN", 0, false, DiagMalformedLine},
		{"non numeric", "BILL twenty", 0, false, DiagMalformedLine},
		{"bad pulse count", "PULSES -3", 0, false, DiagMalformedLine},
		{"pulse out of tolerance", "PULSES 15", 0, false, DiagUnknownPulseCount},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &collector{}
			a := NewBillAdapter(billOpts(), c.sink, c.diag, discardLogger())
			ev, ok := a.HandleLine(tt.line, at(0))
			if ok != tt.ok {
				t.Fatalf("ok = %v, want %v", ok, tt.ok)
			}
			if ok {
				if ev.Value != tt.want || ev.Source != SourceBill {
					t.Errorf("event = %+v, want bill %d", ev, tt.want)
				}
				return
			}
			if len(c.diags) != 1 || c.diags[0].Kind != tt.diag {
				t.Errorf("diagnostics = %+v, want %s", c.diags, tt.diag)
			}
		})
	}
}

func TestBillAdapter_DuplicateBridgeReport(t *testing.T) {
	c := &collector{}
	a := NewBillAdapter(billOpts(), c.sink, c.diag, discardLogger())

	a.HandleLine("BILL 20", at(0))
	a.HandleLine("BILL 20", at(200))
	a.HandleLine("BILL 10", at(300))
	a.HandleLine("BILL 20", at(2000))

	got := c.values()
	if len(got) != 3 || got[0] != 20 || got[1] != 10 || got[2] != 20 {
		t.Errorf("values = %v, want [20 10 20]", got)
	}
}

func TestBillAdapter_RunBridgeReconnects(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	go func() {
		// first connection sends one bill and drops
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		_, _ = conn.Write([]byte("BILL 10\n"))
		_ = conn.Close()

		conn, err = ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		_, _ = conn.Write([]byte("\r\n50\r\n"))
		time.Sleep(2 * time.Second)
	}()

	c := &collector{}
	a := NewBillAdapter(billOpts(), c.sink, c.diag, discardLogger())
	addr, err := link.ParseAddress(ln.Addr().String(), 0)
	if err != nil {
		t.Fatalf("parse address: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.RunBridge(ctx, link.Dialer(addr, time.Second)) }()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) && len(c.values()) < 2 {
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Errorf("RunBridge returned %v", err)
	}

	got := c.values()
	if len(got) != 2 || got[0] != 10 || got[1] != 50 {
		t.Fatalf("values = %v, want [10 50]", got)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	var linkDiag bool
	for _, d := range c.diags {
		if d.Kind == DiagBridgeLink {
			linkDiag = true
		}
	}
	if !linkDiag {
		t.Error("no bridge_link diagnostic after disconnect")
	}
}
