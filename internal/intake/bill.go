package intake

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/vendlite/vendlite/internal/link"
)

const bridgeReadWait = 500 * time.Millisecond

// BillDenomination is a bill value and its nominal pulse count
type BillDenomination struct {
	Value  int64
	Pulses int
}

// BillOptions configures a BillAdapter
type BillOptions struct {
	GroupGap        time.Duration
	EdgeDebounce    time.Duration
	DuplicateWindow time.Duration
	// Tolerance is the accepted distance from a nominal pulse count
	Tolerance     int
	Denominations []BillDenomination
	// ReconnectDelay is the first wait after a bridge link failure
	ReconnectDelay time.Duration
}

// BillAdapter decodes bill validator input. Pulse trains are matched to
// the nearest nominal count within Tolerance; a serial bridge may instead
// send decoded lines:
//
//	BILL <value>
//	<value>
//	PULSES <count>
type BillAdapter struct {
	opts   BillOptions
	values map[int64]struct{}
	dedupe *DuplicateFilter
	sink   Sink
	diag   DiagnosticSink
	logger *slog.Logger
	now    func() time.Time

	// pulse and bridge loops may both run
	mu sync.Mutex
}

// NewBillAdapter creates a bill adapter delivering to sink
func NewBillAdapter(opts BillOptions, sink Sink, diag DiagnosticSink, logger *slog.Logger) *BillAdapter {
	values := make(map[int64]struct{}, len(opts.Denominations))
	for _, d := range opts.Denominations {
		values[d.Value] = struct{}{}
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = time.Second
	}
	return &BillAdapter{
		opts:   opts,
		values: values,
		dedupe: NewDuplicateFilter(opts.DuplicateWindow),
		sink:   sink,
		diag:   diag,
		logger: logger.With("component", "bill_intake"),
		now:    time.Now,
	}
}

// Match returns the denomination whose nominal pulse count is nearest to
// count, provided it is within tolerance
func (a *BillAdapter) Match(count int) (BillDenomination, bool) {
	best := -1
	bestDist := 0
	for i, d := range a.opts.Denominations {
		dist := count - d.Pulses
		if dist < 0 {
			dist = -dist
		}
		if dist > a.opts.Tolerance {
			continue
		}
		if best < 0 || dist < bestDist {
			best, bestDist = i, dist
		}
	}
	if best < 0 {
		return BillDenomination{}, false
	}
	return a.opts.Denominations[best], true
}

// HandlePulses decodes one closed pulse group
func (a *BillAdapter) HandlePulses(count int, at time.Time) (MonetaryEvent, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	d, ok := a.Match(count)
	if !ok {
		a.logger.Warn("unrecognised bill pulse count", "pulses", count, "tolerance", a.opts.Tolerance)
		a.report(Diagnostic{Source: SourceBill, Kind: DiagUnknownPulseCount, RawPulseCount: count, At: at})
		return MonetaryEvent{}, false
	}
	return a.emit(d.Value, count, at)
}

// HandleLine decodes one bridge line
func (a *BillAdapter) HandleLine(line string, at time.Time) (MonetaryEvent, bool) {
	fields := strings.Fields(line)
	var raw string
	switch {
	case len(fields) == 2 && strings.EqualFold(fields[0], "PULSES"):
		n, err := strconv.Atoi(fields[1])
		if err != nil || n <= 0 {
			a.malformed(line, at)
			return MonetaryEvent{}, false
		}
		return a.HandlePulses(n, at)
	case len(fields) == 2 && strings.EqualFold(fields[0], "BILL"):
		raw = fields[1]
	case len(fields) == 1:
		raw = fields[0]
	default:
		a.malformed(line, at)
		return MonetaryEvent{}, false
	}

	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		a.malformed(line, at)
		return MonetaryEvent{}, false
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.values[value]; !ok {
		a.logger.Warn("bridge reported unknown bill value", "value", value)
		a.report(Diagnostic{Source: SourceBill, Kind: DiagUnknownValue, Detail: line, At: at})
		return MonetaryEvent{}, false
	}
	return a.emit(value, 0, at)
}

// emit runs with mu held
func (a *BillAdapter) emit(value int64, pulses int, at time.Time) (MonetaryEvent, bool) {
	if !a.dedupe.Allow(value, at) {
		a.logger.Debug("duplicate bill dropped", "value", value)
		a.report(Diagnostic{Source: SourceBill, Kind: DiagDuplicate, RawPulseCount: pulses, At: at})
		return MonetaryEvent{}, false
	}
	ev := MonetaryEvent{Source: SourceBill, Value: value, Timestamp: at, RawPulseCount: pulses}
	a.logger.Debug("bill accepted", "value", value, "pulses", pulses)
	if a.sink != nil {
		a.sink(ev)
	}
	return ev, true
}

// RunPulses reads edges from src until ctx is done
func (a *BillAdapter) RunPulses(ctx context.Context, src EdgeSource) error {
	a.logger.Info("bill pulse intake started", "group_gap", a.opts.GroupGap.String())
	deb := NewDebouncer(a.opts.GroupGap, a.opts.EdgeDebounce)
	runPulseLoop(ctx, src, deb, a.now, func(n int, at time.Time) {
		a.HandlePulses(n, at)
	})
	a.logger.Info("bill pulse intake stopped")
	return nil
}

// RunBridge reads decoded lines from the bridge device until ctx is done,
// reconnecting with exponential backoff after link failures
func (a *BillAdapter) RunBridge(ctx context.Context, dial link.DialFunc) error {
	a.logger.Info("bill bridge intake started")
	for {
		conn, err := a.connectBridge(ctx, dial)
		if err != nil {
			if ctx.Err() != nil {
				a.logger.Info("bill bridge intake stopped")
				return nil
			}
			return err
		}

		err = a.readBridge(ctx, conn)
		_ = conn.Close()
		if ctx.Err() != nil {
			a.logger.Info("bill bridge intake stopped")
			return nil
		}
		a.logger.Warn("bill bridge link lost", "error", err)
		a.report(Diagnostic{Source: SourceBill, Kind: DiagBridgeLink, Detail: err.Error(), At: a.now()})
	}
}

func (a *BillAdapter) connectBridge(ctx context.Context, dial link.DialFunc) (*link.LineConn, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = a.opts.ReconnectDelay
	b.MaxInterval = 30 * time.Second

	return backoff.Retry(ctx, func() (*link.LineConn, error) {
		return dial(ctx)
	},
		backoff.WithBackOff(b),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			a.logger.Warn("bill bridge connect failed", "error", err, "retry_in", next.String())
		}),
	)
}

func (a *BillAdapter) readBridge(ctx context.Context, conn *link.LineConn) error {
	for ctx.Err() == nil {
		line, err := conn.ReadLine(a.now().Add(bridgeReadWait))
		if err != nil {
			if link.IsTimeout(err) {
				continue
			}
			return fmt.Errorf("read bridge line: %w", err)
		}
		a.HandleLine(line, a.now())
	}
	return ctx.Err()
}

func (a *BillAdapter) malformed(line string, at time.Time) {
	a.logger.Warn("malformed bridge line", "line", line)
	a.mu.Lock()
	a.report(Diagnostic{Source: SourceBill, Kind: DiagMalformedLine, Detail: line, At: at})
	a.mu.Unlock()
}

func (a *BillAdapter) report(d Diagnostic) {
	if a.diag != nil {
		a.diag(d)
	}
}
