package intake

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// CoinOptions configures a CoinAdapter
type CoinOptions struct {
	GroupGap        time.Duration
	EdgeDebounce    time.Duration
	DuplicateWindow time.Duration
	// PulseValues maps an exact pulse count to a coin value
	PulseValues map[int]int64
}

// CoinAdapter decodes coin acceptor pulse trains with an exact lookup table.
// Counts missing from the table are reported as diagnostics and dropped.
type CoinAdapter struct {
	table  map[int]int64
	opts   CoinOptions
	dedupe *DuplicateFilter
	sink   Sink
	diag   DiagnosticSink
	logger *slog.Logger
	now    func() time.Time

	mu sync.Mutex
}

// NewCoinAdapter creates a coin adapter delivering to sink
func NewCoinAdapter(opts CoinOptions, sink Sink, diag DiagnosticSink, logger *slog.Logger) *CoinAdapter {
	table := make(map[int]int64, len(opts.PulseValues))
	for k, v := range opts.PulseValues {
		table[k] = v
	}
	return &CoinAdapter{
		table:  table,
		opts:   opts,
		dedupe: NewDuplicateFilter(opts.DuplicateWindow),
		sink:   sink,
		diag:   diag,
		logger: logger.With("component", "coin_intake"),
		now:    time.Now,
	}
}

// HandlePulses decodes one closed pulse group. The event is also returned
// when accepted.
func (a *CoinAdapter) HandlePulses(count int, at time.Time) (MonetaryEvent, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	value, ok := a.table[count]
	if !ok {
		a.logger.Warn("unrecognised coin pulse count", "pulses", count)
		a.report(Diagnostic{Source: SourceCoin, Kind: DiagUnknownPulseCount, RawPulseCount: count, At: at})
		return MonetaryEvent{}, false
	}
	if !a.dedupe.Allow(value, at) {
		a.logger.Debug("duplicate coin dropped", "value", value)
		a.report(Diagnostic{Source: SourceCoin, Kind: DiagDuplicate, RawPulseCount: count, At: at})
		return MonetaryEvent{}, false
	}

	ev := MonetaryEvent{Source: SourceCoin, Value: value, Timestamp: at, RawPulseCount: count}
	a.logger.Debug("coin accepted", "value", value, "pulses", count)
	if a.sink != nil {
		a.sink(ev)
	}
	return ev, true
}

// Run reads edges from src until ctx is done
func (a *CoinAdapter) Run(ctx context.Context, src EdgeSource) error {
	a.logger.Info("coin intake started", "group_gap", a.opts.GroupGap.String())
	deb := NewDebouncer(a.opts.GroupGap, a.opts.EdgeDebounce)
	runPulseLoop(ctx, src, deb, a.now, func(n int, at time.Time) {
		a.HandlePulses(n, at)
	})
	a.logger.Info("coin intake stopped")
	return nil
}

func (a *CoinAdapter) report(d Diagnostic) {
	if a.diag != nil {
		a.diag(d)
	}
}
