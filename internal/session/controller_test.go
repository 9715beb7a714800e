package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/vendlite/vendlite/internal/actuator"
	"github.com/vendlite/vendlite/internal/change"
	"github.com/vendlite/vendlite/internal/confirm"
	"github.com/vendlite/vendlite/internal/hopper"
	"github.com/vendlite/vendlite/internal/hwerr"
	"github.com/vendlite/vendlite/internal/intake"
)

type fakeActuator struct {
	mu       sync.Mutex
	pulses   []int
	aborts   int
	err      error
	abortErr error
	onPulse  func(slot int)
}

func (f *fakeActuator) Pulse(ctx context.Context, slot int, d time.Duration) (actuator.Response, error) {
	f.mu.Lock()
	f.pulses = append(f.pulses, slot)
	err, onPulse := f.err, f.onPulse
	f.mu.Unlock()

	if err != nil {
		return actuator.Response{}, err
	}
	if onPulse != nil {
		onPulse(slot)
	}
	return actuator.Response{OK: true, RawLine: "OK"}, nil
}

func (f *fakeActuator) Abort(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.aborts++
	return f.abortErr
}

type fakeDispenser struct {
	mu    sync.Mutex
	plans []change.Plan
	stops   int
	stopErr error
	// short is subtracted from every payout
	short int64
	block bool
}

func (f *fakeDispenser) DispenseAmount(ctx context.Context, plan change.Plan) (hopper.Payout, error) {
	f.mu.Lock()
	f.plans = append(f.plans, plan)
	short, block := f.short, f.block
	f.mu.Unlock()

	if block {
		<-ctx.Done()
		return hopper.Payout{Requested: plan.Amount}, ctx.Err()
	}
	return hopper.Payout{Requested: plan.Amount, Dispensed: plan.Amount - short}, nil
}

func (f *fakeDispenser) Stop(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	return f.stopErr
}

func (f *fakeDispenser) Jobs() []hopper.Snapshot { return nil }

func (f *fakeDispenser) planCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.plans)
}

type recorder struct {
	mu         sync.Mutex
	amounts    []int64
	sufficient int

	confirmations chan bool
	changeReady   chan change.Plan
	closed        chan Record
}

func newRecorder() *recorder {
	return &recorder{
		confirmations: make(chan bool, 8),
		changeReady:   make(chan change.Plan, 8),
		closed:        make(chan Record, 8),
	}
}

func (r *recorder) OnAmountChanged(s Session) {
	r.mu.Lock()
	r.amounts = append(r.amounts, s.AccumulatedAmount)
	r.mu.Unlock()
}

func (r *recorder) OnSufficient(s Session) {
	r.mu.Lock()
	r.sufficient++
	r.mu.Unlock()
}

func (r *recorder) OnConfirmation(t Ticket, success bool) { r.confirmations <- success }
func (r *recorder) OnChangeReady(s Session, plan change.Plan) { r.changeReady <- plan }
func (r *recorder) OnClosed(rec Record)                      { r.closed <- rec }

type harness struct {
	ctx     context.Context
	ctrl    *Controller
	act     *fakeActuator
	disp    *fakeDispenser
	sensors *confirm.MemoryReader
	rec     *recorder
	money   chan intake.MonetaryEvent
}

func newHarness(t *testing.T, configure func(*Options)) *harness {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	sensors := confirm.NewMemoryReader()
	sensors.Set("s3", true)
	sensors.Set("s7", true)
	mon := confirm.NewMonitor(sensors, confirm.Options{
		Slots: map[int][]string{3: {"s3"}, 7: {"s7"}},
		Tick:  5 * time.Millisecond,
	}, logger)
	go mon.Run(ctx)

	opts := Options{
		Denominations:  []int64{5, 1},
		ConfirmMode:    confirm.ModeAny,
		ConfirmTimeout: time.Second,
		PulseDuration:  100 * time.Millisecond,
	}
	if configure != nil {
		configure(&opts)
	}

	h := &harness{
		ctx:     ctx,
		act:     &fakeActuator{},
		disp:    &fakeDispenser{},
		sensors: sensors,
		rec:     newRecorder(),
		money:   make(chan intake.MonetaryEvent),
	}
	h.ctrl = NewController(h.act, h.disp, mon, h.money, opts, logger)
	h.ctrl.AddListener(h.rec)
	go h.ctrl.Run(ctx)
	return h
}

// insert feeds coins and waits until the loop has applied them
func (h *harness) insert(t *testing.T, values ...int64) {
	t.Helper()
	for _, v := range values {
		h.money <- intake.MonetaryEvent{Source: intake.SourceCoin, Value: v, Timestamp: time.Now()}
		if err := h.ctrl.do(h.ctx, func() {}); err != nil {
			t.Fatalf("barrier: %v", err)
		}
	}
}

// removeOnPulse empties the slot's sensor shortly after actuation
func (h *harness) removeOnPulse() {
	h.act.onPulse = func(slot int) {
		id := map[int]string{3: "s3", 7: "s7"}[slot]
		time.AfterFunc(20*time.Millisecond, func() { h.sensors.Set(id, false) })
	}
}

func (h *harness) current(t *testing.T) Session {
	t.Helper()
	snap := h.ctrl.Status()
	if snap.Session == nil {
		t.Fatal("no session in snapshot")
	}
	return *snap.Session
}

func waitFor[T any](t *testing.T, ch <-chan T, what string) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
		var zero T
		return zero
	}
}

func TestSufficientExactlyOnThirdCoin(t *testing.T) {
	h := newHarness(t, nil)
	if _, err := h.ctrl.Begin(h.ctx, 15); err != nil {
		t.Fatalf("Begin: %v", err)
	}

	for i, want := range []Status{StatusOpen, StatusOpen, StatusSufficient} {
		h.insert(t, 5)
		s := h.current(t)
		if s.Status != want {
			t.Fatalf("after coin %d status = %s, want %s", i+1, s.Status, want)
		}
	}

	s := h.current(t)
	if s.AccumulatedAmount != 15 {
		t.Errorf("accumulated = %d, want 15", s.AccumulatedAmount)
	}

	h.insert(t, 5)
	h.rec.mu.Lock()
	defer h.rec.mu.Unlock()
	if h.rec.sufficient != 1 {
		t.Errorf("OnSufficient fired %d times, want 1", h.rec.sufficient)
	}
}

func TestAccumulatedEqualsRunningSum(t *testing.T) {
	tests := []struct {
		name   string
		events []int64
	}{
		{"coins", []int64{1, 2, 5, 10}},
		{"bills", []int64{20, 50}},
		{"mixed", []int64{5, 20, 1, 1, 100}},
		{"single", []int64{7}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, nil)
			if _, err := h.ctrl.Begin(h.ctx, 1000); err != nil {
				t.Fatalf("Begin: %v", err)
			}
			h.insert(t, tt.events...)

			h.rec.mu.Lock()
			got := append([]int64(nil), h.rec.amounts...)
			h.rec.mu.Unlock()

			var sum int64
			for i, v := range tt.events {
				sum += v
				if got[i] != sum {
					t.Errorf("after event %d accumulated = %d, want %d", i, got[i], sum)
				}
			}
			if s := h.current(t); len(s.Events) != len(tt.events) {
				t.Errorf("events = %d, want %d", len(s.Events), len(tt.events))
			}
		})
	}
}

func TestConfirmedSalePaysChange(t *testing.T) {
	h := newHarness(t, nil)
	h.removeOnPulse()

	if _, err := h.ctrl.Begin(h.ctx, 12); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	h.insert(t, 10, 5)
	if s := h.current(t); s.AccumulatedAmount != 15 {
		t.Fatalf("accumulated = %d, want 15", s.AccumulatedAmount)
	}

	ticket, err := h.ctrl.RequestDispense(h.ctx, 3)
	if err != nil {
		t.Fatalf("RequestDispense: %v", err)
	}
	if ticket.Slot != 3 {
		t.Errorf("ticket slot = %d", ticket.Slot)
	}

	if ok := waitFor(t, h.rec.confirmations, "confirmation"); !ok {
		t.Fatal("confirmation = false, want true")
	}
	plan := waitFor(t, h.rec.changeReady, "change plan")
	counts := plan.Counts()
	if counts[5] != 0 || counts[1] != 3 {
		t.Errorf("plan = %v, want {5:0, 1:3}", counts)
	}

	rec := waitFor(t, h.rec.closed, "close")
	if rec.Outcome != StatusClosed {
		t.Errorf("outcome = %s", rec.Outcome)
	}
	if !rec.ItemConfirmed || rec.Received != 15 || rec.ChangeOwed != 3 || rec.ChangeDispensed != 3 || rec.ChangeRemainder != 0 {
		t.Errorf("record = %+v", rec)
	}
	if last, ok := h.ctrl.LastRecord(); !ok || last.SessionID != rec.SessionID {
		t.Errorf("LastRecord = %v, %v", last.SessionID, ok)
	}
}

func TestExactPaymentClosesWithoutPayout(t *testing.T) {
	h := newHarness(t, nil)
	h.removeOnPulse()

	h.ctrl.Begin(h.ctx, 10)
	h.insert(t, 10)
	if _, err := h.ctrl.RequestDispense(h.ctx, 7); err != nil {
		t.Fatalf("RequestDispense: %v", err)
	}

	rec := waitFor(t, h.rec.closed, "close")
	if rec.Outcome != StatusClosed || rec.ChangeOwed != 0 {
		t.Errorf("record = %+v", rec)
	}
	if h.disp.planCount() != 0 {
		t.Error("hopper used for zero change")
	}
}

func TestUnconfirmedSlotOffersRefund(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.ConfirmTimeout = 60 * time.Millisecond })

	h.ctrl.Begin(h.ctx, 12)
	h.insert(t, 10, 5)
	if _, err := h.ctrl.RequestDispense(h.ctx, 7); err != nil {
		t.Fatalf("RequestDispense: %v", err)
	}

	if ok := waitFor(t, h.rec.confirmations, "confirmation"); ok {
		t.Fatal("confirmation = true with no sensor transition")
	}

	var s Session
	// the loop publishes right after notifying
	h.ctrl.do(h.ctx, func() {})
	s = h.current(t)
	if s.Status != StatusSufficient {
		t.Errorf("status = %s, want sufficient", s.Status)
	}
	if len(s.UnconfirmedSlots) != 1 || s.UnconfirmedSlots[0] != 7 {
		t.Errorf("unconfirmed = %v", s.UnconfirmedSlots)
	}
	if s.ItemConfirmed || !strings.Contains(s.Message, "refund 15") {
		t.Errorf("session = %+v", s)
	}

	rec, err := h.ctrl.Cancel(h.ctx)
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if rec.Outcome != StatusCancelled || rec.Refundable != 15 || rec.ItemConfirmed {
		t.Errorf("record = %+v", rec)
	}
	if rec.Confirmation == nil || rec.Confirmation.WatchStatus() != confirm.StatusTimedOut {
		t.Errorf("confirmation = %+v", rec.Confirmation)
	}
	if h.disp.planCount() != 0 {
		t.Error("change paid for an unconfirmed item")
	}
}

func TestHardwareUnavailableDoesNotDeduct(t *testing.T) {
	h := newHarness(t, nil)
	h.act.err = hwerr.New(hwerr.KindHardwareUnavailable, "actuator.Send", errors.New("gave up after 2 attempts"))

	h.ctrl.Begin(h.ctx, 12)
	h.insert(t, 10, 5)
	if _, err := h.ctrl.RequestDispense(h.ctx, 3); err != nil {
		t.Fatalf("RequestDispense: %v", err)
	}
	if ok := waitFor(t, h.rec.confirmations, "confirmation"); ok {
		t.Fatal("confirmation = true after hardware failure")
	}

	h.ctrl.do(h.ctx, func() {})
	s := h.current(t)
	if s.ItemConfirmed || s.Status != StatusSufficient || s.ChangeOwed != 0 || s.AccumulatedAmount != 15 {
		t.Errorf("session = %+v", s)
	}

	rec, err := h.ctrl.Cancel(h.ctx)
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if rec.Refundable != 15 {
		t.Errorf("refundable = %d, want 15", rec.Refundable)
	}
	if len(rec.Errors) == 0 || !strings.Contains(rec.Errors[0], "hardware_unavailable") {
		t.Errorf("errors = %v", rec.Errors)
	}
}

func TestShortPayoutReportsRemainder(t *testing.T) {
	h := newHarness(t, nil)
	h.removeOnPulse()
	h.disp.short = 2

	h.ctrl.Begin(h.ctx, 12)
	h.insert(t, 10, 5)
	h.ctrl.RequestDispense(h.ctx, 3)

	rec := waitFor(t, h.rec.closed, "close")
	if rec.ChangeDispensed != 1 || rec.ChangeRemainder != 2 {
		t.Errorf("record = %+v", rec)
	}
	want := "item confirmed but change dispensing incomplete; dispensed 1, owed 2"
	if rec.Message != want {
		t.Errorf("message = %q, want %q", rec.Message, want)
	}
}

func TestUnrepresentableChangeClosesWithRemainder(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.Denominations = []int64{5} })
	h.removeOnPulse()

	h.ctrl.Begin(h.ctx, 12)
	h.insert(t, 10, 5)
	h.ctrl.RequestDispense(h.ctx, 3)

	rec := waitFor(t, h.rec.closed, "close")
	if rec.ChangeRemainder != 3 || rec.ChangeDispensed != 0 {
		t.Errorf("record = %+v", rec)
	}
	if !strings.Contains(rec.Message, "owed 3") {
		t.Errorf("message = %q", rec.Message)
	}
	if h.disp.planCount() != 0 {
		t.Error("hopper used for an unrepresentable amount")
	}
}

func hasError(errs []string, sub string) bool {
	for _, e := range errs {
		if strings.Contains(e, sub) {
			return true
		}
	}
	return false
}

func TestCancelDuringDispensing(t *testing.T) {
	h := newHarness(t, nil)
	h.act.abortErr = errors.New("link down")

	h.ctrl.Begin(h.ctx, 12)
	h.insert(t, 10, 5)
	if _, err := h.ctrl.RequestDispense(h.ctx, 7); err != nil {
		t.Fatalf("RequestDispense: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for len(h.ctrl.Status().Watches) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("confirmation watch never started")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if s := h.current(t); s.Status != StatusDispensing {
		t.Fatalf("status before cancel = %s, want dispensing", s.Status)
	}

	rec, err := h.ctrl.Cancel(h.ctx)
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if rec.Outcome != StatusCancelled || rec.ItemConfirmed {
		t.Errorf("record = %+v", rec)
	}
	if rec.Refundable != rec.Received || rec.Received != 15 {
		t.Errorf("refundable = %d, received = %d, want 15", rec.Refundable, rec.Received)
	}
	if !hasError(rec.Errors, "actuator abort: link down") {
		t.Errorf("errors = %v, want the abort failure", rec.Errors)
	}

	h.act.mu.Lock()
	aborts := h.act.aborts
	h.act.mu.Unlock()
	if aborts != 1 {
		t.Errorf("actuator aborts = %d, want 1", aborts)
	}
	if w := h.ctrl.Status().Watches; len(w) != 0 {
		t.Errorf("watches after cancel = %+v, want none", w)
	}
	if h.disp.planCount() != 0 {
		t.Error("change paid for a cancelled dispense")
	}
}

func TestCancelDuringChangeStopsHopper(t *testing.T) {
	h := newHarness(t, nil)
	h.removeOnPulse()
	h.disp.block = true
	h.disp.stopErr = errors.New("no reply to STOP")

	h.ctrl.Begin(h.ctx, 12)
	h.insert(t, 10, 5)
	h.ctrl.RequestDispense(h.ctx, 3)
	waitFor(t, h.rec.changeReady, "change plan")

	rec, err := h.ctrl.Cancel(h.ctx)
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if rec.Outcome != StatusCancelled || !rec.ItemConfirmed {
		t.Errorf("record = %+v", rec)
	}
	if rec.Refundable != 3 {
		t.Errorf("refundable = %d, want 3", rec.Refundable)
	}
	h.disp.mu.Lock()
	stops := h.disp.stops
	h.disp.mu.Unlock()
	if stops != 1 {
		t.Errorf("hopper stops = %d, want 1", stops)
	}
	if !hasError(rec.Errors, "hopper stop: no reply to STOP") {
		t.Errorf("errors = %v, want the stop failure", rec.Errors)
	}
}

func TestPendingCreditFoldsIntoNextSession(t *testing.T) {
	h := newHarness(t, nil)

	h.insert(t, 5, 1)
	if got := h.ctrl.Status().PendingCredit; got != 6 {
		t.Fatalf("pending credit = %d, want 6", got)
	}

	s, err := h.ctrl.Begin(h.ctx, 4)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if s.AccumulatedAmount != 6 || s.Status != StatusSufficient || len(s.Events) != 2 {
		t.Errorf("session = %+v", s)
	}
	if got := h.ctrl.Status().PendingCredit; got != 0 {
		t.Errorf("pending credit after Begin = %d", got)
	}
}

func TestRequestErrors(t *testing.T) {
	h := newHarness(t, nil)

	if _, err := h.ctrl.Begin(h.ctx, 0); !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("Begin(0) = %v", err)
	}
	if _, err := h.ctrl.RequestDispense(h.ctx, 3); !errors.Is(err, ErrNoSession) {
		t.Errorf("dispense without session = %v", err)
	}
	if _, err := h.ctrl.Cancel(h.ctx); !errors.Is(err, ErrNoSession) {
		t.Errorf("cancel without session = %v", err)
	}

	h.ctrl.Begin(h.ctx, 10)
	if _, err := h.ctrl.Begin(h.ctx, 10); !errors.Is(err, ErrSessionActive) {
		t.Errorf("second Begin = %v", err)
	}
	if _, err := h.ctrl.RequestDispense(h.ctx, 3); !errors.Is(err, ErrInvalidState) {
		t.Errorf("dispense while open = %v", err)
	}

	rec, err := h.ctrl.Cancel(h.ctx)
	if err != nil || rec.Refundable != 0 || rec.Message != "sale cancelled; refund 0" {
		t.Errorf("Cancel = %+v, %v", rec, err)
	}
	if _, err := h.ctrl.Begin(h.ctx, 10); err != nil {
		t.Errorf("Begin after cancel = %v", err)
	}
}
