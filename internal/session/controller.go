package session

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/vendlite/vendlite/internal/actuator"
	"github.com/vendlite/vendlite/internal/change"
	"github.com/vendlite/vendlite/internal/confirm"
	"github.com/vendlite/vendlite/internal/hopper"
	"github.com/vendlite/vendlite/internal/hwerr"
	"github.com/vendlite/vendlite/internal/intake"
)

// Actuator is the part of the actuator client the session drives
type Actuator interface {
	Pulse(ctx context.Context, slot int, d time.Duration) (actuator.Response, error)
	Abort(ctx context.Context) error
}

// ChangeDispenser is the part of the hopper client the session drives
type ChangeDispenser interface {
	DispenseAmount(ctx context.Context, plan change.Plan) (hopper.Payout, error)
	Stop(ctx context.Context) error
	Jobs() []hopper.Snapshot
}

// Confirmer starts confirmation watches
type Confirmer interface {
	Watch(slot int, mode confirm.Mode, timeout time.Duration) (*confirm.Watch, error)
	Forget(w *confirm.Watch)
	Active() []confirm.Result
}

// Options configures a Controller
type Options struct {
	// Denominations the hopper can pay out, largest first
	Denominations  []int64
	ConfirmMode    confirm.Mode
	ConfirmTimeout time.Duration
	// PulseDuration of zero uses the actuator default
	PulseDuration time.Duration
}

// state is a Session plus what the loop needs to drive it
type state struct {
	Session

	ctx          context.Context
	cancel       context.CancelFunc
	cancelling   bool
	worker       chan struct{}
	payout       *hopper.Payout
	confirmation *confirm.Result
	errs         []string
	record       *Record
}

// Controller owns the current session. All session mutation happens on the
// Run goroutine, which is the single consumer of money events; hardware
// calls run on worker goroutines that post their outcome back to it.
type Controller struct {
	act       Actuator
	disp      ChangeDispenser
	conf      Confirmer
	money     <-chan intake.MonetaryEvent
	opts      Options
	logger    *slog.Logger
	now       func() time.Time
	listeners []Listener

	inbox   chan func()
	stopped chan struct{}

	// owned by the Run goroutine
	runCtx  context.Context
	current *state
	pending []intake.MonetaryEvent

	snap atomic.Pointer[Snapshot]
	last atomic.Pointer[Record]
}

// NewController creates a controller consuming money
func NewController(act Actuator, disp ChangeDispenser, conf Confirmer, money <-chan intake.MonetaryEvent, opts Options, logger *slog.Logger) *Controller {
	c := &Controller{
		act:     act,
		disp:    disp,
		conf:    conf,
		money:   money,
		opts:    opts,
		logger:  logger.With("component", "session"),
		now:     time.Now,
		inbox:   make(chan func()),
		stopped: make(chan struct{}),
	}
	c.snap.Store(&Snapshot{})
	return c
}

// AddListener registers l; it must be called before Run
func (c *Controller) AddListener(l Listener) {
	c.listeners = append(c.listeners, l)
}

// Run processes money events and requests until ctx is done
func (c *Controller) Run(ctx context.Context) error {
	c.runCtx = ctx
	defer close(c.stopped)

	c.logger.Info("session controller started")
	c.publish()

	money := c.money
	for {
		select {
		case <-ctx.Done():
			if cur := c.current; cur != nil && cur.cancel != nil {
				cur.cancel()
			}
			c.logger.Info("session controller stopped")
			return nil
		case ev, ok := <-money:
			if !ok {
				money = nil
				continue
			}
			c.applyMoney(ev)
		case fn := <-c.inbox:
			fn()
		}
	}
}

// do runs fn on the loop and waits for it
func (c *Controller) do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	task := func() {
		fn()
		close(done)
	}
	select {
	case c.inbox <- task:
	case <-ctx.Done():
		return ctx.Err()
	case <-c.stopped:
		return ErrStopped
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// post queues fn on the loop without waiting
func (c *Controller) post(fn func()) {
	select {
	case c.inbox <- fn:
	case <-c.stopped:
	}
}

// Begin opens a session for requiredAmount. Money received while no session
// was open is credited to it first.
func (c *Controller) Begin(ctx context.Context, requiredAmount int64) (Session, error) {
	if requiredAmount <= 0 {
		return Session{}, ErrInvalidAmount
	}

	var out Session
	var opErr error
	err := c.do(ctx, func() {
		if cur := c.current; cur != nil && !cur.Status.Terminal() {
			opErr = ErrSessionActive
			return
		}

		s := &state{Session: Session{
			ID:             uuid.New(),
			StartedAt:      c.now(),
			RequiredAmount: requiredAmount,
			Status:         StatusOpen,
		}}
		s.ctx, s.cancel = context.WithCancel(c.runCtx)
		c.current = s

		credit := c.pending
		c.pending = nil
		c.logger.Info("session started",
			"session_id", s.ID.String(),
			"required", requiredAmount,
			"pending_credit", sum(credit))

		for _, ev := range credit {
			c.accumulate(s, ev)
		}
		c.publish()
		out = s.Session.clone()
	})
	if err != nil {
		return Session{}, err
	}
	return out, opErr
}

func (c *Controller) applyMoney(ev intake.MonetaryEvent) {
	s := c.current
	if s == nil || s.Status.Terminal() {
		c.pending = append(c.pending, ev)
		c.logger.Info("money held as pending credit",
			"source", ev.Source.String(),
			"value", ev.Value,
			"pending_credit", sum(c.pending))
		c.publish()
		return
	}
	c.accumulate(s, ev)
	c.publish()
}

func (c *Controller) accumulate(s *state, ev intake.MonetaryEvent) {
	s.Events = append(s.Events, ev)
	s.AccumulatedAmount += ev.Value
	c.logger.Info("money accepted",
		"session_id", s.ID.String(),
		"source", ev.Source.String(),
		"value", ev.Value,
		"accumulated", s.AccumulatedAmount,
		"required", s.RequiredAmount)

	view := s.Session.clone()
	for _, l := range c.listeners {
		l.OnAmountChanged(view)
	}

	if s.Status == StatusOpen && s.AccumulatedAmount >= s.RequiredAmount {
		s.Status = StatusSufficient
		c.logger.Info("session sufficient", "session_id", s.ID.String(), "accumulated", s.AccumulatedAmount)
		view = s.Session.clone()
		for _, l := range c.listeners {
			l.OnSufficient(view)
		}
	}
}

// RequestDispense actuates slot and starts confirming it. The outcome is
// reported through Listener.OnConfirmation with the returned ticket.
func (c *Controller) RequestDispense(ctx context.Context, slot int) (Ticket, error) {
	var ticket Ticket
	var opErr error
	err := c.do(ctx, func() {
		s := c.current
		if s == nil || s.Status.Terminal() || s.cancelling {
			opErr = ErrNoSession
			return
		}
		if s.Status != StatusSufficient {
			opErr = fmt.Errorf("%w: dispense requested while %s", ErrInvalidState, s.Status)
			return
		}

		ticket = Ticket{ID: uuid.New(), SessionID: s.ID, Slot: slot, IssuedAt: c.now()}
		s.Status = StatusDispensing
		s.Slot = slot
		s.Message = ""
		s.worker = make(chan struct{})
		c.logger.Info("dispense requested",
			"session_id", s.ID.String(),
			"slot", slot,
			"ticket", ticket.ID.String())

		go c.runDispense(s, ticket, s.worker)
		c.publish()
	})
	if err != nil {
		return Ticket{}, err
	}
	return ticket, opErr
}

type dispenseOutcome struct {
	result *confirm.Result
	err    error
}

func (c *Controller) runDispense(s *state, t Ticket, done chan struct{}) {
	var out dispenseOutcome
	if _, err := c.act.Pulse(s.ctx, t.Slot, c.opts.PulseDuration); err != nil {
		out.err = err
	} else if w, err := c.conf.Watch(t.Slot, c.opts.ConfirmMode, c.opts.ConfirmTimeout); err != nil {
		out.err = err
	} else {
		res, err := w.Wait(s.ctx)
		if err != nil {
			c.conf.Forget(w)
		}
		out.result = &res
		out.err = err
	}

	c.post(func() { c.finishDispense(s, t, out) })
	close(done)
}

func (c *Controller) finishDispense(s *state, t Ticket, out dispenseOutcome) {
	if out.result != nil {
		s.confirmation = out.result
	}
	if out.err != nil {
		s.errs = append(s.errs, fmt.Sprintf("slot %d: %v", t.Slot, out.err))
	}
	if c.current != s || s.Status != StatusDispensing || s.cancelling {
		c.logger.Debug("dispense outcome after cancellation", "session_id", s.ID.String(), "slot", t.Slot)
		return
	}
	s.worker = nil

	if out.err != nil || out.result == nil || !out.result.Confirmed() {
		// nothing is deducted: the customer may retry or cancel for a refund
		s.Status = StatusSufficient
		s.UnconfirmedSlots = append(s.UnconfirmedSlots, t.Slot)
		s.Message = fmt.Sprintf("item from slot %d not confirmed; cancel to refund %d", t.Slot, s.AccumulatedAmount)

		attrs := []any{"session_id", s.ID.String(), "slot", t.Slot}
		if out.err != nil {
			attrs = append(attrs, "kind", hwerr.KindOf(out.err).String(), "error", out.err)
		} else if out.result != nil {
			attrs = append(attrs, "watch", out.result.Status, "unresolved", out.result.Unresolved())
		}
		c.logger.Warn("item not confirmed", attrs...)

		for _, l := range c.listeners {
			l.OnConfirmation(t, false)
		}
		c.publish()
		return
	}

	s.ItemConfirmed = true
	for _, l := range c.listeners {
		l.OnConfirmation(t, true)
	}

	s.Status = StatusAwaitingChange
	s.ChangeOwed = s.AccumulatedAmount - s.RequiredAmount
	if s.ChangeOwed == 0 {
		view := s.Session.clone()
		for _, l := range c.listeners {
			l.OnChangeReady(view, change.Plan{})
		}
		c.finalize(s, StatusClosed)
		return
	}

	plan, err := change.Calculate(s.ChangeOwed, c.opts.Denominations)
	if err != nil {
		s.errs = append(s.errs, err.Error())
		c.logger.Error("change cannot be paid out",
			"session_id", s.ID.String(),
			"owed", s.ChangeOwed,
			"error", err)
		c.finalize(s, StatusClosed)
		return
	}

	c.logger.Info("paying out change",
		"session_id", s.ID.String(),
		"owed", s.ChangeOwed,
		"plan", plan.String())
	view := s.Session.clone()
	for _, l := range c.listeners {
		l.OnChangeReady(view, plan)
	}

	s.worker = make(chan struct{})
	go c.runChange(s, plan, s.worker)
	c.publish()
}

func (c *Controller) runChange(s *state, plan change.Plan, done chan struct{}) {
	payout, err := c.disp.DispenseAmount(s.ctx, plan)
	c.post(func() { c.finishChange(s, payout, err) })
	close(done)
}

func (c *Controller) finishChange(s *state, payout hopper.Payout, err error) {
	s.payout = &payout
	if err != nil {
		s.errs = append(s.errs, fmt.Sprintf("change: %v", err))
	}
	if c.current != s || s.Status != StatusAwaitingChange || s.cancelling {
		return
	}
	s.worker = nil
	c.finalize(s, StatusClosed)
}

// Cancel aborts whatever is in flight and ends the session. Abort failures
// are recorded and do not prevent cancellation.
func (c *Controller) Cancel(ctx context.Context) (Record, error) {
	var s *state
	var abortActuator, abortHopper bool
	var worker chan struct{}
	var opErr error

	err := c.do(ctx, func() {
		cur := c.current
		if cur == nil || cur.Status.Terminal() || cur.cancelling {
			opErr = ErrNoSession
			return
		}
		cur.cancelling = true
		cur.cancel()
		abortActuator = cur.Status == StatusDispensing
		abortHopper = cur.Status == StatusAwaitingChange
		worker = cur.worker
		s = cur
		c.logger.Info("cancelling session", "session_id", cur.ID.String(), "status", cur.Status.String())
	})
	if err != nil {
		return Record{}, err
	}
	if opErr != nil {
		return Record{}, opErr
	}

	var abortErrs []string
	if abortActuator {
		if err := c.act.Abort(ctx); err != nil {
			abortErrs = append(abortErrs, fmt.Sprintf("actuator abort: %v", err))
		}
	}
	if abortHopper {
		if err := c.disp.Stop(ctx); err != nil {
			abortErrs = append(abortErrs, fmt.Sprintf("hopper stop: %v", err))
		}
	}
	if worker != nil {
		select {
		case <-worker:
		case <-ctx.Done():
			abortErrs = append(abortErrs, "worker still running at cancellation")
		}
	}

	var rec Record
	err = c.do(context.WithoutCancel(ctx), func() {
		s.errs = append(s.errs, abortErrs...)
		rec = c.finalize(s, StatusCancelled)
	})
	return rec, err
}

// finalize attaches the reconciliation record and ends the session
func (c *Controller) finalize(s *state, outcome Status) Record {
	if s.Status.Terminal() {
		return *s.record
	}

	rec := Record{
		SessionID:        s.ID,
		Outcome:          outcome,
		StartedAt:        s.StartedAt,
		EndedAt:          c.now(),
		RequiredAmount:   s.RequiredAmount,
		Received:         s.AccumulatedAmount,
		Events:           slices.Clone(s.Events),
		Slot:             s.Slot,
		ItemConfirmed:    s.ItemConfirmed,
		UnconfirmedSlots: slices.Clone(s.UnconfirmedSlots),
		Confirmation:     s.confirmation,
		Payout:           s.payout,
		Errors:           slices.Clone(s.errs),
	}
	if s.payout != nil {
		rec.ChangeDispensed = s.payout.Dispensed
	}
	if s.ItemConfirmed {
		rec.ChangeOwed = s.AccumulatedAmount - s.RequiredAmount
		rec.ChangeRemainder = rec.ChangeOwed - rec.ChangeDispensed
	}

	switch {
	case outcome == StatusCancelled && !s.ItemConfirmed:
		rec.Refundable = s.AccumulatedAmount
		rec.Message = fmt.Sprintf("sale cancelled; refund %d", rec.Refundable)
	case rec.ChangeRemainder > 0:
		if outcome == StatusCancelled {
			rec.Refundable = rec.ChangeRemainder
		}
		rec.Message = incompleteChangeMessage(rec.ChangeDispensed, rec.ChangeRemainder)
	case rec.ChangeDispensed > 0:
		rec.Message = fmt.Sprintf("item confirmed; change dispensed %d", rec.ChangeDispensed)
	default:
		rec.Message = "item confirmed"
	}

	s.Status = outcome
	s.Message = rec.Message
	s.record = &rec
	s.cancel()
	c.last.Store(&rec)

	c.logger.Info("session ended",
		"session_id", s.ID.String(),
		"outcome", outcome.String(),
		"received", rec.Received,
		"item_confirmed", rec.ItemConfirmed,
		"change_dispensed", rec.ChangeDispensed,
		"change_remainder", rec.ChangeRemainder,
		"refundable", rec.Refundable)

	for _, l := range c.listeners {
		l.OnClosed(rec)
	}
	c.publish()
	return rec
}

// publish refreshes the snapshot returned by Status; loop only
func (c *Controller) publish() {
	snap := &Snapshot{
		PendingCredit: sum(c.pending),
		UpdatedAt:     c.now(),
	}
	if c.current != nil {
		v := c.current.Session.clone()
		snap.Session = &v
	}
	c.snap.Store(snap)
}

// Status returns the current snapshot with live job and watch progress.
// It never waits on hardware or on the loop.
func (c *Controller) Status() Snapshot {
	snap := *c.snap.Load()
	snap.Jobs = c.disp.Jobs()
	snap.Watches = c.conf.Active()
	return snap
}

// LastRecord returns the most recent reconciliation record
func (c *Controller) LastRecord() (Record, bool) {
	rec := c.last.Load()
	if rec == nil {
		return Record{}, false
	}
	return *rec, true
}

func sum(events []intake.MonetaryEvent) int64 {
	var total int64
	for _, ev := range events {
		total += ev.Value
	}
	return total
}
