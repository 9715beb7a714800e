// Package hopper drives the coin-hopper controller. Each denomination is
// paid out by an asynchronous job on the controller; the Client tracks
// progress lines, enforces job deadlines, and detects jams.
package hopper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vendlite/vendlite/internal/change"
	"github.com/vendlite/vendlite/internal/hwerr"
	"github.com/vendlite/vendlite/internal/link"
)

const readPoll = time.Second

var (
	errLinkLost = errors.New("hopper link lost while waiting for reply")
	// errNoReply marks a command that reached the wire but got no answer;
	// the controller may or may not have acted on it
	errNoReply = errors.New("no reply")
)

// Options configures a Client
type Options struct {
	CommandTimeout time.Duration
	Retry          link.RetryPolicy
	// DefaultTimeout applies to jobs requested without one
	DefaultTimeout time.Duration
	// StallWindow is the longest gap between units before a running job is
	// declared jammed
	StallWindow time.Duration
	Tick        time.Duration
}

// EdgeSource reports one edge per unit leaving a hopper
type EdgeSource interface {
	WaitForEdge(timeout time.Duration) bool
}

// pending is the command currently waiting for its reply. job, when set, is
// registered by the reader before any progress line can be routed.
type pending struct {
	reply chan string
	job   *Job
}

type Client struct {
	dial     link.DialFunc
	opts     Options
	logger   *slog.Logger
	now      func() time.Time
	onChange func(Snapshot)
	sensors  map[int64]EdgeSource

	cmdMu sync.Mutex

	mu        sync.Mutex
	conn      *link.LineConn
	pending   *pending
	jobs      map[string]*Job
	connected atomic.Bool
}

// NewClient creates a client; the link is dialled on the first command
func NewClient(dial link.DialFunc, opts Options, logger *slog.Logger) *Client {
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = 1500 * time.Millisecond
	}
	if opts.Tick <= 0 {
		opts.Tick = 100 * time.Millisecond
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = 15 * time.Second
	}
	return &Client{
		dial:    dial,
		opts:    opts,
		logger:  logger.With("component", "hopper"),
		now:     time.Now,
		sensors: make(map[int64]EdgeSource),
		jobs:    make(map[string]*Job),
	}
}

// OnProgress registers a callback for every job state change. It must be
// set before the first Dispense and must not call back into the Client.
func (c *Client) OnProgress(fn func(Snapshot)) {
	c.onChange = fn
}

// SetExitSensor counts units for denom from a local exit sensor instead of
// the controller's PROGRESS lines. It must be called before the first
// Dispense.
func (c *Client) SetExitSensor(denom int64, src EdgeSource) {
	c.sensors[denom] = src
}

// Run checks running jobs every tick until ctx is done. Deadlines and stall
// detection only advance while Run is active.
func (c *Client) Run(ctx context.Context) error {
	c.logger.Info("hopper job loop started",
		"tick", c.opts.Tick.String(),
		"stall_window", c.opts.StallWindow.String())

	ticker := time.NewTicker(c.opts.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("hopper job loop stopped")
			return nil
		case <-ticker.C:
			c.checkJobs(c.now())
		}
	}
}

func (c *Client) checkJobs(now time.Time) {
	c.mu.Lock()
	running := make([]*Job, 0, len(c.jobs))
	for _, j := range c.jobs {
		running = append(running, j)
	}
	c.mu.Unlock()

	for _, j := range running {
		status, forced := j.check(now, c.opts.StallWindow)
		if !forced {
			continue
		}
		c.forget(j)
		dispensed, _ := j.Progress()
		c.logger.Warn("dispense job forced terminal",
			"label", j.Label(),
			"denomination", j.Denomination,
			"status", status.String(),
			"dispensed", dispensed,
			"target", j.TargetCount)
		go c.stopMotor()
	}
}

func (c *Client) stopMotor() {
	attempts := max(c.opts.Retry.MaxAttempts, 1)
	budget := time.Duration(attempts) * (c.opts.CommandTimeout + c.opts.Retry.Delay)
	ctx, cancel := context.WithTimeout(context.Background(), budget)
	defer cancel()
	if err := c.Stop(ctx); err != nil {
		c.logger.Error("failed to stop hopper motor", "error", err)
	}
}

// Dispense starts a job paying out count units of denom. The returned job
// is already running on the controller. A zero timeout uses the default.
func (c *Client) Dispense(ctx context.Context, denom int64, count int, timeout time.Duration) (*Job, error) {
	if denom <= 0 || count <= 0 {
		return nil, fmt.Errorf("dispense %d x %d: denomination and count must be positive", count, denom)
	}
	if timeout <= 0 {
		timeout = c.opts.DefaultTimeout
	}

	job := newJob(denom, count, timeout, c.onChange)
	line := fmt.Sprintf("DISPENSE_DENOM %d %d %d", denom, count, timeout.Milliseconds())

	c.cmdMu.Lock()
	_, err := link.Do(ctx, c.opts.Retry, c.logger, "DISPENSE_DENOM", func() (string, error) {
		reply, err := c.roundTrip(ctx, "DISPENSE_DENOM", line, job, false)
		if err != nil {
			return "", err
		}
		if _, ok := parseStart(reply); !ok {
			return "", protocolReply("DISPENSE_DENOM", line, reply)
		}
		return reply, nil
	})
	c.cmdMu.Unlock()
	if err != nil {
		c.logger.Error("dispense request failed",
			"denomination", denom,
			"count", count,
			"kind", hwerr.KindOf(err).String(),
			"error", err)
		if errors.Is(err, errNoReply) {
			// the job may be running with nobody tracking it
			c.stopMotor()
		}
		return nil, err
	}

	c.logger.Info("dispense job started",
		"label", job.Label(),
		"denomination", denom,
		"count", count,
		"timeout", timeout.String())

	if src, ok := c.sensors[denom]; ok {
		go c.countExits(job, src)
	}
	return job, nil
}

// Payout summarises a multi-denomination dispense
type Payout struct {
	Requested int64      `json:"requested"`
	Dispensed int64      `json:"dispensed"`
	Jobs      []Snapshot `json:"jobs"`
}

// Complete reports whether everything requested was paid out
func (p Payout) Complete() bool {
	return p.Dispensed == p.Requested
}

// Owed is the amount still due
func (p Payout) Owed() int64 {
	return p.Requested - p.Dispensed
}

// DispenseAmount pays out plan one denomination at a time, largest first,
// waiting for each job before issuing the next. The first job that does not
// finish Done ends the payout; the shortfall is reported in the result.
func (c *Client) DispenseAmount(ctx context.Context, plan change.Plan) (Payout, error) {
	payout := Payout{Requested: plan.Amount}
	for _, part := range plan.NonZero() {
		job, err := c.Dispense(ctx, part.Denomination, part.Count, 0)
		if err != nil {
			return payout, err
		}
		snap, err := job.Wait(ctx)
		payout.Jobs = append(payout.Jobs, snap)
		payout.Dispensed += snap.Value()
		if err != nil {
			return payout, err
		}
		if snap.JobStatus() != JobDone {
			c.logger.Warn("payout incomplete",
				"requested", payout.Requested,
				"dispensed", payout.Dispensed,
				"failed_label", snap.Label,
				"status", snap.Status)
			return payout, nil
		}
	}
	return payout, nil
}

// Stop aborts every job on the controller. Jobs still running locally end
// Stalled.
func (c *Client) Stop(ctx context.Context) error {
	c.cmdMu.Lock()
	_, err := link.Do(ctx, c.opts.Retry, c.logger, "STOP", func() (string, error) {
		reply, err := c.roundTrip(ctx, "STOP", "STOP", nil, true)
		if err != nil {
			return "", err
		}
		if reply != "OK" {
			return "", protocolReply("STOP", "STOP", reply)
		}
		return reply, nil
	})
	c.cmdMu.Unlock()

	c.mu.Lock()
	running := make([]*Job, 0, len(c.jobs))
	for label, j := range c.jobs {
		running = append(running, j)
		delete(c.jobs, label)
	}
	c.mu.Unlock()
	for _, j := range running {
		j.finish(JobStalled, 0, "stopped")
	}
	return err
}

// RemoteJob is one entry of a STATUS reply
type RemoteJob struct {
	Label     string `json:"label"`
	State     string `json:"state"`
	Dispensed int    `json:"dispensed"`
	Target    int    `json:"target"`
}

// Status queries the controller's view of its jobs
func (c *Client) Status(ctx context.Context) ([]RemoteJob, error) {
	c.cmdMu.Lock()
	defer c.cmdMu.Unlock()
	return link.Do(ctx, c.opts.Retry, c.logger, "STATUS", func() ([]RemoteJob, error) {
		reply, err := c.roundTrip(ctx, "STATUS", "STATUS", nil, true)
		if err != nil {
			return nil, err
		}
		return parseStatus(reply)
	})
}

// Jobs returns snapshots of locally running jobs. It never blocks on I/O.
func (c *Client) Jobs() []Snapshot {
	c.mu.Lock()
	running := make([]*Job, 0, len(c.jobs))
	for _, j := range c.jobs {
		running = append(running, j)
	}
	c.mu.Unlock()

	out := make([]Snapshot, 0, len(running))
	for _, j := range running {
		out = append(out, j.Snapshot())
	}
	return out
}

// Connected reports whether a link is currently open
func (c *Client) Connected() bool {
	return c.connected.Load()
}

// Shutdown closes the link
func (c *Client) Shutdown() error {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	c.connected.Store(false)
	if conn == nil {
		return nil
	}
	return conn.Close()
}

// roundTrip sends one line and waits for its reply. Failures after the line
// was written are connection errors only when resend is safe; otherwise
// they are final.
func (c *Client) roundTrip(ctx context.Context, op, line string, job *Job, idempotent bool) (string, error) {
	conn, err := c.connect(ctx)
	if err != nil {
		return "", hwerr.Connection(op, err)
	}

	p := &pending{reply: make(chan string, 1), job: job}
	c.mu.Lock()
	c.pending = p
	c.mu.Unlock()

	if err := conn.WriteLine(line, c.now().Add(c.opts.CommandTimeout)); err != nil {
		c.clearPending(p)
		c.dropConn(conn, err)
		return "", hwerr.Connection(op, err)
	}

	afterWrite := func(err error) error {
		if idempotent {
			return hwerr.Connection(op, err)
		}
		return hwerr.New(hwerr.KindHardwareUnavailable, op, fmt.Errorf("%w to %q, not resent: %w", errNoReply, line, err))
	}

	timer := time.NewTimer(c.opts.CommandTimeout)
	defer timer.Stop()

	select {
	case reply, ok := <-p.reply:
		if !ok {
			return "", afterWrite(errLinkLost)
		}
		return reply, nil
	case <-timer.C:
		c.clearPending(p)
		c.dropConn(conn, os.ErrDeadlineExceeded)
		return "", afterWrite(os.ErrDeadlineExceeded)
	case <-ctx.Done():
		c.clearPending(p)
		if !idempotent {
			return "", fmt.Errorf("%w to %q: %w", errNoReply, line, ctx.Err())
		}
		return "", ctx.Err()
	}
}

func (c *Client) connect(ctx context.Context) (*link.LineConn, error) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		return conn, nil
	}

	conn, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	c.connected.Store(true)
	c.logger.Info("hopper link connected")

	go c.readLoop(conn)
	return conn, nil
}

func (c *Client) clearPending(p *pending) {
	c.mu.Lock()
	if c.pending == p {
		c.pending = nil
	}
	c.mu.Unlock()
}

func (c *Client) dropConn(conn *link.LineConn, cause error) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	p := c.pending
	c.pending = nil
	c.mu.Unlock()

	_ = conn.Close()
	c.connected.Store(false)
	c.logger.Warn("hopper link marked dead", "error", cause)
	if p != nil {
		close(p.reply)
	}
}

func (c *Client) readLoop(conn *link.LineConn) {
	for {
		line, err := conn.ReadLine(c.now().Add(readPoll))
		if err != nil {
			if link.IsTimeout(err) {
				continue
			}
			c.dropConn(conn, err)
			return
		}
		c.route(line)
	}
}

// route dispatches one line from the controller. Asynchronous job reports
// go to their job; anything else answers the pending command.
func (c *Client) route(line string) {
	now := c.now()
	fields := strings.Fields(line)

	switch {
	case len(fields) == 3 && fields[0] == "PROGRESS":
		n, err := strconv.Atoi(fields[2])
		if err != nil {
			c.logger.Warn("malformed progress line", "line", line)
			return
		}
		if j := c.lookup(fields[1]); j != nil {
			if _, local := c.sensors[j.Denomination]; !local {
				j.advance(n, now)
				c.forgetIfTerminal(j)
			}
		}
		return

	case len(fields) == 3 && fields[0] == "DONE":
		n, err := strconv.Atoi(fields[2])
		if err != nil {
			c.logger.Warn("malformed done line", "line", line)
			return
		}
		if j := c.lookup(fields[1]); j != nil {
			if n >= j.TargetCount {
				j.advance(n, now)
			} else {
				j.finish(JobStalled, n, fmt.Sprintf("controller finished at %d of %d", n, j.TargetCount))
			}
			c.forgetIfTerminal(j)
		}
		return

	case len(fields) == 4 && fields[0] == "ERR" && fields[1] == "TIMEOUT":
		raw, ok := strings.CutPrefix(fields[3], "dispensed:")
		n, err := strconv.Atoi(raw)
		if !ok || err != nil {
			c.logger.Warn("malformed timeout line", "line", line)
			return
		}
		if j := c.lookup(fields[2]); j != nil {
			j.finish(JobTimedOut, n, "controller timeout")
			c.forgetIfTerminal(j)
		}
		return
	}

	c.mu.Lock()
	p := c.pending
	c.pending = nil
	var started *Job
	var label string
	if p != nil && p.job != nil {
		if l, ok := parseStart(line); ok {
			started, label = p.job, l
			c.jobs[label] = started
		}
	}
	c.mu.Unlock()

	if p == nil {
		c.logger.Warn("unsolicited line from hopper", "line", line)
		return
	}
	if started != nil {
		started.start(label, now)
	}
	p.reply <- line
}

func (c *Client) lookup(label string) *Job {
	c.mu.Lock()
	defer c.mu.Unlock()
	j := c.jobs[label]
	if j == nil {
		c.logger.Debug("report for unknown job", "label", label)
	}
	return j
}

func (c *Client) forget(j *Job) {
	label := j.Label()
	c.mu.Lock()
	if c.jobs[label] == j {
		delete(c.jobs, label)
	}
	c.mu.Unlock()
}

func (c *Client) forgetIfTerminal(j *Job) {
	if _, status := j.Progress(); status.Terminal() {
		c.forget(j)
		dispensed, _ := j.Progress()
		c.logger.Info("dispense job finished",
			"label", j.Label(),
			"denomination", j.Denomination,
			"status", status.String(),
			"dispensed", dispensed)
	}
}

func (c *Client) countExits(j *Job, src EdgeSource) {
	for {
		select {
		case <-j.Done():
			return
		default:
		}
		if src.WaitForEdge(c.opts.Tick) {
			j.increment(c.now())
			c.forgetIfTerminal(j)
		}
	}
}

func parseStart(line string) (string, bool) {
	fields := strings.Fields(line)
	if len(fields) != 3 || fields[0] != "OK" || fields[1] != "START" {
		return "", false
	}
	return fields[2], true
}

func protocolReply(op, line, reply string) error {
	if reason, ok := strings.CutPrefix(reply, "ERR"); ok {
		return hwerr.Protocol(op, "controller rejected %q: %s", line, strings.TrimSpace(reason))
	}
	return hwerr.Protocol(op, "unexpected reply %q to %q", reply, line)
}

// parseStatus decodes "STATUS IDLE" or
// "STATUS <LABEL>:<state>:<dispensed>/<target>,..."
func parseStatus(reply string) ([]RemoteJob, error) {
	body, ok := strings.CutPrefix(reply, "STATUS ")
	if !ok {
		return nil, protocolReply("STATUS", "STATUS", reply)
	}
	body = strings.TrimSpace(body)
	if body == "IDLE" {
		return []RemoteJob{}, nil
	}

	var jobs []RemoteJob
	for _, entry := range strings.Split(body, ",") {
		parts := strings.Split(strings.TrimSpace(entry), ":")
		if len(parts) != 3 {
			return nil, hwerr.Protocol("STATUS", "bad status entry %q", entry)
		}
		done, target, ok := strings.Cut(parts[2], "/")
		if !ok {
			return nil, hwerr.Protocol("STATUS", "bad status counts %q", parts[2])
		}
		d, err1 := strconv.Atoi(done)
		t, err2 := strconv.Atoi(target)
		if err1 != nil || err2 != nil {
			return nil, hwerr.Protocol("STATUS", "bad status counts %q", parts[2])
		}
		jobs = append(jobs, RemoteJob{Label: parts[0], State: parts[1], Dispensed: d, Target: t})
	}
	return jobs, nil
}
