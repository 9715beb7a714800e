package hopper

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// JobStatus is the lifecycle state of a dispense job
type JobStatus int

const (
	JobPending JobStatus = iota
	JobRunning
	JobDone
	JobTimedOut
	JobStalled
)

func (s JobStatus) String() string {
	switch s {
	case JobPending:
		return "pending"
	case JobRunning:
		return "running"
	case JobDone:
		return "done"
	case JobTimedOut:
		return "timed_out"
	case JobStalled:
		return "stalled"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Terminal reports whether no further transition is possible
func (s JobStatus) Terminal() bool {
	return s == JobDone || s == JobTimedOut || s == JobStalled
}

// Snapshot is a point-in-time copy of a job
type Snapshot struct {
	Denomination   int64     `json:"denomination"`
	Label          string    `json:"label"`
	TargetCount    int       `json:"target_count"`
	DispensedCount int       `json:"dispensed_count"`
	Status         string    `json:"status"`
	StartedAt      time.Time `json:"started_at"`
	Timeout        string    `json:"timeout"`
	Detail         string    `json:"detail,omitempty"`

	status JobStatus
}

// JobStatus returns the typed status
func (s Snapshot) JobStatus() JobStatus {
	return s.status
}

// Value is the money actually paid out by the job
func (s Snapshot) Value() int64 {
	return s.Denomination * int64(s.DispensedCount)
}

// Job tracks one DISPENSE_DENOM request. It is owned by the Client until it
// reaches a terminal status; callers observe it through Progress, Done and
// Wait.
type Job struct {
	Denomination int64
	TargetCount  int
	Timeout      time.Duration

	mu           sync.Mutex
	label        string
	status       JobStatus
	dispensed    int
	startedAt    time.Time
	deadline     time.Time
	lastProgress time.Time
	detail       string
	done         chan struct{}
	onChange     func(Snapshot)
}

func newJob(denom int64, count int, timeout time.Duration, onChange func(Snapshot)) *Job {
	return &Job{
		Denomination: denom,
		TargetCount:  count,
		Timeout:      timeout,
		status:       JobPending,
		done:         make(chan struct{}),
		onChange:     onChange,
	}
}

// start moves a pending job to running once the controller accepted it
func (j *Job) start(label string, now time.Time) {
	j.mu.Lock()
	if j.status != JobPending {
		j.mu.Unlock()
		return
	}
	j.label = label
	j.status = JobRunning
	j.startedAt = now
	j.deadline = now.Add(j.Timeout)
	j.lastProgress = now
	snap := j.snapshotLocked()
	j.mu.Unlock()
	j.notify(snap)
}

// advance records an absolute dispensed count. Reaching the target before
// the deadline completes the job; a report after the deadline times it out.
func (j *Job) advance(count int, now time.Time) {
	j.mu.Lock()
	if j.status != JobRunning {
		j.mu.Unlock()
		return
	}
	if !now.Before(j.deadline) {
		j.finishLocked(JobTimedOut, "deadline passed")
		snap := j.snapshotLocked()
		j.mu.Unlock()
		j.notify(snap)
		return
	}
	count = min(count, j.TargetCount)
	if count > j.dispensed {
		j.dispensed = count
		j.lastProgress = now
	}
	if j.dispensed >= j.TargetCount {
		j.finishLocked(JobDone, "")
	}
	snap := j.snapshotLocked()
	j.mu.Unlock()
	j.notify(snap)
}

// increment counts one unit seen by a local exit sensor
func (j *Job) increment(now time.Time) {
	j.mu.Lock()
	next := j.dispensed + 1
	j.mu.Unlock()
	j.advance(next, now)
}

// finish forces a terminal status. It reports whether this call made the
// transition.
func (j *Job) finish(status JobStatus, count int, detail string) bool {
	j.mu.Lock()
	if j.status.Terminal() {
		j.mu.Unlock()
		return false
	}
	if count > j.dispensed {
		j.dispensed = min(count, j.TargetCount)
	}
	j.finishLocked(status, detail)
	snap := j.snapshotLocked()
	j.mu.Unlock()
	j.notify(snap)
	return true
}

// check applies the deadline and stall rules at now. It returns the
// terminal status it forced, if any.
func (j *Job) check(now time.Time, stallWindow time.Duration) (JobStatus, bool) {
	j.mu.Lock()
	if j.status != JobRunning {
		j.mu.Unlock()
		return 0, false
	}
	var forced JobStatus
	switch {
	case !now.Before(j.deadline):
		forced = JobTimedOut
		j.finishLocked(forced, "deadline passed")
	case stallWindow > 0 && now.Sub(j.lastProgress) >= stallWindow:
		forced = JobStalled
		j.finishLocked(forced, fmt.Sprintf("no unit for %s", stallWindow))
	default:
		j.mu.Unlock()
		return 0, false
	}
	snap := j.snapshotLocked()
	j.mu.Unlock()
	j.notify(snap)
	return forced, true
}

func (j *Job) finishLocked(status JobStatus, detail string) {
	j.status = status
	j.detail = detail
}

// notify runs without mu. Only the call that made the terminal transition
// sees a terminal snapshot, so done is closed exactly once, after the
// callback.
func (j *Job) notify(s Snapshot) {
	if j.onChange != nil {
		j.onChange(s)
	}
	if s.status.Terminal() {
		close(j.done)
	}
}

// Label is the controller's name for the job, empty until started
func (j *Job) Label() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.label
}

// Progress returns the current dispensed count and status
func (j *Job) Progress() (int, JobStatus) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.dispensed, j.status
}

// Snapshot copies the job state
func (j *Job) Snapshot() Snapshot {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.snapshotLocked()
}

func (j *Job) snapshotLocked() Snapshot {
	return Snapshot{
		Denomination:   j.Denomination,
		Label:          j.label,
		TargetCount:    j.TargetCount,
		DispensedCount: j.dispensed,
		Status:         j.status.String(),
		StartedAt:      j.startedAt,
		Timeout:        j.Timeout.String(),
		Detail:         j.detail,
		status:         j.status,
	}
}

// Done is closed when the job reaches a terminal status
func (j *Job) Done() <-chan struct{} {
	return j.done
}

// Wait blocks until the job is terminal or ctx is done
func (j *Job) Wait(ctx context.Context) (Snapshot, error) {
	select {
	case <-j.done:
		return j.Snapshot(), nil
	case <-ctx.Done():
		return j.Snapshot(), ctx.Err()
	}
}
