package hopper

import (
	"testing"
	"time"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func runningJob(target int, timeout time.Duration) *Job {
	j := newJob(5, target, timeout, nil)
	j.start("COIN5", t0)
	return j
}

func TestJob_DoneBeforeDeadline(t *testing.T) {
	j := runningJob(4, 5*time.Second)
	for i := 1; i <= 4; i++ {
		j.advance(i, t0.Add(time.Duration(i)*500*time.Millisecond))
	}
	n, status := j.Progress()
	if status != JobDone || n != 4 {
		t.Fatalf("Progress = (%d, %v), want (4, done)", n, status)
	}
	select {
	case <-j.Done():
	default:
		t.Error("Done channel not closed")
	}
}

func TestJob_CountNeverExceedsTarget(t *testing.T) {
	j := runningJob(3, time.Second)
	j.advance(7, t0.Add(100*time.Millisecond))
	if n, status := j.Progress(); n != 3 || status != JobDone {
		t.Errorf("Progress = (%d, %v), want (3, done)", n, status)
	}
	j.finish(JobTimedOut, 9, "late")
	if n, status := j.Progress(); n != 3 || status != JobDone {
		t.Errorf("terminal job changed to (%d, %v)", n, status)
	}
}

func TestJob_ReportAtDeadlineTimesOut(t *testing.T) {
	j := runningJob(2, time.Second)
	j.advance(1, t0.Add(400*time.Millisecond))
	j.advance(2, t0.Add(time.Second))
	n, status := j.Progress()
	if status != JobTimedOut || n != 1 {
		t.Fatalf("Progress = (%d, %v), want (1, timed_out)", n, status)
	}
}

func TestJob_Check(t *testing.T) {
	tests := []struct {
		name     string
		progress time.Duration
		checkAt  time.Duration
		stall    time.Duration
		want     JobStatus
		forced   bool
	}{
		{"healthy", 900 * time.Millisecond, time.Second, 500 * time.Millisecond, 0, false},
		{"stalled", 100 * time.Millisecond, time.Second, 500 * time.Millisecond, JobStalled, true},
		{"deadline wins over stall", 100 * time.Millisecond, 5 * time.Second, 500 * time.Millisecond, JobTimedOut, true},
		{"stall disabled", 100 * time.Millisecond, 4 * time.Second, 0, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			j := runningJob(10, 5*time.Second)
			j.advance(1, t0.Add(tt.progress))
			status, forced := j.check(t0.Add(tt.checkAt), tt.stall)
			if forced != tt.forced || (forced && status != tt.want) {
				t.Fatalf("check = (%v, %v), want (%v, %v)", status, forced, tt.want, tt.forced)
			}
			if _, again := j.check(t0.Add(tt.checkAt+time.Hour), tt.stall); forced && again {
				t.Error("terminal job transitioned twice")
			}
		})
	}
}

func TestJob_PendingIgnoresProgress(t *testing.T) {
	j := newJob(1, 2, time.Second, nil)
	j.advance(1, t0)
	if n, status := j.Progress(); n != 0 || status != JobPending {
		t.Errorf("Progress = (%d, %v), want (0, pending)", n, status)
	}
}

func TestParseStatus(t *testing.T) {
	jobs, err := parseStatus("STATUS COIN5:running:2/4,COIN1:running:0/3")
	if err != nil {
		t.Fatalf("parseStatus: %v", err)
	}
	if len(jobs) != 2 || jobs[0].Label != "COIN5" || jobs[0].Dispensed != 2 || jobs[1].Target != 3 {
		t.Errorf("jobs = %+v", jobs)
	}

	idle, err := parseStatus("STATUS IDLE")
	if err != nil || len(idle) != 0 {
		t.Errorf("idle = (%v, %v)", idle, err)
	}

	for _, bad := range []string{"IDLE", "STATUS COIN5:running", "STATUS COIN5:running:x/4", "ERR busy"} {
		if _, err := parseStatus(bad); err == nil {
			t.Errorf("parseStatus(%q) succeeded", bad)
		}
	}
}
