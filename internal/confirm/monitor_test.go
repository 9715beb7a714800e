package confirm

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"slices"
	"testing"
	"time"

	"github.com/vendlite/vendlite/internal/hwerr"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func after(d time.Duration) time.Time {
	return t0.Add(d)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestMonitor(reader SensorReader) *Monitor {
	m := NewMonitor(reader, Options{
		Slots: map[int][]string{
			3: {"s3"},
			7: {"s7a", "s7b"},
		},
		Settle: 300 * time.Millisecond,
		Tick:   500 * time.Millisecond,
	}, discardLogger())
	m.now = func() time.Time { return t0 }
	return m
}

func stocked() *MemoryReader {
	r := NewMemoryReader()
	for _, id := range []string{"s3", "s7a", "s7b"} {
		r.Set(id, true)
	}
	return r
}

func TestParseMode(t *testing.T) {
	for in, want := range map[string]Mode{"any": ModeAny, "ALL": ModeAll, " first ": ModeFirst} {
		got, err := ParseMode(in)
		if err != nil || got != want {
			t.Errorf("ParseMode(%q) = (%v, %v), want %v", in, got, err, want)
		}
	}
	if _, err := ParseMode("most"); err == nil {
		t.Error("ParseMode accepted an unknown mode")
	}
}

func TestWatch_AnyConfirmsOnOneSensor(t *testing.T) {
	r := stocked()
	m := newTestMonitor(r)
	w, err := m.Watch(7, ModeAny, 10*time.Second)
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}

	r.Set("s7b", false)
	m.tick(after(500 * time.Millisecond))

	res := w.Result()
	if !res.Confirmed() {
		t.Fatalf("status = %s, want confirmed", res.Status)
	}
	if res.TriggeredBy != "" {
		t.Errorf("any mode recorded trigger %q", res.TriggeredBy)
	}
	if len(m.Active()) != 0 {
		t.Error("resolved watch still active")
	}
}

func TestWatch_FirstRecordsTrigger(t *testing.T) {
	r := stocked()
	m := newTestMonitor(r)
	w, _ := m.Watch(7, ModeFirst, 10*time.Second)

	r.Set("s7a", false)
	m.tick(after(time.Second))
	if res := w.Result(); !res.Confirmed() || res.TriggeredBy != "s7a" {
		t.Fatalf("result = %+v, want confirmed by s7a", res)
	}
}

func TestWatch_AllNeedsEverySensor(t *testing.T) {
	r := stocked()
	m := newTestMonitor(r)
	w, _ := m.Watch(7, ModeAll, 10*time.Second)

	r.Set("s7a", false)
	m.tick(after(500 * time.Millisecond))
	if w.Result().Confirmed() {
		t.Fatal("all mode confirmed on one sensor")
	}

	// s7a coming back does not undo its transition
	r.Set("s7a", true)
	r.Set("s7b", false)
	m.tick(after(time.Second))
	if !w.Result().Confirmed() {
		t.Fatalf("status = %s, want confirmed", w.Result().Status)
	}
}

func TestWatch_IgnoresSettleWindow(t *testing.T) {
	r := stocked()
	m := newTestMonitor(r)
	w, _ := m.Watch(3, ModeAny, 10*time.Second)

	r.Set("s3", false)
	m.tick(after(100 * time.Millisecond))
	if w.Result().Confirmed() {
		t.Fatal("confirmed inside the settle window")
	}
	// the item really left: the reading persists after settling
	m.tick(after(600 * time.Millisecond))
	if !w.Result().Confirmed() {
		t.Fatal("not confirmed after the settle window")
	}
}

func TestWatch_FlickerDuringSettleIgnored(t *testing.T) {
	r := stocked()
	m := newTestMonitor(r)
	w, _ := m.Watch(3, ModeAny, time.Second)

	r.Set("s3", false)
	m.tick(after(100 * time.Millisecond))
	r.Set("s3", true)
	m.tick(after(500 * time.Millisecond))
	if w.Result().Confirmed() {
		t.Fatal("flicker during settle confirmed the watch")
	}
}

func TestWatch_TimesOutWithSensorStates(t *testing.T) {
	r := stocked()
	m := newTestMonitor(r)
	w, _ := m.Watch(7, ModeAny, 10*time.Second)

	var resolved []Result
	m.OnResolved(func(res Result) { resolved = append(resolved, res) })

	for ms := 500; ms < 10000; ms += 500 {
		m.tick(after(time.Duration(ms) * time.Millisecond))
	}
	if w.Result().WatchStatus() != StatusPending {
		t.Fatalf("resolved before deadline: %s", w.Result().Status)
	}
	m.tick(after(10 * time.Second))

	res := w.Result()
	if res.WatchStatus() != StatusTimedOut {
		t.Fatalf("status = %s, want timed_out", res.Status)
	}
	if !res.ResolvedAt.Equal(after(10 * time.Second)) {
		t.Errorf("resolved at %v", res.ResolvedAt)
	}
	if got := res.Unresolved(); !slices.Equal(got, []string{"s7a", "s7b"}) {
		t.Errorf("unresolved = %v", got)
	}
	for _, s := range res.Sensors {
		if !s.Known || !s.Present {
			t.Errorf("sensor %s last state = %+v, want present", s.ID, s)
		}
	}
	if len(resolved) != 1 {
		t.Errorf("OnResolved called %d times", len(resolved))
	}

	// a late transition changes nothing
	r.Set("s7a", false)
	m.tick(after(11 * time.Second))
	if w.Result().WatchStatus() != StatusTimedOut {
		t.Error("watch transitioned after resolving")
	}
}

func TestWatch_SharedSnapshot(t *testing.T) {
	calls := 0
	r := readerFunc(func(ids []string) (map[string]bool, error) {
		calls++
		out := make(map[string]bool)
		for _, id := range ids {
			out[id] = true
		}
		return out, nil
	})
	m := newTestMonitor(r)
	m.Watch(3, ModeAny, time.Minute)
	m.Watch(7, ModeAll, time.Minute)

	calls = 0
	m.tick(after(time.Second))
	if calls != 1 {
		t.Errorf("sensor reads per tick = %d, want 1", calls)
	}
}

func TestWatch_ReadErrorKeepsState(t *testing.T) {
	r := stocked()
	m := newTestMonitor(r)
	w, _ := m.Watch(3, ModeAny, 2*time.Second)

	r.Fail(errors.New("bus error"))
	m.tick(after(time.Second))
	if w.Result().WatchStatus() != StatusPending {
		t.Fatal("read error resolved the watch")
	}
	m.tick(after(2 * time.Second))
	if w.Result().WatchStatus() != StatusTimedOut {
		t.Error("deadline not enforced while reads fail")
	}
}

func TestMonitor_WatchErrors(t *testing.T) {
	m := newTestMonitor(stocked())
	if _, err := m.Watch(99, ModeAny, time.Second); !errors.Is(err, hwerr.ErrConfiguration) {
		t.Errorf("unknown slot err = %v", err)
	}
	if _, err := m.Watch(3, ModeAny, 0); !errors.Is(err, hwerr.ErrConfiguration) {
		t.Errorf("zero timeout err = %v", err)
	}
}

func TestMonitor_RunResolves(t *testing.T) {
	r := stocked()
	m := NewMonitor(r, Options{
		Slots:  map[int][]string{3: {"s3"}},
		Settle: 20 * time.Millisecond,
		Tick:   10 * time.Millisecond,
	}, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	w, err := m.Watch(3, ModeAny, 2*time.Second)
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	r.Set("s3", false)

	wctx, wcancel := context.WithTimeout(context.Background(), time.Second)
	defer wcancel()
	res, err := w.Wait(wctx)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if !res.Confirmed() {
		t.Errorf("status = %s", res.Status)
	}
}

func TestMonitor_ForgetDropsWatch(t *testing.T) {
	m := newTestMonitor(stocked())
	w3, err := m.Watch(3, ModeAny, time.Second)
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	w7, err := m.Watch(7, ModeAll, time.Second)
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}

	m.Forget(w3)
	active := m.Active()
	if len(active) != 1 || active[0].Slot != 7 {
		t.Fatalf("active = %+v, want only slot 7", active)
	}

	m.tick(after(2 * time.Second))
	select {
	case <-w3.Done():
		t.Error("forgotten watch resolved")
	default:
	}
	if res := w7.Result(); res.WatchStatus() != StatusTimedOut {
		t.Errorf("slot 7 status = %s, want timed out", res.Status)
	}
}

type readerFunc func(ids []string) (map[string]bool, error)

func (f readerFunc) Snapshot(ids []string) (map[string]bool, error) {
	return f(ids)
}
