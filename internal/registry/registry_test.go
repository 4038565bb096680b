package registry

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"noticore/internal/notify"
	"noticore/pkg/logx"
)

type fakeSched struct {
	mu        sync.Mutex
	tasks     map[string]func(ctx context.Context)
	cancelled []string
}

func newFakeSched() *fakeSched {
	return &fakeSched{tasks: map[string]func(ctx context.Context){}}
}

func (f *fakeSched) Once(key string, _ time.Time, fn func(ctx context.Context)) {
	f.mu.Lock()
	f.tasks[key] = fn
	f.mu.Unlock()
}

func (f *fakeSched) After(key string, _ time.Duration, fn func(ctx context.Context)) {
	f.mu.Lock()
	f.tasks[key] = fn
	f.mu.Unlock()
}

func (f *fakeSched) Cancel(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, key)
	_, ok := f.tasks[key]
	delete(f.tasks, key)
	return ok
}

// fire runs a pending task as if its timer elapsed.
func (f *fakeSched) fire(key string) bool {
	f.mu.Lock()
	fn, ok := f.tasks[key]
	delete(f.tasks, key)
	f.mu.Unlock()
	if !ok {
		return false
	}
	fn(context.Background())
	return true
}

func (f *fakeSched) wasCancelled(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, k := range f.cancelled {
		if k == key {
			return true
		}
	}
	return false
}

type fakeEmitter struct {
	mu      sync.Mutex
	events  []notify.Event
	cleared []string
}

func (f *fakeEmitter) Dispatch(ev notify.Event) {
	f.mu.Lock()
	f.events = append(f.events, ev)
	f.mu.Unlock()
}

func (f *fakeEmitter) ClearTask(taskID string) {
	f.mu.Lock()
	f.cleared = append(f.cleared, taskID)
	f.mu.Unlock()
}

func (f *fakeEmitter) byDedup(key string) []notify.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []notify.Event
	for _, ev := range f.events {
		if ev.DedupKey == key {
			out = append(out, ev)
		}
	}
	return out
}

func newTestRegistry(t *testing.T) (*Registry, *fakeSched, *fakeEmitter) {
	t.Helper()
	fs := newFakeSched()
	fe := &fakeEmitter{}
	r := New(Config{
		Retention:      5 * time.Minute,
		Intervals:      []time.Duration{5 * time.Minute},
		HeartbeatEvery: -1,
	}, fs, fe, nil, logx.Nop())
	return r, fs, fe
}

func TestClampProgress(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in, want float64
	}{
		{-5, 0},
		{0, 0},
		{50, 50},
		{100, 100},
		{150, 100},
	}
	for _, tt := range tests {
		if got := clampProgress(tt.in); got != tt.want {
			t.Fatalf("clampProgress(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestLifecycleAndPurge(t *testing.T) {
	t.Parallel()
	r, fs, fe := newTestRegistry(t)

	r.StartOperation("op1", "Index rebuild", "", notify.CategoryImplementation, StartOptions{})
	op, ok := r.GetOperation("op1")
	if !ok || op.Status != StatusStarted {
		t.Fatalf("GetOperation after start = %+v, %v", op, ok)
	}

	r.UpdateProgress("op1", StatusProgress, 50, UpdateOptions{CurrentAction: "scanning"})
	op, _ = r.GetOperation("op1")
	if op.Progress != 50 || op.CurrentAction != "scanning" {
		t.Fatalf("unexpected op after update: %+v", op)
	}

	r.CompleteOperation("op1", "", nil, true)
	op, _ = r.GetOperation("op1")
	if op.Status != StatusCompleted || op.EndTime.IsZero() || op.Progress != 100 {
		t.Fatalf("unexpected op after complete: %+v", op)
	}

	fe.mu.Lock()
	cleared := len(fe.cleared) == 1 && fe.cleared[0] == "op1"
	fe.mu.Unlock()
	if !cleared {
		t.Fatal("expected ClearTask(op1) on completion")
	}

	// Readable during retention, gone after the purge fires.
	if !fs.fire("op:op1:purge") {
		t.Fatal("expected a pending purge task")
	}
	if _, ok := r.GetOperation("op1"); ok {
		t.Fatal("operation still present after purge")
	}
}

func TestUnknownAndTerminalUpdatesIgnored(t *testing.T) {
	t.Parallel()
	r, _, _ := newTestRegistry(t)

	r.UpdateProgress("nope", StatusProgress, 10, UpdateOptions{})
	if _, ok := r.GetOperation("nope"); ok {
		t.Fatal("unknown update must not create an operation")
	}

	r.StartOperation("op1", "n", "", notify.CategoryTesting, StartOptions{})
	r.FailOperation("op1", "boom", "", false)
	r.UpdateProgress("op1", StatusProgress, 90, UpdateOptions{})
	op, _ := r.GetOperation("op1")
	if op.Status != StatusFailed || op.Progress != 0 {
		t.Fatalf("terminal op mutated by update: %+v", op)
	}

	// A second terminal transition must not overwrite the first.
	r.CompleteOperation("op1", "", nil, false)
	op, _ = r.GetOperation("op1")
	if op.Status != StatusFailed {
		t.Fatalf("status = %s, want failed", op.Status)
	}
}

func TestMilestoneCompletesOnce(t *testing.T) {
	t.Parallel()
	r, _, fe := newTestRegistry(t)

	r.StartOperation("op1", "build", "", notify.CategoryImplementation, StartOptions{
		Milestones: []MilestoneSpec{{Name: "compile", TargetProgress: 50}},
	})
	r.UpdateProgress("op1", StatusMilestone, 50, UpdateOptions{MilestoneName: "compile"})
	r.UpdateProgress("op1", StatusMilestone, 55, UpdateOptions{MilestoneName: "compile"})

	got := fe.byDedup("milestone_compile")
	if len(got) != 1 {
		t.Fatalf("milestone events = %d, want 1", len(got))
	}
	op, _ := r.GetOperation("op1")
	if len(op.Milestones) != 1 || !op.Milestones[0].Completed {
		t.Fatalf("milestone not recorded: %+v", op.Milestones)
	}
	if op.Milestones[0].Duration < 0 {
		t.Fatalf("milestone duration negative: %v", op.Milestones[0].Duration)
	}
}

func TestProgressStepNotifications(t *testing.T) {
	t.Parallel()
	r, _, fe := newTestRegistry(t)

	r.StartOperation("op1", "scan", "", notify.CategoryAnalysis, StartOptions{})

	steps := []struct {
		progress float64
		want     int // cumulative progress_* events
	}{
		{10, 0},
		{30, 1},  // advanced 30 since last notification
		{40, 1},  // only 10 more
		{60, 2},  // 30 past the last notified value
		{60, 2},
	}
	for _, st := range steps {
		r.UpdateProgress("op1", StatusProgress, st.progress, UpdateOptions{})
		n := 0
		fe.mu.Lock()
		for _, ev := range fe.events {
			if strings.HasPrefix(ev.DedupKey, "progress_") {
				n++
			}
		}
		fe.mu.Unlock()
		if n != st.want {
			t.Fatalf("after progress %v: %d progress events, want %d", st.progress, n, st.want)
		}
	}
}

func TestIntervalWatcher(t *testing.T) {
	t.Parallel()
	r, fs, fe := newTestRegistry(t)

	r.StartOperation("op1", "long task", "", notify.CategoryResearch, StartOptions{})
	if !fs.fire("op:op1:interval:5m0s") {
		t.Fatal("expected a pending interval task")
	}
	if got := fe.byDedup("elapsed_5m0s"); len(got) != 1 {
		t.Fatalf("elapsed events = %d, want 1", len(got))
	}

	// Terminal operations stay quiet even if a timer slips through.
	r.StartOperation("op2", "short task", "", notify.CategoryResearch, StartOptions{})
	r.CancelOperation("op2", "user")
	fe.mu.Lock()
	fe.events = nil
	fe.mu.Unlock()
	r.fireInterval("op2", 5*time.Minute)
	fe.mu.Lock()
	n := len(fe.events)
	fe.mu.Unlock()
	if n != 0 {
		t.Fatalf("terminal op emitted %d interval events", n)
	}
}

func TestTerminalTransitionCancelsTimers(t *testing.T) {
	t.Parallel()
	r, fs, _ := newTestRegistry(t)

	r.StartOperation("op1", "task", "", notify.CategoryTesting, StartOptions{})
	r.CancelOperation("op1", "")

	if !fs.wasCancelled("op:op1:interval:5m0s") {
		t.Fatal("interval timer not cancelled on terminal transition")
	}
}

func TestRestartReusesIDAndCancelsPurge(t *testing.T) {
	t.Parallel()
	r, fs, _ := newTestRegistry(t)

	r.StartOperation("op1", "first run", "", notify.CategoryTesting, StartOptions{})
	r.CompleteOperation("op1", "", nil, false)

	// Reusing the id before the purge fires must keep the new record.
	r.StartOperation("op1", "second run", "", notify.CategoryTesting, StartOptions{})
	if !fs.wasCancelled("op:op1:purge") {
		t.Fatal("pending purge not cancelled on id reuse")
	}
	fs.fire("op:op1:purge")

	op, ok := r.GetOperation("op1")
	if !ok || op.Status != StatusStarted || op.Name != "second run" {
		t.Fatalf("restarted op = %+v, %v", op, ok)
	}
}

func TestReRegisterNonTerminalUpdatesInPlace(t *testing.T) {
	t.Parallel()
	r, _, _ := newTestRegistry(t)

	r.StartOperation("op1", "old", "", notify.CategoryTesting, StartOptions{})
	r.UpdateProgress("op1", StatusProgress, 40, UpdateOptions{})
	r.StartOperation("op1", "new", "desc", notify.CategoryTesting, StartOptions{Phase: "verify"})

	op, _ := r.GetOperation("op1")
	if op.Name != "new" || op.Phase != "verify" {
		t.Fatalf("re-register did not update record: %+v", op)
	}
	if op.Progress != 40 {
		t.Fatalf("re-register reset progress: %v", op.Progress)
	}
}

func TestGetActiveOperations(t *testing.T) {
	t.Parallel()
	r, _, _ := newTestRegistry(t)

	r.StartOperation("a", "a", "", notify.CategoryTesting, StartOptions{})
	r.StartOperation("b", "b", "", notify.CategoryTesting, StartOptions{})
	r.CompleteOperation("a", "", nil, false)

	active := r.GetActiveOperations()
	if len(active) != 1 || active[0].ID != "b" {
		t.Fatalf("active = %+v, want just b", active)
	}
	if r.ActiveCount() != 1 {
		t.Fatalf("ActiveCount = %d, want 1", r.ActiveCount())
	}
}
