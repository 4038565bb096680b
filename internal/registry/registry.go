// Package registry tracks long-running operations: their lifecycle state
// machine, milestones, time-based notification triggers, and the
// post-terminal retention/purge cycle.
package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"noticore/internal/eventbus"
	"noticore/internal/notify"
	"noticore/pkg/logx"
)

// Scheduler is the slice of the sched service the registry needs for
// interval watchers, heartbeats, and purges.
type Scheduler interface {
	Once(key string, at time.Time, fn func(ctx context.Context))
	After(key string, d time.Duration, fn func(ctx context.Context))
	Cancel(key string) bool
}

// Emitter receives the domain events the registry raises. Implemented by
// the dispatch layer.
type Emitter interface {
	Dispatch(ev notify.Event)
	ClearTask(taskID string)
}

type Config struct {
	// Retention keeps terminal operations readable for a grace period
	// before purging. Default 5 minutes.
	Retention time.Duration
	// Intervals are the elapsed-time notification triggers per
	// operation. Default 5, 10, and 30 minutes. Empty disables.
	Intervals []time.Duration
	// HeartbeatEvery re-fires a diagnostic heartbeat until the operation
	// becomes terminal. 0 disables. Default 1 minute.
	HeartbeatEvery time.Duration
	// ProgressStep is the minimum absolute progress advance between
	// progress-milestone notifications. Default 25.
	ProgressStep float64
}

func (c *Config) applyDefaults() {
	if c.Retention <= 0 {
		c.Retention = 5 * time.Minute
	}
	if c.Intervals == nil {
		c.Intervals = []time.Duration{5 * time.Minute, 10 * time.Minute, 30 * time.Minute}
	}
	if c.HeartbeatEvery < 0 {
		c.HeartbeatEvery = 0
	} else if c.HeartbeatEvery == 0 {
		c.HeartbeatEvery = time.Minute
	}
	if c.ProgressStep <= 0 {
		c.ProgressStep = 25
	}
}

type Registry struct {
	mu sync.Mutex

	log   logx.Logger
	cfg   Config
	sched Scheduler
	emit  Emitter
	bus   eventbus.Bus

	ops map[string]*Operation

	now func() time.Time
}

func New(cfg Config, sched Scheduler, emit Emitter, bus eventbus.Bus, log logx.Logger) *Registry {
	cfg.applyDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Registry{
		log:   log,
		cfg:   cfg,
		sched: sched,
		emit:  emit,
		bus:   bus,
		ops:   map[string]*Operation{},
		now:   time.Now,
	}
}

func purgeKey(id string) string     { return "op:" + id + ":purge" }
func heartbeatKey(id string) string { return "op:" + id + ":heartbeat" }
func intervalKey(id string, d time.Duration) string {
	return fmt.Sprintf("op:%s:interval:%s", id, d)
}

// StartOperation registers a tracked operation. Re-registering an id that
// is still non-terminal updates the record in place instead of erroring.
// Reusing the id of a terminal operation whose purge has not fired yet
// cancels the pending purge and starts fresh.
func (r *Registry) StartOperation(id, name, description string, category notify.Category, opts StartOptions) {
	if id == "" {
		r.log.Warn("start operation without id ignored")
		return
	}
	now := r.now()

	r.mu.Lock()
	if existing, ok := r.ops[id]; ok && !existing.Status.Terminal() {
		existing.Name = name
		existing.Description = description
		existing.Category = category
		if opts.Phase != "" {
			existing.Phase = opts.Phase
		}
		if opts.ExpectedDuration > 0 {
			existing.ExpectedDuration = opts.ExpectedDuration
		}
		r.mu.Unlock()
		r.log.Debug("operation re-registered", logx.String("op", id))
		return
	}

	op := &Operation{
		ID:               id,
		Name:             name,
		Description:      description,
		Category:         category,
		Phase:            opts.Phase,
		StartTime:        now,
		Status:           StatusStarted,
		Metrics:          map[string]float64{},
		ExpectedDuration: opts.ExpectedDuration,
		firedIntervals:   map[time.Duration]bool{},
	}
	for i, ms := range opts.Milestones {
		op.Milestones = append(op.Milestones, Milestone{
			ID:             fmt.Sprintf("%s:%d", id, i),
			Name:           ms.Name,
			TargetProgress: clampProgress(ms.TargetProgress),
		})
	}
	r.ops[id] = op
	r.mu.Unlock()

	if r.sched != nil {
		// A pending purge for a reused id would delete the live record.
		r.sched.Cancel(purgeKey(id))
		for _, d := range r.cfg.Intervals {
			d := d
			r.sched.Once(intervalKey(id, d), now.Add(d), func(ctx context.Context) {
				r.fireInterval(id, d)
			})
		}
		if r.cfg.HeartbeatEvery > 0 {
			r.scheduleHeartbeat(id)
		}
	}

	r.publishStatus(id, "", StatusStarted)
	r.log.Debug("operation started", logx.String("op", id), logx.String("category", string(category)))
}

// fireInterval emits one elapsed-time notification for an interval that
// has not fired yet, provided the operation is still live.
func (r *Registry) fireInterval(id string, d time.Duration) {
	r.mu.Lock()
	op, ok := r.ops[id]
	if !ok || op.Status.Terminal() || op.firedIntervals[d] {
		r.mu.Unlock()
		return
	}
	op.firedIntervals[d] = true
	name := op.Name
	category := op.Category
	progress := op.Progress
	r.mu.Unlock()

	r.dispatch(notify.Event{
		Category: category,
		Severity: notify.SeverityInfo,
		Class:    notify.ClassUser,
		Title:    name,
		Message:  fmt.Sprintf("still running after %s (%.0f%%)", d, progress),
		TaskID:   id,
		DedupKey: "elapsed_" + d.String(),
		Data:     map[string]any{"operation_id": id, "elapsed": d.String()},
	})
}

func (r *Registry) scheduleHeartbeat(id string) {
	r.sched.After(heartbeatKey(id), r.cfg.HeartbeatEvery, func(ctx context.Context) {
		r.mu.Lock()
		op, ok := r.ops[id]
		live := ok && !op.Status.Terminal()
		var status Status
		var progress float64
		if live {
			status = op.Status
			progress = op.Progress
		}
		r.mu.Unlock()

		// Self-cancels once the operation is terminal or gone.
		if !live {
			return
		}
		if r.bus != nil {
			r.bus.Publish(eventbus.Event{Type: eventbus.TypeOpHeartbeat, Data: map[string]any{
				"operation_id": id,
				"status":       string(status),
				"progress":     progress,
			}})
		}
		r.scheduleHeartbeat(id)
	})
}

// UpdateProgress applies a progress/status/milestone update. Unknown ids
// are logged and ignored; terminal operations accept no further updates.
func (r *Registry) UpdateProgress(id string, status Status, progress float64, opts UpdateOptions) {
	now := r.now()

	r.mu.Lock()
	op, ok := r.ops[id]
	if !ok {
		r.mu.Unlock()
		r.log.Warn("progress update for unknown operation", logx.String("op", id))
		return
	}
	if op.Status.Terminal() {
		r.mu.Unlock()
		r.log.Warn("progress update for terminal operation ignored", logx.String("op", id), logx.String("status", string(op.Status)))
		return
	}

	prevStatus := op.Status
	if status == "" {
		status = StatusProgress
	}
	op.Status = status
	op.Progress = clampProgress(progress)
	if opts.CurrentAction != "" {
		op.CurrentAction = opts.CurrentAction
	}
	for k, v := range opts.MetricsDelta {
		op.Metrics[k] += v
	}

	var milestoneEv *notify.Event
	if opts.MilestoneName != "" {
		for i := range op.Milestones {
			ms := &op.Milestones[i]
			if ms.Name != opts.MilestoneName || ms.Completed {
				continue
			}
			ms.Completed = true
			ms.CompletedAt = now
			ms.Duration = now.Sub(op.StartTime)
			milestoneEv = &notify.Event{
				Category: op.Category,
				Severity: notify.SeverityInfo,
				Class:    notify.ClassUser,
				Title:    op.Name,
				Message:  fmt.Sprintf("milestone %q reached after %s", ms.Name, ms.Duration.Round(time.Second)),
				TaskID:   id,
				DedupKey: "milestone_" + ms.Name,
				Data:     map[string]any{"operation_id": id, "milestone": ms.Name},
			}
			break
		}
	}

	var progressEv *notify.Event
	if op.Progress-op.lastNotifiedProgress >= r.cfg.ProgressStep {
		op.lastNotifiedProgress = op.Progress
		msg := fmt.Sprintf("%.0f%% complete", op.Progress)
		if op.ExpectedDuration > 0 {
			if remaining := op.ExpectedDuration - now.Sub(op.StartTime); remaining > 0 {
				msg = fmt.Sprintf("%s, ETA %s", msg, remaining.Round(time.Second))
			}
		}
		progressEv = &notify.Event{
			Category: op.Category,
			Severity: notify.SeverityInfo,
			Class:    notify.ClassUser,
			Title:    op.Name,
			Message:  msg,
			TaskID:   id,
			DedupKey: fmt.Sprintf("progress_%.0f", op.Progress),
			Data:     map[string]any{"operation_id": id, "progress": op.Progress},
		}
	}
	r.mu.Unlock()

	if prevStatus != status {
		r.publishStatus(id, prevStatus, status)
	}
	if milestoneEv != nil {
		r.dispatch(*milestoneEv)
	}
	if progressEv != nil {
		r.dispatch(*progressEv)
	}
}

// CompleteOperation transitions to Completed, stamps endTime, and
// schedules the purge after the retention window.
func (r *Registry) CompleteOperation(id, message string, metrics map[string]float64, showNotification bool) {
	r.terminate(id, StatusCompleted, func(op *Operation) *notify.Event {
		for k, v := range metrics {
			op.Metrics[k] += v
		}
		op.Progress = 100
		if !showNotification {
			return nil
		}
		msg := message
		if msg == "" {
			msg = fmt.Sprintf("completed in %s", op.EndTime.Sub(op.StartTime).Round(time.Second))
		}
		return &notify.Event{
			Category: op.Category,
			Severity: notify.SeverityInfo,
			Class:    notify.ClassUser,
			Title:    op.Name,
			Message:  msg,
			TaskID:   id,
			DedupKey: "completed",
			Data:     map[string]any{"operation_id": id, "duration": op.EndTime.Sub(op.StartTime).String()},
		}
	})
}

// FailOperation transitions to Failed.
func (r *Registry) FailOperation(id, errMsg, details string, showNotification bool) {
	r.terminate(id, StatusFailed, func(op *Operation) *notify.Event {
		if !showNotification {
			return nil
		}
		msg := errMsg
		if details != "" {
			msg = errMsg + ": " + details
		}
		return &notify.Event{
			Category:   op.Category,
			Severity:   notify.SeverityError,
			Class:      notify.ClassUser,
			Title:      op.Name + " failed",
			Message:    msg,
			TaskID:     id,
			DedupKey:   "failed",
			Persistent: true,
			Data:       map[string]any{"operation_id": id, "error": errMsg},
		}
	})
}

// CancelOperation transitions to Cancelled. Cancellation is explicit
// only; it never happens by external preemption.
func (r *Registry) CancelOperation(id, reason string) {
	r.terminate(id, StatusCancelled, func(op *Operation) *notify.Event {
		msg := "cancelled"
		if reason != "" {
			msg = "cancelled: " + reason
		}
		return &notify.Event{
			Category: op.Category,
			Severity: notify.SeverityInfo,
			Class:    notify.ClassDiagnostic,
			Title:    op.Name,
			Message:  msg,
			TaskID:   id,
			DedupKey: "cancelled",
			RateKey:  "op_cancel:" + string(op.Category),
			Data:     map[string]any{"operation_id": id, "reason": reason},
		}
	})
}

func (r *Registry) terminate(id string, status Status, build func(op *Operation) *notify.Event) {
	now := r.now()

	r.mu.Lock()
	op, ok := r.ops[id]
	if !ok {
		r.mu.Unlock()
		r.log.Warn("terminal transition for unknown operation", logx.String("op", id), logx.String("to", string(status)))
		return
	}
	if op.Status.Terminal() {
		r.mu.Unlock()
		r.log.Warn("terminal transition ignored, operation already terminal", logx.String("op", id), logx.String("status", string(op.Status)))
		return
	}
	prev := op.Status
	op.Status = status
	op.EndTime = now
	ev := build(op)
	r.mu.Unlock()

	// Pending timers are cancelled synchronously on every terminal
	// transition; the purge callback's existence check is the backstop,
	// not the primary mechanism.
	r.cancelTimers(id)
	if r.sched != nil {
		r.sched.After(purgeKey(id), r.cfg.Retention, func(ctx context.Context) {
			r.purge(id)
		})
	}
	if r.emit != nil {
		r.emit.ClearTask(id)
	}

	r.publishStatus(id, prev, status)
	if ev != nil {
		r.dispatch(*ev)
	}
	r.log.Info("operation finished", logx.String("op", id), logx.String("status", string(status)))
}

func (r *Registry) cancelTimers(id string) {
	if r.sched == nil {
		return
	}
	r.sched.Cancel(heartbeatKey(id))
	for _, d := range r.cfg.Intervals {
		r.sched.Cancel(intervalKey(id, d))
	}
}

// purge removes a terminal operation after its retention window. The
// record may have been resurrected by a StartOperation with the same id
// between scheduling and firing, so re-check before deleting.
func (r *Registry) purge(id string) {
	r.mu.Lock()
	op, ok := r.ops[id]
	if ok && op.Status.Terminal() {
		delete(r.ops, id)
		ok = true
	} else {
		ok = false
	}
	r.mu.Unlock()
	if ok {
		r.log.Debug("operation purged", logx.String("op", id))
	}
}

// GetOperation returns a copy of the record, if present.
func (r *Registry) GetOperation(id string) (Operation, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	op, ok := r.ops[id]
	if !ok {
		return Operation{}, false
	}
	return op.clone(), true
}

// GetActiveOperations returns copies of all non-terminal operations,
// oldest first.
func (r *Registry) GetActiveOperations() []Operation {
	r.mu.Lock()
	out := make([]Operation, 0, len(r.ops))
	for _, op := range r.ops {
		if !op.Status.Terminal() {
			out = append(out, op.clone())
		}
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.Before(out[j].StartTime) })
	return out
}

// ActiveCount reports the number of non-terminal operations.
func (r *Registry) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, op := range r.ops {
		if !op.Status.Terminal() {
			n++
		}
	}
	return n
}

func (r *Registry) dispatch(ev notify.Event) {
	if r.emit == nil {
		return
	}
	r.emit.Dispatch(ev)
}

func (r *Registry) publishStatus(id string, from, to Status) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(eventbus.Event{Type: eventbus.TypeOpStatus, Data: map[string]any{
		"operation_id": id,
		"from":         string(from),
		"to":           string(to),
	}})
}
