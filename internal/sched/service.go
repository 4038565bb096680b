package sched

import (
	"container/heap"
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	logx "noticore/pkg/logx"
)

type Config struct {
	// Timezone is an IANA TZ name for cron specs; empty means time.Local.
	Timezone string
}

type Service struct {
	mu  sync.Mutex
	log logx.Logger
	cfg Config

	// one-shot tasks
	byKey map[string]*entry
	heap  taskHeap
	seq   uint64
	wake  chan struct{}

	// recurring tasks
	parser cron.Parser
	c      *cron.Cron
	defs   []recurringDef
	loc    *time.Location

	runCtx context.Context
	stopCh chan struct{}
}

type entry struct {
	key   string
	at    time.Time
	seq   uint64
	fn    func(ctx context.Context)
	index int
}

type recurringDef struct {
	name string
	spec string
	fn   func(ctx context.Context)
}

func New(cfg Config, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		log:    log,
		cfg:    cfg,
		byKey:  map[string]*entry{},
		wake:   make(chan struct{}, 1),
		parser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.stopCh != nil {
		s.mu.Unlock()
		return
	}
	s.stopCh = make(chan struct{})
	s.runCtx = ctx
	stopCh := s.stopCh

	loc := s.loadLocationLocked()
	s.loc = loc
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(loc))
	for i := range s.defs {
		s.addRecurringLocked(&s.defs[i], ctx)
	}
	s.c.Start()
	s.mu.Unlock()

	go s.runLoop(ctx, stopCh)
	s.log.Debug("sched started", logx.String("tz", loc.String()))
}

func (s *Service) Stop(ctx context.Context) {
	_ = ctx
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	close(s.stopCh)
	s.stopCh = nil
	c := s.c
	s.c = nil
	s.byKey = map[string]*entry{}
	s.heap = nil
	s.mu.Unlock()

	if c != nil {
		<-c.Stop().Done()
	}
	s.log.Debug("sched stopped")
}

// Once schedules fn to run once at the given time. Scheduling with a key
// that is already pending replaces the pending task (upsert).
func (s *Service) Once(key string, at time.Time, fn func(ctx context.Context)) {
	key = strings.TrimSpace(key)
	if key == "" || fn == nil {
		return
	}
	s.mu.Lock()
	if old, ok := s.byKey[key]; ok {
		s.removeLocked(old)
	}
	s.seq++
	e := &entry{key: key, at: at, seq: s.seq, fn: fn}
	s.byKey[key] = e
	heap.Push(&s.heap, e)
	s.mu.Unlock()
	s.kick()
}

// After is Once relative to now.
func (s *Service) After(key string, d time.Duration, fn func(ctx context.Context)) {
	s.Once(key, time.Now().Add(d), fn)
}

// Cancel removes a pending one-shot task. It reports whether one existed.
func (s *Service) Cancel(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.byKey[key]
	if !ok {
		return false
	}
	s.removeLocked(e)
	return true
}

// Pending reports the number of pending one-shot tasks.
func (s *Service) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byKey)
}

// Recurring registers fn on a cron spec ("*/5 * * * *", "@every 30s").
// Registering an existing name replaces the previous definition.
func (s *Service) Recurring(name, spec string, fn func(ctx context.Context)) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("name required")
	}
	if fn == nil {
		return errors.New("fn required")
	}
	if _, err := s.parser.Parse(spec); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeRecurringLocked(name)
	s.defs = append(s.defs, recurringDef{name: name, spec: spec, fn: fn})
	if s.c != nil {
		ctx := s.runCtx
		if ctx == nil {
			ctx = context.Background()
		}
		s.addRecurringLocked(&s.defs[len(s.defs)-1], ctx)
	}
	return nil
}

// RemoveRecurring drops a recurring definition; it takes effect on the
// next restart of the cron runner for an already-started service.
func (s *Service) RemoveRecurring(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeRecurringLocked(name)
}

func (s *Service) removeRecurringLocked(name string) {
	for i := range s.defs {
		if s.defs[i].name == name {
			s.defs = append(s.defs[:i], s.defs[i+1:]...)
			return
		}
	}
}

func (s *Service) addRecurringLocked(d *recurringDef, ctx context.Context) {
	fn := d.fn
	name := d.name
	_, err := s.c.AddFunc(d.spec, func() {
		defer func() {
			if r := recover(); r != nil {
				s.log.Error("recurring task panicked", logx.String("name", name), logx.Any("panic", r))
			}
		}()
		fn(ctx)
	})
	if err != nil {
		s.log.Error("recurring register failed", logx.String("name", name), logx.String("spec", d.spec), logx.Any("err", err))
	}
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone, falling back to Local", logx.String("tz", tz), logx.Any("err", err))
		return time.Local
	}
	return loc
}

func (s *Service) kick() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Service) removeLocked(e *entry) {
	delete(s.byKey, e.key)
	if e.index >= 0 {
		heap.Remove(&s.heap, e.index)
	}
}

// popDue removes and returns every task due at or before now. A popped
// entry is only returned if it is still the current task for its key,
// so canceled or replaced tasks never fire.
func (s *Service) popDue(now time.Time) []*entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []*entry
	for s.heap.Len() > 0 {
		head := s.heap[0]
		if head.at.After(now) {
			break
		}
		heap.Pop(&s.heap)
		if cur, ok := s.byKey[head.key]; ok && cur.seq == head.seq {
			delete(s.byKey, head.key)
			due = append(due, head)
		}
	}
	return due
}

func (s *Service) nextAt() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.heap.Len() == 0 {
		return time.Time{}, false
	}
	return s.heap[0].at, true
}

func (s *Service) runLoop(ctx context.Context, stopCh <-chan struct{}) {
	for {
		for _, e := range s.popDue(time.Now()) {
			s.runOne(ctx, e)
		}

		var timerC <-chan time.Time
		var timer *time.Timer
		if at, ok := s.nextAt(); ok {
			d := time.Until(at)
			if d < 0 {
				d = 0
			}
			timer = time.NewTimer(d)
			timerC = timer.C
		}

		select {
		case <-ctx.Done():
			stopTimer(timer)
			return
		case <-stopCh:
			stopTimer(timer)
			return
		case <-s.wake:
			stopTimer(timer)
		case <-timerC:
		}
	}
}

func (s *Service) runOne(ctx context.Context, e *entry) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("scheduled task panicked", logx.String("key", e.key), logx.Any("panic", r))
		}
	}()
	e.fn(ctx)
}

func stopTimer(t *time.Timer) {
	if t == nil {
		return
	}
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
}

// ---- heap ----

type taskHeap []*entry

func (h taskHeap) Len() int { return len(h) }
func (h taskHeap) Less(i, j int) bool {
	if !h[i].at.Equal(h[j].at) {
		return h[i].at.Before(h[j].at)
	}
	return h[i].seq < h[j].seq
}
func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *taskHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}
