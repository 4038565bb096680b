// Package dispatch turns raw domain events into delivered notifications.
//
// Every event runs the same pipeline: configuration gating, per-task
// dedup, keyed rate limiting, similar-event batching, then the bounded
// delivery queue feeding the Presentation Sink. Producers never block on
// delivery and never see delivery errors.
package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"noticore/internal/analytics"
	"noticore/internal/eventbus"
	"noticore/internal/notify"
	"noticore/internal/resolver"
	"noticore/internal/runtime/supervisor"
	"noticore/pkg/logx"
)

// ConfigSource is the slice of the resolver the dispatcher consults per
// event. Every decision uses a fresh effective snapshot.
type ConfigSource interface {
	EffectiveConfig() resolver.GlobalConfig
	InQuietHours() bool
}

// Scheduler drives batch-window flush timers.
type Scheduler interface {
	After(key string, d time.Duration, fn func(ctx context.Context))
	Cancel(key string) bool
}

type Config struct {
	// QueueSize bounds the delivery queue. Default 256. A full queue
	// drops the newest request rather than blocking the producer.
	QueueSize int
	// Workers is the delivery worker count. Default 2.
	Workers int
	// OutboundPerSecond paces sink calls across all workers. Default 20.
	OutboundPerSecond float64
	OutboundBurst     int
	// MaxAttempts per request, with jittered backoff between attempts.
	MaxAttempts int
	RetryBase   time.Duration
	RetryMax    time.Duration
	// NotifyTimeout bounds a single sink call. Default 10s.
	NotifyTimeout time.Duration
	// HistorySize bounds the in-memory delivery history ring. Default 300.
	HistorySize int
}

func (c *Config) applyDefaults() {
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.OutboundPerSecond <= 0 {
		c.OutboundPerSecond = 20
	}
	if c.OutboundBurst <= 0 {
		c.OutboundBurst = 5
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 200 * time.Millisecond
	}
	if c.RetryMax <= 0 {
		c.RetryMax = 3 * time.Second
	}
	if c.NotifyTimeout <= 0 {
		c.NotifyTimeout = 10 * time.Second
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 300
	}
}

type Service struct {
	mu sync.Mutex

	cfg   Config
	src   ConfigSource
	sink  notify.Sink
	sched Scheduler
	stats *analytics.Aggregator
	bus   eventbus.Bus
	log   logx.Logger

	// dedup maps taskID -> set of dedup keys already notified.
	dedup map[string]map[string]struct{}
	// rateStamps maps rateKey -> last relevant timestamp. The refresh
	// rule differs per event class; see notify.Class.
	rateStamps map[string]time.Time
	batches    map[string]*pendingBatch

	queue chan notify.Request
	sup   *supervisor.Supervisor
	pacer *rate.Limiter
	hist  *history

	now func() time.Time
}

func New(cfg Config, src ConfigSource, sink notify.Sink, sched Scheduler, stats *analytics.Aggregator, bus eventbus.Bus, log logx.Logger) *Service {
	cfg.applyDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:        cfg,
		src:        src,
		sink:       sink,
		sched:      sched,
		stats:      stats,
		bus:        bus,
		log:        log,
		dedup:      map[string]map[string]struct{}{},
		rateStamps: map[string]time.Time{},
		batches:    map[string]*pendingBatch{},
		queue:      make(chan notify.Request, cfg.QueueSize),
		pacer:      rate.NewLimiter(rate.Limit(cfg.OutboundPerSecond), cfg.OutboundBurst),
		hist:       newHistory(cfg.HistorySize),
		now:        time.Now,
	}
}

// Start launches the delivery workers under the given context.
func (s *Service) Start(ctx context.Context) {
	s.sup = supervisor.New(ctx, supervisor.WithLogger(s.log))
	for i := 0; i < s.cfg.Workers; i++ {
		name := fmt.Sprintf("dispatch.worker.%d", i)
		s.sup.GoRestart(name, s.workerLoop)
	}
}

// Stop flushes pending batches and waits for the workers to drain.
func (s *Service) Stop(ctx context.Context) error {
	s.FlushBatches()
	if s.sup == nil {
		return nil
	}
	return s.sup.Stop(ctx)
}

// Dispatch runs one event through the pipeline. It never blocks and
// never returns an error; suppressed events are accounted on the bus.
func (s *Service) Dispatch(ev notify.Event) {
	eff := s.src.EffectiveConfig()

	if reason, ok := s.gate(eff, ev); !ok {
		s.dropped(ev, reason)
		return
	}

	now := s.now()

	s.mu.Lock()
	if s.dedupSeenLocked(ev) {
		s.mu.Unlock()
		s.dropped(ev, "duplicate")
		return
	}
	if !s.admitRateLocked(eff, ev, now) {
		s.mu.Unlock()
		s.dropped(ev, "rate_limited")
		return
	}
	// Record the dedup key only once the event is actually admitted, so a
	// rate-limited event can still be retried later.
	s.recordDedupLocked(ev)
	s.mu.Unlock()

	if s.shouldBatch(eff, ev) {
		s.addToBatch(eff, ev, now)
		return
	}

	s.enqueue(s.buildRequest(eff, ev, now))
}

// gate applies the configuration checks in resolution order: master
// switches, severity levels, category settings, emergency override,
// quiet hours. Returns a drop reason when the event is suppressed.
func (s *Service) gate(eff resolver.GlobalConfig, ev notify.Event) (string, bool) {
	if !eff.MasterEnabled || !eff.Enabled {
		return "disabled", false
	}

	// Development mode lets debug events through the level gate.
	if !eff.Levels.Allows(ev.Severity) {
		if !(ev.Severity == notify.SeverityDebug && eff.DevelopmentMode) {
			return "level", false
		}
	}

	if cs, ok := eff.Categories[ev.Category]; ok {
		if !cs.Enabled {
			return "category_disabled", false
		}
		if ev.Severity < notify.ParseSeverity(cs.Level) {
			return "category_level", false
		}
	}

	// Emergency override silences everything below Critical.
	if eff.EmergencyOverride && ev.Severity != notify.SeverityCritical {
		return "emergency_override", false
	}

	if s.src.InQuietHours() {
		if ev.Severity == notify.SeverityCritical && eff.QuietHours.AllowCritical {
			return "", true
		}
		if s.stats != nil {
			s.stats.RecordQuietHoursActivation()
		}
		return "quiet_hours", false
	}

	return "", true
}

func (s *Service) dedupSeenLocked(ev notify.Event) bool {
	if ev.TaskID == "" || ev.DedupKey == "" {
		return false
	}
	_, seen := s.dedup[ev.TaskID][ev.DedupKey]
	return seen
}

func (s *Service) recordDedupLocked(ev notify.Event) {
	if ev.TaskID == "" || ev.DedupKey == "" {
		return
	}
	set, ok := s.dedup[ev.TaskID]
	if !ok {
		set = map[string]struct{}{}
		s.dedup[ev.TaskID] = set
	}
	set[ev.DedupKey] = struct{}{}
}

// admitRateLocked applies the per-class rate policy for the event's rate
// key. ClassUser refreshes the stamp only on acceptance (fixed window:
// one event per window no matter the burst). ClassDiagnostic refreshes
// it on every attempt (sliding throttle: a continuous stream stays
// silent until a full quiet window passes).
func (s *Service) admitRateLocked(eff resolver.GlobalConfig, ev notify.Event, now time.Time) bool {
	if !eff.RateLimiting.Enabled || ev.RateKey == "" || eff.RateLimiting.MaxPerMinute <= 0 {
		return true
	}
	window := time.Minute / time.Duration(eff.RateLimiting.MaxPerMinute)

	last, seen := s.rateStamps[ev.RateKey]
	within := seen && now.Sub(last) < window

	switch ev.Class {
	case notify.ClassDiagnostic:
		s.rateStamps[ev.RateKey] = now
		return !within
	default:
		if within {
			return false
		}
		s.rateStamps[ev.RateKey] = now
		return true
	}
}

func (s *Service) shouldBatch(eff resolver.GlobalConfig, ev notify.Event) bool {
	if !eff.Batching.Enabled || ev.BatchKey == "" {
		return false
	}
	if eff.Batching.UrgencyBreaksThrough && ev.Severity >= notify.SeverityError {
		return false
	}
	return true
}

// ClearTask forgets the dedup keys recorded for a task, so a future run
// of the same task can notify again.
func (s *Service) ClearTask(taskID string) {
	if taskID == "" {
		return
	}
	s.mu.Lock()
	delete(s.dedup, taskID)
	s.mu.Unlock()
}

// History returns the most recent delivery attempts, newest first.
func (s *Service) History() []HistoryEntry {
	return s.hist.list()
}

// QueueDepth reports the current delivery backlog.
func (s *Service) QueueDepth() int { return len(s.queue) }

func (s *Service) buildRequest(eff resolver.GlobalConfig, ev notify.Event, now time.Time) notify.Request {
	cs, hasCat := eff.Categories[ev.Category]

	req := notify.Request{
		ID:          uuid.NewString(),
		Title:       ev.Title,
		Message:     ev.Message,
		Category:    ev.Category,
		Severity:    ev.Severity,
		ShowInToast: eff.OSToastEnabled,
		Persistent:  ev.Persistent,
		Actions:     ev.Actions,
		CreatedAt:   now,
	}
	if hasCat {
		req.ShowInToast = eff.OSToastEnabled && cs.ShowInToast
		req.PlaySound = cs.PlaySound
	}
	if !eff.Privacy.RedactDetails {
		req.Data = ev.Data
	}
	if ev.Actor != "" && !eff.Privacy.HideActorNames {
		if req.Data == nil {
			req.Data = map[string]any{}
		}
		req.Data["actor"] = ev.Actor
	}
	return req
}

func (s *Service) enqueue(req notify.Request) {
	select {
	case s.queue <- req:
	default:
		s.log.Warn("delivery queue full, dropping notification",
			logx.String("id", req.ID), logx.String("title", req.Title))
		s.publish(eventbus.TypeNotifyDropped, map[string]any{
			"id": req.ID, "title": req.Title, "reason": "queue_full",
		})
	}
}

func (s *Service) workerLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case req := <-s.queue:
			if err := s.pacer.Wait(ctx); err != nil {
				return err
			}
			s.deliver(ctx, req)
		}
	}
}

// deliver retries sink calls with jittered exponential backoff. The final
// outcome, success or not, is tracked exactly once.
func (s *Service) deliver(ctx context.Context, req notify.Request) {
	var err error
	backoff := s.cfg.RetryBase
	for attempt := 1; attempt <= s.cfg.MaxAttempts; attempt++ {
		err = s.notifyOnce(ctx, req)
		if err == nil {
			break
		}
		if attempt == s.cfg.MaxAttempts || ctx.Err() != nil {
			break
		}
		wait := backoff
		if j := int64(wait) / 5; j > 0 {
			wait += time.Duration(time.Now().UnixNano() % (j + 1))
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
		backoff *= 2
		if backoff > s.cfg.RetryMax {
			backoff = s.cfg.RetryMax
		}
	}

	elapsed := s.now().Sub(req.CreatedAt)
	if err != nil {
		s.log.Error("notification delivery failed",
			logx.String("id", req.ID), logx.String("title", req.Title), logx.Err(err))
		s.hist.add(HistoryEntry{Request: req, Status: "failed", Error: err.Error(), At: s.now()})
		s.publish(eventbus.TypeNotifyFailed, map[string]any{"id": req.ID, "err": err.Error()})
		if s.stats != nil {
			s.stats.Track(ctx, req.Category, req.Severity, false, false, false, 0)
		}
		return
	}

	s.hist.add(HistoryEntry{Request: req, Status: "sent", At: s.now()})
	s.publish(eventbus.TypeNotifySent, map[string]any{
		"id": req.ID, "category": string(req.Category), "severity": req.Severity.String(),
	})
	if s.stats != nil {
		s.stats.Track(ctx, req.Category, req.Severity, true, false, false, elapsed)
	}
}

func (s *Service) notifyOnce(ctx context.Context, req notify.Request) error {
	if s.sink == nil {
		return nil
	}
	cctx, cancel := context.WithTimeout(ctx, s.cfg.NotifyTimeout)
	defer cancel()
	return s.sink.Notify(cctx, req)
}

func (s *Service) dropped(ev notify.Event, reason string) {
	s.log.Debug("notification suppressed",
		logx.String("title", ev.Title), logx.String("reason", reason))
	s.publish(eventbus.TypeNotifyDropped, map[string]any{
		"title": ev.Title, "category": string(ev.Category), "reason": reason,
	})
}

func (s *Service) publish(typ string, data map[string]any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Data: data})
}
