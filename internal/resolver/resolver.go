// Package resolver owns the global notification configuration and the
// profile set, and produces effective-configuration snapshots on demand:
// base config, merged with the active profile's partial override when its
// activation conditions hold, then downgraded by contextual adaptation
// (working hours, focus mode) and the emergency override.
//
// The effective configuration is recomputed on every read; writers
// replace the config wholesale (copy-on-write), so readers never observe
// a half-merged result.
package resolver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"noticore/internal/analytics"
	"noticore/internal/eventbus"
	"noticore/internal/storage"
	logx "noticore/pkg/logx"
)

var (
	ErrValidation       = errors.New("invalid configuration")
	ErrProfileNotFound  = errors.New("profile not found")
	ErrConditionsNotMet = errors.New("profile activation conditions not met")
)

const stateVersion = 1

// Listener observes committed global-config changes. Listeners run
// synchronously in registration order; a panicking listener is isolated
// and logged, and does not stop the remaining listeners.
type Listener func(cfg GlobalConfig)

// clearScheduler is the slice of the sched service the resolver needs for
// the emergency-override auto-clear timer.
type clearScheduler interface {
	After(key string, d time.Duration, fn func(ctx context.Context))
	Cancel(key string) bool
}

const emergencyClearKey = "resolver:emergency:clear"

type Resolver struct {
	mu sync.Mutex

	log   logx.Logger
	store storage.Store
	bus   eventbus.Bus
	stats *analytics.Aggregator
	sched clearScheduler

	global    GlobalConfig
	profiles  map[string]Profile
	activeID  string
	emergency bool

	listeners []Listener

	now        func() time.Time
	presenceFn func() bool
	workloadFn func() bool
	focusFn    func() bool
}

func New(seed GlobalConfig, store storage.Store, stats *analytics.Aggregator, bus eventbus.Bus, sched clearScheduler, log logx.Logger) *Resolver {
	if log.IsZero() {
		log = logx.Nop()
	}
	if seed.Categories == nil {
		seed = DefaultGlobalConfig()
	}
	return &Resolver{
		log:      log,
		store:    store,
		bus:      bus,
		stats:    stats,
		sched:    sched,
		global:   seed.Clone(),
		profiles: map[string]Profile{},
		now:      time.Now,
	}
}

// SetPresencePredicate installs the pluggable presence check used by
// profile activation conditions. Nil means always present.
func (r *Resolver) SetPresencePredicate(fn func() bool) {
	r.mu.Lock()
	r.presenceFn = fn
	r.mu.Unlock()
}

// SetWorkloadPredicate installs the pluggable workload check used by
// profile activation conditions. Nil means condition holds.
func (r *Resolver) SetWorkloadPredicate(fn func() bool) {
	r.mu.Lock()
	r.workloadFn = fn
	r.mu.Unlock()
}

// SetFocusPredicate installs the focus-mode check used by contextual
// adaptation. Nil means focus mode is never active.
func (r *Resolver) SetFocusPredicate(fn func() bool) {
	r.mu.Lock()
	r.focusFn = fn
	r.mu.Unlock()
}

// Subscribe registers a config-change listener. Listeners are invoked
// synchronously after every committed UpdateGlobalConfig, in order.
func (r *Resolver) Subscribe(fn Listener) {
	if fn == nil {
		return
	}
	r.mu.Lock()
	r.listeners = append(r.listeners, fn)
	r.mu.Unlock()
}

// ---- persistence records (versioned for forward compatibility) ----

type persistedConfig struct {
	Version int          `json:"version"`
	Config  GlobalConfig `json:"config"`
}

type persistedProfiles struct {
	Version  int       `json:"version"`
	Profiles []Profile `json:"profiles"`
}

type persistedActive struct {
	Version  int    `json:"version"`
	ActiveID string `json:"active_id"`
}

// Load restores global config, profiles, and the active-profile id from
// the state store. Missing or malformed records keep the seeded state.
func (r *Resolver) Load(ctx context.Context) {
	if r.store == nil {
		return
	}
	if b, ok, err := r.store.GetState(ctx, storage.KeyGlobalConfig); err == nil && ok {
		var pc persistedConfig
		if err := json.Unmarshal(b, &pc); err == nil && pc.Config.Categories != nil {
			r.mu.Lock()
			r.global = pc.Config.Clone()
			r.mu.Unlock()
		} else if err != nil {
			r.log.Warn("global config record malformed", logx.Any("err", err))
		}
	}
	if b, ok, err := r.store.GetState(ctx, storage.KeyProfiles); err == nil && ok {
		var pp persistedProfiles
		if err := json.Unmarshal(b, &pp); err == nil {
			r.mu.Lock()
			r.profiles = make(map[string]Profile, len(pp.Profiles))
			for _, p := range pp.Profiles {
				if p.ID != "" {
					r.profiles[p.ID] = p
				}
			}
			r.mu.Unlock()
		} else {
			r.log.Warn("profiles record malformed", logx.Any("err", err))
		}
	}
	if b, ok, err := r.store.GetState(ctx, storage.KeyActiveProfile); err == nil && ok {
		var pa persistedActive
		if err := json.Unmarshal(b, &pa); err == nil {
			r.mu.Lock()
			if _, exists := r.profiles[pa.ActiveID]; exists {
				r.activeID = pa.ActiveID
			}
			r.mu.Unlock()
		}
	}
}

// ---- effective configuration ----

// EffectiveConfig computes the fully merged configuration: global base,
// active-profile override (when conditions hold), contextual-adaptation
// downgrades, emergency override. It always returns a fresh copy.
func (r *Resolver) EffectiveConfig() GlobalConfig {
	r.mu.Lock()
	eff := r.global.Clone()
	var active *Profile
	if p, ok := r.profiles[r.activeID]; ok {
		cp := p
		active = &cp
	}
	emergency := r.emergency
	now := r.now()
	presenceFn := r.presenceFn
	workloadFn := r.workloadFn
	focusFn := r.focusFn
	r.mu.Unlock()

	if active != nil && conditionsHold(active.Conditions, now, presenceFn, workloadFn) {
		eff = applyOverride(eff, active.Config)
	}

	if eff.ContextualAdaptation.Enabled {
		ca := eff.ContextualAdaptation
		if ca.WorkingHoursOnly && !r.inWorkingHours(ca, now) {
			eff.Levels.Info = false
			eff.Levels.Debug = false
		}
		if ca.FocusModeIntegration && focusFn != nil && focusFn() {
			eff.Levels.Info = false
			eff.Levels.Debug = false
			if !ca.AllowCriticalInFocus {
				eff.Levels.Critical = false
			}
		}
	}

	if emergency {
		eff.EmergencyOverride = true
	}
	return eff
}

func (r *Resolver) inWorkingHours(ca ContextualAdaptation, now time.Time) bool {
	start, err1 := minutesOfDay(ca.WorkingHoursStart)
	end, err2 := minutesOfDay(ca.WorkingHoursEnd)
	if err1 != nil || err2 != nil {
		// An unparseable window never downgrades.
		return true
	}
	return inWindow(minuteOf(now), start, end)
}

// InQuietHours reports whether the current local time falls inside the
// effective quiet-hours window. Disabled quiet hours never match.
func (r *Resolver) InQuietHours() bool {
	eff := r.EffectiveConfig()
	if !eff.QuietHours.Enabled {
		return false
	}
	start, err1 := minutesOfDay(eff.QuietHours.StartTime)
	end, err2 := minutesOfDay(eff.QuietHours.EndTime)
	if err1 != nil || err2 != nil {
		return false
	}
	r.mu.Lock()
	now := r.now()
	r.mu.Unlock()
	return inWindow(minuteOf(now), start, end)
}

func conditionsHold(c ActivationConditions, now time.Time, presenceFn, workloadFn func() bool) bool {
	if tw := c.TimeWindow; tw != nil && tw.Enabled {
		start, err1 := minutesOfDay(tw.Start)
		end, err2 := minutesOfDay(tw.End)
		if err1 != nil || err2 != nil {
			return false
		}
		if !inWindow(minuteOf(now), start, end) {
			return false
		}
	}
	if p := c.Presence; p != nil && p.Enabled && presenceFn != nil && !presenceFn() {
		return false
	}
	if w := c.Workload; w != nil && w.Enabled && workloadFn != nil && !workloadFn() {
		return false
	}
	return true
}

// ---- mutation ----

// UpdateGlobalConfig validates and merges a partial update into the
// global base. On validation failure nothing changes and a wrapped
// ErrValidation is returned. On success the merged config is committed
// (copy-on-write), persisted, and listeners are notified in order.
func (r *Resolver) UpdateGlobalConfig(ctx context.Context, partial Override) error {
	r.mu.Lock()
	merged := applyOverride(r.global.Clone(), partial)
	if err := validateGlobal(merged); err != nil {
		r.mu.Unlock()
		return err
	}
	r.global = merged
	committed := merged.Clone()
	listeners := append([]Listener(nil), r.listeners...)
	r.mu.Unlock()

	r.persistGlobal(ctx, committed)
	if r.bus != nil {
		r.bus.Publish(eventbus.Event{Type: eventbus.TypeConfigApplied, Data: committed})
	}

	for i, fn := range listeners {
		r.notifyOne(i, fn, committed)
	}
	return nil
}

func (r *Resolver) notifyOne(idx int, fn Listener, cfg GlobalConfig) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("config listener panicked", logx.Int("listener", idx), logx.Any("panic", rec))
		}
	}()
	fn(cfg)
}

func validateGlobal(cfg GlobalConfig) error {
	if !validHHMM(cfg.QuietHours.StartTime) {
		return fmt.Errorf("%w: quiet_hours.start_time %q is not HH:MM", ErrValidation, cfg.QuietHours.StartTime)
	}
	if !validHHMM(cfg.QuietHours.EndTime) {
		return fmt.Errorf("%w: quiet_hours.end_time %q is not HH:MM", ErrValidation, cfg.QuietHours.EndTime)
	}
	if cfg.RateLimiting.Enabled && cfg.RateLimiting.MaxPerMinute <= 0 {
		return fmt.Errorf("%w: rate_limiting.max_per_minute must be > 0 when enabled", ErrValidation)
	}
	if cfg.Batching.Enabled {
		if cfg.Batching.SimilarEventWindowMS <= 0 {
			return fmt.Errorf("%w: intelligent_batching.similar_event_window_ms must be > 0 when enabled", ErrValidation)
		}
		if cfg.Batching.MaxBatchSize <= 0 {
			return fmt.Errorf("%w: intelligent_batching.max_batch_size must be > 0 when enabled", ErrValidation)
		}
	}
	if ca := cfg.ContextualAdaptation; ca.Enabled && ca.WorkingHoursOnly {
		if !validHHMM(ca.WorkingHoursStart) || !validHHMM(ca.WorkingHoursEnd) {
			return fmt.Errorf("%w: contextual_adaptation working hours must be HH:MM", ErrValidation)
		}
	}
	return nil
}

func (r *Resolver) persistGlobal(ctx context.Context, cfg GlobalConfig) {
	if r.store == nil {
		return
	}
	b, err := json.Marshal(persistedConfig{Version: stateVersion, Config: cfg})
	if err != nil {
		return
	}
	if err := r.store.PutState(ctx, storage.KeyGlobalConfig, b); err != nil {
		r.log.Warn("global config persist failed", logx.Any("err", err))
	}
}

// ---- profiles ----

// UpsertProfile validates and stores a profile, then persists the set.
func (r *Resolver) UpsertProfile(ctx context.Context, p Profile) error {
	if p.ID == "" {
		return fmt.Errorf("%w: profile id required", ErrValidation)
	}
	if tw := p.Conditions.TimeWindow; tw != nil && tw.Enabled {
		if !validHHMM(tw.Start) || !validHHMM(tw.End) {
			return fmt.Errorf("%w: profile %s time window must be HH:MM", ErrValidation, p.ID)
		}
	}
	r.mu.Lock()
	r.profiles[p.ID] = p
	r.mu.Unlock()
	r.persistProfiles(ctx)
	return nil
}

// DeleteProfile removes a profile; deleting the active profile
// deactivates it.
func (r *Resolver) DeleteProfile(ctx context.Context, id string) error {
	r.mu.Lock()
	if _, ok := r.profiles[id]; !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrProfileNotFound, id)
	}
	delete(r.profiles, id)
	deactivated := r.activeID == id
	if deactivated {
		r.activeID = ""
	}
	r.mu.Unlock()

	r.persistProfiles(ctx)
	if deactivated {
		r.persistActive(ctx, "")
	}
	return nil
}

// Profiles returns a copy of the profile set sorted by priority then id.
func (r *Resolver) Profiles() []Profile {
	r.mu.Lock()
	out := make([]Profile, 0, len(r.profiles))
	for _, p := range r.profiles {
		out = append(out, p)
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// ActiveProfileID returns the active profile id, or "".
func (r *Resolver) ActiveProfileID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.activeID
}

// ActivateProfile makes the profile active if its activation conditions
// currently evaluate true, persists the selection, and bumps the
// profile-switch counter.
func (r *Resolver) ActivateProfile(ctx context.Context, id string) error {
	r.mu.Lock()
	p, ok := r.profiles[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrProfileNotFound, id)
	}
	now := r.now()
	presenceFn := r.presenceFn
	workloadFn := r.workloadFn
	r.mu.Unlock()

	if !conditionsHold(p.Conditions, now, presenceFn, workloadFn) {
		return fmt.Errorf("%w: %s", ErrConditionsNotMet, id)
	}

	r.mu.Lock()
	r.activeID = id
	r.mu.Unlock()

	r.persistActive(ctx, id)
	if r.stats != nil {
		r.stats.RecordProfileSwitch()
	}
	if r.bus != nil {
		r.bus.Publish(eventbus.Event{Type: eventbus.TypeProfileActivated, Data: id})
	}
	r.log.Info("profile activated", logx.String("profile", id))
	return nil
}

// DeactivateProfile clears the active profile.
func (r *Resolver) DeactivateProfile(ctx context.Context) {
	r.mu.Lock()
	changed := r.activeID != ""
	r.activeID = ""
	r.mu.Unlock()
	if changed {
		r.persistActive(ctx, "")
	}
}

func (r *Resolver) persistProfiles(ctx context.Context) {
	if r.store == nil {
		return
	}
	r.mu.Lock()
	list := make([]Profile, 0, len(r.profiles))
	for _, p := range r.profiles {
		list = append(list, p)
	}
	r.mu.Unlock()
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })

	b, err := json.Marshal(persistedProfiles{Version: stateVersion, Profiles: list})
	if err != nil {
		return
	}
	if err := r.store.PutState(ctx, storage.KeyProfiles, b); err != nil {
		r.log.Warn("profiles persist failed", logx.Any("err", err))
	}
}

func (r *Resolver) persistActive(ctx context.Context, id string) {
	if r.store == nil {
		return
	}
	b, err := json.Marshal(persistedActive{Version: stateVersion, ActiveID: id})
	if err != nil {
		return
	}
	if err := r.store.PutState(ctx, storage.KeyActiveProfile, b); err != nil {
		r.log.Warn("active profile persist failed", logx.Any("err", err))
	}
}

// ---- emergency override ----

// EnableEmergencyOverride suppresses everything except Critical severity.
// A positive duration schedules an auto-clear.
func (r *Resolver) EnableEmergencyOverride(d time.Duration) {
	r.mu.Lock()
	r.emergency = true
	r.mu.Unlock()

	if r.sched != nil {
		if d > 0 {
			r.sched.After(emergencyClearKey, d, func(ctx context.Context) {
				r.DisableEmergencyOverride()
			})
		} else {
			r.sched.Cancel(emergencyClearKey)
		}
	}
	r.log.Warn("emergency override enabled", logx.Duration("auto_clear", d))
}

// DisableEmergencyOverride clears the flag and any pending auto-clear.
func (r *Resolver) DisableEmergencyOverride() {
	r.mu.Lock()
	was := r.emergency
	r.emergency = false
	r.mu.Unlock()

	if r.sched != nil {
		r.sched.Cancel(emergencyClearKey)
	}
	if was {
		r.log.Info("emergency override cleared")
	}
}

// EmergencyOverrideActive reports the current override flag.
func (r *Resolver) EmergencyOverrideActive() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.emergency
}
