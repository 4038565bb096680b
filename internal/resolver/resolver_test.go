package resolver

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"noticore/internal/notify"
	"noticore/pkg/logx"
)

func at(hhmm string) func() time.Time {
	return func() time.Time {
		tm, err := time.Parse("15:04", hhmm)
		if err != nil {
			panic(err)
		}
		return time.Date(2026, 8, 31, tm.Hour(), tm.Minute(), 0, 0, time.Local)
	}
}

func newTestResolver() *Resolver {
	return New(DefaultGlobalConfig(), nil, nil, nil, nil, logx.Nop())
}

func TestQuietHours(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name       string
		start, end string
		now        string
		want       bool
	}{
		{"wrap inside late", "22:00", "08:00", "23:00", true},
		{"wrap inside early", "22:00", "08:00", "03:00", true},
		{"wrap outside", "22:00", "08:00", "12:00", false},
		{"wrap at start", "22:00", "08:00", "22:00", true},
		{"wrap at end", "22:00", "08:00", "08:00", true},
		{"same day inside", "08:00", "22:00", "12:00", true},
		{"same day outside", "08:00", "22:00", "23:00", false},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			r := newTestResolver()
			r.now = at(tt.now)
			if err := r.UpdateGlobalConfig(context.Background(), Override{
				QuietHours: &QuietHoursOverride{
					Enabled:   boolPtr(true),
					StartTime: &tt.start,
					EndTime:   &tt.end,
				},
			}); err != nil {
				t.Fatalf("UpdateGlobalConfig: %v", err)
			}
			if got := r.InQuietHours(); got != tt.want {
				t.Fatalf("InQuietHours at %s in [%s,%s] = %v, want %v", tt.now, tt.start, tt.end, got, tt.want)
			}
		})
	}
}

func TestQuietHoursDisabled(t *testing.T) {
	t.Parallel()
	r := newTestResolver()
	r.now = at("23:30")
	// Default config has quiet hours configured but disabled.
	if r.InQuietHours() {
		t.Fatal("disabled quiet hours must never match")
	}
}

func TestProfileOverrideAndRestore(t *testing.T) {
	t.Parallel()
	r := newTestResolver()
	ctx := context.Background()

	if err := r.UpsertProfile(ctx, Profile{
		ID:     "focus",
		Name:   "Focus",
		Config: Override{Levels: &LevelOverride{Info: boolPtr(false)}},
	}); err != nil {
		t.Fatalf("UpsertProfile: %v", err)
	}

	if !r.EffectiveConfig().Levels.Info {
		t.Fatal("info disabled before profile activation")
	}

	if err := r.ActivateProfile(ctx, "focus"); err != nil {
		t.Fatalf("ActivateProfile: %v", err)
	}
	if r.EffectiveConfig().Levels.Info {
		t.Fatal("profile override not applied")
	}
	// Base config is untouched by the merge.
	r.mu.Lock()
	baseInfo := r.global.Levels.Info
	r.mu.Unlock()
	if !baseInfo {
		t.Fatal("profile merge mutated the base config")
	}

	r.DeactivateProfile(ctx)
	if !r.EffectiveConfig().Levels.Info {
		t.Fatal("base config not restored after deactivation")
	}
}

func TestActivateProfileErrors(t *testing.T) {
	t.Parallel()
	r := newTestResolver()
	ctx := context.Background()

	if err := r.ActivateProfile(ctx, "missing"); !errors.Is(err, ErrProfileNotFound) {
		t.Fatalf("err = %v, want ErrProfileNotFound", err)
	}

	r.now = at("12:00")
	if err := r.UpsertProfile(ctx, Profile{
		ID: "night",
		Conditions: ActivationConditions{
			TimeWindow: &TimeWindowCondition{Enabled: true, Start: "22:00", End: "06:00"},
		},
	}); err != nil {
		t.Fatalf("UpsertProfile: %v", err)
	}
	if err := r.ActivateProfile(ctx, "night"); !errors.Is(err, ErrConditionsNotMet) {
		t.Fatalf("err = %v, want ErrConditionsNotMet", err)
	}
	if r.ActiveProfileID() != "" {
		t.Fatal("failed activation must not set the active profile")
	}
}

func TestActiveProfileConditionsCheckedPerRead(t *testing.T) {
	t.Parallel()
	r := newTestResolver()
	ctx := context.Background()
	r.now = at("23:00")

	if err := r.UpsertProfile(ctx, Profile{
		ID:     "night",
		Config: Override{Levels: &LevelOverride{Info: boolPtr(false)}},
		Conditions: ActivationConditions{
			TimeWindow: &TimeWindowCondition{Enabled: true, Start: "22:00", End: "06:00"},
		},
	}); err != nil {
		t.Fatalf("UpsertProfile: %v", err)
	}
	if err := r.ActivateProfile(ctx, "night"); err != nil {
		t.Fatalf("ActivateProfile: %v", err)
	}
	if r.EffectiveConfig().Levels.Info {
		t.Fatal("override not applied inside the time window")
	}

	// Outside the window the profile stays active but stops contributing.
	r.mu.Lock()
	r.now = at("12:00")
	r.mu.Unlock()
	if !r.EffectiveConfig().Levels.Info {
		t.Fatal("override still applied outside the time window")
	}
	if r.ActiveProfileID() != "night" {
		t.Fatal("profile deactivated by condition lapse")
	}
}

func TestUpdateGlobalConfigValidation(t *testing.T) {
	t.Parallel()
	r := newTestResolver()
	ctx := context.Background()

	bad := "25:00"
	err := r.UpdateGlobalConfig(ctx, Override{
		QuietHours: &QuietHoursOverride{StartTime: &bad},
	})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("err = %v, want ErrValidation", err)
	}
	if got := r.EffectiveConfig().QuietHours.StartTime; got != "22:00" {
		t.Fatalf("rejected update mutated config: start_time = %q", got)
	}

	zero := 0
	err = r.UpdateGlobalConfig(ctx, Override{
		RateLimiting: &RateLimitingOverride{Enabled: boolPtr(true), MaxPerMinute: &zero},
	})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("err = %v, want ErrValidation", err)
	}
}

func TestListenersIsolatedFromPanics(t *testing.T) {
	t.Parallel()
	r := newTestResolver()

	var mu sync.Mutex
	var got []string
	r.Subscribe(func(GlobalConfig) { panic("listener bug") })
	r.Subscribe(func(cfg GlobalConfig) {
		mu.Lock()
		got = append(got, cfg.QuietHours.StartTime)
		mu.Unlock()
	})

	start := "21:00"
	if err := r.UpdateGlobalConfig(context.Background(), Override{
		QuietHours: &QuietHoursOverride{StartTime: &start},
	}); err != nil {
		t.Fatalf("UpdateGlobalConfig: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 || got[0] != "21:00" {
		t.Fatalf("second listener not notified: %v", got)
	}
}

func TestContextualAdaptationDowngrades(t *testing.T) {
	t.Parallel()
	r := newTestResolver()
	r.now = at("20:00") // outside 09:00-18:00

	if err := r.UpdateGlobalConfig(context.Background(), Override{
		ContextualAdaptation: &ContextualAdaptationOverride{
			Enabled:          boolPtr(true),
			WorkingHoursOnly: boolPtr(true),
		},
	}); err != nil {
		t.Fatalf("UpdateGlobalConfig: %v", err)
	}
	eff := r.EffectiveConfig()
	if eff.Levels.Info || eff.Levels.Debug {
		t.Fatal("info/debug not downgraded outside working hours")
	}
	if !eff.Levels.Warning {
		t.Fatal("warning must survive the downgrade")
	}

	// Focus mode drops info/debug; critical survives only when allowed.
	r2 := newTestResolver()
	r2.SetFocusPredicate(func() bool { return true })
	if err := r2.UpdateGlobalConfig(context.Background(), Override{
		ContextualAdaptation: &ContextualAdaptationOverride{
			Enabled:              boolPtr(true),
			FocusModeIntegration: boolPtr(true),
			AllowCriticalInFocus: boolPtr(false),
		},
	}); err != nil {
		t.Fatalf("UpdateGlobalConfig: %v", err)
	}
	eff = r2.EffectiveConfig()
	if eff.Levels.Info || eff.Levels.Critical {
		t.Fatalf("focus downgrade wrong: info=%v critical=%v", eff.Levels.Info, eff.Levels.Critical)
	}
}

func TestEmergencyOverride(t *testing.T) {
	t.Parallel()
	fs := &fakeClearSched{tasks: map[string]func(ctx context.Context){}}
	r := New(DefaultGlobalConfig(), nil, nil, nil, fs, logx.Nop())

	r.EnableEmergencyOverride(10 * time.Minute)
	if !r.EffectiveConfig().EmergencyOverride {
		t.Fatal("emergency override not reflected in effective config")
	}

	// Auto-clear timer fires.
	fs.fire(emergencyClearKey)
	if r.EmergencyOverrideActive() {
		t.Fatal("emergency override not auto-cleared")
	}
}

type fakeClearSched struct {
	mu    sync.Mutex
	tasks map[string]func(ctx context.Context)
}

func (f *fakeClearSched) After(key string, _ time.Duration, fn func(ctx context.Context)) {
	f.mu.Lock()
	f.tasks[key] = fn
	f.mu.Unlock()
}

func (f *fakeClearSched) Cancel(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.tasks[key]
	delete(f.tasks, key)
	return ok
}

func (f *fakeClearSched) fire(key string) {
	f.mu.Lock()
	fn := f.tasks[key]
	delete(f.tasks, key)
	f.mu.Unlock()
	if fn != nil {
		fn(context.Background())
	}
}

func TestCategoryMergeIsKeyWise(t *testing.T) {
	t.Parallel()
	r := newTestResolver()

	lvl := "error"
	if err := r.UpdateGlobalConfig(context.Background(), Override{
		Categories: map[notify.Category]CategoryOverride{
			notify.CategoryTesting: {Level: &lvl},
		},
	}); err != nil {
		t.Fatalf("UpdateGlobalConfig: %v", err)
	}

	eff := r.EffectiveConfig()
	if got := eff.Categories[notify.CategoryTesting].Level; got != "error" {
		t.Fatalf("testing.level = %q, want error", got)
	}
	// Untouched keys keep their values.
	if got := eff.Categories[notify.CategorySecurity].Level; got != "warning" {
		t.Fatalf("security.level = %q, want warning", got)
	}
	if !eff.Categories[notify.CategoryTesting].Enabled {
		t.Fatal("enabled flag lost during key-wise merge")
	}
}

func boolPtr(b bool) *bool { return &b }
