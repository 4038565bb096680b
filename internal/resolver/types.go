package resolver

import (
	"noticore/internal/notify"
)

// GlobalConfig is the base notification configuration. The resolver owns
// it; consumers only ever see effective-configuration copies produced by
// EffectiveConfig, never a live reference.
type GlobalConfig struct {
	Enabled           bool `json:"enabled"`
	OSToastEnabled    bool `json:"os_toast_enabled"`
	MasterEnabled     bool `json:"master_enabled"`
	EmergencyOverride bool `json:"emergency_override"`
	DevelopmentMode   bool `json:"development_mode"`

	Levels     LevelSettings                       `json:"levels"`
	Categories map[notify.Category]CategorySetting `json:"categories"`

	Privacy              PrivacySettings      `json:"privacy"`
	QuietHours           QuietHours           `json:"quiet_hours"`
	RateLimiting         RateLimiting         `json:"rate_limiting"`
	ContextualAdaptation ContextualAdaptation `json:"contextual_adaptation"`
	Batching             Batching             `json:"intelligent_batching"`
	Accessibility        Accessibility        `json:"accessibility"`
}

type LevelSettings struct {
	Debug    bool `json:"debug"`
	Info     bool `json:"info"`
	Warning  bool `json:"warning"`
	Error    bool `json:"error"`
	Critical bool `json:"critical"`
}

// Allows reports whether notifications of the given severity are enabled.
func (l LevelSettings) Allows(s notify.Severity) bool {
	switch s {
	case notify.SeverityDebug:
		return l.Debug
	case notify.SeverityInfo:
		return l.Info
	case notify.SeverityWarning:
		return l.Warning
	case notify.SeverityError:
		return l.Error
	case notify.SeverityCritical:
		return l.Critical
	default:
		return false
	}
}

type CategorySetting struct {
	Enabled     bool   `json:"enabled"`
	Level       string `json:"level"` // minimum severity name ("info", "warning", ...)
	ShowInToast bool   `json:"show_in_toast"`
	PlaySound   bool   `json:"play_sound"`
}

type PrivacySettings struct {
	RedactDetails  bool `json:"redact_details"`
	HideActorNames bool `json:"hide_actor_names"`
}

// QuietHours is a local-time window during which only Critical-severity
// notifications are delivered (when AllowCritical is set). StartTime and
// EndTime are 24-hour "HH:MM" strings; StartTime > EndTime wraps past
// midnight.
type QuietHours struct {
	Enabled       bool   `json:"enabled"`
	StartTime     string `json:"start_time"`
	EndTime       string `json:"end_time"`
	AllowCritical bool   `json:"allow_critical"`
}

type RateLimiting struct {
	Enabled      bool `json:"enabled"`
	MaxPerMinute int  `json:"max_per_minute"`
	BatchSimilar bool `json:"batch_similar"`
}

type ContextualAdaptation struct {
	Enabled              bool   `json:"enabled"`
	WorkingHoursOnly     bool   `json:"working_hours_only"`
	WorkingHoursStart    string `json:"working_hours_start"`
	WorkingHoursEnd      string `json:"working_hours_end"`
	FocusModeIntegration bool   `json:"focus_mode_integration"`
	AllowCriticalInFocus bool   `json:"allow_critical_in_focus"`
	AdaptToPresence      bool   `json:"adapt_to_presence"`
}

type Batching struct {
	Enabled              bool `json:"enabled"`
	SimilarEventWindowMS int  `json:"similar_event_window_ms"`
	MaxBatchSize         int  `json:"max_batch_size"`
	UrgencyBreaksThrough bool `json:"urgency_breaks_through"`
}

type Accessibility struct {
	HighContrast         bool `json:"high_contrast"`
	ReducedMotion        bool `json:"reduced_motion"`
	ScreenReaderFriendly bool `json:"screen_reader_friendly"`
	AudioDescriptions    bool `json:"audio_descriptions"`
}

// DefaultGlobalConfig returns the configuration used when no persisted
// record exists and no file seed is given.
func DefaultGlobalConfig() GlobalConfig {
	cats := make(map[notify.Category]CategorySetting, 7)
	for _, c := range notify.Categories() {
		cats[c] = CategorySetting{Enabled: true, Level: "info", ShowInToast: true, PlaySound: false}
	}
	cats[notify.CategorySecurity] = CategorySetting{Enabled: true, Level: "warning", ShowInToast: true, PlaySound: true}

	return GlobalConfig{
		Enabled:        true,
		OSToastEnabled: true,
		MasterEnabled:  true,
		Levels: LevelSettings{
			Debug:    false,
			Info:     true,
			Warning:  true,
			Error:    true,
			Critical: true,
		},
		Categories: cats,
		QuietHours: QuietHours{
			Enabled:       false,
			StartTime:     "22:00",
			EndTime:       "08:00",
			AllowCritical: true,
		},
		RateLimiting: RateLimiting{
			Enabled:      true,
			MaxPerMinute: 10,
			BatchSimilar: true,
		},
		ContextualAdaptation: ContextualAdaptation{
			Enabled:           false,
			WorkingHoursStart: "09:00",
			WorkingHoursEnd:   "18:00",
		},
		Batching: Batching{
			Enabled:              true,
			SimilarEventWindowMS: 5000,
			MaxBatchSize:         5,
			UrgencyBreaksThrough: true,
		},
	}
}

// Clone returns a deep copy (the only reference field is the category map).
func (g GlobalConfig) Clone() GlobalConfig {
	cp := g
	cp.Categories = make(map[notify.Category]CategorySetting, len(g.Categories))
	for k, v := range g.Categories {
		cp.Categories[k] = v
	}
	return cp
}

// ---- Partial overrides ----

// Override is a partial GlobalConfig. Nil fields mean "keep the base
// value"; nested sections merge key-by-key rather than replacing the
// whole section.
type Override struct {
	Enabled         *bool `json:"enabled,omitempty"`
	OSToastEnabled  *bool `json:"os_toast_enabled,omitempty"`
	MasterEnabled   *bool `json:"master_enabled,omitempty"`
	DevelopmentMode *bool `json:"development_mode,omitempty"`

	Levels     *LevelOverride                       `json:"levels,omitempty"`
	Categories map[notify.Category]CategoryOverride `json:"categories,omitempty"`

	Privacy              *PrivacyOverride              `json:"privacy,omitempty"`
	QuietHours           *QuietHoursOverride           `json:"quiet_hours,omitempty"`
	RateLimiting         *RateLimitingOverride         `json:"rate_limiting,omitempty"`
	ContextualAdaptation *ContextualAdaptationOverride `json:"contextual_adaptation,omitempty"`
	Batching             *BatchingOverride             `json:"intelligent_batching,omitempty"`
	Accessibility        *AccessibilityOverride        `json:"accessibility,omitempty"`
}

type LevelOverride struct {
	Debug    *bool `json:"debug,omitempty"`
	Info     *bool `json:"info,omitempty"`
	Warning  *bool `json:"warning,omitempty"`
	Error    *bool `json:"error,omitempty"`
	Critical *bool `json:"critical,omitempty"`
}

type CategoryOverride struct {
	Enabled     *bool   `json:"enabled,omitempty"`
	Level       *string `json:"level,omitempty"`
	ShowInToast *bool   `json:"show_in_toast,omitempty"`
	PlaySound   *bool   `json:"play_sound,omitempty"`
}

type PrivacyOverride struct {
	RedactDetails  *bool `json:"redact_details,omitempty"`
	HideActorNames *bool `json:"hide_actor_names,omitempty"`
}

type QuietHoursOverride struct {
	Enabled       *bool   `json:"enabled,omitempty"`
	StartTime     *string `json:"start_time,omitempty"`
	EndTime       *string `json:"end_time,omitempty"`
	AllowCritical *bool   `json:"allow_critical,omitempty"`
}

type RateLimitingOverride struct {
	Enabled      *bool `json:"enabled,omitempty"`
	MaxPerMinute *int  `json:"max_per_minute,omitempty"`
	BatchSimilar *bool `json:"batch_similar,omitempty"`
}

type ContextualAdaptationOverride struct {
	Enabled              *bool   `json:"enabled,omitempty"`
	WorkingHoursOnly     *bool   `json:"working_hours_only,omitempty"`
	WorkingHoursStart    *string `json:"working_hours_start,omitempty"`
	WorkingHoursEnd      *string `json:"working_hours_end,omitempty"`
	FocusModeIntegration *bool   `json:"focus_mode_integration,omitempty"`
	AllowCriticalInFocus *bool   `json:"allow_critical_in_focus,omitempty"`
	AdaptToPresence      *bool   `json:"adapt_to_presence,omitempty"`
}

type BatchingOverride struct {
	Enabled              *bool `json:"enabled,omitempty"`
	SimilarEventWindowMS *int  `json:"similar_event_window_ms,omitempty"`
	MaxBatchSize         *int  `json:"max_batch_size,omitempty"`
	UrgencyBreaksThrough *bool `json:"urgency_breaks_through,omitempty"`
}

type AccessibilityOverride struct {
	HighContrast         *bool `json:"high_contrast,omitempty"`
	ReducedMotion        *bool `json:"reduced_motion,omitempty"`
	ScreenReaderFriendly *bool `json:"screen_reader_friendly,omitempty"`
	AudioDescriptions    *bool `json:"audio_descriptions,omitempty"`
}

// ---- Profiles ----

// Profile is a named bundle of configuration overrides with activation
// conditions and a priority. Exactly one profile is active at a time;
// profiles are otherwise independent records keyed by ID.
type Profile struct {
	ID         string               `json:"id"`
	Name       string               `json:"name"`
	Config     Override             `json:"config"`
	Conditions ActivationConditions `json:"conditions"`
	Priority   int                  `json:"priority"`
	IsDefault  bool                 `json:"is_default"`
}

// ActivationConditions gate profile activation. Each condition is checked
// independently; a nil or disabled condition always holds.
type ActivationConditions struct {
	TimeWindow *TimeWindowCondition `json:"time_window,omitempty"`
	Presence   *ToggleCondition     `json:"presence,omitempty"`
	Workload   *ToggleCondition     `json:"workload,omitempty"`
}

// TimeWindowCondition holds when the current local time falls inside
// [Start, End], with the same past-midnight wrap rule as quiet hours.
type TimeWindowCondition struct {
	Enabled bool   `json:"enabled"`
	Start   string `json:"start"` // "HH:MM"
	End     string `json:"end"`   // "HH:MM"
}

// ToggleCondition delegates to a pluggable predicate (presence/workload).
// With no predicate installed the condition defaults to true.
type ToggleCondition struct {
	Enabled bool `json:"enabled"`
}
