package resolver

import "noticore/internal/notify"

// applyOverride merges a partial override onto base, key by key. Nested
// sections are merged field-wise, never replaced wholesale. The base is
// modified in place; callers pass a clone.
func applyOverride(base GlobalConfig, ov Override) GlobalConfig {
	setBool(&base.Enabled, ov.Enabled)
	setBool(&base.OSToastEnabled, ov.OSToastEnabled)
	setBool(&base.MasterEnabled, ov.MasterEnabled)
	setBool(&base.DevelopmentMode, ov.DevelopmentMode)

	if l := ov.Levels; l != nil {
		setBool(&base.Levels.Debug, l.Debug)
		setBool(&base.Levels.Info, l.Info)
		setBool(&base.Levels.Warning, l.Warning)
		setBool(&base.Levels.Error, l.Error)
		setBool(&base.Levels.Critical, l.Critical)
	}

	if len(ov.Categories) > 0 {
		if base.Categories == nil {
			base.Categories = map[notify.Category]CategorySetting{}
		}
		for cat, co := range ov.Categories {
			cs := base.Categories[cat]
			setBool(&cs.Enabled, co.Enabled)
			setString(&cs.Level, co.Level)
			setBool(&cs.ShowInToast, co.ShowInToast)
			setBool(&cs.PlaySound, co.PlaySound)
			base.Categories[cat] = cs
		}
	}

	if p := ov.Privacy; p != nil {
		setBool(&base.Privacy.RedactDetails, p.RedactDetails)
		setBool(&base.Privacy.HideActorNames, p.HideActorNames)
	}

	if q := ov.QuietHours; q != nil {
		setBool(&base.QuietHours.Enabled, q.Enabled)
		setString(&base.QuietHours.StartTime, q.StartTime)
		setString(&base.QuietHours.EndTime, q.EndTime)
		setBool(&base.QuietHours.AllowCritical, q.AllowCritical)
	}

	if r := ov.RateLimiting; r != nil {
		setBool(&base.RateLimiting.Enabled, r.Enabled)
		setInt(&base.RateLimiting.MaxPerMinute, r.MaxPerMinute)
		setBool(&base.RateLimiting.BatchSimilar, r.BatchSimilar)
	}

	if c := ov.ContextualAdaptation; c != nil {
		setBool(&base.ContextualAdaptation.Enabled, c.Enabled)
		setBool(&base.ContextualAdaptation.WorkingHoursOnly, c.WorkingHoursOnly)
		setString(&base.ContextualAdaptation.WorkingHoursStart, c.WorkingHoursStart)
		setString(&base.ContextualAdaptation.WorkingHoursEnd, c.WorkingHoursEnd)
		setBool(&base.ContextualAdaptation.FocusModeIntegration, c.FocusModeIntegration)
		setBool(&base.ContextualAdaptation.AllowCriticalInFocus, c.AllowCriticalInFocus)
		setBool(&base.ContextualAdaptation.AdaptToPresence, c.AdaptToPresence)
	}

	if b := ov.Batching; b != nil {
		setBool(&base.Batching.Enabled, b.Enabled)
		setInt(&base.Batching.SimilarEventWindowMS, b.SimilarEventWindowMS)
		setInt(&base.Batching.MaxBatchSize, b.MaxBatchSize)
		setBool(&base.Batching.UrgencyBreaksThrough, b.UrgencyBreaksThrough)
	}

	if a := ov.Accessibility; a != nil {
		setBool(&base.Accessibility.HighContrast, a.HighContrast)
		setBool(&base.Accessibility.ReducedMotion, a.ReducedMotion)
		setBool(&base.Accessibility.ScreenReaderFriendly, a.ScreenReaderFriendly)
		setBool(&base.Accessibility.AudioDescriptions, a.AudioDescriptions)
	}

	return base
}

func setBool(dst *bool, src *bool) {
	if src != nil {
		*dst = *src
	}
}

func setInt(dst *int, src *int) {
	if src != nil {
		*dst = *src
	}
}

func setString(dst *string, src *string) {
	if src != nil {
		*dst = *src
	}
}
