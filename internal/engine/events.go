package engine

import (
	"context"
	"fmt"

	"noticore/internal/notify"
	"noticore/internal/registry"
)

// Event intake. Each method maps a domain happening onto a notification
// event with stable batch/rate keys, then hands it to the dispatch
// pipeline. Producers never block and never observe delivery errors.

// HandleChatEvent reports an incoming collaboration message. Mentions of
// the local user break out of batching by severity bump.
func (e *Engine) HandleChatEvent(actor, message string, mentioned bool) {
	sev := notify.SeverityInfo
	if mentioned {
		sev = notify.SeverityWarning
	}
	e.disp.Dispatch(notify.Event{
		Category: notify.CategoryCoordination,
		Severity: sev,
		Class:    notify.ClassUser,
		Title:    "New message",
		Message:  message,
		Actor:    actor,
		BatchKey: "chat_messages",
		RateKey:  "chat:" + actor,
		Data:     map[string]any{"mentioned": mentioned},
	})
}

// HandleProviderEvent reports a backend provider status change.
func (e *Engine) HandleProviderEvent(provider, status string, err error) {
	ev := notify.Event{
		Category: notify.CategoryAnalysis,
		Severity: notify.SeverityInfo,
		Class:    notify.ClassDiagnostic,
		Title:    "Provider " + provider,
		Message:  status,
		RateKey:  "provider:" + provider,
		Data:     map[string]any{"provider": provider, "status": status},
	}
	if err != nil {
		ev.Severity = notify.SeverityError
		ev.Message = fmt.Sprintf("%s: %v", status, err)
		ev.Data["error"] = err.Error()
	}
	e.disp.Dispatch(ev)
}

// HandleSecurityEvent reports a security finding. Errors and above are
// persistent so they survive until acted on.
func (e *Engine) HandleSecurityEvent(rule, detail string, sev notify.Severity) {
	e.disp.Dispatch(notify.Event{
		Category:   notify.CategorySecurity,
		Severity:   sev,
		Class:      notify.ClassUser,
		Title:      "Security: " + rule,
		Message:    detail,
		RateKey:    "security:" + rule,
		Persistent: sev >= notify.SeverityError,
		Data:       map[string]any{"rule": rule},
	})
}

// HandlePerformanceEvent reports a metric crossing its threshold.
func (e *Engine) HandlePerformanceEvent(metric string, value, threshold float64) {
	e.disp.Dispatch(notify.Event{
		Category: notify.CategoryAnalysis,
		Severity: notify.SeverityWarning,
		Class:    notify.ClassDiagnostic,
		Title:    "Performance: " + metric,
		Message:  fmt.Sprintf("%s at %.2f (threshold %.2f)", metric, value, threshold),
		BatchKey: "perf:" + metric,
		RateKey:  "perf:" + metric,
		Data:     map[string]any{"metric": metric, "value": value, "threshold": threshold},
	})
}

// HandleLifecycleEvent reports a component start/stop/restart.
func (e *Engine) HandleLifecycleEvent(component, phase string) {
	e.disp.Dispatch(notify.Event{
		Category: notify.CategoryCoordination,
		Severity: notify.SeverityInfo,
		Class:    notify.ClassDiagnostic,
		Title:    component,
		Message:  phase,
		BatchKey: "lifecycle",
		RateKey:  "lifecycle:" + component,
		Data:     map[string]any{"component": component, "phase": phase},
	})
}

// Notify dispatches a caller-built event unchanged, for producers that
// need full control over keys and classes.
func (e *Engine) Notify(ev notify.Event) {
	e.disp.Dispatch(ev)
}

// RecordOutcome feeds a user interaction with a delivered notification
// back into analytics.
func (e *Engine) RecordOutcome(ctx context.Context, category notify.Category, sev notify.Severity, dismissed, clicked bool) {
	e.stats.Track(ctx, category, sev, false, dismissed, clicked, 0)
}

// Operation tracking pass-throughs.

func (e *Engine) StartOperation(id, name, description string, category notify.Category, opts registry.StartOptions) {
	e.reg.StartOperation(id, name, description, category, opts)
}

func (e *Engine) UpdateProgress(id string, status registry.Status, progress float64, opts registry.UpdateOptions) {
	e.reg.UpdateProgress(id, status, progress, opts)
}

func (e *Engine) CompleteOperation(id, message string, metrics map[string]float64, showNotification bool) {
	e.reg.CompleteOperation(id, message, metrics, showNotification)
}

func (e *Engine) FailOperation(id, errMsg, details string, showNotification bool) {
	e.reg.FailOperation(id, errMsg, details, showNotification)
}

func (e *Engine) CancelOperation(id, reason string) {
	e.reg.CancelOperation(id, reason)
}

func (e *Engine) GetOperation(id string) (registry.Operation, bool) {
	return e.reg.GetOperation(id)
}

func (e *Engine) GetActiveOperations() []registry.Operation {
	return e.reg.GetActiveOperations()
}
