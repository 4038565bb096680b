// Package notify holds the shared notification domain types: severities,
// categories, the raw domain Event producers raise, and the Request handed
// to the external Presentation Sink.
package notify

import (
	"context"
	"strings"
	"time"
)

// Severity orders notification levels from least to most urgent.
type Severity int

const (
	SeverityDebug Severity = iota
	SeverityInfo
	SeverityWarning
	SeverityError
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityDebug:
		return "debug"
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// ParseSeverity maps a level name to a Severity, defaulting to Info.
func ParseSeverity(s string) Severity {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return SeverityDebug
	case "info":
		return SeverityInfo
	case "warning", "warn":
		return SeverityWarning
	case "error":
		return SeverityError
	case "critical":
		return SeverityCritical
	default:
		return SeverityInfo
	}
}

// Category is the domain area an event belongs to.
type Category string

const (
	CategoryResearch       Category = "research"
	CategorySecurity       Category = "security"
	CategoryImplementation Category = "implementation"
	CategoryTesting        Category = "testing"
	CategoryDocumentation  Category = "documentation"
	CategoryAnalysis       Category = "analysis"
	CategoryCoordination   Category = "coordination"
)

// Categories lists every known category in a stable order.
func Categories() []Category {
	return []Category{
		CategoryResearch,
		CategorySecurity,
		CategoryImplementation,
		CategoryTesting,
		CategoryDocumentation,
		CategoryAnalysis,
		CategoryCoordination,
	}
}

// Class selects the rate-limiter policy applied to an event's rate key.
//
// User-facing classes use fixed-window burst suppression: the stored
// timestamp is refreshed only on acceptance, so at most one event per
// window gets through regardless of burst size. The diagnostic class uses
// a sliding throttle: the timestamp is refreshed on every attempt, so a
// continuous stream stays silent until a full quiet period occurs.
type Class int

const (
	ClassUser Class = iota
	ClassDiagnostic
)

// Action is a button the sink may render on a notification.
type Action struct {
	ID    string `json:"id"`
	Label string `json:"label"`
}

// Event is a raw domain event raised by a producer. The dispatch layer
// decides whether it becomes a Request, folds into a batch, or is dropped.
type Event struct {
	Category Category
	Severity Severity
	Class    Class

	Title   string
	Message string
	Data    map[string]any

	// TaskID plus DedupKey suppress repeat notifications for the same
	// logical task (e.g. "milestone_50"). Cleared when the task ends.
	TaskID   string
	DedupKey string

	// BatchKey groups similar events into one summarized notification.
	// Empty means never batched.
	BatchKey string

	// RateKey is the (category, scope) composite used for rate limiting.
	// Empty means never rate-limited.
	RateKey string

	// Actor attributes the event for distinct-actor batch summaries.
	Actor string

	Persistent bool
	Actions    []Action
}

// Request is what the engine hands to the Presentation Sink. Field
// population is consistent with the event's resolved configuration;
// rendering is entirely the sink's responsibility.
type Request struct {
	ID          string         `json:"id"`
	Title       string         `json:"title"`
	Message     string         `json:"message"`
	Category    Category       `json:"category"`
	Severity    Severity       `json:"severity"`
	Data        map[string]any `json:"data,omitempty"`
	ShowInToast bool           `json:"show_in_toast"`
	PlaySound   bool           `json:"play_sound"`
	Persistent  bool           `json:"persistent,omitempty"`
	Actions     []Action       `json:"actions,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

// Sink is the external UI surface that renders a notification.
// Delivery is best-effort; errors are logged, never propagated to producers.
type Sink interface {
	Notify(ctx context.Context, req Request) error
}
