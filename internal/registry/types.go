package registry

import (
	"time"

	"noticore/internal/notify"
)

// Status is an operation's lifecycle state. Terminal statuses are final:
// no further transitions are accepted once one is reached.
type Status string

const (
	StatusStarted   Status = "started"
	StatusProgress  Status = "progress"
	StatusMilestone Status = "milestone"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Milestone is a named checkpoint within an operation's expected progress
// curve. It completes at most once; later completion attempts are no-ops.
type Milestone struct {
	ID             string        `json:"id"`
	Name           string        `json:"name"`
	TargetProgress float64       `json:"target_progress"`
	Completed      bool          `json:"completed"`
	CompletedAt    time.Time     `json:"completed_at,omitzero"`
	Duration       time.Duration `json:"duration,omitempty"`
}

// MilestoneSpec declares a milestone at registration time.
type MilestoneSpec struct {
	Name           string  `json:"name"`
	TargetProgress float64 `json:"target_progress"`
}

// Operation is a tracked long-running unit of work. The registry owns
// these records exclusively; reads return copies.
type Operation struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Category    notify.Category `json:"category"`
	Phase       string          `json:"phase,omitempty"`

	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time,omitzero"`

	Status   Status  `json:"status"`
	Progress float64 `json:"progress"` // clamped into [0,100] on every write

	Milestones    []Milestone        `json:"milestones,omitempty"`
	CurrentAction string             `json:"current_action,omitempty"`
	Metrics       map[string]float64 `json:"metrics,omitempty"`

	ExpectedDuration time.Duration `json:"expected_duration,omitempty"`

	// lastNotifiedProgress is the progress value at the last
	// progress-milestone emission.
	lastNotifiedProgress float64
	// firedIntervals tracks which elapsed-time intervals already fired.
	firedIntervals map[time.Duration]bool
}

func (o *Operation) clone() Operation {
	cp := *o
	cp.Milestones = append([]Milestone(nil), o.Milestones...)
	cp.Metrics = make(map[string]float64, len(o.Metrics))
	for k, v := range o.Metrics {
		cp.Metrics[k] = v
	}
	cp.firedIntervals = nil
	return cp
}

// StartOptions carries the optional fields of StartOperation.
type StartOptions struct {
	Phase            string
	ExpectedDuration time.Duration
	Milestones       []MilestoneSpec
}

// UpdateOptions carries the optional fields of UpdateProgress.
type UpdateOptions struct {
	CurrentAction string
	MilestoneName string
	MetricsDelta  map[string]float64
}

func clampProgress(p float64) float64 {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}
