// Package analytics keeps incremental counters and running rates for
// delivered, dismissed, and clicked notifications. Counters live in
// memory and are snapshotted to the state store every few recorded
// events, not on every mutation.
package analytics

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"noticore/internal/notify"
	"noticore/internal/storage"
	logx "noticore/pkg/logx"
)

const (
	snapshotVersion    = 1
	defaultPersistEach = 25
)

// Snapshot is the aggregated analytics state. Rates are maintained
// incrementally: rate' = (rate*(n-1) + flag) / n.
type Snapshot struct {
	Version int `json:"version"`

	TotalByCategory map[notify.Category]int64 `json:"total_by_category"`
	TotalBySeverity map[string]int64          `json:"total_by_severity"`

	TrackedEvents   int64 `json:"tracked_events"`
	DeliveredEvents int64 `json:"delivered_events"`

	DismissalRate   float64 `json:"dismissal_rate"`
	ActionClickRate float64 `json:"action_click_rate"`
	SuccessRate     float64 `json:"success_rate"`
	AvgDeliveryMS   float64 `json:"avg_delivery_ms"`

	QuietHoursActivations int64 `json:"quiet_hours_activations"`
	ProfileSwitches       int64 `json:"profile_switches"`

	UpdatedAt time.Time `json:"updated_at"`
}

type Aggregator struct {
	mu    sync.Mutex
	log   logx.Logger
	store storage.Store

	snap         Snapshot
	sincePersist int
	persistEach  int

	now func() time.Time
}

func New(store storage.Store, log logx.Logger) *Aggregator {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Aggregator{
		log:         log,
		store:       store,
		snap:        emptySnapshot(),
		persistEach: defaultPersistEach,
		now:         time.Now,
	}
}

func emptySnapshot() Snapshot {
	return Snapshot{
		Version:         snapshotVersion,
		TotalByCategory: map[notify.Category]int64{},
		TotalBySeverity: map[string]int64{},
	}
}

// Load restores the persisted snapshot, if any. A missing or malformed
// record leaves the zero snapshot in place.
func (a *Aggregator) Load(ctx context.Context) {
	if a.store == nil {
		return
	}
	b, ok, err := a.store.GetState(ctx, storage.KeyAnalytics)
	if err != nil || !ok {
		if err != nil {
			a.log.Warn("analytics load failed", logx.Any("err", err))
		}
		return
	}
	var snap Snapshot
	if err := json.Unmarshal(b, &snap); err != nil {
		a.log.Warn("analytics snapshot malformed, starting fresh", logx.Any("err", err))
		return
	}
	if snap.TotalByCategory == nil {
		snap.TotalByCategory = map[notify.Category]int64{}
	}
	if snap.TotalBySeverity == nil {
		snap.TotalBySeverity = map[string]int64{}
	}
	snap.Version = snapshotVersion

	a.mu.Lock()
	a.snap = snap
	a.mu.Unlock()
}

// Track records one notification outcome. Delivery time contributes to
// the running average only when delivered is true.
func (a *Aggregator) Track(ctx context.Context, category notify.Category, severity notify.Severity, delivered, dismissed, clicked bool, deliveryTime time.Duration) {
	a.mu.Lock()

	a.snap.TrackedEvents++
	n := a.snap.TrackedEvents
	a.snap.TotalByCategory[category]++
	a.snap.TotalBySeverity[severity.String()]++

	a.snap.DismissalRate = stepRate(a.snap.DismissalRate, n, dismissed)
	a.snap.ActionClickRate = stepRate(a.snap.ActionClickRate, n, clicked)
	a.snap.SuccessRate = stepRate(a.snap.SuccessRate, n, delivered)

	if delivered {
		a.snap.DeliveredEvents++
		dn := a.snap.DeliveredEvents
		x := float64(deliveryTime.Milliseconds())
		a.snap.AvgDeliveryMS = (a.snap.AvgDeliveryMS*float64(dn-1) + x) / float64(dn)
	}
	a.snap.UpdatedAt = a.now()

	a.sincePersist++
	persist := a.sincePersist >= a.persistEach
	if persist {
		a.sincePersist = 0
	}
	a.mu.Unlock()

	if persist {
		a.Persist(ctx)
	}
}

func stepRate(rate float64, n int64, flag bool) float64 {
	x := 0.0
	if flag {
		x = 1.0
	}
	return (rate*float64(n-1) + x) / float64(n)
}

// RecordQuietHoursActivation counts a notification suppressed by quiet hours.
func (a *Aggregator) RecordQuietHoursActivation() {
	a.mu.Lock()
	a.snap.QuietHoursActivations++
	a.snap.UpdatedAt = a.now()
	a.mu.Unlock()
}

// RecordProfileSwitch counts a successful profile activation.
func (a *Aggregator) RecordProfileSwitch() {
	a.mu.Lock()
	a.snap.ProfileSwitches++
	a.snap.UpdatedAt = a.now()
	a.mu.Unlock()
}

// Snapshot returns a copy of the current state.
func (a *Aggregator) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.copyLocked()
}

func (a *Aggregator) copyLocked() Snapshot {
	cp := a.snap
	cp.TotalByCategory = make(map[notify.Category]int64, len(a.snap.TotalByCategory))
	for k, v := range a.snap.TotalByCategory {
		cp.TotalByCategory[k] = v
	}
	cp.TotalBySeverity = make(map[string]int64, len(a.snap.TotalBySeverity))
	for k, v := range a.snap.TotalBySeverity {
		cp.TotalBySeverity[k] = v
	}
	return cp
}

// Reset zeroes all counters and persists the empty snapshot.
func (a *Aggregator) Reset(ctx context.Context) {
	a.mu.Lock()
	a.snap = emptySnapshot()
	a.snap.UpdatedAt = a.now()
	a.sincePersist = 0
	a.mu.Unlock()

	a.Persist(ctx)
}

// Persist writes the current snapshot to the state store, best-effort.
func (a *Aggregator) Persist(ctx context.Context) {
	if a.store == nil {
		return
	}
	a.mu.Lock()
	snap := a.copyLocked()
	a.mu.Unlock()

	b, err := json.Marshal(snap)
	if err != nil {
		a.log.Warn("analytics snapshot encode failed", logx.Any("err", err))
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	cctx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()
	if err := a.store.PutState(cctx, storage.KeyAnalytics, b); err != nil {
		a.log.Warn("analytics persist failed", logx.Any("err", err))
	}
}
