package analytics

import (
	"context"
	"sync"
	"testing"
	"time"

	"noticore/internal/notify"
	"noticore/internal/storage"
	"noticore/pkg/logx"
)

type memStore struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMemStore() *memStore { return &memStore{data: map[string][]byte{}} }

func (m *memStore) PutState(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = append([]byte(nil), value...)
	return nil
}

func (m *memStore) GetState(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *memStore) DeleteState(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *memStore) Close() error { return nil }

func TestAverageDeliveryTime(t *testing.T) {
	t.Parallel()
	a := New(nil, logx.Nop())
	ctx := context.Background()

	a.Track(ctx, notify.CategoryTesting, notify.SeverityInfo, true, false, false, 100*time.Millisecond)
	a.Track(ctx, notify.CategoryTesting, notify.SeverityInfo, true, false, false, 300*time.Millisecond)

	snap := a.Snapshot()
	if snap.AvgDeliveryMS != 200 {
		t.Fatalf("AvgDeliveryMS = %v, want 200", snap.AvgDeliveryMS)
	}
	if snap.DeliveredEvents != 2 || snap.TrackedEvents != 2 {
		t.Fatalf("counters = %+v", snap)
	}
}

func TestUndeliveredDoesNotSkewAverage(t *testing.T) {
	t.Parallel()
	a := New(nil, logx.Nop())
	ctx := context.Background()

	a.Track(ctx, notify.CategoryTesting, notify.SeverityInfo, true, false, false, 100*time.Millisecond)
	a.Track(ctx, notify.CategoryTesting, notify.SeverityInfo, false, false, false, 0)

	snap := a.Snapshot()
	if snap.AvgDeliveryMS != 100 {
		t.Fatalf("AvgDeliveryMS = %v, want 100", snap.AvgDeliveryMS)
	}
	if snap.SuccessRate != 0.5 {
		t.Fatalf("SuccessRate = %v, want 0.5", snap.SuccessRate)
	}
}

func TestRunningRates(t *testing.T) {
	t.Parallel()
	a := New(nil, logx.Nop())
	ctx := context.Background()

	a.Track(ctx, notify.CategoryResearch, notify.SeverityInfo, true, true, false, 0)
	a.Track(ctx, notify.CategoryResearch, notify.SeverityInfo, true, false, true, 0)

	snap := a.Snapshot()
	if snap.DismissalRate != 0.5 {
		t.Fatalf("DismissalRate = %v, want 0.5", snap.DismissalRate)
	}
	if snap.ActionClickRate != 0.5 {
		t.Fatalf("ActionClickRate = %v, want 0.5", snap.ActionClickRate)
	}
	if snap.TotalByCategory[notify.CategoryResearch] != 2 {
		t.Fatalf("category total = %d, want 2", snap.TotalByCategory[notify.CategoryResearch])
	}
	if snap.TotalBySeverity["info"] != 2 {
		t.Fatalf("severity total = %d, want 2", snap.TotalBySeverity["info"])
	}
}

func TestPersistAndLoadRoundtrip(t *testing.T) {
	t.Parallel()
	store := newMemStore()
	ctx := context.Background()

	a := New(store, logx.Nop())
	a.Track(ctx, notify.CategorySecurity, notify.SeverityWarning, true, false, false, 50*time.Millisecond)
	a.RecordQuietHoursActivation()
	a.RecordProfileSwitch()
	a.Persist(ctx)

	if _, ok, _ := store.GetState(ctx, storage.KeyAnalytics); !ok {
		t.Fatal("no analytics record persisted")
	}

	b := New(store, logx.Nop())
	b.Load(ctx)
	snap := b.Snapshot()
	if snap.TrackedEvents != 1 || snap.QuietHoursActivations != 1 || snap.ProfileSwitches != 1 {
		t.Fatalf("restored snapshot = %+v", snap)
	}
	if snap.TotalBySeverity["warning"] != 1 {
		t.Fatalf("restored severity totals = %+v", snap.TotalBySeverity)
	}
}

func TestReset(t *testing.T) {
	t.Parallel()
	a := New(newMemStore(), logx.Nop())
	ctx := context.Background()

	a.Track(ctx, notify.CategoryTesting, notify.SeverityInfo, true, false, false, 0)
	a.Reset(ctx)
	snap := a.Snapshot()
	if snap.TrackedEvents != 0 || snap.SuccessRate != 0 {
		t.Fatalf("reset snapshot = %+v", snap)
	}
}
