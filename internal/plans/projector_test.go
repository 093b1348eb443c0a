package plans

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/stomaflow/bridge/internal/crm"
	"github.com/stomaflow/bridge/internal/model"
)

type fakePlanSource struct {
	lines []model.TreatmentPlanLine
	err   error
	reads int
}

func (f *fakePlanSource) ReadPlanLines(context.Context, string) ([]model.TreatmentPlanLine, error) {
	f.reads++
	return f.lines, f.err
}

type fakeUpdater struct {
	updates []map[string]any
	err     error
}

func (f *fakeUpdater) UpdateDeal(_ context.Context, _ string, fields map[string]any) error {
	if f.err != nil {
		return f.err
	}
	f.updates = append(f.updates, fields)
	return nil
}

func testProjector(t *testing.T, src *fakePlanSource, upd *fakeUpdater) (*Projector, *time.Time) {
	t.Helper()
	cache, err := OpenCache(filepath.Join(t.TempDir(), "plan_cache.store"), 100)
	require.NoError(t, err)

	var now = time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC)
	var p = NewProjector(src, upd, cache, 30*time.Minute, nil)
	p.now = func() time.Time { return now }
	return p, &now
}

func TestProjectorWritesPlanField(t *testing.T) {
	var src = &fakePlanSource{lines: stagedPlan()}
	var upd = &fakeUpdater{}
	p, _ := testProjector(t, src, upd)

	p.Sync(context.Background(), "F1_101", "900")

	require.Len(t, upd.updates, 1)
	var rendered, ok = upd.updates[0][crm.FieldTreatmentPlan].(string)
	require.True(t, ok)
	require.Contains(t, rendered, "Итого")

	entry, cached := p.cache.Get("F1_101")
	require.True(t, cached)
	require.Equal(t, Hash(rendered), entry.Hash)
}

func TestProjectorThrottlesRepeatedSyncs(t *testing.T) {
	var src = &fakePlanSource{lines: stagedPlan()}
	var upd = &fakeUpdater{}
	p, now := testProjector(t, src, upd)

	p.Sync(context.Background(), "F1_101", "900")
	*now = now.Add(10 * time.Minute)
	p.Sync(context.Background(), "F1_101", "900")

	require.Len(t, upd.updates, 1, "second sync inside the window is a no-op")
	require.Equal(t, 1, src.reads, "throttle skips the source read too")
}

func TestProjectorSkipsUnchangedProjection(t *testing.T) {
	var src = &fakePlanSource{lines: stagedPlan()}
	var upd = &fakeUpdater{}
	p, now := testProjector(t, src, upd)

	p.Sync(context.Background(), "F1_101", "900")
	*now = now.Add(time.Hour)
	p.Sync(context.Background(), "F1_101", "900")

	require.Len(t, upd.updates, 1, "identical render needs no CRM write")
	require.Equal(t, 2, src.reads)
}

func TestProjectorReappliesChangedPlan(t *testing.T) {
	var src = &fakePlanSource{lines: stagedPlan()}
	var upd = &fakeUpdater{}
	p, now := testProjector(t, src, upd)

	p.Sync(context.Background(), "F1_101", "900")
	*now = now.Add(time.Hour)
	src.lines = append(src.lines, model.TreatmentPlanLine{
		LineID: 9, Name: "Снимок", Count: 1, UnitPrice: 800,
	})
	p.Sync(context.Background(), "F1_101", "900")

	require.Len(t, upd.updates, 2)
}

func TestProjectorFailuresAreSilent(t *testing.T) {
	var upd = &fakeUpdater{}
	p, _ := testProjector(t, &fakePlanSource{err: errors.New("db down")}, upd)
	p.Sync(context.Background(), "F1_101", "900")
	require.Empty(t, upd.updates)

	var src = &fakePlanSource{lines: stagedPlan()}
	var failing = &fakeUpdater{err: errors.New("crm down")}
	p, _ = testProjector(t, src, failing)
	p.Sync(context.Background(), "F1_101", "900")

	var _, cached = p.cache.Get("F1_101")
	require.False(t, cached, "a failed write must not mark the plan applied")
}

func TestProjectorIgnoresEmptyPlans(t *testing.T) {
	var upd = &fakeUpdater{}
	p, _ := testProjector(t, &fakePlanSource{}, upd)
	p.Sync(context.Background(), "F1_101", "900")
	require.Empty(t, upd.updates)
}
