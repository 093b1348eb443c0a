package plans

import (
	"testing"

	"github.com/bradleyjkemp/cupaloy"
	"github.com/stretchr/testify/require"

	"github.com/stomaflow/bridge/internal/model"
)

func stagedPlan() []model.TreatmentPlanLine {
	// Deliberately out of order; Render must sort by line id.
	return []model.TreatmentPlanLine{
		{LineID: 3, PlanName: "Имплантация", StageName: "Этап 2", Name: "Коронка", Count: 2, UnitPrice: 15000, Discount: 1000},
		{LineID: 1, PlanName: "Имплантация", StageName: "Этап 1", Name: "Имплант", Count: 1, UnitPrice: 40000},
		{LineID: 2, PlanName: "Имплантация", StageName: "Этап 1", Name: "Анестезия", Count: 1, UnitPrice: 500},
	}
}

func TestRenderSnapshot(t *testing.T) {
	cupaloy.SnapshotT(t, Render(stagedPlan()))
}

func TestRenderIsDeterministic(t *testing.T) {
	var a = Render(stagedPlan())

	var shuffled = []model.TreatmentPlanLine{
		stagedPlan()[1], stagedPlan()[2], stagedPlan()[0],
	}
	require.Equal(t, a, Render(shuffled))
	require.Equal(t, Hash(a), Hash(Render(shuffled)))
}

func TestRenderWithoutStagesIsFlat(t *testing.T) {
	var rendered = Render([]model.TreatmentPlanLine{
		{LineID: 1, Name: "Осмотр", Count: 1, UnitPrice: 1500},
	})
	require.Contains(t, rendered, "1× Осмотр — 1500.00")
	require.Contains(t, rendered, "Итого: 1500.00 ₽")
	require.NotContains(t, rendered, ":\n1×", "no stage heading expected")
}

func TestRenderEmptyPlan(t *testing.T) {
	require.Equal(t, "", Render(nil))
}

func TestHashTracksContent(t *testing.T) {
	var a = Render(stagedPlan())

	var changed = stagedPlan()
	changed[0].Discount = 0
	var b = Render(changed)

	require.NotEqual(t, a, b)
	require.NotEqual(t, Hash(a), Hash(b))
	require.Equal(t, Hash(a), Hash(Render(stagedPlan())), "stable across calls")
}
