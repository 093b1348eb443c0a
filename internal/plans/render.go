// Package plans projects a patient's treatment plan into a single CRM deal
// field. The projection is a deterministic text render; a stable hash of the
// render decides whether the CRM needs another write at all.
package plans

import (
	"fmt"
	"sort"
	"strings"

	"github.com/minio/highwayhash"

	"github.com/stomaflow/bridge/internal/model"
)

// hashKey pins the projection hash across processes and releases. Changing it
// invalidates every cached hash and forces one full re-projection.
var hashKey = []byte("stomaflow/plan-projection/key/01")

// Render produces the canonical text form of a treatment plan. Lines are
// ordered by their source line id, grouped under their stage heading when the
// plan has stages, and followed by a grand total. Equal inputs render equal
// strings.
func Render(lines []model.TreatmentPlanLine) string {
	if len(lines) == 0 {
		return ""
	}
	var sorted = make([]model.TreatmentPlanLine, len(lines))
	copy(sorted, lines)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].LineID < sorted[j].LineID })

	var b strings.Builder
	if name := sorted[0].PlanName; name != "" {
		fmt.Fprintf(&b, "План лечения: %s\n", name)
	} else {
		b.WriteString("План лечения\n")
	}

	var total float64
	var lastStage string
	var sawStage bool
	for _, l := range sorted {
		if l.StageName != "" && (l.StageName != lastStage || !sawStage) {
			fmt.Fprintf(&b, "\n%s:\n", l.StageName)
			lastStage, sawStage = l.StageName, true
		}
		fmt.Fprintf(&b, "%d× %s — %.2f\n", l.Count, l.Name, l.Amount())
		total += l.Amount()
	}
	fmt.Fprintf(&b, "\nИтого: %.2f ₽", total)
	return b.String()
}

// Hash is the stable fingerprint of a rendered plan.
func Hash(rendered string) uint64 {
	return highwayhash.Sum64([]byte(rendered), hashKey)
}
