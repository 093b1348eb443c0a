package plans

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/stomaflow/bridge/internal/crm"
	"github.com/stomaflow/bridge/internal/metrics"
	"github.com/stomaflow/bridge/internal/model"
)

// PlanSource reads the treatment plan lines behind one appointment.
type PlanSource interface {
	ReadPlanLines(ctx context.Context, externalID string) ([]model.TreatmentPlanLine, error)
}

// DealUpdater writes fields onto a CRM deal.
type DealUpdater interface {
	UpdateDeal(ctx context.Context, id string, fields map[string]any) error
}

// Projector keeps the treatment-plan field of synced deals current.
// It is best-effort by contract: every failure is a logged warning, and the
// appointment sync that triggered it is unaffected.
type Projector struct {
	source   PlanSource
	crm      DealUpdater
	cache    *Cache
	throttle time.Duration
	metrics  *metrics.Set

	// now is swapped out by tests.
	now func() time.Time
}

// NewProjector wires a Projector. |m| may be nil.
func NewProjector(source PlanSource, dealUpdater DealUpdater, cache *Cache, throttle time.Duration, m *metrics.Set) *Projector {
	return &Projector{
		source:   source,
		crm:      dealUpdater,
		cache:    cache,
		throttle: throttle,
		metrics:  m,
		now:      time.Now,
	}
}

// Sync projects the appointment's plan onto its deal, unless the throttle
// window is still open or the projection hash is unchanged.
func (p *Projector) Sync(ctx context.Context, externalID, dealID string) {
	var entry = log.WithFields(log.Fields{
		"externalID": externalID,
		"deal":       dealID,
	})

	var now = p.now()
	cached, known := p.cache.Get(externalID)
	if known && now.Sub(cached.AppliedAt) < p.throttle {
		p.metrics.PlanThrottled()
		entry.Debug("plan projection throttled")
		return
	}

	lines, err := p.source.ReadPlanLines(ctx, externalID)
	if err != nil {
		entry.WithField("err", err).Warn("plan lines unavailable, skipping projection")
		return
	}
	if len(lines) == 0 {
		entry.Debug("appointment has no treatment plan")
		return
	}

	var rendered = Render(lines)
	var hash = Hash(rendered)
	if known && cached.Hash == hash {
		entry.Debug("plan projection unchanged")
		return
	}

	if err := p.crm.UpdateDeal(ctx, dealID, map[string]any{
		crm.FieldTreatmentPlan: rendered,
	}); err != nil {
		entry.WithField("err", err).Warn("plan field update failed")
		return
	}

	p.cache.Put(externalID, Entry{Hash: hash, AppliedAt: now})
	if err := p.cache.Save(); err != nil {
		entry.WithField("err", err).Warn("plan cache not persisted")
	}
	p.metrics.PlanUpdated()
	entry.Info("plan projection applied")
}

// Flush persists the cache, for shutdown.
func (p *Projector) Flush() error { return p.cache.Save() }
