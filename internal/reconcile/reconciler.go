// Package reconcile drives a canonical record to its CRM representation.
// For each record it walks a fixed lookup ladder (deal by external id, deal
// via contact, lead via contact, create) and applies the stage-aware update
// rules. Failures come back typed so the scheduler can route them.
package reconcile

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/stomaflow/bridge/internal/crm"
	"github.com/stomaflow/bridge/internal/metrics"
	"github.com/stomaflow/bridge/internal/model"
	"github.com/stomaflow/bridge/internal/transform"
)

// API is the slice of the CRM client the reconciler uses.
type API interface {
	FindContactsByPhones(ctx context.Context, phones []string) (map[string]string, error)
	FindDealsByExternalIDs(ctx context.Context, ids []string) (map[string]*crm.Deal, error)
	FindLeadsByContactIDs(ctx context.Context, contactIDs []string) (map[string]*crm.Lead, error)
	FindDealsByContactWithoutExternalID(ctx context.Context, contactID string) ([]crm.Deal, error)
	GetDeal(ctx context.Context, id string) (*crm.Deal, error)
	CreateContact(ctx context.Context, fields map[string]any) (string, error)
	CreateDeal(ctx context.Context, fields map[string]any) (string, error)
	UpdateDeal(ctx context.Context, id string, fields map[string]any) error
	ConvertLead(ctx context.Context, leadID string) (dealID, contactID string, err error)
}

// Outcome says how a record landed in the CRM.
type Outcome int

const (
	// OutcomeFailed carries a typed error in Result.Err.
	OutcomeFailed Outcome = iota
	// OutcomeUpdated reflects the record onto an existing deal.
	OutcomeUpdated
	// OutcomeBound adopted an unlinked deal on the matched contact.
	OutcomeBound
	// OutcomeConverted turned a lead into the deal.
	OutcomeConverted
	// OutcomeCreated made a fresh contact and/or deal.
	OutcomeCreated
	// OutcomeSkipped left the CRM untouched on purpose (ambiguous binding).
	OutcomeSkipped
)

func (o Outcome) String() string {
	switch o {
	case OutcomeUpdated:
		return "updated"
	case OutcomeBound:
		return "bound"
	case OutcomeConverted:
		return "converted"
	case OutcomeCreated:
		return "created"
	case OutcomeSkipped:
		return "skipped"
	default:
		return "failed"
	}
}

// Result is the per-record verdict of a batch.
type Result struct {
	Record  model.CanonicalRecord
	Outcome Outcome
	DealID  string
	Err     error
}

// Succeeded reports whether the record is now reflected in the CRM.
func (r Result) Succeeded() bool { return r.Err == nil && r.Outcome != OutcomeSkipped }

// Reconciler holds the CRM handle and the stage vocabulary.
type Reconciler struct {
	api     API
	stages  transform.Stages
	metrics *metrics.Set
}

// New builds a Reconciler. |m| may be nil.
func New(api API, stages transform.Stages, m *metrics.Set) *Reconciler {
	return &Reconciler{api: api, stages: stages, metrics: m}
}

// prefetch carries the coalesced lookups for one batch.
type prefetch struct {
	deals    map[string]*crm.Deal
	contacts map[string]string
	leads    map[string]*crm.Lead
}

// ReconcileBatch primes the batch lookups once and then reconciles the
// records sequentially. A lookup failure fails the whole batch: nothing was
// written yet, and the scheduler enqueues every record.
func (r *Reconciler) ReconcileBatch(ctx context.Context, records []model.CanonicalRecord) ([]Result, error) {
	pre, err := r.prime(ctx, records)
	if err != nil {
		return nil, err
	}

	var results = make([]Result, 0, len(records))
	for _, rec := range records {
		var started = time.Now()
		var res = r.reconcileOne(ctx, rec, pre)
		r.metrics.ObserveReconcile(time.Since(started).Seconds())

		var entry = log.WithFields(log.Fields{
			"externalID": rec.ExternalID,
			"outcome":    res.Outcome,
			"deal":       res.DealID,
		})
		if res.Err != nil {
			entry.WithField("err", res.Err).Warn("record not reconciled")
		} else {
			entry.Debug("record reconciled")
		}
		results = append(results, res)
	}
	return results, nil
}

func (r *Reconciler) prime(ctx context.Context, records []model.CanonicalRecord) (prefetch, error) {
	var ids, phones []string
	for _, rec := range records {
		ids = append(ids, rec.ExternalID)
		if rec.PatientPhone != "" {
			phones = append(phones, rec.PatientPhone)
		}
	}

	deals, err := r.api.FindDealsByExternalIDs(ctx, ids)
	if err != nil {
		return prefetch{}, fmt.Errorf("prefetch deals: %w", err)
	}

	// Contacts and leads matter only for records without a linked deal.
	var needPhones []string
	for _, rec := range records {
		if deals[rec.ExternalID] == nil && rec.PatientPhone != "" {
			needPhones = append(needPhones, rec.PatientPhone)
		}
	}
	contacts, err := r.api.FindContactsByPhones(ctx, needPhones)
	if err != nil {
		return prefetch{}, fmt.Errorf("prefetch contacts: %w", err)
	}

	var contactIDs []string
	for _, id := range contacts {
		if id != "" {
			contactIDs = append(contactIDs, id)
		}
	}
	leads, err := r.api.FindLeadsByContactIDs(ctx, contactIDs)
	if err != nil {
		return prefetch{}, fmt.Errorf("prefetch leads: %w", err)
	}
	return prefetch{deals: deals, contacts: contacts, leads: leads}, nil
}

func (r *Reconciler) reconcileOne(ctx context.Context, rec model.CanonicalRecord, pre prefetch) Result {
	// Path 1: the deal already carries this external id.
	if deal := pre.deals[rec.ExternalID]; deal != nil {
		if err := r.applyUpdate(ctx, deal, rec); err != nil {
			return Result{Record: rec, DealID: deal.ID, Err: err}
		}
		return Result{Record: rec, Outcome: OutcomeUpdated, DealID: deal.ID}
	}

	// Without a phone the contact and lead paths cannot match anything.
	if rec.PatientPhone == "" {
		return r.create(ctx, rec, "")
	}

	var contactID = pre.contacts[rec.PatientPhone]
	if contactID != "" {
		// Path 2: adopt the contact's single unclaimed deal.
		candidates, err := r.api.FindDealsByContactWithoutExternalID(ctx, contactID)
		if err != nil {
			return Result{Record: rec, Err: err}
		}
		switch {
		case len(candidates) == 1:
			return r.autoBind(ctx, rec, candidates[0].ID)
		case len(candidates) > 1:
			log.WithFields(log.Fields{
				"externalID": rec.ExternalID,
				"contact":    contactID,
				"candidates": len(candidates),
			}).Warn("contact has several unclaimed deals, refusing to auto-bind")
			return Result{
				Record:  rec,
				Outcome: OutcomeSkipped,
				Err: model.Errorf(model.KindAutoBindAmbiguous, "auto-bind",
					"contact %s has %d deals without an external id", contactID, len(candidates)),
			}
		}
	}

	// Path 3: convert the contact's open lead.
	if lead := pre.leads[contactID]; lead != nil && !r.stages.IsLeadFinal(lead.StatusID) {
		return r.convert(ctx, rec, lead, contactID)
	}

	// Path 4: nothing matched.
	return r.create(ctx, rec, contactID)
}

// autoBind claims an unlinked deal found via the contact. The stage must be
// re-read immediately before writing: adopting a deal whose stage cannot be
// confirmed risks stomping a protected stage.
func (r *Reconciler) autoBind(ctx context.Context, rec model.CanonicalRecord, dealID string) Result {
	deal, err := r.api.GetDeal(ctx, dealID)
	if err != nil {
		return Result{Record: rec, DealID: dealID, Err: model.E(
			model.KindStageReadFailed, "auto-bind",
			fmt.Errorf("stage read for deal %s: %w", dealID, err))}
	}
	log.WithFields(log.Fields{
		"externalID": rec.ExternalID,
		"deal":       dealID,
		"stage":      deal.StageID,
	}).Info("auto-binding unclaimed deal")
	if err := r.applyUpdate(ctx, deal, rec); err != nil {
		return Result{Record: rec, DealID: dealID, Err: err}
	}
	return Result{Record: rec, Outcome: OutcomeBound, DealID: dealID}
}

// convert turns an open lead into the record's deal. A deal we just created
// needs no stage protection; a failed post-conversion read is tolerated for
// the same reason.
func (r *Reconciler) convert(ctx context.Context, rec model.CanonicalRecord, lead *crm.Lead, contactID string) Result {
	dealID, newContactID, err := r.api.ConvertLead(ctx, lead.ID)
	if err != nil {
		return Result{Record: rec, Err: fmt.Errorf("convert lead %s: %w", lead.ID, err)}
	}
	if newContactID != "" {
		contactID = newContactID
	}
	log.WithFields(log.Fields{
		"externalID": rec.ExternalID,
		"lead":       lead.ID,
		"deal":       dealID,
		"contact":    contactID,
	}).Info("converted lead to deal")

	if _, err := r.api.GetDeal(ctx, dealID); err != nil {
		log.WithFields(log.Fields{
			"externalID": rec.ExternalID,
			"deal":       dealID,
			"err":        err,
		}).Warn("post-conversion deal read failed, proceeding without it")
	}

	var fields = r.dealFields(rec, contactID)
	fields["STAGE_ID"] = r.stages.Decide("", rec.TargetStatus)
	if err := r.api.UpdateDeal(ctx, dealID, fields); err != nil {
		return Result{Record: rec, DealID: dealID, Err: err}
	}
	return Result{Record: rec, Outcome: OutcomeConverted, DealID: dealID}
}

// create makes a contact when none matched and a deal carrying the record.
func (r *Reconciler) create(ctx context.Context, rec model.CanonicalRecord, contactID string) Result {
	if contactID == "" {
		var err error
		if contactID, err = r.api.CreateContact(ctx, contactFields(rec)); err != nil {
			return Result{Record: rec, Err: fmt.Errorf("create contact: %w", err)}
		}
	}
	var fields = r.dealFields(rec, contactID)
	fields["STAGE_ID"] = r.stages.Decide("", rec.TargetStatus)
	dealID, err := r.api.CreateDeal(ctx, fields)
	if err != nil {
		return Result{Record: rec, Err: fmt.Errorf("create deal: %w", err)}
	}
	log.WithFields(log.Fields{
		"externalID": rec.ExternalID,
		"deal":       dealID,
		"contact":    contactID,
	}).Info("created deal")
	return Result{Record: rec, Outcome: OutcomeCreated, DealID: dealID}
}

// applyUpdate writes the record onto a known deal, honoring stage policy:
// final stages accept only an external id backfill, protected stages accept
// everything but the stage, and open stages take the full update.
func (r *Reconciler) applyUpdate(ctx context.Context, deal *crm.Deal, rec model.CanonicalRecord) error {
	if r.stages.IsFinal(deal.StageID) {
		if deal.ExternalID != "" {
			return nil
		}
		return r.api.UpdateDeal(ctx, deal.ID, map[string]any{
			crm.FieldExternalID: rec.ExternalID,
		})
	}

	var fields = r.dealFields(rec, deal.ContactID)
	if !r.stages.IsProtected(deal.StageID) {
		fields["STAGE_ID"] = r.stages.Decide(deal.StageID, rec.TargetStatus)
	}
	return r.api.UpdateDeal(ctx, deal.ID, fields)
}

func (r *Reconciler) dealFields(rec model.CanonicalRecord, contactID string) map[string]any {
	var fields = map[string]any{
		"TITLE": fmt.Sprintf("%s, прием %s",
			rec.PatientFullName(), rec.PlannedStart.Format("02.01.2006")),
		"COMMENTS":          rec.Comment,
		crm.FieldExternalID: rec.ExternalID,
	}
	if contactID != "" {
		fields["CONTACT_ID"] = contactID
	}
	if rec.TotalAmount != nil {
		fields["OPPORTUNITY"] = *rec.TotalAmount
		fields["CURRENCY_ID"] = "RUB"
	}
	return fields
}

func contactFields(rec model.CanonicalRecord) map[string]any {
	var fields = map[string]any{
		"LAST_NAME":   rec.PatientSurname,
		"NAME":        rec.PatientName,
		"SECOND_NAME": rec.PatientPatronymic,
	}
	if rec.PatientPhone != "" {
		fields["PHONE"] = []map[string]string{{
			"VALUE": rec.PatientPhone, "VALUE_TYPE": "MOBILE",
		}}
	}
	return fields
}
