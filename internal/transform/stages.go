package transform

import (
	"github.com/stomaflow/bridge/internal/config"
	"github.com/stomaflow/bridge/internal/model"
)

// Stages is the injected CRM pipeline vocabulary. Identifiers are opaque
// strings from configuration; only their roles are fixed here.
type Stages struct {
	New             string
	ContactMade     string
	Treatment       string
	CompletedUnpaid string
	Won             string
	Lose            string

	protected map[string]bool
	leadFinal map[string]bool
}

// NewStages builds the stage vocabulary from configuration.
func NewStages(cfg config.Stages) Stages {
	var s = Stages{
		New:             cfg.New,
		ContactMade:     cfg.ContactMade,
		Treatment:       cfg.Treatment,
		CompletedUnpaid: cfg.CompletedUnpaid,
		Won:             cfg.Won,
		Lose:            cfg.Lose,
		protected:       make(map[string]bool),
		leadFinal:       make(map[string]bool),
	}
	for _, p := range cfg.ProtectedStages() {
		s.protected[p] = true
	}
	for _, p := range cfg.LeadFinalStatuses() {
		s.leadFinal[p] = true
	}
	return s
}

// IsFinal reports whether |stage| is terminal (won or lost).
// Final stages are immutable except for backfilling the external id field.
func (s Stages) IsFinal(stage string) bool {
	return stage == s.Won || stage == s.Lose
}

// IsProtected reports whether |stage| must never be overwritten by the bridge.
// All final stages are protected; so are the configured manual stages.
func (s Stages) IsProtected(stage string) bool {
	return s.IsFinal(stage) || s.protected[stage]
}

// IsLeadFinal reports whether a lead status blocks conversion.
func (s Stages) IsLeadFinal(status string) bool { return s.leadFinal[status] }

// Decide maps an incoming appointment status onto the stage a deal should
// carry, given its current stage ("" when the deal does not exist yet).
//
// Completed maps to "preserve": a visit that ended without an invoice says
// nothing about where the deal sits in the pipeline, so a stage a human has
// advanced manually (prepayment invoiced, executing, ...) must not be pulled
// back to Treatment. Only when the deal has no stage yet does Completed
// place it at Treatment.
func (s Stages) Decide(current string, incoming model.AppointmentStatus) string {
	switch incoming {
	case model.StatusPlanned:
		return s.New
	case model.StatusPatientArrived:
		return s.ContactMade
	case model.StatusInProgress:
		return s.Treatment
	case model.StatusCompleted:
		if current != "" {
			return current
		}
		return s.Treatment
	case model.StatusCompletedWithInvoice:
		return s.Won
	case model.StatusCancelled:
		return s.Lose
	default:
		return s.New
	}
}
