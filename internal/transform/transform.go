// Package transform converts raw source appointments into canonical
// CRM-bound records, and owns the status → stage decision table.
// Everything in this package is pure: failures are data-quality rejections
// that retrying cannot fix, so they are counted and dropped upstream.
package transform

import (
	"fmt"
	"strings"

	"github.com/stomaflow/bridge/internal/model"
)

// maxServicesLen is the CRM text-field limit for the services summary.
const maxServicesLen = 3000

// Transformer renders appointments of one clinic branch.
type Transformer struct {
	filialID int
	stages   Stages
}

// New returns a Transformer for the given branch.
func New(filialID int, stages Stages) (*Transformer, error) {
	if filialID < 1 || filialID > 5 {
		return nil, fmt.Errorf("filial id must be 1..5, got %d", filialID)
	}
	return &Transformer{filialID: filialID, stages: stages}, nil
}

// Stages exposes the injected stage vocabulary.
func (t *Transformer) Stages() Stages { return t.stages }

// Transform builds the canonical record for |a|. A returned error is always
// of kind DataQuality.
func (t *Transformer) Transform(a model.Appointment) (model.CanonicalRecord, error) {
	var op = "transform"

	if a.ID <= 0 {
		return model.CanonicalRecord{}, model.Errorf(model.KindDataQuality, op,
			"appointment has no row id")
	}
	if strings.TrimSpace(a.PatientSurname) == "" && strings.TrimSpace(a.PatientName) == "" {
		return model.CanonicalRecord{}, model.Errorf(model.KindDataQuality, op,
			"appointment %s has no patient name", model.FormatExternalID(t.filialID, a.ID))
	}
	if !model.KnownStatus(a.Status) {
		return model.CanonicalRecord{}, model.Errorf(model.KindDataQuality, op,
			"appointment %s has unknown status %q", model.FormatExternalID(t.filialID, a.ID), a.Status)
	}
	var changeMax = a.ChangeMax()
	if changeMax.IsZero() {
		return model.CanonicalRecord{}, model.Errorf(model.KindDataQuality, op,
			"appointment %s has no change markers", model.FormatExternalID(t.filialID, a.ID))
	}

	var rec = model.CanonicalRecord{
		ExternalID: model.FormatExternalID(t.filialID, a.ID),

		PatientSurname:    strings.TrimSpace(a.PatientSurname),
		PatientName:       strings.TrimSpace(a.PatientName),
		PatientPatronymic: strings.TrimSpace(a.PatientPatronymic),
		PatientPhone:      NormalizePhone(a.PatientPhone),
		CardNumber:        strings.TrimSpace(a.CardNumber),

		DoctorName:       strings.TrimSpace(a.DoctorFullName),
		DoctorSpeciality: strings.TrimSpace(a.DoctorSpeciality),
		Cabinet:          strings.TrimSpace(a.Cabinet),
		BranchName:       strings.TrimSpace(a.BranchName),

		PlannedStart: a.PlannedStart,
		PlannedEnd:   a.PlannedEnd,
		OrderDate:    a.OrderDate,

		ServicesSummary: clampServices(a.ServicesSummary),
		TotalAmount:     a.TotalAmount,

		TargetStatus:        a.Status,
		SourceTimestampsMax: changeMax,
	}
	rec.Comment = renderComment(a, rec)
	return rec, nil
}

// clampServices bounds the joined services text to the CRM field limit,
// cutting at the last whole entry.
func clampServices(services string) string {
	services = strings.TrimSpace(services)
	if services == "" {
		return "Не указаны"
	}
	var runes = []rune(services)
	if len(runes) <= maxServicesLen {
		return services
	}
	var truncated = string(runes[:maxServicesLen-3])
	if i := strings.LastIndex(truncated, ","); i > 0 {
		truncated = truncated[:i]
	}
	return truncated + "..."
}

// renderComment builds the human-readable deal comment block.
func renderComment(a model.Appointment, rec model.CanonicalRecord) string {
	var lines []string
	lines = append(lines, fmt.Sprintf("Прием: %s", a.PlannedStart.Format("02.01.2006 15:04")))
	if rec.DoctorName != "" {
		var doctor = rec.DoctorName
		if rec.DoctorSpeciality != "" {
			doctor += " (" + rec.DoctorSpeciality + ")"
		}
		lines = append(lines, "Врач: "+doctor)
	}
	if rec.BranchName != "" {
		lines = append(lines, "Филиал: "+rec.BranchName)
	}
	if rec.Cabinet != "" {
		lines = append(lines, "Кабинет: "+rec.Cabinet)
	}
	var services = rec.ServicesSummary
	if r := []rune(services); len(r) > 200 {
		services = string(r[:200]) + "..."
	}
	lines = append(lines, "Услуги: "+services)
	if rec.TotalAmount != nil {
		lines = append(lines, fmt.Sprintf("Сумма: %.2f ₽", *rec.TotalAmount))
	}
	if c := strings.TrimSpace(a.Comment); c != "" {
		lines = append(lines, "Комментарий: "+c)
	}
	lines = append(lines, "ID: "+rec.ExternalID)
	return strings.Join(lines, "\n")
}
