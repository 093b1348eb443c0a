// Package model holds the value types shared across the bridge: source
// appointments, the canonical CRM-bound record, and treatment plan lines.
// Entity ids are plain values; no back-references are stored.
package model

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// AppointmentStatus enumerates the source system's visit lifecycle.
type AppointmentStatus string

const (
	StatusPlanned              AppointmentStatus = "Planned"
	StatusPatientArrived       AppointmentStatus = "PatientArrived"
	StatusInProgress           AppointmentStatus = "InProgress"
	StatusCompleted            AppointmentStatus = "Completed"
	StatusCompletedWithInvoice AppointmentStatus = "CompletedWithInvoice"
	StatusCancelled            AppointmentStatus = "Cancelled"
)

// KnownStatus reports whether |s| is one of the six source statuses.
func KnownStatus(s AppointmentStatus) bool {
	switch s {
	case StatusPlanned, StatusPatientArrived, StatusInProgress,
		StatusCompleted, StatusCompletedWithInvoice, StatusCancelled:
		return true
	}
	return false
}

// Appointment is one changed row streamed from the clinic database.
// It is read-only for the lifetime of a cycle.
type Appointment struct {
	ID       int64
	FilialID int

	PatientSurname    string
	PatientName       string
	PatientPatronymic string
	PatientPhone      string
	CardNumber        string

	DoctorFullName   string
	DoctorSpeciality string
	Cabinet          string
	BranchName       string

	PlannedStart time.Time
	PlannedEnd   time.Time
	OrderDate    time.Time

	ServicesSummary string
	// TotalAmount is nil when the source has no priced order lines yet.
	TotalAmount *float64

	Status  AppointmentStatus
	Comment string

	// The six temporal markers that form the change envelope.
	AddedAt          time.Time
	ChangedAt        time.Time
	PatientArrivedAt time.Time
	StartedAt        time.Time
	EndedAt          time.Time
	CancelledAt      time.Time
}

// ExternalID renders the stable join key between a source row and a CRM deal.
func (a Appointment) ExternalID() string {
	return FormatExternalID(a.FilialID, a.ID)
}

// ChangeMax returns the latest of the six change markers, ignoring zero values.
func (a Appointment) ChangeMax() time.Time {
	var max time.Time
	for _, t := range []time.Time{
		a.AddedAt, a.ChangedAt, a.PatientArrivedAt,
		a.StartedAt, a.EndedAt, a.CancelledAt,
	} {
		if t.After(max) {
			max = t
		}
	}
	return max
}

// PatientFullName joins the name parts the way the clinic renders them.
func (a Appointment) PatientFullName() string {
	var parts []string
	for _, p := range []string{a.PatientSurname, a.PatientName, a.PatientPatronymic} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, " ")
}

// FormatExternalID renders the F{filial}_{row} join key.
func FormatExternalID(filialID int, rowID int64) string {
	return fmt.Sprintf("F%d_%d", filialID, rowID)
}

// ParseExternalID inverts FormatExternalID.
func ParseExternalID(id string) (filialID int, rowID int64, err error) {
	rest, ok := strings.CutPrefix(id, "F")
	if !ok {
		return 0, 0, fmt.Errorf("external id %q: missing F prefix", id)
	}
	f, r, ok := strings.Cut(rest, "_")
	if !ok {
		return 0, 0, fmt.Errorf("external id %q: missing separator", id)
	}
	if filialID, err = strconv.Atoi(f); err != nil {
		return 0, 0, fmt.Errorf("external id %q: filial: %w", id, err)
	}
	if rowID, err = strconv.ParseInt(r, 10, 64); err != nil {
		return 0, 0, fmt.Errorf("external id %q: row: %w", id, err)
	}
	return filialID, rowID, nil
}

// CanonicalRecord is the transformer's output: one appointment rendered in
// CRM-bound form. ExternalID is always non-empty, and PatientPhone is either
// empty or a normalized +digits string.
type CanonicalRecord struct {
	ExternalID string `json:"external_id"`

	PatientSurname    string `json:"patient_surname"`
	PatientName       string `json:"patient_name"`
	PatientPatronymic string `json:"patient_patronymic,omitempty"`
	PatientPhone      string `json:"patient_phone,omitempty"`
	CardNumber        string `json:"card_number,omitempty"`

	DoctorName       string `json:"doctor_name"`
	DoctorSpeciality string `json:"doctor_speciality,omitempty"`
	Cabinet          string `json:"cabinet,omitempty"`
	BranchName       string `json:"branch_name,omitempty"`

	PlannedStart time.Time `json:"planned_start"`
	PlannedEnd   time.Time `json:"planned_end,omitempty"`
	OrderDate    time.Time `json:"order_date,omitempty"`

	ServicesSummary string   `json:"services_summary"`
	TotalAmount     *float64 `json:"total_amount,omitempty"`
	Comment         string   `json:"comment,omitempty"`

	TargetStatus        AppointmentStatus `json:"target_status"`
	SourceTimestampsMax time.Time         `json:"source_timestamps_max"`
}

// PatientFullName joins the canonical name parts.
func (r CanonicalRecord) PatientFullName() string {
	var parts []string
	for _, p := range []string{r.PatientSurname, r.PatientName, r.PatientPatronymic} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, " ")
}

// TreatmentPlanLine is one service or good of a treatment plan.
type TreatmentPlanLine struct {
	LineID    int64
	PlanName  string
	StageName string
	Name      string
	Count     int
	UnitPrice float64
	Discount  float64
}

// Amount is the discounted line total.
func (l TreatmentPlanLine) Amount() float64 {
	return l.UnitPrice*float64(l.Count) - l.Discount
}
