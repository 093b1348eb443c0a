package transform

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/stomaflow/bridge/internal/config"
	"github.com/stomaflow/bridge/internal/model"
)

func testStages() Stages {
	return NewStages(config.Stages{
		New:             "NEW",
		ContactMade:     "CONTACT_MADE",
		Treatment:       "TREATMENT",
		CompletedUnpaid: "COMPLETED_UNPAID",
		Won:             "WON",
		Lose:            "LOSE",
		Protected:       "PREPAYMENT_INVOICE,EXECUTING",
		LeadFinal:       "CONVERTED,JUNK",
	})
}

func testAppointment() model.Appointment {
	return model.Appointment{
		ID:             101,
		FilialID:       2,
		PatientSurname: "Иванова",
		PatientName:    "Мария",
		PatientPhone:   "8 (912) 345-67-89",
		DoctorFullName: "Петров П.П.",
		PlannedStart:   time.Date(2026, 8, 20, 10, 30, 0, 0, time.UTC),
		Status:         model.StatusPlanned,
		AddedAt:        time.Date(2026, 8, 18, 9, 0, 0, 0, time.UTC),
		ChangedAt:      time.Date(2026, 8, 19, 12, 0, 0, 0, time.UTC),
	}
}

func TestNormalizePhone(t *testing.T) {
	var cases = []struct {
		raw, want string
	}{
		{"8 (912) 345-67-89", "+79123456789"},
		{"+7 912 345 67 89", "+79123456789"},
		{"9123456789", "+79123456789"},
		{"79123456789", "+79123456789"},
		{"8-800-2000-600", "+78002000600"},
		{"12345", ""},
		{"", ""},
		{"доб. 104", ""},
		{"+49 30 901820", "+4930901820"},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, NormalizePhone(tc.raw), "raw=%q", tc.raw)
	}
}

func TestTransformBuildsCanonicalRecord(t *testing.T) {
	tr, err := New(2, testStages())
	require.NoError(t, err)

	rec, err := tr.Transform(testAppointment())
	require.NoError(t, err)

	require.Equal(t, "F2_101", rec.ExternalID)
	require.Equal(t, "+79123456789", rec.PatientPhone)
	require.Equal(t, model.StatusPlanned, rec.TargetStatus)
	require.Equal(t, time.Date(2026, 8, 19, 12, 0, 0, 0, time.UTC), rec.SourceTimestampsMax)
	require.Contains(t, rec.Comment, "Петров П.П.")
	require.Contains(t, rec.Comment, "ID: F2_101")
}

func TestTransformRejectsBadInput(t *testing.T) {
	tr, err := New(1, testStages())
	require.NoError(t, err)

	var noName = testAppointment()
	noName.PatientSurname, noName.PatientName = "", "  "
	_, err = tr.Transform(noName)
	require.Equal(t, model.KindDataQuality, model.KindOf(err))

	var badStatus = testAppointment()
	badStatus.Status = "code-42"
	_, err = tr.Transform(badStatus)
	require.Equal(t, model.KindDataQuality, model.KindOf(err))

	var noMarkers = testAppointment()
	noMarkers.AddedAt, noMarkers.ChangedAt = time.Time{}, time.Time{}
	_, err = tr.Transform(noMarkers)
	require.Equal(t, model.KindDataQuality, model.KindOf(err))
}

func TestTransformRejectsFilialOutOfRange(t *testing.T) {
	for _, filial := range []int{0, 6, -1} {
		var _, err = New(filial, testStages())
		require.Error(t, err, "filial=%d", filial)
	}
}

func TestServicesClampCutsAtLastComma(t *testing.T) {
	var entry = "Лечение кариеса зуба 4.6, "
	var services = strings.Repeat(entry, 200) // far beyond the field limit
	var got = clampServices(services)

	require.LessOrEqual(t, len([]rune(got)), maxServicesLen)
	require.True(t, strings.HasSuffix(got, "..."))
	// The cut never leaves a torn entry behind.
	require.True(t, strings.HasSuffix(strings.TrimSuffix(got, "..."), "4.6"))

	require.Equal(t, "Не указаны", clampServices("  "))
	require.Equal(t, "Осмотр", clampServices("Осмотр"))
}

func TestDecideMapsStatuses(t *testing.T) {
	var s = testStages()
	var cases = []struct {
		current  string
		incoming model.AppointmentStatus
		want     string
	}{
		{"", model.StatusPlanned, "NEW"},
		{"NEW", model.StatusPatientArrived, "CONTACT_MADE"},
		{"CONTACT_MADE", model.StatusInProgress, "TREATMENT"},
		{"", model.StatusCompletedWithInvoice, "WON"},
		{"TREATMENT", model.StatusCancelled, "LOSE"},
		// Completed preserves whatever stage the deal already has.
		{"COMPLETED_UNPAID", model.StatusCompleted, "COMPLETED_UNPAID"},
		{"CONTACT_MADE", model.StatusCompleted, "CONTACT_MADE"},
		{"", model.StatusCompleted, "TREATMENT"},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, s.Decide(tc.current, tc.incoming),
			"current=%q incoming=%q", tc.current, tc.incoming)
	}
}

func TestStageSets(t *testing.T) {
	var s = testStages()

	require.True(t, s.IsFinal("WON"))
	require.True(t, s.IsFinal("LOSE"))
	require.False(t, s.IsFinal("TREATMENT"))

	require.True(t, s.IsProtected("WON"), "final stages are protected")
	require.True(t, s.IsProtected("PREPAYMENT_INVOICE"))
	require.True(t, s.IsProtected("EXECUTING"))
	require.False(t, s.IsProtected("NEW"))

	require.True(t, s.IsLeadFinal("CONVERTED"))
	require.False(t, s.IsLeadFinal("IN_PROCESS"))
}
