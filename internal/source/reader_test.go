package source

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/stomaflow/bridge/internal/model"
)

func mockReader(t *testing.T) (*Reader, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewReader(sqlx.NewDb(db, "sqlserver"), 2, 5*time.Second), mock
}

var appointmentColumns = []string{
	"id", "patient_surname", "patient_name", "patient_patronymic",
	"patient_phone", "card_number", "doctor_name", "doctor_speciality",
	"cabinet", "branch_name", "planned_start", "planned_end", "order_date",
	"services_summary", "total_amount", "state_code", "comment",
	"added_at", "changed_at", "patient_arrived_at", "started_at",
	"ended_at", "cancelled_at", "change_max",
}

func TestReadSinceStreamsAppointments(t *testing.T) {
	reader, mock := mockReader(t)

	var added = time.Date(2026, 8, 19, 9, 0, 0, 0, time.UTC)
	var changed = time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)
	var rows = sqlmock.NewRows(appointmentColumns).
		AddRow(
			int64(101), "Иванова", "Мария", nil,
			"89123456789", "К-101", "Петров П.П.", "Терапевт",
			"Кабинет 3", "Центральный", added.Add(24*time.Hour), nil, nil,
			"Осмотр, Лечение кариеса", 4500.0, 1, nil,
			added, changed, nil, nil, nil, nil, changed,
		).
		AddRow(
			int64(102), "Сидоров", "Иван", nil,
			nil, nil, nil, nil,
			nil, nil, added.Add(48*time.Hour), nil, nil,
			nil, nil, 9, nil,
			added, changed.Add(time.Hour), nil, nil, nil, nil, changed.Add(time.Hour),
		)
	mock.ExpectQuery("SELECT(.|\n)+FROM Receptions r(.|\n)+ORDER BY cm.ChangeMax ASC").
		WillReturnRows(rows)

	cursor, err := reader.ReadSince(context.Background(), added)
	require.NoError(t, err)
	defer cursor.Close()

	require.True(t, cursor.Next())
	var first = cursor.Appointment()
	require.Equal(t, int64(101), first.ID)
	require.Equal(t, 2, first.FilialID)
	require.Equal(t, "F2_101", first.ExternalID())
	require.Equal(t, model.StatusPatientArrived, first.Status)
	require.Equal(t, "Иванова", first.PatientSurname)
	require.NotNil(t, first.TotalAmount)
	require.Equal(t, 4500.0, *first.TotalAmount)
	require.Equal(t, changed, first.ChangeMax())

	require.True(t, cursor.Next())
	var second = cursor.Appointment()
	require.Equal(t, model.AppointmentStatus("code-9"), second.Status,
		"unmapped state codes surface as-is for the transformer to reject")
	require.Nil(t, second.TotalAmount)

	require.False(t, cursor.Next())
	require.NoError(t, cursor.Err())
}

func TestReadSinceMapsFailureToSourceUnavailable(t *testing.T) {
	reader, mock := mockReader(t)
	mock.ExpectQuery("SELECT(.|\n)+FROM Receptions").
		WillReturnError(errors.New("network unreachable"))

	var _, err = reader.ReadSince(context.Background(), time.Now())
	require.Error(t, err)
	require.Equal(t, model.KindSourceUnavailable, model.KindOf(err))
}

func TestReadPlanLines(t *testing.T) {
	reader, mock := mockReader(t)

	var rows = sqlmock.NewRows([]string{
		"line_id", "plan_name", "stage_name", "name", "count", "unit_price", "discount",
	}).
		AddRow(int64(1), "Имплантация", "Этап 1", "Имплант", 1, 40000.0, 0.0).
		AddRow(int64(2), "Имплантация", nil, "Анестезия", 1, 500.0, nil)
	mock.ExpectQuery("SELECT(.|\n)+FROM Receptions r(.|\n)+JOIN TreatmentPlans").
		WillReturnRows(rows)

	lines, err := reader.ReadPlanLines(context.Background(), "F2_101")
	require.NoError(t, err)
	require.Len(t, lines, 2)
	require.Equal(t, "Имплант", lines[0].Name)
	require.Equal(t, 40000.0, lines[0].Amount())
	require.Equal(t, "", lines[1].StageName)
}

func TestReadPlanLinesRejectsForeignFilial(t *testing.T) {
	reader, _ := mockReader(t)

	var _, err = reader.ReadPlanLines(context.Background(), "F1_101")
	require.Equal(t, model.KindDataQuality, model.KindOf(err))

	_, err = reader.ReadPlanLines(context.Background(), "garbage")
	require.Equal(t, model.KindDataQuality, model.KindOf(err))
}

func TestReadStats(t *testing.T) {
	reader, mock := mockReader(t)
	mock.ExpectQuery("SELECT COUNT(.+) FROM Receptions").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(int64(1200)))
	mock.ExpectQuery("SELECT COUNT(.+) FROM Receptions r").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(int64(40)))

	stats, err := reader.ReadStats(context.Background(), time.Now().AddDate(0, 0, -7))
	require.NoError(t, err)
	require.Equal(t, int64(1200), stats.Appointments)
	require.Equal(t, int64(40), stats.ChangedSince)
}
