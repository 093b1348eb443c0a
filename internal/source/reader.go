// Package source streams changed appointments out of the clinic's SQL Server
// database. Access is strictly read-only; the reader issues a single
// incremental SELECT per cycle and never writes back.
package source

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/microsoft/go-mssqldb"

	"github.com/stomaflow/bridge/internal/config"
	"github.com/stomaflow/bridge/internal/model"
)

// statusByCode maps the clinic's numeric visit state to the shared status
// enumeration. Codes outside the map surface as unknown statuses and are
// rejected downstream as data-quality drops.
var statusByCode = map[int]model.AppointmentStatus{
	0: model.StatusPlanned,
	1: model.StatusPatientArrived,
	2: model.StatusInProgress,
	3: model.StatusCompleted,
	4: model.StatusCompletedWithInvoice,
	7: model.StatusCancelled,
}

// readSinceQuery streams every appointment one of whose six change markers
// moved at or past the watermark, oldest change first. Services and the
// discounted total are folded in with a single APPLY so row count stays
// linear.
const readSinceQuery = `
SELECT
    r.ID                  AS id,
    p.Surname             AS patient_surname,
    p.Name                AS patient_name,
    p.Patronymic          AS patient_patronymic,
    p.MobilePhone         AS patient_phone,
    p.CardNumber          AS card_number,
    d.FullName            AS doctor_name,
    d.Speciality          AS doctor_speciality,
    c.Name                AS cabinet,
    b.ShortName           AS branch_name,
    r.DateTimeBegin       AS planned_start,
    r.DateTimeEnd         AS planned_end,
    r.OrderDate           AS order_date,
    svc.Services          AS services_summary,
    svc.Total             AS total_amount,
    r.StateCode           AS state_code,
    r.Comment             AS comment,
    r.DateAdded           AS added_at,
    r.DateChanged         AS changed_at,
    r.DatePatientArrived  AS patient_arrived_at,
    r.DateStarted         AS started_at,
    r.DateEnded           AS ended_at,
    r.DateCancelled       AS cancelled_at,
    cm.ChangeMax          AS change_max
FROM Receptions r
JOIN Patients p ON p.ID = r.PatientID
LEFT JOIN Doctors d ON d.ID = r.DoctorID
LEFT JOIN Cabinets c ON c.ID = r.CabinetID
LEFT JOIN Branches b ON b.ID = r.BranchID
OUTER APPLY (
    SELECT
        STRING_AGG(i.ServiceName, ', ') WITHIN GROUP (ORDER BY i.ID) AS Services,
        SUM(i.Price * i.Count - i.DiscountSum)                       AS Total
    FROM ReceptionItems i
    WHERE i.ReceptionID = r.ID
) svc
CROSS APPLY (
    SELECT MAX(v) AS ChangeMax FROM (VALUES
        (r.DateAdded), (r.DateChanged), (r.DatePatientArrived),
        (r.DateStarted), (r.DateEnded), (r.DateCancelled)
    ) AS markers(v)
) cm
WHERE r.DateAdded          >= @since
   OR r.DateChanged        >= @since
   OR r.DatePatientArrived >= @since
   OR r.DateStarted        >= @since
   OR r.DateEnded          >= @since
   OR r.DateCancelled      >= @since
ORDER BY cm.ChangeMax ASC`

const planLinesQuery = `
SELECT
    tpi.ID          AS line_id,
    tp.Name         AS plan_name,
    tps.Name        AS stage_name,
    tpi.ServiceName AS name,
    tpi.Count       AS count,
    tpi.Price       AS unit_price,
    tpi.DiscountSum AS discount
FROM Receptions r
JOIN TreatmentPlans tp       ON tp.PatientID = r.PatientID
JOIN TreatmentPlanItems tpi  ON tpi.PlanID = tp.ID
LEFT JOIN TreatmentPlanStages tps ON tps.ID = tpi.StageID
WHERE r.ID = @id
ORDER BY tpi.ID ASC`

type appointmentRow struct {
	ID                int64           `db:"id"`
	PatientSurname    sql.NullString  `db:"patient_surname"`
	PatientName       sql.NullString  `db:"patient_name"`
	PatientPatronymic sql.NullString  `db:"patient_patronymic"`
	PatientPhone      sql.NullString  `db:"patient_phone"`
	CardNumber        sql.NullString  `db:"card_number"`
	DoctorName        sql.NullString  `db:"doctor_name"`
	DoctorSpeciality  sql.NullString  `db:"doctor_speciality"`
	Cabinet           sql.NullString  `db:"cabinet"`
	BranchName        sql.NullString  `db:"branch_name"`
	PlannedStart      sql.NullTime    `db:"planned_start"`
	PlannedEnd        sql.NullTime    `db:"planned_end"`
	OrderDate         sql.NullTime    `db:"order_date"`
	ServicesSummary   sql.NullString  `db:"services_summary"`
	TotalAmount       sql.NullFloat64 `db:"total_amount"`
	StateCode         int             `db:"state_code"`
	Comment           sql.NullString  `db:"comment"`
	AddedAt           sql.NullTime    `db:"added_at"`
	ChangedAt         sql.NullTime    `db:"changed_at"`
	PatientArrivedAt  sql.NullTime    `db:"patient_arrived_at"`
	StartedAt         sql.NullTime    `db:"started_at"`
	EndedAt           sql.NullTime    `db:"ended_at"`
	CancelledAt       sql.NullTime    `db:"cancelled_at"`
	ChangeMax         sql.NullTime    `db:"change_max"`
}

func (r appointmentRow) appointment(filialID int) model.Appointment {
	var status, ok = statusByCode[r.StateCode]
	if !ok {
		status = model.AppointmentStatus("code-" + strconv.Itoa(r.StateCode))
	}
	return model.Appointment{
		ID:                r.ID,
		FilialID:          filialID,
		PatientSurname:    r.PatientSurname.String,
		PatientName:       r.PatientName.String,
		PatientPatronymic: r.PatientPatronymic.String,
		PatientPhone:      r.PatientPhone.String,
		CardNumber:        r.CardNumber.String,
		DoctorFullName:    r.DoctorName.String,
		DoctorSpeciality:  r.DoctorSpeciality.String,
		Cabinet:           r.Cabinet.String,
		BranchName:        r.BranchName.String,
		PlannedStart:      r.PlannedStart.Time,
		PlannedEnd:        r.PlannedEnd.Time,
		OrderDate:         r.OrderDate.Time,
		ServicesSummary:   r.ServicesSummary.String,
		TotalAmount:       nullFloat(r.TotalAmount),
		Status:            status,
		Comment:           r.Comment.String,
		AddedAt:           r.AddedAt.Time,
		ChangedAt:         r.ChangedAt.Time,
		PatientArrivedAt:  r.PatientArrivedAt.Time,
		StartedAt:         r.StartedAt.Time,
		EndedAt:           r.EndedAt.Time,
		CancelledAt:       r.CancelledAt.Time,
	}
}

func nullFloat(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	var f = v.Float64
	return &f
}

// Reader streams appointments of one clinic branch.
type Reader struct {
	db           *sqlx.DB
	filialID     int
	queryTimeout time.Duration
}

// Open dials the clinic database. The connection is verified lazily; use
// Ping for an eager probe.
func Open(cfg config.Source, filialID int) (*Reader, error) {
	var dsn = url.URL{
		Scheme: "sqlserver",
		User:   url.UserPassword(cfg.Username, cfg.Password),
		Host:   fmt.Sprintf("%s:%d", cfg.Server, cfg.Port),
		RawQuery: url.Values{
			"database":     []string{cfg.Database},
			"dial timeout": []string{strconv.Itoa(int(cfg.ConnectionTimeout.Seconds()))},
			"app name":     []string{"stomaflow-bridge"},
		}.Encode(),
	}
	db, err := sqlx.Open("sqlserver", dsn.String())
	if err != nil {
		return nil, model.E(model.KindSourceUnavailable, "source.open", err)
	}
	db.SetMaxOpenConns(2)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Reader{db: db, filialID: filialID, queryTimeout: cfg.QueryTimeout}, nil
}

// NewReader wraps an existing handle, for tests.
func NewReader(db *sqlx.DB, filialID int, queryTimeout time.Duration) *Reader {
	return &Reader{db: db, filialID: filialID, queryTimeout: queryTimeout}
}

// Ping verifies the database answers.
func (r *Reader) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, r.queryTimeout)
	defer cancel()
	if err := r.db.PingContext(ctx); err != nil {
		return model.E(model.KindSourceUnavailable, "source.ping", err)
	}
	return nil
}

// Rows is a streaming cursor over changed appointments, ordered by their
// latest change marker ascending. Memory use is constant in row count.
type Rows struct {
	rows     *sqlx.Rows
	filialID int
	current  model.Appointment
	err      error
	cancel   context.CancelFunc
}

// ReadSince opens a cursor over every appointment changed at or after
// |since|.
func (r *Reader) ReadSince(ctx context.Context, since time.Time) (*Rows, error) {
	ctx, cancel := context.WithTimeout(ctx, r.queryTimeout)
	rows, err := r.db.QueryxContext(ctx, readSinceQuery, sql.Named("since", since))
	if err != nil {
		cancel()
		return nil, model.E(model.KindSourceUnavailable, "source.read", err)
	}
	return &Rows{rows: rows, filialID: r.filialID, cancel: cancel}, nil
}

// Next advances the cursor. It returns false at the end of the stream or on
// the first scan failure; check Err afterwards.
func (c *Rows) Next() bool {
	if c.err != nil || !c.rows.Next() {
		return false
	}
	var row appointmentRow
	if c.err = c.rows.StructScan(&row); c.err != nil {
		c.err = model.E(model.KindSourceUnavailable, "source.scan", c.err)
		return false
	}
	c.current = row.appointment(c.filialID)
	return true
}

// Appointment is the row the last Next produced.
func (c *Rows) Appointment() model.Appointment { return c.current }

// Err reports the failure that ended the stream, if any.
func (c *Rows) Err() error {
	if c.err != nil {
		return c.err
	}
	if err := c.rows.Err(); err != nil {
		return model.E(model.KindSourceUnavailable, "source.read", err)
	}
	return nil
}

// Close releases the cursor.
func (c *Rows) Close() error {
	defer c.cancel()
	return c.rows.Close()
}

// ReadPlanLines loads the treatment plan behind the appointment named by
// |externalID|, ordered by line id.
func (r *Reader) ReadPlanLines(ctx context.Context, externalID string) ([]model.TreatmentPlanLine, error) {
	filialID, rowID, err := model.ParseExternalID(externalID)
	if err != nil {
		return nil, model.E(model.KindDataQuality, "source.plans", err)
	}
	if filialID != r.filialID {
		return nil, model.Errorf(model.KindDataQuality, "source.plans",
			"external id %s belongs to filial %d, reader serves %d", externalID, filialID, r.filialID)
	}

	ctx, cancel := context.WithTimeout(ctx, r.queryTimeout)
	defer cancel()

	rows, err := r.db.QueryxContext(ctx, planLinesQuery, sql.Named("id", rowID))
	if err != nil {
		return nil, model.E(model.KindSourceUnavailable, "source.plans", err)
	}
	defer rows.Close()

	var lines []model.TreatmentPlanLine
	for rows.Next() {
		var row struct {
			LineID    int64           `db:"line_id"`
			PlanName  sql.NullString  `db:"plan_name"`
			StageName sql.NullString  `db:"stage_name"`
			Name      sql.NullString  `db:"name"`
			Count     int             `db:"count"`
			UnitPrice sql.NullFloat64 `db:"unit_price"`
			Discount  sql.NullFloat64 `db:"discount"`
		}
		if err := rows.StructScan(&row); err != nil {
			return nil, model.E(model.KindSourceUnavailable, "source.plans", err)
		}
		lines = append(lines, model.TreatmentPlanLine{
			LineID:    row.LineID,
			PlanName:  row.PlanName.String,
			StageName: row.StageName.String,
			Name:      row.Name.String,
			Count:     row.Count,
			UnitPrice: row.UnitPrice.Float64,
			Discount:  row.Discount.Float64,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, model.E(model.KindSourceUnavailable, "source.plans", err)
	}
	return lines, nil
}

// Stats summarizes the source for diagnostics.
type Stats struct {
	Appointments int64
	ChangedSince int64
}

// ReadStats counts appointments overall and changed since |since|.
func (r *Reader) ReadStats(ctx context.Context, since time.Time) (Stats, error) {
	ctx, cancel := context.WithTimeout(ctx, r.queryTimeout)
	defer cancel()

	var s Stats
	if err := r.db.QueryRowxContext(ctx,
		"SELECT COUNT(*) FROM Receptions").Scan(&s.Appointments); err != nil {
		return Stats{}, model.E(model.KindSourceUnavailable, "source.stats", err)
	}
	if err := r.db.QueryRowxContext(ctx, `
		SELECT COUNT(*) FROM Receptions r
		WHERE r.DateAdded >= @since OR r.DateChanged >= @since`,
		sql.Named("since", since)).Scan(&s.ChangedSince); err != nil {
		return Stats{}, model.E(model.KindSourceUnavailable, "source.stats", err)
	}
	return s, nil
}

// Close releases the database handle.
func (r *Reader) Close() error { return r.db.Close() }
