// Package repository is the Postgres access layer for patient metadata,
// clinical records and PEEP vital snapshots. Live waveforms never touch
// it; those flow through the replication listener.
package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
)

// ErrNotFound is returned when a patient or record does not exist.
var ErrNotFound = errors.New("not found")

// Querier is the subset of pgxpool.Pool the store needs.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PatientSummary is one row of the patient list.
type PatientSummary struct {
	PatientID int64  `json:"patient_id"`
	Name      string `json:"name"`
}

// Patient is the full demographic record.
type Patient struct {
	PatientID      int64   `json:"patient_id"`
	Name           string  `json:"name"`
	Age            *int32  `json:"age"`
	Gender         *string `json:"gender"`
	AdmissionDate  *string `json:"admission_date"`
	Notes          string  `json:"notes"`
	Ethnicity      *string `json:"ethnicity"`
	MaritalStatus  *string `json:"marital_status"`
	BirthDate      *string `json:"birth_date"`
	AdmissionCount *int32  `json:"admission_count"`
}

// PatientUpdate carries the writable demographic fields. Date fields are
// accepted as text and cast server-side so partial ISO forms keep working.
type PatientUpdate struct {
	Name           *string `json:"name"`
	Age            *int32  `json:"age"`
	Gender         *string `json:"gender"`
	AdmissionDate  *string `json:"admission_date"`
	Notes          *string `json:"notes"`
	Ethnicity      *string `json:"ethnicity"`
	MaritalStatus  *string `json:"marital_status"`
	BirthDate      *string `json:"birth_date"`
	AdmissionCount *int32  `json:"admission_count"`
}

// RecordSummary is one row of a patient's record list.
type RecordSummary struct {
	RecordID       int64   `json:"record_id"`
	RecordType     string  `json:"record_type"`
	SummaryContent string  `json:"summary_content"`
	CreatedTime    *string `json:"created_time"`
}

// RecordDetail is a single clinical record with its full content.
type RecordDetail struct {
	RecordID       int64          `json:"record_id"`
	PatientID      int64          `json:"patient_id"`
	RecordType     string         `json:"record_type"`
	SummaryContent string         `json:"summary_content"`
	DetailContent  map[string]any `json:"detail_content"`
	Department     *string        `json:"department"`
	Ward           *string        `json:"ward"`
	DoctorName     *string        `json:"doctor_name"`
	AppendixURL    *string        `json:"appendix_url"`
	CreatedTime    *string        `json:"created_time"`
	UpdatedTime    *string        `json:"updated_time"`
}

// VitalSnapshot is one PEEP snapshot row keyed by (patient, record time).
type VitalSnapshot struct {
	PatientID          string
	RecordTime         time.Time
	CurrentPeep        *float64
	RecommendedPeep    *float64
	BloodGlucose       *float64
	PH                 *float64
	InsulinSensitivity *float64
	TotalBreaths       *int32
	AbnormalBreaths    *int32
}

// PeepPoint is one point of the 12-hour snapshot history.
type PeepPoint struct {
	RecordTime      string   `json:"record_time"`
	CurrentPeep     *float64 `json:"current_peep"`
	RecommendedPeep *float64 `json:"recommended_peep"`
}

// Store is the persistence surface the HTTP handlers and the WebSocket
// sessions share.
type Store interface {
	ListPatients(ctx context.Context) ([]PatientSummary, error)
	GetPatient(ctx context.Context, patientID int64) (*Patient, error)
	UpdatePatient(ctx context.Context, patientID int64, upd PatientUpdate) (int64, error)
	ListRecords(ctx context.Context, patientID int64) ([]RecordSummary, error)
	ListRecordsByType(ctx context.Context, patientID int64, recordType, startDate, endDate string) ([]RecordSummary, error)
	GetRecordDetail(ctx context.Context, recordID int64) (*RecordDetail, error)
	UpsertVitalSnapshot(ctx context.Context, snap VitalSnapshot) error
	PeepHistory(ctx context.Context, patientID string) ([]PeepPoint, error)
}

type store struct {
	db     Querier
	logger *zap.Logger
}

// NewStore wraps a pgx pool (or anything satisfying Querier).
func NewStore(db Querier, logger *zap.Logger) Store {
	return &store{db: db, logger: logger}
}

func (s *store) ListPatients(ctx context.Context) ([]PatientSummary, error) {
	rows, err := s.db.Query(ctx, `SELECT patient_id, name FROM patient_info ORDER BY patient_id`)
	if err != nil {
		return nil, fmt.Errorf("list patients: %w", err)
	}
	defer rows.Close()

	var out []PatientSummary
	for rows.Next() {
		var p PatientSummary
		if err := rows.Scan(&p.PatientID, &p.Name); err != nil {
			return nil, fmt.Errorf("scan patient: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *store) GetPatient(ctx context.Context, patientID int64) (*Patient, error) {
	var (
		p             Patient
		notes         *string
		admissionDate *time.Time
		birthDate     *time.Time
	)
	err := s.db.QueryRow(ctx, `
		SELECT patient_id, name, age, gender, admission_date, notes,
		       ethnicity, marital_status, birth_date, admission_count
		FROM patient_info
		WHERE patient_id = $1`, patientID,
	).Scan(&p.PatientID, &p.Name, &p.Age, &p.Gender, &admissionDate, &notes,
		&p.Ethnicity, &p.MaritalStatus, &birthDate, &p.AdmissionCount)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("fetch patient %d: %w", patientID, err)
	}

	p.AdmissionDate = formatTime(admissionDate, "2006-01-02 15:04:05")
	p.BirthDate = formatTime(birthDate, "2006-01-02")
	if notes != nil {
		p.Notes = *notes
	}
	return &p, nil
}

func (s *store) UpdatePatient(ctx context.Context, patientID int64, upd PatientUpdate) (int64, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE patient_info
		SET name = $1,
		    age = $2,
		    gender = $3,
		    admission_date = $4::timestamp,
		    notes = $5,
		    ethnicity = $6,
		    marital_status = $7,
		    birth_date = $8::date,
		    admission_count = $9
		WHERE patient_id = $10`,
		upd.Name, upd.Age, upd.Gender, upd.AdmissionDate, upd.Notes,
		upd.Ethnicity, upd.MaritalStatus, upd.BirthDate, admissionCountOrZero(upd.AdmissionCount),
		patientID,
	)
	if err != nil {
		return 0, fmt.Errorf("update patient %d: %w", patientID, err)
	}
	return tag.RowsAffected(), nil
}

func (s *store) ListRecords(ctx context.Context, patientID int64) ([]RecordSummary, error) {
	rows, err := s.db.Query(ctx, `
		SELECT record_id, record_type, summary_content, created_time
		FROM patient_records
		WHERE patient_id = $1
		ORDER BY created_time DESC`, patientID)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	defer rows.Close()
	return scanRecordSummaries(rows)
}

func (s *store) ListRecordsByType(ctx context.Context, patientID int64, recordType, startDate, endDate string) ([]RecordSummary, error) {
	sql, args := recordsByTypeQuery(patientID, recordType, startDate, endDate)
	rows, err := s.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("list records by type: %w", err)
	}
	defer rows.Close()
	return scanRecordSummaries(rows)
}

// recordsByTypeQuery appends the optional date bounds the way the API
// exposes them: either side may be empty.
func recordsByTypeQuery(patientID int64, recordType, startDate, endDate string) (string, []any) {
	sql := `
		SELECT record_id, record_type, summary_content, created_time
		FROM patient_records
		WHERE patient_id = $1
		  AND record_type = $2`
	args := []any{patientID, recordType}

	if startDate != "" {
		args = append(args, startDate)
		sql += fmt.Sprintf(" AND created_time >= $%d::timestamp", len(args))
	}
	if endDate != "" {
		args = append(args, endDate)
		sql += fmt.Sprintf(" AND created_time <= $%d::timestamp", len(args))
	}
	sql += " ORDER BY created_time DESC"
	return sql, args
}

func scanRecordSummaries(rows pgx.Rows) ([]RecordSummary, error) {
	var out []RecordSummary
	for rows.Next() {
		var (
			r       RecordSummary
			summary *string
			created *time.Time
		)
		if err := rows.Scan(&r.RecordID, &r.RecordType, &summary, &created); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		if summary != nil {
			r.SummaryContent = *summary
		}
		r.CreatedTime = formatTime(created, "2006-01-02 15:04:05")
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *store) GetRecordDetail(ctx context.Context, recordID int64) (*RecordDetail, error) {
	var (
		d       RecordDetail
		summary *string
		detail  []byte
		created *time.Time
		updated *time.Time
	)
	err := s.db.QueryRow(ctx, `
		SELECT record_id, patient_id, record_type,
		       summary_content, detail_content,
		       department, ward, doctor_name, appendix_url,
		       created_time, updated_time
		FROM patient_records
		WHERE record_id = $1`, recordID,
	).Scan(&d.RecordID, &d.PatientID, &d.RecordType, &summary, &detail,
		&d.Department, &d.Ward, &d.DoctorName, &d.AppendixURL, &created, &updated)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("fetch record %d: %w", recordID, err)
	}

	if summary != nil {
		d.SummaryContent = *summary
	}
	d.DetailContent = map[string]any{}
	if len(detail) > 0 {
		if err := json.Unmarshal(detail, &d.DetailContent); err != nil {
			return nil, fmt.Errorf("decode record %d detail: %w", recordID, err)
		}
	}
	d.CreatedTime = formatTime(created, "2006-01-02 15:04:05")
	d.UpdatedTime = formatTime(updated, "2006-01-02 15:04:05")
	return &d, nil
}

func (s *store) UpsertVitalSnapshot(ctx context.Context, snap VitalSnapshot) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO patient_vital_snapshot
		  (patient_id, record_time, current_peep, recommended_peep,
		   blood_glucose, ph, insulin_sensitivity, total_breaths, abnormal_breaths)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (patient_id, record_time) DO UPDATE SET
		  current_peep        = EXCLUDED.current_peep,
		  recommended_peep    = EXCLUDED.recommended_peep,
		  blood_glucose       = EXCLUDED.blood_glucose,
		  ph                  = EXCLUDED.ph,
		  insulin_sensitivity = EXCLUDED.insulin_sensitivity,
		  total_breaths       = EXCLUDED.total_breaths,
		  abnormal_breaths    = EXCLUDED.abnormal_breaths`,
		snap.PatientID, snap.RecordTime, snap.CurrentPeep, snap.RecommendedPeep,
		snap.BloodGlucose, snap.PH, snap.InsulinSensitivity, snap.TotalBreaths, snap.AbnormalBreaths,
	)
	if err != nil {
		return fmt.Errorf("upsert vital snapshot: %w", err)
	}
	s.logger.Debug("PEEP snapshot stored",
		zap.String("patient_id", snap.PatientID),
		zap.Time("record_time", snap.RecordTime),
	)
	return nil
}

func (s *store) PeepHistory(ctx context.Context, patientID string) ([]PeepPoint, error) {
	rows, err := s.db.Query(ctx, `
		SELECT
		  to_char(record_time, 'YYYY-MM-DD"T"HH24:MI:SS"Z"') AS record_time,
		  current_peep,
		  recommended_peep
		FROM patient_vital_snapshot
		WHERE patient_id = $1
		  AND record_time >= (now() at time zone 'utc') - interval '12 hours'
		ORDER BY record_time ASC`, patientID)
	if err != nil {
		return nil, fmt.Errorf("fetch peep history: %w", err)
	}
	defer rows.Close()

	var out []PeepPoint
	for rows.Next() {
		var p PeepPoint
		if err := rows.Scan(&p.RecordTime, &p.CurrentPeep, &p.RecommendedPeep); err != nil {
			return nil, fmt.Errorf("scan peep point: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func formatTime(t *time.Time, layout string) *string {
	if t == nil {
		return nil
	}
	s := t.Format(layout)
	return &s
}

func admissionCountOrZero(n *int32) int32 {
	if n == nil {
		return 0
	}
	return *n
}
