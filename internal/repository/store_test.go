package repository

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// fakeQuerier routes the three Querier methods to per-test closures.
type fakeQuerier struct {
	query    func(sql string, args []any) (pgx.Rows, error)
	queryRow func(sql string, args []any) pgx.Row
	exec     func(sql string, args []any) (pgconn.CommandTag, error)
}

func (f *fakeQuerier) Query(_ context.Context, sql string, args ...any) (pgx.Rows, error) {
	return f.query(sql, args)
}

func (f *fakeQuerier) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	return f.queryRow(sql, args)
}

func (f *fakeQuerier) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return f.exec(sql, args)
}

// fakeRows feeds fixture values through the pgx.Rows surface. Row values
// are plain Go values; nil marks a SQL NULL.
type fakeRows struct {
	rows [][]any
	idx  int
	err  error
}

func (f *fakeRows) Close()                                       {}
func (f *fakeRows) Err() error                                   { return f.err }
func (f *fakeRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (f *fakeRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (f *fakeRows) Values() ([]any, error)                       { return nil, nil }
func (f *fakeRows) RawValues() [][]byte                          { return nil }
func (f *fakeRows) Conn() *pgx.Conn                              { return nil }

func (f *fakeRows) Next() bool {
	f.idx++
	return f.idx <= len(f.rows)
}

func (f *fakeRows) Scan(dest ...any) error {
	row := f.rows[f.idx-1]
	if len(dest) != len(row) {
		return fmt.Errorf("scan: want %d destinations, got %d", len(row), len(dest))
	}
	for i, v := range row {
		if err := assign(dest[i], v); err != nil {
			return err
		}
	}
	return nil
}

type fakeRow struct {
	vals []any
	err  error
}

func (f fakeRow) Scan(dest ...any) error {
	if f.err != nil {
		return f.err
	}
	if len(dest) != len(f.vals) {
		return fmt.Errorf("scan: want %d destinations, got %d", len(f.vals), len(dest))
	}
	for i, v := range f.vals {
		if err := assign(dest[i], v); err != nil {
			return err
		}
	}
	return nil
}

func assign(dest, v any) error {
	switch d := dest.(type) {
	case *int64:
		*d = v.(int64)
	case *string:
		*d = v.(string)
	case *[]byte:
		if v == nil {
			*d = nil
		} else {
			*d = v.([]byte)
		}
	case **string:
		if v == nil {
			*d = nil
		} else {
			s := v.(string)
			*d = &s
		}
	case **int32:
		if v == nil {
			*d = nil
		} else {
			n := v.(int32)
			*d = &n
		}
	case **float64:
		if v == nil {
			*d = nil
		} else {
			x := v.(float64)
			*d = &x
		}
	case **time.Time:
		if v == nil {
			*d = nil
		} else {
			t := v.(time.Time)
			*d = &t
		}
	default:
		return fmt.Errorf("unsupported scan destination %T", dest)
	}
	return nil
}

func newTestStore(t *testing.T, q Querier) Store {
	t.Helper()
	return NewStore(q, zaptest.NewLogger(t))
}

func TestListPatients(t *testing.T) {
	q := &fakeQuerier{
		query: func(sql string, args []any) (pgx.Rows, error) {
			assert.Contains(t, sql, "FROM patient_info")
			assert.Empty(t, args)
			return &fakeRows{rows: [][]any{
				{int64(1), "Alice Zhang"},
				{int64(2), "Bob Lee"},
			}}, nil
		},
	}

	patients, err := newTestStore(t, q).ListPatients(context.Background())
	require.NoError(t, err)
	require.Len(t, patients, 2)
	assert.Equal(t, int64(1), patients[0].PatientID)
	assert.Equal(t, "Bob Lee", patients[1].Name)
}

func TestGetPatientFormatsDates(t *testing.T) {
	admitted := time.Date(2026, 8, 20, 14, 30, 0, 0, time.UTC)
	born := time.Date(1961, 3, 2, 0, 0, 0, 0, time.UTC)

	q := &fakeQuerier{
		queryRow: func(sql string, args []any) pgx.Row {
			assert.Contains(t, sql, "WHERE patient_id = $1")
			require.Equal(t, []any{int64(5)}, args)
			return fakeRow{vals: []any{
				int64(5), "Alice Zhang", int32(65), "F", admitted, "ICU bed 3",
				nil, nil, born, int32(2),
			}}
		},
	}

	p, err := newTestStore(t, q).GetPatient(context.Background(), 5)
	require.NoError(t, err)
	assert.Equal(t, "Alice Zhang", p.Name)
	require.NotNil(t, p.AdmissionDate)
	assert.Equal(t, "2026-08-20 14:30:00", *p.AdmissionDate)
	require.NotNil(t, p.BirthDate)
	assert.Equal(t, "1961-03-02", *p.BirthDate)
	assert.Equal(t, "ICU bed 3", p.Notes)
	assert.Nil(t, p.Ethnicity)
}

func TestGetPatientNotFound(t *testing.T) {
	q := &fakeQuerier{
		queryRow: func(string, []any) pgx.Row {
			return fakeRow{err: pgx.ErrNoRows}
		},
	}

	_, err := newTestStore(t, q).GetPatient(context.Background(), 99)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdatePatientReportsRowsAffected(t *testing.T) {
	var gotArgs []any
	q := &fakeQuerier{
		exec: func(sql string, args []any) (pgconn.CommandTag, error) {
			assert.Contains(t, sql, "UPDATE patient_info")
			gotArgs = args
			return pgconn.NewCommandTag("UPDATE 1"), nil
		},
	}

	name := "Renamed"
	rows, err := newTestStore(t, q).UpdatePatient(context.Background(), 5, PatientUpdate{Name: &name})
	require.NoError(t, err)
	assert.Equal(t, int64(1), rows)

	require.Len(t, gotArgs, 10)
	assert.Equal(t, &name, gotArgs[0])
	// A missing admission_count resets to zero rather than NULLing the column.
	assert.Equal(t, int32(0), gotArgs[8])
	assert.Equal(t, int64(5), gotArgs[9])
}

func TestRecordsByTypeQueryBounds(t *testing.T) {
	sql, args := recordsByTypeQuery(5, "lab", "", "")
	assert.Equal(t, []any{int64(5), "lab"}, args)
	assert.NotContains(t, sql, "created_time >=")
	assert.NotContains(t, sql, "created_time <=")

	sql, args = recordsByTypeQuery(5, "lab", "2026-01-01", "")
	assert.Equal(t, []any{int64(5), "lab", "2026-01-01"}, args)
	assert.Contains(t, sql, "created_time >= $3")

	sql, args = recordsByTypeQuery(5, "lab", "2026-01-01", "2026-02-01")
	assert.Equal(t, []any{int64(5), "lab", "2026-01-01", "2026-02-01"}, args)
	assert.Contains(t, sql, "created_time >= $3")
	assert.Contains(t, sql, "created_time <= $4")
	assert.True(t, strings.HasSuffix(sql, "ORDER BY created_time DESC"))
}

func TestListRecordsMapsNulls(t *testing.T) {
	created := time.Date(2026, 8, 25, 9, 0, 0, 0, time.UTC)
	q := &fakeQuerier{
		query: func(sql string, args []any) (pgx.Rows, error) {
			assert.Contains(t, sql, "FROM patient_records")
			return &fakeRows{rows: [][]any{
				{int64(10), "lab", "CBC panel", created},
				{int64(11), "imaging", nil, nil},
			}}, nil
		},
	}

	records, err := newTestStore(t, q).ListRecords(context.Background(), 5)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "CBC panel", records[0].SummaryContent)
	require.NotNil(t, records[0].CreatedTime)
	assert.Equal(t, "2026-08-25 09:00:00", *records[0].CreatedTime)
	assert.Empty(t, records[1].SummaryContent)
	assert.Nil(t, records[1].CreatedTime)
}

func TestGetRecordDetailDecodesContent(t *testing.T) {
	q := &fakeQuerier{
		queryRow: func(sql string, args []any) pgx.Row {
			assert.Contains(t, sql, "WHERE record_id = $1")
			return fakeRow{vals: []any{
				int64(10), int64(5), "lab", "CBC panel",
				[]byte(`{"wbc": 7.2, "unit": "10^9/L"}`),
				"Hematology", nil, "Dr. Wu", nil,
				nil, nil,
			}}
		},
	}

	d, err := newTestStore(t, q).GetRecordDetail(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, int64(5), d.PatientID)
	assert.Equal(t, 7.2, d.DetailContent["wbc"])
	require.NotNil(t, d.Department)
	assert.Equal(t, "Hematology", *d.Department)
	assert.Nil(t, d.Ward)
}

func TestGetRecordDetailEmptyContent(t *testing.T) {
	q := &fakeQuerier{
		queryRow: func(string, []any) pgx.Row {
			return fakeRow{vals: []any{
				int64(10), int64(5), "note", nil, nil,
				nil, nil, nil, nil, nil, nil,
			}}
		},
	}

	d, err := newTestStore(t, q).GetRecordDetail(context.Background(), 10)
	require.NoError(t, err)
	require.NotNil(t, d.DetailContent)
	assert.Empty(t, d.DetailContent)
}

func TestUpsertVitalSnapshotArgOrder(t *testing.T) {
	var gotSQL string
	var gotArgs []any
	q := &fakeQuerier{
		exec: func(sql string, args []any) (pgconn.CommandTag, error) {
			gotSQL, gotArgs = sql, args
			return pgconn.NewCommandTag("INSERT 0 1"), nil
		},
	}

	cur, rec := 6.5, 8.0
	when := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)
	err := newTestStore(t, q).UpsertVitalSnapshot(context.Background(), VitalSnapshot{
		PatientID:       "5",
		RecordTime:      when,
		CurrentPeep:     &cur,
		RecommendedPeep: &rec,
	})
	require.NoError(t, err)

	assert.Contains(t, gotSQL, "ON CONFLICT (patient_id, record_time)")
	require.Len(t, gotArgs, 9)
	assert.Equal(t, "5", gotArgs[0])
	assert.Equal(t, when, gotArgs[1])
	assert.Equal(t, &cur, gotArgs[2])
	assert.Equal(t, &rec, gotArgs[3])
	assert.Nil(t, gotArgs[4])
}

func TestPeepHistoryWindow(t *testing.T) {
	q := &fakeQuerier{
		query: func(sql string, args []any) (pgx.Rows, error) {
			assert.Contains(t, sql, "interval '12 hours'")
			assert.Equal(t, []any{"5"}, args)
			return &fakeRows{rows: [][]any{
				{"2026-08-25T09:00:00Z", 6.5, 8.0},
				{"2026-08-25T10:00:00Z", nil, nil},
			}}, nil
		},
	}

	points, err := newTestStore(t, q).PeepHistory(context.Background(), "5")
	require.NoError(t, err)
	require.Len(t, points, 2)
	assert.Equal(t, "2026-08-25T09:00:00Z", points[0].RecordTime)
	require.NotNil(t, points[0].CurrentPeep)
	assert.Equal(t, 6.5, *points[0].CurrentPeep)
	assert.Nil(t, points[1].CurrentPeep)
}
