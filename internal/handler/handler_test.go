package handler_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
	"go.uber.org/zap/zaptest"

	"github.com/yartinzz/DTICU-Ventilator/internal/handler"
	"github.com/yartinzz/DTICU-Ventilator/internal/repository"
)

// --- Mock Store ---

type MockStore struct {
	ctrl     *gomock.Controller
	recorder *MockStoreRecorder
}

type MockStoreRecorder struct {
	mock *MockStore
}

func NewMockStore(ctrl *gomock.Controller) *MockStore {
	m := &MockStore{ctrl: ctrl}
	m.recorder = &MockStoreRecorder{mock: m}
	return m
}

func (m *MockStore) EXPECT() *MockStoreRecorder { return m.recorder }

func toError(v any) error {
	if v == nil {
		return nil
	}
	return v.(error)
}

func (m *MockStore) ListPatients(ctx context.Context) ([]repository.PatientSummary, error) {
	ret := m.ctrl.Call(m, "ListPatients", ctx)
	ret0, _ := ret[0].([]repository.PatientSummary)
	return ret0, toError(ret[1])
}
func (mr *MockStoreRecorder) ListPatients(ctx any) *gomock.Call {
	return mr.mock.ctrl.RecordCall(mr.mock, "ListPatients", ctx)
}

func (m *MockStore) GetPatient(ctx context.Context, patientID int64) (*repository.Patient, error) {
	ret := m.ctrl.Call(m, "GetPatient", ctx, patientID)
	ret0, _ := ret[0].(*repository.Patient)
	return ret0, toError(ret[1])
}
func (mr *MockStoreRecorder) GetPatient(ctx, patientID any) *gomock.Call {
	return mr.mock.ctrl.RecordCall(mr.mock, "GetPatient", ctx, patientID)
}

func (m *MockStore) UpdatePatient(ctx context.Context, patientID int64, upd repository.PatientUpdate) (int64, error) {
	ret := m.ctrl.Call(m, "UpdatePatient", ctx, patientID, upd)
	ret0, _ := ret[0].(int64)
	return ret0, toError(ret[1])
}
func (mr *MockStoreRecorder) UpdatePatient(ctx, patientID, upd any) *gomock.Call {
	return mr.mock.ctrl.RecordCall(mr.mock, "UpdatePatient", ctx, patientID, upd)
}

func (m *MockStore) ListRecords(ctx context.Context, patientID int64) ([]repository.RecordSummary, error) {
	ret := m.ctrl.Call(m, "ListRecords", ctx, patientID)
	ret0, _ := ret[0].([]repository.RecordSummary)
	return ret0, toError(ret[1])
}
func (mr *MockStoreRecorder) ListRecords(ctx, patientID any) *gomock.Call {
	return mr.mock.ctrl.RecordCall(mr.mock, "ListRecords", ctx, patientID)
}

func (m *MockStore) ListRecordsByType(ctx context.Context, patientID int64, recordType, startDate, endDate string) ([]repository.RecordSummary, error) {
	ret := m.ctrl.Call(m, "ListRecordsByType", ctx, patientID, recordType, startDate, endDate)
	ret0, _ := ret[0].([]repository.RecordSummary)
	return ret0, toError(ret[1])
}
func (mr *MockStoreRecorder) ListRecordsByType(ctx, patientID, recordType, startDate, endDate any) *gomock.Call {
	return mr.mock.ctrl.RecordCall(mr.mock, "ListRecordsByType", ctx, patientID, recordType, startDate, endDate)
}

func (m *MockStore) GetRecordDetail(ctx context.Context, recordID int64) (*repository.RecordDetail, error) {
	ret := m.ctrl.Call(m, "GetRecordDetail", ctx, recordID)
	ret0, _ := ret[0].(*repository.RecordDetail)
	return ret0, toError(ret[1])
}
func (mr *MockStoreRecorder) GetRecordDetail(ctx, recordID any) *gomock.Call {
	return mr.mock.ctrl.RecordCall(mr.mock, "GetRecordDetail", ctx, recordID)
}

func (m *MockStore) UpsertVitalSnapshot(ctx context.Context, snap repository.VitalSnapshot) error {
	ret := m.ctrl.Call(m, "UpsertVitalSnapshot", ctx, snap)
	return toError(ret[0])
}
func (mr *MockStoreRecorder) UpsertVitalSnapshot(ctx, snap any) *gomock.Call {
	return mr.mock.ctrl.RecordCall(mr.mock, "UpsertVitalSnapshot", ctx, snap)
}

func (m *MockStore) PeepHistory(ctx context.Context, patientID string) ([]repository.PeepPoint, error) {
	ret := m.ctrl.Call(m, "PeepHistory", ctx, patientID)
	ret0, _ := ret[0].([]repository.PeepPoint)
	return ret0, toError(ret[1])
}
func (mr *MockStoreRecorder) PeepHistory(ctx, patientID any) *gomock.Call {
	return mr.mock.ctrl.RecordCall(mr.mock, "PeepHistory", ctx, patientID)
}

// --- Helpers ---

func newHandler(t *testing.T) (*handler.Handler, *MockStore) {
	ctrl := gomock.NewController(t)
	t.Cleanup(ctrl.Finish)
	store := NewMockStore(ctrl)
	return handler.NewHandler(store, zaptest.NewLogger(t)), store
}

// --- Tests ---

func TestListPatients_Success(t *testing.T) {
	h, store := newHandler(t)

	store.EXPECT().ListPatients(gomock.Any()).Return([]repository.PatientSummary{
		{PatientID: 1, Name: "Alice Zhang"},
		{PatientID: 2, Name: "Bob Lee"},
	}, nil)

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/patients", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	require.NoError(t, h.ListPatients(c))
	assert.Equal(t, http.StatusOK, rec.Code)

	var body []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body, 2)
	assert.Equal(t, float64(1), body[0]["patient_id"])
	assert.Equal(t, "Alice Zhang", body[0]["name"])
}

func TestListPatients_StoreError(t *testing.T) {
	h, store := newHandler(t)

	store.EXPECT().ListPatients(gomock.Any()).Return(nil, errors.New("db down"))

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/patients", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	require.NoError(t, h.ListPatients(c))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestGetPatient_Success(t *testing.T) {
	h, store := newHandler(t)

	store.EXPECT().GetPatient(gomock.Any(), int64(5)).Return(&repository.Patient{
		PatientID: 5,
		Name:      "Alice Zhang",
	}, nil)

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/patients/5", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetPath("/patients/:patient_id")
	c.SetParamNames("patient_id")
	c.SetParamValues("5")

	require.NoError(t, h.GetPatient(c))
	assert.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "Alice Zhang", body["name"])
}

func TestGetPatient_NotFound(t *testing.T) {
	h, store := newHandler(t)

	store.EXPECT().GetPatient(gomock.Any(), int64(99)).Return(nil, repository.ErrNotFound)

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/patients/99", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetPath("/patients/:patient_id")
	c.SetParamNames("patient_id")
	c.SetParamValues("99")

	require.NoError(t, h.GetPatient(c))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetPatient_InvalidID(t *testing.T) {
	h, _ := newHandler(t)

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/patients/abc", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetPath("/patients/:patient_id")
	c.SetParamNames("patient_id")
	c.SetParamValues("abc")

	require.NoError(t, h.GetPatient(c))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUpdatePatient_Success(t *testing.T) {
	h, store := newHandler(t)

	store.EXPECT().UpdatePatient(gomock.Any(), int64(5), gomock.Any()).Return(int64(1), nil)

	body := `{"name":"Renamed","age":44}`
	e := echo.New()
	req := httptest.NewRequest(http.MethodPut, "/patients/5", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetPath("/patients/:patient_id")
	c.SetParamNames("patient_id")
	c.SetParamValues("5")

	require.NoError(t, h.UpdatePatient(c))
	assert.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "Patient info updated successfully", resp["msg"])
}

func TestUpdatePatient_NoRowsIs404(t *testing.T) {
	h, store := newHandler(t)

	store.EXPECT().UpdatePatient(gomock.Any(), int64(5), gomock.Any()).Return(int64(0), nil)

	body := `{"name":"Renamed"}`
	e := echo.New()
	req := httptest.NewRequest(http.MethodPut, "/patients/5", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetPath("/patients/:patient_id")
	c.SetParamNames("patient_id")
	c.SetParamValues("5")

	require.NoError(t, h.UpdatePatient(c))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListRecords_All(t *testing.T) {
	h, store := newHandler(t)

	store.EXPECT().ListRecords(gomock.Any(), int64(5)).Return([]repository.RecordSummary{
		{RecordID: 10, RecordType: "lab", SummaryContent: "CBC panel"},
	}, nil)

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/patients/5/records", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetPath("/patients/:patient_id/records")
	c.SetParamNames("patient_id")
	c.SetParamValues("5")

	require.NoError(t, h.ListRecords(c))
	assert.Equal(t, http.StatusOK, rec.Code)

	var body []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body, 1)
	assert.Equal(t, "lab", body[0]["record_type"])
}

func TestListRecords_FilteredByType(t *testing.T) {
	h, store := newHandler(t)

	store.EXPECT().
		ListRecordsByType(gomock.Any(), int64(5), "imaging", "2026-01-01", "2026-02-01").
		Return([]repository.RecordSummary{{RecordID: 11, RecordType: "imaging"}}, nil)

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet,
		"/patients/5/records?record_type=imaging&start_date=2026-01-01&end_date=2026-02-01", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetPath("/patients/:patient_id/records")
	c.SetParamNames("patient_id")
	c.SetParamValues("5")

	require.NoError(t, h.ListRecords(c))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestGetRecordDetail_Success(t *testing.T) {
	h, store := newHandler(t)

	store.EXPECT().GetRecordDetail(gomock.Any(), int64(10)).Return(&repository.RecordDetail{
		RecordID:   10,
		PatientID:  5,
		RecordType: "lab",
	}, nil)

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/patients/5/records/10", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetPath("/patients/:patient_id/records/:record_id")
	c.SetParamNames("patient_id", "record_id")
	c.SetParamValues("5", "10")

	require.NoError(t, h.GetRecordDetail(c))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestGetRecordDetail_WrongPatientIs404(t *testing.T) {
	h, store := newHandler(t)

	store.EXPECT().GetRecordDetail(gomock.Any(), int64(10)).Return(&repository.RecordDetail{
		RecordID:  10,
		PatientID: 9,
	}, nil)

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/patients/5/records/10", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetPath("/patients/:patient_id/records/:record_id")
	c.SetParamNames("patient_id", "record_id")
	c.SetParamValues("5", "10")

	require.NoError(t, h.GetRecordDetail(c))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPeepHistory_Success(t *testing.T) {
	h, store := newHandler(t)

	cur := 6.5
	store.EXPECT().PeepHistory(gomock.Any(), "5").Return([]repository.PeepPoint{
		{RecordTime: "2026-08-25T10:00:00Z", CurrentPeep: &cur},
	}, nil)

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/patients/5/peep_history", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetPath("/patients/:patient_id/peep_history")
	c.SetParamNames("patient_id")
	c.SetParamValues("5")

	require.NoError(t, h.PeepHistory(c))
	assert.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, float64(5), body["patient_id"])
	points, ok := body["history_peep"].([]any)
	require.True(t, ok)
	require.Len(t, points, 1)
}
