// Package handler exposes the patient REST surface that shares the
// process with the realtime fan-out: the directory, demographics,
// clinical records and the PEEP snapshot history.
package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/yartinzz/DTICU-Ventilator/internal/repository"
)

type Handler struct {
	store  repository.Store
	logger *zap.Logger
}

func NewHandler(store repository.Store, logger *zap.Logger) *Handler {
	return &Handler{store: store, logger: logger}
}

// Register mounts the patient routes. The group rewrites `null` list
// bodies to `[]`; the monitoring frontend's charts break on null.
func (h *Handler) Register(e *echo.Echo) {
	patients := e.Group("/patients", NullToEmptyArray())
	patients.GET("", h.ListPatients)
	patients.GET("/:patient_id", h.GetPatient)
	patients.PUT("/:patient_id", h.UpdatePatient)
	patients.GET("/:patient_id/records", h.ListRecords)
	patients.GET("/:patient_id/records/:record_id", h.GetRecordDetail)
	patients.GET("/:patient_id/peep_history", h.PeepHistory)
}

// ListPatients godoc
// @Summary      List patients
// @Description  Returns every patient's id and name for the directory picker.
// @Tags         patients
// @Produce      json
// @Success      200  {array}   repository.PatientSummary
// @Failure      500  {object}  map[string]string  "Internal Error"
// @Router       /patients [get]
func (h *Handler) ListPatients(c echo.Context) error {
	patients, err := h.store.ListPatients(c.Request().Context())
	if err != nil {
		h.logger.Error("list patients", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to list patients"})
	}
	return c.JSON(http.StatusOK, patients)
}

// GetPatient godoc
// @Summary      Retrieve one patient
// @Description  Fetches the full demographic record by numeric patient id.
// @Tags         patients
// @Produce      json
// @Param        patient_id  path  int  true  "Patient ID"
// @Success      200  {object}  repository.Patient
// @Failure      400  {object}  map[string]string  "Validation Error"
// @Failure      404  {object}  map[string]string  "Not Found"
// @Router       /patients/{patient_id} [get]
func (h *Handler) GetPatient(c echo.Context) error {
	patientID, err := parsePatientID(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid patient id"})
	}

	patient, err := h.store.GetPatient(c.Request().Context(), patientID)
	if errors.Is(err, repository.ErrNotFound) {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "patient not found"})
	}
	if err != nil {
		h.logger.Error("fetch patient", zap.Int64("patient_id", patientID), zap.Error(err))
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to fetch patient"})
	}
	return c.JSON(http.StatusOK, patient)
}

// UpdatePatient godoc
// @Summary      Update patient demographics
// @Description  Applies the provided fields; omitted fields are left untouched.
// @Tags         patients
// @Accept       json
// @Produce      json
// @Param        patient_id  path  int                        true  "Patient ID"
// @Param        request     body  repository.PatientUpdate   true  "Fields to update"
// @Success      200  {object}  map[string]string
// @Failure      400  {object}  map[string]string  "Validation Error"
// @Failure      404  {object}  map[string]string  "Not Found"
// @Router       /patients/{patient_id} [put]
func (h *Handler) UpdatePatient(c echo.Context) error {
	patientID, err := parsePatientID(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid patient id"})
	}

	var upd repository.PatientUpdate
	if err := c.Bind(&upd); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}

	rows, err := h.store.UpdatePatient(c.Request().Context(), patientID, upd)
	if err != nil {
		h.logger.Error("update patient", zap.Int64("patient_id", patientID), zap.Error(err))
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to update patient"})
	}
	if rows == 0 {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "patient not found or no change"})
	}
	return c.JSON(http.StatusOK, map[string]string{"msg": "Patient info updated successfully"})
}

// ListRecords godoc
// @Summary      List clinical records
// @Description  Returns record summaries, optionally filtered by type and a created-date window.
// @Tags         records
// @Produce      json
// @Param        patient_id   path   int     true   "Patient ID"
// @Param        record_type  query  string  false  "Record type filter"
// @Param        start_date   query  string  false  "YYYY-MM-DD"
// @Param        end_date     query  string  false  "YYYY-MM-DD"
// @Success      200  {array}   repository.RecordSummary
// @Failure      400  {object}  map[string]string  "Validation Error"
// @Router       /patients/{patient_id}/records [get]
func (h *Handler) ListRecords(c echo.Context) error {
	patientID, err := parsePatientID(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid patient id"})
	}

	var records []repository.RecordSummary
	if recordType := c.QueryParam("record_type"); recordType != "" {
		records, err = h.store.ListRecordsByType(c.Request().Context(), patientID,
			recordType, c.QueryParam("start_date"), c.QueryParam("end_date"))
	} else {
		records, err = h.store.ListRecords(c.Request().Context(), patientID)
	}
	if err != nil {
		h.logger.Error("list records", zap.Int64("patient_id", patientID), zap.Error(err))
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to list records"})
	}
	return c.JSON(http.StatusOK, records)
}

// GetRecordDetail godoc
// @Summary      Retrieve one clinical record
// @Description  Fetches full record content; 404 when the record does not belong to the patient.
// @Tags         records
// @Produce      json
// @Param        patient_id  path  int  true  "Patient ID"
// @Param        record_id   path  int  true  "Record ID"
// @Success      200  {object}  repository.RecordDetail
// @Failure      404  {object}  map[string]string  "Not Found"
// @Router       /patients/{patient_id}/records/{record_id} [get]
func (h *Handler) GetRecordDetail(c echo.Context) error {
	patientID, err := parsePatientID(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid patient id"})
	}
	recordID, err := strconv.ParseInt(c.Param("record_id"), 10, 64)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid record id"})
	}

	record, err := h.store.GetRecordDetail(c.Request().Context(), recordID)
	if errors.Is(err, repository.ErrNotFound) {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "record not found"})
	}
	if err != nil {
		h.logger.Error("fetch record detail", zap.Int64("record_id", recordID), zap.Error(err))
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to fetch record"})
	}
	if record.PatientID != patientID {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "record not found"})
	}
	return c.JSON(http.StatusOK, record)
}

// PeepHistory godoc
// @Summary      PEEP snapshot history
// @Description  Returns the last 12 hours of stored PEEP snapshots, oldest first.
// @Tags         patients
// @Produce      json
// @Param        patient_id  path  int  true  "Patient ID"
// @Success      200  {object}  map[string]interface{}
// @Failure      400  {object}  map[string]string  "Validation Error"
// @Router       /patients/{patient_id}/peep_history [get]
func (h *Handler) PeepHistory(c echo.Context) error {
	patientID, err := parsePatientID(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid patient id"})
	}

	history, err := h.store.PeepHistory(c.Request().Context(), strconv.FormatInt(patientID, 10))
	if err != nil {
		h.logger.Error("fetch peep history", zap.Int64("patient_id", patientID), zap.Error(err))
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to fetch peep history"})
	}
	return c.JSON(http.StatusOK, map[string]any{
		"patient_id":   patientID,
		"history_peep": history,
	})
}

func parsePatientID(c echo.Context) (int64, error) {
	return strconv.ParseInt(c.Param("patient_id"), 10, 64)
}
