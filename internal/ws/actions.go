package ws

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/yartinzz/DTICU-Ventilator/internal/analysis"
	"github.com/yartinzz/DTICU-Ventilator/internal/protocol"
	"github.com/yartinzz/DTICU-Ventilator/internal/repository"
	"github.com/yartinzz/DTICU-Ventilator/internal/vitals"
)

// waveformSamples is the required length of each analysis waveform:
// 20 s of data at 125 Hz, endpoints inclusive.
const waveformSamples = 2501

// inbound is the union of every command's fields; Action selects which
// of them matter.
type inbound struct {
	Action    string   `json:"action"`
	PatientID any      `json:"patient_id"`
	ParamType []string `json:"param_type"`

	PressureData []float64 `json:"pressureData"`
	FlowData     []float64 `json:"flowData"`
	DeltaPEEP    []float64 `json:"deltaPEEP"`

	Message string `json:"message"`

	RecordTime         string   `json:"record_time"`
	AvgCurrentPeep     *float64 `json:"avg_current_peep"`
	AvgRecommendedPeep *float64 `json:"avg_recommended_peep"`
}

// handleMessage decodes one inbound frame and runs its command. Slow
// commands (analysis, chat) are spawned so the loop keeps answering.
// Anything undecodable or unknown is logged and skipped; the session
// survives its client's mistakes.
func (s *session) handleMessage(raw []byte) {
	var msg inbound
	if err := json.Unmarshal(raw, &msg); err != nil {
		s.logger.Warn("discarding malformed frame", zap.Error(err))
		return
	}
	s.logger.Info("received command", zap.String("action", msg.Action))

	switch msg.Action {
	case "get_patients":
		s.handleGetPatients()
	case "get_parameters":
		s.handleGetParameters(msg)
	case "analyze_deltaPEEP":
		s.handleAnalyze(msg)
	case "stop":
		s.handleStop()
	case "deepseek_chat":
		go s.handleChat(msg.Message)
	case "store_peep_snapshot":
		s.handleStorePeepSnapshot(msg)
	default:
		s.logger.Warn("unknown action", zap.String("action", msg.Action))
	}
}

func (s *session) handleGetPatients() {
	patients, err := s.hub.store.ListPatients(s.ctx)
	if err != nil {
		s.logger.Error("fetch patient list", zap.Error(err))
		s.sendControl(protocol.ControlFrame{
			Type:    protocol.TypeGetPatientList,
			Status:  protocol.StatusFailure,
			Code:    500,
			Message: "Failed to fetch patients",
		})
		return
	}
	s.sendControl(protocol.ControlFrame{
		Type:    protocol.TypeGetPatientList,
		Status:  protocol.StatusSuccess,
		Code:    200,
		Message: "Patients fetched successfully",
		Data:    patients,
	})
}

// handleGetParameters subscribes the session to the requested streams,
// unless any of them has gone inactive, in which case the whole request
// is rejected with the inactive list.
func (s *session) handleGetParameters(msg inbound) {
	patient, err := vitals.ParsePatientID(msg.PatientID)
	if err != nil || len(msg.ParamType) == 0 {
		s.sendControl(protocol.ControlFrame{
			Type:    protocol.TypeGetParameters,
			Status:  protocol.StatusFailure,
			Code:    400,
			Message: "Invalid parameters",
		})
		return
	}

	params := make([]vitals.ParamType, len(msg.ParamType))
	for i, p := range msg.ParamType {
		params[i] = vitals.ParamType(p)
	}

	if inactive := s.hub.tracker.Inactive(patient, params); len(inactive) > 0 {
		names := make([]string, len(inactive))
		for i, p := range inactive {
			names[i] = string(p)
		}
		s.sendControl(protocol.ControlFrame{
			Type:       protocol.TypeGetParameters,
			ParamTypes: params,
			Status:     protocol.StatusFailure,
			Code:       400,
			Message: fmt.Sprintf("Current device not connected: %s -- %s inactive",
				patient, strings.Join(names, ", ")),
		})
		s.logger.Info("subscription rejected",
			zap.String("patient_id", string(patient)),
			zap.Strings("inactive", names))
		return
	}

	s.hub.registry.Subscribe(patient, params, s)
	s.rememberSubscription(patient, params)

	s.sendControl(protocol.ControlFrame{
		Type:       protocol.TypeGetParameters,
		ParamTypes: params,
		Status:     protocol.StatusSuccess,
		Code:       200,
		Message: fmt.Sprintf("Successfully subscribed to %s for patient %s",
			strings.Join(msg.ParamType, ", "), patient),
	})
}

func (s *session) handleStop() {
	subs := s.takeSubscriptions()
	patients := make([]string, 0, len(subs))
	for patient := range subs {
		patients = append(patients, string(patient))
	}
	s.logger.Info("stopping streams", zap.Strings("patient_ids", patients))

	for patient := range subs {
		s.hub.registry.Unsubscribe(patient, nil, s)
	}
}

func (s *session) handleAnalyze(msg inbound) {
	if msg.DeltaPEEP == nil ||
		len(msg.PressureData) != waveformSamples ||
		len(msg.FlowData) != waveformSamples {
		s.sendControl(protocol.ControlFrame{
			Type:    protocol.TypeAnalyzeDeltaPEEP,
			Status:  protocol.StatusFailure,
			Code:    400,
			Message: "Invalid parameters",
		})
		return
	}
	go s.runAnalysis(msg.PressureData, msg.FlowData, msg.DeltaPEEP)
}

// runAnalysis owns one analysis round trip. Progress frames bracket the
// engine call so the client can render a meaningful bar; the session
// context cancels the call if the client disconnects mid-analysis.
func (s *session) runAnalysis(pressure, flow, deltaPEEP []float64) {
	analysisID := uuid.New().String()

	progress := func(pct int, message string) {
		s.sendControl(protocol.ControlFrame{
			Type:       protocol.TypeAnalyzeDeltaPEEP,
			AnalysisID: analysisID,
			Status:     protocol.StatusProcessing,
			Code:       200,
			Progress:   pct,
			Message:    message,
		})
	}
	progress(10, "Analysis started")
	progress(20, "Data validation passed")

	var (
		results []analysis.Result
		err     error
	)
	if s.hub.analyzer == nil {
		err = analysis.ErrNoEngine
	} else {
		results, err = s.hub.analyzer.Analyze(s.ctx, pressure, flow, deltaPEEP)
	}
	if err != nil {
		s.logger.Error("analysis failed",
			zap.String("analysis_id", analysisID), zap.Error(err))
		s.sendControl(protocol.ControlFrame{
			Type:       protocol.TypeAnalyzeDeltaPEEP,
			AnalysisID: analysisID,
			Status:     protocol.StatusFailure,
			Code:       500,
			Message:    "Analysis failed: " + err.Error(),
		})
		return
	}

	s.sendControl(protocol.ControlFrame{
		Type:       protocol.TypeAnalyzeDeltaPEEP,
		AnalysisID: analysisID,
		Status:     protocol.StatusSuccess,
		Code:       200,
		Progress:   100,
		Message:    "Analysis completed",
		Data:       results,
	})
	s.logger.Info("analysis completed",
		zap.String("analysis_id", analysisID), zap.Int("rows", len(results)))
}

// handleChat runs off the read loop; the upstream call can take tens of
// seconds.
func (s *session) handleChat(prompt string) {
	if s.hub.chatter == nil {
		s.sendControl(protocol.ControlFrame{
			Type:    protocol.TypeDeepSeekReply,
			Status:  protocol.StatusError,
			Code:    500,
			Message: "Chat bridge is not configured",
		})
		return
	}

	answer, err := s.hub.chatter.Complete(s.ctx, prompt)
	if err != nil {
		s.logger.Error("chat request failed", zap.Error(err))
		s.sendControl(protocol.ControlFrame{
			Type:    protocol.TypeDeepSeekReply,
			Status:  protocol.StatusError,
			Code:    500,
			Message: "Chat request failed",
		})
		return
	}

	s.sendControl(protocol.ControlFrame{
		Type:    protocol.TypeDeepSeekReply,
		Status:  protocol.StatusSuccess,
		Code:    200,
		Message: "Success",
		Data:    answer,
	})
}

type peepHistoryData struct {
	Times           []string   `json:"times"`
	CurrentPeep     []*float64 `json:"current_peep"`
	RecommendedPeep []*float64 `json:"recommended_peep"`
}

// handleStorePeepSnapshot upserts one averaged snapshot, unless both
// peep fields are null, then answers with the 12-hour history either
// way so the client's trend chart refreshes.
func (s *session) handleStorePeepSnapshot(msg inbound) {
	patient, err := vitals.ParsePatientID(msg.PatientID)
	if err != nil {
		s.sendControl(protocol.ControlFrame{
			Type:    protocol.TypePeepHistory,
			Status:  protocol.StatusFailure,
			Code:    400,
			Message: "Invalid parameters",
		})
		return
	}

	if msg.AvgCurrentPeep != nil || msg.AvgRecommendedPeep != nil {
		recordTime, err := time.Parse(time.RFC3339, msg.RecordTime)
		if err != nil {
			s.sendControl(protocol.ControlFrame{
				Type:    protocol.TypePeepHistory,
				Status:  protocol.StatusFailure,
				Code:    400,
				Message: "Invalid parameters",
			})
			return
		}
		snap := repository.VitalSnapshot{
			PatientID:       string(patient),
			RecordTime:      recordTime,
			CurrentPeep:     msg.AvgCurrentPeep,
			RecommendedPeep: msg.AvgRecommendedPeep,
		}
		if err := s.hub.store.UpsertVitalSnapshot(s.ctx, snap); err != nil {
			s.logger.Error("store peep snapshot",
				zap.String("patient_id", string(patient)), zap.Error(err))
			s.sendControl(protocol.ControlFrame{
				Type:    protocol.TypePeepHistory,
				Status:  protocol.StatusFailure,
				Code:    500,
				Message: "Failed to store PEEP snapshot",
			})
			return
		}
	} else {
		s.logger.Info("skipped storing PEEP snapshot due to null values",
			zap.String("patient_id", string(patient)))
	}

	history, err := s.hub.store.PeepHistory(s.ctx, string(patient))
	if err != nil {
		s.logger.Error("fetch peep history",
			zap.String("patient_id", string(patient)), zap.Error(err))
		s.sendControl(protocol.ControlFrame{
			Type:    protocol.TypePeepHistory,
			Status:  protocol.StatusFailure,
			Code:    500,
			Message: "Failed to fetch PEEP history",
		})
		return
	}

	data := peepHistoryData{
		Times:           make([]string, 0, len(history)),
		CurrentPeep:     make([]*float64, 0, len(history)),
		RecommendedPeep: make([]*float64, 0, len(history)),
	}
	for _, point := range history {
		data.Times = append(data.Times, point.RecordTime)
		data.CurrentPeep = append(data.CurrentPeep, point.CurrentPeep)
		data.RecommendedPeep = append(data.RecommendedPeep, point.RecommendedPeep)
	}

	s.sendControl(protocol.ControlFrame{
		Type:    protocol.TypePeepHistory,
		Status:  protocol.StatusSuccess,
		Code:    200,
		Message: "PEEP history (last 12h)",
		Data:    data,
	})
	s.logger.Info("returned peep history",
		zap.String("patient_id", string(patient)), zap.Int("points", len(history)))
}
