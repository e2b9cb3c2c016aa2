// Package protocol defines the JSON frames the server writes to WebSocket
// clients, plus the transport sanitiser that makes decoded payloads safe
// for the text protocol.
package protocol

import (
	"time"

	"github.com/yartinzz/DTICU-Ventilator/internal/vitals"
)

// Frame type discriminators. Replies echo the action that produced them,
// except get_patients, which answers as get_patient_list, and chat, which
// answers as deepseek_response.
const (
	TypeGetParameters    = "get_parameters"
	TypeGetPatientList   = "get_patient_list"
	TypeAnalyzeDeltaPEEP = "analyze_deltaPEEP"
	TypePeepHistory      = "peep_history"
	TypeDeepSeekReply    = "deepseek_response"
)

const (
	StatusSuccess    = "success"
	StatusFailure    = "failure"
	StatusProcessing = "processing"
	StatusError      = "error"
)

// DataFrame is the streaming frame dispatch fans out for one cached
// sample. Its timestamp is the sample's collection time in Unix seconds;
// control frames carry ISO-8601 text instead.
type DataFrame struct {
	Type      string           `json:"type"`
	ParamType vitals.ParamType `json:"param_type"`
	Status    string           `json:"status"`
	Code      int              `json:"code"`
	Message   string           `json:"message"`
	Data      any              `json:"data"`
	Timestamp float64          `json:"timestamp"`
}

// ControlFrame is every non-streaming reply a session writes: patient
// lists, subscribe acks and rejections, analysis progress, chat replies,
// snapshot histories.
type ControlFrame struct {
	Type       string             `json:"type"`
	ParamTypes []vitals.ParamType `json:"param_type,omitempty"`
	AnalysisID string             `json:"analysis_id,omitempty"`
	Status     string             `json:"status"`
	Code       int                `json:"code"`
	Progress   int                `json:"progress,omitempty"`
	Message    string             `json:"message"`
	Data       any                `json:"data"`
	Timestamp  string             `json:"timestamp"`
}

// Now is the control-frame clock.
func Now() string {
	return time.Now().Format(time.RFC3339)
}
