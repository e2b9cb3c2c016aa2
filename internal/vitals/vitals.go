// Package vitals defines the patient parameter streams the server fans out:
// stream identifiers, the decoded payload variants, and the coercion rules
// for JSON values arriving from the replication log.
package vitals

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// ParamType names one monitored parameter stream. The values are the wire
// names clients use in get_parameters requests and that data frames echo
// back in their param_type field.
type ParamType string

const (
	ParamPressureFlow ParamType = "pressure_flow"
	ParamECG          ParamType = "ECG"
	ParamBreathCycle  ParamType = "breath_cycle"
	ParamMePAP        ParamType = "MePAP"
	ParamQRSInfo      ParamType = "ECG_QRS_INFO"
	ParamPhotodiode   ParamType = "photodiode"
)

var knownParams = map[ParamType]struct{}{
	ParamPressureFlow: {},
	ParamECG:          {},
	ParamBreathCycle:  {},
	ParamMePAP:        {},
	ParamQRSInfo:      {},
	ParamPhotodiode:   {},
}

// ParseParam returns the ParamType named by s, and whether s names one at all.
func ParseParam(s string) (ParamType, bool) {
	p := ParamType(s)
	_, ok := knownParams[p]
	return p, ok
}

// PatientID is an opaque patient identifier. Upstream rows and client
// messages carry it as either a number or a string; it is only compared
// for equality, never interpreted.
type PatientID string

// ParsePatientID normalises a patient identifier out of decoded JSON.
func ParsePatientID(v any) (PatientID, error) {
	switch id := v.(type) {
	case string:
		if id == "" {
			return "", errors.New("empty patient id")
		}
		return PatientID(id), nil
	case json.Number:
		return PatientID(id.String()), nil
	case float64:
		return PatientID(strconv.FormatFloat(id, 'f', -1, 64)), nil
	case int:
		return PatientID(strconv.Itoa(id)), nil
	case int64:
		return PatientID(strconv.FormatInt(id, 10)), nil
	case nil:
		return "", errors.New("missing patient id")
	default:
		return "", fmt.Errorf("patient id has unsupported type %T", v)
	}
}

// Sample is one decoded reading for a (patient, parameter) pair.
type Sample struct {
	Data      Payload
	Timestamp float64 // collection time, Unix seconds
}

// Payload is the decoded parameter payload. Each parameter family maps to
// exactly one concrete variant.
type Payload interface {
	payloadVariant()
}

// Channel is a single waveform block: a unit label plus the sampled values.
type Channel struct {
	Unit   string    `json:"unit"`
	Values []float64 `json:"values"`
}

// PressureFlow carries the ventilator pressure and flow waveforms.
type PressureFlow struct {
	Pressure Channel `json:"pressure"`
	Flow     Channel `json:"flow"`
}

// ECGChannels carries the four cardiography waveforms recorded together.
type ECGChannels struct {
	ECG       Channel `json:"ecg"`
	EMG       Channel `json:"emg"`
	Impedance Channel `json:"impedance"`
	EEG       Channel `json:"eeg"`
}

// QRSInfo pairs the beat-detection model output with the vitals derived
// from it. Both blocks are forwarded without reinterpretation.
type QRSInfo struct {
	Analysis map[string]any `json:"analysis"`
	Vitals   map[string]any `json:"vitals"`
}

// Metrics holds the parameter families forwarded as-is (breath_cycle,
// MePAP, photodiode): keyed readings with no fixed schema.
type Metrics map[string]any

func (PressureFlow) payloadVariant() {}
func (ECGChannels) payloadVariant()  {}
func (QRSInfo) payloadVariant()      {}
func (Metrics) payloadVariant()      {}
