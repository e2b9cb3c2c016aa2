package replication

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/yartinzz/DTICU-Ventilator/internal/vitals"
)

// Event is one normalised sample ready for the pipeline: cache, activity
// tracking, relay and dispatch all consume this shape.
type Event struct {
	Patient   vitals.PatientID
	Param     vitals.ParamType
	Data      vitals.Payload
	Timestamp float64
}

// Tables is the replication allow-list. The publication must cover exactly
// these tables; rows from anything else are ignored.
var Tables = []string{
	"pressure_flow_params",
	"ecg_params",
	"ella_sensor_params",
	"mepap_sensor_params",
	"ecg_model_output",
	"photodiode_params",
}

type payloadFunc func(cols map[string][]byte) (vitals.ParamType, vitals.Payload, error)

var payloadDecoders = map[string]payloadFunc{
	"pressure_flow_params": decodePressureFlow,
	"ecg_params":           decodeECG,
	"ella_sensor_params":   decodeBreathCycle,
	"mepap_sensor_params":  decodeMePAP,
	"ecg_model_output":     decodeQRSInfo,
	"photodiode_params":    decodePhotodiode,
}

// Normalize turns a decoded insert into a pipeline event. Rows from tables
// outside the allow-list return (nil, nil) and are skipped. A malformed
// row returns an error; the caller logs it and drops the row without
// disturbing the stream.
func Normalize(row Row) (*Event, error) {
	decode, ok := payloadDecoders[row.Table]
	if !ok {
		return nil, nil
	}

	patientRaw, ok := row.Columns["patient_id"]
	if !ok || len(patientRaw) == 0 {
		return nil, errors.New("missing patient_id")
	}
	patient := vitals.PatientID(strings.TrimSpace(string(patientRaw)))
	if patient == "" {
		return nil, errors.New("empty patient_id")
	}

	ts, err := parseCollectionTime(row.Columns["collection_time"])
	if err != nil {
		return nil, err
	}

	param, data, err := decode(row.Columns)
	if err != nil {
		return nil, err
	}

	return &Event{Patient: patient, Param: param, Data: data, Timestamp: ts}, nil
}

// collection_time is a timestamp column; pgoutput sends it as text with or
// without a zone offset depending on the column type. Offset-less values
// are taken as UTC.
var timestampLayouts = []string{
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999-07",
	"2006-01-02 15:04:05.999999999",
	time.RFC3339Nano,
}

func parseCollectionTime(raw []byte) (float64, error) {
	s := strings.TrimSpace(string(raw))
	if s == "" {
		return 0, errors.New("missing collection_time")
	}
	for _, layout := range timestampLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return float64(t.UnixNano()) / float64(time.Second), nil
		}
	}
	return 0, fmt.Errorf("unparseable collection_time %q", s)
}

func decodePressureFlow(cols map[string][]byte) (vitals.ParamType, vitals.Payload, error) {
	obj, err := vitals.DecodeObject(cols["parameters"])
	if err != nil {
		return "", nil, fmt.Errorf("pressure_flow parameters: %w", err)
	}
	pressure, err := vitals.ChannelFrom(obj, "pressure")
	if err != nil {
		return "", nil, err
	}
	flow, err := vitals.ChannelFrom(obj, "flow")
	if err != nil {
		return "", nil, err
	}
	return vitals.ParamPressureFlow, vitals.PressureFlow{Pressure: pressure, Flow: flow}, nil
}

func decodeECG(cols map[string][]byte) (vitals.ParamType, vitals.Payload, error) {
	obj, err := vitals.DecodeObject(cols["parameters"])
	if err != nil {
		return "", nil, fmt.Errorf("ecg parameters: %w", err)
	}
	var bundle vitals.ECGChannels
	for _, ch := range []struct {
		key  string
		dest *vitals.Channel
	}{
		{"ecg", &bundle.ECG},
		{"emg", &bundle.EMG},
		{"impedance", &bundle.Impedance},
		{"eeg", &bundle.EEG},
	} {
		c, err := vitals.ChannelFrom(obj, ch.key)
		if err != nil {
			return "", nil, err
		}
		*ch.dest = c
	}
	return vitals.ParamECG, bundle, nil
}

func decodeBreathCycle(cols map[string][]byte) (vitals.ParamType, vitals.Payload, error) {
	obj, err := vitals.DecodeObject(cols["parameters"])
	if err != nil {
		return "", nil, fmt.Errorf("breath cycle parameters: %w", err)
	}
	return vitals.ParamBreathCycle, vitals.Metrics(obj), nil
}

func decodeMePAP(cols map[string][]byte) (vitals.ParamType, vitals.Payload, error) {
	obj, err := vitals.DecodeObject(cols["parameters"])
	if err != nil {
		return "", nil, fmt.Errorf("mepap parameters: %w", err)
	}
	return vitals.ParamMePAP, vitals.Metrics(obj), nil
}

func decodeQRSInfo(cols map[string][]byte) (vitals.ParamType, vitals.Payload, error) {
	analysis, err := vitals.DecodeObject(cols["analysis_data"])
	if err != nil {
		return "", nil, fmt.Errorf("qrs analysis_data: %w", err)
	}
	vital, err := vitals.DecodeObject(cols["vitals_data"])
	if err != nil {
		return "", nil, fmt.Errorf("qrs vitals_data: %w", err)
	}
	return vitals.ParamQRSInfo, vitals.QRSInfo{Analysis: analysis, Vitals: vital}, nil
}

func decodePhotodiode(cols map[string][]byte) (vitals.ParamType, vitals.Payload, error) {
	obj, err := vitals.DecodeObject(cols["parameters"])
	if err != nil {
		return "", nil, fmt.Errorf("photodiode parameters: %w", err)
	}
	return vitals.ParamPhotodiode, vitals.Metrics(obj), nil
}
