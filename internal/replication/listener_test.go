package replication

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/yartinzz/DTICU-Ventilator/internal/vitals"
)

type pipelineCall struct {
	op      string
	patient vitals.PatientID
	param   vitals.ParamType
	ts      float64
}

type fakePipeline struct {
	calls []pipelineCall
}

func (f *fakePipeline) Update(patient vitals.PatientID, param vitals.ParamType, _ vitals.Payload, ts float64) {
	f.calls = append(f.calls, pipelineCall{"cache", patient, param, ts})
}

func (f *fakePipeline) MarkLive(patient vitals.PatientID, param vitals.ParamType, ts float64) {
	f.calls = append(f.calls, pipelineCall{"activity", patient, param, ts})
}

func (f *fakePipeline) Enqueue(patient vitals.PatientID, param vitals.ParamType, ts float64) {
	f.calls = append(f.calls, pipelineCall{"dispatch", patient, param, ts})
}

func (f *fakePipeline) Publish(ev Event) {
	f.calls = append(f.calls, pipelineCall{"relay", ev.Patient, ev.Param, ev.Timestamp})
}

func newTestListener(t *testing.T, pipe *fakePipeline, withRelay bool) *Listener {
	t.Helper()
	var relay SampleRelay
	if withRelay {
		relay = pipe
	}
	return NewListener(Config{
		Slot:        "vitals_slot",
		Publication: "vitals_pub",
	}, pipe, pipe, pipe, relay, zaptest.NewLogger(t))
}

func TestProcessRowRunsFullPipeline(t *testing.T) {
	pipe := &fakePipeline{}
	l := newTestListener(t, pipe, true)

	l.processRow(Row{
		Table: "ella_sensor_params",
		Columns: map[string][]byte{
			"patient_id":      []byte("9"),
			"collection_time": []byte("2025-03-01 00:00:00"),
			"parameters":      []byte(`{"breath_len": 2.1}`),
		},
	})

	require.Len(t, pipe.calls, 4)
	assert.Equal(t, "cache", pipe.calls[0].op, "cache fills before dispatch looks up")
	assert.Equal(t, "activity", pipe.calls[1].op)
	assert.Equal(t, "relay", pipe.calls[2].op)
	assert.Equal(t, "dispatch", pipe.calls[3].op)

	for _, call := range pipe.calls {
		assert.Equal(t, vitals.PatientID("9"), call.patient)
		assert.Equal(t, vitals.ParamBreathCycle, call.param)
	}
}

func TestProcessRowWithoutRelay(t *testing.T) {
	pipe := &fakePipeline{}
	l := newTestListener(t, pipe, false)

	l.processRow(Row{
		Table: "photodiode_params",
		Columns: map[string][]byte{
			"patient_id":      []byte("2"),
			"collection_time": []byte("2025-03-01 00:00:00"),
			"parameters":      []byte(`{"signal": [1,2]}`),
		},
	})

	require.Len(t, pipe.calls, 3)
	for _, call := range pipe.calls {
		assert.NotEqual(t, "relay", call.op)
	}
}

func TestProcessRowDropsMalformedRowOnly(t *testing.T) {
	pipe := &fakePipeline{}
	l := newTestListener(t, pipe, true)

	// Bad row: nothing reaches the pipeline.
	l.processRow(Row{
		Table: "pressure_flow_params",
		Columns: map[string][]byte{
			"patient_id":      []byte("9"),
			"collection_time": []byte("2025-03-01 00:00:00"),
			"parameters":      []byte(`{"pressure": {"unit": "cmH2O"}}`),
		},
	})
	assert.Empty(t, pipe.calls)

	// The next row is unaffected.
	l.processRow(Row{
		Table: "mepap_sensor_params",
		Columns: map[string][]byte{
			"patient_id":      []byte("9"),
			"collection_time": []byte("2025-03-01 00:00:01"),
			"parameters":      []byte(`{"expected_pressure": 10}`),
		},
	})
	assert.Len(t, pipe.calls, 4)
}

func TestProcessRowSkipsForeignTable(t *testing.T) {
	pipe := &fakePipeline{}
	l := newTestListener(t, pipe, true)

	l.processRow(Row{Table: "audit_log", Columns: map[string][]byte{"id": []byte("1")}})
	assert.Empty(t, pipe.calls)
}
