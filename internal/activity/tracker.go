// Package activity tracks which patient parameter streams are currently
// producing data. Subscriptions are only admitted for live streams, so a
// client asking for a disconnected device gets an immediate error instead
// of a silent stream.
package activity

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/yartinzz/DTICU-Ventilator/internal/vitals"
)

// DefaultThreshold is how long a stream may go without a new sample before
// it is considered inactive.
const DefaultThreshold = 20 * time.Second

type key struct {
	patient vitals.PatientID
	param   vitals.ParamType
}

type state struct {
	active     bool
	lastUpdate float64 // collection time of the newest sample, Unix seconds
}

// Tracker records the liveness of every stream that has ever produced a
// sample. Stale entries flip inactive but are never deleted, so a stream
// that resumes reuses its entry and its history stays inspectable.
type Tracker struct {
	mu        sync.Mutex
	entries   map[key]*state
	threshold time.Duration
	logger    *zap.Logger
}

func NewTracker(threshold time.Duration, logger *zap.Logger) *Tracker {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &Tracker{
		entries:   make(map[key]*state),
		threshold: threshold,
		logger:    logger,
	}
}

// MarkLive flags the stream active and records the sample's collection
// time. Liveness is judged against collection time, not arrival time.
func (t *Tracker) MarkLive(patient vitals.PatientID, param vitals.ParamType, ts float64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	st := t.entries[key{patient, param}]
	if st == nil {
		st = &state{}
		t.entries[key{patient, param}] = st
	}
	st.active = true
	st.lastUpdate = ts
}

// Status returns the stream's liveness and last collection time. Streams
// never seen report inactive with a zero timestamp.
func (t *Tracker) Status(patient vitals.PatientID, param vitals.ParamType) (active bool, lastUpdate float64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	st := t.entries[key{patient, param}]
	if st == nil {
		return false, 0
	}
	return st.active, st.lastUpdate
}

// Inactive filters params down to the ones not currently live for patient,
// preserving request order. Streams never seen count as inactive.
func (t *Tracker) Inactive(patient vitals.PatientID, params []vitals.ParamType) []vitals.ParamType {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []vitals.ParamType
	for _, param := range params {
		st := t.entries[key{patient, param}]
		if st == nil || !st.active {
			out = append(out, param)
		}
	}
	return out
}

// SweepOnce flips every active entry whose last sample is older than the
// threshold, then logs the active roster grouped by patient.
func (t *Tracker) SweepOnce(now time.Time) {
	nowSec := float64(now.UnixNano()) / float64(time.Second)

	t.mu.Lock()
	for k, st := range t.entries {
		if st.active && nowSec-st.lastUpdate > t.threshold.Seconds() {
			st.active = false
			t.logger.Info("stream went inactive",
				zap.String("patient_id", string(k.patient)),
				zap.String("param_type", string(k.param)),
				zap.Float64("last_update", st.lastUpdate),
			)
		}
	}

	grouped := make(map[vitals.PatientID][]string)
	for k, st := range t.entries {
		if st.active {
			grouped[k.patient] = append(grouped[k.patient], string(k.param))
		}
	}
	t.mu.Unlock()

	if len(grouped) == 0 {
		t.logger.Info("no active streams")
		return
	}
	patients := make([]string, 0, len(grouped))
	for p := range grouped {
		patients = append(patients, string(p))
	}
	sort.Strings(patients)
	for _, p := range patients {
		params := grouped[vitals.PatientID(p)]
		sort.Strings(params)
		t.logger.Info("active streams",
			zap.String("patient_id", p),
			zap.Strings("param_types", params),
		)
	}
}

// Threshold returns the staleness cutoff the tracker sweeps with.
func (t *Tracker) Threshold() time.Duration {
	return t.threshold
}
