// Package registry tracks which sessions are subscribed to which patient
// parameter streams.
package registry

import (
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/yartinzz/DTICU-Ventilator/internal/vitals"
)

// Subscriber is the session surface the registry and dispatch need: a
// stable identifier and a non-blocking send. TrySend reports false when
// the subscriber cannot accept the frame (its outbound buffer is full or
// it is already closing).
type Subscriber interface {
	ID() int64
	TrySend(frame []byte) bool
}

// Registry is a three-level map, patient → parameter → sessions by id.
// One mutex guards the whole structure; read paths copy their result out
// so frame delivery never happens under the lock. Empty inner maps are
// pruned eagerly, so HasAny never sees leftovers and lookups never create
// entries.
type Registry struct {
	mu     sync.Mutex
	subs   map[vitals.PatientID]map[vitals.ParamType]map[int64]Subscriber
	logger *zap.Logger
}

func New(logger *zap.Logger) *Registry {
	return &Registry{
		subs:   make(map[vitals.PatientID]map[vitals.ParamType]map[int64]Subscriber),
		logger: logger,
	}
}

// Subscribe registers sub for every parameter in params. Subscribing twice
// is a no-op per parameter.
func (r *Registry) Subscribe(patient vitals.PatientID, params []vitals.ParamType, sub Subscriber) {
	r.mu.Lock()
	defer r.mu.Unlock()

	byParam := r.subs[patient]
	if byParam == nil {
		byParam = make(map[vitals.ParamType]map[int64]Subscriber)
		r.subs[patient] = byParam
	}
	for _, param := range params {
		set := byParam[param]
		if set == nil {
			set = make(map[int64]Subscriber)
			byParam[param] = set
		}
		set[sub.ID()] = sub
	}

	r.logger.Info("session subscribed",
		zap.String("patient_id", string(patient)),
		zap.Any("param_types", params),
		zap.Int64("session_id", sub.ID()),
	)
	r.logRosterLocked()
}

// Unsubscribe removes sub from the given parameters of one patient. An
// empty params slice means every parameter the patient has. Unsubscribing
// a session that is not present is a no-op.
func (r *Registry) Unsubscribe(patient vitals.PatientID, params []vitals.ParamType, sub Subscriber) {
	r.mu.Lock()
	defer r.mu.Unlock()

	byParam := r.subs[patient]
	if byParam == nil {
		return
	}
	if len(params) == 0 {
		params = make([]vitals.ParamType, 0, len(byParam))
		for param := range byParam {
			params = append(params, param)
		}
	}
	for _, param := range params {
		r.removeLocked(patient, param, sub.ID())
	}

	r.logger.Info("session unsubscribed",
		zap.String("patient_id", string(patient)),
		zap.Int64("session_id", sub.ID()),
	)
	r.logRosterLocked()
}

// UnsubscribeAll removes sub from every stream it appears in. It is the
// disconnect path, and it is idempotent.
func (r *Registry) UnsubscribeAll(sub Subscriber) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := sub.ID()
	for patient, byParam := range r.subs {
		for param := range byParam {
			r.removeLocked(patient, param, id)
		}
	}
}

func (r *Registry) removeLocked(patient vitals.PatientID, param vitals.ParamType, id int64) {
	byParam := r.subs[patient]
	if byParam == nil {
		return
	}
	set := byParam[param]
	if set == nil {
		return
	}
	delete(set, id)
	if len(set) == 0 {
		delete(byParam, param)
	}
	if len(byParam) == 0 {
		delete(r.subs, patient)
	}
}

// Subscribers returns a snapshot of the sessions subscribed to one stream.
func (r *Registry) Subscribers(patient vitals.PatientID, param vitals.ParamType) []Subscriber {
	r.mu.Lock()
	defer r.mu.Unlock()

	set := r.subs[patient][param]
	if len(set) == 0 {
		return nil
	}
	out := make([]Subscriber, 0, len(set))
	for _, sub := range set {
		out = append(out, sub)
	}
	return out
}

// HasAny reports whether any session is subscribed to the stream. The
// replication listener uses it to skip dispatch for unwatched streams.
func (r *Registry) HasAny(patient vitals.PatientID, param vitals.ParamType) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs[patient][param]) > 0
}

// LogRoster writes one line per subscribed stream with the session ids on
// it. The activity sweeper calls this every tick.
func (r *Registry) LogRoster() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logRosterLocked()
}

func (r *Registry) logRosterLocked() {
	for patient, byParam := range r.subs {
		for param, set := range byParam {
			ids := make([]int64, 0, len(set))
			for id := range set {
				ids = append(ids, id)
			}
			sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
			r.logger.Info("subscription roster",
				zap.String("patient_id", string(patient)),
				zap.String("param_type", string(param)),
				zap.Int64s("session_ids", ids),
			)
		}
	}
}
