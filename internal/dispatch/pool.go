// Package dispatch moves decoded samples from the replication listener to
// subscribed sessions. Events carry only (patient, parameter, timestamp);
// workers look the payload up in the cache at delivery time, so a burst of
// inserts never copies waveforms through the queue.
package dispatch

import (
	"context"
	"encoding/json"
	"hash/fnv"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/yartinzz/DTICU-Ventilator/internal/cache"
	"github.com/yartinzz/DTICU-Ventilator/internal/protocol"
	"github.com/yartinzz/DTICU-Ventilator/internal/registry"
	"github.com/yartinzz/DTICU-Ventilator/internal/vitals"
)

const (
	DefaultWorkers    = 5
	DefaultQueueDepth = 10000
)

type event struct {
	patient vitals.PatientID
	param   vitals.ParamType
	ts      float64
}

// Pool fans cached samples out to subscribers. Events are sharded by
// (patient, parameter) hash onto per-worker queues, so each stream has a
// single consumer and stays in order without a global lock. When a shard
// queue is full the oldest event in that shard is shed first; the stream
// remains live because newer samples supersede older ones.
type Pool struct {
	cache    *cache.Cache
	registry *registry.Registry
	logger   *zap.Logger

	queues  []chan event
	dropped atomic.Uint64

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPool sizes the shard queues by splitting queueDepth across workers.
// Non-positive arguments fall back to the defaults.
func NewPool(c *cache.Cache, r *registry.Registry, logger *zap.Logger, workers, queueDepth int) *Pool {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	if queueDepth <= 0 {
		queueDepth = DefaultQueueDepth
	}
	perShard := queueDepth / workers
	if perShard < 1 {
		perShard = 1
	}

	queues := make([]chan event, workers)
	for i := range queues {
		queues[i] = make(chan event, perShard)
	}
	return &Pool{
		cache:    c,
		registry: r,
		logger:   logger,
		queues:   queues,
	}
}

// Start launches the workers. They run until Stop or ctx cancellation.
func (p *Pool) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	for i := range p.queues {
		p.wg.Add(1)
		go p.worker(ctx, p.queues[i])
	}
	p.logger.Info("dispatch pool started",
		zap.Int("workers", len(p.queues)),
		zap.Int("shard_depth", cap(p.queues[0])),
	)
}

// Stop cancels the workers and waits for them to exit. Queued events that
// have not been delivered are discarded; samples are not durable.
func (p *Pool) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	p.logger.Info("dispatch pool stopped", zap.Uint64("dropped_events", p.dropped.Load()))
}

// Enqueue schedules delivery of the sample recorded at ts. Streams nobody
// watches are skipped before they occupy queue space.
func (p *Pool) Enqueue(patient vitals.PatientID, param vitals.ParamType, ts float64) {
	if !p.registry.HasAny(patient, param) {
		return
	}

	q := p.queues[p.shard(patient, param)]
	ev := event{patient: patient, param: param, ts: ts}
	select {
	case q <- ev:
		return
	default:
	}

	// Shard is full: shed its oldest event to make room for the new one.
	select {
	case <-q:
		p.dropped.Add(1)
		p.logger.Warn("dispatch shard full, dropped oldest event",
			zap.String("patient_id", string(patient)),
			zap.String("param_type", string(param)),
		)
	default:
	}
	select {
	case q <- ev:
	default:
		p.dropped.Add(1)
	}
}

// Dropped reports how many events have been shed since the pool started.
func (p *Pool) Dropped() uint64 {
	return p.dropped.Load()
}

func (p *Pool) shard(patient vitals.PatientID, param vitals.ParamType) int {
	h := fnv.New32a()
	h.Write([]byte(patient))
	h.Write([]byte{0})
	h.Write([]byte(param))
	return int(h.Sum32() % uint32(len(p.queues)))
}

func (p *Pool) worker(ctx context.Context, q chan event) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-q:
			p.deliver(ev)
		}
	}
}

// deliver resolves the event against the cache and fans the frame out to
// the subscribers of record. A missing cache entry means the sample was
// already evicted and the event is stale; it is dropped silently.
func (p *Pool) deliver(ev event) {
	sample, ok := p.cache.At(ev.patient, ev.param, ev.ts)
	if !ok {
		return
	}

	frame := protocol.DataFrame{
		Type:      protocol.TypeGetParameters,
		ParamType: ev.param,
		Status:    protocol.StatusSuccess,
		Code:      200,
		Message:   "Data fetched successfully",
		Data:      protocol.Sanitize(sample.Data),
		Timestamp: sample.Timestamp,
	}
	raw, err := json.Marshal(frame)
	if err != nil {
		p.logger.Error("marshal data frame",
			zap.String("patient_id", string(ev.patient)),
			zap.String("param_type", string(ev.param)),
			zap.Error(err),
		)
		return
	}

	for _, sub := range p.registry.Subscribers(ev.patient, ev.param) {
		if !sub.TrySend(raw) {
			p.logger.Warn("subscriber rejected frame",
				zap.Int64("session_id", sub.ID()),
				zap.String("patient_id", string(ev.patient)),
				zap.String("param_type", string(ev.param)),
			)
		}
	}
}
