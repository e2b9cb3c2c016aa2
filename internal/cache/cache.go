// Package cache keeps the most recent samples of every patient parameter
// stream so dispatch can look a reading up by its collection time instead
// of carrying payloads through the queue.
package cache

import (
	"sync"

	"github.com/yartinzz/DTICU-Ventilator/internal/vitals"
)

// ringSize bounds how many samples one stream retains. Dispatch normally
// asks for the newest or near-newest sample, so a short ring is enough to
// absorb queueing delay between ingest and delivery.
const ringSize = 10

type key struct {
	patient vitals.PatientID
	param   vitals.ParamType
}

// entry is the sample ring of one stream. Each entry carries its own lock
// so high-rate streams do not contend with each other.
type entry struct {
	mu      sync.Mutex
	samples [ringSize]vitals.Sample
	head    int // next write slot
	count   int
}

// Cache is safe for concurrent use by the replication listener and the
// dispatch workers.
type Cache struct {
	mu      sync.RWMutex
	entries map[key]*entry
}

func New() *Cache {
	return &Cache{entries: make(map[key]*entry)}
}

func (c *Cache) entryFor(k key, create bool) *entry {
	c.mu.RLock()
	e := c.entries[k]
	c.mu.RUnlock()
	if e != nil || !create {
		return e
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if e = c.entries[k]; e == nil {
		e = &entry{}
		c.entries[k] = e
	}
	return e
}

// Update appends one sample in arrival order, evicting the oldest once the
// ring is full.
func (c *Cache) Update(patient vitals.PatientID, param vitals.ParamType, data vitals.Payload, ts float64) {
	e := c.entryFor(key{patient, param}, true)

	e.mu.Lock()
	defer e.mu.Unlock()
	e.samples[e.head] = vitals.Sample{Data: data, Timestamp: ts}
	e.head = (e.head + 1) % ringSize
	if e.count < ringSize {
		e.count++
	}
}

// Latest returns the newest sample of the stream. ok is false when the
// stream has never produced one.
func (c *Cache) Latest(patient vitals.PatientID, param vitals.ParamType) (vitals.Sample, bool) {
	e := c.entryFor(key{patient, param}, false)
	if e == nil {
		return vitals.Sample{}, false
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.count == 0 {
		return vitals.Sample{}, false
	}
	return e.samples[(e.head-1+ringSize)%ringSize], true
}

// At returns the sample recorded exactly at ts, scanning newest to oldest.
// When no retained sample matches, the newest one is returned instead; ok
// is false only when the stream has never produced a sample.
func (c *Cache) At(patient vitals.PatientID, param vitals.ParamType, ts float64) (vitals.Sample, bool) {
	e := c.entryFor(key{patient, param}, false)
	if e == nil {
		return vitals.Sample{}, false
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.count == 0 {
		return vitals.Sample{}, false
	}
	for i := 0; i < e.count; i++ {
		idx := (e.head - 1 - i + 2*ringSize) % ringSize
		if e.samples[idx].Timestamp == ts {
			return e.samples[idx], true
		}
	}
	return e.samples[(e.head-1+ringSize)%ringSize], true
}

// LastTimestamp returns the collection time of the newest sample, or 0
// when the stream has never been seen.
func (c *Cache) LastTimestamp(patient vitals.PatientID, param vitals.ParamType) float64 {
	s, ok := c.Latest(patient, param)
	if !ok {
		return 0
	}
	return s.Timestamp
}
