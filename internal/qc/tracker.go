package qc

import (
	"errors"
	"sort"
	"sync"
)

// SpikeTracker keeps a rolling window of accepted PM2.5 values per sensor
// for streaming callers. Harmonize itself stays pure; the tracker only
// supplies its history argument.
type SpikeTracker struct {
	mu      sync.RWMutex
	size    int
	windows map[string][]float64
}

// NewSpikeTracker creates a tracker holding up to size values per sensor.
func NewSpikeTracker(size int) *SpikeTracker {
	if size <= 0 {
		size = DefaultConfig().SpikeWindow
	}
	return &SpikeTracker{size: size, windows: make(map[string][]float64)}
}

// Window returns a copy of the sensor's current window, oldest first.
func (t *SpikeTracker) Window(sensorID string) []float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	w := t.windows[sensorID]
	out := make([]float64, len(w))
	copy(out, w)
	return out
}

// Clone returns an independent copy of the tracker.
func (t *SpikeTracker) Clone() *SpikeTracker {
	t.mu.RLock()
	defer t.mu.RUnlock()
	c := &SpikeTracker{size: t.size, windows: make(map[string][]float64, len(t.windows))}
	for id, w := range t.windows {
		c.windows[id] = append(make([]float64, 0, t.size), w...)
	}
	return c
}

// Known reports whether the tracker has seen the sensor.
func (t *SpikeTracker) Known(sensorID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.windows[sensorID]
	return ok
}

// Seed replaces the sensor's window, keeping the newest values.
func (t *SpikeTracker) Seed(sensorID string, values []float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(values) > t.size {
		values = values[len(values)-t.size:]
	}
	t.windows[sensorID] = append(make([]float64, 0, t.size), values...)
}

// Observe appends the record's value when it is usable. Spikes are kept in
// the window; the robust statistics tolerate them.
func (t *SpikeTracker) Observe(rec HarmonizedRecord) {
	if !rec.Usable() {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	w := append(t.windows[rec.SensorID], *rec.PM25)
	if len(w) > t.size {
		w = w[len(w)-t.size:]
	}
	t.windows[rec.SensorID] = w
}

// BatchStats summarizes a HarmonizeBatch run.
type BatchStats struct {
	Total   int
	Valid   int
	Invalid int
	Dropped int
	Flagged map[Flag]int
}

// HarmonizeBatch harmonizes readings in timestamp order, threading each
// sensor's window through tracker. Readings failing with a SchemaError are
// dropped and logged; they never fail the batch.
func (h *Harmonizer) HarmonizeBatch(readings []RawReading, tracker *SpikeTracker) ([]HarmonizedRecord, BatchStats) {
	if tracker == nil {
		tracker = NewSpikeTracker(h.cfg.SpikeWindow)
	}

	ordered := append([]RawReading(nil), readings...)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Timestamp.Before(ordered[j].Timestamp)
	})

	stats := BatchStats{Total: len(ordered), Flagged: make(map[Flag]int)}
	out := make([]HarmonizedRecord, 0, len(ordered))
	for _, raw := range ordered {
		rec, err := h.Harmonize(raw, raw.SourceID, tracker.Window(h.SensorKey(raw)))
		if err != nil {
			var schemaErr *SchemaError
			if errors.As(err, &schemaErr) {
				h.log.Warn("dropping reading", "sensor", raw.SensorID, "source", raw.SourceID, "error", err)
			}
			stats.Dropped++
			continue
		}
		if rec.Valid {
			stats.Valid++
		} else {
			stats.Invalid++
		}
		for _, f := range rec.Flags {
			stats.Flagged[f]++
		}
		tracker.Observe(rec)
		out = append(out, rec)
	}
	return out, stats
}
