package qc

import (
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/stat"

	"github.com/smukkama/aqgrid/internal/logging"
)

// recordNamespace seeds the deterministic record ids.
var recordNamespace = uuid.MustParse("6f1c2d3e-8a7b-4c5d-9e0f-a1b2c3d4e5f6")

// Config holds the QC thresholds.
type Config struct {
	MinPM25         float64
	MaxPM25         float64
	SpikeThreshold  float64
	SpikeWindow     int
	MinSpikeSamples int
	HumidityLimit   float64
}

// DefaultConfig returns the thresholds used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		MinPM25:         0,
		MaxPM25:         500,
		SpikeThreshold:  3.5,
		SpikeWindow:     30,
		MinSpikeSamples: 5,
		HumidityLimit:   85,
	}
}

// Harmonizer maps raw readings onto the canonical schema and runs the QC
// rules. It holds no mutable state, so one instance may be shared.
type Harmonizer struct {
	cfg      Config
	defaults FieldMap
	sources  map[string]FieldMap
	log      *slog.Logger
}

// NewHarmonizer creates a harmonizer. sources maps a source id to its
// payload field map; unknown sources use DefaultFieldMap.
func NewHarmonizer(cfg Config, sources map[string]FieldMap, log *slog.Logger) *Harmonizer {
	defaults := DefaultFieldMap()
	merged := make(map[string]FieldMap, len(sources))
	for id, fm := range sources {
		merged[strings.ToLower(id)] = fm.merge(defaults)
	}
	return &Harmonizer{cfg: cfg, defaults: defaults, sources: merged, log: logging.OrDiscard(log)}
}

func (h *Harmonizer) fieldMap(sourceID string) FieldMap {
	if fm, ok := h.sources[strings.ToLower(sourceID)]; ok {
		return fm
	}
	return h.defaults
}

// Harmonize converts one reading. history holds the sensor's most recent
// valid PM2.5 values (oldest first) for spike detection; it is read only.
// The result depends only on the arguments, so repeated calls agree.
func (h *Harmonizer) Harmonize(raw RawReading, sourceID string, history []float64) (HarmonizedRecord, error) {
	if sourceID == "" {
		sourceID = raw.SourceID
	}
	fm := h.fieldMap(sourceID)

	sensorID := resolveSensorID(raw, fm)
	if sensorID == "" {
		return HarmonizedRecord{}, &SchemaError{Field: "sensor_id", Reason: "missing"}
	}

	lat := raw.Lat
	if lat == nil {
		lat = lookupFloat(raw.Payload, fm.Lat)
	}
	lon := raw.Lon
	if lon == nil {
		lon = lookupFloat(raw.Payload, fm.Lon)
	}
	if lat == nil || lon == nil {
		return HarmonizedRecord{}, &SchemaError{SensorID: sensorID, Field: "coordinates", Reason: "missing"}
	}

	ts := raw.Timestamp
	if ts.IsZero() {
		var ok bool
		if ts, ok = lookupTime(raw.Payload, fm.Timestamp); !ok {
			return HarmonizedRecord{}, &SchemaError{SensorID: sensorID, Field: "timestamp", Reason: "missing or unparseable"}
		}
	}
	ts = ts.UTC()

	rec := HarmonizedRecord{
		ID:          RecordID(sourceID, sensorID, ts),
		SensorID:    sensorID,
		SourceID:    sourceID,
		Lat:         *lat,
		Lon:         *lon,
		Timestamp:   ts,
		PM25:        pick(raw.PM25, raw.Payload, fm.PM25),
		RH:          pick(raw.RH, raw.Payload, fm.RH),
		Temperature: pick(raw.Temperature, raw.Payload, fm.Temperature),
		Pressure:    pick(raw.Pressure, raw.Payload, fm.Pressure),
		Flags:       []Flag{},
		Valid:       true,
	}
	if fm.TemperatureF && rec.Temperature != nil {
		c := (*rec.Temperature - 32) * 5 / 9
		rec.Temperature = &c
	}

	h.applyRules(&rec, history)
	return rec, nil
}

func resolveSensorID(raw RawReading, fm FieldMap) string {
	if id := strings.TrimSpace(raw.SensorID); id != "" {
		return id
	}
	return lookupString(raw.Payload, fm.SensorID)
}

// SensorKey returns the sensor id Harmonize would assign to raw.
func (h *Harmonizer) SensorKey(raw RawReading) string {
	return resolveSensorID(raw, h.fieldMap(raw.SourceID))
}

func pick(typed *float64, payload map[string]any, keys []string) *float64 {
	if typed != nil && !math.IsNaN(*typed) && !math.IsInf(*typed, 0) {
		v := *typed
		return &v
	}
	return lookupFloat(payload, keys)
}

// applyRules runs the QC rules in their fixed order. Each rule appends its
// own flag; none of them short-circuits the others.
func (h *Harmonizer) applyRules(rec *HarmonizedRecord, history []float64) {
	if rec.Lat < -90 || rec.Lat > 90 || rec.Lon < -180 || rec.Lon > 180 {
		rec.Valid = false
		rec.Flags = append(rec.Flags, FlagInvalidCoordinates)
	}

	if rec.PM25 == nil {
		rec.Flags = append(rec.Flags, FlagMissingValue)
	} else if *rec.PM25 < h.cfg.MinPM25 || *rec.PM25 > h.cfg.MaxPM25 {
		rec.PM25 = nil
		rec.Flags = append(rec.Flags, FlagOutOfRange)
	}

	if rec.PM25 != nil {
		if z, ok := ModifiedZScore(*rec.PM25, history, h.cfg.MinSpikeSamples); ok && math.Abs(z) > h.cfg.SpikeThreshold {
			rec.Flags = append(rec.Flags, FlagSuddenSpike)
		}
	}

	if rec.RH != nil && *rec.RH > h.cfg.HumidityLimit {
		rec.Flags = append(rec.Flags, FlagHighHumidity)
	}
}

// ModifiedZScore returns Iglewicz-Hoaglin's robust z-score of x against
// window. ok is false when the window is too short to judge.
func ModifiedZScore(x float64, window []float64, minSamples int) (z float64, ok bool) {
	if len(window) < minSamples || len(window) == 0 {
		return 0, false
	}

	sorted := append([]float64(nil), window...)
	sort.Float64s(sorted)
	median := stat.Quantile(0.5, stat.Empirical, sorted, nil)

	deviations := make([]float64, len(sorted))
	for i, v := range sorted {
		deviations[i] = math.Abs(v - median)
	}
	sort.Float64s(deviations)
	mad := stat.Quantile(0.5, stat.Empirical, deviations, nil)

	if mad > 0 {
		return 0.6745 * (x - median) / mad, true
	}

	// More than half the window is identical; fall back to the mean
	// absolute deviation.
	meanAD := stat.Mean(deviations, nil)
	if meanAD > 0 {
		return (x - median) / (1.253314 * meanAD), true
	}
	if x == median {
		return 0, true
	}
	return math.Inf(sign(x - median)), true
}

func sign(v float64) int {
	if v < 0 {
		return -1
	}
	return 1
}

// RecordID derives the deterministic id of a harmonized record.
func RecordID(sourceID, sensorID string, ts time.Time) string {
	key := fmt.Sprintf("%s|%s|%s", strings.ToLower(sourceID), sensorID, ts.UTC().Format(time.RFC3339Nano))
	return uuid.NewSHA1(recordNamespace, []byte(key)).String()
}

// Supersede returns a corrected copy of rec. The original is untouched and
// referenced through SupersedesID. Flags judging the old value are dropped.
func Supersede(rec HarmonizedRecord, pm25 float64, extra ...Flag) HarmonizedRecord {
	next := rec
	next.SupersedesID = rec.ID
	next.ID = uuid.NewSHA1(recordNamespace, []byte(rec.ID+"|corrected|"+fmt.Sprintf("%g", pm25))).String()
	v := pm25
	next.PM25 = &v
	next.Flags = make([]Flag, 0, len(rec.Flags)+1+len(extra))
	for _, f := range rec.Flags {
		switch f {
		case FlagMissingValue, FlagOutOfRange, FlagSuddenSpike, FlagCorrected:
			continue
		}
		next.Flags = append(next.Flags, f)
	}
	next.Flags = append(append(next.Flags, FlagCorrected), extra...)
	return next
}

// Correct supersedes rec with a replacement PM2.5 value, which must lie in
// the configured range.
func (h *Harmonizer) Correct(rec HarmonizedRecord, pm25 float64) (HarmonizedRecord, error) {
	if math.IsNaN(pm25) || pm25 < h.cfg.MinPM25 || pm25 > h.cfg.MaxPM25 {
		return HarmonizedRecord{}, fmt.Errorf("corrected pm25 %v outside [%v, %v]", pm25, h.cfg.MinPM25, h.cfg.MaxPM25)
	}
	return Supersede(rec, pm25), nil
}
