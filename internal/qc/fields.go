package qc

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"
)

// FieldMap lists, per canonical field, the payload keys a source uses for
// it, in priority order.
type FieldMap struct {
	SensorID    []string
	Lat         []string
	Lon         []string
	Timestamp   []string
	PM25        []string
	RH          []string
	Temperature []string
	Pressure    []string

	// TemperatureF marks sources reporting Fahrenheit.
	TemperatureF bool
}

// DefaultFieldMap covers the key spellings seen across common low-cost
// networks and reference feeds.
func DefaultFieldMap() FieldMap {
	return FieldMap{
		SensorID:    []string{"sensor_id", "sensor_index", "device_id", "id"},
		Lat:         []string{"lat", "latitude"},
		Lon:         []string{"lon", "lng", "longitude"},
		Timestamp:   []string{"timestamp", "time", "ts", "time_stamp", "datetime"},
		PM25:        []string{"pm25", "pm2_5", "pm2.5", "PM2.5", "pm2_5_atm", "pm25_raw"},
		RH:          []string{"rh", "humidity", "relative_humidity"},
		Temperature: []string{"temperature", "temp", "temperature_c"},
		Pressure:    []string{"pressure", "pressure_hpa"},
	}
}

// merge puts the source-specific keys ahead of the defaults.
func (m FieldMap) merge(defaults FieldMap) FieldMap {
	return FieldMap{
		SensorID:     appendUnique(m.SensorID, defaults.SensorID),
		Lat:          appendUnique(m.Lat, defaults.Lat),
		Lon:          appendUnique(m.Lon, defaults.Lon),
		Timestamp:    appendUnique(m.Timestamp, defaults.Timestamp),
		PM25:         appendUnique(m.PM25, defaults.PM25),
		RH:           appendUnique(m.RH, defaults.RH),
		Temperature:  appendUnique(m.Temperature, defaults.Temperature),
		Pressure:     appendUnique(m.Pressure, defaults.Pressure),
		TemperatureF: m.TemperatureF,
	}
}

func appendUnique(first, rest []string) []string {
	out := make([]string, 0, len(first)+len(rest))
	seen := make(map[string]bool, len(first)+len(rest))
	for _, k := range append(append([]string{}, first...), rest...) {
		if !seen[k] {
			seen[k] = true
			out = append(out, k)
		}
	}
	return out
}

func lookupFloat(payload map[string]any, keys []string) *float64 {
	for _, k := range keys {
		v, ok := payload[k]
		if !ok || v == nil {
			continue
		}
		if f, ok := toFloat(v); ok {
			return &f
		}
	}
	return nil
}

func lookupString(payload map[string]any, keys []string) string {
	for _, k := range keys {
		v, ok := payload[k]
		if !ok || v == nil {
			continue
		}
		switch s := v.(type) {
		case string:
			if s = strings.TrimSpace(s); s != "" {
				return s
			}
		case json.Number:
			return s.String()
		case float64:
			return strconv.FormatFloat(s, 'f', -1, 64)
		case int:
			return strconv.Itoa(s)
		case int64:
			return strconv.FormatInt(s, 10)
		}
	}
	return ""
}

func lookupTime(payload map[string]any, keys []string) (time.Time, bool) {
	for _, k := range keys {
		v, ok := payload[k]
		if !ok || v == nil {
			continue
		}
		switch t := v.(type) {
		case time.Time:
			return t.UTC(), true
		case string:
			if ts, err := time.Parse(time.RFC3339, t); err == nil {
				return ts.UTC(), true
			}
			if secs, err := strconv.ParseInt(t, 10, 64); err == nil {
				return unixToTime(secs), true
			}
		default:
			if f, ok := toFloat(v); ok {
				return unixToTime(int64(f)), true
			}
		}
	}
	return time.Time{}, false
}

// unixToTime accepts seconds or milliseconds since the epoch.
func unixToTime(v int64) time.Time {
	if v > 1e12 {
		return time.UnixMilli(v).UTC()
	}
	return time.Unix(v, 0).UTC()
}

func toFloat(v any) (float64, bool) {
	f, ok := rawFloat(v)
	if !ok || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

func rawFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	}
	return 0, false
}
