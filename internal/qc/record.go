package qc

import (
	"errors"
	"fmt"
	"time"
)

// Flag is a quality-control annotation attached to a harmonized record.
type Flag string

const (
	FlagInvalidCoordinates Flag = "invalid_coordinates"
	FlagMissingValue       Flag = "missing_value"
	FlagOutOfRange         Flag = "out_of_range"
	FlagSuddenSpike        Flag = "sudden_spike"
	FlagHighHumidity       Flag = "high_humidity_uncertainty"
	FlagCorrected          Flag = "corrected"
)

// RawReading is a sensor observation as handed over by an ingestion
// adapter. Lat, Lon and Timestamp may be absent when the adapter could
// only fill the payload.
type RawReading struct {
	SensorID    string         `json:"sensor_id"`
	SourceID    string         `json:"source_id"`
	Lat         *float64       `json:"lat,omitempty"`
	Lon         *float64       `json:"lon,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
	PM25        *float64       `json:"pm25,omitempty"`
	RH          *float64       `json:"rh,omitempty"`
	Temperature *float64       `json:"temperature,omitempty"`
	Pressure    *float64       `json:"pressure,omitempty"`
	Payload     map[string]any `json:"payload,omitempty"`
}

// HarmonizedRecord is the canonical, flagged form of a RawReading. It is
// never mutated: a correction produces a new record whose SupersedesID
// points at the original.
type HarmonizedRecord struct {
	ID           string    `json:"id"`
	SupersedesID string    `json:"supersedes_id,omitempty"`
	SensorID     string    `json:"sensor_id"`
	SourceID     string    `json:"source_id"`
	Lat          float64   `json:"lat"`
	Lon          float64   `json:"lon"`
	Timestamp    time.Time `json:"timestamp"`
	PM25         *float64  `json:"pm25"`
	RH           *float64  `json:"rh,omitempty"`
	Temperature  *float64  `json:"temperature,omitempty"`
	Pressure     *float64  `json:"pressure,omitempty"`
	Flags        []Flag    `json:"flags"`
	Valid        bool      `json:"valid"`
}

// HasFlag reports whether f is attached to the record.
func (r HarmonizedRecord) HasFlag(f Flag) bool {
	for _, existing := range r.Flags {
		if existing == f {
			return true
		}
	}
	return false
}

// Usable reports whether the record can feed calibration and interpolation.
func (r HarmonizedRecord) Usable() bool {
	return r.Valid && r.PM25 != nil
}

// ErrSchema is the sentinel behind every SchemaError.
var ErrSchema = errors.New("schema error")

// SchemaError reports a mandatory field that could not be recovered from
// either the typed fields or the payload.
type SchemaError struct {
	SensorID string
	Field    string
	Reason   string
}

func (e *SchemaError) Error() string {
	if e.SensorID == "" {
		return fmt.Sprintf("schema error: %s %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("schema error: sensor %s: %s %s", e.SensorID, e.Field, e.Reason)
}

func (e *SchemaError) Unwrap() error { return ErrSchema }
