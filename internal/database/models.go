package database

import "time"

// Alert statuses stored in alerts_log.
const (
	AlertStatusActive  = "ACTIVE"
	AlertStatusCleared = "CLEARED"
)

// AlertLog is one row of alerts_log.
type AlertLog struct {
	ID          int64
	Region      string
	Method      string
	Metric      string
	Value       float64
	Threshold   float64
	Comparison  string
	Status      string
	RunID       string
	TriggeredAt time.Time
	ClearedAt   *time.Time
}

// ReferenceReading is one monitor observation.
type ReferenceReading struct {
	MonitorID string
	Lat       float64
	Lon       float64
	Timestamp time.Time
	PM25      float64
}
