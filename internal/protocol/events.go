package protocol

import (
	"encoding/json"
	"time"

	"github.com/smukkama/aqgrid/internal/interpolation"
)

// AlertNotification is the message format for validation alerts
type AlertNotification struct {
	Type       string             `json:"type"` // ALERT_TRIGGERED, ALERT_CLEARED
	Region     interpolation.BBox `json:"region"`
	Method     string             `json:"method"`
	Metric     string             `json:"metric"`
	Value      float64            `json:"value"`
	Threshold  float64            `json:"threshold"`
	Comparison string             `json:"comparison"`
	RunID      string             `json:"run_id"`
	StartTime  time.Time          `json:"start_time"`
	AlertID    int64              `json:"alert_id,omitempty"`
}

const (
	AlertTypeTriggered = "ALERT_TRIGGERED"
	AlertTypeCleared   = "ALERT_CLEARED"
)

// CalibrationChanged announces a new active calibration model. Lat and Lon
// are the sensor position when known.
type CalibrationChanged struct {
	SensorID   string    `json:"sensor_id"`
	ModelID    string    `json:"model_id"`
	Version    int       `json:"version"`
	FittedAt   time.Time `json:"fitted_at"`
	RolledBack bool      `json:"rolled_back,omitempty"`
	Lat        *float64  `json:"lat,omitempty"`
	Lon        *float64  `json:"lon,omitempty"`
}

// EncodeAlertNotification encodes an AlertNotification to JSON
func EncodeAlertNotification(alert *AlertNotification) ([]byte, error) {
	return json.Marshal(alert)
}

// DecodeAlertNotification decodes JSON to AlertNotification
func DecodeAlertNotification(data []byte) (*AlertNotification, error) {
	var alert AlertNotification
	if err := json.Unmarshal(data, &alert); err != nil {
		return nil, err
	}
	return &alert, nil
}

// EncodeCalibrationChanged encodes a CalibrationChanged event to JSON
func EncodeCalibrationChanged(ev *CalibrationChanged) ([]byte, error) {
	return json.Marshal(ev)
}

// DecodeCalibrationChanged decodes JSON to CalibrationChanged
func DecodeCalibrationChanged(data []byte) (*CalibrationChanged, error) {
	var ev CalibrationChanged
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, err
	}
	return &ev, nil
}
