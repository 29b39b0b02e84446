// Package protocol defines the JSON messages exchanged over Kafka.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/smukkama/aqgrid/internal/qc"
)

// MessageType represents the type of message on the readings topic
type MessageType string

const (
	MsgTypeReading    MessageType = "reading"
	MsgTypeReference  MessageType = "reference"
	MsgTypeCovariate  MessageType = "covariate"
	MsgTypeCorrection MessageType = "correction"
)

// BaseMessage is the common structure for all ingest messages
type BaseMessage struct {
	Type MessageType `json:"type"`
}

// ReadingMessage carries one low-cost sensor observation as delivered by
// an ingestion adapter.
type ReadingMessage struct {
	Type       MessageType   `json:"type"`
	ReceivedAt time.Time     `json:"received_at"`
	Reading    qc.RawReading `json:"reading"`
}

// ReferenceMessage carries one regulatory monitor observation.
type ReferenceMessage struct {
	Type      MessageType `json:"type"`
	MonitorID string      `json:"monitor_id"`
	Lat       float64     `json:"lat"`
	Lon       float64     `json:"lon"`
	Timestamp time.Time   `json:"timestamp"`
	PM25      float64     `json:"pm25"`
}

// CovariateMessage carries drift covariate samples taken at one time, e.g.
// one satellite aerosol pass.
type CovariateMessage struct {
	Type      MessageType       `json:"type"`
	Timestamp time.Time         `json:"timestamp"`
	Samples   []CovariateSample `json:"samples"`
}

// CovariateSample is one covariate value at a location.
type CovariateSample struct {
	Name  string  `json:"name"`
	Lat   float64 `json:"lat"`
	Lon   float64 `json:"lon"`
	Value float64 `json:"value"`
}

// CorrectionMessage replaces the PM2.5 value of a stored record. The record
// itself is kept; the correction supersedes it.
type CorrectionMessage struct {
	Type     MessageType `json:"type"`
	RecordID string      `json:"record_id"`
	PM25     float64     `json:"pm25"`
}

// NewReadingMessage wraps raw for publication.
func NewReadingMessage(raw qc.RawReading, receivedAt time.Time) *ReadingMessage {
	return &ReadingMessage{Type: MsgTypeReading, ReceivedAt: receivedAt.UTC(), Reading: raw}
}

// ParseMessage parses a readings-topic payload into *ReadingMessage,
// *ReferenceMessage, *CovariateMessage or *CorrectionMessage.
func ParseMessage(data []byte) (interface{}, error) {
	var base BaseMessage
	if err := json.Unmarshal(data, &base); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}

	switch base.Type {
	case MsgTypeReading, "":
		var msg ReadingMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("invalid reading message: %w", err)
		}
		if err := validateReading(&msg); err != nil {
			return nil, err
		}
		msg.Type = MsgTypeReading
		return &msg, nil

	case MsgTypeReference:
		var msg ReferenceMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("invalid reference message: %w", err)
		}
		if err := validateReference(&msg); err != nil {
			return nil, err
		}
		return &msg, nil

	case MsgTypeCovariate:
		var msg CovariateMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("invalid covariate message: %w", err)
		}
		if err := validateCovariate(&msg); err != nil {
			return nil, err
		}
		return &msg, nil

	case MsgTypeCorrection:
		var msg CorrectionMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("invalid correction message: %w", err)
		}
		if msg.RecordID == "" {
			return nil, fmt.Errorf("correction record_id is required")
		}
		return &msg, nil

	default:
		return nil, fmt.Errorf("unknown message type: %s", base.Type)
	}
}

// validateReading checks only what routing needs; field-level problems
// are left to harmonization, which can recover them from the payload.
func validateReading(msg *ReadingMessage) error {
	if msg.Reading.SourceID == "" {
		return fmt.Errorf("reading source_id is required")
	}
	return nil
}

func validateReference(msg *ReferenceMessage) error {
	if msg.MonitorID == "" {
		return fmt.Errorf("monitor_id is required")
	}
	if msg.Timestamp.IsZero() {
		return fmt.Errorf("reference timestamp is required")
	}
	if msg.PM25 < 0 {
		return fmt.Errorf("reference pm25 must not be negative")
	}
	return nil
}

func validateCovariate(msg *CovariateMessage) error {
	if msg.Timestamp.IsZero() {
		return fmt.Errorf("covariate timestamp is required")
	}
	for i, smp := range msg.Samples {
		if smp.Name == "" {
			return fmt.Errorf("covariate sample %d has no name", i)
		}
	}
	return nil
}

// EncodeMessage encodes a message to JSON
func EncodeMessage(msg interface{}) ([]byte, error) {
	return json.Marshal(msg)
}
