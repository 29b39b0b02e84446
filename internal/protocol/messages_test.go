package protocol

import (
	"strings"
	"testing"
)

func TestParseReadingMessage(t *testing.T) {
	data := []byte(`{"type":"reading","received_at":"2024-05-01T12:00:00Z",
		"reading":{"sensor_id":"pa-1","source_id":"purpleair","timestamp":"2024-05-01T11:59:00Z",
		"payload":{"pm2_5_atm":12.5}}}`)

	msg, err := ParseMessage(data)
	if err != nil {
		t.Fatalf("ParseMessage failed: %v", err)
	}
	rm, ok := msg.(*ReadingMessage)
	if !ok {
		t.Fatalf("Expected *ReadingMessage, got %T", msg)
	}
	if rm.Reading.SensorID != "pa-1" {
		t.Errorf("Expected sensor pa-1, got %s", rm.Reading.SensorID)
	}
	if rm.Reading.Payload["pm2_5_atm"] != 12.5 {
		t.Errorf("Expected payload to survive decoding, got %v", rm.Reading.Payload)
	}
}

func TestParseUntypedMessageIsReading(t *testing.T) {
	msg, err := ParseMessage([]byte(`{"reading":{"source_id":"clarity"}}`))
	if err != nil {
		t.Fatalf("ParseMessage failed: %v", err)
	}
	if rm := msg.(*ReadingMessage); rm.Type != MsgTypeReading {
		t.Errorf("Expected type %s, got %s", MsgTypeReading, rm.Type)
	}
}

func TestParseReferenceMessage(t *testing.T) {
	data := []byte(`{"type":"reference","monitor_id":"epa-7","lat":47.6,"lon":-122.3,
		"timestamp":"2024-05-01T12:00:00Z","pm25":8.1}`)
	msg, err := ParseMessage(data)
	if err != nil {
		t.Fatalf("ParseMessage failed: %v", err)
	}
	ref, ok := msg.(*ReferenceMessage)
	if !ok {
		t.Fatalf("Expected *ReferenceMessage, got %T", msg)
	}
	if ref.MonitorID != "epa-7" || ref.PM25 != 8.1 {
		t.Errorf("Unexpected reference message: %+v", ref)
	}
}

func TestParseCovariateMessage(t *testing.T) {
	data := []byte(`{"type":"covariate","timestamp":"2024-05-01T12:00:00Z",
		"samples":[{"name":"aod","lat":47.6,"lon":-122.3,"value":0.21},{"name":"aod","lat":47.7,"lon":-122.3,"value":0.25}]}`)
	msg, err := ParseMessage(data)
	if err != nil {
		t.Fatalf("ParseMessage failed: %v", err)
	}
	cov, ok := msg.(*CovariateMessage)
	if !ok {
		t.Fatalf("Expected *CovariateMessage, got %T", msg)
	}
	if len(cov.Samples) != 2 || cov.Samples[1].Value != 0.25 {
		t.Errorf("Unexpected covariate message: %+v", cov)
	}
}

func TestParseCorrectionMessage(t *testing.T) {
	msg, err := ParseMessage([]byte(`{"type":"correction","record_id":"r-1","pm25":12.5}`))
	if err != nil {
		t.Fatalf("ParseMessage failed: %v", err)
	}
	c, ok := msg.(*CorrectionMessage)
	if !ok {
		t.Fatalf("Expected *CorrectionMessage, got %T", msg)
	}
	if c.RecordID != "r-1" || c.PM25 != 12.5 {
		t.Errorf("Unexpected correction message: %+v", c)
	}
}

func TestParseMessageErrors(t *testing.T) {
	tests := []struct {
		name string
		data string
		want string
	}{
		{"invalid json", `{`, "invalid JSON"},
		{"unknown type", `{"type":"keepalive"}`, "unknown message type"},
		{"missing source", `{"type":"reading","reading":{"sensor_id":"x"}}`, "source_id"},
		{"missing monitor", `{"type":"reference","timestamp":"2024-05-01T12:00:00Z","pm25":1}`, "monitor_id"},
		{"negative reference", `{"type":"reference","monitor_id":"m","timestamp":"2024-05-01T12:00:00Z","pm25":-1}`, "negative"},
		{"covariate without time", `{"type":"covariate","samples":[]}`, "timestamp"},
		{"unnamed covariate", `{"type":"covariate","timestamp":"2024-05-01T12:00:00Z","samples":[{"lat":1,"lon":2,"value":3}]}`, "no name"},
		{"correction without record", `{"type":"correction","pm25":3}`, "record_id"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseMessage([]byte(tt.data))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}

func TestCalibrationChangedRoundTrip(t *testing.T) {
	lat, lon := 47.6, -122.3
	data, err := EncodeCalibrationChanged(&CalibrationChanged{SensorID: "a", Version: 3, Lat: &lat, Lon: &lon})
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	ev, err := DecodeCalibrationChanged(data)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if ev.SensorID != "a" || ev.Version != 3 || ev.Lat == nil || *ev.Lat != lat {
		t.Errorf("Unexpected event: %+v", ev)
	}
}
