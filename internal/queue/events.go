package queue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/smukkama/aqgrid/internal/calibration"
	"github.com/smukkama/aqgrid/internal/logging"
	"github.com/smukkama/aqgrid/internal/pipeline"
	"github.com/smukkama/aqgrid/internal/protocol"
)

// Publisher is the producing side of *Producer.
type Publisher interface {
	Publish(ctx context.Context, key string, value []byte) error
}

// CalibrationPublisher announces calibration changes on Kafka. It
// implements pipeline.EventPublisher.
type CalibrationPublisher struct {
	producer Publisher
}

// NewCalibrationPublisher creates a CalibrationPublisher.
func NewCalibrationPublisher(p Publisher) *CalibrationPublisher {
	return &CalibrationPublisher{producer: p}
}

// PublishCalibrationChanged keys the event by sensor so one sensor's
// versions stay ordered.
func (p *CalibrationPublisher) PublishCalibrationChanged(ctx context.Context, m *calibration.Model, loc *pipeline.Location) error {
	ev := &protocol.CalibrationChanged{
		SensorID:   m.SensorID,
		ModelID:    m.ID,
		Version:    m.Version,
		FittedAt:   m.FittedAt,
		RolledBack: m.RolledBackFrom != "",
	}
	if loc != nil {
		lat, lon := loc.Lat, loc.Lon
		ev.Lat, ev.Lon = &lat, &lon
	}
	data, err := protocol.EncodeCalibrationChanged(ev)
	if err != nil {
		return fmt.Errorf("failed to encode calibration event: %w", err)
	}
	return p.producer.Publish(ctx, m.SensorID, data)
}

// CalibrationHandler receives decoded calibration events.
type CalibrationHandler func(ctx context.Context, ev *protocol.CalibrationChanged) error

// ConsumeCalibrationEvents feeds every event from src to handle until ctx
// ends. Offsets are committed once handled; malformed events are logged
// and skipped.
func ConsumeCalibrationEvents(ctx context.Context, src MessageSource, handle CalibrationHandler, log *slog.Logger) error {
	log = logging.OrDiscard(log)
	for {
		msg, err := src.Consume(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Warn("calibration consumer error", "error", err)
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}

		ev, err := protocol.DecodeCalibrationChanged(msg.Value)
		if err != nil {
			log.Warn("skipping calibration event", "offset", msg.Offset, "error", err)
		} else if err := handle(ctx, ev); err != nil {
			log.Warn("calibration event not handled", "sensor", ev.SensorID, "version", ev.Version, "error", err)
		}

		if err := src.Commit(ctx, msg); err != nil {
			log.Warn("failed to commit calibration event", "offset", msg.Offset, "error", err)
		}
	}
}
