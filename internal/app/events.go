package app

import (
	"context"
	"time"

	"github.com/smukkama/aqgrid/internal/interpolation"
	"github.com/smukkama/aqgrid/internal/pipeline"
	"github.com/smukkama/aqgrid/internal/protocol"
	"github.com/smukkama/aqgrid/internal/queue"
)

// CacheInvalidator is the part of pipeline.Service a calibration event
// touches.
type CacheInvalidator interface {
	InvalidateSensors(ctx context.Context, locs []pipeline.Location) int
	InvalidateCache(ctx context.Context, bbox *interpolation.BBox, ts *time.Time) int
}

// InvalidateOnCalibration drops the grids a new model could change. An
// event without a location clears the whole cache.
func InvalidateOnCalibration(c CacheInvalidator) queue.CalibrationHandler {
	return func(ctx context.Context, ev *protocol.CalibrationChanged) error {
		if ev.Lat == nil || ev.Lon == nil {
			c.InvalidateCache(ctx, nil, nil)
			return nil
		}
		c.InvalidateSensors(ctx, []pipeline.Location{{Lat: *ev.Lat, Lon: *ev.Lon}})
		return nil
	}
}
