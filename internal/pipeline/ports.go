package pipeline

import (
	"context"
	"time"

	"github.com/smukkama/aqgrid/internal/calibration"
	"github.com/smukkama/aqgrid/internal/interpolation"
	"github.com/smukkama/aqgrid/internal/qc"
	"github.com/smukkama/aqgrid/internal/validation"
)

// ReadingSource loads harmonized readings written by the ingestor.
type ReadingSource interface {
	// Readings returns records inside bbox with from < timestamp <= to.
	Readings(ctx context.Context, bbox interpolation.BBox, from, to time.Time) ([]qc.HarmonizedRecord, error)
	// Locations returns the last known position of each sensor.
	Locations(ctx context.Context, sensorIDs []string) (map[string]Location, error)
}

// PairSource loads reference pairs built by the aggregation jobs.
type PairSource interface {
	Pairs(ctx context.Context, sensorID string, from, to time.Time) ([]calibration.ReferencePair, error)
	PairedSensors(ctx context.Context, from, to time.Time) ([]string, error)
}

// CovariateSource supplies drift covariates for a grid request.
type CovariateSource interface {
	Covariates(ctx context.Context, bbox interpolation.BBox, ts time.Time) (interpolation.CovariateField, error)
}

// EventPublisher announces new calibration models to other processes.
type EventPublisher interface {
	PublishCalibrationChanged(ctx context.Context, m *calibration.Model, loc *Location) error
}

// AlertSink receives every validation run with its breached limits.
type AlertSink interface {
	Process(ctx context.Context, res *validation.Result, breaches []validation.Breach) error
}

// Observer receives pipeline measurements; metrics implement it.
type Observer interface {
	InterpolationDone(method string, d time.Duration, fallback bool, err error)
	CalibrationFit(outcome string)
	ValidationDone(res *validation.Result)
}

type nopObserver struct{}

func (nopObserver) InterpolationDone(string, time.Duration, bool, error) {}
func (nopObserver) CalibrationFit(string)                                {}
func (nopObserver) ValidationDone(*validation.Result)                    {}

// Location is a sensor position.
type Location struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}
