package calibration

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrInsufficientData is returned when fewer than MinPairs usable
	// reference pairs are available.
	ErrInsufficientData = errors.New("insufficient reference data")

	// ErrDegenerateModel is returned when the design matrix is rank
	// deficient, e.g. a constant raw signal.
	ErrDegenerateModel = errors.New("degenerate calibration design")

	// ErrNoModel is returned by stores when a sensor has never been fitted.
	ErrNoModel = errors.New("no calibration model")
)

// MinPairs is the smallest number of complete pairs Fit accepts.
const MinPairs = 5

// numParams is the number of coefficients in the full model.
const numParams = 4

// FlagPartialCovariates marks a corrected value produced by the reduced
// model because humidity or temperature was missing.
const FlagPartialCovariates = "partial_covariates"

// FitError reports a failed fit for one sensor.
type FitError struct {
	SensorID string
	Pairs    int
	Err      error
}

func (e *FitError) Error() string {
	return fmt.Sprintf("calibration fit for sensor %s (%d pairs): %v", e.SensorID, e.Pairs, e.Err)
}

func (e *FitError) Unwrap() error { return e.Err }

// ReferencePair is one sensor reading matched to a co-located reference
// monitor over an averaging window.
type ReferencePair struct {
	SensorID    string
	MonitorID   string
	WindowStart time.Time
	WindowEnd   time.Time
	Raw         float64
	RH          *float64
	Temperature *float64
	Reference   float64

	// Weight scales the pair in the least-squares fit. Zero means 1.
	Weight float64
}

func (p ReferencePair) complete() bool {
	return p.RH != nil && p.Temperature != nil
}

func (p ReferencePair) weight() float64 {
	if p.Weight <= 0 {
		return 1
	}
	return p.Weight
}

// Coefficients of c_ref = Intercept + Raw*raw + Humidity*rh + Temperature*t.
type Coefficients struct {
	Intercept   float64 `json:"intercept"`
	Raw         float64 `json:"raw"`
	Humidity    float64 `json:"humidity"`
	Temperature float64 `json:"temperature"`
}

// Reduced is the raw-only model used when covariates are missing.
type Reduced struct {
	Intercept float64 `json:"intercept"`
	Slope     float64 `json:"slope"`
	Sigma     float64 `json:"sigma"`
}

// Model is one fitted calibration for a sensor. Models are immutable once
// saved; recalibration appends a new version.
type Model struct {
	ID           string       `json:"id"`
	SensorID     string       `json:"sensor_id"`
	Version      int          `json:"version"`
	Coefficients Coefficients `json:"coefficients"`
	Sigma        float64      `json:"sigma"`
	R2           float64      `json:"r2"`
	Reduced      Reduced      `json:"reduced"`
	FittedAt     time.Time    `json:"fitted_at"`
	PairCount    int          `json:"pair_count"`
	WindowStart  time.Time    `json:"window_start"`
	WindowEnd    time.Time    `json:"window_end"`
	SupersedesID string       `json:"supersedes_id,omitempty"`

	// RolledBackFrom is set when the model is a re-activated copy of an
	// older version.
	RolledBackFrom string `json:"rolled_back_from,omitempty"`
}

// VersionTag identifies the model in grid back-references.
func (m *Model) VersionTag() string {
	return fmt.Sprintf("%s@v%d", m.SensorID, m.Version)
}

// Corrected is the output of Apply.
type Corrected struct {
	Value   float64  `json:"value"`
	Sigma   float64  `json:"sigma"`
	Partial bool     `json:"partial"`
	Flags   []string `json:"flags,omitempty"`
}

// Apply corrects a raw reading. When rh or t is nil the reduced model is
// used and the result carries FlagPartialCovariates.
func Apply(m *Model, raw float64, rh, t *float64) Corrected {
	if rh == nil || t == nil {
		return Corrected{
			Value:   m.Reduced.Intercept + m.Reduced.Slope*raw,
			Sigma:   m.Reduced.Sigma,
			Partial: true,
			Flags:   []string{FlagPartialCovariates},
		}
	}
	c := m.Coefficients
	return Corrected{
		Value: c.Intercept + c.Raw*raw + c.Humidity*(*rh) + c.Temperature*(*t),
		Sigma: m.Sigma,
	}
}

// Residuals returns reference minus corrected value for each pair.
func Residuals(m *Model, pairs []ReferencePair) []float64 {
	out := make([]float64, len(pairs))
	for i, p := range pairs {
		out[i] = p.Reference - Apply(m, p.Raw, p.RH, p.Temperature).Value
	}
	return out
}
