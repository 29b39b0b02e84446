package interpolation

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"
)

var (
	// ErrVariogramFit is returned when too few distinct locations are
	// available or the variogram optimizer fails.
	ErrVariogramFit = errors.New("variogram fit failed")

	// ErrSingularSystem is returned when the kriging or drift system is
	// numerically singular, typically from near-duplicate locations.
	ErrSingularSystem = errors.New("singular kriging system")

	// ErrGridTooLarge is returned when a request exceeds the cell limit.
	ErrGridTooLarge = errors.New("grid exceeds cell limit")

	// ErrUnknownMethod is returned for an unrecognized method tag.
	ErrUnknownMethod = errors.New("unknown interpolation method")
)

// Method tags the strategy that produced a grid or cell.
type Method string

const (
	MethodIDW     Method = "idw"
	MethodKriging Method = "kriging"
)

// ParseMethod accepts the method tags and common aliases.
func ParseMethod(s string) (Method, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "idw":
		return MethodIDW, nil
	case "kriging", "uk", "universal_kriging":
		return MethodKriging, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownMethod, s)
}

// Cell flags set by the post-hoc checks and the strategies.
const (
	FlagNegative          = "negative_prediction"
	FlagExceedsCeiling    = "exceeds_ceiling"
	FlagInvalidUncertain  = "invalid_uncertainty"
	FlagMissingCovariate  = "missing_covariate"
	FlagFallback          = "fallback"
	FlagPartialCovariates = "partial_covariates"
)

// Observation is one calibrated reading fed to a strategy.
type Observation struct {
	SensorID   string             `json:"sensor_id"`
	Lat        float64            `json:"lat"`
	Lon        float64            `json:"lon"`
	Value      float64            `json:"value"`
	Sigma      float64            `json:"sigma"`
	Covariates map[string]float64 `json:"covariates,omitempty"`

	// ModelVersion names the calibration model that produced Value; empty
	// for uncalibrated sensors.
	ModelVersion string `json:"model_version,omitempty"`
}

// Target is a location to predict at.
type Target struct {
	Lat        float64
	Lon        float64
	Row        int
	Col        int
	Covariates map[string]float64
}

// Prediction is a strategy's output for one target. A nil Value means the
// cell is unset ("no data"), never zero.
type Prediction struct {
	Value       *float64
	Uncertainty *float64
	NEff        float64
	Method      Method
	Flags       []string
}

// Result is what a strategy returns for a batch of targets.
type Result struct {
	Predictions []Prediction

	// Fallback is non-empty when some cells were produced by a fallback
	// strategy; it records why.
	Fallback string
}

// Interpolator is the strategy interface shared by IDW and kriging.
type Interpolator interface {
	Method() Method
	Predict(ctx context.Context, targets []Target, obs []Observation) (Result, error)
}

// GridSpec identifies a grid request.
type GridSpec struct {
	BBox        BBox      `json:"bbox"`
	ResolutionM float64   `json:"resolution_m"`
	Method      Method    `json:"method"`
	Timestamp   time.Time `json:"timestamp"`
}

// Validate checks the box and resolution.
func (s GridSpec) Validate() error {
	if err := s.BBox.Validate(); err != nil {
		return err
	}
	if !(s.ResolutionM > 0) || math.IsInf(s.ResolutionM, 0) {
		return fmt.Errorf("resolution must be positive, got %v", s.ResolutionM)
	}
	return nil
}

// Cell is one grid cell.
type Cell struct {
	Row         int      `json:"row"`
	Col         int      `json:"col"`
	Lat         float64  `json:"lat"`
	Lon         float64  `json:"lon"`
	Value       *float64 `json:"value"`
	Uncertainty *float64 `json:"uncertainty"`
	NEff        float64  `json:"n_eff"`
	Method      Method   `json:"method"`
	Flags       []string `json:"flags,omitempty"`
}

// Set reports whether the cell carries a prediction.
func (c Cell) Set() bool { return c.Value != nil }

// Grid is an interpolated field.
type Grid struct {
	Spec           GridSpec `json:"spec"`
	Rows           int      `json:"rows"`
	Cells          []Cell   `json:"cells"`
	Method         Method   `json:"method"`
	FallbackReason string   `json:"fallback_reason,omitempty"`
	Sensors        int      `json:"sensors"`

	// CalibrationVersions maps sensor id to the calibration model version
	// that produced its input value.
	CalibrationVersions map[string]string `json:"calibration_versions,omitempty"`
	GeneratedAt         time.Time         `json:"generated_at"`
}

// SetCells counts cells with a prediction.
func (g *Grid) SetCells() int {
	n := 0
	for _, c := range g.Cells {
		if c.Set() {
			n++
		}
	}
	return n
}

// Nearest returns the cell whose center is closest to (lat, lon).
func (g *Grid) Nearest(lat, lon float64) (Cell, bool) {
	best, bestD := -1, math.Inf(1)
	for i, c := range g.Cells {
		if d := Haversine(lat, lon, c.Lat, c.Lon); d < bestD {
			best, bestD = i, d
		}
	}
	if best < 0 {
		return Cell{}, false
	}
	return g.Cells[best], true
}

// Targets lays out cell centers over the box. Rows step by resolution in
// latitude; each row's longitude step is corrected by the cosine of its
// latitude. The last row and column sit on the max edges.
func (s GridSpec) Targets(maxCells int) ([]Target, int, error) {
	if err := s.Validate(); err != nil {
		return nil, 0, err
	}

	latStep := s.ResolutionM / MetersPerDegreeLat
	rows := steps(s.BBox.MaxLat-s.BBox.MinLat, latStep)

	var targets []Target
	for r := 0; r < rows; r++ {
		lat := math.Min(s.BBox.MinLat+float64(r)*latStep, s.BBox.MaxLat)
		step := lonStep(s.ResolutionM, lat)
		cols := steps(s.BBox.MaxLon-s.BBox.MinLon, step)
		if maxCells > 0 && len(targets)+cols > maxCells {
			return nil, 0, fmt.Errorf("%w: more than %d cells", ErrGridTooLarge, maxCells)
		}
		for c := 0; c < cols; c++ {
			lon := math.Min(s.BBox.MinLon+float64(c)*step, s.BBox.MaxLon)
			targets = append(targets, Target{Lat: lat, Lon: lon, Row: r, Col: c})
		}
	}
	return targets, rows, nil
}

func steps(span, step float64) int {
	if span <= 0 {
		return 1
	}
	return int(math.Ceil(span/step-1e-9)) + 1
}

// Options configures Interpolate.
type Options struct {
	Covariates   CovariateField
	ValueCeiling float64
	MaxCells     int
	Now          func() time.Time
}

// Interpolate builds the grid for spec from obs using in. Covariates, when
// given, are sampled at every target and fill the names an observation
// does not already carry.
func Interpolate(ctx context.Context, in Interpolator, spec GridSpec, obs []Observation, opts Options) (*Grid, error) {
	targets, rows, err := spec.Targets(opts.MaxCells)
	if err != nil {
		return nil, err
	}

	if opts.Covariates != nil {
		for i := range targets {
			targets[i].Covariates = sampleAll(opts.Covariates, targets[i].Lat, targets[i].Lon)
		}
		withCov := make([]Observation, len(obs))
		for i, o := range obs {
			sampled := sampleAll(opts.Covariates, o.Lat, o.Lon)
			for name, v := range o.Covariates {
				sampled[name] = v
			}
			o.Covariates = sampled
			withCov[i] = o
		}
		obs = withCov
	}

	res, err := in.Predict(ctx, targets, obs)
	if err != nil {
		return nil, err
	}
	if len(res.Predictions) != len(targets) {
		return nil, fmt.Errorf("%s returned %d predictions for %d targets", in.Method(), len(res.Predictions), len(targets))
	}

	now := time.Now
	if opts.Now != nil {
		now = opts.Now
	}
	grid := &Grid{
		Spec:                spec,
		Rows:                rows,
		Cells:               make([]Cell, len(targets)),
		Method:              in.Method(),
		FallbackReason:      res.Fallback,
		Sensors:             len(obs),
		CalibrationVersions: calibrationVersions(obs),
		GeneratedAt:         now().UTC(),
	}
	for i, t := range targets {
		p := res.Predictions[i]
		cell := Cell{
			Row:         t.Row,
			Col:         t.Col,
			Lat:         t.Lat,
			Lon:         t.Lon,
			Value:       p.Value,
			Uncertainty: p.Uncertainty,
			NEff:        p.NEff,
			Method:      p.Method,
			Flags:       p.Flags,
		}
		checkCell(&cell, opts.ValueCeiling)
		grid.Cells[i] = cell
	}
	return grid, nil
}

// checkCell flags implausible predictions without altering the value.
func checkCell(c *Cell, ceiling float64) {
	if c.Value == nil {
		c.Uncertainty = nil
		return
	}
	v := *c.Value
	if v < 0 {
		c.Flags = append(c.Flags, FlagNegative)
	}
	if ceiling > 0 && v > ceiling {
		c.Flags = append(c.Flags, FlagExceedsCeiling)
	}
	if u := c.Uncertainty; u == nil || math.IsNaN(*u) || math.IsInf(*u, 0) || *u < 0 {
		c.Uncertainty = nil
		c.Flags = append(c.Flags, FlagInvalidUncertain)
	}
}

func calibrationVersions(obs []Observation) map[string]string {
	out := make(map[string]string)
	for _, o := range obs {
		if o.ModelVersion != "" {
			out[o.SensorID] = o.ModelVersion
		}
	}
	return out
}

// SensorIDs returns the sorted sensor ids present in obs.
func SensorIDs(obs []Observation) []string {
	seen := make(map[string]bool, len(obs))
	var ids []string
	for _, o := range obs {
		if !seen[o.SensorID] {
			seen[o.SensorID] = true
			ids = append(ids, o.SensorID)
		}
	}
	sort.Strings(ids)
	return ids
}

func ptr(v float64) *float64 { return &v }
