// Package pipeline composes harmonized readings, calibration,
// interpolation, caching and validation into the operations served to
// downstream consumers.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/smukkama/aqgrid/internal/calibration"
	"github.com/smukkama/aqgrid/internal/gridcache"
	"github.com/smukkama/aqgrid/internal/interpolation"
	"github.com/smukkama/aqgrid/internal/logging"
	"github.com/smukkama/aqgrid/internal/qc"
	"github.com/smukkama/aqgrid/internal/validation"
)

// Fit outcomes reported to the Observer.
const (
	OutcomeFitted  = "fitted"
	OutcomeCurrent = "current"
	OutcomeFailed  = "failed"
)

// Config tunes the Service.
type Config struct {
	Interpolation interpolation.Config
	ValueCeiling  float64
	MaxCells      int

	// AveragingWindow is how far back readings count toward a grid.
	AveragingWindow time.Duration

	// Lookback is the reference-pair window used for fitting; DriftWindow
	// the recent part of it used for drift checks and diagnostics.
	Lookback    time.Duration
	DriftWindow time.Duration

	// UncalibratedSigma is σᵢ for sensors without a model.
	UncalibratedSigma float64

	// HumiditySigmaFactor inflates σᵢ of humidity-flagged readings.
	HumiditySigmaFactor float64

	Workers           int
	ValidationWorkers int
	Thresholds        validation.Thresholds
}

// DefaultConfig returns the settings used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		Interpolation: interpolation.Config{
			IDW:     interpolation.DefaultIDWConfig(),
			Kriging: interpolation.DefaultKrigingConfig(),
			Budget:  5 * time.Second,
		},
		ValueCeiling:        500,
		MaxCells:            250000,
		AveragingWindow:     time.Hour,
		Lookback:            30 * 24 * time.Hour,
		DriftWindow:         7 * 24 * time.Hour,
		UncalibratedSigma:   5,
		HumiditySigmaFactor: math.Sqrt2,
		Workers:             4,
		ValidationWorkers:   4,
		Thresholds:          validation.DefaultThresholds(),
	}
}

// Deps are the collaborators of a Service. Covariates, Events, Alerts and
// Observer are optional.
type Deps struct {
	Readings    ReadingSource
	Pairs       PairSource
	Engine      *calibration.Engine
	Cache       *gridcache.Cache
	Validations validation.Store
	Covariates  CovariateSource
	Events      EventPublisher
	Alerts      AlertSink
	Observer    Observer
	Log         *slog.Logger
}

// Service implements the grid, calibration, validation and cache
// operations.
type Service struct {
	cfg         Config
	readings    ReadingSource
	pairs       PairSource
	engine      *calibration.Engine
	cache       *gridcache.Cache
	validations validation.Store
	covariates  CovariateSource
	events      EventPublisher
	alerts      AlertSink
	obs         Observer
	log         *slog.Logger
	now         func() time.Time
}

// New wires a Service and subscribes it to calibration changes.
func New(cfg Config, deps Deps) (*Service, error) {
	switch {
	case deps.Readings == nil:
		return nil, errors.New("pipeline: reading source is required")
	case deps.Pairs == nil:
		return nil, errors.New("pipeline: pair source is required")
	case deps.Engine == nil:
		return nil, errors.New("pipeline: calibration engine is required")
	case deps.Cache == nil:
		return nil, errors.New("pipeline: grid cache is required")
	case deps.Validations == nil:
		return nil, errors.New("pipeline: validation store is required")
	}
	s := &Service{
		cfg:         cfg,
		readings:    deps.Readings,
		pairs:       deps.Pairs,
		engine:      deps.Engine,
		cache:       deps.Cache,
		validations: deps.Validations,
		covariates:  deps.Covariates,
		events:      deps.Events,
		alerts:      deps.Alerts,
		obs:         deps.Observer,
		log:         logging.OrDiscard(deps.Log),
		now:         time.Now,
	}
	if s.obs == nil {
		s.obs = nopObserver{}
	}
	s.engine.OnChange(s.calibrationChanged)
	return s, nil
}

// SetClock replaces the time source.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

// GridRequest selects a grid. A zero Timestamp asks for the latest one.
type GridRequest struct {
	BBox        interpolation.BBox
	ResolutionM float64
	Method      interpolation.Method
	Timestamp   time.Time
}

// Grid returns the cached grid for req, computing it on a miss.
func (s *Service) Grid(ctx context.Context, req GridRequest) (*interpolation.Grid, error) {
	latest := req.Timestamp.IsZero()
	ts := req.Timestamp
	if latest {
		ts = s.now()
	}
	spec := interpolation.GridSpec{BBox: req.BBox, ResolutionM: req.ResolutionM, Method: req.Method, Timestamp: ts.UTC()}
	if spec.Method == "" {
		spec.Method = interpolation.MethodIDW
	}
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	return s.cache.GetOrCompute(ctx, s.cache.Fingerprint(spec, latest), s.computeGrid)
}

func (s *Service) computeGrid(ctx context.Context, fp gridcache.Fingerprint) (*interpolation.Grid, error) {
	spec := fp.Spec()
	in, err := interpolation.New(spec.Method, s.cfg.Interpolation, s.log)
	if err != nil {
		return nil, err
	}

	// Sensors just outside the box still reach cells near its edge.
	obs, err := s.Observations(ctx, spec.BBox.Expand(s.cfg.Interpolation.IDW.RadiusM), spec.Timestamp)
	if err != nil {
		return nil, err
	}

	opts := interpolation.Options{ValueCeiling: s.cfg.ValueCeiling, MaxCells: s.cfg.MaxCells, Now: s.now}
	if s.covariates != nil && spec.Method == interpolation.MethodKriging {
		field, err := s.covariates.Covariates(ctx, spec.BBox, spec.Timestamp)
		if err != nil {
			s.log.Warn("covariates unavailable, kriging without drift", "error", err)
		} else {
			opts.Covariates = field
		}
	}

	start := time.Now()
	grid, err := interpolation.Interpolate(ctx, in, spec, obs, opts)
	fallback := grid != nil && grid.FallbackReason != ""
	s.obs.InterpolationDone(string(spec.Method), time.Since(start), fallback, err)
	if err != nil {
		return nil, err
	}
	if fallback {
		s.log.Info("grid used fallback", "fingerprint", fp.String(), "reason", grid.FallbackReason)
	}
	return grid, nil
}

// Observations turns the readings in bbox over the averaging window ending
// at ts into calibrated observations, one per sensor. Sensors without a
// model contribute their raw mean with UncalibratedSigma.
func (s *Service) Observations(ctx context.Context, bbox interpolation.BBox, ts time.Time) ([]interpolation.Observation, error) {
	records, err := s.readings.Readings(ctx, bbox, ts.Add(-s.cfg.AveragingWindow), ts)
	if err != nil {
		return nil, fmt.Errorf("failed to load readings: %w", err)
	}

	bySensor := make(map[string][]qc.HarmonizedRecord)
	for _, r := range records {
		if r.Usable() {
			bySensor[r.SensorID] = append(bySensor[r.SensorID], r)
		}
	}
	ids := make([]string, 0, len(bySensor))
	for id := range bySensor {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	obs := make([]interpolation.Observation, 0, len(ids))
	for _, id := range ids {
		model, err := s.engine.Store().Latest(ctx, id)
		if err != nil && !errors.Is(err, calibration.ErrNoModel) {
			return nil, fmt.Errorf("failed to load calibration for %s: %w", id, err)
		}
		if o, ok := s.observation(id, bySensor[id], model); ok {
			obs = append(obs, o)
		}
	}
	return obs, nil
}

func (s *Service) observation(sensorID string, recs []qc.HarmonizedRecord, model *calibration.Model) (interpolation.Observation, bool) {
	var sum, sigma float64
	humid := false
	for _, r := range recs {
		if model == nil {
			sum += *r.PM25
			sigma = s.cfg.UncalibratedSigma
		} else {
			c := calibration.Apply(model, *r.PM25, r.RH, r.Temperature)
			sum += c.Value
			sigma = math.Max(sigma, c.Sigma)
		}
		humid = humid || r.HasFlag(qc.FlagHighHumidity)
	}
	if humid && s.cfg.HumiditySigmaFactor > 0 {
		sigma *= s.cfg.HumiditySigmaFactor
	}
	value := sum / float64(len(recs))
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return interpolation.Observation{}, false
	}

	last := recs[len(recs)-1]
	o := interpolation.Observation{
		SensorID: sensorID,
		Lat:      last.Lat,
		Lon:      last.Lon,
		Value:    value,
		Sigma:    sigma,
	}
	if model != nil {
		o.ModelVersion = model.VersionTag()
	}
	for _, name := range s.cfg.Interpolation.Kriging.Covariates {
		get, ok := sensorCovariates[strings.ToLower(name)]
		if !ok {
			continue
		}
		if v := get(last); v != nil {
			if o.Covariates == nil {
				o.Covariates = make(map[string]float64)
			}
			o.Covariates[name] = *v
		}
	}
	return o, true
}

// sensorCovariates are the configured drift covariates a sensor measures
// itself. Any other configured covariate comes from the covariate source.
var sensorCovariates = map[string]func(qc.HarmonizedRecord) *float64{
	"temperature": func(r qc.HarmonizedRecord) *float64 { return r.Temperature },
	"humidity":    func(r qc.HarmonizedRecord) *float64 { return r.RH },
	"rh":          func(r qc.HarmonizedRecord) *float64 { return r.RH },
	"pressure":    func(r qc.HarmonizedRecord) *float64 { return r.Pressure },
}

// CalibrationDiagnostics reports the latest model of a sensor, its
// staleness and its error against recent reference pairs.
func (s *Service) CalibrationDiagnostics(ctx context.Context, sensorID string) (calibration.Diagnostics, error) {
	now := s.now()
	recent, err := s.pairs.Pairs(ctx, sensorID, now.Add(-s.cfg.DriftWindow), now)
	if err != nil {
		return calibration.Diagnostics{}, fmt.Errorf("failed to load recent pairs: %w", err)
	}
	return s.engine.Diagnose(ctx, sensorID, recent)
}

// RecalibrateRequest names the sensors to refit. All selects every sensor
// with reference pairs in the lookback window. Force refits models that
// are not stale.
type RecalibrateRequest struct {
	SensorIDs []string
	All       bool
	Force     bool
}

// RecalibrationOutcome is the per-sensor result of Recalibrate.
type RecalibrationOutcome struct {
	SensorID string `json:"sensor_id"`
	Refit    bool   `json:"refit"`
	Version  int    `json:"version,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Recalibrate refits the requested sensors concurrently. A failure is
// reported for its sensor only and leaves the prior model in force.
func (s *Service) Recalibrate(ctx context.Context, req RecalibrateRequest) ([]RecalibrationOutcome, error) {
	now := s.now()
	from := now.Add(-s.cfg.Lookback)

	ids := req.SensorIDs
	if req.All {
		var err error
		if ids, err = s.pairs.PairedSensors(ctx, from, now); err != nil {
			return nil, fmt.Errorf("failed to list paired sensors: %w", err)
		}
	}

	outcomes := make([]RecalibrationOutcome, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(s.cfg.Workers, 1))
	for i, id := range ids {
		g.Go(func() error {
			outcomes[i] = s.recalibrate(gctx, id, from, now, req.Force)
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return outcomes, err
	}
	return outcomes, nil
}

func (s *Service) recalibrate(ctx context.Context, sensorID string, from, now time.Time, force bool) RecalibrationOutcome {
	out := RecalibrationOutcome{SensorID: sensorID}
	pairs, err := s.pairs.Pairs(ctx, sensorID, from, now)
	if err != nil {
		s.obs.CalibrationFit(OutcomeFailed)
		out.Error = err.Error()
		return out
	}

	var model *calibration.Model
	if force {
		model, err = s.engine.Recalibrate(ctx, sensorID, pairs)
		out.Refit = err == nil
	} else {
		driftFrom := now.Add(-s.cfg.DriftWindow)
		var recent []calibration.ReferencePair
		for _, p := range pairs {
			if p.WindowEnd.After(driftFrom) {
				recent = append(recent, p)
			}
		}
		model, out.Refit, err = s.engine.RecalibrateIfStale(ctx, sensorID, pairs, recent)
	}

	switch {
	case err != nil:
		s.obs.CalibrationFit(OutcomeFailed)
		out.Error = err.Error()
	case out.Refit:
		s.obs.CalibrationFit(OutcomeFitted)
	default:
		s.obs.CalibrationFit(OutcomeCurrent)
	}
	if model != nil {
		out.Version = model.Version
	}
	return out
}

// Rollback re-activates an older model version of a sensor.
func (s *Service) Rollback(ctx context.Context, sensorID string, version int) (*calibration.Model, error) {
	m, err := calibration.Rollback(ctx, s.engine.Store(), sensorID, version)
	if err != nil {
		return nil, err
	}
	s.log.Info("calibration rolled back", "sensor", sensorID, "from_version", version, "version", m.Version)
	s.calibrationChanged(ctx, m)
	return m, nil
}

// calibrationChanged invalidates cached grids the sensor can reach and
// announces the new model. Grids already handed out are unaffected.
func (s *Service) calibrationChanged(ctx context.Context, m *calibration.Model) {
	locs, err := s.readings.Locations(ctx, []string{m.SensorID})
	if err != nil {
		s.log.Warn("sensor location lookup failed, invalidating all grids", "sensor", m.SensorID, "error", err)
	}

	var loc *Location
	if l, ok := locs[m.SensorID]; ok {
		loc = &l
		s.InvalidateSensors(ctx, []Location{l})
	} else {
		s.cache.Invalidate(ctx, nil, nil)
	}

	if s.events != nil {
		if err := s.events.PublishCalibrationChanged(ctx, m, loc); err != nil {
			s.log.Warn("failed to publish calibration change", "sensor", m.SensorID, "error", err)
		}
	}
}

// InvalidateSensors drops cached grids within reach of the locations.
func (s *Service) InvalidateSensors(ctx context.Context, locs []Location) int {
	points := make([][2]float64, len(locs))
	for i, l := range locs {
		points[i] = [2]float64{l.Lat, l.Lon}
	}
	return s.cache.InvalidateSensors(ctx, points, s.influenceRadius())
}

// Kriging draws on every sensor of the expanded box, so its reach is the
// same expansion used when loading observations.
func (s *Service) influenceRadius() float64 {
	return s.cfg.Interpolation.IDW.RadiusM
}

// Validate runs leave-one-site-out validation of method over bbox at ts,
// stores the result and hands breaches to the alert sink. Alerting errors
// are logged, never returned.
func (s *Service) Validate(ctx context.Context, bbox interpolation.BBox, method interpolation.Method, ts time.Time) (*validation.Result, error) {
	if err := bbox.Validate(); err != nil {
		return nil, err
	}
	if ts.IsZero() {
		ts = s.now()
	}
	in, err := interpolation.New(method, s.cfg.Interpolation, s.log)
	if err != nil {
		return nil, err
	}
	obs, err := s.Observations(ctx, bbox, ts)
	if err != nil {
		return nil, err
	}

	res, err := validation.LeaveOneSiteOut(ctx, in, obs, validation.Options{
		Region:    bbox,
		Timestamp: ts,
		Workers:   s.cfg.ValidationWorkers,
		Now:       s.now,
	})
	if err != nil {
		return res, err
	}
	if err := s.validations.Save(ctx, res); err != nil {
		return nil, fmt.Errorf("failed to save validation result: %w", err)
	}
	s.obs.ValidationDone(res)

	breaches := s.cfg.Thresholds.Evaluate(res.Metrics)
	s.log.Info("validation complete",
		"method", method, "pairs", res.Metrics.N, "rmse", res.Metrics.RMSE,
		"coverage95", res.Metrics.Coverage95, "breaches", len(breaches))
	if s.alerts != nil {
		if err := s.alerts.Process(ctx, res, breaches); err != nil {
			s.log.Warn("alert processing failed", "error", err)
		}
	}
	return res, nil
}

// LatestValidation returns the newest stored run for bbox and method.
func (s *Service) LatestValidation(ctx context.Context, bbox interpolation.BBox, method interpolation.Method) (*validation.Result, error) {
	return s.validations.Latest(ctx, bbox, method)
}

// InvalidateCache drops cached grids overlapping bbox at ts; nil matches all.
func (s *Service) InvalidateCache(ctx context.Context, bbox *interpolation.BBox, ts *time.Time) int {
	return s.cache.Invalidate(ctx, bbox, ts)
}

// CacheStats reports grid cache activity.
func (s *Service) CacheStats() gridcache.Stats {
	return s.cache.Stats()
}

// ValidateRegions validates each region with each method, one run at a
// time. Failures are logged per run.
func (s *Service) ValidateRegions(ctx context.Context, regions []interpolation.BBox, methods []interpolation.Method) []*validation.Result {
	var results []*validation.Result
	ts := s.now()
	for _, region := range regions {
		for _, method := range methods {
			res, err := s.Validate(ctx, region, method, ts)
			if err != nil {
				s.log.Warn("validation run failed", "method", method, "region", region, "error", err)
				continue
			}
			results = append(results, res)
		}
	}
	return results
}
