package validation

import (
	"context"
	"errors"
	"fmt"
	"math"
	"runtime"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/stat"

	"github.com/smukkama/aqgrid/internal/interpolation"
)

// ErrNoPairs is returned when no held-out sensor could be predicted.
var ErrNoPairs = errors.New("no validation pairs")

// z-scores of the two-sided 80% and 95% intervals.
const (
	z80 = 1.28
	z95 = 1.96
)

// Pair is one held-out comparison.
type Pair struct {
	SensorID    string               `json:"sensor_id"`
	Lat         float64              `json:"lat"`
	Lon         float64              `json:"lon"`
	Observed    float64              `json:"observed"`
	Predicted   float64              `json:"predicted"`
	Uncertainty float64              `json:"uncertainty"`
	ObsSigma    float64              `json:"obs_sigma"`
	Method      interpolation.Method `json:"method"`
}

// Metrics aggregates the pairs of one run.
type Metrics struct {
	N           int     `json:"n"`
	RMSE        float64 `json:"rmse"`
	MAE         float64 `json:"mae"`
	Bias        float64 `json:"bias"`
	R2          float64 `json:"r2"`
	Coverage80  float64 `json:"coverage80"`
	Coverage95  float64 `json:"coverage95"`
	Reliability float64 `json:"reliability"`
}

// Result is one validation run. Results are append-only.
type Result struct {
	ID        string               `json:"id"`
	Method    interpolation.Method `json:"method"`
	Region    interpolation.BBox   `json:"region"`
	Timestamp time.Time            `json:"timestamp"`
	Pairs     []Pair               `json:"pairs"`
	Metrics   Metrics              `json:"metrics"`
	Skipped   []string             `json:"skipped,omitempty"`
	Fallbacks int                  `json:"fallbacks"`
	CreatedAt time.Time            `json:"created_at"`
}

// Options configures LeaveOneSiteOut.
type Options struct {
	Region    interpolation.BBox
	Timestamp time.Time
	Workers   int
	Now       func() time.Time
}

// LeaveOneSiteOut holds out each observation in turn, predicts at its
// location from the rest, and aggregates the comparisons. Sensors whose
// prediction is unset are listed in Skipped.
func LeaveOneSiteOut(ctx context.Context, in interpolation.Interpolator, obs []interpolation.Observation, opts Options) (*Result, error) {
	workers := opts.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}

	type fold struct {
		pair     *Pair
		fallback bool
	}
	folds := make([]fold, len(obs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i := range obs {
		g.Go(func() error {
			held := obs[i]
			training := make([]interpolation.Observation, 0, len(obs)-1)
			training = append(training, obs[:i]...)
			training = append(training, obs[i+1:]...)

			target := interpolation.Target{Lat: held.Lat, Lon: held.Lon, Covariates: held.Covariates}
			res, err := in.Predict(gctx, []interpolation.Target{target}, training)
			if err != nil {
				return fmt.Errorf("fold %s: %w", held.SensorID, err)
			}
			p := res.Predictions[0]
			folds[i].fallback = res.Fallback != ""
			if p.Value == nil || p.Uncertainty == nil {
				return nil
			}
			folds[i].pair = &Pair{
				SensorID:    held.SensorID,
				Lat:         held.Lat,
				Lon:         held.Lon,
				Observed:    held.Value,
				Predicted:   *p.Value,
				Uncertainty: *p.Uncertainty,
				ObsSigma:    held.Sigma,
				Method:      p.Method,
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	now := time.Now
	if opts.Now != nil {
		now = opts.Now
	}
	result := &Result{
		ID:        uuid.NewString(),
		Method:    in.Method(),
		Region:    opts.Region,
		Timestamp: opts.Timestamp.UTC(),
		CreatedAt: now().UTC(),
	}
	for i, f := range folds {
		if f.fallback {
			result.Fallbacks++
		}
		if f.pair == nil {
			result.Skipped = append(result.Skipped, obs[i].SensorID)
			continue
		}
		result.Pairs = append(result.Pairs, *f.pair)
	}
	if len(result.Pairs) == 0 {
		return result, ErrNoPairs
	}
	result.Metrics = Compute(result.Pairs)
	return result, nil
}

// Compute aggregates pairs. Coverage and reliability use the combined
// uncertainty sqrt(σ_pred² + σ_obs²).
func Compute(pairs []Pair) Metrics {
	n := len(pairs)
	m := Metrics{N: n}
	if n == 0 {
		return m
	}

	observed := make([]float64, n)
	predicted := make([]float64, n)
	var se, ae, bias, chi2 float64
	var in80, in95, scored int
	for i, p := range pairs {
		observed[i], predicted[i] = p.Observed, p.Predicted
		e := p.Observed - p.Predicted
		se += e * e
		ae += math.Abs(e)
		bias += e

		sigma := math.Hypot(p.Uncertainty, p.ObsSigma)
		if sigma <= 0 {
			continue
		}
		scored++
		if math.Abs(e) <= z80*sigma {
			in80++
		}
		if math.Abs(e) <= z95*sigma {
			in95++
		}
		chi2 += (e / sigma) * (e / sigma)
	}

	m.RMSE = math.Sqrt(se / float64(n))
	m.MAE = ae / float64(n)
	m.Bias = bias / float64(n)
	if n > 1 && stat.Variance(observed, nil) > 0 {
		m.R2 = stat.RSquaredFrom(predicted, observed, nil)
	}
	if scored > 0 {
		m.Coverage80 = float64(in80) / float64(scored)
		m.Coverage95 = float64(in95) / float64(scored)
		m.Reliability = chi2 / float64(scored)
	}
	return m
}
