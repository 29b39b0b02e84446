package interpolation

import (
	"context"
	"fmt"
	"log/slog"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/smukkama/aqgrid/internal/logging"
)

// KrigingConfig parameterizes universal kriging.
type KrigingConfig struct {
	Model        VariogramModel
	Lags         int
	MinLocations int
	DuplicateM   float64
	MaxCondition float64

	// Covariates lists the external drift terms. Observations lacking one
	// cause it to be dropped from the drift.
	Covariates []string
}

// DefaultKrigingConfig uses a spherical variogram and no covariates.
func DefaultKrigingConfig() KrigingConfig {
	return KrigingConfig{
		Model:        Spherical,
		Lags:         12,
		MinLocations: 10,
		DuplicateM:   1,
		MaxCondition: 1e12,
	}
}

// Kriging is universal kriging with external drift.
type Kriging struct {
	cfg KrigingConfig
	log *slog.Logger
}

// NewKriging creates the strategy.
func NewKriging(cfg KrigingConfig, log *slog.Logger) *Kriging {
	if cfg.MaxCondition <= 0 {
		cfg.MaxCondition = 1e12
	}
	if cfg.Lags <= 0 {
		cfg.Lags = 12
	}
	return &Kriging{cfg: cfg, log: logging.OrDiscard(log)}
}

// Method returns MethodKriging.
func (k *Kriging) Method() Method { return MethodKriging }

// Predict fits the model to obs and predicts every target. Targets
// missing a drift covariate are left unset and flagged.
func (k *Kriging) Predict(ctx context.Context, targets []Target, obs []Observation) (Result, error) {
	model, err := k.Fit(ctx, obs)
	if err != nil {
		return Result{}, err
	}

	out := make([]Prediction, len(targets))
	for i, t := range targets {
		if i%128 == 0 {
			if err := ctx.Err(); err != nil {
				return Result{}, err
			}
		}
		p, err := model.Predict(t)
		if err != nil {
			return Result{}, err
		}
		out[i] = p
	}
	return Result{Predictions: out}, nil
}

// KrigingModel is a fitted kriging system ready to predict.
type KrigingModel struct {
	Variogram  Variogram
	Covariates []string
	Drift      []float64

	obs []Observation
	lu  mat.LU
	n   int
	p   int
}

// Fit checks the inputs, estimates the drift and variogram, and factorizes
// the kriging system.
func (k *Kriging) Fit(ctx context.Context, obs []Observation) (*KrigingModel, error) {
	if distinct := distinctLocations(obs); distinct < k.cfg.MinLocations {
		return nil, fmt.Errorf("%w: %d distinct locations, need %d", ErrVariogramFit, distinct, k.cfg.MinLocations)
	}
	if i, j, ok := nearDuplicate(obs, k.cfg.DuplicateM); ok {
		return nil, fmt.Errorf("%w: sensors %s and %s are within %.1f m",
			ErrSingularSystem, obs[i].SensorID, obs[j].SensorID, k.cfg.DuplicateM)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	covs := k.usableCovariates(obs)
	n, p := len(obs), 1+len(covs)

	drift := mat.NewDense(n, p, nil)
	values := mat.NewVecDense(n, nil)
	lats := make([]float64, n)
	lons := make([]float64, n)
	for i, o := range obs {
		drift.SetRow(i, driftRow(o.Covariates, covs))
		values.SetVec(i, o.Value)
		lats[i], lons[i] = o.Lat, o.Lon
	}

	var beta mat.VecDense
	if p > 1 && singular(drift) {
		return nil, fmt.Errorf("%w: drift covariates are collinear", ErrSingularSystem)
	}
	if err := beta.SolveVec(drift, values); err != nil {
		return nil, fmt.Errorf("%w: drift: %v", ErrSingularSystem, err)
	}

	var fitted mat.VecDense
	fitted.MulVec(drift, &beta)
	residuals := make([]float64, n)
	for i := range residuals {
		residuals[i] = values.AtVec(i) - fitted.AtVec(i)
	}

	lags := EmpiricalVariogram(lats, lons, residuals, k.cfg.Lags)
	vg, err := FitVariogram(k.cfg.Model, lags, stat.Variance(residuals, nil))
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	size := n + p
	a := mat.NewDense(size, size, nil)
	for i := 0; i < n; i++ {
		a.Set(i, i, vg.Sill()+obs[i].Sigma*obs[i].Sigma)
		for j := i + 1; j < n; j++ {
			c := vg.Covariance(Haversine(lats[i], lons[i], lats[j], lons[j]))
			a.Set(i, j, c)
			a.Set(j, i, c)
		}
		for c := 0; c < p; c++ {
			f := drift.At(i, c)
			a.Set(i, n+c, f)
			a.Set(n+c, i, f)
		}
	}

	m := &KrigingModel{
		Variogram:  vg,
		Covariates: covs,
		Drift:      beta.RawVector().Data,
		obs:        obs,
		n:          n,
		p:          p,
	}
	m.lu.Factorize(a)
	if cond := m.lu.Cond(); math.IsInf(cond, 0) || math.IsNaN(cond) || cond > k.cfg.MaxCondition {
		return nil, fmt.Errorf("%w: condition number %.3g", ErrSingularSystem, cond)
	}
	k.log.Debug("kriging model fitted",
		"observations", n, "covariates", covs, "model", vg.Model,
		"nugget", vg.Nugget, "psill", vg.PartialSill, "range_m", vg.Range)
	return m, nil
}

// Predict estimates one target.
func (m *KrigingModel) Predict(t Target) (Prediction, error) {
	f0 := make([]float64, 0, m.p)
	f0 = append(f0, 1)
	for _, name := range m.Covariates {
		v, ok := t.Covariates[name]
		if !ok {
			return Prediction{Method: MethodKriging, Flags: []string{FlagMissingCovariate}}, nil
		}
		f0 = append(f0, v)
	}

	b := mat.NewVecDense(m.n+m.p, nil)
	c0 := make([]float64, m.n)
	for i, o := range m.obs {
		c0[i] = m.Variogram.Covariance(Haversine(t.Lat, t.Lon, o.Lat, o.Lon))
		b.SetVec(i, c0[i])
	}
	for c, v := range f0 {
		b.SetVec(m.n+c, v)
	}

	var x mat.VecDense
	if err := m.lu.SolveVecTo(&x, false, b); err != nil {
		return Prediction{}, fmt.Errorf("%w: %v", ErrSingularSystem, err)
	}

	var value, lc0, sumL2 float64
	for i, o := range m.obs {
		l := x.AtVec(i)
		value += l * o.Value
		lc0 += l * c0[i]
		sumL2 += l * l
	}
	var mf0 float64
	for c, v := range f0 {
		mf0 += x.AtVec(m.n+c) * v
	}

	variance := m.Variogram.Sill() - lc0 - mf0
	if variance < 0 && variance > -1e-9*m.Variogram.Sill() {
		variance = 0
	}
	p := Prediction{Value: ptr(value), Uncertainty: ptr(math.Sqrt(variance)), Method: MethodKriging}
	if sumL2 > 0 {
		p.NEff = 1 / sumL2
	}
	return p, nil
}

func (k *Kriging) usableCovariates(obs []Observation) []string {
	var used []string
	for _, name := range k.cfg.Covariates {
		missing := 0
		for _, o := range obs {
			if v, ok := o.Covariates[name]; !ok || math.IsNaN(v) || math.IsInf(v, 0) {
				missing++
			}
		}
		if missing > 0 {
			k.log.Warn("dropping drift covariate", "covariate", name, "missing", missing, "observations", len(obs))
			continue
		}
		used = append(used, name)
	}
	return used
}

func driftRow(values map[string]float64, covs []string) []float64 {
	row := make([]float64, 0, 1+len(covs))
	row = append(row, 1)
	for _, name := range covs {
		row = append(row, values[name])
	}
	return row
}

func distinctLocations(obs []Observation) int {
	seen := make(map[[2]float64]bool, len(obs))
	for _, o := range obs {
		seen[[2]float64{o.Lat, o.Lon}] = true
	}
	return len(seen)
}

// nearDuplicate finds the first pair of observations closer than tol
// meters.
func nearDuplicate(obs []Observation, tol float64) (int, int, bool) {
	ix := observationIndex(obs)
	for i, o := range obs {
		for _, n := range ix.within(o.Lat, o.Lon, tol) {
			if n.idx != i {
				return min(i, n.idx), max(i, n.idx), true
			}
		}
	}
	return 0, 0, false
}

// singular reports whether a has (numerically) dependent columns.
func singular(a *mat.Dense) bool {
	var svd mat.SVD
	if !svd.Factorize(a, mat.SVDNone) {
		return true
	}
	v := svd.Values(nil)
	return len(v) == 0 || v[len(v)-1] <= 1e-10*v[0]
}
