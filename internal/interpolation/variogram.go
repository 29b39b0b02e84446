package interpolation

import (
	"fmt"
	"math"
	"strings"

	"gonum.org/v1/gonum/optimize"
	"gonum.org/v1/gonum/stat"
)

// VariogramModel names a variogram family.
type VariogramModel string

const (
	Spherical   VariogramModel = "spherical"
	Exponential VariogramModel = "exponential"
	Gaussian    VariogramModel = "gaussian"
)

// ParseVariogramModel validates a model name.
func ParseVariogramModel(s string) (VariogramModel, error) {
	switch m := VariogramModel(strings.ToLower(strings.TrimSpace(s))); m {
	case Spherical, Exponential, Gaussian:
		return m, nil
	case "":
		return Spherical, nil
	}
	return "", fmt.Errorf("unknown variogram model %q", s)
}

// Variogram is a fitted model γ(h) = nugget + psill·f(h/range). Range is
// the practical range in meters.
type Variogram struct {
	Model       VariogramModel `json:"model"`
	Nugget      float64        `json:"nugget"`
	PartialSill float64        `json:"partial_sill"`
	Range       float64        `json:"range"`
}

// Sill is nugget plus partial sill.
func (v Variogram) Sill() float64 { return v.Nugget + v.PartialSill }

// Gamma evaluates the semivariance at lag h meters.
func (v Variogram) Gamma(h float64) float64 {
	if h <= 0 {
		return 0
	}
	return v.Nugget + v.PartialSill*(1-v.correlation(h))
}

// Covariance is the covariance psill·ρ(h) between two distinct points h
// meters apart. The nugget enters only the variance of a single point,
// which is Sill.
func (v Variogram) Covariance(h float64) float64 {
	if h <= 0 {
		return v.PartialSill
	}
	return v.PartialSill * v.correlation(h)
}

func (v Variogram) correlation(h float64) float64 {
	if v.Range <= 0 {
		return 0
	}
	r := h / v.Range
	switch v.Model {
	case Exponential:
		return math.Exp(-3 * r)
	case Gaussian:
		return math.Exp(-3 * r * r)
	default:
		if r >= 1 {
			return 0
		}
		return 1 - (1.5*r - 0.5*r*r*r)
	}
}

// Lag is one bin of the empirical variogram.
type Lag struct {
	Distance float64 `json:"distance"`
	Gamma    float64 `json:"gamma"`
	Pairs    int     `json:"pairs"`
}

// EmpiricalVariogram bins half squared differences of values by distance,
// up to half the largest separation.
func EmpiricalVariogram(lats, lons, values []float64, bins int) []Lag {
	n := len(values)
	if n < 2 || bins < 1 {
		return nil
	}

	type pair struct{ h, g float64 }
	pairs := make([]pair, 0, n*(n-1)/2)
	maxH := 0.0
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			h := Haversine(lats[i], lons[i], lats[j], lons[j])
			d := values[i] - values[j]
			pairs = append(pairs, pair{h: h, g: 0.5 * d * d})
			maxH = math.Max(maxH, h)
		}
	}
	cutoff := maxH / 2
	if cutoff <= 0 {
		return nil
	}

	width := cutoff / float64(bins)
	sumH := make([]float64, bins)
	sumG := make([]float64, bins)
	count := make([]int, bins)
	for _, p := range pairs {
		if p.h > cutoff {
			continue
		}
		b := min(int(p.h/width), bins-1)
		sumH[b] += p.h
		sumG[b] += p.g
		count[b]++
	}

	var lags []Lag
	for b := 0; b < bins; b++ {
		if count[b] == 0 {
			continue
		}
		lags = append(lags, Lag{
			Distance: sumH[b] / float64(count[b]),
			Gamma:    sumG[b] / float64(count[b]),
			Pairs:    count[b],
		})
	}
	return lags
}

// FitVariogram fits model to the empirical lags by Cressie's weighted
// least squares, minimized with Nelder-Mead over log parameters so they
// stay positive. variance seeds the sill.
func FitVariogram(model VariogramModel, lags []Lag, variance float64) (Variogram, error) {
	if len(lags) < 3 {
		return Variogram{}, fmt.Errorf("%w: %d non-empty lag bins", ErrVariogramFit, len(lags))
	}

	maxLag := 0.0
	gammas := make([]float64, len(lags))
	for i, l := range lags {
		maxLag = math.Max(maxLag, l.Distance)
		gammas[i] = l.Gamma
	}
	if maxLag <= 0 {
		return Variogram{}, fmt.Errorf("%w: zero lag distance", ErrVariogramFit)
	}
	if variance <= 0 {
		variance = stat.Mean(gammas, nil)
	}
	if variance <= 0 {
		variance = 1e-6
	}

	objective := func(x []float64) float64 {
		v := Variogram{Model: model, Nugget: math.Exp(x[0]), PartialSill: math.Exp(x[1]), Range: math.Exp(x[2])}
		var sum float64
		for _, l := range lags {
			g := math.Max(v.Gamma(l.Distance), 1e-12)
			r := l.Gamma/g - 1
			sum += float64(l.Pairs) * r * r
		}
		if math.IsNaN(sum) {
			return math.Inf(1)
		}
		return sum
	}

	x0 := []float64{math.Log(0.1 * variance), math.Log(0.9 * variance), math.Log(maxLag / 2)}
	res, err := optimize.Minimize(
		optimize.Problem{Func: objective},
		x0,
		&optimize.Settings{FuncEvaluations: 4000},
		&optimize.NelderMead{},
	)
	if res == nil {
		return Variogram{}, fmt.Errorf("%w: %v", ErrVariogramFit, err)
	}

	v := Variogram{
		Model:       model,
		Nugget:      math.Exp(res.X[0]),
		PartialSill: math.Exp(res.X[1]),
		Range:       math.Exp(res.X[2]),
	}
	if !finitePositive(v.PartialSill) || !finitePositive(v.Range) || math.IsNaN(v.Nugget) || math.IsInf(v.Nugget, 0) {
		return Variogram{}, fmt.Errorf("%w: non-finite parameters %+v", ErrVariogramFit, v)
	}
	// Ranges far beyond the data extent are unidentifiable; cap them.
	v.Range = math.Min(v.Range, 10*maxLag)
	return v, nil
}

func finitePositive(v float64) bool {
	return v > 0 && !math.IsInf(v, 0) && !math.IsNaN(v)
}
