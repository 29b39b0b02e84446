package calibration

import (
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// rankTolerance is the smallest singular value ratio accepted before the
// design is treated as rank deficient.
const rankTolerance = 1e-10

// Fit estimates c_ref = α + β·raw + γ·rh + δ·t by weighted least squares
// over the pairs carrying both covariates, and the raw-only reduced model
// over all pairs. Equal weights give ordinary least squares.
func Fit(sensorID string, pairs []ReferencePair, now time.Time) (*Model, error) {
	complete := make([]ReferencePair, 0, len(pairs))
	for _, p := range pairs {
		if p.complete() && finite(p.Raw) && finite(p.Reference) {
			complete = append(complete, p)
		}
	}
	n := len(complete)
	if n < MinPairs {
		return nil, &FitError{SensorID: sensorID, Pairs: n, Err: ErrInsufficientData}
	}

	weights := normalizedWeights(complete)
	design := mat.NewDense(n, numParams, nil)
	target := mat.NewVecDense(n, nil)
	for i, p := range complete {
		sw := math.Sqrt(weights[i])
		design.SetRow(i, []float64{sw, sw * p.Raw, sw * (*p.RH), sw * (*p.Temperature)})
		target.SetVec(i, sw*p.Reference)
	}

	if rankDeficient(design) {
		return nil, &FitError{SensorID: sensorID, Pairs: n, Err: ErrDegenerateModel}
	}

	var beta mat.VecDense
	if err := beta.SolveVec(design, target); err != nil {
		return nil, &FitError{SensorID: sensorID, Pairs: n, Err: fmt.Errorf("%w: %v", ErrDegenerateModel, err)}
	}

	coef := Coefficients{
		Intercept:   beta.AtVec(0),
		Raw:         beta.AtVec(1),
		Humidity:    beta.AtVec(2),
		Temperature: beta.AtVec(3),
	}

	estimates := make([]float64, n)
	observed := make([]float64, n)
	var ssr float64
	for i, p := range complete {
		estimates[i] = coef.Intercept + coef.Raw*p.Raw + coef.Humidity*(*p.RH) + coef.Temperature*(*p.Temperature)
		observed[i] = p.Reference
		r := p.Reference - estimates[i]
		ssr += weights[i] * r * r
	}
	sigma := 0.0
	if n > numParams {
		sigma = math.Sqrt(ssr / float64(n-numParams))
	}

	reduced, err := fitReduced(pairs)
	if err != nil {
		return nil, &FitError{SensorID: sensorID, Pairs: n, Err: err}
	}

	start, end := window(complete)
	return &Model{
		ID:           uuid.NewString(),
		SensorID:     sensorID,
		Coefficients: coef,
		Sigma:        sigma,
		R2:           rSquared(estimates, observed, weights),
		Reduced:      reduced,
		FittedAt:     now.UTC(),
		PairCount:    n,
		WindowStart:  start,
		WindowEnd:    end,
	}, nil
}

func fitReduced(pairs []ReferencePair) (Reduced, error) {
	var raw, ref, w []float64
	for _, p := range pairs {
		if finite(p.Raw) && finite(p.Reference) {
			raw = append(raw, p.Raw)
			ref = append(ref, p.Reference)
			w = append(w, p.weight())
		}
	}
	if len(raw) < 3 {
		return Reduced{}, ErrInsufficientData
	}
	if stat.Variance(raw, nil) == 0 {
		return Reduced{}, ErrDegenerateModel
	}
	normalize(w)

	alpha, beta := stat.LinearRegression(raw, ref, w, false)
	var ssr float64
	for i := range raw {
		r := ref[i] - (alpha + beta*raw[i])
		ssr += w[i] * r * r
	}
	return Reduced{Intercept: alpha, Slope: beta, Sigma: math.Sqrt(ssr / float64(len(raw)-2))}, nil
}

// rankDeficient reports whether the smallest singular value of a is
// negligible relative to the largest.
func rankDeficient(a *mat.Dense) bool {
	var svd mat.SVD
	if !svd.Factorize(a, mat.SVDNone) {
		return true
	}
	values := svd.Values(nil)
	if len(values) == 0 || values[0] == 0 {
		return true
	}
	return values[len(values)-1] <= rankTolerance*values[0]
}

// rSquared returns 1 for a perfect fit even when the reference is constant.
func rSquared(estimates, observed, weights []float64) float64 {
	if stat.Variance(observed, weights) == 0 {
		for i := range observed {
			if math.Abs(observed[i]-estimates[i]) > 1e-9 {
				return 0
			}
		}
		return 1
	}
	return stat.RSquaredFrom(estimates, observed, weights)
}

// normalizedWeights scales the pair weights to mean 1 so σ stays in
// concentration units whatever the absolute weights are.
func normalizedWeights(pairs []ReferencePair) []float64 {
	w := make([]float64, len(pairs))
	for i, p := range pairs {
		w[i] = p.weight()
	}
	normalize(w)
	return w
}

func normalize(w []float64) {
	var sum float64
	for _, v := range w {
		sum += v
	}
	if sum == 0 {
		return
	}
	scale := float64(len(w)) / sum
	for i := range w {
		w[i] *= scale
	}
}

func window(pairs []ReferencePair) (time.Time, time.Time) {
	var start, end time.Time
	for _, p := range pairs {
		if start.IsZero() || p.WindowStart.Before(start) {
			start = p.WindowStart
		}
		if p.WindowEnd.After(end) {
			end = p.WindowEnd
		}
	}
	return start.UTC(), end.UTC()
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
