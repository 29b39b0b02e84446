package interpolation

import (
	"context"
	"math"
)

// IDWConfig parameterizes inverse-distance weighting.
type IDWConfig struct {
	RadiusM  float64
	Power    float64
	EpsilonM float64

	// SigmaFloor bounds σᵢ from below so a perfect calibration does not
	// take all the weight.
	SigmaFloor float64
}

// DefaultIDWConfig searches 5 km with power 2.
func DefaultIDWConfig() IDWConfig {
	return IDWConfig{RadiusM: 5000, Power: 2, EpsilonM: 1, SigmaFloor: 0.1}
}

// IDW weights each neighbor within the radius by 1/(d+ε)^p · 1/σᵢ², with d
// and ε in kilometers. The uncertainty is 1/sqrt(Σw).
type IDW struct {
	cfg IDWConfig
}

// NewIDW creates the strategy.
func NewIDW(cfg IDWConfig) *IDW {
	return &IDW{cfg: cfg}
}

// Method returns MethodIDW.
func (w *IDW) Method() Method { return MethodIDW }

// Predict estimates every target. Targets with no neighbor are unset.
func (w *IDW) Predict(ctx context.Context, targets []Target, obs []Observation) (Result, error) {
	ix := observationIndex(obs)
	eps := w.cfg.EpsilonM / 1000

	out := make([]Prediction, len(targets))
	for i, t := range targets {
		if i%256 == 0 {
			if err := ctx.Err(); err != nil {
				return Result{}, err
			}
		}

		var sumW, sumWV, sumW2 float64
		for _, n := range ix.within(t.Lat, t.Lon, w.cfg.RadiusM) {
			o := obs[n.idx]
			sigma := math.Max(o.Sigma, w.cfg.SigmaFloor)
			weight := 1 / (math.Pow(n.distance/1000+eps, w.cfg.Power) * sigma * sigma)
			sumW += weight
			sumWV += weight * o.Value
			sumW2 += weight * weight
		}

		p := Prediction{Method: MethodIDW}
		if sumW > 0 {
			p.Value = ptr(sumWV / sumW)
			p.Uncertainty = ptr(1 / math.Sqrt(sumW))
			p.NEff = sumW * sumW / sumW2
		}
		out[i] = p
	}
	return Result{Predictions: out}, nil
}
