package calibration

import (
	"math"
	"time"
)

// Staleness reasons.
const (
	ReasonMissing = "missing"
	ReasonAge     = "age"
	ReasonDrift   = "drift"
)

// Policy decides when a model must be refit.
type Policy struct {
	MaxAge time.Duration
	// DriftLimit is k in the control limit k·σ/√n.
	DriftLimit      float64
	SigmaFloor      float64
	MinDriftSamples int
}

// DefaultPolicy refits after 90 days or on a 3σ mean-residual shift.
func DefaultPolicy() Policy {
	return Policy{
		MaxAge:          90 * 24 * time.Hour,
		DriftLimit:      3,
		SigmaFloor:      1,
		MinDriftSamples: 24,
	}
}

// Status is the staleness verdict for one model.
type Status struct {
	Stale        bool          `json:"stale"`
	Reasons      []string      `json:"reasons,omitempty"`
	Age          time.Duration `json:"age"`
	Drift        float64       `json:"drift"`
	ControlLimit float64       `json:"control_limit"`
	Samples      int           `json:"samples"`
}

// Evaluate checks the model's age and the mean of recent residuals
// (reference minus corrected). Drift is only judged once MinDriftSamples
// residuals are available.
func (p Policy) Evaluate(m *Model, now time.Time, residuals []float64) Status {
	if m == nil {
		return Status{Stale: true, Reasons: []string{ReasonMissing}}
	}

	st := Status{Age: now.Sub(m.FittedAt), Samples: len(residuals)}
	if p.MaxAge > 0 && st.Age > p.MaxAge {
		st.Stale = true
		st.Reasons = append(st.Reasons, ReasonAge)
	}

	if len(residuals) > 0 {
		var sum float64
		for _, r := range residuals {
			sum += r
		}
		st.Drift = math.Abs(sum / float64(len(residuals)))
		sigma := math.Max(m.Sigma, p.SigmaFloor)
		st.ControlLimit = p.DriftLimit * sigma / math.Sqrt(float64(len(residuals)))
		if len(residuals) >= p.MinDriftSamples && st.Drift > st.ControlLimit {
			st.Stale = true
			st.Reasons = append(st.Reasons, ReasonDrift)
		}
	}
	return st
}
