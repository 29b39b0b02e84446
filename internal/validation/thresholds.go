package validation

import "math"

// Metric names used in breaches and alert keys.
const (
	MetricRMSE        = "rmse"
	MetricCoverage95  = "coverage95"
	MetricBias        = "bias"
	MetricReliability = "reliability"
)

// Thresholds are the static alert limits. Zero disables a limit.
type Thresholds struct {
	MaxRMSE        float64
	MinCoverage95  float64
	MaxAbsBias     float64
	MinReliability float64
	MaxReliability float64

	// MinPairs suppresses evaluation of runs with too few pairs.
	MinPairs int
}

// DefaultThresholds are RMSE > 8, coverage95 < 0.85, |bias| > 5 and
// reliability outside [0.5, 2].
func DefaultThresholds() Thresholds {
	return Thresholds{
		MaxRMSE:        8,
		MinCoverage95:  0.85,
		MaxAbsBias:     5,
		MinReliability: 0.5,
		MaxReliability: 2,
		MinPairs:       3,
	}
}

// Breach is one violated limit.
type Breach struct {
	Metric     string  `json:"metric"`
	Value      float64 `json:"value"`
	Threshold  float64 `json:"threshold"`
	Comparison string  `json:"comparison"`
}

// Evaluate returns the breached limits; nil means healthy.
func (t Thresholds) Evaluate(m Metrics) []Breach {
	if m.N < t.MinPairs {
		return nil
	}
	var out []Breach
	if t.MaxRMSE > 0 && m.RMSE > t.MaxRMSE {
		out = append(out, Breach{Metric: MetricRMSE, Value: m.RMSE, Threshold: t.MaxRMSE, Comparison: ">"})
	}
	if t.MinCoverage95 > 0 && m.Coverage95 < t.MinCoverage95 {
		out = append(out, Breach{Metric: MetricCoverage95, Value: m.Coverage95, Threshold: t.MinCoverage95, Comparison: "<"})
	}
	if t.MaxAbsBias > 0 && math.Abs(m.Bias) > t.MaxAbsBias {
		out = append(out, Breach{Metric: MetricBias, Value: m.Bias, Threshold: t.MaxAbsBias, Comparison: "|x| >"})
	}
	if t.MinReliability > 0 && m.Reliability < t.MinReliability {
		out = append(out, Breach{Metric: MetricReliability, Value: m.Reliability, Threshold: t.MinReliability, Comparison: "<"})
	} else if t.MaxReliability > 0 && m.Reliability > t.MaxReliability {
		out = append(out, Breach{Metric: MetricReliability, Value: m.Reliability, Threshold: t.MaxReliability, Comparison: ">"})
	}
	return out
}

// Metrics lists the metric names Evaluate can report.
func (t Thresholds) Metrics() []string {
	return []string{MetricRMSE, MetricCoverage95, MetricBias, MetricReliability}
}
