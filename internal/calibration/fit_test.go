package calibration

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"
)

func fp(v float64) *float64 { return &v }

var fitTime = time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

// linearPairs builds noise-free pairs satisfying ref = 2 + 1.5·raw with
// humidity and temperature varying independently of raw.
func linearPairs(n int) []ReferencePair {
	pairs := make([]ReferencePair, n)
	for i := 0; i < n; i++ {
		raw := float64(i + 1)
		pairs[i] = ReferencePair{
			SensorID:    "s1",
			MonitorID:   "ref-1",
			WindowStart: fitTime.Add(time.Duration(i) * time.Hour),
			WindowEnd:   fitTime.Add(time.Duration(i+1) * time.Hour),
			Raw:         raw,
			RH:          fp(40 + float64((i*7)%11)),
			Temperature: fp(15 + float64((i*3)%5)),
			Reference:   2 + 1.5*raw,
		}
	}
	return pairs
}

func TestFitRecoversNoiseFreeModel(t *testing.T) {
	m, err := Fit("s1", linearPairs(10), fitTime)
	if err != nil {
		t.Fatalf("Fit failed: %v", err)
	}

	c := m.Coefficients
	if math.Abs(c.Intercept-2) > 1e-6 || math.Abs(c.Raw-1.5) > 1e-6 {
		t.Errorf("Expected α=2 β=1.5, got α=%v β=%v", c.Intercept, c.Raw)
	}
	if math.Abs(c.Humidity) > 1e-6 || math.Abs(c.Temperature) > 1e-6 {
		t.Errorf("Expected zero covariate slopes, got γ=%v δ=%v", c.Humidity, c.Temperature)
	}
	if m.Sigma > 1e-6 {
		t.Errorf("Expected σ≈0, got %v", m.Sigma)
	}
	if math.Abs(m.R2-1) > 1e-9 {
		t.Errorf("Expected R²≈1, got %v", m.R2)
	}
	if m.PairCount != 10 {
		t.Errorf("Expected 10 pairs, got %d", m.PairCount)
	}
	if !m.WindowStart.Equal(fitTime) || !m.WindowEnd.Equal(fitTime.Add(10*time.Hour)) {
		t.Errorf("Unexpected window %v - %v", m.WindowStart, m.WindowEnd)
	}
	if math.Abs(m.Reduced.Intercept-2) > 1e-6 || math.Abs(m.Reduced.Slope-1.5) > 1e-6 {
		t.Errorf("Expected reduced model 2+1.5x, got %+v", m.Reduced)
	}
}

func TestFitInsufficientData(t *testing.T) {
	for n := 0; n < MinPairs; n++ {
		m, err := Fit("s1", linearPairs(n), fitTime)
		if !errors.Is(err, ErrInsufficientData) {
			t.Errorf("n=%d: expected ErrInsufficientData, got %v", n, err)
		}
		if m != nil {
			t.Errorf("n=%d: expected no model", n)
		}
	}

	// Pairs without covariates do not count toward the full fit.
	pairs := linearPairs(8)
	for i := range pairs[:4] {
		pairs[i].RH = nil
	}
	var fitErr *FitError
	if _, err := Fit("s1", pairs, fitTime); !errors.As(err, &fitErr) || fitErr.Pairs != 4 {
		t.Errorf("Expected FitError with 4 pairs, got %v", err)
	}
}

func TestFitDegenerate(t *testing.T) {
	pairs := linearPairs(10)
	for i := range pairs {
		pairs[i].Raw = 12
	}
	if _, err := Fit("s1", pairs, fitTime); !errors.Is(err, ErrDegenerateModel) {
		t.Errorf("Expected ErrDegenerateModel, got %v", err)
	}
}

func TestFitWeightedDownweightsOutlier(t *testing.T) {
	pairs := linearPairs(12)
	pairs[11].Reference += 30
	unweighted, err := Fit("s1", pairs, fitTime)
	if err != nil {
		t.Fatalf("Fit failed: %v", err)
	}

	pairs[11].Weight = 0.01
	weighted, err := Fit("s1", pairs, fitTime)
	if err != nil {
		t.Fatalf("Fit failed: %v", err)
	}
	if math.Abs(weighted.Coefficients.Raw-1.5) >= math.Abs(unweighted.Coefficients.Raw-1.5) {
		t.Errorf("Expected weighting to pull β toward 1.5: weighted %v, unweighted %v",
			weighted.Coefficients.Raw, unweighted.Coefficients.Raw)
	}
}

func TestApplyPartialCovariates(t *testing.T) {
	m, err := Fit("s1", linearPairs(10), fitTime)
	if err != nil {
		t.Fatalf("Fit failed: %v", err)
	}

	full := Apply(m, 10, fp(50), fp(20))
	if full.Partial || len(full.Flags) != 0 {
		t.Errorf("Expected full model, got %+v", full)
	}
	if math.Abs(full.Value-17) > 1e-6 {
		t.Errorf("Expected 17, got %v", full.Value)
	}

	partial := Apply(m, 10, nil, fp(20))
	if !partial.Partial || len(partial.Flags) != 1 || partial.Flags[0] != FlagPartialCovariates {
		t.Errorf("Expected partial_covariates flag, got %+v", partial)
	}
	if math.Abs(partial.Value-17) > 1e-6 {
		t.Errorf("Expected reduced model value 17, got %v", partial.Value)
	}
}

func TestPolicyEvaluate(t *testing.T) {
	p := DefaultPolicy()
	m := &Model{SensorID: "s1", Sigma: 2, FittedAt: fitTime}

	if st := p.Evaluate(nil, fitTime, nil); !st.Stale || st.Reasons[0] != ReasonMissing {
		t.Errorf("Expected missing model to be stale, got %+v", st)
	}
	if st := p.Evaluate(m, fitTime.Add(24*time.Hour), nil); st.Stale {
		t.Errorf("Expected fresh model, got %+v", st)
	}
	if st := p.Evaluate(m, fitTime.Add(91*24*time.Hour), nil); !st.Stale || st.Reasons[0] != ReasonAge {
		t.Errorf("Expected age staleness, got %+v", st)
	}

	drifted := make([]float64, 36)
	for i := range drifted {
		drifted[i] = 2.5
	}
	st := p.Evaluate(m, fitTime.Add(time.Hour), drifted)
	if !st.Stale || st.Reasons[0] != ReasonDrift {
		t.Errorf("Expected drift staleness, got %+v", st)
	}
	if math.Abs(st.ControlLimit-1) > 1e-9 {
		t.Errorf("Expected control limit 3·2/6=1, got %v", st.ControlLimit)
	}

	if st := p.Evaluate(m, fitTime.Add(time.Hour), drifted[:10]); st.Stale {
		t.Errorf("Expected too few residuals to skip drift, got %+v", st)
	}
}

func TestEngineKeepsPriorModelOnFailure(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	engine := NewEngine(store, DefaultPolicy(), nil)
	engine.SetClock(func() time.Time { return fitTime })

	var changes []*Model
	engine.OnChange(func(_ context.Context, m *Model) { changes = append(changes, m) })

	first, err := engine.Recalibrate(ctx, "s1", linearPairs(10))
	if err != nil {
		t.Fatalf("Recalibrate failed: %v", err)
	}
	if first.Version != 1 {
		t.Errorf("Expected version 1, got %d", first.Version)
	}

	if _, err := engine.Recalibrate(ctx, "s1", linearPairs(3)); !errors.Is(err, ErrInsufficientData) {
		t.Fatalf("Expected ErrInsufficientData, got %v", err)
	}
	latest, err := store.Latest(ctx, "s1")
	if err != nil || latest.ID != first.ID {
		t.Fatalf("Expected prior model to stay active, got %v (%v)", latest, err)
	}

	second, err := engine.Recalibrate(ctx, "s1", linearPairs(12))
	if err != nil {
		t.Fatalf("Recalibrate failed: %v", err)
	}
	if second.Version != 2 || second.SupersedesID != first.ID {
		t.Errorf("Expected version 2 superseding %s, got %d/%s", first.ID, second.Version, second.SupersedesID)
	}
	if len(changes) != 2 {
		t.Errorf("Expected 2 change notifications, got %d", len(changes))
	}

	hist, _ := store.History(ctx, "s1")
	if len(hist) != 2 || hist[0].ID != first.ID {
		t.Errorf("Expected history to retain both versions, got %d", len(hist))
	}
}

func TestRecalibrateIfStale(t *testing.T) {
	ctx := context.Background()
	engine := NewEngine(NewMemoryStore(), DefaultPolicy(), nil)
	engine.SetClock(func() time.Time { return fitTime })

	_, refit, err := engine.RecalibrateIfStale(ctx, "s1", linearPairs(10), nil)
	if err != nil || !refit {
		t.Fatalf("Expected initial fit, got refit=%v err=%v", refit, err)
	}
	_, refit, err = engine.RecalibrateIfStale(ctx, "s1", linearPairs(10), linearPairs(10))
	if err != nil || refit {
		t.Errorf("Expected fresh model to be kept, got refit=%v err=%v", refit, err)
	}

	engine.SetClock(func() time.Time { return fitTime.Add(100 * 24 * time.Hour) })
	m, refit, err := engine.RecalibrateIfStale(ctx, "s1", linearPairs(10), nil)
	if err != nil || !refit || m.Version != 2 {
		t.Errorf("Expected aged model to be refit as v2, got refit=%v err=%v", refit, err)
	}
}

func TestRollback(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	engine := NewEngine(store, DefaultPolicy(), nil)
	v1, _ := engine.Recalibrate(ctx, "s1", linearPairs(10))
	v2, _ := engine.Recalibrate(ctx, "s1", linearPairs(12))

	restored, err := Rollback(ctx, store, "s1", 1)
	if err != nil {
		t.Fatalf("Rollback failed: %v", err)
	}
	if restored.Version != 3 || restored.RolledBackFrom != v1.ID || restored.SupersedesID != v2.ID {
		t.Errorf("Unexpected rollback model %+v", restored)
	}
	if restored.Coefficients != v1.Coefficients {
		t.Error("Expected rolled back coefficients to match v1")
	}

	if _, err := Rollback(ctx, store, "s1", 9); !errors.Is(err, ErrNoModel) {
		t.Errorf("Expected ErrNoModel for unknown version, got %v", err)
	}
}

func TestDiagnose(t *testing.T) {
	ctx := context.Background()
	engine := NewEngine(NewMemoryStore(), DefaultPolicy(), nil)
	if _, err := engine.Diagnose(ctx, "nope", nil); !errors.Is(err, ErrNoModel) {
		t.Errorf("Expected ErrNoModel, got %v", err)
	}

	engine.Recalibrate(ctx, "s1", linearPairs(10))
	d, err := engine.Diagnose(ctx, "s1", linearPairs(6))
	if err != nil {
		t.Fatalf("Diagnose failed: %v", err)
	}
	if d.Versions != 1 || d.RecentPairs != 6 || d.RecentRMSE > 1e-6 {
		t.Errorf("Unexpected diagnostics %+v", d)
	}
}
