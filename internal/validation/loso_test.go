package validation

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/smukkama/aqgrid/internal/interpolation"
)

// uniformField is five sensors on a cross observing a true value of 20
// with fixed noise of standard deviation ~0.9.
func uniformField() ([]interpolation.Observation, []float64) {
	noise := []float64{1.2, -0.8, 0.5, -1.1, 0.3}
	coords := [][2]float64{{0, 0}, {0.01, 0}, {-0.01, 0}, {0, 0.01}, {0, -0.01}}
	obs := make([]interpolation.Observation, len(noise))
	for i := range noise {
		obs[i] = interpolation.Observation{
			SensorID: string(rune('a' + i)),
			Lat:      coords[i][0],
			Lon:      coords[i][1],
			Value:    20 + noise[i],
			Sigma:    1,
		}
	}
	return obs, noise
}

func TestLeaveOneSiteOutUniformField(t *testing.T) {
	obs, noise := uniformField()
	var ss float64
	for _, n := range noise {
		ss += n * n
	}
	noiseSD := math.Sqrt(ss / float64(len(noise)))

	ts := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	res, err := LeaveOneSiteOut(context.Background(), interpolation.NewIDW(interpolation.DefaultIDWConfig()), obs, Options{
		Region:    interpolation.BBox{MinLat: -0.02, MinLon: -0.02, MaxLat: 0.02, MaxLon: 0.02},
		Timestamp: ts,
		Workers:   2,
	})
	if err != nil {
		t.Fatalf("LeaveOneSiteOut failed: %v", err)
	}

	if res.Metrics.N != 5 || len(res.Pairs) != 5 || len(res.Skipped) != 0 {
		t.Fatalf("Expected 5 pairs, got %d (skipped %v)", len(res.Pairs), res.Skipped)
	}
	if res.Method != interpolation.MethodIDW || !res.Timestamp.Equal(ts) {
		t.Errorf("Unexpected run identity %s %v", res.Method, res.Timestamp)
	}
	if r := res.Metrics.RMSE; r < 0.5*noiseSD || r > 1.6*noiseSD {
		t.Errorf("Expected RMSE near noise sd %.3f, got %.3f", noiseSD, r)
	}
	if c := res.Metrics.Coverage95; c < 0.9 || c > 1 {
		t.Errorf("Expected 95%% coverage in [0.9,1], got %v", c)
	}
	if res.Metrics.Coverage80 > res.Metrics.Coverage95 {
		t.Errorf("Expected coverage80 <= coverage95, got %v > %v", res.Metrics.Coverage80, res.Metrics.Coverage95)
	}
	if math.Abs(res.Metrics.Bias) > 1 {
		t.Errorf("Expected small bias, got %v", res.Metrics.Bias)
	}
}

func TestLeaveOneSiteOutSkipsIsolatedSensors(t *testing.T) {
	obs, _ := uniformField()
	obs = append(obs, interpolation.Observation{SensorID: "far", Lat: 1, Lon: 1, Value: 40, Sigma: 1})

	res, err := LeaveOneSiteOut(context.Background(), interpolation.NewIDW(interpolation.DefaultIDWConfig()), obs, Options{})
	if err != nil {
		t.Fatalf("LeaveOneSiteOut failed: %v", err)
	}
	if len(res.Skipped) != 1 || res.Skipped[0] != "far" {
		t.Errorf("Expected the isolated sensor to be skipped, got %v", res.Skipped)
	}

	lonely := []interpolation.Observation{{SensorID: "x", Value: 1, Sigma: 1}}
	if _, err := LeaveOneSiteOut(context.Background(), interpolation.NewIDW(interpolation.DefaultIDWConfig()), lonely, Options{}); !errors.Is(err, ErrNoPairs) {
		t.Errorf("Expected ErrNoPairs, got %v", err)
	}
}

func TestComputeMetrics(t *testing.T) {
	pairs := []Pair{
		{Observed: 10, Predicted: 9, Uncertainty: 1, ObsSigma: 0},
		{Observed: 12, Predicted: 13, Uncertainty: 1, ObsSigma: 0},
		{Observed: 14, Predicted: 11, Uncertainty: 1, ObsSigma: 0},
	}
	m := Compute(pairs)
	if math.Abs(m.RMSE-math.Sqrt(11.0/3)) > 1e-9 {
		t.Errorf("Expected RMSE sqrt(11/3), got %v", m.RMSE)
	}
	if math.Abs(m.MAE-5.0/3) > 1e-9 {
		t.Errorf("Expected MAE 5/3, got %v", m.MAE)
	}
	if math.Abs(m.Bias-1) > 1e-9 {
		t.Errorf("Expected bias 1, got %v", m.Bias)
	}
	if math.Abs(m.Coverage80-2.0/3) > 1e-9 || math.Abs(m.Coverage95-2.0/3) > 1e-9 {
		t.Errorf("Expected coverage 2/3, got %v/%v", m.Coverage80, m.Coverage95)
	}
	if math.Abs(m.Reliability-11.0/3) > 1e-9 {
		t.Errorf("Expected reliability 11/3, got %v", m.Reliability)
	}
}

func TestThresholdsEvaluate(t *testing.T) {
	th := DefaultThresholds()
	healthy := Metrics{N: 10, RMSE: 3, Coverage95: 0.93, Bias: 0.4, Reliability: 1.1}
	if b := th.Evaluate(healthy); len(b) != 0 {
		t.Errorf("Expected no breaches, got %+v", b)
	}

	bad := Metrics{N: 10, RMSE: 9, Coverage95: 0.7, Bias: -6, Reliability: 3}
	got := map[string]bool{}
	for _, b := range th.Evaluate(bad) {
		got[b.Metric] = true
	}
	for _, metric := range th.Metrics() {
		if !got[metric] {
			t.Errorf("Expected %s breach", metric)
		}
	}

	if b := th.Evaluate(Metrics{N: 2, RMSE: 50}); b != nil {
		t.Errorf("Expected small runs to be ignored, got %+v", b)
	}
}

func TestMemoryStoreLatest(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	region := interpolation.BBox{MinLat: 0, MinLon: 0, MaxLat: 1, MaxLon: 1}
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	s.Save(ctx, &Result{ID: "old", Method: interpolation.MethodIDW, Region: region, CreatedAt: base})
	s.Save(ctx, &Result{ID: "new", Method: interpolation.MethodIDW, Region: region, CreatedAt: base.Add(time.Hour)})
	s.Save(ctx, &Result{ID: "wide", Method: interpolation.MethodIDW, Region: interpolation.BBox{MinLat: -1, MinLon: -1, MaxLat: 2, MaxLon: 2}, CreatedAt: base.Add(2 * time.Hour)})
	s.Save(ctx, &Result{ID: "uk", Method: interpolation.MethodKriging, Region: region, CreatedAt: base.Add(3 * time.Hour)})

	r, err := s.Latest(ctx, region, interpolation.MethodIDW)
	if err != nil || r.ID != "new" {
		t.Errorf("Expected exact-region match 'new', got %v (%v)", r, err)
	}
	sub := interpolation.BBox{MinLat: 0.2, MinLon: 0.2, MaxLat: 0.3, MaxLon: 0.3}
	if r, _ := s.Latest(ctx, sub, interpolation.MethodIDW); r == nil || r.ID != "wide" {
		t.Errorf("Expected newest overlapping run 'wide', got %v", r)
	}
	far := interpolation.BBox{MinLat: 50, MinLon: 50, MaxLat: 51, MaxLon: 51}
	if _, err := s.Latest(ctx, far, interpolation.MethodIDW); !errors.Is(err, ErrNoResult) {
		t.Errorf("Expected ErrNoResult, got %v", err)
	}
}
