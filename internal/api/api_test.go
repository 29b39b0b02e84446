package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/smukkama/aqgrid/internal/calibration"
	"github.com/smukkama/aqgrid/internal/gridcache"
	"github.com/smukkama/aqgrid/internal/interpolation"
	"github.com/smukkama/aqgrid/internal/metrics"
	"github.com/smukkama/aqgrid/internal/pipeline"
	"github.com/smukkama/aqgrid/internal/validation"
)

type stubService struct {
	mu          sync.Mutex
	gridReq     pipeline.GridRequest
	recalReq    pipeline.RecalibrateRequest
	recalCalled chan struct{}
	invalidated struct {
		bbox *interpolation.BBox
		ts   *time.Time
	}
	gridErr error
}

func (s *stubService) Grid(_ context.Context, req pipeline.GridRequest) (*interpolation.Grid, error) {
	s.gridReq = req
	if s.gridErr != nil {
		return nil, s.gridErr
	}
	v := 12.5
	return &interpolation.Grid{
		Spec:  interpolation.GridSpec{BBox: req.BBox, ResolutionM: req.ResolutionM, Method: req.Method},
		Rows:  1,
		Cells: []interpolation.Cell{{Lat: 0, Lon: 0, Value: &v, Method: req.Method}, {Lat: 0, Lon: 1}},
	}, nil
}

func (s *stubService) CalibrationDiagnostics(_ context.Context, sensorID string) (calibration.Diagnostics, error) {
	if sensorID != "s1" {
		return calibration.Diagnostics{}, calibration.ErrNoModel
	}
	return calibration.Diagnostics{Model: &calibration.Model{SensorID: "s1", Version: 3}, Versions: 3}, nil
}

func (s *stubService) Recalibrate(_ context.Context, req pipeline.RecalibrateRequest) ([]pipeline.RecalibrationOutcome, error) {
	s.mu.Lock()
	s.recalReq = req
	s.mu.Unlock()
	if s.recalCalled != nil {
		close(s.recalCalled)
	}
	return []pipeline.RecalibrationOutcome{{SensorID: "s1", Refit: true, Version: 4}}, nil
}

func (s *stubService) Rollback(_ context.Context, sensorID string, version int) (*calibration.Model, error) {
	if version > 3 {
		return nil, fmt.Errorf("sensor %s has no version %d: %w", sensorID, version, calibration.ErrNoModel)
	}
	return &calibration.Model{SensorID: sensorID, Version: 4, RolledBackFrom: "m1"}, nil
}

func (s *stubService) Validate(_ context.Context, bbox interpolation.BBox, method interpolation.Method, _ time.Time) (*validation.Result, error) {
	return &validation.Result{ID: "run-2", Method: method, Region: bbox}, nil
}

func (s *stubService) LatestValidation(_ context.Context, bbox interpolation.BBox, method interpolation.Method) (*validation.Result, error) {
	if method == interpolation.MethodKriging {
		return nil, validation.ErrNoResult
	}
	return &validation.Result{ID: "run-1", Method: method, Region: bbox, Metrics: validation.Metrics{N: 5, RMSE: 1.2}}, nil
}

func (s *stubService) InvalidateCache(_ context.Context, bbox *interpolation.BBox, ts *time.Time) int {
	s.invalidated.bbox, s.invalidated.ts = bbox, ts
	return 2
}

func (s *stubService) CacheStats() gridcache.Stats {
	return gridcache.Stats{Entries: 1, Hits: 4}
}

func newTestServer(svc Service) http.Handler {
	return NewRouter(context.Background(), svc, metrics.New(prometheus.NewRegistry()), nil)
}

func do(t *testing.T, h http.Handler, method, target string, body io.Reader) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, target, body))
	return rec
}

func TestGridEndpoint(t *testing.T) {
	svc := &stubService{}
	h := newTestServer(svc)

	rec := do(t, h, http.MethodGet, "/grid?bbox=-0.005,-0.005,0.015,0.015&resolution=250&method=kriging&timestamp=2024-05-01T10:00:00Z", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body)
	}
	if svc.gridReq.Method != interpolation.MethodKriging || svc.gridReq.ResolutionM != 250 {
		t.Errorf("Unexpected request %+v", svc.gridReq)
	}
	if !svc.gridReq.Timestamp.Equal(time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)) {
		t.Errorf("Expected the parsed timestamp, got %v", svc.gridReq.Timestamp)
	}

	var grid struct {
		Cells []struct {
			Value *float64 `json:"value"`
		} `json:"cells"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&grid); err != nil {
		t.Fatalf("Failed to decode grid: %v", err)
	}
	if len(grid.Cells) != 2 || grid.Cells[0].Value == nil || grid.Cells[1].Value != nil {
		t.Errorf("Expected one set and one null cell, got %+v", grid.Cells)
	}

	rec = do(t, h, http.MethodGet, "/grid?bbox=-0.005,-0.005,0.015,0.015&resolution=250", nil)
	if rec.Code != http.StatusOK || !svc.gridReq.Timestamp.IsZero() || svc.gridReq.Method != interpolation.MethodIDW {
		t.Errorf("Expected a latest IDW request, got %d %+v", rec.Code, svc.gridReq)
	}
}

func TestGridEndpointRejectsBadInput(t *testing.T) {
	h := newTestServer(&stubService{})
	cases := []string{
		"/grid?resolution=250",
		"/grid?bbox=1,1,0,0&resolution=250",
		"/grid?bbox=0,0,1,1&resolution=-5",
		"/grid?bbox=0,0,1,1&resolution=NaN",
		"/grid?bbox=0,0,1,1&resolution=Inf",
		"/grid?bbox=0,0,1,1&resolution=250&method=spline",
		"/grid?bbox=0,0,1,1&resolution=250&timestamp=yesterday",
	}
	for _, target := range cases {
		if rec := do(t, h, http.MethodGet, target, nil); rec.Code != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %d", target, rec.Code)
		}
	}

	svc := &stubService{gridErr: fmt.Errorf("wrapped: %w", interpolation.ErrGridTooLarge)}
	if rec := do(t, newTestServer(svc), http.MethodGet, "/grid?bbox=0,0,1,1&resolution=1", nil); rec.Code != http.StatusBadRequest {
		t.Errorf("Expected an oversized grid to be a 400, got %d", rec.Code)
	}
	svc = &stubService{gridErr: fmt.Errorf("%w: boom", gridcache.ErrCacheCompute)}
	if rec := do(t, newTestServer(svc), http.MethodGet, "/grid?bbox=0,0,1,1&resolution=100", nil); rec.Code != http.StatusInternalServerError {
		t.Errorf("Expected a compute failure to be a 500, got %d", rec.Code)
	}
}

func TestCalibrationEndpoints(t *testing.T) {
	svc := &stubService{}
	h := newTestServer(svc)

	if rec := do(t, h, http.MethodGet, "/calibration/s1/diagnostics", nil); rec.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, "/calibration/unknown/diagnostics", nil); rec.Code != http.StatusNotFound {
		t.Errorf("Expected 404 for a sensor without a model, got %d", rec.Code)
	}

	rec := do(t, h, http.MethodPost, "/calibration/recalibrate", strings.NewReader(`{"sensor_ids":["s1"],"force":true}`))
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body)
	}
	if !svc.recalReq.Force || len(svc.recalReq.SensorIDs) != 1 {
		t.Errorf("Unexpected recalibration request %+v", svc.recalReq)
	}
	if !strings.Contains(rec.Body.String(), `"version":4`) {
		t.Errorf("Expected the per-sensor outcome, got %s", rec.Body)
	}

	if rec := do(t, h, http.MethodPost, "/calibration/recalibrate", strings.NewReader(`{}`)); rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 without sensors, got %d", rec.Code)
	}

	if rec := do(t, h, http.MethodPost, "/calibration/s1/rollback?version=2", nil); rec.Code != http.StatusOK {
		t.Errorf("Expected 200 for rollback, got %d", rec.Code)
	}
	if rec := do(t, h, http.MethodPost, "/calibration/s1/rollback?version=9", nil); rec.Code != http.StatusNotFound {
		t.Errorf("Expected 404 for an unknown version, got %d", rec.Code)
	}
}

func TestAsyncRecalibration(t *testing.T) {
	svc := &stubService{recalCalled: make(chan struct{})}
	h := newTestServer(svc)

	rec := do(t, h, http.MethodPost, "/calibration/recalibrate", bytes.NewBufferString(`{"all":true,"async":true}`))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("Expected 202, got %d", rec.Code)
	}
	select {
	case <-svc.recalCalled:
	case <-time.After(2 * time.Second):
		t.Fatal("Expected the background recalibration to run")
	}
	svc.mu.Lock()
	defer svc.mu.Unlock()
	if !svc.recalReq.All {
		t.Errorf("Expected an all-sensor request, got %+v", svc.recalReq)
	}
}

func TestValidationEndpoints(t *testing.T) {
	h := newTestServer(&stubService{})

	rec := do(t, h, http.MethodGet, "/validation?bbox=0,0,1,1&method=idw", nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"run-1"`) {
		t.Errorf("Expected the latest run, got %d %s", rec.Code, rec.Body)
	}
	if rec := do(t, h, http.MethodGet, "/validation?bbox=0,0,1,1&method=kriging", nil); rec.Code != http.StatusNotFound {
		t.Errorf("Expected 404 without a kriging run, got %d", rec.Code)
	}
	if rec := do(t, h, http.MethodPost, "/validation?bbox=0,0,1,1&method=idw", nil); rec.Code != http.StatusCreated {
		t.Errorf("Expected 201 for a new run, got %d", rec.Code)
	}
}

func TestCacheEndpoints(t *testing.T) {
	svc := &stubService{}
	h := newTestServer(svc)

	rec := do(t, h, http.MethodDelete, "/cache", nil)
	if rec.Code != http.StatusOK || svc.invalidated.bbox != nil || svc.invalidated.ts != nil {
		t.Errorf("Expected a full invalidation, got %d %+v", rec.Code, svc.invalidated)
	}
	rec = do(t, h, http.MethodDelete, "/cache?bbox=0,0,1,1&timestamp=2024-05-01T10:00:00Z", nil)
	if rec.Code != http.StatusOK || svc.invalidated.bbox == nil || svc.invalidated.ts == nil {
		t.Errorf("Expected a scoped invalidation, got %d %+v", rec.Code, svc.invalidated)
	}
	if !strings.Contains(rec.Body.String(), `"removed":2`) {
		t.Errorf("Expected the removed count, got %s", rec.Body)
	}

	if rec := do(t, h, http.MethodGet, "/cache/stats", nil); !strings.Contains(rec.Body.String(), `"hits":4`) {
		t.Errorf("Expected cache stats, got %s", rec.Body)
	}
	if rec := do(t, h, http.MethodGet, "/metrics", nil); !strings.Contains(rec.Body.String(), "http_requests_total") {
		t.Error("Expected request metrics to be exposed")
	}
}

type panicking struct{}

func (panicking) ServeHTTP(http.ResponseWriter, *http.Request) { panic("boom") }

func TestMiddlewareRecoversAndLogs(t *testing.T) {
	var access bytes.Buffer
	h := Middleware(panicking{}, &access, nil)

	rec := do(t, h, http.MethodGet, "/grid", nil)
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("Expected 500 after a panic, got %d", rec.Code)
	}
	if !strings.Contains(access.String(), "GET /grid") {
		t.Errorf("Expected an access log line, got %q", access.String())
	}
}
