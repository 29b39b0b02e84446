package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/smukkama/aqgrid/internal/calibration"
	"github.com/smukkama/aqgrid/internal/interpolation"
	"github.com/smukkama/aqgrid/internal/pipeline"
	"github.com/smukkama/aqgrid/internal/validation"
)

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// statusFor maps pipeline errors onto HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, calibration.ErrNoModel), errors.Is(err, validation.ErrNoResult):
		return http.StatusNotFound
	case errors.Is(err, interpolation.ErrGridTooLarge), errors.Is(err, interpolation.ErrUnknownMethod):
		return http.StatusBadRequest
	case errors.Is(err, validation.ErrNoPairs):
		return http.StatusUnprocessableEntity
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "cache": s.svc.CacheStats()})
}

// grid serves GET /grid?bbox=minLat,minLon,maxLat,maxLon&resolution=250
// &method=idw|kriging&timestamp=RFC3339. Without timestamp the latest grid
// is returned.
func (s *Server) grid(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	bbox, err := interpolation.ParseBBox(q.Get("bbox"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	res, err := strconv.ParseFloat(q.Get("resolution"), 64)
	if err != nil || !(res > 0) || math.IsInf(res, 0) {
		writeError(w, http.StatusBadRequest, "resolution must be a positive number of meters")
		return
	}
	method, err := interpolation.ParseMethod(q.Get("method"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ts, err := parseTime(q.Get("timestamp"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	grid, err := s.svc.Grid(r.Context(), pipeline.GridRequest{BBox: bbox, ResolutionM: res, Method: method, Timestamp: ts})
	if err != nil {
		s.log.Warn("grid request failed", "bbox", q.Get("bbox"), "method", method, "error", err)
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, grid)
}

func (s *Server) diagnostics(w http.ResponseWriter, r *http.Request) {
	sensorID := mux.Vars(r)["sensorID"]
	d, err := s.svc.CalibrationDiagnostics(r.Context(), sensorID)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, d)
}

type recalibrateRequest struct {
	SensorIDs []string `json:"sensor_ids"`
	All       bool     `json:"all"`
	Force     bool     `json:"force"`
	Async     bool     `json:"async"`
}

func (s *Server) recalibrate(w http.ResponseWriter, r *http.Request) {
	var req recalibrateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if !req.All && len(req.SensorIDs) == 0 {
		writeError(w, http.StatusBadRequest, "sensor_ids or all is required")
		return
	}
	preq := pipeline.RecalibrateRequest{SensorIDs: req.SensorIDs, All: req.All, Force: req.Force}

	if req.Async {
		go func() {
			outcomes, err := s.svc.Recalibrate(s.background, preq)
			if err != nil {
				s.log.Warn("background recalibration failed", "error", err)
				return
			}
			s.log.Info("background recalibration finished", "sensors", len(outcomes))
		}()
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
		return
	}

	outcomes, err := s.svc.Recalibrate(r.Context(), preq)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": outcomes})
}

func (s *Server) rollback(w http.ResponseWriter, r *http.Request) {
	version, err := strconv.Atoi(r.URL.Query().Get("version"))
	if err != nil || version <= 0 {
		writeError(w, http.StatusBadRequest, "version must be a positive integer")
		return
	}
	m, err := s.svc.Rollback(r.Context(), mux.Vars(r)["sensorID"], version)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) latestValidation(w http.ResponseWriter, r *http.Request) {
	bbox, method, ok := regionAndMethod(w, r)
	if !ok {
		return
	}
	res, err := s.svc.LatestValidation(r.Context(), bbox, method)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) runValidation(w http.ResponseWriter, r *http.Request) {
	bbox, method, ok := regionAndMethod(w, r)
	if !ok {
		return
	}
	ts, err := parseTime(r.URL.Query().Get("timestamp"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	res, err := s.svc.Validate(r.Context(), bbox, method, ts)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

// invalidateCache serves DELETE /cache with optional bbox and timestamp.
func (s *Server) invalidateCache(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var bbox *interpolation.BBox
	if raw := q.Get("bbox"); raw != "" {
		b, err := interpolation.ParseBBox(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		bbox = &b
	}
	var ts *time.Time
	if raw := q.Get("timestamp"); raw != "" {
		t, err := parseTime(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		ts = &t
	}
	n := s.svc.InvalidateCache(r.Context(), bbox, ts)
	writeJSON(w, http.StatusOK, map[string]int{"removed": n})
}

func (s *Server) cacheStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.CacheStats())
}

func regionAndMethod(w http.ResponseWriter, r *http.Request) (interpolation.BBox, interpolation.Method, bool) {
	q := r.URL.Query()
	bbox, err := interpolation.ParseBBox(q.Get("bbox"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return interpolation.BBox{}, "", false
	}
	method, err := interpolation.ParseMethod(q.Get("method"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return interpolation.BBox{}, "", false
	}
	return bbox, method, true
}

func parseTime(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q; use RFC3339", raw)
	}
	return t.UTC(), nil
}
