// Package api serves the pipeline operations over HTTP.
package api

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"

	"github.com/smukkama/aqgrid/internal/calibration"
	"github.com/smukkama/aqgrid/internal/gridcache"
	"github.com/smukkama/aqgrid/internal/interpolation"
	"github.com/smukkama/aqgrid/internal/logging"
	"github.com/smukkama/aqgrid/internal/metrics"
	"github.com/smukkama/aqgrid/internal/pipeline"
	"github.com/smukkama/aqgrid/internal/validation"
)

// Service is the subset of pipeline.Service the handlers call.
type Service interface {
	Grid(ctx context.Context, req pipeline.GridRequest) (*interpolation.Grid, error)
	CalibrationDiagnostics(ctx context.Context, sensorID string) (calibration.Diagnostics, error)
	Recalibrate(ctx context.Context, req pipeline.RecalibrateRequest) ([]pipeline.RecalibrationOutcome, error)
	Rollback(ctx context.Context, sensorID string, version int) (*calibration.Model, error)
	Validate(ctx context.Context, bbox interpolation.BBox, method interpolation.Method, ts time.Time) (*validation.Result, error)
	LatestValidation(ctx context.Context, bbox interpolation.BBox, method interpolation.Method) (*validation.Result, error)
	InvalidateCache(ctx context.Context, bbox *interpolation.BBox, ts *time.Time) int
	CacheStats() gridcache.Stats
}

type Server struct {
	svc Service
	log *slog.Logger

	// background carries asynchronous recalibrations past the request.
	background context.Context
}

// NewRouter registers every route. m may be nil.
func NewRouter(ctx context.Context, svc Service, m *metrics.Metrics, log *slog.Logger) *mux.Router {
	s := &Server{svc: svc, log: logging.OrDiscard(log), background: ctx}
	r := mux.NewRouter()

	route := func(path string, h http.HandlerFunc, methods ...string) {
		r.Handle(path, m.WrapHandler(path, h)).Methods(methods...)
	}
	route("/health", s.health, http.MethodGet)
	route("/grid", s.grid, http.MethodGet)
	route("/calibration/recalibrate", s.recalibrate, http.MethodPost)
	route("/calibration/{sensorID}/diagnostics", s.diagnostics, http.MethodGet)
	route("/calibration/{sensorID}/rollback", s.rollback, http.MethodPost)
	route("/validation", s.latestValidation, http.MethodGet)
	route("/validation", s.runValidation, http.MethodPost)
	route("/cache", s.invalidateCache, http.MethodDelete)
	route("/cache/stats", s.cacheStats, http.MethodGet)
	if m != nil {
		r.Handle("/metrics", m.Handler()).Methods(http.MethodGet)
	}
	return r
}

// Middleware adds panic recovery, gzip and an access log in Apache
// combined format.
func Middleware(h http.Handler, accessLog io.Writer, log *slog.Logger) http.Handler {
	recovery := handlers.RecoveryHandler(
		handlers.RecoveryLogger(recoveryLogger{logging.OrDiscard(log)}),
		handlers.PrintRecoveryStack(false),
	)
	return handlers.CombinedLoggingHandler(accessLog, recovery(handlers.CompressHandler(h)))
}

type recoveryLogger struct {
	log *slog.Logger
}

func (l recoveryLogger) Println(v ...interface{}) {
	l.log.Error("handler panic", "panic", v)
}
