// Package app turns the loaded configuration into pipeline collaborators.
// Every binary under cmd builds its service through it.
package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/smukkama/aqgrid/internal/aggregation"
	"github.com/smukkama/aqgrid/internal/calibration"
	"github.com/smukkama/aqgrid/internal/database"
	"github.com/smukkama/aqgrid/internal/gridcache"
	"github.com/smukkama/aqgrid/internal/interpolation"
	"github.com/smukkama/aqgrid/internal/metrics"
	"github.com/smukkama/aqgrid/internal/pipeline"
	"github.com/smukkama/aqgrid/internal/qc"
	"github.com/smukkama/aqgrid/internal/validation"
	"github.com/smukkama/aqgrid/pkg/config"
)

// QCConfig maps the QC thresholds.
func QCConfig(cfg *config.Config) qc.Config {
	return qc.Config{
		MinPM25:         cfg.QC.MinPM25,
		MaxPM25:         cfg.QC.MaxPM25,
		SpikeThreshold:  cfg.QC.SpikeThreshold,
		SpikeWindow:     cfg.QC.SpikeWindow,
		MinSpikeSamples: cfg.QC.MinSpikeSamples,
		HumidityLimit:   cfg.QC.HumidityLimit,
	}
}

// SourceFieldMaps maps the configured per-source payload spellings.
func SourceFieldMaps(cfg *config.Config) map[string]qc.FieldMap {
	out := make(map[string]qc.FieldMap, len(cfg.QC.Sources))
	for id, f := range cfg.QC.Sources {
		out[id] = qc.FieldMap{
			SensorID:     f.SensorID,
			Lat:          f.Lat,
			Lon:          f.Lon,
			Timestamp:    f.Timestamp,
			PM25:         f.PM25,
			RH:           f.RH,
			Temperature:  f.Temperature,
			Pressure:     f.Pressure,
			TemperatureF: f.TemperatureF,
		}
	}
	return out
}

// NewHarmonizer builds the harmonizer with the configured sources.
func NewHarmonizer(cfg *config.Config, log *slog.Logger) *qc.Harmonizer {
	return qc.NewHarmonizer(QCConfig(cfg), SourceFieldMaps(cfg), log)
}

// CalibrationPolicy maps the staleness policy.
func CalibrationPolicy(cfg *config.Config) calibration.Policy {
	return calibration.Policy{
		MaxAge:          cfg.Calibration.MaxAge,
		DriftLimit:      cfg.Calibration.DriftLimit,
		SigmaFloor:      cfg.Calibration.SigmaFloor,
		MinDriftSamples: cfg.Calibration.MinDriftSamples,
	}
}

// PairConfig maps the reference pairing settings.
func PairConfig(cfg *config.Config) aggregation.PairConfig {
	pc := aggregation.DefaultPairConfig()
	pc.Window = cfg.Interpolation.AveragingWindow
	pc.MinSamples = cfg.Calibration.PairMinSamples
	pc.HumidityWeight = cfg.Calibration.HumidityWeight
	return pc
}

// InterpolationConfig maps the IDW and kriging settings.
func InterpolationConfig(cfg *config.Config) (interpolation.Config, error) {
	model, err := interpolation.ParseVariogramModel(cfg.Interpolation.Variogram)
	if err != nil {
		return interpolation.Config{}, err
	}

	idw := interpolation.DefaultIDWConfig()
	idw.RadiusM = cfg.Interpolation.IDWRadiusM
	idw.Power = cfg.Interpolation.IDWPower
	idw.EpsilonM = cfg.Interpolation.IDWEpsilonM

	kriging := interpolation.DefaultKrigingConfig()
	kriging.Model = model
	kriging.Lags = cfg.Interpolation.VariogramLags
	kriging.MinLocations = cfg.Interpolation.MinLocations
	kriging.DuplicateM = cfg.Interpolation.DuplicateM
	kriging.Covariates = cfg.Interpolation.Covariates

	return interpolation.Config{IDW: idw, Kriging: kriging, Budget: cfg.Interpolation.KrigingBudget}, nil
}

// Thresholds maps the validation alert limits.
func Thresholds(cfg *config.Config) validation.Thresholds {
	return validation.Thresholds{
		MaxRMSE:        cfg.Validation.MaxRMSE,
		MinCoverage95:  cfg.Validation.MinCoverage95,
		MaxAbsBias:     cfg.Validation.MaxAbsBias,
		MinReliability: cfg.Validation.MinReliability,
		MaxReliability: cfg.Validation.MaxReliability,
		MinPairs:       cfg.Validation.MinPairs,
	}
}

// PipelineConfig maps everything the service façade needs.
func PipelineConfig(cfg *config.Config) (pipeline.Config, error) {
	ic, err := InterpolationConfig(cfg)
	if err != nil {
		return pipeline.Config{}, err
	}
	pc := pipeline.DefaultConfig()
	pc.Interpolation = ic
	pc.ValueCeiling = cfg.Interpolation.ValueCeiling
	pc.MaxCells = cfg.Interpolation.MaxCells
	pc.AveragingWindow = cfg.Interpolation.AveragingWindow
	pc.Lookback = cfg.Calibration.LookbackWindow
	pc.UncalibratedSigma = cfg.Calibration.UncalibratedSigma
	pc.Workers = cfg.Calibration.Workers
	pc.ValidationWorkers = cfg.Validation.Workers
	pc.Thresholds = Thresholds(cfg)
	return pc, nil
}

// CacheConfig maps the grid cache settings.
func CacheConfig(cfg *config.Config) gridcache.Config {
	return gridcache.Config{
		TTL: gridcache.TTLPolicy{
			LiveIDW:     cfg.Cache.LiveTTLIDW,
			LiveKriging: cfg.Cache.LiveTTLKriging,
			Historical:  cfg.Cache.HistoricalTTL,
		},
		SnapInterval: cfg.Cache.SnapInterval,
		Precision:    cfg.Cache.BBoxPrecision,
	}
}

// Regions parses the configured validation regions.
func Regions(cfg *config.Config) ([]interpolation.BBox, error) {
	regions := make([]interpolation.BBox, 0, len(cfg.Validation.Regions))
	for _, raw := range cfg.Validation.Regions {
		b, err := interpolation.ParseBBox(raw)
		if err != nil {
			return nil, fmt.Errorf("VALIDATION_REGIONS: %w", err)
		}
		regions = append(regions, b)
	}
	return regions, nil
}

// ConnectRedis opens and pings a Redis client.
func ConnectRedis(ctx context.Context, cfg *config.Config) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, nil
}

// Options are the optional collaborators of NewPipeline.
type Options struct {
	Metrics *metrics.Metrics

	// Redis backs the shared grid store when the cache is configured to
	// use it.
	Redis  *redis.Client
	Events pipeline.EventPublisher
	Alerts pipeline.AlertSink
}

// Pipeline is a wired service with the parts binaries drive directly.
type Pipeline struct {
	Service *pipeline.Service
	Cache   *gridcache.Cache
	Engine  *calibration.Engine
}

// NewPipeline wires the service over PostgreSQL.
func NewPipeline(cfg *config.Config, db *database.DB, opts Options, log *slog.Logger) (*Pipeline, error) {
	pc, err := PipelineConfig(cfg)
	if err != nil {
		return nil, err
	}

	var l2 gridcache.Store
	if cfg.Cache.UseRedis && opts.Redis != nil {
		l2 = gridcache.NewRedisStore(opts.Redis)
	}
	cache := gridcache.New(CacheConfig(cfg), l2, opts.Metrics, log)
	engine := calibration.NewEngine(database.NewCalibrationStore(db), CalibrationPolicy(cfg), log)

	deps := pipeline.Deps{
		Readings:    db,
		Pairs:       db,
		Engine:      engine,
		Cache:       cache,
		Validations: database.NewValidationStore(db),
		Events:      opts.Events,
		Alerts:      opts.Alerts,
		Observer:    opts.Metrics,
		Log:         log,
	}
	if len(cfg.Interpolation.Covariates) > 0 {
		deps.Covariates = database.NewCovariateStore(db, cfg.Interpolation.CovariateWindow, cfg.Interpolation.CovariateMaxM)
	}

	svc, err := pipeline.New(pc, deps)
	if err != nil {
		return nil, err
	}
	return &Pipeline{Service: svc, Cache: cache, Engine: engine}, nil
}
