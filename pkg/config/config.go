package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Database      DatabaseConfig
	Redis         RedisConfig
	Kafka         KafkaConfig
	HTTP          HTTPConfig
	QC            QCConfig
	Calibration   CalibrationConfig
	Interpolation InterpolationConfig
	Validation    ValidationConfig
	Cache         CacheConfig
	Schedule      ScheduleConfig
	SMTP          SMTPConfig
	LogLevel      string
}

type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
}

func (d DatabaseConfig) ConnectionString() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode)
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type KafkaConfig struct {
	Brokers           []string
	TopicReadings     string
	TopicAlerts       string
	TopicCalibration  string
	NumPartitions     int
	IngestBatchSize   int
	IngestFlushPeriod time.Duration
}

type HTTPConfig struct {
	Addr            string
	ShutdownTimeout time.Duration

	// MetricsAddr serves /metrics for the background services.
	MetricsAddr string
}

type QCConfig struct {
	MinPM25         float64
	MaxPM25         float64
	SpikeThreshold  float64
	SpikeWindow     int
	MinSpikeSamples int
	HumidityLimit   float64

	// Sources maps a source id to its payload spellings.
	Sources map[string]SourceFields
}

type CalibrationConfig struct {
	MaxAge            time.Duration
	DriftLimit        float64
	SigmaFloor        float64
	MinDriftSamples   int
	LookbackWindow    time.Duration
	HumidityWeight    float64
	UncalibratedSigma float64
	Workers           int
	ColocationMaxM    float64
	PairMinSamples    int
}

type InterpolationConfig struct {
	IDWRadiusM      float64
	IDWPower        float64
	IDWEpsilonM     float64
	Variogram       string
	VariogramLags   int
	MinLocations    int
	DuplicateM      float64
	KrigingBudget   time.Duration
	Covariates      []string
	CovariateMaxM   float64
	CovariateWindow time.Duration
	ValueCeiling    float64
	MaxCells        int
	AveragingWindow time.Duration
}

type ValidationConfig struct {
	MaxRMSE        float64
	MinCoverage95  float64
	MaxAbsBias     float64
	MinReliability float64
	MaxReliability float64
	MinPairs       int
	PendingRuns    int
	Workers        int
	Regions        []string
}

type CacheConfig struct {
	LiveTTLIDW     time.Duration
	LiveTTLKriging time.Duration
	HistoricalTTL  time.Duration
	SnapInterval   time.Duration
	BBoxPrecision  int
	SweepInterval  time.Duration
	UseRedis       bool
}

type ScheduleConfig struct {
	RecalibrationTime  string
	PairingDelay       time.Duration
	ValidationInterval time.Duration
}

type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	To       string
}

func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	config := &Config{
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnvAsInt("DB_PORT", 5432),
			User:     getEnv("DB_USER", "aqgrid"),
			Password: getEnv("DB_PASSWORD", "aqgrid"),
			DBName:   getEnv("DB_NAME", "aqgrid"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},
		Kafka: KafkaConfig{
			Brokers:           strings.Split(getEnv("KAFKA_BROKERS", "localhost:9092"), ","),
			TopicReadings:     getEnv("KAFKA_TOPIC_READINGS", "aq.readings.raw"),
			TopicAlerts:       getEnv("KAFKA_TOPIC_ALERTS", "aq.alerts"),
			TopicCalibration:  getEnv("KAFKA_TOPIC_CALIBRATION", "aq.calibration.changed"),
			NumPartitions:     getEnvAsInt("KAFKA_NUM_PARTITIONS", 10),
			IngestBatchSize:   getEnvAsInt("INGEST_BATCH_SIZE", 100),
			IngestFlushPeriod: getEnvAsDuration("INGEST_FLUSH_INTERVAL", 5*time.Second),
		},
		HTTP: HTTPConfig{
			Addr:            getEnv("HTTP_ADDR", ":8090"),
			ShutdownTimeout: getEnvAsDuration("HTTP_SHUTDOWN_TIMEOUT", 10*time.Second),
			MetricsAddr:     getEnv("METRICS_ADDR", ":9100"),
		},
		QC: QCConfig{
			MinPM25:         getEnvAsFloat("QC_MIN_PM25", 0),
			MaxPM25:         getEnvAsFloat("QC_MAX_PM25", 500),
			SpikeThreshold:  getEnvAsFloat("QC_SPIKE_THRESHOLD", 3.5),
			SpikeWindow:     getEnvAsInt("QC_SPIKE_WINDOW", 30),
			MinSpikeSamples: getEnvAsInt("QC_MIN_SPIKE_SAMPLES", 5),
			HumidityLimit:   getEnvAsFloat("QC_HUMIDITY_LIMIT", 85),
		},
		Calibration: CalibrationConfig{
			MaxAge:            getEnvAsDuration("CALIBRATION_MAX_AGE", 90*24*time.Hour),
			DriftLimit:        getEnvAsFloat("CALIBRATION_DRIFT_LIMIT", 3),
			SigmaFloor:        getEnvAsFloat("CALIBRATION_SIGMA_FLOOR", 1),
			MinDriftSamples:   getEnvAsInt("CALIBRATION_MIN_DRIFT_SAMPLES", 24),
			LookbackWindow:    getEnvAsDuration("CALIBRATION_LOOKBACK", 30*24*time.Hour),
			HumidityWeight:    getEnvAsFloat("CALIBRATION_HUMIDITY_WEIGHT", 0.5),
			UncalibratedSigma: getEnvAsFloat("UNCALIBRATED_SIGMA", 5),
			Workers:           getEnvAsInt("CALIBRATION_WORKERS", 4),
			ColocationMaxM:    getEnvAsFloat("COLOCATION_MAX_M", 100),
			PairMinSamples:    getEnvAsInt("PAIR_MIN_SAMPLES", 3),
		},
		Interpolation: InterpolationConfig{
			IDWRadiusM:      getEnvAsFloat("IDW_RADIUS_M", 5000),
			IDWPower:        getEnvAsFloat("IDW_POWER", 2),
			IDWEpsilonM:     getEnvAsFloat("IDW_EPSILON_M", 1),
			Variogram:       getEnv("KRIGING_VARIOGRAM", "spherical"),
			VariogramLags:   getEnvAsInt("KRIGING_LAGS", 12),
			MinLocations:    getEnvAsInt("KRIGING_MIN_LOCATIONS", 10),
			DuplicateM:      getEnvAsFloat("KRIGING_DUPLICATE_M", 1),
			KrigingBudget:   getEnvAsDuration("KRIGING_BUDGET", 5*time.Second),
			Covariates:      getEnvAsList("KRIGING_COVARIATES", nil),
			CovariateMaxM:   getEnvAsFloat("COVARIATE_MAX_DIST_M", 10000),
			CovariateWindow: getEnvAsDuration("COVARIATE_WINDOW", 24*time.Hour),
			ValueCeiling:    getEnvAsFloat("GRID_VALUE_CEILING", 500),
			MaxCells:        getEnvAsInt("GRID_MAX_CELLS", 250000),
			AveragingWindow: getEnvAsDuration("GRID_AVERAGING_WINDOW", time.Hour),
		},
		Validation: ValidationConfig{
			MaxRMSE:        getEnvAsFloat("ALERT_MAX_RMSE", 8),
			MinCoverage95:  getEnvAsFloat("ALERT_MIN_COVERAGE95", 0.85),
			MaxAbsBias:     getEnvAsFloat("ALERT_MAX_ABS_BIAS", 5),
			MinReliability: getEnvAsFloat("ALERT_MIN_RELIABILITY", 0.5),
			MaxReliability: getEnvAsFloat("ALERT_MAX_RELIABILITY", 2),
			MinPairs:       getEnvAsInt("VALIDATION_MIN_PAIRS", 3),
			PendingRuns:    getEnvAsInt("ALERT_PENDING_RUNS", 1),
			Workers:        getEnvAsInt("VALIDATION_WORKERS", 4),
			Regions:        getEnvAsSeparatedList("VALIDATION_REGIONS", ";", nil),
		},
		Cache: CacheConfig{
			LiveTTLIDW:     getEnvAsDuration("CACHE_LIVE_TTL_IDW", 30*time.Second),
			LiveTTLKriging: getEnvAsDuration("CACHE_LIVE_TTL_KRIGING", 2*time.Minute),
			HistoricalTTL:  getEnvAsDuration("CACHE_HISTORICAL_TTL", 24*time.Hour),
			SnapInterval:   getEnvAsDuration("CACHE_SNAP_INTERVAL", time.Hour),
			BBoxPrecision:  getEnvAsInt("CACHE_BBOX_PRECISION", 4),
			SweepInterval:  getEnvAsDuration("CACHE_SWEEP_INTERVAL", time.Minute),
			UseRedis:       getEnvAsBool("CACHE_USE_REDIS", false),
		},
		Schedule: ScheduleConfig{
			RecalibrationTime:  getEnv("RECALIBRATION_TIME", "02:00"),
			PairingDelay:       getEnvAsDuration("PAIRING_HOURLY_DELAY", 10*time.Minute),
			ValidationInterval: getEnvAsDuration("VALIDATION_INTERVAL", time.Hour),
		},
		SMTP: SMTPConfig{
			Host:     getEnv("SMTP_HOST", "smtp.gmail.com"),
			Port:     getEnvAsInt("SMTP_PORT", 587),
			Username: getEnv("SMTP_USERNAME", ""),
			Password: getEnv("SMTP_PASSWORD", ""),
			From:     getEnv("SMTP_FROM", "aqgrid@example.com"),
			To:       getEnv("SMTP_TO", "admin@example.com"),
		},
		LogLevel: getEnv("LOG_LEVEL", "info"),
	}

	if path := getEnv("PIPELINE_CONFIG", ""); path != "" {
		if err := config.applyPipelineFile(path); err != nil {
			return nil, err
		}
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// Validate rejects settings the pipeline cannot run with.
func (c *Config) Validate() error {
	switch {
	case c.QC.MaxPM25 <= c.QC.MinPM25:
		return fmt.Errorf("QC_MAX_PM25 (%.1f) must exceed QC_MIN_PM25 (%.1f)", c.QC.MaxPM25, c.QC.MinPM25)
	case c.QC.SpikeWindow < c.QC.MinSpikeSamples:
		return fmt.Errorf("QC_SPIKE_WINDOW (%d) must be at least QC_MIN_SPIKE_SAMPLES (%d)", c.QC.SpikeWindow, c.QC.MinSpikeSamples)
	case c.Interpolation.IDWRadiusM <= 0:
		return fmt.Errorf("IDW_RADIUS_M must be positive")
	case c.Interpolation.IDWPower <= 0:
		return fmt.Errorf("IDW_POWER must be positive")
	case c.Interpolation.IDWEpsilonM <= 0:
		return fmt.Errorf("IDW_EPSILON_M must be positive")
	case c.Interpolation.MaxCells <= 0:
		return fmt.Errorf("GRID_MAX_CELLS must be positive")
	case c.Validation.MinCoverage95 <= 0 || c.Validation.MinCoverage95 >= 1:
		return fmt.Errorf("ALERT_MIN_COVERAGE95 must be in (0,1)")
	case c.Cache.SnapInterval <= 0:
		return fmt.Errorf("CACHE_SNAP_INTERVAL must be positive")
	case c.Calibration.MaxAge <= 0:
		return fmt.Errorf("CALIBRATION_MAX_AGE must be positive")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseFloat(valueStr, 64); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsList(key string, defaultValue []string) []string {
	return getEnvAsSeparatedList(key, ",", defaultValue)
}

func getEnvAsSeparatedList(key, sep string, defaultValue []string) []string {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(valueStr, sep) {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
