package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// pipelineFile is the optional YAML overlay named by PIPELINE_CONFIG. Only
// the keys present in the file override the environment.
type pipelineFile struct {
	Kriging struct {
		Variogram  string   `yaml:"variogram"`
		Covariates []string `yaml:"covariates"`
		Budget     string   `yaml:"budget"`
	} `yaml:"kriging"`
	Alerts struct {
		MaxRMSE        *float64 `yaml:"max_rmse"`
		MinCoverage95  *float64 `yaml:"min_coverage95"`
		MaxAbsBias     *float64 `yaml:"max_abs_bias"`
		MinReliability *float64 `yaml:"min_reliability"`
		MaxReliability *float64 `yaml:"max_reliability"`
	} `yaml:"alerts"`
	Cache struct {
		LiveTTLIDW     string `yaml:"live_ttl_idw"`
		LiveTTLKriging string `yaml:"live_ttl_kriging"`
		HistoricalTTL  string `yaml:"historical_ttl"`
	} `yaml:"cache"`
	Regions []string                `yaml:"validation_regions"`
	Sources map[string]SourceFields `yaml:"sources"`
}

// SourceFields names the payload keys one reading source uses. Empty lists
// fall back to the built-in spellings.
type SourceFields struct {
	SensorID     []string `yaml:"sensor_id"`
	Lat          []string `yaml:"lat"`
	Lon          []string `yaml:"lon"`
	Timestamp    []string `yaml:"timestamp"`
	PM25         []string `yaml:"pm25"`
	RH           []string `yaml:"rh"`
	Temperature  []string `yaml:"temperature"`
	Pressure     []string `yaml:"pressure"`
	TemperatureF bool     `yaml:"temperature_f"`
}

func (c *Config) applyPipelineFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read pipeline config %s: %w", path, err)
	}

	var pf pipelineFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return fmt.Errorf("failed to parse pipeline config %s: %w", path, err)
	}

	if pf.Kriging.Variogram != "" {
		c.Interpolation.Variogram = pf.Kriging.Variogram
	}
	if pf.Kriging.Covariates != nil {
		c.Interpolation.Covariates = pf.Kriging.Covariates
	}
	if err := overrideDuration(&c.Interpolation.KrigingBudget, pf.Kriging.Budget); err != nil {
		return fmt.Errorf("kriging.budget: %w", err)
	}

	overrideFloat(&c.Validation.MaxRMSE, pf.Alerts.MaxRMSE)
	overrideFloat(&c.Validation.MinCoverage95, pf.Alerts.MinCoverage95)
	overrideFloat(&c.Validation.MaxAbsBias, pf.Alerts.MaxAbsBias)
	overrideFloat(&c.Validation.MinReliability, pf.Alerts.MinReliability)
	overrideFloat(&c.Validation.MaxReliability, pf.Alerts.MaxReliability)

	if err := overrideDuration(&c.Cache.LiveTTLIDW, pf.Cache.LiveTTLIDW); err != nil {
		return fmt.Errorf("cache.live_ttl_idw: %w", err)
	}
	if err := overrideDuration(&c.Cache.LiveTTLKriging, pf.Cache.LiveTTLKriging); err != nil {
		return fmt.Errorf("cache.live_ttl_kriging: %w", err)
	}
	if err := overrideDuration(&c.Cache.HistoricalTTL, pf.Cache.HistoricalTTL); err != nil {
		return fmt.Errorf("cache.historical_ttl: %w", err)
	}

	if len(pf.Regions) > 0 {
		c.Validation.Regions = pf.Regions
	}
	if len(pf.Sources) > 0 {
		c.QC.Sources = pf.Sources
	}
	return nil
}

func overrideFloat(dst *float64, v *float64) {
	if v != nil {
		*dst = *v
	}
}

func overrideDuration(dst *time.Duration, raw string) error {
	if raw == "" {
		return nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return err
	}
	*dst = d
	return nil
}
