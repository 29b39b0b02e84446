package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("PIPELINE_CONFIG", "")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Interpolation.IDWRadiusM != 5000 {
		t.Errorf("Expected default IDW radius 5000, got %v", cfg.Interpolation.IDWRadiusM)
	}
	if cfg.Calibration.MaxAge != 90*24*time.Hour {
		t.Errorf("Expected default calibration max age 90d, got %v", cfg.Calibration.MaxAge)
	}
	if cfg.QC.SpikeThreshold != 3.5 {
		t.Errorf("Expected default spike threshold 3.5, got %v", cfg.QC.SpikeThreshold)
	}
	if len(cfg.Interpolation.Covariates) != 0 {
		t.Errorf("Expected no default covariates, got %v", cfg.Interpolation.Covariates)
	}
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("PIPELINE_CONFIG", "")
	t.Setenv("IDW_RADIUS_M", "2500")
	t.Setenv("KRIGING_COVARIATES", "aod, temperature ,")
	t.Setenv("CACHE_SNAP_INTERVAL", "15m")
	t.Setenv("VALIDATION_REGIONS", "47.5,-122.4,47.7,-122.2; 45.4,-122.8,45.6,-122.5")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Interpolation.IDWRadiusM != 2500 {
		t.Errorf("Expected radius 2500, got %v", cfg.Interpolation.IDWRadiusM)
	}
	if got := cfg.Interpolation.Covariates; len(got) != 2 || got[0] != "aod" || got[1] != "temperature" {
		t.Errorf("Unexpected covariates %v", got)
	}
	if cfg.Cache.SnapInterval != 15*time.Minute {
		t.Errorf("Expected snap interval 15m, got %v", cfg.Cache.SnapInterval)
	}
	if got := cfg.Validation.Regions; len(got) != 2 || got[1] != "45.4,-122.8,45.6,-122.5" {
		t.Errorf("Unexpected regions %v", got)
	}
}

func TestLoadPipelineFileOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pipeline.yaml")
	content := `
kriging:
  variogram: exponential
  covariates: [aod, boundary_layer_height]
  budget: 2s
alerts:
  max_rmse: 6.5
  min_coverage95: 0.9
cache:
  historical_ttl: 12h
validation_regions:
  - "51.3,-0.5,51.7,0.3"
sources:
  purpleair:
    sensor_id: [sensor_index]
    pm25: [pm2.5_atm]
    temperature_f: true
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv("PIPELINE_CONFIG", path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Interpolation.Variogram != "exponential" {
		t.Errorf("Expected exponential variogram, got %q", cfg.Interpolation.Variogram)
	}
	if len(cfg.Interpolation.Covariates) != 2 {
		t.Errorf("Expected 2 covariates, got %v", cfg.Interpolation.Covariates)
	}
	if cfg.Interpolation.KrigingBudget != 2*time.Second {
		t.Errorf("Expected budget 2s, got %v", cfg.Interpolation.KrigingBudget)
	}
	if cfg.Validation.MaxRMSE != 6.5 {
		t.Errorf("Expected max RMSE 6.5, got %v", cfg.Validation.MaxRMSE)
	}
	if cfg.Validation.MaxAbsBias != 5 {
		t.Errorf("Expected untouched bias threshold 5, got %v", cfg.Validation.MaxAbsBias)
	}
	if cfg.Cache.HistoricalTTL != 12*time.Hour {
		t.Errorf("Expected historical TTL 12h, got %v", cfg.Cache.HistoricalTTL)
	}
	if len(cfg.Validation.Regions) != 1 {
		t.Errorf("Expected one region, got %v", cfg.Validation.Regions)
	}
	pa, ok := cfg.QC.Sources["purpleair"]
	if !ok {
		t.Fatalf("Expected purpleair source fields, got %v", cfg.QC.Sources)
	}
	if !pa.TemperatureF || len(pa.PM25) != 1 || pa.PM25[0] != "pm2.5_atm" {
		t.Errorf("Unexpected purpleair fields: %+v", pa)
	}
}

func TestLoadRejectsInvalidSettings(t *testing.T) {
	t.Setenv("PIPELINE_CONFIG", "")
	t.Setenv("IDW_POWER", "-1")

	if _, err := Load(); err == nil {
		t.Fatal("Expected error for negative IDW power")
	}
}

func TestLoadRejectsBadPipelineDuration(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pipeline.yaml")
	if err := os.WriteFile(path, []byte("kriging:\n  budget: soon\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv("PIPELINE_CONFIG", path)

	if _, err := Load(); err == nil {
		t.Fatal("Expected error for unparseable budget")
	}
}
