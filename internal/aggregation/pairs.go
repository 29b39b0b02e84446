// Package aggregation builds the reference pairs calibration is fitted on:
// sensor readings averaged over a window and matched with the co-located
// monitor's average over the same window.
package aggregation

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/smukkama/aqgrid/internal/logging"
	"github.com/smukkama/aqgrid/internal/qc"
)

// Execer is the part of *database.DB the builders use.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// PairConfig controls how pairs are built.
type PairConfig struct {
	Window time.Duration

	// MinSamples is the fewest valid sensor readings a window needs.
	MinSamples int

	// HumidityWeight is the fit weight of a window containing a
	// humidity-flagged reading.
	HumidityWeight float64
}

// DefaultPairConfig returns hourly windows.
func DefaultPairConfig() PairConfig {
	return PairConfig{Window: time.Hour, MinSamples: 3, HumidityWeight: 0.5}
}

// PairBuilder performs pair construction
type PairBuilder struct {
	db  Execer
	cfg PairConfig
	log *slog.Logger
}

// NewPairBuilder creates a new pair builder
func NewPairBuilder(db Execer, cfg PairConfig, log *slog.Logger) *PairBuilder {
	if cfg.Window <= 0 {
		cfg.Window = time.Hour
	}
	if cfg.MinSamples <= 0 {
		cfg.MinSamples = 1
	}
	if cfg.HumidityWeight <= 0 {
		cfg.HumidityWeight = 1
	}
	return &PairBuilder{db: db, cfg: cfg, log: logging.OrDiscard(log)}
}

const buildPairsQuery = `
	INSERT INTO reference_pairs (
		sensor_id, monitor_id, window_start, window_end, raw, rh,
		temperature, reference, weight, sample_count
	)
	SELECT
		c.sensor_id,
		c.monitor_id,
		$1 AS window_start,
		$2 AS window_end,
		s.raw,
		s.rh,
		s.temperature,
		ref.pm25,
		CASE WHEN s.humid THEN $3 ELSE 1 END AS weight,
		s.sample_count
	FROM
		colocations c
	JOIN (
		SELECT
			r.sensor_id,
			AVG(r.pm25) AS raw,
			AVG(r.rh) AS rh,
			AVG(r.temperature) AS temperature,
			BOOL_OR($5 = ANY(r.flags)) AS humid,
			COUNT(*) AS sample_count
		FROM
			readings r
		WHERE
			r.ts >= $1 AND r.ts < $2
			AND r.valid AND r.pm25 IS NOT NULL
			AND NOT EXISTS (SELECT 1 FROM readings x WHERE x.supersedes_id = r.id)
		GROUP BY
			r.sensor_id
		HAVING
			COUNT(*) >= $4
	) s ON s.sensor_id = c.sensor_id
	JOIN (
		SELECT monitor_id, AVG(pm25) AS pm25
		FROM reference_readings
		WHERE ts >= $1 AND ts < $2
		GROUP BY monitor_id
	) ref ON ref.monitor_id = c.monitor_id
	ON CONFLICT (sensor_id, monitor_id, window_start) DO UPDATE
	SET
		window_end = EXCLUDED.window_end,
		raw = EXCLUDED.raw,
		rh = EXCLUDED.rh,
		temperature = EXCLUDED.temperature,
		reference = EXCLUDED.reference,
		weight = EXCLUDED.weight,
		sample_count = EXCLUDED.sample_count
`

// Build writes the pairs of the window starting at the window boundary at
// or before start. Rebuilding a window overwrites its pairs.
func (b *PairBuilder) Build(ctx context.Context, start time.Time) (int64, error) {
	windowStart := start.UTC().Truncate(b.cfg.Window)
	windowEnd := windowStart.Add(b.cfg.Window)

	b.log.Info("building reference pairs", "window_start", windowStart.Format(time.RFC3339))

	result, err := b.db.ExecContext(ctx, buildPairsQuery,
		windowStart, windowEnd, b.cfg.HumidityWeight, b.cfg.MinSamples, string(qc.FlagHighHumidity))
	if err != nil {
		return 0, fmt.Errorf("failed to build reference pairs for %s: %w", windowStart.Format(time.RFC3339), err)
	}

	rowsAffected, _ := result.RowsAffected()
	b.log.Info("reference pairs built", "window_start", windowStart.Format(time.RFC3339), "pairs", rowsAffected)
	return rowsAffected, nil
}

// BuildPrevious builds the last complete window before now.
func (b *PairBuilder) BuildPrevious(ctx context.Context, now time.Time) (int64, error) {
	return b.Build(ctx, now.UTC().Truncate(b.cfg.Window).Add(-b.cfg.Window))
}

// BuildRange rebuilds every window in [from, to), continuing past failed
// windows. The first error is returned.
func (b *PairBuilder) BuildRange(ctx context.Context, from, to time.Time) (int64, error) {
	var total int64
	var firstErr error
	for w := from.UTC().Truncate(b.cfg.Window); w.Before(to); w = w.Add(b.cfg.Window) {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		n, err := b.Build(ctx, w)
		if err != nil {
			b.log.Warn("pair window failed", "window_start", w.Format(time.RFC3339), "error", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		total += n
	}
	return total, firstErr
}
