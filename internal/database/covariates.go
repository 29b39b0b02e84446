package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/smukkama/aqgrid/internal/interpolation"
)

// CovariateStore serves kriging drift covariates from covariate_samples.
// It implements pipeline.CovariateSource.
type CovariateStore struct {
	db      *DB
	window  time.Duration
	maxDist float64
}

// NewCovariateStore reads the newest sample per point within window
// before the requested time. Samples farther than maxDistM from a
// location do not answer for it.
func NewCovariateStore(db *DB, window time.Duration, maxDistM float64) *CovariateStore {
	return &CovariateStore{db: db, window: window, maxDist: maxDistM}
}

// Covariates loads the samples around bbox at ts.
func (s *CovariateStore) Covariates(ctx context.Context, bbox interpolation.BBox, ts time.Time) (interpolation.CovariateField, error) {
	area := bbox.Expand(s.maxDist)
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT ON (name, lat, lon) name, lat, lon, value
		FROM covariate_samples
		WHERE ts > $1 AND ts <= $2
		  AND lat BETWEEN $3 AND $4
		  AND lon BETWEEN $5 AND $6
		ORDER BY name, lat, lon, ts DESC
	`, ts.Add(-s.window), ts, area.MinLat, area.MaxLat, area.MinLon, area.MaxLon)
	if err != nil {
		return nil, fmt.Errorf("failed to query covariates: %w", err)
	}
	defer rows.Close()

	var points []interpolation.CovariatePoint
	for rows.Next() {
		var p interpolation.CovariatePoint
		if err := rows.Scan(&p.Name, &p.Lat, &p.Lon, &p.Value); err != nil {
			return nil, fmt.Errorf("failed to scan covariate: %w", err)
		}
		points = append(points, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return interpolation.NewPointField(points, s.maxDist), nil
}

// InsertCovariates upserts samples observed at ts.
func (db *DB) InsertCovariates(ctx context.Context, ts time.Time, points []interpolation.CovariatePoint) error {
	if len(points) == 0 {
		return nil
	}
	return db.inTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO covariate_samples (name, lat, lon, ts, value)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (name, lat, lon, ts) DO UPDATE SET value = EXCLUDED.value
		`)
		if err != nil {
			return fmt.Errorf("failed to prepare covariate upsert: %w", err)
		}
		defer stmt.Close()

		for _, p := range points {
			if _, err := stmt.ExecContext(ctx, p.Name, p.Lat, p.Lon, ts, p.Value); err != nil {
				return fmt.Errorf("failed to upsert covariate %s: %w", p.Name, err)
			}
		}
		return nil
	})
}
