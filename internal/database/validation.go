package database

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/lib/pq"

	"github.com/smukkama/aqgrid/internal/interpolation"
	"github.com/smukkama/aqgrid/internal/validation"
)

// ValidationStore implements validation.Store on the validation_runs table.
type ValidationStore struct {
	db *DB
}

// NewValidationStore creates a ValidationStore.
func NewValidationStore(db *DB) *ValidationStore {
	return &ValidationStore{db: db}
}

// Save appends r.
func (s *ValidationStore) Save(ctx context.Context, r *validation.Result) error {
	metrics, err := json.Marshal(r.Metrics)
	if err != nil {
		return fmt.Errorf("failed to encode metrics: %w", err)
	}
	pairs, err := json.Marshal(r.Pairs)
	if err != nil {
		return fmt.Errorf("failed to encode pairs: %w", err)
	}
	skipped := r.Skipped
	if skipped == nil {
		skipped = []string{}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO validation_runs (
			id, method, min_lat, min_lon, max_lat, max_lon, ts,
			metrics, pairs, skipped, fallbacks, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`,
		r.ID,
		string(r.Method),
		r.Region.MinLat,
		r.Region.MinLon,
		r.Region.MaxLat,
		r.Region.MaxLon,
		r.Timestamp,
		metrics,
		pairs,
		pq.Array(skipped),
		r.Fallbacks,
		r.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save validation run %s: %w", r.ID, err)
	}
	return nil
}

// Latest implements validation.Store. Candidates are the overlapping runs
// for method; validation.Pick prefers an exact region match.
func (s *ValidationStore) Latest(ctx context.Context, bbox interpolation.BBox, method interpolation.Method) (*validation.Result, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, method, min_lat, min_lon, max_lat, max_lon, ts,
		       metrics, pairs, skipped, fallbacks, created_at
		FROM validation_runs
		WHERE method = $1
		  AND min_lat <= $4 AND max_lat >= $2
		  AND min_lon <= $5 AND max_lon >= $3
		ORDER BY created_at DESC
		LIMIT 200
	`, string(method), bbox.MinLat, bbox.MinLon, bbox.MaxLat, bbox.MaxLon)
	if err != nil {
		return nil, fmt.Errorf("failed to query validation runs: %w", err)
	}
	defer rows.Close()

	var candidates []*validation.Result
	for rows.Next() {
		var (
			r              validation.Result
			methodName     string
			metrics, pairs []byte
			skipped        []string
		)
		if err := rows.Scan(
			&r.ID,
			&methodName,
			&r.Region.MinLat,
			&r.Region.MinLon,
			&r.Region.MaxLat,
			&r.Region.MaxLon,
			&r.Timestamp,
			&metrics,
			&pairs,
			pq.Array(&skipped),
			&r.Fallbacks,
			&r.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan validation run: %w", err)
		}
		r.Method = interpolation.Method(methodName)
		if err := json.Unmarshal(metrics, &r.Metrics); err != nil {
			return nil, fmt.Errorf("failed to decode metrics of run %s: %w", r.ID, err)
		}
		if err := json.Unmarshal(pairs, &r.Pairs); err != nil {
			return nil, fmt.Errorf("failed to decode pairs of run %s: %w", r.ID, err)
		}
		if len(skipped) > 0 {
			r.Skipped = skipped
		}
		r.Timestamp = r.Timestamp.UTC()
		r.CreatedAt = r.CreatedAt.UTC()
		candidates = append(candidates, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if r := validation.Pick(candidates, bbox, method); r != nil {
		return r, nil
	}
	return nil, validation.ErrNoResult
}
