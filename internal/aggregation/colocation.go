package aggregation

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/smukkama/aqgrid/internal/logging"
)

// ColocationRefresher rebuilds the sensor to monitor co-location table
// from the latest sensor positions.
type ColocationRefresher struct {
	db       Execer
	maxDistM float64
	log      *slog.Logger
}

// NewColocationRefresher pairs sensors with monitors within maxDistM meters.
func NewColocationRefresher(db Execer, maxDistM float64, log *slog.Logger) *ColocationRefresher {
	return &ColocationRefresher{db: db, maxDistM: maxDistM, log: logging.OrDiscard(log)}
}

// Haversine great-circle distance in meters, evaluated by PostgreSQL.
const refreshColocationsQuery = `
	WITH candidates AS (
		SELECT
			s.sensor_id,
			m.monitor_id,
			2 * 6371008.8 * ASIN(SQRT(
				POWER(SIN(RADIANS(m.lat - s.lat) / 2), 2) +
				COS(RADIANS(s.lat)) * COS(RADIANS(m.lat)) *
				POWER(SIN(RADIANS(m.lon - s.lon) / 2), 2)
			)) AS distance_m
		FROM sensors s CROSS JOIN reference_monitors m
	), removed AS (
		DELETE FROM colocations c
		WHERE NOT EXISTS (
			SELECT 1 FROM candidates k
			WHERE k.sensor_id = c.sensor_id AND k.monitor_id = c.monitor_id
			  AND k.distance_m <= $1
		)
	)
	INSERT INTO colocations (sensor_id, monitor_id, distance_m, updated_at)
	SELECT sensor_id, monitor_id, distance_m, CURRENT_TIMESTAMP
	FROM candidates
	WHERE distance_m <= $1
	ON CONFLICT (sensor_id, monitor_id) DO UPDATE
	SET distance_m = EXCLUDED.distance_m,
	    updated_at = EXCLUDED.updated_at
`

// Refresh recomputes co-locations. Sensors that moved away from a monitor
// lose the pairing.
func (r *ColocationRefresher) Refresh(ctx context.Context) (int64, error) {
	r.log.Info("refreshing co-locations", "max_distance_m", r.maxDistM)

	result, err := r.db.ExecContext(ctx, refreshColocationsQuery, r.maxDistM)
	if err != nil {
		return 0, fmt.Errorf("failed to refresh co-locations: %w", err)
	}

	rowsAffected, _ := result.RowsAffected()
	r.log.Info("co-locations refreshed", "pairs", rowsAffected)
	return rowsAffected, nil
}
