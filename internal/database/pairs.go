package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/smukkama/aqgrid/internal/calibration"
)

// Pairs implements pipeline.PairSource. Pairs whose window lies inside
// [from, to] are returned oldest first.
func (db *DB) Pairs(ctx context.Context, sensorID string, from, to time.Time) ([]calibration.ReferencePair, error) {
	query := `
		SELECT sensor_id, monitor_id, window_start, window_end, raw, rh,
		       temperature, reference, weight
		FROM reference_pairs
		WHERE sensor_id = $1 AND window_start >= $2 AND window_end <= $3
		ORDER BY window_start, monitor_id
	`
	rows, err := db.QueryContext(ctx, query, sensorID, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to query reference pairs: %w", err)
	}
	defer rows.Close()

	var out []calibration.ReferencePair
	for rows.Next() {
		var p calibration.ReferencePair
		var rh, temp sql.NullFloat64
		if err := rows.Scan(
			&p.SensorID,
			&p.MonitorID,
			&p.WindowStart,
			&p.WindowEnd,
			&p.Raw,
			&rh,
			&temp,
			&p.Reference,
			&p.Weight,
		); err != nil {
			return nil, fmt.Errorf("failed to scan reference pair: %w", err)
		}
		p.WindowStart = p.WindowStart.UTC()
		p.WindowEnd = p.WindowEnd.UTC()
		p.RH = floatPtr(rh)
		p.Temperature = floatPtr(temp)
		out = append(out, p)
	}
	return out, rows.Err()
}

// PairedSensors implements pipeline.PairSource.
func (db *DB) PairedSensors(ctx context.Context, from, to time.Time) ([]string, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT DISTINCT sensor_id FROM reference_pairs
		WHERE window_start >= $1 AND window_end <= $2
		ORDER BY sensor_id
	`, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to query paired sensors: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan sensor id: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
