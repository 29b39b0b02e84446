package database

import (
	"context"
	"fmt"
	"time"
)

// InsertAlertLog inserts a new alert log entry and sets a.ID.
func (db *DB) InsertAlertLog(ctx context.Context, a *AlertLog) error {
	query := `
		INSERT INTO alerts_log (
			region, method, metric, value, threshold, comparison,
			status, run_id, triggered_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id
	`
	err := db.QueryRowContext(ctx, query,
		a.Region,
		a.Method,
		a.Metric,
		a.Value,
		a.Threshold,
		a.Comparison,
		a.Status,
		nullString(a.RunID),
		a.TriggeredAt,
	).Scan(&a.ID)
	if err != nil {
		return fmt.Errorf("failed to insert alert log: %w", err)
	}
	return nil
}

// ClearAlertLog marks an alert log entry as cleared.
func (db *DB) ClearAlertLog(ctx context.Context, id int64, clearedAt time.Time) error {
	_, err := db.ExecContext(ctx,
		`UPDATE alerts_log SET status = $1, cleared_at = $2 WHERE id = $3`,
		AlertStatusCleared, clearedAt, id)
	if err != nil {
		return fmt.Errorf("failed to clear alert log %d: %w", id, err)
	}
	return nil
}

// ActiveAlerts lists the alerts not yet cleared, newest first.
func (db *DB) ActiveAlerts(ctx context.Context) ([]AlertLog, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, region, method, metric, value, threshold, comparison,
		       status, COALESCE(run_id::text, ''), triggered_at
		FROM alerts_log
		WHERE status = $1
		ORDER BY triggered_at DESC
	`, AlertStatusActive)
	if err != nil {
		return nil, fmt.Errorf("failed to query active alerts: %w", err)
	}
	defer rows.Close()

	var out []AlertLog
	for rows.Next() {
		var a AlertLog
		if err := rows.Scan(
			&a.ID,
			&a.Region,
			&a.Method,
			&a.Metric,
			&a.Value,
			&a.Threshold,
			&a.Comparison,
			&a.Status,
			&a.RunID,
			&a.TriggeredAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan alert log: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
