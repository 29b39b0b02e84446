package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/smukkama/aqgrid/internal/interpolation"
	"github.com/smukkama/aqgrid/internal/pipeline"
	"github.com/smukkama/aqgrid/internal/qc"
)

// InsertReadings writes harmonized records in one transaction and keeps
// the sensors table pointed at each sensor's latest position. Records
// already stored under the same id are skipped, so replays are no-ops.
func (db *DB) InsertReadings(ctx context.Context, recs []qc.HarmonizedRecord) (int, error) {
	if len(recs) == 0 {
		return 0, nil
	}

	inserted := 0
	err := db.inTx(ctx, func(tx *sql.Tx) error {
		sensorStmt, err := tx.PrepareContext(ctx, `
			INSERT INTO sensors (sensor_id, source_id, lat, lon)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (sensor_id) DO UPDATE
			SET source_id = EXCLUDED.source_id,
			    lat = EXCLUDED.lat,
			    lon = EXCLUDED.lon,
			    updated_at = CURRENT_TIMESTAMP
		`)
		if err != nil {
			return fmt.Errorf("failed to prepare sensor upsert: %w", err)
		}
		defer sensorStmt.Close()

		readingStmt, err := tx.PrepareContext(ctx, `
			INSERT INTO readings (
				id, supersedes_id, sensor_id, source_id, lat, lon, ts,
				pm25, rh, temperature, pressure, flags, valid
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
			ON CONFLICT (id) DO NOTHING
		`)
		if err != nil {
			return fmt.Errorf("failed to prepare reading insert: %w", err)
		}
		defer readingStmt.Close()

		for _, rec := range recs {
			if !rec.HasFlag(qc.FlagInvalidCoordinates) {
				if _, err := sensorStmt.ExecContext(ctx, rec.SensorID, rec.SourceID, rec.Lat, rec.Lon); err != nil {
					return fmt.Errorf("failed to upsert sensor %s: %w", rec.SensorID, err)
				}
			}
			res, err := readingStmt.ExecContext(ctx,
				rec.ID,
				nullString(rec.SupersedesID),
				rec.SensorID,
				rec.SourceID,
				rec.Lat,
				rec.Lon,
				rec.Timestamp,
				nullFloat(rec.PM25),
				nullFloat(rec.RH),
				nullFloat(rec.Temperature),
				nullFloat(rec.Pressure),
				pq.Array(flagStrings(rec.Flags)),
				rec.Valid,
			)
			if err != nil {
				return fmt.Errorf("failed to insert reading %s: %w", rec.ID, err)
			}
			if n, _ := res.RowsAffected(); n > 0 {
				inserted++
			}
		}
		return nil
	})
	return inserted, err
}

// ErrReadingNotFound is returned by Reading for an unknown record id.
var ErrReadingNotFound = errors.New("reading not found")

const readingColumns = `r.id, r.supersedes_id, r.sensor_id, r.source_id, r.lat, r.lon, r.ts,
	       r.pm25, r.rh, r.temperature, r.pressure, r.flags, r.valid`

// Readings implements pipeline.ReadingSource. Superseded records are
// excluded; their corrections are returned instead.
func (db *DB) Readings(ctx context.Context, bbox interpolation.BBox, from, to time.Time) ([]qc.HarmonizedRecord, error) {
	query := `
		SELECT ` + readingColumns + `
		FROM readings r
		WHERE r.ts > $1 AND r.ts <= $2
		  AND r.lat BETWEEN $3 AND $5
		  AND r.lon BETWEEN $4 AND $6
		  AND NOT EXISTS (SELECT 1 FROM readings s WHERE s.supersedes_id = r.id)
		ORDER BY r.sensor_id, r.ts
	`
	rows, err := db.QueryContext(ctx, query, from, to, bbox.MinLat, bbox.MinLon, bbox.MaxLat, bbox.MaxLon)
	if err != nil {
		return nil, fmt.Errorf("failed to query readings: %w", err)
	}
	defer rows.Close()

	var out []qc.HarmonizedRecord
	for rows.Next() {
		rec, err := scanReading(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan reading: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Reading returns one stored record by id, superseded or not.
func (db *DB) Reading(ctx context.Context, id string) (qc.HarmonizedRecord, error) {
	row := db.QueryRowContext(ctx, `SELECT `+readingColumns+` FROM readings r WHERE r.id = $1`, id)
	rec, err := scanReading(row)
	if errors.Is(err, sql.ErrNoRows) {
		return qc.HarmonizedRecord{}, fmt.Errorf("%w: %s", ErrReadingNotFound, id)
	}
	if err != nil {
		return qc.HarmonizedRecord{}, fmt.Errorf("failed to get reading %s: %w", id, err)
	}
	return rec, nil
}

func scanReading(row scanner) (qc.HarmonizedRecord, error) {
	var (
		rec                      qc.HarmonizedRecord
		supersedes               sql.NullString
		pm25, rh, temp, pressure sql.NullFloat64
		flags                    []string
	)
	if err := row.Scan(
		&rec.ID,
		&supersedes,
		&rec.SensorID,
		&rec.SourceID,
		&rec.Lat,
		&rec.Lon,
		&rec.Timestamp,
		&pm25,
		&rh,
		&temp,
		&pressure,
		pq.Array(&flags),
		&rec.Valid,
	); err != nil {
		return qc.HarmonizedRecord{}, err
	}
	rec.SupersedesID = supersedes.String
	rec.PM25 = floatPtr(pm25)
	rec.RH = floatPtr(rh)
	rec.Temperature = floatPtr(temp)
	rec.Pressure = floatPtr(pressure)
	rec.Timestamp = rec.Timestamp.UTC()
	rec.Flags = make([]qc.Flag, len(flags))
	for i, f := range flags {
		rec.Flags[i] = qc.Flag(f)
	}
	return rec, nil
}

// RecentValues returns the newest valid PM2.5 values per sensor, oldest
// first, for seeding spike windows after a restart.
func (db *DB) RecentValues(ctx context.Context, sensorIDs []string, limit int) (map[string][]float64, error) {
	out := make(map[string][]float64, len(sensorIDs))
	if len(sensorIDs) == 0 || limit <= 0 {
		return out, nil
	}
	query := `
		SELECT sensor_id, pm25 FROM (
			SELECT sensor_id, pm25, ts,
			       ROW_NUMBER() OVER (PARTITION BY sensor_id ORDER BY ts DESC) AS rn
			FROM readings
			WHERE sensor_id = ANY($1) AND valid AND pm25 IS NOT NULL
		) recent
		WHERE rn <= $2
		ORDER BY sensor_id, ts
	`
	rows, err := db.QueryContext(ctx, query, pq.Array(sensorIDs), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent values: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		var v float64
		if err := rows.Scan(&id, &v); err != nil {
			return nil, fmt.Errorf("failed to scan recent value: %w", err)
		}
		out[id] = append(out[id], v)
	}
	return out, rows.Err()
}

// Locations implements pipeline.ReadingSource.
func (db *DB) Locations(ctx context.Context, sensorIDs []string) (map[string]pipeline.Location, error) {
	out := make(map[string]pipeline.Location, len(sensorIDs))
	if len(sensorIDs) == 0 {
		return out, nil
	}
	rows, err := db.QueryContext(ctx,
		`SELECT sensor_id, lat, lon FROM sensors WHERE sensor_id = ANY($1)`,
		pq.Array(sensorIDs))
	if err != nil {
		return nil, fmt.Errorf("failed to query sensor locations: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		var loc pipeline.Location
		if err := rows.Scan(&id, &loc.Lat, &loc.Lon); err != nil {
			return nil, fmt.Errorf("failed to scan sensor location: %w", err)
		}
		out[id] = loc
	}
	return out, rows.Err()
}

// InsertReferenceReadings stores monitor observations, registering the
// monitors on first sight and replacing values already recorded for the
// same monitor and time.
func (db *DB) InsertReferenceReadings(ctx context.Context, readings []ReferenceReading) error {
	if len(readings) == 0 {
		return nil
	}
	return db.inTx(ctx, func(tx *sql.Tx) error {
		monitorStmt, err := tx.PrepareContext(ctx, `
			INSERT INTO reference_monitors (monitor_id, lat, lon)
			VALUES ($1, $2, $3)
			ON CONFLICT (monitor_id) DO UPDATE
			SET lat = EXCLUDED.lat, lon = EXCLUDED.lon
		`)
		if err != nil {
			return fmt.Errorf("failed to prepare monitor upsert: %w", err)
		}
		defer monitorStmt.Close()

		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO reference_readings (monitor_id, ts, pm25)
			VALUES ($1, $2, $3)
			ON CONFLICT (monitor_id, ts) DO UPDATE SET pm25 = EXCLUDED.pm25
		`)
		if err != nil {
			return fmt.Errorf("failed to prepare reference insert: %w", err)
		}
		defer stmt.Close()

		for _, r := range readings {
			if _, err := monitorStmt.ExecContext(ctx, r.MonitorID, r.Lat, r.Lon); err != nil {
				return fmt.Errorf("failed to upsert monitor %s: %w", r.MonitorID, err)
			}
			if _, err := stmt.ExecContext(ctx, r.MonitorID, r.Timestamp, r.PM25); err != nil {
				return fmt.Errorf("failed to insert reference reading for %s: %w", r.MonitorID, err)
			}
		}
		return nil
	})
}

func flagStrings(flags []qc.Flag) []string {
	out := make([]string, len(flags))
	for i, f := range flags {
		out[i] = string(f)
	}
	return out
}
