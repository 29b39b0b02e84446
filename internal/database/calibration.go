package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/smukkama/aqgrid/internal/calibration"
)

// CalibrationStore implements calibration.Store on the calibration_models
// table.
type CalibrationStore struct {
	db *DB
}

// NewCalibrationStore creates a CalibrationStore.
func NewCalibrationStore(db *DB) *CalibrationStore {
	return &CalibrationStore{db: db}
}

const modelColumns = `
	id, sensor_id, version, coefficients, sigma, r2, reduced, fitted_at,
	pair_count, window_start, window_end, supersedes_id, rolled_back_from
`

// Save appends m. A version collision means another process fitted the
// sensor concurrently and is reported as an error.
func (s *CalibrationStore) Save(ctx context.Context, m *calibration.Model) error {
	coefficients, err := json.Marshal(m.Coefficients)
	if err != nil {
		return fmt.Errorf("failed to encode coefficients: %w", err)
	}
	reduced, err := json.Marshal(m.Reduced)
	if err != nil {
		return fmt.Errorf("failed to encode reduced model: %w", err)
	}

	query := `
		INSERT INTO calibration_models (` + modelColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`
	_, err = s.db.ExecContext(ctx, query,
		m.ID,
		m.SensorID,
		m.Version,
		coefficients,
		m.Sigma,
		m.R2,
		reduced,
		m.FittedAt,
		m.PairCount,
		m.WindowStart,
		m.WindowEnd,
		nullString(m.SupersedesID),
		nullString(m.RolledBackFrom),
	)
	if err != nil {
		return fmt.Errorf("failed to save calibration %s: %w", m.VersionTag(), err)
	}
	return nil
}

// Latest implements calibration.Store.
func (s *CalibrationStore) Latest(ctx context.Context, sensorID string) (*calibration.Model, error) {
	query := `SELECT ` + modelColumns + ` FROM calibration_models
		WHERE sensor_id = $1 ORDER BY version DESC LIMIT 1`
	m, err := scanModel(s.db.QueryRowContext(ctx, query, sensorID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, calibration.ErrNoModel
	}
	return m, err
}

// History implements calibration.Store.
func (s *CalibrationStore) History(ctx context.Context, sensorID string) ([]*calibration.Model, error) {
	query := `SELECT ` + modelColumns + ` FROM calibration_models
		WHERE sensor_id = $1 ORDER BY version`
	rows, err := s.db.QueryContext(ctx, query, sensorID)
	if err != nil {
		return nil, fmt.Errorf("failed to query calibration history: %w", err)
	}
	defer rows.Close()

	var out []*calibration.Model
	for rows.Next() {
		m, err := scanModel(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanModel(row scanner) (*calibration.Model, error) {
	var (
		m                      calibration.Model
		coefficients, reduced  []byte
		supersedes, rolledBack sql.NullString
		fittedAt, start, end   time.Time
	)
	err := row.Scan(
		&m.ID,
		&m.SensorID,
		&m.Version,
		&coefficients,
		&m.Sigma,
		&m.R2,
		&reduced,
		&fittedAt,
		&m.PairCount,
		&start,
		&end,
		&supersedes,
		&rolledBack,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan calibration model: %w", err)
	}
	if err := json.Unmarshal(coefficients, &m.Coefficients); err != nil {
		return nil, fmt.Errorf("failed to decode coefficients: %w", err)
	}
	if err := json.Unmarshal(reduced, &m.Reduced); err != nil {
		return nil, fmt.Errorf("failed to decode reduced model: %w", err)
	}
	m.FittedAt = fittedAt.UTC()
	m.WindowStart = start.UTC()
	m.WindowEnd = end.UTC()
	m.SupersedesID = supersedes.String
	m.RolledBackFrom = rolledBack.String
	return &m, nil
}
