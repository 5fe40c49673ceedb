package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pulselab/ecg-be/internal/domain"
	"github.com/pulselab/ecg-be/shared/postgresql"
)

type Storage struct {
	db *sqlx.DB
}

func NewStorage(pg *postgresql.Client) *Storage {
	return &Storage{
		db: pg.GetDB(),
	}
}

const measurementColumns = `
	id, owner_id, status, tag, sampling_rate, format,
	duration_sec, location, results, errors, summary,
	created_at, updated_at
`

func (s *Storage) CreateMeasurement(ctx context.Context, m *domain.Measurement) error {
	query := `
		INSERT INTO measurements (
			id, owner_id, status, tag, sampling_rate, format,
			duration_sec, location, results, errors, summary,
			created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10, $11,
			$12, $13
		)
	`

	_, err := s.db.ExecContext(
		ctx,
		query,
		m.ID,
		m.OwnerID,
		m.Status,
		m.Tag,
		m.SamplingRate,
		m.Format,
		m.DurationSec,
		m.Location,
		m.Results,
		m.Errors,
		m.Summary,
		m.CreatedAt,
		m.UpdatedAt,
	)

	if err != nil {
		return fmt.Errorf("failed to create measurement: %w", err)
	}

	return nil
}

func (s *Storage) GetMeasurement(ctx context.Context, id string) (*domain.Measurement, error) {
	var m domain.Measurement
	query := `SELECT ` + measurementColumns + ` FROM measurements WHERE id = $1`

	err := s.db.GetContext(ctx, &m, query, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get measurement: %w", err)
	}

	return &m, nil
}

func (s *Storage) GetMeasurementForOwner(ctx context.Context, id, ownerID string) (*domain.Measurement, error) {
	var m domain.Measurement
	query := `SELECT ` + measurementColumns + ` FROM measurements WHERE id = $1 AND owner_id = $2`

	err := s.db.GetContext(ctx, &m, query, id, ownerID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get measurement: %w", err)
	}

	return &m, nil
}

// ListMeasurements returns one page of the owner's measurements, newest
// first, along with the owner's total count.
func (s *Storage) ListMeasurements(ctx context.Context, ownerID string, limit, offset int) ([]domain.Measurement, int, error) {
	query := `
		SELECT ` + measurementColumns + `
		FROM measurements
		WHERE owner_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2 OFFSET $3
	`

	measurements := []domain.Measurement{}
	if err := s.db.SelectContext(ctx, &measurements, query, ownerID, limit, offset); err != nil {
		return nil, 0, fmt.Errorf("failed to list measurements: %w", err)
	}

	var total int
	countQuery := `SELECT COUNT(*) FROM measurements WHERE owner_id = $1`
	if err := s.db.GetContext(ctx, &total, countQuery, ownerID); err != nil {
		return nil, 0, fmt.Errorf("failed to count measurements: %w", err)
	}

	return measurements, total, nil
}

func (s *Storage) UpdateTag(ctx context.Context, id, ownerID, tag string) (*domain.Measurement, error) {
	var m domain.Measurement
	query := `
		UPDATE measurements
		SET tag = $1, updated_at = $2
		WHERE id = $3 AND owner_id = $4
		RETURNING ` + measurementColumns

	err := s.db.GetContext(ctx, &m, query, tag, time.Now().UTC(), id, ownerID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("failed to update tag: %w", err)
	}

	return &m, nil
}

func (s *Storage) UpdateStatus(ctx context.Context, id, status string) error {
	query := `UPDATE measurements SET status = $1, updated_at = $2 WHERE id = $3`

	res, err := s.db.ExecContext(ctx, query, status, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update status: %w", err)
	}

	if rows, err := res.RowsAffected(); err == nil && rows == 0 {
		return domain.ErrNotFound
	}

	return nil
}

func (s *Storage) UpdateResults(ctx context.Context, id string, results domain.FeatureMap, summary string) (*domain.Measurement, error) {
	var m domain.Measurement
	query := `
		UPDATE measurements
		SET status = $1, results = $2, summary = $3, errors = NULL, updated_at = $4
		WHERE id = $5
		RETURNING ` + measurementColumns

	err := s.db.GetContext(ctx, &m, query, domain.StatusDone, results, summary, time.Now().UTC(), id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("failed to update results: %w", err)
	}

	return &m, nil
}

func (s *Storage) UpdateErrors(ctx context.Context, id string, errs domain.ErrorList) (*domain.Measurement, error) {
	var m domain.Measurement
	query := `
		UPDATE measurements
		SET status = $1, errors = $2, results = NULL, summary = '', updated_at = $3
		WHERE id = $4
		RETURNING ` + measurementColumns

	err := s.db.GetContext(ctx, &m, query, domain.StatusError, errs, time.Now().UTC(), id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("failed to update errors: %w", err)
	}

	return &m, nil
}

// ListStaleProcessing returns measurements still in processing whose last
// update is older than the cutoff.
func (s *Storage) ListStaleProcessing(ctx context.Context, cutoff time.Time) ([]domain.Measurement, error) {
	query := `
		SELECT ` + measurementColumns + `
		FROM measurements
		WHERE status = $1 AND updated_at < $2
		ORDER BY updated_at ASC
	`

	measurements := []domain.Measurement{}
	if err := s.db.SelectContext(ctx, &measurements, query, domain.StatusProcessing, cutoff); err != nil {
		return nil, fmt.Errorf("failed to list stale measurements: %w", err)
	}

	return measurements, nil
}
