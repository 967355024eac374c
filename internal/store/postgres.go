package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/gestibat/gestibat/internal/detection"
	"github.com/gestibat/gestibat/pkg/config"
	appErrors "github.com/gestibat/gestibat/pkg/errors"
)

// PostgresStore backs the detection scheduler with the projects and alerts
// tables. It satisfies detection.EntityStore.
type PostgresStore struct {
	db *sqlx.DB
}

// NewPostgres opens a connection pool against the configured database
func NewPostgres(cfg config.DatabaseConfig) (*PostgresStore, error) {
	db, err := sqlx.Connect("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	return &PostgresStore{db: db}, nil
}

// Close releases the connection pool
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// Ping verifies database connectivity
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// GetActiveEntities returns every entity currently under surveillance
func (s *PostgresStore) GetActiveEntities(ctx context.Context) ([]detection.Entity, error) {
	query := `
		SELECT id, name, status, active, updated_at
		FROM projects
		WHERE active = true
		ORDER BY updated_at DESC`

	var entities []detection.Entity
	if err := s.db.SelectContext(ctx, &entities, query); err != nil {
		return nil, fmt.Errorf("failed to list active entities: %w", err)
	}

	return entities, nil
}

// GetEntity fetches one entity by ID
func (s *PostgresStore) GetEntity(ctx context.Context, id string) (*detection.Entity, error) {
	query := `
		SELECT id, name, status, active, updated_at
		FROM projects
		WHERE id = $1`

	var entity detection.Entity
	if err := s.db.GetContext(ctx, &entity, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.NewNotFoundError("entity")
		}
		return nil, fmt.Errorf("failed to get entity %s: %w", id, err)
	}

	return &entity, nil
}

// GetAlerts returns alerts matching the filter, newest first
func (s *PostgresStore) GetAlerts(ctx context.Context, filter detection.AlertFilter) ([]detection.Alert, error) {
	query := `
		SELECT id, entity_id, type, title, severity, status, created_at
		FROM alerts`

	var conditions []string
	var args []interface{}

	if filter.EntityID != "" {
		args = append(args, filter.EntityID)
		conditions = append(conditions, fmt.Sprintf("entity_id = $%d", len(args)))
	}
	if filter.Status != "" {
		args = append(args, filter.Status)
		conditions = append(conditions, fmt.Sprintf("status = $%d", len(args)))
	}
	if filter.Severity != "" {
		args = append(args, filter.Severity)
		conditions = append(conditions, fmt.Sprintf("severity = $%d", len(args)))
	}

	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY created_at DESC"

	var alerts []detection.Alert
	if err := s.db.SelectContext(ctx, &alerts, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list alerts: %w", err)
	}

	return alerts, nil
}

// UpdateAlert applies a partial update to one alert
func (s *PostgresStore) UpdateAlert(ctx context.Context, id string, patch detection.AlertPatch) error {
	var sets []string
	var args []interface{}

	if patch.Status != nil {
		args = append(args, *patch.Status)
		sets = append(sets, fmt.Sprintf("status = $%d", len(args)))
	}
	if patch.Notes != nil {
		args = append(args, *patch.Notes)
		sets = append(sets, fmt.Sprintf("notes = $%d", len(args)))
	}

	if len(sets) == 0 {
		return appErrors.NewValidationError("alert update contains no fields")
	}

	args = append(args, id)
	query := fmt.Sprintf("UPDATE alerts SET %s, updated_at = NOW() WHERE id = $%d",
		strings.Join(sets, ", "), len(args))

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update alert %s: %w", id, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read update result: %w", err)
	}
	if affected == 0 {
		return appErrors.NewNotFoundError("alert")
	}

	return nil
}
