package fares

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrConfigNotFound is returned when no active config exists for a vehicle type.
var ErrConfigNotFound = errors.New("fare config not found")

// Repository reads fare configurations from Postgres.
type Repository struct {
	db *pgxpool.Pool
}

// NewRepository creates a fares repository.
func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

const configColumns = `id, vehicle_type, base_fare, per_km_rate, per_minute_rate, minimum_fare, is_active, created_at, updated_at`

// GetActiveConfigs returns all active fare configurations.
func (r *Repository) GetActiveConfigs(ctx context.Context) ([]*Config, error) {
	query := fmt.Sprintf(`SELECT %s FROM fare_configs WHERE is_active ORDER BY base_fare`, configColumns)

	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list fare configs: %w", err)
	}
	defer rows.Close()

	configs := make([]*Config, 0)
	for rows.Next() {
		cfg := &Config{}
		if err := rows.Scan(
			&cfg.ID, &cfg.VehicleType, &cfg.BaseFare, &cfg.PerKmRate,
			&cfg.PerMinuteRate, &cfg.MinimumFare, &cfg.IsActive,
			&cfg.CreatedAt, &cfg.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan fare config: %w", err)
		}
		configs = append(configs, cfg)
	}

	return configs, rows.Err()
}

// GetActiveConfig returns the active configuration for a vehicle type.
func (r *Repository) GetActiveConfig(ctx context.Context, vehicleType VehicleType) (*Config, error) {
	query := fmt.Sprintf(`SELECT %s FROM fare_configs WHERE vehicle_type = $1 AND is_active`, configColumns)

	cfg := &Config{}
	err := r.db.QueryRow(ctx, query, vehicleType).Scan(
		&cfg.ID, &cfg.VehicleType, &cfg.BaseFare, &cfg.PerKmRate,
		&cfg.PerMinuteRate, &cfg.MinimumFare, &cfg.IsActive,
		&cfg.CreatedAt, &cfg.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrConfigNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get fare config: %w", err)
	}

	return cfg, nil
}
