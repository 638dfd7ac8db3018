package drivers

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrDriverNotFound is returned when no driver row matches.
var ErrDriverNotFound = errors.New("driver not found")

// Repository persists driver accounts and availability in Postgres.
type Repository struct {
	db *pgxpool.Pool
}

// NewRepository creates a drivers repository.
func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

const driverColumns = `id, full_name, phone, rating, status, online_status, current_ride_id,
	current_latitude, current_longitude, vehicle_type, vehicle_make, vehicle_model, vehicle_plate,
	last_online_at, last_location_at, created_at, updated_at`

func scanDriver(row pgx.Row) (*Driver, error) {
	d := &Driver{}
	err := row.Scan(
		&d.ID, &d.FullName, &d.Phone, &d.Rating, &d.Status, &d.OnlineStatus, &d.CurrentRideID,
		&d.CurrentLatitude, &d.CurrentLongitude, &d.VehicleType, &d.VehicleMake, &d.VehicleModel,
		&d.VehiclePlate, &d.LastOnlineAt, &d.LastLocationAt, &d.CreatedAt, &d.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrDriverNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan driver: %w", err)
	}
	return d, nil
}

// GetByID loads a driver by id.
func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (*Driver, error) {
	query := fmt.Sprintf(`SELECT %s FROM drivers WHERE id = $1`, driverColumns)
	return scanDriver(r.db.QueryRow(ctx, query, id))
}

// GetByIDs loads several drivers at once, used by dispatch to hydrate
// geo-index candidates. Missing ids are silently skipped.
func (r *Repository) GetByIDs(ctx context.Context, ids []uuid.UUID) ([]*Driver, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	query := fmt.Sprintf(`SELECT %s FROM drivers WHERE id = ANY($1)`, driverColumns)
	rows, err := r.db.Query(ctx, query, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to list drivers: %w", err)
	}
	defer rows.Close()

	result := make([]*Driver, 0, len(ids))
	for rows.Next() {
		d, err := scanDriver(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, d)
	}
	return result, rows.Err()
}

// UpdateProfile applies partial profile edits, keeping current values for
// empty fields, and returns the updated row.
func (r *Repository) UpdateProfile(ctx context.Context, id uuid.UUID, req *UpdateProfileRequest) (*Driver, error) {
	query := fmt.Sprintf(`
		UPDATE drivers SET
			full_name     = COALESCE(NULLIF($2, ''), full_name),
			vehicle_make  = COALESCE(NULLIF($3, ''), vehicle_make),
			vehicle_model = COALESCE(NULLIF($4, ''), vehicle_model),
			vehicle_plate = COALESCE(NULLIF($5, ''), vehicle_plate),
			updated_at    = now()
		WHERE id = $1
		RETURNING %s`, driverColumns)
	return scanDriver(r.db.QueryRow(ctx, query, id, req.FullName, req.VehicleMake, req.VehicleModel, req.VehiclePlate))
}

// SetOnline marks an approved driver as available. The guard refuses the
// transition while the driver is on a ride.
func (r *Repository) SetOnline(ctx context.Context, id uuid.UUID, latitude, longitude float64) (bool, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE drivers
		SET online_status = 'ONLINE',
		    current_latitude = $2,
		    current_longitude = $3,
		    last_online_at = now(),
		    last_location_at = now(),
		    updated_at = now()
		WHERE id = $1 AND status = 'APPROVED' AND online_status <> 'ON_RIDE'`,
		id, latitude, longitude,
	)
	if err != nil {
		return false, fmt.Errorf("failed to set driver online: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// SetOffline marks a driver unavailable. Refused while on a ride.
func (r *Repository) SetOffline(ctx context.Context, id uuid.UUID) (bool, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE drivers
		SET online_status = 'OFFLINE', updated_at = now()
		WHERE id = $1 AND online_status = 'ONLINE'`,
		id,
	)
	if err != nil {
		return false, fmt.Errorf("failed to set driver offline: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// UpdateLocation stores the latest reported position.
func (r *Repository) UpdateLocation(ctx context.Context, id uuid.UUID, latitude, longitude float64) error {
	_, err := r.db.Exec(ctx, `
		UPDATE drivers
		SET current_latitude = $2, current_longitude = $3, last_location_at = now(), updated_at = now()
		WHERE id = $1`,
		id, latitude, longitude,
	)
	if err != nil {
		return fmt.Errorf("failed to update driver location: %w", err)
	}
	return nil
}

// ClaimForRide atomically binds an available driver to a ride. The WHERE
// clause is the whole concurrency story: two rides racing for the same
// driver resolve at the database, and exactly one update reports a row.
func (r *Repository) ClaimForRide(ctx context.Context, driverID, rideID uuid.UUID) (bool, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE drivers
		SET current_ride_id = $2, online_status = 'ON_RIDE', updated_at = now()
		WHERE id = $1 AND current_ride_id IS NULL AND online_status = 'ONLINE'`,
		driverID, rideID,
	)
	if err != nil {
		return false, fmt.Errorf("failed to claim driver: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ReleaseFromRide unbinds the driver after completion or cancellation and
// returns them to the pool. Guarded on the ride id so a stale release cannot
// clobber a newer assignment.
func (r *Repository) ReleaseFromRide(ctx context.Context, driverID, rideID uuid.UUID, next OnlineStatus) error {
	_, err := r.db.Exec(ctx, `
		UPDATE drivers
		SET current_ride_id = NULL, online_status = $3, updated_at = now()
		WHERE id = $1 AND current_ride_id = $2`,
		driverID, rideID, next,
	)
	if err != nil {
		return fmt.Errorf("failed to release driver: %w", err)
	}
	return nil
}

// RefreshRating recomputes the driver's average rating from rider reviews.
func (r *Repository) RefreshRating(ctx context.Context, driverID uuid.UUID) error {
	_, err := r.db.Exec(ctx, `
		UPDATE drivers
		SET rating = COALESCE((
			SELECT ROUND(AVG(rating)::numeric, 2)
			FROM reviews
			WHERE reviewee_id = $1 AND reviewer_type = 'RIDER'
		), rating),
		updated_at = now()
		WHERE id = $1`,
		driverID,
	)
	if err != nil {
		return fmt.Errorf("failed to refresh driver rating: %w", err)
	}
	return nil
}

// EarningsSummary aggregates the driver's earnings rows over [from, to).
func (r *Repository) EarningsSummary(ctx context.Context, driverID uuid.UUID, from, to time.Time) (*EarningsSummary, error) {
	summary := &EarningsSummary{DriverID: driverID, From: from, To: to}
	err := r.db.QueryRow(ctx, `
		SELECT COUNT(*), COALESCE(SUM(gross_fare), 0), COALESCE(SUM(commission), 0), COALESCE(SUM(net_earning), 0)
		FROM earnings
		WHERE driver_id = $1 AND created_at >= $2 AND created_at < $3`,
		driverID, from, to,
	).Scan(&summary.RideCount, &summary.GrossFare, &summary.Commission, &summary.NetEarnings)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate earnings: %w", err)
	}
	return summary, nil
}
