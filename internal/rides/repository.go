package rides

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrRideNotFound is returned when no ride row matches.
	ErrRideNotFound = errors.New("ride not found")
	// ErrAlreadyReviewed is returned on a duplicate review for the same ride.
	ErrAlreadyReviewed = errors.New("ride already reviewed")
)

// Repository persists rides, reviews and earnings in Postgres.
type Repository struct {
	db *pgxpool.Pool
}

// NewRepository creates a rides repository.
func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

const rideColumns = `id, ride_number, rider_id, driver_id, vehicle_type, status,
	pickup_address, pickup_latitude, pickup_longitude, drop_address, drop_latitude, drop_longitude,
	stops, estimated_distance, estimated_duration,
	base_fare, distance_fare, time_fare, wait_fare, toll_charges, surge_multiplier,
	taxes, tip, discount, total_fare, payment_method, ride_otp,
	cancelled_by, cancellation_reason, cancellation_fee,
	requested_at, accepted_at, arrived_at, started_at, completed_at, cancelled_at,
	created_at, updated_at`

func scanRide(row pgx.Row) (*Ride, error) {
	r := &Ride{}
	err := row.Scan(
		&r.ID, &r.RideNumber, &r.RiderID, &r.DriverID, &r.VehicleType, &r.Status,
		&r.PickupAddress, &r.PickupLatitude, &r.PickupLongitude,
		&r.DropAddress, &r.DropLatitude, &r.DropLongitude,
		&r.Stops, &r.EstimatedDistance, &r.EstimatedDuration,
		&r.BaseFare, &r.DistanceFare, &r.TimeFare, &r.WaitFare, &r.TollCharges, &r.SurgeMultiplier,
		&r.Taxes, &r.Tip, &r.Discount, &r.TotalFare, &r.PaymentMethod, &r.RideOTP,
		&r.CancelledBy, &r.CancellationReason, &r.CancellationFee,
		&r.RequestedAt, &r.AcceptedAt, &r.ArrivedAt, &r.StartedAt, &r.CompletedAt, &r.CancelledAt,
		&r.CreatedAt, &r.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrRideNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan ride: %w", err)
	}
	return r, nil
}

// Create inserts a new ride in SEARCHING state.
func (r *Repository) Create(ctx context.Context, ride *Ride) error {
	stops := ride.Stops
	if stops == nil {
		stops = []Stop{}
	}
	_, err := r.db.Exec(ctx, `
		INSERT INTO rides (
			id, ride_number, rider_id, vehicle_type, status,
			pickup_address, pickup_latitude, pickup_longitude,
			drop_address, drop_latitude, drop_longitude,
			stops, estimated_distance, estimated_duration,
			base_fare, distance_fare, time_fare, wait_fare, toll_charges, surge_multiplier,
			taxes, tip, discount, total_fare, payment_method, ride_otp, requested_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8,
			$9, $10, $11,
			$12, $13, $14,
			$15, $16, $17, $18, $19, $20,
			$21, $22, $23, $24, $25, $26, $27
		)`,
		ride.ID, ride.RideNumber, ride.RiderID, ride.VehicleType, ride.Status,
		ride.PickupAddress, ride.PickupLatitude, ride.PickupLongitude,
		ride.DropAddress, ride.DropLatitude, ride.DropLongitude,
		stops, ride.EstimatedDistance, ride.EstimatedDuration,
		ride.BaseFare, ride.DistanceFare, ride.TimeFare, ride.WaitFare, ride.TollCharges, ride.SurgeMultiplier,
		ride.Taxes, ride.Tip, ride.Discount, ride.TotalFare, ride.PaymentMethod, ride.RideOTP, ride.RequestedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create ride: %w", err)
	}
	return nil
}

// GetByID loads a ride by id.
func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (*Ride, error) {
	query := fmt.Sprintf(`SELECT %s FROM rides WHERE id = $1`, rideColumns)
	return scanRide(r.db.QueryRow(ctx, query, id))
}

// AcceptSearching atomically assigns a driver to a still-searching ride.
// Exactly one of N concurrent accepts can observe status = SEARCHING; the
// rest see zero rows affected and lose the race.
func (r *Repository) AcceptSearching(ctx context.Context, rideID, driverID uuid.UUID) (bool, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE rides
		SET status = 'ACCEPTED', driver_id = $2, accepted_at = now(), updated_at = now()
		WHERE id = $1 AND status = 'SEARCHING'`,
		rideID, driverID,
	)
	if err != nil {
		return false, fmt.Errorf("failed to accept ride: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// timestampColumn maps a target status to the lifecycle timestamp it sets.
// Each timestamp is written at most once because the guarded transition can
// only fire once per from status.
func timestampColumn(to Status) string {
	switch to {
	case StatusArrived:
		return "arrived_at"
	case StatusInProgress:
		return "started_at"
	case StatusCompleted:
		return "completed_at"
	}
	return ""
}

// Transition performs a guarded status change. Returns false when the ride
// was no longer in the expected from status.
func (r *Repository) Transition(ctx context.Context, rideID uuid.UUID, from, to Status) (bool, error) {
	if !CanTransition(from, to) {
		return false, fmt.Errorf("illegal ride transition %s -> %s", from, to)
	}

	set := `status = $2, updated_at = now()`
	if col := timestampColumn(to); col != "" {
		set += fmt.Sprintf(`, %s = now()`, col)
	}

	query := fmt.Sprintf(`UPDATE rides SET %s WHERE id = $1 AND status = $3`, set)
	tag, err := r.db.Exec(ctx, query, rideID, to, from)
	if err != nil {
		return false, fmt.Errorf("failed to transition ride: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// Cancel marks the ride cancelled if it has not yet started. The status list
// in the guard mirrors Status.Cancellable.
func (r *Repository) Cancel(ctx context.Context, rideID uuid.UUID, by CancelParty, reason string, fee float64) (bool, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE rides
		SET status = 'CANCELLED', cancelled_by = $2, cancellation_reason = $3,
		    cancellation_fee = $4, cancelled_at = now(), updated_at = now()
		WHERE id = $1 AND status IN ('SEARCHING', 'ACCEPTED', 'ARRIVING', 'ARRIVED')`,
		rideID, by, nullIfEmpty(reason), fee,
	)
	if err != nil {
		return false, fmt.Errorf("failed to cancel ride: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ActiveForRider returns the rider's in-flight ride, if any.
func (r *Repository) ActiveForRider(ctx context.Context, riderID uuid.UUID) (*Ride, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM rides
		WHERE rider_id = $1 AND status NOT IN ('COMPLETED', 'CANCELLED')
		ORDER BY requested_at DESC
		LIMIT 1`, rideColumns)
	return scanRide(r.db.QueryRow(ctx, query, riderID))
}

// ActiveForDriver returns the driver's in-flight ride, if any. A SEARCHING
// ride never has a driver, so it is excluded by construction.
func (r *Repository) ActiveForDriver(ctx context.Context, driverID uuid.UUID) (*Ride, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM rides
		WHERE driver_id = $1 AND status NOT IN ('COMPLETED', 'CANCELLED')
		ORDER BY requested_at DESC
		LIMIT 1`, rideColumns)
	return scanRide(r.db.QueryRow(ctx, query, driverID))
}

func (r *Repository) history(ctx context.Context, column string, userID uuid.UUID, limit, offset int) ([]*Ride, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM rides
		WHERE %s = $1 AND status IN ('COMPLETED', 'CANCELLED')
		ORDER BY requested_at DESC
		LIMIT $2 OFFSET $3`, rideColumns, column)

	rows, err := r.db.Query(ctx, query, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list ride history: %w", err)
	}
	defer rows.Close()

	result := make([]*Ride, 0, limit)
	for rows.Next() {
		ride, err := scanRide(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, ride)
	}
	return result, rows.Err()
}

// HistoryForRider pages through the rider's finished rides, newest first.
func (r *Repository) HistoryForRider(ctx context.Context, riderID uuid.UUID, limit, offset int) ([]*Ride, error) {
	return r.history(ctx, "rider_id", riderID, limit, offset)
}

// HistoryForDriver pages through the driver's finished rides, newest first.
func (r *Repository) HistoryForDriver(ctx context.Context, driverID uuid.UUID, limit, offset int) ([]*Ride, error) {
	return r.history(ctx, "driver_id", driverID, limit, offset)
}

// CreateReview stores a review. The unique index on (ride_id, reviewer_type)
// turns a duplicate submission into ErrAlreadyReviewed.
func (r *Repository) CreateReview(ctx context.Context, review *Review) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO reviews (id, ride_id, reviewer_type, reviewer_id, reviewee_id, rating, comment, tags)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		review.ID, review.RideID, review.ReviewerType, review.ReviewerID, review.RevieweeID,
		review.Rating, nullIfEmpty(review.Comment), review.Tags,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrAlreadyReviewed
	}
	if err != nil {
		return fmt.Errorf("failed to create review: %w", err)
	}
	return nil
}

// InsertEarning records the driver's cut of a completed ride.
func (r *Repository) InsertEarning(ctx context.Context, driverID, rideID uuid.UUID, gross, commission, net float64) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO earnings (id, driver_id, ride_id, gross_fare, commission, net_earning)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		uuid.New(), driverID, rideID, gross, commission, net,
	)
	if err != nil {
		return fmt.Errorf("failed to insert earning: %w", err)
	}
	return nil
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
