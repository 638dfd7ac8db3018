package drivers

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/tangoride/tango-backend/pkg/common"
	"github.com/tangoride/tango-backend/pkg/eventbus"
	"github.com/tangoride/tango-backend/pkg/logger"
	"go.uber.org/zap"
)

// Store is the persistence surface the service needs.
type Store interface {
	GetByID(ctx context.Context, id uuid.UUID) (*Driver, error)
	GetByIDs(ctx context.Context, ids []uuid.UUID) ([]*Driver, error)
	UpdateProfile(ctx context.Context, id uuid.UUID, req *UpdateProfileRequest) (*Driver, error)
	SetOnline(ctx context.Context, id uuid.UUID, latitude, longitude float64) (bool, error)
	SetOffline(ctx context.Context, id uuid.UUID) (bool, error)
	UpdateLocation(ctx context.Context, id uuid.UUID, latitude, longitude float64) error
	ClaimForRide(ctx context.Context, driverID, rideID uuid.UUID) (bool, error)
	ReleaseFromRide(ctx context.Context, driverID, rideID uuid.UUID, next OnlineStatus) error
	RefreshRating(ctx context.Context, driverID uuid.UUID) error
	EarningsSummary(ctx context.Context, driverID uuid.UUID, from, to time.Time) (*EarningsSummary, error)
}

// GeoIndex is the spatial set of dispatchable drivers.
type GeoIndex interface {
	Add(ctx context.Context, driverID uuid.UUID, latitude, longitude, heading, speed float64)
	Remove(ctx context.Context, driverID uuid.UUID)
}

// Service implements driver availability and profile operations.
type Service struct {
	store  Store
	geo    GeoIndex
	events eventbus.Publisher
}

// NewService creates a driver service.
func NewService(store Store, geo GeoIndex, events eventbus.Publisher) *Service {
	if events == nil {
		events = eventbus.Nop{}
	}
	return &Service{store: store, geo: geo, events: events}
}

// Profile returns the driver's own record.
func (s *Service) Profile(ctx context.Context, driverID uuid.UUID) (*Driver, error) {
	driver, err := s.store.GetByID(ctx, driverID)
	if errors.Is(err, ErrDriverNotFound) {
		return nil, common.NewNotFoundError("driver not found")
	}
	if err != nil {
		return nil, common.NewInternalErrorWithCause("failed to load driver", err)
	}
	return driver, nil
}

// UpdateProfile applies partial edits to the driver's own record.
func (s *Service) UpdateProfile(ctx context.Context, driverID uuid.UUID, req *UpdateProfileRequest) (*Driver, error) {
	driver, err := s.store.UpdateProfile(ctx, driverID, req)
	if errors.Is(err, ErrDriverNotFound) {
		return nil, common.NewNotFoundError("driver not found")
	}
	if err != nil {
		return nil, common.NewInternalErrorWithCause("failed to update driver profile", err)
	}
	return driver, nil
}

// GoOnline makes an approved driver dispatchable and registers them in the
// geo index at the given position.
func (s *Service) GoOnline(ctx context.Context, driverID uuid.UUID, req *GoOnlineRequest) error {
	driver, err := s.Profile(ctx, driverID)
	if err != nil {
		return err
	}

	if driver.Status != StatusApproved {
		return common.NewInvalidStateError("driver account is not approved")
	}
	if driver.OnlineStatus == OnRide {
		return common.NewInvalidStateError("cannot go online during an active ride")
	}

	ok, err := s.store.SetOnline(ctx, driverID, req.Latitude, req.Longitude)
	if err != nil {
		return common.NewInternalErrorWithCause("failed to go online", err)
	}
	if !ok {
		return common.NewInvalidStateError("driver cannot go online")
	}

	s.geo.Add(ctx, driverID, req.Latitude, req.Longitude, 0, 0)
	s.publishAvailability(ctx, eventbus.SubjectDriverOnline, driverID, req.Latitude, req.Longitude)

	logger.InfoContext(ctx, "driver online", zap.String("driver_id", driverID.String()))
	return nil
}

// GoOffline withdraws the driver from dispatch. Refused mid-ride.
func (s *Service) GoOffline(ctx context.Context, driverID uuid.UUID) error {
	ok, err := s.store.SetOffline(ctx, driverID)
	if err != nil {
		return common.NewInternalErrorWithCause("failed to go offline", err)
	}
	if !ok {
		return common.NewInvalidStateError("driver is not online")
	}

	s.geo.Remove(ctx, driverID)
	s.publishAvailability(ctx, eventbus.SubjectDriverOffline, driverID, 0, 0)

	logger.InfoContext(ctx, "driver offline", zap.String("driver_id", driverID.String()))
	return nil
}

// UpdateLocation records a position ping and refreshes the geo index entry.
// Returns the driver so callers can forward the position to an active ride.
func (s *Service) UpdateLocation(ctx context.Context, driverID uuid.UUID, req *LocationUpdateRequest) (*Driver, error) {
	driver, err := s.Profile(ctx, driverID)
	if err != nil {
		return nil, err
	}
	if driver.OnlineStatus == Offline {
		return nil, common.NewInvalidStateError("driver is offline")
	}

	if err := s.store.UpdateLocation(ctx, driverID, req.Latitude, req.Longitude); err != nil {
		return nil, common.NewInternalErrorWithCause("failed to update location", err)
	}

	// Drivers on a ride stay out of the dispatch pool but keep a fresh
	// location snapshot for rider tracking.
	if driver.OnlineStatus == Online {
		s.geo.Add(ctx, driverID, req.Latitude, req.Longitude, req.Heading, req.Speed)
	}

	driver.CurrentLatitude = &req.Latitude
	driver.CurrentLongitude = &req.Longitude
	return driver, nil
}

// ClaimForRide atomically reserves the driver for a ride. Used by dispatch;
// the winner's claim removes the driver from the geo index.
func (s *Service) ClaimForRide(ctx context.Context, driverID, rideID uuid.UUID) (bool, error) {
	ok, err := s.store.ClaimForRide(ctx, driverID, rideID)
	if err != nil {
		return false, err
	}
	if ok {
		s.geo.Remove(ctx, driverID)
	}
	return ok, nil
}

// ReleaseFromRide returns the driver to the pool after a ride ends. The
// driver re-enters the geo index on their next location ping.
func (s *Service) ReleaseFromRide(ctx context.Context, driverID, rideID uuid.UUID) error {
	return s.store.ReleaseFromRide(ctx, driverID, rideID, Online)
}

// RefreshRating recomputes the driver's average after a new review.
func (s *Service) RefreshRating(ctx context.Context, driverID uuid.UUID) error {
	return s.store.RefreshRating(ctx, driverID)
}

// Candidates hydrates geo-index results into driver rows, keeping only
// drivers still dispatchable for the requested vehicle type.
func (s *Service) Candidates(ctx context.Context, ids []uuid.UUID, vehicleType string) ([]*Driver, error) {
	all, err := s.store.GetByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}

	byID := make(map[uuid.UUID]*Driver, len(all))
	for _, d := range all {
		if d.OnlineStatus != Online || d.CurrentRideID != nil || d.Status != StatusApproved {
			continue
		}
		if vehicleType != "" && string(d.VehicleType) != vehicleType {
			continue
		}
		byID[d.ID] = d
	}

	// Preserve the distance ordering of the geo query.
	ordered := make([]*Driver, 0, len(byID))
	for _, id := range ids {
		if d, ok := byID[id]; ok {
			ordered = append(ordered, d)
		}
	}
	return ordered, nil
}

// Earnings aggregates the driver's earnings for a named period.
func (s *Service) Earnings(ctx context.Context, driverID uuid.UUID, period string) (*EarningsSummary, error) {
	now := time.Now().UTC()
	var from time.Time
	switch period {
	case "", "today":
		from = time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	case "week":
		from = now.AddDate(0, 0, -7)
	case "month":
		from = now.AddDate(0, -1, 0)
	default:
		return nil, common.NewValidationError("period must be one of: today, week, month")
	}

	summary, err := s.store.EarningsSummary(ctx, driverID, from, now)
	if err != nil {
		return nil, common.NewInternalErrorWithCause("failed to load earnings", err)
	}
	return summary, nil
}

func (s *Service) publishAvailability(ctx context.Context, subject string, driverID uuid.UUID, lat, lon float64) {
	event, err := eventbus.NewEvent(subject, "tango-api", eventbus.DriverAvailabilityData{
		DriverID:  driverID,
		Latitude:  lat,
		Longitude: lon,
		At:        time.Now().UTC(),
	})
	if err != nil {
		return
	}
	if err := s.events.Publish(ctx, subject, event); err != nil {
		logger.WarnContext(ctx, "failed to publish driver availability event", zap.Error(err))
	}
}
