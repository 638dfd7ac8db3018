package rides

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/tangoride/tango-backend/internal/fares"
	"github.com/tangoride/tango-backend/pkg/common"
	"github.com/tangoride/tango-backend/pkg/eventbus"
	"github.com/tangoride/tango-backend/pkg/geo"
	"github.com/tangoride/tango-backend/pkg/logger"
	"github.com/tangoride/tango-backend/pkg/middleware"
	"go.uber.org/zap"
)

// commissionRate is the platform's cut of a completed fare.
const commissionRate = 0.20

// Store is the persistence surface the service needs.
type Store interface {
	Create(ctx context.Context, ride *Ride) error
	GetByID(ctx context.Context, id uuid.UUID) (*Ride, error)
	AcceptSearching(ctx context.Context, rideID, driverID uuid.UUID) (bool, error)
	Transition(ctx context.Context, rideID uuid.UUID, from, to Status) (bool, error)
	Cancel(ctx context.Context, rideID uuid.UUID, by CancelParty, reason string, fee float64) (bool, error)
	ActiveForRider(ctx context.Context, riderID uuid.UUID) (*Ride, error)
	ActiveForDriver(ctx context.Context, driverID uuid.UUID) (*Ride, error)
	HistoryForRider(ctx context.Context, riderID uuid.UUID, limit, offset int) ([]*Ride, error)
	HistoryForDriver(ctx context.Context, driverID uuid.UUID, limit, offset int) ([]*Ride, error)
	CreateReview(ctx context.Context, review *Review) error
	InsertEarning(ctx context.Context, driverID, rideID uuid.UUID, gross, commission, net float64) error
}

// FareQuoter prices rides at booking time.
type FareQuoter interface {
	Estimate(ctx context.Context, distanceKm float64, durationMin int) ([]*fares.Estimate, error)
	QuoteForBooking(ctx context.Context, vehicleType fares.VehicleType, distanceKm float64, durationMin int) (*fares.Quote, error)
}

// DriverPool is the slice of the driver service the ride lifecycle needs.
type DriverPool interface {
	ReleaseFromRide(ctx context.Context, driverID, rideID uuid.UUID) error
	RefreshRating(ctx context.Context, driverID uuid.UUID) error
}

// Dispatcher runs the driver search for new rides. Dispatch must return
// quickly; the search itself runs in the dispatcher's own goroutines.
type Dispatcher interface {
	Dispatch(ride *Ride)
	CancelSearch(rideID uuid.UUID)
	HandleResponse(rideID, driverID uuid.UUID, accepted bool) bool
}

// Notifier pushes ride lifecycle updates to connected clients.
type Notifier interface {
	RideStatusChanged(ctx context.Context, ride *Ride)
	RideCancelled(ctx context.Context, ride *Ride)
}

// NopNotifier discards notifications. Used until the realtime hub is wired.
type NopNotifier struct{}

func (NopNotifier) RideStatusChanged(context.Context, *Ride) {}
func (NopNotifier) RideCancelled(context.Context, *Ride)     {}

// Service implements the ride lifecycle.
type Service struct {
	store      Store
	fares      FareQuoter
	drivers    DriverPool
	dispatcher Dispatcher
	notifier   Notifier
	events     eventbus.Publisher
}

// NewService creates a ride service. The dispatcher and notifier are wired
// afterwards because they in turn depend on the ride service.
func NewService(store Store, quoter FareQuoter, drivers DriverPool, events eventbus.Publisher) *Service {
	if events == nil {
		events = eventbus.Nop{}
	}
	return &Service{
		store:    store,
		fares:    quoter,
		drivers:  drivers,
		notifier: NopNotifier{},
		events:   events,
	}
}

// SetDispatcher wires the dispatcher after construction.
func (s *Service) SetDispatcher(d Dispatcher) { s.dispatcher = d }

// SetNotifier wires the realtime notifier after construction.
func (s *Service) SetNotifier(n Notifier) { s.notifier = n }

// EstimateFares prices all vehicle classes for a pickup/drop pair. The
// distance falls back to a haversine estimate when the client did not send
// a routed value.
func (s *Service) EstimateFares(ctx context.Context, req *fares.EstimateRequest) ([]*fares.Estimate, error) {
	distance := req.Distance
	if distance <= 0 {
		distance = geo.Haversine(req.Pickup.Latitude, req.Pickup.Longitude, req.Drop.Latitude, req.Drop.Longitude)
	}
	duration := req.Duration
	if duration <= 0 {
		duration = geo.EstimateDurationMin(distance)
	}
	return s.fares.Estimate(ctx, distance, duration)
}

// Book creates a ride in SEARCHING state and hands it to the dispatcher.
// The fare breakdown is computed once here and never recomputed.
func (s *Service) Book(ctx context.Context, riderID uuid.UUID, req *BookRequest) (*Ride, error) {
	if !req.VehicleType.Valid() {
		return nil, common.NewValidationError("unknown vehicle type")
	}
	if !req.PaymentMethod.Valid() {
		return nil, common.NewValidationError("unsupported payment method")
	}

	if active, err := s.store.ActiveForRider(ctx, riderID); err == nil && active != nil {
		return nil, common.NewConflictError("rider already has an active ride")
	} else if err != nil && !errors.Is(err, ErrRideNotFound) {
		return nil, common.NewInternalErrorWithCause("failed to check active rides", err)
	}

	distance := req.EstimatedDistance
	duration := req.EstimatedDuration
	if distance <= 0 {
		distance = geo.Haversine(req.PickupLatitude, req.PickupLongitude, req.DropLatitude, req.DropLongitude)
	}
	if duration <= 0 {
		duration = geo.EstimateDurationMin(distance)
	}

	quote, err := s.fares.QuoteForBooking(ctx, req.VehicleType, distance, duration)
	if err != nil {
		return nil, err
	}

	otp, err := NewOTP()
	if err != nil {
		return nil, common.NewInternalErrorWithCause("failed to generate ride otp", err)
	}

	now := time.Now().UTC()
	ride := &Ride{
		ID:                uuid.New(),
		RideNumber:        NewRideNumber(now),
		RiderID:           riderID,
		VehicleType:       req.VehicleType,
		Status:            StatusSearching,
		PickupAddress:     req.PickupAddress,
		PickupLatitude:    req.PickupLatitude,
		PickupLongitude:   req.PickupLongitude,
		DropAddress:       req.DropAddress,
		DropLatitude:      req.DropLatitude,
		DropLongitude:     req.DropLongitude,
		Stops:             req.Stops,
		EstimatedDistance: distance,
		EstimatedDuration: duration,
		BaseFare:          quote.BaseFare,
		DistanceFare:      quote.DistanceFare,
		TimeFare:          quote.TimeFare,
		WaitFare:          quote.WaitFare,
		TollCharges:       quote.TollCharges,
		SurgeMultiplier:   quote.SurgeMultiplier,
		Taxes:             quote.Taxes,
		Tip:               quote.Tip,
		Discount:          quote.Discount,
		TotalFare:         quote.TotalFare,
		PaymentMethod:     req.PaymentMethod,
		RideOTP:           otp,
		RequestedAt:       now,
	}

	if err := s.store.Create(ctx, ride); err != nil {
		return nil, common.NewInternalErrorWithCause("failed to create ride", err)
	}

	s.publishRequested(ctx, ride)

	if s.dispatcher != nil {
		s.dispatcher.Dispatch(ride)
	}

	logger.InfoContext(ctx, "ride booked",
		zap.String("ride_id", ride.ID.String()),
		zap.String("ride_number", ride.RideNumber),
		zap.Float64("total_fare", ride.TotalFare),
	)
	return ride, nil
}

// Get loads a ride, authorizing the caller as one of its participants. The
// pickup OTP is only visible to the rider.
func (s *Service) Get(ctx context.Context, userID uuid.UUID, role string, rideID uuid.UUID) (*Ride, error) {
	ride, err := s.load(ctx, rideID)
	if err != nil {
		return nil, err
	}
	if err := authorize(ride, userID, role); err != nil {
		return nil, err
	}
	if role == middleware.RoleDriver {
		ride.RideOTP = ""
	}
	return ride, nil
}

// RespondToOffer feeds a driver's REST answer into an outstanding dispatch
// offer. Delivery alone does not confirm assignment: with parallel offers the
// claim may still be lost, so the caller confirms via the ride:accepted push
// or by reloading the ride. A stale accept is a conflict.
func (s *Service) RespondToOffer(ctx context.Context, driverID, rideID uuid.UUID, accepted bool) (*Ride, error) {
	delivered := s.dispatcher != nil && s.dispatcher.HandleResponse(rideID, driverID, accepted)
	if !delivered {
		if accepted {
			return nil, common.NewConflictError("offer expired or already taken")
		}
		// A late decline is a no-op.
		return nil, nil
	}
	if !accepted {
		return nil, nil
	}

	ride, err := s.load(ctx, rideID)
	if err != nil {
		return nil, err
	}
	ride.RideOTP = ""
	return ride, nil
}

// Active returns the caller's in-flight ride, or a 404 when none exists.
func (s *Service) Active(ctx context.Context, userID uuid.UUID, role string) (*Ride, error) {
	var (
		ride *Ride
		err  error
	)
	if role == middleware.RoleDriver {
		ride, err = s.store.ActiveForDriver(ctx, userID)
	} else {
		ride, err = s.store.ActiveForRider(ctx, userID)
	}
	if errors.Is(err, ErrRideNotFound) {
		return nil, common.NewNotFoundError("no active ride")
	}
	if err != nil {
		return nil, common.NewInternalErrorWithCause("failed to load active ride", err)
	}
	if role == middleware.RoleDriver {
		ride.RideOTP = ""
	}
	return ride, nil
}

// History pages through the caller's finished rides.
func (s *Service) History(ctx context.Context, userID uuid.UUID, role string, limit, offset int) ([]*Ride, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}

	var (
		result []*Ride
		err    error
	)
	if role == middleware.RoleDriver {
		result, err = s.store.HistoryForDriver(ctx, userID, limit, offset)
	} else {
		result, err = s.store.HistoryForRider(ctx, userID, limit, offset)
	}
	if err != nil {
		return nil, common.NewInternalErrorWithCause("failed to load ride history", err)
	}

	if role == middleware.RoleDriver {
		for _, ride := range result {
			ride.RideOTP = ""
		}
	}
	return result, nil
}

// Cancel ends a ride before it starts. Riders can cancel from SEARCHING
// through ARRIVED; drivers only once assigned. A ride in progress cannot be
// cancelled by anyone.
func (s *Service) Cancel(ctx context.Context, userID uuid.UUID, role string, rideID uuid.UUID, req *CancelRequest) (*Ride, error) {
	ride, err := s.load(ctx, rideID)
	if err != nil {
		return nil, err
	}
	if err := authorize(ride, userID, role); err != nil {
		return nil, err
	}
	if !ride.Status.Cancellable() {
		return nil, common.NewInvalidStateError("ride can no longer be cancelled")
	}

	by := CancelledByUser
	if role == middleware.RoleDriver {
		by = CancelledByDriver
	}

	ok, err := s.store.Cancel(ctx, rideID, by, req.Reason, 0)
	if err != nil {
		return nil, common.NewInternalErrorWithCause("failed to cancel ride", err)
	}
	if !ok {
		// Lost a race with an accept or another transition.
		return nil, common.NewInvalidStateError("ride can no longer be cancelled")
	}

	if s.dispatcher != nil && ride.Status == StatusSearching {
		s.dispatcher.CancelSearch(rideID)
	}

	// Reload before releasing: an accept may have assigned a driver between
	// our read and the cancel.
	cancelled, err := s.load(ctx, rideID)
	if err != nil {
		return nil, err
	}
	if cancelled.DriverID != nil {
		if err := s.drivers.ReleaseFromRide(ctx, *cancelled.DriverID, rideID); err != nil {
			logger.ErrorContext(ctx, "failed to release driver after cancellation",
				zap.String("ride_id", rideID.String()), zap.Error(err))
		}
	}

	s.notifier.RideCancelled(ctx, cancelled)
	s.publishCancelled(ctx, cancelled)

	logger.InfoContext(ctx, "ride cancelled",
		zap.String("ride_id", rideID.String()),
		zap.String("cancelled_by", string(by)),
	)
	return cancelled, nil
}

// Arriving marks the assigned driver as en route to the pickup.
func (s *Service) Arriving(ctx context.Context, driverID, rideID uuid.UUID) (*Ride, error) {
	return s.progress(ctx, driverID, rideID, StatusAccepted, StatusArriving)
}

// Arrived marks the driver as waiting at the pickup point.
func (s *Service) Arrived(ctx context.Context, driverID, rideID uuid.UUID) (*Ride, error) {
	return s.progress(ctx, driverID, rideID, StatusArriving, StatusArrived)
}

// Start begins the trip after verifying the rider's pickup OTP.
func (s *Service) Start(ctx context.Context, driverID, rideID uuid.UUID, req *StartRequest) (*Ride, error) {
	ride, err := s.load(ctx, rideID)
	if err != nil {
		return nil, err
	}
	if ride.DriverID == nil || *ride.DriverID != driverID {
		return nil, common.NewForbiddenError("ride is not assigned to this driver")
	}
	if ride.Status != StatusArrived {
		return nil, common.NewInvalidStateError("driver must be at the pickup point to start")
	}
	if ride.RideOTP != req.OTP {
		return nil, common.NewValidationError("incorrect pickup code")
	}

	return s.progress(ctx, driverID, rideID, StatusArrived, StatusInProgress)
}

// Complete finishes the trip, records the driver's earnings and releases the
// driver back into the dispatch pool.
func (s *Service) Complete(ctx context.Context, driverID, rideID uuid.UUID) (*Ride, error) {
	ride, err := s.progress(ctx, driverID, rideID, StatusInProgress, StatusCompleted)
	if err != nil {
		return nil, err
	}

	commission := ride.TotalFare * commissionRate
	if err := s.store.InsertEarning(ctx, driverID, rideID, ride.TotalFare, commission, ride.TotalFare-commission); err != nil {
		logger.ErrorContext(ctx, "failed to record earning",
			zap.String("ride_id", rideID.String()), zap.Error(err))
	}

	if err := s.drivers.ReleaseFromRide(ctx, driverID, rideID); err != nil {
		logger.ErrorContext(ctx, "failed to release driver after completion",
			zap.String("ride_id", rideID.String()), zap.Error(err))
	}

	s.publishCompleted(ctx, ride)
	return ride, nil
}

// Rate records a participant's post-ride review. Only completed rides can be
// rated, and each side rates once.
func (s *Service) Rate(ctx context.Context, userID uuid.UUID, role string, rideID uuid.UUID, req *RateRequest) (*Review, error) {
	ride, err := s.load(ctx, rideID)
	if err != nil {
		return nil, err
	}
	if err := authorize(ride, userID, role); err != nil {
		return nil, err
	}
	if ride.Status != StatusCompleted {
		return nil, common.NewInvalidStateError("only completed rides can be rated")
	}

	reviewerType := "RIDER"
	revieweeID := *ride.DriverID
	if role == middleware.RoleDriver {
		reviewerType = "DRIVER"
		revieweeID = ride.RiderID
	}

	review := &Review{
		ID:           uuid.New(),
		RideID:       rideID,
		ReviewerType: reviewerType,
		ReviewerID:   userID,
		RevieweeID:   revieweeID,
		Rating:       req.Rating,
		Comment:      req.Comment,
		Tags:         req.Tags,
	}
	if review.Tags == nil {
		review.Tags = []string{}
	}

	if err := s.store.CreateReview(ctx, review); err != nil {
		if errors.Is(err, ErrAlreadyReviewed) {
			return nil, common.NewConflictError("ride already rated")
		}
		return nil, common.NewInternalErrorWithCause("failed to save review", err)
	}

	if reviewerType == "RIDER" {
		if err := s.drivers.RefreshRating(ctx, revieweeID); err != nil {
			logger.WarnContext(ctx, "failed to refresh driver rating", zap.Error(err))
		}
	}
	return review, nil
}

// progress performs a driver-side guarded transition and notifies the ride
// room.
func (s *Service) progress(ctx context.Context, driverID, rideID uuid.UUID, from, to Status) (*Ride, error) {
	ride, err := s.load(ctx, rideID)
	if err != nil {
		return nil, err
	}
	if ride.DriverID == nil || *ride.DriverID != driverID {
		return nil, common.NewForbiddenError("ride is not assigned to this driver")
	}
	if ride.Status != from {
		return nil, common.NewInvalidStateError("ride is not in a state that allows this action")
	}

	ok, err := s.store.Transition(ctx, rideID, from, to)
	if err != nil {
		return nil, common.NewInternalErrorWithCause("failed to update ride status", err)
	}
	if !ok {
		return nil, common.NewInvalidStateError("ride is not in a state that allows this action")
	}

	updated, err := s.load(ctx, rideID)
	if err != nil {
		return nil, err
	}

	s.notifier.RideStatusChanged(ctx, updated)
	s.publishStatus(ctx, updated)

	logger.InfoContext(ctx, "ride status changed",
		zap.String("ride_id", rideID.String()),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
	)
	return updated, nil
}

func (s *Service) load(ctx context.Context, rideID uuid.UUID) (*Ride, error) {
	ride, err := s.store.GetByID(ctx, rideID)
	if errors.Is(err, ErrRideNotFound) {
		return nil, common.NewNotFoundError("ride not found")
	}
	if err != nil {
		return nil, common.NewInternalErrorWithCause("failed to load ride", err)
	}
	return ride, nil
}

func authorize(ride *Ride, userID uuid.UUID, role string) error {
	if role == middleware.RoleDriver {
		if ride.DriverID == nil || *ride.DriverID != userID {
			return common.NewForbiddenError("ride does not belong to this driver")
		}
		return nil
	}
	if ride.RiderID != userID {
		return common.NewForbiddenError("ride does not belong to this rider")
	}
	return nil
}

func (s *Service) publishRequested(ctx context.Context, ride *Ride) {
	s.publish(ctx, eventbus.SubjectRideRequested, eventbus.RideRequestedData{
		RideID:            ride.ID,
		RideNumber:        ride.RideNumber,
		RiderID:           ride.RiderID,
		VehicleType:       string(ride.VehicleType),
		PickupLatitude:    ride.PickupLatitude,
		PickupLongitude:   ride.PickupLongitude,
		PickupAddress:     ride.PickupAddress,
		DropLatitude:      ride.DropLatitude,
		DropLongitude:     ride.DropLongitude,
		DropAddress:       ride.DropAddress,
		EstimatedDistance: ride.EstimatedDistance,
		EstimatedDuration: ride.EstimatedDuration,
		TotalFare:         ride.TotalFare,
		RequestedAt:       ride.RequestedAt,
	})
}

func (s *Service) publishStatus(ctx context.Context, ride *Ride) {
	data := eventbus.RideStatusData{
		RideID:  ride.ID,
		RiderID: ride.RiderID,
		Status:  string(ride.Status),
		At:      time.Now().UTC(),
	}
	if ride.DriverID != nil {
		data.DriverID = *ride.DriverID
	}
	s.publish(ctx, eventbus.SubjectRideStatus, data)
}

func (s *Service) publishCompleted(ctx context.Context, ride *Ride) {
	data := eventbus.RideCompletedData{
		RideID:      ride.ID,
		RiderID:     ride.RiderID,
		TotalFare:   ride.TotalFare,
		DistanceKm:  ride.EstimatedDistance,
		DurationMin: ride.EstimatedDuration,
		CompletedAt: time.Now().UTC(),
	}
	if ride.DriverID != nil {
		data.DriverID = *ride.DriverID
	}
	s.publish(ctx, eventbus.SubjectRideCompleted, data)
}

func (s *Service) publishCancelled(ctx context.Context, ride *Ride) {
	data := eventbus.RideCancelledData{
		RideID:      ride.ID,
		CancelledAt: time.Now().UTC(),
	}
	if ride.CancelledBy != nil {
		data.CancelledBy = string(*ride.CancelledBy)
	}
	if ride.CancellationReason != nil {
		data.Reason = *ride.CancellationReason
	}
	s.publish(ctx, eventbus.SubjectRideCancelled, data)
}

func (s *Service) publish(ctx context.Context, subject string, data interface{}) {
	event, err := eventbus.NewEvent(subject, "tango-api", data)
	if err != nil {
		return
	}
	if err := s.events.Publish(ctx, subject, event); err != nil {
		logger.WarnContext(ctx, "failed to publish ride event",
			zap.String("subject", subject), zap.Error(err))
	}
}
