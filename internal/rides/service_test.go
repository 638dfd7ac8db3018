package rides

import (
	"context"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tangoride/tango-backend/internal/fares"
	"github.com/tangoride/tango-backend/pkg/common"
	"github.com/tangoride/tango-backend/pkg/logger"
	"github.com/tangoride/tango-backend/pkg/middleware"
)

func init() {
	logger.Init("test")
}

// fakeStore mirrors the repository's guarded-update semantics in memory so
// service tests exercise the same state machine the database enforces.
type fakeStore struct {
	mu      sync.Mutex
	rides   map[uuid.UUID]*Ride
	reviews map[uuid.UUID]map[string]*Review
	earning []uuid.UUID
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		rides:   make(map[uuid.UUID]*Ride),
		reviews: make(map[uuid.UUID]map[string]*Review),
	}
}

func (s *fakeStore) Create(_ context.Context, ride *Ride) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *ride
	s.rides[ride.ID] = &copied
	return nil
}

func (s *fakeStore) GetByID(_ context.Context, id uuid.UUID) (*Ride, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ride, ok := s.rides[id]
	if !ok {
		return nil, ErrRideNotFound
	}
	copied := *ride
	return &copied, nil
}

func (s *fakeStore) AcceptSearching(_ context.Context, rideID, driverID uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ride, ok := s.rides[rideID]
	if !ok || ride.Status != StatusSearching {
		return false, nil
	}
	now := time.Now().UTC()
	ride.Status = StatusAccepted
	ride.DriverID = &driverID
	ride.AcceptedAt = &now
	return true, nil
}

func (s *fakeStore) Transition(_ context.Context, rideID uuid.UUID, from, to Status) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ride, ok := s.rides[rideID]
	if !ok || ride.Status != from || !CanTransition(from, to) {
		return false, nil
	}
	now := time.Now().UTC()
	ride.Status = to
	switch to {
	case StatusArrived:
		ride.ArrivedAt = &now
	case StatusInProgress:
		ride.StartedAt = &now
	case StatusCompleted:
		ride.CompletedAt = &now
	}
	return true, nil
}

func (s *fakeStore) Cancel(_ context.Context, rideID uuid.UUID, by CancelParty, reason string, fee float64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ride, ok := s.rides[rideID]
	if !ok || !ride.Status.Cancellable() {
		return false, nil
	}
	now := time.Now().UTC()
	ride.Status = StatusCancelled
	ride.CancelledBy = &by
	ride.CancelledAt = &now
	ride.CancellationFee = fee
	if reason != "" {
		ride.CancellationReason = &reason
	}
	return true, nil
}

func (s *fakeStore) ActiveForRider(_ context.Context, riderID uuid.UUID) (*Ride, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ride := range s.rides {
		if ride.RiderID == riderID && ride.Status.IsActive() {
			copied := *ride
			return &copied, nil
		}
	}
	return nil, ErrRideNotFound
}

func (s *fakeStore) ActiveForDriver(_ context.Context, driverID uuid.UUID) (*Ride, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ride := range s.rides {
		if ride.DriverID != nil && *ride.DriverID == driverID && ride.Status.IsActive() {
			copied := *ride
			return &copied, nil
		}
	}
	return nil, ErrRideNotFound
}

func (s *fakeStore) HistoryForRider(_ context.Context, riderID uuid.UUID, limit, offset int) ([]*Ride, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var result []*Ride
	for _, ride := range s.rides {
		if ride.RiderID == riderID && ride.Status.IsTerminal() {
			copied := *ride
			result = append(result, &copied)
		}
	}
	return result, nil
}

func (s *fakeStore) HistoryForDriver(_ context.Context, driverID uuid.UUID, limit, offset int) ([]*Ride, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var result []*Ride
	for _, ride := range s.rides {
		if ride.DriverID != nil && *ride.DriverID == driverID && ride.Status.IsTerminal() {
			copied := *ride
			result = append(result, &copied)
		}
	}
	return result, nil
}

func (s *fakeStore) CreateReview(_ context.Context, review *Review) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	byType, ok := s.reviews[review.RideID]
	if !ok {
		byType = make(map[string]*Review)
		s.reviews[review.RideID] = byType
	}
	if _, dup := byType[review.ReviewerType]; dup {
		return ErrAlreadyReviewed
	}
	byType[review.ReviewerType] = review
	return nil
}

func (s *fakeStore) InsertEarning(_ context.Context, driverID, rideID uuid.UUID, gross, commission, net float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.earning = append(s.earning, rideID)
	return nil
}

type fakeQuoter struct{}

func (fakeQuoter) Estimate(_ context.Context, distanceKm float64, durationMin int) ([]*fares.Estimate, error) {
	return []*fares.Estimate{{VehicleType: fares.VehicleMini}}, nil
}

func (fakeQuoter) QuoteForBooking(_ context.Context, vt fares.VehicleType, distanceKm float64, durationMin int) (*fares.Quote, error) {
	if !vt.Valid() {
		return nil, common.NewInvalidStateError("vehicle type not available")
	}
	return &fares.Quote{
		BaseFare:        50,
		DistanceFare:    distanceKm * 12,
		TimeFare:        float64(durationMin) * 1.5,
		SurgeMultiplier: 1.0,
		Taxes:           5,
		TotalFare:       50 + distanceKm*12 + float64(durationMin)*1.5 + 5,
	}, nil
}

type fakePool struct {
	mu        sync.Mutex
	released  []uuid.UUID
	refreshed []uuid.UUID
}

func (p *fakePool) ReleaseFromRide(_ context.Context, driverID, rideID uuid.UUID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.released = append(p.released, driverID)
	return nil
}

func (p *fakePool) RefreshRating(_ context.Context, driverID uuid.UUID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.refreshed = append(p.refreshed, driverID)
	return nil
}

type fakeDispatcher struct {
	mu         sync.Mutex
	dispatched []uuid.UUID
	cancelled  []uuid.UUID
	responses  map[uuid.UUID]bool
	offers     map[uuid.UUID]bool
}

func (d *fakeDispatcher) Dispatch(ride *Ride) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dispatched = append(d.dispatched, ride.ID)
}

func (d *fakeDispatcher) CancelSearch(rideID uuid.UUID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cancelled = append(d.cancelled, rideID)
}

func (d *fakeDispatcher) offer(rideID uuid.UUID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.offers == nil {
		d.offers = make(map[uuid.UUID]bool)
	}
	d.offers[rideID] = true
}

func (d *fakeDispatcher) HandleResponse(rideID, driverID uuid.UUID, accepted bool) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.offers[rideID] {
		return false
	}
	if d.responses == nil {
		d.responses = make(map[uuid.UUID]bool)
	}
	d.responses[rideID] = accepted
	return true
}

func newTestService() (*Service, *fakeStore, *fakePool, *fakeDispatcher) {
	store := newFakeStore()
	pool := &fakePool{}
	dispatcher := &fakeDispatcher{}
	svc := NewService(store, fakeQuoter{}, pool, nil)
	svc.SetDispatcher(dispatcher)
	return svc, store, pool, dispatcher
}

func bookRequest() *BookRequest {
	return &BookRequest{
		PickupAddress:   "MG Road",
		PickupLatitude:  12.9716,
		PickupLongitude: 77.5946,
		DropAddress:     "Airport",
		DropLatitude:    13.1986,
		DropLongitude:   77.7066,
		VehicleType:     fares.VehicleMini,
		PaymentMethod:   PaymentCash,
	}
}

func TestBook(t *testing.T) {
	svc, _, _, dispatcher := newTestService()
	riderID := uuid.New()

	ride, err := svc.Book(context.Background(), riderID, bookRequest())

	require.NoError(t, err)
	assert.Equal(t, StatusSearching, ride.Status)
	assert.Regexp(t, regexp.MustCompile(`^TG-[0-9A-Z]+$`), ride.RideNumber)
	assert.Regexp(t, regexp.MustCompile(`^\d{4}$`), ride.RideOTP)
	assert.Greater(t, ride.EstimatedDistance, 0.0)
	assert.Greater(t, ride.TotalFare, 0.0)
	assert.Equal(t, []uuid.UUID{ride.ID}, dispatcher.dispatched)
}

func TestBook_KeepsStopsAndClientEstimates(t *testing.T) {
	svc, store, _, _ := newTestService()
	req := bookRequest()
	req.Stops = []Stop{{Address: "Central Mall", Latitude: 17.42, Longitude: 78.46}}
	req.EstimatedDistance = 7.3
	req.EstimatedDuration = 24

	ride, err := svc.Book(context.Background(), uuid.New(), req)
	require.NoError(t, err)

	loaded, err := store.GetByID(context.Background(), ride.ID)
	require.NoError(t, err)
	assert.Equal(t, req.Stops, loaded.Stops)
	assert.Equal(t, 7.3, loaded.EstimatedDistance)
	assert.Equal(t, 24, loaded.EstimatedDuration)
}

func TestRespondToOffer(t *testing.T) {
	svc, _, _, dispatcher := newTestService()
	driverID := uuid.New()

	ride, err := svc.Book(context.Background(), uuid.New(), bookRequest())
	require.NoError(t, err)
	dispatcher.offer(ride.ID)

	got, err := svc.RespondToOffer(context.Background(), driverID, ride.ID, true)
	require.NoError(t, err)
	assert.Equal(t, ride.ID, got.ID)
	assert.Empty(t, got.RideOTP)
	assert.True(t, dispatcher.responses[ride.ID])
}

func TestRespondToOffer_StaleAcceptConflicts(t *testing.T) {
	svc, _, _, _ := newTestService()

	_, err := svc.RespondToOffer(context.Background(), uuid.New(), uuid.New(), true)
	assert.ErrorIs(t, err, common.ErrConflict)

	// A late decline is harmless.
	_, err = svc.RespondToOffer(context.Background(), uuid.New(), uuid.New(), false)
	assert.NoError(t, err)
}

func TestBook_RejectsSecondActiveRide(t *testing.T) {
	svc, _, _, _ := newTestService()
	riderID := uuid.New()

	_, err := svc.Book(context.Background(), riderID, bookRequest())
	require.NoError(t, err)

	_, err = svc.Book(context.Background(), riderID, bookRequest())
	assert.ErrorIs(t, err, common.ErrConflict)
}

func TestBook_InvalidPaymentMethod(t *testing.T) {
	svc, _, _, _ := newTestService()
	req := bookRequest()
	req.PaymentMethod = "CRYPTO"

	_, err := svc.Book(context.Background(), uuid.New(), req)

	assert.ErrorIs(t, err, common.ErrValidation)
}

func TestRideLifecycle(t *testing.T) {
	svc, store, pool, _ := newTestService()
	riderID := uuid.New()
	driverID := uuid.New()

	ride, err := svc.Book(context.Background(), riderID, bookRequest())
	require.NoError(t, err)

	ok, err := store.AcceptSearching(context.Background(), ride.ID, driverID)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = svc.Arriving(context.Background(), driverID, ride.ID)
	require.NoError(t, err)

	// Repeating the same step must fail the guarded transition.
	_, err = svc.Arriving(context.Background(), driverID, ride.ID)
	assert.ErrorIs(t, err, common.ErrInvalidState)

	_, err = svc.Arrived(context.Background(), driverID, ride.ID)
	require.NoError(t, err)

	// Wrong OTP keeps the ride at ARRIVED.
	wrongOTP := "0000"
	if ride.RideOTP == wrongOTP {
		wrongOTP = "0001"
	}
	_, err = svc.Start(context.Background(), driverID, ride.ID, &StartRequest{OTP: wrongOTP})
	assert.ErrorIs(t, err, common.ErrValidation)

	started, err := svc.Start(context.Background(), driverID, ride.ID, &StartRequest{OTP: ride.RideOTP})
	require.NoError(t, err)
	assert.Equal(t, StatusInProgress, started.Status)
	assert.NotNil(t, started.StartedAt)

	completed, err := svc.Complete(context.Background(), driverID, ride.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, completed.Status)
	assert.NotNil(t, completed.CompletedAt)

	assert.Equal(t, []uuid.UUID{ride.ID}, store.earning)
	assert.Equal(t, []uuid.UUID{driverID}, pool.released)
}

func TestStart_RequiresAssignedDriver(t *testing.T) {
	svc, store, _, _ := newTestService()
	ride, err := svc.Book(context.Background(), uuid.New(), bookRequest())
	require.NoError(t, err)

	driverID := uuid.New()
	_, err = store.AcceptSearching(context.Background(), ride.ID, driverID)
	require.NoError(t, err)

	_, err = svc.Start(context.Background(), uuid.New(), ride.ID, &StartRequest{OTP: ride.RideOTP})
	var appErr *common.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, 403, appErr.Code)
}

func TestCancel_SearchingStopsDispatch(t *testing.T) {
	svc, _, _, dispatcher := newTestService()
	riderID := uuid.New()

	ride, err := svc.Book(context.Background(), riderID, bookRequest())
	require.NoError(t, err)

	cancelled, err := svc.Cancel(context.Background(), riderID, middleware.RoleRider, ride.ID, &CancelRequest{Reason: "changed plans"})
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, cancelled.Status)
	assert.Equal(t, CancelledByUser, *cancelled.CancelledBy)
	assert.Equal(t, CancelParty("USER"), *cancelled.CancelledBy)
	assert.Equal(t, []uuid.UUID{ride.ID}, dispatcher.cancelled)
}

func TestCancel_AcceptedReleasesDriver(t *testing.T) {
	svc, store, pool, _ := newTestService()
	riderID := uuid.New()
	driverID := uuid.New()

	ride, err := svc.Book(context.Background(), riderID, bookRequest())
	require.NoError(t, err)
	_, err = store.AcceptSearching(context.Background(), ride.ID, driverID)
	require.NoError(t, err)

	_, err = svc.Cancel(context.Background(), riderID, middleware.RoleRider, ride.ID, &CancelRequest{})
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{driverID}, pool.released)
}

func TestCancel_RefusedAfterStart(t *testing.T) {
	svc, store, _, _ := newTestService()
	riderID := uuid.New()
	driverID := uuid.New()

	ride, err := svc.Book(context.Background(), riderID, bookRequest())
	require.NoError(t, err)
	_, err = store.AcceptSearching(context.Background(), ride.ID, driverID)
	require.NoError(t, err)
	_, err = svc.Arriving(context.Background(), driverID, ride.ID)
	require.NoError(t, err)
	_, err = svc.Arrived(context.Background(), driverID, ride.ID)
	require.NoError(t, err)
	_, err = svc.Start(context.Background(), driverID, ride.ID, &StartRequest{OTP: ride.RideOTP})
	require.NoError(t, err)

	_, err = svc.Cancel(context.Background(), riderID, middleware.RoleRider, ride.ID, &CancelRequest{})
	assert.ErrorIs(t, err, common.ErrInvalidState)
}

func TestConcurrentAccept_SingleWinner(t *testing.T) {
	svc, store, _, _ := newTestService()
	ride, err := svc.Book(context.Background(), uuid.New(), bookRequest())
	require.NoError(t, err)

	const racers = 16
	var wg sync.WaitGroup
	wins := make(chan uuid.UUID, racers)
	for i := 0; i < racers; i++ {
		driverID := uuid.New()
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := store.AcceptSearching(context.Background(), ride.ID, driverID)
			assert.NoError(t, err)
			if ok {
				wins <- driverID
			}
		}()
	}
	wg.Wait()
	close(wins)

	var winners []uuid.UUID
	for id := range wins {
		winners = append(winners, id)
	}
	require.Len(t, winners, 1, "exactly one driver may accept a ride")

	got, err := store.GetByID(context.Background(), ride.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusAccepted, got.Status)
	assert.Equal(t, winners[0], *got.DriverID)
}

func TestGet_HidesOTPFromDriver(t *testing.T) {
	svc, store, _, _ := newTestService()
	riderID := uuid.New()
	driverID := uuid.New()

	ride, err := svc.Book(context.Background(), riderID, bookRequest())
	require.NoError(t, err)
	_, err = store.AcceptSearching(context.Background(), ride.ID, driverID)
	require.NoError(t, err)

	forRider, err := svc.Get(context.Background(), riderID, middleware.RoleRider, ride.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, forRider.RideOTP)

	forDriver, err := svc.Get(context.Background(), driverID, middleware.RoleDriver, ride.ID)
	require.NoError(t, err)
	assert.Empty(t, forDriver.RideOTP)

	_, err = svc.Get(context.Background(), uuid.New(), middleware.RoleRider, ride.ID)
	var appErr *common.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, 403, appErr.Code)
}

func TestRate(t *testing.T) {
	svc, store, pool, _ := newTestService()
	riderID := uuid.New()
	driverID := uuid.New()

	ride, err := svc.Book(context.Background(), riderID, bookRequest())
	require.NoError(t, err)

	// Not completed yet.
	_, err = svc.Rate(context.Background(), riderID, middleware.RoleRider, ride.ID, &RateRequest{Rating: 5})
	assert.ErrorIs(t, err, common.ErrInvalidState)

	_, err = store.AcceptSearching(context.Background(), ride.ID, driverID)
	require.NoError(t, err)
	for _, to := range []Status{StatusArriving, StatusArrived, StatusInProgress, StatusCompleted} {
		from := map[Status]Status{
			StatusArriving:   StatusAccepted,
			StatusArrived:    StatusArriving,
			StatusInProgress: StatusArrived,
			StatusCompleted:  StatusInProgress,
		}[to]
		ok, err := store.Transition(context.Background(), ride.ID, from, to)
		require.NoError(t, err)
		require.True(t, ok)
	}

	review, err := svc.Rate(context.Background(), riderID, middleware.RoleRider, ride.ID, &RateRequest{Rating: 5, Tags: []string{"clean car"}})
	require.NoError(t, err)
	assert.Equal(t, driverID, review.RevieweeID)
	assert.Equal(t, []uuid.UUID{driverID}, pool.refreshed)

	// Second rider review is a conflict; the driver can still rate once.
	_, err = svc.Rate(context.Background(), riderID, middleware.RoleRider, ride.ID, &RateRequest{Rating: 4})
	assert.ErrorIs(t, err, common.ErrConflict)

	driverReview, err := svc.Rate(context.Background(), driverID, middleware.RoleDriver, ride.ID, &RateRequest{Rating: 4})
	require.NoError(t, err)
	assert.Equal(t, riderID, driverReview.RevieweeID)
}

func TestStatusMachine(t *testing.T) {
	assert.True(t, CanTransition(StatusSearching, StatusAccepted))
	assert.True(t, CanTransition(StatusArrived, StatusInProgress))
	assert.False(t, CanTransition(StatusSearching, StatusInProgress))
	assert.False(t, CanTransition(StatusInProgress, StatusCancelled))
	assert.False(t, CanTransition(StatusCompleted, StatusSearching))
	assert.True(t, StatusArrived.Cancellable())
	assert.False(t, StatusInProgress.Cancellable())
	assert.True(t, StatusCompleted.IsTerminal())
}
