package dispatch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tangoride/tango-backend/internal/drivers"
	"github.com/tangoride/tango-backend/internal/fares"
	"github.com/tangoride/tango-backend/internal/rides"
	"github.com/tangoride/tango-backend/pkg/config"
	"github.com/tangoride/tango-backend/pkg/logger"
)

func init() {
	logger.Init("test")
}

func testConfig() config.DispatchConfig {
	return config.DispatchConfig{
		SearchRadiusKm:  5,
		MaxCandidates:   10,
		OfferTimeout:    80 * time.Millisecond,
		OfferFanout:     2,
		RetryInterval:   20 * time.Millisecond,
		OverallDeadline: 500 * time.Millisecond,
	}
}

type fakeGeo struct {
	mu  sync.Mutex
	ids []uuid.UUID
}

func (g *fakeGeo) Nearby(context.Context, float64, float64, float64, int) []uuid.UUID {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]uuid.UUID(nil), g.ids...)
}

type fakePool struct {
	mu       sync.Mutex
	drivers  map[uuid.UUID]*drivers.Driver
	claimed  map[uuid.UUID]uuid.UUID
	released []uuid.UUID
}

func newFakePool(list ...*drivers.Driver) *fakePool {
	p := &fakePool{
		drivers: make(map[uuid.UUID]*drivers.Driver),
		claimed: make(map[uuid.UUID]uuid.UUID),
	}
	for _, d := range list {
		p.drivers[d.ID] = d
	}
	return p
}

func (p *fakePool) Candidates(_ context.Context, ids []uuid.UUID, vehicleType string) ([]*drivers.Driver, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var result []*drivers.Driver
	for _, id := range ids {
		d, ok := p.drivers[id]
		if !ok {
			continue
		}
		if _, busy := p.claimed[id]; busy {
			continue
		}
		if vehicleType != "" && string(d.VehicleType) != vehicleType {
			continue
		}
		result = append(result, d)
	}
	return result, nil
}

func (p *fakePool) ClaimForRide(_ context.Context, driverID, rideID uuid.UUID) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, busy := p.claimed[driverID]; busy {
		return false, nil
	}
	p.claimed[driverID] = rideID
	return true, nil
}

func (p *fakePool) ReleaseFromRide(_ context.Context, driverID, rideID uuid.UUID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.claimed[driverID] == rideID {
		delete(p.claimed, driverID)
		p.released = append(p.released, driverID)
	}
	return nil
}

type fakeRideStore struct {
	mu    sync.Mutex
	rides map[uuid.UUID]*rides.Ride
}

func newFakeRideStore(list ...*rides.Ride) *fakeRideStore {
	s := &fakeRideStore{rides: make(map[uuid.UUID]*rides.Ride)}
	for _, r := range list {
		s.rides[r.ID] = r
	}
	return s
}

func (s *fakeRideStore) GetByID(_ context.Context, id uuid.UUID) (*rides.Ride, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rides[id]
	if !ok {
		return nil, rides.ErrRideNotFound
	}
	copied := *r
	return &copied, nil
}

func (s *fakeRideStore) AcceptSearching(_ context.Context, rideID, driverID uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rides[rideID]
	if !ok || r.Status != rides.StatusSearching {
		return false, nil
	}
	r.Status = rides.StatusAccepted
	r.DriverID = &driverID
	return true, nil
}

type notifierCall struct {
	kind     string
	driverID uuid.UUID
}

type recordingNotifier struct {
	mu       sync.Mutex
	offers   []uuid.UUID
	accepted []uuid.UUID
	noDriver int
	calls    []notifierCall
}

func (n *recordingNotifier) OfferRide(_ context.Context, driverID uuid.UUID, _ *rides.Ride, _ time.Time) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.offers = append(n.offers, driverID)
	n.calls = append(n.calls, notifierCall{kind: "offer", driverID: driverID})
}

func (n *recordingNotifier) OfferWithdrawn(_ context.Context, driverID, _ uuid.UUID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, notifierCall{kind: "withdrawn", driverID: driverID})
}

func (n *recordingNotifier) RideAccepted(_ context.Context, _ *rides.Ride, driver *drivers.Driver) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.accepted = append(n.accepted, driver.ID)
}

func (n *recordingNotifier) NoDriversAvailable(context.Context, *rides.Ride) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.noDriver++
}

func (n *recordingNotifier) offeredTo(driverID uuid.UUID) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, id := range n.offers {
		if id == driverID {
			return true
		}
	}
	return false
}

func (n *recordingNotifier) acceptedCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.accepted)
}

func (n *recordingNotifier) noDriverCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.noDriver
}

func onlineDriver() *drivers.Driver {
	return &drivers.Driver{
		ID:           uuid.New(),
		Status:       drivers.StatusApproved,
		OnlineStatus: drivers.Online,
		VehicleType:  fares.VehicleMini,
		Rating:       4.7,
	}
}

func searchingRide() *rides.Ride {
	return &rides.Ride{
		ID:              uuid.New(),
		RideNumber:      "TG-TEST",
		RiderID:         uuid.New(),
		VehicleType:     fares.VehicleMini,
		Status:          rides.StatusSearching,
		PickupLatitude:  12.9716,
		PickupLongitude: 77.5946,
	}
}

func setup(t *testing.T, cfg config.DispatchConfig, ride *rides.Ride, candidates ...*drivers.Driver) (*Dispatcher, *fakePool, *fakeRideStore, *recordingNotifier) {
	t.Helper()
	ids := make([]uuid.UUID, 0, len(candidates))
	for _, d := range candidates {
		ids = append(ids, d.ID)
	}
	geo := &fakeGeo{ids: ids}
	pool := newFakePool(candidates...)
	store := newFakeRideStore(ride)
	notifier := &recordingNotifier{}

	d := New(cfg, geo, pool, store, nil)
	d.SetNotifier(notifier)
	t.Cleanup(d.Shutdown)
	return d, pool, store, notifier
}

func TestDispatch_FirstAcceptWins(t *testing.T) {
	ride := searchingRide()
	drv := onlineDriver()
	d, pool, store, notifier := setup(t, testConfig(), ride, drv)

	d.Dispatch(ride)

	require.Eventually(t, func() bool { return notifier.offeredTo(drv.ID) }, time.Second, 5*time.Millisecond)
	require.True(t, d.HandleResponse(ride.ID, drv.ID, true))

	require.Eventually(t, func() bool { return notifier.acceptedCount() == 1 }, time.Second, 5*time.Millisecond)

	got, err := store.GetByID(context.Background(), ride.ID)
	require.NoError(t, err)
	assert.Equal(t, rides.StatusAccepted, got.Status)
	assert.Equal(t, drv.ID, *got.DriverID)

	pool.mu.Lock()
	assert.Equal(t, ride.ID, pool.claimed[drv.ID])
	pool.mu.Unlock()
}

func TestDispatch_TimeoutMovesToNextWave(t *testing.T) {
	cfg := testConfig()
	cfg.OfferFanout = 1

	ride := searchingRide()
	silent := onlineDriver()
	eager := onlineDriver()
	d, _, store, notifier := setup(t, cfg, ride, silent, eager)

	d.Dispatch(ride)

	// The silent driver gets the first offer and never responds; after the
	// offer timeout the next candidate is tried.
	require.Eventually(t, func() bool { return notifier.offeredTo(silent.ID) }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return notifier.offeredTo(eager.ID) }, time.Second, 5*time.Millisecond)

	require.True(t, d.HandleResponse(ride.ID, eager.ID, true))
	require.Eventually(t, func() bool { return notifier.acceptedCount() == 1 }, time.Second, 5*time.Millisecond)

	got, _ := store.GetByID(context.Background(), ride.ID)
	assert.Equal(t, eager.ID, *got.DriverID)
}

func TestDispatch_DeclineWakesWaveEarly(t *testing.T) {
	cfg := testConfig()
	cfg.OfferFanout = 1
	cfg.OfferTimeout = 10 * time.Second // a decline must not wait for this

	ride := searchingRide()
	decliner := onlineDriver()
	backup := onlineDriver()
	d, _, _, notifier := setup(t, cfg, ride, decliner, backup)

	d.Dispatch(ride)

	require.Eventually(t, func() bool { return notifier.offeredTo(decliner.ID) }, time.Second, 5*time.Millisecond)
	start := time.Now()
	require.True(t, d.HandleResponse(ride.ID, decliner.ID, false))

	require.Eventually(t, func() bool { return notifier.offeredTo(backup.ID) }, time.Second, 5*time.Millisecond)
	assert.Less(t, time.Since(start), 2*time.Second, "decline must advance the search immediately")
}

func TestDispatch_ConcurrentAcceptsSingleWinner(t *testing.T) {
	ride := searchingRide()
	a := onlineDriver()
	b := onlineDriver()
	d, pool, store, notifier := setup(t, testConfig(), ride, a, b)

	d.Dispatch(ride)

	// Fanout 2: both drivers hold an offer at the same time.
	require.Eventually(t, func() bool {
		return notifier.offeredTo(a.ID) && notifier.offeredTo(b.ID)
	}, time.Second, 5*time.Millisecond)

	var wg sync.WaitGroup
	for _, id := range []uuid.UUID{a.ID, b.ID} {
		wg.Add(1)
		go func(id uuid.UUID) {
			defer wg.Done()
			d.HandleResponse(ride.ID, id, true)
		}(id)
	}
	wg.Wait()

	require.Eventually(t, func() bool { return notifier.acceptedCount() == 1 }, time.Second, 5*time.Millisecond)

	got, _ := store.GetByID(context.Background(), ride.ID)
	require.NotNil(t, got.DriverID)
	winner := *got.DriverID
	loser := a.ID
	if winner == a.ID {
		loser = b.ID
	}

	// The loser's claim, if it happened, must have been rolled back.
	require.Eventually(t, func() bool {
		pool.mu.Lock()
		defer pool.mu.Unlock()
		_, busy := pool.claimed[loser]
		return !busy
	}, time.Second, 5*time.Millisecond)

	pool.mu.Lock()
	assert.Equal(t, ride.ID, pool.claimed[winner])
	pool.mu.Unlock()
}

func TestDispatch_ExhaustionLeavesRideSearching(t *testing.T) {
	cfg := testConfig()
	cfg.OverallDeadline = 200 * time.Millisecond

	ride := searchingRide()
	silent := onlineDriver()
	d, _, store, notifier := setup(t, cfg, ride, silent)

	d.Dispatch(ride)

	require.Eventually(t, func() bool { return notifier.noDriverCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	got, _ := store.GetByID(context.Background(), ride.ID)
	assert.Equal(t, rides.StatusSearching, got.Status)
	assert.Nil(t, got.DriverID)
}

func TestDispatch_NoCandidates(t *testing.T) {
	cfg := testConfig()
	cfg.OverallDeadline = 150 * time.Millisecond

	ride := searchingRide()
	d, _, _, notifier := setup(t, cfg, ride)

	d.Dispatch(ride)

	require.Eventually(t, func() bool { return notifier.noDriverCount() == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestCancelSearch_WithdrawsOffers(t *testing.T) {
	cfg := testConfig()
	cfg.OfferTimeout = 10 * time.Second

	ride := searchingRide()
	drv := onlineDriver()
	d, pool, store, notifier := setup(t, cfg, ride, drv)

	d.Dispatch(ride)
	require.Eventually(t, func() bool { return notifier.offeredTo(drv.ID) }, time.Second, 5*time.Millisecond)

	// Rider cancels while the offer is pending.
	_, err := store.cancel(ride.ID)
	require.NoError(t, err)
	d.CancelSearch(ride.ID)

	// The offer disappears and a late accept is rejected.
	require.Eventually(t, func() bool {
		return !d.HandleResponse(ride.ID, drv.ID, true)
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, 0, notifier.acceptedCount())
	pool.mu.Lock()
	assert.Empty(t, pool.claimed)
	pool.mu.Unlock()
}

// cancel flips the fake ride to CANCELLED like the repository guard would.
func (s *fakeRideStore) cancel(rideID uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rides[rideID]
	if !ok || !r.Status.Cancellable() {
		return false, nil
	}
	r.Status = rides.StatusCancelled
	return true, nil
}

func TestDispatch_LateAcceptAfterAssignmentRejected(t *testing.T) {
	ride := searchingRide()
	fast := onlineDriver()
	slow := onlineDriver()
	d, _, store, notifier := setup(t, testConfig(), ride, fast, slow)

	d.Dispatch(ride)
	require.Eventually(t, func() bool {
		return notifier.offeredTo(fast.ID) && notifier.offeredTo(slow.ID)
	}, time.Second, 5*time.Millisecond)

	require.True(t, d.HandleResponse(ride.ID, fast.ID, true))
	require.Eventually(t, func() bool { return notifier.acceptedCount() == 1 }, time.Second, 5*time.Millisecond)

	// The sibling offer is gone; a late accept finds nothing.
	require.Eventually(t, func() bool {
		return !d.HandleResponse(ride.ID, slow.ID, true)
	}, time.Second, 5*time.Millisecond)

	got, _ := store.GetByID(context.Background(), ride.ID)
	assert.Equal(t, fast.ID, *got.DriverID)
}
