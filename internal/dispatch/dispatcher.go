package dispatch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tangoride/tango-backend/internal/drivers"
	"github.com/tangoride/tango-backend/internal/rides"
	"github.com/tangoride/tango-backend/pkg/config"
	"github.com/tangoride/tango-backend/pkg/eventbus"
	"github.com/tangoride/tango-backend/pkg/logger"
	"go.uber.org/zap"
)

// GeoIndex finds nearby online drivers, closest first.
type GeoIndex interface {
	Nearby(ctx context.Context, latitude, longitude, radiusKm float64, limit int) []uuid.UUID
}

// DriverPool hydrates candidates and performs the atomic driver claim.
type DriverPool interface {
	Candidates(ctx context.Context, ids []uuid.UUID, vehicleType string) ([]*drivers.Driver, error)
	ClaimForRide(ctx context.Context, driverID, rideID uuid.UUID) (bool, error)
	ReleaseFromRide(ctx context.Context, driverID, rideID uuid.UUID) error
}

// RideStore performs the atomic ride-side accept.
type RideStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*rides.Ride, error)
	AcceptSearching(ctx context.Context, rideID, driverID uuid.UUID) (bool, error)
}

// Notifier pushes offers and search outcomes to connected clients.
type Notifier interface {
	OfferRide(ctx context.Context, driverID uuid.UUID, ride *rides.Ride, expiresAt time.Time)
	OfferWithdrawn(ctx context.Context, driverID, rideID uuid.UUID)
	RideAccepted(ctx context.Context, ride *rides.Ride, driver *drivers.Driver)
	NoDriversAvailable(ctx context.Context, ride *rides.Ride)
}

// NopNotifier discards dispatch notifications.
type NopNotifier struct{}

func (NopNotifier) OfferRide(context.Context, uuid.UUID, *rides.Ride, time.Time) {}
func (NopNotifier) OfferWithdrawn(context.Context, uuid.UUID, uuid.UUID)         {}
func (NopNotifier) RideAccepted(context.Context, *rides.Ride, *drivers.Driver)   {}
func (NopNotifier) NoDriversAvailable(context.Context, *rides.Ride)              {}

type offerKey struct {
	rideID   uuid.UUID
	driverID uuid.UUID
}

// Dispatcher finds a driver for each new ride. Offers go out in concurrent
// waves; within a wave the first driver to accept wins the ride and the
// remaining offers are withdrawn immediately instead of running out their
// timers.
type Dispatcher struct {
	cfg      config.DispatchConfig
	geo      GeoIndex
	pool     DriverPool
	store    RideStore
	notifier Notifier
	events   eventbus.Publisher

	mu       sync.Mutex
	offers   map[offerKey]chan bool
	searches map[uuid.UUID]context.CancelFunc

	wg sync.WaitGroup
}

// New creates a dispatcher. The notifier is wired afterwards because the
// realtime layer depends on the dispatcher for offer responses.
func New(cfg config.DispatchConfig, geo GeoIndex, pool DriverPool, store RideStore, events eventbus.Publisher) *Dispatcher {
	if events == nil {
		events = eventbus.Nop{}
	}
	return &Dispatcher{
		cfg:      cfg,
		geo:      geo,
		pool:     pool,
		store:    store,
		notifier: NopNotifier{},
		events:   events,
		offers:   make(map[offerKey]chan bool),
		searches: make(map[uuid.UUID]context.CancelFunc),
	}
}

// SetNotifier wires the realtime notifier after construction.
func (d *Dispatcher) SetNotifier(n Notifier) { d.notifier = n }

// Dispatch starts a background driver search for the ride and returns
// immediately. A second call for the same ride is a no-op while the first
// search is still running.
func (d *Dispatcher) Dispatch(ride *rides.Ride) {
	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.OverallDeadline)

	d.mu.Lock()
	if _, running := d.searches[ride.ID]; running {
		d.mu.Unlock()
		cancel()
		return
	}
	d.searches[ride.ID] = cancel
	d.mu.Unlock()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer cancel()
		defer func() {
			d.mu.Lock()
			delete(d.searches, ride.ID)
			d.mu.Unlock()
		}()
		d.search(ctx, ride)
	}()
}

// CancelSearch stops the ride's search, withdrawing any outstanding offers.
func (d *Dispatcher) CancelSearch(rideID uuid.UUID) {
	d.mu.Lock()
	cancel, ok := d.searches[rideID]
	d.mu.Unlock()
	if ok {
		cancel()
	}
}

// HandleResponse routes a driver's accept/decline to the pending offer.
// Returns false when no offer is outstanding for this driver and ride, e.g.
// because it already timed out or the ride was taken.
func (d *Dispatcher) HandleResponse(rideID, driverID uuid.UUID, accepted bool) bool {
	d.mu.Lock()
	ch, ok := d.offers[offerKey{rideID: rideID, driverID: driverID}]
	d.mu.Unlock()
	if !ok {
		return false
	}

	select {
	case ch <- accepted:
		return true
	default:
		// A response already landed on this offer.
		return false
	}
}

// Shutdown waits for in-flight searches to terminate. Pending searches are
// expected to be cancelled by the caller first.
func (d *Dispatcher) Shutdown() {
	d.mu.Lock()
	for _, cancel := range d.searches {
		cancel()
	}
	d.mu.Unlock()
	d.wg.Wait()
}

// search runs the full candidate loop for one ride: query the geo index,
// offer in waves, retry with a backoff while new candidates keep appearing,
// and give up at the overall deadline.
func (d *Dispatcher) search(ctx context.Context, ride *rides.Ride) {
	start := time.Now()
	attempted := make(map[uuid.UUID]bool)

	logger.Info("driver search started",
		zap.String("ride_id", ride.ID.String()),
		zap.String("vehicle_type", string(ride.VehicleType)),
	)

	for {
		candidates, err := d.nextCandidates(ctx, ride, attempted)
		if err != nil {
			logger.Error("candidate lookup failed",
				zap.String("ride_id", ride.ID.String()), zap.Error(err))
			candidates = nil
		}

		if len(candidates) == 0 {
			if !d.waitForRetry(ctx, ride) {
				return
			}
			continue
		}

		for len(candidates) > 0 {
			wave := candidates
			if len(wave) > d.fanout() {
				wave = wave[:d.fanout()]
			}
			candidates = candidates[len(wave):]

			for _, drv := range wave {
				attempted[drv.ID] = true
			}

			winner := d.runWave(ctx, ride, wave)
			if winner != nil {
				assignmentSeconds.Observe(time.Since(start).Seconds())
				searchesTotal.WithLabelValues("assigned").Inc()
				d.finishAssigned(ctx, ride, winner)
				return
			}
			if ctx.Err() != nil {
				d.finishUnassigned(ctx, ride)
				return
			}
		}
	}
}

// nextCandidates returns not-yet-attempted drivers near the pickup, closest
// first. A degraded geo index yields an empty list, not an error.
func (d *Dispatcher) nextCandidates(ctx context.Context, ride *rides.Ride, attempted map[uuid.UUID]bool) ([]*drivers.Driver, error) {
	ids := d.geo.Nearby(ctx, ride.PickupLatitude, ride.PickupLongitude, d.cfg.SearchRadiusKm, d.cfg.MaxCandidates)

	fresh := ids[:0]
	for _, id := range ids {
		if !attempted[id] {
			fresh = append(fresh, id)
		}
	}
	if len(fresh) == 0 {
		return nil, nil
	}

	return d.pool.Candidates(ctx, fresh, string(ride.VehicleType))
}

// waitForRetry sleeps between candidate queries. Returns false when the
// search should stop.
func (d *Dispatcher) waitForRetry(ctx context.Context, ride *rides.Ride) bool {
	retry := d.cfg.RetryInterval
	if retry <= 0 {
		retry = 5 * time.Second
	}

	select {
	case <-ctx.Done():
		d.finishUnassigned(ctx, ride)
		return false
	case <-time.After(retry):
	}

	// Stop early if the ride was cancelled or accepted out of band.
	current, err := d.store.GetByID(ctx, ride.ID)
	if err == nil && current.Status != rides.StatusSearching {
		searchesTotal.WithLabelValues("cancelled").Inc()
		return false
	}
	return true
}

// runWave offers the ride to a batch of drivers concurrently and returns the
// winner, if any. The first accepted claim cancels the rest of the wave.
func (d *Dispatcher) runWave(ctx context.Context, ride *rides.Ride, wave []*drivers.Driver) *drivers.Driver {
	waveCtx, waveCancel := context.WithCancel(ctx)
	defer waveCancel()

	results := make(chan *drivers.Driver, len(wave))
	var wg sync.WaitGroup
	for _, drv := range wave {
		wg.Add(1)
		go func(drv *drivers.Driver) {
			defer wg.Done()
			results <- d.runOffer(waveCtx, ride, drv)
		}(drv)
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	var winner *drivers.Driver
	for assigned := range results {
		if assigned != nil && winner == nil {
			winner = assigned
			// Early wake: withdraw the sibling offers instead of
			// letting their timers expire.
			waveCancel()
		}
	}
	return winner
}

// runOffer sends one offer and waits for accept, decline, timeout or wave
// cancellation. On accept it performs the two-step atomic assignment: claim
// the driver, then take the ride. Returns the driver when fully assigned.
func (d *Dispatcher) runOffer(ctx context.Context, ride *rides.Ride, drv *drivers.Driver) *drivers.Driver {
	key := offerKey{rideID: ride.ID, driverID: drv.ID}
	resp := make(chan bool, 1)

	d.mu.Lock()
	d.offers[key] = resp
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		delete(d.offers, key)
		d.mu.Unlock()
	}()

	expiresAt := time.Now().UTC().Add(d.cfg.OfferTimeout)
	d.notifier.OfferRide(ctx, drv.ID, ride, expiresAt)

	timer := time.NewTimer(d.cfg.OfferTimeout)
	defer timer.Stop()

	select {
	case accepted := <-resp:
		if !accepted {
			offersTotal.WithLabelValues("declined").Inc()
			return nil
		}
	case <-timer.C:
		offersTotal.WithLabelValues("timeout").Inc()
		d.notifier.OfferWithdrawn(ctx, drv.ID, ride.ID)
		return nil
	case <-ctx.Done():
		offersTotal.WithLabelValues("withdrawn").Inc()
		d.notifier.OfferWithdrawn(ctx, drv.ID, ride.ID)
		return nil
	}

	return d.tryAssign(ride, drv)
}

// tryAssign performs the two conditional updates that make assignment safe
// under concurrency. The driver claim and the ride accept each succeed for
// at most one caller; a half-completed pair is rolled back.
func (d *Dispatcher) tryAssign(ride *rides.Ride, drv *drivers.Driver) *drivers.Driver {
	// Deliberately not the offer context: once a driver has accepted, the
	// assignment must not be torn by a concurrent wave cancellation.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	claimed, err := d.pool.ClaimForRide(ctx, drv.ID, ride.ID)
	if err != nil || !claimed {
		if err != nil {
			logger.Error("driver claim failed",
				zap.String("ride_id", ride.ID.String()), zap.Error(err))
		}
		offersTotal.WithLabelValues("declined").Inc()
		return nil
	}

	accepted, err := d.store.AcceptSearching(ctx, ride.ID, drv.ID)
	if err != nil || !accepted {
		// The ride was taken or cancelled between claim and accept.
		if relErr := d.pool.ReleaseFromRide(ctx, drv.ID, ride.ID); relErr != nil {
			logger.Error("failed to roll back driver claim",
				zap.String("driver_id", drv.ID.String()), zap.Error(relErr))
		}
		offersTotal.WithLabelValues("withdrawn").Inc()
		return nil
	}

	offersTotal.WithLabelValues("accepted").Inc()
	return drv
}

func (d *Dispatcher) finishAssigned(ctx context.Context, ride *rides.Ride, winner *drivers.Driver) {
	assigned, err := d.store.GetByID(context.Background(), ride.ID)
	if err != nil {
		assigned = ride
	}

	d.notifier.RideAccepted(context.Background(), assigned, winner)
	d.publishAccepted(assigned, winner)

	logger.Info("ride assigned",
		zap.String("ride_id", ride.ID.String()),
		zap.String("driver_id", winner.ID.String()),
	)
}

func (d *Dispatcher) finishUnassigned(ctx context.Context, ride *rides.Ride) {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		searchesTotal.WithLabelValues("expired").Inc()
	} else {
		searchesTotal.WithLabelValues("cancelled").Inc()
	}

	// Only tell the rider when the ride is still waiting; a cancelled ride
	// needs no follow-up.
	current, err := d.store.GetByID(context.Background(), ride.ID)
	if err == nil && current.Status == rides.StatusSearching {
		d.notifier.NoDriversAvailable(context.Background(), current)
		logger.Warn("driver search exhausted",
			zap.String("ride_id", ride.ID.String()))
	}
}

func (d *Dispatcher) fanout() int {
	if d.cfg.OfferFanout <= 0 {
		return 1
	}
	return d.cfg.OfferFanout
}

func (d *Dispatcher) publishAccepted(ride *rides.Ride, winner *drivers.Driver) {
	event, err := eventbus.NewEvent(eventbus.SubjectRideAccepted, "tango-api", eventbus.RideAcceptedData{
		RideID:     ride.ID,
		RiderID:    ride.RiderID,
		DriverID:   winner.ID,
		AcceptedAt: time.Now().UTC(),
	})
	if err != nil {
		return
	}
	if err := d.events.Publish(context.Background(), eventbus.SubjectRideAccepted, event); err != nil {
		logger.Warn("failed to publish ride accepted event", zap.Error(err))
	}
}
