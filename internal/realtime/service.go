package realtime

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/tangoride/tango-backend/internal/drivers"
	"github.com/tangoride/tango-backend/internal/rides"
	"github.com/tangoride/tango-backend/pkg/logger"
	redisclient "github.com/tangoride/tango-backend/pkg/redis"
	ws "github.com/tangoride/tango-backend/pkg/websocket"
	"go.uber.org/zap"
)

// Outbound event types.
const (
	EventNewRequest       = "ride:new_request"
	EventRequestWithdrawn = "ride:request_withdrawn"
	EventAccepted         = "ride:accepted"
	EventStatus           = "ride:status"
	EventCancelled        = "ride:cancelled"
	EventNoDrivers        = "ride:no_drivers_available"
	EventDriverLocation   = "driver:location"
)

// Inbound message types.
const (
	MsgSubscribe      = "ride:subscribe"
	MsgUnsubscribe    = "ride:unsubscribe"
	MsgLocationUpdate = "driver:location_update"
	MsgRideResponse   = "driver:ride_response"
)

const (
	presencePrefix = "ws:online:"
	presenceTTL    = 5 * time.Minute
)

// Service pushes ride lifecycle and dispatch events to connected clients and
// mirrors connection presence into Redis so other instances can see it.
type Service struct {
	hub   *ws.Hub
	redis redisclient.ClientInterface
}

// NewService creates a realtime service over the hub. redis may be nil in
// tests; presence mirroring is then skipped.
func NewService(hub *ws.Hub, redis redisclient.ClientInterface) *Service {
	s := &Service{hub: hub, redis: redis}
	hub.OnConnect(s.markOnline)
	hub.OnDisconnect(s.markOffline)
	return s
}

// EmitToUser sends an event to one connected user.
func (s *Service) EmitToUser(userID uuid.UUID, msg *ws.Message) {
	msg.Timestamp = time.Now().UTC()
	s.hub.SendToUser(userID.String(), msg)
}

// EmitToRide sends an event to every client subscribed to the ride room.
func (s *Service) EmitToRide(rideID uuid.UUID, msg *ws.Message) {
	msg.Timestamp = time.Now().UTC()
	s.hub.SendToRide(rideID.String(), msg)
}

// IsConnected reports whether the user has a live connection on this
// instance.
func (s *Service) IsConnected(userID uuid.UUID) bool {
	return s.hub.IsConnected(userID.String())
}

// RideStatusChanged implements the ride lifecycle notifier: the room and
// both participants learn about driver progress.
func (s *Service) RideStatusChanged(ctx context.Context, ride *rides.Ride) {
	msg := &ws.Message{
		Type:   EventStatus,
		RideID: ride.ID.String(),
		Data: map[string]interface{}{
			"status": string(ride.Status),
		},
	}
	s.EmitToRide(ride.ID, msg)
	s.EmitToUser(ride.RiderID, msg)
	if ride.DriverID != nil {
		s.EmitToUser(*ride.DriverID, msg)
	}
}

// RideCancelled tells everyone involved that the ride ended early.
func (s *Service) RideCancelled(ctx context.Context, ride *rides.Ride) {
	data := map[string]interface{}{}
	if ride.CancelledBy != nil {
		data["cancelled_by"] = string(*ride.CancelledBy)
	}
	if ride.CancellationReason != nil {
		data["reason"] = *ride.CancellationReason
	}

	msg := &ws.Message{Type: EventCancelled, RideID: ride.ID.String(), Data: data}
	s.EmitToRide(ride.ID, msg)
	s.EmitToUser(ride.RiderID, msg)
	if ride.DriverID != nil {
		s.EmitToUser(*ride.DriverID, msg)
	}
}

// OfferRide implements the dispatch notifier: the driver receives the ride
// request with enough detail to decide before the offer expires.
func (s *Service) OfferRide(ctx context.Context, driverID uuid.UUID, ride *rides.Ride, expiresAt time.Time) {
	s.EmitToUser(driverID, &ws.Message{
		Type:   EventNewRequest,
		RideID: ride.ID.String(),
		Data: map[string]interface{}{
			"ride_number":        ride.RideNumber,
			"vehicle_type":       string(ride.VehicleType),
			"pickup_address":     ride.PickupAddress,
			"pickup_latitude":    ride.PickupLatitude,
			"pickup_longitude":   ride.PickupLongitude,
			"drop_address":       ride.DropAddress,
			"drop_latitude":      ride.DropLatitude,
			"drop_longitude":     ride.DropLongitude,
			"estimated_distance": ride.EstimatedDistance,
			"estimated_duration": ride.EstimatedDuration,
			"total_fare":         ride.TotalFare,
			"expires_at":         expiresAt,
		},
	})
}

// OfferWithdrawn clears an expired or superseded offer from the driver app.
func (s *Service) OfferWithdrawn(ctx context.Context, driverID, rideID uuid.UUID) {
	s.EmitToUser(driverID, &ws.Message{
		Type:   EventRequestWithdrawn,
		RideID: rideID.String(),
	})
}

// RideAccepted tells the rider who is coming.
func (s *Service) RideAccepted(ctx context.Context, ride *rides.Ride, driver *drivers.Driver) {
	s.EmitToUser(ride.RiderID, &ws.Message{
		Type:   EventAccepted,
		RideID: ride.ID.String(),
		Data: map[string]interface{}{
			"driver_id":     driver.ID.String(),
			"driver_name":   driver.FullName,
			"driver_rating": driver.Rating,
			"vehicle_make":  driver.VehicleMake,
			"vehicle_model": driver.VehicleModel,
			"vehicle_plate": driver.VehiclePlate,
		},
	})
	s.EmitToRide(ride.ID, &ws.Message{
		Type:   EventStatus,
		RideID: ride.ID.String(),
		Data:   map[string]interface{}{"status": string(rides.StatusAccepted)},
	})
}

// NoDriversAvailable tells the rider the search came up empty. The ride
// stays in SEARCHING so the rider can keep waiting or cancel.
func (s *Service) NoDriversAvailable(ctx context.Context, ride *rides.Ride) {
	msg := &ws.Message{Type: EventNoDrivers, RideID: ride.ID.String()}
	s.EmitToUser(ride.RiderID, msg)
	s.EmitToRide(ride.ID, msg)
}

// DriverLocationChanged streams the driver's position to the ride room.
func (s *Service) DriverLocationChanged(rideID uuid.UUID, driver *drivers.Driver) {
	data := map[string]interface{}{"driver_id": driver.ID.String()}
	if driver.CurrentLatitude != nil {
		data["latitude"] = *driver.CurrentLatitude
	}
	if driver.CurrentLongitude != nil {
		data["longitude"] = *driver.CurrentLongitude
	}
	s.EmitToRide(rideID, &ws.Message{
		Type:   EventDriverLocation,
		RideID: rideID.String(),
		Data:   data,
	})
}

func (s *Service) markOnline(client *ws.Client) {
	connectedClients.Set(float64(s.hub.ClientCount()))
	if s.redis == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.redis.SetWithExpiration(ctx, presencePrefix+client.ID, client.Role, presenceTTL); err != nil {
		logger.Warn("failed to mirror presence", zap.String("user_id", client.ID), zap.Error(err))
	}
}

func (s *Service) markOffline(client *ws.Client) {
	connectedClients.Set(float64(s.hub.ClientCount()))
	if s.redis == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.redis.Delete(ctx, presencePrefix+client.ID); err != nil {
		logger.Warn("failed to clear presence", zap.String("user_id", client.ID), zap.Error(err))
	}
}
