package eventbus

import (
	"time"

	"github.com/google/uuid"
)

// RideRequestedData is emitted when a rider books a ride, before dispatch.
type RideRequestedData struct {
	RideID            uuid.UUID `json:"ride_id"`
	RideNumber        string    `json:"ride_number"`
	RiderID           uuid.UUID `json:"rider_id"`
	VehicleType       string    `json:"vehicle_type"`
	PickupLatitude    float64   `json:"pickup_latitude"`
	PickupLongitude   float64   `json:"pickup_longitude"`
	PickupAddress     string    `json:"pickup_address"`
	DropLatitude      float64   `json:"drop_latitude"`
	DropLongitude     float64   `json:"drop_longitude"`
	DropAddress       string    `json:"drop_address"`
	EstimatedDistance float64   `json:"estimated_distance_km"`
	EstimatedDuration int       `json:"estimated_duration_minutes"`
	TotalFare         float64   `json:"total_fare"`
	RequestedAt       time.Time `json:"requested_at"`
}

// RideAcceptedData is emitted when dispatch assigns a driver.
type RideAcceptedData struct {
	RideID     uuid.UUID `json:"ride_id"`
	RiderID    uuid.UUID `json:"rider_id"`
	DriverID   uuid.UUID `json:"driver_id"`
	AcceptedAt time.Time `json:"accepted_at"`
}

// RideStatusData is emitted on driver-side progress transitions.
type RideStatusData struct {
	RideID   uuid.UUID `json:"ride_id"`
	RiderID  uuid.UUID `json:"rider_id"`
	DriverID uuid.UUID `json:"driver_id"`
	Status   string    `json:"status"`
	At       time.Time `json:"at"`
}

// RideCompletedData is emitted when a ride finishes.
type RideCompletedData struct {
	RideID      uuid.UUID `json:"ride_id"`
	RiderID     uuid.UUID `json:"rider_id"`
	DriverID    uuid.UUID `json:"driver_id"`
	TotalFare   float64   `json:"total_fare"`
	DistanceKm  float64   `json:"distance_km"`
	DurationMin int       `json:"duration_min"`
	CompletedAt time.Time `json:"completed_at"`
}

// RideCancelledData is emitted when a ride is cancelled by either party.
type RideCancelledData struct {
	RideID      uuid.UUID `json:"ride_id"`
	CancelledBy string    `json:"cancelled_by"`
	Reason      string    `json:"reason,omitempty"`
	CancelledAt time.Time `json:"cancelled_at"`
}

// DriverAvailabilityData is emitted when a driver goes online or offline.
type DriverAvailabilityData struct {
	DriverID  uuid.UUID `json:"driver_id"`
	Latitude  float64   `json:"latitude,omitempty"`
	Longitude float64   `json:"longitude,omitempty"`
	At        time.Time `json:"at"`
}
