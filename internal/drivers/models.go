package drivers

import (
	"time"

	"github.com/google/uuid"
	"github.com/tangoride/tango-backend/internal/fares"
)

// Status is the onboarding state of a driver account.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusApproved  Status = "APPROVED"
	StatusSuspended Status = "SUSPENDED"
	StatusRejected  Status = "REJECTED"
)

// OnlineStatus is the driver's availability for dispatch.
type OnlineStatus string

const (
	Offline OnlineStatus = "OFFLINE"
	Online  OnlineStatus = "ONLINE"
	OnRide  OnlineStatus = "ON_RIDE"
)

// Driver is a driver account with its vehicle and availability state.
type Driver struct {
	ID               uuid.UUID         `json:"id" db:"id"`
	FullName         string            `json:"full_name" db:"full_name"`
	Phone            string            `json:"phone" db:"phone"`
	Rating           float64           `json:"rating" db:"rating"`
	Status           Status            `json:"status" db:"status"`
	OnlineStatus     OnlineStatus      `json:"online_status" db:"online_status"`
	CurrentRideID    *uuid.UUID        `json:"current_ride_id,omitempty" db:"current_ride_id"`
	CurrentLatitude  *float64          `json:"current_latitude,omitempty" db:"current_latitude"`
	CurrentLongitude *float64          `json:"current_longitude,omitempty" db:"current_longitude"`
	VehicleType      fares.VehicleType `json:"vehicle_type,omitempty" db:"vehicle_type"`
	VehicleMake      string            `json:"vehicle_make,omitempty" db:"vehicle_make"`
	VehicleModel     string            `json:"vehicle_model,omitempty" db:"vehicle_model"`
	VehiclePlate     string            `json:"vehicle_plate,omitempty" db:"vehicle_plate"`
	LastOnlineAt     *time.Time        `json:"last_online_at,omitempty" db:"last_online_at"`
	LastLocationAt   *time.Time        `json:"last_location_at,omitempty" db:"last_location_at"`
	CreatedAt        time.Time         `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at" db:"updated_at"`
}

// UpdateProfileRequest carries partial profile edits; empty fields keep
// their current value.
type UpdateProfileRequest struct {
	FullName     string `json:"full_name" binding:"omitempty,min=2,max=100"`
	VehicleMake  string `json:"vehicle_make" binding:"omitempty,max=50"`
	VehicleModel string `json:"vehicle_model" binding:"omitempty,max=50"`
	VehiclePlate string `json:"vehicle_plate" binding:"omitempty,max=20"`
}

// GoOnlineRequest carries the driver's position when they become available.
type GoOnlineRequest struct {
	Latitude  float64 `json:"latitude" binding:"required,min=-90,max=90"`
	Longitude float64 `json:"longitude" binding:"required,min=-180,max=180"`
}

// LocationUpdateRequest is the periodic position ping from the driver app.
type LocationUpdateRequest struct {
	Latitude  float64 `json:"latitude" binding:"required,min=-90,max=90"`
	Longitude float64 `json:"longitude" binding:"required,min=-180,max=180"`
	Heading   float64 `json:"heading" binding:"omitempty,min=0,max=360"`
	Speed     float64 `json:"speed" binding:"omitempty,min=0"`
}

// EarningsSummary aggregates a driver's completed-ride earnings over a window.
type EarningsSummary struct {
	DriverID    uuid.UUID `json:"driver_id"`
	From        time.Time `json:"from"`
	To          time.Time `json:"to"`
	RideCount   int       `json:"ride_count"`
	GrossFare   float64   `json:"gross_fare"`
	Commission  float64   `json:"commission"`
	NetEarnings float64   `json:"net_earnings"`
}
