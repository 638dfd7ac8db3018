package fares

import (
	"time"

	"github.com/google/uuid"
)

// VehicleType enumerates the bookable vehicle classes.
type VehicleType string

const (
	VehicleBike    VehicleType = "BIKE"
	VehicleAuto    VehicleType = "AUTO"
	VehicleMini    VehicleType = "MINI"
	VehicleSedan   VehicleType = "SEDAN"
	VehicleXL      VehicleType = "XL"
	VehiclePremium VehicleType = "PREMIUM"
)

// Valid reports whether the vehicle type is one of the known classes.
func (v VehicleType) Valid() bool {
	switch v {
	case VehicleBike, VehicleAuto, VehicleMini, VehicleSedan, VehicleXL, VehiclePremium:
		return true
	}
	return false
}

// Config holds per-vehicle-type pricing parameters.
type Config struct {
	ID            uuid.UUID   `json:"id" db:"id"`
	VehicleType   VehicleType `json:"vehicle_type" db:"vehicle_type"`
	BaseFare      float64     `json:"base_fare" db:"base_fare"`
	PerKmRate     float64     `json:"per_km_rate" db:"per_km_rate"`
	PerMinuteRate float64     `json:"per_minute_rate" db:"per_minute_rate"`
	MinimumFare   float64     `json:"minimum_fare" db:"minimum_fare"`
	IsActive      bool        `json:"is_active" db:"is_active"`
	CreatedAt     time.Time   `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time   `json:"updated_at" db:"updated_at"`
}

// FareRange is the min/max band shown to the rider before booking.
type FareRange struct {
	Min      float64 `json:"min"`
	Max      float64 `json:"max"`
	Currency string  `json:"currency"`
}

// Estimate is one per-vehicle-type quote in the estimate response.
type Estimate struct {
	VehicleType       VehicleType `json:"vehicle_type"`
	EstimatedFare     FareRange   `json:"estimated_fare"`
	EstimatedDistance float64     `json:"estimated_distance"`
	EstimatedDuration int         `json:"estimated_duration"`
	ETAMinutes        int         `json:"eta"`
	SurgeMultiplier   float64     `json:"surge_multiplier"`
	Available         bool        `json:"available"`
}

// Quote is the full fare breakdown computed once at booking time.
type Quote struct {
	BaseFare        float64 `json:"base_fare"`
	DistanceFare    float64 `json:"distance_fare"`
	TimeFare        float64 `json:"time_fare"`
	WaitFare        float64 `json:"wait_fare"`
	TollCharges     float64 `json:"toll_charges"`
	SurgeMultiplier float64 `json:"surge_multiplier"`
	Taxes           float64 `json:"taxes"`
	Tip             float64 `json:"tip"`
	Discount        float64 `json:"discount"`
	TotalFare       float64 `json:"total_fare"`
}

// EstimateRequest is the rider-facing estimate payload.
type EstimateRequest struct {
	Pickup   Location `json:"pickup" binding:"required"`
	Drop     Location `json:"drop" binding:"required"`
	// Distance and Duration override the server-side haversine estimate
	// when the client has a routed value.
	Distance float64 `json:"distance" binding:"omitempty,gt=0"`
	Duration int     `json:"duration" binding:"omitempty,gt=0"`
}

// Location is an address with coordinates.
type Location struct {
	Address   string  `json:"address" binding:"required"`
	Latitude  float64 `json:"latitude" binding:"required"`
	Longitude float64 `json:"longitude" binding:"required"`
}
