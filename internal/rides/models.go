package rides

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tangoride/tango-backend/internal/fares"
)

// Status is the lifecycle state of a ride.
type Status string

const (
	StatusSearching  Status = "SEARCHING"
	StatusAccepted   Status = "ACCEPTED"
	StatusArriving   Status = "ARRIVING"
	StatusArrived    Status = "ARRIVED"
	StatusInProgress Status = "IN_PROGRESS"
	StatusCompleted  Status = "COMPLETED"
	StatusCancelled  Status = "CANCELLED"
)

// transitions is the full state machine. Every status change in the
// repository is guarded by this map plus a conditional UPDATE, so an illegal
// transition can never be persisted even under concurrent requests.
var transitions = map[Status][]Status{
	StatusSearching:  {StatusAccepted, StatusCancelled},
	StatusAccepted:   {StatusArriving, StatusCancelled},
	StatusArriving:   {StatusArrived, StatusCancelled},
	StatusArrived:    {StatusInProgress, StatusCancelled},
	StatusInProgress: {StatusCompleted},
}

// CanTransition reports whether from -> to is a legal status change.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether the status ends the ride lifecycle.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// IsActive reports whether the ride is still in flight for either party.
func (s Status) IsActive() bool {
	return !s.IsTerminal()
}

// Cancellable reports whether the ride may still be cancelled. Once the
// trip has started, cancellation is no longer allowed.
func (s Status) Cancellable() bool {
	switch s {
	case StatusSearching, StatusAccepted, StatusArriving, StatusArrived:
		return true
	}
	return false
}

// PaymentMethod is how the rider intends to pay.
type PaymentMethod string

const (
	PaymentCash   PaymentMethod = "CASH"
	PaymentCard   PaymentMethod = "CARD"
	PaymentWallet PaymentMethod = "WALLET"
	PaymentUPI    PaymentMethod = "UPI"
)

// Valid reports whether the payment method is supported.
func (p PaymentMethod) Valid() bool {
	switch p {
	case PaymentCash, PaymentCard, PaymentWallet, PaymentUPI:
		return true
	}
	return false
}

// CancelParty identifies who cancelled a ride.
type CancelParty string

const (
	CancelledByUser   CancelParty = "USER"
	CancelledByDriver CancelParty = "DRIVER"
	CancelledBySystem CancelParty = "SYSTEM"
)

// Stop is an ordered intermediate waypoint between pickup and drop.
type Stop struct {
	Address   string  `json:"address" binding:"required"`
	Latitude  float64 `json:"latitude" binding:"required,min=-90,max=90"`
	Longitude float64 `json:"longitude" binding:"required,min=-180,max=180"`
}

// Ride is a ride record with its full fare breakdown.
type Ride struct {
	ID                 uuid.UUID         `json:"id" db:"id"`
	RideNumber         string            `json:"ride_number" db:"ride_number"`
	RiderID            uuid.UUID         `json:"rider_id" db:"rider_id"`
	DriverID           *uuid.UUID        `json:"driver_id,omitempty" db:"driver_id"`
	VehicleType        fares.VehicleType `json:"vehicle_type" db:"vehicle_type"`
	Status             Status            `json:"status" db:"status"`
	PickupAddress      string            `json:"pickup_address" db:"pickup_address"`
	PickupLatitude     float64           `json:"pickup_latitude" db:"pickup_latitude"`
	PickupLongitude    float64           `json:"pickup_longitude" db:"pickup_longitude"`
	DropAddress        string            `json:"drop_address" db:"drop_address"`
	DropLatitude       float64           `json:"drop_latitude" db:"drop_latitude"`
	DropLongitude      float64           `json:"drop_longitude" db:"drop_longitude"`
	Stops              []Stop            `json:"stops" db:"stops"`
	EstimatedDistance  float64           `json:"estimated_distance" db:"estimated_distance"`
	EstimatedDuration  int               `json:"estimated_duration" db:"estimated_duration"`
	BaseFare           float64           `json:"base_fare" db:"base_fare"`
	DistanceFare       float64           `json:"distance_fare" db:"distance_fare"`
	TimeFare           float64           `json:"time_fare" db:"time_fare"`
	WaitFare           float64           `json:"wait_fare" db:"wait_fare"`
	TollCharges        float64           `json:"toll_charges" db:"toll_charges"`
	SurgeMultiplier    float64           `json:"surge_multiplier" db:"surge_multiplier"`
	Taxes              float64           `json:"taxes" db:"taxes"`
	Tip                float64           `json:"tip" db:"tip"`
	Discount           float64           `json:"discount" db:"discount"`
	TotalFare          float64           `json:"total_fare" db:"total_fare"`
	PaymentMethod      PaymentMethod     `json:"payment_method" db:"payment_method"`
	RideOTP            string            `json:"ride_otp,omitempty" db:"ride_otp"`
	CancelledBy        *CancelParty      `json:"cancelled_by,omitempty" db:"cancelled_by"`
	CancellationReason *string           `json:"cancellation_reason,omitempty" db:"cancellation_reason"`
	CancellationFee    float64           `json:"cancellation_fee" db:"cancellation_fee"`
	RequestedAt        time.Time         `json:"requested_at" db:"requested_at"`
	AcceptedAt         *time.Time        `json:"accepted_at,omitempty" db:"accepted_at"`
	ArrivedAt          *time.Time        `json:"arrived_at,omitempty" db:"arrived_at"`
	StartedAt          *time.Time        `json:"started_at,omitempty" db:"started_at"`
	CompletedAt        *time.Time        `json:"completed_at,omitempty" db:"completed_at"`
	CancelledAt        *time.Time        `json:"cancelled_at,omitempty" db:"cancelled_at"`
	CreatedAt          time.Time         `json:"created_at" db:"created_at"`
	UpdatedAt          time.Time         `json:"updated_at" db:"updated_at"`
}

// Review is feedback left by one ride participant about the other.
type Review struct {
	ID           uuid.UUID `json:"id" db:"id"`
	RideID       uuid.UUID `json:"ride_id" db:"ride_id"`
	ReviewerType string    `json:"reviewer_type" db:"reviewer_type"`
	ReviewerID   uuid.UUID `json:"reviewer_id" db:"reviewer_id"`
	RevieweeID   uuid.UUID `json:"reviewee_id" db:"reviewee_id"`
	Rating       int       `json:"rating" db:"rating"`
	Comment      string    `json:"comment,omitempty" db:"comment"`
	Tags         []string  `json:"tags" db:"tags"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
}

// BookRequest is the rider's booking payload.
type BookRequest struct {
	PickupAddress   string            `json:"pickup_address" binding:"required"`
	PickupLatitude  float64           `json:"pickup_latitude" binding:"required,min=-90,max=90"`
	PickupLongitude float64           `json:"pickup_longitude" binding:"required,min=-180,max=180"`
	DropAddress     string            `json:"drop_address" binding:"required"`
	DropLatitude    float64           `json:"drop_latitude" binding:"required,min=-90,max=90"`
	DropLongitude   float64           `json:"drop_longitude" binding:"required,min=-180,max=180"`
	Stops           []Stop            `json:"stops" binding:"omitempty,max=3,dive"`
	VehicleType     fares.VehicleType `json:"vehicle_type" binding:"required"`
	PaymentMethod   PaymentMethod     `json:"payment_method" binding:"required"`

	// Client-side route estimates; recomputed from coordinates when absent.
	EstimatedDistance float64 `json:"estimated_distance" binding:"omitempty,gt=0"`
	EstimatedDuration int     `json:"estimated_duration" binding:"omitempty,gt=0"`
}

// CancelRequest carries an optional cancellation reason.
type CancelRequest struct {
	Reason string `json:"reason" binding:"omitempty,max=500"`
}

// StartRequest carries the pickup OTP the rider shows the driver.
type StartRequest struct {
	OTP string `json:"otp" binding:"required,len=4,numeric"`
}

// RateRequest is the post-ride review payload.
type RateRequest struct {
	Rating  int      `json:"rating" binding:"required,min=1,max=5"`
	Comment string   `json:"comment" binding:"omitempty,max=1000"`
	Tags    []string `json:"tags" binding:"omitempty,max=10"`
}

// NewRideNumber generates a human-readable ride reference like TG-LX3K9A2F,
// derived from the request timestamp.
func NewRideNumber(at time.Time) string {
	return "TG-" + strings.ToUpper(strconv.FormatInt(at.UnixMilli(), 36))
}

// NewOTP generates the 4-digit pickup code using crypto/rand.
func NewOTP() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(10000))
	if err != nil {
		return "", fmt.Errorf("generate otp: %w", err)
	}
	return fmt.Sprintf("%04d", n.Int64()), nil
}
