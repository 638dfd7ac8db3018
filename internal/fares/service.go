package fares

import (
	"context"
	"errors"
	"math"

	"github.com/tangoride/tango-backend/pkg/common"
)

const (
	taxRate     = 0.05 // GST applied on base + distance + time components
	estimateETA = 5    // minutes, shown per vehicle class pre-booking
	currency    = "INR"
)

// ConfigStore is the fare configuration lookup used by the service.
type ConfigStore interface {
	GetActiveConfigs(ctx context.Context) ([]*Config, error)
	GetActiveConfig(ctx context.Context, vehicleType VehicleType) (*Config, error)
}

// Service computes fare estimates and booking quotes.
type Service struct {
	store ConfigStore
}

// NewService creates a fares service.
func NewService(store ConfigStore) *Service {
	return &Service{store: store}
}

// Estimate returns a fare band for every active vehicle class. The band is
// ±10% around the computed total, floored at the configured minimum fare.
func (s *Service) Estimate(ctx context.Context, distanceKm float64, durationMin int) ([]*Estimate, error) {
	configs, err := s.store.GetActiveConfigs(ctx)
	if err != nil {
		return nil, common.NewInternalErrorWithCause("failed to load fare configurations", err)
	}

	estimates := make([]*Estimate, 0, len(configs))
	for _, cfg := range configs {
		total := cfg.BaseFare + distanceKm*cfg.PerKmRate + float64(durationMin)*cfg.PerMinuteRate
		minFare := math.Max(total*0.9, cfg.MinimumFare)

		estimates = append(estimates, &Estimate{
			VehicleType: cfg.VehicleType,
			EstimatedFare: FareRange{
				Min:      math.Round(minFare),
				Max:      math.Round(total * 1.1),
				Currency: currency,
			},
			EstimatedDistance: distanceKm,
			EstimatedDuration: durationMin,
			ETAMinutes:        estimateETA,
			SurgeMultiplier:   1.0,
			Available:         true,
		})
	}

	return estimates, nil
}

// QuoteForBooking computes the full fare breakdown stored on the ride at
// booking time. It is never recomputed afterwards.
func (s *Service) QuoteForBooking(ctx context.Context, vehicleType VehicleType, distanceKm float64, durationMin int) (*Quote, error) {
	cfg, err := s.store.GetActiveConfig(ctx, vehicleType)
	if err != nil {
		if errors.Is(err, ErrConfigNotFound) {
			return nil, common.NewInvalidStateError("vehicle type not available")
		}
		return nil, common.NewInternalErrorWithCause("failed to load fare configuration", err)
	}

	distanceFare := distanceKm * cfg.PerKmRate
	timeFare := float64(durationMin) * cfg.PerMinuteRate
	subtotal := cfg.BaseFare + distanceFare + timeFare
	taxes := subtotal * taxRate

	return &Quote{
		BaseFare:        cfg.BaseFare,
		DistanceFare:    round2(distanceFare),
		TimeFare:        round2(timeFare),
		SurgeMultiplier: 1.0,
		Taxes:           round2(taxes),
		TotalFare:       round2(subtotal + taxes),
	}, nil
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
