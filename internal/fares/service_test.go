package fares

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tangoride/tango-backend/pkg/common"
)

type stubConfigStore struct {
	configs []*Config
	err     error
}

func (s *stubConfigStore) GetActiveConfigs(context.Context) ([]*Config, error) {
	return s.configs, s.err
}

func (s *stubConfigStore) GetActiveConfig(_ context.Context, vehicleType VehicleType) (*Config, error) {
	if s.err != nil {
		return nil, s.err
	}
	for _, cfg := range s.configs {
		if cfg.VehicleType == vehicleType {
			return cfg, nil
		}
	}
	return nil, ErrConfigNotFound
}

func miniConfig() *Config {
	return &Config{
		VehicleType:   VehicleMini,
		BaseFare:      50,
		PerKmRate:     12,
		PerMinuteRate: 1.5,
		MinimumFare:   60,
		IsActive:      true,
	}
}

func TestEstimate_FareBand(t *testing.T) {
	svc := NewService(&stubConfigStore{configs: []*Config{miniConfig()}})

	// base=50, perKm=12, perMin=1.5, d=5, t=18 -> total 137, min 123, max 151
	estimates, err := svc.Estimate(context.Background(), 5, 18)
	require.NoError(t, err)
	require.Len(t, estimates, 1)

	est := estimates[0]
	assert.Equal(t, VehicleMini, est.VehicleType)
	assert.Equal(t, 123.0, est.EstimatedFare.Min)
	assert.Equal(t, 151.0, est.EstimatedFare.Max)
	assert.Equal(t, "INR", est.EstimatedFare.Currency)
	assert.Equal(t, 1.0, est.SurgeMultiplier)
	assert.True(t, est.Available)
}

func TestEstimate_MinimumFareFloor(t *testing.T) {
	cfg := miniConfig()
	cfg.MinimumFare = 200
	svc := NewService(&stubConfigStore{configs: []*Config{cfg}})

	estimates, err := svc.Estimate(context.Background(), 5, 18)
	require.NoError(t, err)
	require.Len(t, estimates, 1)

	// 0.9 * 137 = 123.3 is below the configured minimum, so 200 applies.
	assert.Equal(t, 200.0, estimates[0].EstimatedFare.Min)
}

func TestEstimate_StoreFailure(t *testing.T) {
	svc := NewService(&stubConfigStore{err: errors.New("db down")})

	_, err := svc.Estimate(context.Background(), 5, 18)
	require.Error(t, err)

	var appErr *common.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, 500, appErr.Code)
}

func TestQuoteForBooking_Breakdown(t *testing.T) {
	svc := NewService(&stubConfigStore{configs: []*Config{miniConfig()}})

	quote, err := svc.QuoteForBooking(context.Background(), VehicleMini, 5, 18)
	require.NoError(t, err)

	assert.Equal(t, 50.0, quote.BaseFare)
	assert.Equal(t, 60.0, quote.DistanceFare)
	assert.Equal(t, 27.0, quote.TimeFare)
	assert.Equal(t, 6.85, quote.Taxes) // 5% of 137
	assert.Equal(t, 143.85, quote.TotalFare)
	assert.Equal(t, 1.0, quote.SurgeMultiplier)
	assert.Zero(t, quote.WaitFare)
	assert.Zero(t, quote.TollCharges)
	assert.Zero(t, quote.Tip)
	assert.Zero(t, quote.Discount)
}

func TestQuoteForBooking_UnknownVehicleType(t *testing.T) {
	svc := NewService(&stubConfigStore{configs: []*Config{miniConfig()}})

	_, err := svc.QuoteForBooking(context.Background(), VehiclePremium, 5, 18)
	require.Error(t, err)

	var appErr *common.AppError
	require.ErrorAs(t, err, &appErr)
	assert.ErrorIs(t, appErr, common.ErrInvalidState)
}
