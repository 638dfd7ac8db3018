package geoindex

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/tangoride/tango-backend/pkg/logger"
	redisclient "github.com/tangoride/tango-backend/pkg/redis"
	"github.com/tangoride/tango-backend/pkg/resilience"
	"go.uber.org/zap"
)

const (
	driverGeoKey         = "drivers:available"
	driverLocationPrefix = "driver:location:"
	driverLocationTTL    = 5 * time.Minute
)

// DriverLocation is the last reported position of an online driver.
type DriverLocation struct {
	DriverID  uuid.UUID `json:"driver_id"`
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Heading   float64   `json:"heading,omitempty"`
	Speed     float64   `json:"speed,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Service maintains the ephemeral spatial set of online drivers in Redis.
// All calls degrade gracefully: when Redis is unreachable or the breaker is
// open, reads return empty results and writes are dropped with a warning,
// so booking and dispatch never fail because the geo store is down.
type Service struct {
	redis   redisclient.ClientInterface
	breaker *resilience.CircuitBreaker
}

// NewService creates a geo index service. breaker may be nil to disable
// circuit breaking (tests).
func NewService(redis redisclient.ClientInterface, breaker *resilience.CircuitBreaker) *Service {
	return &Service{redis: redis, breaker: breaker}
}

// Add inserts or refreshes the driver's entry in the spatial set and stores
// the detailed location snapshot with a freshness TTL.
func (s *Service) Add(ctx context.Context, driverID uuid.UUID, latitude, longitude, heading, speed float64) {
	loc := &DriverLocation{
		DriverID:  driverID,
		Latitude:  latitude,
		Longitude: longitude,
		Heading:   heading,
		Speed:     speed,
		UpdatedAt: time.Now().UTC(),
	}

	_, err := s.execute(ctx, func(ctx context.Context) (interface{}, error) {
		if err := s.redis.GeoAdd(ctx, driverGeoKey, longitude, latitude, driverID.String()); err != nil {
			return nil, err
		}

		data, err := json.Marshal(loc)
		if err != nil {
			return nil, err
		}
		key := driverLocationPrefix + driverID.String()
		return nil, s.redis.SetWithExpiration(ctx, key, data, driverLocationTTL)
	})
	if err != nil {
		logger.WarnContext(ctx, "geo index write dropped",
			zap.String("driver_id", driverID.String()),
			zap.Error(err),
		)
	}
}

// Remove drops the driver from the spatial set, e.g. when going offline.
func (s *Service) Remove(ctx context.Context, driverID uuid.UUID) {
	_, err := s.execute(ctx, func(ctx context.Context) (interface{}, error) {
		if err := s.redis.GeoRemove(ctx, driverGeoKey, driverID.String()); err != nil {
			return nil, err
		}
		return nil, s.redis.Delete(ctx, driverLocationPrefix+driverID.String())
	})
	if err != nil {
		logger.WarnContext(ctx, "geo index remove dropped",
			zap.String("driver_id", driverID.String()),
			zap.Error(err),
		)
	}
}

// Nearby returns the ids of drivers within radiusKm of the point, closest
// first. An unreachable geo store yields an empty slice, never an error.
func (s *Service) Nearby(ctx context.Context, latitude, longitude, radiusKm float64, limit int) []uuid.UUID {
	result, err := s.execute(ctx, func(ctx context.Context) (interface{}, error) {
		return s.redis.GeoRadius(ctx, driverGeoKey, longitude, latitude, radiusKm, limit)
	})
	if err != nil {
		logger.WarnContext(ctx, "geo radius query failed, returning no candidates", zap.Error(err))
		return nil
	}

	members, _ := result.([]string)
	ids := make([]uuid.UUID, 0, len(members))
	for _, member := range members {
		id, err := uuid.Parse(member)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids
}

// Location returns the detailed snapshot for a driver, if still fresh.
func (s *Service) Location(ctx context.Context, driverID uuid.UUID) (*DriverLocation, error) {
	result, err := s.execute(ctx, func(ctx context.Context) (interface{}, error) {
		return s.redis.GetString(ctx, driverLocationPrefix+driverID.String())
	})
	if err != nil {
		return nil, fmt.Errorf("driver location unavailable: %w", err)
	}

	data, _ := result.(string)
	var loc DriverLocation
	if err := json.Unmarshal([]byte(data), &loc); err != nil {
		return nil, fmt.Errorf("corrupt driver location entry: %w", err)
	}
	return &loc, nil
}

func (s *Service) execute(ctx context.Context, op resilience.Operation) (interface{}, error) {
	if s.breaker == nil {
		return op(ctx)
	}
	return s.breaker.Execute(ctx, op)
}
