package geoindex

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tangoride/tango-backend/pkg/logger"
	redisclient "github.com/tangoride/tango-backend/pkg/redis"
	"github.com/tangoride/tango-backend/pkg/resilience"
)

func init() {
	logger.Init("test")
}

func newTestService(t *testing.T) (*Service, redismock.ClientMock) {
	t.Helper()
	db, mock := redismock.NewClientMock()
	return NewService(redisclient.NewFromClient(db), nil), mock
}

func TestNearby_SortedCandidates(t *testing.T) {
	svc, mock := newTestService(t)

	near := uuid.New()
	far := uuid.New()
	mock.ExpectGeoRadius(driverGeoKey, 77.59, 12.97, &redis.GeoRadiusQuery{
		Radius:   5,
		Unit:     "km",
		WithDist: true,
		Count:    10,
		Sort:     "ASC",
	}).SetVal([]redis.GeoLocation{
		{Name: near.String(), Dist: 0.8},
		{Name: far.String(), Dist: 3.2},
		{Name: "not-a-uuid"},
	})

	ids := svc.Nearby(context.Background(), 12.97, 77.59, 5, 10)

	require.Len(t, ids, 2)
	assert.Equal(t, near, ids[0])
	assert.Equal(t, far, ids[1])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestNearby_RedisDownReturnsEmpty(t *testing.T) {
	svc, mock := newTestService(t)

	mock.ExpectGeoRadius(driverGeoKey, 77.59, 12.97, &redis.GeoRadiusQuery{
		Radius:   5,
		Unit:     "km",
		WithDist: true,
		Count:    10,
		Sort:     "ASC",
	}).SetErr(errors.New("connection refused"))

	ids := svc.Nearby(context.Background(), 12.97, 77.59, 5, 10)

	assert.Empty(t, ids)
}

func TestNearby_BreakerOpenReturnsEmpty(t *testing.T) {
	db, _ := redismock.NewClientMock()
	breaker := resilience.NewCircuitBreaker(resilience.Settings{
		Name:             "geo-test",
		FailureThreshold: 1,
		Timeout:          time.Minute,
	})
	svc := NewService(redisclient.NewFromClient(db), breaker)

	// First call fails against the unexpecting mock and trips the breaker;
	// subsequent calls short-circuit without touching Redis.
	_ = svc.Nearby(context.Background(), 12.97, 77.59, 5, 10)
	ids := svc.Nearby(context.Background(), 12.97, 77.59, 5, 10)

	assert.Empty(t, ids)
}

func TestAdd_WriteFailureIsDropped(t *testing.T) {
	svc, mock := newTestService(t)

	driverID := uuid.New()
	mock.ExpectGeoAdd(driverGeoKey, &redis.GeoLocation{
		Longitude: 77.59,
		Latitude:  12.97,
		Name:      driverID.String(),
	}).SetErr(errors.New("connection refused"))

	// Must not panic or surface the error to the caller.
	svc.Add(context.Background(), driverID, 12.97, 77.59, 90, 12.5)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRemove(t *testing.T) {
	svc, mock := newTestService(t)

	driverID := uuid.New()
	mock.ExpectZRem(driverGeoKey, driverID.String()).SetVal(1)
	mock.ExpectDel(driverLocationPrefix + driverID.String()).SetVal(1)

	svc.Remove(context.Background(), driverID)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLocation(t *testing.T) {
	svc, mock := newTestService(t)

	driverID := uuid.New()
	loc := DriverLocation{
		DriverID:  driverID,
		Latitude:  12.97,
		Longitude: 77.59,
		UpdatedAt: time.Now().UTC().Truncate(time.Second),
	}
	data, err := json.Marshal(loc)
	require.NoError(t, err)
	mock.ExpectGet(driverLocationPrefix + driverID.String()).SetVal(string(data))

	got, err := svc.Location(context.Background(), driverID)

	require.NoError(t, err)
	assert.Equal(t, driverID, got.DriverID)
	assert.Equal(t, 12.97, got.Latitude)
	assert.Equal(t, 77.59, got.Longitude)
}

func TestLocation_Missing(t *testing.T) {
	svc, mock := newTestService(t)

	driverID := uuid.New()
	mock.ExpectGet(driverLocationPrefix + driverID.String()).RedisNil()

	_, err := svc.Location(context.Background(), driverID)

	assert.Error(t, err)
}
