package realtime

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/tangoride/tango-backend/internal/drivers"
	"github.com/tangoride/tango-backend/internal/rides"
	"github.com/tangoride/tango-backend/pkg/common"
	"github.com/tangoride/tango-backend/pkg/logger"
	"github.com/tangoride/tango-backend/pkg/middleware"
	ws "github.com/tangoride/tango-backend/pkg/websocket"
	"go.uber.org/zap"
)

// OfferResponder routes driver accept/decline messages to pending offers.
type OfferResponder interface {
	HandleResponse(rideID, driverID uuid.UUID, accepted bool) bool
}

// DriverLocator records driver position pings.
type DriverLocator interface {
	UpdateLocation(ctx context.Context, driverID uuid.UUID, req *drivers.LocationUpdateRequest) (*drivers.Driver, error)
}

// RideLoader authorizes ride room subscriptions.
type RideLoader interface {
	GetByID(ctx context.Context, id uuid.UUID) (*rides.Ride, error)
}

// Handler upgrades WebSocket connections and wires the inbound message
// handlers onto the hub.
type Handler struct {
	hub       *ws.Hub
	service   *Service
	offers    OfferResponder
	locator   DriverLocator
	rideStore RideLoader
	upgrader  websocket.Upgrader
}

// NewHandler creates the realtime handler and registers the message
// handlers.
func NewHandler(hub *ws.Hub, service *Service, offers OfferResponder, locator DriverLocator, rideStore RideLoader) *Handler {
	h := &Handler{
		hub:       hub,
		service:   service,
		offers:    offers,
		locator:   locator,
		rideStore: rideStore,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Browsers cannot set Authorization headers on WebSocket
			// dials; the token query parameter is the auth path, so
			// origin-based rejection adds nothing here.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}

	hub.RegisterHandler(MsgSubscribe, h.handleSubscribe)
	hub.RegisterHandler(MsgUnsubscribe, h.handleUnsubscribe)
	hub.RegisterHandler(MsgLocationUpdate, h.handleLocationUpdate)
	hub.RegisterHandler(MsgRideResponse, h.handleRideResponse)
	return h
}

// HandleWS upgrades the connection. Auth middleware has already validated
// the token (?token= for browser clients).
func (h *Handler) HandleWS(c *gin.Context) {
	userID, err := middleware.GetUserID(c)
	if err != nil {
		common.ErrorResponse(c, http.StatusUnauthorized, "unauthorized")
		return
	}
	role := middleware.GetUserRole(c)

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	client := ws.NewClient(userID.String(), conn, h.hub, role)
	h.hub.Register <- client

	go client.WritePump()
	go client.ReadPump()
}

// handleSubscribe joins the client to a ride room after checking they are a
// participant.
func (h *Handler) handleSubscribe(client *ws.Client, msg *ws.Message) {
	rideID, err := uuid.Parse(msg.RideID)
	if err != nil {
		return
	}

	ctx, cancel := handlerContext()
	defer cancel()

	ride, err := h.rideStore.GetByID(ctx, rideID)
	if err != nil {
		return
	}
	if !isParticipant(ride, client) {
		logger.Warn("ride subscription rejected",
			zap.String("user_id", client.ID),
			zap.String("ride_id", msg.RideID),
		)
		return
	}

	h.hub.JoinRide(client.ID, msg.RideID)
	client.SetRide(msg.RideID)
}

func (h *Handler) handleUnsubscribe(client *ws.Client, msg *ws.Message) {
	if msg.RideID == "" {
		return
	}
	h.hub.LeaveRide(client.ID, msg.RideID)
	client.SetRide("")
}

// handleLocationUpdate records a driver position ping and relays it to the
// active ride's room, if any.
func (h *Handler) handleLocationUpdate(client *ws.Client, msg *ws.Message) {
	if client.Role != middleware.RoleDriver {
		return
	}
	driverID, err := uuid.Parse(client.ID)
	if err != nil {
		return
	}

	lat, latOK := msg.Data["latitude"].(float64)
	lon, lonOK := msg.Data["longitude"].(float64)
	if !latOK || !lonOK {
		return
	}
	heading, _ := msg.Data["heading"].(float64)
	speed, _ := msg.Data["speed"].(float64)

	ctx, cancel := handlerContext()
	defer cancel()

	driver, err := h.locator.UpdateLocation(ctx, driverID, &drivers.LocationUpdateRequest{
		Latitude:  lat,
		Longitude: lon,
		Heading:   heading,
		Speed:     speed,
	})
	if err != nil {
		logger.Debug("location update rejected",
			zap.String("driver_id", client.ID), zap.Error(err))
		return
	}

	if driver.CurrentRideID != nil {
		h.service.DriverLocationChanged(*driver.CurrentRideID, driver)
	}
}

// handleRideResponse feeds a driver's accept/decline into the dispatcher.
// A response for an offer that no longer exists gets a withdrawal back so
// the driver app clears its prompt.
func (h *Handler) handleRideResponse(client *ws.Client, msg *ws.Message) {
	if client.Role != middleware.RoleDriver {
		return
	}
	driverID, err := uuid.Parse(client.ID)
	if err != nil {
		return
	}
	rideID, err := uuid.Parse(msg.RideID)
	if err != nil {
		return
	}

	accepted, _ := msg.Data["accepted"].(bool)
	if !h.offers.HandleResponse(rideID, driverID, accepted) && accepted {
		h.service.OfferWithdrawn(context.Background(), driverID, rideID)
	}
}

func isParticipant(ride *rides.Ride, client *ws.Client) bool {
	if ride.RiderID.String() == client.ID {
		return true
	}
	return ride.DriverID != nil && ride.DriverID.String() == client.ID
}

func handlerContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 5*time.Second)
}
