package rides

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/tangoride/tango-backend/internal/fares"
	"github.com/tangoride/tango-backend/pkg/common"
	"github.com/tangoride/tango-backend/pkg/middleware"
)

// Handler handles HTTP requests for the ride lifecycle.
type Handler struct {
	service *Service
}

// NewHandler creates a new rides handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRiderRoutes mounts the rider-facing endpoints. The group is
// expected to be protected by auth middleware with the rider role.
func (h *Handler) RegisterRiderRoutes(rg *gin.RouterGroup) {
	rg.POST("/estimate", h.Estimate)
	rg.POST("", h.Book)
	rg.GET("/active", h.Active)
	rg.GET("/history", h.History)
	rg.GET("/:id", h.Get)
	rg.PATCH("/:id/cancel", h.Cancel)
	rg.POST("/:id/rate", h.Rate)
}

// RegisterDriverRoutes mounts the driver-side ride progress endpoints.
func (h *Handler) RegisterDriverRoutes(rg *gin.RouterGroup) {
	rg.GET("/active", h.Active)
	rg.GET("/history", h.History)
	rg.GET("/:id", h.Get)
	rg.POST("/:id/accept", h.Accept)
	rg.POST("/:id/decline", h.Decline)
	rg.POST("/:id/arriving", h.Arriving)
	rg.POST("/:id/arrived", h.Arrived)
	rg.POST("/:id/start", h.Start)
	rg.POST("/:id/complete", h.Complete)
	rg.PATCH("/:id/cancel", h.Cancel)
	rg.POST("/:id/rate", h.Rate)
}

// Estimate prices all vehicle classes for a pickup/drop pair.
func (h *Handler) Estimate(c *gin.Context) {
	var req fares.EstimateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		common.ErrorResponse(c, http.StatusBadRequest, err.Error())
		return
	}

	estimates, err := h.service.EstimateFares(c.Request.Context(), &req)
	if err != nil {
		common.RespondError(c, err, "failed to estimate fares")
		return
	}

	common.SuccessResponse(c, estimates)
}

// Book creates a new ride request and starts the driver search.
func (h *Handler) Book(c *gin.Context) {
	riderID, err := middleware.GetUserID(c)
	if err != nil {
		common.ErrorResponse(c, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req BookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		common.ErrorResponse(c, http.StatusBadRequest, err.Error())
		return
	}

	ride, err := h.service.Book(c.Request.Context(), riderID, &req)
	if err != nil {
		common.RespondError(c, err, "failed to book ride")
		return
	}

	common.CreatedResponse(c, ride)
}

// Get returns a single ride for one of its participants.
func (h *Handler) Get(c *gin.Context) {
	userID, rideID, role, ok := h.callerAndRide(c)
	if !ok {
		return
	}

	ride, err := h.service.Get(c.Request.Context(), userID, role, rideID)
	if err != nil {
		common.RespondError(c, err, "failed to load ride")
		return
	}

	common.SuccessResponse(c, ride)
}

// Active returns the caller's in-flight ride.
func (h *Handler) Active(c *gin.Context) {
	userID, err := middleware.GetUserID(c)
	if err != nil {
		common.ErrorResponse(c, http.StatusUnauthorized, "unauthorized")
		return
	}

	ride, err := h.service.Active(c.Request.Context(), userID, middleware.GetUserRole(c))
	if err != nil {
		common.RespondError(c, err, "failed to load active ride")
		return
	}

	common.SuccessResponse(c, ride)
}

// History pages through finished rides, ?limit= and ?offset=.
func (h *Handler) History(c *gin.Context) {
	userID, err := middleware.GetUserID(c)
	if err != nil {
		common.ErrorResponse(c, http.StatusUnauthorized, "unauthorized")
		return
	}

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))

	result, err := h.service.History(c.Request.Context(), userID, middleware.GetUserRole(c), limit, offset)
	if err != nil {
		common.RespondError(c, err, "failed to load ride history")
		return
	}

	common.SuccessResponse(c, result)
}

// Cancel ends a ride before the trip starts.
func (h *Handler) Cancel(c *gin.Context) {
	userID, rideID, role, ok := h.callerAndRide(c)
	if !ok {
		return
	}

	var req CancelRequest
	if err := c.ShouldBindJSON(&req); err != nil && err.Error() != "EOF" {
		common.ErrorResponse(c, http.StatusBadRequest, err.Error())
		return
	}

	ride, err := h.service.Cancel(c.Request.Context(), userID, role, rideID, &req)
	if err != nil {
		common.RespondError(c, err, "failed to cancel ride")
		return
	}

	common.SuccessResponse(c, ride)
}

// Accept answers an outstanding dispatch offer over REST, for app clients
// without a live socket. Runs the same assignment path as the socket response.
func (h *Handler) Accept(c *gin.Context) {
	driverID, rideID, _, ok := h.callerAndRide(c)
	if !ok {
		return
	}

	ride, err := h.service.RespondToOffer(c.Request.Context(), driverID, rideID, true)
	if err != nil {
		common.RespondError(c, err, "failed to accept ride")
		return
	}

	common.SuccessResponse(c, ride)
}

// Decline turns down an outstanding dispatch offer over REST.
func (h *Handler) Decline(c *gin.Context) {
	driverID, rideID, _, ok := h.callerAndRide(c)
	if !ok {
		return
	}

	if _, err := h.service.RespondToOffer(c.Request.Context(), driverID, rideID, false); err != nil {
		common.RespondError(c, err, "failed to decline ride")
		return
	}

	common.SuccessResponse(c, gin.H{"declined": true})
}

// Arriving marks the driver as en route to the pickup.
func (h *Handler) Arriving(c *gin.Context) {
	h.driverProgress(c, h.service.Arriving)
}

// Arrived marks the driver as waiting at the pickup point.
func (h *Handler) Arrived(c *gin.Context) {
	h.driverProgress(c, h.service.Arrived)
}

// Start begins the trip after OTP verification.
func (h *Handler) Start(c *gin.Context) {
	driverID, rideID, _, ok := h.callerAndRide(c)
	if !ok {
		return
	}

	var req StartRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		common.ErrorResponse(c, http.StatusBadRequest, err.Error())
		return
	}

	ride, err := h.service.Start(c.Request.Context(), driverID, rideID, &req)
	if err != nil {
		common.RespondError(c, err, "failed to start ride")
		return
	}

	common.SuccessResponse(c, ride)
}

// Complete finishes the trip.
func (h *Handler) Complete(c *gin.Context) {
	h.driverProgress(c, h.service.Complete)
}

// Rate records a post-ride review.
func (h *Handler) Rate(c *gin.Context) {
	userID, rideID, role, ok := h.callerAndRide(c)
	if !ok {
		return
	}

	var req RateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		common.ErrorResponse(c, http.StatusBadRequest, err.Error())
		return
	}

	review, err := h.service.Rate(c.Request.Context(), userID, role, rideID, &req)
	if err != nil {
		common.RespondError(c, err, "failed to rate ride")
		return
	}

	common.CreatedResponse(c, review)
}

func (h *Handler) driverProgress(c *gin.Context, op func(ctx context.Context, driverID, rideID uuid.UUID) (*Ride, error)) {
	driverID, rideID, _, ok := h.callerAndRide(c)
	if !ok {
		return
	}

	ride, err := op(c.Request.Context(), driverID, rideID)
	if err != nil {
		common.RespondError(c, err, "failed to update ride")
		return
	}

	common.SuccessResponse(c, ride)
}

func (h *Handler) callerAndRide(c *gin.Context) (uuid.UUID, uuid.UUID, string, bool) {
	userID, err := middleware.GetUserID(c)
	if err != nil {
		common.ErrorResponse(c, http.StatusUnauthorized, "unauthorized")
		return uuid.Nil, uuid.Nil, "", false
	}

	rideID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		common.ErrorResponse(c, http.StatusBadRequest, "invalid ride id")
		return uuid.Nil, uuid.Nil, "", false
	}

	return userID, rideID, middleware.GetUserRole(c), true
}
