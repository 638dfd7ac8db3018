package drivers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/tangoride/tango-backend/pkg/common"
	"github.com/tangoride/tango-backend/pkg/middleware"
)

// Handler handles HTTP requests for driver availability and profile.
type Handler struct {
	service *Service
}

// NewHandler creates a new drivers handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes mounts the driver endpoints. The group is expected to be
// protected by auth middleware with the driver role.
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/me", h.GetProfile)
	rg.PATCH("/me", h.UpdateProfile)
	rg.POST("/online", h.GoOnline)
	rg.POST("/offline", h.GoOffline)
	rg.POST("/location", h.UpdateLocation)
	rg.GET("/earnings", h.GetEarnings)
}

// GetProfile returns the authenticated driver's record.
func (h *Handler) GetProfile(c *gin.Context) {
	driverID, err := middleware.GetUserID(c)
	if err != nil {
		common.ErrorResponse(c, http.StatusUnauthorized, "unauthorized")
		return
	}

	driver, err := h.service.Profile(c.Request.Context(), driverID)
	if err != nil {
		common.RespondError(c, err, "failed to load profile")
		return
	}

	common.SuccessResponse(c, driver)
}

// UpdateProfile applies partial edits to the driver's record.
func (h *Handler) UpdateProfile(c *gin.Context) {
	driverID, err := middleware.GetUserID(c)
	if err != nil {
		common.ErrorResponse(c, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req UpdateProfileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		common.ErrorResponse(c, http.StatusBadRequest, err.Error())
		return
	}

	driver, err := h.service.UpdateProfile(c.Request.Context(), driverID, &req)
	if err != nil {
		common.RespondError(c, err, "failed to update profile")
		return
	}

	common.SuccessResponse(c, driver)
}

// GoOnline makes the driver available for dispatch.
func (h *Handler) GoOnline(c *gin.Context) {
	driverID, err := middleware.GetUserID(c)
	if err != nil {
		common.ErrorResponse(c, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req GoOnlineRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		common.ErrorResponse(c, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.service.GoOnline(c.Request.Context(), driverID, &req); err != nil {
		common.RespondError(c, err, "failed to go online")
		return
	}

	common.SuccessMessage(c, "driver is online")
}

// GoOffline withdraws the driver from dispatch.
func (h *Handler) GoOffline(c *gin.Context) {
	driverID, err := middleware.GetUserID(c)
	if err != nil {
		common.ErrorResponse(c, http.StatusUnauthorized, "unauthorized")
		return
	}

	if err := h.service.GoOffline(c.Request.Context(), driverID); err != nil {
		common.RespondError(c, err, "failed to go offline")
		return
	}

	common.SuccessMessage(c, "driver is offline")
}

// UpdateLocation records a position ping.
func (h *Handler) UpdateLocation(c *gin.Context) {
	driverID, err := middleware.GetUserID(c)
	if err != nil {
		common.ErrorResponse(c, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req LocationUpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		common.ErrorResponse(c, http.StatusBadRequest, err.Error())
		return
	}

	if _, err := h.service.UpdateLocation(c.Request.Context(), driverID, &req); err != nil {
		common.RespondError(c, err, "failed to update location")
		return
	}

	common.SuccessMessage(c, "location updated")
}

// GetEarnings aggregates earnings for ?period=today|week|month.
func (h *Handler) GetEarnings(c *gin.Context) {
	driverID, err := middleware.GetUserID(c)
	if err != nil {
		common.ErrorResponse(c, http.StatusUnauthorized, "unauthorized")
		return
	}

	summary, err := h.service.Earnings(c.Request.Context(), driverID, c.Query("period"))
	if err != nil {
		common.RespondError(c, err, "failed to load earnings")
		return
	}

	common.SuccessResponse(c, summary)
}
