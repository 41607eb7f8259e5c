// Vehicle HTTP handlers.
//
//   - POST /vehicles                       (register)
//   - GET  /vehicles/{vehicleId}           (read)
//   - GET  /vehicles/{vehicleId}/incident  (active or latest incident)
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/autofix-backend/internal/services"
)

// RegisterVehicleRequest is the JSON payload for registering a vehicle.
type RegisterVehicleRequest struct {
	VIN       string   `json:"vin"   binding:"required" example:"1HGCM82633A004352"`
	Make      string   `json:"make"  binding:"required" example:"Honda"`
	Model     string   `json:"model" binding:"required" example:"Accord"`
	Year      int      `json:"year"  binding:"required" example:"2019"`
	Latitude  *float64 `json:"latitude,omitempty"  example:"51.5072"`
	Longitude *float64 `json:"longitude,omitempty" example:"-0.1276"`
}

// RegisterVehicle godoc
// @ID          registerVehicle
// @Summary     Register a vehicle
// @Description Stores a vehicle for the current user. The VIN must be unique.
// @Tags        Vehicles
// @Accept      json
// @Produce     json
//
// @Param       X-User-ID  header  string  false "User ID (demo header)"  example(user123)
// @Param       body       body    handlers.RegisterVehicleRequest  true  "Vehicle payload"
//
// @Success     201  {object}  domain.Vehicle
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request"
// @Failure     409  {object}  handlers.ErrorResponse  "VIN already registered"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /vehicles [post]
func (h *Handlers) RegisterVehicle(c *gin.Context) {
	var req RegisterVehicleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "vin, make, model and year are required")
		return
	}
	v, err := h.vehicles.Register(c.Request.Context(), services.VehicleInput{
		UserID:    userID(c),
		VIN:       req.VIN,
		Make:      req.Make,
		Model:     req.Model,
		Year:      req.Year,
		Latitude:  req.Latitude,
		Longitude: req.Longitude,
	})
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusCreated, v)
}

// GetVehicle godoc
// @ID          getVehicle
// @Summary     Get a vehicle
// @Tags        Vehicles
// @Produce     json
// @Param       vehicleId  path  string  true  "Vehicle ID"  format(uuid)
// @Success     200  {object}  domain.Vehicle
// @Failure     404  {object}  handlers.ErrorResponse  "Vehicle not found"
// @Router      /vehicles/{vehicleId} [get]
func (h *Handlers) GetVehicle(c *gin.Context) {
	v, err := h.vehicles.Get(c.Request.Context(), c.Param("vehicleId"))
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, v)
}

// GetVehicleIncident godoc
// @ID          getVehicleIncident
// @Summary     Get the vehicle's incident
// @Description Returns the active incident with its diagnosis, parts order, appointment, job and charge.
// @Description When no incident is active the most recent one is returned.
// @Tags        Vehicles
// @Produce     json
// @Param       vehicleId  path  string  true  "Vehicle ID"  format(uuid)
// @Success     200  {object}  services.IncidentView
// @Failure     404  {object}  handlers.ErrorResponse  "Vehicle or incident not found"
// @Router      /vehicles/{vehicleId}/incident [get]
func (h *Handlers) GetVehicleIncident(c *gin.Context) {
	view, err := h.workflow.ActiveForVehicle(c.Request.Context(), c.Param("vehicleId"))
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, view)
}
