// Appointment handlers.
//
//   - POST /appointments/auto              (propose slots)
//   - POST /appointments/{apptId}/confirm  (book a proposed slot)
//
// Proposals write nothing; a slot id is a signed token that Confirm verifies
// before claiming calendar cells.
package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// AutoScheduleRequest asks for slot options.
type AutoScheduleRequest struct {
	VehicleID  string `json:"vehicleId"  binding:"required"`
	RepairType string `json:"repairType" example:"Replace thermostat"`
}

// ConfirmResponse describes a booked appointment.
type ConfirmResponse struct {
	ID         string    `json:"id"`
	IncidentID string    `json:"incidentId"`
	MechanicID string    `json:"mechanicId"`
	Start      time.Time `json:"start"`
	End        time.Time `json:"end"`
}

// AutoSchedule godoc
// @ID          autoSchedule
// @Summary     Propose appointment slots
// @Description Returns the earliest feasible slots ordered by start, then travel distance.
// @Tags        Appointments
// @Accept      json
// @Produce     json
// @Param       body  body  handlers.AutoScheduleRequest  true  "Scheduling request"
// @Success     200  {object}  services.AutoScheduleOptions
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request"
// @Failure     404  {object}  handlers.ErrorResponse  "No active incident or no feasible slot"
// @Failure     409  {object}  handlers.ErrorResponse  "Safety-critical part unavailable"
// @Router      /appointments/auto [post]
func (h *Handlers) AutoSchedule(c *gin.Context) {
	var req AutoScheduleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "vehicleId is required")
		return
	}
	opts, err := h.scheduling.ProposeSlots(c.Request.Context(), req.VehicleID, req.RepairType)
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, opts)
}

// ConfirmAppointment godoc
// @ID          confirmAppointment
// @Summary     Confirm a proposed slot
// @Description Books the slot atomically and creates the job. A slot_conflict means another
// @Description booking won; propose again.
// @Tags        Appointments
// @Produce     json
// @Param       apptId  path  string  true  "Slot ID from /appointments/auto"
// @Success     200  {object}  handlers.ConfirmResponse
// @Failure     400  {object}  handlers.ErrorResponse  "Invalid slot id"
// @Failure     409  {object}  handlers.ErrorResponse  "Slot taken, proposal expired or parts blocked"
// @Router      /appointments/{apptId}/confirm [post]
func (h *Handlers) ConfirmAppointment(c *gin.Context) {
	appt, err := h.workflow.ConfirmAppointment(c.Request.Context(), c.Param("apptId"))
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, ConfirmResponse{
		ID:         appt.ID,
		IncidentID: appt.IncidentID,
		MechanicID: appt.MechanicID,
		Start:      appt.Start,
		End:        appt.End,
	})
}
