// Incident handlers: read-side views and manual interventions.
//
//   - GET  /incidents/{id}
//   - GET  /incidents/{id}/history
//   - POST /incidents/{id}/cancel
//   - POST /incidents/{id}/diagnosis/retry
//   - POST /incidents/{id}/billing/retry
//   - POST /incidents/{id}/parts/retry
package handlers

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/autofix-backend/internal/domain"
)

// HistoryResponse lists an incident's transitions oldest first.
type HistoryResponse struct {
	IncidentID  string                      `json:"incidentId"`
	Transitions []domain.IncidentTransition `json:"transitions"`
}

// CancelIncidentRequest optionally explains a cancellation.
type CancelIncidentRequest struct {
	Reason string `json:"reason" binding:"max=500" example:"customer declined repair"`
}

// GetIncident godoc
// @ID          getIncident
// @Summary     Get an incident
// @Tags        Incidents
// @Produce     json
// @Param       id  path  string  true  "Incident ID"  format(uuid)
// @Success     200  {object}  services.IncidentView
// @Failure     404  {object}  handlers.ErrorResponse  "Incident not found"
// @Router      /incidents/{id} [get]
func (h *Handlers) GetIncident(c *gin.Context) {
	view, err := h.workflow.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, view)
}

// IncidentHistory godoc
// @ID          incidentHistory
// @Summary     Incident transition history
// @Tags        Incidents
// @Produce     json
// @Param       id  path  string  true  "Incident ID"  format(uuid)
// @Success     200  {object}  handlers.HistoryResponse
// @Failure     404  {object}  handlers.ErrorResponse  "Incident not found"
// @Router      /incidents/{id}/history [get]
func (h *Handlers) IncidentHistory(c *gin.Context) {
	id := c.Param("id")
	items, err := h.workflow.History(c.Request.Context(), id)
	if err != nil {
		failErr(c, err)
		return
	}
	if items == nil {
		items = []domain.IncidentTransition{}
	}
	ok(c, http.StatusOK, HistoryResponse{IncidentID: id, Transitions: items})
}

// CancelIncident godoc
// @ID          cancelIncident
// @Summary     Cancel an incident
// @Description Cancels the job, releases the calendar and compensates the parts order.
// @Description A completed incident cannot be cancelled.
// @Tags        Incidents
// @Accept      json
// @Produce     json
// @Param       id    path  string  true   "Incident ID"  format(uuid)
// @Param       body  body  handlers.CancelIncidentRequest  false  "Reason"
// @Success     200  {object}  domain.Incident
// @Failure     404  {object}  handlers.ErrorResponse  "Incident not found"
// @Failure     409  {object}  handlers.ErrorResponse  "Invalid transition"
// @Router      /incidents/{id}/cancel [post]
func (h *Handlers) CancelIncident(c *gin.Context) {
	var req CancelIncidentRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "reason must be at most 500 characters")
		return
	}
	inc, err := h.workflow.Cancel(c.Request.Context(), c.Param("id"), strings.TrimSpace(req.Reason))
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, inc)
}

// RetryDiagnosis godoc
// @ID          retryDiagnosis
// @Summary     Retry a failed diagnosis
// @Tags        Incidents
// @Produce     json
// @Param       id  path  string  true  "Incident ID"  format(uuid)
// @Success     200  {object}  domain.Incident
// @Failure     409  {object}  handlers.ErrorResponse  "Incident not in diagnosis_failed"
// @Failure     503  {object}  handlers.ErrorResponse  "Diagnosis engine unavailable"
// @Router      /incidents/{id}/diagnosis/retry [post]
func (h *Handlers) RetryDiagnosis(c *gin.Context) {
	inc, err := h.workflow.RetryDiagnosis(c.Request.Context(), c.Param("id"))
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, inc)
}

// RetryBilling godoc
// @ID          retryBilling
// @Summary     Retry a failed charge
// @Tags        Incidents
// @Produce     json
// @Param       id  path  string  true  "Incident ID"  format(uuid)
// @Success     200  {object}  domain.Charge
// @Failure     409  {object}  handlers.ErrorResponse  "Incident not in billing_failed"
// @Router      /incidents/{id}/billing/retry [post]
func (h *Handlers) RetryBilling(c *gin.Context) {
	ch, err := h.workflow.RetryBilling(c.Request.Context(), c.Param("id"))
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, ch)
}

// RetryParts godoc
// @ID          retryParts
// @Summary     Retry failed supplier groups
// @Tags        Incidents
// @Produce     json
// @Param       id  path  string  true  "Incident ID"  format(uuid)
// @Success     200  {object}  domain.PartsOrder
// @Failure     409  {object}  handlers.ErrorResponse  "Incident not awaiting parts"
// @Router      /incidents/{id}/parts/retry [post]
func (h *Handlers) RetryParts(c *gin.Context) {
	o, err := h.workflow.RetryParts(c.Request.Context(), c.Param("id"))
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, o)
}
