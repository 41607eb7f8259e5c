// Dongle ingestion and ad-hoc diagnosis handlers.
//
//   - POST /dongle/diagnostic  (ingest a dongle report)
//   - POST /ai/diagnose        (diagnose codes without opening an incident)
package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/autofix-backend/internal/domain"
	"github.com/tbourn/autofix-backend/internal/services"
)

// HeaderDongleID identifies the reporting dongle when the body omits it.
const HeaderDongleID = "X-Dongle-ID"

// DiagnosticEventRequest is a dongle report.
type DiagnosticEventRequest struct {
	DongleID  string    `json:"dongleId"  example:"dongle-42"`
	VehicleID string    `json:"vehicleId" binding:"required" example:"4b7f0c1e-7a0e-4f7e-9a51-3f2d2b9c8e10"`
	Timestamp time.Time `json:"timestamp" example:"2025-03-01T09:30:00Z"`
	Codes     []string  `json:"codes"     binding:"required,min=1" example:"P0128"`
}

// PostDiagnostic godoc
// @ID          postDiagnostic
// @Summary     Ingest a diagnostic event
// @Description Validates and deduplicates a dongle report. The first report for a vehicle
// @Description without an active incident opens one; later reports attach to it.
// @Tags        Dongle
// @Accept      json
// @Produce     json
//
// @Param       X-Dongle-ID  header  string  false "Dongle ID when absent from the body"  example(dongle-42)
// @Param       body         body    handlers.DiagnosticEventRequest  true  "Diagnostic event"
//
// @Success     202  {object}  services.IntakeResult
// @Failure     400  {object}  handlers.ErrorResponse  "Invalid event"
// @Failure     404  {object}  handlers.ErrorResponse  "Vehicle not found"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /dongle/diagnostic [post]
func (h *Handlers) PostDiagnostic(c *gin.Context) {
	var req DiagnosticEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "vehicleId and at least one code are required")
		return
	}
	dongle := strings.TrimSpace(req.DongleID)
	if dongle == "" {
		dongle = strings.TrimSpace(c.GetHeader(HeaderDongleID))
	}
	res, err := h.intake.Submit(c.Request.Context(), services.DiagnosticEventInput{
		DongleID:  dongle,
		VehicleID: req.VehicleID,
		Timestamp: req.Timestamp,
		Codes:     req.Codes,
	})
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusAccepted, res)
}

// DiagnoseRequest asks for a diagnosis of codes on a vehicle.
type DiagnoseRequest struct {
	VehicleID string   `json:"vehicleId" binding:"required"`
	Codes     []string `json:"codes"     binding:"required,min=1" example:"P0128"`
}

// DiagnoseResponse is the normalized AI answer.
type DiagnoseResponse struct {
	PrimaryIssue       string            `json:"primaryIssue" example:"Coolant thermostat stuck open"`
	RecommendedRepairs []string          `json:"recommendedRepairs"`
	RequiredParts      []domain.PartItem `json:"requiredParts"`
	Severity           string            `json:"severity" example:"medium"`
}

// Diagnose godoc
// @ID          diagnose
// @Summary     Diagnose fault codes
// @Description Runs the diagnosis engine for a vehicle without touching any incident.
// @Tags        AI
// @Accept      json
// @Produce     json
// @Param       body  body  handlers.DiagnoseRequest  true  "Codes to diagnose"
// @Success     200  {object}  handlers.DiagnoseResponse
// @Failure     400  {object}  handlers.ErrorResponse  "Invalid codes"
// @Failure     404  {object}  handlers.ErrorResponse  "Vehicle not found"
// @Failure     502  {object}  handlers.ErrorResponse  "Malformed diagnosis"
// @Failure     503  {object}  handlers.ErrorResponse  "Diagnosis engine unavailable"
// @Router      /ai/diagnose [post]
func (h *Handlers) Diagnose(c *gin.Context) {
	var req DiagnoseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "vehicleId and at least one code are required")
		return
	}
	d, err := h.diagnosis.Preview(c.Request.Context(), req.VehicleID, req.Codes)
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, DiagnoseResponse{
		PrimaryIssue:       d.PrimaryIssue,
		RecommendedRepairs: d.RecommendedRepairs,
		RequiredParts:      d.RequiredParts,
		Severity:           d.Severity,
	})
}
