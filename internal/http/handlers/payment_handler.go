package handlers

import (
	"math"
	"net/http"

	"github.com/gin-gonic/gin"
)

// ChargeRequest charges a completed job. Amount is in major currency units;
// AmountCents takes precedence when set.
type ChargeRequest struct {
	UserID      string  `json:"userId"`
	JobID       string  `json:"jobId" binding:"required"`
	Amount      float64 `json:"amount" example:"220.00"`
	AmountCents int64   `json:"amountCents,omitempty" example:"22000"`
}

// ChargeResponse reports the charge outcome. A declined payment is reported
// with status "failed" and the processor's reason.
type ChargeResponse struct {
	ChargeID      string `json:"chargeId"`
	Status        string `json:"status" example:"succeeded"`
	TransactionID string `json:"transactionId,omitempty"`
	AmountCents   int64  `json:"amountCents"`
	Error         string `json:"error,omitempty"`
}

// ChargePayment godoc
// @ID          chargePayment
// @Summary     Charge a completed job
// @Description Charges a job exactly once: an existing pending or succeeded charge is returned
// @Description unchanged and a failed one is retried. The outcome closes the job's incident.
// @Tags        Payments
// @Accept      json
// @Produce     json
//
// @Param       Idempotency-Key  header  string  false "Idempotency key for safe retries"
// @Param       body             body    handlers.ChargeRequest  true  "Charge payload"
//
// @Success     200  {object}  handlers.ChargeResponse
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request"
// @Failure     404  {object}  handlers.ErrorResponse  "Job not found"
// @Failure     409  {object}  handlers.ErrorResponse  "Job not completed"
// @Router      /payments/charge [post]
func (h *Handlers) ChargePayment(c *gin.Context) {
	var req ChargeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "jobId is required")
		return
	}
	cents := req.AmountCents
	if cents == 0 {
		cents = int64(math.Round(req.Amount * 100))
	}
	uid := req.UserID
	if uid == "" {
		uid = userID(c)
	}
	ch, err := h.workflow.ChargeJob(c.Request.Context(), req.JobID, uid, cents)
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, ChargeResponse{
		ChargeID:      ch.ID,
		Status:        ch.Status,
		TransactionID: ch.TransactionID,
		AmountCents:   ch.AmountCents,
		Error:         ch.LastError,
	})
}
