// Parts procurement handlers.
//
//   - POST /parts/order                    (order parts for a vehicle's incident)
//   - POST /parts/orders/{orderId}/status  (supplier status callback)
package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/autofix-backend/internal/domain"
)

// OrderPartsRequest orders parts for the vehicle's active incident. When
// parts is empty the diagnosis' required parts are ordered.
type OrderPartsRequest struct {
	VehicleID string            `json:"vehicleId" binding:"required"`
	Parts     []domain.PartItem `json:"parts"`
}

// OrderPartsResponse acknowledges an order.
type OrderPartsResponse struct {
	OrderID string             `json:"orderId"`
	Status  string             `json:"status" example:"placed"`
	Order   *domain.PartsOrder `json:"order"`
}

// OrderParts godoc
// @ID          orderParts
// @Summary     Order parts
// @Description Groups parts by supplier and places one request per supplier. Re-ordering for the
// @Description same incident returns the existing order; a failed order is retried for its failed groups.
// @Tags        Parts
// @Accept      json
// @Produce     json
//
// @Param       Idempotency-Key  header  string  false "Idempotency key for safe retries"
// @Param       body             body    handlers.OrderPartsRequest  true  "Order payload"
//
// @Success     200  {object}  handlers.OrderPartsResponse
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request"
// @Failure     404  {object}  handlers.ErrorResponse  "No active incident"
// @Failure     409  {object}  handlers.ErrorResponse  "Incident not ready for parts"
// @Router      /parts/order [post]
func (h *Handlers) OrderParts(c *gin.Context) {
	var req OrderPartsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "vehicleId is required")
		return
	}
	o, err := h.workflow.OrderParts(c.Request.Context(), req.VehicleID, req.Parts)
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, OrderPartsResponse{OrderID: o.ID, Status: o.Status, Order: o})
}

// SupplierStatusRequest is a supplier's asynchronous status update.
type SupplierStatusRequest struct {
	Supplier string     `json:"supplier" binding:"required" example:"acme"`
	Status   string     `json:"status"   binding:"required,oneof=placed unavailable fulfilled" example:"fulfilled"`
	ETA      *time.Time `json:"eta,omitempty"`
}

// SupplierStatus godoc
// @ID          supplierStatus
// @Summary     Supplier status callback
// @Description Records a supplier group status and recomputes the order.
// @Tags        Parts
// @Accept      json
// @Produce     json
// @Param       orderId  path  string  true  "Parts order ID"  format(uuid)
// @Param       body     body  handlers.SupplierStatusRequest  true  "Status update"
// @Success     200  {object}  domain.PartsOrder
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request"
// @Failure     404  {object}  handlers.ErrorResponse  "Order or supplier group not found"
// @Router      /parts/orders/{orderId}/status [post]
func (h *Handlers) SupplierStatus(c *gin.Context) {
	var req SupplierStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "supplier and status (placed|unavailable|fulfilled) are required")
		return
	}
	o, err := h.workflow.SupplierStatus(c.Request.Context(), c.Param("orderId"), req.Supplier, req.Status, req.ETA)
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, o)
}
