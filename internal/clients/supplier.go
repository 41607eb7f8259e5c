package clients

import (
	"context"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"

	"github.com/tbourn/autofix-backend/internal/services"
)

// SupplierClient talks to a supplier gateway that fronts every supplier:
//
//	POST   {base}/orders              place (Idempotency-Key header)
//	DELETE {base}/orders/:ref         cancel
//	POST   {base}/orders/:ref/return  return delivered parts
type SupplierClient struct {
	http *resty.Client
}

var _ services.Supplier = (*SupplierClient)(nil)

// NewSupplierClient builds a SupplierClient.
func NewSupplierClient(baseURL, apiKey string, timeout time.Duration) *SupplierClient {
	return &SupplierClient{http: newRestClient(baseURL, apiKey, timeout)}
}

// PlaceOrder places one supplier group. Repeating the idempotency key returns
// the original acknowledgement.
func (c *SupplierClient) PlaceOrder(ctx context.Context, order services.SupplierOrder) (*services.SupplierAck, error) {
	var ack services.SupplierAck
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Idempotency-Key", order.IdempotencyKey).
		SetBody(order).
		SetResult(&ack).
		SetError(&APIError{}).
		Post("/orders")
	if err := classify("supplier", resp, err); err != nil {
		log.Ctx(ctx).Debug().Err(err).Str("supplier", order.Supplier).Msg("supplier place failed")
		return nil, err
	}
	return &ack, nil
}

// CancelOrder cancels a placed order. An order the supplier no longer knows is
// treated as already cancelled.
func (c *SupplierClient) CancelOrder(ctx context.Context, supplier, reference string) error {
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("supplier", supplier).
		SetPathParam("ref", reference).
		SetError(&APIError{}).
		Delete("/orders/{ref}")
	if err == nil && resp.StatusCode() == http.StatusNotFound {
		return nil
	}
	return classify("supplier", resp, err)
}

// ReturnOrder returns parts that were already delivered.
func (c *SupplierClient) ReturnOrder(ctx context.Context, supplier, reference string) error {
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("supplier", supplier).
		SetPathParam("ref", reference).
		SetError(&APIError{}).
		Post("/orders/{ref}/return")
	return classify("supplier", resp, err)
}
