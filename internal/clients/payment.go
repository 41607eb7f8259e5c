package clients

import (
	"context"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"

	"github.com/tbourn/autofix-backend/internal/services"
)

// PaymentClient charges users through POST {base}/charges. A 402 answer is a
// decline, not an error.
type PaymentClient struct {
	http *resty.Client
}

var _ services.PaymentProcessor = (*PaymentClient)(nil)

// NewPaymentClient builds a PaymentClient.
func NewPaymentClient(baseURL, apiKey string, timeout time.Duration) *PaymentClient {
	return &PaymentClient{http: newRestClient(baseURL, apiKey, timeout)}
}

// Charge submits req. The idempotency key is sent as a header so a repeated
// request settles to the same transaction.
func (c *PaymentClient) Charge(ctx context.Context, req services.PaymentRequest) (*services.PaymentResult, error) {
	var out services.PaymentResult
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Idempotency-Key", req.IdempotencyKey).
		SetBody(req).
		SetResult(&out).
		SetError(&out).
		Post("/charges")
	if err == nil && resp.StatusCode() == http.StatusPaymentRequired {
		out.Approved = false
		if out.DeclineReason == "" {
			out.DeclineReason = "declined"
		}
		log.Ctx(ctx).Info().Str("transaction_id", out.TransactionID).Str("reason", out.DeclineReason).Msg("payment declined")
		return &out, nil
	}
	if err := classify("payment", resp, err); err != nil {
		return nil, err
	}
	return &out, nil
}
