package clients

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"

	"github.com/tbourn/autofix-backend/internal/services"
)

// AIClient calls a remote diagnosis engine at POST {base}/diagnose.
type AIClient struct {
	http *resty.Client
}

var _ services.DiagnosisEngine = (*AIClient)(nil)

// NewAIClient builds an AIClient. timeout caps a single HTTP exchange; the
// caller's context may be shorter.
func NewAIClient(baseURL, apiKey string, timeout time.Duration) *AIClient {
	return &AIClient{http: newRestClient(baseURL, apiKey, timeout)}
}

// Diagnose sends the codes and returns the engine's raw answer.
func (c *AIClient) Diagnose(ctx context.Context, req services.DiagnosisRequest) (*services.DiagnosisResult, error) {
	var out services.DiagnosisResult
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&out).
		SetError(&APIError{}).
		Post("/diagnose")
	if resp != nil && resp.IsSuccess() && err != nil {
		return nil, fmt.Errorf("%w: %v", services.ErrMalformedDiagnosis, err)
	}
	if err := classify("ai", resp, err); err != nil {
		log.Ctx(ctx).Debug().Err(err).Str("vehicle_id", req.VehicleID).Msg("ai diagnose failed")
		return nil, err
	}
	return &out, nil
}
