// Package clients implements the outbound capabilities of the workflow: the
// AI diagnosis engine, the parts suppliers and the payment processor. Each
// has a resty-based HTTP client and an in-process simulator that is used when
// no endpoint is configured.
package clients

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/tbourn/autofix-backend/internal/services"
)

// ErrRejected is a permanent 4xx answer from a capability.
var ErrRejected = errors.New("request rejected")

// APIError carries the body of a non-2xx answer.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func newRestClient(baseURL, apiKey string, timeout time.Duration) *resty.Client {
	c := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
	if apiKey != "" {
		c.SetAuthToken(apiKey)
	}
	// Retries belong to the calling service so attempts are counted once.
	c.SetRetryCount(0)
	return c
}

// classify turns a resty outcome into the error contract of the services
// layer: transport failures, timeouts, 5xx, 408 and 429 are transient;
// other 4xx are permanent.
func classify(capability string, resp *resty.Response, err error) error {
	status := 0
	if resp != nil {
		status = resp.StatusCode()
	}
	if err != nil {
		if status >= 200 && status < 300 {
			return fmt.Errorf("%s: decode response: %w", capability, err)
		}
		return services.Unavailable(capability, err)
	}
	switch {
	case status >= 200 && status < 300:
		return nil
	case status >= 500, status == http.StatusTooManyRequests, status == http.StatusRequestTimeout:
		return services.Unavailable(capability, fmt.Errorf("status %d", status))
	default:
		msg := strings.TrimSpace(string(resp.Body()))
		if e, ok := resp.Error().(*APIError); ok && e.Message != "" {
			msg = e.Message
		}
		return fmt.Errorf("%s: status %d: %s: %w", capability, status, msg, ErrRejected)
	}
}
