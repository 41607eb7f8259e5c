package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/autofix-backend/internal/http/middleware"
)

// ErrorResponse is the error envelope every endpoint returns.
type ErrorResponse struct {
	// Echo of X-Request-ID for support tickets.
	RequestID string `json:"request_id,omitempty" example:"123e4567-e89b-12d3-a456-426614174000"`
	// Stable, machine-readable code (see errors.go).
	Code string `json:"code" example:"slot_conflict"`
	// Safe to show to a driver or mechanic.
	Message string `json:"message" example:"slot already taken: conflict"`
	// Retryable is set when the same request may succeed later without
	// changes, e.g. a supplier outage or a saga step still running.
	Retryable bool `json:"retryable,omitempty" example:"false"`
}

// retryAfter lists codes a client should simply retry, with the suggested
// wait. Slot conflicts are not here: the client must pick another option.
var retryAfter = map[string]int{
	ErrCodeUnavailable:  5,
	ErrCodeIncidentBusy: 1,
}

// fail aborts with an ErrorResponse. 5xx are logged through the request
// logger; retryable codes also get a Retry-After header.
func fail(c *gin.Context, status int, code, msg string) {
	resp := ErrorResponse{
		RequestID: c.Writer.Header().Get("X-Request-ID"),
		Code:      code,
		Message:   msg,
	}
	if secs, ok := retryAfter[code]; ok {
		resp.Retryable = true
		c.Header("Retry-After", strconv.Itoa(secs))
	}

	if status >= http.StatusInternalServerError {
		middleware.LoggerFrom(c).Error().
			Int("status", status).
			Str("code", code).
			Str("message", msg).
			Str("route", c.FullPath()).
			Msg("api error")
	}

	c.AbortWithStatusJSON(status, resp)
}

// Fail is fail for callers outside the package, such as the router's
// NoRoute handler.
func Fail(c *gin.Context, status int, code, msg string) { fail(c, status, code, msg) }

// failErr maps a service error through errorStatus and aborts with it.
// Internal errors are logged with their cause and answered generically.
func failErr(c *gin.Context, err error) {
	status, code := errorStatus(err)
	if status >= http.StatusInternalServerError && code == ErrCodeInternal {
		middleware.LoggerFrom(c).Error().Err(err).Msg("unhandled service error")
		fail(c, status, code, "internal error")
		return
	}
	fail(c, status, code, err.Error())
}

func ok(c *gin.Context, status int, body any) {
	c.JSON(status, body)
}
