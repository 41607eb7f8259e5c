// Package middleware holds the Gin middleware shared by every route:
// correlation ids, caller identity, access logs, panic recovery, metrics,
// idempotent replays, rate limits and security headers.
//
// Handlers log through LoggerFrom(c); services receive the same logger on
// the request context and use log.Ctx(ctx).
package middleware

import (
	"net/http"
	"regexp"
	"runtime/debug"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	requestIDKey    = "requestID"
	requestIDHeader = "X-Request-ID"
	loggerKey       = "logger"

	maxQueryLogLength = 2048
	maxRequestIDLen   = 128
)

// requestIDPattern is what an upstream correlation ID may contain. Anything
// else (newlines, quotes, spaces) is replaced so it cannot forge log lines.
var requestIDPattern = regexp.MustCompile(`^[A-Za-z0-9._:\-]+$`)

// resourceParams maps route parameters to the log field naming the saga
// resource, so every line for /mechanic/job/:jobId carries job_id.
var resourceParams = []struct{ param, field string }{
	{"vehicleId", "vehicle_id"},
	{"orderId", "order_id"},
	{"apptId", "appointment_id"},
	{"jobId", "job_id"},
}

// RequestID reuses a well-formed X-Request-ID or generates a UUID, then
// echoes it on the response and stores it in the context.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		rid := c.GetHeader(requestIDHeader)
		if rid == "" || len(rid) > maxRequestIDLen || !requestIDPattern.MatchString(rid) {
			rid = uuid.NewString()
		}
		c.Set(requestIDKey, rid)
		c.Writer.Header().Set(requestIDHeader, rid)
		c.Next()
	}
}

// Logger writes one access line per request and attaches a scoped logger
// carrying the correlation id, caller ids and any saga resource id from
// the route. Used in debug mode; production runs RedactingLogger.
func Logger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		rid, _ := c.Get(requestIDKey)
		uid, _ := c.Get(userIDKey)
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		lc := log.With().
			Str("request_id", asString(rid)).
			Str("user_id", asString(uid)).
			Str("method", c.Request.Method).
			Str("path", path).
			Str("remote_ip", c.ClientIP()).
			Str("user_agent", c.Request.UserAgent()).
			Str("query", truncate(c.Request.URL.RawQuery, maxQueryLogLength)).
			Int64("bytes_in", c.Request.ContentLength)
		if d := c.GetHeader(HeaderDongleID); d != "" {
			lc = lc.Str("dongle_id", truncate(d, maxUserIDLen))
		}
		if m := c.GetHeader(headerMechanicID); m != "" {
			lc = lc.Str("mechanic_id", truncate(m, maxUserIDLen))
		}
		lc = withResourceIDs(c, lc)
		l := lc.Logger()
		attachLogger(c, &l)

		c.Next()

		status := c.Writer.Status()
		ev := l.With().
			Int("status", status).
			Dur("latency", time.Since(start)).
			Int("bytes_out", c.Writer.Size()).
			Bool("replay", IsReplay(c)).
			Logger()

		switch {
		case len(c.Errors) > 0:
			ev.Error().Str("errors", c.Errors.String()).Msg("request")
		case status >= 500:
			ev.Error().Msg("request")
		case status >= 400:
			ev.Warn().Msg("request")
		default:
			ev.Info().Msg("request")
		}
	}
}

// withResourceIDs adds vehicle/order/appointment/job ids from the route.
// Incident routes use the generic :id, which is an incident id unless the
// route is under /mechanics.
func withResourceIDs(c *gin.Context, lc zerolog.Context) zerolog.Context {
	for _, rp := range resourceParams {
		if v := c.Param(rp.param); v != "" {
			lc = lc.Str(rp.field, truncate(v, maxUserIDLen))
		}
	}
	if id := c.Param("id"); id != "" && strings.Contains(c.FullPath(), "/incidents/") {
		lc = lc.Str("incident_id", truncate(id, maxUserIDLen))
	}
	return lc
}

// Recovery turns a panic into a JSON 500 and logs the stack through the
// request logger. If the handler already wrote, only the status is set.
func Recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			v, _ := c.Get(requestIDKey)
			rid := asString(v)
			LoggerFrom(c).Error().
				Interface("panic", rec).
				Bytes("stack", debug.Stack()).
				Str("request_id", rid).
				Msg("panic recovered")

			if c.Writer.Written() {
				c.AbortWithStatus(http.StatusInternalServerError)
				return
			}
			c.Header(requestIDHeader, rid)
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
				"request_id": rid,
				"code":       "internal_error",
				"message":    "internal server error",
			})
		}()
		c.Next()
	}
}

// LoggerFrom returns the scoped logger, or the global one when no logging
// middleware ran.
func LoggerFrom(c *gin.Context) *zerolog.Logger {
	if v, ok := c.Get(loggerKey); ok {
		if lg, ok := v.(*zerolog.Logger); ok {
			return lg
		}
	}
	l := log.With().Logger()
	return &l
}

// attachLogger stores l in the Gin context and in the request context.
func attachLogger(c *gin.Context, l *zerolog.Logger) {
	c.Set(loggerKey, l)
	c.Request = c.Request.WithContext(l.WithContext(c.Request.Context()))
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

// truncate cuts s to max bytes plus an ellipsis. max <= 0 disables it.
func truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	return s[:max] + "…"
}
