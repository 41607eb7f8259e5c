// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// This file implements idempotency for unsafe HTTP methods. A request that
// carries an Idempotency-Key header is scoped to (user, route, path params);
// the first successful response is captured and persisted, and a retry with
// the same key is answered from the store without re-running the handler.
//
// Downstream components can:
//   - read the normalized key (GetIdempotencyKey)
//   - detect replayed requests (IsReplay)
//   - bypass rate limiting when a replay is served (via an internal flag)
package middleware

import (
	"bytes"
	"context"
	"net/http"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/autofix-backend/internal/domain"
)

// HeaderIdempotencyKey is the canonical request header that clients use to
// convey an idempotency key for unsafe operations (e.g., POST).
const HeaderIdempotencyKey = "Idempotency-Key"

// HeaderIdempotencyReplayed marks a response served from the store.
const HeaderIdempotencyReplayed = "Idempotency-Replayed"

const (
	ctxKeyIdemKey    = "idem.key"
	ctxKeyIdemReplay = "idem.replay" // bool: true when a stored replay was served
	ctxKeyRateBypass = "rate.bypass" // bool: true to skip rate limiting
)

// GetIdempotencyKey returns the validated idempotency key stored in the Gin
// context by Idempotency. The second return value indicates presence.
func GetIdempotencyKey(c *gin.Context) (string, bool) {
	v, ok := c.Get(ctxKeyIdemKey)
	if !ok {
		return "", false
	}
	s, _ := v.(string)
	return s, s != ""
}

// IsReplay reports whether the response was served from a stored record.
func IsReplay(c *gin.Context) bool {
	v, ok := c.Get(ctxKeyIdemReplay)
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}

// IdempotencyStore persists captured responses.
//
// Get returns the live record for the tuple or an error when there is none.
// Save may fail with a duplicate error when a concurrent request stored first;
// the middleware ignores that.
type IdempotencyStore interface {
	Get(ctx context.Context, userID, scope, key string, now time.Time) (*domain.Idempotency, error)
	Save(ctx context.Context, userID, scope, key string, status int, contentType string, body []byte, ttl time.Duration) error
}

// IdempotencyOptions configures Idempotency.
type IdempotencyOptions struct {
	// MaxLen caps the accepted key length. Values <= 0 default to 200.
	MaxLen int
	// Pattern restricts allowed characters. If nil, a conservative RFC7230-like
	// token pattern is used: ^[A-Za-z0-9._~\-:]+$
	Pattern *regexp.Regexp
	// TTL is how long a captured response can be replayed. Values <= 0
	// default to 24h.
	TTL time.Duration
	// MaxBody caps the captured body; larger responses are not stored.
	// Values <= 0 default to 1 MiB.
	MaxBody int
}

// Idempotency validates the Idempotency-Key header on POST/PUT/PATCH/DELETE,
// replays a stored response when one exists, and otherwise captures the
// handler's 2xx response for later replays.
//
// Behavior:
//   - Safe methods and requests without the header pass through untouched.
//   - A malformed key is rejected with 400.
//   - Store lookup failures never block the request; it runs normally.
//   - Only 2xx responses are captured, so a failed attempt can be retried
//     with the same key.
func Idempotency(opts IdempotencyOptions, store IdempotencyStore) gin.HandlerFunc {
	maxLen := opts.MaxLen
	if maxLen <= 0 {
		maxLen = 200
	}
	pat := opts.Pattern
	if pat == nil {
		pat = regexp.MustCompile(`^[A-Za-z0-9._~\-:]+$`)
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	maxBody := opts.MaxBody
	if maxBody <= 0 {
		maxBody = 1 << 20
	}

	return func(c *gin.Context) {
		if !unsafeMethod(c.Request.Method) {
			c.Next()
			return
		}
		key := c.GetHeader(HeaderIdempotencyKey)
		if key == "" {
			c.Next()
			return
		}
		if len(key) > maxLen || !pat.MatchString(key) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"request_id": c.Writer.Header().Get(requestIDHeader),
				"code":       "bad_idempotency_key",
				"message":    "invalid Idempotency-Key",
			})
			return
		}
		c.Set(ctxKeyIdemKey, key)
		if store == nil {
			c.Next()
			return
		}

		ctx := c.Request.Context()
		uid := userIDFromCtx(c)
		scope := idempotencyScope(c)

		if rec, err := store.Get(ctx, uid, scope, key, time.Now().UTC()); err == nil && rec != nil {
			c.Set(ctxKeyIdemReplay, true)
			c.Set(ctxKeyRateBypass, true)
			c.Header(HeaderIdempotencyReplayed, "true")
			ct := rec.ContentType
			if ct == "" {
				ct = "application/json; charset=utf-8"
			}
			c.Data(rec.Status, ct, rec.Body)
			c.Abort()
			return
		}

		cw := &captureWriter{ResponseWriter: c.Writer, limit: maxBody}
		c.Writer = cw
		c.Next()

		status := cw.Status()
		if status < 200 || status >= 300 || cw.overflow {
			return
		}
		// The response is already written; persist even if the client left.
		_ = store.Save(context.WithoutCancel(ctx), uid, scope, key, status,
			cw.Header().Get("Content-Type"), cw.buf.Bytes(), ttl)
	}
}

// captureWriter tees the response body into a bounded buffer.
type captureWriter struct {
	gin.ResponseWriter
	buf      bytes.Buffer
	limit    int
	overflow bool
}

func (w *captureWriter) Write(b []byte) (int, error) {
	w.tee(b)
	return w.ResponseWriter.Write(b)
}

func (w *captureWriter) WriteString(s string) (int, error) {
	w.tee([]byte(s))
	return w.ResponseWriter.WriteString(s)
}

func (w *captureWriter) tee(b []byte) {
	if w.overflow {
		return
	}
	if w.buf.Len()+len(b) > w.limit {
		w.overflow = true
		w.buf.Reset()
		return
	}
	w.buf.Write(b)
}

func unsafeMethod(m string) bool {
	switch m {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}

// idempotencyScope is the method, matched route and path parameters, so the
// same key on two different resources never collides.
func idempotencyScope(c *gin.Context) string {
	route := c.FullPath()
	if route == "" {
		route = c.Request.URL.Path
	}
	var b strings.Builder
	b.WriteString(c.Request.Method)
	b.WriteByte(' ')
	b.WriteString(route)
	params := make([]string, 0, len(c.Params))
	for _, p := range c.Params {
		params = append(params, p.Key+"="+p.Value)
	}
	sort.Strings(params)
	for _, p := range params {
		b.WriteByte(' ')
		b.WriteString(p)
	}
	return b.String()
}

// userIDFromCtx extracts the user identifier set by the Identity middleware,
// falling back to "demo-user".
func userIDFromCtx(c *gin.Context) string {
	if v, ok := c.Get(userIDKey); ok {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	return "demo-user"
}
