package middleware

import (
	"net/url"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// RedactOptions configures RedactingLogger.
type RedactOptions struct {
	// MaskHeaders are replaced with "[REDACTED]" in addition to
	// Authorization, Cookie, Set-Cookie and Idempotency-Key.
	MaskHeaders []string
	// CoordDecimals is how many decimals lat/lng query values keep.
	// Defaults to 2 (roughly 1 km).
	CoordDecimals int
}

type redactRule struct {
	re   *regexp.Regexp
	with string
}

// Rules run in order. Card numbers and ids go before phones so the looser
// phone pattern never eats their digit groups.
var redactRules = []redactRule{
	{regexp.MustCompile(`(?i)\b[0-9a-f]{8}-[0-9a-f]{4}-[1-5][0-9a-f]{3}-[89ab][0-9a-f]{3}-[0-9a-f]{12}\b`), "[REDACTED:id]"},
	{regexp.MustCompile(`\b(?:\d[ -]?){12,18}\d\b`), "[REDACTED:card]"},
	{regexp.MustCompile(`\b[A-HJ-NPR-Z0-9]{17}\b`), "[REDACTED:vin]"},
	{regexp.MustCompile(`(?i)\b[a-z0-9._%+\-]+@[a-z0-9.\-]+\.[a-z]{2,}\b`), "[REDACTED:email]"},
	{regexp.MustCompile(`\b(?:\+?\d{1,3}[ .-]?)?(?:\(?\d{2,4}\)?[ .-]?)?\d{3,4}[ .-]?\d{4}\b`), "[REDACTED:phone]"},
}

// redactText applies every pattern rule to s.
func redactText(s string) string {
	for _, r := range redactRules {
		if s == "" {
			return s
		}
		s = r.re.ReplaceAllString(s, r.with)
	}
	return s
}

// coordParams are coarsened rather than dropped so support can still tell
// roughly where a breakdown happened.
var coordParams = map[string]struct{}{"lat": {}, "lng": {}, "lon": {}, "latitude": {}, "longitude": {}}

// secretParams never appear in logs.
var secretParams = map[string]struct{}{"token": {}, "proposal_token": {}, "access_token": {}}

// redactQuery scrubs each query value by parameter name, then by pattern.
// Keys come out sorted; values are left unescaped for readability.
func redactQuery(raw string, decimals int) string {
	if raw == "" {
		return ""
	}
	vals, err := url.ParseQuery(raw)
	if err != nil {
		return redactText(raw)
	}
	keys := make([]string, 0, len(vals))
	for k := range vals {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		lk := strings.ToLower(k)
		for _, v := range vals[k] {
			switch {
			case hasKey(secretParams, lk):
				v = "[REDACTED]"
			case hasKey(coordParams, lk):
				v = coarsen(v, decimals)
			default:
				v = redactText(v)
			}
			parts = append(parts, redactText(k)+"="+v)
		}
	}
	return strings.Join(parts, "&")
}

func hasKey(m map[string]struct{}, k string) bool {
	_, ok := m[k]
	return ok
}

func coarsen(v string, decimals int) string {
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		return "[REDACTED]"
	}
	return strconv.FormatFloat(f, 'f', decimals, 64)
}

// RedactingLogger logs one line per request with identifiers scrubbed from
// the path, query and headers. Bodies are never logged. Dongle and mechanic
// IDs stay readable; they are device and staff ids, not customer data.
// Level is info, warn for 4xx and error for 5xx.
func RedactingLogger(opts RedactOptions) gin.HandlerFunc {
	decimals := opts.CoordDecimals
	if decimals <= 0 {
		decimals = 2
	}
	masked := map[string]struct{}{
		"authorization":   {},
		"cookie":          {},
		"set-cookie":      {},
		"idempotency-key": {},
	}
	for _, h := range opts.MaskHeaders {
		if h = strings.ToLower(strings.TrimSpace(h)); h != "" {
			masked[h] = struct{}{}
		}
	}
	plain := map[string]struct{}{
		strings.ToLower(HeaderDongleID):   {},
		strings.ToLower(headerMechanicID): {},
		strings.ToLower(requestIDHeader):  {},
	}

	return func(c *gin.Context) {
		start := time.Now()

		path := c.FullPath()
		if path == "" {
			path = redactText(c.Request.URL.Path)
		}
		query := redactQuery(c.Request.URL.RawQuery, decimals)

		headers := make(map[string]string, len(c.Request.Header))
		for k, vv := range c.Request.Header {
			lk := strings.ToLower(k)
			v := strings.Join(vv, ", ")
			switch {
			case hasKey(masked, lk):
				headers[k] = "[REDACTED]"
			case hasKey(plain, lk):
				headers[k] = truncate(v, maxUserIDLen)
			default:
				headers[k] = redactText(v)
			}
		}

		rid := c.Writer.Header().Get(requestIDHeader)
		if rid == "" {
			rid = c.GetHeader(requestIDHeader)
		}
		uid, _ := c.Get(userIDKey)
		l := log.With().
			Str("request_id", rid).
			Str("user_id", asString(uid)).
			Str("method", c.Request.Method).
			Str("path", path).
			Logger()
		attachLogger(c, &l)

		c.Next()

		status := c.Writer.Status()
		ev := log.Info()
		switch {
		case status >= 500:
			ev = log.Error()
		case status >= 400:
			ev = log.Warn()
		}
		ev.
			Str("request_id", rid).
			Str("method", c.Request.Method).
			Str("path", path).
			Str("query", query).
			Str("caller", callerClass(c)).
			Int("status", status).
			Int("bytes", c.Writer.Size()).
			Dur("latency", time.Since(start)).
			Bool("replay", IsReplay(c)).
			Interface("headers", headers).
			Msg("http_request")
	}
}
