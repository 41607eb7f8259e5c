package middleware

import (
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// keyFunc maps a request to a bucket key of the form "<class>:<id>".
type keyFunc func(*gin.Context) string

// KeyByUserOrIP keys on the caller identity set by Identity and falls back
// to the client IP.
func KeyByUserOrIP() keyFunc {
	return func(c *gin.Context) string {
		if v, ok := c.Get(userIDKey); ok {
			if s, ok := v.(string); ok && s != "" {
				return "user:" + s
			}
		}
		return "ip:" + c.ClientIP()
	}
}

// KeyByDongleUserOrIP buckets dongle traffic per device (X-Dongle-ID) so one
// chatty dongle cannot starve others behind the same NAT, then falls back to
// KeyByUserOrIP.
func KeyByDongleUserOrIP() keyFunc {
	byUser := KeyByUserOrIP()
	return func(c *gin.Context) string {
		if d := strings.TrimSpace(c.GetHeader(HeaderDongleID)); d != "" && len(d) <= maxUserIDLen {
			return "dongle:" + d
		}
		return byUser(c)
	}
}

// RateClass is one token-bucket shape.
type RateClass struct {
	RPS   float64
	Burst int
}

// RateLimitOptions configures NewRateLimiter.
type RateLimitOptions struct {
	// Default applies to user and IP keys.
	Default RateClass
	// Dongle applies to "dongle:" keys. A zero value falls back to Default.
	Dongle RateClass
	// IdleTTL evicts buckets unused for this long. Defaults to 10 minutes.
	IdleTTL time.Duration
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter keeps one token bucket per key, shaped by the key's class.
// Idle buckets are swept every sweepEvery lookups. Safe for concurrent use.
type RateLimiter struct {
	def    RateClass
	dongle RateClass
	keyFn  keyFunc

	mu       sync.Mutex
	visitors map[string]*visitor
	ttl      time.Duration
	lookups  uint64
}

const sweepEvery = 5000

// NewRateLimiter builds a limiter. Burst values below 1 are raised to 1.
func NewRateLimiter(opts RateLimitOptions, keyFn keyFunc) *RateLimiter {
	def := normalizeClass(opts.Default)
	dongle := def
	if opts.Dongle.RPS > 0 || opts.Dongle.Burst > 0 {
		dongle = normalizeClass(opts.Dongle)
	}
	ttl := opts.IdleTTL
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &RateLimiter{
		def:      def,
		dongle:   dongle,
		keyFn:    keyFn,
		visitors: make(map[string]*visitor),
		ttl:      ttl,
	}
}

func normalizeClass(rc RateClass) RateClass {
	if rc.Burst < 1 {
		rc.Burst = 1
	}
	if rc.RPS < 0 {
		rc.RPS = 0
	}
	return rc
}

// classOf returns the bucket class name and shape for key.
func (rl *RateLimiter) classOf(key string) (string, RateClass) {
	class, _, _ := strings.Cut(key, ":")
	if class == "dongle" {
		return class, rl.dongle
	}
	return class, rl.def
}

// limiterFor returns the bucket for key, creating it if needed. The sweep
// runs before the lookup so a stale bucket for key is replaced too.
func (rl *RateLimiter) limiterFor(key string) *rate.Limiter {
	now := time.Now()
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.lookups++
	if rl.lookups >= sweepEvery {
		for k, v := range rl.visitors {
			if now.Sub(v.lastSeen) >= rl.ttl {
				delete(rl.visitors, k)
			}
		}
		rl.lookups = 0
	}

	if v, ok := rl.visitors[key]; ok {
		v.lastSeen = now
		return v.limiter
	}
	_, rc := rl.classOf(key)
	lim := rate.NewLimiter(rate.Limit(rc.RPS), rc.Burst)
	rl.visitors[key] = &visitor{limiter: lim, lastSeen: now}
	return lim
}

// IsRateBypass reports whether Idempotency served this request as a replay.
func IsRateBypass(c *gin.Context) bool {
	v, ok := c.Get(ctxKeyRateBypass)
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}

// Handler enforces the per-key limits. Replays pass without spending a
// token. A rejected request gets 429 with Retry-After set to the whole
// seconds until the bucket refills.
func (rl *RateLimiter) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if IsRateBypass(c) {
			c.Next()
			return
		}

		key := rl.keyFn(c)
		res := rl.limiterFor(key).Reserve()
		wait := time.Duration(-1)
		if res.OK() {
			if wait = res.Delay(); wait == 0 {
				c.Next()
				return
			}
			res.Cancel()
		}

		class, _ := rl.classOf(key)
		httpRateLimited.WithLabelValues(class).Inc()
		c.Header("Retry-After", strconv.Itoa(retryAfterSeconds(wait)))
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"request_id": c.Writer.Header().Get(requestIDHeader),
			"code":       "rate_limited",
			"message":    "rate limit exceeded",
		})
	}
}

// retryAfterSeconds rounds up to whole seconds; unknown waits map to 1.
func retryAfterSeconds(d time.Duration) int {
	if d <= 0 {
		return 1
	}
	return int(math.Ceil(d.Seconds()))
}
