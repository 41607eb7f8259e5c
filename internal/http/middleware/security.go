package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

// apiCSP locks JSON responses down completely; nothing they return should
// ever be rendered as a document.
const apiCSP = "default-src 'none'; frame-ancestors 'none'"

// docsCSP lets the bundled Swagger UI load its own scripts and styles.
const docsCSP = "default-src 'self'; script-src 'self' 'unsafe-inline'; style-src 'self' 'unsafe-inline'; img-src 'self' data:"

// SecurityOptions configures SecurityHeaders.
type SecurityOptions struct {
	// EnableHSTS emits Strict-Transport-Security on HTTPS requests only.
	EnableHSTS bool
	// HSTSMaxAge defaults to 180 days.
	HSTSMaxAge time.Duration
	// NoStore marks every response uncacheable. Most routes leave this off
	// and use NoStore() per group instead.
	NoStore bool
	// EnablePolicy sends Permissions-Policy. Location access stays denied:
	// the backend receives coordinates from dongles, never from browsers.
	EnablePolicy bool
	// DocsPrefix is served with a relaxed CSP. Empty means "/swagger/".
	DocsPrefix string
	// Expose lists response headers browser clients may read. X-Request-ID
	// is always included.
	Expose []string
}

// SecurityHeaders hardens every response. API routes get a deny-all CSP;
// the docs prefix gets one that lets the UI render.
func SecurityHeaders(opt SecurityOptions) gin.HandlerFunc {
	maxAge := int(opt.HSTSMaxAge / time.Second)
	if maxAge <= 0 {
		maxAge = int((180 * 24 * time.Hour) / time.Second)
	}
	hsts := "max-age=" + strconv.Itoa(maxAge) + "; includeSubDomains"

	docs := opt.DocsPrefix
	if docs == "" {
		docs = "/swagger/"
	}
	expose := mergeHeaderList(nil, append([]string{requestIDHeader}, opt.Expose...)...)

	return func(c *gin.Context) {
		h := c.Writer.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("Referrer-Policy", "no-referrer")

		if strings.HasPrefix(c.Request.URL.Path, docs) {
			h.Set("Content-Security-Policy", docsCSP)
			h.Set("X-Frame-Options", "SAMEORIGIN")
		} else {
			h.Set("Content-Security-Policy", apiCSP)
			h.Set("X-Frame-Options", "DENY")
		}

		if opt.EnablePolicy {
			h.Set("Permissions-Policy", "geolocation=(), camera=(), microphone=(), payment=(), usb=()")
			h.Set("X-Permitted-Cross-Domain-Policies", "none")
		}
		if opt.NoStore {
			setNoStore(h)
		}
		if opt.EnableHSTS && isHTTPS(c.Request) {
			h.Set("Strict-Transport-Security", hsts)
		}

		const hdr = "Access-Control-Expose-Headers"
		h.Set(hdr, strings.Join(mergeHeaderList(splitHeaderList(h.Get(hdr)), expose...), ", "))

		c.Next()
	}
}

// NoStore marks responses as uncacheable. Used on routes that return
// payment or administrative data.
func NoStore() gin.HandlerFunc {
	return func(c *gin.Context) {
		setNoStore(c.Writer.Header())
		c.Next()
	}
}

func setNoStore(h http.Header) {
	h.Set("Cache-Control", "no-store")
	h.Set("Pragma", "no-cache")
	h.Set("Expires", "0")
}

// isHTTPS trusts X-Forwarded-Proto from the proxy in front of us.
func isHTTPS(r *http.Request) bool {
	if r.TLS != nil {
		return true
	}
	return strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https")
}

func splitHeaderList(v string) []string {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// mergeHeaderList appends names not already present, comparing
// case-insensitively and keeping first-seen order.
func mergeHeaderList(dst []string, names ...string) []string {
	seen := make(map[string]struct{}, len(dst)+len(names))
	for _, n := range dst {
		seen[http.CanonicalHeaderKey(n)] = struct{}{}
	}
	for _, n := range names {
		k := http.CanonicalHeaderKey(strings.TrimSpace(n))
		if k == "" {
			continue
		}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		dst = append(dst, n)
	}
	return dst
}
