package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"
)

const (
	// userIDKey is the Gin context key holding the caller's identity.
	userIDKey = "userID"
	// HeaderUserID carries the caller identity set by the upstream gateway.
	HeaderUserID = "X-User-ID"
	// HeaderDongleID identifies a reporting dongle.
	HeaderDongleID = "X-Dongle-ID"

	maxUserIDLen = 64
)

// Identity copies the X-User-ID header into the Gin context under "userID".
// Authentication is the gateway's job; values longer than 64 bytes are
// ignored.
func Identity() gin.HandlerFunc {
	return func(c *gin.Context) {
		if uid := strings.TrimSpace(c.GetHeader(HeaderUserID)); uid != "" && len(uid) <= maxUserIDLen {
			c.Set(userIDKey, uid)
		}
		c.Next()
	}
}
