package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"choirattendance/internal/attendance"
)

// ContextKey is the gin context key holding the caller's attendance.AuthContext.
const ContextKey = "auth"

// Bearer enforces bearer JWT tokens signed with HS256 and stores the caller
// identity in the gin context.
func Bearer(signingKey, issuer string) gin.HandlerFunc {
	return func(c *gin.Context) {
		authz := c.GetHeader("Authorization")
		if authz == "" || !strings.HasPrefix(strings.ToLower(authz), "bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}
		tokenStr := strings.TrimSpace(authz[len("bearer "):])
		claims, err := Parse(tokenStr, signingKey, issuer)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		c.Set(ContextKey, claims.AuthContext())
		c.Next()
	}
}

// FromContext returns the caller identity set by Bearer.
func FromContext(c *gin.Context) (attendance.AuthContext, bool) {
	v, ok := c.Get(ContextKey)
	if !ok {
		return attendance.AuthContext{}, false
	}
	caller, ok := v.(attendance.AuthContext)
	return caller, ok
}
