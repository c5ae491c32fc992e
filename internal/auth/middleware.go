package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/gigmarket/trustcore/internal/logging"
	"github.com/gigmarket/trustcore/internal/ratelimit"
)

// ContextKeyPrincipal is the gin context key of the authenticated *Principal.
const ContextKeyPrincipal = "authPrincipal"

// Middleware authenticates the bearer token when one is present. Requests
// without a token continue unauthenticated; RequireAuth rejects them.
func Middleware(v *Verifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" {
			c.Next()
			return
		}
		tokenStr, ok := strings.CutPrefix(header, "Bearer ")
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Use 'Authorization: Bearer <token>'.",
			})
			return
		}
		p, err := v.Verify(tokenStr)
		if err != nil {
			logging.L(c.Request.Context()).Debug("token rejected", "error", err)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Invalid or expired token.",
			})
			return
		}
		c.Set(ContextKeyPrincipal, p)
		c.Request = c.Request.WithContext(logging.WithActor(c.Request.Context(), p.ID))
		c.Next()
	}
}

// RequireAuth rejects unauthenticated requests.
func RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := PrincipalFrom(c); !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Bearer token required.",
			})
			return
		}
		c.Next()
	}
}

// RequireOperator rejects callers without the operator role.
func RequireOperator() gin.HandlerFunc {
	return func(c *gin.Context) {
		p, ok := PrincipalFrom(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Bearer token required.",
			})
			return
		}
		if !p.IsOperator() {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "permission_denied",
				"message": "Operator role required.",
			})
			return
		}
		c.Next()
	}
}

// DenialAudit counts 403 responses per principal and logs a security event
// each time a principal reaches the window's limit.
func DenialAudit(window ratelimit.FailureWindow) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		if c.Writer.Status() != http.StatusForbidden {
			return
		}
		subject := c.ClientIP()
		if p, ok := PrincipalFrom(c); ok {
			subject = p.ID
		}
		ctx := c.Request.Context()
		n, err := window.RecordFailure(ctx, "denied:"+subject)
		if err != nil {
			logging.L(ctx).Warn("failed to record permission denial", "subject", subject, "error", err)
			return
		}
		if n >= window.Max() {
			logging.Security(ctx, "repeated permission denials",
				"subject", subject, "denials", n, "path", c.FullPath())
		}
	}
}

// PrincipalFrom returns the authenticated caller, if any.
func PrincipalFrom(c *gin.Context) (*Principal, bool) {
	v, ok := c.Get(ContextKeyPrincipal)
	if !ok {
		return nil, false
	}
	p, ok := v.(*Principal)
	return p, ok
}
