// Package middleware provides HTTP middleware for the admin API,
// adapted from the teacher's internal/middleware: the same
// Authorization-header bearer-token flow and public-path allowlist,
// generalized from user accounts to admin-API Principal/Role.
package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/meridianchain/pbft/internal/apiresponse"
	"github.com/meridianchain/pbft/internal/auth"
)

const principalKey = "principal"

// Auth validates the bearer token on every request except the public
// paths, and stashes the resulting auth.Principal in gin's context.
func Auth(authService *auth.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		if isPublicPath(c.Request.URL.Path) {
			c.Next()
			return
		}

		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			abortUnauthorized(c, "MISSING_TOKEN", "Authorization token is required")
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			abortUnauthorized(c, "INVALID_TOKEN_FORMAT", "Invalid authorization header format")
			return
		}

		principal, err := authService.ValidateToken(parts[1])
		if err != nil {
			c.JSON(http.StatusUnauthorized, apiresponse.Response{
				Success: false,
				Error:   &apiresponse.APIError{Code: "INVALID_TOKEN", Message: "Invalid or expired token", Details: err.Error()},
			})
			c.Abort()
			return
		}

		c.Set(principalKey, principal)
		c.Next()
	}
}

func abortUnauthorized(c *gin.Context, code, message string) {
	c.JSON(http.StatusUnauthorized, apiresponse.Response{
		Success: false,
		Error:   &apiresponse.APIError{Code: code, Message: message},
	})
	c.Abort()
}

// RequireRole aborts with 403 unless the authenticated principal is
// authorized for action ("read" or "write").
func RequireRole(action string) gin.HandlerFunc {
	return func(c *gin.Context) {
		p, exists := GetPrincipal(c)
		if !exists || !auth.IsAuthorized(p.Role, action) {
			c.JSON(http.StatusForbidden, apiresponse.Response{
				Success: false,
				Error:   &apiresponse.APIError{Code: "ACCESS_DENIED", Message: "insufficient permissions for this operation"},
			})
			c.Abort()
			return
		}
		c.Next()
	}
}

// GetPrincipal extracts the authenticated principal from context.
func GetPrincipal(c *gin.Context) (*auth.Principal, bool) {
	v, exists := c.Get(principalKey)
	if !exists {
		return nil, false
	}
	p, ok := v.(*auth.Principal)
	return p, ok
}

func isPublicPath(path string) bool {
	for _, p := range []string{"/health", "/metrics"} {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}
