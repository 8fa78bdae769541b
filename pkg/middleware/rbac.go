package middleware

import (
	"strings"

	"conversation-engine/backend/pkg/errors"
	"conversation-engine/backend/pkg/jwt"
	"conversation-engine/backend/pkg/logger"

	"github.com/gin-gonic/gin"
)

const claimsKey = "claims"

// Claims returns the operator claims set by JWTAuthMiddleware.
func Claims(c *gin.Context) (*jwt.JWTClaims, bool) {
	v, exists := c.Get(claimsKey)
	if !exists {
		return nil, false
	}
	claims, ok := v.(*jwt.JWTClaims)
	return claims, ok
}

func requireClaims(c *gin.Context) (*jwt.JWTClaims, bool) {
	claims, ok := Claims(c)
	if !ok {
		c.Error(errors.NewUnauthorizedError("AUTH_REQUIRED", "Authentication required"))
		c.Abort()
	}
	return claims, ok
}

// RequirePermission returns a middleware that requires the caller to hold a permission
func RequirePermission(permission jwt.Permission) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, ok := requireClaims(c)
		if !ok {
			return
		}

		if !claims.HasPermission(permission) {
			c.Error(errors.NewForbiddenError("INSUFFICIENT_PERMISSION", "You don't have permission to perform this operation"))
			c.Abort()
			return
		}

		c.Next()
	}
}

// JWTAuthMiddleware checks that the request has a valid operator token and adds claims to the context
func JWTAuthMiddleware(jwtService *jwt.Service, log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.GetHeader("Authorization")
		if token == "" {
			c.Error(errors.NewUnauthorizedError("AUTH_REQUIRED", "Authorization header is required"))
			c.Abort()
			return
		}
		token = strings.TrimPrefix(token, "Bearer ")

		claims, err := jwtService.ValidateToken(token)
		if err != nil {
			log.Warn("invalid operator token", "error", err.Error(), "path", c.Request.URL.Path)
			c.Error(errors.NewUnauthorizedError("INVALID_TOKEN", "Invalid or expired token"))
			c.Abort()
			return
		}

		c.Set(claimsKey, claims)
		c.Set("operator", claims.Operator())
		c.Next()
	}
}
