package auth

import (
	"net/http"
	"slices"
	"strings"

	"github.com/KevinKickass/OpenPhotoRig/internal/types"
	"github.com/gin-gonic/gin"
)

const (
	permissionsKey = "permissions"
	operatorKey    = "operator"
)

// Middleware validates the bearer token and stores the granted permissions
// in the gin context.
func (j *JWTHandler) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized,
				types.NewErrorResponse(types.CodeUnauthorized, "Missing authorization header", nil))
			return
		}

		// Extract token from "Bearer <token>"
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			c.AbortWithStatusJSON(http.StatusUnauthorized,
				types.NewErrorResponse(types.CodeUnauthorized, "Invalid authorization header format", nil))
			return
		}

		claims, err := j.ValidateAccessToken(parts[1])
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized,
				types.NewErrorResponse(types.CodeUnauthorized, "Invalid or expired token", nil))
			return
		}

		c.Set(permissionsKey, RoleToPermissions(claims.Role))
		c.Set(operatorKey, claims.Operator)
		c.Next()
	}
}

// RequirePermission checks if the caller has the required permission
func RequirePermission(required Permission) gin.HandlerFunc {
	return func(c *gin.Context) {
		perms, exists := c.Get(permissionsKey)
		if !exists {
			c.AbortWithStatusJSON(http.StatusForbidden,
				types.NewErrorResponse(types.CodeForbidden, "No permissions found", nil))
			return
		}

		if !slices.Contains(perms.([]Permission), required) {
			c.AbortWithStatusJSON(http.StatusForbidden,
				types.NewErrorResponse(types.CodeForbidden, "Insufficient permissions", gin.H{"required": string(required)}))
			return
		}

		c.Next()
	}
}

// Operator returns the authenticated operator name, if any.
func Operator(c *gin.Context) string {
	return c.GetString(operatorKey)
}
