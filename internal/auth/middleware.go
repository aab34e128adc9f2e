package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/lgulliver/docvault/pkg/types"
)

// UserIDKey is the gin context key under which the authenticated user id is
// stored.
const UserIDKey = "user_id"

// Middleware authenticates requests via either a Bearer JWT or an X-API-Key
// header.
func Middleware(service *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		if key := c.GetHeader("X-API-Key"); key != "" {
			userID, err := service.ValidateAPIKey(c.Request.Context(), key)
			if err != nil {
				c.AbortWithStatusJSON(http.StatusUnauthorized, types.APIResponse{
					Success: false,
					Error:   "invalid API key",
				})
				return
			}
			c.Set(UserIDKey, userID)
			c.Next()
			return
		}

		header := c.GetHeader("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, types.APIResponse{
				Success: false,
				Error:   "authentication required",
			})
			return
		}

		userID, err := service.ValidateToken(strings.TrimPrefix(header, "Bearer "))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, types.APIResponse{
				Success: false,
				Error:   "invalid token",
			})
			return
		}

		c.Set(UserIDKey, userID)
		c.Next()
	}
}
