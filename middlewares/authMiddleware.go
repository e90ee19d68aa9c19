package middlewares

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/erp_backend/utils"
)

const adminRole = "admin"

// AuthMiddleware resolves the bearer token into the request context. Requests
// without a token pass through untouched; RequireOrganization rejects them later.
func AuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		auth := c.Request.Header.Get("Authorization")
		if auth == "" {
			c.Next()
			return
		}

		const bearer = "Bearer "
		if !strings.HasPrefix(auth, bearer) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			c.Abort()
			return
		}
		token := strings.TrimSpace(auth[len(bearer):])

		claim, err := utils.JwtValidate(token)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			c.Abort()
			return
		}

		ctx := utils.SetTokenInContext(c.Request.Context(), token)
		ctx = utils.SetOrganizationIdInContext(ctx, claim.OrganizationId)
		ctx = utils.SetUserIdInContext(ctx, claim.UserId)
		ctx = utils.SetUserNameInContext(ctx, claim.UserName)
		ctx = utils.SetRoleInContext(ctx, claim.Role)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// RequireOrganization aborts requests that carry no organization.
func RequireOrganization() gin.HandlerFunc {
	return func(c *gin.Context) {
		if orgId, ok := utils.GetOrganizationIdFromContext(c.Request.Context()); !ok || orgId == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			c.Abort()
			return
		}
		c.Next()
	}
}

// RequireAdmin guards ops routes. Admins act across tenants, so the tenant guard
// is bypassed for them.
func RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		role, _ := utils.GetRoleFromContext(c.Request.Context())
		if role != adminRole {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			c.Abort()
			return
		}
		c.Request = c.Request.WithContext(utils.SetIsAdminInContext(c.Request.Context(), true))
		c.Next()
	}
}
