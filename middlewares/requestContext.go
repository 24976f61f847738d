package middlewares

import (
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mmdatafocus/shipments_backend/utils"
)

// RequestContextMiddleware maps the identity headers the internal gateway
// forwards into the request context. Operations that need a tenant fail on
// their own when x-business-id is absent.
func RequestContextMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()

		if businessId := c.GetHeader("x-business-id"); businessId != "" {
			ctx = utils.SetBusinessIdInContext(ctx, businessId)
		}
		if userIdHeader := c.GetHeader("x-user-id"); userIdHeader != "" {
			if userId, err := strconv.Atoi(userIdHeader); err == nil {
				ctx = utils.SetUserIdInContext(ctx, userId)
			}
		}
		if userName := c.GetHeader("x-user-name"); userName != "" {
			ctx = utils.SetUserNameInContext(ctx, userName)
		}
		if c.GetHeader("x-is-admin") == "true" {
			ctx = utils.SetIsAdminInContext(ctx, true)
		}

		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}
