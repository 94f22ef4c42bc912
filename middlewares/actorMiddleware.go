package middlewares

import (
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/cashback_backend/utils"
)

// ActorMiddleware copies the operator identity forwarded by the gateway into the context,
// where withdrawal audit rows pick it up. Authentication happens upstream.
func ActorMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		if id := strings.TrimSpace(c.GetHeader("x-actor-id")); id != "" {
			ctx = utils.SetActorIdInContext(ctx, id)
		}
		if name := strings.TrimSpace(c.GetHeader("x-actor-name")); name != "" {
			ctx = utils.SetActorNameInContext(ctx, name)
		}
		if strings.EqualFold(strings.TrimSpace(c.GetHeader("x-actor-role")), "admin") {
			ctx = utils.SetIsAdminInContext(ctx, true)
		}
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}
