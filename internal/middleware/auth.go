// Package middleware 提供了处理 HTTP 请求的中间件。
package middleware

import (
	"net/http"
	"strings"

	"regaudit-go/pkg/token"

	"github.com/gin-gonic/gin"
)

// OperatorAuth 创建一个 Gin 中间件，用于保护写接口。
// jwtManager 为 nil 时（未配置 jwt.secret）直接放行。
func OperatorAuth(jwtManager *token.JWTManager) gin.HandlerFunc {
	return func(c *gin.Context) {
		if jwtManager == nil {
			c.Next()
			return
		}

		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"success": false, "detail": "请求未包含授权头"})
			return
		}

		// Token 以 "Bearer <token>" 的形式提供
		const bearerPrefix = "Bearer "
		if !strings.HasPrefix(authHeader, bearerPrefix) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"success": false, "detail": "无效的授权头格式"})
			return
		}

		claims, err := jwtManager.VerifyToken(strings.TrimPrefix(authHeader, bearerPrefix))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"success": false, "detail": "无效或已过期的 token"})
			return
		}
		if claims.Role != token.RoleOperator {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"success": false, "detail": "权限不足，需要运维权限"})
			return
		}

		c.Set("claims", claims)
		c.Next()
	}
}
