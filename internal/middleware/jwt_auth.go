package middleware

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"mailshop/backend/internal/auth/jwt"
)

// ContextAdminID 上下文中保存管理员 ID 的键
const ContextAdminID = "adminID"

// AdminAuth 管理接口的 JWT 认证中间件
type AdminAuth struct {
	jwtManager *jwt.Manager
	isAdmin    func(int64) bool
	log        *zap.Logger
}

// NewAdminAuth 创建管理员认证中间件。
// isAdmin 用于确认令牌中的管理员仍在配置的名单中，为 nil 时只校验令牌。
func NewAdminAuth(jwtManager *jwt.Manager, isAdmin func(int64) bool, log *zap.Logger) *AdminAuth {
	if log == nil {
		log = zap.NewNop()
	}
	return &AdminAuth{
		jwtManager: jwtManager,
		isAdmin:    isAdmin,
		log:        log,
	}
}

// RequireAdmin 要求有效的管理员令牌
func (a *AdminAuth) RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		if a.jwtManager == nil {
			abortJSON(c, http.StatusServiceUnavailable, "admin api disabled")
			return
		}

		token := extractBearer(c)
		if token == "" {
			abortJSON(c, http.StatusUnauthorized, "authentication required")
			return
		}

		claims, err := a.jwtManager.ValidateToken(token)
		if err != nil {
			a.log.Warn("invalid admin token",
				zap.Error(err),
				zap.String("ip", c.ClientIP()),
			)
			msg := "invalid token"
			if errors.Is(err, jwt.ErrExpiredToken) {
				msg = "token expired"
			}
			abortJSON(c, http.StatusUnauthorized, msg)
			return
		}

		if a.isAdmin != nil && !a.isAdmin(claims.AdminID) {
			a.log.Warn("token holder is no longer an admin",
				zap.Int64("admin_id", claims.AdminID),
				zap.String("ip", c.ClientIP()),
			)
			abortJSON(c, http.StatusForbidden, "permission denied")
			return
		}

		c.Set(ContextAdminID, claims.AdminID)
		c.Next()
	}
}

// extractBearer 从 Authorization 头提取令牌
func extractBearer(c *gin.Context) string {
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		return ""
	}
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
		return strings.TrimSpace(parts[1])
	}
	return ""
}

func abortJSON(c *gin.Context, status int, msg string) {
	c.AbortWithStatusJSON(status, gin.H{
		"code": status,
		"msg":  msg,
	})
}
