package middleware

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

const (
	// DefaultBodyLimit 默认请求体大小限制
	DefaultBodyLimit = 10 * 1024 * 1024

	// WebhookBodyLimit Telegram 更新的请求体限制
	WebhookBodyLimit = 1 * 1024 * 1024
)

// BodySizeLimit 限制请求体大小的中间件
func BodySizeLimit(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.ContentLength > maxBytes {
			c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{
				"code":  http.StatusRequestEntityTooLarge,
				"msg":   "request body too large",
				"limit": maxBytes,
			})
			return
		}

		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Header("X-Max-Body-Size", strconv.FormatInt(maxBytes, 10))

		c.Next()
	}
}
