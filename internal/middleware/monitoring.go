package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"mailshop/backend/internal/monitoring"
)

// MonitoringMiddleware 监控中间件
type MonitoringMiddleware struct {
	metrics *monitoring.Metrics
	logger  *zap.Logger
}

// NewMonitoringMiddleware 创建监控中间件
func NewMonitoringMiddleware(metrics *monitoring.Metrics, logger *zap.Logger) *MonitoringMiddleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MonitoringMiddleware{
		metrics: metrics,
		logger:  logger,
	}
}

// HTTPMetrics HTTP 指标中间件
func (mm *MonitoringMiddleware) HTTPMetrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		// 未匹配的路由统一归为一个标签，避免指标基数膨胀
		endpoint := c.FullPath()
		if endpoint == "" {
			endpoint = "unmatched"
		}

		status := c.Writer.Status()
		mm.metrics.RecordHTTPRequest(c.Request.Method, endpoint, strconv.Itoa(status), time.Since(start))

		switch {
		case status == http.StatusTooManyRequests:
			mm.metrics.RecordRateLimitBlock("http")
		case status >= 500:
			mm.metrics.RecordError("http_error", "http")
		}
	}
}

// PanicRecovery Panic 恢复中间件
func (mm *MonitoringMiddleware) PanicRecovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				mm.metrics.RecordPanic()

				mm.logger.Error("Panic recovered",
					zap.Any("error", err),
					zap.String("method", c.Request.Method),
					zap.String("path", c.Request.URL.Path),
					zap.String("ip", c.ClientIP()),
					zap.Stack("stack"),
				)

				abortJSON(c, http.StatusInternalServerError, "internal server error")
			}
		}()

		c.Next()
	}
}
