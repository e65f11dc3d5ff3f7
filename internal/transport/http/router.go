package httptransport

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	jwtpkg "mailshop/backend/internal/auth/jwt"
	"mailshop/backend/internal/health"
	"mailshop/backend/internal/middleware"
	"mailshop/backend/internal/monitoring"
	"mailshop/backend/internal/service"
)

// RootMessage GET / 的存活提示
const RootMessage = "mailshop bot is running"

// RouterDependencies 路由器依赖项
type RouterDependencies struct {
	Shop        *service.ShopService
	Health      *health.HealthChecker
	Metrics     *monitoring.Metrics
	JWTManager  *jwtpkg.Manager  // 为 nil 时管理接口返回 503
	IsAdmin     func(int64) bool // 令牌持有者是否仍是管理员
	Asset       string           // 目录中展示的计价资产
	BotWebhook  http.Handler     // Telegram 更新入口，长轮询模式下为 nil
	WebhookPath string
	Logger      *zap.Logger
}

// NewRouter 创建并返回 Gin 路由实例。
func NewRouter(deps RouterDependencies) *gin.Engine {
	log := deps.Logger
	if log == nil {
		log = zap.NewNop()
	}

	router := gin.New()

	if deps.Metrics != nil {
		mm := middleware.NewMonitoringMiddleware(deps.Metrics, log)
		router.Use(mm.HTTPMetrics(), mm.PanicRecovery())
	} else {
		router.Use(gin.Recovery())
	}
	router.Use(middleware.RequestLogger(log))
	router.Use(middleware.SecurityHeaders())
	router.Use(middleware.BodySizeLimit(middleware.DefaultBodyLimit))

	router.GET("/", func(c *gin.Context) {
		c.String(http.StatusOK, RootMessage)
	})

	if deps.BotWebhook != nil {
		path := deps.WebhookPath
		if path == "" {
			path = "/webhook"
		}
		router.POST(path, middleware.BodySizeLimit(middleware.WebhookBodyLimit), gin.WrapH(deps.BotWebhook))
	}

	if deps.Health != nil {
		router.GET("/health", gin.WrapF(deps.Health.ReadyHandler()))
		router.GET("/health/live", gin.WrapF(deps.Health.LiveHandler()))
		router.GET("/health/ready", gin.WrapF(deps.Health.ReadyHandler()))
	}
	if deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(deps.Metrics.HTTPHandler()))
	}

	v1 := router.Group("/v1")
	{
		catalog := NewCatalogHandler(deps.Shop, deps.Asset, log)
		v1.GET("/catalog", catalog.List)

		auth := middleware.NewAdminAuth(deps.JWTManager, deps.IsAdmin, log)
		admin := NewAdminHandler(deps.Shop, log)

		adminGroup := v1.Group("/admin", auth.RequireAdmin())
		adminGroup.POST("/pool/:category", admin.AddPoolItems)
		adminGroup.GET("/pool/:category", admin.PoolStatus)
		adminGroup.DELETE("/pool/:category", admin.DeletePoolItems)
		adminGroup.GET("/stats", admin.Stats)
	}

	return router
}
