package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	jwtpkg "mailshop/backend/internal/auth/jwt"
	"mailshop/backend/internal/bot"
	"mailshop/backend/internal/config"
	"mailshop/backend/internal/health"
	"mailshop/backend/internal/logger"
	"mailshop/backend/internal/mailscan"
	"mailshop/backend/internal/monitoring"
	"mailshop/backend/internal/payment"
	"mailshop/backend/internal/queue"
	"mailshop/backend/internal/service"
	"mailshop/backend/internal/storage"
	"mailshop/backend/internal/storage/memory"
	"mailshop/backend/internal/storage/postgres"
	redisstore "mailshop/backend/internal/storage/redis"
	httptransport "mailshop/backend/internal/transport/http"
)

const version = "1.0.0"

// main 启动机器人、对账循环与 HTTP 服务。
func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}

	// 设置 Gin 模式（基于开发环境标志）
	if !cfg.Log.Development {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	log, err := logger.NewLogger(logger.FromConfig(cfg.Log))
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer func() { _ = log.Sync() }()

	log.Info("starting mailshop server",
		zap.String("version", version),
		zap.String("log_level", cfg.Log.Level),
		zap.Bool("development", cfg.Log.Development),
		zap.Int("categories", len(cfg.Shop.Catalog)),
	)

	// 初始化存储层
	var store storage.Store
	if cfg.Database.Type != "" && cfg.Database.DSN != "" {
		store, err = initializeDatabaseStorage(cfg, log)
		if err != nil {
			panic(fmt.Sprintf("failed to initialize database storage: %v", err))
		}
		log.Info("using database storage", zap.String("type", cfg.Database.Type))
	} else {
		store = memory.NewStore()
		log.Warn("using memory storage (development mode), data is lost on restart")
	}

	// 限流：优先 Redis，未配置时使用存储层自带的计数器
	var (
		redisClient *redisstore.Client
		limiter     storage.RateLimitRepository
	)
	if cfg.Redis.Address != "" {
		redisClient, err = redisstore.New(&cfg.Redis, log)
		if err != nil {
			panic(fmt.Sprintf("failed to connect to redis: %v", err))
		}
		limiter = redisClient
	} else if l, ok := store.(storage.RateLimitRepository); ok {
		limiter = l
	}

	// 初始化监控系统
	metrics := monitoring.NewMetrics()

	scanner := mailscan.NewScanner(mailscan.Config{
		Addr:               cfg.IMAP.Addr,
		Username:           cfg.IMAP.Username,
		Password:           cfg.IMAP.Password,
		TLS:                cfg.IMAP.TLS,
		InsecureSkipVerify: cfg.IMAP.InsecureSkipVerify,
		Mailbox:            cfg.IMAP.Mailbox,
		Window:             cfg.IMAP.Window,
		MaxMessages:        cfg.IMAP.MaxMessages,
		Timeout:            cfg.IMAP.Timeout,
		Workers:            cfg.IMAP.Workers,
		Markers:            cfg.IMAP.Markers,
	}, log)

	gateway := payment.NewCryptoPay(payment.Config{
		Token:   cfg.Payment.Token,
		BaseURL: cfg.Payment.BaseURL,
		Timeout: cfg.Payment.Timeout,
	}, log)

	// 初始化服务层
	shopService := service.NewShopService(store, gateway, scanner, cfg, log)
	shopService.SetMetrics(metrics)
	if limiter != nil {
		shopService.SetRateLimiter(limiter)
	}

	// 初始化健康检查
	healthOpts := health.Options{
		Gateway:  gateway,
		IMAPAddr: cfg.IMAP.Addr,
	}
	if redisClient != nil {
		healthOpts.Redis = redisClient
	}
	healthChecker := health.NewHealthChecker(store, healthOpts, log)

	// 初始化 Telegram 客户端
	api, err := tgbotapi.NewBotAPI(cfg.Telegram.Token)
	if err != nil {
		panic(fmt.Sprintf("failed to connect to telegram: %v", err))
	}
	api.Debug = cfg.Log.Development
	log.Info("telegram bot authorized", zap.String("username", api.Self.UserName))

	shopBot := bot.New(api, shopService, cfg, log)
	shopBot.SetHealth(healthChecker)
	shopBot.SetMetrics(metrics)

	// 订单终态通知：机器人消息 + 可选的 RabbitMQ 事件
	notifiers := service.MultiNotifier{shopBot}
	var publisher *queue.Publisher
	if cfg.AMQP.URL != "" {
		publisher = queue.NewPublisher(cfg.AMQP.URL, cfg.AMQP.Queue, log)
		notifiers = append(notifiers, publisher)
		log.Info("order events enabled", zap.String("queue", cfg.AMQP.Queue))
	}

	reconciler := service.NewReconciler(store, gateway, notifiers, cfg, log)
	reconciler.SetMetrics(metrics)

	// 初始化告警系统
	alertManager := monitoring.NewAlertManager(log)
	alertManager.AddReceiver(monitoring.NewLogAlertReceiver(log))
	alertManager.AddReceiver(shopBot)
	shopBot.SetAlerts(alertManager)
	alertManager.AddRule(monitoring.DatabaseConnectionRule(store))
	for _, category := range cfg.Shop.Catalog {
		alertManager.AddRule(monitoring.LowStockRule(store, metrics, category.Key, cfg.Shop.LowStockThreshold))
	}

	log.Info("monitoring system initialized")

	// 管理 API 仅在配置了 JWT 密钥时启用
	var jwtManager *jwtpkg.Manager
	if cfg.JWT.Secret != "" {
		jwtManager = jwtpkg.NewManager(cfg.JWT.Secret, cfg.JWT.Issuer, cfg.JWT.AccessExpiry)
		log.Info("admin api enabled",
			zap.String("issuer", cfg.JWT.Issuer),
			zap.Duration("access_expiry", cfg.JWT.AccessExpiry),
		)
	}

	webhookMode := cfg.Telegram.WebhookURL != ""
	var botWebhook http.Handler
	if webhookMode {
		botWebhook = shopBot.WebhookHandler()
	}

	httpAddr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	router := httptransport.NewRouter(httptransport.RouterDependencies{
		Shop:        shopService,
		Health:      healthChecker,
		Metrics:     metrics,
		JWTManager:  jwtManager,
		IsAdmin:     cfg.Telegram.IsAdmin,
		Asset:       cfg.Payment.Asset,
		BotWebhook:  botWebhook,
		WebhookPath: cfg.Telegram.WebhookPath,
		Logger:      log,
	})

	httpServer := &http.Server{
		Addr:              httpAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	// 信号处理
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(ctx)

	shopBot.Start(groupCtx)

	// HTTP 服务器 goroutine
	group.Go(func() error {
		log.Info("starting HTTP server", zap.String("address", httpAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("HTTP server error", zap.Error(err))
			return err
		}
		return nil
	})

	// 更新接收：webhook 或长轮询
	if webhookMode {
		webhookURL := cfg.Telegram.WebhookURL + cfg.Telegram.WebhookPath
		if err := bot.RegisterWebhook(api, webhookURL); err != nil {
			panic(fmt.Sprintf("failed to register webhook: %v", err))
		}
		log.Info("telegram webhook registered", zap.String("url", webhookURL))
	} else {
		if err := bot.DeleteWebhook(api); err != nil {
			log.Warn("failed to delete webhook", zap.Error(err))
		}
		u := tgbotapi.NewUpdate(0)
		u.Timeout = 60
		updates := api.GetUpdatesChan(u)

		group.Go(func() error {
			return shopBot.Poll(groupCtx, updates)
		})
	}

	// 对账循环 goroutine
	group.Go(func() error {
		log.Info("starting reconciler", zap.Duration("interval", cfg.Reconcile.Interval))
		return reconciler.Run(groupCtx)
	})

	// 监控服务 goroutine
	group.Go(func() error {
		log.Info("starting monitoring services", zap.Duration("interval", cfg.Shop.AlertInterval))
		alertManager.StartMonitoring(groupCtx, cfg.Shop.AlertInterval)
		return nil
	})

	// 优雅关闭 goroutine
	group.Go(func() error {
		<-groupCtx.Done()
		log.Info("shutdown signal received, gracefully shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error("HTTP server shutdown error", zap.Error(err))
		}
		if !webhookMode {
			api.StopReceivingUpdates()
		}
		return nil
	})

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("server error", zap.Error(err))
	}

	// 等待处理中的更新完成后再关闭依赖
	shopBot.Stop()

	if publisher != nil {
		if err := publisher.Close(); err != nil {
			log.Warn("rabbitmq close warning", zap.Error(err))
		}
	}
	if redisClient != nil {
		if err := redisClient.Close(); err != nil {
			log.Warn("redis close warning", zap.Error(err))
		}
	}
	if err := store.Close(); err != nil {
		log.Warn("store close warning", zap.Error(err))
	}

	log.Info("server exited cleanly")
}

// initializeDatabaseStorage 根据配置创建 SQL 存储并应用连接池参数
func initializeDatabaseStorage(cfg *config.Config, log *zap.Logger) (storage.Store, error) {
	var (
		store *postgres.Store
		err   error
	)
	switch cfg.Database.Type {
	case "mysql":
		store, err = postgres.NewMySQLStore(cfg.Database.DSN)
	default:
		store, err = postgres.NewStore(cfg.Database.DSN)
	}
	if err != nil {
		return nil, err
	}

	if err := store.SetPoolLimits(cfg.Database.MaxOpenConns, cfg.Database.MaxIdleConns, cfg.Database.ConnMaxLifetime); err != nil {
		log.Warn("failed to apply connection pool limits", zap.Error(err))
	}
	return store, nil
}
