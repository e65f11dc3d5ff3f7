package health

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/heptiolabs/healthcheck"
	"go.uber.org/zap"

	"mailshop/backend/internal/storage"
)

// Pinger 支持连通性检查的依赖（Redis、支付网关等）
type Pinger interface {
	Ping(ctx context.Context) error
}

// Options 可选检查项
type Options struct {
	Redis         Pinger // 为空时不检查
	Gateway       Pinger // 为空时不检查
	IMAPAddr      string // host:port，为空时不检查 DNS
	MaxGoroutines int
	CheckTimeout  time.Duration
}

// HealthChecker 健康检查器
type HealthChecker struct {
	health healthcheck.Handler
	store  storage.Store
	opts   Options
	logger *zap.Logger
}

// NewHealthChecker 创建健康检查器
func NewHealthChecker(store storage.Store, opts Options, logger *zap.Logger) *HealthChecker {
	if opts.CheckTimeout <= 0 {
		opts.CheckTimeout = 3 * time.Second
	}
	if opts.MaxGoroutines <= 0 {
		opts.MaxGoroutines = 10000
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	hc := &HealthChecker{
		health: healthcheck.NewHandler(),
		store:  store,
		opts:   opts,
		logger: logger,
	}

	hc.addChecks()

	return hc
}

// addChecks 添加健康检查
//
// 存活检查只看进程本身，就绪检查包含外部依赖。
func (hc *HealthChecker) addChecks() {
	hc.health.AddLivenessCheck("goroutine-threshold", healthcheck.GoroutineCountCheck(hc.opts.MaxGoroutines))

	hc.health.AddReadinessCheck("database", hc.withTimeout(hc.store.Health))

	if hc.opts.Redis != nil {
		hc.health.AddReadinessCheck("redis", hc.withTimeout(hc.opts.Redis.Ping))
	}

	if hc.opts.Gateway != nil {
		hc.health.AddReadinessCheck("payment-gateway", healthcheck.Async(
			hc.withTimeout(hc.opts.Gateway.Ping), time.Minute,
		))
	}

	if hc.opts.IMAPAddr != "" {
		host, _, err := net.SplitHostPort(hc.opts.IMAPAddr)
		if err != nil {
			host = hc.opts.IMAPAddr
		}
		if net.ParseIP(host) == nil {
			hc.health.AddReadinessCheck("imap-dns", healthcheck.DNSResolveCheck(host, hc.opts.CheckTimeout))
		}
	}
}

func (hc *HealthChecker) withTimeout(check func(ctx context.Context) error) healthcheck.Check {
	return func() error {
		ctx, cancel := context.WithTimeout(context.Background(), hc.opts.CheckTimeout)
		defer cancel()
		return check(ctx)
	}
}

// LiveHandler 存活检查
func (hc *HealthChecker) LiveHandler() http.HandlerFunc {
	return hc.health.LiveEndpoint
}

// ReadyHandler 就绪检查
func (hc *HealthChecker) ReadyHandler() http.HandlerFunc {
	return hc.health.ReadyEndpoint
}

// CheckHealth 执行健康检查，供 /db_status 等命令展示
func (hc *HealthChecker) CheckHealth(ctx context.Context) map[string]string {
	results := make(map[string]string)

	ctx, cancel := context.WithTimeout(ctx, hc.opts.CheckTimeout)
	defer cancel()

	if err := hc.store.Health(ctx); err != nil {
		hc.logger.Warn("database health check failed", zap.Error(err))
		results["database"] = fmt.Sprintf("ERROR: %v", err)
	} else {
		results["database"] = "OK"
	}

	if hc.opts.Redis != nil {
		if err := hc.opts.Redis.Ping(ctx); err != nil {
			results["redis"] = fmt.Sprintf("ERROR: %v", err)
		} else {
			results["redis"] = "OK"
		}
	} else {
		results["redis"] = "NOT_AVAILABLE"
	}

	results["timestamp"] = time.Now().Format(time.RFC3339)

	return results
}
