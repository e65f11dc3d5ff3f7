package monitoring

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// AlertLevel 告警级别
type AlertLevel string

const (
	AlertLevelInfo     AlertLevel = "info"
	AlertLevelWarning  AlertLevel = "warning"
	AlertLevelCritical AlertLevel = "critical"
)

// Alert 告警
type Alert struct {
	ID         string                 `json:"id"`
	Title      string                 `json:"title"`
	Message    string                 `json:"message"`
	Level      AlertLevel             `json:"level"`
	Component  string                 `json:"component"`
	Timestamp  time.Time              `json:"timestamp"`
	Resolved   bool                   `json:"resolved"`
	ResolvedAt *time.Time             `json:"resolved_at,omitempty"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

// AlertRule 告警规则，Condition 返回非空消息表示触发
type AlertRule struct {
	ID            string
	Name          string
	Condition     func(ctx context.Context) (string, bool)
	Level         AlertLevel
	Component     string
	Cooldown      time.Duration
	LastTriggered time.Time
}

// AlertReceiver 告警接收器接口
type AlertReceiver interface {
	SendAlert(ctx context.Context, alert *Alert) error
}

// AlertManager 告警管理器
//
// 同一规则在条件持续成立期间只告警一次，条件恢复后自动解除。
type AlertManager struct {
	alerts    map[string]*Alert // ruleID -> 当前告警
	rules     []AlertRule
	receivers []AlertReceiver
	logger    *zap.Logger
	mu        sync.RWMutex
	now       func() time.Time
}

// NewAlertManager 创建告警管理器
func NewAlertManager(logger *zap.Logger) *AlertManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AlertManager{
		alerts: make(map[string]*Alert),
		logger: logger.Named("alerts"),
		now:    time.Now,
	}
}

// AddReceiver 添加告警接收器
func (am *AlertManager) AddReceiver(receiver AlertReceiver) {
	am.mu.Lock()
	defer am.mu.Unlock()
	am.receivers = append(am.receivers, receiver)
}

// AddRule 添加告警规则
func (am *AlertManager) AddRule(rule AlertRule) {
	am.mu.Lock()
	defer am.mu.Unlock()
	am.rules = append(am.rules, rule)
}

// TriggerAlert 触发告警，同 ID 的未解除告警不会重复发送
func (am *AlertManager) TriggerAlert(ctx context.Context, alert *Alert) {
	am.mu.Lock()
	if existing, exists := am.alerts[alert.ID]; exists && !existing.Resolved {
		am.mu.Unlock()
		return
	}
	am.alerts[alert.ID] = alert
	receivers := append([]AlertReceiver(nil), am.receivers...)
	am.mu.Unlock()

	for _, receiver := range receivers {
		if err := receiver.SendAlert(ctx, alert); err != nil {
			am.logger.Error("Failed to send alert",
				zap.String("alert_id", alert.ID),
				zap.Error(err),
			)
		}
	}

	am.logger.Info("Alert triggered",
		zap.String("alert_id", alert.ID),
		zap.String("level", string(alert.Level)),
		zap.String("component", alert.Component),
	)
}

// ResolveAlert 解除告警
func (am *AlertManager) ResolveAlert(alertID string) {
	am.mu.Lock()
	defer am.mu.Unlock()

	if alert, exists := am.alerts[alertID]; exists && !alert.Resolved {
		now := am.now()
		alert.Resolved = true
		alert.ResolvedAt = &now
		am.logger.Info("Alert resolved", zap.String("alert_id", alertID))
	}
}

// GetActiveAlerts 获取未解除的告警
func (am *AlertManager) GetActiveAlerts() []Alert {
	am.mu.RLock()
	defer am.mu.RUnlock()

	alerts := make([]Alert, 0)
	for _, alert := range am.alerts {
		if !alert.Resolved {
			alerts = append(alerts, *alert)
		}
	}
	return alerts
}

// CheckRules 检查全部告警规则
func (am *AlertManager) CheckRules(ctx context.Context) {
	am.mu.RLock()
	rules := make([]AlertRule, len(am.rules))
	copy(rules, am.rules)
	am.mu.RUnlock()

	now := am.now()
	for _, rule := range rules {
		message, firing := rule.Condition(ctx)
		if !firing {
			am.ResolveAlert(rule.ID)
			continue
		}
		if now.Sub(rule.LastTriggered) < rule.Cooldown {
			continue
		}

		am.TriggerAlert(ctx, &Alert{
			ID:        rule.ID,
			Title:     rule.Name,
			Message:   message,
			Level:     rule.Level,
			Component: rule.Component,
			Timestamp: now,
		})

		am.mu.Lock()
		for i := range am.rules {
			if am.rules[i].ID == rule.ID {
				am.rules[i].LastTriggered = now
				break
			}
		}
		am.mu.Unlock()
	}
}

// StartMonitoring 按固定间隔检查规则，直到 ctx 取消
func (am *AlertManager) StartMonitoring(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			am.CheckRules(ctx)
		}
	}
}

// ========== 内置告警规则 ==========

// PoolCounter 统计分类库存
type PoolCounter interface {
	CountPoolItems(ctx context.Context, category string) (int, error)
}

// LowStockRule 库存低于阈值告警，同时刷新库存指标
func LowStockRule(counter PoolCounter, metrics *Metrics, category string, threshold int) AlertRule {
	return AlertRule{
		ID:   "low_stock_" + category,
		Name: "Low Stock",
		Condition: func(ctx context.Context) (string, bool) {
			count, err := counter.CountPoolItems(ctx, category)
			if err != nil {
				return "", false
			}
			if metrics != nil {
				metrics.UpdatePoolSize(category, count)
			}
			if count >= threshold {
				return "", false
			}
			return fmt.Sprintf("Category %s has %d items left (threshold %d)", category, count, threshold), true
		},
		Level:     AlertLevelWarning,
		Component: "pool",
		Cooldown:  30 * time.Minute,
	}
}

// HealthChecker 支持健康检查的依赖
type HealthChecker interface {
	Health(ctx context.Context) error
}

// DatabaseConnectionRule 数据库连接告警规则
func DatabaseConnectionRule(store HealthChecker) AlertRule {
	return AlertRule{
		ID:   "database_connection",
		Name: "Database Connection",
		Condition: func(ctx context.Context) (string, bool) {
			ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			if err := store.Health(ctx); err != nil {
				return "Database connection failed: " + err.Error(), true
			}
			return "", false
		},
		Level:     AlertLevelCritical,
		Component: "database",
		Cooldown:  time.Minute,
	}
}

// ========== 告警接收器实现 ==========

// LogAlertReceiver 日志告警接收器
type LogAlertReceiver struct {
	logger *zap.Logger
}

// NewLogAlertReceiver 创建日志告警接收器
func NewLogAlertReceiver(logger *zap.Logger) *LogAlertReceiver {
	return &LogAlertReceiver{logger: logger}
}

// SendAlert 发送告警到日志
func (lar *LogAlertReceiver) SendAlert(_ context.Context, alert *Alert) error {
	fields := []zap.Field{
		zap.String("alert_id", alert.ID),
		zap.String("title", alert.Title),
		zap.String("message", alert.Message),
		zap.String("component", alert.Component),
		zap.Time("timestamp", alert.Timestamp),
	}
	switch alert.Level {
	case AlertLevelCritical:
		lar.logger.Error("CRITICAL ALERT", fields...)
	case AlertLevelWarning:
		lar.logger.Warn("WARNING ALERT", fields...)
	default:
		lar.logger.Info("INFO ALERT", fields...)
	}
	return nil
}
