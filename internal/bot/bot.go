package bot

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"mailshop/backend/internal/config"
	"mailshop/backend/internal/monitoring"
	"mailshop/backend/internal/pool"
	"mailshop/backend/internal/service"
)

// HealthReporter /db_status 展示的依赖健康状态
type HealthReporter interface {
	CheckHealth(ctx context.Context) map[string]string
}

// AlertSource /db_status 展示的未解除告警
type AlertSource interface {
	GetActiveAlerts() []monitoring.Alert
}

// Bot Telegram 前端：菜单、回调、管理命令，以及订单通知和告警推送。
//
// 更新由有界协程池并发处理，所有出站请求经过限速发送器。
type Bot struct {
	sender  *Sender
	shop    *service.ShopService
	workers *pool.WorkerPool
	health  HealthReporter
	alerts  AlertSource
	metrics *monitoring.Metrics
	log     *zap.Logger

	cfg             config.TelegramConfig
	asset           string
	discountPercent int
	handleTimeout   time.Duration
}

var (
	_ service.Notifier         = (*Bot)(nil)
	_ monitoring.AlertReceiver = (*Bot)(nil)
)

// New 创建机器人
func New(api API, shop *service.ShopService, cfg *config.Config, log *zap.Logger) *Bot {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("bot")

	tg := cfg.Telegram
	workers := tg.Workers
	if workers <= 0 {
		workers = 8
	}
	queueSize := tg.QueueSize
	if queueSize <= 0 {
		queueSize = 256
	}

	return &Bot{
		sender:          NewSender(api, tg.SendRate, log),
		shop:            shop,
		workers:         pool.NewWorkerPool(workers, queueSize, log),
		log:             log,
		cfg:             tg,
		asset:           cfg.Payment.Asset,
		discountPercent: cfg.Shop.ReferralDiscountPercent,
		handleTimeout:   cfg.IMAP.Timeout + 30*time.Second,
	}
}

// SetHealth 设置 /db_status 使用的健康检查
func (b *Bot) SetHealth(h HealthReporter) {
	b.health = h
}

// SetAlerts 设置 /db_status 使用的告警来源
func (b *Bot) SetAlerts(a AlertSource) {
	b.alerts = a
}

// SetMetrics 设置监控指标
func (b *Bot) SetMetrics(metrics *monitoring.Metrics) {
	b.metrics = metrics
	b.workers.OnPanic(func() {
		metrics.RecordPanic()
		metrics.RecordError("panic", "bot")
	})
}

// Start 启动更新处理协程池
func (b *Bot) Start(ctx context.Context) {
	b.workers.Start(ctx)
}

// Stop 停止接收新更新并等待处理中的更新完成
func (b *Bot) Stop() {
	b.workers.Stop()
}

// Dispatch 把一条更新交给协程池处理，队列满时阻塞直到 ctx 结束
func (b *Bot) Dispatch(ctx context.Context, upd tgbotapi.Update) error {
	return b.workers.Submit(ctx, b.task(upd))
}

// TryDispatch 队列满或协程池已停止时立即返回 false
func (b *Bot) TryDispatch(upd tgbotapi.Update) bool {
	return b.workers.TrySubmit(b.task(upd))
}

func (b *Bot) task(upd tgbotapi.Update) pool.Task {
	return func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, b.handleTimeout)
		defer cancel()
		b.HandleUpdate(ctx, upd)
	}
}

// Poll 长轮询模式：消费更新通道直到 ctx 结束或通道关闭
func (b *Bot) Poll(ctx context.Context, updates tgbotapi.UpdatesChannel) error {
	b.log.Info("telegram long polling started")
	for {
		select {
		case <-ctx.Done():
			return nil
		case upd, ok := <-updates:
			if !ok {
				return nil
			}
			if err := b.Dispatch(ctx, upd); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("dispatch update %d: %w", upd.UpdateID, err)
			}
		}
	}
}

// WebhookHandler webhook 模式下接收 Telegram 推送的更新
func (b *Bot) WebhookHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var upd tgbotapi.Update
		if err := json.NewDecoder(r.Body).Decode(&upd); err != nil {
			b.log.Warn("invalid webhook payload", zap.Error(err))
			http.Error(w, "invalid update", http.StatusBadRequest)
			return
		}

		// 不阻塞回调请求，返回 503 后 Telegram 会重新投递
		if !b.TryDispatch(upd) {
			b.log.Warn("update dropped, worker queue full", zap.Int("update_id", upd.UpdateID))
			if b.metrics != nil {
				b.metrics.RecordError("queue_full", "bot")
			}
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
}

// RegisterWebhook 向 Telegram 注册 webhook 地址
func RegisterWebhook(api API, url string) error {
	wh, err := tgbotapi.NewWebhook(url)
	if err != nil {
		return fmt.Errorf("build webhook config: %w", err)
	}
	if _, err := api.Request(wh); err != nil {
		return fmt.Errorf("set webhook: %w", err)
	}
	return nil
}

// DeleteWebhook 删除 webhook，长轮询前必须调用
func DeleteWebhook(api API) error {
	if _, err := api.Request(tgbotapi.DeleteWebhookConfig{}); err != nil {
		return fmt.Errorf("delete webhook: %w", err)
	}
	return nil
}

// HandleUpdate 同步处理一条更新
func (b *Bot) HandleUpdate(ctx context.Context, upd tgbotapi.Update) {
	switch {
	case upd.CallbackQuery != nil:
		b.handleCallback(ctx, upd.CallbackQuery)
	case upd.Message != nil:
		b.handleMessage(ctx, upd.Message)
	}
}

// reply 发送一条 HTML 消息
func (b *Bot) reply(ctx context.Context, chatID int64, v view) (tgbotapi.Message, error) {
	msg := tgbotapi.NewMessage(chatID, truncate(v.Text))
	msg.ParseMode = tgbotapi.ModeHTML
	msg.DisableWebPagePreview = true
	if v.Keyboard != nil {
		msg.ReplyMarkup = *v.Keyboard
	}
	return b.sender.Send(ctx, msg)
}

func (b *Bot) replyText(ctx context.Context, chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, truncate(text))
	_, _ = b.sender.Send(ctx, msg)
}

func (b *Bot) deleteMessage(ctx context.Context, chatID int64, messageID int) {
	_ = b.sender.Request(ctx, tgbotapi.NewDeleteMessage(chatID, messageID))
}
