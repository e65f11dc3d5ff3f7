package bot

import (
	"context"
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// API Telegram Bot API 中机器人用到的部分，*tgbotapi.BotAPI 满足该接口
type API interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
}

// Sender 带全局限速的消息发送器。
//
// Telegram 对单个机器人的发送频率有限制，超出后返回 429，
// 所有出站请求统一经过同一个令牌桶。
type Sender struct {
	api     API
	limiter *rate.Limiter
	log     *zap.Logger
}

// NewSender 创建发送器，perSecond <= 0 表示不限速
func NewSender(api API, perSecond float64, log *zap.Logger) *Sender {
	if log == nil {
		log = zap.NewNop()
	}
	limit := rate.Inf
	burst := 1
	if perSecond > 0 {
		limit = rate.Limit(perSecond)
		burst = max(1, int(perSecond))
	}
	return &Sender{
		api:     api,
		limiter: rate.NewLimiter(limit, burst),
		log:     log,
	}
}

// Send 发送消息类请求
func (s *Sender) Send(ctx context.Context, c tgbotapi.Chattable) (tgbotapi.Message, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return tgbotapi.Message{}, fmt.Errorf("send throttled: %w", err)
	}
	msg, err := s.api.Send(c)
	if err != nil {
		s.log.Warn("telegram send failed", zap.Error(err))
		return msg, err
	}
	return msg, nil
}

// Request 发送不返回消息的请求（删除消息、回答回调等）
func (s *Sender) Request(ctx context.Context, c tgbotapi.Chattable) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("request throttled: %w", err)
	}
	if _, err := s.api.Request(c); err != nil {
		s.log.Debug("telegram request failed", zap.Error(err))
		return err
	}
	return nil
}
