package service

import (
	"context"
	"errors"

	"mailshop/backend/internal/domain"
)

// OrderEvent 交易进入终态时发出的事件
type OrderEvent struct {
	UserID      int64
	Transaction domain.Transaction
	Credentials []string // 仅 completed 时有值
	Reason      string   // failed 时的原因
}

// Notifier 订单事件接收方（Telegram 消息、消息队列等）
type Notifier interface {
	NotifyOrder(ctx context.Context, event OrderEvent) error
}

// NotifierFunc 函数适配器
type NotifierFunc func(ctx context.Context, event OrderEvent) error

// NotifyOrder 实现 Notifier
func (f NotifierFunc) NotifyOrder(ctx context.Context, event OrderEvent) error {
	return f(ctx, event)
}

// MultiNotifier 依次通知所有接收方，单个失败不影响其他接收方
type MultiNotifier []Notifier

// NotifyOrder 实现 Notifier
func (m MultiNotifier) NotifyOrder(ctx context.Context, event OrderEvent) error {
	var errs []error
	for _, n := range m {
		if n == nil {
			continue
		}
		if err := n.NotifyOrder(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
