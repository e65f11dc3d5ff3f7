package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"mailshop/backend/internal/service"
)

// DefaultQueue 订单事件队列名
const DefaultQueue = "orders.events"

// OrderEventMessage 发布到队列的订单事件，不包含凭据内容
type OrderEventMessage struct {
	EventID       string    `json:"event_id"`
	UserID        int64     `json:"user_id"`
	TransactionID string    `json:"transaction_id"`
	InvoiceID     string    `json:"invoice_id"`
	Category      string    `json:"category"`
	Quantity      int       `json:"quantity"`
	Delivered     int       `json:"delivered"`
	Amount        string    `json:"amount"`
	Asset         string    `json:"asset"`
	Status        string    `json:"status"`
	Reason        string    `json:"reason,omitempty"`
	OccurredAt    time.Time `json:"occurred_at"`
}

// channel 发布所需的 AMQP 通道能力
type channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// dialFunc 建立连接并声明队列，返回通道和关闭连接的函数
type dialFunc func(ctx context.Context, url, queue string) (channel, func() error, error)

const (
	// dialTimeout 建立连接和 AMQP 握手的最长时间
	dialTimeout = 5 * time.Second
	// redialBackoff 连接失败后在这段时间内直接返回错误，不再重连
	redialBackoff = 10 * time.Second
)

// ErrBrokerUnavailable 最近一次连接失败，处于重连退避期
var ErrBrokerUnavailable = errors.New("rabbitmq unavailable")

// Publisher 把订单终态事件发布到 RabbitMQ。
//
// 连接在首次发布时建立，发布失败后丢弃连接，下次发布时重连。
// 建立连接不持有锁，连接失败后退避 redialBackoff。
type Publisher struct {
	url   string
	queue string
	dial  dialFunc
	log   *zap.Logger
	now   func() time.Time

	mu        sync.Mutex
	ch        channel
	closeConn func() error
	retryAt   time.Time
}

var _ service.Notifier = (*Publisher)(nil)

// NewPublisher 创建发布器
func NewPublisher(url, queue string, log *zap.Logger) *Publisher {
	if queue == "" {
		queue = DefaultQueue
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Publisher{
		url:   url,
		queue: queue,
		dial:  dialAMQP,
		log:   log.Named("queue"),
		now:   time.Now,
	}
}

func dialAMQP(ctx context.Context, url, queue string) (channel, func() error, error) {
	deadline := time.Now().Add(dialTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	var (
		dialer net.Dialer
		stop   func() bool
	)
	conn, err := amqp.DialConfig(url, amqp.Config{
		Heartbeat: 10 * time.Second,
		Locale:    "en_US",
		Dial: func(network, addr string) (net.Conn, error) {
			c, err := dialer.DialContext(ctx, network, addr)
			if err != nil {
				return nil, err
			}
			// 握手完成后 amqp 会清除该期限
			if err := c.SetDeadline(deadline); err != nil {
				_ = c.Close()
				return nil, err
			}
			stop = context.AfterFunc(ctx, func() { _ = c.Close() })
			return c, nil
		},
	})
	if stop != nil && !stop() && err == nil {
		_ = conn.Close()
		err = ctx.Err()
	}
	if err != nil {
		return nil, nil, fmt.Errorf("dial broker: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("open channel: %w", err)
	}

	// 持久化队列，broker 重启后消息不丢失
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, nil, fmt.Errorf("declare queue %s: %w", queue, err)
	}
	return ch, conn.Close, nil
}

// NotifyOrder 实现 service.Notifier
func (p *Publisher) NotifyOrder(ctx context.Context, event service.OrderEvent) error {
	tx := event.Transaction
	msg := OrderEventMessage{
		EventID:       uuid.NewString(),
		UserID:        event.UserID,
		TransactionID: tx.ID,
		InvoiceID:     tx.InvoiceID,
		Category:      tx.Category,
		Quantity:      tx.Quantity,
		Delivered:     len(event.Credentials),
		Amount:        tx.Amount.String(),
		Asset:         tx.Asset,
		Status:        string(tx.Status),
		Reason:        event.Reason,
		OccurredAt:    p.now().UTC(),
	}
	return p.Publish(ctx, msg)
}

// Publish 发布一条事件消息
func (p *Publisher) Publish(ctx context.Context, msg OrderEventMessage) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal order event: %w", err)
	}

	ch, err := p.acquire(ctx)
	if err != nil {
		return err
	}

	err = ch.PublishWithContext(ctx, "", p.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    msg.EventID,
		Timestamp:    msg.OccurredAt,
		Body:         body,
	})
	if err != nil {
		p.log.Warn("publish failed, dropping connection",
			zap.String("transaction_id", msg.TransactionID),
			zap.Error(err),
		)
		p.mu.Lock()
		if p.ch == ch {
			_ = p.resetLocked()
		}
		p.mu.Unlock()
		return fmt.Errorf("publish order event: %w", err)
	}

	p.log.Debug("order event published",
		zap.String("event_id", msg.EventID),
		zap.String("transaction_id", msg.TransactionID),
		zap.String("status", msg.Status),
	)
	return nil
}

// acquire 返回当前通道，没有时建立新连接
func (p *Publisher) acquire(ctx context.Context) (channel, error) {
	p.mu.Lock()
	if p.ch != nil {
		ch := p.ch
		p.mu.Unlock()
		return ch, nil
	}
	if p.now().Before(p.retryAt) {
		p.mu.Unlock()
		return nil, ErrBrokerUnavailable
	}
	p.mu.Unlock()

	ch, closeConn, err := p.dial(ctx, p.url, p.queue)

	p.mu.Lock()
	defer p.mu.Unlock()
	if err != nil {
		p.retryAt = p.now().Add(redialBackoff)
		p.log.Warn("rabbitmq unavailable", zap.Error(err))
		return nil, fmt.Errorf("%w: %w", ErrBrokerUnavailable, err)
	}
	if p.ch != nil {
		// 并发发布已建立连接，丢弃本次的
		_ = ch.Close()
		if closeConn != nil {
			_ = closeConn()
		}
		return p.ch, nil
	}
	p.ch, p.closeConn = ch, closeConn
	p.retryAt = time.Time{}
	return ch, nil
}

// Close 关闭通道和连接
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.resetLocked()
}

func (p *Publisher) resetLocked() error {
	if p.ch == nil {
		return nil
	}
	_ = p.ch.Close()
	var err error
	if p.closeConn != nil {
		err = p.closeConn()
	}
	p.ch, p.closeConn = nil, nil
	return err
}
