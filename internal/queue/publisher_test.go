package queue

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"mailshop/backend/internal/domain"
	"mailshop/backend/internal/service"
)

type fakeChannel struct {
	published []amqp.Publishing
	keys      []string
	failNext  error
	closed    bool
}

func (f *fakeChannel) PublishWithContext(_ context.Context, _, key string, _, _ bool, msg amqp.Publishing) error {
	if f.failNext != nil {
		err := f.failNext
		f.failNext = nil
		return err
	}
	f.keys = append(f.keys, key)
	f.published = append(f.published, msg)
	return nil
}

func (f *fakeChannel) Close() error {
	f.closed = true
	return nil
}

func newTestPublisher(dials *int, ch *fakeChannel, dialErr error) *Publisher {
	p := NewPublisher("amqp://test", "", zap.NewNop())
	p.now = func() time.Time { return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC) }
	p.dial = func(_ context.Context, url, queue string) (channel, func() error, error) {
		*dials++
		if dialErr != nil {
			return nil, nil, dialErr
		}
		return ch, func() error { return nil }, nil
	}
	return p
}

func TestPublisher_NotifyOrder(t *testing.T) {
	dials := 0
	ch := &fakeChannel{}
	p := newTestPublisher(&dials, ch, nil)

	event := service.OrderEvent{
		UserID: 42,
		Transaction: domain.Transaction{
			ID:        "buy_42_1_abcd",
			InvoiceID: "1001",
			Category:  "icloud",
			Quantity:  2,
			Amount:    decimal.RequireFromString("0.104"),
			Asset:     "USDT",
			Status:    domain.TransactionCompleted,
		},
		Credentials: []string{"a@icloud.com:secret", "b@icloud.com"},
	}

	require.NoError(t, p.NotifyOrder(context.Background(), event))
	require.NoError(t, p.NotifyOrder(context.Background(), event))
	assert.Equal(t, 1, dials)

	require.Len(t, ch.published, 2)
	assert.Equal(t, DefaultQueue, ch.keys[0])
	assert.Equal(t, amqp.Persistent, ch.published[0].DeliveryMode)
	assert.Equal(t, "application/json", ch.published[0].ContentType)

	var msg OrderEventMessage
	require.NoError(t, json.Unmarshal(ch.published[0].Body, &msg))
	assert.Equal(t, int64(42), msg.UserID)
	assert.Equal(t, "completed", msg.Status)
	assert.Equal(t, 2, msg.Delivered)
	assert.Equal(t, "0.104", msg.Amount)
	assert.NotEmpty(t, msg.EventID)
	// 凭据不会出现在消息中
	assert.NotContains(t, string(ch.published[0].Body), "secret")
}

func TestPublisher_ReconnectAfterFailure(t *testing.T) {
	dials := 0
	ch := &fakeChannel{failNext: errors.New("channel closed")}
	p := newTestPublisher(&dials, ch, nil)

	msg := OrderEventMessage{TransactionID: "tx1", Status: "expired"}
	assert.Error(t, p.Publish(context.Background(), msg))
	assert.True(t, ch.closed)

	require.NoError(t, p.Publish(context.Background(), msg))
	assert.Equal(t, 2, dials)
}

func TestPublisher_DialError(t *testing.T) {
	dials := 0
	p := newTestPublisher(&dials, nil, errors.New("connection refused"))
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return now }

	err := p.Publish(context.Background(), OrderEventMessage{TransactionID: "tx1"})
	assert.ErrorIs(t, err, ErrBrokerUnavailable)

	t.Run("退避期内不重连", func(t *testing.T) {
		err := p.Publish(context.Background(), OrderEventMessage{TransactionID: "tx2"})
		assert.ErrorIs(t, err, ErrBrokerUnavailable)
		assert.Equal(t, 1, dials)
	})

	t.Run("退避期后重连", func(t *testing.T) {
		now = now.Add(redialBackoff)
		_ = p.Publish(context.Background(), OrderEventMessage{TransactionID: "tx3"})
		assert.Equal(t, 2, dials)
	})

	assert.NoError(t, p.Close())
}

// startBlackHole 接受 TCP 连接但从不响应 AMQP 握手
func startBlackHole(t *testing.T) string {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	var (
		mu    sync.Mutex
		conns []net.Conn
	)
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			conns = append(conns, c)
			mu.Unlock()
		}
	}()
	t.Cleanup(func() {
		_ = ln.Close()
		mu.Lock()
		defer mu.Unlock()
		for _, c := range conns {
			_ = c.Close()
		}
	})
	return ln.Addr().String()
}

func TestPublisher_StalledBroker(t *testing.T) {
	addr := startBlackHole(t)
	p := NewPublisher("amqp://guest:guest@"+addr+"/", "", zap.NewNop())
	t.Cleanup(func() { _ = p.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- p.NotifyOrder(ctx, service.OrderEvent{
			UserID:      1,
			Transaction: domain.Transaction{ID: "tx1", Status: domain.TransactionExpired},
		})
	}()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrBrokerUnavailable)
	case <-time.After(3 * time.Second):
		t.Fatal("publish did not honour the caller's deadline")
	}

	// 退避期内立即失败，不再占用调用方
	start := time.Now()
	err := p.NotifyOrder(context.Background(), service.OrderEvent{
		UserID:      1,
		Transaction: domain.Transaction{ID: "tx2", Status: domain.TransactionExpired},
	})
	assert.ErrorIs(t, err, ErrBrokerUnavailable)
	assert.Less(t, time.Since(start), time.Second)
}
