package service

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"mailshop/backend/internal/config"
	"mailshop/backend/internal/domain"
	"mailshop/backend/internal/monitoring"
	"mailshop/backend/internal/payment"
	"mailshop/backend/internal/storage"
)

// notifyTimeout 单次订单通知的最长时间，慢的接收方不会拖住对账
const notifyTimeout = 10 * time.Second

// Reconciler 定时轮询支付网关，把已支付的交易转换为库存交付。
//
// 进程内只应运行一个 Reconciler；重复履约由存储层的条件更新保证不会发生。
type Reconciler struct {
	store    storage.Store
	gateway  Gateway
	notifier Notifier
	metrics  *monitoring.Metrics
	log      *zap.Logger
	interval time.Duration
	workers  int
	support  string
}

// NewReconciler 创建对账器
func NewReconciler(store storage.Store, gateway Gateway, notifier Notifier, cfg *config.Config, log *zap.Logger) *Reconciler {
	if log == nil {
		log = zap.NewNop()
	}
	interval := cfg.Reconcile.Interval
	if interval <= 0 {
		interval = 20 * time.Second
	}
	workers := cfg.Reconcile.Workers
	if workers <= 0 {
		workers = 4
	}
	return &Reconciler{
		store:    store,
		gateway:  gateway,
		notifier: notifier,
		log:      log.Named("reconciler"),
		interval: interval,
		workers:  workers,
		support:  cfg.Telegram.SupportContact,
	}
}

// SetMetrics 设置监控指标
func (r *Reconciler) SetMetrics(metrics *monitoring.Metrics) {
	r.metrics = metrics
}

// Run 按固定间隔对账直到 ctx 取消，两次对账不会重叠
func (r *Reconciler) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.log.Info("starting reconciliation loop", zap.Duration("interval", r.interval))

	for {
		select {
		case <-ctx.Done():
			r.log.Info("reconciliation loop stopped")
			return nil
		case <-ticker.C:
			if err := r.RunOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
				r.log.Error("reconciliation pass failed", zap.Error(err))
			}
		}
	}
}

// RunOnce 执行一次对账：每笔待支付交易独立处理，单笔失败不影响其他交易
func (r *Reconciler) RunOnce(ctx context.Context) error {
	start := time.Now()

	pending, err := r.store.ListPendingTransactions(ctx)
	if err != nil {
		return err
	}

	var g errgroup.Group
	g.SetLimit(r.workers)
	for _, p := range pending {
		if p.Transaction.InvoiceID == "" {
			continue
		}
		g.Go(func() error {
			r.process(ctx, p)
			return nil
		})
	}
	_ = g.Wait()

	if r.metrics != nil {
		r.metrics.RecordReconcile(time.Since(start), len(pending))
	}
	if len(pending) > 0 {
		r.log.Debug("reconciliation pass finished",
			zap.Int("pending", len(pending)),
			zap.Duration("elapsed", time.Since(start)),
		)
	}
	return ctx.Err()
}

func (r *Reconciler) process(ctx context.Context, p domain.PendingTransaction) {
	status, err := r.gateway.GetInvoiceStatus(ctx, p.Transaction.InvoiceID)
	if err != nil {
		// 网关错误时交易保持 pending，下一轮重试
		if r.metrics != nil {
			r.metrics.RecordGatewayError("getInvoices")
		}
		r.log.Warn("failed to check invoice",
			zap.Int64("user_id", p.UserID),
			zap.String("transaction_id", p.Transaction.ID),
			zap.String("invoice_id", p.Transaction.InvoiceID),
			zap.Error(err),
		)
		return
	}

	switch status {
	case payment.StatusPaid:
		_, _ = r.Fulfill(ctx, p)
	case payment.StatusExpired:
		_ = r.Expire(ctx, p)
	}
}

// Fulfill 履约一笔已支付交易。
//
// 交易已不处于 pending 时返回 storage.ErrTransactionNotPending 且没有任何副作用；
// 库存不足时返回 storage.ErrInsufficientInventory，交易标记为 failed 并通知买家；
// 库存被并发履约锁定时返回 storage.ErrInventoryContended，交易保持 pending 留待下一轮。
func (r *Reconciler) Fulfill(ctx context.Context, p domain.PendingTransaction) ([]domain.PoolItem, error) {
	tx := p.Transaction
	log := r.log.With(
		zap.Int64("user_id", p.UserID),
		zap.String("transaction_id", tx.ID),
		zap.String("category", tx.Category),
		zap.Int("quantity", tx.Quantity),
	)

	items, err := r.store.FulfillTransaction(ctx, p.UserID, tx.ID)
	switch {
	case errors.Is(err, storage.ErrTransactionNotPending):
		log.Debug("transaction already settled")
		return nil, err

	case errors.Is(err, storage.ErrInsufficientInventory):
		log.Warn("insufficient inventory, transaction failed")
		tx.Status = domain.TransactionFailed
		r.recordOutcome(tx)
		r.notify(ctx, OrderEvent{
			UserID:      p.UserID,
			Transaction: tx,
			Reason:      "insufficient inventory, contact " + r.support,
		})
		return nil, err

	case errors.Is(err, storage.ErrInventoryContended):
		log.Info("inventory locked by another fulfillment, retrying next pass")
		return nil, err

	case err != nil:
		log.Error("fulfillment failed", zap.Error(err))
		return nil, err
	}

	creds := domain.Credentials(items)
	tx.Status = domain.TransactionCompleted
	tx.Fulfilled = creds

	r.recordOutcome(tx)
	if r.metrics != nil {
		r.metrics.RecordItemsDelivered(tx.Category, len(items))
	}
	log.Info("transaction fulfilled", zap.Int("delivered", len(items)))

	r.notify(ctx, OrderEvent{UserID: p.UserID, Transaction: tx, Credentials: creds})
	return items, nil
}

// Expire 把过期发票对应的交易标记为 expired，不触碰库存和账本
func (r *Reconciler) Expire(ctx context.Context, p domain.PendingTransaction) error {
	err := r.store.SetTransactionStatus(ctx, p.UserID, p.Transaction.ID, domain.TransactionPending, domain.TransactionExpired)
	if errors.Is(err, storage.ErrTransactionNotPending) {
		return nil
	}
	if err != nil {
		r.log.Error("failed to expire transaction",
			zap.String("transaction_id", p.Transaction.ID),
			zap.Error(err),
		)
		return err
	}

	tx := p.Transaction
	tx.Status = domain.TransactionExpired
	r.recordOutcome(tx)
	r.log.Info("transaction expired",
		zap.Int64("user_id", p.UserID),
		zap.String("transaction_id", tx.ID),
	)
	r.notify(ctx, OrderEvent{UserID: p.UserID, Transaction: tx})
	return nil
}

func (r *Reconciler) recordOutcome(tx domain.Transaction) {
	if r.metrics != nil {
		r.metrics.RecordTransactionOutcome(tx.Category, string(tx.Status))
	}
}

func (r *Reconciler) notify(ctx context.Context, event OrderEvent) {
	if r.notifier == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, notifyTimeout)
	defer cancel()
	if err := r.notifier.NotifyOrder(ctx, event); err != nil {
		r.log.Warn("failed to deliver order notification",
			zap.Int64("user_id", event.UserID),
			zap.String("transaction_id", event.Transaction.ID),
			zap.Error(err),
		)
	}
}
