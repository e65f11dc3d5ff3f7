package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"mailshop/backend/internal/config"
	"mailshop/backend/internal/domain"
	"mailshop/backend/internal/mailscan"
	"mailshop/backend/internal/monitoring"
	"mailshop/backend/internal/payment"
	"mailshop/backend/internal/storage"
	"mailshop/backend/internal/storage/memory"
)

// MockGateway 模拟支付网关
type MockGateway struct {
	mock.Mock
}

func (m *MockGateway) CreateInvoice(ctx context.Context, req payment.InvoiceRequest) (payment.Invoice, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(payment.Invoice), args.Error(1)
}

func (m *MockGateway) GetInvoiceStatus(ctx context.Context, invoiceID string) (payment.InvoiceStatus, error) {
	args := m.Called(ctx, invoiceID)
	return args.Get(0).(payment.InvoiceStatus), args.Error(1)
}

// MockScanner 模拟验证码扫描器
type MockScanner struct {
	mock.Mock
}

func (m *MockScanner) Scan(ctx context.Context, identity string) (mailscan.Result, error) {
	args := m.Called(ctx, identity)
	return args.Get(0).(mailscan.Result), args.Error(1)
}

// recordingNotifier 记录收到的订单事件
type recordingNotifier struct {
	mu     sync.Mutex
	events []OrderEvent
}

func (n *recordingNotifier) NotifyOrder(_ context.Context, event OrderEvent) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
	return nil
}

func (n *recordingNotifier) snapshot() []OrderEvent {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]OrderEvent(nil), n.events...)
}

func testConfig() *config.Config {
	return &config.Config{
		Telegram: config.TelegramConfig{SupportContact: "@support", BotLink: "https://t.me/shop_bot"},
		Payment:  config.PaymentConfig{Asset: "USDT", InvoiceTTL: time.Hour},
		Reconcile: config.ReconcileConfig{
			Interval: 10 * time.Millisecond,
			Workers:  4,
		},
		Shop: config.ShopConfig{
			Catalog: []config.CategoryConfig{
				{Key: "icloud", Title: "ПОЧТЫ ICLOUD", Price: decimal.RequireFromString("0.052")},
				{Key: "usa", Title: "USA", Price: decimal.RequireFromString("0.1")},
			},
			MaxPerOrder:             10,
			ReferralDiscountPercent: 10,
			CodeRequestsPerMinute:   2,
		},
	}
}

func seed(t *testing.T, store *memory.Store, category string, identities ...string) {
	t.Helper()
	items := make([]domain.PoolItem, 0, len(identities))
	for _, id := range identities {
		items = append(items, domain.PoolItem{Identity: id})
	}
	_, err := store.AddPoolItems(context.Background(), category, items)
	require.NoError(t, err)
}

func touch(t *testing.T, store *memory.Store, userID int64) {
	t.Helper()
	_, err := store.UpsertUser(context.Background(), domain.UserProfile{ID: userID})
	require.NoError(t, err)
}

func newMetrics() *monitoring.Metrics {
	reg := prometheus.NewRegistry()
	return monitoring.NewMetricsWithRegistry(reg, reg)
}

// ========== ShopService ==========

func TestShopService_RequestPurchase(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	gateway := new(MockGateway)
	shop := NewShopService(store, gateway, nil, testConfig(), zap.NewNop())
	shop.SetMetrics(newMetrics())

	seed(t, store, "icloud", "a@icloud.com", "b@icloud.com", "c@icloud.com")
	touch(t, store, 42)

	gateway.On("CreateInvoice", mock.Anything, mock.MatchedBy(func(req payment.InvoiceRequest) bool {
		return req.Amount.Equal(decimal.RequireFromString("0.156")) &&
			req.Asset == "USDT" &&
			req.PaidButtonName == "openBot" &&
			req.PaidButtonURL == "https://t.me/shop_bot" &&
			strings.HasPrefix(req.Payload, "buy_42_") &&
			req.ExpiresIn == time.Hour
	})).Return(payment.Invoice{ID: "1001", PayURL: "https://pay/1001"}, nil).Once()

	res, err := shop.RequestPurchase(ctx, 42, "icloud", 3)
	require.NoError(t, err)
	assert.Equal(t, "https://pay/1001", res.PayURL)
	assert.Equal(t, domain.TransactionPending, res.Transaction.Status)
	assert.Equal(t, "1001", res.Transaction.InvoiceID)
	assert.False(t, res.Transaction.DiscountApplied)

	user, err := store.GetUser(ctx, 42)
	require.NoError(t, err)
	require.Contains(t, user.Transactions, res.Transaction.ID)
	assert.Equal(t, 3, user.Transactions[res.Transaction.ID].Quantity)

	// 创建发票不占用库存
	count, err := store.CountPoolItems(ctx, "icloud")
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	gateway.AssertExpectations(t)
}

func TestShopService_RequestPurchaseValidation(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	gateway := new(MockGateway)
	shop := NewShopService(store, gateway, nil, testConfig(), zap.NewNop())

	seed(t, store, "icloud", "a@icloud.com", "b@icloud.com")
	touch(t, store, 1)

	tests := []struct {
		name     string
		category string
		quantity int
		wantErr  error
	}{
		{"未知分类", "gmail", 1, ErrUnknownCategory},
		{"数量为零", "icloud", 0, ErrInvalidQuantity},
		{"超过单次上限", "icloud", 11, ErrInvalidQuantity},
		{"库存不足", "icloud", 3, ErrOutOfStock},
		{"空分类", "usa", 1, ErrOutOfStock},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := shop.RequestPurchase(ctx, 1, tt.category, tt.quantity)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}

	gateway.AssertNotCalled(t, "CreateInvoice", mock.Anything, mock.Anything)
}

func TestShopService_RequestPurchaseGatewayError(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	gateway := new(MockGateway)
	shop := NewShopService(store, gateway, nil, testConfig(), zap.NewNop())

	seed(t, store, "icloud", "a@icloud.com")
	touch(t, store, 7)

	gateway.On("CreateInvoice", mock.Anything, mock.Anything).
		Return(payment.Invoice{}, payment.ErrGateway).Once()

	_, err := shop.RequestPurchase(ctx, 7, "icloud", 1)
	assert.ErrorIs(t, err, payment.ErrGateway)

	user, err := store.GetUser(ctx, 7)
	require.NoError(t, err)
	assert.Empty(t, user.Transactions)
}

func TestShopService_Quote(t *testing.T) {
	shop := NewShopService(memory.NewStore(), nil, nil, testConfig(), zap.NewNop())

	amount, discounted, err := shop.Quote(&domain.User{}, "icloud", 2)
	require.NoError(t, err)
	assert.False(t, discounted)
	assert.True(t, decimal.RequireFromString("0.104").Equal(amount))

	amount, discounted, err = shop.Quote(&domain.User{DiscountEligible: true}, "usa", 3)
	require.NoError(t, err)
	assert.True(t, discounted)
	assert.True(t, decimal.RequireFromString("0.27").Equal(amount), amount.String())

	reserved := &domain.User{
		DiscountEligible: true,
		Transactions: map[string]*domain.Transaction{
			"tx1": {ID: "tx1", Status: domain.TransactionPending, DiscountApplied: true},
		},
	}
	amount, discounted, err = shop.Quote(reserved, "usa", 3)
	require.NoError(t, err)
	assert.False(t, discounted, "待支付交易已占用折扣")
	assert.True(t, decimal.RequireFromString("0.3").Equal(amount), amount.String())
}

func TestShopService_DiscountReservation(t *testing.T) {
	ctx := context.Background()

	t.Run("待支付期间再次下单不打折", func(t *testing.T) {
		store := memory.NewStore()
		gateway := new(MockGateway)
		shop := NewShopService(store, gateway, nil, testConfig(), zap.NewNop())

		seed(t, store, "usa", "a@x.com", "b@x.com")
		touch(t, store, 1)
		touch(t, store, 2)
		require.NoError(t, store.AddReferral(ctx, 1, 2))

		gateway.On("CreateInvoice", mock.Anything, mock.Anything).
			Return(payment.Invoice{ID: "1001", PayURL: "https://pay/1001"}, nil)

		first, err := shop.RequestPurchase(ctx, 2, "usa", 1)
		require.NoError(t, err)
		assert.True(t, first.Transaction.DiscountApplied)
		assert.True(t, decimal.RequireFromString("0.09").Equal(first.Transaction.Amount))

		second, err := shop.RequestPurchase(ctx, 2, "usa", 1)
		require.NoError(t, err)
		assert.False(t, second.Transaction.DiscountApplied)
		assert.True(t, decimal.RequireFromString("0.1").Equal(second.Transaction.Amount))
	})

	t.Run("折扣交易过期后可再次使用", func(t *testing.T) {
		store := memory.NewStore()
		gateway := new(MockGateway)
		shop := NewShopService(store, gateway, nil, testConfig(), zap.NewNop())

		seed(t, store, "usa", "a@x.com")
		touch(t, store, 1)
		touch(t, store, 2)
		require.NoError(t, store.AddReferral(ctx, 1, 2))

		gateway.On("CreateInvoice", mock.Anything, mock.Anything).
			Return(payment.Invoice{ID: "1001", PayURL: "https://pay/1001"}, nil)

		first, err := shop.RequestPurchase(ctx, 2, "usa", 1)
		require.NoError(t, err)
		require.True(t, first.Transaction.DiscountApplied)
		require.NoError(t, store.SetTransactionStatus(ctx, 2, first.Transaction.ID,
			domain.TransactionPending, domain.TransactionExpired))

		again, err := shop.RequestPurchase(ctx, 2, "usa", 1)
		require.NoError(t, err)
		assert.True(t, again.Transaction.DiscountApplied)
	})

	t.Run("并发下单只有一笔打折", func(t *testing.T) {
		store := memory.NewStore()
		gateway := new(MockGateway)
		shop := NewShopService(store, gateway, nil, testConfig(), zap.NewNop())

		seed(t, store, "usa", "a@x.com", "b@x.com", "c@x.com")
		touch(t, store, 1)
		touch(t, store, 2)
		require.NoError(t, store.AddReferral(ctx, 1, 2))

		gateway.On("CreateInvoice", mock.Anything, mock.Anything).
			Return(payment.Invoice{ID: "1001", PayURL: "https://pay/1001"}, nil)

		var (
			wg         sync.WaitGroup
			mu         sync.Mutex
			discounted int
		)
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				res, err := shop.RequestPurchase(ctx, 2, "usa", 1)
				if err != nil {
					return
				}
				if res.Transaction.DiscountApplied {
					mu.Lock()
					discounted++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, 1, discounted)
		user, err := store.GetUser(ctx, 2)
		require.NoError(t, err)
		assert.Len(t, user.Transactions, 8)
		assert.Empty(t, shop.purchasing, "用户锁在释放后被回收")
	})
}

func TestShopService_MaxQuantity(t *testing.T) {
	store := memory.NewStore()
	shop := NewShopService(store, nil, nil, testConfig(), zap.NewNop())

	seed(t, store, "icloud", "a@x.com", "b@x.com", "c@x.com")
	n, err := shop.MaxQuantity(context.Background(), "icloud")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	many := make([]string, 0, 15)
	for i := 0; i < 15; i++ {
		many = append(many, string(rune('a'+i))+"@y.com")
	}
	seed(t, store, "usa", many...)
	n, err = shop.MaxQuantity(context.Background(), "usa")
	require.NoError(t, err)
	assert.Equal(t, 10, n)
}

func TestShopService_RequestCode(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	scanner := new(MockScanner)
	shop := NewShopService(store, nil, scanner, testConfig(), zap.NewNop())
	shop.SetRateLimiter(store)
	shop.SetMetrics(newMetrics())

	// 用户 5 通过履约获得 owned@icloud.com
	seed(t, store, "icloud", "owned@icloud.com")
	touch(t, store, 5)
	require.NoError(t, store.CreateTransaction(ctx, 5, &domain.Transaction{
		ID: "buy_5_1_x", Category: "icloud", InvoiceID: "1", Quantity: 1, Status: domain.TransactionPending,
	}))
	_, err := store.FulfillTransaction(ctx, 5, "buy_5_1_x")
	require.NoError(t, err)

	scanner.On("Scan", mock.Anything, "owned@icloud.com").
		Return(mailscan.Result{Code: "123456", Found: true, Checked: 3}, nil)

	t.Run("找到验证码", func(t *testing.T) {
		res, err := shop.RequestCode(ctx, 5, " Owned@iCloud.com ")
		require.NoError(t, err)
		assert.True(t, res.Found)
		assert.Equal(t, "123456", res.Code)
	})

	t.Run("未购买的地址", func(t *testing.T) {
		_, err := shop.RequestCode(ctx, 5, "other@icloud.com")
		assert.ErrorIs(t, err, ErrNotOwner)
	})

	t.Run("超出频率限制", func(t *testing.T) {
		_, err := shop.RequestCode(ctx, 5, "owned@icloud.com")
		require.NoError(t, err)
		_, err = shop.RequestCode(ctx, 5, "owned@icloud.com")
		assert.ErrorIs(t, err, ErrRateLimited)
	})

	t.Run("空地址", func(t *testing.T) {
		_, err := shop.RequestCode(ctx, 5, "  ")
		assert.ErrorIs(t, err, mailscan.ErrEmptyIdentity)
	})

	scanner.AssertNumberOfCalls(t, "Scan", 2)
}

func TestShopService_RequestCodeScanError(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	scanner := new(MockScanner)
	shop := NewShopService(store, nil, scanner, testConfig(), zap.NewNop())

	seed(t, store, "icloud", "x@icloud.com")
	touch(t, store, 9)
	require.NoError(t, store.CreateTransaction(ctx, 9, &domain.Transaction{
		ID: "buy_9_1_x", Category: "icloud", InvoiceID: "1", Quantity: 1, Status: domain.TransactionPending,
	}))
	_, err := store.FulfillTransaction(ctx, 9, "buy_9_1_x")
	require.NoError(t, err)

	scanner.On("Scan", mock.Anything, "x@icloud.com").
		Return(mailscan.Result{}, mailscan.ErrMailboxAuth).Once()

	_, err = shop.RequestCode(ctx, 9, "x@icloud.com")
	assert.ErrorIs(t, err, mailscan.ErrMailboxAuth)
}

func TestShopService_AddPoolItems(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	shop := NewShopService(store, nil, nil, testConfig(), zap.NewNop())

	res, err := shop.AddPoolItems(ctx, "icloud", "a@icloud.com, b@icloud.com:pass\nnot-an-email")
	require.NoError(t, err)
	assert.Equal(t, 2, res.Added)
	assert.Equal(t, 0, res.Duplicates)
	assert.Len(t, res.Rejected, 1)
	assert.Equal(t, 2, res.Total)

	res, err = shop.AddPoolItems(ctx, "icloud", "a@icloud.com c@icloud.com")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Added)
	assert.Equal(t, 1, res.Duplicates)
	assert.Equal(t, 3, res.Total)

	_, err = shop.AddPoolItems(ctx, "gmail", "a@gmail.com")
	assert.ErrorIs(t, err, ErrUnknownCategory)

	_, err = shop.AddPoolItems(ctx, "icloud", "   ")
	assert.ErrorIs(t, err, domain.ErrEmptyPoolList)

	status, err := shop.PoolStatus(ctx, "icloud", 2)
	require.NoError(t, err)
	assert.Equal(t, 3, status.Count)
	assert.Len(t, status.Sample, 2)
}

func TestShopService_RegisterReferral(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	shop := NewShopService(store, nil, nil, testConfig(), zap.NewNop())

	touch(t, store, 1)
	touch(t, store, 2)

	require.NoError(t, shop.RegisterReferral(ctx, 1, 2))

	invitee, err := store.GetUser(ctx, 2)
	require.NoError(t, err)
	assert.True(t, invitee.DiscountEligible)

	assert.ErrorIs(t, shop.RegisterReferral(ctx, 1, 2), storage.ErrInvalidReferral)
	assert.ErrorIs(t, shop.RegisterReferral(ctx, 3, 3), storage.ErrInvalidReferral)
	assert.ErrorIs(t, shop.RegisterReferral(ctx, 99, 1), storage.ErrInvalidReferral)
}

func TestShopService_Stats(t *testing.T) {
	store := memory.NewStore()
	shop := NewShopService(store, nil, nil, testConfig(), zap.NewNop())
	seed(t, store, "icloud", "a@x.com")
	touch(t, store, 1)

	stats, err := shop.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Users)
	assert.Equal(t, "OK", stats.Database)
	require.Len(t, stats.Pools, 2)
	assert.Equal(t, 1, stats.Pools[0].Count)
	assert.Equal(t, 0, stats.Pools[1].Count)
}

func TestNewTransactionID(t *testing.T) {
	now := time.UnixMilli(1700000000000)
	a := NewTransactionID(42, now)
	b := NewTransactionID(42, now)
	assert.True(t, strings.HasPrefix(a, "buy_42_1700000000000_"))
	assert.Len(t, a, len("buy_42_1700000000000_")+8)
	assert.NotEqual(t, a, b)
}

// ========== Reconciler ==========

func pendingTx(t *testing.T, store *memory.Store, userID int64, txID, category string, qty int, discount bool) domain.PendingTransaction {
	t.Helper()
	touch(t, store, userID)
	tx := domain.Transaction{
		ID:              txID,
		Category:        category,
		InvoiceID:       "inv-" + txID,
		Quantity:        qty,
		Amount:          decimal.NewFromInt(int64(qty)),
		Asset:           "USDT",
		Status:          domain.TransactionPending,
		DiscountApplied: discount,
	}
	require.NoError(t, store.CreateTransaction(context.Background(), userID, &tx))
	return domain.PendingTransaction{UserID: userID, Transaction: tx}
}

func TestReconciler_RunOnce(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	gateway := new(MockGateway)
	notifier := &recordingNotifier{}
	r := NewReconciler(store, gateway, notifier, testConfig(), zap.NewNop())
	r.SetMetrics(newMetrics())

	seed(t, store, "icloud", "a@x.com", "b@x.com", "c@x.com", "d@x.com")
	pendingTx(t, store, 1, "paid", "icloud", 2, false)
	pendingTx(t, store, 2, "expired", "icloud", 1, false)
	pendingTx(t, store, 3, "active", "icloud", 1, false)
	pendingTx(t, store, 4, "broken", "icloud", 1, false)

	gateway.On("GetInvoiceStatus", mock.Anything, "inv-paid").Return(payment.StatusPaid, nil)
	gateway.On("GetInvoiceStatus", mock.Anything, "inv-expired").Return(payment.StatusExpired, nil)
	gateway.On("GetInvoiceStatus", mock.Anything, "inv-active").Return(payment.StatusPending, nil)
	gateway.On("GetInvoiceStatus", mock.Anything, "inv-broken").Return(payment.StatusUnknown, payment.ErrGateway)

	require.NoError(t, r.RunOnce(ctx))

	status := func(userID int64, txID string) domain.TransactionStatus {
		user, err := store.GetUser(ctx, userID)
		require.NoError(t, err)
		return user.Transactions[txID].Status
	}

	assert.Equal(t, domain.TransactionCompleted, status(1, "paid"))
	assert.Equal(t, domain.TransactionExpired, status(2, "expired"))
	assert.Equal(t, domain.TransactionPending, status(3, "active"))
	assert.Equal(t, domain.TransactionPending, status(4, "broken"))

	count, err := store.CountPoolItems(ctx, "icloud")
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	buyer, err := store.GetUser(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, buyer.Credentials["icloud"], 2)

	// 过期交易没有任何库存或账本变化
	expired, err := store.GetUser(ctx, 2)
	require.NoError(t, err)
	assert.Empty(t, expired.Credentials["icloud"])

	events := notifier.snapshot()
	require.Len(t, events, 2)
	byStatus := map[domain.TransactionStatus]OrderEvent{}
	for _, e := range events {
		byStatus[e.Transaction.Status] = e
	}
	assert.Len(t, byStatus[domain.TransactionCompleted].Credentials, 2)
	assert.Contains(t, byStatus, domain.TransactionExpired)

	t.Run("第二轮不重复履约", func(t *testing.T) {
		require.NoError(t, r.RunOnce(ctx))
		count, err := store.CountPoolItems(ctx, "icloud")
		require.NoError(t, err)
		assert.Equal(t, 2, count)
		gateway.AssertNumberOfCalls(t, "GetInvoiceStatus", 6)
	})
}

func TestReconciler_Fulfill(t *testing.T) {
	ctx := context.Background()

	t.Run("重复履约只生效一次", func(t *testing.T) {
		store := memory.NewStore()
		notifier := &recordingNotifier{}
		r := NewReconciler(store, nil, notifier, testConfig(), zap.NewNop())

		seed(t, store, "icloud", "a@x.com", "b@x.com", "c@x.com")
		p := pendingTx(t, store, 1, "tx1", "icloud", 2, false)

		items, err := r.Fulfill(ctx, p)
		require.NoError(t, err)
		assert.Len(t, items, 2)

		_, err = r.Fulfill(ctx, p)
		assert.ErrorIs(t, err, storage.ErrTransactionNotPending)

		user, err := store.GetUser(ctx, 1)
		require.NoError(t, err)
		assert.Len(t, user.Credentials["icloud"], 2)
		count, _ := store.CountPoolItems(ctx, "icloud")
		assert.Equal(t, 1, count)
		assert.Len(t, notifier.snapshot(), 1)
	})

	t.Run("库存不足时失败且库存不变", func(t *testing.T) {
		store := memory.NewStore()
		notifier := &recordingNotifier{}
		r := NewReconciler(store, nil, notifier, testConfig(), zap.NewNop())

		seed(t, store, "icloud", "a@x", "b@x", "c@x")
		p := pendingTx(t, store, 1, "tx1", "icloud", 5, false)

		_, err := r.Fulfill(ctx, p)
		assert.ErrorIs(t, err, storage.ErrInsufficientInventory)

		count, _ := store.CountPoolItems(ctx, "icloud")
		assert.Equal(t, 3, count)
		user, err := store.GetUser(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, domain.TransactionFailed, user.Transactions["tx1"].Status)
		assert.Empty(t, user.Credentials["icloud"])

		events := notifier.snapshot()
		require.Len(t, events, 1)
		assert.Equal(t, domain.TransactionFailed, events[0].Transaction.Status)
		assert.Contains(t, events[0].Reason, "@support")
	})

	t.Run("完成后消耗邀请折扣", func(t *testing.T) {
		store := memory.NewStore()
		r := NewReconciler(store, nil, nil, testConfig(), zap.NewNop())

		seed(t, store, "icloud", "a@x.com")
		touch(t, store, 100)
		p := pendingTx(t, store, 1, "tx1", "icloud", 1, true)
		require.NoError(t, store.AddReferral(ctx, 100, 1))

		_, err := r.Fulfill(ctx, p)
		require.NoError(t, err)

		user, err := store.GetUser(ctx, 1)
		require.NoError(t, err)
		assert.False(t, user.DiscountEligible)
	})
}

// contendedStore 履约时总是遇到并发锁定的库存
type contendedStore struct {
	*memory.Store
}

func (contendedStore) FulfillTransaction(context.Context, int64, string) ([]domain.PoolItem, error) {
	return nil, storage.ErrInventoryContended
}

func TestReconciler_InventoryContended(t *testing.T) {
	ctx := context.Background()
	mem := memory.NewStore()
	gateway := new(MockGateway)
	notifier := &recordingNotifier{}
	r := NewReconciler(contendedStore{mem}, gateway, notifier, testConfig(), zap.NewNop())

	seed(t, mem, "icloud", "a@x.com", "b@x.com")
	p := pendingTx(t, mem, 1, "tx1", "icloud", 1, false)

	t.Run("交易保持 pending 且不通知", func(t *testing.T) {
		_, err := r.Fulfill(ctx, p)
		assert.ErrorIs(t, err, storage.ErrInventoryContended)

		user, err := mem.GetUser(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, domain.TransactionPending, user.Transactions["tx1"].Status)
		assert.Empty(t, notifier.snapshot())
	})

	t.Run("下一轮对账仍会处理", func(t *testing.T) {
		gateway.On("GetInvoiceStatus", mock.Anything, "inv-tx1").Return(payment.StatusPaid, nil)
		_ = r.RunOnce(ctx)

		pending, err := mem.ListPendingTransactions(ctx)
		require.NoError(t, err)
		require.Len(t, pending, 1)
		assert.Equal(t, "tx1", pending[0].Transaction.ID)

		count, _ := mem.CountPoolItems(ctx, "icloud")
		assert.Equal(t, 2, count)
		assert.Empty(t, notifier.snapshot())
	})
}

func TestReconciler_ConcurrentFulfill(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	r := NewReconciler(store, nil, nil, testConfig(), zap.NewNop())

	seed(t, store, "icloud", "a@x.com", "b@x.com", "c@x.com")
	p := pendingTx(t, store, 1, "tx1", "icloud", 1, false)

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := r.Fulfill(ctx, p); err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, succeeded)
	count, _ := store.CountPoolItems(ctx, "icloud")
	assert.Equal(t, 2, count)
}

func TestReconciler_RunStopsOnCancel(t *testing.T) {
	store := memory.NewStore()
	gateway := new(MockGateway)
	r := NewReconciler(store, gateway, nil, testConfig(), zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}

func TestMultiNotifier(t *testing.T) {
	first := &recordingNotifier{}
	failing := NotifierFunc(func(context.Context, OrderEvent) error { return errors.New("queue down") })
	last := &recordingNotifier{}

	err := MultiNotifier{first, failing, nil, last}.NotifyOrder(context.Background(), OrderEvent{UserID: 1})
	assert.EqualError(t, err, "queue down")
	assert.Len(t, first.snapshot(), 1)
	assert.Len(t, last.snapshot(), 1)
}
