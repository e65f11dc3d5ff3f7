package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"mailshop/backend/internal/config"
	"mailshop/backend/internal/domain"
	"mailshop/backend/internal/mailscan"
	"mailshop/backend/internal/monitoring"
	"mailshop/backend/internal/payment"
	"mailshop/backend/internal/storage"
)

var (
	ErrUnknownCategory = errors.New("unknown category")
	ErrInvalidQuantity = errors.New("invalid quantity")
	ErrOutOfStock      = errors.New("out of stock")
	ErrNotOwner        = errors.New("identity not owned by user")
	ErrRateLimited     = errors.New("too many code requests")
)

// Gateway 支付网关
type Gateway interface {
	CreateInvoice(ctx context.Context, req payment.InvoiceRequest) (payment.Invoice, error)
	GetInvoiceStatus(ctx context.Context, invoiceID string) (payment.InvoiceStatus, error)
}

// CodeScanner 验证码扫描器
type CodeScanner interface {
	Scan(ctx context.Context, identity string) (mailscan.Result, error)
}

// ShopService 封装购买、取码与库存管理业务。
type ShopService struct {
	store   storage.Store
	gateway Gateway
	scanner CodeScanner
	limiter storage.RateLimitRepository
	metrics *monitoring.Metrics
	log     *zap.Logger
	catalog map[string]config.CategoryConfig
	order   []string
	shop    config.ShopConfig
	asset   string
	ttl     time.Duration
	botLink string
	now     func() time.Time

	// 同一用户的下单串行执行，折扣占用检查与交易写入之间不会插入其他下单
	purchaseMu sync.Mutex
	purchasing map[int64]*userLock
}

type userLock struct {
	mu   sync.Mutex
	refs int
}

// NewShopService 创建店铺业务服务。
func NewShopService(store storage.Store, gateway Gateway, scanner CodeScanner, cfg *config.Config, log *zap.Logger) *ShopService {
	if log == nil {
		log = zap.NewNop()
	}
	catalog := make(map[string]config.CategoryConfig, len(cfg.Shop.Catalog))
	order := make([]string, 0, len(cfg.Shop.Catalog))
	for _, c := range cfg.Shop.Catalog {
		catalog[c.Key] = c
		order = append(order, c.Key)
	}

	return &ShopService{
		store:   store,
		gateway: gateway,
		scanner: scanner,
		log:     log.Named("shop"),
		catalog: catalog,
		order:   order,
		shop:    cfg.Shop,
		asset:   cfg.Payment.Asset,
		ttl:     cfg.Payment.InvoiceTTL,
		botLink: cfg.Telegram.BotLink,
		now:     time.Now,

		purchasing: make(map[int64]*userLock),
	}
}

// lockUser 获取用户级下单锁，返回解锁函数
func (s *ShopService) lockUser(userID int64) func() {
	s.purchaseMu.Lock()
	l, ok := s.purchasing[userID]
	if !ok {
		l = &userLock{}
		s.purchasing[userID] = l
	}
	l.refs++
	s.purchaseMu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		s.purchaseMu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(s.purchasing, userID)
		}
		s.purchaseMu.Unlock()
	}
}

// SetRateLimiter 设置取码限流存储（Redis 或内存）
func (s *ShopService) SetRateLimiter(limiter storage.RateLimitRepository) {
	s.limiter = limiter
}

// SetMetrics 设置监控指标
func (s *ShopService) SetMetrics(metrics *monitoring.Metrics) {
	s.metrics = metrics
}

// Categories 按配置顺序返回所有分类
func (s *ShopService) Categories() []config.CategoryConfig {
	out := make([]config.CategoryConfig, 0, len(s.order))
	for _, key := range s.order {
		out = append(out, s.catalog[key])
	}
	return out
}

// Category 查找分类
func (s *ShopService) Category(key string) (config.CategoryConfig, bool) {
	c, ok := s.catalog[strings.ToLower(key)]
	return c, ok
}

// Touch 记录一次用户交互（首次交互时创建用户）
func (s *ShopService) Touch(ctx context.Context, profile domain.UserProfile) (*domain.User, error) {
	return s.store.UpsertUser(ctx, profile)
}

// User 获取用户账本
func (s *ShopService) User(ctx context.Context, userID int64) (*domain.User, error) {
	return s.store.GetUser(ctx, userID)
}

// RegisterReferral 记录邀请关系，邀请人必须已存在
func (s *ShopService) RegisterReferral(ctx context.Context, inviterID, inviteeID int64) error {
	if inviterID == inviteeID {
		return storage.ErrInvalidReferral
	}
	if _, err := s.store.GetUser(ctx, inviterID); err != nil {
		return fmt.Errorf("%w: %w", storage.ErrInvalidReferral, err)
	}
	if err := s.store.AddReferral(ctx, inviterID, inviteeID); err != nil {
		return err
	}
	s.log.Info("referral registered",
		zap.Int64("inviter_id", inviterID),
		zap.Int64("invitee_id", inviteeID),
	)
	return nil
}

// Stock 分类当前库存
func (s *ShopService) Stock(ctx context.Context, category string) (int, error) {
	c, ok := s.Category(category)
	if !ok {
		return 0, ErrUnknownCategory
	}
	return s.store.CountPoolItems(ctx, c.Key)
}

// MaxQuantity 可选购买数量上限：min(库存, 单次上限)
func (s *ShopService) MaxQuantity(ctx context.Context, category string) (int, error) {
	available, err := s.Stock(ctx, category)
	if err != nil {
		return 0, err
	}
	return min(available, s.shop.MaxPerOrder), nil
}

// Quote 计算应付金额，返回是否使用了邀请折扣。
//
// 折扣只在用户有资格且没有其他待支付交易占用时生效，履约成功后资格被清除。
func (s *ShopService) Quote(user *domain.User, category string, quantity int) (decimal.Decimal, bool, error) {
	c, ok := s.Category(category)
	if !ok {
		return decimal.Zero, false, ErrUnknownCategory
	}
	if quantity <= 0 || quantity > s.shop.MaxPerOrder {
		return decimal.Zero, false, ErrInvalidQuantity
	}

	amount := c.Price.Mul(decimal.NewFromInt(int64(quantity)))
	if user != nil && user.DiscountEligible && !user.DiscountReserved() && s.shop.ReferralDiscountPercent > 0 {
		factor := decimal.NewFromInt(int64(100 - s.shop.ReferralDiscountPercent)).Div(decimal.NewFromInt(100))
		return amount.Mul(factor).Round(8), true, nil
	}
	return amount, false, nil
}

// PurchaseResult 发起购买的结果
type PurchaseResult struct {
	Transaction domain.Transaction
	PayURL      string
}

// RequestPurchase 创建发票并记录待支付交易。
//
// 此处的库存检查只用于提示，真正的库存保证在履约时完成。
func (s *ShopService) RequestPurchase(ctx context.Context, userID int64, category string, quantity int) (*PurchaseResult, error) {
	c, ok := s.Category(category)
	if !ok {
		return nil, ErrUnknownCategory
	}
	if quantity <= 0 || quantity > s.shop.MaxPerOrder {
		return nil, ErrInvalidQuantity
	}

	available, err := s.store.CountPoolItems(ctx, c.Key)
	if err != nil {
		return nil, fmt.Errorf("count pool: %w", err)
	}
	if available < quantity {
		return nil, ErrOutOfStock
	}

	unlock := s.lockUser(userID)
	defer unlock()

	user, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	amount, discounted, err := s.Quote(user, c.Key, quantity)
	if err != nil {
		return nil, err
	}

	now := s.now()
	txID := NewTransactionID(userID, now)

	invoice, err := s.gateway.CreateInvoice(ctx, payment.InvoiceRequest{
		Amount:         amount,
		Asset:          s.asset,
		Description:    fmt.Sprintf("Покупка %d шт. %s", quantity, c.Title),
		HiddenMessage:  "Спасибо за покупку!",
		PaidButtonName: "openBot",
		PaidButtonURL:  s.botLink,
		Payload:        txID,
		ExpiresIn:      s.ttl,
	})
	if err != nil {
		if s.metrics != nil {
			s.metrics.RecordGatewayError("createInvoice")
		}
		s.log.Error("failed to create invoice",
			zap.Int64("user_id", userID),
			zap.String("transaction_id", txID),
			zap.Error(err),
		)
		return nil, err
	}

	tx := domain.Transaction{
		ID:              txID,
		Category:        c.Key,
		InvoiceID:       invoice.ID,
		Quantity:        quantity,
		Amount:          amount,
		Asset:           s.asset,
		Status:          domain.TransactionPending,
		CreatedAt:       now,
		UpdatedAt:       now,
		DiscountApplied: discounted,
	}
	if err := s.store.CreateTransaction(ctx, userID, &tx); err != nil {
		return nil, fmt.Errorf("record transaction: %w", err)
	}

	if s.metrics != nil {
		s.metrics.RecordInvoiceCreated(c.Key)
	}
	s.log.Info("purchase requested",
		zap.Int64("user_id", userID),
		zap.String("transaction_id", txID),
		zap.String("invoice_id", invoice.ID),
		zap.String("category", c.Key),
		zap.Int("quantity", quantity),
		zap.String("amount", amount.String()),
		zap.Bool("discount", discounted),
	)

	return &PurchaseResult{Transaction: tx, PayURL: invoice.PayURL}, nil
}

// NewTransactionID 生成交易 ID：buy_<用户ID>_<毫秒时间戳>_<随机后缀>
func NewTransactionID(userID int64, now time.Time) string {
	return fmt.Sprintf("buy_%d_%d_%s", userID, now.UnixMilli(), uuid.NewString()[:8])
}

// RequestCode 为用户已购的标识扫描验证码。
//
// 未找到验证码时返回 Result.Found == false 且 err 为 nil。
func (s *ShopService) RequestCode(ctx context.Context, userID int64, identity string) (mailscan.Result, error) {
	identity = strings.ToLower(strings.TrimSpace(identity))
	if identity == "" {
		return mailscan.Result{}, mailscan.ErrEmptyIdentity
	}

	user, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return mailscan.Result{}, err
	}
	if _, ok := user.OwnsIdentity(identity); !ok {
		return mailscan.Result{}, ErrNotOwner
	}

	if s.limiter != nil && s.shop.CodeRequestsPerMinute > 0 {
		count, err := s.limiter.IncrementRateLimit(ctx, fmt.Sprintf("code:%d", userID), time.Minute)
		switch {
		case err != nil:
			// 限流存储不可用时放行
			s.log.Warn("rate limiter unavailable", zap.Error(err))
		case count > int64(s.shop.CodeRequestsPerMinute):
			if s.metrics != nil {
				s.metrics.RecordRateLimitBlock("code_request")
			}
			return mailscan.Result{}, ErrRateLimited
		}
	}

	start := s.now()
	result, err := s.scanner.Scan(ctx, identity)
	elapsed := s.now().Sub(start)

	outcome := "not_found"
	switch {
	case err != nil:
		outcome = "error"
	case result.Found:
		outcome = "found"
	}
	if s.metrics != nil {
		s.metrics.RecordScan(outcome, elapsed)
	}

	if err != nil {
		s.log.Error("code scan failed",
			zap.Int64("user_id", userID),
			zap.String("identity", identity),
			zap.Error(err),
		)
		return mailscan.Result{}, err
	}

	s.log.Info("code scan finished",
		zap.Int64("user_id", userID),
		zap.String("identity", identity),
		zap.String("result", outcome),
		zap.Int("checked", result.Checked),
		zap.Duration("elapsed", elapsed),
	)
	return result, nil
}

// BulkAddResult 批量入库结果
type BulkAddResult struct {
	Category   string                 `json:"category"`
	Added      int                    `json:"added"`
	Duplicates int                    `json:"duplicates"` // 池中已存在
	Rejected   []domain.RejectedEntry `json:"rejected,omitempty"`
	Total      int                    `json:"total"`
}

// AddPoolItems 解析管理员提交的列表并入库，重复项被忽略
func (s *ShopService) AddPoolItems(ctx context.Context, category, raw string) (*BulkAddResult, error) {
	c, ok := s.Category(category)
	if !ok {
		return nil, ErrUnknownCategory
	}

	items, rejected, err := domain.ParsePoolList(c.Key, raw)
	if err != nil {
		return nil, err
	}

	now := s.now()
	for i := range items {
		items[i].CreatedAt = now
	}

	added := 0
	if len(items) > 0 {
		added, err = s.store.AddPoolItems(ctx, c.Key, items)
		if err != nil {
			return nil, fmt.Errorf("add pool items: %w", err)
		}
	}

	total, err := s.store.CountPoolItems(ctx, c.Key)
	if err != nil {
		return nil, fmt.Errorf("count pool: %w", err)
	}
	if s.metrics != nil {
		s.metrics.UpdatePoolSize(c.Key, total)
	}

	s.log.Info("pool items added",
		zap.String("category", c.Key),
		zap.Int("added", added),
		zap.Int("duplicates", len(items)-added),
		zap.Int("rejected", len(rejected)),
		zap.Int("total", total),
	)

	return &BulkAddResult{
		Category:   c.Key,
		Added:      added,
		Duplicates: len(items) - added,
		Rejected:   rejected,
		Total:      total,
	}, nil
}

// BulkDeleteResult 批量删除库存的结果
type BulkDeleteResult struct {
	Category string                 `json:"category"`
	Removed  int                    `json:"removed"`
	Missing  int                    `json:"missing"` // 池中不存在
	Rejected []domain.RejectedEntry `json:"rejected,omitempty"`
	Total    int                    `json:"total"`
}

// DeletePoolItems 从分类库存中移除管理员列出的邮箱，条目格式与入库相同，密码部分被忽略
func (s *ShopService) DeletePoolItems(ctx context.Context, category, raw string) (*BulkDeleteResult, error) {
	c, ok := s.Category(category)
	if !ok {
		return nil, ErrUnknownCategory
	}

	items, rejected, err := domain.ParsePoolList(c.Key, raw)
	if err != nil {
		return nil, err
	}

	identities := make([]string, 0, len(items))
	for _, item := range items {
		identities = append(identities, item.Identity)
	}

	removed := 0
	if len(identities) > 0 {
		removed, err = s.store.DeletePoolItems(ctx, c.Key, identities)
		if err != nil {
			return nil, fmt.Errorf("delete pool items: %w", err)
		}
	}

	total, err := s.store.CountPoolItems(ctx, c.Key)
	if err != nil {
		return nil, fmt.Errorf("count pool: %w", err)
	}
	if s.metrics != nil {
		s.metrics.UpdatePoolSize(c.Key, total)
	}

	s.log.Info("pool items deleted",
		zap.String("category", c.Key),
		zap.Int("removed", removed),
		zap.Int("missing", len(identities)-removed),
		zap.Int("rejected", len(rejected)),
		zap.Int("total", total),
	)

	return &BulkDeleteResult{
		Category: c.Key,
		Removed:  removed,
		Missing:  len(identities) - removed,
		Rejected: rejected,
		Total:    total,
	}, nil
}

// PoolStatus 返回分类库存数量和前 limit 条样本
func (s *ShopService) PoolStatus(ctx context.Context, category string, limit int) (*domain.PoolStats, error) {
	c, ok := s.Category(category)
	if !ok {
		return nil, ErrUnknownCategory
	}
	count, err := s.store.CountPoolItems(ctx, c.Key)
	if err != nil {
		return nil, err
	}
	sample, err := s.store.ListPoolItems(ctx, c.Key, limit)
	if err != nil {
		return nil, err
	}
	return &domain.PoolStats{Category: c.Key, Count: count, Sample: sample}, nil
}

// ShopStats 店铺整体状态
type ShopStats struct {
	Users    int                `json:"users"`
	Pools    []domain.PoolStats `json:"pools"`
	Database string             `json:"database"`
}

// Stats 汇总用户数、各分类库存与存储健康状态
func (s *ShopService) Stats(ctx context.Context) (*ShopStats, error) {
	stats := &ShopStats{Database: "OK"}
	if err := s.store.Health(ctx); err != nil {
		stats.Database = err.Error()
		return stats, err
	}

	users, err := s.store.CountUsers(ctx)
	if err != nil {
		return nil, err
	}
	stats.Users = users

	for _, key := range s.order {
		count, err := s.store.CountPoolItems(ctx, key)
		if err != nil {
			return nil, err
		}
		stats.Pools = append(stats.Pools, domain.PoolStats{Category: key, Count: count})
	}
	return stats, nil
}
