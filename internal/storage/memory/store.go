package memory

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"

	"mailshop/backend/internal/domain"
	"mailshop/backend/internal/storage"
)

// Store 使用内存保存库存池与用户账本，主要用于开发验证和测试。
//
// 所有写操作在同一把锁内完成，FulfillTransaction 因此天然原子。
type Store struct {
	mu        sync.RWMutex
	pools     map[string][]domain.PoolItem   // category -> 按插入顺序排列的库存
	poolIndex map[string]map[string]struct{} // category -> identity 集合
	users     map[int64]*domain.User         // userID -> user
	txOwner   map[string]int64               // transactionID -> userID

	// 速率限制相关
	rateLimits        map[string]*rateLimitEntry
	rateLimitsCleanup time.Time // 下次清理过期速率限制的时间

	now func() time.Time
}

// rateLimitEntry 速率限制条目
type rateLimitEntry struct {
	Count     int64
	ExpiresAt time.Time
}

// NewStore 创建一个内存存储实例。
func NewStore() *Store {
	return &Store{
		pools:      make(map[string][]domain.PoolItem),
		poolIndex:  make(map[string]map[string]struct{}),
		users:      make(map[int64]*domain.User),
		txOwner:    make(map[string]int64),
		rateLimits: make(map[string]*rateLimitEntry),
		now:        time.Now,
	}
}

var (
	_ storage.Store               = (*Store)(nil)
	_ storage.RateLimitRepository = (*Store)(nil)
)

// ========== 库存池 ==========

// AddPoolItems 批量添加库存，重复 identity 被忽略。
func (s *Store) AddPoolItems(_ context.Context, category string, items []domain.PoolItem) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	index, ok := s.poolIndex[category]
	if !ok {
		index = make(map[string]struct{})
		s.poolIndex[category] = index
	}

	now := s.now()
	inserted := 0
	for _, item := range items {
		if _, exists := index[item.Identity]; exists {
			continue
		}
		item.Category = category
		if item.CreatedAt.IsZero() {
			item.CreatedAt = now
		}
		index[item.Identity] = struct{}{}
		s.pools[category] = append(s.pools[category], item)
		inserted++
	}
	return inserted, nil
}

// CountPoolItems 统计分类库存数量
func (s *Store) CountPoolItems(_ context.Context, category string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.pools[category]), nil
}

// ListPoolItems 按插入顺序列出库存，limit <= 0 表示全部。
func (s *Store) ListPoolItems(_ context.Context, category string, limit int) ([]domain.PoolItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	items := s.pools[category]
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	out := make([]domain.PoolItem, len(items))
	copy(out, items)
	return out, nil
}

// DeletePoolItems 按 identity 批量删除库存，返回删除数量。
func (s *Store) DeletePoolItems(_ context.Context, category string, identities []string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	set := make(map[string]struct{}, len(identities))
	for _, id := range identities {
		set[id] = struct{}{}
	}
	return s.removeLocked(category, set), nil
}

// removeLocked 从分类中删除集合内的库存，调用方需持有写锁。
func (s *Store) removeLocked(category string, identities map[string]struct{}) int {
	items := s.pools[category]
	kept := items[:0]
	removed := 0
	for _, item := range items {
		if _, ok := identities[item.Identity]; ok {
			delete(s.poolIndex[category], item.Identity)
			removed++
			continue
		}
		kept = append(kept, item)
	}
	s.pools[category] = kept
	return removed
}

// ========== 用户账本 ==========

// UpsertUser 首次交互时创建用户，之后更新展示信息和最后活跃时间。
func (s *Store) UpsertUser(_ context.Context, profile domain.UserProfile) (*domain.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	user, ok := s.users[profile.ID]
	if !ok {
		user = &domain.User{
			ID:           profile.ID,
			Credentials:  make(map[string][]string),
			Transactions: make(map[string]*domain.Transaction),
			CreatedAt:    now,
		}
		s.users[profile.ID] = user
	}
	user.Username = profile.Username
	user.FirstName = profile.FirstName
	user.LastName = profile.LastName
	user.LastActiveAt = now

	return cloneUser(user), nil
}

// GetUser 获取用户
func (s *Store) GetUser(_ context.Context, userID int64) (*domain.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	user, ok := s.users[userID]
	if !ok {
		return nil, storage.ErrUserNotFound
	}
	return cloneUser(user), nil
}

// CountUsers 统计用户数量
func (s *Store) CountUsers(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.users), nil
}

// AddReferral 记录邀请关系，被邀请人只能绑定一次。
func (s *Store) AddReferral(_ context.Context, inviterID, inviteeID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if inviterID == inviteeID {
		return storage.ErrInvalidReferral
	}
	inviter, ok := s.users[inviterID]
	if !ok {
		return storage.ErrUserNotFound
	}
	invitee, ok := s.users[inviteeID]
	if !ok {
		return storage.ErrUserNotFound
	}
	if invitee.InvitedBy != nil {
		return storage.ErrInvalidReferral
	}

	id := inviterID
	invitee.InvitedBy = &id
	invitee.DiscountEligible = true
	inviter.Referrals = append(inviter.Referrals, inviteeID)
	inviter.BonusEligible = true
	return nil
}

// ========== 交易 ==========

// CreateTransaction 为用户记录一笔交易
func (s *Store) CreateTransaction(_ context.Context, userID int64, tx *domain.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, ok := s.users[userID]
	if !ok {
		return storage.ErrUserNotFound
	}
	if _, exists := s.txOwner[tx.ID]; exists {
		return storage.ErrTransactionExists
	}

	stored := *tx
	if stored.Status == "" {
		stored.Status = domain.TransactionPending
	}
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = s.now()
	}
	stored.UpdatedAt = stored.CreatedAt
	user.Transactions[stored.ID] = &stored
	s.txOwner[stored.ID] = userID
	return nil
}

// ListPendingTransactions 列出所有带发票号的待支付交易
func (s *Store) ListPendingTransactions(_ context.Context) ([]domain.PendingTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var pending []domain.PendingTransaction
	for userID, user := range s.users {
		for _, tx := range user.Transactions {
			if tx.Status != domain.TransactionPending || tx.InvoiceID == "" {
				continue
			}
			pending = append(pending, domain.PendingTransaction{
				UserID:      userID,
				Transaction: cloneTransaction(tx),
			})
		}
	}
	return pending, nil
}

// SetTransactionStatus 条件更新交易状态
func (s *Store) SetTransactionStatus(_ context.Context, userID int64, txID string, from, to domain.TransactionStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.transactionLocked(userID, txID)
	if err != nil {
		return err
	}
	if tx.Status != from {
		return storage.ErrTransactionNotPending
	}
	tx.Status = to
	tx.UpdatedAt = s.now()
	return nil
}

// FulfillTransaction 原子履约
func (s *Store) FulfillTransaction(_ context.Context, userID int64, txID string) ([]domain.PoolItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.transactionLocked(userID, txID)
	if err != nil {
		return nil, err
	}
	if tx.Status != domain.TransactionPending {
		return nil, storage.ErrTransactionNotPending
	}

	now := s.now()
	items := s.pools[tx.Category]
	if tx.Quantity <= 0 || len(items) < tx.Quantity {
		tx.Status = domain.TransactionFailed
		tx.UpdatedAt = now
		return nil, storage.ErrInsufficientInventory
	}

	// 无放回均匀抽样
	picked := make([]domain.PoolItem, 0, tx.Quantity)
	selected := make(map[string]struct{}, tx.Quantity)
	for _, i := range rand.Perm(len(items))[:tx.Quantity] {
		picked = append(picked, items[i])
		selected[items[i].Identity] = struct{}{}
	}
	s.removeLocked(tx.Category, selected)

	creds := domain.Credentials(picked)
	user := s.users[userID]
	user.Credentials[tx.Category] = append(user.Credentials[tx.Category], creds...)

	if tx.DiscountApplied {
		user.DiscountEligible = false
	}

	tx.Status = domain.TransactionCompleted
	tx.Fulfilled = creds
	tx.UpdatedAt = now

	return picked, nil
}

// transactionLocked 查找用户交易，调用方需持有锁。
func (s *Store) transactionLocked(userID int64, txID string) (*domain.Transaction, error) {
	user, ok := s.users[userID]
	if !ok {
		return nil, storage.ErrUserNotFound
	}
	tx, ok := user.Transactions[txID]
	if !ok {
		return nil, storage.ErrTransactionNotFound
	}
	return tx, nil
}

// ========== 速率限制 ==========

// IncrementRateLimit 增加限流计数
func (s *Store) IncrementRateLimit(_ context.Context, key string, window time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()

	// 每5分钟清理一次过期条目
	if now.After(s.rateLimitsCleanup) {
		for k, v := range s.rateLimits {
			if now.After(v.ExpiresAt) {
				delete(s.rateLimits, k)
			}
		}
		s.rateLimitsCleanup = now.Add(5 * time.Minute)
	}

	entry, exists := s.rateLimits[key]
	if !exists || now.After(entry.ExpiresAt) {
		s.rateLimits[key] = &rateLimitEntry{Count: 1, ExpiresAt: now.Add(window)}
		return 1, nil
	}

	entry.Count++
	return entry.Count, nil
}

// ========== 工具方法 ==========

// Close 关闭存储
func (s *Store) Close() error {
	return nil
}

// Health 健康检查
func (s *Store) Health(_ context.Context) error {
	return nil
}

func cloneUser(u *domain.User) *domain.User {
	out := *u
	out.Credentials = make(map[string][]string, len(u.Credentials))
	for category, creds := range u.Credentials {
		out.Credentials[category] = append([]string(nil), creds...)
	}
	out.Transactions = make(map[string]*domain.Transaction, len(u.Transactions))
	for id, tx := range u.Transactions {
		cloned := cloneTransaction(tx)
		out.Transactions[id] = &cloned
	}
	out.Referrals = append([]int64(nil), u.Referrals...)
	if u.InvitedBy != nil {
		id := *u.InvitedBy
		out.InvitedBy = &id
	}
	return &out
}

func cloneTransaction(tx *domain.Transaction) domain.Transaction {
	out := *tx
	out.Fulfilled = append([]string(nil), tx.Fulfilled...)
	return out
}
