package storage

import (
	"context"
	"errors"
	"time"

	"mailshop/backend/internal/domain"
)

var (
	// ErrUserNotFound 用户不存在
	ErrUserNotFound = errors.New("user not found")
	// ErrTransactionNotFound 交易不存在
	ErrTransactionNotFound = errors.New("transaction not found")
	// ErrTransactionExists 交易 ID 已存在
	ErrTransactionExists = errors.New("transaction already exists")
	// ErrTransactionNotPending 交易已处于终态，条件更新未命中
	ErrTransactionNotPending = errors.New("transaction is not pending")
	// ErrInsufficientInventory 履约时库存不足
	ErrInsufficientInventory = errors.New("insufficient inventory")
	// ErrInventoryContended 库存足够但部分被并发履约锁定，交易保持 pending
	ErrInventoryContended = errors.New("inventory locked by concurrent fulfillment")
	// ErrInvalidReferral 自邀请或被邀请人已有邀请人
	ErrInvalidReferral = errors.New("invalid referral")
)

// PoolRepository 定义库存池数据存取操作。
//
// 同一分类内 identity 唯一，重复插入会被忽略而不是重复保存。
type PoolRepository interface {
	AddPoolItems(ctx context.Context, category string, items []domain.PoolItem) (int, error) // 返回实际插入数量
	CountPoolItems(ctx context.Context, category string) (int, error)
	ListPoolItems(ctx context.Context, category string, limit int) ([]domain.PoolItem, error)
	DeletePoolItems(ctx context.Context, category string, identities []string) (int, error)
}

// LedgerRepository 定义用户账本数据存取操作。
type LedgerRepository interface {
	UpsertUser(ctx context.Context, profile domain.UserProfile) (*domain.User, error)
	GetUser(ctx context.Context, userID int64) (*domain.User, error)
	CountUsers(ctx context.Context) (int, error)
	AddReferral(ctx context.Context, inviterID, inviteeID int64) error

	CreateTransaction(ctx context.Context, userID int64, tx *domain.Transaction) error
	ListPendingTransactions(ctx context.Context) ([]domain.PendingTransaction, error)

	// SetTransactionStatus 条件更新：仅当当前状态为 from 时改为 to，否则返回 ErrTransactionNotPending。
	SetTransactionStatus(ctx context.Context, userID int64, txID string, from, to domain.TransactionStatus) error

	// FulfillTransaction 原子履约：
	//   1. 交易必须仍为 pending，否则返回 ErrTransactionNotPending
	//   2. 库存不足时不做任何库存变更，状态改为 failed，返回 ErrInsufficientInventory
	//   3. 否则随机抽取 quantity 个库存项，从池中删除，记入用户凭据，交易置为 completed；
	//      交易使用了邀请折扣时同时清除用户的折扣资格
	//   4. 库存足够但被并发履约锁定时不做任何变更，返回 ErrInventoryContended
	FulfillTransaction(ctx context.Context, userID int64, txID string) ([]domain.PoolItem, error)
}

// RateLimitRepository 定义限流操作。
type RateLimitRepository interface {
	IncrementRateLimit(ctx context.Context, key string, window time.Duration) (int64, error)
}

// Store 定义完整的存储接口。
type Store interface {
	PoolRepository
	LedgerRepository

	// 工具方法
	Close() error
	Health(ctx context.Context) error
}
