package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"mailshop/backend/internal/domain"
	"mailshop/backend/internal/storage"
)

// Store 基于 GORM 的存储实现，支持 PostgreSQL 与 MySQL 8+
type Store struct {
	db *gorm.DB
}

var _ storage.Store = (*Store)(nil)

// NewStore 创建 PostgreSQL 存储实例
func NewStore(dsn string) (*Store, error) {
	return NewStoreWithDialector(postgres.Open(dsn))
}

// NewMySQLStore 创建 MySQL 存储实例
func NewMySQLStore(dsn string) (*Store, error) {
	return NewStoreWithDialector(mysql.Open(dsn))
}

// NewStoreWithDialector 使用指定的GORM dialector创建存储实例
func NewStoreWithDialector(dialector gorm.Dialector) (*Store, error) {
	config := &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}

	db, err := gorm.Open(dialector, config)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// 配置连接池
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}
	sqlDB.SetMaxOpenConns(25)
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetConnMaxLifetime(5 * time.Minute)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// migrate 自动迁移数据库表结构
func (s *Store) migrate() error {
	return s.db.AutoMigrate(
		&poolItemRecord{},
		&userRecord{},
		&credentialRecord{},
		&referralRecord{},
		&transactionRecord{},
	)
}

// randomOrder 不同方言的随机排序表达式
func (s *Store) randomOrder() string {
	if s.db.Dialector.Name() == "mysql" {
		return "RAND()"
	}
	return "RANDOM()"
}

// ========== Pool Repository ==========

// AddPoolItems 批量插入库存，冲突行被忽略
func (s *Store) AddPoolItems(ctx context.Context, category string, items []domain.PoolItem) (int, error) {
	if len(items) == 0 {
		return 0, nil
	}
	records := make([]poolItemRecord, 0, len(items))
	for _, item := range items {
		records = append(records, poolItemRecord{
			Category: category,
			Identity: item.Identity,
			Secret:   item.Secret,
			Extra:    item.Extra,
		})
	}

	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		CreateInBatches(&records, 100)
	if res.Error != nil {
		return 0, fmt.Errorf("insert pool items: %w", res.Error)
	}
	return int(res.RowsAffected), nil
}

// CountPoolItems 统计分类库存数量
func (s *Store) CountPoolItems(ctx context.Context, category string) (int, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&poolItemRecord{}).Where("category = ?", category).Count(&count).Error; err != nil {
		return 0, err
	}
	return int(count), nil
}

// ListPoolItems 按插入顺序列出库存
func (s *Store) ListPoolItems(ctx context.Context, category string, limit int) ([]domain.PoolItem, error) {
	query := s.db.WithContext(ctx).Where("category = ?", category).Order("id ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}

	var records []poolItemRecord
	if err := query.Find(&records).Error; err != nil {
		return nil, err
	}
	items := make([]domain.PoolItem, 0, len(records))
	for i := range records {
		items = append(items, records[i].toDomain())
	}
	return items, nil
}

// DeletePoolItems 按 identity 批量删除库存
func (s *Store) DeletePoolItems(ctx context.Context, category string, identities []string) (int, error) {
	if len(identities) == 0 {
		return 0, nil
	}
	res := s.db.WithContext(ctx).
		Where("category = ? AND identity IN ?", category, identities).
		Delete(&poolItemRecord{})
	if res.Error != nil {
		return 0, res.Error
	}
	return int(res.RowsAffected), nil
}

// ========== Ledger Repository ==========

// UpsertUser 插入或更新用户展示信息
func (s *Store) UpsertUser(ctx context.Context, profile domain.UserProfile) (*domain.User, error) {
	now := time.Now().UTC()
	record := userRecord{
		ID:           profile.ID,
		Username:     profile.Username,
		FirstName:    profile.FirstName,
		LastName:     profile.LastName,
		CreatedAt:    now,
		LastActiveAt: now,
	}

	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"username", "first_name", "last_name", "last_active_at"}),
	}).Create(&record).Error
	if err != nil {
		return nil, fmt.Errorf("upsert user: %w", err)
	}
	return s.GetUser(ctx, profile.ID)
}

// GetUser 加载用户及其凭据、交易和邀请记录
func (s *Store) GetUser(ctx context.Context, userID int64) (*domain.User, error) {
	db := s.db.WithContext(ctx)

	var record userRecord
	if err := db.First(&record, "id = ?", userID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, storage.ErrUserNotFound
		}
		return nil, err
	}

	user := &domain.User{
		ID:               record.ID,
		Username:         record.Username,
		FirstName:        record.FirstName,
		LastName:         record.LastName,
		InvitedBy:        record.InvitedBy,
		DiscountEligible: record.DiscountEligible,
		BonusEligible:    record.BonusEligible,
		CreatedAt:        record.CreatedAt,
		LastActiveAt:     record.LastActiveAt,
		Credentials:      make(map[string][]string),
		Transactions:     make(map[string]*domain.Transaction),
	}

	var creds []credentialRecord
	if err := db.Where("user_id = ?", userID).Order("id ASC").Find(&creds).Error; err != nil {
		return nil, err
	}
	for _, c := range creds {
		user.Credentials[c.Category] = append(user.Credentials[c.Category], c.Credential)
	}

	var txs []transactionRecord
	if err := db.Where("user_id = ?", userID).Find(&txs).Error; err != nil {
		return nil, err
	}
	for i := range txs {
		tx := txs[i].toDomain()
		user.Transactions[tx.ID] = &tx
	}

	var referrals []referralRecord
	if err := db.Where("inviter_id = ?", userID).Order("id ASC").Find(&referrals).Error; err != nil {
		return nil, err
	}
	for _, r := range referrals {
		user.Referrals = append(user.Referrals, r.InviteeID)
	}

	return user, nil
}

// CountUsers 统计用户数量
func (s *Store) CountUsers(ctx context.Context) (int, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&userRecord{}).Count(&count).Error; err != nil {
		return 0, err
	}
	return int(count), nil
}

// AddReferral 记录邀请关系
func (s *Store) AddReferral(ctx context.Context, inviterID, inviteeID int64) error {
	if inviterID == inviteeID {
		return storage.ErrInvalidReferral
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var inviter, invitee userRecord
		if err := tx.First(&inviter, "id = ?", inviterID).Error; err != nil {
			return notFoundAs(err, storage.ErrUserNotFound)
		}
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&invitee, "id = ?", inviteeID).Error; err != nil {
			return notFoundAs(err, storage.ErrUserNotFound)
		}
		if invitee.InvitedBy != nil {
			return storage.ErrInvalidReferral
		}

		if err := tx.Model(&userRecord{}).Where("id = ?", inviteeID).Updates(map[string]interface{}{
			"invited_by":        inviterID,
			"discount_eligible": true,
		}).Error; err != nil {
			return err
		}
		if err := tx.Create(&referralRecord{InviterID: inviterID, InviteeID: inviteeID}).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return storage.ErrInvalidReferral
			}
			return err
		}
		return tx.Model(&userRecord{}).Where("id = ?", inviterID).Update("bonus_eligible", true).Error
	})
}

// ========== Transactions ==========

// CreateTransaction 记录一笔交易
func (s *Store) CreateTransaction(ctx context.Context, userID int64, tx *domain.Transaction) error {
	db := s.db.WithContext(ctx)

	var count int64
	if err := db.Model(&userRecord{}).Where("id = ?", userID).Count(&count).Error; err != nil {
		return err
	}
	if count == 0 {
		return storage.ErrUserNotFound
	}

	record := transactionFromDomain(userID, tx)
	if err := db.Create(&record).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return storage.ErrTransactionExists
		}
		return fmt.Errorf("create transaction: %w", err)
	}
	return nil
}

// ListPendingTransactions 列出所有带发票号的待支付交易
func (s *Store) ListPendingTransactions(ctx context.Context) ([]domain.PendingTransaction, error) {
	var records []transactionRecord
	err := s.db.WithContext(ctx).
		Where("status = ? AND invoice_id <> ''", string(domain.TransactionPending)).
		Order("created_at ASC").
		Find(&records).Error
	if err != nil {
		return nil, err
	}

	pending := make([]domain.PendingTransaction, 0, len(records))
	for i := range records {
		pending = append(pending, domain.PendingTransaction{
			UserID:      records[i].UserID,
			Transaction: records[i].toDomain(),
		})
	}
	return pending, nil
}

// SetTransactionStatus 条件更新交易状态
func (s *Store) SetTransactionStatus(ctx context.Context, userID int64, txID string, from, to domain.TransactionStatus) error {
	db := s.db.WithContext(ctx)
	res := db.Model(&transactionRecord{}).
		Where("id = ? AND user_id = ? AND status = ?", txID, userID, string(from)).
		Updates(map[string]interface{}{
			"status":     string(to),
			"updated_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 1 {
		return nil
	}

	var count int64
	if err := db.Model(&transactionRecord{}).Where("id = ? AND user_id = ?", txID, userID).Count(&count).Error; err != nil {
		return err
	}
	if count == 0 {
		return storage.ErrTransactionNotFound
	}
	return storage.ErrTransactionNotPending
}

// FulfillTransaction 在一个数据库事务内完成抽样、删除、入账和状态迁移
func (s *Store) FulfillTransaction(ctx context.Context, userID int64, txID string) ([]domain.PoolItem, error) {
	var (
		picked []domain.PoolItem
		short  bool
	)

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var record transactionRecord
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ? AND user_id = ?", txID, userID).
			First(&record).Error
		if err != nil {
			return notFoundAs(err, storage.ErrTransactionNotFound)
		}
		if record.Status != string(domain.TransactionPending) {
			return storage.ErrTransactionNotPending
		}

		now := time.Now().UTC()

		var rows []poolItemRecord
		if record.Quantity > 0 {
			err = tx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
				Where("category = ?", record.Category).
				Order(s.randomOrder()).
				Limit(record.Quantity).
				Find(&rows).Error
			if err != nil {
				return fmt.Errorf("sample pool: %w", err)
			}
		}

		if record.Quantity > 0 && len(rows) < record.Quantity {
			// 被跳过的行可能属于尚未提交的并发履约，总数足够时留待下一轮
			var total int64
			if err := tx.Model(&poolItemRecord{}).Where("category = ?", record.Category).Count(&total).Error; err != nil {
				return fmt.Errorf("count pool: %w", err)
			}
			if int(total) >= record.Quantity {
				return storage.ErrInventoryContended
			}
		}

		// 库存不足：只改状态，不动库存
		if record.Quantity <= 0 || len(rows) < record.Quantity {
			short = true
			return tx.Model(&transactionRecord{}).
				Where("id = ? AND status = ?", txID, string(domain.TransactionPending)).
				Updates(map[string]interface{}{
					"status":     string(domain.TransactionFailed),
					"updated_at": now,
				}).Error
		}

		ids := make([]uint, 0, len(rows))
		picked = make([]domain.PoolItem, 0, len(rows))
		for i := range rows {
			ids = append(ids, rows[i].ID)
			picked = append(picked, rows[i].toDomain())
		}

		res := tx.Delete(&poolItemRecord{}, ids)
		if res.Error != nil {
			return fmt.Errorf("delete pool items: %w", res.Error)
		}
		if int(res.RowsAffected) != len(ids) {
			return fmt.Errorf("delete pool items: removed %d of %d", res.RowsAffected, len(ids))
		}

		creds := domain.Credentials(picked)
		credRecords := make([]credentialRecord, 0, len(creds))
		for _, c := range creds {
			credRecords = append(credRecords, credentialRecord{
				UserID:        userID,
				Category:      record.Category,
				Credential:    c,
				TransactionID: txID,
			})
		}
		if err := tx.Create(&credRecords).Error; err != nil {
			return fmt.Errorf("credit user: %w", err)
		}

		if record.DiscountApplied {
			if err := tx.Model(&userRecord{}).Where("id = ?", userID).Update("discount_eligible", false).Error; err != nil {
				return fmt.Errorf("consume discount: %w", err)
			}
		}

		res = tx.Model(&transactionRecord{}).
			Where("id = ? AND status = ?", txID, string(domain.TransactionPending)).
			Select("status", "fulfilled", "updated_at").
			Updates(&transactionRecord{
				Status:    string(domain.TransactionCompleted),
				Fulfilled: creds,
				UpdatedAt: now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected != 1 {
			return storage.ErrTransactionNotPending
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if short {
		return nil, storage.ErrInsufficientInventory
	}
	return picked, nil
}

// ========== 工具方法 ==========

// SetPoolLimits 调整连接池参数，非正值保持默认
func (s *Store) SetPoolLimits(maxOpen, maxIdle int, lifetime time.Duration) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	if maxOpen > 0 {
		sqlDB.SetMaxOpenConns(maxOpen)
	}
	if maxIdle > 0 {
		sqlDB.SetMaxIdleConns(maxIdle)
	}
	if lifetime > 0 {
		sqlDB.SetConnMaxLifetime(lifetime)
	}
	return nil
}

// Close 关闭数据库连接
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Health 健康检查
func (s *Store) Health(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func notFoundAs(err, target error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return target
	}
	return err
}
