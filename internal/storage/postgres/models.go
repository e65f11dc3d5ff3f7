package postgres

import (
	"time"

	"github.com/shopspring/decimal"

	"mailshop/backend/internal/domain"
)

// poolItemRecord 库存表，同一分类内 identity 唯一
type poolItemRecord struct {
	ID        uint              `gorm:"primaryKey"`
	Category  string            `gorm:"size:32;not null;uniqueIndex:idx_pool_category_identity,priority:1"`
	Identity  string            `gorm:"size:254;not null;uniqueIndex:idx_pool_category_identity,priority:2"`
	Secret    string            `gorm:"size:256"`
	Extra     map[string]string `gorm:"serializer:json"`
	CreatedAt time.Time
}

func (poolItemRecord) TableName() string { return "pool_items" }

type userRecord struct {
	ID               int64  `gorm:"primaryKey;autoIncrement:false"`
	Username         string `gorm:"size:64"`
	FirstName        string `gorm:"size:128"`
	LastName         string `gorm:"size:128"`
	InvitedBy        *int64
	DiscountEligible bool `gorm:"not null;default:false"`
	BonusEligible    bool `gorm:"not null;default:false"`
	CreatedAt        time.Time
	LastActiveAt     time.Time
}

func (userRecord) TableName() string { return "users" }

// credentialRecord 已交付给用户的凭据
type credentialRecord struct {
	ID            uint   `gorm:"primaryKey"`
	UserID        int64  `gorm:"not null;index"`
	Category      string `gorm:"size:32;not null"`
	Credential    string `gorm:"size:512;not null"`
	TransactionID string `gorm:"size:96;index"`
	CreatedAt     time.Time
}

func (credentialRecord) TableName() string { return "credentials" }

type referralRecord struct {
	ID        uint  `gorm:"primaryKey"`
	InviterID int64 `gorm:"not null;index"`
	InviteeID int64 `gorm:"not null;uniqueIndex"`
	CreatedAt time.Time
}

func (referralRecord) TableName() string { return "referrals" }

type transactionRecord struct {
	ID              string          `gorm:"primaryKey;size:96"`
	UserID          int64           `gorm:"not null;index"`
	Category        string          `gorm:"size:32;not null"`
	InvoiceID       string          `gorm:"size:64;index"`
	Quantity        int             `gorm:"not null"`
	Amount          decimal.Decimal `gorm:"type:decimal(20,8);not null"`
	Asset           string          `gorm:"size:16;not null"`
	Status          string          `gorm:"size:16;not null;index"`
	Fulfilled       []string        `gorm:"serializer:json"`
	DiscountApplied bool            `gorm:"not null;default:false"`
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

func (transactionRecord) TableName() string { return "transactions" }

func (r *poolItemRecord) toDomain() domain.PoolItem {
	return domain.PoolItem{
		Category:  r.Category,
		Identity:  r.Identity,
		Secret:    r.Secret,
		Extra:     r.Extra,
		CreatedAt: r.CreatedAt,
	}
}

func (r *transactionRecord) toDomain() domain.Transaction {
	return domain.Transaction{
		ID:              r.ID,
		Category:        r.Category,
		InvoiceID:       r.InvoiceID,
		Quantity:        r.Quantity,
		Amount:          r.Amount,
		Asset:           r.Asset,
		Status:          domain.TransactionStatus(r.Status),
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
		Fulfilled:       r.Fulfilled,
		DiscountApplied: r.DiscountApplied,
	}
}

func transactionFromDomain(userID int64, tx *domain.Transaction) transactionRecord {
	status := tx.Status
	if status == "" {
		status = domain.TransactionPending
	}
	return transactionRecord{
		ID:              tx.ID,
		UserID:          userID,
		Category:        tx.Category,
		InvoiceID:       tx.InvoiceID,
		Quantity:        tx.Quantity,
		Amount:          tx.Amount,
		Asset:           tx.Asset,
		Status:          string(status),
		Fulfilled:       tx.Fulfilled,
		DiscountApplied: tx.DiscountApplied,
		CreatedAt:       tx.CreatedAt,
	}
}
