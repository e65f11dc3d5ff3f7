package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// TransactionStatus 交易状态
//
// 状态只能从 pending 单向迁移到 completed / failed / expired，三者均为终态。
type TransactionStatus string

const (
	TransactionPending   TransactionStatus = "pending"
	TransactionCompleted TransactionStatus = "completed"
	TransactionFailed    TransactionStatus = "failed"
	TransactionExpired   TransactionStatus = "expired"
)

// IsTerminal 是否为终态
func (s TransactionStatus) IsTerminal() bool {
	return s == TransactionCompleted || s == TransactionFailed || s == TransactionExpired
}

// Transaction 一次购买尝试，从创建发票到终态。
type Transaction struct {
	ID              string            `json:"id"`
	Category        string            `json:"category"`
	InvoiceID       string            `json:"invoiceId"`
	Quantity        int               `json:"quantity"`
	Amount          decimal.Decimal   `json:"amount"`
	Asset           string            `json:"asset"`
	Status          TransactionStatus `json:"status"`
	CreatedAt       time.Time         `json:"createdAt"`
	UpdatedAt       time.Time         `json:"updatedAt"`
	Fulfilled       []string          `json:"fulfilled,omitempty"`
	DiscountApplied bool              `json:"discountApplied,omitempty"`
}

// User 买家账本记录，以 Telegram 用户 ID 为主键。
type User struct {
	ID           int64                   `json:"id"`
	Username     string                  `json:"username,omitempty"`
	FirstName    string                  `json:"firstName,omitempty"`
	LastName     string                  `json:"lastName,omitempty"`
	Credentials  map[string][]string     `json:"credentials"` // category -> 已购凭据
	Transactions map[string]*Transaction `json:"transactions"`

	// 邀请关系
	Referrals        []int64 `json:"referrals,omitempty"`
	InvitedBy        *int64  `json:"invitedBy,omitempty"`
	DiscountEligible bool    `json:"discountEligible"`
	BonusEligible    bool    `json:"bonusEligible"`

	CreatedAt    time.Time `json:"createdAt"`
	LastActiveAt time.Time `json:"lastActiveAt"`
}

// UserProfile 前端每次交互时携带的展示信息，用于 upsert。
type UserProfile struct {
	ID        int64
	Username  string
	FirstName string
	LastName  string
}

// OwnsIdentity 判断用户在任一分类下是否拥有指定标识。
func (u *User) OwnsIdentity(identity string) (string, bool) {
	for category, creds := range u.Credentials {
		for _, c := range creds {
			if CredentialIdentity(c) == identity {
				return category, true
			}
		}
	}
	return "", false
}

// OwnedCount 已购凭据总数
func (u *User) OwnedCount() int {
	total := 0
	for _, creds := range u.Credentials {
		total += len(creds)
	}
	return total
}

// DiscountReserved 是否已有待支付交易占用了邀请折扣
func (u *User) DiscountReserved() bool {
	for _, tx := range u.Transactions {
		if tx != nil && tx.Status == TransactionPending && tx.DiscountApplied {
			return true
		}
	}
	return false
}

// PendingTransaction 对账循环需要处理的待支付交易。
type PendingTransaction struct {
	UserID      int64
	Transaction Transaction
}
