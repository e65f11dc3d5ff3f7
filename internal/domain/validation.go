package domain

import (
	"errors"
	"fmt"
	"net/mail"
	"regexp"
	"strings"
	"unicode"
)

// 验证相关的错误定义
var (
	ErrInvalidEmail     = errors.New("invalid email format")
	ErrEmailTooLong     = errors.New("email address too long")
	ErrLocalPartTooLong = errors.New("local part too long (max 64 chars)")
	ErrDomainTooLong    = errors.New("domain too long (max 253 chars)")
	ErrInvalidLocalPart = errors.New("invalid local part format")
	ErrInvalidDomain    = errors.New("invalid domain format")
	ErrInvalidCategory  = errors.New("invalid category")
	ErrEmptyPoolList    = errors.New("empty pool list")
)

// 验证常量
const (
	// RFC 5322 邮箱地址长度限制
	MaxEmailLength     = 254
	MaxLocalPartLength = 64
	MaxDomainLength    = 253

	MaxCategoryLength = 32
	MaxSecretLength   = 256
)

var (
	localPartRegex = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._+-]*[a-zA-Z0-9]$|^[a-zA-Z0-9]$`)
	domainRegex    = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9-]{0,61}[a-zA-Z0-9]?(\.[a-zA-Z0-9][a-zA-Z0-9-]{0,61}[a-zA-Z0-9]?)+$`)
	categoryRegex  = regexp.MustCompile(`^[a-z][a-z0-9_-]*$`)
)

// EmailValidator 邮箱验证器
type EmailValidator struct{}

// NewEmailValidator 创建邮箱验证器
func NewEmailValidator() *EmailValidator {
	return &EmailValidator{}
}

// ValidateEmail 完整验证邮箱地址
func (v *EmailValidator) ValidateEmail(email string) error {
	email = strings.TrimSpace(strings.ToLower(email))

	if len(email) > MaxEmailLength {
		return ErrEmailTooLong
	}

	if _, err := mail.ParseAddress(email); err != nil {
		return ErrInvalidEmail
	}

	parts := strings.Split(email, "@")
	if len(parts) != 2 {
		return ErrInvalidEmail
	}

	if err := v.ValidateLocalPart(parts[0]); err != nil {
		return err
	}
	return v.ValidateDomain(parts[1])
}

// ValidateLocalPart 验证邮箱本地部分
func (v *EmailValidator) ValidateLocalPart(localPart string) error {
	if localPart == "" {
		return ErrInvalidLocalPart
	}
	if len(localPart) > MaxLocalPartLength {
		return ErrLocalPartTooLong
	}
	if !localPartRegex.MatchString(localPart) {
		return ErrInvalidLocalPart
	}
	if strings.Contains(localPart, "..") {
		return ErrInvalidLocalPart
	}
	return nil
}

// ValidateDomain 验证域名
func (v *EmailValidator) ValidateDomain(domain string) error {
	if domain == "" {
		return ErrInvalidDomain
	}
	if len(domain) > MaxDomainLength {
		return ErrDomainTooLong
	}
	if !domainRegex.MatchString(domain) {
		return ErrInvalidDomain
	}
	for _, label := range strings.Split(domain, ".") {
		if len(label) > 63 {
			return ErrInvalidDomain
		}
	}
	return nil
}

// ValidateCategory 验证分类标识：小写字母开头，仅含小写字母、数字、下划线和连字符。
func ValidateCategory(category string) error {
	if category == "" || len(category) > MaxCategoryLength || !categoryRegex.MatchString(category) {
		return fmt.Errorf("%w: %q", ErrInvalidCategory, category)
	}
	return nil
}

// RejectedEntry 批量导入时被拒绝的条目
type RejectedEntry struct {
	Entry  string `json:"entry"`
	Reason string `json:"reason"`
}

// ParsePoolList 解析管理员批量导入的库存列表。
//
// 条目之间以逗号、分号、换行或空白分隔，每个条目为 identity 或 identity:secret。
// 标识统一转为小写；列表内部重复的条目只保留第一个。无效条目放入 rejected 返回。
func ParsePoolList(category, raw string) ([]PoolItem, []RejectedEntry, error) {
	if err := ValidateCategory(category); err != nil {
		return nil, nil, err
	}

	fields := strings.FieldsFunc(raw, func(r rune) bool {
		return r == ',' || r == ';' || unicode.IsSpace(r)
	})
	if len(fields) == 0 {
		return nil, nil, ErrEmptyPoolList
	}

	validator := NewEmailValidator()
	seen := make(map[string]struct{}, len(fields))
	items := make([]PoolItem, 0, len(fields))
	var rejected []RejectedEntry

	for _, field := range fields {
		identity, secret, _ := strings.Cut(field, ":")
		identity = strings.ToLower(strings.TrimSpace(identity))

		if err := validator.ValidateEmail(identity); err != nil {
			rejected = append(rejected, RejectedEntry{Entry: field, Reason: err.Error()})
			continue
		}
		if len(secret) > MaxSecretLength {
			rejected = append(rejected, RejectedEntry{Entry: field, Reason: "secret too long"})
			continue
		}
		if _, dup := seen[identity]; dup {
			rejected = append(rejected, RejectedEntry{Entry: field, Reason: "duplicate in list"})
			continue
		}
		seen[identity] = struct{}{}

		items = append(items, PoolItem{
			Category: category,
			Identity: identity,
			Secret:   secret,
		})
	}

	return items, rejected, nil
}
