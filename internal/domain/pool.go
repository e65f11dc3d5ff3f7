package domain

import (
	"time"
)

// PoolItem 表示库存池中一件未售出的凭据。
type PoolItem struct {
	Category  string            `json:"category"`
	Identity  string            `json:"identity"`         // 主标识（邮箱地址）
	Secret    string            `json:"secret,omitempty"` // 可选密码
	Extra     map[string]string `json:"extra,omitempty"`
	CreatedAt time.Time         `json:"createdAt"`
}

// Credential 返回交付给买家的凭据字符串：identity 或 identity:secret。
func (p PoolItem) Credential() string {
	if p.Secret == "" {
		return p.Identity
	}
	return p.Identity + ":" + p.Secret
}

// CredentialIdentity 从凭据字符串中取出主标识部分。
func CredentialIdentity(credential string) string {
	for i := 0; i < len(credential); i++ {
		if credential[i] == ':' {
			return credential[:i]
		}
	}
	return credential
}

// Credentials 将一批库存项转换为凭据字符串。
func Credentials(items []PoolItem) []string {
	out := make([]string, 0, len(items))
	for _, item := range items {
		out = append(out, item.Credential())
	}
	return out
}

// PoolStats 库存池概况
type PoolStats struct {
	Category string     `json:"category"`
	Count    int        `json:"count"`
	Sample   []PoolItem `json:"sample,omitempty"`
}
