package jwt

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrInvalidToken 无效的令牌
	ErrInvalidToken = errors.New("invalid token")
	// ErrExpiredToken 令牌已过期
	ErrExpiredToken = errors.New("token expired")
)

// RoleAdmin 管理员角色
const RoleAdmin = "admin"

// Claims JWT 自定义声明
type Claims struct {
	AdminID int64  `json:"admin_id"` // 管理员的 Telegram 用户 ID
	Role    string `json:"role"`
	jwt.RegisteredClaims
}

// Token 已签发的令牌
type Token struct {
	AccessToken string    `json:"accessToken"`
	TokenType   string    `json:"tokenType"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

// Manager JWT 管理器
type Manager struct {
	secret []byte
	issuer string
	expiry time.Duration
	now    func() time.Time
}

// NewManager 创建 JWT 管理器
func NewManager(secret, issuer string, expiry time.Duration) *Manager {
	if expiry <= 0 {
		expiry = 12 * time.Hour
	}
	return &Manager{
		secret: []byte(secret),
		issuer: issuer,
		expiry: expiry,
		now:    time.Now,
	}
}

// GenerateToken 为管理员签发访问令牌
func (m *Manager) GenerateToken(adminID int64) (*Token, error) {
	now := m.now()
	expiresAt := now.Add(m.expiry)

	claims := Claims{
		AdminID: adminID,
		Role:    RoleAdmin,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.issuer,
			Subject:   strconv.FormatInt(adminID, 10),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(m.secret)
	if err != nil {
		return nil, fmt.Errorf("failed to sign access token: %w", err)
	}

	return &Token{
		AccessToken: signed,
		TokenType:   "Bearer",
		ExpiresAt:   expiresAt,
	}, nil
}

// ValidateToken 验证令牌并返回声明
func (m *Manager) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		// 验证签名算法
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return m.secret, nil
	},
		jwt.WithIssuer(m.issuer),
		jwt.WithTimeFunc(m.now),
	)

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.Role != RoleAdmin {
		return nil, ErrInvalidToken
	}

	return claims, nil
}
