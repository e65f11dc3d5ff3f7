package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	jwtpkg "mailshop/backend/internal/auth/jwt"
	"mailshop/backend/internal/config"
)

// main 为配置中的管理员签发管理 API 访问令牌
func main() {
	adminID := flag.Int64("id", 0, "管理员的 Telegram 用户 ID")
	expiry := flag.Duration("expiry", 0, "令牌有效期，默认使用 MAILSHOP_JWT_ACCESS_EXPIRY")
	flag.Parse()

	if *adminID == 0 {
		fmt.Println("Usage: admin-token -id <telegram_user_id> [-expiry 24h]")
		os.Exit(1)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	if cfg.JWT.Secret == "" {
		fmt.Println("MAILSHOP_JWT_SECRET is not set, admin api is disabled")
		os.Exit(1)
	}

	// 只给管理员签发，否则服务端也会拒绝
	if !cfg.Telegram.IsAdmin(*adminID) {
		fmt.Printf("User %d is not listed in MAILSHOP_TELEGRAM_ADMIN_IDS\n", *adminID)
		os.Exit(1)
	}

	ttl := cfg.JWT.AccessExpiry
	if *expiry > 0 {
		ttl = *expiry
	}

	manager := jwtpkg.NewManager(cfg.JWT.Secret, cfg.JWT.Issuer, ttl)
	token, err := manager.GenerateToken(*adminID)
	if err != nil {
		fmt.Printf("Failed to generate token: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Admin token for %d (expires %s):\n", *adminID, token.ExpiresAt.Format(time.RFC3339))
	fmt.Println(token.AccessToken)
}
