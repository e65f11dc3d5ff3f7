package bot

import (
	"context"
	"errors"
	"fmt"
	"html"
	"sort"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"mailshop/backend/internal/domain"
	"mailshop/backend/internal/service"
)

// 回调提示文案
const (
	noticeGenericError  = "Произошла ошибка. Попробуйте еще раз."
	noticeOutOfStock    = "Почты временно закончились. Попробуйте позже."
	noticeShortStock    = "Недостаточно почт в наличии. Выберите меньшее количество."
	noticeInvoiceFailed = "Ошибка при создании платежа. Попробуйте позже."
	noticeStaleMenu     = "Меню устарело. Откройте его заново: /start"
	noticeNoPurchases   = "У вас нет купленных почт. Сначала купите почту."
	noticeNotOwned      = "Почта не найдена среди ваших покупок."
)

// ========== 消息与命令 ==========

func (b *Bot) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	// 只在私聊中工作
	if msg.From == nil || msg.Chat == nil || !msg.Chat.IsPrivate() {
		return
	}

	user, err := b.touch(ctx, msg.From)
	if err != nil {
		b.log.Error("upsert user failed", zap.Int64("user_id", msg.From.ID), zap.Error(err))
		return
	}

	if !msg.IsCommand() {
		return
	}

	chatID := msg.Chat.ID
	switch msg.Command() {
	case "start":
		b.handleStart(ctx, chatID, user, msg.CommandArguments())
	case "menu":
		b.sendMainMenu(ctx, chatID, user)
	case "ref":
		b.sendReferral(ctx, chatID, user)
	case "add_emails":
		if b.cfg.IsAdmin(msg.From.ID) {
			b.handleAddEmails(ctx, chatID, msg.CommandArguments())
		}
	case "del_emails":
		if b.cfg.IsAdmin(msg.From.ID) {
			b.handleDeleteEmails(ctx, chatID, msg.CommandArguments())
		}
	case "pool_status":
		if b.cfg.IsAdmin(msg.From.ID) {
			b.handlePoolStatus(ctx, chatID, msg.CommandArguments())
		}
	case "db_status":
		if b.cfg.IsAdmin(msg.From.ID) {
			b.handleDBStatus(ctx, chatID)
		}
	}
}

func (b *Bot) touch(ctx context.Context, from *tgbotapi.User) (*domain.User, error) {
	return b.shop.Touch(ctx, domain.UserProfile{
		ID:        from.ID,
		Username:  from.UserName,
		FirstName: from.FirstName,
		LastName:  from.LastName,
	})
}

func (b *Bot) handleStart(ctx context.Context, chatID int64, user *domain.User, args string) {
	if inviterID, ok := parseReferral(args); ok {
		if err := b.shop.RegisterReferral(ctx, inviterID, user.ID); err != nil {
			b.log.Debug("referral ignored",
				zap.Int64("inviter_id", inviterID),
				zap.Int64("invitee_id", user.ID),
				zap.Error(err),
			)
		} else {
			if refreshed, err := b.shop.User(ctx, user.ID); err == nil {
				user = refreshed
			}
			if b.discountPercent > 0 {
				b.replyText(ctx, chatID, fmt.Sprintf("🎁 Вы пришли по приглашению! Скидка %d%% на первую покупку.", b.discountPercent))
			}
			b.replyText(ctx, inviterID, "🤝 По вашей ссылке присоединился новый пользователь!")
		}
	}
	b.sendMainMenu(ctx, chatID, user)
}

func (b *Bot) categoryViews(ctx context.Context) ([]categoryView, error) {
	categories := b.shop.Categories()
	out := make([]categoryView, 0, len(categories))
	for _, c := range categories {
		stock, err := b.shop.Stock(ctx, c.Key)
		if err != nil {
			return nil, err
		}
		out = append(out, categoryView{CategoryConfig: c, Stock: stock})
	}
	return out, nil
}

func (b *Bot) categoryOrder() []string {
	categories := b.shop.Categories()
	keys := make([]string, 0, len(categories))
	for _, c := range categories {
		keys = append(keys, c.Key)
	}
	return keys
}

func (b *Bot) sendMainMenu(ctx context.Context, chatID int64, user *domain.User) {
	views, err := b.categoryViews(ctx)
	if err != nil {
		b.log.Error("load catalog failed", zap.Error(err))
		b.replyText(ctx, chatID, noticeGenericError)
		return
	}
	_, _ = b.reply(ctx, chatID, mainMenu(views, user, b.discountPercent))
}

func (b *Bot) sendReferral(ctx context.Context, chatID int64, user *domain.User) {
	link := referralLink(b.cfg.BotLink, user.ID)
	_, _ = b.reply(ctx, chatID, referralView(link, len(user.Referrals), b.discountPercent))
}

// splitCategoryArg 拆分 "[category] list"：首个单词是已知分类时作为分类，否则使用默认分类
func splitCategoryArg(args string, isCategory func(string) bool, fallback string) (string, string) {
	args = strings.TrimSpace(args)
	first, rest, _ := strings.Cut(args, " ")
	if nl := strings.IndexAny(first, "\r\n"); nl >= 0 {
		first, rest = first[:nl], args[nl+1:]
	}
	if first != "" && !strings.Contains(first, "@") && isCategory(first) {
		return strings.ToLower(first), strings.TrimSpace(rest)
	}
	return fallback, args
}

func (b *Bot) isCategory(key string) bool {
	_, ok := b.shop.Category(key)
	return ok
}

func (b *Bot) defaultCategory() string {
	categories := b.shop.Categories()
	if len(categories) == 0 {
		return ""
	}
	return categories[0].Key
}

func (b *Bot) handleAddEmails(ctx context.Context, chatID int64, args string) {
	if strings.TrimSpace(args) == "" {
		b.replyText(ctx, chatID, "Использование: /add_emails [категория] почта1, почта2:пароль ...")
		return
	}

	category, list := splitCategoryArg(args, b.isCategory, b.defaultCategory())
	result, err := b.shop.AddPoolItems(ctx, category, list)
	switch {
	case errors.Is(err, domain.ErrEmptyPoolList):
		b.replyText(ctx, chatID, "❌ Список почт пуст")
		return
	case errors.Is(err, service.ErrUnknownCategory):
		b.replyText(ctx, chatID, "❌ Неизвестная категория: "+category)
		return
	case err != nil:
		b.log.Error("add pool items failed", zap.String("category", category), zap.Error(err))
		b.replyText(ctx, chatID, "❌ Ошибка при добавлении: "+err.Error())
		return
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "✅ Добавлено: %d\n", result.Added)
	fmt.Fprintf(&sb, "♻️ Уже были в пуле: %d\n", result.Duplicates)
	if len(result.Rejected) > 0 {
		fmt.Fprintf(&sb, "⚠️ Отклонено: %d\n", len(result.Rejected))
		for i, r := range result.Rejected {
			if i == 10 {
				sb.WriteString("...\n")
				break
			}
			fmt.Fprintf(&sb, "  %s (%s)\n", r.Entry, r.Reason)
		}
	}
	fmt.Fprintf(&sb, "📊 Всего почт (%s): %d", result.Category, result.Total)
	b.replyText(ctx, chatID, sb.String())
}

func (b *Bot) handleDeleteEmails(ctx context.Context, chatID int64, args string) {
	if strings.TrimSpace(args) == "" {
		b.replyText(ctx, chatID, "Использование: /del_emails [категория] почта1, почта2 ...")
		return
	}

	category, list := splitCategoryArg(args, b.isCategory, b.defaultCategory())
	result, err := b.shop.DeletePoolItems(ctx, category, list)
	switch {
	case errors.Is(err, domain.ErrEmptyPoolList):
		b.replyText(ctx, chatID, "❌ Список почт пуст")
		return
	case errors.Is(err, service.ErrUnknownCategory):
		b.replyText(ctx, chatID, "❌ Неизвестная категория: "+category)
		return
	case err != nil:
		b.log.Error("delete pool items failed", zap.String("category", category), zap.Error(err))
		b.replyText(ctx, chatID, "❌ Ошибка при удалении: "+err.Error())
		return
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "🗑️ Удалено: %d\n", result.Removed)
	fmt.Fprintf(&sb, "🔍 Не найдено в пуле: %d\n", result.Missing)
	if len(result.Rejected) > 0 {
		fmt.Fprintf(&sb, "⚠️ Отклонено: %d\n", len(result.Rejected))
	}
	fmt.Fprintf(&sb, "📊 Всего почт (%s): %d", result.Category, result.Total)
	b.replyText(ctx, chatID, sb.String())
}

func (b *Bot) handlePoolStatus(ctx context.Context, chatID int64, args string) {
	keys := b.categoryOrder()
	if arg := strings.TrimSpace(args); arg != "" {
		if !b.isCategory(arg) {
			b.replyText(ctx, chatID, "❌ Неизвестная категория: "+arg)
			return
		}
		keys = []string{strings.ToLower(arg)}
	}

	var sb strings.Builder
	for i, key := range keys {
		stats, err := b.shop.PoolStatus(ctx, key, poolStatusSample)
		if err != nil {
			b.log.Error("pool status failed", zap.String("category", key), zap.Error(err))
			b.replyText(ctx, chatID, "❌ Ошибка: "+err.Error())
			return
		}
		if i > 0 {
			sb.WriteString("\n\n")
		}
		fmt.Fprintf(&sb, "📊 %s — всего почт: %d\n", key, stats.Count)
		for _, item := range stats.Sample {
			sb.WriteString("\n" + item.Identity)
		}
		if stats.Count > len(stats.Sample) {
			fmt.Fprintf(&sb, "\n\n...и другие (показаны первые %d)", len(stats.Sample))
		}
	}
	b.replyText(ctx, chatID, sb.String())
}

func (b *Bot) handleDBStatus(ctx context.Context, chatID int64) {
	stats, err := b.shop.Stats(ctx)
	if err != nil {
		b.replyText(ctx, chatID, "❌ Ошибка подключения: "+err.Error())
		return
	}

	var sb strings.Builder
	sb.WriteString("🛠️ <b>Статус базы данных</b>\n\n✅ Подключение активно\n")
	for _, p := range stats.Pools {
		fmt.Fprintf(&sb, "📧 Почт в пуле %s: %d\n", html.EscapeString(p.Category), p.Count)
	}
	fmt.Fprintf(&sb, "👥 Пользователей: %d", stats.Users)

	if b.health != nil {
		results := b.health.CheckHealth(ctx)
		names := make([]string, 0, len(results))
		for name := range results {
			if name != "timestamp" {
				names = append(names, name)
			}
		}
		sort.Strings(names)
		sb.WriteString("\n")
		for _, name := range names {
			fmt.Fprintf(&sb, "\n%s: %s", html.EscapeString(name), html.EscapeString(results[name]))
		}
	}
	if b.alerts != nil {
		active := b.alerts.GetActiveAlerts()
		sort.Slice(active, func(i, j int) bool { return active[i].Timestamp.Before(active[j].Timestamp) })
		fmt.Fprintf(&sb, "\n\n🚨 Активных оповещений: %d", len(active))
		for _, a := range active {
			fmt.Fprintf(&sb, "\n• [%s] %s", a.Level, html.EscapeString(a.Title))
		}
	}
	_, _ = b.reply(ctx, chatID, view{Text: sb.String()})
}

// ========== 回调 ==========

// callbackAnswer 每个回调只回答一次
type callbackAnswer struct {
	id   string
	done bool
}

func (b *Bot) answer(ctx context.Context, ans *callbackAnswer, text string, alert bool) {
	if ans.done {
		return
	}
	ans.done = true
	cfg := tgbotapi.NewCallback(ans.id, text)
	cfg.ShowAlert = alert
	_ = b.sender.Request(ctx, cfg)
}

func (b *Bot) handleCallback(ctx context.Context, q *tgbotapi.CallbackQuery) {
	ans := &callbackAnswer{id: q.ID}
	defer b.answer(ctx, ans, "", false)

	if q.From == nil || q.Message == nil || q.Message.Chat == nil {
		return
	}

	cb, err := parseCallback(q.Data)
	if err != nil {
		b.log.Debug("unknown callback", zap.String("data", q.Data))
		b.answer(ctx, ans, noticeStaleMenu, true)
		return
	}

	user, err := b.touch(ctx, q.From)
	if err != nil {
		b.log.Error("upsert user failed", zap.Int64("user_id", q.From.ID), zap.Error(err))
		b.answer(ctx, ans, noticeGenericError, true)
		return
	}

	chatID := q.Message.Chat.ID
	messageID := q.Message.MessageID

	switch cb.Action {
	case actionMenu:
		b.deleteMessage(ctx, chatID, messageID)
		b.sendMainMenu(ctx, chatID, user)

	case actionCategory:
		b.onCategory(ctx, ans, chatID, messageID, cb.Category)

	case actionBuy:
		b.onBuy(ctx, ans, chatID, messageID, cb.Category)

	case actionQuantity:
		b.onQuantity(ctx, ans, chatID, messageID, user, cb.Category, cb.N)

	case actionMine:
		b.deleteMessage(ctx, chatID, messageID)
		_, _ = b.reply(ctx, chatID, purchasesMenu(ownedCredentials(user, b.categoryOrder(), "")))

	case actionCodes:
		owned := ownedCredentials(user, b.categoryOrder(), cb.Category)
		if len(owned) == 0 {
			b.answer(ctx, ans, noticeNoPurchases, true)
			return
		}
		b.deleteMessage(ctx, chatID, messageID)
		_, _ = b.reply(ctx, chatID, purchasesMenu(owned))

	case actionCode:
		b.onCode(ctx, ans, chatID, user, cb.Category, cb.N)

	case actionSupport:
		b.deleteMessage(ctx, chatID, messageID)
		_, _ = b.reply(ctx, chatID, supportView(b.cfg.SupportContact))

	case actionReferral:
		b.deleteMessage(ctx, chatID, messageID)
		b.sendReferral(ctx, chatID, user)
	}
}

func (b *Bot) onCategory(ctx context.Context, ans *callbackAnswer, chatID int64, messageID int, key string) {
	c, ok := b.shop.Category(key)
	if !ok {
		b.answer(ctx, ans, noticeStaleMenu, true)
		return
	}
	stock, err := b.shop.Stock(ctx, c.Key)
	if err != nil {
		b.log.Error("count pool failed", zap.String("category", c.Key), zap.Error(err))
		b.answer(ctx, ans, noticeGenericError, true)
		return
	}
	b.deleteMessage(ctx, chatID, messageID)
	_, _ = b.reply(ctx, chatID, categoryMenu(categoryView{CategoryConfig: c, Stock: stock}, b.asset))
}

func (b *Bot) onBuy(ctx context.Context, ans *callbackAnswer, chatID int64, messageID int, key string) {
	c, ok := b.shop.Category(key)
	if !ok {
		b.answer(ctx, ans, noticeStaleMenu, true)
		return
	}
	maxQty, err := b.shop.MaxQuantity(ctx, c.Key)
	if err != nil {
		b.log.Error("count pool failed", zap.String("category", c.Key), zap.Error(err))
		b.answer(ctx, ans, noticeGenericError, true)
		return
	}
	if maxQty == 0 {
		b.answer(ctx, ans, noticeOutOfStock, true)
		return
	}
	b.deleteMessage(ctx, chatID, messageID)
	_, _ = b.reply(ctx, chatID, quantityMenu(categoryView{CategoryConfig: c, Stock: maxQty}, maxQty, b.asset))
}

func (b *Bot) onQuantity(ctx context.Context, ans *callbackAnswer, chatID int64, messageID int, user *domain.User, key string, quantity int) {
	result, err := b.shop.RequestPurchase(ctx, user.ID, key, quantity)
	switch {
	case errors.Is(err, service.ErrOutOfStock):
		b.answer(ctx, ans, noticeShortStock, true)
		return
	case errors.Is(err, service.ErrUnknownCategory), errors.Is(err, service.ErrInvalidQuantity):
		b.answer(ctx, ans, noticeStaleMenu, true)
		return
	case err != nil:
		b.answer(ctx, ans, noticeInvoiceFailed, true)
		return
	}

	tx := result.Transaction
	b.deleteMessage(ctx, chatID, messageID)
	_, _ = b.reply(ctx, chatID, paymentMenu(tx.Category, tx.Quantity, tx.Amount, tx.Asset, tx.DiscountApplied, result.PayURL))
}

func (b *Bot) onCode(ctx context.Context, ans *callbackAnswer, chatID int64, user *domain.User, key string, index int) {
	creds := user.Credentials[key]
	if index >= len(creds) {
		b.answer(ctx, ans, noticeNotOwned, true)
		return
	}
	identity := domain.CredentialIdentity(creds[index])

	b.answer(ctx, ans, fmt.Sprintf("Ищем код для почты %s...", identity), false)
	searching, searchErr := b.reply(ctx, chatID, view{Text: searchingText(identity)})

	result, err := b.shop.RequestCode(ctx, user.ID, identity)

	if searchErr == nil {
		b.deleteMessage(ctx, chatID, searching.MessageID)
	}

	switch {
	case err == nil && result.Found:
		_, _ = b.reply(ctx, chatID, codeFoundView(identity, result.Code))
	case err == nil:
		_, _ = b.reply(ctx, chatID, codeNotFoundView(identity, codeData(key, index)))
	case errors.Is(err, service.ErrRateLimited):
		_, _ = b.reply(ctx, chatID, view{
			Text:     "⏳ Слишком много запросов кода. Подождите минуту и попробуйте снова.",
			Keyboard: keyboard(backRow(menuData())),
		})
	case errors.Is(err, service.ErrNotOwner):
		b.replyText(ctx, chatID, "❌ "+noticeNotOwned)
	default:
		b.log.Warn("code request failed",
			zap.Int64("user_id", user.ID),
			zap.String("identity", identity),
			zap.Error(err),
		)
		_, _ = b.reply(ctx, chatID, codeErrorView())
	}
}
