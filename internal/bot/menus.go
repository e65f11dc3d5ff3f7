package bot

import (
	"fmt"
	"html"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/shopspring/decimal"

	"mailshop/backend/internal/config"
	"mailshop/backend/internal/domain"
)

const (
	quantityButtonsPerRow = 5
	maxPurchaseButtons    = 50
	poolStatusSample      = 50
	maxMessageLength      = 4096
)

// categoryView 菜单中展示的分类信息
type categoryView struct {
	config.CategoryConfig
	Stock int
}

// view 一条待发送的菜单消息
type view struct {
	Text     string
	Keyboard *tgbotapi.InlineKeyboardMarkup
}

func backRow(data string) []tgbotapi.InlineKeyboardButton {
	return tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData("🔙 Назад", data))
}

func keyboard(rows ...[]tgbotapi.InlineKeyboardButton) *tgbotapi.InlineKeyboardMarkup {
	kb := tgbotapi.NewInlineKeyboardMarkup(rows...)
	return &kb
}

// mainMenu 主菜单
func mainMenu(categories []categoryView, user *domain.User, discountPercent int) view {
	var b strings.Builder
	b.WriteString("👋 <b>Добро пожаловать в магазин почт!</b>\n\n")
	b.WriteString("<b>Тут вы можете:</b>\n")
	b.WriteString("• Купить почту по выгодной цене\n")
	b.WriteString("• Получить код TikTok для почты (ТОЛЬКО ДЛЯ КУПЛЕННЫХ У НАС)\n")
	b.WriteString("• Пригласить друга и подарить ему скидку\n\n")
	b.WriteString("⚠️ Бот новый, возможны временные перебои")
	if user != nil && user.DiscountEligible && discountPercent > 0 {
		fmt.Fprintf(&b, "\n\n🎁 <b>Ваша скидка %d%% на первую покупку!</b>", discountPercent)
	}

	rows := make([][]tgbotapi.InlineKeyboardButton, 0, len(categories)+3)
	for _, c := range categories {
		label := fmt.Sprintf("⭐️ %s (%dшт) ⭐️", c.Title, c.Stock)
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData(label, categoryData(c.Key)),
		))
	}
	rows = append(rows,
		tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData("🛒 МОИ ПОЧТЫ 🛒", mineData())),
		tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData("🤝 ПРИГЛАСИТЬ ДРУГА 🤝", referralData())),
		tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData("🆘 ПОДДЕРЖКА 🆘", supportData())),
	)

	return view{Text: b.String(), Keyboard: keyboard(rows...)}
}

// categoryMenu 分类菜单
func categoryMenu(c categoryView, asset string) view {
	text := fmt.Sprintf("📧 <b>%s (%dшт)</b> 📧\n\n"+
		"<b>В данном меню вы можете:</b>\n"+
		"✅ • Покупать почты\n"+
		"✅ • Получать коды от почт\n\n"+
		"Цена: <b>%s %s</b> за 1 шт.\n\n"+
		"<b>Выберите куда хотите попасть</b>",
		html.EscapeString(c.Title), c.Stock, c.Price.String(), asset)

	return view{
		Text: text,
		Keyboard: keyboard(
			tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData("💰 КУПИТЬ ПОЧТУ 💰", buyData(c.Key))),
			tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData("🔑 ПОЛУЧИТЬ КОД 🔑", codesData(c.Key))),
			backRow(menuData()),
		),
	}
}

// quantityMenu 数量选择菜单，按钮 1..maxQuantity，每行 5 个
func quantityMenu(c categoryView, maxQuantity int, asset string) view {
	var rows [][]tgbotapi.InlineKeyboardButton
	var row []tgbotapi.InlineKeyboardButton
	for i := 1; i <= maxQuantity; i++ {
		row = append(row, tgbotapi.NewInlineKeyboardButtonData(fmt.Sprintf("%d", i), quantityData(c.Key, i)))
		if len(row) == quantityButtonsPerRow {
			rows = append(rows, row)
			row = nil
		}
	}
	if len(row) > 0 {
		rows = append(rows, row)
	}
	rows = append(rows, backRow(categoryData(c.Key)))

	text := fmt.Sprintf("📦 <b>Выберите количество почт, которое хотите приобрести</b>\n\n"+
		"Доступно: <b>%d</b> почт\n"+
		"Цена: <b>%s %s</b> за 1 почту",
		maxQuantity, c.Price.String(), asset)

	return view{Text: text, Keyboard: keyboard(rows...)}
}

// paymentMenu 支付菜单
func paymentMenu(category string, quantity int, amount decimal.Decimal, asset string, discounted bool, payURL string) view {
	var b strings.Builder
	fmt.Fprintf(&b, "💳 <b>Оплата %d почт(ы)</b>\n\n", quantity)
	fmt.Fprintf(&b, "Сумма: <b>%s %s</b>\n", amount.String(), asset)
	if discounted {
		b.WriteString("🎁 Применена скидка за приглашение\n")
	}
	b.WriteString("\nПочты придут в этот чат сразу после подтверждения оплаты.\n")
	b.WriteString("Нажмите кнопку для оплаты:")

	return view{
		Text: b.String(),
		Keyboard: keyboard(
			tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonURL("✅ ОПЛАТИТЬ ЧЕРЕЗ CRYPTOBOT", payURL)),
			backRow(buyData(category)),
		),
	}
}

// ownedCredential 用户已购凭据及其在分类中的序号
type ownedCredential struct {
	Category string
	Index    int
	Identity string
}

// ownedCredentials 按分类顺序列出用户已购凭据，category 非空时只列该分类
func ownedCredentials(user *domain.User, order []string, category string) []ownedCredential {
	if user == nil {
		return nil
	}
	var out []ownedCredential
	for _, key := range order {
		if category != "" && key != category {
			continue
		}
		for i, cred := range user.Credentials[key] {
			out = append(out, ownedCredential{Category: key, Index: i, Identity: domain.CredentialIdentity(cred)})
		}
	}
	return out
}

// purchasesMenu 已购凭据列表，点击即取码；超过上限时只展示最近购买的部分
func purchasesMenu(owned []ownedCredential) view {
	if len(owned) == 0 {
		return view{
			Text: "❌ У вас пока нет покупок.\nВыберите категорию в главном меню, чтобы сделать покупку",
			Keyboard: keyboard(
				tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData("📧 К ПОКУПКАМ", menuData())),
			),
		}
	}

	text := "📦 <b>Ваши покупки:</b>\nНажмите на почту, чтобы получить код"
	if len(owned) > maxPurchaseButtons {
		text += fmt.Sprintf("\n\nПоказаны последние %d из %d", maxPurchaseButtons, len(owned))
		owned = owned[len(owned)-maxPurchaseButtons:]
	}

	rows := make([][]tgbotapi.InlineKeyboardButton, 0, len(owned)+1)
	for _, o := range owned {
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData(o.Identity, codeData(o.Category, o.Index)),
		))
	}
	rows = append(rows, backRow(menuData()))

	return view{Text: text, Keyboard: keyboard(rows...)}
}

func searchingText(identity string) string {
	return fmt.Sprintf("🔍 <b>Ищем код TikTok для</b> <code>%s</code>\n\nЭто может занять до 30 секунд...",
		html.EscapeString(identity))
}

func codeFoundView(identity, code string) view {
	return view{
		Text: fmt.Sprintf("✅ <b>Код TikTok для</b> <code>%s</code>\n\n"+
			"🔑 <b>Ваш код:</b> <code>%s</code>\n\n"+
			"⚠️ <i>Никому не сообщайте этот код!</i>",
			html.EscapeString(identity), html.EscapeString(code)),
		Keyboard: keyboard(backRow(menuData())),
	}
}

func codeNotFoundView(identity, retryData string) view {
	return view{
		Text: fmt.Sprintf("❌ <b>Код TikTok не найден</b> для <code>%s</code>\n\n"+
			"Возможные причины:\n"+
			"1. Письмо с кодом еще не пришло (попробуйте через 1-2 минуты)\n"+
			"2. Письмо попало в спам\n"+
			"3. Код уже был использован",
			html.EscapeString(identity)),
		Keyboard: keyboard(
			tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData("🔄 Попробовать снова", retryData)),
			backRow(menuData()),
		),
	}
}

func codeErrorView() view {
	return view{
		Text: "❌ <b>Ошибка при получении кода</b>\n\n" +
			"Не удалось проверить почту прямо сейчас.\n\n" +
			"Попробуйте позже или напишите в поддержку",
		Keyboard: keyboard(
			tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData("🆘 Поддержка", supportData())),
			backRow(menuData()),
		),
	}
}

func supportView(contact string) view {
	return view{
		Text: "🛠️ <b>Техническая поддержка</b>\n\n" +
			"По всем вопросам обращайтесь к менеджеру:\n" +
			html.EscapeString(contact) + "\n\n" +
			"Мы решим любую вашу проблему!",
		Keyboard: keyboard(backRow(menuData())),
	}
}

// referralLink 邀请链接，未配置机器人链接时退化为命令形式
func referralLink(botLink string, userID int64) string {
	param := fmt.Sprintf("%s%d", referralPrefix, userID)
	if botLink == "" {
		return "/start " + param
	}
	sep := "?"
	if strings.Contains(botLink, "?") {
		sep = "&"
	}
	return botLink + sep + "start=" + param
}

func referralView(link string, invited, discountPercent int) view {
	return view{
		Text: fmt.Sprintf("🤝 <b>Пригласите друга</b>\n\n"+
			"Ваша ссылка:\n%s\n\n"+
			"Друг получит скидку %d%% на первую покупку.\n"+
			"Приглашено: <b>%d</b>",
			html.EscapeString(link), discountPercent, invited),
		Keyboard: keyboard(backRow(menuData())),
	}
}

// deliveryText 支付成功后交付凭据的消息
func deliveryText(credentials []string) string {
	var b strings.Builder
	b.WriteString("🎉 <b>Оплата подтверждена!</b>\nВаши почты:\n")
	for _, c := range credentials {
		fmt.Fprintf(&b, "<code>%s</code>\n", html.EscapeString(c))
	}
	b.WriteString("\nЧтобы получить код, откройте «🛒 МОИ ПОЧТЫ»")
	return b.String()
}

// truncate 截断超过 Telegram 单条消息上限的文本
func truncate(text string) string {
	runes := []rune(text)
	if len(runes) <= maxMessageLength {
		return text
	}
	return string(runes[:maxMessageLength-1]) + "…"
}
