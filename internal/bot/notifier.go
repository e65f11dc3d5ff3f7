package bot

import (
	"context"
	"fmt"
	"html"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"mailshop/backend/internal/domain"
	"mailshop/backend/internal/service"
)

// NotifyOrder 把订单终态推送给买家
func (b *Bot) NotifyOrder(ctx context.Context, event service.OrderEvent) error {
	v, ok := b.orderView(event)
	if !ok {
		return nil
	}
	if _, err := b.reply(ctx, event.UserID, v); err != nil {
		return fmt.Errorf("notify user %d: %w", event.UserID, err)
	}
	return nil
}

func (b *Bot) orderView(event service.OrderEvent) (view, bool) {
	tx := event.Transaction
	switch tx.Status {
	case domain.TransactionCompleted:
		return view{
			Text: deliveryText(event.Credentials),
			Keyboard: keyboard(
				tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData("🔑 ПОЛУЧИТЬ КОД 🔑", codesData(tx.Category))),
				tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData("🏠 Главное меню", menuData())),
			),
		}, true

	case domain.TransactionFailed:
		return view{
			Text: fmt.Sprintf("❌ <b>Недостаточно почт в пуле</b>\n\n"+
				"Оплата заказа <code>%s</code> получена, но выдать почты не удалось.\n"+
				"Обратитесь в поддержку %s",
				html.EscapeString(tx.ID), html.EscapeString(b.cfg.SupportContact)),
			Keyboard: keyboard(
				tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData("🆘 Поддержка", supportData())),
			),
		}, true

	case domain.TransactionExpired:
		return view{
			Text: fmt.Sprintf("⌛ Счёт на оплату %d шт. истёк.\nСоздайте новый заказ в меню.", tx.Quantity),
			Keyboard: keyboard(
				tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData("🏠 Главное меню", menuData())),
			),
		}, true
	}
	return view{}, false
}
