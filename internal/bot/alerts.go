package bot

import (
	"context"
	"errors"
	"fmt"
	"html"

	"mailshop/backend/internal/monitoring"
)

var alertIcons = map[monitoring.AlertLevel]string{
	monitoring.AlertLevelInfo:     "ℹ️",
	monitoring.AlertLevelWarning:  "⚠️",
	monitoring.AlertLevelCritical: "🚨",
}

// SendAlert 把告警推送给所有管理员
func (b *Bot) SendAlert(ctx context.Context, alert *monitoring.Alert) error {
	if len(b.cfg.AdminIDs) == 0 {
		return nil
	}

	text := fmt.Sprintf("%s <b>%s</b>\n\n%s\n\nКомпонент: %s",
		alertIcons[alert.Level],
		html.EscapeString(alert.Title),
		html.EscapeString(alert.Message),
		html.EscapeString(alert.Component),
	)

	var errs []error
	for _, adminID := range b.cfg.AdminIDs {
		if _, err := b.reply(ctx, adminID, view{Text: text}); err != nil {
			errs = append(errs, fmt.Errorf("alert admin %d: %w", adminID, err))
		}
	}
	return errors.Join(errs...)
}
