package alerts

import (
	"context"
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"github.com/alphaarena/engine/internal/config"
)

// TelegramAlerter pushes alerts to a Telegram chat. Kill-switch trips,
// drawdown warnings and equity drift all go through here so the
// operator hears about them off-box.
type TelegramAlerter struct {
	api    *tgbotapi.BotAPI
	chatID int64
	logger zerolog.Logger
}

// NewTelegramAlerter creates the Telegram channel from config.
func NewTelegramAlerter(cfg config.TelegramConfig) (*TelegramAlerter, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("telegram token is required")
	}
	if cfg.ChatID == 0 {
		return nil, fmt.Errorf("telegram chat_id is required")
	}

	api, err := tgbotapi.NewBotAPI(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("failed to create bot API: %w", err)
	}

	logger := config.NewLogger("telegram")
	logger.Info().Str("bot_username", api.Self.UserName).Msg("Telegram alerter initialized")

	return &TelegramAlerter{api: api, chatID: cfg.ChatID, logger: logger}, nil
}

// Send delivers one alert as a Markdown message.
func (t *TelegramAlerter) Send(_ context.Context, alert Alert) error {
	msg := tgbotapi.NewMessage(t.chatID, formatAlert(alert))
	msg.ParseMode = "Markdown"

	if _, err := t.api.Send(msg); err != nil {
		return fmt.Errorf("failed to send telegram alert: %w", err)
	}
	t.logger.Debug().Str("alert_title", alert.Title).Msg("Telegram alert sent")
	return nil
}

func formatAlert(alert Alert) string {
	var emoji string
	switch alert.Severity {
	case SeverityCritical:
		emoji = "🚨"
	case SeverityWarning:
		emoji = "⚠️"
	default:
		emoji = "ℹ️"
	}

	message := fmt.Sprintf("%s *%s*\n\n%s", emoji, alert.Title, alert.Message)
	if len(alert.Fields) > 0 {
		message += "\n"
		for key, value := range alert.Fields {
			message += fmt.Sprintf("\n• %s: `%v`", key, value)
		}
	}
	message += fmt.Sprintf("\n\n_%s_", alert.Timestamp.UTC().Format("2006-01-02 15:04:05"))
	return message
}
