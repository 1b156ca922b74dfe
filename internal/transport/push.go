package transport

import (
	"context"
	"errors"
	"fmt"
	"net"

	tele "gopkg.in/telebot.v4"

	"notifyd/internal/config"
	"notifyd/pkg/logx"
)

// TelegramPush delivers push notifications to a Telegram chat the recipient
// linked to their account.
type TelegramPush struct {
	bot *tele.Bot
	log logx.Logger
}

func NewTelegramPush(cfg config.PushConfig, log logx.Logger) (*TelegramPush, error) {
	bot, err := tele.NewBot(tele.Settings{
		Token:   cfg.TelegramToken,
		Offline: true, // send-only: no update polling
	})
	if err != nil {
		return nil, fmt.Errorf("telegram: %w", err)
	}
	return &TelegramPush{bot: bot, log: log}, nil
}

func (t *TelegramPush) SendPush(ctx context.Context, chatID int64, body string) error {
	if err := ctx.Err(); err != nil {
		return unavailable("telegram", err)
	}
	_, err := t.bot.Send(&tele.Chat{ID: chatID}, body, tele.NoPreview)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) {
			return unavailable("telegram", err)
		}
		return fmt.Errorf("telegram: send to %d: %w", chatID, err)
	}
	t.log.Debug("push sent", logx.Int64("chat_id", chatID))
	return nil
}
