package notify

import (
	"context"
	"fmt"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"winston-vpn/internal/models"
)

type TelegramSender struct {
	Bot *telego.Bot
}

func NewTelegramSender(bot *telego.Bot) *TelegramSender {
	return &TelegramSender{Bot: bot}
}

func (s *TelegramSender) Send(ctx context.Context, telegramID int64, n models.Notification) error {
	if _, err := s.Bot.SendMessage(ctx, tu.Message(tu.ID(telegramID), n.Message)); err != nil {
		return fmt.Errorf("failed to send telegram message: %w", err)
	}
	return nil
}
