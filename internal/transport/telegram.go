package transport

import (
	"context"
	"errors"
	"strconv"
	"time"

	"onboarding-agent/internal/domain"
)

// SchemeTelegram is the Telegram Bot API channel; addresses are chat ids.
const SchemeTelegram = "tg"

// TelegramSender is the Bot API call used to reply.
type TelegramSender interface {
	SendMessage(ctx context.Context, chatID, text string) (int64, error)
}

// Telegram adapts a Bot API client to a Channel.
type Telegram struct {
	bot TelegramSender
}

func NewTelegram(bot TelegramSender) (*Telegram, error) {
	if bot == nil {
		return nil, errors.New("transport: telegram sender must not be nil")
	}
	return &Telegram{bot: bot}, nil
}

func (t *Telegram) Send(ctx context.Context, address, _, text string) (domain.Receipt, error) {
	id, err := t.bot.SendMessage(ctx, address, text)
	if err != nil {
		return domain.Receipt{}, err
	}
	return domain.Receipt{MessageID: strconv.FormatInt(id, 10), Timestamp: time.Now().UTC()}, nil
}
