package chat

import (
	"context"
	"fmt"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/Martian-dev/mailwatch/internal/mailbox"
)

// Bot is the subset of *tgbotapi.BotAPI used for output.
type Bot interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
}

// Updater is the subset of *tgbotapi.BotAPI used for long polling.
type Updater interface {
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

// Sink delivers notification text to the user's private chat.
type Sink struct {
	bot Bot
}

func NewSink(bot Bot) *Sink {
	return &Sink{bot: bot}
}

func (s *Sink) Send(ctx context.Context, user mailbox.UserID, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := tgbotapi.NewMessage(int64(user), text)
	msg.ParseMode = tgbotapi.ModeHTML
	msg.DisableWebPagePreview = true
	if _, err := s.bot.Send(msg); err != nil {
		return fmt.Errorf("telegram send to %s: %w", user, err)
	}
	return nil
}

// notModified reports Telegram's rejection of an edit that changes nothing.
func notModified(err error) bool {
	return err != nil && strings.Contains(err.Error(), "message is not modified")
}
