package chat

import (
	"context"
	"fmt"
	"html"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/sirupsen/logrus"

	"github.com/Martian-dev/mailwatch/internal/mailbox"
	"github.com/Martian-dev/mailwatch/internal/subscription"
)

// AuthLinker builds the mailbox authorization URL for a user.
type AuthLinker interface {
	AuthURL(user mailbox.UserID) (string, error)
}

// Filters edits a user's category subscriptions. *subscription.Editor
// implements it.
type Filters interface {
	Draft(ctx context.Context, user mailbox.UserID) (subscription.Set, error)
	Toggle(ctx context.Context, user mailbox.UserID, label string) (subscription.Set, error)
	Reset(user mailbox.UserID) subscription.Set
	Save(ctx context.Context, user mailbox.UserID) (subscription.Set, error)
	Saved(ctx context.Context, user mailbox.UserID) (subscription.Set, error)
}

const helpText = "<b>Help</b>\n\n" +
	"I watch your Gmail inbox, classify new emails and forward the categories you pick.\n\n" +
	"<b>Commands:</b>\n" +
	"/start - introduction\n" +
	"/auth - connect Gmail\n" +
	"/filters - choose which categories to forward\n" +
	"/subscriptions - show saved categories\n" +
	"/help - this message"

const filtersText = "<b>Filters</b>\n\n" +
	"Tap a category to toggle it, then press Save. Saved changes apply from the next check."

// Handler routes Telegram updates to commands and keyboard callbacks.
type Handler struct {
	bot        Bot
	auth       AuthLinker
	filters    Filters
	categories []string
	log        logrus.FieldLogger
}

func NewHandler(bot Bot, auth AuthLinker, filters Filters, categories []string, log logrus.FieldLogger) *Handler {
	return &Handler{
		bot:        bot,
		auth:       auth,
		filters:    filters,
		categories: categories,
		log:        log.WithField("component", "chat"),
	}
}

// Run long-polls for updates until ctx is done.
func (h *Handler) Run(ctx context.Context, up Updater) error {
	cfg := tgbotapi.NewUpdate(0)
	cfg.Timeout = 30
	updates := up.GetUpdatesChan(cfg)
	defer up.StopReceivingUpdates()

	h.log.Info("chat update loop started")
	for {
		select {
		case <-ctx.Done():
			h.log.Info("chat update loop stopped")
			return ctx.Err()
		case u, ok := <-updates:
			if !ok {
				return nil
			}
			h.HandleUpdate(ctx, u)
		}
	}
}

// HandleUpdate processes one update. Failures are logged.
func (h *Handler) HandleUpdate(ctx context.Context, u tgbotapi.Update) {
	defer func() {
		if r := recover(); r != nil {
			h.log.WithField("panic", r).Error("update handler panicked")
		}
	}()

	switch {
	case u.CallbackQuery != nil:
		h.handleCallback(ctx, u.CallbackQuery)
	case u.Message != nil && u.Message.From != nil:
		h.handleMessage(ctx, u.Message)
	}
}

func (h *Handler) handleMessage(ctx context.Context, m *tgbotapi.Message) {
	user := mailbox.UserID(m.From.ID)
	log := h.log.WithField("user_id", user)

	if !m.IsCommand() {
		h.reply(log, m.Chat.ID, "Send /filters to choose which emails I forward, or /help for all commands.")
		return
	}

	log = log.WithField("command", m.Command())
	switch m.Command() {
	case "start":
		h.reply(log, m.Chat.ID, fmt.Sprintf(
			"<b>Hi, %s!</b>\n\nI forward important emails from your Gmail to this chat.\n\n"+
				"1. Connect your mailbox with /auth\n"+
				"2. Pick categories with /filters\n"+
				"3. Wait for notifications\n\nSee /help for more.",
			html.EscapeString(m.From.FirstName)))
	case "help":
		h.reply(log, m.Chat.ID, helpText)
	case "auth":
		url, err := h.auth.AuthURL(user)
		if err != nil {
			log.WithError(err).Error("build auth url")
			h.reply(log, m.Chat.ID, "Could not start authorization, please try again later.")
			return
		}
		h.reply(log, m.Chat.ID, fmt.Sprintf(
			"<b>Connect Gmail</b>\n\nOpen <a href=\"%s\">this link</a> and grant read-only access. "+
				"I start watching new emails once you are done.", html.EscapeString(url)))
	case "filters":
		draft, err := h.filters.Draft(ctx, user)
		if err != nil {
			log.WithError(err).Error("open filter draft")
			h.reply(log, m.Chat.ID, "Could not load your filters, please try again later.")
			return
		}
		msg := tgbotapi.NewMessage(m.Chat.ID, filtersText)
		msg.ParseMode = tgbotapi.ModeHTML
		msg.ReplyMarkup = filtersKeyboard(h.categories, draft)
		if _, err := h.bot.Send(msg); err != nil {
			log.WithError(err).Error("send filters keyboard")
		}
	case "subscriptions":
		saved, err := h.filters.Saved(ctx, user)
		if err != nil {
			log.WithError(err).Error("load subscriptions")
			h.reply(log, m.Chat.ID, "Could not load your subscriptions, please try again later.")
			return
		}
		h.reply(log, m.Chat.ID, "You are subscribed to: "+html.EscapeString(describe(saved)))
	default:
		h.reply(log, m.Chat.ID, "Unknown command. See /help.")
	}
}

func (h *Handler) handleCallback(ctx context.Context, q *tgbotapi.CallbackQuery) {
	if q.From == nil || q.Message == nil {
		h.answer(h.log, q.ID, "")
		return
	}
	user := mailbox.UserID(q.From.ID)
	chatID, messageID := q.Message.Chat.ID, q.Message.MessageID
	log := h.log.WithField("user_id", user).WithField("callback", q.Data)

	action, arg := parseCallback(q.Data)
	switch action {
	case actionToggle:
		draft, err := h.filters.Toggle(ctx, user, arg)
		if err != nil {
			log.WithError(err).Warn("toggle filter")
			h.answer(log, q.ID, "Could not update filters")
			return
		}
		h.answer(log, q.ID, "")
		h.edit(log, tgbotapi.NewEditMessageReplyMarkup(chatID, messageID, filtersKeyboard(h.categories, draft)))
	case actionReset:
		draft := h.filters.Reset(user)
		h.answer(log, q.ID, "Filters cleared")
		h.edit(log, tgbotapi.NewEditMessageReplyMarkup(chatID, messageID, filtersKeyboard(h.categories, draft)))
	case actionSave:
		saved, err := h.filters.Save(ctx, user)
		if err != nil {
			log.WithError(err).Error("save filters")
			h.answer(log, q.ID, "Could not save filters, please try again")
			return
		}
		log.WithField("categories", saved.Labels()).Info("subscriptions saved")
		h.answer(log, q.ID, "Saved")
		edit := tgbotapi.NewEditMessageText(chatID, messageID,
			"<b>Filters saved</b>\n\nForwarding: "+html.EscapeString(describe(saved)))
		edit.ParseMode = tgbotapi.ModeHTML
		h.edit(log, edit)
	default:
		h.answer(log, q.ID, "Unknown action")
	}
}

func (h *Handler) reply(log logrus.FieldLogger, chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = tgbotapi.ModeHTML
	if _, err := h.bot.Send(msg); err != nil {
		log.WithError(err).Error("send reply")
	}
}

func (h *Handler) answer(log logrus.FieldLogger, id, text string) {
	if _, err := h.bot.Request(tgbotapi.NewCallback(id, text)); err != nil {
		log.WithError(err).Warn("answer callback")
	}
}

func (h *Handler) edit(log logrus.FieldLogger, c tgbotapi.Chattable) {
	if _, err := h.bot.Request(c); err != nil && !notModified(err) {
		log.WithError(err).Error("edit filters message")
	}
}
