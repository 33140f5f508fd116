package chat

import (
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/Martian-dev/mailwatch/internal/subscription"
)

const (
	actionToggle = "toggle"
	actionReset  = "reset"
	actionSave   = "save"

	buttonsPerRow = 2
)

func toggleData(category string) string {
	return actionToggle + ":" + category
}

// parseCallback splits callback data into an action and its argument.
func parseCallback(data string) (action, arg string) {
	action, arg, _ = strings.Cut(data, ":")
	return action, arg
}

func filtersKeyboard(categories []string, selected subscription.Set) tgbotapi.InlineKeyboardMarkup {
	var rows [][]tgbotapi.InlineKeyboardButton
	var row []tgbotapi.InlineKeyboardButton
	for _, c := range categories {
		label := c
		if selected.Has(c) {
			label = "✅ " + c
		}
		row = append(row, tgbotapi.NewInlineKeyboardButtonData(label, toggleData(c)))
		if len(row) == buttonsPerRow {
			rows = append(rows, row)
			row = nil
		}
	}
	if len(row) > 0 {
		rows = append(rows, row)
	}
	rows = append(rows, tgbotapi.NewInlineKeyboardRow(
		tgbotapi.NewInlineKeyboardButtonData("Reset", actionReset),
		tgbotapi.NewInlineKeyboardButtonData("Save", actionSave),
	))
	return tgbotapi.NewInlineKeyboardMarkup(rows...)
}

func describe(set subscription.Set) string {
	if set.IsEmpty() {
		return "nothing (notifications paused)"
	}
	return strings.Join(set.Labels(), ", ")
}
