package notify

import (
	"context"
	"fmt"
	"html"
	"math"
	"strings"

	"github.com/Martian-dev/mailwatch/internal/classifier"
	"github.com/Martian-dev/mailwatch/internal/mailbox"
)

const (
	unknownSender = "Unknown"
	noSubject     = "No Subject"

	// maxSnippet keeps notifications well under the chat message limit.
	maxSnippet = 300
)

// Sink delivers text to a user's chat.
type Sink interface {
	Send(ctx context.Context, user mailbox.UserID, text string) error
}

// Notifier formats classified messages and hands them to a Sink.
type Notifier struct {
	sink Sink
}

func New(sink Sink) *Notifier {
	return &Notifier{sink: sink}
}

// Notify sends one notification. Errors are delivery failures.
func (n *Notifier) Notify(ctx context.Context, user mailbox.UserID, msg *mailbox.Message, result classifier.Result) error {
	if err := n.sink.Send(ctx, user, Format(msg, result)); err != nil {
		return fmt.Errorf("deliver notification for message %s: %w", msg.ID, err)
	}
	return nil
}

// Format renders msg as chat HTML. Provider text is escaped.
func Format(msg *mailbox.Message, result classifier.Result) string {
	sender := msg.Sender
	if sender == "" {
		sender = unknownSender
	}
	subject := msg.Subject
	if subject == "" {
		subject = noSubject
	}

	var b strings.Builder
	fmt.Fprintf(&b, "<b>New email</b> [%s %d%%]\n",
		html.EscapeString(result.Category), int(math.Round(result.Confidence*100)))
	fmt.Fprintf(&b, "From: %s\n", html.EscapeString(sender))
	fmt.Fprintf(&b, "Subject: %s\n", html.EscapeString(subject))
	fmt.Fprintf(&b, "Snippet: %s", html.EscapeString(truncate(msg.Preview, maxSnippet)))
	return b.String()
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return strings.TrimSpace(string(r[:n])) + "…"
}
