package gmail

import (
	"encoding/base64"
	"html"
	"strings"
	"time"

	"google.golang.org/api/gmail/v1"

	"github.com/Martian-dev/mailwatch/internal/mailbox"
)

// normalize converts a full-format Gmail message.
func normalize(m *gmail.Message) *mailbox.Message {
	f := mailbox.MessageFields{
		ID:       m.Id,
		ThreadID: m.ThreadId,
		Preview:  html.UnescapeString(m.Snippet),
		Labels:   m.LabelIds,
	}
	if m.InternalDate != 0 {
		f.Date = time.UnixMilli(m.InternalDate)
	}
	if m.Payload != nil {
		f.Sender = header(m.Payload.Headers, "From")
		f.Subject = header(m.Payload.Headers, "Subject")
		f.Body = extractBody(m.Payload)
	}
	return mailbox.NewMessage(f)
}

func header(headers []*gmail.MessagePartHeader, name string) string {
	for _, h := range headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value
		}
	}
	return ""
}

// extractBody returns the first text/plain part, or the first text/html part
// when the message has no plain text.
func extractBody(p *gmail.MessagePart) string {
	if plain := findPart(p, "text/plain"); plain != "" {
		return plain
	}
	return findPart(p, "text/html")
}

func findPart(p *gmail.MessagePart, mimeType string) string {
	if p == nil {
		return ""
	}
	if strings.EqualFold(p.MimeType, mimeType) && p.Body != nil && p.Body.Data != "" {
		if text, ok := decodeBody(p.Body.Data); ok {
			return text
		}
	}
	for _, child := range p.Parts {
		if text := findPart(child, mimeType); text != "" {
			return text
		}
	}
	return ""
}

// decodeBody handles both padded and unpadded URL-safe base64.
func decodeBody(data string) (string, bool) {
	if b, err := base64.URLEncoding.DecodeString(data); err == nil {
		return string(b), true
	}
	if b, err := base64.RawURLEncoding.DecodeString(data); err == nil {
		return string(b), true
	}
	return "", false
}
