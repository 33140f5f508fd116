package mailbox

import (
	"strings"
	"time"
)

// Message is the normalized view of a fetched mailbox entry.
type Message struct {
	ID       string
	ThreadID string
	Sender   string
	Subject  string
	Date     time.Time
	Preview  string
	Body     string
	Labels   []string

	// Text is what gets classified. Chosen once by NewMessage.
	Text string
}

// MessageFields carries the raw optional fields a provider adapter extracted.
type MessageFields struct {
	ID       string
	ThreadID string
	Sender   string
	Subject  string
	Date     time.Time
	Preview  string
	Body     string
	Labels   []string
}

// NewMessage builds a Message and fixes its classification text using the
// fallback chain body, preview, subject. The first non-blank field wins.
func NewMessage(f MessageFields) *Message {
	m := &Message{
		ID:       f.ID,
		ThreadID: f.ThreadID,
		Sender:   strings.TrimSpace(f.Sender),
		Subject:  strings.TrimSpace(f.Subject),
		Date:     f.Date,
		Preview:  strings.TrimSpace(f.Preview),
		Body:     f.Body,
		Labels:   f.Labels,
	}
	for _, candidate := range []string{f.Body, f.Preview, f.Subject} {
		if strings.TrimSpace(candidate) != "" {
			m.Text = candidate
			break
		}
	}
	return m
}
