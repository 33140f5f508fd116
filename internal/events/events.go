package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Martian-dev/mailwatch/internal/classifier"
	"github.com/Martian-dev/mailwatch/internal/mailbox"
	"github.com/Martian-dev/mailwatch/internal/store"
)

// TypeEmailClassified is emitted once per classified message.
const TypeEmailClassified = "email.classified"

// Classified is the payload of an email.classified event.
type Classified struct {
	EventID       string             `json:"event_id"`
	Type          string             `json:"type"`
	TS            int64              `json:"ts"`
	UserID        int64              `json:"user_id"`
	MessageID     string             `json:"provider_message_id"`
	ThreadID      string             `json:"provider_thread_id,omitempty"`
	MsgDate       int64              `json:"msg_date,omitempty"`
	Category      string             `json:"category"`
	Confidence    float64            `json:"confidence"`
	Probabilities map[string]float64 `json:"probabilities,omitempty"`
	Notified      bool               `json:"notified"`
}

// Subject is the NATS subject for a user's classified events.
func Subject(user mailbox.UserID) string {
	return fmt.Sprintf("mailwatch.user.%s.%s", user, TypeEmailClassified)
}

// dedupID is stable across reprocessing of the same message, so both the
// outbox and JetStream drop repeats.
func dedupID(user mailbox.UserID, messageID string) string {
	return fmt.Sprintf("%s|%s|%s", TypeEmailClassified, user, messageID)
}

// Outbox is the queue the recorder writes to and the dispatcher drains.
type Outbox interface {
	Enqueue(ctx context.Context, subject, eventType, msgID string, payload []byte) error
	DequeueOutbox(ctx context.Context, limit int) ([]store.OutboxMessage, error)
	MarkPublished(ctx context.Context, id int64) error
	MarkOutboxRetry(ctx context.Context, id int64, backoff time.Duration) error
}

// Recorder appends classification events to the outbox.
type Recorder struct {
	outbox Outbox
	now    func() time.Time
}

func NewRecorder(outbox Outbox) *Recorder {
	return &Recorder{outbox: outbox, now: time.Now}
}

// RecordClassified builds and enqueues the event for msg.
func (r *Recorder) RecordClassified(ctx context.Context, user mailbox.UserID, msg *mailbox.Message, result classifier.Result, notified bool) error {
	evt := Classified{
		EventID:       uuid.NewString(),
		Type:          TypeEmailClassified,
		TS:            r.now().Unix(),
		UserID:        int64(user),
		MessageID:     msg.ID,
		ThreadID:      msg.ThreadID,
		Category:      result.Category,
		Confidence:    result.Confidence,
		Probabilities: result.Distribution,
		Notified:      notified,
	}
	if !msg.Date.IsZero() {
		evt.MsgDate = msg.Date.Unix()
	}

	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	return r.outbox.Enqueue(ctx, Subject(user), TypeEmailClassified, dedupID(user, msg.ID), payload)
}
