package events

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// Publisher delivers one message with broker-side dedup on msgID.
type Publisher interface {
	Publish(subject string, payload []byte, msgID string) error
}

const (
	batchSize   = 100
	idleDelay   = 500 * time.Millisecond
	errorDelay  = time.Second
	baseBackoff = 10 * time.Second
	maxBackoff  = 10 * time.Minute
)

// Dispatcher drains the outbox into a Publisher.
type Dispatcher struct {
	outbox Outbox
	pub    Publisher
	log    logrus.FieldLogger
}

func NewDispatcher(outbox Outbox, pub Publisher, log logrus.FieldLogger) *Dispatcher {
	return &Dispatcher{outbox: outbox, pub: pub, log: log.WithField("component", "dispatcher")}
}

// Run publishes until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.log.Info("outbox dispatcher started")
	for {
		n, err := d.DispatchOnce(ctx)
		delay := time.Duration(0)
		switch {
		case err != nil:
			d.log.WithError(err).Error("dequeue outbox")
			delay = errorDelay
		case n == 0:
			delay = idleDelay
		}

		select {
		case <-ctx.Done():
			d.log.Info("outbox dispatcher stopped")
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

// DispatchOnce publishes one batch and returns how many were dequeued.
// Publish failures schedule a retry; they are not returned.
func (d *Dispatcher) DispatchOnce(ctx context.Context) (int, error) {
	messages, err := d.outbox.DequeueOutbox(ctx, batchSize)
	if err != nil {
		return 0, err
	}

	for _, msg := range messages {
		log := d.log.WithFields(logrus.Fields{"outbox_id": msg.ID, "subject": msg.Subject})
		if err := d.pub.Publish(msg.Subject, msg.Payload, msg.MsgID); err != nil {
			wait := Backoff(msg.Retries)
			log.WithError(err).WithField("retry_in", wait).Warn("publish failed")
			if err := d.outbox.MarkOutboxRetry(ctx, msg.ID, wait); err != nil {
				log.WithError(err).Error("mark outbox retry")
			}
			continue
		}
		if err := d.outbox.MarkPublished(ctx, msg.ID); err != nil {
			log.WithError(err).Error("mark outbox published")
		}
	}
	return len(messages), nil
}

// Backoff doubles from baseBackoff per retry, capped at maxBackoff.
func Backoff(retries int) time.Duration {
	if retries < 0 {
		retries = 0
	}
	d := baseBackoff
	for i := 0; i < retries; i++ {
		d *= 2
		if d >= maxBackoff {
			return maxBackoff
		}
	}
	return d
}
