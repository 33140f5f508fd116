package gmail

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
	"golang.org/x/oauth2"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/Martian-dev/mailwatch/internal/mailbox"
)

const (
	me          = "me"
	callTimeout = 30 * time.Second
	pageSize    = 500
)

// Adapter implements mailbox.Gateway over the Gmail API.
type Adapter struct {
	opts []option.ClientOption
	cb   *gobreaker.CircuitBreaker
	log  logrus.FieldLogger
}

// New creates a Gmail gateway. opts are appended to every service, which is
// how tests point it at a fake endpoint.
func New(log logrus.FieldLogger, opts ...option.ClientOption) *Adapter {
	a := &Adapter{opts: opts, log: log.WithField("provider", "gmail")}
	a.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "gmail-api",
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			ratio := float64(c.TotalFailures) / float64(c.Requests)
			return c.ConsecutiveFailures > 5 || (c.Requests >= 10 && ratio >= 0.6)
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !isServerSide(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			a.log.WithFields(logrus.Fields{"breaker": name, "from": from.String(), "to": to.String()}).
				Warn("circuit breaker state changed")
		},
	})
	return a
}

// State reports the circuit breaker state.
func (a *Adapter) State() gobreaker.State {
	return a.cb.State()
}

func (a *Adapter) service(ctx context.Context, cred oauth2.TokenSource) (*gmail.Service, error) {
	opts := append([]option.ClientOption{option.WithHTTPClient(oauth2.NewClient(ctx, cred))}, a.opts...)
	svc, err := gmail.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create gmail service: %w", err)
	}
	return svc, nil
}

func (a *Adapter) execute(fn func() error) error {
	_, err := a.cb.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	return err
}

// withDeadline bounds a call when the caller set no deadline of its own.
func withDeadline(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, callTimeout)
}

// FetchChanges lists history since cursor. Added message ids are deduplicated,
// keeping first occurrence order.
func (a *Adapter) FetchChanges(ctx context.Context, cred oauth2.TokenSource, cursor mailbox.Cursor) (*mailbox.ChangeSet, error) {
	start, err := strconv.ParseUint(string(cursor), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: unparseable history id %q", mailbox.ErrInvalidCursor, cursor)
	}

	ctx, cancel := withDeadline(ctx)
	defer cancel()

	svc, err := a.service(ctx, cred)
	if err != nil {
		return nil, err
	}

	var events []mailbox.ChangeEvent
	var latest uint64
	seen := make(map[string]bool)
	call := svc.Users.History.List(me).
		StartHistoryId(start).
		HistoryTypes("messageAdded").
		MaxResults(pageSize)

	err = a.execute(func() error {
		events, latest = nil, 0
		clear(seen)
		return call.Pages(ctx, func(page *gmail.ListHistoryResponse) error {
			if page.HistoryId > latest {
				latest = page.HistoryId
			}
			for _, h := range page.History {
				for _, rec := range h.MessagesAdded {
					if rec.Message == nil || seen[rec.Message.Id] {
						continue
					}
					seen[rec.Message.Id] = true
					events = append(events, mailbox.ChangeEvent{Kind: mailbox.EventMessageAdded, MessageID: rec.Message.Id})
				}
				for _, rec := range h.MessagesDeleted {
					if rec.Message != nil {
						events = append(events, mailbox.ChangeEvent{Kind: mailbox.EventMessageDeleted, MessageID: rec.Message.Id})
					}
				}
				for _, rec := range h.LabelsAdded {
					if rec.Message != nil {
						events = append(events, mailbox.ChangeEvent{Kind: mailbox.EventLabelsChanged, MessageID: rec.Message.Id})
					}
				}
				for _, rec := range h.LabelsRemoved {
					if rec.Message != nil {
						events = append(events, mailbox.ChangeEvent{Kind: mailbox.EventLabelsChanged, MessageID: rec.Message.Id})
					}
				}
			}
			return nil
		})
	})
	if err != nil {
		if statusCode(err) == http.StatusNotFound {
			return nil, fmt.Errorf("%w: history id %s: %v", mailbox.ErrInvalidCursor, cursor, err)
		}
		return nil, fmt.Errorf("list history: %w", err)
	}

	next := cursor
	if latest != 0 {
		next = mailbox.Cursor(strconv.FormatUint(latest, 10))
	}
	return &mailbox.ChangeSet{Events: events, NewCursor: next}, nil
}

func (a *Adapter) FetchMessage(ctx context.Context, cred oauth2.TokenSource, messageID string) (*mailbox.Message, error) {
	ctx, cancel := withDeadline(ctx)
	defer cancel()

	svc, err := a.service(ctx, cred)
	if err != nil {
		return nil, err
	}

	var msg *gmail.Message
	err = a.execute(func() error {
		var err error
		msg, err = svc.Users.Messages.Get(me, messageID).Format("full").Context(ctx).Do()
		return err
	})
	if err != nil {
		if statusCode(err) == http.StatusNotFound {
			return nil, fmt.Errorf("%w: %s", mailbox.ErrMessageNotFound, messageID)
		}
		return nil, fmt.Errorf("get message %s: %w", messageID, err)
	}
	return normalize(msg), nil
}

// CurrentState returns the mailbox's latest history id.
func (a *Adapter) CurrentState(ctx context.Context, cred oauth2.TokenSource) (mailbox.Cursor, error) {
	ctx, cancel := withDeadline(ctx)
	defer cancel()

	svc, err := a.service(ctx, cred)
	if err != nil {
		return "", err
	}

	var profile *gmail.Profile
	err = a.execute(func() error {
		var err error
		profile, err = svc.Users.GetProfile(me).Context(ctx).Do()
		return err
	})
	if err != nil {
		return "", fmt.Errorf("get profile: %w", err)
	}
	if profile.HistoryId == 0 {
		return "", errors.New("get profile: empty history id")
	}
	return mailbox.Cursor(strconv.FormatUint(profile.HistoryId, 10)), nil
}

func statusCode(err error) int {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	return 0
}

// isServerSide reports errors that should count against the breaker:
// rate limiting, server failures and transport errors.
func isServerSide(err error) bool {
	code := statusCode(err)
	if code == 0 {
		return !errors.Is(err, context.Canceled)
	}
	return code == http.StatusTooManyRequests || code >= 500
}
