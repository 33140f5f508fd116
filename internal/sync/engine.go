package sync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"

	"github.com/Martian-dev/mailwatch/internal/auth"
	"github.com/Martian-dev/mailwatch/internal/classifier"
	"github.com/Martian-dev/mailwatch/internal/mailbox"
	"github.com/Martian-dev/mailwatch/internal/store"
	"github.com/Martian-dev/mailwatch/internal/subscription"
)

// Credentials enumerates connected users and hands out their token sources.
// TokenSource returns auth.ErrNoCredential or auth.ErrCredentialExpired when
// the user cannot be synced.
type Credentials interface {
	ListUsers(ctx context.Context) ([]mailbox.UserID, error)
	TokenSource(ctx context.Context, user mailbox.UserID) (oauth2.TokenSource, error)
}

// CursorStore persists per-user cursors. LoadCursor returns "" for none.
type CursorStore interface {
	LoadCursor(ctx context.Context, user mailbox.UserID) (mailbox.Cursor, error)
	SaveCursor(ctx context.Context, user mailbox.UserID, cursor mailbox.Cursor, status string) error
}

type SubscriptionReader interface {
	LoadSubscriptions(ctx context.Context, user mailbox.UserID) (subscription.Set, error)
}

type Notifier interface {
	Notify(ctx context.Context, user mailbox.UserID, msg *mailbox.Message, result classifier.Result) error
}

// EventRecorder receives every classified message. Optional.
type EventRecorder interface {
	RecordClassified(ctx context.Context, user mailbox.UserID, msg *mailbox.Message, result classifier.Result, notified bool) error
}

// Deps are the collaborators of an Engine. Events may be nil.
type Deps struct {
	Credentials   Credentials
	Cursors       CursorStore
	Subscriptions SubscriptionReader
	Gateway       mailbox.Gateway
	Classifier    classifier.Predictor
	Notifier      Notifier
	Events        EventRecorder
	Log           logrus.FieldLogger
}

// Engine runs sync passes. Users are processed one after another.
type Engine struct {
	Deps
	minConfidence float64
	now           func() time.Time
}

// NewEngine creates an engine. minConfidence <= 0 disables the threshold.
func NewEngine(d Deps, minConfidence float64) *Engine {
	return &Engine{Deps: d, minConfidence: minConfidence, now: time.Now}
}

// Eligible reports whether result should be delivered to a user subscribed to subs.
func Eligible(subs subscription.Set, result classifier.Result, minConfidence float64) bool {
	if result.Category == "" || subs.IsEmpty() || !subs.Has(result.Category) {
		return false
	}
	return minConfidence <= 0 || result.Confidence >= minConfidence
}

// RunPass syncs every connected user once.
func (e *Engine) RunPass(ctx context.Context) (report Report) {
	report.StartedAt = e.now()
	defer func() { report.FinishedAt = e.now() }()

	users, err := e.Credentials.ListUsers(ctx)
	if err != nil {
		e.Log.WithError(err).Error("list connected users")
		report.Err = err.Error()
		return report
	}

	for _, user := range users {
		if ctx.Err() != nil {
			break
		}
		report.Users = append(report.Users, e.syncUserSafe(ctx, user))
	}

	e.Log.WithFields(logrus.Fields{
		"users":     len(report.Users),
		"committed": report.Count(OutcomeCommitted),
		"reseeded":  report.Count(OutcomeReseeded),
		"failed":    report.Count(OutcomeFailed),
		"notified":  report.Notified(),
	}).Info("sync pass complete")
	return report
}

// syncUserSafe keeps a panic in one user's processing from ending the pass.
func (e *Engine) syncUserSafe(ctx context.Context, user mailbox.UserID) (res UserResult) {
	defer func() {
		if r := recover(); r != nil {
			e.Log.WithField("user_id", user).WithField("panic", r).Error("user sync panicked")
			res = UserResult{User: user, Outcome: OutcomeFailed, Error: fmt.Sprintf("panic: %v", r)}
		}
	}()
	return e.SyncUser(ctx, user)
}

// SyncUser runs one pass for user: credential check, cursor check, history
// fetch, event loop, cursor commit. Invalid cursors are reseeded.
func (e *Engine) SyncUser(ctx context.Context, user mailbox.UserID) UserResult {
	res := UserResult{User: user}
	log := e.Log.WithField("user_id", user)

	cred, err := e.Credentials.TokenSource(ctx, user)
	if errors.Is(err, auth.ErrNoCredential) || errors.Is(err, auth.ErrCredentialExpired) {
		log.WithError(err).Debug("skipping user without valid credential")
		return res.skip("no valid credential")
	}
	if err != nil {
		return e.fail(log, res, fmt.Errorf("load credential: %w", err))
	}

	cursor, err := e.Cursors.LoadCursor(ctx, user)
	if err != nil {
		return e.fail(log, res, err)
	}
	if cursor == "" {
		log.Debug("skipping user without cursor")
		return res.skip("no cursor")
	}
	res.Cursor = cursor
	log = log.WithField("cursor", cursor)

	subs, err := e.Subscriptions.LoadSubscriptions(ctx, user)
	if err != nil {
		return e.fail(log, res, err)
	}
	if subs.IsEmpty() {
		log.Debug("skipping user without subscriptions")
		return res.skip("no subscriptions")
	}

	changes, err := e.Gateway.FetchChanges(ctx, cred, cursor)
	if errors.Is(err, mailbox.ErrInvalidCursor) {
		return e.reseed(ctx, log, res, cred, err)
	}
	if err != nil {
		return e.fail(log, res, fmt.Errorf("fetch changes: %w", err))
	}

	seen := make(map[string]bool, len(changes.Events))
	for _, ev := range changes.Events {
		if ev.Kind != mailbox.EventMessageAdded || seen[ev.MessageID] {
			continue
		}
		seen[ev.MessageID] = true
		res.Events++

		if err := e.processMessage(ctx, log, user, cred, subs, ev.MessageID, &res); err != nil {
			return e.fail(log, res, err)
		}
	}

	if changes.NewCursor == "" || changes.NewCursor == cursor {
		res.Outcome = OutcomeUnchanged
		return res
	}
	if err := e.Cursors.SaveCursor(ctx, user, changes.NewCursor, store.StatusOK); err != nil {
		return e.fail(log, res, err)
	}
	res.Outcome = OutcomeCommitted
	res.Cursor = changes.NewCursor
	log.WithFields(logrus.Fields{"new_cursor": changes.NewCursor, "events": res.Events, "notified": res.Notified}).
		Info("cursor advanced")
	return res
}

// processMessage handles one added message. A returned error aborts the pass
// for the user; per-message problems are counted as skipped. An unavailable
// classifier is not per-message: the window must be seen again next pass.
func (e *Engine) processMessage(ctx context.Context, log logrus.FieldLogger, user mailbox.UserID, cred oauth2.TokenSource, subs subscription.Set, id string, res *UserResult) error {
	log = log.WithField("message_id", id)

	msg, err := e.Gateway.FetchMessage(ctx, cred, id)
	if errors.Is(err, mailbox.ErrMessageNotFound) {
		log.Debug("message gone before fetch")
		res.Skipped++
		return nil
	}
	if err != nil {
		return fmt.Errorf("fetch message %s: %w", id, err)
	}

	result, err := e.Classifier.Predict(ctx, msg.Text)
	if errors.Is(err, classifier.ErrUnavailable) {
		return fmt.Errorf("classify message %s: %w", id, err)
	}
	if err == nil {
		err = result.Validate()
	}
	if err != nil {
		log.WithError(err).Warn("classification failed, skipping message")
		res.Skipped++
		return nil
	}
	res.Processed++

	notify := Eligible(subs, result, e.minConfidence)
	if notify {
		if err := e.Notifier.Notify(ctx, user, msg, result); err != nil {
			return err
		}
		res.Notified++
	}
	log.WithFields(logrus.Fields{
		"category":   result.Category,
		"confidence": result.Confidence,
		"notified":   notify,
	}).Debug("message classified")

	if e.Events != nil {
		if err := e.Events.RecordClassified(ctx, user, msg, result, notify); err != nil {
			log.WithError(err).Warn("record classified event")
		}
	}
	return nil
}

// reseed replaces an invalid cursor with the mailbox's current state. The
// expired window is not replayed.
func (e *Engine) reseed(ctx context.Context, log logrus.FieldLogger, res UserResult, cred oauth2.TokenSource, cause error) UserResult {
	log.WithError(cause).Warn("cursor invalid, reseeding from current state")

	current, err := e.Gateway.CurrentState(ctx, cred)
	if err != nil {
		return e.fail(log, res, fmt.Errorf("reseed: %w", err))
	}
	if err := e.Cursors.SaveCursor(ctx, res.User, current, store.StatusReseeded); err != nil {
		return e.fail(log, res, fmt.Errorf("reseed: %w", err))
	}
	res.Outcome = OutcomeReseeded
	res.Cursor = current
	log.WithField("new_cursor", current).Info("cursor reseeded")
	return res
}

// fail logs err and reports it in the pass result. Stored state is untouched.
func (e *Engine) fail(log logrus.FieldLogger, res UserResult, err error) UserResult {
	log.WithError(err).Error("user sync failed")
	res.Outcome = OutcomeFailed
	res.Error = err.Error()
	return res
}
