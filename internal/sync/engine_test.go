package sync

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/Martian-dev/mailwatch/internal/auth"
	"github.com/Martian-dev/mailwatch/internal/classifier"
	"github.com/Martian-dev/mailwatch/internal/mailbox"
	"github.com/Martian-dev/mailwatch/internal/store"
	"github.com/Martian-dev/mailwatch/internal/subscription"
)

type fakeCreds struct {
	users []mailbox.UserID
	errs  map[mailbox.UserID]error
}

func (f *fakeCreds) ListUsers(context.Context) ([]mailbox.UserID, error) {
	return f.users, nil
}

func (f *fakeCreds) TokenSource(_ context.Context, user mailbox.UserID) (oauth2.TokenSource, error) {
	if err := f.errs[user]; err != nil {
		return nil, err
	}
	return oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "tok-" + user.String()}), nil
}

type fakeGateway struct {
	changes    *mailbox.ChangeSet
	changesErr error
	messages   map[string]*mailbox.Message
	msgErrs    map[string]error
	current    mailbox.Cursor
	currentErr error
	panicOn    string

	fetchedChanges []mailbox.Cursor
	fetched        []string
}

func (g *fakeGateway) FetchChanges(_ context.Context, _ oauth2.TokenSource, cursor mailbox.Cursor) (*mailbox.ChangeSet, error) {
	g.fetchedChanges = append(g.fetchedChanges, cursor)
	if g.changesErr != nil {
		return nil, g.changesErr
	}
	return g.changes, nil
}

func (g *fakeGateway) FetchMessage(_ context.Context, _ oauth2.TokenSource, id string) (*mailbox.Message, error) {
	if id == g.panicOn {
		panic("gateway exploded")
	}
	g.fetched = append(g.fetched, id)
	if err := g.msgErrs[id]; err != nil {
		return nil, err
	}
	if m, ok := g.messages[id]; ok {
		return m, nil
	}
	return mailbox.NewMessage(mailbox.MessageFields{ID: id, Body: "body " + id}), nil
}

func (g *fakeGateway) CurrentState(context.Context, oauth2.TokenSource) (mailbox.Cursor, error) {
	return g.current, g.currentErr
}

type fakeClassifier struct {
	results map[string]classifier.Result
	errs    map[string]error
	def     classifier.Result
}

func (c *fakeClassifier) Predict(_ context.Context, text string) (classifier.Result, error) {
	if err := c.errs[text]; err != nil {
		return classifier.Result{}, err
	}
	if r, ok := c.results[text]; ok {
		return r, nil
	}
	return c.def, nil
}

type sent struct {
	user mailbox.UserID
	id   string
	cat  string
}

type fakeNotifier struct {
	sent []sent
	err  error
}

func (n *fakeNotifier) Notify(_ context.Context, user mailbox.UserID, msg *mailbox.Message, r classifier.Result) error {
	if n.err != nil {
		return n.err
	}
	n.sent = append(n.sent, sent{user, msg.ID, r.Category})
	return nil
}

type fakeRecorder struct {
	notified map[string]bool
	err      error
}

func (f *fakeRecorder) RecordClassified(_ context.Context, _ mailbox.UserID, msg *mailbox.Message, _ classifier.Result, notified bool) error {
	if f.notified == nil {
		f.notified = make(map[string]bool)
	}
	f.notified[msg.ID] = notified
	return f.err
}

type harness struct {
	store    *store.Store
	creds    *fakeCreds
	gateway  *fakeGateway
	clf      *fakeClassifier
	notifier *fakeNotifier
	recorder *fakeRecorder
	hook     *logtest.Hook
	engine   *Engine
}

const alice mailbox.UserID = 1

func newHarness(t *testing.T, minConfidence float64) *harness {
	t.Helper()
	st, err := store.Open(store.MemoryPath)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	log, hook := logtest.NewNullLogger()
	log.SetLevel(logrus.DebugLevel)

	h := &harness{
		store:    st,
		creds:    &fakeCreds{users: []mailbox.UserID{alice}},
		gateway:  &fakeGateway{},
		clf:      &fakeClassifier{},
		notifier: &fakeNotifier{},
		recorder: &fakeRecorder{},
		hook:     hook,
	}
	h.engine = NewEngine(Deps{
		Credentials:   h.creds,
		Cursors:       st,
		Subscriptions: st,
		Gateway:       h.gateway,
		Classifier:    h.clf,
		Notifier:      h.notifier,
		Events:        h.recorder,
		Log:           log,
	}, minConfidence)
	return h
}

func (h *harness) seed(t *testing.T, user mailbox.UserID, cursor mailbox.Cursor, subs ...string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, h.store.SaveCursor(ctx, user, cursor, store.StatusSeeded))
	require.NoError(t, h.store.SaveSubscriptions(ctx, user, subscription.NewSet(subs...)))
}

func (h *harness) cursor(t *testing.T, user mailbox.UserID) mailbox.Cursor {
	t.Helper()
	c, err := h.store.LoadCursor(context.Background(), user)
	require.NoError(t, err)
	return c
}

func added(ids ...string) []mailbox.ChangeEvent {
	out := make([]mailbox.ChangeEvent, len(ids))
	for i, id := range ids {
		out[i] = mailbox.ChangeEvent{Kind: mailbox.EventMessageAdded, MessageID: id}
	}
	return out
}

func TestSubscribedCategoryNotifiesAndCommits(t *testing.T) {
	h := newHarness(t, 0.5)
	h.seed(t, alice, "100", "spam")
	h.gateway.changes = &mailbox.ChangeSet{Events: added("abc"), NewCursor: "105"}
	h.clf.def = classifier.Result{Category: "spam", Confidence: 0.9}

	res := h.engine.SyncUser(context.Background(), alice)

	assert.Equal(t, OutcomeCommitted, res.Outcome)
	assert.Equal(t, []sent{{alice, "abc", "spam"}}, h.notifier.sent)
	assert.Equal(t, mailbox.Cursor("105"), h.cursor(t, alice))
	assert.Equal(t, 1, res.Notified)
	assert.True(t, h.recorder.notified["abc"])
}

func TestUnsubscribedCategoryStillCommits(t *testing.T) {
	h := newHarness(t, 0.5)
	h.seed(t, alice, "100", "spam")
	h.gateway.changes = &mailbox.ChangeSet{Events: added("abc"), NewCursor: "105"}
	h.clf.def = classifier.Result{Category: "updates", Confidence: 0.8}

	res := h.engine.SyncUser(context.Background(), alice)

	assert.Equal(t, OutcomeCommitted, res.Outcome)
	assert.Empty(t, h.notifier.sent)
	assert.Equal(t, mailbox.Cursor("105"), h.cursor(t, alice))
	assert.False(t, h.recorder.notified["abc"])
}

func TestInvalidCursorReseeds(t *testing.T) {
	h := newHarness(t, 0.5)
	h.seed(t, alice, "100", "spam")
	h.gateway.changesErr = mailbox.ErrInvalidCursor
	h.gateway.current = "200"

	res := h.engine.SyncUser(context.Background(), alice)

	assert.Equal(t, OutcomeReseeded, res.Outcome)
	assert.Empty(t, h.notifier.sent)
	assert.Empty(t, h.gateway.fetched, "expired window must not be replayed")
	assert.Equal(t, mailbox.Cursor("200"), h.cursor(t, alice))

	st, err := h.store.SyncState(context.Background(), alice)
	require.NoError(t, err)
	assert.Equal(t, store.StatusReseeded, st.Status)
}

func TestReseedFailureLeavesCursor(t *testing.T) {
	h := newHarness(t, 0.5)
	h.seed(t, alice, "100", "spam")
	h.gateway.changesErr = mailbox.ErrInvalidCursor
	h.gateway.currentErr = errors.New("profile unavailable")

	res := h.engine.SyncUser(context.Background(), alice)

	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.Equal(t, mailbox.Cursor("100"), h.cursor(t, alice))
}

func TestNoEventsAdvancesCursor(t *testing.T) {
	h := newHarness(t, 0.5)
	h.seed(t, alice, "100", "spam")
	h.gateway.changes = &mailbox.ChangeSet{NewCursor: "101"}

	res := h.engine.SyncUser(context.Background(), alice)

	assert.Equal(t, OutcomeCommitted, res.Outcome)
	assert.Empty(t, h.notifier.sent)
	assert.Equal(t, mailbox.Cursor("101"), h.cursor(t, alice))
}

func TestUnchangedCursorIsNotWritten(t *testing.T) {
	h := newHarness(t, 0.5)
	h.seed(t, alice, "100", "spam")
	h.gateway.changes = &mailbox.ChangeSet{NewCursor: "100"}

	res := h.engine.SyncUser(context.Background(), alice)

	assert.Equal(t, OutcomeUnchanged, res.Outcome)
	st, err := h.store.SyncState(context.Background(), alice)
	require.NoError(t, err)
	assert.Equal(t, store.StatusSeeded, st.Status)
}

func TestEmptySubscriptionSkipsUser(t *testing.T) {
	h := newHarness(t, 0)
	h.seed(t, alice, "100")
	h.gateway.changes = &mailbox.ChangeSet{Events: added("a", "b"), NewCursor: "105"}
	h.clf.def = classifier.Result{Category: "spam", Confidence: 1}

	res := h.engine.SyncUser(context.Background(), alice)

	assert.Equal(t, OutcomeSkipped, res.Outcome)
	assert.Empty(t, h.gateway.fetchedChanges)
	assert.Empty(t, h.gateway.fetched)
	assert.Empty(t, h.notifier.sent)
	assert.Equal(t, mailbox.Cursor("100"), h.cursor(t, alice))

	st, err := h.store.SyncState(context.Background(), alice)
	require.NoError(t, err)
	assert.Equal(t, store.StatusSeeded, st.Status)
}

func TestTransientFetchMidLoopKeepsCursor(t *testing.T) {
	h := newHarness(t, 0.5)
	h.seed(t, alice, "100", "spam")
	h.gateway.changes = &mailbox.ChangeSet{Events: added("a", "b", "c"), NewCursor: "105"}
	h.gateway.msgErrs = map[string]error{"b": errors.New("connection reset")}
	h.clf.def = classifier.Result{Category: "spam", Confidence: 0.9}

	res := h.engine.SyncUser(context.Background(), alice)

	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.Equal(t, []string{"a", "b"}, h.gateway.fetched)
	assert.Len(t, h.notifier.sent, 1, "messages before the failure were already dispatched")
	assert.Equal(t, mailbox.Cursor("100"), h.cursor(t, alice))

	assert.Contains(t, res.Error, "connection reset")

	st, err := h.store.SyncState(context.Background(), alice)
	require.NoError(t, err)
	assert.Equal(t, store.StatusSeeded, st.Status, "a failed pass leaves stored state alone")
}

func TestRetryAfterFailureRenotifies(t *testing.T) {
	h := newHarness(t, 0.5)
	h.seed(t, alice, "100", "spam")
	h.gateway.changes = &mailbox.ChangeSet{Events: added("a", "b"), NewCursor: "105"}
	h.gateway.msgErrs = map[string]error{"b": errors.New("timeout")}
	h.clf.def = classifier.Result{Category: "spam", Confidence: 0.9}

	h.engine.SyncUser(context.Background(), alice)
	h.gateway.msgErrs = nil
	res := h.engine.SyncUser(context.Background(), alice)

	assert.Equal(t, OutcomeCommitted, res.Outcome)
	assert.Equal(t, []mailbox.Cursor{"100", "100"}, h.gateway.fetchedChanges)
	assert.Equal(t, []sent{{alice, "a", "spam"}, {alice, "a", "spam"}, {alice, "b", "spam"}}, h.notifier.sent)
}

func TestNotifyFailureKeepsCursor(t *testing.T) {
	h := newHarness(t, 0.5)
	h.seed(t, alice, "100", "spam")
	h.gateway.changes = &mailbox.ChangeSet{Events: added("abc"), NewCursor: "105"}
	h.clf.def = classifier.Result{Category: "spam", Confidence: 0.9}
	h.notifier.err = errors.New("chat unreachable")

	res := h.engine.SyncUser(context.Background(), alice)

	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.Equal(t, mailbox.Cursor("100"), h.cursor(t, alice))
}

func TestTransientChangesErrorKeepsCursor(t *testing.T) {
	h := newHarness(t, 0.5)
	h.seed(t, alice, "100", "spam")
	h.gateway.changesErr = errors.New("503")

	res := h.engine.SyncUser(context.Background(), alice)

	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.Equal(t, mailbox.Cursor("100"), h.cursor(t, alice))
}

func TestPerMessageFailuresSkipOnlyThatMessage(t *testing.T) {
	h := newHarness(t, 0.5)
	h.seed(t, alice, "100", "spam")
	h.gateway.changes = &mailbox.ChangeSet{Events: added("gone", "bad", "empty", "ok"), NewCursor: "105"}
	h.gateway.msgErrs = map[string]error{"gone": mailbox.ErrMessageNotFound}
	h.clf.errs = map[string]error{"body empty": errors.New("no features")}
	h.clf.results = map[string]classifier.Result{"body bad": {Category: "spam", Confidence: 3}}
	h.clf.def = classifier.Result{Category: "spam", Confidence: 0.9}

	res := h.engine.SyncUser(context.Background(), alice)

	assert.Equal(t, OutcomeCommitted, res.Outcome)
	assert.Equal(t, []sent{{alice, "ok", "spam"}}, h.notifier.sent)
	assert.Equal(t, 3, res.Skipped)
	assert.Equal(t, mailbox.Cursor("105"), h.cursor(t, alice))
}

func TestClassifierUnavailableKeepsCursor(t *testing.T) {
	h := newHarness(t, 0.5)
	h.seed(t, alice, "100", "spam")
	h.gateway.changes = &mailbox.ChangeSet{Events: added("abc"), NewCursor: "105"}
	h.clf.errs = map[string]error{"body abc": classifier.ErrUnavailable}
	h.clf.def = classifier.Result{Category: "spam", Confidence: 0.9}

	res := h.engine.SyncUser(context.Background(), alice)

	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.Zero(t, res.Skipped)
	assert.Empty(t, h.notifier.sent)
	assert.Equal(t, mailbox.Cursor("100"), h.cursor(t, alice))

	h.clf.errs = nil
	res = h.engine.SyncUser(context.Background(), alice)

	assert.Equal(t, OutcomeCommitted, res.Outcome)
	assert.Equal(t, []mailbox.Cursor{"100", "100"}, h.gateway.fetchedChanges)
	assert.Equal(t, []sent{{alice, "abc", "spam"}}, h.notifier.sent)
	assert.Equal(t, mailbox.Cursor("105"), h.cursor(t, alice))
}

func TestDuplicatesAndOtherKindsIgnored(t *testing.T) {
	h := newHarness(t, 0.5)
	h.seed(t, alice, "100", "spam")
	h.gateway.changes = &mailbox.ChangeSet{
		Events: []mailbox.ChangeEvent{
			{Kind: mailbox.EventMessageAdded, MessageID: "x"},
			{Kind: mailbox.EventMessageDeleted, MessageID: "y"},
			{Kind: mailbox.EventLabelsChanged, MessageID: "z"},
			{Kind: mailbox.EventMessageAdded, MessageID: "w"},
			{Kind: mailbox.EventMessageAdded, MessageID: "x"},
		},
		NewCursor: "105",
	}
	h.clf.def = classifier.Result{Category: "spam", Confidence: 0.9}

	res := h.engine.SyncUser(context.Background(), alice)

	assert.Equal(t, []string{"x", "w"}, h.gateway.fetched)
	assert.Equal(t, []sent{{alice, "x", "spam"}, {alice, "w", "spam"}}, h.notifier.sent)
	assert.Equal(t, 2, res.Events)
}

func TestConfidenceThreshold(t *testing.T) {
	for _, tc := range []struct {
		name   string
		min    float64
		conf   float64
		notify bool
	}{
		{"below threshold", 0.5, 0.4, false},
		{"at threshold", 0.5, 0.5, true},
		{"disabled", 0, 0.1, true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, tc.min)
			h.seed(t, alice, "100", "spam")
			h.gateway.changes = &mailbox.ChangeSet{Events: added("abc"), NewCursor: "105"}
			h.clf.def = classifier.Result{Category: "spam", Confidence: tc.conf}

			res := h.engine.SyncUser(context.Background(), alice)
			assert.Equal(t, OutcomeCommitted, res.Outcome)
			assert.Equal(t, tc.notify, len(h.notifier.sent) == 1)
		})
	}
}

func TestSkipsUsersWithoutCredentialOrCursor(t *testing.T) {
	h := newHarness(t, 0.5)
	h.creds.users = []mailbox.UserID{1, 2, 3}
	h.creds.errs = map[mailbox.UserID]error{1: auth.ErrNoCredential, 2: auth.ErrCredentialExpired}
	h.seed(t, 1, "100", "spam")
	h.seed(t, 2, "100", "spam")

	report := h.engine.RunPass(context.Background())

	require.Len(t, report.Users, 3)
	for _, u := range report.Users {
		assert.Equal(t, OutcomeSkipped, u.Outcome, "user %d", u.User)
	}
	assert.Equal(t, "no cursor", report.Users[2].Reason)
	assert.Empty(t, h.gateway.fetchedChanges)
}

func TestPassContinuesAfterUserPanic(t *testing.T) {
	h := newHarness(t, 0.5)
	h.creds.users = []mailbox.UserID{1, 2}
	h.seed(t, 1, "100", "spam")
	h.seed(t, 2, "100", "spam")
	h.gateway.changes = &mailbox.ChangeSet{Events: added("boom"), NewCursor: "105"}
	h.gateway.panicOn = "boom"

	report := h.engine.RunPass(context.Background())

	require.Len(t, report.Users, 2)
	assert.Equal(t, OutcomeFailed, report.Users[0].Outcome)
	assert.Contains(t, report.Users[0].Error, "panic")
	assert.Equal(t, OutcomeFailed, report.Users[1].Outcome)
	assert.Equal(t, 2, report.Count(OutcomeFailed))
	assert.False(t, report.FinishedAt.Before(report.StartedAt))
	assert.Equal(t, mailbox.Cursor("100"), h.cursor(t, 1))
}

func TestRecorderFailureDoesNotBlockCommit(t *testing.T) {
	h := newHarness(t, 0.5)
	h.seed(t, alice, "100", "spam")
	h.gateway.changes = &mailbox.ChangeSet{Events: added("abc"), NewCursor: "105"}
	h.clf.def = classifier.Result{Category: "spam", Confidence: 0.9}
	h.recorder.err = errors.New("outbox full")

	res := h.engine.SyncUser(context.Background(), alice)

	assert.Equal(t, OutcomeCommitted, res.Outcome)
	assert.Equal(t, mailbox.Cursor("105"), h.cursor(t, alice))
}

func TestSubscriptionSnapshotPerPass(t *testing.T) {
	h := newHarness(t, 0.5)
	h.seed(t, alice, "100", "updates")
	h.gateway.changes = &mailbox.ChangeSet{Events: added("abc"), NewCursor: "105"}
	h.clf.def = classifier.Result{Category: "spam", Confidence: 0.9}

	h.engine.SyncUser(context.Background(), alice)
	assert.Empty(t, h.notifier.sent)

	require.NoError(t, h.store.SaveSubscriptions(context.Background(), alice, subscription.NewSet("spam")))
	h.gateway.changes = &mailbox.ChangeSet{Events: added("def"), NewCursor: "110"}
	h.engine.SyncUser(context.Background(), alice)
	assert.Equal(t, []sent{{alice, "def", "spam"}}, h.notifier.sent)
}

func TestEligible(t *testing.T) {
	spam := subscription.NewSet("spam")
	assert.True(t, Eligible(spam, classifier.Result{Category: "spam", Confidence: 0.6}, 0.5))
	assert.False(t, Eligible(spam, classifier.Result{Category: "updates", Confidence: 1}, 0.5))
	assert.False(t, Eligible(spam, classifier.Result{Category: "", Confidence: 1}, 0))
	assert.False(t, Eligible(subscription.NewSet(), classifier.Result{Category: "spam", Confidence: 1}, 0))
	assert.False(t, Eligible(subscription.Set{}, classifier.Result{Category: "spam", Confidence: 1}, 0))
}

type countingPasser struct {
	calls chan struct{}
}

func (c *countingPasser) RunPass(context.Context) Report {
	select {
	case c.calls <- struct{}{}:
	default:
	}
	return Report{StartedAt: time.Now(), Users: []UserResult{{User: 1, Outcome: OutcomeCommitted, Notified: 2}}}
}

func TestManagerRunsOnIntervalAndKeepsReport(t *testing.T) {
	log, _ := logtest.NewNullLogger()
	p := &countingPasser{calls: make(chan struct{}, 10)}
	m := NewManager(p, 10*time.Millisecond, log)

	_, ok := m.LastReport()
	assert.False(t, ok)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	for i := 0; i < 2; i++ {
		select {
		case <-p.calls:
		case <-time.After(2 * time.Second):
			t.Fatal("pass did not run")
		}
	}
	cancel()
	require.ErrorIs(t, <-done, context.Canceled)

	report, ok := m.LastReport()
	require.True(t, ok)
	assert.Equal(t, 2, report.Notified())
	assert.GreaterOrEqual(t, m.Passes(), 2)
}

func TestManagerDefaultsInterval(t *testing.T) {
	log, _ := logtest.NewNullLogger()
	m := NewManager(&countingPasser{calls: make(chan struct{}, 1)}, 0, log)
	assert.Equal(t, DefaultInterval, m.Interval())
}
