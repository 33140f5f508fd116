package subscription

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Martian-dev/mailwatch/internal/mailbox"
)

type memStore struct {
	mu   sync.Mutex
	sets map[mailbox.UserID]Set
	err  error
}

func newMemStore() *memStore {
	return &memStore{sets: make(map[mailbox.UserID]Set)}
}

func (m *memStore) LoadSubscriptions(_ context.Context, user mailbox.UserID) (Set, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return Set{}, m.err
	}
	return m.sets[user].Clone(), nil
}

func (m *memStore) SaveSubscriptions(_ context.Context, user mailbox.UserID, set Set) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.sets[user] = set.Clone()
	return nil
}

var vocab = []string{"forum", "promotions", "spam", "updates"}

func TestSetBasics(t *testing.T) {
	var zero Set
	assert.True(t, zero.IsEmpty())
	assert.False(t, zero.Has("spam"))
	assert.Empty(t, zero.Labels())

	s := NewSet("updates", "spam", "spam")
	assert.Equal(t, 2, s.Len())
	assert.Equal(t, []string{"spam", "updates"}, s.Labels())

	toggled := s.Toggle("spam")
	assert.False(t, toggled.Has("spam"))
	assert.True(t, s.Has("spam"), "toggle must not mutate the receiver")
	assert.True(t, zero.Toggle("forum").Has("forum"))

	assert.True(t, s.Equal(NewSet("spam", "updates")))
	assert.False(t, s.Equal(toggled))
}

func TestSetJSON(t *testing.T) {
	data, err := json.Marshal(NewSet("updates", "spam"))
	require.NoError(t, err)
	assert.JSONEq(t, `["spam","updates"]`, string(data))

	var s Set
	require.NoError(t, json.Unmarshal([]byte(`["forum"]`), &s))
	assert.True(t, s.Has("forum"))

	data, err = json.Marshal(Set{})
	require.NoError(t, err)
	assert.JSONEq(t, `[]`, string(data))
}

func TestEditorDraftIsolatedUntilSave(t *testing.T) {
	store := newMemStore()
	store.sets[1] = NewSet("spam")
	e := NewEditor(store, vocab)
	ctx := context.Background()

	d, err := e.Toggle(ctx, 1, "updates")
	require.NoError(t, err)
	assert.Equal(t, []string{"spam", "updates"}, d.Labels())

	saved, err := e.Saved(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"spam"}, saved.Labels())

	d, err = e.Save(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"spam", "updates"}, d.Labels())

	saved, err = e.Saved(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"spam", "updates"}, saved.Labels())
}

func TestEditorReset(t *testing.T) {
	store := newMemStore()
	store.sets[1] = NewSet("spam", "forum")
	e := NewEditor(store, vocab)
	ctx := context.Background()

	assert.True(t, e.Reset(1).IsEmpty())
	d, err := e.Draft(ctx, 1)
	require.NoError(t, err)
	assert.True(t, d.IsEmpty())

	_, err = e.Save(ctx, 1)
	require.NoError(t, err)
	saved, err := e.Saved(ctx, 1)
	require.NoError(t, err)
	assert.True(t, saved.IsEmpty())
}

func TestEditorRejectsUnknownCategory(t *testing.T) {
	e := NewEditor(newMemStore(), vocab)
	_, err := e.Toggle(context.Background(), 1, "bogus")
	assert.Error(t, err)
}

func TestEditorDiscardAndPerUserDrafts(t *testing.T) {
	store := newMemStore()
	e := NewEditor(store, vocab)
	ctx := context.Background()

	_, err := e.Toggle(ctx, 1, "spam")
	require.NoError(t, err)
	_, err = e.Toggle(ctx, 2, "forum")
	require.NoError(t, err)

	e.Discard(1)
	d, err := e.Draft(ctx, 1)
	require.NoError(t, err)
	assert.True(t, d.IsEmpty())

	d, err = e.Draft(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"forum"}, d.Labels())
}

func TestEditorStoreFailureKeepsDraft(t *testing.T) {
	store := newMemStore()
	e := NewEditor(store, vocab)
	ctx := context.Background()

	_, err := e.Toggle(ctx, 1, "spam")
	require.NoError(t, err)

	store.err = errors.New("disk full")
	_, err = e.Save(ctx, 1)
	assert.Error(t, err)

	store.err = nil
	d, err := e.Draft(ctx, 1)
	require.NoError(t, err)
	assert.True(t, d.Has("spam"))
}

func TestEditorConcurrentToggles(t *testing.T) {
	e := NewEditor(newMemStore(), vocab)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = e.Toggle(ctx, 1, "spam")
		}()
	}
	wg.Wait()

	d, err := e.Draft(ctx, 1)
	require.NoError(t, err)
	assert.False(t, d.Has("spam"), "an even number of toggles returns to the start")
}
