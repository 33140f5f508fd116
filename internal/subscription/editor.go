package subscription

import (
	"context"
	"fmt"
	"sync"

	"github.com/Martian-dev/mailwatch/internal/mailbox"
)

// Store persists saved sets per user.
type Store interface {
	LoadSubscriptions(ctx context.Context, user mailbox.UserID) (Set, error)
	SaveSubscriptions(ctx context.Context, user mailbox.UserID, set Set) error
}

// Editor holds unsaved drafts per user. A draft starts from the saved set
// and is only visible to the sync engine after Save.
type Editor struct {
	store   Store
	allowed map[string]struct{}

	mu     sync.Mutex
	drafts map[mailbox.UserID]Set
}

// NewEditor restricts toggles to the labels in vocabulary.
func NewEditor(store Store, vocabulary []string) *Editor {
	allowed := make(map[string]struct{}, len(vocabulary))
	for _, l := range vocabulary {
		allowed[l] = struct{}{}
	}
	return &Editor{store: store, allowed: allowed, drafts: make(map[mailbox.UserID]Set)}
}

// Draft returns the user's draft, opening one from the saved set if needed.
func (e *Editor) Draft(ctx context.Context, user mailbox.UserID) (Set, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.draftLocked(ctx, user)
}

func (e *Editor) draftLocked(ctx context.Context, user mailbox.UserID) (Set, error) {
	if d, ok := e.drafts[user]; ok {
		return d, nil
	}
	saved, err := e.store.LoadSubscriptions(ctx, user)
	if err != nil {
		return Set{}, err
	}
	e.drafts[user] = saved
	return saved, nil
}

// Toggle flips label in the draft.
func (e *Editor) Toggle(ctx context.Context, user mailbox.UserID, label string) (Set, error) {
	if _, ok := e.allowed[label]; !ok {
		return Set{}, fmt.Errorf("unknown category %q", label)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	d, err := e.draftLocked(ctx, user)
	if err != nil {
		return Set{}, err
	}
	d = d.Toggle(label)
	e.drafts[user] = d
	return d, nil
}

// Reset clears the draft to the empty set.
func (e *Editor) Reset(user mailbox.UserID) Set {
	e.mu.Lock()
	defer e.mu.Unlock()
	empty := NewSet()
	e.drafts[user] = empty
	return empty
}

// Save writes the draft through to the store and closes it.
func (e *Editor) Save(ctx context.Context, user mailbox.UserID) (Set, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	d, err := e.draftLocked(ctx, user)
	if err != nil {
		return Set{}, err
	}
	if err := e.store.SaveSubscriptions(ctx, user, d); err != nil {
		return Set{}, err
	}
	delete(e.drafts, user)
	return d, nil
}

// Discard drops any unsaved draft.
func (e *Editor) Discard(user mailbox.UserID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.drafts, user)
}

// Saved returns what the sync engine will see.
func (e *Editor) Saved(ctx context.Context, user mailbox.UserID) (Set, error) {
	return e.store.LoadSubscriptions(ctx, user)
}
