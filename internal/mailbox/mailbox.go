package mailbox

import (
	"context"
	"errors"
	"strconv"

	"golang.org/x/oauth2"
)

// UserID identifies a chat user. It is also the private chat id notifications go to.
type UserID int64

func (u UserID) String() string {
	return strconv.FormatInt(int64(u), 10)
}

// ParseUserID parses the decimal form produced by UserID.String.
func ParseUserID(s string) (UserID, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, err
	}
	return UserID(id), nil
}

// Cursor is an opaque mailbox change position issued by the provider.
// Gmail: decimal historyId.
type Cursor string

// EventKind classifies a change event.
type EventKind int

const (
	EventMessageAdded EventKind = iota + 1
	EventMessageDeleted
	EventLabelsChanged
)

func (k EventKind) String() string {
	switch k {
	case EventMessageAdded:
		return "message_added"
	case EventMessageDeleted:
		return "message_deleted"
	case EventLabelsChanged:
		return "labels_changed"
	default:
		return "unknown"
	}
}

// ChangeEvent is one mailbox mutation reported since a cursor.
type ChangeEvent struct {
	Kind      EventKind
	MessageID string
}

// ChangeSet is the result of FetchChanges. Events are in provider order, oldest first.
type ChangeSet struct {
	Events    []ChangeEvent
	NewCursor Cursor
}

var (
	// ErrInvalidCursor means the provider no longer knows the cursor. Reseed, don't retry.
	ErrInvalidCursor = errors.New("mailbox: cursor invalid or expired")
	// ErrMessageNotFound means the message vanished between the change report and the fetch.
	ErrMessageNotFound = errors.New("mailbox: message not found")
)

// Gateway wraps the provider's change-history and message operations.
// The token source is the user's credential; refreshes happen inside it.
type Gateway interface {
	FetchChanges(ctx context.Context, cred oauth2.TokenSource, cursor Cursor) (*ChangeSet, error)
	FetchMessage(ctx context.Context, cred oauth2.TokenSource, messageID string) (*Message, error)
	CurrentState(ctx context.Context, cred oauth2.TokenSource) (Cursor, error)
}
