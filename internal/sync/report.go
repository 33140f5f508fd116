package sync

import (
	"time"

	"github.com/Martian-dev/mailwatch/internal/mailbox"
)

// Outcome is how a user's pass ended.
type Outcome string

const (
	OutcomeSkipped   Outcome = "skipped"
	OutcomeUnchanged Outcome = "unchanged"
	OutcomeCommitted Outcome = "committed"
	OutcomeReseeded  Outcome = "reseeded"
	OutcomeFailed    Outcome = "failed"
)

// UserResult summarizes one user's pass.
type UserResult struct {
	User      mailbox.UserID `json:"user_id"`
	Outcome   Outcome        `json:"outcome"`
	Reason    string         `json:"reason,omitempty"`
	Cursor    mailbox.Cursor `json:"cursor,omitempty"`
	Events    int            `json:"events"`
	Processed int            `json:"processed"`
	Notified  int            `json:"notified"`
	Skipped   int            `json:"skipped"`
	Error     string         `json:"error,omitempty"`
}

func (r UserResult) skip(reason string) UserResult {
	r.Outcome = OutcomeSkipped
	r.Reason = reason
	return r
}

// Report summarizes a whole pass.
type Report struct {
	StartedAt  time.Time    `json:"started_at"`
	FinishedAt time.Time    `json:"finished_at"`
	Users      []UserResult `json:"users"`
	Err        string       `json:"error,omitempty"`
}

func (r Report) Count(o Outcome) int {
	n := 0
	for _, u := range r.Users {
		if u.Outcome == o {
			n++
		}
	}
	return n
}

func (r Report) Notified() int {
	n := 0
	for _, u := range r.Users {
		n += u.Notified
	}
	return n
}
