package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"

	"github.com/Martian-dev/mailwatch/internal/mailbox"
)

var (
	// ErrNoCredential means the user never completed the handshake.
	ErrNoCredential = errors.New("auth: no credential on file")
	// ErrCredentialExpired means the access token expired and there is no refresh token.
	ErrCredentialExpired = errors.New("auth: credential expired")
)

// CredentialStore persists credentials per user. LoadCredential returns
// ErrNoCredential when nothing is stored.
type CredentialStore interface {
	LoadCredential(ctx context.Context, user mailbox.UserID) (*Credential, error)
	SaveCredential(ctx context.Context, user mailbox.UserID, cred *Credential) error
	ListUsers(ctx context.Context) ([]mailbox.UserID, error)
}

// Manager hands out refreshing token sources backed by a CredentialStore.
type Manager struct {
	store  CredentialStore
	config *oauth2.Config
	log    logrus.FieldLogger
	now    func() time.Time
}

func NewManager(store CredentialStore, config *oauth2.Config, log logrus.FieldLogger) *Manager {
	return &Manager{store: store, config: config, log: log, now: time.Now}
}

func (m *Manager) Save(ctx context.Context, user mailbox.UserID, cred *Credential) error {
	return m.store.SaveCredential(ctx, user, cred)
}

// ListUsers returns every user with a stored credential.
func (m *Manager) ListUsers(ctx context.Context) ([]mailbox.UserID, error) {
	return m.store.ListUsers(ctx)
}

// TokenSource returns a source for user that refreshes through the provider
// and writes refreshed tokens back to the store.
func (m *Manager) TokenSource(ctx context.Context, user mailbox.UserID) (oauth2.TokenSource, error) {
	cred, err := m.store.LoadCredential(ctx, user)
	if err != nil {
		return nil, err
	}
	if !cred.Usable(m.now()) {
		return nil, ErrCredentialExpired
	}

	tok := cred.Token()
	src := &persistingTokenSource{
		ctx:     context.WithoutCancel(ctx),
		user:    user,
		base:    m.config.TokenSource(ctx, tok),
		current: tok,
		scope:   cred.Scope,
		store:   m.store,
		log:     m.log.WithField("user_id", user),
	}
	return oauth2.ReuseTokenSource(tok, src), nil
}

// persistingTokenSource saves every token that differs from the last one seen.
// A failed save is logged; the fresh token is still returned.
type persistingTokenSource struct {
	ctx   context.Context
	user  mailbox.UserID
	base  oauth2.TokenSource
	scope string
	store CredentialStore
	log   logrus.FieldLogger

	mu      sync.Mutex
	current *oauth2.Token
}

func (s *persistingTokenSource) Token() (*oauth2.Token, error) {
	t, err := s.base.Token()
	if err != nil {
		return nil, fmt.Errorf("refresh token: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current != nil && s.current.AccessToken == t.AccessToken {
		return t, nil
	}

	cred := FromToken(t)
	if cred.RefreshToken == "" && s.current != nil {
		cred.RefreshToken = s.current.RefreshToken
	}
	if cred.Scope == "" {
		cred.Scope = s.scope
	}
	if err := s.store.SaveCredential(s.ctx, s.user, cred); err != nil {
		s.log.WithError(err).Warn("failed to persist refreshed credential")
	} else {
		s.log.Debug("persisted refreshed credential")
	}
	s.current = t
	return t, nil
}
