package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/Martian-dev/mailwatch/internal/auth"
	"github.com/Martian-dev/mailwatch/internal/mailbox"
)

//go:embed schema.sql
var schemaSQL string

// MemoryPath opens a private in-memory database. Used by tests.
const MemoryPath = ":memory:"

// Store is the sqlite-backed persistence for credentials, cursors,
// subscriptions and the event outbox. All writes are last-writer-wins per user.
type Store struct {
	db *sqlx.DB
}

// Open opens or creates the database at path and applies the schema.
func Open(path string) (*Store, error) {
	dsn := path
	if path != MemoryPath {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
		dsn = path + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)"
	}

	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}

	if path == MemoryPath {
		// Each connection to :memory: is its own database.
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(time.Hour)
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

type credentialRow struct {
	UserID       int64  `db:"user_id"`
	AccessToken  string `db:"access_token"`
	RefreshToken string `db:"refresh_token"`
	TokenType    string `db:"token_type"`
	Expiry       string `db:"expiry"`
	Scope        string `db:"scope"`
	UpdatedAt    int64  `db:"updated_at"`
}

// LoadCredential returns auth.ErrNoCredential when the user has none.
func (s *Store) LoadCredential(ctx context.Context, user mailbox.UserID) (*auth.Credential, error) {
	var row credentialRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM credentials WHERE user_id = ?`, int64(user))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrNoCredential
	}
	if err != nil {
		return nil, fmt.Errorf("loading credential for %s: %w", user, err)
	}

	cred := &auth.Credential{
		AccessToken:  row.AccessToken,
		RefreshToken: row.RefreshToken,
		TokenType:    row.TokenType,
		Scope:        row.Scope,
	}
	if row.Expiry != "" {
		cred.Expiry, err = time.Parse(time.RFC3339Nano, row.Expiry)
		if err != nil {
			return nil, fmt.Errorf("parsing credential expiry for %s: %w", user, err)
		}
	}
	return cred, nil
}

func (s *Store) SaveCredential(ctx context.Context, user mailbox.UserID, cred *auth.Credential) error {
	var expiry string
	if !cred.Expiry.IsZero() {
		expiry = cred.Expiry.UTC().Format(time.RFC3339Nano)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO credentials (user_id, access_token, refresh_token, token_type, expiry, scope, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			access_token = excluded.access_token,
			refresh_token = excluded.refresh_token,
			token_type = excluded.token_type,
			expiry = excluded.expiry,
			scope = excluded.scope,
			updated_at = excluded.updated_at
	`, int64(user), cred.AccessToken, cred.RefreshToken, cred.TokenType, expiry, cred.Scope, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("saving credential for %s: %w", user, err)
	}
	return nil
}

// ListUsers returns every user with a stored credential, ascending.
func (s *Store) ListUsers(ctx context.Context) ([]mailbox.UserID, error) {
	var ids []int64
	if err := s.db.SelectContext(ctx, &ids, `SELECT user_id FROM credentials ORDER BY user_id`); err != nil {
		return nil, fmt.Errorf("listing users: %w", err)
	}
	users := make([]mailbox.UserID, len(ids))
	for i, id := range ids {
		users[i] = mailbox.UserID(id)
	}
	return users, nil
}
