package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/99designs/keyring"

	"github.com/Martian-dev/mailwatch/internal/mailbox"
)

const (
	keyringService = "mailwatch"
	keyPrefix      = "user:"
)

// KeyringStore keeps credentials in the OS keyring, one item per user.
type KeyringStore struct {
	ring keyring.Keyring
}

// OpenKeyring opens the platform keyring, falling back to an encrypted file
// backend under dir protected by password.
func OpenKeyring(dir, password string) (*KeyringStore, error) {
	ring, err := keyring.Open(keyring.Config{
		ServiceName: keyringService,
		AllowedBackends: []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.SecretServiceBackend,
			keyring.WinCredBackend,
			keyring.PassBackend,
			keyring.FileBackend,
		},
		FileDir:                  dir,
		FilePasswordFunc:         keyring.FixedStringPrompt(password),
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening keyring: %w", err)
	}
	return NewKeyringStore(ring), nil
}

func NewKeyringStore(ring keyring.Keyring) *KeyringStore {
	return &KeyringStore{ring: ring}
}

func (k *KeyringStore) LoadCredential(_ context.Context, user mailbox.UserID) (*Credential, error) {
	item, err := k.ring.Get(keyPrefix + user.String())
	if errors.Is(err, keyring.ErrKeyNotFound) {
		return nil, ErrNoCredential
	}
	if err != nil {
		return nil, fmt.Errorf("getting credential for %s: %w", user, err)
	}

	var cred Credential
	if err := json.Unmarshal(item.Data, &cred); err != nil {
		return nil, fmt.Errorf("decoding credential for %s: %w", user, err)
	}
	return &cred, nil
}

func (k *KeyringStore) SaveCredential(_ context.Context, user mailbox.UserID, cred *Credential) error {
	data, err := json.Marshal(cred)
	if err != nil {
		return fmt.Errorf("encoding credential: %w", err)
	}
	err = k.ring.Set(keyring.Item{
		Key:         keyPrefix + user.String(),
		Data:        data,
		Label:       "mailwatch gmail credential",
		Description: "OAuth token for user " + user.String(),
	})
	if err != nil {
		return fmt.Errorf("setting credential for %s: %w", user, err)
	}
	return nil
}

// ListUsers enumerates keys with the user prefix. Foreign keys are ignored.
func (k *KeyringStore) ListUsers(_ context.Context) ([]mailbox.UserID, error) {
	keys, err := k.ring.Keys()
	if err != nil {
		return nil, fmt.Errorf("listing keyring: %w", err)
	}

	var users []mailbox.UserID
	for _, key := range keys {
		raw, ok := strings.CutPrefix(key, keyPrefix)
		if !ok {
			continue
		}
		id, err := mailbox.ParseUserID(raw)
		if err != nil {
			continue
		}
		users = append(users, id)
	}
	sort.Slice(users, func(i, j int) bool { return users[i] < users[j] })
	return users, nil
}
