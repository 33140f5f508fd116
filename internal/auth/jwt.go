package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"

	"github.com/Martian-dev/mailwatch/internal/mailbox"
)

// ErrInvalidState is returned for a handshake state that fails signature,
// expiry or subject checks.
var ErrInvalidState = errors.New("auth: invalid state")

const stateIssuer = "mailwatch"

// StateSigner issues and verifies the short-lived token carried in the OAuth
// state parameter. The subject is the user id.
type StateSigner struct {
	key []byte
	ttl time.Duration
	now func() time.Time
}

// NewStateSigner creates a signer using HS256 over secret.
func NewStateSigner(secret string, ttl time.Duration) (*StateSigner, error) {
	if secret == "" {
		return nil, errors.New("auth: empty state secret")
	}
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &StateSigner{key: []byte(secret), ttl: ttl, now: time.Now}, nil
}

// Sign returns a compact JWT for user.
func (s *StateSigner) Sign(user mailbox.UserID) (string, error) {
	now := s.now()
	tok, err := jwt.NewBuilder().
		Issuer(stateIssuer).
		Subject(user.String()).
		IssuedAt(now).
		Expiration(now.Add(s.ttl)).
		Build()
	if err != nil {
		return "", fmt.Errorf("build state token: %w", err)
	}

	signed, err := jwt.Sign(tok, jwt.WithKey(jwa.HS256, s.key))
	if err != nil {
		return "", fmt.Errorf("sign state token: %w", err)
	}
	return string(signed), nil
}

// Verify parses state and returns the user it was issued for.
func (s *StateSigner) Verify(state string) (mailbox.UserID, error) {
	tok, err := jwt.Parse(
		[]byte(state),
		jwt.WithKey(jwa.HS256, s.key),
		jwt.WithValidate(true),
		jwt.WithIssuer(stateIssuer),
		jwt.WithClock(jwt.ClockFunc(s.now)),
	)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidState, err)
	}

	user, err := mailbox.ParseUserID(tok.Subject())
	if err != nil {
		return 0, fmt.Errorf("%w: subject: %v", ErrInvalidState, err)
	}
	return user, nil
}
