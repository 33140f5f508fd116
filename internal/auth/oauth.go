package auth

import (
	"context"
	"fmt"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/gmail/v1"

	"github.com/Martian-dev/mailwatch/internal/mailbox"
)

// OAuthConfig holds the Google client registration.
type OAuthConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
}

// NewGoogleConfig returns a read-only Gmail oauth2 config.
func NewGoogleConfig(c OAuthConfig) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     c.ClientID,
		ClientSecret: c.ClientSecret,
		RedirectURL:  c.RedirectURL,
		Scopes:       []string{gmail.GmailReadonlyScope},
		Endpoint:     google.Endpoint,
	}
}

// Flow drives the authorization-code handshake.
type Flow struct {
	config *oauth2.Config
	signer *StateSigner
}

func NewFlow(config *oauth2.Config, signer *StateSigner) *Flow {
	return &Flow{config: config, signer: signer}
}

// AuthURL builds the consent URL for user. Offline access with forced consent
// makes Google return a refresh token on every handshake.
func (f *Flow) AuthURL(user mailbox.UserID) (string, error) {
	state, err := f.signer.Sign(user)
	if err != nil {
		return "", err
	}
	return f.config.AuthCodeURL(state,
		oauth2.AccessTypeOffline,
		oauth2.ApprovalForce,
		oauth2.SetAuthURLParam("include_granted_scopes", "true"),
	), nil
}

// UserFromState verifies the state parameter of a callback.
func (f *Flow) UserFromState(state string) (mailbox.UserID, error) {
	return f.signer.Verify(state)
}

// Exchange trades an authorization code for a credential.
func (f *Flow) Exchange(ctx context.Context, code string) (*Credential, error) {
	tok, err := f.config.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("exchange code: %w", err)
	}
	return FromToken(tok), nil
}
