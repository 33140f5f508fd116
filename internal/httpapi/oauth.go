package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/Martian-dev/mailwatch/internal/store"
)

// Callback page messages. Causes stay in the server log.
const (
	msgProviderError = "Google reported an error during authorization. Run /auth in Telegram to try again."
	msgMissingCode   = "The authorization code is missing."
	msgMissingState  = "The state parameter is missing."
	msgInvalidState  = "This authorization link is invalid or has expired. Run /auth in Telegram for a new one."
	msgExchange      = "Could not complete authorization with Google."
	msgProfile       = "Could not read your Gmail profile."
	msgInternal      = "Something went wrong while saving your connection."
	msgConnected     = "You can return to Telegram. New emails will be checked automatically. This window can be closed."

	connectedNotice = "✅ Gmail connected. Pick categories with /filters."
)

func (s *Server) fail(c *gin.Context, status int, msg string) {
	c.HTML(status, "page", page{Title: "Authorization failed", Message: msg})
}

// oauthCallback completes the handshake: verify state, exchange the code,
// store the credential and seed the cursor from the mailbox's current state.
func (s *Server) oauthCallback(c *gin.Context) {
	ctx := c.Request.Context()
	log := s.Log.WithField("handler", "oauth2callback")

	if e := c.Query("error"); e != "" {
		log.WithField("error", e).Warn("provider returned an authorization error")
		s.fail(c, http.StatusBadRequest, msgProviderError)
		return
	}
	code := c.Query("code")
	if code == "" {
		s.fail(c, http.StatusBadRequest, msgMissingCode)
		return
	}
	state := c.Query("state")
	if state == "" {
		s.fail(c, http.StatusBadRequest, msgMissingState)
		return
	}

	user, err := s.Handshake.UserFromState(state)
	if err != nil {
		log.WithError(err).Warn("rejected callback state")
		s.fail(c, http.StatusBadRequest, msgInvalidState)
		return
	}
	log = log.WithField("user_id", user)

	cred, err := s.Handshake.Exchange(ctx, code)
	if err != nil {
		log.WithError(err).Error("code exchange failed")
		s.fail(c, http.StatusInternalServerError, msgExchange)
		return
	}
	if err := s.Credentials.Save(ctx, user, cred); err != nil {
		log.WithError(err).Error("store credential")
		s.fail(c, http.StatusInternalServerError, msgInternal)
		return
	}

	ts, err := s.Credentials.TokenSource(ctx, user)
	if err != nil {
		log.WithError(err).Error("token source for new credential")
		s.fail(c, http.StatusInternalServerError, msgInternal)
		return
	}
	cursor, err := s.Gateway.CurrentState(ctx, ts)
	if err != nil {
		log.WithError(err).Error("read mailbox profile")
		s.fail(c, http.StatusInternalServerError, msgProfile)
		return
	}
	if err := s.Cursors.SaveCursor(ctx, user, cursor, store.StatusSeeded); err != nil {
		log.WithError(err).Error("seed cursor")
		s.fail(c, http.StatusInternalServerError, msgInternal)
		return
	}

	log.WithField("cursor", cursor).Info("mailbox connected")
	if s.Messenger != nil {
		if err := s.Messenger.Send(ctx, user, connectedNotice); err != nil {
			log.WithError(err).Warn("send connected notice")
		}
	}
	c.HTML(http.StatusOK, "page", page{Title: "Gmail connected", Message: msgConnected, OK: true})
}
