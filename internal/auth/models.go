package auth

import (
	"time"

	"golang.org/x/oauth2"
)

// Credential is the stored OAuth material for one user's mailbox.
type Credential struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	TokenType    string    `json:"token_type,omitempty"`
	Expiry       time.Time `json:"expiry,omitempty"`
	Scope        string    `json:"scope,omitempty"`
}

// FromToken converts an oauth2 token. The granted scope is only present on
// tokens straight from the token endpoint.
func FromToken(t *oauth2.Token) *Credential {
	c := &Credential{
		AccessToken:  t.AccessToken,
		RefreshToken: t.RefreshToken,
		TokenType:    t.TokenType,
		Expiry:       t.Expiry,
	}
	if scope, ok := t.Extra("scope").(string); ok {
		c.Scope = scope
	}
	return c
}

func (c *Credential) Token() *oauth2.Token {
	return &oauth2.Token{
		AccessToken:  c.AccessToken,
		RefreshToken: c.RefreshToken,
		TokenType:    c.TokenType,
		Expiry:       c.Expiry,
	}
}

// Usable reports whether the credential can produce an access token, either
// directly or through a refresh.
func (c *Credential) Usable(now time.Time) bool {
	if c == nil {
		return false
	}
	if c.RefreshToken != "" {
		return true
	}
	if c.AccessToken == "" {
		return false
	}
	return c.Expiry.IsZero() || now.Before(c.Expiry)
}
