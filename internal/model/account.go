// internal/model/account.go
package model

import (
	"time"

	"golang.org/x/oauth2"
)

// Account is the mailbox whose identity sends outreach and receives replies.
type Account struct {
	ID           int64      `db:"id" json:"id"`
	Email        string     `db:"email" json:"email"`
	DisplayName  string     `db:"display_name" json:"display_name"`
	Provider     string     `db:"provider" json:"provider"` // gmail, outlook, smtp
	AccessToken  string     `db:"access_token" json:"-"`
	RefreshToken string     `db:"refresh_token" json:"-"`
	TokenExpiry  *time.Time `db:"token_expiry" json:"-"`
	Active       bool       `db:"active" json:"active"`
}

func (a *Account) Token() *oauth2.Token {
	tok := &oauth2.Token{
		AccessToken:  a.AccessToken,
		RefreshToken: a.RefreshToken,
		TokenType:    "Bearer",
	}
	if a.TokenExpiry != nil {
		tok.Expiry = *a.TokenExpiry
	}
	return tok
}
