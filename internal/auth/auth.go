// Package auth defines the seam to the external authentication provider.
// Token acquisition itself lives outside the sync core.
package auth

import "context"

// Provider supplies the short-lived access token and the current user's
// directory id used to open the chat socket.
type Provider interface {
	// Token returns a currently valid access token.
	Token(ctx context.Context) (string, error)
	// CurrentUserID returns the signed-in user's directory id.
	CurrentUserID() string
}

// Static is a Provider with fixed values, for tests and token-file setups.
type Static struct {
	AccessToken string
	UserID      string
}

func (s Static) Token(context.Context) (string, error) { return s.AccessToken, nil }
func (s Static) CurrentUserID() string                 { return s.UserID }
