// Package auth implements the authentication collaborator consumed by the
// session core: opaque bearer token validation, user lookup, and the mapping
// from directory users to wire snapshots.
package auth

import (
	"context"
	"errors"
	"time"

	"github.com/yurtcord/realtime/internal/v1/types"
)

// ErrInvalidToken is returned when a bearer token fails validation.
var ErrInvalidToken = errors.New("invalid token")

// User is the directory's view of an account. The hub fabric never persists
// it; it only projects it into types.UserSnapshot.
type User struct {
	ID            types.UserID
	Username      string
	Email         string
	AvatarURL     string
	BannerURL     string
	Role          types.RoleType
	Rank          string
	StatusMessage string
	AccentColor   string
}

// Authenticator is the interface the session core consumes. Implementations
// wrap an identity provider; tests substitute mocks.
type Authenticator interface {
	// ValidateToken resolves a bearer token to the user it belongs to.
	// Returns ErrInvalidToken (possibly wrapped) when the token is not valid.
	ValidateToken(ctx context.Context, token string) (*User, error)

	// GetUserByID looks a user up by id. Returns types.ErrNotFound when the
	// id is unknown.
	GetUserByID(ctx context.Context, id types.UserID) (*User, error)

	// SetUserOnlineStatus records presence with the identity provider.
	// Advisory: failures are logged, never surfaced to clients.
	SetUserOnlineStatus(ctx context.Context, id types.UserID, online bool)

	// MapToDto projects a directory user into the wire snapshot.
	MapToDto(u *User) types.UserSnapshot
}

// MapToDto is the shared projection used by every Authenticator
// implementation in this package.
func MapToDto(u *User) types.UserSnapshot {
	role := u.Role
	if role == "" {
		role = types.RoleUser
	}
	return types.UserSnapshot{
		ID:            u.ID,
		Username:      u.Username,
		AvatarURL:     u.AvatarURL,
		BannerURL:     u.BannerURL,
		Role:          role,
		Rank:          u.Rank,
		StatusMessage: u.StatusMessage,
		AccentColor:   u.AccentColor,
		Status:        types.PresenceOnline,
		UpdatedAt:     time.Now().UTC(),
	}
}
