package repository

import (
	"context"

	"github.com/yurtcord/realtime/internal/v1/auth"
	"github.com/yurtcord/realtime/internal/v1/types"
)

// Directory adapts the repository's user table to auth.UserDirectory so the
// token validator can enrich claims with the stored profile.
type Directory struct {
	users Users
}

func NewDirectory(users Users) *Directory {
	return &Directory{users: users}
}

func (d *Directory) UserByID(ctx context.Context, id types.UserID) (*auth.User, error) {
	matches, err := d.users.SearchUsers(ctx, string(id), 1)
	if err != nil {
		return nil, err
	}
	for _, m := range matches {
		if m.ID == id {
			return &auth.User{
				ID:            m.ID,
				Username:      m.Username,
				AvatarURL:     m.AvatarURL,
				BannerURL:     m.BannerURL,
				Role:          m.Role,
				Rank:          m.Rank,
				StatusMessage: m.StatusMessage,
				AccentColor:   m.AccentColor,
			}, nil
		}
	}
	return nil, types.ErrNotFound
}

// SetOnline is advisory; durable presence is out of the repository's scope.
func (d *Directory) SetOnline(ctx context.Context, id types.UserID, online bool) error {
	return nil
}
