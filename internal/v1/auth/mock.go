package auth

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"strings"
	"sync"

	"github.com/yurtcord/realtime/internal/v1/types"
)

// MockAuthenticator is a development-only authenticator that accepts any
// non-empty token. Claims are read from a JWT payload when one can be
// decoded; anything else gets the default development identity. It keeps an
// in-memory directory of the users it has seen so GetUserByID works across
// connections.
type MockAuthenticator struct {
	mu    sync.RWMutex
	users map[types.UserID]*User
}

func NewMockAuthenticator() *MockAuthenticator {
	return &MockAuthenticator{users: make(map[types.UserID]*User)}
}

// ValidateToken parses the JWT payload without verifying the signature so
// the client id matches between frontend and backend during development.
func (m *MockAuthenticator) ValidateToken(ctx context.Context, tokenString string) (*User, error) {
	if tokenString == "" {
		return nil, ErrInvalidToken
	}

	var subject, name, email, role string

	parts := strings.Split(tokenString, ".")
	if len(parts) == 3 {
		payload, err := base64.RawURLEncoding.DecodeString(parts[1])
		if err == nil {
			var claims map[string]interface{}
			if json.Unmarshal(payload, &claims) == nil {
				if sub, ok := claims["sub"].(string); ok {
					subject = sub
				}
				if n, ok := claims["name"].(string); ok {
					name = n
				}
				if e, ok := claims["email"].(string); ok {
					email = e
				}
				if r, ok := claims["role"].(string); ok {
					role = r
				}
			}
		}
	}

	if subject == "" {
		subject = "dev-user-123"
	}
	if name == "" {
		name = "Dev User"
	}
	if email == "" {
		email = "dev@example.com"
	}
	r := types.RoleType(role)
	if r != types.RoleAdmin && r != types.RoleModerator {
		r = types.RoleUser
	}

	user := &User{
		ID:       types.UserID(subject),
		Username: name,
		Email:    email,
		Role:     r,
	}

	m.mu.Lock()
	m.users[user.ID] = user
	m.mu.Unlock()

	return user, nil
}

func (m *MockAuthenticator) GetUserByID(ctx context.Context, id types.UserID) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if u, ok := m.users[id]; ok {
		return u, nil
	}
	return nil, types.ErrNotFound
}

func (m *MockAuthenticator) SetUserOnlineStatus(ctx context.Context, id types.UserID, online bool) {}

func (m *MockAuthenticator) MapToDto(u *User) types.UserSnapshot {
	return MapToDto(u)
}
