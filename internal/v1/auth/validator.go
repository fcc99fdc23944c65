package auth

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v2/jwk"

	"github.com/yurtcord/realtime/internal/v1/logging"
	"github.com/yurtcord/realtime/internal/v1/types"
)

// CustomClaims represents the JWT claims the realtime server understands.
// It embeds jwt.RegisteredClaims and adds the profile fields the identity
// provider mints into its tokens.
type CustomClaims struct {
	Scope         string `json:"scope,omitempty"`
	Name          string `json:"name,omitempty"`
	Email         string `json:"email,omitempty"`
	Role          string `json:"role,omitempty"`
	Rank          string `json:"rank,omitempty"`
	AvatarURL     string `json:"avatarUrl,omitempty"`
	BannerURL     string `json:"bannerUrl,omitempty"`
	StatusMessage string `json:"statusMessage,omitempty"`
	AccentColor   string `json:"accentColor,omitempty"`
	jwt.RegisteredClaims
}

func (c *CustomClaims) toUser() *User {
	role := types.RoleType(c.Role)
	switch role {
	case types.RoleAdmin, types.RoleModerator, types.RoleUser:
	default:
		role = types.RoleUser
	}
	username := c.Name
	if username == "" && c.Email != "" {
		if parts := strings.Split(c.Email, "@"); len(parts) > 0 {
			username = parts[0]
		}
	}
	if username == "" {
		username = c.Subject
	}
	return &User{
		ID:            types.UserID(c.Subject),
		Username:      username,
		Email:         c.Email,
		AvatarURL:     c.AvatarURL,
		BannerURL:     c.BannerURL,
		Role:          role,
		Rank:          c.Rank,
		StatusMessage: c.StatusMessage,
		AccentColor:   c.AccentColor,
	}
}

// Validator provides JWT-backed Authenticator functionality, including JWKS
// key retrieval, issuer verification, and audience checks.
type Validator struct {
	keyFunc  jwt.Keyfunc
	issuer   string
	audience []string
}

// NewValidator creates a Validator for JWT validation using JWKS from the
// specified domain. It parses the issuer URL, registers the JWKS endpoint
// with a cache, and ensures initial connectivity by fetching the keys.
// Additional jwk.RegisterOption parameters are combined with a default
// refresh interval for testability.
func NewValidator(ctx context.Context, domain, audience string, regOpts ...jwk.RegisterOption) (*Validator, error) {
	issuerURL, err := url.Parse("https://" + domain + "/")
	if err != nil {
		return nil, fmt.Errorf("failed to parse issuer URL: %w", err)
	}

	jwksURL := issuerURL.JoinPath(".well-known/jwks.json").String()

	cache := jwk.NewCache(ctx)

	opts := []jwk.RegisterOption{jwk.WithRefreshInterval(1 * time.Hour)}
	opts = append(opts, regOpts...)

	err = cache.Register(jwksURL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to register JWKS URL in cache: %w", err)
	}

	// Fetch the keys for the first time to ensure connectivity.
	_, err = cache.Refresh(ctx, jwksURL)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch initial JWKS: %w", err)
	}

	keyFunc := func(token *jwt.Token) (interface{}, error) {
		kid, ok := token.Header["kid"].(string)
		if !ok {
			return nil, errors.New("kid header not found")
		}

		keys, err := cache.Get(ctx, jwksURL)
		if err != nil {
			return nil, fmt.Errorf("failed to get keys from cache: %w", err)
		}

		key, found := keys.LookupKeyID(kid)
		if !found {
			return nil, fmt.Errorf("key with kid %s not found", kid)
		}

		var pubKey interface{}
		if err := key.Raw(&pubKey); err != nil {
			return nil, fmt.Errorf("failed to get raw public key: %w", err)
		}

		return pubKey, nil
	}

	return &Validator{
		keyFunc:  keyFunc,
		issuer:   issuerURL.String(),
		audience: []string{audience},
	}, nil
}

// NewHMACValidator creates a Validator that verifies tokens signed with a
// shared secret. Used in development and self-hosted deployments where no
// JWKS endpoint exists.
func NewHMACValidator(secret string) *Validator {
	return &Validator{
		keyFunc: func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return []byte(secret), nil
		},
	}
}

// validateClaims parses and validates a JWT token string using the configured
// key function, issuer, and audience.
func (v *Validator) validateClaims(tokenString string) (*CustomClaims, error) {
	var parseOpts []jwt.ParserOption
	if v.issuer != "" {
		parseOpts = append(parseOpts, jwt.WithIssuer(v.issuer))
	}
	if len(v.audience) > 0 {
		parseOpts = append(parseOpts, jwt.WithAudience(v.audience[0]))
	}

	token, err := jwt.ParseWithClaims(tokenString, &CustomClaims{}, v.keyFunc, parseOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}

	if !token.Valid {
		return nil, errors.New("token is invalid")
	}

	claims, ok := token.Claims.(*CustomClaims)
	if !ok {
		return nil, errors.New("failed to cast claims to CustomClaims")
	}

	return claims, nil
}

// ValidateToken implements Authenticator.
func (v *Validator) ValidateToken(ctx context.Context, tokenString string) (*User, error) {
	claims, err := v.validateClaims(tokenString)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return claims.toUser(), nil
}

// GetUserByID implements Authenticator. A pure token validator has no user
// directory behind it; deployments that need directory lookups wrap the
// Validator in a Service.
func (v *Validator) GetUserByID(ctx context.Context, id types.UserID) (*User, error) {
	return nil, types.ErrNotFound
}

// SetUserOnlineStatus implements Authenticator. No-op for a pure validator.
func (v *Validator) SetUserOnlineStatus(ctx context.Context, id types.UserID, online bool) {}

// MapToDto implements Authenticator.
func (v *Validator) MapToDto(u *User) types.UserSnapshot {
	return MapToDto(u)
}

// UserDirectory resolves user ids to directory users. Typically backed by
// the user store of the main API service.
type UserDirectory interface {
	UserByID(ctx context.Context, id types.UserID) (*User, error)
	SetOnline(ctx context.Context, id types.UserID, online bool) error
}

// Service combines a token validator with a user directory into a full
// Authenticator. Directory failures on the advisory paths are logged and
// swallowed.
type Service struct {
	validator *Validator
	directory UserDirectory
}

// NewService wires a Validator and a UserDirectory into an Authenticator.
func NewService(validator *Validator, directory UserDirectory) *Service {
	return &Service{validator: validator, directory: directory}
}

func (s *Service) ValidateToken(ctx context.Context, tokenString string) (*User, error) {
	user, err := s.validator.ValidateToken(ctx, tokenString)
	if err != nil {
		return nil, err
	}
	// Prefer the directory's richer record when it knows the user.
	if s.directory != nil {
		if dirUser, dirErr := s.directory.UserByID(ctx, user.ID); dirErr == nil {
			return dirUser, nil
		}
	}
	return user, nil
}

func (s *Service) GetUserByID(ctx context.Context, id types.UserID) (*User, error) {
	if s.directory == nil {
		return nil, types.ErrNotFound
	}
	return s.directory.UserByID(ctx, id)
}

func (s *Service) SetUserOnlineStatus(ctx context.Context, id types.UserID, online bool) {
	if s.directory == nil {
		return
	}
	if err := s.directory.SetOnline(ctx, id, online); err != nil {
		logging.Warn(ctx, fmt.Sprintf("failed to record online status for %s: %v", id, err))
	}
}

func (s *Service) MapToDto(u *User) types.UserSnapshot {
	return MapToDto(u)
}

// GetAllowedOriginsFromEnv reads the comma-separated origin allowlist.
// Example: ALLOWED_ORIGINS="http://localhost:3000,https://your-app.com"
func GetAllowedOriginsFromEnv(envVarName string, defaultEnvs []string) []string {
	originsStr := os.Getenv(envVarName)
	if originsStr == "" {
		// Provide sensible defaults for local development if the env var isn't set.
		logging.Warn(context.Background(), fmt.Sprintf("%s environment variable not set. Using default development origins:\n%s", envVarName, defaultEnvs))
		return defaultEnvs
	}
	return strings.Split(originsStr, ",")
}
