package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"

	"github.com/yurtcord/realtime/internal/v1/metrics"
	"github.com/yurtcord/realtime/internal/v1/types"
)

// ErrUnavailable is returned when the circuit breaker is open. Hubs surface
// it to callers as a generic ServerError.
var ErrUnavailable = errors.New("repository unavailable")

// Breaker decorates a Repository with a gobreaker circuit breaker so a
// struggling database degrades the service instead of stalling every
// connection handler.
//
// Typed domain errors (not found, duplicate, forbidden) are not failures:
// they pass through without tripping the breaker.
type Breaker struct {
	inner Repository
	cb    *gobreaker.CircuitBreaker
}

func NewBreaker(inner Repository) *Breaker {
	st := gobreaker.Settings{
		Name:        "repository",
		MaxRequests: 5,
		Interval:    1 * time.Minute,
		Timeout:     15 * time.Second,
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			var stateVal float64
			switch to {
			case gobreaker.StateClosed:
				stateVal = 0
			case gobreaker.StateOpen:
				stateVal = 1
			case gobreaker.StateHalfOpen:
				stateVal = 2
			}
			metrics.CircuitBreakerState.WithLabelValues("repository").Set(stateVal)
		},
	}
	return &Breaker{inner: inner, cb: gobreaker.NewCircuitBreaker(st)}
}

// domainError reports whether err is an expected business outcome rather
// than an infrastructure failure.
func domainError(err error) bool {
	return errors.Is(err, types.ErrNotFound) ||
		errors.Is(err, types.ErrDuplicate) ||
		errors.Is(err, types.ErrConflict) ||
		errors.Is(err, types.ErrForbidden)
}

func execute[T any](b *Breaker, op string, fn func() (T, error)) (T, error) {
	var domainErr error
	res, err := b.cb.Execute(func() (interface{}, error) {
		v, err := fn()
		if err != nil && domainError(err) {
			// Pass through without counting as a breaker failure.
			domainErr = err
			return v, nil
		}
		return v, err
	})
	if domainErr != nil {
		metrics.RepositoryOperations.WithLabelValues(op, "domain_error").Inc()
		var zero T
		return zero, domainErr
	}
	if err != nil {
		metrics.RepositoryOperations.WithLabelValues(op, "error").Inc()
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			var zero T
			return zero, ErrUnavailable
		}
		var zero T
		return zero, fmt.Errorf("%s: %w", op, err)
	}
	metrics.RepositoryOperations.WithLabelValues(op, "ok").Inc()
	if res == nil {
		var zero T
		return zero, nil
	}
	return res.(T), nil
}

func executeVoid(b *Breaker, op string, fn func() error) error {
	_, err := execute(b, op, func() (struct{}, error) { return struct{}{}, fn() })
	return err
}

// --- Messages ---

func (b *Breaker) SaveMessage(ctx context.Context, m *types.ChatMessage) error {
	return executeVoid(b, "save_message", func() error { return b.inner.SaveMessage(ctx, m) })
}

func (b *Breaker) GetMessage(ctx context.Context, id types.MessageID) (*types.ChatMessage, error) {
	return execute(b, "get_message", func() (*types.ChatMessage, error) { return b.inner.GetMessage(ctx, id) })
}

func (b *Breaker) UpdateMessage(ctx context.Context, m *types.ChatMessage) error {
	return executeVoid(b, "update_message", func() error { return b.inner.UpdateMessage(ctx, m) })
}

func (b *Breaker) DeleteMessage(ctx context.Context, id types.MessageID) error {
	return executeVoid(b, "delete_message", func() error { return b.inner.DeleteMessage(ctx, id) })
}

func (b *Breaker) ChannelHistory(ctx context.Context, channel string, limit int) ([]types.ChatMessage, error) {
	return execute(b, "channel_history", func() ([]types.ChatMessage, error) { return b.inner.ChannelHistory(ctx, channel, limit) })
}

func (b *Breaker) AddReaction(ctx context.Context, id types.MessageID, emoji string, user types.UserID) (*types.ChatMessage, error) {
	return execute(b, "add_reaction", func() (*types.ChatMessage, error) { return b.inner.AddReaction(ctx, id, emoji, user) })
}

func (b *Breaker) RemoveReaction(ctx context.Context, id types.MessageID, emoji string, user types.UserID) (*types.ChatMessage, error) {
	return execute(b, "remove_reaction", func() (*types.ChatMessage, error) { return b.inner.RemoveReaction(ctx, id, emoji, user) })
}

// --- Friendships ---

func (b *Breaker) CreateFriendship(ctx context.Context, f *types.Friendship) error {
	return executeVoid(b, "create_friendship", func() error { return b.inner.CreateFriendship(ctx, f) })
}

func (b *Breaker) GetFriendship(ctx context.Context, id types.FriendshipID) (*types.Friendship, error) {
	return execute(b, "get_friendship", func() (*types.Friendship, error) { return b.inner.GetFriendship(ctx, id) })
}

func (b *Breaker) UpdateFriendship(ctx context.Context, f *types.Friendship) error {
	return executeVoid(b, "update_friendship", func() error { return b.inner.UpdateFriendship(ctx, f) })
}

func (b *Breaker) DeleteFriendship(ctx context.Context, id types.FriendshipID) error {
	return executeVoid(b, "delete_friendship", func() error { return b.inner.DeleteFriendship(ctx, id) })
}

func (b *Breaker) FriendshipsOf(ctx context.Context, user types.UserID) ([]types.Friendship, error) {
	return execute(b, "friendships_of", func() ([]types.Friendship, error) { return b.inner.FriendshipsOf(ctx, user) })
}

func (b *Breaker) FriendshipBetween(ctx context.Context, a, u types.UserID) (*types.Friendship, error) {
	return execute(b, "friendship_between", func() (*types.Friendship, error) { return b.inner.FriendshipBetween(ctx, a, u) })
}

func (b *Breaker) BlockedUserIDs(ctx context.Context, user types.UserID) ([]types.UserID, error) {
	return execute(b, "blocked_user_ids", func() ([]types.UserID, error) { return b.inner.BlockedUserIDs(ctx, user) })
}

// --- Direct Messages ---

func (b *Breaker) SaveDirectMessage(ctx context.Context, m *types.DirectMessage) error {
	return executeVoid(b, "save_direct_message", func() error { return b.inner.SaveDirectMessage(ctx, m) })
}

func (b *Breaker) DMHistory(ctx context.Context, a, u types.UserID, limit int) ([]types.DirectMessage, error) {
	return execute(b, "dm_history", func() ([]types.DirectMessage, error) { return b.inner.DMHistory(ctx, a, u, limit) })
}

func (b *Breaker) Conversations(ctx context.Context, user types.UserID) ([]types.Conversation, error) {
	return execute(b, "conversations", func() ([]types.Conversation, error) { return b.inner.Conversations(ctx, user) })
}

func (b *Breaker) MarkRead(ctx context.Context, reader, partner types.UserID) (int, error) {
	return execute(b, "mark_read", func() (int, error) { return b.inner.MarkRead(ctx, reader, partner) })
}

// --- Notifications ---

func (b *Breaker) SaveNotification(ctx context.Context, n *types.Notification) error {
	return executeVoid(b, "save_notification", func() error { return b.inner.SaveNotification(ctx, n) })
}

func (b *Breaker) Notifications(ctx context.Context, user types.UserID, unreadOnly bool, page, pageSize int) ([]types.Notification, error) {
	return execute(b, "notifications", func() ([]types.Notification, error) {
		return b.inner.Notifications(ctx, user, unreadOnly, page, pageSize)
	})
}

func (b *Breaker) MarkNotificationRead(ctx context.Context, user types.UserID, id types.NotificationID) error {
	return executeVoid(b, "mark_notification_read", func() error { return b.inner.MarkNotificationRead(ctx, user, id) })
}

func (b *Breaker) MarkAllNotificationsRead(ctx context.Context, user types.UserID) (int, error) {
	return execute(b, "mark_all_notifications_read", func() (int, error) { return b.inner.MarkAllNotificationsRead(ctx, user) })
}

func (b *Breaker) DeleteNotification(ctx context.Context, user types.UserID, id types.NotificationID) error {
	return executeVoid(b, "delete_notification", func() error { return b.inner.DeleteNotification(ctx, user, id) })
}

func (b *Breaker) UnreadNotificationCount(ctx context.Context, user types.UserID) (int, error) {
	return execute(b, "unread_notification_count", func() (int, error) { return b.inner.UnreadNotificationCount(ctx, user) })
}

// --- Users ---

func (b *Breaker) UpsertUser(ctx context.Context, u types.UserSnapshot) error {
	return executeVoid(b, "upsert_user", func() error { return b.inner.UpsertUser(ctx, u) })
}

func (b *Breaker) SearchUsers(ctx context.Context, query string, limit int) ([]types.UserSnapshot, error) {
	return execute(b, "search_users", func() ([]types.UserSnapshot, error) { return b.inner.SearchUsers(ctx, query, limit) })
}

// --- Catalog ---

func (b *Breaker) AuctionOwner(ctx context.Context, auctionID string) (types.UserID, error) {
	return execute(b, "auction_owner", func() (types.UserID, error) { return b.inner.AuctionOwner(ctx, auctionID) })
}
