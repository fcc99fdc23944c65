// Package notify implements the notification hub: per-user delivery via the
// notifications_<userId> group, the unread counter, and read/delete
// bookkeeping. Producers elsewhere in the process push through
// SendNotificationToUser without a live connection context.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/yurtcord/realtime/internal/v1/repository"
	"github.com/yurtcord/realtime/internal/v1/router"
	"github.com/yurtcord/realtime/internal/v1/session"
	"github.com/yurtcord/realtime/internal/v1/transport"
	"github.com/yurtcord/realtime/internal/v1/types"
)

// Event names pushed by the notification hub.
const (
	EventNewNotification        = "NewNotification"
	EventNotifications          = "Notifications"
	EventUnreadCount            = "UnreadCount"
	EventUnreadCountIncremented = "UnreadCountIncremented"
	EventNotificationError      = "NotificationError"
)

// Hub is the notification hub.
type Hub struct {
	router *router.Router
	repo   repository.Repository
}

// New creates the notification hub and registers its methods and lifecycle
// hooks with the session core.
func New(core *session.Core, rt *router.Router, repo repository.Repository) *Hub {
	h := &Hub{router: rt, repo: repo}

	core.Register("GetNotifications", h.GetNotifications)
	core.Register("MarkAsRead", h.MarkAsRead)
	core.Register("MarkAllAsRead", h.MarkAllAsRead)
	core.Register("DeleteNotification", h.DeleteNotification)

	core.OnAuthenticated(h.onAuthenticated)
	return h
}

// onAuthenticated enrols the connection in its notification group and sends
// the current unread count.
func (h *Hub) onAuthenticated(ctx context.Context, c types.ClientConn, snapshot types.UserSnapshot, firstConn bool) {
	h.router.Join(router.Notifications(snapshot.ID), c)

	count, err := h.repo.UnreadNotificationCount(ctx, snapshot.ID)
	if err != nil {
		slog.Warn("Failed to load unread count", "userId", snapshot.ID, "error", err)
		return
	}
	c.SendEvent(EventUnreadCount, count)
}

// GetNotifications pushes a page of the caller's notifications.
func (h *Hub) GetNotifications(ctx context.Context, c types.ClientConn, args transport.Args) error {
	var unreadOnly bool
	if args.Len() > 0 {
		unreadOnly, _ = args.Bool(0)
	}
	page, err := args.Int(1)
	if err != nil || page < 1 {
		page = 1
	}
	pageSize, err := args.Int(2)
	if err != nil || pageSize < 1 || pageSize > 100 {
		pageSize = 20
	}

	notifications, err := h.repo.Notifications(ctx, c.UserID(), unreadOnly, page, pageSize)
	if err != nil {
		return fmt.Errorf("failed to load notifications: %w", err)
	}
	c.SendEvent(EventNotifications, notifications, page, pageSize)
	return nil
}

func (h *Hub) pushUnreadCount(ctx context.Context, user types.UserID) {
	count, err := h.repo.UnreadNotificationCount(ctx, user)
	if err != nil {
		slog.Warn("Failed to refresh unread count", "userId", user, "error", err)
		return
	}
	h.router.Broadcast(router.Notifications(user), EventUnreadCount, count)
}

// MarkAsRead stamps one notification read and refreshes the counter.
func (h *Hub) MarkAsRead(ctx context.Context, c types.ClientConn, args transport.Args) error {
	id, err := args.String(0)
	if err != nil || id == "" {
		c.SendEvent(EventNotificationError, "notification id required")
		return nil
	}
	if err := h.repo.MarkNotificationRead(ctx, c.UserID(), types.NotificationID(id)); err != nil {
		if errors.Is(err, types.ErrNotFound) {
			c.SendEvent(EventNotificationError, "notification not found")
			return nil
		}
		return fmt.Errorf("failed to mark notification read: %w", err)
	}
	h.pushUnreadCount(ctx, c.UserID())
	return nil
}

// MarkAllAsRead stamps everything read.
func (h *Hub) MarkAllAsRead(ctx context.Context, c types.ClientConn, args transport.Args) error {
	if _, err := h.repo.MarkAllNotificationsRead(ctx, c.UserID()); err != nil {
		return fmt.Errorf("failed to mark all notifications read: %w", err)
	}
	h.pushUnreadCount(ctx, c.UserID())
	return nil
}

// DeleteNotification removes one of the caller's notifications.
func (h *Hub) DeleteNotification(ctx context.Context, c types.ClientConn, args transport.Args) error {
	id, err := args.String(0)
	if err != nil || id == "" {
		c.SendEvent(EventNotificationError, "notification id required")
		return nil
	}
	if err := h.repo.DeleteNotification(ctx, c.UserID(), types.NotificationID(id)); err != nil {
		if errors.Is(err, types.ErrNotFound) {
			c.SendEvent(EventNotificationError, "notification not found")
			return nil
		}
		return fmt.Errorf("failed to delete notification: %w", err)
	}
	h.pushUnreadCount(ctx, c.UserID())
	return nil
}

// SendNotificationToUser is the cross-hub push entry point: it persists the
// notification, delivers it to every live connection of the recipient, and
// bumps the unread counter. Callable without a connection context.
func (h *Hub) SendNotificationToUser(ctx context.Context, userID types.UserID, notificationType, title, message, icon, actionURL string) (*types.Notification, error) {
	n := &types.Notification{
		ID:          types.NotificationID(uuid.NewString()),
		RecipientID: userID,
		Type:        notificationType,
		Title:       title,
		Message:     message,
		Icon:        icon,
		ActionURL:   actionURL,
		CreatedAt:   time.Now().UTC(),
	}
	if err := h.repo.SaveNotification(ctx, n); err != nil {
		return nil, fmt.Errorf("failed to persist notification: %w", err)
	}

	h.router.Broadcast(router.Notifications(userID), EventNewNotification, n)
	h.router.Broadcast(router.Notifications(userID), EventUnreadCountIncremented)
	return n, nil
}
