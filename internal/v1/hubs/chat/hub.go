// Package chat implements the chat hub: channel membership, message send /
// edit / delete, typing indicators, reactions, delivery acknowledgements,
// group chats, and the cached-profile broadcast.
//
// The hub owns no message state of its own; persistence and history reads
// are delegated to the repository collaborator. Fan-out goes through the
// group router; per-channel groups are named channel_<name>.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/yurtcord/realtime/internal/v1/config"
	"github.com/yurtcord/realtime/internal/v1/registry"
	"github.com/yurtcord/realtime/internal/v1/repository"
	"github.com/yurtcord/realtime/internal/v1/router"
	"github.com/yurtcord/realtime/internal/v1/session"
	"github.com/yurtcord/realtime/internal/v1/transport"
	"github.com/yurtcord/realtime/internal/v1/types"
)

// Event names pushed by the chat hub.
const (
	EventReceiveMessage      = "ReceiveMessage"
	EventChatHistory         = "ChatHistory"
	EventMessageEdited       = "MessageEdited"
	EventMessageDeleted      = "MessageDeleted"
	EventEditError           = "EditError"
	EventChatError           = "ChatError"
	EventUserTyping          = "UserTyping"
	EventUserStoppedTyping   = "UserStoppedTyping"
	EventReactionAdded       = "ReactionAdded"
	EventReactionRemoved     = "ReactionRemoved"
	EventMessageAcknowledged = "MessageAcknowledged"
	EventGroupChatCreated    = "GroupChatCreated"
	EventUserProfileUpdated  = "UserProfileUpdated"
	EventChannelList         = "ChannelList"
	EventOnlineUsers         = "OnlineUsers"
	EventUserJoined          = "UserJoined"
	EventUserLeft            = "UserLeft"
)

const (
	defaultChannel   = "general"
	historyLimit     = 50
	maxContentLength = 2000
)

// channelDef is a statically-defined channel with a minimum role gate.
type channelDef struct {
	Name    string         `json:"name"`
	MinRole types.RoleType `json:"minRole"`
}

var defaultChannels = []channelDef{
	{Name: "general", MinRole: types.RoleUser},
	{Name: "trade", MinRole: types.RoleUser},
	{Name: "support", MinRole: types.RoleUser},
	{Name: "staff", MinRole: types.RoleModerator},
}

func roleAtLeast(have, want types.RoleType) bool {
	rank := func(r types.RoleType) int {
		switch r {
		case types.RoleAdmin:
			return 2
		case types.RoleModerator:
			return 1
		default:
			return 0
		}
	}
	return rank(have) >= rank(want)
}

// Hub is the chat hub.
type Hub struct {
	router   *router.Router
	registry *registry.Registry
	repo     repository.Repository
	cfg      *config.Config

	// Per-connection typing throttles. One limiter per connection, purged
	// on disconnect.
	typing sync.Map // types.ConnID -> *rate.Limiter
}

// New creates the chat hub and registers its methods and lifecycle hooks
// with the session core.
func New(core *session.Core, rt *router.Router, reg *registry.Registry, repo repository.Repository, cfg *config.Config) *Hub {
	h := &Hub{router: rt, registry: reg, repo: repo, cfg: cfg}

	core.Register("JoinChannel", h.JoinChannel)
	core.Register("LeaveChannel", h.LeaveChannel)
	core.Register("SendMessage", h.SendMessage)
	core.Register("SendMessageWithAttachments", h.SendMessageWithAttachments)
	core.Register("EditMessage", h.EditMessage)
	core.Register("DeleteMessage", h.DeleteMessage)
	core.Register("SendTyping", h.SendTyping)
	core.Register("StopTyping", h.StopTyping)
	core.Register("AddReaction", h.AddReaction)
	core.Register("RemoveReaction", h.RemoveReaction)
	core.Register("AcknowledgeMessage", h.AcknowledgeMessage)
	core.Register("CreateGroupChat", h.CreateGroupChat)
	core.Register("UpdateUserProfile", h.UpdateUserProfile)

	core.OnAuthenticated(h.onAuthenticated)
	core.OnDisconnectCleanup(h.onDisconnect)
	core.OnUserOffline(h.onUserOffline)
	return h
}

// onAuthenticated enrols the connection in its default groups and streams
// initial state: the role-filtered channel list, the online-user list, and
// the general channel history.
func (h *Hub) onAuthenticated(ctx context.Context, c types.ClientConn, snapshot types.UserSnapshot, firstConn bool) {
	h.router.Join(router.Channel(defaultChannel), c)

	var channels []channelDef
	for _, def := range defaultChannels {
		if roleAtLeast(snapshot.Role, def.MinRole) {
			channels = append(channels, def)
		}
	}
	c.SendEvent(EventChannelList, channels)
	c.SendEvent(EventOnlineUsers, h.registry.OnlineUsers())

	history, err := h.repo.ChannelHistory(ctx, defaultChannel, historyLimit)
	if err != nil {
		slog.Warn("Failed to load channel history", "channel", defaultChannel, "error", err)
	} else {
		c.SendEvent(EventChatHistory, defaultChannel, history)
	}

	if firstConn {
		h.router.SendToConns(h.registry.AllConns(), EventUserJoined, snapshot)
		h.postSystem(ctx, defaultChannel, types.ChatMessageJoin, fmt.Sprintf("%s joined the chat", snapshot.Username))
	}
}

func (h *Hub) onDisconnect(ctx context.Context, c types.ClientConn) {
	h.typing.Delete(c.ID())
}

// onUserOffline announces the departure once the user's last connection is
// gone. Runs after the router purge, so the user's own connections never
// see it.
func (h *Hub) onUserOffline(ctx context.Context, c types.ClientConn, snapshot types.UserSnapshot, wasLast bool) {
	if !wasLast || snapshot.ID == "" {
		return
	}
	h.router.SendToConns(h.registry.AllConns(), EventUserLeft, snapshot.ID)
	h.postSystem(ctx, defaultChannel, types.ChatMessageLeave, fmt.Sprintf("%s left the chat", snapshot.Username))
}

// postSystem persists and broadcasts a system message to a channel. System
// messages have no owner.
func (h *Hub) postSystem(ctx context.Context, channel string, msgType types.ChatMessageType, content string) {
	msg := &types.ChatMessage{
		ID:        types.MessageID(uuid.NewString()),
		Channel:   channel,
		Content:   content,
		Type:      msgType,
		Timestamp: time.Now().UTC(),
	}
	if err := h.repo.SaveMessage(ctx, msg); err != nil {
		slog.Warn("Failed to persist system message", "channel", channel, "error", err)
	}
	h.router.Broadcast(router.Channel(channel), EventReceiveMessage, msg)
}

func (h *Hub) callerSnapshot(c types.ClientConn) (types.UserSnapshot, bool) {
	return h.registry.Snapshot(c.UserID())
}

// --- Channel membership ---

// JoinChannel subscribes the connection to channel_<name>, pushes recent
// history, and announces the join to the channel.
func (h *Hub) JoinChannel(ctx context.Context, c types.ClientConn, args transport.Args) error {
	name, err := args.String(0)
	if err != nil || name == "" {
		c.SendEvent(EventChatError, "channel name required")
		return nil
	}
	snapshot, ok := h.callerSnapshot(c)
	if !ok {
		return types.ErrPrecondition
	}
	for _, def := range defaultChannels {
		if def.Name == name && !roleAtLeast(snapshot.Role, def.MinRole) {
			c.SendEvent(EventChatError, "insufficient role for channel")
			return nil
		}
	}

	h.router.Join(router.Channel(name), c)

	history, err := h.repo.ChannelHistory(ctx, name, historyLimit)
	if err != nil {
		return fmt.Errorf("failed to load history for %s: %w", name, err)
	}
	c.SendEvent(EventChatHistory, name, history)

	h.postSystem(ctx, name, types.ChatMessageJoin, fmt.Sprintf("%s joined #%s", snapshot.Username, name))
	return nil
}

// LeaveChannel unsubscribes and announces the leave.
func (h *Hub) LeaveChannel(ctx context.Context, c types.ClientConn, args transport.Args) error {
	name, err := args.String(0)
	if err != nil || name == "" {
		c.SendEvent(EventChatError, "channel name required")
		return nil
	}
	snapshot, _ := h.callerSnapshot(c)

	h.router.Leave(router.Channel(name), c.ID())
	h.postSystem(ctx, name, types.ChatMessageLeave, fmt.Sprintf("%s left #%s", snapshot.Username, name))
	return nil
}

// --- Messages ---

func (h *Hub) sendMessage(ctx context.Context, c types.ClientConn, content, channel string, attachments []types.Attachment) error {
	content = strings.TrimSpace(content)
	if content == "" && len(attachments) == 0 {
		c.SendEvent(EventChatError, "message content cannot be empty")
		return nil
	}
	if len(content) > maxContentLength {
		c.SendEvent(EventChatError, fmt.Sprintf("message content cannot exceed %d characters", maxContentLength))
		return nil
	}
	if channel == "" {
		channel = defaultChannel
	}
	if !h.router.Contains(router.Channel(channel), c.ID()) {
		c.SendEvent(EventChatError, "not subscribed to channel")
		return nil
	}

	snapshot, ok := h.callerSnapshot(c)
	if !ok {
		return types.ErrPrecondition
	}

	msg := &types.ChatMessage{
		ID:          types.MessageID(uuid.NewString()),
		Channel:     channel,
		SenderID:    snapshot.ID,
		SenderName:  snapshot.Username,
		Content:     content,
		Type:        types.ChatMessageText,
		Timestamp:   time.Now().UTC(),
		Attachments: attachments,
	}
	if err := h.repo.SaveMessage(ctx, msg); err != nil {
		return fmt.Errorf("failed to persist message: %w", err)
	}

	// Own-echo included: the sender is part of the channel group.
	h.router.Broadcast(router.Channel(channel), EventReceiveMessage, msg)
	return nil
}

// SendMessage relays a text message to a channel. Rejects empty content.
func (h *Hub) SendMessage(ctx context.Context, c types.ClientConn, args transport.Args) error {
	content, err := args.String(0)
	if err != nil {
		c.SendEvent(EventChatError, "message content required")
		return nil
	}
	channel := args.OptionalString(1, defaultChannel)
	return h.sendMessage(ctx, c, content, channel, nil)
}

// SendMessageWithAttachments permits empty content iff attachments are
// present.
func (h *Hub) SendMessageWithAttachments(ctx context.Context, c types.ClientConn, args transport.Args) error {
	content, err := args.String(0)
	if err != nil {
		c.SendEvent(EventChatError, "message content required")
		return nil
	}
	channel := args.OptionalString(1, defaultChannel)
	var attachments []types.Attachment
	if err := args.Decode(2, &attachments); err != nil || len(attachments) == 0 {
		c.SendEvent(EventChatError, "attachments required")
		return nil
	}
	return h.sendMessage(ctx, c, content, channel, attachments)
}

// EditMessage rewrites a message's content. Only the owner may edit, and
// only within the configured edit window.
func (h *Hub) EditMessage(ctx context.Context, c types.ClientConn, args transport.Args) error {
	id, err := args.String(0)
	if err != nil {
		c.SendEvent(EventEditError, "message id required")
		return nil
	}
	newContent, err := args.String(1)
	if err != nil || strings.TrimSpace(newContent) == "" {
		c.SendEvent(EventEditError, "message content cannot be empty")
		return nil
	}
	channel := args.OptionalString(2, defaultChannel)

	msg, err := h.repo.GetMessage(ctx, types.MessageID(id))
	if err != nil {
		if errors.Is(err, types.ErrNotFound) {
			c.SendEvent(EventEditError, "message not found")
			return nil
		}
		return fmt.Errorf("failed to load message %s: %w", id, err)
	}
	if msg.SenderID == "" || msg.SenderID != c.UserID() {
		c.SendEvent(EventEditError, "only the author can edit a message")
		return nil
	}
	if time.Since(msg.Timestamp) > h.cfg.EditWindow {
		c.SendEvent(EventEditError, "edit window has expired")
		return nil
	}

	now := time.Now().UTC()
	msg.Content = strings.TrimSpace(newContent)
	msg.EditedAt = &now
	if err := h.repo.UpdateMessage(ctx, msg); err != nil {
		return fmt.Errorf("failed to update message %s: %w", id, err)
	}

	h.router.Broadcast(router.Channel(channel), EventMessageEdited, msg)
	return nil
}

// DeleteMessage removes a message. Owner or moderator only. The deletion is
// announced to the owning channel group, never globally.
func (h *Hub) DeleteMessage(ctx context.Context, c types.ClientConn, args transport.Args) error {
	id, err := args.String(0)
	if err != nil {
		c.SendEvent(EventChatError, "message id required")
		return nil
	}
	channel := args.OptionalString(1, defaultChannel)

	msg, err := h.repo.GetMessage(ctx, types.MessageID(id))
	if err != nil {
		if errors.Is(err, types.ErrNotFound) {
			c.SendEvent(EventChatError, "message not found")
			return nil
		}
		return fmt.Errorf("failed to load message %s: %w", id, err)
	}

	snapshot, ok := h.callerSnapshot(c)
	if !ok {
		return types.ErrPrecondition
	}
	if msg.SenderID != snapshot.ID && !snapshot.Role.CanModerate() {
		c.SendEvent(EventChatError, "not allowed to delete this message")
		return nil
	}

	if err := h.repo.DeleteMessage(ctx, msg.ID); err != nil {
		return fmt.Errorf("failed to delete message %s: %w", id, err)
	}
	h.router.Broadcast(router.Channel(channel), EventMessageDeleted, msg.ID)
	return nil
}

// AcknowledgeMessage is the delivery-receipt hook: it replies to the caller
// only.
func (h *Hub) AcknowledgeMessage(ctx context.Context, c types.ClientConn, args transport.Args) error {
	id, err := args.String(0)
	if err != nil {
		return nil
	}
	c.SendEvent(EventMessageAcknowledged, map[string]any{
		"id": id,
		"at": time.Now().UTC(),
	})
	return nil
}

// --- Typing indicators ---

func (h *Hub) typingAllowed(id types.ConnID) bool {
	v, _ := h.typing.LoadOrStore(id, rate.NewLimiter(rate.Every(time.Second), 3))
	return v.(*rate.Limiter).Allow()
}

// SendTyping fans a throttled, ephemeral typing indicator out to the other
// members of the channel.
func (h *Hub) SendTyping(ctx context.Context, c types.ClientConn, args transport.Args) error {
	channel := args.OptionalString(0, defaultChannel)
	if !h.typingAllowed(c.ID()) {
		return nil
	}
	snapshot, ok := h.callerSnapshot(c)
	if !ok {
		return nil
	}
	h.router.BroadcastExcept(router.Channel(channel), c.ID(), EventUserTyping, snapshot.ID, snapshot.Username, channel)
	return nil
}

// StopTyping clears the indicator for the other channel members.
func (h *Hub) StopTyping(ctx context.Context, c types.ClientConn, args transport.Args) error {
	channel := args.OptionalString(0, defaultChannel)
	h.router.BroadcastExcept(router.Channel(channel), c.ID(), EventUserStoppedTyping, c.UserID(), channel)
	return nil
}

// --- Reactions ---

// AddReaction records at most one (user, message, emoji) reaction and
// broadcasts the updated reaction map on the owning channel group.
func (h *Hub) AddReaction(ctx context.Context, c types.ClientConn, args transport.Args) error {
	id, err := args.String(0)
	if err != nil {
		c.SendEvent(EventChatError, "message id required")
		return nil
	}
	emoji, err := args.String(1)
	if err != nil || emoji == "" {
		c.SendEvent(EventChatError, "emoji required")
		return nil
	}

	msg, err := h.repo.AddReaction(ctx, types.MessageID(id), emoji, c.UserID())
	if err != nil {
		if errors.Is(err, types.ErrNotFound) {
			c.SendEvent(EventChatError, "message not found")
			return nil
		}
		return fmt.Errorf("failed to add reaction: %w", err)
	}
	h.router.Broadcast(router.Channel(msg.Channel), EventReactionAdded, msg.ID, emoji, c.UserID(), msg.Reactions[emoji])
	return nil
}

// RemoveReaction cancels exactly one prior add.
func (h *Hub) RemoveReaction(ctx context.Context, c types.ClientConn, args transport.Args) error {
	id, err := args.String(0)
	if err != nil {
		c.SendEvent(EventChatError, "message id required")
		return nil
	}
	emoji, err := args.String(1)
	if err != nil || emoji == "" {
		c.SendEvent(EventChatError, "emoji required")
		return nil
	}

	msg, err := h.repo.RemoveReaction(ctx, types.MessageID(id), emoji, c.UserID())
	if err != nil {
		if errors.Is(err, types.ErrNotFound) {
			c.SendEvent(EventChatError, "message not found")
			return nil
		}
		return fmt.Errorf("failed to remove reaction: %w", err)
	}
	h.router.Broadcast(router.Channel(msg.Channel), EventReactionRemoved, msg.ID, emoji, c.UserID(), msg.Reactions[emoji])
	return nil
}

// --- Group chats ---

type createGroupChatRequest struct {
	Name      string         `json:"name"`
	MemberIDs []types.UserID `json:"memberIds"`
	IconPath  string         `json:"iconPath,omitempty"`
}

type groupChatDTO struct {
	ID        string         `json:"id"`
	Channel   string         `json:"channel"`
	Name      string         `json:"name"`
	MemberIDs []types.UserID `json:"memberIds"`
	IconPath  string         `json:"iconPath,omitempty"`
	CreatedBy types.UserID   `json:"createdBy"`
	CreatedAt time.Time      `json:"createdAt"`
}

// CreateGroupChat creates a group_<uuid> channel and enrols the creator and
// every currently-connected member.
func (h *Hub) CreateGroupChat(ctx context.Context, c types.ClientConn, args transport.Args) error {
	var req createGroupChatRequest
	if err := args.Decode(0, &req); err != nil || req.Name == "" {
		c.SendEvent(EventChatError, "group chat name required")
		return nil
	}

	id := uuid.NewString()
	channel := "group_" + id
	dto := groupChatDTO{
		ID:        id,
		Channel:   channel,
		Name:      req.Name,
		MemberIDs: req.MemberIDs,
		IconPath:  req.IconPath,
		CreatedBy: c.UserID(),
		CreatedAt: time.Now().UTC(),
	}

	// Enrol every live connection of the creator and all members, then
	// notify each affected connection.
	group := router.Channel(channel)
	affected := h.registry.Connections(c.UserID())
	for _, uid := range req.MemberIDs {
		if uid == c.UserID() {
			continue
		}
		affected = append(affected, h.registry.Connections(uid)...)
	}
	for _, conn := range affected {
		h.router.Join(group, conn)
	}
	h.router.SendToConns(affected, EventGroupChatCreated, dto)
	return nil
}

// --- Profile ---

// UpdateUserProfile refreshes the caller's cached snapshot and broadcasts
// the new projection to every connected client exactly once.
func (h *Hub) UpdateUserProfile(ctx context.Context, c types.ClientConn, args transport.Args) error {
	var patch types.ProfilePatch
	if err := args.Decode(0, &patch); err != nil {
		c.SendEvent(EventChatError, "invalid profile patch")
		return nil
	}

	snapshot, ok := h.registry.UpdateSnapshot(c.UserID(), func(s *types.UserSnapshot) {
		if patch.Username != nil && *patch.Username != "" {
			s.Username = *patch.Username
		}
		if patch.AvatarURL != nil {
			s.AvatarURL = *patch.AvatarURL
		}
		if patch.BannerURL != nil {
			s.BannerURL = *patch.BannerURL
		}
		if patch.StatusMessage != nil {
			s.StatusMessage = *patch.StatusMessage
		}
		if patch.AccentColor != nil {
			s.AccentColor = *patch.AccentColor
		}
		if patch.Status != nil {
			switch status := types.PresenceStatus(*patch.Status); status {
			case types.PresenceOnline, types.PresenceIdle, types.PresenceBusy:
				s.Status = status
			}
		}
	})
	if !ok {
		return types.ErrPrecondition
	}

	if err := h.repo.UpsertUser(ctx, snapshot); err != nil {
		slog.Warn("Failed to persist profile update", "userId", snapshot.ID, "error", err)
	}

	h.BroadcastProfileUpdate(snapshot)
	return nil
}

// BroadcastProfileUpdate pushes a snapshot to every connected client. Also
// the cross-hub entry point used by the REST profile controller.
func (h *Hub) BroadcastProfileUpdate(snapshot types.UserSnapshot) {
	h.registry.UpdateSnapshot(snapshot.ID, func(s *types.UserSnapshot) { *s = snapshot })
	h.router.SendToConns(h.registry.AllConns(), EventUserProfileUpdated, snapshot)
}
