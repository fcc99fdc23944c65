// Package friends implements the friend/DM hub: the friendship request
// lifecycle, block/unblock, user search, direct-message conversations with
// read receipts and typing, and presence fan-out to friends.
//
// List consistency: every mutating operation re-pushes the affected lists
// to the caller before returning, and to any affected counter-party.
package friends

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/yurtcord/realtime/internal/v1/auth"
	"github.com/yurtcord/realtime/internal/v1/registry"
	"github.com/yurtcord/realtime/internal/v1/repository"
	"github.com/yurtcord/realtime/internal/v1/router"
	"github.com/yurtcord/realtime/internal/v1/session"
	"github.com/yurtcord/realtime/internal/v1/transport"
	"github.com/yurtcord/realtime/internal/v1/types"
)

// Event names pushed by the friend/DM hub.
const (
	EventFriendsList           = "FriendsList"
	EventPendingRequests       = "PendingRequests"
	EventOutgoingRequests      = "OutgoingRequests"
	EventFriendRequestSent     = "FriendRequestSent"
	EventNewFriendRequest      = "NewFriendRequest"
	EventFriendRequestAccepted = "FriendRequestAccepted"
	EventFriendRequestDeclined = "FriendRequestDeclined"
	EventFriendError           = "FriendError"
	EventBlockError            = "BlockError"
	EventDMError               = "DMError"
	EventUserSearchResults     = "UserSearchResults"
	EventConversations         = "Conversations"
	EventDMHistory             = "DMHistory"
	EventReceiveDirectMessage  = "ReceiveDirectMessage"
	EventMessagesRead          = "MessagesRead"
	EventDMTyping              = "DMTyping"
	EventDMStoppedTyping       = "DMStoppedTyping"
	EventFriendOnline          = "FriendOnline"
	EventFriendOffline         = "FriendOffline"
)

const dmHistoryLimit = 100

// friendDTO is one row of a FriendsList push.
type friendDTO struct {
	UserID       types.UserID         `json:"userId"`
	Username     string               `json:"username"`
	AvatarURL    string               `json:"avatarUrl,omitempty"`
	Online       bool                 `json:"online"`
	Status       types.PresenceStatus `json:"status"`
	FriendshipID types.FriendshipID   `json:"friendshipId"`
}

// requestDTO is one row of a PendingRequests / OutgoingRequests push.
type requestDTO struct {
	ID        types.FriendshipID `json:"id"`
	UserID    types.UserID       `json:"userId"`
	Username  string             `json:"username"`
	CreatedAt time.Time          `json:"createdAt"`
}

// searchResultDTO annotates a search hit with the friendship flag.
type searchResultDTO struct {
	types.UserSnapshot
	IsFriend bool `json:"isFriend"`
}

// Hub is the friend/DM hub.
type Hub struct {
	router   *router.Router
	registry *registry.Registry
	repo     repository.Repository
	auth     auth.Authenticator
}

// New creates the friend/DM hub and registers its methods and lifecycle
// hooks with the session core.
func New(core *session.Core, rt *router.Router, reg *registry.Registry, repo repository.Repository, a auth.Authenticator) *Hub {
	h := &Hub{router: rt, registry: reg, repo: repo, auth: a}

	core.Register("SendFriendRequest", h.SendFriendRequest)
	core.Register("SendFriendRequestById", h.SendFriendRequestByID)
	core.Register("RespondToFriendRequest", h.RespondToFriendRequest)
	core.Register("CancelFriendRequest", h.CancelFriendRequest)
	core.Register("RemoveFriend", h.RemoveFriend)
	core.Register("BlockUser", h.BlockUser)
	core.Register("UnblockUser", h.UnblockUser)
	core.Register("SearchUser", h.SearchUsers)
	core.Register("SearchUsers", h.SearchUsers)
	core.Register("GetConversations", h.GetConversations)
	core.Register("GetDMHistory", h.GetDMHistory)
	core.Register("SendDirectMessage", h.SendDirectMessage)
	core.Register("MarkMessagesRead", h.MarkMessagesRead)
	core.Register("StartTypingDM", h.StartTypingDM)
	core.Register("StopTypingDM", h.StopTypingDM)

	core.OnAuthenticated(h.onAuthenticated)
	core.OnUserOffline(h.onUserOffline)
	return h
}

// --- Lifecycle ---

func (h *Hub) onAuthenticated(ctx context.Context, c types.ClientConn, snapshot types.UserSnapshot, firstConn bool) {
	h.pushListsToConn(ctx, c)

	conversations, err := h.repo.Conversations(ctx, snapshot.ID)
	if err != nil {
		slog.Warn("Failed to load conversations", "userId", snapshot.ID, "error", err)
	} else {
		c.SendEvent(EventConversations, conversations)
	}

	if firstConn {
		for _, friendID := range h.acceptedFriendIDs(ctx, snapshot.ID) {
			h.router.Broadcast(router.User(friendID), EventFriendOnline, snapshot.ID, snapshot.Username)
		}
	}
}

func (h *Hub) onUserOffline(ctx context.Context, c types.ClientConn, snapshot types.UserSnapshot, wasLast bool) {
	if !wasLast || snapshot.ID == "" {
		return
	}
	for _, friendID := range h.acceptedFriendIDs(ctx, snapshot.ID) {
		h.router.Broadcast(router.User(friendID), EventFriendOffline, snapshot.ID)
	}
}

// --- List assembly ---

func (h *Hub) usernameOf(ctx context.Context, id types.UserID) string {
	if snap, ok := h.registry.Snapshot(id); ok {
		return snap.Username
	}
	if u, err := h.auth.GetUserByID(ctx, id); err == nil {
		return u.Username
	}
	return ""
}

func (h *Hub) acceptedFriendIDs(ctx context.Context, user types.UserID) []types.UserID {
	friendships, err := h.repo.FriendshipsOf(ctx, user)
	if err != nil {
		slog.Warn("Failed to load friendships", "userId", user, "error", err)
		return nil
	}
	var out []types.UserID
	for _, f := range friendships {
		if f.Status == types.FriendshipAccepted {
			out = append(out, f.Other(user))
		}
	}
	return out
}

// buildLists assembles the three friendship projections for one user.
func (h *Hub) buildLists(ctx context.Context, user types.UserID) (friendsList []friendDTO, pending, outgoing []requestDTO, err error) {
	friendships, err := h.repo.FriendshipsOf(ctx, user)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to load friendships: %w", err)
	}
	friendsList = []friendDTO{}
	pending = []requestDTO{}
	outgoing = []requestDTO{}
	for _, f := range friendships {
		other := f.Other(user)
		switch f.Status {
		case types.FriendshipAccepted:
			dto := friendDTO{
				UserID:       other,
				Username:     h.usernameOf(ctx, other),
				FriendshipID: f.ID,
				Status:       types.PresenceOffline,
			}
			if snap, ok := h.registry.Snapshot(other); ok {
				dto.Online = true
				dto.Status = snap.Status
				dto.AvatarURL = snap.AvatarURL
			}
			friendsList = append(friendsList, dto)
		case types.FriendshipPending:
			req := requestDTO{ID: f.ID, UserID: other, Username: h.usernameOf(ctx, other), CreatedAt: f.CreatedAt}
			if f.AddresseeID == user {
				pending = append(pending, req)
			} else {
				outgoing = append(outgoing, req)
			}
		case types.FriendshipBlocked:
			// A block hides the pair from both lists and is never announced.
		}
	}
	return friendsList, pending, outgoing, nil
}

// pushLists re-pushes all three lists to every connection of a user.
func (h *Hub) pushLists(ctx context.Context, user types.UserID) {
	if !h.registry.IsOnline(user) {
		return
	}
	friendsList, pending, outgoing, err := h.buildLists(ctx, user)
	if err != nil {
		slog.Warn("Failed to rebuild friend lists", "userId", user, "error", err)
		return
	}
	h.router.Broadcast(router.User(user), EventFriendsList, friendsList)
	h.router.Broadcast(router.User(user), EventPendingRequests, pending)
	h.router.Broadcast(router.User(user), EventOutgoingRequests, outgoing)
}

func (h *Hub) pushListsToConn(ctx context.Context, c types.ClientConn) {
	friendsList, pending, outgoing, err := h.buildLists(ctx, c.UserID())
	if err != nil {
		slog.Warn("Failed to build friend lists", "userId", c.UserID(), "error", err)
		return
	}
	c.SendEvent(EventFriendsList, friendsList)
	c.SendEvent(EventPendingRequests, pending)
	c.SendEvent(EventOutgoingRequests, outgoing)
}

// --- Friend requests ---

func (h *Hub) sendRequest(ctx context.Context, c types.ClientConn, addressee *auth.User) error {
	requester := c.UserID()
	if addressee.ID == requester {
		c.SendEvent(EventFriendError, "cannot send a friend request to yourself")
		return nil
	}

	f := &types.Friendship{
		ID:          types.FriendshipID(uuid.NewString()),
		RequesterID: requester,
		AddresseeID: addressee.ID,
		Status:      types.FriendshipPending,
		CreatedAt:   time.Now().UTC(),
		UpdatedAt:   time.Now().UTC(),
	}
	if err := h.repo.CreateFriendship(ctx, f); err != nil {
		if errors.Is(err, types.ErrDuplicate) {
			c.SendEvent(EventFriendError, "a friendship or pending request already exists")
			return nil
		}
		return fmt.Errorf("failed to create friendship: %w", err)
	}

	c.SendEvent(EventFriendRequestSent, f)
	h.router.Broadcast(router.User(addressee.ID), EventNewFriendRequest, f)

	h.pushLists(ctx, requester)
	h.pushLists(ctx, addressee.ID)
	return nil
}

// SendFriendRequest creates a pending friendship addressed by username.
func (h *Hub) SendFriendRequest(ctx context.Context, c types.ClientConn, args transport.Args) error {
	username, err := args.String(0)
	if err != nil || strings.TrimSpace(username) == "" {
		c.SendEvent(EventFriendError, "username required")
		return nil
	}

	matches, err := h.repo.SearchUsers(ctx, strings.TrimSpace(username), 10)
	if err != nil {
		return fmt.Errorf("failed to search users: %w", err)
	}
	var target *types.UserSnapshot
	for i := range matches {
		if strings.EqualFold(matches[i].Username, strings.TrimSpace(username)) {
			target = &matches[i]
			break
		}
	}
	if target == nil {
		c.SendEvent(EventFriendError, "user not found")
		return nil
	}
	return h.sendRequest(ctx, c, &auth.User{ID: target.ID, Username: target.Username})
}

// SendFriendRequestByID creates a pending friendship addressed by user id.
func (h *Hub) SendFriendRequestByID(ctx context.Context, c types.ClientConn, args transport.Args) error {
	id, err := args.String(0)
	if err != nil || id == "" {
		c.SendEvent(EventFriendError, "user id required")
		return nil
	}
	target, err := h.auth.GetUserByID(ctx, types.UserID(id))
	if err != nil {
		if errors.Is(err, types.ErrNotFound) {
			c.SendEvent(EventFriendError, "user not found")
			return nil
		}
		return fmt.Errorf("failed to look up user %s: %w", id, err)
	}
	return h.sendRequest(ctx, c, target)
}

// RespondToFriendRequest accepts or declines a pending request. Only the
// addressee may respond.
func (h *Hub) RespondToFriendRequest(ctx context.Context, c types.ClientConn, args transport.Args) error {
	id, err := args.String(0)
	if err != nil {
		c.SendEvent(EventFriendError, "request id required")
		return nil
	}
	accept, err := args.Bool(1)
	if err != nil {
		c.SendEvent(EventFriendError, "accept flag required")
		return nil
	}

	f, err := h.repo.GetFriendship(ctx, types.FriendshipID(id))
	if err != nil {
		if errors.Is(err, types.ErrNotFound) {
			c.SendEvent(EventFriendError, "friend request not found")
			return nil
		}
		return fmt.Errorf("failed to load friendship %s: %w", id, err)
	}
	if f.AddresseeID != c.UserID() {
		c.SendEvent(EventFriendError, "only the addressee can respond to a request")
		return nil
	}
	if f.Status != types.FriendshipPending {
		c.SendEvent(EventFriendError, "request is no longer pending")
		return nil
	}

	if accept {
		f.Status = types.FriendshipAccepted
	} else {
		f.Status = types.FriendshipDeclined
	}
	if err := h.repo.UpdateFriendship(ctx, f); err != nil {
		return fmt.Errorf("failed to update friendship %s: %w", id, err)
	}

	if accept {
		h.router.Broadcast(router.User(f.RequesterID), EventFriendRequestAccepted, c.UserID())
	} else {
		h.router.Broadcast(router.User(f.RequesterID), EventFriendRequestDeclined, c.UserID())
	}

	h.pushLists(ctx, f.RequesterID)
	h.pushLists(ctx, f.AddresseeID)
	return nil
}

// CancelFriendRequest withdraws a pending request. Only the requester may
// cancel.
func (h *Hub) CancelFriendRequest(ctx context.Context, c types.ClientConn, args transport.Args) error {
	id, err := args.String(0)
	if err != nil {
		c.SendEvent(EventFriendError, "request id required")
		return nil
	}
	f, err := h.repo.GetFriendship(ctx, types.FriendshipID(id))
	if err != nil {
		if errors.Is(err, types.ErrNotFound) {
			c.SendEvent(EventFriendError, "friend request not found")
			return nil
		}
		return fmt.Errorf("failed to load friendship %s: %w", id, err)
	}
	if f.RequesterID != c.UserID() {
		c.SendEvent(EventFriendError, "only the requester can cancel a request")
		return nil
	}
	if f.Status != types.FriendshipPending {
		c.SendEvent(EventFriendError, "request is no longer pending")
		return nil
	}

	f.Status = types.FriendshipCancelled
	if err := h.repo.UpdateFriendship(ctx, f); err != nil {
		return fmt.Errorf("failed to cancel friendship %s: %w", id, err)
	}

	h.pushLists(ctx, f.RequesterID)
	h.pushLists(ctx, f.AddresseeID)
	return nil
}

// RemoveFriend dissolves an accepted friendship with the given user.
func (h *Hub) RemoveFriend(ctx context.Context, c types.ClientConn, args transport.Args) error {
	friendID, err := args.String(0)
	if err != nil || friendID == "" {
		c.SendEvent(EventFriendError, "friend id required")
		return nil
	}
	f, err := h.repo.FriendshipBetween(ctx, c.UserID(), types.UserID(friendID))
	if err != nil {
		if errors.Is(err, types.ErrNotFound) {
			c.SendEvent(EventFriendError, "friendship not found")
			return nil
		}
		return fmt.Errorf("failed to load friendship: %w", err)
	}
	if f.Status != types.FriendshipAccepted {
		c.SendEvent(EventFriendError, "not friends with this user")
		return nil
	}

	if err := h.repo.DeleteFriendship(ctx, f.ID); err != nil {
		return fmt.Errorf("failed to remove friendship %s: %w", f.ID, err)
	}

	h.pushLists(ctx, c.UserID())
	h.pushLists(ctx, types.UserID(friendID))
	return nil
}

// BlockUser supersedes any friendship with a block. The blocked user is
// never told; their lists simply refresh without the blocker.
func (h *Hub) BlockUser(ctx context.Context, c types.ClientConn, args transport.Args) error {
	id, err := args.String(0)
	if err != nil || id == "" {
		c.SendEvent(EventBlockError, "user id required")
		return nil
	}
	reason := args.OptionalString(1, "")
	target := types.UserID(id)
	if target == c.UserID() {
		c.SendEvent(EventBlockError, "cannot block yourself")
		return nil
	}

	if existing, err := h.repo.FriendshipBetween(ctx, c.UserID(), target); err == nil {
		if existing.Status == types.FriendshipBlocked {
			if existing.RequesterID == c.UserID() {
				return nil // already blocked, idempotent
			}
			// Both directions blocked is representable only one way; keep
			// the earlier block and hide this one behind it.
			return nil
		}
		if err := h.repo.DeleteFriendship(ctx, existing.ID); err != nil {
			return fmt.Errorf("failed to supersede friendship %s: %w", existing.ID, err)
		}
	} else if !errors.Is(err, types.ErrNotFound) {
		return fmt.Errorf("failed to load friendship: %w", err)
	}

	block := &types.Friendship{
		ID:          types.FriendshipID(uuid.NewString()),
		RequesterID: c.UserID(),
		AddresseeID: target,
		Status:      types.FriendshipBlocked,
		Reason:      reason,
		CreatedAt:   time.Now().UTC(),
		UpdatedAt:   time.Now().UTC(),
	}
	if err := h.repo.CreateFriendship(ctx, block); err != nil {
		return fmt.Errorf("failed to create block: %w", err)
	}

	h.pushLists(ctx, c.UserID())
	h.pushLists(ctx, target)
	return nil
}

// UnblockUser lifts the caller's block.
func (h *Hub) UnblockUser(ctx context.Context, c types.ClientConn, args transport.Args) error {
	id, err := args.String(0)
	if err != nil || id == "" {
		c.SendEvent(EventBlockError, "user id required")
		return nil
	}
	f, err := h.repo.FriendshipBetween(ctx, c.UserID(), types.UserID(id))
	if err != nil {
		if errors.Is(err, types.ErrNotFound) {
			c.SendEvent(EventBlockError, "no block exists for this user")
			return nil
		}
		return fmt.Errorf("failed to load friendship: %w", err)
	}
	if f.Status != types.FriendshipBlocked || f.RequesterID != c.UserID() {
		c.SendEvent(EventBlockError, "no block exists for this user")
		return nil
	}

	if err := h.repo.DeleteFriendship(ctx, f.ID); err != nil {
		return fmt.Errorf("failed to remove block %s: %w", f.ID, err)
	}
	h.pushLists(ctx, c.UserID())
	return nil
}

// --- Search ---

// SearchUsers fuzzy-matches on exact id or username substring, never
// returns the caller, and annotates results with IsFriend.
func (h *Hub) SearchUsers(ctx context.Context, c types.ClientConn, args transport.Args) error {
	query, err := args.String(0)
	if err != nil || strings.TrimSpace(query) == "" {
		c.SendEvent(EventUserSearchResults, []searchResultDTO{})
		return nil
	}

	matches, err := h.repo.SearchUsers(ctx, strings.TrimSpace(query), 20)
	if err != nil {
		return fmt.Errorf("failed to search users: %w", err)
	}

	friendSet := make(map[types.UserID]bool)
	for _, id := range h.acceptedFriendIDs(ctx, c.UserID()) {
		friendSet[id] = true
	}

	results := make([]searchResultDTO, 0, len(matches))
	for _, m := range matches {
		if m.ID == c.UserID() {
			continue
		}
		results = append(results, searchResultDTO{UserSnapshot: m, IsFriend: friendSet[m.ID]})
	}
	c.SendEvent(EventUserSearchResults, results)
	return nil
}

// --- Direct messages ---

// blockedBetween reports whether either side of the pair has blocked the
// other.
func (h *Hub) blockedBetween(ctx context.Context, a, b types.UserID) bool {
	f, err := h.repo.FriendshipBetween(ctx, a, b)
	return err == nil && f.Status == types.FriendshipBlocked
}

// GetConversations pushes the caller's conversation list.
func (h *Hub) GetConversations(ctx context.Context, c types.ClientConn, args transport.Args) error {
	conversations, err := h.repo.Conversations(ctx, c.UserID())
	if err != nil {
		return fmt.Errorf("failed to load conversations: %w", err)
	}
	c.SendEvent(EventConversations, conversations)
	return nil
}

// GetDMHistory pushes the thread with a partner, marks it read, and
// refreshes the conversation list.
func (h *Hub) GetDMHistory(ctx context.Context, c types.ClientConn, args transport.Args) error {
	partnerID, err := args.String(0)
	if err != nil || partnerID == "" {
		c.SendEvent(EventDMError, "partner id required")
		return nil
	}
	partner := types.UserID(partnerID)

	history, err := h.repo.DMHistory(ctx, c.UserID(), partner, dmHistoryLimit)
	if err != nil {
		return fmt.Errorf("failed to load dm history: %w", err)
	}
	c.SendEvent(EventDMHistory, partner, history)

	if _, err := h.repo.MarkRead(ctx, c.UserID(), partner); err != nil {
		slog.Warn("Failed to mark messages read", "userId", c.UserID(), "partner", partner, "error", err)
	}
	return h.GetConversations(ctx, c, nil)
}

// SendDirectMessage persists a DM and pushes it to both endpoints. A block
// in either direction silently stops delivery to the counter-party without
// revealing itself: the sender still sees the echo.
func (h *Hub) SendDirectMessage(ctx context.Context, c types.ClientConn, args transport.Args) error {
	recipientID, err := args.String(0)
	if err != nil || recipientID == "" {
		c.SendEvent(EventDMError, "recipient id required")
		return nil
	}
	content, err := args.String(1)
	if err != nil || strings.TrimSpace(content) == "" {
		c.SendEvent(EventDMError, "message content cannot be empty")
		return nil
	}
	recipient := types.UserID(recipientID)
	if recipient == c.UserID() {
		c.SendEvent(EventDMError, "cannot message yourself")
		return nil
	}

	msg := &types.DirectMessage{
		ID:          types.MessageID(uuid.NewString()),
		SenderID:    c.UserID(),
		RecipientID: recipient,
		Content:     strings.TrimSpace(content),
		Timestamp:   time.Now().UTC(),
	}

	blocked := h.blockedBetween(ctx, c.UserID(), recipient)
	if !blocked {
		if err := h.repo.SaveDirectMessage(ctx, msg); err != nil {
			return fmt.Errorf("failed to persist direct message: %w", err)
		}
	}

	h.router.Broadcast(router.User(c.UserID()), EventReceiveDirectMessage, msg)
	if !blocked {
		h.router.Broadcast(router.User(recipient), EventReceiveDirectMessage, msg)
		h.pushConversations(ctx, recipient)
	}
	h.pushConversations(ctx, c.UserID())
	return nil
}

func (h *Hub) pushConversations(ctx context.Context, user types.UserID) {
	if !h.registry.IsOnline(user) {
		return
	}
	conversations, err := h.repo.Conversations(ctx, user)
	if err != nil {
		slog.Warn("Failed to refresh conversations", "userId", user, "error", err)
		return
	}
	h.router.Broadcast(router.User(user), EventConversations, conversations)
}

// MarkMessagesRead resets the unread counter for a thread and sends the
// partner a read receipt.
func (h *Hub) MarkMessagesRead(ctx context.Context, c types.ClientConn, args transport.Args) error {
	partnerID, err := args.String(0)
	if err != nil || partnerID == "" {
		c.SendEvent(EventDMError, "partner id required")
		return nil
	}
	partner := types.UserID(partnerID)

	marked, err := h.repo.MarkRead(ctx, c.UserID(), partner)
	if err != nil {
		return fmt.Errorf("failed to mark messages read: %w", err)
	}
	if marked > 0 {
		h.router.Broadcast(router.User(partner), EventMessagesRead, c.UserID(), marked)
	}
	h.pushConversations(ctx, c.UserID())
	return nil
}

// StartTypingDM notifies the partner's connections.
func (h *Hub) StartTypingDM(ctx context.Context, c types.ClientConn, args transport.Args) error {
	partnerID, err := args.String(0)
	if err != nil || partnerID == "" {
		return nil
	}
	if h.blockedBetween(ctx, c.UserID(), types.UserID(partnerID)) {
		return nil
	}
	h.router.Broadcast(router.User(types.UserID(partnerID)), EventDMTyping, c.UserID())
	return nil
}

// StopTypingDM clears the indicator.
func (h *Hub) StopTypingDM(ctx context.Context, c types.ClientConn, args transport.Args) error {
	partnerID, err := args.String(0)
	if err != nil || partnerID == "" {
		return nil
	}
	h.router.Broadcast(router.User(types.UserID(partnerID)), EventDMStoppedTyping, c.UserID())
	return nil
}
