package repository

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/yurtcord/realtime/internal/v1/types"
)

// Memory is the in-memory Repository used by tests and by development
// deployments without a database. All methods are safe for concurrent use.
type Memory struct {
	mu sync.RWMutex

	messages      map[types.MessageID]*types.ChatMessage
	channelOrder  map[string][]types.MessageID
	friendships   map[types.FriendshipID]*types.Friendship
	dms           []*types.DirectMessage
	notifications map[types.NotificationID]*types.Notification
	users         map[types.UserID]types.UserSnapshot
	auctionOwners map[string]types.UserID
}

func NewMemory() *Memory {
	return &Memory{
		messages:      make(map[types.MessageID]*types.ChatMessage),
		channelOrder:  make(map[string][]types.MessageID),
		friendships:   make(map[types.FriendshipID]*types.Friendship),
		notifications: make(map[types.NotificationID]*types.Notification),
		users:         make(map[types.UserID]types.UserSnapshot),
		auctionOwners: make(map[string]types.UserID),
	}
}

// --- Messages ---

func (m *Memory) SaveMessage(ctx context.Context, msg *types.ChatMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *msg
	m.messages[msg.ID] = &cp
	m.channelOrder[msg.Channel] = append(m.channelOrder[msg.Channel], msg.ID)
	return nil
}

func (m *Memory) GetMessage(ctx context.Context, id types.MessageID) (*types.ChatMessage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	msg, ok := m.messages[id]
	if !ok {
		return nil, types.ErrNotFound
	}
	cp := *msg
	return &cp, nil
}

func (m *Memory) UpdateMessage(ctx context.Context, msg *types.ChatMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.messages[msg.ID]; !ok {
		return types.ErrNotFound
	}
	cp := *msg
	m.messages[msg.ID] = &cp
	return nil
}

func (m *Memory) DeleteMessage(ctx context.Context, id types.MessageID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.messages[id]
	if !ok {
		return types.ErrNotFound
	}
	delete(m.messages, id)
	order := m.channelOrder[msg.Channel]
	for i, mid := range order {
		if mid == id {
			m.channelOrder[msg.Channel] = append(order[:i], order[i+1:]...)
			break
		}
	}
	return nil
}

func (m *Memory) ChannelHistory(ctx context.Context, channel string, limit int) ([]types.ChatMessage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	order := m.channelOrder[channel]
	start := 0
	if limit > 0 && len(order) > limit {
		start = len(order) - limit
	}
	out := make([]types.ChatMessage, 0, len(order)-start)
	for _, id := range order[start:] {
		if msg, ok := m.messages[id]; ok {
			out = append(out, *msg)
		}
	}
	return out, nil
}

func (m *Memory) AddReaction(ctx context.Context, id types.MessageID, emoji string, user types.UserID) (*types.ChatMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.messages[id]
	if !ok {
		return nil, types.ErrNotFound
	}
	if msg.Reactions == nil {
		msg.Reactions = make(map[string]types.Reaction)
	}
	r := msg.Reactions[emoji]
	r.Emoji = emoji
	for _, uid := range r.UserIDs {
		if uid == user {
			cp := *msg
			return &cp, nil // at most one reaction per (user, message, emoji)
		}
	}
	r.UserIDs = append(r.UserIDs, user)
	r.Count = len(r.UserIDs)
	msg.Reactions[emoji] = r
	cp := *msg
	return &cp, nil
}

func (m *Memory) RemoveReaction(ctx context.Context, id types.MessageID, emoji string, user types.UserID) (*types.ChatMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.messages[id]
	if !ok {
		return nil, types.ErrNotFound
	}
	r, ok := msg.Reactions[emoji]
	if !ok {
		cp := *msg
		return &cp, nil
	}
	for i, uid := range r.UserIDs {
		if uid == user {
			r.UserIDs = append(r.UserIDs[:i], r.UserIDs[i+1:]...)
			break
		}
	}
	r.Count = len(r.UserIDs)
	if r.Count == 0 {
		delete(msg.Reactions, emoji)
	} else {
		msg.Reactions[emoji] = r
	}
	cp := *msg
	return &cp, nil
}

// --- Friendships ---

func pairKey(a, b types.UserID) string {
	if a > b {
		a, b = b, a
	}
	return string(a) + "|" + string(b)
}

func (m *Memory) CreateFriendship(ctx context.Context, f *types.Friendship) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := pairKey(f.RequesterID, f.AddresseeID)
	for _, existing := range m.friendships {
		if pairKey(existing.RequesterID, existing.AddresseeID) == key && !existing.Status.Terminal() {
			return types.ErrDuplicate
		}
	}
	cp := *f
	m.friendships[f.ID] = &cp
	return nil
}

func (m *Memory) GetFriendship(ctx context.Context, id types.FriendshipID) (*types.Friendship, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	f, ok := m.friendships[id]
	if !ok {
		return nil, types.ErrNotFound
	}
	cp := *f
	return &cp, nil
}

func (m *Memory) UpdateFriendship(ctx context.Context, f *types.Friendship) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.friendships[f.ID]; !ok {
		return types.ErrNotFound
	}
	cp := *f
	cp.UpdatedAt = time.Now().UTC()
	m.friendships[f.ID] = &cp
	return nil
}

func (m *Memory) DeleteFriendship(ctx context.Context, id types.FriendshipID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.friendships[id]; !ok {
		return types.ErrNotFound
	}
	delete(m.friendships, id)
	return nil
}

func (m *Memory) FriendshipsOf(ctx context.Context, user types.UserID) ([]types.Friendship, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []types.Friendship
	for _, f := range m.friendships {
		if (f.RequesterID == user || f.AddresseeID == user) && !f.Status.Terminal() {
			out = append(out, *f)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) FriendshipBetween(ctx context.Context, a, b types.UserID) (*types.Friendship, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	key := pairKey(a, b)
	for _, f := range m.friendships {
		if pairKey(f.RequesterID, f.AddresseeID) == key && !f.Status.Terminal() {
			cp := *f
			return &cp, nil
		}
	}
	return nil, types.ErrNotFound
}

func (m *Memory) BlockedUserIDs(ctx context.Context, user types.UserID) ([]types.UserID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []types.UserID
	for _, f := range m.friendships {
		if f.Status == types.FriendshipBlocked && f.RequesterID == user {
			out = append(out, f.AddresseeID)
		}
	}
	return out, nil
}

// --- Direct Messages ---

func (m *Memory) SaveDirectMessage(ctx context.Context, msg *types.DirectMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *msg
	m.dms = append(m.dms, &cp)
	return nil
}

func (m *Memory) DMHistory(ctx context.Context, a, b types.UserID, limit int) ([]types.DirectMessage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []types.DirectMessage
	for _, msg := range m.dms {
		if (msg.SenderID == a && msg.RecipientID == b) || (msg.SenderID == b && msg.RecipientID == a) {
			out = append(out, *msg)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (m *Memory) Conversations(ctx context.Context, user types.UserID) ([]types.Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	byPartner := make(map[types.UserID]*types.Conversation)
	for _, msg := range m.dms {
		var partner types.UserID
		switch user {
		case msg.SenderID:
			partner = msg.RecipientID
		case msg.RecipientID:
			partner = msg.SenderID
		default:
			continue
		}
		conv, ok := byPartner[partner]
		if !ok {
			conv = &types.Conversation{PartnerID: partner}
			if snap, exists := m.users[partner]; exists {
				conv.PartnerName = snap.Username
			}
			byPartner[partner] = conv
		}
		if !msg.Timestamp.Before(conv.LastAt) {
			conv.LastAt = msg.Timestamp
			conv.LastMessage = msg.Content
		}
		if msg.RecipientID == user && msg.ReadAt == nil {
			conv.Unread++
		}
	}
	out := make([]types.Conversation, 0, len(byPartner))
	for _, c := range byPartner {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastAt.After(out[j].LastAt) })
	return out, nil
}

func (m *Memory) MarkRead(ctx context.Context, reader, partner types.UserID) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	marked := 0
	for _, msg := range m.dms {
		if msg.SenderID == partner && msg.RecipientID == reader && msg.ReadAt == nil {
			msg.ReadAt = &now
			marked++
		}
	}
	return marked, nil
}

// --- Notifications ---

func (m *Memory) SaveNotification(ctx context.Context, n *types.Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *n
	m.notifications[n.ID] = &cp
	return nil
}

func (m *Memory) Notifications(ctx context.Context, user types.UserID, unreadOnly bool, page, pageSize int) ([]types.Notification, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var all []types.Notification
	for _, n := range m.notifications {
		if n.RecipientID != user {
			continue
		}
		if unreadOnly && n.ReadAt != nil {
			continue
		}
		all = append(all, *n)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })
	return paginate(all, page, pageSize), nil
}

func paginate[T any](items []T, page, pageSize int) []T {
	if pageSize <= 0 {
		pageSize = 20
	}
	if page < 1 {
		page = 1
	}
	start := (page - 1) * pageSize
	if start >= len(items) {
		return nil
	}
	end := start + pageSize
	if end > len(items) {
		end = len(items)
	}
	return items[start:end]
}

func (m *Memory) MarkNotificationRead(ctx context.Context, user types.UserID, id types.NotificationID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.notifications[id]
	if !ok || n.RecipientID != user {
		return types.ErrNotFound
	}
	if n.ReadAt == nil {
		now := time.Now().UTC()
		n.ReadAt = &now
	}
	return nil
}

func (m *Memory) MarkAllNotificationsRead(ctx context.Context, user types.UserID) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	marked := 0
	for _, n := range m.notifications {
		if n.RecipientID == user && n.ReadAt == nil {
			n.ReadAt = &now
			marked++
		}
	}
	return marked, nil
}

func (m *Memory) DeleteNotification(ctx context.Context, user types.UserID, id types.NotificationID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.notifications[id]
	if !ok || n.RecipientID != user {
		return types.ErrNotFound
	}
	delete(m.notifications, id)
	return nil
}

func (m *Memory) UnreadNotificationCount(ctx context.Context, user types.UserID) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, n := range m.notifications {
		if n.RecipientID == user && n.ReadAt == nil {
			count++
		}
	}
	return count, nil
}

// --- Users ---

func (m *Memory) UpsertUser(ctx context.Context, u types.UserSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[u.ID] = u
	return nil
}

func (m *Memory) SearchUsers(ctx context.Context, query string, limit int) ([]types.UserSnapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	q := strings.ToLower(query)
	var out []types.UserSnapshot
	for _, u := range m.users {
		if string(u.ID) == query || strings.Contains(strings.ToLower(u.Username), q) {
			out = append(out, u)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// --- Catalog ---

// SetAuctionOwner seeds the auction table. Production deployments resolve
// owners from the marketplace database instead.
func (m *Memory) SetAuctionOwner(auctionID string, owner types.UserID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.auctionOwners[auctionID] = owner
}

func (m *Memory) AuctionOwner(ctx context.Context, auctionID string) (types.UserID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	owner, ok := m.auctionOwners[auctionID]
	if !ok {
		return "", types.ErrNotFound
	}
	return owner, nil
}
