package voice

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/yurtcord/realtime/internal/v1/metrics"
	"github.com/yurtcord/realtime/internal/v1/router"
	"github.com/yurtcord/realtime/internal/v1/transport"
	"github.com/yurtcord/realtime/internal/v1/types"
)

// roomParticipant is one member of a voice room, keyed by connection.
type roomParticipant struct {
	ConnID   types.ConnID `json:"connectionId"`
	UserID   types.UserID `json:"userId"`
	Username string       `json:"username"`
	Avatar   string       `json:"avatar,omitempty"`
	IsHost   bool         `json:"isHost"`
	JoinedAt time.Time    `json:"joinedAt"`
}

// voiceRoom is a first-class, discoverable audio space with an explicit
// lifecycle. Compound transitions (host transfer, close-on-empty) are
// atomic under the room lock.
type voiceRoom struct {
	mu               sync.Mutex
	ID               types.VoiceRoomID
	Name             string
	Description      string
	HostID           types.UserID
	IsPublic         bool
	passwordHash     []byte
	MaxParticipants  int
	Category         string
	AllowScreenShare bool
	CreatedAt        time.Time
	Active           bool
	Participants     map[types.ConnID]*roomParticipant
	joinOrder        []types.ConnID
	Moderators       map[types.UserID]bool
}

// roomDTO is the wire projection of a voice room. The password hash never
// leaves the server.
type roomDTO struct {
	ID               types.VoiceRoomID `json:"id"`
	Name             string            `json:"name"`
	Description      string            `json:"description,omitempty"`
	HostID           types.UserID      `json:"hostId"`
	IsPublic         bool              `json:"isPublic"`
	HasPassword      bool              `json:"hasPassword"`
	MaxParticipants  int               `json:"maxParticipants"`
	Category         string            `json:"category,omitempty"`
	AllowScreenShare bool              `json:"allowScreenShare"`
	CreatedAt        time.Time         `json:"createdAt"`
	IsActive         bool              `json:"isActive"`
	Participants     []roomParticipant `json:"participants"`
	Moderators       []types.UserID    `json:"moderators,omitempty"`
}

func (r *voiceRoom) dtoLocked() roomDTO {
	participants := make([]roomParticipant, 0, len(r.Participants))
	for _, id := range r.joinOrder {
		if p, ok := r.Participants[id]; ok {
			participants = append(participants, *p)
		}
	}
	moderators := make([]types.UserID, 0, len(r.Moderators))
	for uid := range r.Moderators {
		moderators = append(moderators, uid)
	}
	sort.Slice(moderators, func(i, j int) bool { return moderators[i] < moderators[j] })
	return roomDTO{
		ID:               r.ID,
		Name:             r.Name,
		Description:      r.Description,
		HostID:           r.HostID,
		IsPublic:         r.IsPublic,
		HasPassword:      len(r.passwordHash) > 0,
		MaxParticipants:  r.MaxParticipants,
		Category:         r.Category,
		AllowScreenShare: r.AllowScreenShare,
		CreatedAt:        r.CreatedAt,
		IsActive:         r.Active,
		Participants:     participants,
		Moderators:       moderators,
	}
}

func (h *Hub) room(id types.VoiceRoomID) (*voiceRoom, bool) {
	v, ok := h.rooms.Load(id)
	if !ok {
		return nil, false
	}
	return v.(*voiceRoom), true
}

// broadcastPublic pushes a room lifecycle event to every connected client.
func (h *Hub) broadcastPublic(event string, args ...any) {
	h.router.SendToConns(h.registry.AllConns(), event, args...)
}

type createRoomRequest struct {
	Name             string `json:"name"`
	Description      string `json:"description"`
	IsPublic         bool   `json:"isPublic"`
	Password         string `json:"password,omitempty"`
	MaxParticipants  int    `json:"maxParticipants"`
	Category         string `json:"category,omitempty"`
	AllowScreenShare bool   `json:"allowScreenShare"`
}

// CreateVoiceRoom creates a room with the caller as host. Passwords are
// stored as bcrypt hashes; the participant cap is clamped to the configured
// bounds. Public rooms are announced to everyone.
func (h *Hub) CreateVoiceRoom(ctx context.Context, c types.ClientConn, args transport.Args) error {
	var req createRoomRequest
	if err := args.Decode(0, &req); err != nil || strings.TrimSpace(req.Name) == "" {
		c.SendEvent(EventVoiceRoomError, "room name required")
		return nil
	}

	maxParticipants := req.MaxParticipants
	if maxParticipants < h.cfg.RoomMinParticipants {
		maxParticipants = h.cfg.RoomMinParticipants
	}
	if maxParticipants > h.cfg.RoomMaxParticipants {
		maxParticipants = h.cfg.RoomMaxParticipants
	}

	var passwordHash []byte
	if req.Password != "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
		if err != nil {
			return err
		}
		passwordHash = hash
	}

	// A connection occupies at most one room.
	h.leaveRoomFor(c, "Left the room")

	snap, _ := h.registry.Snapshot(c.UserID())
	host := &roomParticipant{
		ConnID:   c.ID(),
		UserID:   c.UserID(),
		Username: snap.Username,
		Avatar:   snap.AvatarURL,
		IsHost:   true,
		JoinedAt: time.Now().UTC(),
	}

	room := &voiceRoom{
		ID:               types.VoiceRoomID(uuid.NewString()),
		Name:             strings.TrimSpace(req.Name),
		Description:      req.Description,
		HostID:           c.UserID(),
		IsPublic:         req.IsPublic,
		passwordHash:     passwordHash,
		MaxParticipants:  maxParticipants,
		Category:         req.Category,
		AllowScreenShare: req.AllowScreenShare,
		CreatedAt:        time.Now().UTC(),
		Active:           true,
		Participants:     map[types.ConnID]*roomParticipant{c.ID(): host},
		joinOrder:        []types.ConnID{c.ID()},
		Moderators:       make(map[types.UserID]bool),
	}
	h.rooms.Store(room.ID, room)
	h.roomByConn.Store(c.ID(), room.ID)
	h.router.Join(router.Room(room.ID), c)
	metrics.ActiveVoiceRooms.Inc()

	room.mu.Lock()
	dto := room.dtoLocked()
	room.mu.Unlock()

	c.SendEvent(EventVoiceRoomJoined, dto)
	if room.IsPublic {
		h.broadcastPublic(EventVoiceRoomAdded, dto)
	}
	return nil
}

// JoinVoiceRoom adds the caller to a room, enforcing activity, capacity,
// and password under the room lock so a full room never over-admits.
func (h *Hub) JoinVoiceRoom(ctx context.Context, c types.ClientConn, args transport.Args) error {
	id, err := args.String(0)
	if err != nil || id == "" {
		c.SendEvent(EventVoiceRoomError, "room id required")
		return nil
	}
	password := args.OptionalString(1, "")

	room, ok := h.room(types.VoiceRoomID(id))
	if !ok {
		c.SendEvent(EventVoiceRoomError, "room not found")
		return nil
	}

	if v, inRoom := h.roomByConn.Load(c.ID()); inRoom {
		if v.(types.VoiceRoomID) == room.ID {
			c.SendEvent(EventVoiceRoomError, "already in this room")
			return nil
		}
		h.leaveRoomFor(c, "Left the room")
	}

	snap, _ := h.registry.Snapshot(c.UserID())
	p := &roomParticipant{
		ConnID:   c.ID(),
		UserID:   c.UserID(),
		Username: snap.Username,
		Avatar:   snap.AvatarURL,
		JoinedAt: time.Now().UTC(),
	}

	room.mu.Lock()
	if !room.Active {
		room.mu.Unlock()
		c.SendEvent(EventVoiceRoomError, "Room is not active")
		return nil
	}
	if _, already := room.Participants[c.ID()]; already {
		room.mu.Unlock()
		c.SendEvent(EventVoiceRoomError, "already in this room")
		return nil
	}
	if len(room.Participants) >= room.MaxParticipants {
		room.mu.Unlock()
		c.SendEvent(EventVoiceRoomError, "Room is full")
		return nil
	}
	if len(room.passwordHash) > 0 {
		if bcrypt.CompareHashAndPassword(room.passwordHash, []byte(password)) != nil {
			room.mu.Unlock()
			c.SendEvent(EventVoiceRoomError, "Incorrect password")
			return nil
		}
	}
	room.Participants[c.ID()] = p
	room.joinOrder = append(room.joinOrder, c.ID())
	dto := room.dtoLocked()
	isPublic := room.IsPublic
	room.mu.Unlock()

	h.roomByConn.Store(c.ID(), room.ID)
	h.router.Join(router.Room(room.ID), c)

	h.router.BroadcastExcept(router.Room(room.ID), c.ID(), EventVoiceRoomParticipantJoined, room.ID, *p)
	c.SendEvent(EventVoiceRoomJoined, dto)
	if isPublic {
		h.broadcastPublic(EventVoiceRoomUpdated, dto)
	}
	return nil
}

// LeaveVoiceRoom removes the caller, transferring the host role to the
// earliest-joined remaining participant or closing the room if none remain.
func (h *Hub) LeaveVoiceRoom(ctx context.Context, c types.ClientConn, args transport.Args) error {
	h.leaveRoomFor(c, "Left the room")
	return nil
}

// leaveRoomFor is the shared leave path for explicit leaves and disconnect
// teardown.
func (h *Hub) leaveRoomFor(c types.ClientConn, reason string) {
	v, loaded := h.roomByConn.LoadAndDelete(c.ID())
	if !loaded {
		return
	}
	room, ok := h.room(v.(types.VoiceRoomID))
	if !ok {
		return
	}

	room.mu.Lock()
	p, member := room.Participants[c.ID()]
	if !member {
		room.mu.Unlock()
		return
	}
	delete(room.Participants, c.ID())
	for i, id := range room.joinOrder {
		if id == c.ID() {
			room.joinOrder = append(room.joinOrder[:i], room.joinOrder[i+1:]...)
			break
		}
	}

	var (
		newHost *roomParticipant
		closed  bool
	)
	hostLeft := p.UserID == room.HostID
	if len(room.Participants) == 0 {
		room.Active = false
		closed = true
	} else if hostLeft {
		// Host transfer to the earliest-joined remaining participant.
		next := room.Participants[room.joinOrder[0]]
		next.IsHost = true
		room.HostID = next.UserID
		newHost = next
	}
	dto := room.dtoLocked()
	isPublic := room.IsPublic
	room.mu.Unlock()

	h.router.Leave(router.Room(room.ID), c.ID())

	if closed {
		h.rooms.Delete(room.ID)
		metrics.ActiveVoiceRooms.Dec()
		if isPublic {
			h.broadcastPublic(EventVoiceRoomRemoved, room.ID)
		}
		return
	}

	h.router.Broadcast(router.Room(room.ID), EventVoiceRoomParticipantLeft, room.ID, p.UserID, reason)
	if newHost != nil {
		h.router.Broadcast(router.Room(room.ID), EventVoiceRoomHostChanged, room.ID, newHost.UserID)
	}
	if isPublic {
		h.broadcastPublic(EventVoiceRoomUpdated, dto)
	}
}

// callerIsRoomAuthority checks host or moderator standing.
func (r *voiceRoom) callerIsRoomAuthorityLocked(uid types.UserID) bool {
	return uid == r.HostID || r.Moderators[uid]
}

// CloseVoiceRoom shuts a room down. Host or moderator only.
func (h *Hub) CloseVoiceRoom(ctx context.Context, c types.ClientConn, args transport.Args) error {
	id, err := args.String(0)
	if err != nil || id == "" {
		c.SendEvent(EventVoiceRoomError, "room id required")
		return nil
	}
	room, ok := h.room(types.VoiceRoomID(id))
	if !ok {
		c.SendEvent(EventVoiceRoomError, "room not found")
		return nil
	}

	room.mu.Lock()
	if !room.callerIsRoomAuthorityLocked(c.UserID()) {
		room.mu.Unlock()
		c.SendEvent(EventVoiceRoomError, "only the host can close the room")
		return nil
	}
	room.Active = false
	members := make([]types.ConnID, 0, len(room.Participants))
	for connID := range room.Participants {
		members = append(members, connID)
	}
	room.Participants = make(map[types.ConnID]*roomParticipant)
	room.joinOrder = nil
	isPublic := room.IsPublic
	room.mu.Unlock()

	h.rooms.Delete(room.ID)
	metrics.ActiveVoiceRooms.Dec()

	h.router.Broadcast(router.Room(room.ID), EventVoiceRoomRemoved, room.ID)
	for _, connID := range members {
		h.roomByConn.Delete(connID)
		h.router.Leave(router.Room(room.ID), connID)
	}
	if isPublic {
		h.broadcastPublic(EventVoiceRoomRemoved, room.ID)
	}
	return nil
}

// KickFromVoiceRoom ejects a participant. Host or moderator only.
func (h *Hub) KickFromVoiceRoom(ctx context.Context, c types.ClientConn, args transport.Args) error {
	id, err := args.String(0)
	if err != nil || id == "" {
		c.SendEvent(EventVoiceRoomError, "room id required")
		return nil
	}
	targetID, err := args.String(1)
	if err != nil || targetID == "" {
		c.SendEvent(EventVoiceRoomError, "target user id required")
		return nil
	}
	room, ok := h.room(types.VoiceRoomID(id))
	if !ok {
		c.SendEvent(EventVoiceRoomError, "room not found")
		return nil
	}
	target := types.UserID(targetID)

	room.mu.Lock()
	if !room.callerIsRoomAuthorityLocked(c.UserID()) {
		room.mu.Unlock()
		c.SendEvent(EventVoiceRoomError, "insufficient role")
		return nil
	}
	if target == room.HostID {
		room.mu.Unlock()
		c.SendEvent(EventVoiceRoomError, "cannot kick the host")
		return nil
	}
	var kicked []types.ClientConn
	for connID, p := range room.Participants {
		if p.UserID == target {
			if conn, exists := h.registry.Conn(connID); exists {
				kicked = append(kicked, conn)
			}
		}
	}
	room.mu.Unlock()

	if len(kicked) == 0 {
		c.SendEvent(EventVoiceRoomError, "user is not in the room")
		return nil
	}
	for _, conn := range kicked {
		conn.SendEvent(EventKickedFromVoiceRoom, room.ID)
		h.leaveRoomFor(conn, "Kicked from the room")
	}
	return nil
}

// PromoteToModerator grants a participant the moderator role. Host only.
func (h *Hub) PromoteToModerator(ctx context.Context, c types.ClientConn, args transport.Args) error {
	id, err := args.String(0)
	if err != nil || id == "" {
		c.SendEvent(EventVoiceRoomError, "room id required")
		return nil
	}
	targetID, err := args.String(1)
	if err != nil || targetID == "" {
		c.SendEvent(EventVoiceRoomError, "target user id required")
		return nil
	}
	room, ok := h.room(types.VoiceRoomID(id))
	if !ok {
		c.SendEvent(EventVoiceRoomError, "room not found")
		return nil
	}
	target := types.UserID(targetID)

	room.mu.Lock()
	if c.UserID() != room.HostID {
		room.mu.Unlock()
		c.SendEvent(EventVoiceRoomError, "only the host can promote moderators")
		return nil
	}
	inRoom := false
	for _, p := range room.Participants {
		if p.UserID == target {
			inRoom = true
			break
		}
	}
	if !inRoom {
		room.mu.Unlock()
		c.SendEvent(EventVoiceRoomError, "user is not in the room")
		return nil
	}
	room.Moderators[target] = true
	room.mu.Unlock()

	h.router.Broadcast(router.Room(room.ID), EventVoiceRoomModeratorAdded, room.ID, target)
	return nil
}

// GetPublicVoiceRooms returns a page of public rooms ordered by participant
// count, then creation time.
func (h *Hub) GetPublicVoiceRooms(ctx context.Context, c types.ClientConn, args transport.Args) error {
	category := args.OptionalString(0, "")
	query := strings.ToLower(args.OptionalString(1, ""))
	page, err := args.Int(2)
	if err != nil || page < 1 {
		page = 1
	}
	pageSize, err := args.Int(3)
	if err != nil || pageSize < 1 || pageSize > 100 {
		pageSize = 20
	}

	var all []roomDTO
	h.rooms.Range(func(_, v any) bool {
		room := v.(*voiceRoom)
		room.mu.Lock()
		if room.Active && room.IsPublic {
			dto := room.dtoLocked()
			if (category == "" || dto.Category == category) &&
				(query == "" || strings.Contains(strings.ToLower(dto.Name), query)) {
				all = append(all, dto)
			}
		}
		room.mu.Unlock()
		return true
	})

	sort.Slice(all, func(i, j int) bool {
		if len(all[i].Participants) != len(all[j].Participants) {
			return len(all[i].Participants) > len(all[j].Participants)
		}
		return all[i].CreatedAt.Before(all[j].CreatedAt)
	})

	total := len(all)
	start := (page - 1) * pageSize
	if start > total {
		start = total
	}
	end := start + pageSize
	if end > total {
		end = total
	}

	c.SendEvent(EventPublicVoiceRooms, all[start:end], page, pageSize, total)
	return nil
}
