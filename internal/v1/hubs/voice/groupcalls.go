package voice

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/yurtcord/realtime/internal/v1/metrics"
	"github.com/yurtcord/realtime/internal/v1/router"
	"github.com/yurtcord/realtime/internal/v1/transport"
	"github.com/yurtcord/realtime/internal/v1/types"
)

// GroupCallStatus is the group call lifecycle.
type GroupCallStatus string

const (
	GroupCallStarting GroupCallStatus = "starting"
	GroupCallActive   GroupCallStatus = "active"
	GroupCallDone     GroupCallStatus = "ended"
)

// groupParticipant is one member of a group call.
type groupParticipant struct {
	UserID   types.UserID `json:"userId"`
	Username string       `json:"username"`
	Avatar   string       `json:"avatar,omitempty"`
	ConnID   types.ConnID `json:"connectionId"`
	Speaking bool         `json:"speaking"`
	Level    float64      `json:"level"`
	Muted    bool         `json:"muted"`
	Deafened bool         `json:"deafened"`
}

// groupCall is one N-way call. Mutations happen under its own lock.
type groupCall struct {
	mu           sync.Mutex
	ID           types.CallID
	HostID       types.UserID
	Name         string
	Status       GroupCallStatus
	Participants map[types.UserID]*groupParticipant
	Invited      map[types.UserID]bool
	CreatedAt    time.Time
}

// groupCallDTO is the wire projection of a group call.
type groupCallDTO struct {
	ID           types.CallID       `json:"id"`
	HostID       types.UserID       `json:"hostId"`
	Name         string             `json:"name"`
	Status       GroupCallStatus    `json:"status"`
	Participants []groupParticipant `json:"participants"`
	CreatedAt    time.Time          `json:"createdAt"`
}

func (g *groupCall) dtoLocked() groupCallDTO {
	participants := make([]groupParticipant, 0, len(g.Participants))
	for _, p := range g.Participants {
		participants = append(participants, *p)
	}
	return groupCallDTO{
		ID:           g.ID,
		HostID:       g.HostID,
		Name:         g.Name,
		Status:       g.Status,
		Participants: participants,
		CreatedAt:    g.CreatedAt,
	}
}

func (h *Hub) groupCall(id types.CallID) (*groupCall, bool) {
	v, ok := h.groupCalls.Load(id)
	if !ok {
		return nil, false
	}
	return v.(*groupCall), true
}

func (h *Hub) participantFor(c types.ClientConn) *groupParticipant {
	snap, _ := h.registry.Snapshot(c.UserID())
	return &groupParticipant{
		UserID:   c.UserID(),
		Username: snap.Username,
		Avatar:   snap.AvatarURL,
		ConnID:   c.ID(),
	}
}

// StartGroupCall creates a Starting call with the host as sole participant
// and invites every online invitee exactly once.
func (h *Hub) StartGroupCall(ctx context.Context, c types.ClientConn, args transport.Args) error {
	name, err := args.String(0)
	if err != nil || name == "" {
		c.SendEvent(EventGroupCallError, "call name required")
		return nil
	}
	var invited []types.UserID
	if err := args.Decode(1, &invited); err != nil {
		c.SendEvent(EventGroupCallError, "invitee list required")
		return nil
	}

	g := &groupCall{
		ID:           types.CallID(uuid.NewString()),
		HostID:       c.UserID(),
		Name:         name,
		Status:       GroupCallStarting,
		Participants: map[types.UserID]*groupParticipant{c.UserID(): h.participantFor(c)},
		Invited:      make(map[types.UserID]bool),
		CreatedAt:    time.Now().UTC(),
	}
	h.groupCalls.Store(g.ID, g)
	metrics.ActiveGroupCalls.Inc()
	h.router.Join(router.GroupCall(g.ID), c)

	g.mu.Lock()
	dto := g.dtoLocked()
	for _, uid := range invited {
		if uid == c.UserID() || g.Invited[uid] {
			continue
		}
		g.Invited[uid] = true
	}
	invitees := make([]types.UserID, 0, len(g.Invited))
	for uid := range g.Invited {
		invitees = append(invitees, uid)
	}
	g.mu.Unlock()

	c.SendEvent(EventGroupCallUpdated, dto)
	for _, uid := range invitees {
		if h.registry.IsOnline(uid) {
			h.router.Broadcast(router.User(uid), EventGroupCallInvite, dto)
		}
	}
	return nil
}

// JoinGroupCall adds the caller; the first join flips Starting to Active.
func (h *Hub) JoinGroupCall(ctx context.Context, c types.ClientConn, args transport.Args) error {
	id, err := args.String(0)
	if err != nil || id == "" {
		c.SendEvent(EventGroupCallError, "call id required")
		return nil
	}
	g, ok := h.groupCall(types.CallID(id))
	if !ok {
		c.SendEvent(EventGroupCallError, "group call not found")
		return nil
	}

	p := h.participantFor(c)

	g.mu.Lock()
	if g.Status == GroupCallDone {
		g.mu.Unlock()
		c.SendEvent(EventGroupCallError, "group call has ended")
		return nil
	}
	if g.Status == GroupCallStarting {
		g.Status = GroupCallActive
	}
	g.Participants[c.UserID()] = p
	dto := g.dtoLocked()
	g.mu.Unlock()

	h.router.Join(router.GroupCall(g.ID), c)
	h.router.BroadcastExcept(router.GroupCall(g.ID), c.ID(), EventGroupCallParticipantJoined, *p)
	h.router.Broadcast(router.GroupCall(g.ID), EventGroupCallUpdated, dto)
	return nil
}

// LeaveGroupCall removes the caller. If the host leaves or the call
// empties, the call ends for everyone.
func (h *Hub) LeaveGroupCall(ctx context.Context, c types.ClientConn, args transport.Args) error {
	id, err := args.String(0)
	if err != nil || id == "" {
		c.SendEvent(EventGroupCallError, "call id required")
		return nil
	}
	h.leaveGroupCall(types.CallID(id), c, "Host left the call")
	return nil
}

func (h *Hub) leaveGroupCall(id types.CallID, c types.ClientConn, hostLeftReason string) {
	g, ok := h.groupCall(id)
	if !ok {
		return
	}

	g.mu.Lock()
	p, member := g.Participants[c.UserID()]
	if !member || p.ConnID != c.ID() {
		g.mu.Unlock()
		return
	}
	delete(g.Participants, c.UserID())
	hostLeft := c.UserID() == g.HostID
	empty := len(g.Participants) == 0
	if hostLeft || empty {
		g.Status = GroupCallDone
	}
	dto := g.dtoLocked()
	g.mu.Unlock()

	if hostLeft || empty {
		reason := hostLeftReason
		if !hostLeft {
			reason = "Call is empty"
		}
		h.groupCalls.Delete(id)
		metrics.ActiveGroupCalls.Dec()
		h.router.Broadcast(router.GroupCall(id), EventGroupCallEnded, id, reason)
		for _, member := range h.router.Members(router.GroupCall(id)) {
			h.router.Leave(router.GroupCall(id), member.ID())
		}
		return
	}

	h.router.Leave(router.GroupCall(id), c.ID())
	h.router.Broadcast(router.GroupCall(id), EventGroupCallParticipantLeft, c.UserID())
	h.router.Broadcast(router.GroupCall(id), EventGroupCallUpdated, dto)
}

// leaveGroupCallsFor tears down group call membership on disconnect.
func (h *Hub) leaveGroupCallsFor(c types.ClientConn) {
	if c.UserID() == "" {
		return
	}
	var ids []types.CallID
	h.groupCalls.Range(func(key, v any) bool {
		g := v.(*groupCall)
		g.mu.Lock()
		if p, ok := g.Participants[c.UserID()]; ok && p.ConnID == c.ID() {
			ids = append(ids, key.(types.CallID))
		}
		g.mu.Unlock()
		return true
	})
	for _, id := range ids {
		h.leaveGroupCall(id, c, "Host left the call")
	}
}

// InviteToGroupCall lets a participant pull another user in.
func (h *Hub) InviteToGroupCall(ctx context.Context, c types.ClientConn, args transport.Args) error {
	id, err := args.String(0)
	if err != nil || id == "" {
		c.SendEvent(EventGroupCallError, "call id required")
		return nil
	}
	targetID, err := args.String(1)
	if err != nil || targetID == "" {
		c.SendEvent(EventGroupCallError, "target user id required")
		return nil
	}
	g, ok := h.groupCall(types.CallID(id))
	if !ok {
		c.SendEvent(EventGroupCallError, "group call not found")
		return nil
	}
	target := types.UserID(targetID)

	g.mu.Lock()
	if _, member := g.Participants[c.UserID()]; !member {
		g.mu.Unlock()
		c.SendEvent(EventGroupCallError, "only participants can invite")
		return nil
	}
	alreadyInvited := g.Invited[target]
	g.Invited[target] = true
	dto := g.dtoLocked()
	g.mu.Unlock()

	if !alreadyInvited && h.registry.IsOnline(target) {
		h.router.Broadcast(router.User(target), EventGroupCallInvite, dto)
	}
	return nil
}

// DeclineGroupCall tells the host an invitee is not coming.
func (h *Hub) DeclineGroupCall(ctx context.Context, c types.ClientConn, args transport.Args) error {
	id, err := args.String(0)
	if err != nil || id == "" {
		return nil
	}
	g, ok := h.groupCall(types.CallID(id))
	if !ok {
		return nil
	}

	g.mu.Lock()
	invited := g.Invited[c.UserID()]
	delete(g.Invited, c.UserID())
	host := g.HostID
	g.mu.Unlock()

	if invited {
		h.router.Broadcast(router.User(host), EventGroupCallInviteDeclined, g.ID, c.UserID())
	}
	return nil
}

// groupCallMember checks that the sender is a live participant.
func (h *Hub) groupCallMember(id types.CallID, c types.ClientConn) bool {
	g, ok := h.groupCall(id)
	if !ok {
		return false
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	p, member := g.Participants[c.UserID()]
	return member && p.ConnID == c.ID() && g.Status == GroupCallActive
}

// SendGroupCallAudio relays audio to the other participants.
func (h *Hub) SendGroupCallAudio(ctx context.Context, c types.ClientConn, args transport.Args) error {
	id, err := args.String(0)
	if err != nil || id == "" {
		return nil
	}
	payload, err := args.Bytes(1)
	if err != nil || len(payload) == 0 {
		return nil
	}
	if !h.groupCallMember(types.CallID(id), c) {
		return nil
	}
	h.router.BroadcastMedia(router.GroupCall(types.CallID(id)), c.ID(), types.FrameAudio, EventReceiveGroupCallAudio, id, c.ID(), payload)
	return nil
}

// SendGroupCallSpeakingState relays a speaking delta to the others.
func (h *Hub) SendGroupCallSpeakingState(ctx context.Context, c types.ClientConn, args transport.Args) error {
	id, err := args.String(0)
	if err != nil || id == "" {
		return nil
	}
	speaking, _ := args.Bool(1)
	level, _ := args.Float(2)
	callID := types.CallID(id)
	if !h.groupCallMember(callID, c) {
		return nil
	}

	if g, ok := h.groupCall(callID); ok {
		g.mu.Lock()
		if p, member := g.Participants[c.UserID()]; member {
			p.Speaking = speaking
			p.Level = level
		}
		g.mu.Unlock()
	}
	h.router.BroadcastExcept(router.GroupCall(callID), c.ID(), EventGroupCallSpeakingChanged, c.UserID(), speaking, level)
	return nil
}
