package voice

import (
	"context"
	"sort"
	"sync"

	"github.com/yurtcord/realtime/internal/v1/metrics"
	"github.com/yurtcord/realtime/internal/v1/router"
	"github.com/yurtcord/realtime/internal/v1/transport"
	"github.com/yurtcord/realtime/internal/v1/types"
)

// VoiceParticipant is the per-connection state inside a voice channel.
type VoiceParticipant struct {
	ConnID        types.ConnID `json:"connectionId"`
	UserID        types.UserID `json:"userId"`
	Username      string       `json:"username"`
	Avatar        string       `json:"avatar,omitempty"`
	Muted         bool         `json:"muted"`
	Deafened      bool         `json:"deafened"`
	Speaking      bool         `json:"speaking"`
	AudioLevel    float64      `json:"audioLevel"`
	ScreenSharing bool         `json:"screenSharing"`
}

// voiceChannel holds one channel's participant map. Created on first join,
// removed when the last participant leaves.
type voiceChannel struct {
	mu           sync.RWMutex
	id           string
	participants map[types.ConnID]*VoiceParticipant
	dead         bool
}

func (vc *voiceChannel) snapshot() []VoiceParticipant {
	vc.mu.RLock()
	defer vc.mu.RUnlock()
	out := make([]VoiceParticipant, 0, len(vc.participants))
	for _, p := range vc.participants {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ConnID < out[j].ConnID })
	return out
}

// channelOf resolves the voice channel a connection is in.
func (h *Hub) channelOf(connID types.ConnID) (*voiceChannel, bool) {
	v, ok := h.byConn.Load(connID)
	if !ok {
		return nil, false
	}
	cv, ok := h.channels.Load(v.(string))
	if !ok {
		return nil, false
	}
	return cv.(*voiceChannel), true
}

// JoinVoiceChannel adds the caller to a voice channel, announces the join
// to the other participants, and returns the current participant list to
// the joiner.
func (h *Hub) JoinVoiceChannel(ctx context.Context, c types.ClientConn, args transport.Args) error {
	channelID, err := args.String(0)
	if err != nil || channelID == "" {
		c.SendEvent(EventVoiceError, "channel id required")
		return nil
	}
	// The wire contract carries (channelId, userId, username, avatar); the
	// identity must match the authenticated connection.
	if claimed := args.OptionalString(1, string(c.UserID())); claimed != string(c.UserID()) {
		c.SendEvent(EventVoiceError, "user id does not match connection")
		return nil
	}
	snap, _ := h.registry.Snapshot(c.UserID())
	username := args.OptionalString(2, snap.Username)
	avatar := args.OptionalString(3, snap.AvatarURL)

	// A connection is in at most one voice channel.
	h.leaveVoiceChannelFor(c)

	participant := &VoiceParticipant{
		ConnID:   c.ID(),
		UserID:   c.UserID(),
		Username: username,
		Avatar:   avatar,
	}

	var joined *voiceChannel
	for {
		v, _ := h.channels.LoadOrStore(channelID, &voiceChannel{id: channelID, participants: make(map[types.ConnID]*VoiceParticipant)})
		vc := v.(*voiceChannel)
		vc.mu.Lock()
		if vc.dead {
			vc.mu.Unlock()
			continue
		}
		vc.participants[c.ID()] = participant
		count := len(vc.participants)
		vc.mu.Unlock()
		metrics.VoiceChannelParticipants.WithLabelValues(channelID).Set(float64(count))
		joined = vc
		break
	}
	h.byConn.Store(c.ID(), channelID)
	h.router.Join(router.Voice(channelID), c)

	h.router.BroadcastExcept(router.Voice(channelID), c.ID(), EventUserJoinedVoice, *participant)
	c.SendEvent(EventVoiceChannelUsers, channelID, joined.snapshot())
	return nil
}

// LeaveVoiceChannel removes the caller from its voice channel.
func (h *Hub) LeaveVoiceChannel(ctx context.Context, c types.ClientConn, args transport.Args) error {
	h.stopScreenShareFor(c.ID(), true)
	h.leaveVoiceChannelFor(c)
	return nil
}

// leaveVoiceChannelFor removes a connection from its channel, announces the
// leave, and GCs the channel map when it empties.
func (h *Hub) leaveVoiceChannelFor(c types.ClientConn) {
	v, loaded := h.byConn.LoadAndDelete(c.ID())
	if !loaded {
		return
	}
	channelID := v.(string)
	cv, ok := h.channels.Load(channelID)
	if !ok {
		return
	}
	vc := cv.(*voiceChannel)

	vc.mu.Lock()
	delete(vc.participants, c.ID())
	remaining := len(vc.participants)
	if remaining == 0 && !vc.dead {
		vc.dead = true
		h.channels.Delete(channelID)
	}
	vc.mu.Unlock()

	if remaining > 0 {
		metrics.VoiceChannelParticipants.WithLabelValues(channelID).Set(float64(remaining))
	} else {
		metrics.VoiceChannelParticipants.DeleteLabelValues(channelID)
	}

	h.router.Leave(router.Voice(channelID), c.ID())
	h.router.Broadcast(router.Voice(channelID), EventUserLeftVoice, c.ID(), c.UserID())
}

// UpdateVoiceState broadcasts a mute/deafen delta to the channel.
func (h *Hub) UpdateVoiceState(ctx context.Context, c types.ClientConn, args transport.Args) error {
	muted, err := args.Bool(0)
	if err != nil {
		c.SendEvent(EventVoiceError, "muted flag required")
		return nil
	}
	deafened, err := args.Bool(1)
	if err != nil {
		c.SendEvent(EventVoiceError, "deafened flag required")
		return nil
	}

	vc, ok := h.channelOf(c.ID())
	if !ok {
		c.SendEvent(EventVoiceError, "not in a voice channel")
		return nil
	}

	vc.mu.Lock()
	if p, exists := vc.participants[c.ID()]; exists {
		p.Muted = muted
		p.Deafened = deafened
	}
	vc.mu.Unlock()

	h.router.Broadcast(router.Voice(vc.id), EventUserVoiceStateChanged, c.ID(), muted, deafened)
	return nil
}

// UpdateSpeakingState broadcasts a speaking delta to the *other*
// participants only; the speaker already knows.
func (h *Hub) UpdateSpeakingState(ctx context.Context, c types.ClientConn, args transport.Args) error {
	speaking, err := args.Bool(0)
	if err != nil {
		return nil
	}
	level, _ := args.Float(1)

	vc, ok := h.channelOf(c.ID())
	if !ok {
		return nil
	}

	vc.mu.Lock()
	if p, exists := vc.participants[c.ID()]; exists {
		p.Speaking = speaking
		p.AudioLevel = level
	}
	vc.mu.Unlock()

	h.router.BroadcastExcept(router.Voice(vc.id), c.ID(), EventUserSpeakingChanged, c.ID(), speaking, level)
	return nil
}

// SendAudio relays a raw audio payload to the other channel participants.
// Muted senders are dropped silently; the sender never hears itself.
func (h *Hub) SendAudio(ctx context.Context, c types.ClientConn, args transport.Args) error {
	payload, err := args.Bytes(0)
	if err != nil || len(payload) == 0 {
		return nil
	}

	vc, ok := h.channelOf(c.ID())
	if !ok {
		return nil
	}

	vc.mu.RLock()
	p, exists := vc.participants[c.ID()]
	muted := exists && p.Muted
	vc.mu.RUnlock()
	if !exists || muted {
		return nil
	}

	h.router.BroadcastMedia(router.Voice(vc.id), c.ID(), types.FrameAudio, EventReceiveAudio, c.ID(), payload)
	return nil
}
