// Package voice implements the voice hub, the largest hub in the fabric:
// voice channel membership and audio relay, screen share with bandwidth
// throttling and viewer tracking, first-class voice rooms, the 1:1 call
// state machine, N-way group calls, and WebRTC signalling pass-through.
//
// State Layout:
// Every registry in this package is a keyed concurrent map; per-entity
// locks keep audio relay on one channel from contending with another.
// Compound transitions (host transfer, last-leave close, call answer) are
// atomic under the owning entity's lock; broadcasts happen after release.
//
// Disconnect Teardown (order matters):
//  1. stop any screen share and notify the channel
//  2. drop the connection from every viewer set
//  3. purge quality prefs and bandwidth buckets
//  4. leave the voice channel, GC'ing it when empty
//  5. voice-room host transfer or close
//  6. end any active 1:1 call with reason "User disconnected"
//  7. leave any group call; a departing host ends it with "Host left the call"
package voice

import (
	"context"
	"sync"

	"k8s.io/utils/clock"

	"github.com/yurtcord/realtime/internal/v1/config"
	"github.com/yurtcord/realtime/internal/v1/registry"
	"github.com/yurtcord/realtime/internal/v1/router"
	"github.com/yurtcord/realtime/internal/v1/session"
	"github.com/yurtcord/realtime/internal/v1/transport"
	"github.com/yurtcord/realtime/internal/v1/types"
)

// Event names pushed by the voice hub.
const (
	EventVoiceChannelUsers     = "VoiceChannelUsers"
	EventUserJoinedVoice       = "UserJoinedVoice"
	EventUserLeftVoice         = "UserLeftVoice"
	EventUserVoiceStateChanged = "UserVoiceStateChanged"
	EventUserSpeakingChanged   = "UserSpeakingChanged"
	EventReceiveAudio          = "ReceiveAudio"
	EventVoiceError            = "VoiceError"

	EventUserScreenShareChanged = "UserScreenShareChanged"
	EventScreenShareStarted     = "ScreenShareStarted"
	EventScreenShareStopped     = "ScreenShareStopped"
	EventReceiveScreenFrame     = "ReceiveScreenFrame"
	EventViewerCountUpdated     = "ViewerCountUpdated"
	EventActiveScreenShares     = "ActiveScreenShares"
	EventScreenQualityRequested = "ScreenQualityRequested"

	EventVoiceRoomAdded             = "VoiceRoomAdded"
	EventVoiceRoomJoined            = "VoiceRoomJoined"
	EventVoiceRoomUpdated           = "VoiceRoomUpdated"
	EventVoiceRoomRemoved           = "VoiceRoomRemoved"
	EventVoiceRoomHostChanged       = "VoiceRoomHostChanged"
	EventVoiceRoomParticipantJoined = "VoiceRoomParticipantJoined"
	EventVoiceRoomParticipantLeft   = "VoiceRoomParticipantLeft"
	EventVoiceRoomModeratorAdded    = "VoiceRoomModeratorAdded"
	EventKickedFromVoiceRoom        = "KickedFromVoiceRoom"
	EventPublicVoiceRooms           = "PublicVoiceRooms"
	EventVoiceRoomError             = "VoiceRoomError"

	EventCallStarted       = "CallStarted"
	EventIncomingCall      = "IncomingCall"
	EventCallAnswered      = "CallAnswered"
	EventCallDeclined      = "CallDeclined"
	EventCallMissed        = "CallMissed"
	EventCallEnded         = "CallEnded"
	EventCallFailed        = "CallFailed"
	EventCallError         = "CallError"
	EventReceiveCallAudio  = "ReceiveCallAudio"
	EventCallSpeakingState = "CallSpeakingState"

	EventGroupCallInvite            = "GroupCallInvite"
	EventGroupCallInviteDeclined    = "GroupCallInviteDeclined"
	EventGroupCallUpdated           = "GroupCallUpdated"
	EventGroupCallParticipantJoined = "GroupCallParticipantJoined"
	EventGroupCallParticipantLeft   = "GroupCallParticipantLeft"
	EventGroupCallEnded             = "GroupCallEnded"
	EventGroupCallError             = "GroupCallError"
	EventReceiveGroupCallAudio      = "ReceiveGroupCallAudio"
	EventGroupCallSpeakingChanged   = "GroupCallSpeakingChanged"

	EventReceiveOffer        = "ReceiveOffer"
	EventReceiveAnswer       = "ReceiveAnswer"
	EventReceiveIceCandidate = "ReceiveIceCandidate"

	EventForceDisconnected = "ForceDisconnected"
)

// ScreenQualities are the labels a viewer may request.
var ScreenQualities = map[string]bool{
	"480p": true, "720p": true, "720p60": true, "1080p": true,
	"1080p60": true, "1440p": true, "1440p60": true, "4K": true,
}

// Hub is the voice hub.
type Hub struct {
	router   *router.Router
	registry *registry.Registry
	cfg      *config.Config
	clock    clock.WithTickerAndDelayedExecution

	channels sync.Map // string (channel id) -> *voiceChannel
	byConn   sync.Map // types.ConnID -> string (channel id)

	shares        sync.Map // types.ConnID (sharer) -> *screenShare
	uploadBuckets sync.Map // types.ConnID -> *bandwidthBucket
	viewerBuckets sync.Map // types.ConnID -> *bandwidthBucket
	qualityPrefs  sync.Map // types.ConnID (viewer) -> string

	calls      *callTable
	groupCalls sync.Map // types.CallID -> *groupCall

	rooms      sync.Map // types.VoiceRoomID -> *voiceRoom
	roomByConn sync.Map // types.ConnID -> types.VoiceRoomID
}

// New creates the voice hub and registers its methods and lifecycle hooks
// with the session core.
func New(core *session.Core, rt *router.Router, reg *registry.Registry, cfg *config.Config) *Hub {
	return newWithClock(core, rt, reg, cfg, clock.RealClock{})
}

func newWithClock(core *session.Core, rt *router.Router, reg *registry.Registry, cfg *config.Config, clk clock.WithTickerAndDelayedExecution) *Hub {
	h := &Hub{
		router:   rt,
		registry: reg,
		cfg:      cfg,
		clock:    clk,
		calls:    newCallTable(),
	}

	core.Register("JoinVoiceChannel", h.JoinVoiceChannel)
	core.Register("LeaveVoiceChannel", h.LeaveVoiceChannel)
	core.Register("UpdateVoiceState", h.UpdateVoiceState)
	core.Register("UpdateSpeakingState", h.UpdateSpeakingState)
	core.Register("SendAudio", h.SendAudio)

	core.Register("StartScreenShare", h.StartScreenShare)
	core.Register("StopScreenShare", h.StopScreenShare)
	core.Register("SendScreenFrame", h.SendScreenFrame)
	core.Register("JoinScreenShare", h.JoinScreenShare)
	core.Register("LeaveScreenShare", h.LeaveScreenShare)
	core.Register("GetActiveScreenShares", h.GetActiveScreenShares)
	core.Register("RequestScreenQuality", h.RequestScreenQuality)

	core.Register("CreateVoiceRoom", h.CreateVoiceRoom)
	core.Register("JoinVoiceRoom", h.JoinVoiceRoom)
	core.Register("LeaveVoiceRoom", h.LeaveVoiceRoom)
	core.Register("CloseVoiceRoom", h.CloseVoiceRoom)
	core.Register("KickFromVoiceRoom", h.KickFromVoiceRoom)
	core.Register("PromoteToModerator", h.PromoteToModerator)
	core.Register("GetPublicVoiceRooms", h.GetPublicVoiceRooms)

	core.Register("StartCall", h.StartCall)
	core.Register("AnswerCall", h.AnswerCall)
	core.Register("EndCall", h.EndCall)
	core.Register("SendCallAudio", h.SendCallAudio)
	core.Register("SendCallSpeakingState", h.SendCallSpeakingState)

	core.Register("StartGroupCall", h.StartGroupCall)
	core.Register("JoinGroupCall", h.JoinGroupCall)
	core.Register("LeaveGroupCall", h.LeaveGroupCall)
	core.Register("InviteToGroupCall", h.InviteToGroupCall)
	core.Register("DeclineGroupCall", h.DeclineGroupCall)
	core.Register("SendGroupCallAudio", h.SendGroupCallAudio)
	core.Register("SendGroupCallSpeakingState", h.SendGroupCallSpeakingState)

	core.Register("SendOffer", h.SendOffer)
	core.Register("SendAnswer", h.SendAnswer)
	core.Register("SendIceCandidate", h.SendIceCandidate)

	core.Register("DisconnectSelf", h.DisconnectSelf)
	core.Register("DisconnectUser", h.DisconnectUser)

	core.OnDisconnectCleanup(h.onDisconnect)
	return h
}

// --- Moderation ---

// callerCanModerate checks the caller's cached role.
func (h *Hub) callerCanModerate(c types.ClientConn) bool {
	snap, ok := h.registry.Snapshot(c.UserID())
	return ok && snap.Role.CanModerate()
}

// DisconnectSelf closes the caller's own connection. Always permitted.
func (h *Hub) DisconnectSelf(ctx context.Context, c types.ClientConn, args transport.Args) error {
	c.Close("self disconnect")
	return nil
}

// DisconnectUser forcibly closes another user's connection. Admin or
// Moderator only.
func (h *Hub) DisconnectUser(ctx context.Context, c types.ClientConn, args transport.Args) error {
	if !h.callerCanModerate(c) {
		c.SendEvent(EventVoiceError, "insufficient role")
		return nil
	}
	connID, err := args.String(0)
	if err != nil || connID == "" {
		c.SendEvent(EventVoiceError, "connection id required")
		return nil
	}
	target, ok := h.registry.Conn(types.ConnID(connID))
	if !ok {
		c.SendEvent(EventVoiceError, "connection not found")
		return nil
	}
	target.SendEvent(EventForceDisconnected, "disconnected by a moderator")
	target.Close("moderator disconnect")
	return nil
}

// --- Disconnect teardown, in the documented order ---

func (h *Hub) onDisconnect(ctx context.Context, c types.ClientConn) {
	h.stopScreenShareFor(c.ID(), true)
	h.dropViewerEverywhere(c.ID())
	h.qualityPrefs.Delete(c.ID())
	h.uploadBuckets.Delete(c.ID())
	h.viewerBuckets.Delete(c.ID())
	h.leaveVoiceChannelFor(c)
	h.leaveRoomFor(c, "User disconnected")
	h.calls.endForDisconnect(h, c)
	h.leaveGroupCallsFor(c)
}
