// Package router implements the group router: named fan-out sets with
// per-group locking. Hubs never touch membership state directly; every
// subscription and broadcast goes through a Router operation.
//
// Lock discipline: a broadcast snapshots the member list under the group's
// read lock, releases it, then sends. No lock is held across a transport
// send.
package router

import (
	"log/slog"
	"sync"

	"github.com/yurtcord/realtime/internal/v1/metrics"
	"github.com/yurtcord/realtime/internal/v1/transport"
	"github.com/yurtcord/realtime/internal/v1/types"
)

// Group name constructors. Keeping the naming scheme in one place means a
// membership bug is a compile error, not a typo'd string.

func Channel(name string) types.GroupID       { return types.GroupID("channel_" + name) }
func Voice(channelID string) types.GroupID    { return types.GroupID("voice_" + channelID) }
func Room(id types.VoiceRoomID) types.GroupID { return types.GroupID("room_" + string(id)) }
func User(id types.UserID) types.GroupID      { return types.GroupID("user_" + string(id)) }
func Auction(id string) types.GroupID         { return types.GroupID("auction_" + id) }
func Following(id types.UserID) types.GroupID { return types.GroupID("following_" + string(id)) }
func Notifications(id types.UserID) types.GroupID {
	return types.GroupID("notifications_" + string(id))
}
func GroupCall(id types.CallID) types.GroupID { return types.GroupID("groupcall_" + string(id)) }
func Category(cat string) types.GroupID       { return types.GroupID("category_" + cat) }

// GlobalFeed receives every public content event.
const GlobalFeed types.GroupID = "global_feed"

// group is one fan-out set. dead marks an entry that was removed from the
// router map while another goroutine still holds a pointer to it.
type group struct {
	mu      sync.RWMutex
	members map[types.ConnID]types.ClientConn
	dead    bool
}

// Router maps group ids to member sets. Group entries are created lazily on
// first join and removed when the last member leaves.
type Router struct {
	groups sync.Map // types.GroupID -> *group
}

func New() *Router {
	return &Router{}
}

// Join subscribes a connection to a group.
func (r *Router) Join(id types.GroupID, c types.ClientConn) {
	for {
		v, loaded := r.groups.LoadOrStore(id, &group{members: make(map[types.ConnID]types.ClientConn)})
		g := v.(*group)
		g.mu.Lock()
		if g.dead {
			// Lost a race with last-leave GC; retry against a fresh entry.
			g.mu.Unlock()
			continue
		}
		g.members[c.ID()] = c
		g.mu.Unlock()
		if !loaded {
			metrics.ActiveGroups.Inc()
		}
		return
	}
}

// Leave unsubscribes a connection from a group. Removing the last member
// removes the group entry.
func (r *Router) Leave(id types.GroupID, connID types.ConnID) {
	v, ok := r.groups.Load(id)
	if !ok {
		return
	}
	g := v.(*group)
	g.mu.Lock()
	delete(g.members, connID)
	if len(g.members) == 0 && !g.dead {
		g.dead = true
		r.groups.Delete(id)
		metrics.ActiveGroups.Dec()
	}
	g.mu.Unlock()
}

// LeaveAll removes a connection from every group. Called once from the
// disconnect cleanup chain.
func (r *Router) LeaveAll(connID types.ConnID) {
	r.groups.Range(func(key, v any) bool {
		g := v.(*group)
		g.mu.Lock()
		if _, ok := g.members[connID]; ok {
			delete(g.members, connID)
			if len(g.members) == 0 && !g.dead {
				g.dead = true
				r.groups.Delete(key)
				metrics.ActiveGroups.Dec()
			}
		}
		g.mu.Unlock()
		return true
	})
}

// Contains reports whether a connection is subscribed to a group.
func (r *Router) Contains(id types.GroupID, connID types.ConnID) bool {
	v, ok := r.groups.Load(id)
	if !ok {
		return false
	}
	g := v.(*group)
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, member := g.members[connID]
	return member
}

// Members snapshots the current member list of a group.
func (r *Router) Members(id types.GroupID) []types.ClientConn {
	v, ok := r.groups.Load(id)
	if !ok {
		return nil
	}
	g := v.(*group)
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]types.ClientConn, 0, len(g.members))
	for _, c := range g.members {
		out = append(out, c)
	}
	return out
}

// Count returns the current member count of a group.
func (r *Router) Count(id types.GroupID) int {
	v, ok := r.groups.Load(id)
	if !ok {
		return 0
	}
	g := v.(*group)
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.members)
}

// Broadcast encodes an event once and sends it to every member of a group.
func (r *Router) Broadcast(id types.GroupID, name string, args ...any) {
	r.broadcast(id, "", types.FrameControl, name, args...)
}

// BroadcastExcept sends to every member except the named connection. Used
// for typing indicators, speaking state, and media relay, which must never
// echo back to the sender.
func (r *Router) BroadcastExcept(id types.GroupID, except types.ConnID, name string, args ...any) {
	r.broadcast(id, except, types.FrameControl, name, args...)
}

// BroadcastMedia is BroadcastExcept for droppable media frames.
func (r *Router) BroadcastMedia(id types.GroupID, except types.ConnID, class types.FrameClass, name string, args ...any) {
	r.broadcast(id, except, class, name, args...)
}

func (r *Router) broadcast(id types.GroupID, except types.ConnID, class types.FrameClass, name string, args ...any) {
	members := r.Members(id)
	if len(members) == 0 {
		return
	}
	data, err := transport.EncodeEvent(name, args...)
	if err != nil {
		// Broadcasts also fire from timer callbacks with no recover above
		// them; a bad payload must never take the process down.
		slog.Error("Failed to marshal broadcast event", "group", id, "event", name, "error", err)
		return
	}
	for _, c := range members {
		if except != "" && c.ID() == except {
			continue
		}
		c.SendRaw(data, class)
	}
}

// SendToConns encodes once and sends to an explicit connection list. Used
// when the recipient set is computed rather than a named group.
func (r *Router) SendToConns(conns []types.ClientConn, name string, args ...any) {
	if len(conns) == 0 {
		return
	}
	data, err := transport.EncodeEvent(name, args...)
	if err != nil {
		slog.Error("Failed to marshal event", "event", name, "error", err)
		return
	}
	for _, c := range conns {
		c.SendRaw(data, types.FrameControl)
	}
}
