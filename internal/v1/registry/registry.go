// Package registry implements the connection registry: the mapping between
// transport connections and users, with multi-connection-per-user support
// and the cached profile snapshot table.
//
// The registry owns Connection records and user presence entries. Hubs hold
// user ids, never pointers into the registry; lookups go through it.
package registry

import (
	"sync"
	"time"

	"github.com/yurtcord/realtime/internal/v1/metrics"
	"github.com/yurtcord/realtime/internal/v1/types"
)

// presenceEntry tracks one user's live connections plus the cached snapshot.
// Each entry carries its own lock so presence churn on one user never
// contends with another.
type presenceEntry struct {
	mu       sync.Mutex
	conns    map[types.ConnID]types.ClientConn
	snapshot types.UserSnapshot
	dead     bool
}

// Registry maps connections to users. Both tables are keyed concurrent maps;
// there is no global lock.
type Registry struct {
	conns sync.Map // types.ConnID -> types.ClientConn
	users sync.Map // types.UserID -> *presenceEntry
}

func New() *Registry {
	return &Registry{}
}

// Track records a connection in handshake state.
func (r *Registry) Track(c types.ClientConn) {
	r.conns.Store(c.ID(), c)
}

// Conn returns the live connection with the given id, if any.
func (r *Registry) Conn(id types.ConnID) (types.ClientConn, bool) {
	v, ok := r.conns.Load(id)
	if !ok {
		return nil, false
	}
	return v.(types.ClientConn), true
}

// Bind associates an authenticated connection with a user and installs the
// snapshot as the user's cached profile. Returns true when this is the
// user's first live connection.
func (r *Registry) Bind(c types.ClientConn, snapshot types.UserSnapshot) (first bool) {
	for {
		v, _ := r.users.LoadOrStore(snapshot.ID, &presenceEntry{conns: make(map[types.ConnID]types.ClientConn)})
		e := v.(*presenceEntry)
		e.mu.Lock()
		if e.dead {
			e.mu.Unlock()
			continue
		}
		first = len(e.conns) == 0
		e.conns[c.ID()] = c
		e.snapshot = snapshot
		e.mu.Unlock()
		if first {
			metrics.AuthenticatedUsers.Inc()
		}
		return first
	}
}

// Unbind removes a connection from its user's connection set. Returns the
// cached snapshot and whether this was the user's last connection. For
// connections that never authenticated it returns (zero, false).
func (r *Registry) Unbind(c types.ClientConn) (types.UserSnapshot, bool) {
	r.conns.Delete(c.ID())

	uid := c.UserID()
	if uid == "" {
		return types.UserSnapshot{}, false
	}
	v, ok := r.users.Load(uid)
	if !ok {
		return types.UserSnapshot{}, false
	}
	e := v.(*presenceEntry)
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, member := e.conns[c.ID()]; !member {
		return e.snapshot, false
	}
	delete(e.conns, c.ID())
	if len(e.conns) > 0 {
		return e.snapshot, false
	}
	e.dead = true
	r.users.Delete(uid)
	metrics.AuthenticatedUsers.Dec()
	snap := e.snapshot
	snap.Status = types.PresenceOffline
	return snap, true
}

// Snapshot returns the cached profile of a user, if the user is online.
func (r *Registry) Snapshot(id types.UserID) (types.UserSnapshot, bool) {
	v, ok := r.users.Load(id)
	if !ok {
		return types.UserSnapshot{}, false
	}
	e := v.(*presenceEntry)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.dead {
		return types.UserSnapshot{}, false
	}
	return e.snapshot, true
}

// UpdateSnapshot replaces the cached profile of an online user. Returns the
// updated snapshot and false if the user has no live connections.
func (r *Registry) UpdateSnapshot(id types.UserID, mutate func(*types.UserSnapshot)) (types.UserSnapshot, bool) {
	v, ok := r.users.Load(id)
	if !ok {
		return types.UserSnapshot{}, false
	}
	e := v.(*presenceEntry)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.dead {
		return types.UserSnapshot{}, false
	}
	mutate(&e.snapshot)
	e.snapshot.UpdatedAt = time.Now().UTC()
	return e.snapshot, true
}

// IsOnline reports whether a user has at least one live connection.
func (r *Registry) IsOnline(id types.UserID) bool {
	_, ok := r.users.Load(id)
	return ok
}

// Connections returns every live connection of a user.
func (r *Registry) Connections(id types.UserID) []types.ClientConn {
	v, ok := r.users.Load(id)
	if !ok {
		return nil
	}
	e := v.(*presenceEntry)
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]types.ClientConn, 0, len(e.conns))
	for _, c := range e.conns {
		out = append(out, c)
	}
	return out
}

// OnlineUsers snapshots the profile of every online user.
func (r *Registry) OnlineUsers() []types.UserSnapshot {
	var out []types.UserSnapshot
	r.users.Range(func(_, v any) bool {
		e := v.(*presenceEntry)
		e.mu.Lock()
		if !e.dead && len(e.conns) > 0 {
			out = append(out, e.snapshot)
		}
		e.mu.Unlock()
		return true
	})
	return out
}

// AllConns snapshots every live connection, authenticated or not. Used by
// the idle sweeper and the all-clients profile broadcast.
func (r *Registry) AllConns() []types.ClientConn {
	var out []types.ClientConn
	r.conns.Range(func(_, v any) bool {
		out = append(out, v.(types.ClientConn))
		return true
	})
	return out
}
