package registry_test

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yurtcord/realtime/internal/v1/registry"
	"github.com/yurtcord/realtime/internal/v1/testutil"
	"github.com/yurtcord/realtime/internal/v1/types"
)

func snapshot(id types.UserID, name string) types.UserSnapshot {
	return types.UserSnapshot{
		ID:        id,
		Username:  name,
		Role:      types.RoleUser,
		Status:    types.PresenceOnline,
		UpdatedAt: time.Now().UTC(),
	}
}

func TestBindFirstConnection(t *testing.T) {
	r := registry.New()
	c := testutil.NewMockConn("c1")
	c.BindUser("u1")

	first := r.Bind(c, snapshot("u1", "alice"))
	assert.True(t, first)
	assert.True(t, r.IsOnline("u1"))

	snap, ok := r.Snapshot("u1")
	require.True(t, ok)
	assert.Equal(t, "alice", snap.Username)
}

func TestMultiConnectionFanIn(t *testing.T) {
	r := registry.New()
	c1 := testutil.NewMockConn("c1")
	c1.BindUser("u1")
	c2 := testutil.NewMockConn("c2")
	c2.BindUser("u1")

	assert.True(t, r.Bind(c1, snapshot("u1", "alice")))
	assert.False(t, r.Bind(c2, snapshot("u1", "alice")))
	assert.Len(t, r.Connections("u1"), 2)

	// User stays online until the last connection unbinds.
	_, wasLast := r.Unbind(c1)
	assert.False(t, wasLast)
	assert.True(t, r.IsOnline("u1"))

	snap, wasLast := r.Unbind(c2)
	assert.True(t, wasLast)
	assert.False(t, r.IsOnline("u1"))
	assert.Equal(t, types.PresenceOffline, snap.Status)
}

func TestUnbindUnauthenticated(t *testing.T) {
	r := registry.New()
	c := testutil.NewMockConn("c1")
	r.Track(c)

	snap, wasLast := r.Unbind(c)
	assert.False(t, wasLast)
	assert.Empty(t, snap.ID)

	_, exists := r.Conn(c.ID())
	assert.False(t, exists)
}

func TestUpdateSnapshot(t *testing.T) {
	r := registry.New()
	c := testutil.NewMockConn("c1")
	c.BindUser("u1")
	r.Bind(c, snapshot("u1", "alice"))

	updated, ok := r.UpdateSnapshot("u1", func(s *types.UserSnapshot) {
		s.Username = "alice2"
		s.StatusMessage = "brb"
	})
	require.True(t, ok)
	assert.Equal(t, "alice2", updated.Username)

	snap, _ := r.Snapshot("u1")
	assert.Equal(t, "brb", snap.StatusMessage)

	// Offline users have no snapshot to update.
	_, ok = r.UpdateSnapshot("nobody", func(s *types.UserSnapshot) {})
	assert.False(t, ok)
}

func TestOnlineUsers(t *testing.T) {
	r := registry.New()
	for i := 0; i < 3; i++ {
		c := testutil.NewMockConn(fmt.Sprintf("c%d", i))
		uid := types.UserID(fmt.Sprintf("u%d", i))
		c.BindUser(uid)
		r.Bind(c, snapshot(uid, fmt.Sprintf("user%d", i)))
	}
	assert.Len(t, r.OnlineUsers(), 3)
}

func TestConcurrentBindUnbind(t *testing.T) {
	r := registry.New()
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c := testutil.NewMockConn(fmt.Sprintf("c%d", i))
			c.BindUser("u1")
			for j := 0; j < 50; j++ {
				r.Bind(c, snapshot("u1", "alice"))
				r.Unbind(c)
			}
		}(i)
	}
	wg.Wait()
	assert.False(t, r.IsOnline("u1"))
}
