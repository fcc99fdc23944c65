package voice

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testingclock "k8s.io/utils/clock/testing"
	"time"

	"github.com/yurtcord/realtime/internal/v1/auth"
	"github.com/yurtcord/realtime/internal/v1/testutil"
	"github.com/yurtcord/realtime/internal/v1/types"
)

// newVoiceFixture wires the voice hub into a core fixture with a fake clock.
func newVoiceFixture(t *testing.T) (*testutil.Fixture, *Hub, *testingclock.FakeClock) {
	f := testutil.NewFixture(t)
	clk := testingclock.NewFakeClock(time.Now())
	h := newWithClock(f.Core, f.Router, f.Registry, f.Cfg, clk)
	return f, h, clk
}

func user(id, name string) *auth.User {
	return &auth.User{ID: types.UserID(id), Username: name}
}

func joinVoice(f *testutil.Fixture, c *testutil.MockConn, channel string) {
	f.Invoke(c, "JoinVoiceChannel", channel)
	c.ClearEvents()
}

func TestJoinVoiceChannelAnnouncesAndListsUsers(t *testing.T) {
	f, _, _ := newVoiceFixture(t)
	c1 := f.Login("c1", user("u1", "alice"))
	c2 := f.Login("c2", user("u2", "bob"))

	f.Invoke(c1, "JoinVoiceChannel", "lobby")
	f.Invoke(c2, "JoinVoiceChannel", "lobby")

	// The earlier participant hears the join.
	events := c1.EventsNamed(EventUserJoinedVoice)
	require.Len(t, events, 1)
	var p VoiceParticipant
	require.NoError(t, events[0].DecodeArg(0, &p))
	assert.Equal(t, types.UserID("u2"), p.UserID)
	assert.Equal(t, "bob", p.Username)

	// The joiner gets the full participant list.
	list, ok := c2.LastNamed(EventVoiceChannelUsers)
	require.True(t, ok)
	var participants []VoiceParticipant
	require.NoError(t, list.DecodeArg(1, &participants))
	assert.Len(t, participants, 2)
}

func TestJoinVoiceChannelRejectsMismatchedIdentity(t *testing.T) {
	f, _, _ := newVoiceFixture(t)
	c := f.Login("c1", user("u1", "alice"))

	f.Invoke(c, "JoinVoiceChannel", "lobby", "someone-else")
	assert.Equal(t, 1, c.CountNamed(EventVoiceError))
}

func TestLeaveVoiceChannelGCsEmptyChannel(t *testing.T) {
	f, h, _ := newVoiceFixture(t)
	c1 := f.Login("c1", user("u1", "alice"))
	c2 := f.Login("c2", user("u2", "bob"))
	joinVoice(f, c1, "lobby")
	joinVoice(f, c2, "lobby")

	f.Invoke(c1, "LeaveVoiceChannel")
	assert.Equal(t, 1, c2.CountNamed(EventUserLeftVoice))

	_, stillThere := h.channels.Load("lobby")
	assert.True(t, stillThere)

	f.Invoke(c2, "LeaveVoiceChannel")
	_, stillThere = h.channels.Load("lobby")
	assert.False(t, stillThere, "empty channel map must be removed")
}

func TestAudioRelayNeverEchoesToSender(t *testing.T) {
	f, _, _ := newVoiceFixture(t)
	c1 := f.Login("c1", user("u1", "alice"))
	c2 := f.Login("c2", user("u2", "bob"))
	c3 := f.Login("c3", user("u3", "carol"))
	for _, c := range []*testutil.MockConn{c1, c2, c3} {
		joinVoice(f, c, "lobby")
	}

	f.Invoke(c1, "SendAudio", []byte{0x01, 0x02, 0x03})

	assert.Equal(t, 0, c1.CountNamed(EventReceiveAudio))
	for _, c := range []*testutil.MockConn{c2, c3} {
		events := c.EventsNamed(EventReceiveAudio)
		require.Len(t, events, 1, "conn %s", c.ConnID)
		assert.Equal(t, types.FrameAudio, events[0].Class)

		var payload []byte
		require.NoError(t, events[0].DecodeArg(1, &payload))
		assert.Equal(t, []byte{0x01, 0x02, 0x03}, payload)
	}
}

func TestMutedSenderAudioDroppedSilently(t *testing.T) {
	f, _, _ := newVoiceFixture(t)
	c1 := f.Login("c1", user("u1", "alice"))
	c2 := f.Login("c2", user("u2", "bob"))
	joinVoice(f, c1, "lobby")
	joinVoice(f, c2, "lobby")

	f.Invoke(c1, "UpdateVoiceState", true, false)
	c1.ClearEvents()

	f.Invoke(c1, "SendAudio", []byte{0xFF})

	assert.Equal(t, 0, c2.CountNamed(EventReceiveAudio))
	assert.Equal(t, 0, c1.CountNamed(EventVoiceError), "drop must be silent")
}

func TestVoiceStateBroadcast(t *testing.T) {
	f, _, _ := newVoiceFixture(t)
	c1 := f.Login("c1", user("u1", "alice"))
	c2 := f.Login("c2", user("u2", "bob"))
	joinVoice(f, c1, "lobby")
	joinVoice(f, c2, "lobby")

	f.Invoke(c1, "UpdateVoiceState", true, true)

	ev, ok := c2.LastNamed(EventUserVoiceStateChanged)
	require.True(t, ok)
	var muted, deafened bool
	require.NoError(t, ev.DecodeArg(1, &muted))
	require.NoError(t, ev.DecodeArg(2, &deafened))
	assert.True(t, muted)
	assert.True(t, deafened)
}

func TestSpeakingStateGoesToOthersOnly(t *testing.T) {
	f, _, _ := newVoiceFixture(t)
	c1 := f.Login("c1", user("u1", "alice"))
	c2 := f.Login("c2", user("u2", "bob"))
	joinVoice(f, c1, "lobby")
	joinVoice(f, c2, "lobby")

	f.Invoke(c1, "UpdateSpeakingState", true, 0.8)

	assert.Equal(t, 0, c1.CountNamed(EventUserSpeakingChanged))
	assert.Equal(t, 1, c2.CountNamed(EventUserSpeakingChanged))
}

func TestModerationRequiresRole(t *testing.T) {
	f, _, _ := newVoiceFixture(t)
	c1 := f.Login("c1", user("u1", "alice"))
	c2 := f.Login("c2", user("u2", "bob"))

	f.Invoke(c1, "DisconnectUser", string(c2.ConnID))
	assert.Equal(t, 1, c1.CountNamed(EventVoiceError))
	closed, _ := c2.Closed()
	assert.False(t, closed)

	admin := f.Login("c3", &auth.User{ID: "u9", Username: "root", Role: types.RoleAdmin})
	f.Invoke(admin, "DisconnectUser", string(c2.ConnID))
	closed, _ = c2.Closed()
	assert.True(t, closed)
	assert.Equal(t, 1, c2.CountNamed(EventForceDisconnected))
}

func TestSelfDisconnectAlwaysPermitted(t *testing.T) {
	f, _, _ := newVoiceFixture(t)
	c := f.Login("c1", user("u1", "alice"))

	f.Invoke(c, "DisconnectSelf")
	closed, _ := c.Closed()
	assert.True(t, closed)
}
