package voice

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yurtcord/realtime/internal/v1/testutil"
	"github.com/yurtcord/realtime/internal/v1/types"
)

func TestBandwidthBucketAdmitAndWindowReset(t *testing.T) {
	b := &bandwidthBucket{}
	base := time.Now()
	const ceiling = 1000

	assert.True(t, b.admit(base, 600, ceiling))
	assert.True(t, b.admit(base.Add(100*time.Millisecond), 400, ceiling))

	// The next byte would exceed the ceiling: dropped, bucket unchanged.
	assert.False(t, b.admit(base.Add(200*time.Millisecond), 1, ceiling))
	assert.False(t, b.admit(base.Add(900*time.Millisecond), 500, ceiling))

	// The window boundary resets the budget.
	assert.True(t, b.admit(base.Add(1100*time.Millisecond), 1000, ceiling))
}

func TestScreenShareStartStopEvents(t *testing.T) {
	f, _, _ := newVoiceFixture(t)
	c1 := f.Login("c1", user("u1", "alice"))
	c2 := f.Login("c2", user("u2", "bob"))
	joinVoice(f, c1, "lobby")
	joinVoice(f, c2, "lobby")

	f.Invoke(c1, "StartScreenShare")

	// Everyone sees the flag flip; only others get the detailed event.
	assert.Equal(t, 1, c1.CountNamed(EventUserScreenShareChanged))
	assert.Equal(t, 1, c2.CountNamed(EventUserScreenShareChanged))
	assert.Equal(t, 0, c1.CountNamed(EventScreenShareStarted))
	assert.Equal(t, 1, c2.CountNamed(EventScreenShareStarted))

	// Only one share per connection.
	f.Invoke(c1, "StartScreenShare")
	assert.Equal(t, 1, c1.CountNamed(EventVoiceError))

	f.Invoke(c1, "StopScreenShare")
	assert.Equal(t, 1, c2.CountNamed(EventScreenShareStopped))
}

func TestScreenShareRequiresVoiceChannel(t *testing.T) {
	f, _, _ := newVoiceFixture(t)
	c := f.Login("c1", user("u1", "alice"))

	f.Invoke(c, "StartScreenShare")
	assert.Equal(t, 1, c.CountNamed(EventVoiceError))
}

func TestMaxConcurrentStreamsPerChannel(t *testing.T) {
	f, _, _ := newVoiceFixture(t)
	f.Cfg.MaxStreamsPerChannel = 1
	c1 := f.Login("c1", user("u1", "alice"))
	c2 := f.Login("c2", user("u2", "bob"))
	joinVoice(f, c1, "lobby")
	joinVoice(f, c2, "lobby")

	f.Invoke(c1, "StartScreenShare")
	f.Invoke(c2, "StartScreenShare")
	assert.Equal(t, 1, c2.CountNamed(EventVoiceError))
}

// Upload throttling: 200 frames of 200 KB in one second against a 30 MiB
// ceiling admits exactly ⌊30 MiB / 200 KB⌋ = 153 frames.
func TestScreenFrameUploadCeiling(t *testing.T) {
	f, _, clk := newVoiceFixture(t)
	c1 := f.Login("c1", user("u1", "alice"))
	c2 := f.Login("c2", user("u2", "bob"))
	c3 := f.Login("c3", user("u3", "carol"))
	for _, c := range []*testutil.MockConn{c1, c2, c3} {
		joinVoice(f, c, "lobby")
	}

	f.Invoke(c1, "StartScreenShare")
	c2.ClearEvents()
	c3.ClearEvents()

	frame := make([]byte, 200*1024)
	for i := 0; i < 200; i++ {
		clk.Step(time.Millisecond) // all inside one 1s window
		f.Invoke(c1, "SendScreenFrame", frame, 800, 600)
	}

	assert.Equal(t, 153, c2.CountNamed(EventReceiveScreenFrame))
	assert.Equal(t, 153, c3.CountNamed(EventReceiveScreenFrame))
	assert.Equal(t, 0, c1.CountNamed(EventReceiveScreenFrame), "no echo to sender")

	f.Invoke(c2, "GetActiveScreenShares")
	ev, ok := c2.LastNamed(EventActiveScreenShares)
	require.True(t, ok)
	var shares []shareDTO
	require.NoError(t, ev.DecodeArg(0, &shares))
	require.Len(t, shares, 1)
	assert.Equal(t, int64(153), shares[0].FramesSent)
	assert.Equal(t, int64(47), shares[0].FramesDropped)
	assert.Equal(t, 800, shares[0].Width)
	assert.Equal(t, 600, shares[0].Height)

	// The next window admits again.
	clk.Step(2 * time.Second)
	f.Invoke(c1, "SendScreenFrame", frame, 800, 600)
	assert.Equal(t, 154, c2.CountNamed(EventReceiveScreenFrame))
}

func TestScreenFrameClassIsDroppable(t *testing.T) {
	f, _, _ := newVoiceFixture(t)
	c1 := f.Login("c1", user("u1", "alice"))
	c2 := f.Login("c2", user("u2", "bob"))
	joinVoice(f, c1, "lobby")
	joinVoice(f, c2, "lobby")
	f.Invoke(c1, "StartScreenShare")
	c2.ClearEvents()

	f.Invoke(c1, "SendScreenFrame", []byte{1, 2}, 100, 100)
	events := c2.EventsNamed(EventReceiveScreenFrame)
	require.Len(t, events, 1)
	assert.Equal(t, types.FrameScreen, events[0].Class)
}

func TestViewerTracking(t *testing.T) {
	f, _, _ := newVoiceFixture(t)
	c1 := f.Login("c1", user("u1", "alice"))
	c2 := f.Login("c2", user("u2", "bob"))
	c3 := f.Login("c3", user("u3", "carol"))
	for _, c := range []*testutil.MockConn{c1, c2, c3} {
		joinVoice(f, c, "lobby")
	}
	f.Invoke(c1, "StartScreenShare")
	c1.ClearEvents()

	f.Invoke(c2, "JoinScreenShare", string(c1.ConnID))
	f.Invoke(c3, "JoinScreenShare", string(c1.ConnID))

	events := c1.EventsNamed(EventViewerCountUpdated)
	require.Len(t, events, 2)
	var count int
	require.NoError(t, events[1].DecodeArg(0, &count))
	assert.Equal(t, 2, count)

	f.Invoke(c2, "LeaveScreenShare", string(c1.ConnID))
	ev, _ := c1.LastNamed(EventViewerCountUpdated)
	require.NoError(t, ev.DecodeArg(0, &count))
	assert.Equal(t, 1, count)
}

func TestRequestScreenQuality(t *testing.T) {
	f, _, _ := newVoiceFixture(t)
	c1 := f.Login("c1", user("u1", "alice"))
	c2 := f.Login("c2", user("u2", "bob"))
	joinVoice(f, c1, "lobby")
	joinVoice(f, c2, "lobby")
	f.Invoke(c1, "StartScreenShare")
	c1.ClearEvents()

	f.Invoke(c2, "RequestScreenQuality", string(c1.ConnID), "1080p60")

	ev, ok := c1.LastNamed(EventScreenQualityRequested)
	require.True(t, ok)
	var quality string
	require.NoError(t, ev.DecodeArg(0, &quality))
	assert.Equal(t, "1080p60", quality)

	// Unknown labels are rejected.
	f.Invoke(c2, "RequestScreenQuality", string(c1.ConnID), "8K")
	assert.Equal(t, 1, c2.CountNamed(EventVoiceError))
}

func TestSharerDisconnectNotifiesChannelAndPurgesState(t *testing.T) {
	f, h, _ := newVoiceFixture(t)
	c1 := f.Login("c1", user("u1", "alice"))
	c2 := f.Login("c2", user("u2", "bob"))
	joinVoice(f, c1, "lobby")
	joinVoice(f, c2, "lobby")
	f.Invoke(c1, "StartScreenShare")
	f.Invoke(c2, "JoinScreenShare", string(c1.ConnID))
	f.Invoke(c1, "SendScreenFrame", []byte{1}, 10, 10)
	c2.ClearEvents()

	f.Disconnect(c1)

	assert.Equal(t, 1, c2.CountNamed(EventScreenShareStopped))
	changed, ok := c2.LastNamed(EventUserScreenShareChanged)
	require.True(t, ok)
	var sharing bool
	require.NoError(t, changed.DecodeArg(1, &sharing))
	assert.False(t, sharing)

	_, shareLeft := h.shares.Load(c1.ConnID)
	assert.False(t, shareLeft)
	_, bucketLeft := h.uploadBuckets.Load(c1.ConnID)
	assert.False(t, bucketLeft)
}

func TestViewerDisconnectLeavesViewerSets(t *testing.T) {
	f, h, _ := newVoiceFixture(t)
	c1 := f.Login("c1", user("u1", "alice"))
	c2 := f.Login("c2", user("u2", "bob"))
	joinVoice(f, c1, "lobby")
	joinVoice(f, c2, "lobby")
	f.Invoke(c1, "StartScreenShare")
	f.Invoke(c2, "JoinScreenShare", string(c1.ConnID))
	c1.ClearEvents()

	f.Disconnect(c2)

	ev, ok := c1.LastNamed(EventViewerCountUpdated)
	require.True(t, ok)
	var count int
	require.NoError(t, ev.DecodeArg(0, &count))
	assert.Equal(t, 0, count)

	v, _ := h.shares.Load(c1.ConnID)
	share := v.(*screenShare)
	share.mu.Lock()
	defer share.mu.Unlock()
	assert.Empty(t, share.viewers)
}
