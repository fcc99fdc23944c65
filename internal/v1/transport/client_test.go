package transport

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yurtcord/realtime/internal/v1/types"
)

// mockWS is a scripted wsConnection.
type mockWS struct {
	mu       sync.Mutex
	inbound  chan []byte
	written  [][]byte
	msgTypes []int
	closed   chan struct{}
	once     sync.Once
}

func newMockWS() *mockWS {
	return &mockWS{
		inbound: make(chan []byte, 16),
		closed:  make(chan struct{}),
	}
}

func (m *mockWS) ReadMessage() (int, []byte, error) {
	select {
	case data, ok := <-m.inbound:
		if !ok {
			return 0, nil, io.EOF
		}
		return websocket.TextMessage, data, nil
	case <-m.closed:
		return 0, nil, errors.New("connection closed")
	}
}

func (m *mockWS) WriteMessage(messageType int, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	m.written = append(m.written, cp)
	m.msgTypes = append(m.msgTypes, messageType)
	return nil
}

func (m *mockWS) Close() error {
	m.once.Do(func() { close(m.closed) })
	return nil
}

func (m *mockWS) SetReadLimit(limit int64)                    {}
func (m *mockWS) SetReadDeadline(t time.Time) error           { return nil }
func (m *mockWS) SetWriteDeadline(t time.Time) error          { return nil }
func (m *mockWS) SetPongHandler(h func(appData string) error) {}

func (m *mockWS) writtenTypes() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]int, len(m.msgTypes))
	copy(out, m.msgTypes)
	return out
}

// mockDispatcher records lifecycle calls.
type mockDispatcher struct {
	mu          sync.Mutex
	connects    int
	disconnects int
	invocations []Invocation
}

func (d *mockDispatcher) HandleConnect(ctx context.Context, c types.ClientConn) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.connects++
}

func (d *mockDispatcher) Dispatch(ctx context.Context, c types.ClientConn, inv Invocation) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.invocations = append(d.invocations, inv)
}

func (d *mockDispatcher) HandleDisconnect(ctx context.Context, c types.ClientConn) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.disconnects++
}

func (d *mockDispatcher) snapshot() (int, int, []Invocation) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connects, d.disconnects, append([]Invocation(nil), d.invocations...)
}

func TestClientDispatchesInvocations(t *testing.T) {
	ws := newMockWS()
	d := &mockDispatcher{}
	c := NewClient(ws, d, "c1", "chat", 1<<20)

	ws.inbound <- []byte(`{"method":"Ping","args":[]}`)
	ws.inbound <- []byte(`{"method":"SendMessage","args":["hi"]}`)
	close(ws.inbound)

	c.Start(context.Background())

	require.Eventually(t, func() bool {
		_, disconnects, _ := d.snapshot()
		return disconnects == 1
	}, time.Second, 5*time.Millisecond)

	connects, _, invocations := d.snapshot()
	assert.Equal(t, 1, connects)
	require.Len(t, invocations, 2)
	assert.Equal(t, "Ping", invocations[0].Method)
	assert.Equal(t, "SendMessage", invocations[1].Method)
}

func TestMalformedFrameTerminatesConnection(t *testing.T) {
	ws := newMockWS()
	d := &mockDispatcher{}
	c := NewClient(ws, d, "c1", "chat", 1<<20)

	ws.inbound <- []byte(`{not json`)

	c.Start(context.Background())

	require.Eventually(t, func() bool {
		_, disconnects, _ := d.snapshot()
		return disconnects == 1
	}, time.Second, 5*time.Millisecond)

	// A close frame goes out before teardown.
	assert.Contains(t, ws.writtenTypes(), websocket.CloseMessage)

	_, _, invocations := d.snapshot()
	assert.Empty(t, invocations)
}

func TestBindUserSetOnce(t *testing.T) {
	c := NewClient(newMockWS(), &mockDispatcher{}, "c1", "chat", 1<<20)

	assert.False(t, c.Authenticated())
	assert.True(t, c.BindUser("u1"))
	assert.False(t, c.BindUser("u2"))
	assert.Equal(t, types.UserID("u1"), c.UserID())
	assert.True(t, c.Authenticated())
}

func TestMediaFramesDropWhenFull(t *testing.T) {
	// No writePump running: the buffered channel fills and overflow evicts
	// the oldest queued screen frame.
	c := NewClient(newMockWS(), &mockDispatcher{}, "c1", "voice", 1<<20)

	frame := MustEncodeEvent("ReceiveScreenFrame", []byte{1})
	for i := 0; i < screenBufferSize+10; i++ {
		c.SendRaw(frame, types.FrameScreen)
	}

	// Drops are silent; the connection stays open.
	c.mu.RLock()
	stillOpen := !c.closed
	c.mu.RUnlock()
	assert.True(t, stillOpen)
	assert.Len(t, c.screenSend, screenBufferSize)
}

// When the audio backlog overflows, a queued screen frame is evicted before
// any audio frame is touched.
func TestAudioOverflowEvictsScreenFirst(t *testing.T) {
	c := NewClient(newMockWS(), &mockDispatcher{}, "c1", "voice", 1<<20)

	audio := MustEncodeEvent("ReceiveAudio", []byte{1})
	screen := MustEncodeEvent("ReceiveScreenFrame", []byte{2})

	for i := 0; i < screenBufferSize; i++ {
		c.SendRaw(screen, types.FrameScreen)
	}
	for i := 0; i < audioBufferSize; i++ {
		c.SendRaw(audio, types.FrameAudio)
	}
	require.Len(t, c.screenSend, screenBufferSize)
	require.Len(t, c.audioSend, audioBufferSize)

	// One more audio frame: a screen frame goes first, the oldest audio
	// frame makes room, and the new frame is admitted.
	c.SendRaw(audio, types.FrameAudio)

	assert.Len(t, c.screenSend, screenBufferSize-1)
	assert.Len(t, c.audioSend, audioBufferSize)

	// The connection survives throughout.
	c.mu.RLock()
	stillOpen := !c.closed
	c.mu.RUnlock()
	assert.True(t, stillOpen)
}

func TestControlOverflowDisconnects(t *testing.T) {
	ws := newMockWS()
	c := NewClient(ws, &mockDispatcher{}, "c1", "chat", 1<<20)

	frame := MustEncodeEvent("ReceiveMessage", "hi")
	for i := 0; i < priorityBufferSize+1; i++ {
		c.SendRaw(frame, types.FrameControl)
	}

	// The overflowing control frame force-disconnects the slow consumer.
	require.Eventually(t, func() bool {
		c.mu.RLock()
		defer c.mu.RUnlock()
		return c.closed
	}, time.Second, 5*time.Millisecond)
}

func TestWritePumpPrefersPriority(t *testing.T) {
	ws := newMockWS()
	c := NewClient(ws, &mockDispatcher{}, "c1", "chat", 1<<20)

	c.SendRaw(MustEncodeEvent("Media"), types.FrameAudio)
	c.SendRaw(MustEncodeEvent("Control"), types.FrameControl)

	go c.writePump()

	require.Eventually(t, func() bool {
		ws.mu.Lock()
		defer ws.mu.Unlock()
		return len(ws.written) >= 2
	}, time.Second, 5*time.Millisecond)

	ws.mu.Lock()
	var first struct {
		Name string `json:"name"`
	}
	require.NoError(t, json.Unmarshal(ws.written[0], &first))
	ws.mu.Unlock()
	assert.Equal(t, "Control", first.Name)

	c.Close("test done")
}
