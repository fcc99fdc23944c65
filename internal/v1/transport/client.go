// Package transport implements the persistent duplex connection layer: the
// websocket upgrade, JSON invocation/event framing, and the per-connection
// read/write pumps.
//
// Client Architecture:
// - Each client runs two goroutines: readPump and writePump
// - readPump reads frames, decodes invocations, and hands them to the dispatcher
// - writePump serialises outbound frames, draining priority traffic first
//
// Backpressure:
// Outbound frames are classified (control / audio / screen) and queued per
// class. When a slow client cannot drain, the oldest screen frames are
// evicted first, then the oldest audio frames. Control frames are never
// dropped; a client whose priority queue overflows is disconnected.
package transport

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/yurtcord/realtime/internal/v1/metrics"
	"github.com/yurtcord/realtime/internal/v1/types"
)

const (
	// Time allowed to write a frame to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait).
	pingPeriod = 54 * time.Second

	priorityBufferSize = 64
	audioBufferSize    = 256
	screenBufferSize   = 64
)

// wsConnection defines the interface for WebSocket connection operations.
// Satisfied by *websocket.Conn in production; tests use mocks.
type wsConnection interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
	SetReadLimit(limit int64)
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
}

// Dispatcher receives decoded invocations and connection lifecycle events.
// Implemented by the session core.
type Dispatcher interface {
	// HandleConnect is called once after the pumps start; it pushes the
	// handshake event and registers the connection.
	HandleConnect(ctx context.Context, c types.ClientConn)

	// Dispatch routes one invocation. Called from the connection's read
	// loop; blocking here blocks only this connection's inbound traffic.
	Dispatch(ctx context.Context, c types.ClientConn, inv Invocation)

	// HandleDisconnect runs the disconnect cleanup chain exactly once.
	HandleDisconnect(ctx context.Context, c types.ClientConn)
}

// Client represents a single persistent connection. It implements
// types.ClientConn.
type Client struct {
	conn       wsConnection
	dispatcher Dispatcher
	id         types.ConnID
	hub        string // which hub endpoint the client connected to

	maxMessageBytes int64

	mu          sync.RWMutex
	userID      types.UserID
	sessionID   string
	handshakeAt time.Time
	lastSeen    time.Time
	closed      bool

	closeOnce sync.Once

	prioritySend chan []byte // control frames, never dropped
	audioSend    chan []byte // audio frames, evicted after screen frames
	screenSend   chan []byte // screen frames, first to be evicted
}

// NewClient wires a websocket connection into a Client. The pumps are not
// started; callers invoke Start after registration.
func NewClient(conn wsConnection, dispatcher Dispatcher, id types.ConnID, hub string, maxMessageBytes int64) *Client {
	now := time.Now().UTC()
	return &Client{
		conn:            conn,
		dispatcher:      dispatcher,
		id:              id,
		hub:             hub,
		maxMessageBytes: maxMessageBytes,
		handshakeAt:     now,
		lastSeen:        now,
		prioritySend:    make(chan []byte, priorityBufferSize),
		audioSend:       make(chan []byte, audioBufferSize),
		screenSend:      make(chan []byte, screenBufferSize),
	}
}

// Start runs the connect hook and launches the read/write pumps.
func (c *Client) Start(ctx context.Context) {
	metrics.IncConnection()
	c.dispatcher.HandleConnect(ctx, c)
	go c.writePump()
	go c.readPump(ctx)
}

// --- types.ClientConn ---

func (c *Client) ID() types.ConnID { return c.id }

// Hub names the endpoint this connection attached to (chat, voice, ...).
func (c *Client) Hub() string { return c.hub }

func (c *Client) UserID() types.UserID {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.userID
}

// BindUser binds the connection to a user exactly once.
func (c *Client) BindUser(id types.UserID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.userID != "" {
		return false
	}
	c.userID = id
	return true
}

func (c *Client) Authenticated() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.userID != ""
}

func (c *Client) SessionID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sessionID
}

func (c *Client) SetSessionID(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessionID = id
}

func (c *Client) Touch() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastSeen = time.Now().UTC()
}

func (c *Client) LastSeen() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastSeen
}

func (c *Client) HandshakeAt() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.handshakeAt
}

// SendEvent marshals and enqueues a control frame.
func (c *Client) SendEvent(name string, args ...any) {
	data, err := EncodeEvent(name, args...)
	if err != nil {
		slog.Error("Failed to marshal event", "event", name, "error", err)
		return
	}
	c.SendRaw(data, types.FrameControl)
}

// SendRaw enqueues a pre-marshalled frame under the given class.
func (c *Client) SendRaw(data []byte, class types.FrameClass) {
	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		return
	}
	c.mu.RUnlock()

	// Safety net: enqueueing races with channel close on disconnect.
	defer func() {
		if r := recover(); r != nil {
			slog.Debug("Recovered from send to closing client", "connId", c.id, "panic", r)
		}
	}()

	switch class {
	case types.FrameAudio:
		select {
		case c.audioSend <- data:
			metrics.EventsSent.WithLabelValues("audio").Inc()
		default:
			// Audio backlog full: evict a queued screen frame first, then
			// the oldest audio frame, to admit the new one.
			c.evictOldest(c.screenSend, "screen")
			c.evictOldest(c.audioSend, "audio")
			select {
			case c.audioSend <- data:
				metrics.EventsSent.WithLabelValues("audio").Inc()
			default:
				metrics.FramesDropped.WithLabelValues("audio").Inc()
			}
		}
	case types.FrameScreen:
		select {
		case c.screenSend <- data:
			metrics.EventsSent.WithLabelValues("screen").Inc()
		default:
			c.evictOldest(c.screenSend, "screen")
			select {
			case c.screenSend <- data:
				metrics.EventsSent.WithLabelValues("screen").Inc()
			default:
				metrics.FramesDropped.WithLabelValues("screen").Inc()
			}
		}
	default:
		select {
		case c.prioritySend <- data:
			metrics.EventsSent.WithLabelValues("control").Inc()
		default:
			// Control frames are never dropped. A consumer that cannot
			// drain them is disconnected instead.
			metrics.FramesDropped.WithLabelValues("control").Inc()
			slog.Error("Client priority queue full - disconnecting slow consumer", "connId", c.id)
			go c.Close("slow consumer")
		}
	}
}

// evictOldest discards the frame at the head of a media queue, if any.
func (c *Client) evictOldest(ch chan []byte, label string) {
	select {
	case <-ch:
		metrics.FramesDropped.WithLabelValues(label).Inc()
	default:
	}
}

// Close tears the connection down. Safe to call more than once.
func (c *Client) Close(reason string) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()

		slog.Info("Closing connection", "connId", c.id, "reason", reason)
		close(c.prioritySend)
		close(c.audioSend)
		close(c.screenSend)
	})
}

// --- Pumps ---

// readPump continuously processes incoming frames from the client. Exits on
// read error or protocol violation; the deferred disconnect chain runs once.
func (c *Client) readPump(ctx context.Context) {
	defer func() {
		c.dispatcher.HandleDisconnect(ctx, c)
		c.Close("read loop exited")
		c.conn.Close()
		metrics.DecConnection()
	}()

	c.conn.SetReadLimit(c.maxMessageBytes)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		c.Touch()
		return nil
	})

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				slog.Warn("WebSocket read error", "connId", c.id, "error", err)
			}
			break
		}
		if messageType != websocket.TextMessage && messageType != websocket.BinaryMessage {
			continue
		}

		var inv Invocation
		if err := json.Unmarshal(data, &inv); err != nil || inv.Method == "" {
			// Malformed frames are protocol violations and terminate the
			// connection with a close frame.
			slog.Warn("Malformed frame, closing connection", "connId", c.id, "error", err)
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseInvalidFramePayloadData, "malformed frame"))
			break
		}

		c.Touch()
		c.dispatcher.Dispatch(ctx, c, inv)
	}
}

// writePump serialises outbound frames in class order: control, then
// audio, then screen. Drain helpers flush the higher classes before a
// lower-class frame is written, so screen traffic never starves control or
// audio.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.prioritySend:
			if !c.writeFrame(message, ok) {
				return
			}
		case message, ok := <-c.audioSend:
			if !ok || !c.drainClass(c.prioritySend) {
				c.writeFrame(nil, false)
				return
			}
			if !c.writeFrame(message, true) {
				return
			}
		case message, ok := <-c.screenSend:
			if !ok || !c.drainClass(c.prioritySend) || !c.drainClass(c.audioSend) {
				c.writeFrame(nil, false)
				return
			}
			if !c.writeFrame(message, true) {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// writeFrame writes one frame, or the close frame when ok is false.
// Returns false when the pump should exit.
func (c *Client) writeFrame(message []byte, ok bool) bool {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if !ok {
		c.conn.WriteMessage(websocket.CloseMessage, []byte{})
		return false
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
		slog.Error("error writing frame", "connId", c.id, "error", err)
		return false
	}
	return true
}

// drainClass flushes every queued frame of a higher class. Returns false on
// write error or when the channel closed.
func (c *Client) drainClass(ch chan []byte) bool {
	for {
		select {
		case message, ok := <-ch:
			if !ok {
				return false
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return false
			}
		default:
			return true
		}
	}
}
