package types

import "time"

// FrameClass classifies outbound frames for backpressure handling.
//
// Control frames (auth results, chat, call transitions, errors) are never
// dropped; a consumer that cannot drain them is force-disconnected. Media
// frames are queued per class and droppable: the transport evicts the
// oldest queued screen frames first, then the oldest audio frames.
type FrameClass int

const (
	FrameControl FrameClass = iota
	FrameAudio
	FrameScreen
)

// ClientConn is the view of a transport connection the hubs operate on.
//
// In production it is implemented by transport.Client; tests substitute mock
// implementations. Every Send* method is safe for concurrent use and never
// blocks: the transport serialises outbound frames per connection and applies
// the FrameClass drop policy when the peer cannot keep up.
type ClientConn interface {
	ID() ConnID

	// UserID returns the bound user id, or "" while in handshake state.
	UserID() UserID

	// BindUser binds the connection to a user exactly once. It returns false
	// if the connection is already bound.
	BindUser(UserID) bool

	Authenticated() bool

	// SessionID is the opaque value minted per successful authentication.
	SessionID() string
	SetSessionID(string)

	// SendEvent marshals and enqueues a server event as a control frame.
	SendEvent(name string, args ...any)

	// SendRaw enqueues a pre-marshalled frame under the given class. Used by
	// the router to marshal a broadcast payload once per fan-out.
	SendRaw(data []byte, class FrameClass)

	// Touch records activity for idle-disconnect accounting.
	Touch()
	LastSeen() time.Time
	HandshakeAt() time.Time

	// Close tears the connection down. Safe to call more than once.
	Close(reason string)
}
