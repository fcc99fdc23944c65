// Package testutil provides shared test doubles for the realtime fabric:
// a recording mock connection, a programmable fake authenticator, and a
// wiring fixture that assembles a session core over the in-memory
// repository.
package testutil

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/yurtcord/realtime/internal/v1/transport"
	"github.com/yurtcord/realtime/internal/v1/types"
)

// RecordedEvent is one frame captured by a MockConn.
type RecordedEvent struct {
	Name  string
	Args  []json.RawMessage
	Class types.FrameClass
}

// DecodeArg unmarshals argument i of the recorded event into v.
func (e RecordedEvent) DecodeArg(i int, v any) error {
	if i >= len(e.Args) {
		return fmt.Errorf("event %s has no argument %d", e.Name, i)
	}
	return json.Unmarshal(e.Args[i], v)
}

// MockConn implements types.ClientConn and records every frame sent to it.
type MockConn struct {
	ConnID types.ConnID

	mu          sync.Mutex
	userID      types.UserID
	sessionID   string
	handshakeAt time.Time
	lastSeen    time.Time
	closed      bool
	closeReason string
	events      []RecordedEvent
}

// NewMockConn creates a connection in handshake state.
func NewMockConn(id string) *MockConn {
	now := time.Now().UTC()
	return &MockConn{ConnID: types.ConnID(id), handshakeAt: now, lastSeen: now}
}

func (m *MockConn) ID() types.ConnID { return m.ConnID }

func (m *MockConn) Hub() string { return "test" }

func (m *MockConn) UserID() types.UserID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.userID
}

func (m *MockConn) BindUser(id types.UserID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.userID != "" {
		return false
	}
	m.userID = id
	return true
}

func (m *MockConn) Authenticated() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.userID != ""
}

func (m *MockConn) SessionID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessionID
}

func (m *MockConn) SetSessionID(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessionID = id
}

func (m *MockConn) SendEvent(name string, args ...any) {
	data, err := transport.EncodeEvent(name, args...)
	if err != nil {
		panic(fmt.Sprintf("testutil: failed to encode event %s: %v", name, err))
	}
	m.SendRaw(data, types.FrameControl)
}

func (m *MockConn) SendRaw(data []byte, class types.FrameClass) {
	var frame struct {
		Name string            `json:"name"`
		Args []json.RawMessage `json:"args"`
	}
	if err := json.Unmarshal(data, &frame); err != nil {
		panic(fmt.Sprintf("testutil: malformed frame: %v", err))
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.events = append(m.events, RecordedEvent{Name: frame.Name, Args: frame.Args, Class: class})
}

func (m *MockConn) Touch() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastSeen = time.Now().UTC()
}

func (m *MockConn) LastSeen() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastSeen
}

func (m *MockConn) HandshakeAt() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.handshakeAt
}

// SetHandshakeAt backdates the handshake for expiry tests.
func (m *MockConn) SetHandshakeAt(t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handshakeAt = t
}

func (m *MockConn) Close(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	m.closeReason = reason
}

// Closed reports whether Close was called, and with what reason.
func (m *MockConn) Closed() (bool, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed, m.closeReason
}

// Events snapshots every recorded frame.
func (m *MockConn) Events() []RecordedEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]RecordedEvent, len(m.events))
	copy(out, m.events)
	return out
}

// EventsNamed returns the recorded frames with the given event name.
func (m *MockConn) EventsNamed(name string) []RecordedEvent {
	var out []RecordedEvent
	for _, e := range m.Events() {
		if e.Name == name {
			out = append(out, e)
		}
	}
	return out
}

// CountNamed counts recorded frames with the given event name.
func (m *MockConn) CountNamed(name string) int {
	return len(m.EventsNamed(name))
}

// LastNamed returns the most recent frame with the given name.
func (m *MockConn) LastNamed(name string) (RecordedEvent, bool) {
	events := m.EventsNamed(name)
	if len(events) == 0 {
		return RecordedEvent{}, false
	}
	return events[len(events)-1], true
}

// ClearEvents drops recorded frames, usually after fixture setup.
func (m *MockConn) ClearEvents() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = nil
}

// MustArgs marshals values into a transport argument list.
func MustArgs(values ...any) transport.Args {
	args := make(transport.Args, 0, len(values))
	for _, v := range values {
		data, err := json.Marshal(v)
		if err != nil {
			panic(fmt.Sprintf("testutil: failed to marshal arg: %v", err))
		}
		args = append(args, json.RawMessage(data))
	}
	return args
}
