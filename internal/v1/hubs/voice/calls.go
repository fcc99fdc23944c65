package voice

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"k8s.io/utils/clock"

	"github.com/yurtcord/realtime/internal/v1/metrics"
	"github.com/yurtcord/realtime/internal/v1/router"
	"github.com/yurtcord/realtime/internal/v1/transport"
	"github.com/yurtcord/realtime/internal/v1/types"
)

// CallStatus is the 1:1 call state machine's state set.
type CallStatus string

const (
	CallRinging    CallStatus = "ringing"
	CallInProgress CallStatus = "in_progress"
	CallDeclined   CallStatus = "declined"
	CallMissed     CallStatus = "missed"
	CallEnded      CallStatus = "ended"
)

func (s CallStatus) terminal() bool {
	return s == CallDeclined || s == CallMissed || s == CallEnded
}

// call is one 1:1 call. Mutated only under the callTable lock.
type call struct {
	ID            types.CallID
	CallerID      types.UserID
	RecipientID   types.UserID
	CallerConn    types.ConnID
	RecipientConn types.ConnID // set when a recipient connection answers
	Status        CallStatus
	StartedAt     time.Time
	AnsweredAt    *time.Time
	EndedAt       *time.Time
	ringTimer     clock.Timer
}

// callDTO is the wire projection of a call.
type callDTO struct {
	ID          types.CallID `json:"id"`
	CallerID    types.UserID `json:"callerId"`
	CallerName  string       `json:"callerName,omitempty"`
	RecipientID types.UserID `json:"recipientId"`
	Status      CallStatus   `json:"status"`
	StartedAt   time.Time    `json:"startedAt"`
	AnsweredAt  *time.Time   `json:"answeredAt,omitempty"`
	DurationSec float64      `json:"durationSec,omitempty"`
}

func (cl *call) dto() callDTO {
	dto := callDTO{
		ID:          cl.ID,
		CallerID:    cl.CallerID,
		RecipientID: cl.RecipientID,
		Status:      cl.Status,
		StartedAt:   cl.StartedAt,
		AnsweredAt:  cl.AnsweredAt,
	}
	if cl.AnsweredAt != nil && cl.EndedAt != nil {
		dto.DurationSec = cl.EndedAt.Sub(*cl.AnsweredAt).Seconds()
	}
	return dto
}

// callTable owns every 1:1 call. Calls are control-plane traffic; a single
// table lock keeps the ≤-one-active-call-per-user invariant trivially
// atomic without touching the media fast path.
type callTable struct {
	mu     sync.Mutex
	calls  map[types.CallID]*call
	byUser map[types.UserID]types.CallID // non-terminal call per user
}

func newCallTable() *callTable {
	return &callTable{
		calls:  make(map[types.CallID]*call),
		byUser: make(map[types.UserID]types.CallID),
	}
}

// removeLocked drops a terminal call from the table.
func (t *callTable) removeLocked(cl *call) {
	if cl.ringTimer != nil {
		cl.ringTimer.Stop()
		cl.ringTimer = nil
	}
	delete(t.calls, cl.ID)
	if t.byUser[cl.CallerID] == cl.ID {
		delete(t.byUser, cl.CallerID)
	}
	if t.byUser[cl.RecipientID] == cl.ID {
		delete(t.byUser, cl.RecipientID)
	}
	metrics.ActiveCalls.Dec()
}

// StartCall rings another user. The caller must have no active call; an
// offline recipient fails immediately.
func (h *Hub) StartCall(ctx context.Context, c types.ClientConn, args transport.Args) error {
	recipientID, err := args.String(0)
	if err != nil || recipientID == "" {
		c.SendEvent(EventCallError, "recipient id required")
		return nil
	}
	recipient := types.UserID(recipientID)
	caller := c.UserID()
	if recipient == caller {
		c.SendEvent(EventCallError, "cannot call yourself")
		return nil
	}

	if !h.registry.IsOnline(recipient) {
		c.SendEvent(EventCallFailed, "User is not online")
		return nil
	}

	t := h.calls
	t.mu.Lock()
	if _, busy := t.byUser[caller]; busy {
		t.mu.Unlock()
		c.SendEvent(EventCallError, "already in a call")
		return nil
	}
	if _, busy := t.byUser[recipient]; busy {
		t.mu.Unlock()
		c.SendEvent(EventCallError, "user is busy")
		return nil
	}

	cl := &call{
		ID:          types.CallID(uuid.NewString()),
		CallerID:    caller,
		RecipientID: recipient,
		CallerConn:  c.ID(),
		Status:      CallRinging,
		StartedAt:   h.clock.Now().UTC(),
	}
	t.calls[cl.ID] = cl
	t.byUser[caller] = cl.ID
	t.byUser[recipient] = cl.ID
	cl.ringTimer = h.clock.AfterFunc(h.cfg.RingingTimeout, func() { h.ringTimeout(cl.ID) })
	dto := cl.dto()
	t.mu.Unlock()
	metrics.ActiveCalls.Inc()

	if snap, ok := h.registry.Snapshot(caller); ok {
		dto.CallerName = snap.Username
	}
	c.SendEvent(EventCallStarted, dto)
	h.router.Broadcast(router.User(recipient), EventIncomingCall, dto)
	return nil
}

// ringTimeout transitions a still-ringing call to Missed.
func (h *Hub) ringTimeout(id types.CallID) {
	t := h.calls
	t.mu.Lock()
	cl, ok := t.calls[id]
	if !ok || cl.Status != CallRinging {
		t.mu.Unlock()
		return
	}
	cl.Status = CallMissed
	// This runs inside the clock's callback, which a fake clock dispatches
	// while holding its own lock: derive the end time instead of reading the
	// clock, and drop the spent timer instead of stopping it.
	endedAt := cl.StartedAt.Add(h.cfg.RingingTimeout)
	cl.EndedAt = &endedAt
	cl.ringTimer = nil
	dto := cl.dto()
	t.removeLocked(cl)
	t.mu.Unlock()

	h.router.Broadcast(router.User(dto.CallerID), EventCallMissed, dto)
	h.router.Broadcast(router.User(dto.RecipientID), EventCallMissed, dto)
}

// AnswerCall accepts or declines a ringing call. Only the recipient may
// answer; every connection of both endpoints hears the outcome.
func (h *Hub) AnswerCall(ctx context.Context, c types.ClientConn, args transport.Args) error {
	id, err := args.String(0)
	if err != nil || id == "" {
		c.SendEvent(EventCallError, "call id required")
		return nil
	}
	accept, err := args.Bool(1)
	if err != nil {
		c.SendEvent(EventCallError, "accept flag required")
		return nil
	}

	t := h.calls
	t.mu.Lock()
	cl, ok := t.calls[types.CallID(id)]
	if !ok {
		t.mu.Unlock()
		c.SendEvent(EventCallError, "call not found")
		return nil
	}
	if cl.RecipientID != c.UserID() {
		t.mu.Unlock()
		c.SendEvent(EventCallError, "only the recipient can answer")
		return nil
	}
	if cl.Status != CallRinging {
		t.mu.Unlock()
		c.SendEvent(EventCallError, "call is not ringing")
		return nil
	}

	if cl.ringTimer != nil {
		cl.ringTimer.Stop()
		cl.ringTimer = nil
	}

	var event string
	if accept {
		cl.Status = CallInProgress
		now := h.clock.Now().UTC()
		cl.AnsweredAt = &now
		cl.RecipientConn = c.ID()
		event = EventCallAnswered
	} else {
		cl.Status = CallDeclined
		now := h.clock.Now().UTC()
		cl.EndedAt = &now
		event = EventCallDeclined
	}
	dto := cl.dto()
	if !accept {
		t.removeLocked(cl)
	}
	t.mu.Unlock()

	h.router.Broadcast(router.User(dto.CallerID), event, dto)
	h.router.Broadcast(router.User(dto.RecipientID), event, dto)
	return nil
}

// EndCall hangs up. Idempotent: ending a call that is already gone is a
// silent success.
func (h *Hub) EndCall(ctx context.Context, c types.ClientConn, args transport.Args) error {
	id, err := args.String(0)
	if err != nil || id == "" {
		c.SendEvent(EventCallError, "call id required")
		return nil
	}
	h.endCall(types.CallID(id), c.UserID(), "Ended by user")
	return nil
}

// endCall transitions a call to Ended and notifies both endpoints. by
// restricts the operation to a participant; pass "" for system-initiated
// teardown.
func (h *Hub) endCall(id types.CallID, by types.UserID, reason string) {
	t := h.calls
	t.mu.Lock()
	cl, ok := t.calls[id]
	if !ok || cl.Status.terminal() {
		t.mu.Unlock()
		return
	}
	if by != "" && by != cl.CallerID && by != cl.RecipientID {
		t.mu.Unlock()
		return
	}
	cl.Status = CallEnded
	now := h.clock.Now().UTC()
	cl.EndedAt = &now
	dto := cl.dto()
	t.removeLocked(cl)
	t.mu.Unlock()

	h.router.Broadcast(router.User(dto.CallerID), EventCallEnded, dto.ID, reason, dto)
	h.router.Broadcast(router.User(dto.RecipientID), EventCallEnded, dto.ID, reason, dto)
}

// endForDisconnect tears down the call a disconnecting connection was part
// of. A ringing call survives as long as the recipient still has another
// live connection to answer from.
func (t *callTable) endForDisconnect(h *Hub, c types.ClientConn) {
	uid := c.UserID()
	if uid == "" {
		return
	}
	t.mu.Lock()
	id, ok := t.byUser[uid]
	if !ok {
		t.mu.Unlock()
		return
	}
	cl := t.calls[id]

	switch cl.Status {
	case CallRinging:
		if uid == cl.RecipientID && len(h.registry.Connections(uid)) > 1 {
			// Another device can still answer.
			t.mu.Unlock()
			return
		}
	case CallInProgress:
		if c.ID() != cl.CallerConn && c.ID() != cl.RecipientConn {
			// Not an active endpoint of the call.
			t.mu.Unlock()
			return
		}
	}
	t.mu.Unlock()

	h.endCall(id, uid, "User disconnected")
}

// activeEndpoints resolves the two live connections audio flows between.
func (t *callTable) activeEndpoints(id types.CallID, sender types.ConnID) (peer types.ConnID, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	cl, exists := t.calls[id]
	if !exists || cl.Status != CallInProgress {
		return "", false
	}
	switch sender {
	case cl.CallerConn:
		return cl.RecipientConn, true
	case cl.RecipientConn:
		return cl.CallerConn, true
	default:
		return "", false
	}
}

// SendCallAudio forwards audio to the peer's active connection. Only valid
// while the call is in progress and the sender is an active endpoint.
func (h *Hub) SendCallAudio(ctx context.Context, c types.ClientConn, args transport.Args) error {
	id, err := args.String(0)
	if err != nil || id == "" {
		return nil
	}
	payload, err := args.Bytes(1)
	if err != nil || len(payload) == 0 {
		return nil
	}

	peer, ok := h.calls.activeEndpoints(types.CallID(id), c.ID())
	if !ok {
		return nil
	}
	if pc, exists := h.registry.Conn(peer); exists {
		data := transport.MustEncodeEvent(EventReceiveCallAudio, id, payload)
		pc.SendRaw(data, types.FrameAudio)
	}
	return nil
}

// SendCallSpeakingState forwards a speaking indicator to the peer.
func (h *Hub) SendCallSpeakingState(ctx context.Context, c types.ClientConn, args transport.Args) error {
	id, err := args.String(0)
	if err != nil || id == "" {
		return nil
	}
	speaking, _ := args.Bool(1)
	level, _ := args.Float(2)

	peer, ok := h.calls.activeEndpoints(types.CallID(id), c.ID())
	if !ok {
		return nil
	}
	if pc, exists := h.registry.Conn(peer); exists {
		pc.SendEvent(EventCallSpeakingState, id, speaking, level)
	}
	return nil
}
