package voice

import (
	"context"
	"encoding/json"

	"github.com/yurtcord/realtime/internal/v1/transport"
	"github.com/yurtcord/realtime/internal/v1/types"
)

// WebRTC signalling pass-through. The hub relays SDP and ICE payloads to
// the named peer with the sender's connection id appended; the payload is
// never inspected.

func (h *Hub) forwardSignal(c types.ClientConn, args transport.Args, event string) error {
	targetID, err := args.String(0)
	if err != nil || targetID == "" {
		c.SendEvent(EventVoiceError, "target connection id required")
		return nil
	}
	var payload json.RawMessage
	if err := args.Decode(1, &payload); err != nil {
		c.SendEvent(EventVoiceError, "signal payload required")
		return nil
	}

	target, ok := h.registry.Conn(types.ConnID(targetID))
	if !ok {
		c.SendEvent(EventVoiceError, "target connection not found")
		return nil
	}
	target.SendEvent(event, payload, c.ID())
	return nil
}

// SendOffer relays an SDP offer.
func (h *Hub) SendOffer(ctx context.Context, c types.ClientConn, args transport.Args) error {
	return h.forwardSignal(c, args, EventReceiveOffer)
}

// SendAnswer relays an SDP answer.
func (h *Hub) SendAnswer(ctx context.Context, c types.ClientConn, args transport.Args) error {
	return h.forwardSignal(c, args, EventReceiveAnswer)
}

// SendIceCandidate relays an ICE candidate.
func (h *Hub) SendIceCandidate(ctx context.Context, c types.ClientConn, args transport.Args) error {
	return h.forwardSignal(c, args, EventReceiveIceCandidate)
}
