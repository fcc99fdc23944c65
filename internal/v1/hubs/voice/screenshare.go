package voice

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/yurtcord/realtime/internal/v1/metrics"
	"github.com/yurtcord/realtime/internal/v1/router"
	"github.com/yurtcord/realtime/internal/v1/transport"
	"github.com/yurtcord/realtime/internal/v1/types"
)

// bandwidthBucket is a 1-second token bucket. Frames that would exceed the
// ceiling are dropped, never queued; the bucket stays unchanged on a drop.
type bandwidthBucket struct {
	mu          sync.Mutex
	windowStart time.Time
	used        int64
}

// admit charges n bytes against the ceiling for the current window.
func (b *bandwidthBucket) admit(now time.Time, n, ceiling int64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if now.Sub(b.windowStart) >= time.Second {
		b.windowStart = now
		b.used = 0
	}
	if b.used+n > ceiling {
		return false
	}
	b.used += n
	return true
}

func bucketFor(m *sync.Map, id types.ConnID) *bandwidthBucket {
	v, _ := m.LoadOrStore(id, &bandwidthBucket{})
	return v.(*bandwidthBucket)
}

// screenShare tracks one sharer's stream: relay statistics, dimensions,
// quality label, and the viewer set.
type screenShare struct {
	mu            sync.Mutex
	sharer        types.ConnID
	sharerUser    types.UserID
	username      string
	channelID     string
	startedAt     time.Time
	framesSent    int64
	framesDropped int64
	bytesSent     int64
	lastWidth     int
	lastHeight    int
	lastFrameAt   time.Time
	quality       string
	viewers       map[types.ConnID]struct{}
}

// shareDTO is the wire projection of a screen share.
type shareDTO struct {
	ConnID        types.ConnID `json:"connectionId"`
	UserID        types.UserID `json:"userId"`
	Username      string       `json:"username"`
	ChannelID     string       `json:"channelId"`
	StartedAt     time.Time    `json:"startedAt"`
	FramesSent    int64        `json:"framesSent"`
	FramesDropped int64        `json:"framesDropped"`
	BytesSent     int64        `json:"bytesSent"`
	Width         int          `json:"width"`
	Height        int          `json:"height"`
	Quality       string       `json:"quality"`
	ViewerCount   int          `json:"viewerCount"`
}

func (s *screenShare) dto() shareDTO {
	s.mu.Lock()
	defer s.mu.Unlock()
	return shareDTO{
		ConnID:        s.sharer,
		UserID:        s.sharerUser,
		Username:      s.username,
		ChannelID:     s.channelID,
		StartedAt:     s.startedAt,
		FramesSent:    s.framesSent,
		FramesDropped: s.framesDropped,
		BytesSent:     s.bytesSent,
		Width:         s.lastWidth,
		Height:        s.lastHeight,
		Quality:       s.quality,
		ViewerCount:   len(s.viewers),
	}
}

// StartScreenShare begins a share in the caller's voice channel. At most
// one share per connection; per-channel concurrent streams are capped.
func (h *Hub) StartScreenShare(ctx context.Context, c types.ClientConn, args transport.Args) error {
	vc, ok := h.channelOf(c.ID())
	if !ok {
		c.SendEvent(EventVoiceError, "not in a voice channel")
		return nil
	}
	if _, already := h.shares.Load(c.ID()); already {
		c.SendEvent(EventVoiceError, "screen share already active")
		return nil
	}

	// Cap concurrent streams per channel.
	streams := 0
	h.shares.Range(func(_, v any) bool {
		if v.(*screenShare).channelID == vc.id {
			streams++
		}
		return true
	})
	if streams >= h.cfg.MaxStreamsPerChannel {
		c.SendEvent(EventVoiceError, "too many concurrent streams in channel")
		return nil
	}

	vc.mu.Lock()
	p, exists := vc.participants[c.ID()]
	var username string
	if exists {
		p.ScreenSharing = true
		username = p.Username
	}
	vc.mu.Unlock()
	if !exists {
		c.SendEvent(EventVoiceError, "not in a voice channel")
		return nil
	}

	share := &screenShare{
		sharer:     c.ID(),
		sharerUser: c.UserID(),
		username:   username,
		channelID:  vc.id,
		startedAt:  h.clock.Now(),
		quality:    "720p",
		viewers:    make(map[types.ConnID]struct{}),
	}
	h.shares.Store(c.ID(), share)

	h.router.Broadcast(router.Voice(vc.id), EventUserScreenShareChanged, c.ID(), true)
	h.router.BroadcastExcept(router.Voice(vc.id), c.ID(), EventScreenShareStarted, c.ID(), username, vc.id)
	return nil
}

// StopScreenShare ends the caller's share.
func (h *Hub) StopScreenShare(ctx context.Context, c types.ClientConn, args transport.Args) error {
	h.stopScreenShareFor(c.ID(), false)
	return nil
}

// stopScreenShareFor tears a share down and notifies the channel. Dropping
// the viewer set is part of stopping. For a connection that is not sharing
// it does nothing and sends no event, whatever fromDisconnect says.
func (h *Hub) stopScreenShareFor(connID types.ConnID, fromDisconnect bool) {
	v, loaded := h.shares.LoadAndDelete(connID)
	if !loaded {
		return
	}
	share := v.(*screenShare)

	share.mu.Lock()
	channelID := share.channelID
	share.viewers = nil
	share.mu.Unlock()

	if cv, ok := h.channels.Load(channelID); ok {
		vc := cv.(*voiceChannel)
		vc.mu.Lock()
		if p, exists := vc.participants[connID]; exists {
			p.ScreenSharing = false
		}
		vc.mu.Unlock()
	}

	h.router.Broadcast(router.Voice(channelID), EventScreenShareStopped, connID)
	h.router.Broadcast(router.Voice(channelID), EventUserScreenShareChanged, connID, false)
}

// dropViewerEverywhere removes a connection from every share's viewer set.
func (h *Hub) dropViewerEverywhere(connID types.ConnID) {
	h.shares.Range(func(_, v any) bool {
		share := v.(*screenShare)
		share.mu.Lock()
		_, wasViewer := share.viewers[connID]
		if wasViewer {
			delete(share.viewers, connID)
		}
		count := len(share.viewers)
		sharer := share.sharer
		share.mu.Unlock()
		if wasViewer {
			if sc, ok := h.registry.Conn(sharer); ok {
				sc.SendEvent(EventViewerCountUpdated, count)
			}
		}
		return true
	})
}

// SendScreenFrame relays a frame to the other channel participants, subject
// to the per-sender upload bucket and the advisory per-viewer download
// ceiling. Frames above the ceiling are dropped silently.
func (h *Hub) SendScreenFrame(ctx context.Context, c types.ClientConn, args transport.Args) error {
	payload, err := args.Bytes(0)
	if err != nil || len(payload) == 0 {
		return nil
	}
	width, _ := args.Int(1)
	height, _ := args.Int(2)

	v, ok := h.shares.Load(c.ID())
	if !ok {
		return nil
	}
	share := v.(*screenShare)

	now := h.clock.Now()
	size := int64(len(payload))
	if !bucketFor(&h.uploadBuckets, c.ID()).admit(now, size, h.cfg.UploadCeilingBytes) {
		share.mu.Lock()
		share.framesDropped++
		share.mu.Unlock()
		metrics.ScreenFramesThrottled.Inc()
		return nil
	}

	share.mu.Lock()
	share.framesSent++
	share.bytesSent += size
	share.lastWidth = width
	share.lastHeight = height
	share.lastFrameAt = now
	channelID := share.channelID
	share.mu.Unlock()
	metrics.ScreenFramesRelayed.Inc()

	// Fan out to the channel, never echoing to the sender. The download
	// ceiling is advisory: a viewer over budget loses frames for the rest
	// of the window rather than being disconnected.
	data := transport.MustEncodeEvent(EventReceiveScreenFrame, c.ID(), payload, width, height)
	for _, member := range h.router.Members(router.Voice(channelID)) {
		if member.ID() == c.ID() {
			continue
		}
		if !bucketFor(&h.viewerBuckets, member.ID()).admit(now, size, h.cfg.DownloadCeilingBytes) {
			metrics.FramesDropped.WithLabelValues("screen").Inc()
			continue
		}
		member.SendRaw(data, types.FrameScreen)
	}
	return nil
}

// JoinScreenShare adds the caller to a sharer's viewer set and tells the
// sharer its new viewer count.
func (h *Hub) JoinScreenShare(ctx context.Context, c types.ClientConn, args transport.Args) error {
	sharerID, err := args.String(0)
	if err != nil || sharerID == "" {
		c.SendEvent(EventVoiceError, "sharer connection id required")
		return nil
	}
	v, ok := h.shares.Load(types.ConnID(sharerID))
	if !ok {
		c.SendEvent(EventVoiceError, "no active screen share for connection")
		return nil
	}
	share := v.(*screenShare)

	share.mu.Lock()
	if share.viewers == nil {
		share.mu.Unlock()
		c.SendEvent(EventVoiceError, "no active screen share for connection")
		return nil
	}
	share.viewers[c.ID()] = struct{}{}
	count := len(share.viewers)
	sharer := share.sharer
	share.mu.Unlock()

	if sc, ok := h.registry.Conn(sharer); ok {
		sc.SendEvent(EventViewerCountUpdated, count)
	}
	return nil
}

// LeaveScreenShare removes the caller from a sharer's viewer set.
func (h *Hub) LeaveScreenShare(ctx context.Context, c types.ClientConn, args transport.Args) error {
	sharerID, err := args.String(0)
	if err != nil || sharerID == "" {
		return nil
	}
	v, ok := h.shares.Load(types.ConnID(sharerID))
	if !ok {
		return nil
	}
	share := v.(*screenShare)

	share.mu.Lock()
	delete(share.viewers, c.ID())
	count := len(share.viewers)
	sharer := share.sharer
	share.mu.Unlock()

	if sc, ok := h.registry.Conn(sharer); ok {
		sc.SendEvent(EventViewerCountUpdated, count)
	}
	return nil
}

// GetActiveScreenShares returns the shares running in the caller's channel.
func (h *Hub) GetActiveScreenShares(ctx context.Context, c types.ClientConn, args transport.Args) error {
	vc, ok := h.channelOf(c.ID())
	if !ok {
		c.SendEvent(EventActiveScreenShares, []shareDTO{})
		return nil
	}

	var out []shareDTO
	h.shares.Range(func(_, v any) bool {
		share := v.(*screenShare)
		if share.channelID == vc.id {
			out = append(out, share.dto())
		}
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	c.SendEvent(EventActiveScreenShares, out)
	return nil
}

// RequestScreenQuality passes a viewer's quality preference through to the
// sharer, which is free to honour or ignore it.
func (h *Hub) RequestScreenQuality(ctx context.Context, c types.ClientConn, args transport.Args) error {
	sharerID, err := args.String(0)
	if err != nil || sharerID == "" {
		c.SendEvent(EventVoiceError, "sharer connection id required")
		return nil
	}
	quality, err := args.String(1)
	if err != nil || !ScreenQualities[quality] {
		c.SendEvent(EventVoiceError, "unknown quality label")
		return nil
	}

	v, ok := h.shares.Load(types.ConnID(sharerID))
	if !ok {
		c.SendEvent(EventVoiceError, "no active screen share for connection")
		return nil
	}
	share := v.(*screenShare)

	h.qualityPrefs.Store(c.ID(), quality)
	share.mu.Lock()
	share.quality = quality
	sharer := share.sharer
	share.mu.Unlock()

	if sc, ok := h.registry.Conn(sharer); ok {
		sc.SendEvent(EventScreenQualityRequested, quality, c.ID())
	}
	return nil
}
