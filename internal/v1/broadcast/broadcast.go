// Package broadcast exposes the process-wide push API: the entry points
// other components (REST controllers, timers, the marketplace engine) use
// to push events into a hub without a live connection context.
//
// The API holds injected hub handles rather than package-level state, so
// tests can wire it against fakes and nothing hides behind globals.
package broadcast

import (
	"context"
	"encoding/json"

	"github.com/yurtcord/realtime/internal/v1/hubs/chat"
	"github.com/yurtcord/realtime/internal/v1/hubs/content"
	"github.com/yurtcord/realtime/internal/v1/hubs/notify"
	"github.com/yurtcord/realtime/internal/v1/types"
)

// API is the cross-hub broadcast surface.
type API struct {
	chat    *chat.Hub
	notify  *notify.Hub
	content *content.Hub
}

// New wires the API to its hub handles.
func New(chatHub *chat.Hub, notifyHub *notify.Hub, contentHub *content.Hub) *API {
	return &API{chat: chatHub, notify: notifyHub, content: contentHub}
}

// BroadcastProfileUpdate refreshes the cached snapshot and pushes
// UserProfileUpdated to every connected client.
func (a *API) BroadcastProfileUpdate(snapshot types.UserSnapshot) {
	a.chat.BroadcastProfileUpdate(snapshot)
}

// SendNotificationToUser delivers a notification and bumps the unread
// counter.
func (a *API) SendNotificationToUser(ctx context.Context, userID types.UserID, notificationType, title, message, icon, actionURL string) (*types.Notification, error) {
	return a.notify.SendNotificationToUser(ctx, userID, notificationType, title, message, icon, actionURL)
}

// Content feed routing. Each call fans out to the groups its event class
// belongs to; see the content hub for the routing table.

func (a *API) BroadcastNewPost(post content.PostDTO)    { a.content.BroadcastNewPost(post) }
func (a *API) BroadcastNewProduct(p content.ProductDTO) { a.content.BroadcastNewProduct(p) }
func (a *API) BroadcastPostUpdate(post content.PostDTO) { a.content.BroadcastPostUpdate(post) }
func (a *API) BroadcastFeedItem(item json.RawMessage)   { a.content.BroadcastFeedItem(item) }

func (a *API) BroadcastAuctionBid(ctx context.Context, bid content.BidDTO) {
	a.content.BroadcastAuctionBid(ctx, bid)
}

func (a *API) BroadcastAuctionEnding(auctionID string, secondsLeft int) {
	a.content.BroadcastAuctionEnding(auctionID, secondsLeft)
}

func (a *API) BroadcastImageUpload(userID types.UserID, imageURL string) {
	a.content.BroadcastImageUpload(userID, imageURL)
}

func (a *API) BroadcastReaction(postID string, authorID, reactorID types.UserID, emoji string) {
	a.content.BroadcastReaction(postID, authorID, reactorID, emoji)
}

func (a *API) BroadcastComment(postID string, authorID, commenterID types.UserID, comment string) {
	a.content.BroadcastComment(postID, authorID, commenterID, comment)
}

func (a *API) BroadcastPresenceUpdate(userID types.UserID, status types.PresenceStatus) {
	a.content.BroadcastPresenceUpdate(userID, status)
}

func (a *API) BroadcastPriceDrop(ctx context.Context, auctionID, category string, oldPrice, newPrice float64) {
	a.content.BroadcastPriceDrop(ctx, auctionID, category, oldPrice, newPrice)
}
