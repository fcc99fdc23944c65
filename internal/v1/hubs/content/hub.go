// Package content implements the content-feed hub: the publish/subscribe
// surface for posts, product listings, auction activity, price drops, and
// profile updates.
//
// Subscription state is in-memory and per-user; it is created on first
// authentication and mutated by the subscribe operations. Routing fans each
// event class out to the groups that carry it: global_feed for public
// traffic, following_<author> for followers, category_<cat> for category
// subscribers, auction_<id> for watchers.
package content

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"

	"github.com/yurtcord/realtime/internal/v1/registry"
	"github.com/yurtcord/realtime/internal/v1/repository"
	"github.com/yurtcord/realtime/internal/v1/router"
	"github.com/yurtcord/realtime/internal/v1/session"
	"github.com/yurtcord/realtime/internal/v1/transport"
	"github.com/yurtcord/realtime/internal/v1/types"
)

// Event names pushed by the content hub.
const (
	EventNewPost             = "NewPost"
	EventNewProduct          = "NewProduct"
	EventAuctionBid          = "AuctionBid"
	EventAuctionEnding       = "AuctionEnding"
	EventPostUpdated         = "PostUpdated"
	EventImageUploaded       = "ImageUploaded"
	EventContentReaction     = "ContentReaction"
	EventContentComment      = "ContentComment"
	EventPresenceUpdate      = "PresenceUpdate"
	EventPriceDrop           = "PriceDrop"
	EventFeedItem            = "FeedItem"
	EventSubscription        = "Subscription"
	EventSubscriptionUpdated = "SubscriptionUpdated"
	EventContentError        = "ContentError"
)

// SubscriptionDTO is the wire form of a user's content subscription. Every
// set is de-duplicated.
type SubscriptionDTO struct {
	ReceiveAllPublicPosts bool           `json:"receiveAllPublicPosts"`
	ReceiveAuctionUpdates bool           `json:"receiveAuctionUpdates"`
	ReceivePriceDrops     bool           `json:"receivePriceDrops"`
	FollowedUserIDs       []types.UserID `json:"followedUserIds"`
	WatchedAuctionIDs     []string       `json:"watchedAuctionIds"`
	InterestedCategories  []string       `json:"interestedCategories"`
}

// subscription is one user's live subscription state.
type subscription struct {
	mu                    sync.Mutex
	receiveAllPublicPosts bool
	receiveAuctionUpdates bool
	receivePriceDrops     bool
	followed              map[types.UserID]bool
	watchedAuctions       map[string]bool
	categories            map[string]bool
}

func newSubscription() *subscription {
	return &subscription{
		receiveAllPublicPosts: true,
		receiveAuctionUpdates: true,
		receivePriceDrops:     true,
		followed:              make(map[types.UserID]bool),
		watchedAuctions:       make(map[string]bool),
		categories:            make(map[string]bool),
	}
}

func (s *subscription) dto() SubscriptionDTO {
	s.mu.Lock()
	defer s.mu.Unlock()
	dto := SubscriptionDTO{
		ReceiveAllPublicPosts: s.receiveAllPublicPosts,
		ReceiveAuctionUpdates: s.receiveAuctionUpdates,
		ReceivePriceDrops:     s.receivePriceDrops,
		FollowedUserIDs:       []types.UserID{},
		WatchedAuctionIDs:     []string{},
		InterestedCategories:  []string{},
	}
	for id := range s.followed {
		dto.FollowedUserIDs = append(dto.FollowedUserIDs, id)
	}
	for id := range s.watchedAuctions {
		dto.WatchedAuctionIDs = append(dto.WatchedAuctionIDs, id)
	}
	for cat := range s.categories {
		dto.InterestedCategories = append(dto.InterestedCategories, cat)
	}
	return dto
}

// Hub is the content hub.
type Hub struct {
	router   *router.Router
	registry *registry.Registry
	repo     repository.Repository

	subs sync.Map // types.UserID -> *subscription
}

// New creates the content hub and registers its methods and lifecycle hooks
// with the session core.
func New(core *session.Core, rt *router.Router, reg *registry.Registry, repo repository.Repository) *Hub {
	h := &Hub{router: rt, registry: reg, repo: repo}

	core.Register("FollowUser", h.FollowUser)
	core.Register("UnfollowUser", h.UnfollowUser)
	core.Register("WatchAuction", h.WatchAuction)
	core.Register("UnwatchAuction", h.UnwatchAuction)
	core.Register("SubscribeToCategory", h.SubscribeToCategory)
	core.Register("UnsubscribeFromCategory", h.UnsubscribeFromCategory)
	core.Register("UpdateSubscription", h.UpdateSubscription)
	core.Register("GetSubscription", h.GetSubscription)

	core.OnAuthenticated(h.onAuthenticated)
	return h
}

func (h *Hub) subscriptionOf(user types.UserID) *subscription {
	v, _ := h.subs.LoadOrStore(user, newSubscription())
	return v.(*subscription)
}

// onAuthenticated joins the feed groups the user's subscription implies.
// The personal user_<uid> group is joined by the session core.
func (h *Hub) onAuthenticated(ctx context.Context, c types.ClientConn, snapshot types.UserSnapshot, firstConn bool) {
	h.router.Join(router.GlobalFeed, c)

	sub := h.subscriptionOf(snapshot.ID)
	sub.mu.Lock()
	for followed := range sub.followed {
		h.router.Join(router.Following(followed), c)
	}
	for auction := range sub.watchedAuctions {
		h.router.Join(router.Auction(auction), c)
	}
	for cat := range sub.categories {
		h.router.Join(router.Category(cat), c)
	}
	sub.mu.Unlock()
}

// joinAllConns enrols every live connection of a user in a group.
func (h *Hub) joinAllConns(user types.UserID, group types.GroupID) {
	for _, c := range h.registry.Connections(user) {
		h.router.Join(group, c)
	}
}

func (h *Hub) leaveAllConns(user types.UserID, group types.GroupID) {
	for _, c := range h.registry.Connections(user) {
		h.router.Leave(group, c.ID())
	}
}

// --- Subscribe operations ---

// FollowUser subscribes the caller to another user's activity.
func (h *Hub) FollowUser(ctx context.Context, c types.ClientConn, args transport.Args) error {
	id, err := args.String(0)
	if err != nil || id == "" {
		c.SendEvent(EventContentError, "user id required")
		return nil
	}
	target := types.UserID(id)
	if target == c.UserID() {
		c.SendEvent(EventContentError, "cannot follow yourself")
		return nil
	}

	sub := h.subscriptionOf(c.UserID())
	sub.mu.Lock()
	sub.followed[target] = true
	sub.mu.Unlock()

	h.joinAllConns(c.UserID(), router.Following(target))
	h.pushSubscription(c)
	return nil
}

// UnfollowUser removes the subscription.
func (h *Hub) UnfollowUser(ctx context.Context, c types.ClientConn, args transport.Args) error {
	id, err := args.String(0)
	if err != nil || id == "" {
		c.SendEvent(EventContentError, "user id required")
		return nil
	}
	target := types.UserID(id)

	sub := h.subscriptionOf(c.UserID())
	sub.mu.Lock()
	delete(sub.followed, target)
	sub.mu.Unlock()

	h.leaveAllConns(c.UserID(), router.Following(target))
	h.pushSubscription(c)
	return nil
}

// WatchAuction subscribes the caller to an auction's bid stream.
func (h *Hub) WatchAuction(ctx context.Context, c types.ClientConn, args transport.Args) error {
	id, err := args.String(0)
	if err != nil || id == "" {
		c.SendEvent(EventContentError, "auction id required")
		return nil
	}

	sub := h.subscriptionOf(c.UserID())
	sub.mu.Lock()
	sub.watchedAuctions[id] = true
	sub.mu.Unlock()

	h.joinAllConns(c.UserID(), router.Auction(id))
	h.pushSubscription(c)
	return nil
}

// UnwatchAuction removes the subscription.
func (h *Hub) UnwatchAuction(ctx context.Context, c types.ClientConn, args transport.Args) error {
	id, err := args.String(0)
	if err != nil || id == "" {
		c.SendEvent(EventContentError, "auction id required")
		return nil
	}

	sub := h.subscriptionOf(c.UserID())
	sub.mu.Lock()
	delete(sub.watchedAuctions, id)
	sub.mu.Unlock()

	h.leaveAllConns(c.UserID(), router.Auction(id))
	h.pushSubscription(c)
	return nil
}

// SubscribeToCategory subscribes the caller to a marketplace category.
func (h *Hub) SubscribeToCategory(ctx context.Context, c types.ClientConn, args transport.Args) error {
	cat, err := args.String(0)
	if err != nil || cat == "" {
		c.SendEvent(EventContentError, "category required")
		return nil
	}

	sub := h.subscriptionOf(c.UserID())
	sub.mu.Lock()
	sub.categories[cat] = true
	sub.mu.Unlock()

	h.joinAllConns(c.UserID(), router.Category(cat))
	h.pushSubscription(c)
	return nil
}

// UnsubscribeFromCategory removes the subscription.
func (h *Hub) UnsubscribeFromCategory(ctx context.Context, c types.ClientConn, args transport.Args) error {
	cat, err := args.String(0)
	if err != nil || cat == "" {
		c.SendEvent(EventContentError, "category required")
		return nil
	}

	sub := h.subscriptionOf(c.UserID())
	sub.mu.Lock()
	delete(sub.categories, cat)
	sub.mu.Unlock()

	h.leaveAllConns(c.UserID(), router.Category(cat))
	h.pushSubscription(c)
	return nil
}

// UpdateSubscription replaces the whole subscription in one call.
func (h *Hub) UpdateSubscription(ctx context.Context, c types.ClientConn, args transport.Args) error {
	var dto SubscriptionDTO
	if err := args.Decode(0, &dto); err != nil {
		c.SendEvent(EventContentError, "invalid subscription")
		return nil
	}

	sub := h.subscriptionOf(c.UserID())
	sub.mu.Lock()
	oldFollowed, oldAuctions, oldCategories := sub.followed, sub.watchedAuctions, sub.categories
	sub.receiveAllPublicPosts = dto.ReceiveAllPublicPosts
	sub.receiveAuctionUpdates = dto.ReceiveAuctionUpdates
	sub.receivePriceDrops = dto.ReceivePriceDrops
	sub.followed = make(map[types.UserID]bool, len(dto.FollowedUserIDs))
	for _, id := range dto.FollowedUserIDs {
		if id != c.UserID() {
			sub.followed[id] = true
		}
	}
	sub.watchedAuctions = make(map[string]bool, len(dto.WatchedAuctionIDs))
	for _, id := range dto.WatchedAuctionIDs {
		sub.watchedAuctions[id] = true
	}
	sub.categories = make(map[string]bool, len(dto.InterestedCategories))
	for _, cat := range dto.InterestedCategories {
		sub.categories[cat] = true
	}
	newFollowed, newAuctions, newCategories := sub.followed, sub.watchedAuctions, sub.categories
	sub.mu.Unlock()

	// Reconcile group membership with the new sets.
	for id := range oldFollowed {
		if !newFollowed[id] {
			h.leaveAllConns(c.UserID(), router.Following(id))
		}
	}
	for id := range newFollowed {
		if !oldFollowed[id] {
			h.joinAllConns(c.UserID(), router.Following(id))
		}
	}
	for id := range oldAuctions {
		if !newAuctions[id] {
			h.leaveAllConns(c.UserID(), router.Auction(id))
		}
	}
	for id := range newAuctions {
		if !oldAuctions[id] {
			h.joinAllConns(c.UserID(), router.Auction(id))
		}
	}
	for cat := range oldCategories {
		if !newCategories[cat] {
			h.leaveAllConns(c.UserID(), router.Category(cat))
		}
	}
	for cat := range newCategories {
		if !oldCategories[cat] {
			h.joinAllConns(c.UserID(), router.Category(cat))
		}
	}

	h.pushSubscription(c)
	return nil
}

// GetSubscription pushes the caller's current subscription.
func (h *Hub) GetSubscription(ctx context.Context, c types.ClientConn, args transport.Args) error {
	c.SendEvent(EventSubscription, h.subscriptionOf(c.UserID()).dto())
	return nil
}

func (h *Hub) pushSubscription(c types.ClientConn) {
	h.router.Broadcast(router.User(c.UserID()), EventSubscriptionUpdated, h.subscriptionOf(c.UserID()).dto())
}

// --- Static broadcast surface (cross-hub push API) ---

// PostDTO is the feed projection of a post.
type PostDTO struct {
	ID       string       `json:"id"`
	AuthorID types.UserID `json:"authorId"`
	Title    string       `json:"title,omitempty"`
	Content  string       `json:"content,omitempty"`
	ImageURL string       `json:"imageUrl,omitempty"`
	Category string       `json:"category,omitempty"`
}

// ProductDTO is the feed projection of a marketplace listing.
type ProductDTO struct {
	ID       string       `json:"id"`
	SellerID types.UserID `json:"sellerId"`
	Name     string       `json:"name"`
	Price    float64      `json:"price"`
	Category string       `json:"category,omitempty"`
}

// BidDTO is the feed projection of an auction bid.
type BidDTO struct {
	AuctionID string       `json:"auctionId"`
	BidderID  types.UserID `json:"bidderId"`
	Amount    float64      `json:"amount"`
}

// BroadcastNewPost routes a new post to the global feed, the author's
// followers, and its category subscribers.
func (h *Hub) BroadcastNewPost(post PostDTO) {
	h.router.Broadcast(router.GlobalFeed, EventNewPost, post)
	h.router.Broadcast(router.Following(post.AuthorID), EventNewPost, post)
	if post.Category != "" {
		h.router.Broadcast(router.Category(post.Category), EventNewPost, post)
	}
}

// BroadcastNewProduct routes a new listing like a post.
func (h *Hub) BroadcastNewProduct(product ProductDTO) {
	h.router.Broadcast(router.GlobalFeed, EventNewProduct, product)
	h.router.Broadcast(router.Following(product.SellerID), EventNewProduct, product)
	if product.Category != "" {
		h.router.Broadcast(router.Category(product.Category), EventNewProduct, product)
	}
}

// BroadcastAuctionBid routes a bid to the auction's watchers, its owner,
// and the global feed.
func (h *Hub) BroadcastAuctionBid(ctx context.Context, bid BidDTO) {
	h.router.Broadcast(router.Auction(bid.AuctionID), EventAuctionBid, bid)
	h.router.Broadcast(router.GlobalFeed, EventAuctionBid, bid)

	owner, err := h.repo.AuctionOwner(ctx, bid.AuctionID)
	if err != nil {
		if !errors.Is(err, types.ErrNotFound) {
			slog.Warn("Failed to resolve auction owner", "auctionId", bid.AuctionID, "error", err)
		}
		return
	}
	h.router.Broadcast(router.User(owner), EventAuctionBid, bid)
}

// BroadcastAuctionEnding warns an auction's watchers.
func (h *Hub) BroadcastAuctionEnding(auctionID string, secondsLeft int) {
	h.router.Broadcast(router.Auction(auctionID), EventAuctionEnding, auctionID, secondsLeft)
}

// BroadcastPostUpdate routes an edit to followers and the global feed.
func (h *Hub) BroadcastPostUpdate(post PostDTO) {
	h.router.Broadcast(router.GlobalFeed, EventPostUpdated, post)
	h.router.Broadcast(router.Following(post.AuthorID), EventPostUpdated, post)
}

// BroadcastImageUpload routes an upload to the uploader's followers.
func (h *Hub) BroadcastImageUpload(userID types.UserID, imageURL string) {
	h.router.Broadcast(router.Following(userID), EventImageUploaded, userID, imageURL)
}

// BroadcastReaction routes a reaction to the post author.
func (h *Hub) BroadcastReaction(postID string, authorID, reactorID types.UserID, emoji string) {
	h.router.Broadcast(router.User(authorID), EventContentReaction, postID, reactorID, emoji)
}

// BroadcastComment routes a comment to the post author and their followers.
func (h *Hub) BroadcastComment(postID string, authorID, commenterID types.UserID, comment string) {
	h.router.Broadcast(router.User(authorID), EventContentComment, postID, commenterID, comment)
	h.router.Broadcast(router.Following(authorID), EventContentComment, postID, commenterID, comment)
}

// BroadcastPresenceUpdate routes a profile/banner presence change to the
// user's followers and the global feed.
func (h *Hub) BroadcastPresenceUpdate(userID types.UserID, status types.PresenceStatus) {
	h.router.Broadcast(router.GlobalFeed, EventPresenceUpdate, userID, status)
	h.router.Broadcast(router.Following(userID), EventPresenceUpdate, userID, status)
}

// BroadcastPriceDrop routes a price drop to the auction's watchers, its
// category, and the global feed as PriceDrop.
func (h *Hub) BroadcastPriceDrop(ctx context.Context, auctionID, category string, oldPrice, newPrice float64) {
	h.router.Broadcast(router.Auction(auctionID), EventPriceDrop, auctionID, oldPrice, newPrice)
	if category != "" {
		h.router.Broadcast(router.Category(category), EventPriceDrop, auctionID, oldPrice, newPrice)
	}
	h.router.Broadcast(router.GlobalFeed, EventPriceDrop, auctionID, oldPrice, newPrice)
}

// BroadcastFeedItem routes an arbitrary feed item to the global feed.
func (h *Hub) BroadcastFeedItem(item json.RawMessage) {
	h.router.Broadcast(router.GlobalFeed, EventFeedItem, item)
}
