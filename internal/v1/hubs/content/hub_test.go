package content_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yurtcord/realtime/internal/v1/auth"
	"github.com/yurtcord/realtime/internal/v1/hubs/content"
	"github.com/yurtcord/realtime/internal/v1/testutil"
	"github.com/yurtcord/realtime/internal/v1/types"
)

func newContentFixture(t *testing.T) (*testutil.Fixture, *content.Hub) {
	f := testutil.NewFixture(t)
	h := content.New(f.Core, f.Router, f.Registry, f.Repo)
	return f, h
}

func login(f *testutil.Fixture, conn, uid, name string) *testutil.MockConn {
	return f.Login(conn, &auth.User{ID: types.UserID(uid), Username: name})
}

func TestNewPostRoutesToFeedFollowersAndCategory(t *testing.T) {
	f, h := newContentFixture(t)
	author := login(f, "c1", "author", "author")
	follower := login(f, "c2", "fan", "fan")
	catFan := login(f, "c3", "collector", "collector")
	bystander := login(f, "c4", "by", "by")

	f.Invoke(follower, "FollowUser", "author")
	f.Invoke(catFan, "SubscribeToCategory", "art")

	h.BroadcastNewPost(content.PostDTO{ID: "p1", AuthorID: "author", Category: "art"})

	// Everyone on the global feed hears it once; followers and category
	// subscribers hear it on their groups too.
	assert.Equal(t, 1, bystander.CountNamed(content.EventNewPost))
	assert.Equal(t, 2, follower.CountNamed(content.EventNewPost))
	assert.Equal(t, 2, catFan.CountNamed(content.EventNewPost))
	assert.Equal(t, 1, author.CountNamed(content.EventNewPost))
}

func TestAuctionBidRoutesToWatchersOwnerAndFeed(t *testing.T) {
	f, h := newContentFixture(t)
	owner := login(f, "c1", "seller", "seller")
	watcher := login(f, "c2", "watcher", "watcher")
	bystander := login(f, "c3", "by", "by")

	f.Repo.SetAuctionOwner("a1", "seller")
	f.Invoke(watcher, "WatchAuction", "a1")

	h.BroadcastAuctionBid(context.Background(), content.BidDTO{AuctionID: "a1", BidderID: "watcher", Amount: 42})

	assert.Equal(t, 2, watcher.CountNamed(content.EventAuctionBid), "auction group + global feed")
	assert.Equal(t, 2, owner.CountNamed(content.EventAuctionBid), "user group + global feed")
	assert.Equal(t, 1, bystander.CountNamed(content.EventAuctionBid))
}

func TestAuctionEndingOnlyWatchers(t *testing.T) {
	f, h := newContentFixture(t)
	watcher := login(f, "c1", "watcher", "watcher")
	bystander := login(f, "c2", "by", "by")

	f.Invoke(watcher, "WatchAuction", "a1")
	h.BroadcastAuctionEnding("a1", 60)

	assert.Equal(t, 1, watcher.CountNamed(content.EventAuctionEnding))
	assert.Equal(t, 0, bystander.CountNamed(content.EventAuctionEnding))
}

func TestUnfollowStopsDelivery(t *testing.T) {
	f, h := newContentFixture(t)
	login(f, "c1", "author", "author")
	follower := login(f, "c2", "fan", "fan")

	f.Invoke(follower, "FollowUser", "author")
	f.Invoke(follower, "UnfollowUser", "author")

	h.BroadcastNewPost(content.PostDTO{ID: "p1", AuthorID: "author"})
	assert.Equal(t, 1, follower.CountNamed(content.EventNewPost), "only the global feed copy")
}

func TestPriceDropRouting(t *testing.T) {
	f, h := newContentFixture(t)
	watcher := login(f, "c1", "watcher", "watcher")
	catFan := login(f, "c2", "collector", "collector")
	bystander := login(f, "c3", "by", "by")

	f.Invoke(watcher, "WatchAuction", "a1")
	f.Invoke(catFan, "SubscribeToCategory", "art")

	h.BroadcastPriceDrop(context.Background(), "a1", "art", 100, 80)

	assert.Equal(t, 2, watcher.CountNamed(content.EventPriceDrop))
	assert.Equal(t, 2, catFan.CountNamed(content.EventPriceDrop))
	assert.Equal(t, 1, bystander.CountNamed(content.EventPriceDrop))
}

func TestSubscriptionRoundTrip(t *testing.T) {
	f, _ := newContentFixture(t)
	c := login(f, "c1", "u1", "alice")

	f.Invoke(c, "GetSubscription")
	ev, ok := c.LastNamed(content.EventSubscription)
	require.True(t, ok)
	var sub content.SubscriptionDTO
	require.NoError(t, ev.DecodeArg(0, &sub))
	assert.True(t, sub.ReceiveAllPublicPosts)
	assert.Empty(t, sub.FollowedUserIDs)

	f.Invoke(c, "FollowUser", "author")
	f.Invoke(c, "WatchAuction", "a1")
	f.Invoke(c, "SubscribeToCategory", "art")

	ev, _ = c.LastNamed(content.EventSubscriptionUpdated)
	require.NoError(t, ev.DecodeArg(0, &sub))
	assert.Equal(t, []types.UserID{"author"}, sub.FollowedUserIDs)
	assert.Equal(t, []string{"a1"}, sub.WatchedAuctionIDs)
	assert.Equal(t, []string{"art"}, sub.InterestedCategories)
}

func TestUpdateSubscriptionReconcilesGroups(t *testing.T) {
	f, h := newContentFixture(t)
	login(f, "c0", "a1-author", "x")
	c := login(f, "c1", "u1", "alice")

	f.Invoke(c, "FollowUser", "a1-author")
	f.Invoke(c, "UpdateSubscription", content.SubscriptionDTO{
		ReceiveAllPublicPosts: true,
		FollowedUserIDs:       []types.UserID{},
		WatchedAuctionIDs:     []string{"a9"},
	})

	// The old follow is gone, the new watch is live.
	h.BroadcastNewPost(content.PostDTO{ID: "p1", AuthorID: "a1-author"})
	assert.Equal(t, 1, c.CountNamed(content.EventNewPost))

	h.BroadcastAuctionEnding("a9", 5)
	assert.Equal(t, 1, c.CountNamed(content.EventAuctionEnding))
}

func TestSecondDeviceInheritsSubscriptionGroups(t *testing.T) {
	f, h := newContentFixture(t)
	login(f, "c0", "author", "author")
	c1 := login(f, "c1", "u1", "alice")
	f.Invoke(c1, "FollowUser", "author")

	// A later device of the same user joins the same follow groups.
	c2 := login(f, "c2", "u1", "alice")

	h.BroadcastNewPost(content.PostDTO{ID: "p1", AuthorID: "author"})
	assert.Equal(t, 2, c2.CountNamed(content.EventNewPost), "global feed + following group")
}

func TestCommentAndReactionRouting(t *testing.T) {
	f, h := newContentFixture(t)
	author := login(f, "c1", "author", "author")
	follower := login(f, "c2", "fan", "fan")
	f.Invoke(follower, "FollowUser", "author")

	h.BroadcastReaction("p1", "author", "fan", "❤️")
	assert.Equal(t, 1, author.CountNamed(content.EventContentReaction))
	assert.Equal(t, 0, follower.CountNamed(content.EventContentReaction))

	h.BroadcastComment("p1", "author", "fan", "nice")
	assert.Equal(t, 1, author.CountNamed(content.EventContentComment))
	assert.Equal(t, 1, follower.CountNamed(content.EventContentComment))
}
