package eventsub_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onnwee/karma-tender/eventsub"
	"github.com/onnwee/karma-tender/testutil"
	"github.com/onnwee/karma-tender/twitchapi"
)

func websocketRedemptionSubs(subs []testutil.MockSubscription) []testutil.MockSubscription {
	var out []testutil.MockSubscription
	for _, s := range subs {
		if s.Transport["method"] == twitchapi.TransportWebSocket &&
			(s.Type == twitchapi.TypeRedemptionAdd || s.Type == twitchapi.TypeRedemptionUpdate) {
			out = append(out, s)
		}
	}
	return out
}

func TestReconciler_AgainstHelix(t *testing.T) {
	mock := testutil.NewMockTwitchServer(t)
	mock.PageSize = 2
	staleAdd := mock.AddSubscription(twitchapi.TypeRedemptionAdd, "websocket", "old-session", "b1")
	staleUpdate := mock.AddSubscription(twitchapi.TypeRedemptionUpdate, "websocket", "old-session", "b1")
	follow := mock.AddSubscription("channel.follow", "websocket", "old-session", "b1")
	webhook := mock.AddSubscription(twitchapi.TypeRedemptionAdd, "webhook", "", "b1")

	helix := &twitchapi.HelixClient{
		Tokens:   twitchapi.StaticToken("token"),
		ClientID: "cid",
		BaseURL:  mock.HelixURL(),
	}
	r := eventsub.NewReconciler(helix)

	require.NoError(t, r.Reconcile(context.Background(), "new-session", "b1"))
	assert.ElementsMatch(t, []string{staleAdd, staleUpdate}, mock.Deleted())

	all := mock.Subscriptions()
	ids := make([]string, 0, len(all))
	for _, s := range all {
		ids = append(ids, s.ID)
	}
	assert.Contains(t, ids, follow)
	assert.Contains(t, ids, webhook)

	bound := websocketRedemptionSubs(all)
	require.Len(t, bound, 2)
	types := []string{}
	for _, s := range bound {
		assert.Equal(t, "new-session", s.Transport["session_id"])
		assert.Equal(t, "b1", s.Condition["broadcaster_user_id"])
		assert.Equal(t, "1", s.Version)
		types = append(types, s.Type)
	}
	assert.ElementsMatch(t, eventsub.RedemptionTypes, types)

	// Reconciling again converges on the same shape.
	require.NoError(t, r.Reconcile(context.Background(), "new-session", "b1"))
	bound = websocketRedemptionSubs(mock.Subscriptions())
	assert.Len(t, bound, 2)
	assert.Len(t, mock.Subscriptions(), 4)
}
