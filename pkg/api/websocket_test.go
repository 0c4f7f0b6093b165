package api

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uhyunpark/growswap/pkg/app/core/asset"
	"github.com/uhyunpark/growswap/pkg/app/core/offer"
)

func feedURL(env *testEnv, token string) string {
	u := "ws" + strings.TrimPrefix(env.srv.URL, "http") + "/ws"
	if token != "" {
		u += "?token=" + url.QueryEscape(token)
	}
	return u
}

// dialFeed connects with token (empty for anonymous) and subscribes to
// channels, waiting for every acknowledgement.
func dialFeed(t *testing.T, env *testEnv, token string, channels ...string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(feedURL(env, token), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	require.NoError(t, conn.WriteJSON(WSSubscribeRequest{Op: "subscribe", Channels: channels}))
	for range channels {
		msg := readMessage(t, conn)
		require.Equal(t, "subscribed", msg.Type)
	}
	return conn
}

type rawMessage struct {
	Channel string          `json:"channel"`
	Type    string          `json:"type"`
	Data    json.RawMessage `json:"data"`
}

func readMessage(t *testing.T, conn *websocket.Conn) rawMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var msg rawMessage
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func TestFeedBroadcastsCommittedEvents(t *testing.T) {
	env := newTestEnv(t)
	conn := dialFeed(t, env, "", ChannelOffers)

	id := env.createOffer(t, env.alice, plantForTokens("plant-1", 100))

	msg := readMessage(t, conn)
	assert.Equal(t, ChannelOffers, msg.Channel)
	assert.Equal(t, "offer_created", msg.Type)
	var ev struct {
		Offer offer.Offer `json:"offer"`
	}
	require.NoError(t, json.Unmarshal(msg.Data, &ev))
	assert.Equal(t, id, ev.Offer.ID)

	require.Equal(t, http.StatusOK, env.do(t, http.MethodPost, "/api/v1/offers/"+id+"/accept", env.token(t, env.bob), nil, nil))
	msg = readMessage(t, conn)
	assert.Equal(t, "offer_completed", msg.Type)
}

func TestPrivateOffersOnlyReachOwnerChannel(t *testing.T) {
	env := newTestEnv(t)
	public := dialFeed(t, env, "", ChannelOffers)
	own := dialFeed(t, env, env.token(t, env.alice), OwnerChannel(env.alice.Address().Hex()))

	id := env.createOffer(t, env.alice, OfferRequest{
		Offered:    asset.Bundle{asset.Item("plant-1")},
		Requested:  asset.Bundle{asset.Tokens(10)},
		Visibility: string(offer.VisibilityPrivate),
	})
	msg := readMessage(t, own)
	assert.Equal(t, "offer_created", msg.Type)
	assert.Contains(t, string(msg.Data), id)

	// the public feed sees the next public offer first
	pubID := env.createOffer(t, env.alice, plantForTokens("plant-2", 10))
	msg = readMessage(t, public)
	assert.Contains(t, string(msg.Data), pubID)
	assert.NotContains(t, string(msg.Data), id)
}

func TestOwnerChannelRequiresOwnerCredential(t *testing.T) {
	env := newTestEnv(t)
	aliceChannel := OwnerChannel(env.alice.Address().Hex())

	tests := []struct {
		name string
		dial func() (*websocket.Conn, error)
	}{
		{"anonymous", func() (*websocket.Conn, error) {
			conn, _, err := websocket.DefaultDialer.Dial(feedURL(env, ""), nil)
			return conn, err
		}},
		{"other owner by query", func() (*websocket.Conn, error) {
			conn, _, err := websocket.DefaultDialer.Dial(feedURL(env, env.token(t, env.bob)), nil)
			return conn, err
		}},
		{"other owner by header", func() (*websocket.Conn, error) {
			h := http.Header{"Authorization": []string{"Bearer " + env.token(t, env.bob)}}
			conn, _, err := websocket.DefaultDialer.Dial(feedURL(env, ""), h)
			return conn, err
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn, err := tt.dial()
			require.NoError(t, err)
			defer conn.Close()

			require.NoError(t, conn.WriteJSON(WSSubscribeRequest{Op: "subscribe", Channels: []string{aliceChannel}}))
			msg := readMessage(t, conn)
			assert.Equal(t, "error", msg.Type)
			assert.Equal(t, aliceChannel, msg.Channel)
		})
	}

	// a private offer reaches nobody but alice
	spy := dialFeed(t, env, env.token(t, env.bob), ChannelOffers, OwnerChannel(env.bob.Address().Hex()))
	env.createOffer(t, env.alice, OfferRequest{
		Offered:    asset.Bundle{asset.Item("plant-1")},
		Requested:  asset.Bundle{asset.Tokens(10)},
		Visibility: string(offer.VisibilityPrivate),
	})
	pubID := env.createOffer(t, env.alice, plantForTokens("plant-2", 10))
	msg := readMessage(t, spy)
	assert.Equal(t, ChannelOffers, msg.Channel)
	assert.Contains(t, string(msg.Data), pubID)
}

func TestFeedRejectsInvalidCredential(t *testing.T) {
	env := newTestEnv(t)
	_, resp, err := websocket.DefaultDialer.Dial(feedURL(env, "not-a-credential"), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestFeedRejectsUnknownChannel(t *testing.T) {
	env := newTestEnv(t)
	conn, _, err := websocket.DefaultDialer.Dial(feedURL(env, ""), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(WSSubscribeRequest{Op: "subscribe", Channels: []string{"orderbook:BTC"}}))
	msg := readMessage(t, conn)
	assert.Equal(t, "error", msg.Type)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	msg = readMessage(t, conn)
	assert.Equal(t, "error", msg.Type)
}
