package room

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestProvider(t *testing.T) *LiveKit {
	t.Helper()
	lk, err := NewLiveKit(LiveKitConfig{
		URL:       "ws://rooms.example:7880",
		APIKey:    "devkey",
		APISecret: "devsecret-devsecret-devsecret-00",
	}, nil)
	require.NoError(t, err)
	return lk
}

func TestNewLiveKitRequiresCredentials(t *testing.T) {
	_, err := NewLiveKit(LiveKitConfig{URL: "ws://x"}, nil)
	assert.Error(t, err)
}

func TestAddressConvertsToWebsocketScheme(t *testing.T) {
	lk, err := NewLiveKit(LiveKitConfig{URL: "https://rooms.example", APIKey: "k", APISecret: "s"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "wss://rooms.example", lk.Address())
}

func TestMintGrantEmbedsIdentityRoomAndRole(t *testing.T) {
	lk := newTestProvider(t)

	token, err := lk.MintGrant(GrantSpec{
		Identity:       "pong-service",
		Room:           "room-abc",
		Role:           RoleWorker,
		CanPublish:     true,
		CanSubscribe:   true,
		CanPublishData: true,
		TTL:            6 * time.Hour,
	})
	require.NoError(t, err)

	var claims grantClaims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (interface{}, error) {
		return []byte("devsecret-devsecret-devsecret-00"), nil
	})
	require.NoError(t, err)
	require.True(t, parsed.Valid)

	assert.Equal(t, "devkey", claims.Issuer)
	assert.Equal(t, "pong-service", claims.Subject)
	assert.Equal(t, "room-abc", claims.Video.Room)
	assert.True(t, claims.Video.RoomJoin)
	assert.False(t, claims.Video.Hidden)
	require.NotNil(t, claims.Video.CanPublishData)
	assert.True(t, *claims.Video.CanPublishData)
	assert.JSONEq(t, `{"role":"worker"}`, claims.Metadata)

	ttl := claims.ExpiresAt.Sub(claims.NotBefore.Time)
	assert.InDelta(t, (6 * time.Hour).Seconds(), ttl.Seconds(), 5)
}

func TestMintGrantHiddenCoordinator(t *testing.T) {
	lk := newTestProvider(t)

	token, err := lk.MintGrant(GrantSpec{
		Identity:     "coordinator-s1",
		Room:         "room-abc",
		Role:         RoleCoordinator,
		CanSubscribe: true,
		Hidden:       true,
		RoomAdmin:    true,
	})
	require.NoError(t, err)

	var claims grantClaims
	_, err = jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (interface{}, error) {
		return []byte("devsecret-devsecret-devsecret-00"), nil
	})
	require.NoError(t, err)

	assert.True(t, claims.Video.Hidden)
	assert.True(t, claims.Video.RoomAdmin)
	require.NotNil(t, claims.Video.CanPublish)
	assert.False(t, *claims.Video.CanPublish)
}

func TestDecodeFrameClassifiesEvents(t *testing.T) {
	ev := decodeFrame(wsEvent{Event: "participant_joined", Identity: "w1", Metadata: `{"role":"worker"}`})
	assert.Equal(t, ParticipantJoined, ev.Kind)
	assert.Equal(t, RoleWorker, ev.Role)

	ev = decodeFrame(wsEvent{Event: "participant_left", Identity: "c1"})
	assert.Equal(t, ParticipantLeft, ev.Kind)
	assert.Empty(t, ev.Role)

	ev = decodeFrame(wsEvent{Event: "speaking_changed", Identity: "c1"})
	assert.Equal(t, OtherEvent, ev.Kind)
}

func TestJoinReaderExitsWhenHandleClosedWithoutConsumer(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for i := 0; i < 8; i++ {
			if err := conn.WriteJSON(wsEvent{
				Event:    "participant_joined",
				Identity: fmt.Sprintf("w%d", i),
			}); err != nil {
				return
			}
		}
		// Hold the connection open until the client hangs up.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	lk, err := NewLiveKit(LiveKitConfig{
		URL:       srv.URL,
		APIKey:    "devkey",
		APISecret: "devsecret-devsecret-devsecret-00",
	}, nil)
	require.NoError(t, err)

	handle, events, err := lk.Join(context.Background(), "room-1", "token")
	require.NoError(t, err)

	// Let the reader pick up a frame and park on the send; nothing ever
	// consumes events, which is exactly the state after a monitor stops.
	time.Sleep(50 * time.Millisecond)
	_ = handle.Close()

	// The reader must abandon the pending send and close the channel.
	deadline := time.After(time.Second)
	for {
		select {
		case _, ok := <-events:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("event channel still open after handle close")
		}
	}
}
