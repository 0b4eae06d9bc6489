package ha

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

const testToken = "test_token"

// mockHAServer creates a mock Home Assistant WebSocket server
func mockHAServer(t *testing.T, handler func(*websocket.Conn)) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("Failed to upgrade connection: %v", err)
			return
		}
		defer conn.Close()

		handler(conn)
	}))
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

// standardAuthFlow handles the auth handshake and the subscribe_events request
// the client sends right after it
func standardAuthFlow(t *testing.T, conn *websocket.Conn) {
	require.NoError(t, conn.WriteJSON(Message{Type: "auth_required"}))

	var authMsg AuthMessage
	require.NoError(t, conn.ReadJSON(&authMsg))
	assert.Equal(t, "auth", authMsg.Type)
	assert.Equal(t, testToken, authMsg.AccessToken)

	require.NoError(t, conn.WriteJSON(Message{Type: "auth_ok"}))

	var subMsg SubscribeEventsRequest
	require.NoError(t, conn.ReadJSON(&subMsg))
	assert.Equal(t, "subscribe_events", subMsg.Type)
	assert.Equal(t, "state_changed", subMsg.EventType)
	replySuccess(t, conn, subMsg.ID, nil)
}

func replySuccess(t *testing.T, conn *websocket.Conn, id int, result interface{}) {
	success := true
	msg := Message{ID: id, Type: "result", Success: &success}
	if result != nil {
		raw, err := json.Marshal(result)
		require.NoError(t, err)
		msg.Result = raw
	}
	require.NoError(t, conn.WriteJSON(msg))
}

// waitForClose blocks until the client closes the connection
func waitForClose(conn *websocket.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func speakerStates() []*State {
	return []*State{
		{
			EntityID:   "media_player.kitchen",
			State:      "idle",
			Attributes: map[string]interface{}{"friendly_name": "Kitchen speaker", "volume_level": 0.4},
		},
		{
			EntityID:   "media_player.bedroom",
			State:      "off",
			Attributes: map[string]interface{}{"friendly_name": "Bedroom"},
		},
	}
}

func TestClient_Connect(t *testing.T) {
	logger := zap.NewNop()

	t.Run("successful connection", func(t *testing.T) {
		server := mockHAServer(t, func(conn *websocket.Conn) {
			standardAuthFlow(t, conn)
			waitForClose(conn)
		})
		defer server.Close()

		client := NewClient(wsURL(server), testToken, time.Second, logger)

		require.NoError(t, client.Connect())
		assert.True(t, client.IsConnected())

		require.NoError(t, client.Disconnect())
		assert.False(t, client.IsConnected())
	})

	t.Run("invalid token", func(t *testing.T) {
		server := mockHAServer(t, func(conn *websocket.Conn) {
			conn.WriteJSON(Message{Type: "auth_required"})
			var authMsg AuthMessage
			conn.ReadJSON(&authMsg)
			conn.WriteJSON(Message{Type: "auth_invalid"})
		})
		defer server.Close()

		client := NewClient(wsURL(server), "wrong_token", time.Second, logger)

		err := client.Connect()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "authentication failed")
		assert.False(t, client.IsConnected())
	})

	t.Run("unexpected greeting", func(t *testing.T) {
		server := mockHAServer(t, func(conn *websocket.Conn) {
			conn.WriteJSON(Message{Type: "result"})
		})
		defer server.Close()

		client := NewClient(wsURL(server), testToken, time.Second, logger)

		err := client.Connect()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "expected auth_required")
	})

	t.Run("already connected", func(t *testing.T) {
		server := mockHAServer(t, func(conn *websocket.Conn) {
			standardAuthFlow(t, conn)
			waitForClose(conn)
		})
		defer server.Close()

		client := NewClient(wsURL(server), testToken, time.Second, logger)
		require.NoError(t, client.Connect())
		defer client.Disconnect()

		err := client.Connect()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "already connected")
	})
}

func TestClient_ConnectWithRetry(t *testing.T) {
	var attempts atomic.Int32
	server := mockHAServer(t, func(conn *websocket.Conn) {
		if attempts.Add(1) == 1 {
			// First attempt is rejected before auth
			return
		}
		standardAuthFlow(t, conn)
		waitForClose(conn)
	})
	defer server.Close()

	client := NewClient(wsURL(server), testToken, time.Second, zap.NewNop())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	require.NoError(t, client.ConnectWithRetry(ctx))
	defer client.Disconnect()

	assert.True(t, client.IsConnected())
	assert.Equal(t, int32(2), attempts.Load())
}

func TestClient_ConnectWithRetryGivesUp(t *testing.T) {
	client := NewClient("ws://127.0.0.1:1/api/websocket", testToken, 100*time.Millisecond, zap.NewNop())

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	err := client.ConnectWithRetry(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, client.IsConnected())
}

func TestClient_GetAllStates(t *testing.T) {
	server := mockHAServer(t, func(conn *websocket.Conn) {
		standardAuthFlow(t, conn)

		var statesReq GetStatesRequest
		require.NoError(t, conn.ReadJSON(&statesReq))
		assert.Equal(t, "get_states", statesReq.Type)
		replySuccess(t, conn, statesReq.ID, speakerStates())

		waitForClose(conn)
	})
	defer server.Close()

	client := NewClient(wsURL(server), testToken, time.Second, zap.NewNop())
	require.NoError(t, client.Connect())
	defer client.Disconnect()

	states, err := client.GetAllStates()
	require.NoError(t, err)
	require.Len(t, states, 2)
	assert.Equal(t, "media_player.kitchen", states[0].EntityID)
	assert.Equal(t, "Kitchen speaker", states[0].FriendlyName())
	assert.Equal(t, "media_player", states[0].Domain())

	volume, ok := states[0].FloatAttribute("volume_level")
	assert.True(t, ok)
	assert.InDelta(t, 0.4, volume, 1e-9)

	_, ok = states[1].FloatAttribute("volume_level")
	assert.False(t, ok)
}

func TestClient_GetState(t *testing.T) {
	server := mockHAServer(t, func(conn *websocket.Conn) {
		standardAuthFlow(t, conn)

		for i := 0; i < 2; i++ {
			var statesReq GetStatesRequest
			if err := conn.ReadJSON(&statesReq); err != nil {
				return
			}
			replySuccess(t, conn, statesReq.ID, speakerStates())
		}

		waitForClose(conn)
	})
	defer server.Close()

	client := NewClient(wsURL(server), testToken, time.Second, zap.NewNop())
	require.NoError(t, client.Connect())
	defer client.Disconnect()

	state, err := client.GetState("media_player.kitchen")
	require.NoError(t, err)
	assert.Equal(t, "idle", state.State)

	_, err = client.GetState("media_player.nonexistent")
	assert.Error(t, err)
}

func TestClient_CallService(t *testing.T) {
	server := mockHAServer(t, func(conn *websocket.Conn) {
		standardAuthFlow(t, conn)

		var serviceReq CallServiceRequest
		require.NoError(t, conn.ReadJSON(&serviceReq))

		assert.Equal(t, "call_service", serviceReq.Type)
		assert.Equal(t, "media_player", serviceReq.Domain)
		assert.Equal(t, "volume_set", serviceReq.Service)
		assert.Equal(t, "media_player.kitchen", serviceReq.ServiceData["entity_id"])
		assert.Equal(t, 0.8, serviceReq.ServiceData["volume_level"])
		replySuccess(t, conn, serviceReq.ID, nil)

		waitForClose(conn)
	})
	defer server.Close()

	client := NewClient(wsURL(server), testToken, time.Second, zap.NewNop())
	require.NoError(t, client.Connect())
	defer client.Disconnect()

	err := client.CallService("media_player", "volume_set", map[string]interface{}{
		"entity_id":    "media_player.kitchen",
		"volume_level": 0.8,
	})
	assert.NoError(t, err)
}

func TestClient_CallServiceError(t *testing.T) {
	server := mockHAServer(t, func(conn *websocket.Conn) {
		standardAuthFlow(t, conn)

		var serviceReq CallServiceRequest
		require.NoError(t, conn.ReadJSON(&serviceReq))

		failure := false
		conn.WriteJSON(Message{
			ID:      serviceReq.ID,
			Type:    "result",
			Success: &failure,
			Error:   &Error{Code: "not_found", Message: "Unable to find media_player.gone"},
		})

		waitForClose(conn)
	})
	defer server.Close()

	client := NewClient(wsURL(server), testToken, time.Second, zap.NewNop())
	require.NoError(t, client.Connect())
	defer client.Disconnect()

	err := client.CallService("media_player", "play_media", map[string]interface{}{
		"entity_id": "media_player.gone",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "media_player.play_media")
	assert.Contains(t, err.Error(), "not_found")
}

func TestClient_RequestTimeout(t *testing.T) {
	server := mockHAServer(t, func(conn *websocket.Conn) {
		standardAuthFlow(t, conn)
		// Never answer the next request
		waitForClose(conn)
	})
	defer server.Close()

	client := NewClient(wsURL(server), testToken, 100*time.Millisecond, zap.NewNop())
	require.NoError(t, client.Connect())
	defer client.Disconnect()

	start := time.Now()
	err := client.CallService("media_player", "media_stop", map[string]interface{}{
		"entity_id": "media_player.kitchen",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timeout")
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestClient_NotConnected(t *testing.T) {
	client := NewClient("ws://unused", testToken, time.Second, zap.NewNop())

	err := client.CallService("media_player", "media_stop", nil)
	assert.True(t, errors.Is(err, ErrNotConnected))

	_, err = client.GetAllStates()
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestClient_StateChangedEvents(t *testing.T) {
	sent := make(chan struct{})
	server := mockHAServer(t, func(conn *websocket.Conn) {
		standardAuthFlow(t, conn)

		data, _ := json.Marshal(StateChangedEvent{
			EntityID: "media_player.kitchen",
			OldState: &State{EntityID: "media_player.kitchen", State: "playing"},
			NewState: &State{EntityID: "media_player.kitchen", State: "idle"},
		})
		<-sent
		conn.WriteJSON(Message{
			Type:  "event",
			Event: &Event{EventType: "state_changed", Data: data},
		})

		waitForClose(conn)
	})
	defer server.Close()

	client := NewClient(wsURL(server), testToken, time.Second, zap.NewNop())
	require.NoError(t, client.Connect())
	defer client.Disconnect()

	received := make(chan *State, 1)
	sub, err := client.SubscribeStateChanges("media_player.kitchen", func(entityID string, oldState, newState *State) {
		assert.Equal(t, "playing", oldState.State)
		received <- newState
	})
	require.NoError(t, err)
	close(sent)

	select {
	case newState := <-received:
		assert.Equal(t, "idle", newState.State)
	case <-time.After(2 * time.Second):
		t.Fatal("state change was not delivered")
	}

	require.NoError(t, sub.Unsubscribe())
	require.NoError(t, sub.Unsubscribe())
}

func TestMockClient(t *testing.T) {
	mock := NewMockClient()

	t.Run("connection", func(t *testing.T) {
		assert.False(t, mock.IsConnected())

		require.NoError(t, mock.Connect())
		assert.True(t, mock.IsConnected())
		assert.Error(t, mock.Connect())

		require.NoError(t, mock.Disconnect())
		assert.False(t, mock.IsConnected())
	})

	t.Run("state management", func(t *testing.T) {
		mock.SetState("media_player.kitchen", "idle", map[string]interface{}{
			"friendly_name": "Kitchen speaker",
			"volume_level":  0.4,
		})

		state, err := mock.GetState("media_player.kitchen")
		require.NoError(t, err)
		assert.Equal(t, "idle", state.State)

		_, err = mock.GetState("nonexistent")
		assert.Error(t, err)
	})

	t.Run("media player services update state", func(t *testing.T) {
		mock.ClearServiceCalls()

		require.NoError(t, mock.CallService("media_player", "volume_set", map[string]interface{}{
			"entity_id":    "media_player.kitchen",
			"volume_level": 0.8,
		}))
		require.NoError(t, mock.CallService("media_player", "play_media", map[string]interface{}{
			"entity_id":          "media_player.kitchen",
			"media_content_id":   "http://example.com/azan.mp3",
			"media_content_type": "audio/mp3",
		}))

		state, err := mock.GetState("media_player.kitchen")
		require.NoError(t, err)
		assert.Equal(t, "playing", state.State)
		assert.Equal(t, 0.8, state.Attributes["volume_level"])
		assert.Equal(t, "Kitchen speaker", state.FriendlyName())

		require.NoError(t, mock.CallService("media_player", "media_stop", map[string]interface{}{
			"entity_id": "media_player.kitchen",
		}))
		state, _ = mock.GetState("media_player.kitchen")
		assert.Equal(t, "idle", state.State)

		calls := mock.GetServiceCalls()
		require.Len(t, calls, 3)
		assert.Equal(t, "volume_set", calls[0].Service)
		assert.Equal(t, "play_media", calls[1].Service)
		assert.Equal(t, "media_stop", calls[2].Service)
	})

	t.Run("failure injection", func(t *testing.T) {
		mock.ClearServiceCalls()
		boom := errors.New("speaker unreachable")
		mock.FailService("media_player", "play_media", boom)

		err := mock.CallService("media_player", "play_media", map[string]interface{}{
			"entity_id": "media_player.kitchen",
		})
		assert.ErrorIs(t, err, boom)
		assert.Len(t, mock.GetServiceCalls(), 1)

		mock.FailService("media_player", "play_media", nil)
		assert.NoError(t, mock.CallService("media_player", "play_media", map[string]interface{}{
			"entity_id": "media_player.kitchen",
		}))

		mock.FailStates(boom)
		_, err = mock.GetAllStates()
		assert.ErrorIs(t, err, boom)
		mock.FailStates(nil)
	})

	t.Run("service hook", func(t *testing.T) {
		var hooked []string
		mock.OnServiceCall(func(call ServiceCall) {
			hooked = append(hooked, call.Service)
		})
		defer mock.OnServiceCall(nil)

		require.NoError(t, mock.CallService("media_player", "media_stop", map[string]interface{}{
			"entity_id": "media_player.kitchen",
		}))
		assert.Equal(t, []string{"media_stop"}, hooked)
	})

	t.Run("subscriptions", func(t *testing.T) {
		callCount := 0
		handler := func(entityID string, oldState, newState *State) {
			callCount++
			assert.Equal(t, "media_player.kitchen", entityID)
			assert.Equal(t, "off", newState.State)
		}

		sub, err := mock.SubscribeStateChanges("media_player.kitchen", handler)
		require.NoError(t, err)
		assert.Equal(t, 1, mock.SubscriberCount("media_player.kitchen"))

		mock.SimulateStateChange("media_player.kitchen", "off")
		assert.Equal(t, 1, callCount)

		require.NoError(t, sub.Unsubscribe())
		assert.Equal(t, 0, mock.SubscriberCount("media_player.kitchen"))

		mock.SimulateStateChange("media_player.kitchen", "idle")
		assert.Equal(t, 1, callCount)
	})
}
