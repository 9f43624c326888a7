package events

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/osbornesec/ccobservatory/pkg/auth"
)

func setupTestManager(t *testing.T) (*ConnectionManager, *httptest.Server) {
	t.Helper()

	manager := NewConnectionManager(5 * time.Second)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: true,
		})
		if err != nil {
			t.Logf("WebSocket accept error: %v", err)
			return
		}
		id := manager.Accept(r.Context(), conn, &auth.UserInfo{UserID: "test-user"})
		manager.HandleSession(id)
	}))

	t.Cleanup(func() { server.Close() })
	return manager, server
}

func connectWS(t *testing.T, server *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + server.URL[len("http"):]
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func readJSON(t *testing.T, conn *websocket.Conn) map[string]interface{} {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, data, err := conn.Read(ctx)
	require.NoError(t, err)

	var msg map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

func writeJSON(t *testing.T, conn *websocket.Conn, v interface{}) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	data, err := json.Marshal(v)
	require.NoError(t, err)
	require.NoError(t, conn.Write(ctx, websocket.MessageText, data))
}

// waitForSubscribers polls the reverse index instead of sleeping.
func waitForSubscribers(t *testing.T, m *ConnectionManager, key string, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if m.SubscriberCount(key) == n {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("subscriber count for %q never reached %d (got %d)", key, n, m.SubscriberCount(key))
}

func TestConnectionManager_ConnectionEstablished(t *testing.T) {
	_, server := setupTestManager(t)
	conn := connectWS(t, server)

	msg := readJSON(t, conn)
	assert.Equal(t, EventTypeConnectionEstablished, msg["type"])
	assert.NotEmpty(t, msg["timestamp"])

	data, ok := msg["data"].(map[string]interface{})
	require.True(t, ok)
	assert.NotEmpty(t, data["client_id"])
	assert.Equal(t, "test-user", data["user_id"])
	assert.NotEmpty(t, data["server_time"])
	assert.ElementsMatch(t, []interface{}{SubAllConversations, SubFileEvents}, data["subscriptions"])
}

func TestConnectionManager_PingPong(t *testing.T) {
	_, server := setupTestManager(t)
	conn := connectWS(t, server)
	readJSON(t, conn) // connection_established

	writeJSON(t, conn, ClientMessage{Type: "ping"})

	msg := readJSON(t, conn)
	assert.Equal(t, EventTypePong, msg["type"])
	assert.NotEmpty(t, msg["timestamp"])
}

func TestConnectionManager_UnsupportedMessageType(t *testing.T) {
	_, server := setupTestManager(t)
	conn := connectWS(t, server)
	readJSON(t, conn) // connection_established

	writeJSON(t, conn, ClientMessage{Type: "teleport"})

	msg := readJSON(t, conn)
	assert.Equal(t, "unsupported message type", msg["error"])

	// Connection stays usable.
	writeJSON(t, conn, ClientMessage{Type: "ping"})
	msg = readJSON(t, conn)
	assert.Equal(t, EventTypePong, msg["type"])
}

func TestConnectionManager_MalformedMessageIgnored(t *testing.T) {
	_, server := setupTestManager(t)
	conn := connectWS(t, server)
	readJSON(t, conn) // connection_established

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte("{not json")))

	// No reply for garbage, and the connection stays alive.
	writeJSON(t, conn, ClientMessage{Type: "ping"})
	msg := readJSON(t, conn)
	assert.Equal(t, EventTypePong, msg["type"])
}

func TestConnectionManager_BroadcastFirehose(t *testing.T) {
	manager, server := setupTestManager(t)

	conn1 := connectWS(t, server)
	conn2 := connectWS(t, server)
	readJSON(t, conn1)
	readJSON(t, conn2)
	waitForSubscribers(t, manager, SubAllConversations, 2)

	// No filter addresses everyone.
	failed := manager.Broadcast(&Envelope{
		Type: EventTypeConversationUpdate,
		Data: map[string]string{"conversation_id": "c1"},
	}, "")
	assert.Empty(t, failed)

	for _, conn := range []*websocket.Conn{conn1, conn2} {
		msg := readJSON(t, conn)
		assert.Equal(t, EventTypeConversationUpdate, msg["type"])
		assert.NotEmpty(t, msg["timestamp"])
	}
}

func TestConnectionManager_BroadcastFilterRouting(t *testing.T) {
	manager, server := setupTestManager(t)

	conn1 := connectWS(t, server)
	conn2 := connectWS(t, server)
	readJSON(t, conn1)
	readJSON(t, conn2)
	waitForSubscribers(t, manager, SubAllConversations, 2)

	// Drop both off the firehose so routing is decided by the filter key.
	writeJSON(t, conn1, ClientMessage{Type: "unsubscribe", Subscription: SubAllConversations})
	writeJSON(t, conn2, ClientMessage{Type: "unsubscribe", Subscription: SubAllConversations})
	waitForSubscribers(t, manager, SubAllConversations, 0)

	// Only conn1 follows project p1.
	writeJSON(t, conn1, ClientMessage{Type: "subscribe", Subscription: ProjectChannel("p1")})
	waitForSubscribers(t, manager, ProjectChannel("p1"), 1)

	failed := manager.Broadcast(&Envelope{
		Type: EventTypeNewConversation,
		Data: map[string]string{"project_id": "p1"},
	}, ProjectChannel("p1"))
	assert.Empty(t, failed)

	msg := readJSON(t, conn1)
	assert.Equal(t, EventTypeNewConversation, msg["type"])

	// conn2 must not see it.
	readCtx, readCancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer readCancel()
	_, _, err := conn2.Read(readCtx)
	assert.Error(t, err, "conn2 should not receive the project broadcast")
}

func TestConnectionManager_FirehoseReceivesFilteredBroadcasts(t *testing.T) {
	manager, server := setupTestManager(t)

	conn := connectWS(t, server)
	readJSON(t, conn)
	waitForSubscribers(t, manager, SubAllConversations, 1)

	// The client never subscribed to this project, but the firehose
	// default makes it part of every broadcast's audience.
	failed := manager.Broadcast(&Envelope{
		Type: EventTypeConversationUpdate,
		Data: map[string]string{"project_id": "elsewhere"},
	}, ProjectChannel("elsewhere"))
	assert.Empty(t, failed)

	msg := readJSON(t, conn)
	assert.Equal(t, EventTypeConversationUpdate, msg["type"])
}

func TestConnectionManager_BroadcastUnserializableData(t *testing.T) {
	manager, server := setupTestManager(t)

	conn := connectWS(t, server)
	readJSON(t, conn)
	waitForSubscribers(t, manager, SubAllConversations, 1)

	// Channels cannot be marshalled, so delivery fails for every target.
	failed := manager.Broadcast(&Envelope{
		Type: EventTypeConversationUpdate,
		Data: make(chan int),
	}, "")
	assert.Len(t, failed, 1)
}

func TestConnectionManager_BroadcastReportsFailedPeer(t *testing.T) {
	manager := NewConnectionManager(time.Second)

	// Register sessions without a read loop so a dead peer stays in the
	// registry for the broadcast instead of being reaped on read error.
	done := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: true,
		})
		if err != nil {
			return
		}
		manager.Accept(r.Context(), conn, &auth.UserInfo{UserID: "test-user"})
		<-done
	}))
	t.Cleanup(func() {
		close(done)
		server.Close()
	})

	conns := make([]*websocket.Conn, 3)
	ids := make([]string, 3)
	for i := range conns {
		conns[i] = connectWS(t, server)
		msg := readJSON(t, conns[i])
		data, ok := msg["data"].(map[string]interface{})
		require.True(t, ok)
		ids[i], ok = data["client_id"].(string)
		require.True(t, ok)
	}
	waitForSubscribers(t, manager, SubAllConversations, 3)

	// Break the second session's transport: its writes now fail while
	// the session is still registered and subscribed.
	manager.mu.RLock()
	victim := manager.sessions[ids[1]]
	manager.mu.RUnlock()
	require.NotNil(t, victim)
	victim.cancel()

	failed := manager.Broadcast(&Envelope{
		Type: EventTypeConversationUpdate,
		Data: map[string]string{"conversation_id": "c1"},
	}, SubAllConversations)
	assert.Equal(t, []string{ids[1]}, failed)

	// The surviving peers still get the frame.
	for _, i := range []int{0, 2} {
		msg := readJSON(t, conns[i])
		assert.Equal(t, EventTypeConversationUpdate, msg["type"])
	}
}

func TestConnectionManager_BroadcastNoSubscribers(t *testing.T) {
	manager, _ := setupTestManager(t)

	failed := manager.Broadcast(&Envelope{
		Type: EventTypeConversationUpdate,
		Data: map[string]string{},
	}, ProjectChannel("nobody-home"))
	assert.Empty(t, failed)
}

func TestConnectionManager_DisconnectCleansIndex(t *testing.T) {
	manager, server := setupTestManager(t)

	url := "ws" + server.URL[len("http"):]
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	readJSON(t, conn)

	writeJSON(t, conn, ClientMessage{Type: "subscribe", Subscription: ProjectChannel("p1")})
	waitForSubscribers(t, manager, ProjectChannel("p1"), 1)
	assert.Equal(t, 1, manager.ActiveConnections())

	conn.Close(websocket.StatusNormalClosure, "")

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && manager.ActiveConnections() > 0 {
		time.Sleep(10 * time.Millisecond)
	}
	assert.Equal(t, 0, manager.ActiveConnections())
	assert.Equal(t, 0, manager.SubscriberCount(ProjectChannel("p1")))
	assert.Equal(t, 0, manager.SubscriberCount(SubAllConversations))

	assert.NotPanics(t, func() {
		manager.Broadcast(&Envelope{Type: EventTypeConversationUpdate, Data: map[string]string{}}, ProjectChannel("p1"))
	})
}

func TestConnectionManager_DisconnectIdempotent(t *testing.T) {
	manager, server := setupTestManager(t)
	conn := connectWS(t, server)
	readJSON(t, conn)

	stats := manager.ConnectionStats()
	assert.Equal(t, 1, stats.ActiveConnections)

	// Unknown ids and repeated disconnects are harmless.
	assert.NotPanics(t, func() {
		manager.Disconnect("no-such-session")
		manager.Disconnect("no-such-session")
	})
	assert.Equal(t, 1, manager.ActiveConnections())
}

func TestConnectionManager_SendToUnknownSession(t *testing.T) {
	manager := NewConnectionManager(time.Second)
	err := manager.Send("ghost", &Envelope{Type: EventTypePong, Data: map[string]any{}})
	assert.NoError(t, err)
}

func TestConnectionManager_ConcurrentBroadcast(t *testing.T) {
	manager, server := setupTestManager(t)
	conn := connectWS(t, server)
	readJSON(t, conn)
	waitForSubscribers(t, manager, SubAllConversations, 1)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			manager.Broadcast(&Envelope{
				Type: EventTypeConversationUpdate,
				Data: map[string]int{"idx": idx},
			}, "")
		}(i)
	}
	wg.Wait()

	// Every frame arrives intact; order may vary across broadcasts.
	received := 0
	var firstErr error
	for i := 0; i < 20; i++ {
		readCtx, readCancel := context.WithTimeout(context.Background(), 5*time.Second)
		_, data, err := conn.Read(readCtx)
		readCancel()
		if err != nil {
			firstErr = err
			break
		}
		var msg map[string]interface{}
		require.NoError(t, json.Unmarshal(data, &msg))
		received++
	}
	assert.Equal(t, 20, received, "should receive all 20 broadcasts; first error: %v", firstErr)
}

func TestConnectionManager_Stats(t *testing.T) {
	manager, server := setupTestManager(t)
	conn := connectWS(t, server)
	readJSON(t, conn)
	waitForSubscribers(t, manager, SubAllConversations, 1)

	writeJSON(t, conn, ClientMessage{Type: "subscribe", Subscription: ProjectChannel("p1")})
	waitForSubscribers(t, manager, ProjectChannel("p1"), 1)

	stats := manager.ConnectionStats()
	assert.Equal(t, 1, stats.ActiveConnections)
	assert.Equal(t, 1, stats.Subscriptions[SubAllConversations])
	assert.Equal(t, 1, stats.Subscriptions[SubFileEvents])
	assert.Equal(t, 1, stats.Subscriptions[ProjectChannel("p1")])
	// connection_established has been counted.
	assert.GreaterOrEqual(t, stats.MessagesSent, int64(1))

	// The per-session counter climbs with each delivery.
	writeJSON(t, conn, ClientMessage{Type: "ping"})
	msg := readJSON(t, conn)
	assert.Equal(t, EventTypePong, msg["type"])

	stats = manager.ConnectionStats()
	require.Len(t, stats.SessionMessageCounts, 1)
	for _, n := range stats.SessionMessageCounts {
		assert.GreaterOrEqual(t, n, int64(2))
	}
}
