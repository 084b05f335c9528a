package server_test

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloakroom-chat/cloakroom/internal/server"
)

// testOrigin is the browser origin the test configuration allows. It does not
// need to match the httptest listener address; the allow-list only compares
// Origin headers.
const testOrigin = "http://cloakroom.test"

type testServer struct {
	*httptest.Server
	registry *server.Registry
	wsURL    string
}

type readResult struct {
	raw []byte
	err error
}

// testConn wraps the client connection so the helpers can wait for the
// absence of a frame without poisoning the connection: gorilla read errors
// are permanent, so probing with a short read deadline would make every
// later read fail. Instead reads happen in a background goroutine, one at a
// time, and a timed-out wait leaves that read pending for the next helper
// to collect.
type testConn struct {
	*websocket.Conn
	results chan readResult
	reading bool
}

func (c *testConn) beginRead() {
	if c.reading {
		return
	}
	c.reading = true
	go func() {
		_, raw, err := c.Conn.ReadMessage()
		c.results <- readResult{raw: raw, err: err}
	}()
}

// nextFrame reports the outcome of the pending read, waiting up to timeout.
// ok is false when nothing arrived in the window; the read stays pending so
// the connection remains usable.
func (c *testConn) nextFrame(timeout time.Duration) (readResult, bool) {
	c.beginRead()
	select {
	case r := <-c.results:
		c.reading = false
		return r, true
	case <-time.After(timeout):
		return readResult{}, false
	}
}

func newTestServer(t *testing.T, customize func(cfg *server.Config)) *testServer {
	t.Helper()

	cfg := server.NewConfig()
	cfg.AllowedOrigins = []string{testOrigin}
	if customize != nil {
		customize(cfg)
	}

	registry := server.NewRegistry()
	gateway := server.NewGateway(*cfg, registry)
	metrics := server.NewMetrics(registry, gateway)

	ts := httptest.NewServer(server.SetupRoutes(gateway, metrics))
	t.Cleanup(ts.Close)

	u, err := url.Parse(ts.URL)
	require.NoError(t, err)
	u.Scheme = "ws"
	u.Path = "/ws"

	return &testServer{Server: ts, registry: registry, wsURL: u.String()}
}

func newOriginHeader(origin string) http.Header {
	header := http.Header{}
	if origin != "" {
		header.Set("Origin", origin)
	}
	return header
}

func dialWS(t *testing.T, ts *testServer) *testConn {
	t.Helper()

	conn, resp, err := websocket.DefaultDialer.Dial(ts.wsURL, newOriginHeader(testOrigin))
	require.NoError(t, err, "failed to connect to WebSocket endpoint")
	t.Cleanup(func() {
		_ = conn.Close()
		_ = resp.Body.Close()
	})
	return &testConn{Conn: conn, results: make(chan readResult, 1)}
}

func sendJoin(t *testing.T, conn *testConn, roomID, userID string) {
	t.Helper()
	err := conn.WriteJSON(map[string]string{"type": "join", "roomId": roomID, "userId": userID})
	require.NoError(t, err, "failed to send join frame")
}

func sendEncrypted(t *testing.T, conn *testConn, encrypted string) {
	t.Helper()
	err := conn.WriteJSON(map[string]string{"type": "message", "encrypted": encrypted})
	require.NoError(t, err, "failed to send message frame")
}

func readFrame(t *testing.T, conn *testConn) map[string]interface{} {
	t.Helper()

	r, ok := conn.nextFrame(2 * time.Second)
	require.True(t, ok, "timed out waiting for frame")
	require.NoError(t, r.err, "failed to read frame")

	var frame map[string]interface{}
	require.NoError(t, json.Unmarshal(r.raw, &frame), "frame is not valid JSON: %s", r.raw)
	return frame
}

func expectFrame(t *testing.T, conn *testConn, frameType string) map[string]interface{} {
	t.Helper()
	frame := readFrame(t, conn)
	require.Equal(t, frameType, frame["type"], "unexpected frame: %v", frame)
	return frame
}

func expectNoFrame(t *testing.T, conn *testConn, timeout time.Duration) {
	t.Helper()

	r, ok := conn.nextFrame(timeout)
	if !ok {
		return
	}
	if r.err == nil {
		t.Fatalf("Expected no frame, but received %s", r.raw)
	}
	if websocket.IsCloseError(r.err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return
	}
	t.Fatalf("Unexpected error while waiting for absence of frames: %v", r.err)
}

// joinRoom performs the join handshake and drains the four frames every new
// member receives, returning the assigned user number.
func joinRoom(t *testing.T, conn *testConn, roomID, userID string) int {
	t.Helper()

	sendJoin(t, conn, roomID, userID)
	ack := expectFrame(t, conn, "joined")
	expectFrame(t, conn, "messages")
	expectFrame(t, conn, "user_count")
	expectFrame(t, conn, "user_joined")

	num, ok := ack["userNumber"].(float64)
	require.True(t, ok, "joined frame lacks a numeric userNumber: %v", ack)
	return int(num)
}

func closeGracefully(conn *testConn) {
	_ = conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	_ = conn.Close()
}

func TestJoinHandshakeOverWire(t *testing.T) {
	ts := newTestServer(t, nil)
	conn := dialWS(t, ts)

	sendJoin(t, conn, "lobby", "alice")

	ack := expectFrame(t, conn, "joined")
	assert.Equal(t, "lobby", ack["roomId"])
	assert.Equal(t, "alice", ack["userId"])
	assert.Equal(t, float64(1), ack["userNumber"])

	history := expectFrame(t, conn, "messages")
	messages, ok := history["messages"].([]interface{})
	require.True(t, ok, "messages field must be an array, got %v", history["messages"])
	assert.Empty(t, messages)

	count := expectFrame(t, conn, "user_count")
	assert.Equal(t, float64(1), count["count"])

	joined := expectFrame(t, conn, "user_joined")
	assert.Equal(t, float64(1), joined["userNumber"])
}

func TestPresenceAndFanoutOverWire(t *testing.T) {
	ts := newTestServer(t, nil)

	alice := dialWS(t, ts)
	require.Equal(t, 1, joinRoom(t, alice, "lobby", "alice"))

	bob := dialWS(t, ts)
	require.Equal(t, 2, joinRoom(t, bob, "lobby", "bob"))

	// The first member sees the second member arrive.
	count := expectFrame(t, alice, "user_count")
	assert.Equal(t, float64(2), count["count"])
	joined := expectFrame(t, alice, "user_joined")
	assert.Equal(t, float64(2), joined["userNumber"])

	sendEncrypted(t, alice, "c2VjcmV0")

	for name, conn := range map[string]*testConn{"author": alice, "peer": bob} {
		frame := expectFrame(t, conn, "message")
		msg, ok := frame["message"].(map[string]interface{})
		require.True(t, ok, "%s received a malformed message frame: %v", name, frame)
		assert.Equal(t, "c2VjcmV0", msg["encrypted"], name)
		assert.Equal(t, "alice", msg["userId"], name)
		assert.Equal(t, float64(1), msg["userNumber"], name)
		assert.Equal(t, msg["id"], msg["timestamp"], name)
	}

	closeGracefully(bob)

	count = expectFrame(t, alice, "user_count")
	assert.Equal(t, float64(1), count["count"])
	left := expectFrame(t, alice, "user_left")
	assert.Equal(t, float64(2), left["userNumber"])
}

func TestRoomFullOverWire(t *testing.T) {
	ts := newTestServer(t, nil)

	members := []string{"u1", "u2", "u3", "u4"}
	for i, userID := range members {
		conn := dialWS(t, ts)
		require.Equal(t, i+1, joinRoom(t, conn, "packed", userID))
	}

	fifth := dialWS(t, ts)
	sendJoin(t, fifth, "packed", "latecomer")

	frame := expectFrame(t, fifth, "error")
	assert.Equal(t, "Room is full (max 4 users)", frame["message"])

	// The server closes the connection after delivering the error frame.
	require.NoError(t, fifth.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := fifth.ReadMessage()
	require.Error(t, err, "expected the server to close a rejected connection")
}

func TestJoinValidationOverWire(t *testing.T) {
	ts := newTestServer(t, nil)
	conn := dialWS(t, ts)

	sendJoin(t, conn, "", "alice")
	frame := expectFrame(t, conn, "error")
	assert.Equal(t, "Join requires roomId and userId", frame["message"])

	// The connection survives a validation error and can still join.
	require.Equal(t, 1, joinRoom(t, conn, "lobby", "alice"))
}

func TestSecondJoinRejectedOverWire(t *testing.T) {
	ts := newTestServer(t, nil)
	conn := dialWS(t, ts)

	require.Equal(t, 1, joinRoom(t, conn, "lobby", "alice"))

	sendJoin(t, conn, "elsewhere", "alice")
	frame := expectFrame(t, conn, "error")
	assert.Equal(t, "Already joined a room", frame["message"])

	// The original binding is untouched.
	sendEncrypted(t, conn, "c3RpbGwgYm91bmQ=")
	msgFrame := expectFrame(t, conn, "message")
	msg := msgFrame["message"].(map[string]interface{})
	assert.Equal(t, "c3RpbGwgYm91bmQ=", msg["encrypted"])
}

func TestMalformedFrameIgnoredOverWire(t *testing.T) {
	ts := newTestServer(t, nil)
	conn := dialWS(t, ts)

	require.Equal(t, 1, joinRoom(t, conn, "lobby", "alice"))

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not valid json")))
	expectNoFrame(t, conn, 200*time.Millisecond)

	sendEncrypted(t, conn, "YWZ0ZXJ3YXJkcw==")
	msgFrame := expectFrame(t, conn, "message")
	msg := msgFrame["message"].(map[string]interface{})
	assert.Equal(t, "YWZ0ZXJ3YXJkcw==", msg["encrypted"])
}

func TestHistorySnapshotForLateJoinerOverWire(t *testing.T) {
	ts := newTestServer(t, nil)

	alice := dialWS(t, ts)
	joinRoom(t, alice, "lobby", "alice")

	for _, payload := range []string{"Zmlyc3Q=", "c2Vjb25k"} {
		sendEncrypted(t, alice, payload)
		expectFrame(t, alice, "message")
	}

	bob := dialWS(t, ts)
	sendJoin(t, bob, "lobby", "bob")
	expectFrame(t, bob, "joined")

	history := expectFrame(t, bob, "messages")
	messages, ok := history["messages"].([]interface{})
	require.True(t, ok)
	require.Len(t, messages, 2)

	first := messages[0].(map[string]interface{})
	second := messages[1].(map[string]interface{})
	assert.Equal(t, "Zmlyc3Q=", first["encrypted"])
	assert.Equal(t, "c2Vjb25k", second["encrypted"])
	assert.Equal(t, float64(1), first["userNumber"])
}

func TestOriginValidationOverWire(t *testing.T) {
	ts := newTestServer(t, nil)

	t.Run("Disallowed origin", func(t *testing.T) {
		conn, resp, err := websocket.DefaultDialer.Dial(ts.wsURL, newOriginHeader("http://blocked.test"))
		if err == nil {
			_ = conn.Close()
			t.Fatalf("Expected disallowed origin to fail")
		}
		require.NotNil(t, resp, "expected an HTTP response for a disallowed origin")
		defer func() { _ = resp.Body.Close() }()
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	})

	t.Run("Missing origin", func(t *testing.T) {
		conn, resp, err := websocket.DefaultDialer.Dial(ts.wsURL, nil)
		if err == nil {
			_ = conn.Close()
			t.Fatalf("Expected missing origin to fail")
		}
		if resp != nil {
			defer func() { _ = resp.Body.Close() }()
			assert.Equal(t, http.StatusForbidden, resp.StatusCode)
		}
	})
}

func TestWSEndpointRejectsPost(t *testing.T) {
	ts := newTestServer(t, nil)

	resp, err := http.Post(ts.URL+"/ws", "text/plain", strings.NewReader("test"))
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestWSEndpointRequiresUpgradeHeaders(t *testing.T) {
	ts := newTestServer(t, nil)

	resp, err := http.Get(ts.URL + "/ws")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHealthEndpoint(t *testing.T) {
	ts := newTestServer(t, nil)

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":"ok"}`, string(body))
}

func TestStatsEndpoint(t *testing.T) {
	ts := newTestServer(t, nil)

	conn := dialWS(t, ts)
	joinRoom(t, conn, "lobby", "alice")

	resp, err := http.Get(ts.URL + "/stats")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var stats struct {
		Rooms   int `json:"rooms"`
		Clients int `json:"clients"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stats))
	assert.Equal(t, 1, stats.Rooms)
	assert.Equal(t, 1, stats.Clients)
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t, nil)

	conn := dialWS(t, ts)
	joinRoom(t, conn, "lobby", "alice")

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	assert.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Contains(t, string(body), "cloakroom_rooms 1")
	assert.Contains(t, string(body), "cloakroom_room_members 1")
	assert.Contains(t, string(body), "cloakroom_open_connections 1")
}

func TestChatPageServed(t *testing.T) {
	ts := newTestServer(t, nil)

	resp, err := http.Get(ts.URL + "/")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/html", resp.Header.Get("Content-Type"))

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "<title>Cloakroom</title>")
}

func TestCORSPreflightAllowsConfiguredOrigin(t *testing.T) {
	ts := newTestServer(t, nil)

	req, err := http.NewRequest(http.MethodOptions, ts.URL+"/stats", http.NoBody)
	require.NoError(t, err)
	req.Header.Set("Origin", testOrigin)
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	assert.Less(t, resp.StatusCode, 300)
	assert.Equal(t, testOrigin, resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestInboundRateLimitOverWire(t *testing.T) {
	rateCfg := server.RateLimitConfig{Burst: 2, RefillInterval: 500 * time.Millisecond}
	ts := newTestServer(t, func(cfg *server.Config) {
		cfg.RateLimit = rateCfg
	})

	conn := dialWS(t, ts)
	joinRoom(t, conn, "lobby", "alice")

	// The join consumed one token; the first message takes the second and the
	// one right behind it is discarded.
	sendEncrypted(t, conn, "Zmlyc3Q=")
	sendEncrypted(t, conn, "ZHJvcHBlZA==")

	frame := expectFrame(t, conn, "message")
	msg := frame["message"].(map[string]interface{})
	assert.Equal(t, "Zmlyc3Q=", msg["encrypted"])
	expectNoFrame(t, conn, 200*time.Millisecond)

	time.Sleep(rateCfg.RefillInterval + 100*time.Millisecond)

	sendEncrypted(t, conn, "cmVmaWxsZWQ=")
	frame = expectFrame(t, conn, "message")
	msg = frame["message"].(map[string]interface{})
	assert.Equal(t, "cmVmaWxsZWQ=", msg["encrypted"])
}

func TestOversizedFrameClosesConnection(t *testing.T) {
	const limit int64 = 256
	ts := newTestServer(t, func(cfg *server.Config) {
		cfg.MaxMessageSize = limit
	})

	alice := dialWS(t, ts)
	joinRoom(t, alice, "lobby", "alice")

	bob := dialWS(t, ts)
	joinRoom(t, bob, "lobby", "bob")
	expectFrame(t, alice, "user_count")
	expectFrame(t, alice, "user_joined")

	oversized := strings.Repeat("A", int(limit)+64)
	err := alice.WriteJSON(map[string]string{"type": "message", "encrypted": oversized})
	if err != nil && !websocket.IsCloseError(err, websocket.CloseMessageTooBig) {
		t.Fatalf("Unexpected error writing oversized frame: %v", err)
	}

	// The sender gets torn down without the frame reaching the room.
	require.NoError(t, alice.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, readErr := alice.ReadMessage()
	require.Error(t, readErr, "expected connection closure after an oversized frame")

	count := expectFrame(t, bob, "user_count")
	assert.Equal(t, float64(1), count["count"])
	left := expectFrame(t, bob, "user_left")
	assert.Equal(t, float64(1), left["userNumber"])
}
