package web

import (
	"encoding/json"
	"errors"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asheshgoplani/ptydeck/internal/agent"
	"github.com/asheshgoplani/ptydeck/internal/pty"
)

func wsURL(serverURL, path string) string {
	return "ws" + strings.TrimPrefix(serverURL, "http") + path
}

func dialWS(t *testing.T, serverURL, path string) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL(serverURL, path), nil)
	if err != nil {
		if resp != nil {
			t.Fatalf("dial failed with status %d: %v", resp.StatusCode, err)
		}
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// readStatus returns the next JSON message, skipping binary frames.
func readStatus(t *testing.T, conn *websocket.Conn) wsServerMessage {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		_ = conn.SetReadDeadline(time.Now().Add(time.Second))
		msgType, payload, err := conn.ReadMessage()
		if err != nil {
			if isTimeout(err) {
				continue
			}
			t.Fatalf("failed to read websocket message: %v", err)
		}
		if msgType == websocket.BinaryMessage {
			continue
		}
		var msg wsServerMessage
		require.NoError(t, json.Unmarshal(payload, &msg))
		return msg
	}
	t.Fatal("timed out waiting for a status message")
	return wsServerMessage{}
}

func readBinary(t *testing.T, conn *websocket.Conn) string {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		msgType, payload, err := conn.ReadMessage()
		require.NoError(t, err)
		if msgType == websocket.BinaryMessage {
			return string(payload)
		}
	}
}

func TestWSUnknownSession(t *testing.T) {
	env := newTestEnv(t)
	ts := env.httpServer(t)

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(ts.URL, "/ws/session/missing"), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, 404, resp.StatusCode)
}

func TestWSRejectsForeignOrigin(t *testing.T) {
	env := newTestEnv(t)
	env.spawn(t, "s1", pty.SpawnOptions{})
	ts := env.httpServer(t)

	header := map[string][]string{"Origin": {"http://evil.example"}}
	_, resp, err := websocket.DefaultDialer.Dial(wsURL(ts.URL, "/ws/session/s1"), header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, 403, resp.StatusCode)
}

func TestWSStreamsOutputAndInput(t *testing.T) {
	env := newTestEnv(t)
	p := env.spawn(t, "a1", pty.SpawnOptions{Kind: agent.KindClaude})
	ts := env.httpServer(t)

	conn := dialWS(t, ts.URL, "/ws/session/a1")
	hello := readStatus(t, conn)
	assert.Equal(t, "connected", hello.Event)
	assert.Equal(t, agent.KindClaude, hello.Kind)
	assert.Equal(t, agent.StateWorking, hello.AgentState)
	require.Eventually(t, func() bool { return env.hub.Clients("a1") == 1 }, time.Second, 5*time.Millisecond)

	p.emit("hello from agent")
	assert.Equal(t, "hello from agent", readBinary(t, conn))

	require.NoError(t, conn.WriteJSON(wsClientMessage{Type: "input", Data: "yes\r", TraceID: "t-1"}))
	require.Eventually(t, func() bool { return p.written() == "yes\r" }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, conn.WriteJSON(wsClientMessage{Type: "resize", Cols: 80, Rows: 24}))
	require.Eventually(t, func() bool {
		info, _ := env.manager.Get("a1")
		return info.Cols == 80 && info.Rows == 24
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, conn.WriteJSON(wsClientMessage{Type: "ping"}))
	assert.Equal(t, "pong", readStatus(t, conn).Event)

	p.exit(3)
	bye := readStatus(t, conn)
	assert.Equal(t, "exited", bye.Event)
	require.NotNil(t, bye.ExitCode)
	assert.Equal(t, 3, *bye.ExitCode)
}

func TestWSReadOnlyRefusesInput(t *testing.T) {
	env := newTestEnv(t, func(c *Config) { c.ReadOnly = true })
	p := env.spawn(t, "s1", pty.SpawnOptions{})
	ts := env.httpServer(t)

	conn := dialWS(t, ts.URL, "/ws/session/s1")
	hello := readStatus(t, conn)
	assert.True(t, hello.ReadOnly)

	require.NoError(t, conn.WriteJSON(wsClientMessage{Type: "input", Data: "rm -rf /\r"}))
	msg := readStatus(t, conn)
	assert.Equal(t, "error", msg.Type)
	assert.Equal(t, "READ_ONLY", msg.Code)
	assert.Empty(t, p.written())
}

func TestWSRateLimitsInput(t *testing.T) {
	env := newTestEnv(t, func(c *Config) {
		c.InputRate = 0.001
		c.InputBurst = 1
	})
	p := env.spawn(t, "s1", pty.SpawnOptions{})
	ts := env.httpServer(t)

	conn := dialWS(t, ts.URL, "/ws/session/s1")
	readStatus(t, conn)

	require.NoError(t, conn.WriteJSON(wsClientMessage{Type: "input", Data: "a"}))
	require.NoError(t, conn.WriteJSON(wsClientMessage{Type: "input", Data: "b"}))

	msg := readStatus(t, conn)
	assert.Equal(t, "RATE_LIMITED", msg.Code)
	assert.Equal(t, "a", p.written())
}

func TestWSInvalidAndUnsupportedMessages(t *testing.T) {
	env := newTestEnv(t)
	env.spawn(t, "s1", pty.SpawnOptions{})
	ts := env.httpServer(t)

	conn := dialWS(t, ts.URL, "/ws/session/s1")
	readStatus(t, conn)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{oops")))
	assert.Equal(t, "INVALID_MESSAGE", readStatus(t, conn).Code)

	require.NoError(t, conn.WriteJSON(wsClientMessage{Type: "dance"}))
	assert.Equal(t, "UNSUPPORTED_MESSAGE", readStatus(t, conn).Code)
}

func TestWSClientCloseDetaches(t *testing.T) {
	env := newTestEnv(t)
	env.spawn(t, "s1", pty.SpawnOptions{})
	ts := env.httpServer(t)

	conn := dialWS(t, ts.URL, "/ws/session/s1")
	readStatus(t, conn)
	require.Eventually(t, func() bool { return env.hub.Clients("s1") == 1 }, time.Second, 5*time.Millisecond)

	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(200*time.Millisecond))
	_ = conn.Close()

	require.Eventually(t, func() bool { return env.hub.Clients("s1") == 0 }, 2*time.Second, 5*time.Millisecond)
	assert.True(t, env.manager.Has("s1"), "closing the socket does not kill the session")
}
