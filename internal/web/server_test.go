package web

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asheshgoplani/ptydeck/internal/agent"
	"github.com/asheshgoplani/ptydeck/internal/events"
	"github.com/asheshgoplani/ptydeck/internal/logging"
	"github.com/asheshgoplani/ptydeck/internal/pty"
)

func do(t *testing.T, h http.Handler, method, target string, body any, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, target, &buf)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestHealthzEndpoint(t *testing.T) {
	env := newTestEnv(t, func(c *Config) { c.ReadOnly = true })

	rr := do(t, env.srv.Handler(), http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	body := rr.Body.String()
	assert.Contains(t, body, `"ok":true`)
	assert.Contains(t, body, `"readOnly":true`)
	assert.Contains(t, body, `"version":"test"`)
}

func TestHealthzMethodNotAllowed(t *testing.T) {
	env := newTestEnv(t)
	rr := do(t, env.srv.Handler(), http.MethodPost, "/healthz", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
}

func TestTokenRequired(t *testing.T) {
	env := newTestEnv(t, func(c *Config) { c.Token = "secret-token" })
	h := env.srv.Handler()

	rr := do(t, h, http.MethodGet, "/api/sessions", nil)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Contains(t, rr.Body.String(), `"code":"UNAUTHORIZED"`)

	rr = do(t, h, http.MethodGet, "/api/sessions", nil, "Authorization", "Bearer wrong")
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = do(t, h, http.MethodGet, "/api/sessions", nil, "Authorization", "Bearer secret-token")
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = do(t, h, http.MethodGet, "/api/sessions?token=secret-token", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestBearerToken(t *testing.T) {
	assert.Equal(t, "abc", bearerToken("Bearer abc"))
	assert.Equal(t, "abc", bearerToken("  Bearer  abc  "))
	assert.Empty(t, bearerToken("Basic abc"))
	assert.Empty(t, bearerToken("Bearer "))
	assert.Empty(t, bearerToken(""))
}

func TestReadOnlyRejectsMutations(t *testing.T) {
	env := newTestEnv(t, func(c *Config) { c.ReadOnly = true })
	env.spawn(t, "s1", pty.SpawnOptions{})
	h := env.srv.Handler()

	for _, tc := range []struct{ method, path string }{
		{http.MethodPost, "/api/sessions"},
		{http.MethodDelete, "/api/sessions/s1"},
		{http.MethodPost, "/api/sessions/s1/input"},
		{http.MethodPost, "/api/sessions/s1/checked"},
		{http.MethodDelete, "/api/events"},
	} {
		rr := do(t, h, tc.method, tc.path, map[string]string{})
		assert.Equal(t, http.StatusForbidden, rr.Code, "%s %s", tc.method, tc.path)
	}
	assert.True(t, env.manager.Has("s1"))

	rr := do(t, h, http.MethodGet, "/api/sessions/s1", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestSpawnAndListSessions(t *testing.T) {
	env := newTestEnv(t)
	h := env.srv.Handler()

	rr := do(t, h, http.MethodPost, "/api/sessions", map[string]any{
		"id":    "agent-1",
		"kind":  "claude",
		"title": "refactor",
		"cols":  100,
		"rows":  40,
	})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

	var info pty.Info
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &info))
	assert.Equal(t, "agent-1", info.ID)
	assert.Equal(t, agent.KindClaude, info.Kind)
	assert.Equal(t, 100, info.Cols)
	assert.Equal(t, agent.StateWorking, info.AgentState)

	rr = do(t, h, http.MethodGet, "/api/sessions", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var list sessionListResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &list))
	require.Len(t, list.Sessions, 1)
	assert.Equal(t, "refactor", list.Sessions[0].Title)

	types := []events.Type{}
	for _, rec := range env.buffer.All() {
		types = append(types, rec.Type)
	}
	assert.Equal(t, []events.Type{events.TypeAgentSpawned, events.TypeAgentStateChanged}, types)
}

func TestSpawnGeneratesID(t *testing.T) {
	env := newTestEnv(t)
	rr := do(t, env.srv.Handler(), http.MethodPost, "/api/sessions", map[string]any{})
	require.Equal(t, http.StatusCreated, rr.Code)

	var info pty.Info
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &info))
	assert.Len(t, info.ID, 36)
	assert.Equal(t, agent.KindShell, info.Kind)
}

func TestSpawnRejectsBadInput(t *testing.T) {
	env := newTestEnv(t)
	h := env.srv.Handler()

	req := httptest.NewRequest(http.MethodPost, "/api/sessions", strings.NewReader("{not json"))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = do(t, h, http.MethodPost, "/api/sessions", map[string]any{"id": "a/b"})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestSessionDetailsAndNotFound(t *testing.T) {
	env := newTestEnv(t)
	p := env.spawn(t, "s1", pty.SpawnOptions{Kind: agent.KindClaude})
	p.emit("hello\r\nworld")
	h := env.srv.Handler()

	rr := do(t, h, http.MethodGet, "/api/sessions/s1", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var details sessionDetailsResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &details))
	assert.Equal(t, "s1", details.Info.ID)
	assert.Equal(t, []string{"hello", "world"}, details.Snapshot.Lines)

	rr = do(t, h, http.MethodGet, "/api/sessions/nope", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = do(t, h, http.MethodGet, "/api/sessions/s1/bogus", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = do(t, h, http.MethodPut, "/api/sessions/s1", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
}

func TestSessionActions(t *testing.T) {
	env := newTestEnv(t)
	p := env.spawn(t, "s1", pty.SpawnOptions{Kind: agent.KindClaude})
	h := env.srv.Handler()

	rr := do(t, h, http.MethodPost, "/api/sessions/s1/input", inputRequest{Data: "ls\r", TraceID: "trace-1"})
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "ls\r", p.written())

	rr = do(t, h, http.MethodPost, "/api/sessions/s1/resize", resizeRequest{Cols: 90, Rows: 20})
	require.Equal(t, http.StatusOK, rr.Code)
	info, _ := env.manager.Get("s1")
	assert.Equal(t, 90, info.Cols)
	assert.Equal(t, 20, info.Rows)

	rr = do(t, h, http.MethodPost, "/api/sessions/s1/checked", nil)
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = do(t, h, http.MethodPost, "/api/sessions/missing/input", inputRequest{Data: "x"})
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestKillSession(t *testing.T) {
	env := newTestEnv(t)
	env.spawn(t, "s1", pty.SpawnOptions{Kind: agent.KindClaude})

	rr := do(t, env.srv.Handler(), http.MethodDelete, "/api/sessions/s1?reason=cleanup", nil)
	require.Equal(t, http.StatusAccepted, rr.Code)

	require.Eventually(t, func() bool { return !env.manager.Has("s1") }, 2*time.Second, 5*time.Millisecond)

	killed := env.buffer.Filtered(eventbufferTypes(events.TypeAgentKilled))
	require.Len(t, killed, 1)
	assert.Equal(t, "cleanup", killed[0].Payload.(events.Killed).Reason)
	assert.Len(t, env.buffer.Filtered(eventbufferTypes(events.TypeAgentFailed)), 1)
	assert.Empty(t, env.buffer.Filtered(eventbufferTypes(events.TypeAgentCompleted)),
		"the exit after a kill does not complete the agent")
}

func TestPatternsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	rr := do(t, env.srv.Handler(), http.MethodGet, "/api/patterns", nil)
	require.Equal(t, http.StatusOK, rr.Code)

	var resp patternsResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	var kinds []agent.Kind
	for _, k := range resp.Kinds {
		kinds = append(kinds, k.Kind)
		if k.Kind == agent.KindClaude {
			assert.True(t, k.Agent)
			assert.Positive(t, k.PromptCount)
		}
	}
	assert.Contains(t, kinds, agent.KindClaude)
}

func TestWithRecover(t *testing.T) {
	h := withRecover(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { panic("boom") }))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
}

func TestServerErrorLogIsStructured(t *testing.T) {
	dir := t.TempDir()
	logging.Shutdown()
	logging.Init(logging.Config{Debug: true, LogDir: dir})
	t.Cleanup(logging.Shutdown)

	env := newTestEnv(t)
	errLog := env.srv.httpServer.ErrorLog
	require.NotNil(t, errLog)
	assert.IsType(t, &logging.StdLogWriter{}, errLog.Writer())

	errLog.Printf("http: TLS handshake error from %s: EOF", "10.0.0.2:5123")

	data, err := os.ReadFile(filepath.Join(dir, "debug.log"))
	require.NoError(t, err)
	var rec map[string]any
	for _, line := range bytes.Split(bytes.TrimSpace(data), []byte("\n")) {
		var r map[string]any
		if json.Unmarshal(line, &r) == nil && r["msg"] == "http_server_error" {
			rec = r
		}
	}
	require.NotNil(t, rec, "error log line reaches debug.log")
	assert.Equal(t, logging.CompWeb, rec["component"])
	assert.Equal(t, "http", rec["origin"])
}
