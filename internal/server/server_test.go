package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/justinmoon/playground/internal/catalog"
	"github.com/justinmoon/playground/internal/config"
	"github.com/justinmoon/playground/internal/playground"
	"github.com/justinmoon/playground/internal/runtime"
	"github.com/justinmoon/playground/internal/runtime/mock"
	"github.com/justinmoon/playground/internal/terminal"
)

const waitFor = 2 * time.Second

type testServer struct {
	rt  *mock.Runtime
	srv *Server
	ts  *httptest.Server
}

func newTestServer(t *testing.T, mutate func(*config.Config)) *testServer {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.Server.DataDir = t.TempDir()
	cfg.Terminal.PollTimeout = 5 * time.Millisecond
	cfg.Terminal.BackoffMin = time.Millisecond
	cfg.Terminal.BackoffMax = 10 * time.Millisecond
	if mutate != nil {
		mutate(cfg)
	}

	rt := mock.New()
	cat := catalog.New(map[string]catalog.Entry{
		"alpine": {Image: "alpine:test", Shell: "/bin/sh", MOTD: "Welcome\n"},
	})

	srv, err := New(cfg, rt, cat, nil)
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.Shutdown(ctx)
		ts.Close()
	})
	return &testServer{rt: rt, srv: srv, ts: ts}
}

func (s *testServer) wsURL(name string) string {
	return "ws" + strings.TrimPrefix(s.ts.URL, "http") + "/ws/terminal/" + name
}

func (s *testServer) dial(t *testing.T, name string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(s.wsURL(name), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func (s *testServer) nextExec(t *testing.T) *mock.Exec {
	t.Helper()
	select {
	case e := <-s.rt.ExecStarted():
		return e
	case <-time.After(waitFor):
		t.Fatal("exec was never started")
		return nil
	}
}

func readText(t *testing.T, conn *websocket.Conn) string {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(waitFor))
	typ, data, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.TextMessage, typ)
	return string(data)
}

func readUntil(t *testing.T, conn *websocket.Conn, want string) string {
	t.Helper()
	var got strings.Builder
	for !strings.Contains(got.String(), want) {
		got.WriteString(readText(t, conn))
	}
	return got.String()
}

func (s *testServer) getJSON(t *testing.T, path string, out any) int {
	t.Helper()
	resp, err := http.Get(s.ts.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func (s *testServer) postJSON(t *testing.T, path string, out any) int {
	t.Helper()
	resp, err := http.Post(s.ts.URL+path, "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, nil)
	resp, err := http.Get(s.ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t, nil)
	http.Get(s.ts.URL + "/health")

	resp, err := http.Get(s.ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestTerminalWebSocket(t *testing.T) {
	s := newTestServer(t, nil)
	s.rt.AddContainer(runtime.Container{Name: "playground-alpine", Image: "alpine:test"})

	conn := s.dial(t, "alpine")
	exec := s.nextExec(t)
	assert.Equal(t, []string{"/bin/sh"}, exec.Config.Cmd)
	assert.Equal(t, "Welcome\r\n", readText(t, conn))

	// Output reaches the browser.
	go exec.WriteOutput([]byte("$ "))
	assert.Equal(t, "$ ", readUntil(t, conn, "$ "))

	// Keystrokes reach the shell.
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("ls\n")))
	require.Eventually(t, func() bool {
		return string(exec.Input()) == "ls\n"
	}, waitFor, 5*time.Millisecond)

	// Resize is applied, not typed.
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"resize","cols":120,"rows":40}`)))
	require.Eventually(t, func() bool {
		return len(s.rt.Resizes()) == 1
	}, waitFor, 5*time.Millisecond)
	assert.Equal(t, mock.Resize{ExecID: exec.ID, Rows: 40, Cols: 120}, s.rt.Resizes()[0])
	assert.Equal(t, "ls\n", string(exec.Input()))

	var status terminal.Status
	require.Equal(t, http.StatusOK, s.getJSON(t, "/api/sessions", &status))
	require.Len(t, status.Sessions, 1)
	assert.Equal(t, "playground-alpine", status.Sessions[0].ContainerName)

	// Client disconnect ends the session.
	conn.Close()
	select {
	case <-exec.Done():
	case <-time.After(waitFor):
		t.Fatal("exec stream was not closed")
	}
	require.Eventually(t, func() bool {
		return s.srv.Bridge().Registry().Len() == 0
	}, waitFor, 5*time.Millisecond)
}

func TestTerminalWebSocketContainerName(t *testing.T) {
	s := newTestServer(t, nil)
	s.rt.AddContainer(runtime.Container{Name: "scratchpad", Image: "busybox"})

	conn := s.dial(t, "scratchpad")
	exec := s.nextExec(t)
	// No catalog entry for the image, so the default shell and no banner.
	assert.Equal(t, []string{terminal.DefaultShell}, exec.Config.Cmd)

	go exec.WriteOutput([]byte("hi"))
	assert.Equal(t, "hi", readUntil(t, conn, "hi"))
}

func TestTerminalWebSocketNotFound(t *testing.T) {
	s := newTestServer(t, nil)

	conn := s.dial(t, "missing")
	msg := readText(t, conn)
	assert.JSONEq(t, `{"error":"Container 'missing' not found"}`, msg)

	conn.SetReadDeadline(time.Now().Add(waitFor))
	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
}

func TestTerminalWebSocketCapacity(t *testing.T) {
	s := newTestServer(t, func(c *config.Config) { c.Terminal.MaxSessions = 1 })
	s.rt.AddContainer(runtime.Container{Name: "playground-alpine", Image: "alpine:test"})

	first := s.dial(t, "alpine")
	s.nextExec(t)
	assert.Equal(t, "Welcome\r\n", readText(t, first))

	second := s.dial(t, "alpine")
	assert.JSONEq(t, `{"error":"Maximum terminal sessions (1) reached"}`, readText(t, second))
	assert.Equal(t, 1, s.srv.Bridge().Registry().Len())
}

func TestTerminalWebSocketOrigin(t *testing.T) {
	s := newTestServer(t, func(c *config.Config) {
		c.Server.AllowedOrigins = []string{"http://ui.example"}
	})
	s.rt.AddContainer(runtime.Container{Name: "playground-alpine", Image: "alpine:test"})

	header := http.Header{"Origin": []string{"http://evil.example"}}
	_, resp, err := websocket.DefaultDialer.Dial(s.wsURL("alpine"), header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	header = http.Header{"Origin": []string{"http://ui.example"}}
	conn, _, err := websocket.DefaultDialer.Dial(s.wsURL("alpine"), header)
	require.NoError(t, err)
	conn.Close()
}

func TestSessionStopAPI(t *testing.T) {
	s := newTestServer(t, nil)
	s.rt.AddContainer(runtime.Container{Name: "playground-alpine", Image: "alpine:test"})

	conn := s.dial(t, "alpine")
	exec := s.nextExec(t)
	readText(t, conn)

	sessions := s.srv.Bridge().Registry().List()
	require.Len(t, sessions, 1)

	req, err := http.NewRequest(http.MethodDelete, s.ts.URL+"/api/sessions/"+sessions[0].ID, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	select {
	case <-exec.Done():
	case <-time.After(waitFor):
		t.Fatal("exec stream was not closed")
	}

	req, _ = http.NewRequest(http.MethodDelete, s.ts.URL+"/api/sessions/"+sessions[0].ID, nil)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHistoryWithoutDatabase(t *testing.T) {
	s := newTestServer(t, nil)
	assert.Equal(t, http.StatusServiceUnavailable, s.getJSON(t, "/api/sessions/history", nil))
	assert.Equal(t, http.StatusServiceUnavailable, s.getJSON(t, "/api/operations/history", nil))
}

func TestContainerLifecycleAPI(t *testing.T) {
	s := newTestServer(t, nil)

	var list []playground.Playground
	require.Equal(t, http.StatusOK, s.getJSON(t, "/api/containers", &list))
	require.Len(t, list, 1)
	assert.Equal(t, playground.StateNotCreated, list[0].State)

	var op playground.Operation
	require.Equal(t, http.StatusOK, s.postJSON(t, "/api/containers/alpine/start?wait=true", &op))
	assert.Equal(t, playground.StatusSucceeded, op.Status)
	assert.Equal(t, playground.KindStart, op.Kind)

	var pg playground.Playground
	require.Equal(t, http.StatusOK, s.getJSON(t, "/api/containers/alpine", &pg))
	assert.True(t, pg.Running)
	assert.Equal(t, "playground-alpine", pg.ContainerName)

	var queued playground.Operation
	require.Equal(t, http.StatusAccepted, s.postJSON(t, "/api/containers/alpine/stop", &queued))
	assert.Equal(t, playground.KindStop, queued.Kind)

	require.Eventually(t, func() bool {
		var got playground.Operation
		s.getJSON(t, "/api/operations/"+queued.ID, &got)
		return got.Status.Done()
	}, waitFor, 10*time.Millisecond)

	var ops []playground.Operation
	require.Equal(t, http.StatusOK, s.getJSON(t, "/api/operations", &ops))
	assert.Len(t, ops, 2)

	assert.Equal(t, http.StatusNotFound, s.getJSON(t, "/api/operations/nope", nil))
	assert.Equal(t, http.StatusNotFound, s.postJSON(t, "/api/containers/nope/start", nil))
}

func TestContainerLogsAPI(t *testing.T) {
	s := newTestServer(t, nil)
	c := s.rt.AddContainer(runtime.Container{Name: "playground-alpine", Image: "alpine:test"})
	s.rt.SetLogs(c.ID, []byte("booted\n"))

	resp, err := http.Get(s.ts.URL + "/api/containers/alpine/logs?tail=10")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "booted\n", string(body))
}

type closeRecorder struct {
	mu     sync.Mutex
	closed []string
}

func (r *closeRecorder) SessionOpened(terminal.SessionInfo) {}

func (r *closeRecorder) SessionClosed(info terminal.SessionInfo, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = append(r.closed, reason)
}

func TestShutdownDrainsTerminalSessions(t *testing.T) {
	s := newTestServer(t, nil)
	s.rt.AddContainer(runtime.Container{Name: "playground-alpine", Image: "alpine:test"})
	rec := &closeRecorder{}
	s.srv.Bridge().Observe(rec)

	conn := s.dial(t, "alpine")
	exec := s.nextExec(t)
	assert.Equal(t, "Welcome\r\n", readText(t, conn))

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, s.srv.Shutdown(ctx))

	// No waiting: the session must be fully settled already.
	assert.Zero(t, s.srv.Bridge().Registry().Len())
	rec.mu.Lock()
	assert.Equal(t, []string{terminal.ReasonStopped}, rec.closed)
	rec.mu.Unlock()
	waitClosedChan(t, exec.Done())

	// The client sees a normal close.
	conn.SetReadDeadline(time.Now().Add(waitFor))
	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
}

func waitClosedChan(t *testing.T, done <-chan struct{}) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(waitFor):
		t.Fatal("exec stream was not closed")
	}
}
