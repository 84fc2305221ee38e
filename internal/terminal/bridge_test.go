package terminal

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/justinmoon/playground/internal/catalog"
	"github.com/justinmoon/playground/internal/runtime"
	"github.com/justinmoon/playground/internal/runtime/mock"
)

const waitFor = 2 * time.Second

var errChannelClosed = errors.New("channel closed")

// testChannel is an in-memory client. The test plays the browser through
// type/next/disconnect; the bridge uses the Channel methods.
type testChannel struct {
	in     chan string
	out    chan string
	closed chan struct{}

	closeOnce sync.Once
	closes    atomic.Int32
}

func newTestChannel() *testChannel {
	return &testChannel{
		in:     make(chan string, 64),
		out:    make(chan string, 1024),
		closed: make(chan struct{}),
	}
}

func (c *testChannel) Send(text string) error {
	select {
	case <-c.closed:
		return errChannelClosed
	default:
	}
	select {
	case c.out <- text:
		return nil
	case <-c.closed:
		return errChannelClosed
	}
}

func (c *testChannel) Receive() (string, error) {
	select {
	case msg := <-c.in:
		return msg, nil
	case <-c.closed:
		return "", io.EOF
	}
}

func (c *testChannel) Close() error {
	c.closes.Add(1)
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *testChannel) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *testChannel) typeText(t *testing.T, text string) {
	t.Helper()
	select {
	case c.in <- text:
	case <-time.After(waitFor):
		t.Fatalf("timed out sending %q", text)
	}
}

func (c *testChannel) next(t *testing.T) string {
	t.Helper()
	select {
	case frame := <-c.out:
		return frame
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for a frame")
		return ""
	}
}

// readUntil concatenates frames until the output contains want.
func (c *testChannel) readUntil(t *testing.T, want string) string {
	t.Helper()
	var got strings.Builder
	deadline := time.After(waitFor)
	for !strings.Contains(got.String(), want) {
		select {
		case frame := <-c.out:
			got.WriteString(frame)
		case <-deadline:
			t.Fatalf("timed out waiting for %q, got %q", want, got.String())
		}
	}
	return got.String()
}

// drain returns everything sent so far. Call after Serve has returned.
func (c *testChannel) drain() string {
	var got strings.Builder
	for {
		select {
		case frame := <-c.out:
			got.WriteString(frame)
		default:
			return got.String()
		}
	}
}

type harness struct {
	rt     *mock.Runtime
	bridge *Bridge
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	rt := mock.New()
	rt.AddContainer(runtime.Container{Name: "alpine-test", Image: "alpine:test"})
	cat := catalog.New(map[string]catalog.Entry{
		"alpine-test": {Image: "alpine:test", Shell: "/bin/sh", MOTD: "Welcome\n"},
	})
	if opts.PollTimeout == 0 {
		opts.PollTimeout = 5 * time.Millisecond
	}
	if opts.BackoffMax == 0 {
		opts.BackoffMin = time.Millisecond
		opts.BackoffMax = 10 * time.Millisecond
	}
	h := &harness{rt: rt, bridge: NewBridge(rt, cat, opts)}
	t.Cleanup(h.bridge.Close)
	return h
}

type liveSession struct {
	ch   *testChannel
	exec *mock.Exec
	done chan error
}

func (h *harness) serve(name string) (*testChannel, chan error) {
	ch := newTestChannel()
	done := make(chan error, 1)
	go func() { done <- h.bridge.Serve(context.Background(), ch, name) }()
	return ch, done
}

// open starts a session and waits until its exec is running and the banner
// has been consumed.
func (h *harness) open(t *testing.T) *liveSession {
	t.Helper()
	ch, done := h.serve("alpine-test")
	var exec *mock.Exec
	select {
	case exec = <-h.rt.ExecStarted():
	case <-time.After(waitFor):
		t.Fatal("exec was never started")
	}
	require.Equal(t, "Welcome\r\n", ch.next(t))
	return &liveSession{ch: ch, exec: exec, done: done}
}

func (s *liveSession) wait(t *testing.T) {
	t.Helper()
	select {
	case err := <-s.done:
		require.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("session did not end")
	}
}

func waitClosed(t *testing.T, done <-chan struct{}) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(waitFor):
		t.Fatal("exec stream was not closed")
	}
}

func TestBridgeEndToEnd(t *testing.T) {
	h := newHarness(t, Options{})
	s := h.open(t)

	assert.Equal(t, []string{"/bin/sh"}, s.exec.Config.Cmd)
	assert.Equal(t, "xterm-256color", s.exec.Config.Env["TERM"])
	assert.True(t, s.exec.Config.TTY)
	assert.True(t, s.exec.Config.Stdin)
	assert.Equal(t, 1, h.bridge.Registry().Len())

	s.ch.typeText(t, "ls\n")
	require.Eventually(t, func() bool { return string(s.exec.Input()) == "ls\n" }, waitFor, 5*time.Millisecond)

	require.NoError(t, s.exec.WriteOutput([]byte("ls\r\nbin  etc  usr\r\n")))
	assert.Contains(t, s.ch.readUntil(t, "usr\r\n"), "bin  etc  usr")

	s.ch.Close()
	s.wait(t)
	waitClosed(t, s.exec.Done())
	assert.Equal(t, 0, h.bridge.Registry().Len())
}

func TestBridgeOrdering(t *testing.T) {
	h := newHarness(t, Options{})

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 25
	properties := gopter.NewProperties(parameters)

	chunk := gen.AlphaString().SuchThat(func(s string) bool { return s != "" })
	properties.Property("output arrives in write order", prop.ForAll(
		func(chunks []string) bool {
			s := h.open(t)
			for _, c := range chunks {
				if err := s.exec.WriteOutput([]byte(c)); err != nil {
					return false
				}
			}
			s.exec.Exit()
			s.wait(t)
			return s.ch.drain() == strings.Join(chunks, "")
		},
		gen.SliceOf(chunk),
	))

	properties.TestingRun(t)
}

func TestBridgeDoubleResize(t *testing.T) {
	h := newHarness(t, Options{})
	s := h.open(t)

	s.ch.typeText(t, `{"type":"resize","cols":80,"rows":24}`)
	s.ch.typeText(t, `{"type":"resize","cols":80,"rows":24}`)
	require.Eventually(t, func() bool { return len(h.rt.Resizes()) == 2 }, waitFor, 5*time.Millisecond)

	for _, r := range h.rt.Resizes() {
		assert.Equal(t, mock.Resize{ExecID: s.exec.ID, Rows: 24, Cols: 80}, r)
	}

	s.ch.Close()
	s.wait(t)
	assert.Empty(t, s.exec.Input())
}

func TestBridgeMalformedResize(t *testing.T) {
	h := newHarness(t, Options{})
	s := h.open(t)

	s.ch.typeText(t, `{"type":"resize","cols":-1,"rows":24}`)
	s.ch.typeText(t, `{"type":"resize","cols":"x","rows":24}`)
	s.ch.typeText(t, "echo ok\n")

	require.Eventually(t, func() bool { return string(s.exec.Input()) == "echo ok\n" }, waitFor, 5*time.Millisecond)
	assert.Empty(t, h.rt.Resizes())
	assert.False(t, s.ch.isClosed())

	s.ch.Close()
	s.wait(t)
}

func TestBridgeUnrecognizedControlForwarded(t *testing.T) {
	h := newHarness(t, Options{})
	s := h.open(t)

	s.ch.typeText(t, `{"type":"ping"}`)
	require.Eventually(t, func() bool { return string(s.exec.Input()) == `{"type":"ping"}` }, waitFor, 5*time.Millisecond)

	s.ch.Close()
	s.wait(t)
}

func TestBridgeCapacity(t *testing.T) {
	const limit = 3
	h := newHarness(t, Options{MaxSessions: limit})

	sessions := make([]*liveSession, 0, limit)
	for i := 0; i < limit; i++ {
		sessions = append(sessions, h.open(t))
	}
	require.Equal(t, limit, h.bridge.Registry().Len())

	ch, done := h.serve("alpine-test")
	var err error
	select {
	case err = <-done:
	case <-time.After(waitFor):
		t.Fatal("over-limit session was not rejected")
	}
	require.ErrorIs(t, err, ErrCapacityExceeded)
	assert.JSONEq(t, `{"error":"Maximum terminal sessions (3) reached"}`, ch.next(t))
	assert.True(t, ch.isClosed())
	assert.Equal(t, limit, h.bridge.Registry().Len())

	for _, s := range sessions {
		s.ch.Close()
		s.wait(t)
	}
	assert.Equal(t, 0, h.bridge.Registry().Len())
}

func TestBridgeStreamFault(t *testing.T) {
	h := newHarness(t, Options{})
	before := h.bridge.Registry().Len()
	s := h.open(t)

	s.exec.Fail(errors.New("connection reset by peer"))
	s.wait(t)

	waitClosed(t, s.exec.Done())
	assert.True(t, s.ch.isClosed())
	assert.EqualValues(t, 1, s.ch.closes.Load())
	assert.Equal(t, before, h.bridge.Registry().Len())
}

func TestBridgeDecodeResilience(t *testing.T) {
	h := newHarness(t, Options{})
	s := h.open(t)

	require.NoError(t, s.exec.WriteOutput([]byte("ab\xc3\x28cd")))
	assert.Equal(t, "ab�(cd", s.ch.readUntil(t, "cd"))

	s.ch.typeText(t, "still here")
	require.Eventually(t, func() bool { return string(s.exec.Input()) == "still here" }, waitFor, 5*time.Millisecond)

	s.ch.Close()
	s.wait(t)
}

func TestBridgeContainerNotFound(t *testing.T) {
	h := newHarness(t, Options{})

	ch, done := h.serve("missing")
	var err error
	select {
	case err = <-done:
	case <-time.After(waitFor):
		t.Fatal("Serve did not return")
	}
	require.ErrorIs(t, err, runtime.ErrNotFound)

	var frame map[string]string
	require.NoError(t, json.Unmarshal([]byte(ch.next(t)), &frame))
	assert.Equal(t, "Container 'missing' not found", frame["error"])
	assert.True(t, ch.isClosed())
	assert.Equal(t, 0, h.bridge.Registry().Len())
}

func TestBridgeExecFailure(t *testing.T) {
	h := newHarness(t, Options{})
	h.rt.CreateExecErr = errors.New("container is paused")

	ch, done := h.serve("alpine-test")
	select {
	case err := <-done:
		require.Error(t, err)
	case <-time.After(waitFor):
		t.Fatal("Serve did not return")
	}
	assert.Contains(t, ch.next(t), "Failed to start terminal")
	assert.True(t, ch.isClosed())
	assert.Equal(t, 0, h.bridge.Registry().Len())
}

func TestBridgeStoppedContainer(t *testing.T) {
	h := newHarness(t, Options{})
	h.rt.AddContainer(runtime.Container{Name: "stopped", Image: "alpine:test", State: runtime.StateExited})

	ch, done := h.serve("stopped")
	select {
	case err := <-done:
		require.ErrorIs(t, err, runtime.ErrNotRunning)
	case <-time.After(waitFor):
		t.Fatal("Serve did not return")
	}
	assert.Contains(t, ch.next(t), "not running")
}

func TestBridgeProcessExit(t *testing.T) {
	h := newHarness(t, Options{})
	s := h.open(t)

	s.exec.Exit()
	s.wait(t)
	assert.True(t, s.ch.isClosed())
	assert.Equal(t, 0, h.bridge.Registry().Len())
}

func TestBridgeCountersAndStatus(t *testing.T) {
	h := newHarness(t, Options{MaxSessions: 7, FlushBytes: 1})
	s := h.open(t)

	require.NoError(t, s.exec.WriteOutput([]byte("12345")))
	s.ch.readUntil(t, "12345")
	s.ch.typeText(t, "abc")
	require.Eventually(t, func() bool { return len(s.exec.Input()) == 3 }, waitFor, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		st := h.bridge.Status()
		return len(st.Sessions) == 1 && st.Sessions[0].BytesSent == 5 && st.Sessions[0].BytesReceived == 3
	}, waitFor, 5*time.Millisecond)

	st := h.bridge.Status()
	assert.Equal(t, 7, st.MaxSessions)
	assert.Equal(t, 1, st.ActiveSessions)
	assert.Equal(t, "alpine-test", st.Sessions[0].ContainerName)
	assert.EqualValues(t, 5, st.PollTimeoutMS)

	s.ch.Close()
	s.wait(t)
	assert.Empty(t, h.bridge.Status().Sessions)
}

type recordingObserver struct {
	mu      sync.Mutex
	opened  []SessionInfo
	closed  []SessionInfo
	reasons []string
}

func (o *recordingObserver) SessionOpened(info SessionInfo) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.opened = append(o.opened, info)
}

func (o *recordingObserver) SessionClosed(info SessionInfo, reason string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.closed = append(o.closed, info)
	o.reasons = append(o.reasons, reason)
}

func TestBridgeObserver(t *testing.T) {
	h := newHarness(t, Options{})
	obs := &recordingObserver{}
	h.bridge.Observe(obs)

	s := h.open(t)
	s.ch.Close()
	s.wait(t)

	obs.mu.Lock()
	defer obs.mu.Unlock()
	require.Len(t, obs.opened, 1)
	require.Len(t, obs.closed, 1)
	assert.Equal(t, obs.opened[0].ID, obs.closed[0].ID)
	assert.Equal(t, ReasonClientGone, obs.reasons[0])
}

func TestBridgeExternalStop(t *testing.T) {
	h := newHarness(t, Options{})
	s := h.open(t)

	sessions := h.bridge.Registry().List()
	require.Len(t, sessions, 1)
	require.True(t, h.bridge.Registry().Stop(sessions[0].ID))

	s.wait(t)
	waitClosed(t, s.exec.Done())
	assert.True(t, s.ch.isClosed())
	assert.EqualValues(t, 1, s.ch.closes.Load())
}

func TestBridgeContextCancel(t *testing.T) {
	h := newHarness(t, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	ch := newTestChannel()
	done := make(chan error, 1)
	go func() { done <- h.bridge.Serve(ctx, ch, "alpine-test") }()

	exec := <-h.rt.ExecStarted()
	ch.next(t)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("session ignored cancellation")
	}
	waitClosed(t, exec.Done())
	assert.True(t, ch.isClosed())
}

func TestBridgeShutdownWaitsForSessions(t *testing.T) {
	h := newHarness(t, Options{})
	obs := &recordingObserver{}
	h.bridge.Observe(obs)

	first := h.open(t)
	second := h.open(t)

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, h.bridge.Shutdown(ctx))

	// Everything is settled by the time Shutdown returns.
	assert.Zero(t, h.bridge.Registry().Len())
	obs.mu.Lock()
	assert.Len(t, obs.closed, 2)
	assert.Equal(t, []string{ReasonStopped, ReasonStopped}, obs.reasons)
	obs.mu.Unlock()
	first.wait(t)
	second.wait(t)
	assert.True(t, first.ch.isClosed())
	assert.True(t, second.ch.isClosed())

	// Late arrivals are turned away.
	ch, done := h.serve("alpine-test")
	assert.JSONEq(t, `{"error":"Terminal service is shutting down"}`, ch.next(t))
	require.ErrorIs(t, <-done, ErrClosed)
	assert.True(t, ch.isClosed())
}

func TestBridgeShutdownDeadline(t *testing.T) {
	h := newHarness(t, Options{})
	h.open(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	// With the context already done, Shutdown may return before the session
	// has unwound; either way the session still ends.
	if err := h.bridge.Shutdown(ctx); err != nil {
		require.ErrorIs(t, err, context.Canceled)
	}
	require.Eventually(t, func() bool {
		return h.bridge.Registry().Len() == 0
	}, waitFor, 5*time.Millisecond)
}
