// Package terminal bridges a client text channel (a WebSocket in production)
// to an interactive shell running inside a container.
//
// A session reserves a registry slot, opens a TTY exec in the container,
// sends the image banner and then runs two relays until either side goes
// away: container output to the client, client input (and resize control
// messages) to the container.
package terminal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/justinmoon/playground/internal/metrics"
	"github.com/justinmoon/playground/internal/motd"
	"github.com/justinmoon/playground/internal/runtime"
)

// Channel is a duplex text-message channel to the client. The bridge closes
// it exactly once when the session ends.
type Channel interface {
	Send(text string) error
	Receive() (string, error)
	Close() error
}

// Catalog supplies per-image shell and banner text.
type Catalog interface {
	ShellForImage(image string) string
	MOTD(image string) string
}

// Observer is notified when sessions go live and when they end.
type Observer interface {
	SessionOpened(info SessionInfo)
	SessionClosed(info SessionInfo, reason string)
}

// Reasons a live session ended.
const (
	ReasonClientGone   = "client_disconnected"
	ReasonStreamClosed = "stream_closed"
	ReasonStreamError  = "stream_error"
	ReasonStopped      = "stopped"
)

// DefaultShell is used when no catalog is configured.
const DefaultShell = "/bin/sh"

// Options tunes the relays. Zero fields take the defaults.
type Options struct {
	MaxSessions   int
	PollTimeout   time.Duration
	BackoffMin    time.Duration
	BackoffMax    time.Duration
	BackoffFactor float64
	ReadBuffer    int
	FlushBytes    int
}

// DefaultOptions returns the stock tuning.
func DefaultOptions() Options {
	return Options{
		MaxSessions:   50,
		PollTimeout:   50 * time.Millisecond,
		BackoffMin:    5 * time.Millisecond,
		BackoffMax:    200 * time.Millisecond,
		BackoffFactor: 1.5,
		ReadBuffer:    16 * 1024,
		FlushBytes:    4 * 1024,
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.MaxSessions == 0 {
		o.MaxSessions = def.MaxSessions
	}
	if o.PollTimeout <= 0 {
		o.PollTimeout = def.PollTimeout
	}
	if o.BackoffMin <= 0 {
		o.BackoffMin = def.BackoffMin
	}
	if o.BackoffMax < o.BackoffMin {
		o.BackoffMax = max(def.BackoffMax, o.BackoffMin)
	}
	if o.BackoffFactor < 1 {
		o.BackoffFactor = def.BackoffFactor
	}
	if o.ReadBuffer <= 0 {
		o.ReadBuffer = def.ReadBuffer
	}
	if o.FlushBytes <= 0 {
		o.FlushBytes = def.FlushBytes
	}
	return o
}

// Bridge runs terminal sessions against a container runtime.
type Bridge struct {
	runtime  runtime.Terminal
	catalog  Catalog
	registry *Registry
	opts     Options

	mu        sync.RWMutex
	observers []Observer
	closing   bool
	live      sync.WaitGroup // running Serve calls
}

// NewBridge creates a bridge with its own session registry. catalog may be nil.
func NewBridge(rt runtime.Terminal, catalog Catalog, opts Options) *Bridge {
	opts = opts.withDefaults()
	return &Bridge{
		runtime:  rt,
		catalog:  catalog,
		registry: NewRegistry(opts.MaxSessions),
		opts:     opts,
	}
}

// Registry returns the bridge's session registry.
func (b *Bridge) Registry() *Registry { return b.registry }

// Observe registers o for session notifications.
func (b *Bridge) Observe(o Observer) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.observers = append(b.observers, o)
}

// Shutdown rejects new sessions, stops every live one and waits until each
// has deregistered and notified observers, or until ctx is done.
func (b *Bridge) Shutdown(ctx context.Context) error {
	b.mu.Lock()
	b.closing = true
	b.mu.Unlock()
	b.registry.CloseAll()

	done := make(chan struct{})
	go func() {
		b.live.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for %d terminal sessions: %w", b.registry.Len(), ctx.Err())
	}
}

// Close is Shutdown without a deadline.
func (b *Bridge) Close() {
	_ = b.Shutdown(context.Background())
}

// enter counts a Serve call unless the bridge is shutting down.
func (b *Bridge) enter() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closing {
		return false
	}
	b.live.Add(1)
	return true
}

// Status is the diagnostic snapshot served by the status endpoint.
type Status struct {
	Sessions        []SessionInfo `json:"sessions"`
	ActiveSessions  int           `json:"active_sessions"`
	MaxSessions     int           `json:"max_sessions"`
	PollTimeoutMS   int64         `json:"poll_timeout_ms"`
	BackoffMinMS    int64         `json:"backoff_min_ms"`
	BackoffMaxMS    int64         `json:"backoff_max_ms"`
	BackoffFactor   float64       `json:"backoff_factor"`
	ReadBufferBytes int           `json:"read_buffer_bytes"`
}

// Status returns active sessions and the relay tuning.
func (b *Bridge) Status() Status {
	sessions := b.registry.List()
	return Status{
		Sessions:        sessions,
		ActiveSessions:  len(sessions),
		MaxSessions:     b.registry.Max(),
		PollTimeoutMS:   b.opts.PollTimeout.Milliseconds(),
		BackoffMinMS:    b.opts.BackoffMin.Milliseconds(),
		BackoffMaxMS:    b.opts.BackoffMax.Milliseconds(),
		BackoffFactor:   b.opts.BackoffFactor,
		ReadBufferBytes: b.opts.ReadBuffer,
	}
}

// execSession is an exec process whose stream has been started.
type execSession struct {
	id     string
	image  string
	shell  string
	stream runtime.Stream
}

// Serve bridges ch to a shell in containerName and blocks until the session
// ends. Setup failures are reported to the client as {"error": "..."} and
// returned; once the session is live, Serve returns nil however it ends.
// ch is always closed on return.
func (b *Bridge) Serve(ctx context.Context, ch Channel, containerName string) error {
	var sess *Session
	var err error
	if b.enter() {
		defer b.live.Done()
		sess, err = b.registry.Reserve(containerName)
	} else {
		err = ErrClosed
	}
	if err != nil {
		metrics.TerminalSessionsTotal.WithLabelValues(metrics.OutcomeRejected).Inc()
		log.Warn().Err(err).Str("container", containerName).Int("max_sessions", b.registry.Max()).Msg("Terminal session rejected")
		msg := "Terminal service is shutting down"
		if errors.Is(err, ErrCapacityExceeded) {
			msg = fmt.Sprintf("Maximum terminal sessions (%d) reached", b.registry.Max())
		}
		reject(ch, msg)
		return err
	}
	logger := log.With().Str("session_id", sess.ID).Str("container", containerName).Logger()

	ex, err := b.open(ctx, containerName)
	if err != nil {
		b.registry.Release(sess.ID)
		msg := fmt.Sprintf("Failed to start terminal: %v", err)
		outcome := metrics.OutcomeFailed
		if errors.Is(err, runtime.ErrNotFound) {
			msg = fmt.Sprintf("Container '%s' not found", containerName)
			outcome = metrics.OutcomeNotFound
		}
		metrics.TerminalSessionsTotal.WithLabelValues(outcome).Inc()
		logger.Warn().Err(err).Msg("Terminal session setup failed")
		reject(ch, msg)
		return err
	}
	logger = logger.With().Str("exec_id", ex.id).Logger()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	td := &teardown{stream: ex.stream, ch: ch, logger: logger}
	stopTeardown := context.AfterFunc(ctx, td.run)
	defer stopTeardown()

	if b.catalog != nil {
		if banner := motd.Format(b.catalog.MOTD(ex.image)); banner != "" {
			if err := ch.Send(banner); err != nil {
				logger.Warn().Err(err).Msg("Failed to send banner")
			}
		}
	}

	b.registry.setStop(sess.ID, cancel)
	metrics.TerminalSessionsTotal.WithLabelValues(metrics.OutcomeStarted).Inc()
	metrics.TerminalSessionsActive.Inc()
	logger.Info().Str("image", ex.image).Str("shell", ex.shell).Msg("Terminal session started")
	if info, ok := b.registry.Get(sess.ID); ok {
		b.notifyOpened(info)
	}

	// The first relay to finish decides the reason; its exit cancels the other.
	reasons := make(chan string, 2)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		defer cancel()
		reasons <- b.relayOutput(ctx, sess.ID, streamReader{ex.stream}, ch, logger)
	}()
	go func() {
		defer wg.Done()
		defer cancel()
		reasons <- b.relayInput(ctx, sess.ID, ex.id, streamWriter{ex.stream}, ch, logger)
	}()
	wg.Wait()
	td.run()
	reason := <-reasons

	metrics.TerminalSessionsActive.Dec()
	info, _ := b.registry.Release(sess.ID)
	duration := time.Since(sess.StartedAt)
	metrics.TerminalSessionDuration.Observe(duration.Seconds())
	logger.Info().
		Str("reason", reason).
		Dur("duration", duration).
		Int64("bytes_sent", info.BytesSent).
		Int64("bytes_received", info.BytesReceived).
		Msg("Terminal session ended")
	b.notifyClosed(info, reason)
	return nil
}

// open resolves the container and starts a shell exec in it.
func (b *Bridge) open(ctx context.Context, containerName string) (*execSession, error) {
	ctr, err := b.runtime.GetContainer(ctx, containerName)
	if err != nil {
		return nil, err
	}

	shell := DefaultShell
	if b.catalog != nil {
		shell = b.catalog.ShellForImage(ctr.Image)
	}

	execID, err := b.runtime.CreateExec(ctx, ctr.ID, runtime.ExecConfig{
		Cmd:   []string{shell},
		Env:   map[string]string{"TERM": "xterm-256color"},
		Stdin: true,
		TTY:   true,
	})
	if err != nil {
		return nil, fmt.Errorf("create exec: %w", err)
	}

	stream, err := b.runtime.StartExec(ctx, execID)
	if err != nil {
		return nil, fmt.Errorf("start exec: %w", err)
	}

	return &execSession{id: execID, image: ctr.Image, shell: shell, stream: stream}, nil
}

// relayOutput forwards container output to the client until the stream
// closes, the client goes away or ctx is cancelled.
func (b *Bridge) relayOutput(ctx context.Context, id string, r streamReader, ch Channel, logger zerolog.Logger) string {
	buf := make([]byte, b.opts.ReadBuffer)
	var dec utf8Decoder
	sent := byteCounter{threshold: int64(b.opts.FlushBytes), flushFn: func(n int64) {
		b.registry.addSent(id, n)
		metrics.TerminalBytesTotal.WithLabelValues(metrics.DirectionSent).Add(float64(n))
	}}
	defer sent.flush()
	idle := newIdleBackoff(b.opts.BackoffMin, b.opts.BackoffMax, b.opts.BackoffFactor)

	for {
		if ctx.Err() != nil {
			return ReasonStopped
		}

		n, err := r.poll(buf, b.opts.PollTimeout)
		if n > 0 {
			idle.reset()
			sent.add(n)
			if text := dec.decode(buf[:n]); text != "" {
				if err := ch.Send(text); err != nil {
					if ctx.Err() != nil {
						return ReasonStopped
					}
					logger.Debug().Err(err).Msg("Client send failed")
					return ReasonClientGone
				}
			}
		}

		switch {
		case err == nil && n == 0:
			return ReasonStreamClosed
		case err == nil:
		case errors.Is(err, errPollTimeout):
			if n == 0 && !idle.wait(ctx) {
				return ReasonStopped
			}
		case errors.Is(err, io.EOF):
			if tail := dec.flush(); tail != "" {
				if err := ch.Send(tail); err != nil {
					logger.Debug().Err(err).Msg("Client send failed")
				}
			}
			return ReasonStreamClosed
		default:
			if ctx.Err() != nil {
				return ReasonStopped
			}
			logger.Warn().Err(err).Msg("Exec stream read failed")
			return ReasonStreamError
		}
	}
}

// relayInput forwards client input to the container and applies resize
// control messages until the client goes away or a write fails.
func (b *Bridge) relayInput(ctx context.Context, id, execID string, w streamWriter, ch Channel, logger zerolog.Logger) string {
	received := byteCounter{threshold: int64(b.opts.FlushBytes), flushFn: func(n int64) {
		b.registry.addReceived(id, n)
		metrics.TerminalBytesTotal.WithLabelValues(metrics.DirectionReceived).Add(float64(n))
	}}
	defer received.flush()

	for {
		text, err := ch.Receive()
		if err != nil {
			if ctx.Err() != nil {
				return ReasonStopped
			}
			logger.Debug().Err(err).Msg("Client receive ended")
			return ReasonClientGone
		}

		msg := ParseMessage(text)
		if msg.Forwarded() {
			if msg.Kind == KindUnrecognized {
				logger.Debug().Msg("Unrecognized control message forwarded as input")
			}
			if err := w.write([]byte(text)); err != nil {
				if ctx.Err() != nil {
					return ReasonStopped
				}
				logger.Warn().Err(err).Msg("Exec stream write failed")
				return ReasonStreamError
			}
			received.add(len(text))
			continue
		}

		switch msg.Kind {
		case KindResize:
			if err := b.runtime.ResizeExec(ctx, execID, msg.Rows, msg.Cols); err != nil {
				metrics.TerminalResizesTotal.WithLabelValues("error").Inc()
				logger.Warn().Err(err).Uint("cols", msg.Cols).Uint("rows", msg.Rows).Msg("Resize failed")
				continue
			}
			metrics.TerminalResizesTotal.WithLabelValues("ok").Inc()
		case KindMalformedResize:
			metrics.TerminalResizesTotal.WithLabelValues("malformed").Inc()
			logger.Debug().Err(msg.Err).Msg("Ignoring malformed resize")
		}
	}
}

func (b *Bridge) notifyOpened(info SessionInfo) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, o := range b.observers {
		o.SessionOpened(info)
	}
}

func (b *Bridge) notifyClosed(info SessionInfo, reason string) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, o := range b.observers {
		o.SessionClosed(info, reason)
	}
}

// teardown closes the exec stream and the client channel exactly once.
type teardown struct {
	once   sync.Once
	stream io.Closer
	ch     Channel
	logger zerolog.Logger
}

func (t *teardown) run() {
	t.once.Do(func() {
		if err := t.stream.Close(); err != nil {
			t.logger.Debug().Err(err).Msg("Close exec stream")
		}
		if err := t.ch.Close(); err != nil {
			t.logger.Debug().Err(err).Msg("Close client channel")
		}
	})
}

// reject reports a setup failure to the client and closes the channel.
func reject(ch Channel, msg string) {
	frame, _ := json.Marshal(map[string]string{"error": msg})
	if err := ch.Send(string(frame)); err != nil {
		log.Debug().Err(err).Msg("Failed to send error frame")
	}
	_ = ch.Close()
}
