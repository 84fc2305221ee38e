package terminal

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrCapacityExceeded is returned when the registry is at its session limit.
	ErrCapacityExceeded = errors.New("too many active terminal sessions")
	// ErrClosed is returned once the registry has been shut down.
	ErrClosed = errors.New("terminal registry is closed")
)

// Session is one bridge between a client channel and a container exec stream.
// Counters are only touched under the owning registry's lock.
type Session struct {
	ID            string
	ContainerName string
	StartedAt     time.Time

	bytesSent     int64
	bytesReceived int64
	stop          func()
}

// SessionInfo is a point-in-time copy of a Session.
type SessionInfo struct {
	ID            string    `json:"session_id"`
	ContainerName string    `json:"container"`
	StartedAt     time.Time `json:"started_at"`
	UptimeSeconds float64   `json:"uptime_seconds"`
	BytesSent     int64     `json:"bytes_sent"`
	BytesReceived int64     `json:"bytes_received"`
}

func (s *Session) info(now time.Time) SessionInfo {
	return SessionInfo{
		ID:            s.ID,
		ContainerName: s.ContainerName,
		StartedAt:     s.StartedAt,
		UptimeSeconds: now.Sub(s.StartedAt).Seconds(),
		BytesSent:     s.bytesSent,
		BytesReceived: s.bytesReceived,
	}
}

// Registry tracks active sessions and enforces the concurrency limit.
type Registry struct {
	max int

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool
}

// NewRegistry returns a registry admitting at most max concurrent sessions.
// A max of zero or less means unlimited.
func NewRegistry(max int) *Registry {
	return &Registry{
		max:      max,
		sessions: make(map[string]*Session),
	}
}

// Max returns the configured limit.
func (r *Registry) Max() int { return r.max }

// Reserve registers a new session for containerName, or fails with
// ErrCapacityExceeded when the limit has been reached.
func (r *Registry) Reserve(containerName string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrClosed
	}
	if r.max > 0 && len(r.sessions) >= r.max {
		return nil, ErrCapacityExceeded
	}

	sess := &Session{
		ID:            uuid.NewString(),
		ContainerName: containerName,
		StartedAt:     time.Now(),
	}
	r.sessions[sess.ID] = sess
	return sess, nil
}

// Release removes a session and returns its final counters.
func (r *Registry) Release(id string) (SessionInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.sessions[id]
	if !ok {
		return SessionInfo{}, false
	}
	delete(r.sessions, id)
	return sess.info(time.Now()), true
}

// setStop attaches the teardown hook of a live session. If the registry was
// closed in the meantime the hook runs immediately.
func (r *Registry) setStop(id string, stop func()) {
	r.mu.Lock()
	sess, ok := r.sessions[id]
	closed := r.closed
	if ok && !closed {
		sess.stop = stop
	}
	r.mu.Unlock()

	if closed {
		stop()
	}
}

func (r *Registry) addSent(id string, n int64) {
	r.mu.Lock()
	if sess, ok := r.sessions[id]; ok {
		sess.bytesSent += n
	}
	r.mu.Unlock()
}

func (r *Registry) addReceived(id string, n int64) {
	r.mu.Lock()
	if sess, ok := r.sessions[id]; ok {
		sess.bytesReceived += n
	}
	r.mu.Unlock()
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Get returns a snapshot of one session.
func (r *Registry) Get(id string) (SessionInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[id]
	if !ok {
		return SessionInfo{}, false
	}
	return sess.info(time.Now()), true
}

// List returns snapshots of all sessions, oldest first.
func (r *Registry) List() []SessionInfo {
	now := time.Now()

	r.mu.Lock()
	out := make([]SessionInfo, 0, len(r.sessions))
	for _, sess := range r.sessions {
		out = append(out, sess.info(now))
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

// Stop tears down a live session. Returns false if it is unknown or still
// being set up.
func (r *Registry) Stop(id string) bool {
	r.mu.Lock()
	sess, ok := r.sessions[id]
	var stop func()
	if ok {
		stop = sess.stop
	}
	r.mu.Unlock()

	if stop == nil {
		return false
	}
	stop()
	return true
}

// CloseAll stops every live session and rejects new ones.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	r.closed = true
	stops := make([]func(), 0, len(r.sessions))
	for _, sess := range r.sessions {
		if sess.stop != nil {
			stops = append(stops, sess.stop)
		}
	}
	r.mu.Unlock()

	for _, stop := range stops {
		stop()
	}
}
