package server

import (
	"net/http"
	"net/url"
	"slices"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/justinmoon/playground/internal/terminal"
)

const (
	wsWriteWait    = 10 * time.Second
	wsPongWait     = 60 * time.Second
	wsPingInterval = 25 * time.Second
)

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true // No origin header (e.g., non-browser clients)
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	// Same-origin requests are always allowed
	if u.Host == r.Host {
		return true
	}
	return slices.Contains(s.cfg.Server.AllowedOrigins, origin)
}

// handleTerminalWS bridges a WebSocket to a shell in the named playground.
// A catalog name resolves to its managed container; anything else is used
// as a container name as-is.
func (s *Server) handleTerminalWS(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	target := name
	if _, ok := s.catalog.Get(name); ok {
		target = s.manager.ContainerName(name)
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Str("container", target).Msg("WebSocket upgrade failed")
		return
	}

	ch := newWSChannel(conn)
	if err := s.bridge.Serve(r.Context(), ch, target); err != nil {
		log.Debug().Err(err).Str("container", target).Msg("Terminal session not started")
	}
}

// wsChannel adapts a gorilla connection to terminal.Channel. Writes are
// serialised; a ping loop keeps idle sessions alive through proxies and
// detects dead peers.
type wsChannel struct {
	conn *websocket.Conn

	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
	done      chan struct{}
}

func newWSChannel(conn *websocket.Conn) *wsChannel {
	c := &wsChannel{conn: conn, done: make(chan struct{})}
	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	go c.pingLoop()
	return c
}

func (c *wsChannel) Send(text string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return c.conn.WriteMessage(websocket.TextMessage, []byte(text))
}

func (c *wsChannel) Receive() (string, error) {
	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Debug().Err(err).Msg("WebSocket read error")
			}
			return "", err
		}
		// Any data frame counts as activity
		c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
		switch messageType {
		case websocket.TextMessage, websocket.BinaryMessage:
			return string(data), nil
		}
	}
}

func (c *wsChannel) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

func (c *wsChannel) pingLoop() {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		}
	}
}

var _ terminal.Channel = (*wsChannel)(nil)
