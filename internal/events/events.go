package events

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/justinmoon/playground/internal/playground"
	"github.com/justinmoon/playground/internal/terminal"
)

type EventType string

const (
	// Terminal events
	EventSessionOpened EventType = "session.opened"
	EventSessionClosed EventType = "session.closed"

	// Container events
	EventContainerStarted EventType = "container.started"
	EventContainerStopped EventType = "container.stopped"
	EventContainerFailed  EventType = "container.failed"
)

type Event struct {
	Type        EventType   `json:"type"`
	Container   string      `json:"container"`
	SessionID   string      `json:"session_id,omitempty"`
	OperationID string      `json:"operation_id,omitempty"`
	Reason      string      `json:"reason,omitempty"`
	Data        interface{} `json:"data,omitempty"`
	Timestamp   time.Time   `json:"timestamp"`
}

type Bus struct {
	nc     *nats.Conn
	js     nats.JetStreamContext
	subs   []*nats.Subscription
	active bool
}

func NewBus(natsURL string) (*Bus, error) {
	if natsURL == "" {
		// No NATS configured, return inactive bus
		return &Bus{active: false}, nil
	}

	nc, err := nats.Connect(natsURL, nats.Name("playground"))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to get JetStream context: %w", err)
	}

	bus := &Bus{
		nc:     nc,
		js:     js,
		active: true,
	}

	if err := bus.createStreams(); err != nil {
		nc.Close()
		return nil, err
	}

	return bus, nil
}

func (b *Bus) createStreams() error {
	streams := []struct {
		name     string
		subjects []string
	}{
		{"PLAYGROUND_TERMINAL", []string{"playground.terminal.>"}},
		{"PLAYGROUND_CONTAINERS", []string{"playground.container.>"}},
	}

	for _, s := range streams {
		_, err := b.js.AddStream(&nats.StreamConfig{
			Name:      s.name,
			Subjects:  s.subjects,
			Retention: nats.LimitsPolicy,
			MaxAge:    24 * time.Hour,
			Storage:   nats.FileStorage,
		})
		if err != nil && err != nats.ErrStreamNameAlreadyInUse {
			return fmt.Errorf("failed to create stream %s: %w", s.name, err)
		}
	}

	return nil
}

func (b *Bus) Publish(event Event) error {
	if !b.active {
		return nil // Silently ignore if NATS not configured
	}

	event.Timestamp = time.Now()

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	if _, err := b.js.Publish(subjectFor(event), data); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	return nil
}

// subjectToken makes a container name safe to use as one subject token.
func subjectToken(s string) string {
	if s == "" {
		return "_"
	}
	return strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_").Replace(s)
}

func subjectFor(event Event) string {
	// Subject format: playground.<area>.<container>.<event>
	name := subjectToken(event.Container)
	switch event.Type {
	case EventSessionOpened, EventSessionClosed:
		return fmt.Sprintf("playground.terminal.%s.%s", name, event.Type)
	case EventContainerStarted, EventContainerStopped, EventContainerFailed:
		return fmt.Sprintf("playground.container.%s.%s", name, event.Type)
	default:
		return fmt.Sprintf("playground.unknown.%s", event.Type)
	}
}

// Subscribe to events matching a subject pattern. Returns unsubscribe function.
func (b *Bus) Subscribe(subject string, handler func(Event)) (func(), error) {
	if !b.active {
		return func() {}, nil
	}

	sub, err := b.nc.Subscribe(subject, func(msg *nats.Msg) {
		var event Event
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			return // Skip malformed events
		}
		handler(event)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe: %w", err)
	}

	// Track subscription for cleanup on Close()
	b.subs = append(b.subs, sub)

	return func() { sub.Unsubscribe() }, nil
}

// SubscribeContainer subscribes to every event about one container.
func (b *Bus) SubscribeContainer(name string, handler func(Event)) (func(), error) {
	return b.Subscribe(fmt.Sprintf("playground.*.%s.>", subjectToken(name)), handler)
}

// SessionOpened publishes EventSessionOpened. It lets the bus observe a
// terminal bridge.
func (b *Bus) SessionOpened(info terminal.SessionInfo) {
	b.publishLogged(Event{
		Type:      EventSessionOpened,
		Container: info.ContainerName,
		SessionID: info.ID,
	})
}

// SessionClosed publishes EventSessionClosed with the final counters.
func (b *Bus) SessionClosed(info terminal.SessionInfo, reason string) {
	b.publishLogged(Event{
		Type:      EventSessionClosed,
		Container: info.ContainerName,
		SessionID: info.ID,
		Reason:    reason,
		Data: map[string]any{
			"bytes_sent":       info.BytesSent,
			"bytes_received":   info.BytesReceived,
			"duration_seconds": info.UptimeSeconds,
		},
	})
}

// OperationFinished publishes the container event matching a finished
// lifecycle operation.
func (b *Bus) OperationFinished(op playground.Operation) {
	typ := EventContainerStarted
	switch {
	case op.Status == playground.StatusFailed:
		typ = EventContainerFailed
	case op.Kind == playground.KindStop:
		typ = EventContainerStopped
	}
	b.publishLogged(Event{
		Type:        typ,
		Container:   op.Playground,
		OperationID: op.ID,
		Reason:      op.Error,
		Data:        map[string]any{"kind": op.Kind, "warning": op.Warning},
	})
}

func (b *Bus) publishLogged(event Event) {
	if err := b.Publish(event); err != nil {
		log.Warn().Err(err).Str("type", string(event.Type)).Str("container", event.Container).Msg("Failed to publish event")
	}
}

func (b *Bus) Close() error {
	if !b.active {
		return nil
	}

	for _, sub := range b.subs {
		sub.Unsubscribe()
	}

	b.nc.Close()
	return nil
}

func (b *Bus) IsActive() bool {
	return b.active
}

var (
	_ terminal.Observer   = (*Bus)(nil)
	_ playground.Listener = (*Bus)(nil)
)
