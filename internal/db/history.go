package db

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/justinmoon/playground/internal/terminal"
)

// SessionRecord is a finished terminal session.
type SessionRecord struct {
	ID            string    `json:"session_id"`
	Container     string    `json:"container"`
	StartedAt     time.Time `json:"started_at"`
	EndedAt       time.Time `json:"ended_at"`
	BytesSent     int64     `json:"bytes_sent"`
	BytesReceived int64     `json:"bytes_received"`
	EndReason     string    `json:"end_reason"`
}

// Duration is how long the session was live.
func (r SessionRecord) Duration() time.Duration {
	return r.EndedAt.Sub(r.StartedAt)
}

func (db *DB) RecordSession(ctx context.Context, rec SessionRecord) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO terminal_sessions (id, container, started_at, ended_at, bytes_sent, bytes_received, end_reason)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			ended_at = EXCLUDED.ended_at,
			bytes_sent = EXCLUDED.bytes_sent,
			bytes_received = EXCLUDED.bytes_received,
			end_reason = EXCLUDED.end_reason
	`, rec.ID, rec.Container, rec.StartedAt, rec.EndedAt, rec.BytesSent, rec.BytesReceived, rec.EndReason)
	if err != nil {
		return fmt.Errorf("record session %s: %w", rec.ID, err)
	}
	return nil
}

// RecentSessions returns up to limit sessions, newest first. An empty
// container matches all containers.
func (db *DB) RecentSessions(ctx context.Context, container string, limit int) ([]SessionRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.QueryContext(ctx, `
		SELECT id, container, started_at, ended_at, bytes_sent, bytes_received, end_reason
		FROM terminal_sessions
		WHERE $1 = '' OR container = $1
		ORDER BY started_at DESC
		LIMIT $2
	`, container, limit)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var out []SessionRecord
	for rows.Next() {
		var r SessionRecord
		if err := rows.Scan(&r.ID, &r.Container, &r.StartedAt, &r.EndedAt, &r.BytesSent, &r.BytesReceived, &r.EndReason); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// SessionRecorder persists sessions as they end. Register it with
// terminal.Bridge.Observe.
type SessionRecorder struct {
	DB      *DB
	Timeout time.Duration
}

func (s *SessionRecorder) SessionOpened(terminal.SessionInfo) {}

func (s *SessionRecorder) SessionClosed(info terminal.SessionInfo, reason string) {
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	rec := SessionRecord{
		ID:            info.ID,
		Container:     info.ContainerName,
		StartedAt:     info.StartedAt,
		EndedAt:       info.StartedAt.Add(time.Duration(info.UptimeSeconds * float64(time.Second))),
		BytesSent:     info.BytesSent,
		BytesReceived: info.BytesReceived,
		EndReason:     reason,
	}
	if err := s.DB.RecordSession(ctx, rec); err != nil {
		log.Warn().Err(err).Str("session_id", info.ID).Msg("Failed to record terminal session")
	}
}

var _ terminal.Observer = (*SessionRecorder)(nil)
