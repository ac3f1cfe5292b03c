package audit

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// PostgresSink persists security events to Postgres for durable audit
// retention across restarts. The table keeps append-only ordering via the
// per-session sequence column.
type PostgresSink struct {
	db *sql.DB
}

const createEventsTable = `
CREATE TABLE IF NOT EXISTS security_events (
    id          TEXT PRIMARY KEY,
    session_id  TEXT NOT NULL,
    user_id     TEXT,
    event_type  TEXT NOT NULL,
    category    TEXT NOT NULL,
    severity    TEXT NOT NULL,
    risk_score  DOUBLE PRECISION NOT NULL DEFAULT 0,
    description TEXT,
    payload     JSONB,
    sequence    BIGINT NOT NULL,
    created_at  TIMESTAMPTZ NOT NULL,
    resolved    BOOLEAN NOT NULL DEFAULT FALSE,
    UNIQUE (session_id, sequence)
);
CREATE INDEX IF NOT EXISTS idx_security_events_session
    ON security_events (session_id, sequence);`

// NewPostgresSink opens the DSN and ensures the events table exists.
func NewPostgresSink(dsn string) (*PostgresSink, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)

	if _, err := db.Exec(createEventsTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("ensure security_events table: %w", err)
	}
	return &PostgresSink{db: db}, nil
}

func (p *PostgresSink) InsertEvent(event *SecurityEvent) error {
	payload, err := json.Marshal(event.Payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}

	_, err = p.db.Exec(`
		INSERT INTO security_events
		    (id, session_id, user_id, event_type, category, severity,
		     risk_score, description, payload, sequence, created_at, resolved)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		ON CONFLICT (id) DO NOTHING`,
		event.ID, event.SessionID, event.UserID, string(event.Type),
		string(event.Category), string(event.Severity), event.RiskScore,
		event.Description, payload, event.Sequence, event.CreatedAt, event.Resolved,
	)
	if err != nil {
		return fmt.Errorf("insert security event: %w", err)
	}
	return nil
}

// QueryBySession reads a session's persisted trail ordered by sequence.
func (p *PostgresSink) QueryBySession(sessionID string, from, to time.Time) ([]*SecurityEvent, error) {
	rows, err := p.db.Query(`
		SELECT id, session_id, user_id, event_type, category, severity,
		       risk_score, description, payload, sequence, created_at, resolved
		FROM security_events
		WHERE session_id = $1
		  AND ($2::timestamptz IS NULL OR created_at >= $2)
		  AND ($3::timestamptz IS NULL OR created_at <= $3)
		ORDER BY sequence ASC`,
		sessionID, nullableTime(from), nullableTime(to),
	)
	if err != nil {
		return nil, fmt.Errorf("query security events: %w", err)
	}
	defer rows.Close()

	var events []*SecurityEvent
	for rows.Next() {
		var ev SecurityEvent
		var userID sql.NullString
		var payload []byte
		if err := rows.Scan(&ev.ID, &ev.SessionID, &userID, &ev.Type, &ev.Category,
			&ev.Severity, &ev.RiskScore, &ev.Description, &payload,
			&ev.Sequence, &ev.CreatedAt, &ev.Resolved); err != nil {
			return nil, err
		}
		ev.UserID = userID.String
		if len(payload) > 0 {
			_ = json.Unmarshal(payload, &ev.Payload)
		}
		events = append(events, &ev)
	}
	return events, rows.Err()
}

func (p *PostgresSink) Close() error { return p.db.Close() }

func nullableTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t
}
