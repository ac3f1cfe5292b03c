// Package websocket streams a session's security events to connected
// dashboards. Each client tails the shared event log from its own cursor;
// the streamer is a reader of the log, never a second source of truth.
package websocket

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/aiborg-ai/appboardguru-sub014/internal/audit"
)

const (
	pollInterval = 500 * time.Millisecond
	writeTimeout = 5 * time.Second
)

// EventStreamer upgrades dashboard connections and tails the event log for
// the requested session.
type EventStreamer struct {
	log      *audit.EventLog
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients int
}

func NewEventStreamer(log *audit.EventLog) *EventStreamer {
	return &EventStreamer{
		log: log,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// ServeSession upgrades the connection and streams the session's events:
// first everything already logged, then new events as they are appended.
// The tail position is per-connection, so a slow dashboard never delays
// another or the log itself.
func (s *EventStreamer) ServeSession(w http.ResponseWriter, r *http.Request, sessionID string) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "session_id", sessionID, "error", err)
		return
	}

	s.mu.Lock()
	s.clients++
	total := s.clients
	s.mu.Unlock()
	slog.Info("event stream client connected", "session_id", sessionID, "clients", total)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	go s.tail(conn, sessionID, done)
}

func (s *EventStreamer) tail(conn *websocket.Conn, sessionID string, done <-chan struct{}) {
	defer func() {
		conn.Close()
		s.mu.Lock()
		s.clients--
		s.mu.Unlock()
		slog.Info("event stream client disconnected", "session_id", sessionID)
	}()

	cursor := int64(-1)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		for _, ev := range s.log.Since(sessionID, cursor) {
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteJSON(ev); err != nil {
				slog.Warn("event stream write failed", "session_id", sessionID, "error", err)
				return
			}
			cursor = ev.Sequence
		}

		select {
		case <-done:
			return
		case <-ticker.C:
		}
	}
}

// ClientCount reports the number of connected dashboards.
func (s *EventStreamer) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clients
}
