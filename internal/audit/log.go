package audit

import (
	"log/slog"
	"sync"
	"time"

	"github.com/aiborg-ai/appboardguru-sub014/internal/core"
)

// EventSink persists appended events outside the process (e.g. Postgres).
// Persistence is write-behind; the in-memory log stays authoritative for
// ordering within a session's lifetime.
type EventSink interface {
	InsertEvent(event *SecurityEvent) error
}

// sessionLog holds one session's trail. Appends are linearized by the
// session mutex so sequence numbers never interleave.
type sessionLog struct {
	mu      sync.Mutex
	events  []*SecurityEvent
	nextSeq int64
}

// EventLog is the shared append-only security event log. Different sessions
// append fully in parallel; within one session appends are single-writer.
type EventLog struct {
	mu        sync.RWMutex
	sessions  map[string]*sessionLog
	sink      EventSink
	retention time.Duration
}

func NewEventLog(sink EventSink, retentionDays int) *EventLog {
	if retentionDays <= 0 {
		retentionDays = 365
	}
	return &EventLog{
		sessions:  make(map[string]*sessionLog),
		sink:      sink,
		retention: time.Duration(retentionDays) * 24 * time.Hour,
	}
}

func (l *EventLog) session(sessionID string) *sessionLog {
	l.mu.RLock()
	sl, ok := l.sessions[sessionID]
	l.mu.RUnlock()
	if ok {
		return sl
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if sl, ok = l.sessions[sessionID]; ok {
		return sl
	}
	sl = &sessionLog{}
	l.sessions[sessionID] = sl
	return sl
}

// Append assigns the event its per-session sequence number and stores it.
// Returns the appended event for convenience.
func (l *EventLog) Append(event *SecurityEvent) *SecurityEvent {
	sl := l.session(event.SessionID)

	sl.mu.Lock()
	event.Sequence = sl.nextSeq
	sl.nextSeq++
	sl.events = append(sl.events, event)
	sl.mu.Unlock()

	slog.Info("security event appended",
		"session_id", event.SessionID,
		"type", event.Type,
		"severity", event.Severity,
		"sequence", event.Sequence,
	)

	if l.sink != nil {
		ev := *event
		go func() {
			if err := l.sink.InsertEvent(&ev); err != nil {
				slog.Error("failed to persist security event",
					"session_id", ev.SessionID, "type", ev.Type, "error", err)
			}
		}()
	}
	return event
}

// Query returns the session's events within [from, to], ordered by sequence.
// Zero times mean unbounded.
func (l *EventLog) Query(sessionID string, from, to time.Time) []*SecurityEvent {
	sl := l.session(sessionID)

	sl.mu.Lock()
	defer sl.mu.Unlock()

	result := make([]*SecurityEvent, 0, len(sl.events))
	for _, ev := range sl.events {
		if !from.IsZero() && ev.CreatedAt.Before(from) {
			continue
		}
		if !to.IsZero() && ev.CreatedAt.After(to) {
			continue
		}
		copied := *ev
		result = append(result, &copied)
	}
	return result
}

// Since returns events with sequence > afterSeq, for log tailing readers
// (the websocket streamer polls this instead of subscribing to callbacks).
func (l *EventLog) Since(sessionID string, afterSeq int64) []*SecurityEvent {
	sl := l.session(sessionID)

	sl.mu.Lock()
	defer sl.mu.Unlock()

	var result []*SecurityEvent
	for _, ev := range sl.events {
		if ev.Sequence > afterSeq {
			copied := *ev
			result = append(result, &copied)
		}
	}
	return result
}

// Resolve flips the only mutable field on a written event.
func (l *EventLog) Resolve(sessionID, eventID string) error {
	sl := l.session(sessionID)

	sl.mu.Lock()
	defer sl.mu.Unlock()

	for _, ev := range sl.events {
		if ev.ID == eventID {
			ev.Resolved = true
			return nil
		}
	}
	return core.NewError(core.KindNotFound, "event %s not found in session %s", eventID, sessionID)
}

// Sessions returns the session IDs with at least one event.
func (l *EventLog) Sessions() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()

	ids := make([]string, 0, len(l.sessions))
	for id := range l.sessions {
		ids = append(ids, id)
	}
	return ids
}

// SweepExpired drops whole sessions whose newest event is past the retention
// window. The sweep itself is logged, so deletion leaves a trace.
func (l *EventLog) SweepExpired(now time.Time) int {
	cutoff := now.Add(-l.retention)

	l.mu.Lock()
	var expired []string
	for id, sl := range l.sessions {
		sl.mu.Lock()
		n := len(sl.events)
		old := n > 0 && sl.events[n-1].CreatedAt.Before(cutoff)
		sl.mu.Unlock()
		if old {
			expired = append(expired, id)
		}
	}
	for _, id := range expired {
		delete(l.sessions, id)
	}
	l.mu.Unlock()

	for _, id := range expired {
		l.Append(NewEvent(id, EventRetentionSweep, CategoryOperational, SeverityInfo, 0,
			"session audit trail expired and was swept"))
	}
	return len(expired)
}
