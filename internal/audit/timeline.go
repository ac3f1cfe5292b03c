package audit

import (
	"fmt"
	"time"
)

// TimelineEntry is one annotated step in a forensic reconstruction.
type TimelineEntry struct {
	Sequence   int64     `json:"sequence"`
	Timestamp  time.Time `json:"timestamp"`
	Type       EventType `json:"type"`
	Severity   Severity  `json:"severity"`
	Narrative  string    `json:"narrative"`
	SincePrior string    `json:"since_prior,omitempty"`
}

// Timeline is the ordered narrative of a session's security events, built
// after an incident to explain what happened.
type Timeline struct {
	SessionID     string          `json:"session_id"`
	GeneratedAt   time.Time       `json:"generated_at"`
	Entries       []TimelineEntry `json:"entries"`
	PeakSeverity  Severity        `json:"peak_severity"`
	UnresolvedCnt int             `json:"unresolved_count"`
}

// Reconstruct orders a session's events by sequence (the log never reorders)
// and annotates each with a narrative line and the gap since the prior event.
func Reconstruct(log *EventLog, sessionID string) *Timeline {
	events := log.Query(sessionID, time.Time{}, time.Time{})

	tl := &Timeline{
		SessionID:    sessionID,
		GeneratedAt:  time.Now().UTC(),
		Entries:      make([]TimelineEntry, 0, len(events)),
		PeakSeverity: SeverityInfo,
	}

	var prior time.Time
	for _, ev := range events {
		entry := TimelineEntry{
			Sequence:  ev.Sequence,
			Timestamp: ev.CreatedAt,
			Type:      ev.Type,
			Severity:  ev.Severity,
			Narrative: narrate(ev),
		}
		if !prior.IsZero() {
			entry.SincePrior = ev.CreatedAt.Sub(prior).String()
		}
		prior = ev.CreatedAt

		if ev.Severity.AtLeast(tl.PeakSeverity) {
			tl.PeakSeverity = ev.Severity
		}
		if !ev.Resolved && ev.Severity.AtLeast(SeverityHigh) {
			tl.UnresolvedCnt++
		}
		tl.Entries = append(tl.Entries, entry)
	}
	return tl
}

func narrate(ev *SecurityEvent) string {
	actor := ev.UserID
	if actor == "" {
		actor = "unattributed actor"
	}
	switch ev.Type {
	case EventSessionLockdown:
		return fmt.Sprintf("session locked down: %s", ev.Description)
	case EventTamperDetected:
		return fmt.Sprintf("LEDGER TAMPERING detected: %s", ev.Description)
	case EventMaxAttemptsExceeded:
		return fmt.Sprintf("%s exhausted MFA attempts: %s", actor, ev.Description)
	case EventVoteCast:
		return fmt.Sprintf("%s cast a ledger vote: %s", actor, ev.Description)
	case EventRecordingAccessed:
		return fmt.Sprintf("%s was granted recording access: %s", actor, ev.Description)
	case EventAccessDenied:
		return fmt.Sprintf("%s was denied access: %s", actor, ev.Description)
	default:
		return fmt.Sprintf("[%s/%s] %s", ev.Category, ev.Severity, ev.Description)
	}
}
