// Package audit implements the shared append-only security event log: the
// single trail every component writes its outcomes into, and the source
// compliance assessment and forensic timeline reconstruction read from.
package audit

import (
	"time"

	"github.com/google/uuid"
)

// Severity orders security events for aggregation and escalation.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// rank gives severities a total order so escalation can bump one level.
func (s Severity) rank() int {
	switch s {
	case SeverityInfo:
		return 0
	case SeverityWarning:
		return 1
	case SeverityHigh:
		return 2
	case SeverityCritical:
		return 3
	}
	return 0
}

// Escalate returns the next severity up, saturating at critical.
func (s Severity) Escalate() Severity {
	switch s {
	case SeverityInfo:
		return SeverityWarning
	case SeverityWarning:
		return SeverityHigh
	case SeverityHigh:
		return SeverityCritical
	}
	return SeverityCritical
}

// AtLeast reports whether s is at least as severe as other.
func (s Severity) AtLeast(other Severity) bool { return s.rank() >= other.rank() }

// EventType is the tagged variant identifying what happened. Adding a new
// kind means adding a constant, never a new conditional chain.
type EventType string

const (
	EventLoginAttempt        EventType = "login_attempt"
	EventMFAFailed           EventType = "mfa_failed"
	EventMaxAttemptsExceeded EventType = "max_attempts_exceeded"
	EventNetworkBlocked      EventType = "network_blocked"
	EventBehaviorAnomaly     EventType = "behavior_anomaly"
	EventPrivilegeAttempt    EventType = "privilege_escalation_attempt"
	EventClassifierSignal    EventType = "classifier_signal"
	EventSessionLockdown     EventType = "session_lockdown"
	EventEscalation          EventType = "escalation"
	EventForcedReauth        EventType = "forced_reauth"
	EventResponseAction      EventType = "response_action"
	EventVoteCast            EventType = "vote_cast"
	EventVoteRejected        EventType = "vote_rejected"
	EventTamperDetected      EventType = "tamper_detected"
	EventRecordingStarted    EventType = "recording_started"
	EventRecordingAccessed   EventType = "recording_accessed"
	EventAccessDenied        EventType = "access_denied"
	EventRetentionSweep      EventType = "retention_sweep"
)

// Category groups event types for the coordinator's data-driven response
// table (config maps category -> actions).
type Category string

const (
	CategoryAuthentication Category = "authentication"
	CategoryNetwork        Category = "network_threat"
	CategoryBehavior       Category = "behavior_anomaly"
	CategoryPrivilege      Category = "privilege_escalation"
	CategoryIntegrity      Category = "tampering"
	CategoryAccess         Category = "access_control"
	CategoryOperational    Category = "operational"
)

// SecurityEvent is one append-only entry in the session's audit trail.
// Once written nothing mutates except the Resolved flag.
type SecurityEvent struct {
	ID          string                 `json:"id"`
	SessionID   string                 `json:"session_id"`
	UserID      string                 `json:"user_id,omitempty"`
	Type        EventType              `json:"type"`
	Category    Category               `json:"category"`
	Severity    Severity               `json:"severity"`
	RiskScore   float64                `json:"risk_score"`
	Description string                 `json:"description"`
	Payload     map[string]interface{} `json:"payload,omitempty"`
	Sequence    int64                  `json:"sequence"` // per-session, assigned at append
	CreatedAt   time.Time              `json:"created_at"`
	Resolved    bool                   `json:"resolved"`
}

// NewEvent builds an event ready for appending. Sequence is assigned by the
// log, not the caller.
func NewEvent(sessionID string, t EventType, cat Category, sev Severity, risk float64, description string) *SecurityEvent {
	return &SecurityEvent{
		ID:          uuid.NewString(),
		SessionID:   sessionID,
		Type:        t,
		Category:    cat,
		Severity:    sev,
		RiskScore:   risk,
		Description: description,
		CreatedAt:   time.Now().UTC(),
	}
}

// WithUser attaches the acting user.
func (e *SecurityEvent) WithUser(userID string) *SecurityEvent {
	e.UserID = userID
	return e
}

// WithPayload attaches structured detail.
func (e *SecurityEvent) WithPayload(payload map[string]interface{}) *SecurityEvent {
	e.Payload = payload
	return e
}
