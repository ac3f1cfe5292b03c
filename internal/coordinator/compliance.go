package coordinator

import (
	"fmt"
	"time"

	"github.com/aiborg-ai/appboardguru-sub014/internal/audit"
)

// Framework is an externally defined set of named requirements. The engine
// evaluates them; it never owns the catalog.
type Framework struct {
	Name         string        `json:"name"`
	Requirements []Requirement `json:"requirements"`
}

// Requirement checks one session fact (e.g. "mfa_completed",
// "encryption_enabled", "recording_active", "consent_recorded").
type Requirement struct {
	ID          string         `json:"id"`
	FactKey     string         `json:"fact_key"`
	Description string         `json:"description"`
	Severity    audit.Severity `json:"severity"`
	Remediation string         `json:"remediation"`
}

// Violation is one unmet requirement.
type Violation struct {
	Framework   string         `json:"framework"`
	Requirement string         `json:"requirement"`
	Description string         `json:"description"`
	Severity    audit.Severity `json:"severity"`
	Remediation string         `json:"remediation"`
}

// ComplianceAssessment reports whether every requirement of every requested
// framework is met for the session.
type ComplianceAssessment struct {
	SessionID  string      `json:"session_id"`
	Compliant  bool        `json:"compliant"`
	Violations []Violation `json:"violations"`
	AssessedAt time.Time   `json:"assessed_at"`
}

// AssessCompliance evaluates each framework requirement against the
// session's recorded facts plus the coordinator's own state (a locked-down
// session is never compliant).
func (c *Coordinator) AssessCompliance(sessionID string, frameworks []Framework) *ComplianceAssessment {
	t := c.track(sessionID)
	t.mu.Lock()
	facts := make(map[string]bool, len(t.facts))
	for k, v := range t.facts {
		facts[k] = v
	}
	state := t.state
	t.mu.Unlock()

	assessment := &ComplianceAssessment{
		SessionID:  sessionID,
		Compliant:  true,
		AssessedAt: time.Now().UTC(),
	}

	if state == StateLockedDown {
		assessment.Compliant = false
		assessment.Violations = append(assessment.Violations, Violation{
			Framework:   "engine",
			Requirement: "session_not_locked",
			Description: "session is in security lockdown",
			Severity:    audit.SeverityCritical,
			Remediation: "resolve the triggering incidents and reset the session",
		})
	}

	for _, fw := range frameworks {
		for _, req := range fw.Requirements {
			if facts[req.FactKey] {
				continue
			}
			assessment.Compliant = false
			assessment.Violations = append(assessment.Violations, Violation{
				Framework:   fw.Name,
				Requirement: req.ID,
				Description: fmt.Sprintf("%s (fact %q not satisfied)", req.Description, req.FactKey),
				Severity:    req.Severity,
				Remediation: req.Remediation,
			})
		}
	}
	return assessment
}
