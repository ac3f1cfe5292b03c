// Package coordinator aggregates identity, network and behavior signals plus
// explicit security events into session-level risk, drives automated
// responses, and owns the session lockdown state machine.
package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/aiborg-ai/appboardguru-sub014/internal/audit"
	"github.com/aiborg-ai/appboardguru-sub014/internal/config"
	"github.com/aiborg-ai/appboardguru-sub014/internal/core"
)

// SessionState is the per-session threat posture. locked_down is terminal
// until an explicit Reset.
type SessionState string

const (
	StateNormal     SessionState = "normal"
	StateElevated   SessionState = "elevated"
	StateLockedDown SessionState = "locked_down"
)

// ActionKind is the tagged variant for automated responses. New response
// kinds are added by registering a responder, not by branching.
type ActionKind string

const (
	ActionBlockIP        ActionKind = "block_ip"
	ActionSuspendUser    ActionKind = "suspend_user"
	ActionSuspendSession ActionKind = "suspend_session"
	ActionForceReauth    ActionKind = "force_reauth"
)

// Action is one automated response to execute.
type Action struct {
	Kind      ActionKind
	SessionID string
	UserID    string
	SourceIP  string
}

// ResponderFunc executes one action kind. Implementations must respect ctx:
// the coordinator cancels it when the response budget expires.
type ResponderFunc func(ctx context.Context, action Action) error

// Classifier is the externally trained threat-classification capability,
// consumed as label + confidence and merged as one more input. The engine
// never computes the classification itself.
type Classifier interface {
	Classify(ctx context.Context, sessionID string, payload map[string]interface{}) (label string, confidence float64, err error)
}

// sessionTrack is the per-session mutable state. All transitions are
// linearized by its mutex so concurrent triggers collapse to one terminal
// lockdown, never a race between "already locked" and "locking now".
type sessionTrack struct {
	mu         sync.Mutex
	state      SessionState
	highEvents []time.Time // rolling window of high-severity events
	facts      map[string]bool
	lockedAt   time.Time
}

// Coordinator is the ThreatResponseCoordinator.
type Coordinator struct {
	cfg        config.ResponseConfig
	log        *audit.EventLog
	classifier Classifier

	mu       sync.RWMutex
	sessions map[string]*sessionTrack

	respMu     sync.RWMutex
	responders map[ActionKind]ResponderFunc

	metrics *metrics
}

type metrics struct {
	eventsTotal    *prometheus.CounterVec
	lockdownsTotal prometheus.Counter
	budgetOverruns prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	factory := promauto.With(reg)
	return &metrics{
		eventsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "trust_security_events_total",
			Help: "Security events processed by the coordinator, by severity.",
		}, []string{"severity"}),
		lockdownsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "trust_session_lockdowns_total",
			Help: "Sessions transitioned to locked_down.",
		}),
		budgetOverruns: factory.NewCounter(prometheus.CounterOpts{
			Name: "trust_response_budget_overruns_total",
			Help: "Automated responses that exceeded the response-time budget.",
		}),
	}
}

// New creates a coordinator. reg may be nil to skip metric registration
// (tests); classifier may be nil when no external model is wired.
func New(cfg config.ResponseConfig, log *audit.EventLog, classifier Classifier, reg prometheus.Registerer) *Coordinator {
	if cfg.HighEventLimit <= 0 {
		cfg.HighEventLimit = 3
	}
	if cfg.HighEventWindow <= 0 {
		cfg.HighEventWindow = 5 * time.Minute
	}
	if cfg.ResponseBudget <= 0 {
		cfg.ResponseBudget = 2 * time.Second
	}

	c := &Coordinator{
		cfg:        cfg,
		log:        log,
		classifier: classifier,
		sessions:   make(map[string]*sessionTrack),
		responders: make(map[ActionKind]ResponderFunc),
	}
	if reg != nil {
		c.metrics = newMetrics(reg)
	}

	// Built-in responders emit audit events; deployments override or add
	// kinds via RegisterResponder to reach real enforcement points.
	c.RegisterResponder(ActionBlockIP, c.auditResponder("source IP blocked"))
	c.RegisterResponder(ActionSuspendUser, c.auditResponder("user suspended"))
	c.RegisterResponder(ActionSuspendSession, c.auditResponder("session suspended"))
	c.RegisterResponder(ActionForceReauth, func(ctx context.Context, a Action) error {
		c.log.Append(audit.NewEvent(a.SessionID, audit.EventForcedReauth,
			audit.CategoryAuthentication, audit.SeverityWarning, 40,
			"re-authentication required for all participants").WithUser(a.UserID))
		return nil
	})
	return c
}

// RegisterResponder wires an action kind to its executor. Registering an
// existing kind replaces it.
func (c *Coordinator) RegisterResponder(kind ActionKind, fn ResponderFunc) {
	c.respMu.Lock()
	defer c.respMu.Unlock()
	c.responders[kind] = fn
}

func (c *Coordinator) track(sessionID string) *sessionTrack {
	c.mu.RLock()
	t, ok := c.sessions[sessionID]
	c.mu.RUnlock()
	if ok {
		return t
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if t, ok = c.sessions[sessionID]; ok {
		return t
	}
	t = &sessionTrack{state: StateNormal, facts: make(map[string]bool)}
	c.sessions[sessionID] = t
	return t
}

// State returns the session's current threat posture.
func (c *Coordinator) State(sessionID string) SessionState {
	t := c.track(sessionID)
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// IsLockedDown is the gate VotingLedger and RecordingVault consult before
// permitting a cast or an access grant.
func (c *Coordinator) IsLockedDown(sessionID string) bool {
	return c.State(sessionID) == StateLockedDown
}

// Reset is the explicit manual (or timed) release from locked_down.
func (c *Coordinator) Reset(sessionID string) {
	t := c.track(sessionID)
	t.mu.Lock()
	was := t.state
	t.state = StateNormal
	t.highEvents = nil
	t.mu.Unlock()

	if was == StateLockedDown {
		slog.Info("session lockdown reset", "session_id", sessionID)
	}
}

// ProcessEvent appends the event to the shared log and runs the transition
// rule: any critical event, or HighEventLimit high events inside the rolling
// window, locks the session down. Returns the session state after the event.
func (c *Coordinator) ProcessEvent(ctx context.Context, event *audit.SecurityEvent) SessionState {
	c.log.Append(event)
	if c.metrics != nil {
		c.metrics.eventsTotal.WithLabelValues(string(event.Severity)).Inc()
	}

	t := c.track(event.SessionID)
	t.mu.Lock()

	if t.state == StateLockedDown {
		// Terminal: record-keeping continues, transitions do not.
		t.mu.Unlock()
		return StateLockedDown
	}

	now := event.CreatedAt
	lock := false
	switch {
	case event.Severity == audit.SeverityCritical:
		lock = true
	case event.Severity == audit.SeverityHigh:
		t.highEvents = append(t.highEvents, now)
		t.highEvents = pruneWindow(t.highEvents, now.Add(-c.cfg.HighEventWindow))
		if len(t.highEvents) >= c.cfg.HighEventLimit {
			lock = true
		} else {
			t.state = StateElevated
		}
	case event.Severity == audit.SeverityWarning && t.state == StateNormal:
		t.state = StateElevated
	}

	if lock {
		t.state = StateLockedDown
		t.lockedAt = time.Now()
	}
	state := t.state
	t.mu.Unlock()

	if lock {
		c.onLockdown(ctx, event)
	}
	return state
}

// MergeClassifierSignal consults the external classifier (if wired) and
// folds its verdict in as one more security event.
func (c *Coordinator) MergeClassifierSignal(ctx context.Context, sessionID string, payload map[string]interface{}) (SessionState, error) {
	if c.classifier == nil {
		return c.State(sessionID), nil
	}
	label, confidence, err := c.classifier.Classify(ctx, sessionID, payload)
	if err != nil {
		return c.State(sessionID), core.WrapTransient(err, "classifier unavailable")
	}

	severity := audit.SeverityInfo
	switch {
	case label == "malicious" && confidence >= 0.9:
		severity = audit.SeverityCritical
	case label == "malicious" && confidence >= 0.6:
		severity = audit.SeverityHigh
	case label == "suspicious" && confidence >= 0.5:
		severity = audit.SeverityWarning
	}

	event := audit.NewEvent(sessionID, audit.EventClassifierSignal, audit.CategoryBehavior,
		severity, confidence*100,
		fmt.Sprintf("external classifier verdict %q (confidence %.2f)", label, confidence)).
		WithPayload(map[string]interface{}{"label": label, "confidence": confidence})
	return c.ProcessEvent(ctx, event), nil
}

// onLockdown emits the escalation event and runs the configured automated
// responses for the triggering event's category under the response budget.
func (c *Coordinator) onLockdown(ctx context.Context, trigger *audit.SecurityEvent) {
	if c.metrics != nil {
		c.metrics.lockdownsTotal.Inc()
	}
	slog.Warn("session locked down",
		"session_id", trigger.SessionID, "trigger", trigger.Type, "severity", trigger.Severity)

	c.log.Append(audit.NewEvent(trigger.SessionID, audit.EventSessionLockdown,
		audit.CategoryOperational, audit.SeverityCritical, 100,
		fmt.Sprintf("session locked down after %s event (%s)", trigger.Severity, trigger.Type)))

	// Escalation targets by role; the executive tier joins for critical.
	targets := []string{"security_team"}
	if trigger.Severity == audit.SeverityCritical {
		targets = append(targets, "executive_tier")
	}
	c.log.Append(audit.NewEvent(trigger.SessionID, audit.EventEscalation,
		audit.CategoryOperational, trigger.Severity, trigger.RiskScore,
		"lockdown escalation dispatched").
		WithPayload(map[string]interface{}{"notify": targets, "trigger_event": trigger.ID}))

	c.runResponses(ctx, trigger)
}

// runResponses executes the data-driven action set for the event's category.
// Exceeding the response budget escalates the event's severity one level:
// slow response is itself treated as higher risk.
func (c *Coordinator) runResponses(ctx context.Context, trigger *audit.SecurityEvent) {
	kinds := c.cfg.Actions[string(trigger.Category)]
	if len(kinds) == 0 {
		return
	}

	sourceIP, _ := trigger.Payload["source_ip"].(string)
	budgetCtx, cancel := context.WithTimeout(ctx, c.cfg.ResponseBudget)
	defer cancel()

	start := time.Now()
	for _, kindName := range kinds {
		kind := ActionKind(kindName)
		c.respMu.RLock()
		fn, ok := c.responders[kind]
		c.respMu.RUnlock()
		if !ok {
			slog.Error("no responder registered for action", "action", kind)
			continue
		}

		action := Action{Kind: kind, SessionID: trigger.SessionID, UserID: trigger.UserID, SourceIP: sourceIP}
		if err := fn(budgetCtx, action); err != nil {
			slog.Error("automated response failed",
				"action", kind, "session_id", trigger.SessionID, "error", err)
		}
	}

	if elapsed := time.Since(start); elapsed > c.cfg.ResponseBudget {
		if c.metrics != nil {
			c.metrics.budgetOverruns.Inc()
		}
		escalated := trigger.Severity.Escalate()
		c.log.Append(audit.NewEvent(trigger.SessionID, audit.EventEscalation,
			audit.CategoryOperational, escalated, trigger.RiskScore,
			fmt.Sprintf("automated response exceeded budget (%s > %s); severity escalated to %s",
				elapsed.Round(time.Millisecond), c.cfg.ResponseBudget, escalated)))
	}
}

func (c *Coordinator) auditResponder(description string) ResponderFunc {
	return func(ctx context.Context, a Action) error {
		c.log.Append(audit.NewEvent(a.SessionID, audit.EventResponseAction,
			audit.CategoryOperational, audit.SeverityWarning, 50, description).
			WithUser(a.UserID).
			WithPayload(map[string]interface{}{"action": string(a.Kind), "source_ip": a.SourceIP}))
		return nil
	}
}

// NoteSessionFact records a boolean fact about the session (encryption
// enabled, MFA completed, recording active, consent recorded) for
// compliance assessment.
func (c *Coordinator) NoteSessionFact(sessionID, key string, value bool) {
	t := c.track(sessionID)
	t.mu.Lock()
	t.facts[key] = value
	t.mu.Unlock()
}

func pruneWindow(times []time.Time, cutoff time.Time) []time.Time {
	kept := times[:0]
	for _, ts := range times {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	return kept
}
