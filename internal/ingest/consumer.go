// Package ingest consumes session facts published by the transport layer
// over NATS and routes them into the trust engine. Facts arrive pre-derived;
// the consumer only validates, routes and records.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/aiborg-ai/appboardguru-sub014/internal/audit"
	"github.com/aiborg-ai/appboardguru-sub014/internal/behavior"
	"github.com/aiborg-ai/appboardguru-sub014/internal/config"
	"github.com/aiborg-ai/appboardguru-sub014/internal/coordinator"
	"github.com/aiborg-ai/appboardguru-sub014/internal/core"
	"github.com/aiborg-ai/appboardguru-sub014/internal/netrisk"
)

// FactKind tags the transport fact variants the engine understands.
type FactKind string

const (
	FactJoin             FactKind = "join"
	FactLeave            FactKind = "leave"
	FactNetworkSample    FactKind = "network_sample"
	FactLoginAttempt     FactKind = "login_attempt"
	FactPrivilegeAttempt FactKind = "privilege_attempt"
	FactSessionComplete  FactKind = "session_complete"
)

// Fact is the wire envelope published by the transport layer.
type Fact struct {
	Kind      FactKind `json:"kind"`
	SessionID string   `json:"session_id"`
	UserID    string   `json:"user_id,omitempty"`
	SourceIP  string   `json:"source_ip,omitempty"`
	UserAgent string   `json:"user_agent,omitempty"`

	// network_sample
	Network *netrisk.ConnectionFacts `json:"network,omitempty"`

	// login_attempt
	LoginSucceeded bool `json:"login_succeeded,omitempty"`

	// privilege_attempt
	RequestedRole string `json:"requested_role,omitempty"`
	Granted       bool   `json:"granted,omitempty"`

	// session_complete, feeds the behavioral baseline
	DurationSecs int64  `json:"duration_secs,omitempty"`
	ActionCount  int    `json:"action_count,omitempty"`
	Timezone     string `json:"timezone,omitempty"`
	DeviceType   string `json:"device_type,omitempty"`
}

// Consumer subscribes to the fact subject and fans facts out to the
// assessor, analyzer and coordinator.
type Consumer struct {
	cfg      config.IngestConfig
	conn     *nats.Conn
	sub      *nats.Subscription
	assessor *netrisk.Assessor
	analyzer *behavior.Analyzer
	coord    *coordinator.Coordinator
	log      *audit.EventLog
}

func NewConsumer(cfg config.IngestConfig, assessor *netrisk.Assessor, analyzer *behavior.Analyzer, coord *coordinator.Coordinator, log *audit.EventLog) *Consumer {
	if cfg.FactSubject == "" {
		cfg.FactSubject = "boardroom.facts"
	}
	return &Consumer{cfg: cfg, assessor: assessor, analyzer: analyzer, coord: coord, log: log}
}

// Start connects to NATS and subscribes to the fact subject. Reconnects are
// delegated to the client's built-in retry.
func (c *Consumer) Start(ctx context.Context) error {
	conn, err := nats.Connect(c.cfg.NATSURL,
		nats.Name("trust-engine-ingest"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			slog.Warn("nats disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			slog.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return core.WrapTransient(err, "connect to nats at %s", c.cfg.NATSURL)
	}
	c.conn = conn

	sub, err := conn.Subscribe(c.cfg.FactSubject, func(msg *nats.Msg) {
		c.handle(ctx, msg.Data)
	})
	if err != nil {
		conn.Close()
		return core.WrapTransient(err, "subscribe to %s", c.cfg.FactSubject)
	}
	c.sub = sub

	slog.Info("ingest consumer started", "subject", c.cfg.FactSubject)
	return nil
}

// Stop drains the subscription and closes the connection.
func (c *Consumer) Stop() {
	if c.sub != nil {
		_ = c.sub.Drain()
	}
	if c.conn != nil {
		_ = c.conn.Drain()
	}
}

// handle routes one fact. Malformed facts are dropped with a warning; a bad
// message must never take the consumer down.
func (c *Consumer) handle(ctx context.Context, data []byte) {
	var fact Fact
	if err := json.Unmarshal(data, &fact); err != nil {
		slog.Warn("dropping malformed fact", "error", err)
		return
	}
	if fact.SessionID == "" || fact.Kind == "" {
		slog.Warn("dropping fact without session or kind", "kind", fact.Kind)
		return
	}

	switch fact.Kind {
	case FactJoin:
		c.onJoin(ctx, &fact)
	case FactLeave:
		slog.Debug("participant left", "session_id", fact.SessionID, "user_id", fact.UserID)
	case FactNetworkSample:
		c.onNetworkSample(ctx, &fact)
	case FactLoginAttempt:
		c.onLoginAttempt(ctx, &fact)
	case FactPrivilegeAttempt:
		c.onPrivilegeAttempt(ctx, &fact)
	case FactSessionComplete:
		c.onSessionComplete(&fact)
	default:
		slog.Warn("dropping fact of unknown kind", "kind", fact.Kind)
	}
}

// onJoin assesses the joining connection and scores the joiner's behavior
// against their baseline in one pass.
func (c *Consumer) onJoin(ctx context.Context, fact *Fact) {
	if fact.Network != nil {
		c.assessConnection(ctx, fact)
	}
	c.coord.NoteSessionFact(fact.SessionID, "participant_joined", true)
}

func (c *Consumer) onNetworkSample(ctx context.Context, fact *Fact) {
	if fact.Network == nil {
		slog.Warn("dropping network sample without facts", "session_id", fact.SessionID)
		return
	}
	c.assessConnection(ctx, fact)
}

func (c *Consumer) assessConnection(ctx context.Context, fact *Fact) {
	assessment := c.assessor.Assess(ctx, fact.SessionID, fact.SourceIP, fact.UserAgent, *fact.Network)
	if !assessment.Blocked {
		return
	}
	// The assessor already logged the block; feed it to the coordinator so
	// repeated blocks count toward lockdown.
	c.coord.ProcessEvent(ctx, audit.NewEvent(fact.SessionID, audit.EventNetworkBlocked,
		audit.CategoryNetwork, blockSeverity(assessment.RiskScore), assessment.RiskScore,
		fmt.Sprintf("connection from %s blocked: %s", fact.SourceIP, assessment.BlockedReason)).
		WithUser(fact.UserID).
		WithPayload(map[string]interface{}{"source_ip": fact.SourceIP, "assessment_id": assessment.ID}))
}

func (c *Consumer) onLoginAttempt(ctx context.Context, fact *Fact) {
	severity := audit.SeverityInfo
	risk := 0.0
	description := "login attempt succeeded"
	if !fact.LoginSucceeded {
		severity = audit.SeverityWarning
		risk = 30
		description = "login attempt failed"
	}
	c.coord.ProcessEvent(ctx, audit.NewEvent(fact.SessionID, audit.EventLoginAttempt,
		audit.CategoryAuthentication, severity, risk, description).
		WithUser(fact.UserID).
		WithPayload(map[string]interface{}{"source_ip": fact.SourceIP}))
}

func (c *Consumer) onPrivilegeAttempt(ctx context.Context, fact *Fact) {
	if fact.Granted {
		slog.Info("privilege change granted",
			"session_id", fact.SessionID, "user_id", fact.UserID, "role", fact.RequestedRole)
		return
	}
	c.coord.ProcessEvent(ctx, audit.NewEvent(fact.SessionID, audit.EventPrivilegeAttempt,
		audit.CategoryPrivilege, audit.SeverityHigh, 75,
		fmt.Sprintf("unauthorized attempt to assume role %q", fact.RequestedRole)).
		WithUser(fact.UserID).
		WithPayload(map[string]interface{}{"requested_role": fact.RequestedRole, "source_ip": fact.SourceIP}))
}

// onSessionComplete extends the user's behavioral baseline and scores the
// completed session against the baseline as it stood.
func (c *Consumer) onSessionComplete(fact *Fact) {
	if fact.UserID == "" {
		slog.Warn("dropping session_complete without user", "session_id", fact.SessionID)
		return
	}
	facts := behavior.SessionFacts{
		Duration:    time.Duration(fact.DurationSecs) * time.Second,
		ActionCount: fact.ActionCount,
		Timezone:    fact.Timezone,
		DeviceType:  fact.DeviceType,
	}

	if baseline, ok := c.analyzer.Baseline(fact.UserID); ok {
		result := c.analyzer.Score(fact.UserID, facts, baseline)
		for _, an := range result.Anomalies {
			c.coord.ProcessEvent(context.Background(),
				audit.NewEvent(fact.SessionID, audit.EventBehaviorAnomaly,
					audit.CategoryBehavior, anomalySeverity(an.Severity), an.Severity, an.Detail).
					WithUser(fact.UserID))
		}
	}

	c.analyzer.Extend(fact.UserID, behavior.SessionRecord{
		Duration:    facts.Duration,
		ActionCount: facts.ActionCount,
		Timezone:    facts.Timezone,
		DeviceType:  facts.DeviceType,
	})
}

func blockSeverity(score float64) audit.Severity {
	if score >= 90 {
		return audit.SeverityCritical
	}
	return audit.SeverityHigh
}

func anomalySeverity(severity float64) audit.Severity {
	switch {
	case severity >= 80:
		return audit.SeverityHigh
	case severity >= 50:
		return audit.SeverityWarning
	default:
		return audit.SeverityInfo
	}
}
