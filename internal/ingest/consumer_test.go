package ingest

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aiborg-ai/appboardguru-sub014/internal/audit"
	"github.com/aiborg-ai/appboardguru-sub014/internal/behavior"
	"github.com/aiborg-ai/appboardguru-sub014/internal/config"
	"github.com/aiborg-ai/appboardguru-sub014/internal/coordinator"
	"github.com/aiborg-ai/appboardguru-sub014/internal/netrisk"
)

func newTestConsumer() (*Consumer, *audit.EventLog, *coordinator.Coordinator) {
	log := audit.NewEventLog(nil, 1)
	coord := coordinator.New(config.ResponseConfig{
		HighEventLimit:  3,
		HighEventWindow: 5 * time.Minute,
		ResponseBudget:  time.Second,
	}, log, nil, nil)
	assessor := netrisk.NewAssessor(config.NetworkConfig{
		Weights:        config.NetworkWeights{VPN: 25, IntelRisky: 40, RequestRate: 35},
		BlockThreshold: 70,
	}, nil, log)
	analyzer := behavior.NewAnalyzer(config.BehaviorConfig{MinHistory: 5, DeviationThreshold: 2.0})
	return NewConsumer(config.IngestConfig{FactSubject: "test.facts"}, assessor, analyzer, coord, log), log, coord
}

func deliver(t *testing.T, c *Consumer, fact Fact) {
	t.Helper()
	data, err := json.Marshal(fact)
	require.NoError(t, err)
	c.handle(context.Background(), data)
}

func TestHandle_MalformedFactsAreDropped(t *testing.T) {
	c, log, _ := newTestConsumer()

	c.handle(context.Background(), []byte("{not json"))
	c.handle(context.Background(), []byte(`{"kind":"join"}`))
	c.handle(context.Background(), []byte(`{"session_id":"s1"}`))
	c.handle(context.Background(), []byte(`{"kind":"unknown","session_id":"s1"}`))

	assert.Empty(t, log.Sessions(), "malformed facts must leave no trace")
}

func TestHandle_FailedLoginBecomesWarningEvent(t *testing.T) {
	c, log, _ := newTestConsumer()

	deliver(t, c, Fact{Kind: FactLoginAttempt, SessionID: "s1", UserID: "u1", SourceIP: "10.0.0.1"})

	events := log.Query("s1", time.Time{}, time.Time{})
	require.Len(t, events, 1)
	assert.Equal(t, audit.EventLoginAttempt, events[0].Type)
	assert.Equal(t, audit.SeverityWarning, events[0].Severity,
		"login_succeeded defaults to false on the wire")

	deliver(t, c, Fact{Kind: FactLoginAttempt, SessionID: "s1", UserID: "u1", LoginSucceeded: true})
	events = log.Query("s1", time.Time{}, time.Time{})
	require.Len(t, events, 2)
	assert.Equal(t, audit.SeverityInfo, events[1].Severity)
}

func TestHandle_DeniedPrivilegeAttemptIsHighSeverity(t *testing.T) {
	c, log, coord := newTestConsumer()

	for i := 0; i < 3; i++ {
		deliver(t, c, Fact{Kind: FactPrivilegeAttempt, SessionID: "s1", UserID: "u1", RequestedRole: "chair"})
	}

	events := log.Query("s1", time.Time{}, time.Time{})
	var privileged int
	for _, ev := range events {
		if ev.Type == audit.EventPrivilegeAttempt {
			privileged++
			assert.Equal(t, audit.SeverityHigh, ev.Severity)
		}
	}
	assert.Equal(t, 3, privileged)
	assert.True(t, coord.IsLockedDown("s1"),
		"repeated denied privilege attempts must trip the lockdown rule")
}

func TestHandle_GrantedPrivilegeIsQuiet(t *testing.T) {
	c, log, _ := newTestConsumer()

	deliver(t, c, Fact{Kind: FactPrivilegeAttempt, SessionID: "s1", UserID: "u1", RequestedRole: "presenter", Granted: true})
	assert.Empty(t, log.Query("s1", time.Time{}, time.Time{}))
}

func TestHandle_BlockedNetworkSampleFeedsCoordinator(t *testing.T) {
	c, log, _ := newTestConsumer()

	deliver(t, c, Fact{
		Kind:      FactNetworkSample,
		SessionID: "s1",
		UserID:    "u1",
		SourceIP:  "6.6.6.6",
		Network:   &netrisk.ConnectionFacts{ThreatIntel: netrisk.ReputationMalicious},
	})

	events := log.Query("s1", time.Time{}, time.Time{})
	var blocked int
	for _, ev := range events {
		if ev.Type == audit.EventNetworkBlocked {
			blocked++
		}
	}
	// One event from the assessor's own audit, one routed to the coordinator.
	assert.Equal(t, 2, blocked)
}

func TestHandle_SessionCompleteExtendsBaselineAndScores(t *testing.T) {
	c, log, _ := newTestConsumer()

	// Build history: five unremarkable sessions.
	for i := 0; i < 5; i++ {
		deliver(t, c, Fact{
			Kind: FactSessionComplete, SessionID: "s1", UserID: "u1",
			DurationSecs: 3600, ActionCount: 20, Timezone: "Europe/London", DeviceType: "laptop",
		})
	}
	b, ok := c.analyzer.Baseline("u1")
	require.True(t, ok)
	assert.Equal(t, 5, b.DurationSecs.N)

	// A session from an unseen timezone raises a behavior anomaly event.
	deliver(t, c, Fact{
		Kind: FactSessionComplete, SessionID: "s2", UserID: "u1",
		DurationSecs: 3600, ActionCount: 20, Timezone: "Asia/Shanghai", DeviceType: "laptop",
	})

	events := log.Query("s2", time.Time{}, time.Time{})
	var sawAnomaly bool
	for _, ev := range events {
		if ev.Type == audit.EventBehaviorAnomaly {
			sawAnomaly = true
		}
	}
	assert.True(t, sawAnomaly)
}
