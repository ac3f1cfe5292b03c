package coordinator

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aiborg-ai/appboardguru-sub014/internal/audit"
	"github.com/aiborg-ai/appboardguru-sub014/internal/config"
)

func testConfig() config.ResponseConfig {
	return config.ResponseConfig{
		HighEventLimit:  3,
		HighEventWindow: 5 * time.Minute,
		ResponseBudget:  2 * time.Second,
		Actions: map[string][]string{
			"network_threat":       {"block_ip"},
			"privilege_escalation": {"suspend_user", "force_reauth"},
		},
	}
}

func newTestCoordinator() (*Coordinator, *audit.EventLog) {
	log := audit.NewEventLog(nil, 1)
	return New(testConfig(), log, nil, nil), log
}

func highEvent(sessionID string) *audit.SecurityEvent {
	return audit.NewEvent(sessionID, audit.EventNetworkBlocked,
		audit.CategoryNetwork, audit.SeverityHigh, 80, "blocked connection")
}

func TestProcessEvent_CriticalLocksImmediately(t *testing.T) {
	c, _ := newTestCoordinator()

	state := c.ProcessEvent(context.Background(),
		audit.NewEvent("s1", audit.EventTamperDetected, audit.CategoryIntegrity,
			audit.SeverityCritical, 100, "ledger tampering"))

	assert.Equal(t, StateLockedDown, state)
	assert.True(t, c.IsLockedDown("s1"))
}

func TestProcessEvent_ThreeHighEventsLockDown(t *testing.T) {
	c, log := newTestCoordinator()
	ctx := context.Background()

	assert.Equal(t, StateElevated, c.ProcessEvent(ctx, highEvent("s1")))
	assert.Equal(t, StateElevated, c.ProcessEvent(ctx, highEvent("s1")))
	assert.Equal(t, StateLockedDown, c.ProcessEvent(ctx, highEvent("s1")),
		"the third high event inside the window must lock the session")

	// Lockdown and escalation both land in the trail.
	var sawLockdown, sawEscalation bool
	for _, ev := range log.Query("s1", time.Time{}, time.Time{}) {
		switch ev.Type {
		case audit.EventSessionLockdown:
			sawLockdown = true
		case audit.EventEscalation:
			sawEscalation = true
		}
	}
	assert.True(t, sawLockdown)
	assert.True(t, sawEscalation)
}

func TestProcessEvent_HighEventsOutsideWindowDoNotAccumulate(t *testing.T) {
	c, _ := newTestCoordinator()
	ctx := context.Background()

	stale := highEvent("s1")
	stale.CreatedAt = time.Now().Add(-10 * time.Minute)
	c.ProcessEvent(ctx, stale)
	c.ProcessEvent(ctx, highEvent("s1"))
	state := c.ProcessEvent(ctx, highEvent("s1"))

	assert.Equal(t, StateElevated, state,
		"only high events inside the rolling window count toward the limit")
}

func TestProcessEvent_SessionsAreIsolated(t *testing.T) {
	c, _ := newTestCoordinator()
	ctx := context.Background()

	c.ProcessEvent(ctx, highEvent("s1"))
	c.ProcessEvent(ctx, highEvent("s1"))
	c.ProcessEvent(ctx, highEvent("s2"))

	assert.Equal(t, StateElevated, c.State("s1"))
	assert.Equal(t, StateElevated, c.State("s2"))
	assert.False(t, c.IsLockedDown("s1"), "counts never bleed across sessions")
}

func TestProcessEvent_LockedDownIsTerminal(t *testing.T) {
	c, log := newTestCoordinator()
	ctx := context.Background()

	c.ProcessEvent(ctx, audit.NewEvent("s1", audit.EventTamperDetected,
		audit.CategoryIntegrity, audit.SeverityCritical, 100, "tamper"))
	require.True(t, c.IsLockedDown("s1"))

	before := len(log.Query("s1", time.Time{}, time.Time{}))
	state := c.ProcessEvent(ctx, audit.NewEvent("s1", audit.EventLoginAttempt,
		audit.CategoryAuthentication, audit.SeverityInfo, 0, "login during lockdown"))

	assert.Equal(t, StateLockedDown, state)
	after := len(log.Query("s1", time.Time{}, time.Time{}))
	assert.Equal(t, before+1, after, "record keeping continues during lockdown")
}

func TestReset_ReleasesLockdown(t *testing.T) {
	c, _ := newTestCoordinator()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		c.ProcessEvent(ctx, highEvent("s1"))
	}
	require.True(t, c.IsLockedDown("s1"))

	c.Reset("s1")
	assert.Equal(t, StateNormal, c.State("s1"))

	// The window is cleared too: one new high event only elevates.
	assert.Equal(t, StateElevated, c.ProcessEvent(ctx, highEvent("s1")))
}

func TestOnLockdown_RunsConfiguredResponders(t *testing.T) {
	c, _ := newTestCoordinator()
	ctx := context.Background()

	var executed []ActionKind
	c.RegisterResponder(ActionSuspendUser, func(ctx context.Context, a Action) error {
		executed = append(executed, a.Kind)
		return nil
	})
	c.RegisterResponder(ActionForceReauth, func(ctx context.Context, a Action) error {
		executed = append(executed, a.Kind)
		return nil
	})

	c.ProcessEvent(ctx, audit.NewEvent("s1", audit.EventPrivilegeAttempt,
		audit.CategoryPrivilege, audit.SeverityCritical, 95, "root attempt").WithUser("u1"))

	assert.Equal(t, []ActionKind{ActionSuspendUser, ActionForceReauth}, executed,
		"the category's action list runs in order")
}

func TestRunResponses_BudgetOverrunEscalates(t *testing.T) {
	cfg := testConfig()
	cfg.ResponseBudget = 10 * time.Millisecond
	log := audit.NewEventLog(nil, 1)
	c := New(cfg, log, nil, nil)

	c.RegisterResponder(ActionBlockIP, func(ctx context.Context, a Action) error {
		time.Sleep(30 * time.Millisecond)
		return nil
	})

	c.ProcessEvent(context.Background(), audit.NewEvent("s1", audit.EventNetworkBlocked,
		audit.CategoryNetwork, audit.SeverityCritical, 100, "malicious source"))

	var sawOverrun bool
	for _, ev := range log.Query("s1", time.Time{}, time.Time{}) {
		if ev.Type == audit.EventEscalation && ev.Severity == audit.SeverityCritical &&
			strings.Contains(ev.Description, "budget") {
			sawOverrun = true
		}
	}
	assert.True(t, sawOverrun, "a slow response is itself escalated")
}

type stubClassifier struct {
	label      string
	confidence float64
}

func (s stubClassifier) Classify(ctx context.Context, sessionID string, payload map[string]interface{}) (string, float64, error) {
	return s.label, s.confidence, nil
}

func TestMergeClassifierSignal(t *testing.T) {
	log := audit.NewEventLog(nil, 1)
	c := New(testConfig(), log, stubClassifier{label: "malicious", confidence: 0.95}, nil)

	state, err := c.MergeClassifierSignal(context.Background(), "s1", map[string]interface{}{"sample": 1})
	require.NoError(t, err)
	assert.Equal(t, StateLockedDown, state,
		"a high-confidence malicious verdict is a critical event")
}

func TestMergeClassifierSignal_NoClassifierIsNoop(t *testing.T) {
	c, _ := newTestCoordinator()
	state, err := c.MergeClassifierSignal(context.Background(), "s1", nil)
	require.NoError(t, err)
	assert.Equal(t, StateNormal, state)
}
