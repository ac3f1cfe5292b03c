package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aiborg-ai/appboardguru-sub014/internal/audit"
	"github.com/aiborg-ai/appboardguru-sub014/internal/config"
	"github.com/aiborg-ai/appboardguru-sub014/internal/coordinator"
	"github.com/aiborg-ai/appboardguru-sub014/internal/core"
	"github.com/aiborg-ai/appboardguru-sub014/internal/store"
)

func testLedgerConfig() config.LedgerConfig {
	return config.LedgerConfig{ChainSalt: "test-salt", SigningSecret: "test-secret"}
}

type staticGate struct{ locked bool }

func (g *staticGate) IsLockedDown(string) bool { return g.locked }

func newTestLedger() (*Ledger, *audit.EventLog, *staticGate) {
	log := audit.NewEventLog(nil, 1)
	gate := &staticGate{}
	return New(testLedgerConfig(), gate, log, store.NewMemoryStore()), log, gate
}

func TestCastVote_BuildsHashChain(t *testing.T) {
	l, log, _ := newTestLedger()
	ctx := context.Background()

	v0, err := l.CastVote(ctx, "s1", "m1", "alice", "approve", 1)
	require.NoError(t, err)
	v1, err := l.CastVote(ctx, "s1", "m1", "bob", "reject", 1)
	require.NoError(t, err)
	v2, err := l.CastVote(ctx, "s1", "m1", "carol", "approve", 2)
	require.NoError(t, err)

	assert.Equal(t, genesisHash, v0.PreviousHash, "the first vote chains to genesis")
	assert.Equal(t, v0.Hash, v1.PreviousHash)
	assert.Equal(t, v1.Hash, v2.PreviousHash)
	assert.Equal(t, int64(0), v0.Sequence)
	assert.Equal(t, int64(2), v2.Sequence)
	assert.NotEmpty(t, v0.Signature)

	ok, bad := l.VerifyChain("m1")
	assert.True(t, ok)
	assert.Equal(t, -1, bad)

	events := log.Query("s1", time.Time{}, time.Time{})
	require.Len(t, events, 3)
	for _, ev := range events {
		assert.Equal(t, audit.EventVoteCast, ev.Type)
	}
}

func TestCastVote_HashIsDeterministic(t *testing.T) {
	l, _, _ := newTestLedger()

	v, err := l.CastVote(context.Background(), "s1", "m1", "alice", "approve", 1)
	require.NoError(t, err)
	assert.Equal(t, v.Hash, l.computeHash(v), "recomputing from stored fields reproduces the hash")
}

func TestCastVote_DuplicateRejected(t *testing.T) {
	l, log, _ := newTestLedger()
	ctx := context.Background()

	_, err := l.CastVote(ctx, "s1", "m1", "alice", "approve", 1)
	require.NoError(t, err)

	_, err = l.CastVote(ctx, "s1", "m1", "alice", "reject", 1)
	assert.Equal(t, core.KindDuplicateVote, core.KindOf(err),
		"a second ballot for the same (motion, voter) must be rejected")

	// The chain is untouched and the rejection is audited.
	assert.Len(t, l.Votes("m1"), 1)
	var sawRejection bool
	for _, ev := range log.Query("s1", time.Time{}, time.Time{}) {
		if ev.Type == audit.EventVoteRejected {
			sawRejection = true
		}
	}
	assert.True(t, sawRejection)

	// The same voter may still vote on a different motion.
	_, err = l.CastVote(ctx, "s1", "m2", "alice", "approve", 1)
	assert.NoError(t, err)
}

func TestCastVote_Validation(t *testing.T) {
	l, _, _ := newTestLedger()
	ctx := context.Background()

	_, err := l.CastVote(ctx, "s1", "", "alice", "approve", 1)
	assert.Equal(t, core.KindValidation, core.KindOf(err))

	_, err = l.CastVote(ctx, "s1", "m1", "alice", "approve", 0)
	assert.Equal(t, core.KindValidation, core.KindOf(err), "weight must be positive")
}

func TestCastVote_LockdownGate(t *testing.T) {
	l, log, gate := newTestLedger()
	ctx := context.Background()

	gate.locked = true
	_, err := l.CastVote(ctx, "s1", "m1", "alice", "approve", 1)
	assert.Equal(t, core.KindSessionLocked, core.KindOf(err))

	var sawRejection bool
	for _, ev := range log.Query("s1", time.Time{}, time.Time{}) {
		if ev.Type == audit.EventVoteRejected && ev.Severity == audit.SeverityHigh {
			sawRejection = true
		}
	}
	assert.True(t, sawRejection, "votes rejected under lockdown are high-severity events")

	gate.locked = false
	_, err = l.CastVote(ctx, "s1", "m1", "alice", "approve", 1)
	assert.NoError(t, err, "the gate releases with the lockdown")
}

// End to end with the real coordinator: three high events lock the session,
// then vote casting fails with the session-locked error.
func TestCastVote_CoordinatorLockdown(t *testing.T) {
	log := audit.NewEventLog(nil, 1)
	coord := coordinator.New(config.ResponseConfig{
		HighEventLimit:  3,
		HighEventWindow: 5 * time.Minute,
		ResponseBudget:  time.Second,
	}, log, nil, nil)
	l := New(testLedgerConfig(), coord, log, store.NewMemoryStore())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		coord.ProcessEvent(ctx, audit.NewEvent("s1", audit.EventNetworkBlocked,
			audit.CategoryNetwork, audit.SeverityHigh, 80, "blocked"))
	}
	require.True(t, coord.IsLockedDown("s1"))

	_, err := l.CastVote(ctx, "s1", "m1", "alice", "approve", 1)
	assert.Equal(t, core.KindSessionLocked, core.KindOf(err))
}

func TestCastProxyVote(t *testing.T) {
	l, _, _ := newTestLedger()
	ctx := context.Background()

	// Unregistered proxy is rejected.
	_, err := l.CastProxyVote(ctx, "s1", "m1", "bob", "alice", "approve", 1)
	assert.Equal(t, core.KindValidation, core.KindOf(err))

	l.RegisterProxy("s1", "alice", "bob")
	v, err := l.CastProxyVote(ctx, "s1", "m1", "bob", "alice", "approve", 1)
	require.NoError(t, err)
	assert.Equal(t, "bob", v.VoterID)
	assert.Equal(t, "alice", v.OnBehalfOf)

	// The principal's ballot is spent: neither she nor the proxy can vote again.
	_, err = l.CastVote(ctx, "s1", "m1", "alice", "approve", 1)
	assert.Equal(t, core.KindDuplicateVote, core.KindOf(err))
	_, err = l.CastProxyVote(ctx, "s1", "m1", "bob", "alice", "reject", 1)
	assert.Equal(t, core.KindDuplicateVote, core.KindOf(err))

	// The proxy's own ballot is separate.
	_, err = l.CastVote(ctx, "s1", "m1", "bob", "reject", 1)
	assert.NoError(t, err)
}

func TestVerifyVoteIntegrity_DetectsTampering(t *testing.T) {
	l, log, _ := newTestLedger()
	ctx := context.Background()

	v, err := l.CastVote(ctx, "s1", "m1", "alice", "approve", 1)
	require.NoError(t, err)

	ok, err := l.VerifyVoteIntegrity(v.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	// Tamper with the stored record in place.
	l.mu.Lock()
	l.byID[v.ID].Choice = "reject"
	l.mu.Unlock()

	ok, err = l.VerifyVoteIntegrity(v.ID)
	assert.False(t, ok)
	assert.Equal(t, core.KindTamperDetected, core.KindOf(err))

	var sawTamper bool
	for _, ev := range log.Query("s1", time.Time{}, time.Time{}) {
		if ev.Type == audit.EventTamperDetected {
			sawTamper = true
			assert.Equal(t, audit.SeverityCritical, ev.Severity)
		}
	}
	assert.True(t, sawTamper, "tampering raises a critical security event")
}

func TestVerifyChain_FindsFirstBadRecord(t *testing.T) {
	l, _, _ := newTestLedger()
	ctx := context.Background()

	_, err := l.CastVote(ctx, "s1", "m1", "alice", "approve", 1)
	require.NoError(t, err)
	v1, err := l.CastVote(ctx, "s1", "m1", "bob", "reject", 1)
	require.NoError(t, err)
	_, err = l.CastVote(ctx, "s1", "m1", "carol", "approve", 1)
	require.NoError(t, err)

	l.mu.Lock()
	l.byID[v1.ID].Weight = 99
	l.mu.Unlock()

	ok, bad := l.VerifyChain("m1")
	assert.False(t, ok)
	assert.Equal(t, 1, bad)
}

func TestVotes_ReturnsCopies(t *testing.T) {
	l, _, _ := newTestLedger()
	_, err := l.CastVote(context.Background(), "s1", "m1", "alice", "approve", 1)
	require.NoError(t, err)

	votes := l.Votes("m1")
	require.Len(t, votes, 1)
	votes[0].Choice = "mutated"

	ok, _ := l.VerifyChain("m1")
	assert.True(t, ok, "callers must not be able to corrupt the chain through Votes")
}

func TestRecord_NotFound(t *testing.T) {
	l, _, _ := newTestLedger()
	_, err := l.Record("missing")
	assert.Equal(t, core.KindNotFound, core.KindOf(err))
}
