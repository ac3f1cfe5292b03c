package audit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReconstruct_OrdersAndAnnotates(t *testing.T) {
	log := NewEventLog(nil, 1)

	log.Append(NewEvent("s1", EventLoginAttempt, CategoryAuthentication, SeverityInfo, 0, "login ok").WithUser("d1"))
	log.Append(NewEvent("s1", EventMaxAttemptsExceeded, CategoryAuthentication, SeverityHigh, 75, "3 wrong codes").WithUser("d2"))
	log.Append(NewEvent("s1", EventSessionLockdown, CategoryOperational, SeverityCritical, 100, "lockdown"))

	tl := Reconstruct(log, "s1")
	require.Len(t, tl.Entries, 3)

	for i, entry := range tl.Entries {
		assert.Equal(t, int64(i), entry.Sequence, "timeline preserves append order")
	}
	assert.Equal(t, SeverityCritical, tl.PeakSeverity)
	assert.Contains(t, tl.Entries[1].Narrative, "d2", "the acting user is attributed")
	assert.Contains(t, tl.Entries[2].Narrative, "locked down")
	assert.Empty(t, tl.Entries[0].SincePrior, "first entry has no prior gap")
	assert.NotEmpty(t, tl.Entries[2].SincePrior)
}

func TestReconstruct_CountsUnresolvedHighSeverity(t *testing.T) {
	log := NewEventLog(nil, 1)

	resolved := log.Append(NewEvent("s1", EventNetworkBlocked, CategoryNetwork, SeverityHigh, 80, "blocked"))
	log.Append(NewEvent("s1", EventTamperDetected, CategoryIntegrity, SeverityCritical, 100, "tamper"))
	log.Append(NewEvent("s1", EventMFAFailed, CategoryAuthentication, SeverityWarning, 30, "warning stays out"))
	require.NoError(t, log.Resolve("s1", resolved.ID))

	tl := Reconstruct(log, "s1")
	assert.Equal(t, 1, tl.UnresolvedCnt, "only unresolved high+ events count")
}

func TestReconstruct_EmptySession(t *testing.T) {
	log := NewEventLog(nil, 1)
	tl := Reconstruct(log, "empty")
	assert.Empty(t, tl.Entries)
	assert.Equal(t, SeverityInfo, tl.PeakSeverity)
	assert.WithinDuration(t, time.Now(), tl.GeneratedAt, time.Minute)
}
