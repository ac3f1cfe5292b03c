package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aiborg-ai/appboardguru-sub014/internal/audit"
	"github.com/aiborg-ai/appboardguru-sub014/internal/behavior"
	"github.com/aiborg-ai/appboardguru-sub014/internal/config"
	"github.com/aiborg-ai/appboardguru-sub014/internal/coordinator"
	"github.com/aiborg-ai/appboardguru-sub014/internal/identity"
	"github.com/aiborg-ai/appboardguru-sub014/internal/ledger"
	"github.com/aiborg-ai/appboardguru-sub014/internal/netrisk"
	"github.com/aiborg-ai/appboardguru-sub014/internal/store"
	"github.com/aiborg-ai/appboardguru-sub014/internal/vault"
)

// allowAll admits every requester at every access level.
type allowAll struct{}

func (allowAll) HasLevel(sessionID, userID string, level vault.AccessLevel) bool { return true }

func newTestServer(t *testing.T) (*Server, *coordinator.Coordinator) {
	t.Helper()
	cfg := config.Default()
	log := audit.NewEventLog(nil, 1)
	kv := store.NewMemoryStore()

	coord := coordinator.New(cfg.Response, log, nil, nil)
	idm := identity.NewManager(cfg.MFA, kv, log)
	assessor := netrisk.NewAssessor(cfg.Network, nil, log)
	analyzer := behavior.NewAnalyzer(cfg.Behavior)
	ldg := ledger.New(cfg.Ledger, coord, log, kv)
	vlt := vault.New(cfg.Vault, coord, allowAll{}, log)

	return NewServer(cfg.Server, log, idm, assessor, analyzer, coord, ldg, vlt, nil), coord
}

func doJSON(t *testing.T, router http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestMFAEndpoints_ExhaustionFlow(t *testing.T) {
	srv, _ := newTestServer(t)
	router := srv.Router()

	rec := doJSON(t, router, "POST", "/api/v1/mfa/initiate", map[string]string{
		"session_id":         "s1",
		"security_level":     "high_security",
		"user_id":            "d1",
		"method":             "code",
		"device_fingerprint": "fp",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	var initiated struct {
		ChallengeID string `json:"challenge_id"`
		Code        string `json:"code"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &initiated))
	require.NotEmpty(t, initiated.ChallengeID)

	verify := func(code string) *httptest.ResponseRecorder {
		return doJSON(t, router, "POST", "/api/v1/mfa/verify", map[string]string{
			"challenge_id":       initiated.ChallengeID,
			"code":               code,
			"device_fingerprint": "fp",
		})
	}

	// Two wrong codes: 200 with verified=false.
	for i := 0; i < 2; i++ {
		rec = verify("000000")
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), `"verified":false`)
	}

	// Third wrong code exhausts the challenge.
	rec = verify("000000")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, rec.Body.String(), "MAX_ATTEMPTS_EXCEEDED")

	// The correct code afterwards hits the terminal state.
	rec = verify(initiated.Code)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, rec.Body.String(), "INVALID_STATE")
}

func TestVoteEndpoints_DuplicateAndLockdown(t *testing.T) {
	srv, coord := newTestServer(t)
	router := srv.Router()

	vote := map[string]interface{}{"motion_id": "m1", "voter_id": "alice", "choice": "approve"}
	rec := doJSON(t, router, "POST", "/api/v1/sessions/s1/votes", vote)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doJSON(t, router, "POST", "/api/v1/sessions/s1/votes", vote)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, rec.Body.String(), "DUPLICATE_VOTE")

	// Lock the session down: further votes return 423.
	for i := 0; i < 3; i++ {
		coord.ProcessEvent(context.Background(), audit.NewEvent("s1", audit.EventNetworkBlocked,
			audit.CategoryNetwork, audit.SeverityHigh, 80, "blocked"))
	}
	rec = doJSON(t, router, "POST", "/api/v1/sessions/s1/votes",
		map[string]interface{}{"motion_id": "m1", "voter_id": "bob", "choice": "approve"})
	assert.Equal(t, http.StatusLocked, rec.Code)
	assert.Contains(t, rec.Body.String(), "SESSION_LOCKED")

	rec = doJSON(t, router, "GET", "/api/v1/sessions/s1/status", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"locked_down":true`)
}

func TestChainVerifyEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)
	router := srv.Router()

	for _, voter := range []string{"alice", "bob"} {
		rec := doJSON(t, router, "POST", "/api/v1/sessions/s1/votes",
			map[string]interface{}{"motion_id": "m1", "voter_id": voter, "choice": "approve"})
		require.Equal(t, http.StatusCreated, rec.Code)
	}

	rec := doJSON(t, router, "GET", "/api/v1/motions/m1/verify", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"intact":true`)
}

func TestRecordingEndpoints_AccessFlow(t *testing.T) {
	srv, _ := newTestServer(t)
	router := srv.Router()

	rec := doJSON(t, router, "POST", "/api/v1/recordings", map[string]interface{}{
		"session_id":   "s1",
		"initiator_id": "d1",
		"permissions":  map[string]interface{}{"level": "directors_only"},
		"retention":    map[string]interface{}{"days": 30},
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	var recording struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &recording))

	rec = doJSON(t, router, "POST", fmt.Sprintf("/api/v1/recordings/%s/access", recording.ID),
		map[string]interface{}{"requester_id": "d1"})
	require.Equal(t, http.StatusOK, rec.Code)

	var grant struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &grant))
	require.NotEmpty(t, grant.Token)

	// Stream with the issued token.
	streamReq := httptest.NewRequest("GET", fmt.Sprintf("/api/v1/recordings/%s/stream", recording.ID), nil)
	streamReq.Header.Set("Authorization", "Bearer "+grant.Token)
	streamRec := httptest.NewRecorder()
	router.ServeHTTP(streamRec, streamReq)
	assert.Equal(t, http.StatusOK, streamRec.Code)
	assert.Contains(t, streamRec.Body.String(), `"admitted":true`)

	// Without a token the stream is refused.
	streamReq = httptest.NewRequest("GET", fmt.Sprintf("/api/v1/recordings/%s/stream", recording.ID), nil)
	streamRec = httptest.NewRecorder()
	router.ServeHTTP(streamRec, streamReq)
	assert.Equal(t, http.StatusForbidden, streamRec.Code)
}

func TestEventAndTimelineEndpoints(t *testing.T) {
	srv, coord := newTestServer(t)
	router := srv.Router()

	coord.ProcessEvent(context.Background(), audit.NewEvent("s1", audit.EventLoginAttempt,
		audit.CategoryAuthentication, audit.SeverityInfo, 0, "login ok").WithUser("d1"))

	rec := doJSON(t, router, "GET", "/api/v1/sessions/s1/events", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "login_attempt")

	rec = doJSON(t, router, "GET", "/api/v1/sessions/s1/events?from=not-a-time", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	from := time.Now().Add(time.Hour).Format(time.RFC3339)
	rec = doJSON(t, router, "GET", "/api/v1/sessions/s1/events?from="+from, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "[]\n", rec.Body.String(), "future window excludes everything")

	rec = doJSON(t, router, "GET", "/api/v1/sessions/s1/timeline", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "entries")
}

func TestHealthEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := doJSON(t, srv.Router(), "GET", "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)
}
