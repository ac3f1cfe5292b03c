package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/aiborg-ai/appboardguru-sub014/internal/audit"
	"github.com/aiborg-ai/appboardguru-sub014/internal/coordinator"
	"github.com/aiborg-ai/appboardguru-sub014/internal/core"
	"github.com/aiborg-ai/appboardguru-sub014/internal/identity"
	"github.com/aiborg-ai/appboardguru-sub014/internal/vault"
)

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeError maps the engine's error kinds onto HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch core.KindOf(err) {
	case core.KindValidation:
		status = http.StatusBadRequest
	case core.KindNotFound:
		status = http.StatusNotFound
	case core.KindAuthExpired:
		status = http.StatusUnauthorized
	case core.KindAccessDenied:
		status = http.StatusForbidden
	case core.KindMaxAttempts, core.KindInvalidState, core.KindDuplicateVote:
		status = http.StatusConflict
	case core.KindSessionLocked:
		status = http.StatusLocked
	case core.KindTamperDetected:
		status = http.StatusUnprocessableEntity
	case core.KindTransientInfra:
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]string{
		"error": err.Error(),
		"kind":  string(core.KindOf(err)),
	})
}

func decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, core.NewError(core.KindValidation, "invalid request body: %v", err))
		return false
	}
	return true
}

// --- Identity trust ---

func (s *Server) handleInitiateMFA(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionID         string `json:"session_id"`
		SecurityLevel     string `json:"security_level"`
		UserID            string `json:"user_id"`
		Method            string `json:"method"`
		DeviceFingerprint string `json:"device_fingerprint"`
	}
	if !decode(w, r, &req) {
		return
	}

	result, err := s.identity.InitiateMFA(r.Context(),
		identity.SessionInfo{ID: req.SessionID, SecurityLevel: req.SecurityLevel},
		req.UserID, identity.MFAMethod(req.Method), req.DeviceFingerprint)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"challenge_id": result.Challenge.ID,
		"method":       result.Challenge.Method,
		"expires_at":   result.Challenge.ExpiresAt,
		"max_attempts": result.Challenge.MaxAttempts,
		// Dev convenience only; production delivers the code out of band.
		"code":        result.Code,
		"totp_secret": result.TOTPSecret,
	})
}

func (s *Server) handleVerifyMFA(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ChallengeID       string `json:"challenge_id"`
		Code              string `json:"code"`
		DeviceFingerprint string `json:"device_fingerprint"`
	}
	if !decode(w, r, &req) {
		return
	}

	verified, err := s.identity.VerifyMFA(r.Context(), req.ChallengeID, req.Code, req.DeviceFingerprint)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"verified": verified})
}

func (s *Server) handleAttestDevice(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID string                     `json:"user_id"`
		Device identity.DeviceInfo        `json:"device"`
		Claims identity.AttestationClaims `json:"claims"`
	}
	if !decode(w, r, &req) {
		return
	}
	if req.UserID == "" || req.Device.DeviceID == "" {
		writeError(w, core.NewError(core.KindValidation, "user_id and device.device_id are required"))
		return
	}
	writeJSON(w, http.StatusOK, s.identity.AttestDevice(req.UserID, req.Device, req.Claims))
}

// --- Voting ledger ---

func (s *Server) handleCastVote(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["id"]
	var req struct {
		MotionID   string  `json:"motion_id"`
		VoterID    string  `json:"voter_id"`
		OnBehalfOf string  `json:"on_behalf_of,omitempty"`
		Choice     string  `json:"choice"`
		Weight     float64 `json:"weight"`
	}
	if !decode(w, r, &req) {
		return
	}
	if req.Weight == 0 {
		req.Weight = 1
	}

	var record interface{}
	var err error
	if req.OnBehalfOf != "" {
		record, err = s.ledger.CastProxyVote(r.Context(), sessionID, req.MotionID,
			req.VoterID, req.OnBehalfOf, req.Choice, req.Weight)
	} else {
		record, err = s.ledger.CastVote(r.Context(), sessionID, req.MotionID,
			req.VoterID, req.Choice, req.Weight)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, record)
}

func (s *Server) handleRegisterProxy(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["id"]
	var req struct {
		PrincipalID string `json:"principal_id"`
		ProxyID     string `json:"proxy_id"`
	}
	if !decode(w, r, &req) {
		return
	}
	if req.PrincipalID == "" || req.ProxyID == "" {
		writeError(w, core.NewError(core.KindValidation, "principal_id and proxy_id are required"))
		return
	}
	s.ledger.RegisterProxy(sessionID, req.PrincipalID, req.ProxyID)
	writeJSON(w, http.StatusCreated, map[string]string{"status": "registered"})
}

func (s *Server) handleMotionVotes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.ledger.Votes(mux.Vars(r)["id"]))
}

func (s *Server) handleVerifyChain(w http.ResponseWriter, r *http.Request) {
	ok, badIndex := s.ledger.VerifyChain(mux.Vars(r)["id"])
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"intact":          ok,
		"first_bad_index": badIndex,
	})
}

func (s *Server) handleVerifyVote(w http.ResponseWriter, r *http.Request) {
	ok, err := s.ledger.VerifyVoteIntegrity(mux.Vars(r)["id"])
	if err != nil && core.KindOf(err) == core.KindNotFound {
		writeError(w, err)
		return
	}
	body := map[string]interface{}{"valid": ok}
	if err != nil {
		body["detail"] = err.Error()
	}
	writeJSON(w, http.StatusOK, body)
}

// --- Recording vault ---

func (s *Server) handleStartRecording(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionID   string                `json:"session_id"`
		InitiatorID string                `json:"initiator_id"`
		Permissions vault.Permissions     `json:"permissions"`
		Retention   vault.RetentionPolicy `json:"retention"`
	}
	if !decode(w, r, &req) {
		return
	}

	rec, err := s.vault.StartRecording(req.SessionID, req.InitiatorID, vault.StartOptions{
		Permissions: req.Permissions,
		Retention:   req.Retention,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	s.coord.NoteSessionFact(req.SessionID, "recording_active", true)
	writeJSON(w, http.StatusCreated, rec)
}

func (s *Server) handleRecordingStatus(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Status string `json:"status"`
	}
	if !decode(w, r, &req) {
		return
	}
	var err error
	switch vault.RecordingStatus(req.Status) {
	case vault.StatusCompleted:
		err = s.vault.CompleteRecording(mux.Vars(r)["id"])
	case vault.StatusFailed:
		err = s.vault.FailRecording(mux.Vars(r)["id"])
	default:
		err = core.NewError(core.KindValidation, "status must be completed or failed")
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": req.Status})
}

func (s *Server) handleRequestAccess(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RequesterID string   `json:"requester_id"`
		Permissions []string `json:"permissions"`
	}
	if !decode(w, r, &req) {
		return
	}
	grant, err := s.vault.RequestAccess(mux.Vars(r)["id"], req.RequesterID, req.Permissions)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, grant)
}

// handleStreamRecording validates the bearer token issued by RequestAccess.
// The media bytes live with the transport layer; this endpoint answers
// whether the token admits the caller to this recording.
func (s *Server) handleStreamRecording(w http.ResponseWriter, r *http.Request) {
	recordingID := mux.Vars(r)["id"]
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if token == "" {
		writeError(w, core.NewError(core.KindAccessDenied, "missing bearer token"))
		return
	}

	grantedFor, permissions, err := s.vault.VerifyToken(token)
	if err != nil {
		writeError(w, err)
		return
	}
	if grantedFor != recordingID {
		writeError(w, core.NewError(core.KindAccessDenied,
			"token was issued for a different recording"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"recording_id": recordingID,
		"permissions":  permissions,
		"admitted":     true,
	})
}

// --- Audit trail and coordinator ---

func (s *Server) handleSessionEvents(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["id"]

	var from, to time.Time
	if v := r.URL.Query().Get("from"); v != "" {
		parsed, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, core.NewError(core.KindValidation, "from must be RFC3339"))
			return
		}
		from = parsed
	}
	if v := r.URL.Query().Get("to"); v != "" {
		parsed, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, core.NewError(core.KindValidation, "to must be RFC3339"))
			return
		}
		to = parsed
	}
	writeJSON(w, http.StatusOK, s.log.Query(sessionID, from, to))
}

func (s *Server) handleTimeline(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, audit.Reconstruct(s.log, mux.Vars(r)["id"]))
}

func (s *Server) handleSessionStatus(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["id"]
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"session_id":  sessionID,
		"state":       s.coord.State(sessionID),
		"locked_down": s.coord.IsLockedDown(sessionID),
	})
}

func (s *Server) handleCompliance(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Frameworks []coordinator.Framework `json:"frameworks"`
	}
	if !decode(w, r, &req) {
		return
	}
	writeJSON(w, http.StatusOK, s.coord.AssessCompliance(mux.Vars(r)["id"], req.Frameworks))
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["id"]
	s.coord.Reset(sessionID)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"session_id": sessionID,
		"state":      s.coord.State(sessionID),
	})
}

func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	s.streamer.ServeSession(w, r, mux.Vars(r)["id"])
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":         "ok",
		"stream_clients": s.streamer.ClientCount(),
	})
}
