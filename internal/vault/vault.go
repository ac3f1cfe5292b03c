// Package vault gates access to session recordings: encryption-key issuance
// at recording start, and short-lived signed access tokens for playback.
package vault

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/aiborg-ai/appboardguru-sub014/internal/audit"
	"github.com/aiborg-ai/appboardguru-sub014/internal/config"
	"github.com/aiborg-ai/appboardguru-sub014/internal/core"
)

// RecordingStatus is the recording lifecycle.
type RecordingStatus string

const (
	StatusRecording RecordingStatus = "recording"
	StatusCompleted RecordingStatus = "completed"
	StatusFailed    RecordingStatus = "failed"
)

// AccessLevel gates who may view a recording beyond the explicit list.
type AccessLevel string

const (
	AccessDirectorsOnly AccessLevel = "directors_only"
	AccessParticipants  AccessLevel = "participants"
	AccessOrganization  AccessLevel = "organization"
)

// Permissions combine the access level with an explicit viewer list.
type Permissions struct {
	Level   AccessLevel `json:"level"`
	Viewers []string    `json:"viewers"`
}

// RetentionPolicy controls how long the recording is kept.
type RetentionPolicy struct {
	Days       int  `json:"days"`
	LegalHold  bool `json:"legal_hold"`
	AutoExpire bool `json:"auto_expire"`
}

// Recording is a vaulted session recording. The media itself lives with the
// transport layer; the vault owns the key id and the access gate.
type Recording struct {
	ID              string          `json:"id"`
	SessionID       string          `json:"session_id"`
	InitiatorID     string          `json:"initiator_id"`
	EncryptionKeyID string          `json:"encryption_key_id"`
	Permissions     Permissions     `json:"permissions"`
	Retention       RetentionPolicy `json:"retention"`
	Status          RecordingStatus `json:"status"`
	StartedAt       time.Time       `json:"started_at"`
}

// AccessGrant is a short-lived, signed, permission-scoped token.
type AccessGrant struct {
	RecordingID string    `json:"recording_id"`
	RequesterID string    `json:"requester_id"`
	Token       string    `json:"token"`
	Permissions []string  `json:"permissions"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// LockGate mirrors the coordinator's lockdown check.
type LockGate interface {
	IsLockedDown(sessionID string) bool
}

// MembershipResolver answers whether a requester satisfies an access level
// for a session (director, participant, organization member). Supplied by
// the governance layer.
type MembershipResolver interface {
	HasLevel(sessionID, userID string, level AccessLevel) bool
}

// StartOptions configure a new recording.
type StartOptions struct {
	Permissions Permissions
	Retention   RetentionPolicy
}

// Vault is the RecordingVault. Token issuance is read-mostly; only the
// recordings map and the audit append are synchronized.
type Vault struct {
	cfg     config.VaultConfig
	gate    LockGate
	members MembershipResolver
	log     *audit.EventLog

	mu         sync.RWMutex
	recordings map[string]*Recording
}

func New(cfg config.VaultConfig, gate LockGate, members MembershipResolver, log *audit.EventLog) *Vault {
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = 15 * time.Minute
	}
	if cfg.Issuer == "" {
		cfg.Issuer = "boardroom-vault"
	}
	return &Vault{cfg: cfg, gate: gate, members: members, log: log, recordings: make(map[string]*Recording)}
}

// StartRecording issues a fresh encryption key id and vaults the recording
// in `recording` state.
func (v *Vault) StartRecording(sessionID, initiatorID string, opts StartOptions) (*Recording, error) {
	if sessionID == "" || initiatorID == "" {
		return nil, core.NewError(core.KindValidation, "session and initiator are required")
	}
	if opts.Retention.Days <= 0 {
		opts.Retention.Days = 365
	}
	if opts.Permissions.Level == "" {
		opts.Permissions.Level = AccessDirectorsOnly
	}

	rec := &Recording{
		ID:              uuid.NewString(),
		SessionID:       sessionID,
		InitiatorID:     initiatorID,
		EncryptionKeyID: "key-" + uuid.NewString(),
		Permissions:     opts.Permissions,
		Retention:       opts.Retention,
		Status:          StatusRecording,
		StartedAt:       time.Now().UTC(),
	}

	v.mu.Lock()
	v.recordings[rec.ID] = rec
	v.mu.Unlock()

	if v.log != nil {
		v.log.Append(audit.NewEvent(sessionID, audit.EventRecordingStarted,
			audit.CategoryAccess, audit.SeverityInfo, 0,
			fmt.Sprintf("recording %s started with key %s", rec.ID, rec.EncryptionKeyID)).
			WithUser(initiatorID))
	}
	slog.Info("recording started", "recording_id", rec.ID, "session_id", sessionID)
	return rec, nil
}

// CompleteRecording marks a finished recording.
func (v *Vault) CompleteRecording(recordingID string) error {
	return v.SetStatus(recordingID, StatusCompleted)
}

// FailRecording marks a recording that did not finish cleanly.
func (v *Vault) FailRecording(recordingID string) error {
	return v.SetStatus(recordingID, StatusFailed)
}

// SetStatus moves the recording to completed or failed.
func (v *Vault) SetStatus(recordingID string, status RecordingStatus) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	rec, ok := v.recordings[recordingID]
	if !ok {
		return core.NewError(core.KindNotFound, "recording %s not found", recordingID)
	}
	if rec.Status != StatusRecording {
		return core.NewError(core.KindInvalidState,
			"recording %s is already %s", recordingID, rec.Status)
	}
	rec.Status = status
	return nil
}

// Recording returns a copy of a vaulted recording.
func (v *Vault) Recording(recordingID string) (*Recording, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	rec, ok := v.recordings[recordingID]
	if !ok {
		return nil, core.NewError(core.KindNotFound, "recording %s not found", recordingID)
	}
	copied := *rec
	return &copied, nil
}

// RequestAccess issues a short-lived signed token scoped to the requested
// permissions. The requester must be on the viewer list or satisfy the
// recording's access level; every outcome lands in the audit trail.
func (v *Vault) RequestAccess(recordingID, requesterID string, requestedPermissions []string) (*AccessGrant, error) {
	rec, err := v.Recording(recordingID)
	if err != nil {
		return nil, err
	}

	if v.gate != nil && v.gate.IsLockedDown(rec.SessionID) {
		v.logDenied(rec, requesterID, "session locked down")
		return nil, core.NewError(core.KindSessionLocked,
			"session %s is locked down; recording access suspended", rec.SessionID)
	}

	if !v.permitted(rec, requesterID) {
		v.logDenied(rec, requesterID, "requester not in viewer list and does not meet access level")
		return nil, core.NewError(core.KindAccessDenied,
			"%s is not permitted to access recording %s", requesterID, recordingID)
	}

	if len(requestedPermissions) == 0 {
		requestedPermissions = []string{"view"}
	}

	expiresAt := time.Now().Add(v.cfg.TokenTTL)
	claims := jwt.MapClaims{
		"iss":  v.cfg.Issuer,
		"sub":  requesterID,
		"rec":  recordingID,
		"key":  rec.EncryptionKeyID,
		"perm": requestedPermissions,
		"iat":  time.Now().Unix(),
		"exp":  expiresAt.Unix(),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(v.cfg.TokenSecret))
	if err != nil {
		return nil, core.WrapTransient(err, "sign access token")
	}

	grant := &AccessGrant{
		RecordingID: recordingID,
		RequesterID: requesterID,
		Token:       token,
		Permissions: requestedPermissions,
		ExpiresAt:   expiresAt,
	}

	if v.log != nil {
		v.log.Append(audit.NewEvent(rec.SessionID, audit.EventRecordingAccessed,
			audit.CategoryAccess, audit.SeverityInfo, 0,
			fmt.Sprintf("access granted to recording %s", recordingID)).
			WithUser(requesterID).
			WithPayload(map[string]interface{}{
				"recording_id": recordingID,
				"permissions":  requestedPermissions,
				"expires_at":   expiresAt.Format(time.RFC3339),
			}))
	}
	return grant, nil
}

// VerifyToken validates an access token and returns its recording id and
// granted permissions.
func (v *Vault) VerifyToken(token string) (recordingID string, permissions []string, err error) {
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(v.cfg.TokenSecret), nil
	})
	if err != nil || !parsed.Valid {
		return "", nil, core.NewError(core.KindAccessDenied, "invalid access token")
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return "", nil, core.NewError(core.KindAccessDenied, "invalid access token claims")
	}
	recordingID, _ = claims["rec"].(string)
	if raw, ok := claims["perm"].([]interface{}); ok {
		for _, p := range raw {
			if s, ok := p.(string); ok {
				permissions = append(permissions, s)
			}
		}
	}
	return recordingID, permissions, nil
}

func (v *Vault) permitted(rec *Recording, requesterID string) bool {
	for _, viewer := range rec.Permissions.Viewers {
		if viewer == requesterID {
			return true
		}
	}
	if v.members != nil {
		return v.members.HasLevel(rec.SessionID, requesterID, rec.Permissions.Level)
	}
	return false
}

func (v *Vault) logDenied(rec *Recording, requesterID, reason string) {
	slog.Warn("recording access denied",
		"recording_id", rec.ID, "requester", requesterID, "reason", reason)
	if v.log != nil {
		v.log.Append(audit.NewEvent(rec.SessionID, audit.EventAccessDenied,
			audit.CategoryAccess, audit.SeverityWarning, 45,
			fmt.Sprintf("access to recording %s denied: %s", rec.ID, reason)).
			WithUser(requesterID).
			WithPayload(map[string]interface{}{"recording_id": rec.ID}))
	}
}
