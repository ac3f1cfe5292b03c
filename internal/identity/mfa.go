// Package identity implements continuous identity trust: the MFA
// challenge/response state machine and device-attestation scoring.
package identity

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pquerna/otp/totp"
	"golang.org/x/crypto/bcrypt"

	"github.com/aiborg-ai/appboardguru-sub014/internal/audit"
	"github.com/aiborg-ai/appboardguru-sub014/internal/config"
	"github.com/aiborg-ai/appboardguru-sub014/internal/core"
	"github.com/aiborg-ai/appboardguru-sub014/internal/store"
)

// ChallengeStatus is the MFA challenge lifecycle. verified and failed are
// terminal; no further attempts are accepted.
type ChallengeStatus string

const (
	StatusPending  ChallengeStatus = "pending"
	StatusVerified ChallengeStatus = "verified"
	StatusFailed   ChallengeStatus = "failed"
)

// MFAMethod selects how the challenge is proven.
type MFAMethod string

const (
	MethodCode MFAMethod = "code" // one-time code delivered out of band
	MethodTOTP MFAMethod = "totp" // authenticator app
)

// MFAChallenge is the persisted challenge state. The secret is stored
// hashed (bcrypt) for the code method; TOTP keeps the shared secret for
// window validation.
type MFAChallenge struct {
	ID                string          `json:"id"`
	UserID            string          `json:"user_id"`
	SessionID         string          `json:"session_id"`
	Method            MFAMethod       `json:"method"`
	Status            ChallengeStatus `json:"status"`
	Attempts          int             `json:"attempts"`
	MaxAttempts       int             `json:"max_attempts"`
	ExpiresAt         time.Time       `json:"expires_at"`
	SecretHash        []byte          `json:"secret_hash,omitempty"`
	TOTPSecret        string          `json:"totp_secret,omitempty"`
	DeviceFingerprint string          `json:"device_fingerprint"`
	CreatedAt         time.Time       `json:"created_at"`
}

// SessionInfo is what the manager needs to know about the session scope.
// The session itself is owned by the transport layer.
type SessionInfo struct {
	ID            string
	SecurityLevel string
}

// InitiateResult carries the challenge plus, for the code method, the
// plaintext code the caller delivers out of band. The code never persists.
type InitiateResult struct {
	Challenge  *MFAChallenge
	Code       string // code method only
	TOTPSecret string // totp method only: provisioning secret for enrollment
}

// Manager is the IdentityTrustManager. Challenge mutations are
// compare-and-swap writes against the versioned store, so two concurrent
// wrong-code submissions cannot both slip under max_attempts.
type Manager struct {
	cfg   config.MFAConfig
	store store.VersionedStore
	log   *audit.EventLog

	mu     sync.Mutex
	active map[string]struct{} // challenge IDs for the expiry sweep
}

func NewManager(cfg config.MFAConfig, st store.VersionedStore, log *audit.EventLog) *Manager {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.ChallengeTTL <= 0 {
		cfg.ChallengeTTL = 5 * time.Minute
	}
	return &Manager{cfg: cfg, store: st, log: log, active: make(map[string]struct{})}
}

func challengeKey(id string) string { return "mfa:challenge:" + id }

// requiresMFA reports whether the session's security level mandates MFA.
// Levels below the configured threshold skip the ceremony entirely.
func (m *Manager) requiresMFA(level string) bool {
	switch m.cfg.RequiredLevel {
	case "", "none":
		return level != ""
	default:
		return level != "" && level != "open"
	}
}

// InitiateMFA creates a pending challenge with the configured attempt limit
// and TTL. Fails with a validation error when the session does not require
// MFA at its security level.
func (m *Manager) InitiateMFA(ctx context.Context, session SessionInfo, userID string, method MFAMethod, deviceFingerprint string) (*InitiateResult, error) {
	if session.ID == "" || userID == "" {
		return nil, core.NewError(core.KindValidation, "session and user are required")
	}
	if !m.requiresMFA(session.SecurityLevel) {
		return nil, core.NewError(core.KindValidation,
			"session %s at level %q does not require MFA", session.ID, session.SecurityLevel)
	}

	challenge := &MFAChallenge{
		ID:                uuid.NewString(),
		UserID:            userID,
		SessionID:         session.ID,
		Method:            method,
		Status:            StatusPending,
		MaxAttempts:       m.cfg.MaxAttempts,
		ExpiresAt:         time.Now().Add(m.cfg.ChallengeTTL),
		DeviceFingerprint: deviceFingerprint,
		CreatedAt:         time.Now().UTC(),
	}

	result := &InitiateResult{Challenge: challenge}

	switch method {
	case MethodCode:
		code, err := generateCode(6)
		if err != nil {
			return nil, core.WrapTransient(err, "generate challenge code")
		}
		hash, err := bcrypt.GenerateFromPassword([]byte(code), bcrypt.DefaultCost)
		if err != nil {
			return nil, core.WrapTransient(err, "hash challenge code")
		}
		challenge.SecretHash = hash
		result.Code = code

	case MethodTOTP:
		key, err := totp.Generate(totp.GenerateOpts{
			Issuer:      m.cfg.TOTPIssuer,
			AccountName: userID,
		})
		if err != nil {
			return nil, core.WrapTransient(err, "generate totp secret")
		}
		challenge.TOTPSecret = key.Secret()
		result.TOTPSecret = key.Secret()

	default:
		return nil, core.NewError(core.KindValidation, "unsupported MFA method %q", method)
	}

	if err := m.writeChallenge(ctx, challenge, 0); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.active[challenge.ID] = struct{}{}
	m.mu.Unlock()

	slog.Info("MFA challenge initiated",
		"challenge_id", challenge.ID, "session_id", session.ID,
		"user_id", userID, "method", method)
	return result, nil
}

// VerifyMFA checks a submitted code against a pending challenge.
//
// Terminal rules: expiry beats everything; a non-pending status rejects with
// an invalid-state error and mutates nothing; the attempt increment and the
// max-attempts comparison happen in one CAS write, retried on version
// conflict, so the k-th wrong submission is the one that fails the challenge
// no matter how the submissions interleave.
func (m *Manager) VerifyMFA(ctx context.Context, challengeID, submittedCode, deviceFingerprint string) (bool, error) {
	for {
		rec, err := m.store.Get(ctx, challengeKey(challengeID))
		if err != nil {
			if core.KindOf(err) == core.KindNotFound {
				return false, core.NewError(core.KindNotFound, "challenge %s not found", challengeID)
			}
			return false, err
		}

		var ch MFAChallenge
		if err := json.Unmarshal(rec.Value, &ch); err != nil {
			return false, core.WrapTransient(err, "decode challenge %s", challengeID)
		}

		if time.Now().After(ch.ExpiresAt) {
			return false, core.NewError(core.KindAuthExpired, "challenge %s expired at %s",
				challengeID, ch.ExpiresAt.Format(time.RFC3339))
		}
		if ch.Status != StatusPending {
			return false, core.NewError(core.KindInvalidState,
				"challenge %s is %s; no further attempts accepted", challengeID, ch.Status)
		}

		matched := ch.matches(submittedCode) && ch.DeviceFingerprint == deviceFingerprint

		if matched {
			ch.Status = StatusVerified
			if err := m.writeChallenge(ctx, &ch, rec.Version); err != nil {
				if err == store.ErrVersionConflict {
					continue // lost the race; re-read and re-evaluate
				}
				return false, err
			}
			m.forget(challengeID)
			slog.Info("MFA verified", "challenge_id", challengeID, "user_id", ch.UserID)
			return true, nil
		}

		// Wrong code: increment-and-compare as a single atomic step.
		ch.Attempts++
		exhausted := ch.Attempts >= ch.MaxAttempts
		if exhausted {
			ch.Status = StatusFailed
		}

		if err := m.writeChallenge(ctx, &ch, rec.Version); err != nil {
			if err == store.ErrVersionConflict {
				continue
			}
			return false, err
		}

		if exhausted {
			m.forget(challengeID)
			if m.log != nil {
				m.log.Append(audit.NewEvent(ch.SessionID, audit.EventMaxAttemptsExceeded,
					audit.CategoryAuthentication, audit.SeverityHigh, 75,
					fmt.Sprintf("MFA challenge failed after %d attempts", ch.Attempts)).
					WithUser(ch.UserID).
					WithPayload(map[string]interface{}{"challenge_id": ch.ID, "method": string(ch.Method)}))
			}
			return false, core.NewError(core.KindMaxAttempts,
				"challenge %s failed after %d attempts; re-initiate to retry", challengeID, ch.Attempts)
		}

		if m.log != nil {
			m.log.Append(audit.NewEvent(ch.SessionID, audit.EventMFAFailed,
				audit.CategoryAuthentication, audit.SeverityWarning, 30,
				fmt.Sprintf("MFA attempt %d/%d failed", ch.Attempts, ch.MaxAttempts)).
				WithUser(ch.UserID))
		}
		return false, nil
	}
}

// SweepExpired proactively fails expired pending challenges. Verification
// already checks expiry, so this is hygiene, not correctness.
func (m *Manager) SweepExpired(ctx context.Context) int {
	m.mu.Lock()
	ids := make([]string, 0, len(m.active))
	for id := range m.active {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	swept := 0
	now := time.Now()
	for _, id := range ids {
		rec, err := m.store.Get(ctx, challengeKey(id))
		if err != nil {
			m.forget(id)
			continue
		}
		var ch MFAChallenge
		if err := json.Unmarshal(rec.Value, &ch); err != nil {
			continue
		}
		if ch.Status != StatusPending {
			m.forget(id)
			continue
		}
		if now.After(ch.ExpiresAt) {
			ch.Status = StatusFailed
			if err := m.writeChallenge(ctx, &ch, rec.Version); err == nil {
				m.forget(id)
				swept++
			}
		}
	}
	if swept > 0 {
		slog.Info("expired MFA challenges swept", "count", swept)
	}
	return swept
}

// GetChallenge loads a challenge by ID.
func (m *Manager) GetChallenge(ctx context.Context, challengeID string) (*MFAChallenge, error) {
	rec, err := m.store.Get(ctx, challengeKey(challengeID))
	if err != nil {
		return nil, err
	}
	var ch MFAChallenge
	if err := json.Unmarshal(rec.Value, &ch); err != nil {
		return nil, core.WrapTransient(err, "decode challenge %s", challengeID)
	}
	return &ch, nil
}

func (m *Manager) writeChallenge(ctx context.Context, ch *MFAChallenge, expectedVersion int64) error {
	data, err := json.Marshal(ch)
	if err != nil {
		return core.WrapTransient(err, "encode challenge %s", ch.ID)
	}
	_, err = m.store.PutIfVersion(ctx, challengeKey(ch.ID), data, expectedVersion)
	return err
}

func (m *Manager) forget(challengeID string) {
	m.mu.Lock()
	delete(m.active, challengeID)
	m.mu.Unlock()
}

func (ch *MFAChallenge) matches(submitted string) bool {
	switch ch.Method {
	case MethodCode:
		return bcrypt.CompareHashAndPassword(ch.SecretHash, []byte(submitted)) == nil
	case MethodTOTP:
		return totp.Validate(submitted, ch.TOTPSecret)
	}
	return false
}

func generateCode(digits int) (string, error) {
	max := big.NewInt(1)
	for i := 0; i < digits; i++ {
		max.Mul(max, big.NewInt(10))
	}
	n, err := rand.Int(rand.Reader, max)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%0*d", digits, n), nil
}
