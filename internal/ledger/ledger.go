// Package ledger implements the append-only, hash-chained voting ledger.
// Each motion owns its own chain; a record's hash input includes the
// previous record's hash, making retroactive edits detectable. This is a
// local tamper-evident chain, not a consensus protocol.
package ledger

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aiborg-ai/appboardguru-sub014/internal/audit"
	"github.com/aiborg-ai/appboardguru-sub014/internal/config"
	"github.com/aiborg-ai/appboardguru-sub014/internal/core"
	"github.com/aiborg-ai/appboardguru-sub014/internal/store"
)

const genesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// VoteRecord is one link in a motion's chain. Sequence numbers are
// contiguous from 0 and hash[i] covers previous_hash[i].
type VoteRecord struct {
	ID           string    `json:"id"`
	SessionID    string    `json:"session_id"`
	MotionID     string    `json:"motion_id"`
	VoterID      string    `json:"voter_id"`
	OnBehalfOf   string    `json:"on_behalf_of,omitempty"` // set for proxy votes
	Choice       string    `json:"choice"`
	Weight       float64   `json:"weight"`
	Sequence     int64     `json:"sequence"`
	PreviousHash string    `json:"previous_hash"`
	Hash         string    `json:"hash"`
	Signature    string    `json:"signature"`
	CastAt       time.Time `json:"cast_at"`
}

// LockGate is the coordinator's lockdown check consulted before every cast.
type LockGate interface {
	IsLockedDown(sessionID string) bool
}

// CredentialProvider resolves the signing credential for a voter. The
// default derives per-voter keys from the ledger signing secret.
type CredentialProvider interface {
	Credential(voterID string) []byte
}

type derivedCredentials struct{ secret []byte }

func (d derivedCredentials) Credential(voterID string) []byte {
	mac := hmac.New(sha256.New, d.secret)
	mac.Write([]byte(voterID))
	return mac.Sum(nil)
}

// motionChain serializes appends for one motion. Different motions append
// fully in parallel.
type motionChain struct {
	mu       sync.Mutex
	records  []*VoteRecord
	tailHash string
	ballots  map[string]bool // ballot owner (voter or principal) -> voted
}

// Ledger is the VotingLedger.
type Ledger struct {
	cfg   config.LedgerConfig
	gate  LockGate
	creds CredentialProvider
	log   *audit.EventLog
	store store.VersionedStore

	mu      sync.RWMutex
	motions map[string]*motionChain
	byID    map[string]*VoteRecord

	proxyMu sync.RWMutex
	proxies map[string]string // sessionID+principal -> authorized proxy voter
}

func New(cfg config.LedgerConfig, gate LockGate, log *audit.EventLog, st store.VersionedStore) *Ledger {
	return &Ledger{
		cfg:     cfg,
		gate:    gate,
		creds:   derivedCredentials{secret: []byte(cfg.SigningSecret)},
		log:     log,
		store:   st,
		motions: make(map[string]*motionChain),
		byID:    make(map[string]*VoteRecord),
		proxies: make(map[string]string),
	}
}

// SetCredentialProvider swaps in an external credential source.
func (l *Ledger) SetCredentialProvider(p CredentialProvider) { l.creds = p }

func proxyKey(sessionID, principalID string) string { return sessionID + "/" + principalID }

// RegisterProxy records that proxy may cast principal's ballot in this
// session. Without this relation a second ballot for the principal is a
// duplicate.
func (l *Ledger) RegisterProxy(sessionID, principalID, proxyID string) {
	l.proxyMu.Lock()
	l.proxies[proxyKey(sessionID, principalID)] = proxyID
	l.proxyMu.Unlock()
	slog.Info("proxy relation registered",
		"session_id", sessionID, "principal", principalID, "proxy", proxyID)
}

func (l *Ledger) motion(motionID string) *motionChain {
	l.mu.RLock()
	mc, ok := l.motions[motionID]
	l.mu.RUnlock()
	if ok {
		return mc
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if mc, ok = l.motions[motionID]; ok {
		return mc
	}
	mc = &motionChain{tailHash: genesisHash, ballots: make(map[string]bool)}
	l.motions[motionID] = mc
	return mc
}

// CastVote appends a direct vote: the voter casts their own ballot.
func (l *Ledger) CastVote(ctx context.Context, sessionID, motionID, voterID, choice string, weight float64) (*VoteRecord, error) {
	return l.cast(ctx, sessionID, motionID, voterID, voterID, choice, weight)
}

// CastProxyVote appends a vote cast by proxy on behalf of principal. The
// proxy relation must have been registered beforehand.
func (l *Ledger) CastProxyVote(ctx context.Context, sessionID, motionID, proxyID, principalID, choice string, weight float64) (*VoteRecord, error) {
	l.proxyMu.RLock()
	authorized := l.proxies[proxyKey(sessionID, principalID)] == proxyID
	l.proxyMu.RUnlock()
	if !authorized {
		return nil, core.NewError(core.KindValidation,
			"%s holds no proxy for %s in session %s", proxyID, principalID, sessionID)
	}
	return l.cast(ctx, sessionID, motionID, proxyID, principalID, choice, weight)
}

// cast is the single-writer append path for one motion.
func (l *Ledger) cast(ctx context.Context, sessionID, motionID, voterID, ballotOwner, choice string, weight float64) (*VoteRecord, error) {
	if motionID == "" || voterID == "" || choice == "" {
		return nil, core.NewError(core.KindValidation, "motion, voter and choice are required")
	}
	if weight <= 0 {
		return nil, core.NewError(core.KindValidation, "vote weight must be positive")
	}

	if l.gate != nil && l.gate.IsLockedDown(sessionID) {
		if l.log != nil {
			l.log.Append(audit.NewEvent(sessionID, audit.EventVoteRejected,
				audit.CategoryIntegrity, audit.SeverityHigh, 70,
				fmt.Sprintf("vote on motion %s rejected: session locked down", motionID)).
				WithUser(voterID))
		}
		return nil, core.NewError(core.KindSessionLocked,
			"session %s is locked down; vote casting suspended", sessionID)
	}

	mc := l.motion(motionID)
	mc.mu.Lock()
	defer mc.mu.Unlock()

	if mc.ballots[ballotOwner] {
		if l.log != nil {
			l.log.Append(audit.NewEvent(sessionID, audit.EventVoteRejected,
				audit.CategoryIntegrity, audit.SeverityWarning, 40,
				fmt.Sprintf("duplicate ballot for motion %s", motionID)).WithUser(voterID))
		}
		return nil, core.NewError(core.KindDuplicateVote,
			"an active vote already exists for (%s, %s)", motionID, ballotOwner)
	}

	record := &VoteRecord{
		ID:           uuid.NewString(),
		SessionID:    sessionID,
		MotionID:     motionID,
		VoterID:      voterID,
		Choice:       choice,
		Weight:       weight,
		Sequence:     int64(len(mc.records)),
		PreviousHash: mc.tailHash,
		CastAt:       time.Now().UTC(),
	}
	if ballotOwner != voterID {
		record.OnBehalfOf = ballotOwner
	}
	record.Hash = l.computeHash(record)
	record.Signature = l.sign(record.Hash, voterID)

	if err := l.persist(ctx, record); err != nil {
		return nil, err
	}

	mc.records = append(mc.records, record)
	mc.tailHash = record.Hash
	mc.ballots[ballotOwner] = true

	l.mu.Lock()
	l.byID[record.ID] = record
	l.mu.Unlock()

	if l.log != nil {
		l.log.Append(audit.NewEvent(sessionID, audit.EventVoteCast,
			audit.CategoryIntegrity, audit.SeverityInfo, 0,
			fmt.Sprintf("vote %d recorded for motion %s", record.Sequence, motionID)).
			WithUser(voterID).
			WithPayload(map[string]interface{}{"record_id": record.ID, "hash": record.Hash}))
	}
	return record, nil
}

// computeHash is deterministic and pure over the record's chained fields.
func (l *Ledger) computeHash(r *VoteRecord) string {
	input := fmt.Sprintf("%s|%s|%s|%s|%g|%d|%s|%s",
		r.MotionID, r.VoterID, r.OnBehalfOf, r.Choice, r.Weight,
		r.Sequence, r.PreviousHash, l.cfg.ChainSalt)
	sum := sha256.Sum256([]byte(input))
	return hex.EncodeToString(sum[:])
}

func (l *Ledger) sign(hash, voterID string) string {
	mac := hmac.New(sha256.New, l.creds.Credential(voterID))
	mac.Write([]byte(hash))
	return hex.EncodeToString(mac.Sum(nil))
}

// persist writes the record and advances the motion tail with an optimistic
// version check; the tail version equals the number of appended records.
func (l *Ledger) persist(ctx context.Context, r *VoteRecord) error {
	if l.store == nil {
		return nil
	}
	data, err := json.Marshal(r)
	if err != nil {
		return core.WrapTransient(err, "encode vote record")
	}
	return store.WithRetry(ctx, func() error {
		if _, err := l.store.Put(ctx, "ledger:vote:"+r.ID, data); err != nil {
			return err
		}
		_, err := l.store.PutIfVersion(ctx, "ledger:tail:"+r.MotionID, []byte(r.Hash), r.Sequence)
		return err
	})
}

// VerifyVoteIntegrity recomputes the record's hash from its stored fields.
// A mismatch is non-recoverable: it returns false, raises a TamperDetected
// security event and triggers forensic capture. It is never corrected.
func (l *Ledger) VerifyVoteIntegrity(recordID string) (bool, error) {
	l.mu.RLock()
	record, ok := l.byID[recordID]
	l.mu.RUnlock()
	if !ok {
		return false, core.NewError(core.KindNotFound, "vote record %s not found", recordID)
	}

	if l.computeHash(record) == record.Hash {
		return true, nil
	}

	slog.Error("vote record hash mismatch",
		"record_id", recordID, "motion_id", record.MotionID, "sequence", record.Sequence)
	if l.log != nil {
		l.log.Append(audit.NewEvent(record.SessionID, audit.EventTamperDetected,
			audit.CategoryIntegrity, audit.SeverityCritical, 100,
			fmt.Sprintf("vote record %s failed integrity verification; forensic capture triggered", recordID)).
			WithPayload(map[string]interface{}{
				"record_id": recordID,
				"motion_id": record.MotionID,
				"sequence":  record.Sequence,
			}))
	}
	return false, core.NewError(core.KindTamperDetected,
		"vote record %s hash does not match stored fields", recordID)
}

// VerifyChain walks a motion's full chain: hash correctness, previous-hash
// linkage and sequence contiguity. Returns the index of the first bad
// record, or -1 when the chain is intact.
func (l *Ledger) VerifyChain(motionID string) (bool, int) {
	mc := l.motion(motionID)
	mc.mu.Lock()
	defer mc.mu.Unlock()

	prev := genesisHash
	for i, r := range mc.records {
		if r.Sequence != int64(i) || r.PreviousHash != prev || l.computeHash(r) != r.Hash {
			return false, i
		}
		prev = r.Hash
	}
	return true, -1
}

// Votes returns a copy of the motion's chain in append order.
func (l *Ledger) Votes(motionID string) []*VoteRecord {
	mc := l.motion(motionID)
	mc.mu.Lock()
	defer mc.mu.Unlock()

	out := make([]*VoteRecord, len(mc.records))
	for i, r := range mc.records {
		copied := *r
		out[i] = &copied
	}
	return out
}

// Record returns a vote record by ID.
func (l *Ledger) Record(recordID string) (*VoteRecord, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	r, ok := l.byID[recordID]
	if !ok {
		return nil, core.NewError(core.KindNotFound, "vote record %s not found", recordID)
	}
	copied := *r
	return &copied, nil
}
