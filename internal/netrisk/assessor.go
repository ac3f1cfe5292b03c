// Package netrisk scores per-connection network risk from facts supplied by
// the transport layer. Network facts (IP, VPN flag, threat-intel reputation,
// request rate) arrive pre-derived; nothing here touches raw traffic.
package netrisk

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/aiborg-ai/appboardguru-sub014/internal/audit"
	"github.com/aiborg-ai/appboardguru-sub014/internal/circuitbreaker"
	"github.com/aiborg-ai/appboardguru-sub014/internal/config"
)

// Reputation is the threat-intelligence verdict for a source.
type Reputation string

const (
	ReputationClean     Reputation = "clean"
	ReputationUnknown   Reputation = "unknown"
	ReputationMalicious Reputation = "malicious"
)

// IntelProvider looks up threat-intelligence reputation for an IP. It is an
// external capability consumed through this narrow interface.
type IntelProvider interface {
	Reputation(ctx context.Context, ip string) (Reputation, error)
}

// ConnectionFacts are the per-connection facts delivered by the transport
// layer alongside the sample.
type ConnectionFacts struct {
	VPNDetected  bool       `json:"vpn_detected"`
	RequestRate  float64    `json:"request_rate"`  // requests/sec observed
	ExpectedRate float64    `json:"expected_rate"` // baseline requests/sec
	ThreatIntel  Reputation `json:"threat_intel"`  // optional pre-resolved verdict
}

// Assessment is the immutable per-connection result. A reconnect produces a
// new assessment that supersedes this one; the old record never mutates.
type Assessment struct {
	ID            string     `json:"id"`
	SessionID     string     `json:"session_id"`
	SourceIP      string     `json:"source_ip"`
	UserAgent     string     `json:"user_agent"`
	VPNDetected   bool       `json:"vpn_detected"`
	Reputation    Reputation `json:"reputation"`
	RiskScore     float64    `json:"risk_score"` // [0,100]
	Blocked       bool       `json:"blocked"`
	BlockedReason string     `json:"blocked_reason,omitempty"`
	AssessedAt    time.Time  `json:"assessed_at"`
}

// Assessor computes connection risk as a weighted, clipped combination of
// the supplied facts. All weights and the block threshold are configuration.
type Assessor struct {
	cfg     config.NetworkConfig
	intel   IntelProvider
	cache   *lru.Cache[string, Reputation]
	breaker *circuitbreaker.Breaker
	log     *audit.EventLog
}

func NewAssessor(cfg config.NetworkConfig, intel IntelProvider, log *audit.EventLog) *Assessor {
	size := cfg.IntelCacheSize
	if size <= 0 {
		size = 1024
	}
	cache, _ := lru.New[string, Reputation](size)
	return &Assessor{
		cfg:   cfg,
		intel: intel,
		cache: cache,
		breaker: circuitbreaker.New(circuitbreaker.Config{
			Name:             "threat-intel",
			FailureThreshold: 5,
			OpenTimeout:      30 * time.Second,
		}),
		log: log,
	}
}

// Assess scores one connection attempt. An actively malicious threat-intel
// verdict blocks unconditionally with score 100; the weighted sum never
// reduces that. Otherwise blocked follows the configured threshold.
func (a *Assessor) Assess(ctx context.Context, sessionID, sourceIP, userAgent string, facts ConnectionFacts) *Assessment {
	assessment := &Assessment{
		ID:          uuid.NewString(),
		SessionID:   sessionID,
		SourceIP:    sourceIP,
		UserAgent:   userAgent,
		VPNDetected: facts.VPNDetected,
		Reputation:  a.resolveReputation(ctx, sourceIP, facts.ThreatIntel),
		AssessedAt:  time.Now().UTC(),
	}

	if assessment.Reputation == ReputationMalicious {
		// Explicit block overrides the weighted sum.
		assessment.RiskScore = 100
		assessment.Blocked = true
		assessment.BlockedReason = "threat intelligence flags source as actively malicious"
	} else {
		assessment.RiskScore = a.weightedScore(assessment.Reputation, facts)
		if assessment.RiskScore >= a.cfg.BlockThreshold {
			assessment.Blocked = true
			assessment.BlockedReason = "risk score exceeds block threshold"
		}
	}

	if assessment.Blocked {
		slog.Warn("connection blocked",
			"session_id", sessionID, "source_ip", sourceIP,
			"risk_score", assessment.RiskScore, "reason", assessment.BlockedReason)
		if a.log != nil {
			a.log.Append(audit.NewEvent(sessionID, audit.EventNetworkBlocked,
				audit.CategoryNetwork, severityForScore(assessment.RiskScore), assessment.RiskScore,
				assessment.BlockedReason).
				WithPayload(map[string]interface{}{
					"source_ip":  sourceIP,
					"reputation": string(assessment.Reputation),
					"vpn":        facts.VPNDetected,
				}))
		}
	}
	return assessment
}

func (a *Assessor) weightedScore(rep Reputation, facts ConnectionFacts) float64 {
	w := a.cfg.Weights
	score := 0.0

	if facts.VPNDetected {
		score += w.VPN
	}
	if rep == ReputationUnknown {
		score += w.IntelRisky
	}
	if facts.ExpectedRate > 0 && facts.RequestRate > facts.ExpectedRate {
		// Scale the rate weight by how far above baseline the rate is,
		// saturating at 3x expected.
		excess := (facts.RequestRate - facts.ExpectedRate) / (2 * facts.ExpectedRate)
		if excess > 1 {
			excess = 1
		}
		score += w.RequestRate * excess
	}

	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}
	return score
}

// resolveReputation prefers a pre-resolved verdict from the facts, then the
// LRU cache, then the intel provider behind a circuit breaker. Lookup
// failures and a tripped breaker both degrade to unknown.
func (a *Assessor) resolveReputation(ctx context.Context, ip string, supplied Reputation) Reputation {
	if supplied != "" {
		return supplied
	}
	if cached, ok := a.cache.Get(ip); ok {
		return cached
	}
	if a.intel == nil {
		return ReputationUnknown
	}

	var rep Reputation
	err := a.breaker.Execute(func() error {
		var lookupErr error
		rep, lookupErr = a.intel.Reputation(ctx, ip)
		return lookupErr
	})
	if err != nil {
		slog.Warn("threat intel lookup failed", "ip", ip, "error", err)
		return ReputationUnknown
	}
	a.cache.Add(ip, rep)
	return rep
}

func severityForScore(score float64) audit.Severity {
	switch {
	case score >= 90:
		return audit.SeverityCritical
	case score >= 70:
		return audit.SeverityHigh
	case score >= 40:
		return audit.SeverityWarning
	default:
		return audit.SeverityInfo
	}
}
