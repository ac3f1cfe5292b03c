// Package behavior builds per-user behavioral baselines from completed
// sessions and scores live sessions against them.
package behavior

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/aiborg-ai/appboardguru-sub014/internal/config"
)

// SessionRecord is one completed session contributing to a baseline.
type SessionRecord struct {
	Duration    time.Duration
	ActionCount int
	Timezone    string
	DeviceType  string
}

// rollingStat keeps mean/variance incrementally (Welford), so baselines are
// extended as sessions complete without re-reading history.
type rollingStat struct {
	N    int     `json:"n"`
	Mean float64 `json:"mean"`
	M2   float64 `json:"m2"`
}

func (r *rollingStat) add(x float64) {
	r.N++
	delta := x - r.Mean
	r.Mean += delta / float64(r.N)
	r.M2 += delta * (x - r.Mean)
}

func (r *rollingStat) stddev() float64 {
	if r.N < 2 {
		return 0
	}
	return math.Sqrt(r.M2 / float64(r.N-1))
}

// Baseline is a user's behavioral profile. It is only ever extended.
type Baseline struct {
	UserID        string              `json:"user_id"`
	DurationSecs  rollingStat         `json:"duration_secs"`
	ActionCount   rollingStat         `json:"action_count"`
	Timezones     map[string]struct{} `json:"timezones"`
	DeviceTypes   map[string]struct{} `json:"device_types"`
	LowConfidence bool                `json:"low_confidence"`
	UpdatedAt     time.Time           `json:"updated_at"`
}

// SessionFacts are the live-session observations to score.
type SessionFacts struct {
	Duration    time.Duration
	ActionCount int
	Timezone    string
	DeviceType  string
}

// Anomaly is one dimension crossing its deviation threshold.
type Anomaly struct {
	Dimension string  `json:"dimension"`
	Detail    string  `json:"detail"`
	Deviation float64 `json:"deviation"` // stddev multiples (numeric dims)
	Severity  float64 `json:"severity"`  // [0,100]
}

// ScoreResult carries the anomalies plus the session risk score: the MAX of
// per-dimension severities, not the sum, so many weak signals cannot stack
// into a false critical.
type ScoreResult struct {
	Anomalies []Anomaly `json:"anomalies"`
	RiskScore float64   `json:"risk_score"`
}

// Analyzer holds baselines per user. Calls for different users share no
// mutable state beyond the guarded map.
type Analyzer struct {
	cfg config.BehaviorConfig

	mu        sync.RWMutex
	baselines map[string]*Baseline
}

func NewAnalyzer(cfg config.BehaviorConfig) *Analyzer {
	if cfg.MinHistory <= 0 {
		cfg.MinHistory = 5
	}
	if cfg.DeviationThreshold <= 0 {
		cfg.DeviationThreshold = 2.0
	}
	return &Analyzer{cfg: cfg, baselines: make(map[string]*Baseline)}
}

// EstablishBaseline computes a baseline from historical sessions. Below the
// configured minimum history it still returns a baseline, flagged low
// confidence so callers weight its verdicts accordingly.
func (a *Analyzer) EstablishBaseline(userID string, history []SessionRecord) *Baseline {
	b := &Baseline{
		UserID:      userID,
		Timezones:   make(map[string]struct{}),
		DeviceTypes: make(map[string]struct{}),
		UpdatedAt:   time.Now().UTC(),
	}
	for _, s := range history {
		b.DurationSecs.add(s.Duration.Seconds())
		b.ActionCount.add(float64(s.ActionCount))
		if s.Timezone != "" {
			b.Timezones[s.Timezone] = struct{}{}
		}
		if s.DeviceType != "" {
			b.DeviceTypes[s.DeviceType] = struct{}{}
		}
	}
	b.LowConfidence = len(history) < a.cfg.MinHistory

	a.mu.Lock()
	a.baselines[userID] = b
	a.mu.Unlock()
	return b
}

// Extend folds one completed session into the user's baseline. Baselines are
// never deleted, only extended.
func (a *Analyzer) Extend(userID string, s SessionRecord) {
	a.mu.Lock()
	defer a.mu.Unlock()

	b, ok := a.baselines[userID]
	if !ok {
		b = &Baseline{
			UserID:        userID,
			Timezones:     make(map[string]struct{}),
			DeviceTypes:   make(map[string]struct{}),
			LowConfidence: true,
		}
		a.baselines[userID] = b
	}
	b.DurationSecs.add(s.Duration.Seconds())
	b.ActionCount.add(float64(s.ActionCount))
	if s.Timezone != "" {
		b.Timezones[s.Timezone] = struct{}{}
	}
	if s.DeviceType != "" {
		b.DeviceTypes[s.DeviceType] = struct{}{}
	}
	b.LowConfidence = b.DurationSecs.N < a.cfg.MinHistory
	b.UpdatedAt = time.Now().UTC()
}

// Baseline returns the stored baseline for a user, if any.
func (a *Analyzer) Baseline(userID string) (*Baseline, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	b, ok := a.baselines[userID]
	return b, ok
}

// Score compares live session facts against a baseline. Numeric dimensions
// use |value-mean|/stddev with a zero-variance guard; categorical dimensions
// use membership against the known set.
func (a *Analyzer) Score(userID string, facts SessionFacts, baseline *Baseline) ScoreResult {
	var result ScoreResult
	if baseline == nil {
		return result
	}

	result.addNumeric(a.cfg.DeviationThreshold, "session_duration",
		facts.Duration.Seconds(), &baseline.DurationSecs)
	result.addNumeric(a.cfg.DeviationThreshold, "action_count",
		float64(facts.ActionCount), &baseline.ActionCount)
	result.addCategorical("timezone", facts.Timezone, baseline.Timezones)
	result.addCategorical("device_type", facts.DeviceType, baseline.DeviceTypes)

	if baseline.LowConfidence {
		// Thin history: damp the verdict rather than crying wolf.
		result.RiskScore *= 0.5
		for i := range result.Anomalies {
			result.Anomalies[i].Severity *= 0.5
		}
	}
	return result
}

func (r *ScoreResult) addNumeric(threshold float64, dim string, value float64, stat *rollingStat) {
	sd := stat.stddev()
	if sd == 0 {
		// Degenerate baseline: fall back to a relative check against the mean.
		if stat.Mean > 0 && math.Abs(value-stat.Mean) > stat.Mean {
			r.record(Anomaly{
				Dimension: dim,
				Detail:    fmt.Sprintf("%s %.1f diverges from constant baseline %.1f", dim, value, stat.Mean),
				Deviation: 2,
				Severity:  50,
			})
		}
		return
	}

	deviation := math.Abs(value-stat.Mean) / sd
	if deviation < threshold {
		return
	}
	// Severity proportional to deviation magnitude, saturating at 5 sigma.
	severity := math.Min(deviation/5, 1) * 100
	r.record(Anomaly{
		Dimension: dim,
		Detail:    fmt.Sprintf("%s %.1f is %.1f stddev from mean %.1f", dim, value, deviation, stat.Mean),
		Deviation: deviation,
		Severity:  severity,
	})
}

func (r *ScoreResult) addCategorical(dim, value string, known map[string]struct{}) {
	if value == "" || len(known) == 0 {
		return
	}
	if _, ok := known[value]; ok {
		return
	}
	r.record(Anomaly{
		Dimension: dim,
		Detail:    fmt.Sprintf("%s %q never seen in baseline", dim, value),
		Deviation: 0,
		Severity:  60,
	})
}

func (r *ScoreResult) record(an Anomaly) {
	r.Anomalies = append(r.Anomalies, an)
	if an.Severity > r.RiskScore {
		r.RiskScore = an.Severity
	}
}
