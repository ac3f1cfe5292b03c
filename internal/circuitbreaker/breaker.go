// Package circuitbreaker protects the engine from flapping external
// capabilities (threat-intel feeds, classifiers). A tripped breaker fails
// fast so callers can degrade instead of stacking timeouts.
package circuitbreaker

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// State is the breaker state machine.
type State int

const (
	StateClosed   State = iota // normal operation
	StateOpen                  // failing fast
	StateHalfOpen              // probing for recovery
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	}
	return "UNKNOWN"
}

// ErrCircuitOpen is returned without invoking the wrapped call.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// Config tunes one breaker.
type Config struct {
	Name             string
	FailureThreshold int           // consecutive failures before tripping
	OpenTimeout      time.Duration // time in open before a half-open probe
}

// Breaker wraps calls to one external dependency.
type Breaker struct {
	cfg Config

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
}

func New(cfg Config) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 30 * time.Second
	}
	return &Breaker{cfg: cfg, state: StateClosed}
}

// Execute runs fn under the breaker. When open it fails fast with
// ErrCircuitOpen; in half-open a single success closes the circuit and a
// failure re-opens it.
func (b *Breaker) Execute(fn func() error) error {
	if err := b.before(); err != nil {
		return err
	}
	err := fn()
	b.after(err)
	return err
}

// State returns the current state, advancing open to half-open when the
// timeout has elapsed.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.advanceLocked()
	return b.state
}

func (b *Breaker) before() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.advanceLocked()
	if b.state == StateOpen {
		return ErrCircuitOpen
	}
	return nil
}

func (b *Breaker) after(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err == nil {
		if b.state == StateHalfOpen {
			slog.Info("circuit closed after successful probe", "breaker", b.cfg.Name)
		}
		b.state = StateClosed
		b.failures = 0
		return
	}

	b.failures++
	if b.state == StateHalfOpen || b.failures >= b.cfg.FailureThreshold {
		if b.state != StateOpen {
			slog.Warn("circuit opened",
				"breaker", b.cfg.Name, "failures", b.failures, "timeout", b.cfg.OpenTimeout)
		}
		b.state = StateOpen
		b.openedAt = time.Now()
	}
}

func (b *Breaker) advanceLocked() {
	if b.state == StateOpen && time.Since(b.openedAt) >= b.cfg.OpenTimeout {
		b.state = StateHalfOpen
	}
}
